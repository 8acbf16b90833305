// Package ir provides the canonical value model shared by every layer of the
// sync core.
//
// This package contains type definitions only. All other internal packages
// import ir; ir imports nothing internal. This keeps the canonical model the
// foundational layer with no circular dependencies.
//
// Key design constraints:
//   - NO float types anywhere - numbers are int64 (money is stored in minor units)
//   - Records are flat: a record is a map of field name to scalar Value
//   - All JSON tags use snake_case
//   - Canonical JSON (RFC 8785 ordering, NFC strings) is the only encoding
//     used for storage and content hashes
package ir
