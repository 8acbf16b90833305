// Package store provides the SQLite-backed local store of canonical records.
//
// The store holds three tables:
//   - records: one row per (kind, key) with canonical fields, version and
//     sync metadata, and the remote side of an unresolved conflict
//   - outbox: durable FIFO of local mutations awaiting acknowledgment
//   - watermarks: highest remote version applied per kind
//
// # Single writer
//
// Every mutation goes through Batch, which holds a store-level lock for
// the duration of one SQLite transaction. The connection pool is limited to
// one connection. Inside a Batch callback use the Tx methods only; calling
// Store methods from inside the callback deadlocks on the connection.
//
// # Deterministic reads
//
// Record queries are ordered by key COLLATE BINARY; outbox reads by id,
// which is the global enqueue order.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Record bodies are stored as RFC 8785 canonical JSON (ir.MarshalCanonical)
// so the stored text and the content hash agree byte for byte.
package store
