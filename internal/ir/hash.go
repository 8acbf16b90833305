package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed hashes.
// Version suffix enables future algorithm migration.
const (
	DomainRecord = "homebase/record/v1"
	DomainSchema = "homebase/schema/v1"
)

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// RecordHash computes the content hash of a canonical record.
// Two records with equal fields hash identically regardless of map order,
// so the hash detects no-op echoes of data already held locally.
func RecordHash(kind Kind, key string, fields Fields) (string, error) {
	canonical, err := MarshalCanonical(map[string]any{
		"kind":   string(kind),
		"key":    key,
		"fields": fields,
	})
	if err != nil {
		return "", fmt.Errorf("RecordHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainRecord, canonical), nil
}

// MustRecordHash is like RecordHash but panics on error.
// Canonical records never contain floats, so errors indicate a programming bug.
func MustRecordHash(kind Kind, key string, fields Fields) string {
	h, err := RecordHash(kind, key, fields)
	if err != nil {
		panic(err)
	}
	return h
}

// SchemaHash fingerprints an already canonical schema description.
func SchemaHash(canonical []byte) string {
	return hashWithDomain(DomainSchema, canonical)
}
