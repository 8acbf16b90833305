package ir

// NOTE: These are store-layer types, not part of the canonical record model.

// Watermark is the highest remote version applied for a kind.
// Incremental pulls fetch only rows newer than the watermark.
type Watermark struct {
	Kind    Kind    `json:"kind"`
	Version Version `json:"version"`
}
