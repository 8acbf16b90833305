package ir

// Version constants for the canonical model and the sync core.
const (
	// ModelVersion is the canonical record model version.
	ModelVersion = "1"

	// CoreVersion is the sync core version reported by the CLI.
	CoreVersion = "0.3.0"
)
