package ir

// Ref is a typed reference to one record.
// Format: "kind/key", e.g. "contact/0190f3a2-...".
type Ref struct {
	Kind Kind   `json:"kind"`
	Key  string `json:"key"`
}

// String renders the reference as "kind/key".
func (r Ref) String() string {
	return string(r.Kind) + "/" + r.Key
}
