package ir

// Kind names an entity type, e.g. "contact". Each kind has one registered schema.
type Kind string

// Built-in entity kinds of the dashboard.
const (
	KindContact           Kind = "contact"
	KindFinanceCategory   Kind = "finance_category"
	KindProjectAdjustment Kind = "project_adjustment"
	KindTag               Kind = "tag"
	KindProfile           Kind = "profile"
	KindAppointment       Kind = "appointment"
	KindWorkFolder        Kind = "work_folder"
)

// Version is a remote-assigned record version. Larger is newer.
// Zero means the record has never been acknowledged by the remote store.
type Version int64

// SyncState tracks whether a local record is known to agree with the remote.
type SyncState string

const (
	// StateClean records match the last known remote version.
	StateClean SyncState = "clean"
	// StatePendingWrite records have local mutations not yet acknowledged remotely.
	StatePendingWrite SyncState = "pending_write"
	// StateConflicted records have divergent local and remote versions awaiting resolution.
	StateConflicted SyncState = "conflicted"
)

// ValidSyncStates defines allowed sync states.
var ValidSyncStates = map[SyncState]bool{
	StateClean:        true,
	StatePendingWrite: true,
	StateConflicted:   true,
}

// Mutation is the kind of a local write.
type Mutation string

const (
	MutationInsert Mutation = "insert"
	MutationUpdate Mutation = "update"
	MutationDelete Mutation = "delete"
)

// ValidMutations defines allowed mutation kinds.
var ValidMutations = map[Mutation]bool{
	MutationInsert: true,
	MutationUpdate: true,
	MutationDelete: true,
}

// Entry is one record held by the local store together with its sync metadata.
type Entry struct {
	Kind        Kind      `json:"kind"`
	Key         string    `json:"key"`
	Fields      Fields    `json:"fields"`
	Version     Version   `json:"version"`      // Last remote version known
	BaseVersion Version   `json:"base_version"` // Remote version the pending write is based on
	State       SyncState `json:"state"`
	Deleted     bool      `json:"deleted"` // Local tombstone awaiting delete acknowledgment
	Seq         int64     `json:"seq"`     // Local logical clock of the last local write
	Hash        string    `json:"hash"`    // RecordHash of Fields

	// Conflict is set only while State is StateConflicted.
	Conflict *ConflictSnapshot `json:"conflict,omitempty"`
}

// Ref returns the (kind, key) reference of the entry.
func (e Entry) Ref() Ref {
	return Ref{Kind: e.Kind, Key: e.Key}
}

// ConflictSnapshot is the remote side of a detected conflict.
type ConflictSnapshot struct {
	Fields  Fields  `json:"fields,omitempty"`
	Version Version `json:"version"`
	Deleted bool    `json:"deleted"` // Remote deleted the record concurrently
}

// OutboxEntry is one durable, not yet acknowledged local mutation.
type OutboxEntry struct {
	ID          int64    `json:"id"`       // Durable queue position (FIFO order)
	EntryID     string   `json:"entry_id"` // UUIDv7, stable across retries
	Kind        Kind     `json:"kind"`
	Key         string   `json:"key"`
	Mutation    Mutation `json:"mutation"`
	Payload     Fields   `json:"payload"`
	BaseVersion Version  `json:"base_version"`
	Attempts    int      `json:"attempts"`
	LastError   string   `json:"last_error,omitempty"`
	Failed      bool     `json:"failed"` // Retries exhausted; waiting for manual retry
	Seq         int64    `json:"seq"`
}

// Ref returns the (kind, key) reference of the record the entry mutates.
func (o OutboxEntry) Ref() Ref {
	return Ref{Kind: o.Kind, Key: o.Key}
}

// WireRecord is an entity as encoded by the remote store. Values are whatever
// a JSON decoder produced (string, bool, json.Number, float64, nil) or native
// Go integers. Not trusted until decoded.
type WireRecord map[string]any

// Clone returns a shallow copy of the wire record.
func (w WireRecord) Clone() WireRecord {
	if w == nil {
		return nil
	}
	out := make(WireRecord, len(w))
	for k, v := range w {
		out[k] = v
	}
	return out
}

// ChangeOp tags a change event from the remote subscription stream.
type ChangeOp string

const (
	ChangeInsert ChangeOp = "insert"
	ChangeUpdate ChangeOp = "update"
	ChangeDelete ChangeOp = "delete"
)

// ChangeEvent is one change observed on a remote table.
type ChangeEvent struct {
	Kind   Kind       `json:"kind"`
	Op     ChangeOp   `json:"op"`
	Record WireRecord `json:"record"`
}
