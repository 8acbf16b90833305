// Package reconcile merges remote changes and local mutations into the
// local store.
//
// # Sync states
//
// Every record is in one of three states:
//
//	Clean         local copy equals the last known remote version
//	PendingWrite  a local mutation is queued in the outbox
//	Conflicted    the remote changed while a local write was pending
//
// Remote records are accepted over Clean ones. Over a PendingWrite record a
// remote version newer than the write's base version becomes a conflict
// snapshot; anything at or below the base is a stale echo and is
// discarded. Conflicts stay recorded until Resolve applies a decision from
// the kind's Resolver (LastWriterWins by default).
//
// # Local mutations
//
// Mutate validates a payload with the codec, writes the record PendingWrite
// and enqueues the outbox entry in one store batch. Acknowledge and Reject
// settle the outcome of delivering an outbox entry.
//
// # Ordering
//
// Local mutations are stamped by a logical Clock resumed from the store at
// startup. Subscription streams fan in through an EventQueue drained by
// Run on a single goroutine.
package reconcile
