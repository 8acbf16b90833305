// Package harness replays sync scenarios against the real sync core.
//
// A scenario drives one client.Client over an in-memory remote store: the
// steps play writes by other devices, local mutations, injected remote
// failures and sync rounds. Each run uses a fresh in-memory database, a
// fixed remote clock and sequential keys, so the same scenario produces
// byte-identical snapshots on every run.
//
// # Scenario Format
//
// Scenarios are YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	now: "2025-01-01T00:00:00Z"   # optional remote clock
//	schemas: [extra.cue]          # optional, relative to the scenario
//	kinds: [tag]                  # optional, kinds the client syncs
//	steps:
//	  - do: remote_put
//	    kind: tag
//	    rows: [{id: t-1, label: Groceries}]
//	  - do: sync
//	    expect:
//	      counts: {accepted: 1}
//	  - do: mutate
//	    kind: tag
//	    mutation: update
//	    payload: {id: t-1, label: Food}
//	  - do: fail_next
//	    kind: tag
//	    errors: [transient]
//	assertions:
//	  - type: local
//	    kind: tag
//	    key: t-1
//	    state: clean
//	    fields: {label: Food}
//	  - type: outbox
//	    pending: 0
//
// Steps: remote_put and remote_delete act as another device writing to
// the remote; mutate is a local write; sync runs one client.Sync round;
// fail_next injects remote failures; retry resets failed outbox entries;
// resolve resolves conflicts with the configured resolvers.
//
// Assertions: local and remote check one record (subset of fields, in
// wire encoding), outbox checks queue counts and status checks the
// per-kind sync indicator.
//
// # Golden Files
//
// RunWithGolden compares the canonical JSON of the trace and the final
// state against testdata/golden/<name>.golden. Regenerate with:
//
//	go test ./internal/harness -update
package harness
