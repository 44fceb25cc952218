// Package harness runs YAML scenarios against a real engine with a scripted
// remote, a fake clock and a connectivity switch.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	resources: |
//	  resource: forum_reply: {
//	    methods: update: "mod_forum_update_reply"
//	    invalidate: keys: ["forum:discussion:{id}"]
//	  }
//	setup:
//	  - do: respond
//	    method: mod_forum_update_reply
//	    response: { status: true }
//	flow:
//	  - do: offline
//	  - do: submit
//	    key: forum_reply:5:2
//	    payload: { message: "hello" }
//	    expect: { queued: true }
//	  - do: online
//	  - do: sync
//	    key: forum_reply:5:2
//	    expect: { updated: true }
//	assertions:
//	  - type: trace_count
//	    action: call:mod_forum_update_reply
//	    count: 1
//	  - type: row_count
//	    table: pending_mutations
//	    count: 0
//
// Setup steps run before the flow and are not traced. The respond and fail
// steps script the remote and are never traced.
//
// # Steps
//
//   - respond, fail: script the remote for a method (times: N for one-shot)
//   - online, offline: flip connectivity
//   - advance: move the clock forward by duration
//   - read: call a method through the cache (policy: read | write | stale)
//   - submit, discard: write to or undo the pending mutation log
//   - sync, sync_if_needed, sync_all: run the sync coordinator
//   - invalidate: delete cache entries (id via method+params, cache_key,
//     prefix, key for a resource's dependents, or all)
//   - block, unblock: hold a resource's sync for an operation
//
// # Trace
//
// The trace lists, in order, every flow step ("step:<do>"), every call that
// reached the remote ("call:<method>") and every published event
// ("event:<name>"). Calls and events follow the step that caused them.
//
// # Assertion Types
//
//   - trace_contains: an entry with the label (and key, args subset) exists
//   - trace_order: labels appear in the given order
//   - trace_count: a label appears exactly N times
//   - final_state: exactly one row of a table matches where and expect
//   - row_count: a table has exactly N rows matching where
//
// # Deterministic Testing
//
// Each scenario gets a fresh account database in a temporary directory, a
// fake clock starting at testutil.Epoch, and a sync concurrency of one, so
// the trace is identical across runs and can be compared against golden
// files.
package harness
