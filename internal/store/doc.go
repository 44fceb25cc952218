// Package store provides SQLite-backed durable storage for one account.
//
// The store holds three tables:
//   - ws_cache: cached remote responses keyed by content-addressed id
//   - pending_mutations: local writes waiting to be transmitted
//   - sync_state: last completed sync run per resource key
//
// # Critical Patterns
//
// Durable Insertion Order
//   - pending_mutations.seq is an AUTOINCREMENT column
//   - Drain order is ORDER BY seq ASC, NEVER created_at
//   - A replace-policy upsert keeps the existing seq
//
// Mutation Uniqueness
//   - UNIQUE(resource_type, resource_id, owner_user_id, entry_key)
//   - Replace-policy resources always use entry_key 0
//
// Deterministic Query Results
//   - Every multi-row query has an explicit ORDER BY
//   - Empty results are empty slices, not nil
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Two drivers are supported: github.com/mattn/go-sqlite3 ("sqlite3", the
// default) and modernc.org/sqlite ("sqlite") for builds without cgo.
package store
