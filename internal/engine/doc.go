// Package engine wires the local-first request, cache and sync components
// for one account session.
//
// An Engine owns the account's database, Cache Store, Offline Mutation Log
// and Sync Coordinator. It is created by Open at login and torn down by
// Close at logout; Sessions tracks the engines of all active accounts.
//
// READS:
//
// Read goes through the Request Executor: live cache hits never touch the
// network, misses call the remote and populate the cache, and transient
// failures may fall back to the emergency cache.
//
// WRITES:
//
// Submit tries the remote first. When the device is offline, the failure
// is transient, or older mutations of the same resource are still queued,
// the mutation goes to the Offline Mutation Log instead, preserving the
// resource's order. A definitive rejection is returned to the caller and
// nothing is queued.
//
// SYNC:
//
// SyncNow is the user-requested sync of one resource. Run is the background
// loop: it syncs every pending resource when connectivity returns and
// drains the trigger queue fed by Trigger. Background failures are logged
// and retried on the next trigger.
package engine
