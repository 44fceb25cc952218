// Package model provides the shared data types of the lmsync engine.
//
// This package contains type definitions and the canonical parameter encoding
// used to derive cache ids. All other internal packages import model; model
// imports nothing internal.
//
// Key design constraints:
//   - CacheEntry ids are content-addressed: CacheID(method, params)
//   - Parameter values are compared as strings, so 1 and "1" address the
//     same cache entry (the remote API receives strings either way)
//   - PendingMutation ordering uses Seq (durable insertion order), never
//     CreatedAt
//   - All JSON tags use snake_case
package model
