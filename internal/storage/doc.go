// Package storage persists the little state cellwatch keeps across restarts.
//
// It holds string values under dotted keys:
//   - session.token: the latest refreshed session token
//   - backup.last.<brainId>: RFC3339 time of the last successful export
//
// Watch state (nodes, pending digests) is never persisted; it is rebuilt on every connect.
package storage
