// Package cache persists each provider's fetched messages in one storage
// slot and lazily synchronises the backing storage on first use.
//
// # Fail-open policy
//
// No cache operation returns a storage error. Sync, read, write, and
// remove failures are logged and counted; reads degrade to "no result" and
// writes/removes become no-ops. A corrupted or unreachable cache must never
// block message delivery.
//
// # Sync state
//
//	Unsynced --EnsureSynced--> Syncing --ok--> Synced
//	                              |
//	                              +--error--> Unsynced (retried on next op)
//
// Concurrent callers share a single in-flight sync attempt.
package cache
