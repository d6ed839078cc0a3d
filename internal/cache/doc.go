// Package cache implements the disk-backed key/value engine. Every entry is a
// pair of files under the cache root:
//
//	<root>/cache/<region>/<name>.dat       # payload
//	<root>/policy/<region>/<name>.policy   # expiration policy + key backref
//
// System files (cache.size, cache.lcd, cache.sem) live directly under the
// root. File access goes through flock so that several goroutines and several
// processes can share one directory; maintenance passes (clean, shrink, flush)
// are serialized by an exclusive, non-blocking lock on cache.sem.
//
// Read anomalies (corrupt bytes, unknown format versions, entries vanishing
// mid-operation) degrade to ErrNotFound or no-ops. Only ErrStorageBusy, a file
// lock that was not released within Options.AccessTimeout, is surfaced as a
// hard failure.
package cache
