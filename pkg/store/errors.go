package store

import "errors"

// errCapacity and errStaleView are internal markers used by withWrite
// to pick the right recovery action (grow vs. reopen). Per spec.md §7
// they are never returned to callers directly — only wrapped into a
// plain error once retries are exhausted.
var (
	errCapacity  = errors.New("data.db is at capacity")
	errStaleView = errors.New("data.db handle is stale")
)
