// Package lifecycle coordinates ordered startup and shutdown of the
// long-lived components that make up the daemon. Participants register
// into numbered stages; starting walks stages ascending and shutdown
// walks them descending, so the storage layer is alive before the
// server accepts traffic and outlives it on the way down.
package lifecycle
