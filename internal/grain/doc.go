// Package grain provides the storage client grains talk to: a thin façade
// that translates read/write/clear calls plus a last-known version tag
// into the record store's compare-and-swap protocol, and translates the
// store's no-match outcomes into version conflicts.
//
// The client never retries a conflict on its own. A conflict means another
// owner of the same key has written since this caller last read, and only
// the caller knows whether re-reading and reapplying is safe.
package grain
