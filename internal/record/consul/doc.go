// Package consul persists records in the Consul KV store under a common
// prefix. Atomicity comes from Consul's check-and-set on the entry's
// ModifyIndex: inserts demand index 0 (create only) and updates demand
// the index observed by the preceding read. Every successful mutation
// bumps the stored version, so a failed check-and-set always means the
// caller's expected version no longer matches.
package consul
