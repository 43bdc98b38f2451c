// Package record defines the versioned record store protocol: the durable
// (key, payload, version) record model and the atomic operations every
// backend must provide. Each mutation is a single compare-and-swap unit of
// work, so no read-modify-write race window exists between a caller's
// version check and its write.
package record
