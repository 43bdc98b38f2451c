// Package inmem provides the in-memory record store. It is the reference
// implementation of the compare-and-swap protocol and the default backend
// for tests: a mutex-guarded map with the same atomicity guarantees the
// durable backends provide, minus durability.
package inmem
