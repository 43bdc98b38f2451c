// Package boltdb persists records in a single-file Bolt database. Every
// operation runs inside one Bolt transaction, which is what makes the
// check-and-write atomic: Bolt allows a single writer at a time, so two
// racing inserts or compare-and-swaps serialize at the transaction level.
package boltdb
