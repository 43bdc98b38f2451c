// Package postgres persists records in a PostgreSQL table. Every mutation
// is a single SQL statement whose WHERE clause carries the version check,
// so the database's row-level atomicity provides the compare-and-swap
// guarantee without explicit transactions or advisory locks.
package postgres
