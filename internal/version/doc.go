// Package version provides the opaque version tag exchanged between the
// storage client and the record store. A tag wraps the record's monotonic
// version counter so that callers can hold and return it without being
// able to fabricate or mutate the counter itself.
package version
