// Package httpstore implements record.Store against a remote record server
// over its HTTP interface. Conditional writes ride on the If-None-Match and
// If-Match headers, so version conflicts surface exactly as they do on a
// local backend. Transport faults and 5xx answers are retried with backoff;
// conditional failures are terminal and never retried.
package httpstore
