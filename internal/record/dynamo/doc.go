// Package dynamo persists records in a DynamoDB table keyed by GrainKey.
// Conditional expressions carry the version check, so a mutation either
// applies atomically or fails the condition without touching the item.
// Reads are strongly consistent; the version protocol depends on reading
// what the last successful writer stored.
package dynamo
