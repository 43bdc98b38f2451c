// Package server exposes the record store over HTTP. Version tags travel
// as ETags: reads return the current tag, writes present it back through
// If-Match, and a fresh insert claims the key with If-None-Match: *. A
// 412 response is the wire form of a failed version check; it never means
// the backend is unhealthy.
package server
