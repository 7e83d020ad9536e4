// Package urlutil implements the single piece of URI arithmetic shared by
// the HTTP request executor and the watch multiplexer: composing a
// cluster base URL with a path-and-query produced from guest ABI calls.
package urlutil

import "strings"

// ComposeURL joins a cluster base URL with a request path-and-query,
// trimming trailing slashes from base and requiring a leading slash on
// pathAndQuery. It is idempotent on repeated trailing slashes in base.
func ComposeURL(base, pathAndQuery string) string {
	base = strings.TrimRight(base, "/")
	return base + pathAndQuery
}
