package channel

import (
	"net/url"
	"strings"
)

// EncodePathSegment percent-encodes a user-supplied path segment (proxy,
// group or provider name). url.PathEscape covers space, '/', '?', '#' and
// '%'; '&' is legal in a path segment so it needs escaping by hand.
func EncodePathSegment(s string) string {
	return strings.ReplaceAll(url.PathEscape(s), "&", "%26")
}
