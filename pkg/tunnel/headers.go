package tunnel

import (
	"net/http"
	"strings"
)

// Hop-by-hop headers never cross the tunnel; host is stripped too since
// the agent rewrites it for the local upstream.
var hopByHopHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailers":            true,
	"transfer-encoding":   true,
	"upgrade":             true,
	"host":                true,
}

// Headers the edge recomputes when re-emitting a response, so the
// agent-reported values must not leak through.
var strippedResponseHeaders = map[string]bool{
	"transfer-encoding": true,
	"content-length":    true,
	"content-encoding":  true,
}

// IsHopByHop reports whether a request header must be stripped before
// framing or before the agent's upstream call.
func IsHopByHop(name string) bool {
	return hopByHopHeaders[strings.ToLower(name)]
}

// IsStrippedResponseHeader reports whether a response header is dropped
// on re-emission.
func IsStrippedResponseHeader(name string) bool {
	return strippedResponseHeaders[strings.ToLower(name)]
}

// FlattenHeaders converts an http.Header into the flat map a request
// frame carries, skipping hop-by-hop entries. Multi-valued headers are
// joined with a comma.
func FlattenHeaders(h http.Header) map[string]string {
	flat := make(map[string]string, len(h))
	for name, values := range h {
		if IsHopByHop(name) || len(values) == 0 {
			continue
		}
		flat[name] = strings.Join(values, ", ")
	}
	return flat
}
