package rfc7234

import (
	"net/http"
	"strings"
)

// Warning header values attached to served responses (RFC 7234 §5.5).
const (
	WarningResponseIsStale     = `110 - "Response is stale"`
	WarningHeuristicExpiration = `113 - "Heuristic expiration"`
)

// CombineHeaders freshens stored response headers with the headers of a
// 304 validation response. For every field name present on the network
// response, its occurrences replace the stored ones wholesale; fields the
// network response does not mention survive from storage. Stored Warning
// values with a 1xx code are dropped since they describe a staleness that
// the validation just cured; 2xx Warning values persist.
func CombineHeaders(stored, network http.Header) http.Header {
	result := make(http.Header, len(stored))
	for name, values := range stored {
		if _, replaced := network[name]; replaced {
			continue
		}
		if name == "Warning" {
			for _, value := range values {
				if !strings.HasPrefix(value, "1") {
					result.Add(name, value)
				}
			}
			continue
		}
		result[name] = append([]string(nil), values...)
	}
	for name, values := range network {
		result[name] = append([]string(nil), values...)
	}
	return result
}
