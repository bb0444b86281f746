package rfc7234

import (
	"net/http"
	"strings"
)

// VaryFields returns the lowercased, trimmed field names listed in every
// Vary header line of h. Repeated lines and comma-joined lists are all
// taken into account.
func VaryFields(h http.Header) []string {
	var fields []string
	seen := make(map[string]bool)
	for _, line := range h.Values("Vary") {
		for _, field := range strings.Split(line, ",") {
			field = strings.ToLower(strings.TrimSpace(field))
			if field == "" || seen[field] {
				continue
			}
			seen[field] = true
			fields = append(fields, field)
		}
	}
	return fields
}

// HasVaryAll reports whether the response headers contain "Vary: *".
// Such a response can never be reused for a later request.
func HasVaryAll(h http.Header) bool {
	for _, field := range VaryFields(h) {
		if field == "*" {
			return true
		}
	}
	return false
}

// VaryHeaders extracts from the request headers the fields named by the
// response's Vary header. The result is the varying part of the secondary
// cache key and is persisted alongside the response.
func VaryHeaders(reqHeader, resHeader http.Header) http.Header {
	fields := VaryFields(resHeader)
	result := make(http.Header)
	for _, field := range fields {
		for _, value := range reqHeader.Values(field) {
			result.Add(field, value)
		}
	}
	return result
}

// VaryMatches reports whether the varying request headers captured when the
// response was stored match the headers of the new request. Field names
// compare case-insensitively; values compare as the full ordered list, so a
// repeated header must repeat identically. A field absent on both sides
// matches.
func VaryMatches(storedVary http.Header, resHeader http.Header, req *http.Request) bool {
	for _, field := range VaryFields(resHeader) {
		if !valuesEqual(storedVary.Values(field), req.Header.Values(field)) {
			return false
		}
	}
	return true
}

func valuesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
