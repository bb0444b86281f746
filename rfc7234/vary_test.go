package rfc7234

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestVaryFields(t *testing.T) {
	h := http.Header{"Vary": {"Accept-Language, User-Agent", "accept-language"}}

	fields := VaryFields(h)

	if len(fields) != 2 {
		t.Fatalf("fields are %v", fields)
	}
	if fields[0] != "accept-language" || fields[1] != "user-agent" {
		t.Fatalf("fields are %v", fields)
	}
}

func TestVaryHeadersCapturesRequestValues(t *testing.T) {
	req := httptest.NewRequest("GET", "http://example.com/", nil)
	req.Header.Add("Accept-Language", "fi")
	req.Header.Add("Accept-Language", "sv")
	res := http.Header{"Vary": {"Accept-Language"}}

	captured := VaryHeaders(req.Header, res)

	values := captured.Values("Accept-Language")
	if len(values) != 2 || values[0] != "fi" || values[1] != "sv" {
		t.Fatalf("captured %v", values)
	}
}

func TestVaryMatches(t *testing.T) {
	res := http.Header{"Vary": {"Accept-Language"}}
	stored := http.Header{}
	stored.Set("Accept-Language", "fi")

	match := httptest.NewRequest("GET", "http://example.com/", nil)
	match.Header.Set("Accept-Language", "fi")
	if !VaryMatches(stored, res, match) {
		t.Fatal("identical varying header should match")
	}

	mismatch := httptest.NewRequest("GET", "http://example.com/", nil)
	mismatch.Header.Set("Accept-Language", "sv")
	if VaryMatches(stored, res, mismatch) {
		t.Fatal("different varying header should not match")
	}

	absent := httptest.NewRequest("GET", "http://example.com/", nil)
	if VaryMatches(stored, res, absent) {
		t.Fatal("header missing from the new request should not match")
	}
}

func TestVaryMatchesAbsentOnBothSides(t *testing.T) {
	res := http.Header{"Vary": {"Accept-Language"}}
	req := httptest.NewRequest("GET", "http://example.com/", nil)

	if !VaryMatches(http.Header{}, res, req) {
		t.Fatal("a field absent on both sides matches")
	}
}

func TestVaryMatchesRepeatedValuesOrdered(t *testing.T) {
	res := http.Header{"Vary": {"Accept"}}
	stored := http.Header{}
	stored.Add("Accept", "text/html")
	stored.Add("Accept", "text/plain")

	reordered := httptest.NewRequest("GET", "http://example.com/", nil)
	reordered.Header.Add("Accept", "text/plain")
	reordered.Header.Add("Accept", "text/html")

	if VaryMatches(stored, res, reordered) {
		t.Fatal("values compare as the full ordered list")
	}
}

func TestHasVaryAll(t *testing.T) {
	if !HasVaryAll(http.Header{"Vary": {"Accept, *"}}) {
		t.Fatal("star hidden in a list not detected")
	}
	if HasVaryAll(http.Header{"Vary": {"Accept"}}) {
		t.Fatal("false positive")
	}
}
