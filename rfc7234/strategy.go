package rfc7234

import (
	"net/http"
	"time"
)

const oneDay = 24 * time.Hour

// Statuses a client cache may store. The set deliberately matches what
// legacy HTTP clients have always cached, which is wider than the strict
// heuristically-cacheable defaults; callers depend on it as a
// compatibility contract.
var cacheableStatuses = map[int]bool{
	http.StatusOK:                   true,
	http.StatusNonAuthoritativeInfo: true,
	http.StatusNoContent:            true,
	http.StatusMultipleChoices:      true,
	http.StatusMovedPermanently:     true,
	http.StatusPermanentRedirect:    true,
	http.StatusNotFound:             true,
	http.StatusMethodNotAllowed:     true,
	http.StatusGone:                 true,
	http.StatusRequestURITooLong:    true,
	http.StatusNotImplemented:       true,
}

// Decision is the outcome of the caching strategy for a single request.
// NetworkRequest is the request to send to the origin, nil when the cache
// alone satisfies the call. CacheResponse is the stored response to serve
// or to use as the merge base of a conditional round trip, nil when the
// cache holds nothing usable. Both nil means the request demanded
// only-if-cached and nothing was available; the caller synthesizes a 504.
type Decision struct {
	NetworkRequest *http.Request
	CacheResponse  *http.Response
}

// Storable reports whether a response to req may be written to the cache
// at all. Only complete GET responses with a cacheable status and without
// a no-store directive on either side qualify; Vary: * responses can
// never be matched later and so are never stored.
func Storable(req *http.Request, res *http.Response) bool {
	if req.Method != http.MethodGet {
		return false
	}
	if !cacheableStatuses[res.StatusCode] {
		return false
	}
	if ParseCacheControl(res.Header.Values("Cache-Control")).NoStore() {
		return false
	}
	if ParseCacheControl(req.Header.Values("Cache-Control")).NoStore() {
		return false
	}
	if res.Header.Get("Content-Range") != "" {
		return false
	}
	if HasVaryAll(res.Header) {
		return false
	}
	return true
}

// Decide computes the caching strategy for req given the stored response
// cached (nil for a miss) and the send/receive times recorded when it was
// stored. The stored response is never mutated; when warnings apply, the
// returned CacheResponse is a copy with freshened headers.
func Decide(now time.Time, req *http.Request, cached *http.Response, sentAt, receivedAt time.Time) Decision {
	decision := decideCandidate(now, req, cached, sentAt, receivedAt)
	if decision.NetworkRequest != nil && ParseCacheControl(req.Header.Values("Cache-Control")).OnlyIfCached() {
		// not allowed to use the network; without a usable stored
		// response the caller has to fabricate a gateway timeout
		return Decision{}
	}
	return decision
}

func decideCandidate(now time.Time, req *http.Request, cached *http.Response, sentAt, receivedAt time.Time) Decision {
	if cached == nil {
		return Decision{NetworkRequest: req}
	}

	// a handshake is required to reuse a response to an https request
	if req.URL != nil && req.URL.Scheme == "https" && cached.TLS == nil {
		return Decision{NetworkRequest: req}
	}

	if !Storable(req, cached) {
		return Decision{NetworkRequest: req}
	}

	reqCacheControl := ParseCacheControl(req.Header.Values("Cache-Control"))
	if reqCacheControl.NoCache() || hasConditions(req) {
		return Decision{NetworkRequest: req}
	}

	resCacheControl := ParseCacheControl(cached.Header.Values("Cache-Control"))

	age := responseAge(now, cached, sentAt, receivedAt)
	fresh, heuristic := freshnessLifetime(req, cached, sentAt, receivedAt)

	if maxAge, ok := reqCacheControl.MaxAge(); ok && maxAge < fresh {
		fresh = maxAge
	}
	var minFresh time.Duration
	if val, ok := reqCacheControl.MinFresh(); ok {
		minFresh = val
	}
	var maxStale time.Duration
	if val, ok := reqCacheControl.MaxStale(); ok && !resCacheControl.MustRevalidate() {
		maxStale = val
	}

	if !resCacheControl.NoCache() && age+minFresh < fresh+maxStale {
		served := *cached
		served.Header = cloneHeader(cached.Header)
		if age+minFresh >= fresh {
			served.Header.Add("Warning", WarningResponseIsStale)
		}
		if heuristic && age > oneDay {
			served.Header.Add("Warning", WarningHeuristicExpiration)
		}
		return Decision{CacheResponse: &served}
	}

	// stale: revalidate with the stored validator, preferring the entity
	// tag; without any validator the entry is useless for this request
	conditionName, conditionValue := validator(cached)
	if conditionName == "" {
		return Decision{NetworkRequest: req}
	}
	conditionalRequest := req.Clone(req.Context())
	conditionalRequest.Header.Set(conditionName, conditionValue)
	return Decision{NetworkRequest: conditionalRequest, CacheResponse: cached}
}

// hasConditions reports whether the caller already made the request
// conditional; such a request bypasses the cache entirely.
func hasConditions(req *http.Request) bool {
	return req.Header.Get("If-Modified-Since") != "" || req.Header.Get("If-None-Match") != ""
}

// validator returns the conditional header to send when revalidating the
// stored response. An ETag wins over Last-Modified and the two are never
// combined. The Last-Modified value is forwarded verbatim.
func validator(cached *http.Response) (name, value string) {
	if etag := cached.Header.Get("Etag"); etag != "" {
		return "If-None-Match", etag
	}
	if lastModified := cached.Header.Get("Last-Modified"); lastModified != "" {
		return "If-Modified-Since", lastModified
	}
	return "", ""
}

// responseAge computes the stored response's current age following
// RFC 7234 §4.2.3, using the recorded send and receive times of the
// original exchange.
func responseAge(now time.Time, cached *http.Response, sentAt, receivedAt time.Time) time.Duration {
	servedDate := receivedAt
	if date, err := HttpDate(cached.Header.Get("Date")); err == nil {
		servedDate = date
	}

	apparentReceivedAge := receivedAt.Sub(servedDate)
	if apparentReceivedAge < 0 {
		apparentReceivedAge = 0
	}
	receivedAge := apparentReceivedAge
	if ageValue, ok := deltaSeconds(cached.Header.Get("Age")); ok && ageValue > receivedAge {
		receivedAge = ageValue
	}

	responseDuration := receivedAt.Sub(sentAt)
	residentDuration := now.Sub(receivedAt)
	return receivedAge + responseDuration + residentDuration
}

// freshnessLifetime computes how long the stored response stays fresh.
// max-age (and its shared-cache twin s-maxage) overrides Expires even when
// Expires would be more generous; without either, a Last-Modified header
// grants a heuristic tenth of the document's age at serve time. The
// second return value reports the heuristic case. An immutable response
// gets no lifetime beyond its explicit one.
func freshnessLifetime(req *http.Request, cached *http.Response, sentAt, receivedAt time.Time) (time.Duration, bool) {
	resCacheControl := ParseCacheControl(cached.Header.Values("Cache-Control"))
	if maxAge, ok := resCacheControl.MaxAge(); ok {
		return maxAge, false
	}
	if sMaxAge, ok := resCacheControl.SMaxAge(); ok {
		return sMaxAge, false
	}

	servedDate, servedDateErr := HttpDate(cached.Header.Get("Date"))
	if servedDateErr != nil {
		servedDate = receivedAt
	}

	if expiresStr := cached.Header.Get("Expires"); expiresStr != "" {
		// unparseable dates mean already expired
		lifetime := time.Duration(0)
		if expires, err := HttpDate(expiresStr); err == nil {
			lifetime = expires.Sub(servedDate)
		}
		if lifetime < 0 {
			lifetime = 0
		}
		return lifetime, false
	}

	if lastModifiedStr := cached.Header.Get("Last-Modified"); lastModifiedStr != "" {
		if lastModified, err := HttpDate(lastModifiedStr); err == nil {
			// heuristic freshness only for URLs without a query part
			if req.URL == nil || req.URL.RawQuery == "" {
				served := servedDate
				if servedDateErr != nil {
					served = sentAt
				}
				if lifetime := served.Sub(lastModified); lifetime > 0 {
					return lifetime / 10, true
				}
			}
		}
	}

	return 0, false
}

func cloneHeader(h http.Header) http.Header {
	clone := make(http.Header, len(h))
	for name, values := range h {
		clone[name] = append([]string(nil), values...)
	}
	return clone
}
