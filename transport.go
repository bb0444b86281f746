package httpcache

import (
	"io"
	"net/http"
	"time"

	"github.com/square/okhttp-sub001/rfc7234"
)

// Transport is an http.RoundTripper that answers requests from a Cache
// whenever the caching rules allow it, revalidates stale entries with
// conditional requests, and stores cacheable network responses as their
// bodies stream to the caller. Connection handling stays entirely with
// the inner round tripper.
type Transport struct {
	// Cache holding the stored responses. Required.
	Cache *Cache
	// Transport used for network requests, http.DefaultTransport if nil.
	Transport http.RoundTripper
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	cache := t.Cache
	now := cache.now()

	cached := cache.Get(req)
	var cachedRes *http.Response
	var sentAt, receivedAt time.Time
	if cached != nil {
		cachedRes = cached.Response
		sentAt = cached.SentAt
		receivedAt = cached.ReceivedAt
	}

	decision := rfc7234.Decide(now, req, cachedRes, sentAt, receivedAt)
	cache.TrackResponse(decision)

	if cached != nil && decision.CacheResponse == nil {
		// the stored entry turned out unusable for this request
		cachedRes.Body.Close()
	}

	if decision.NetworkRequest == nil && decision.CacheResponse == nil {
		// only-if-cached and nothing usable stored
		return unsatisfiableResponse(req), nil
	}
	if decision.NetworkRequest == nil {
		return decision.CacheResponse, nil
	}

	networkSentAt := cache.now()
	networkRes, err := t.inner().RoundTrip(decision.NetworkRequest)
	networkReceivedAt := cache.now()
	if err != nil {
		// the network failed; leave any stale entry in place untouched
		if decision.CacheResponse != nil {
			decision.CacheResponse.Body.Close()
		}
		return nil, err
	}

	if decision.CacheResponse != nil {
		if networkRes.StatusCode == http.StatusNotModified {
			cache.TrackConditionalCacheHit()
			merged := cache.Update(cached, networkRes, networkSentAt, networkReceivedAt)
			networkRes.Body.Close()
			return merged, nil
		}
		// the validator missed; the full response replaces the entry
		decision.CacheResponse.Body.Close()
	}

	networkRes.Request = decision.NetworkRequest
	if writer := cache.Put(networkRes, networkSentAt, networkReceivedAt); writer != nil {
		networkRes.Body = &cacheWritingBody{body: networkRes.Body, writer: writer}
	}
	return networkRes, nil
}

func (t *Transport) inner() http.RoundTripper {
	if t.Transport != nil {
		return t.Transport
	}
	return http.DefaultTransport
}

// unsatisfiableResponse is the synthetic answer for an only-if-cached
// request the cache cannot serve.
func unsatisfiableResponse(req *http.Request) *http.Response {
	return &http.Response{
		Status:        "504 Unsatisfiable Request (only-if-cached)",
		StatusCode:    http.StatusGatewayTimeout,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        make(http.Header),
		Body:          http.NoBody,
		ContentLength: 0,
		Request:       req,
	}
}

// cacheWritingBody tees a network body into a cache Writer as the caller
// consumes it. Reading to EOF commits the entry; closing earlier means
// the transfer was cut short and aborts the write, so a partial body is
// never published.
type cacheWritingBody struct {
	body     io.ReadCloser
	writer   *Writer
	finished bool
}

func (b *cacheWritingBody) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	if n > 0 {
		// the writer hides storage faults; a failed write surfaces as
		// an aborted commit, never as a broken download
		b.writer.Write(p[:n])
	}
	if err == io.EOF && !b.finished {
		b.finished = true
		b.writer.Commit()
	}
	return n, err
}

func (b *cacheWritingBody) Close() error {
	err := b.body.Close()
	if !b.finished {
		b.finished = true
		b.writer.Abort()
	}
	return err
}
