package httpcache

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/square/okhttp-sub001/disklru"
)

var (
	testSentAt     = time.UnixMilli(1700000000000)
	testReceivedAt = time.UnixMilli(1700000000500)
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	logger := zerolog.Nop()
	cache, err := CreateCache(Config{
		Directory: t.TempDir(),
		MaxSize:   1 << 20,
		Logger:    &logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })
	return cache
}

func okResponse(url string, headers map[string]string) *http.Response {
	req := httptest.NewRequest("GET", url, nil)
	res := &http.Response{
		Status:     "200 OK",
		StatusCode: http.StatusOK,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     make(http.Header),
		Request:    req,
	}
	for name, value := range headers {
		res.Header.Set(name, value)
	}
	return res
}

func storeResponse(t *testing.T, cache *Cache, res *http.Response, body string) {
	t.Helper()
	writer := cache.Put(res, testSentAt, testReceivedAt)
	require.NotNil(t, writer)
	_, err := io.WriteString(writer, body)
	require.NoError(t, err)
	require.NoError(t, writer.Commit())
}

func TestCachePutGetRoundTrip(t *testing.T) {
	cache := newTestCache(t)
	res := okResponse("http://example.com/doc", map[string]string{
		"Content-Type":  "text/plain",
		"Cache-Control": "max-age=60",
	})

	storeResponse(t, cache, res, "hello world")

	cached := cache.Get(httptest.NewRequest("GET", "http://example.com/doc", nil))
	require.NotNil(t, cached)
	defer cached.Response.Body.Close()

	assert.Equal(t, http.StatusOK, cached.Response.StatusCode)
	assert.Equal(t, "200 OK", cached.Response.Status)
	assert.Equal(t, "HTTP/1.1", cached.Response.Proto)
	assert.Equal(t, "text/plain", cached.Response.Header.Get("Content-Type"))
	assert.Equal(t, int64(len("hello world")), cached.Response.ContentLength)
	assert.Equal(t, testSentAt.UnixMilli(), cached.SentAt.UnixMilli())
	assert.Equal(t, testReceivedAt.UnixMilli(), cached.ReceivedAt.UnixMilli())

	body, err := io.ReadAll(cached.Response.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(body))
	assert.Equal(t, 1, cache.WriteSuccessCount())
}

func TestCacheGetMiss(t *testing.T) {
	cache := newTestCache(t)

	cached := cache.Get(httptest.NewRequest("GET", "http://example.com/doc", nil))
	assert.Nil(t, cached)
}

func TestCachePutRejectsNonStorable(t *testing.T) {
	cache := newTestCache(t)
	res := okResponse("http://example.com/doc", map[string]string{"Cache-Control": "no-store"})

	writer := cache.Put(res, testSentAt, testReceivedAt)
	assert.Nil(t, writer)
}

func TestCachePutSkipsWhenEditInFlight(t *testing.T) {
	cache := newTestCache(t)
	res := okResponse("http://example.com/doc", nil)

	first := cache.Put(res, testSentAt, testReceivedAt)
	require.NotNil(t, first)
	defer first.Abort()

	second := cache.Put(res, testSentAt, testReceivedAt)
	assert.Nil(t, second, "a write already in flight means skip, not wait")
}

func TestCacheWriterAbortLeavesNoEntry(t *testing.T) {
	cache := newTestCache(t)
	res := okResponse("http://example.com/doc", nil)

	writer := cache.Put(res, testSentAt, testReceivedAt)
	require.NotNil(t, writer)
	io.WriteString(writer, "partial")
	writer.Abort()

	assert.Nil(t, cache.Get(httptest.NewRequest("GET", "http://example.com/doc", nil)))
	assert.Equal(t, 1, cache.WriteAbortCount())
	assert.Equal(t, 0, cache.WriteSuccessCount())
}

func TestCacheEvictAllDuringWriteCountsAbort(t *testing.T) {
	cache := newTestCache(t)
	res := okResponse("http://example.com/doc", nil)

	writer := cache.Put(res, testSentAt, testReceivedAt)
	require.NotNil(t, writer)
	io.WriteString(writer, "doomed")

	require.NoError(t, cache.EvictAll())

	err := writer.Commit()
	assert.ErrorIs(t, err, disklru.ErrEditDetached)
	assert.Equal(t, 0, cache.WriteSuccessCount(), "a commit that published nothing is not a success")
	assert.Equal(t, 1, cache.WriteAbortCount())
	assert.Nil(t, cache.Get(httptest.NewRequest("GET", "http://example.com/doc", nil)))
}

func TestCacheUnsafeMethodInvalidates(t *testing.T) {
	cache := newTestCache(t)
	storeResponse(t, cache, okResponse("http://example.com/doc", nil), "body")

	postRes := okResponse("http://example.com/doc", nil)
	postRes.Request = httptest.NewRequest("POST", "http://example.com/doc", nil)

	writer := cache.Put(postRes, testSentAt, testReceivedAt)
	assert.Nil(t, writer)
	assert.Nil(t, cache.Get(httptest.NewRequest("GET", "http://example.com/doc", nil)))
}

func TestCacheVaryMismatch(t *testing.T) {
	cache := newTestCache(t)
	res := okResponse("http://example.com/doc", map[string]string{"Vary": "Accept-Language"})
	res.Request.Header.Set("Accept-Language", "fi")
	storeResponse(t, cache, res, "moi")

	match := httptest.NewRequest("GET", "http://example.com/doc", nil)
	match.Header.Set("Accept-Language", "fi")
	cached := cache.Get(match)
	require.NotNil(t, cached)
	cached.Response.Body.Close()

	mismatch := httptest.NewRequest("GET", "http://example.com/doc", nil)
	mismatch.Header.Set("Accept-Language", "sv")
	assert.Nil(t, cache.Get(mismatch))
}

func TestCacheUpdateFreshensMetadata(t *testing.T) {
	cache := newTestCache(t)
	res := okResponse("http://example.com/doc", map[string]string{
		"Etag":          `"v1"`,
		"Donut":         "a",
		"Cache-Control": "max-age=0",
	})
	storeResponse(t, cache, res, "body stays")

	cached := cache.Get(httptest.NewRequest("GET", "http://example.com/doc", nil))
	require.NotNil(t, cached)

	network := &http.Response{
		StatusCode: http.StatusNotModified,
		Header:     http.Header{"Donut": {"b"}, "Cache-Control": {"max-age=60"}},
	}
	later := testReceivedAt.Add(time.Hour)
	merged := cache.Update(cached, network, later, later)
	require.NotNil(t, merged)

	assert.Equal(t, "b", merged.Header.Get("Donut"))
	assert.Equal(t, `"v1"`, merged.Header.Get("Etag"))
	assert.Equal(t, "max-age=60", merged.Header.Get("Cache-Control"))

	body, err := io.ReadAll(merged.Body)
	require.NoError(t, err)
	merged.Body.Close()
	assert.Equal(t, "body stays", string(body))

	// a later read sees the freshened metadata and the original body
	reread := cache.Get(httptest.NewRequest("GET", "http://example.com/doc", nil))
	require.NotNil(t, reread)
	defer reread.Response.Body.Close()
	assert.Equal(t, "b", reread.Response.Header.Get("Donut"))
	assert.Equal(t, later.UnixMilli(), reread.ReceivedAt.UnixMilli())
	rereadBody, err := io.ReadAll(reread.Response.Body)
	require.NoError(t, err)
	assert.Equal(t, "body stays", string(rereadBody))
}

func TestCacheTlsHandshakeRoundTrip(t *testing.T) {
	cache := newTestCache(t)
	certificate := selfSignedCertificate(t)

	res := okResponse("https://example.com/doc", map[string]string{"Cache-Control": "max-age=60"})
	res.TLS = &tls.ConnectionState{
		Version:          tls.VersionTLS13,
		CipherSuite:      tls.TLS_AES_128_GCM_SHA256,
		PeerCertificates: []*x509.Certificate{certificate},
	}
	storeResponse(t, cache, res, "secure body")

	cached := cache.Get(httptest.NewRequest("GET", "https://example.com/doc", nil))
	require.NotNil(t, cached)
	defer cached.Response.Body.Close()

	state := cached.Response.TLS
	require.NotNil(t, state)
	assert.Equal(t, uint16(tls.VersionTLS13), state.Version)
	assert.Equal(t, uint16(tls.TLS_AES_128_GCM_SHA256), state.CipherSuite)
	require.Len(t, state.PeerCertificates, 1)
	assert.Equal(t, certificate.Raw, state.PeerCertificates[0].Raw)
}

func selfSignedCertificate(t *testing.T) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "example.com"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	certificate, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return certificate
}

func TestCacheRemove(t *testing.T) {
	cache := newTestCache(t)
	storeResponse(t, cache, okResponse("http://example.com/doc", nil), "body")

	req := httptest.NewRequest("GET", "http://example.com/doc", nil)
	require.NoError(t, cache.Remove(req))
	assert.Nil(t, cache.Get(req))
}

func TestCacheEvictAllAndSize(t *testing.T) {
	cache := newTestCache(t)
	storeResponse(t, cache, okResponse("http://example.com/a", nil), "aaaa")
	storeResponse(t, cache, okResponse("http://example.com/b", nil), "bbbb")

	assert.Greater(t, cache.Size(), int64(0))
	assert.Equal(t, int64(1<<20), cache.MaxSize())

	require.NoError(t, cache.EvictAll())
	assert.Equal(t, int64(0), cache.Size())
	assert.Nil(t, cache.Get(httptest.NewRequest("GET", "http://example.com/a", nil)))
}

func TestCacheIterator(t *testing.T) {
	cache := newTestCache(t)
	storeResponse(t, cache, okResponse("http://example.com/a", nil), "a")
	storeResponse(t, cache, okResponse("http://example.com/b", nil), "b")

	it := cache.URLs()
	var urls []string
	for it.Next() {
		urls = append(urls, it.URL())
	}
	assert.ElementsMatch(t, []string{"http://example.com/a", "http://example.com/b"}, urls)
}

func TestCacheIteratorRemove(t *testing.T) {
	cache := newTestCache(t)
	storeResponse(t, cache, okResponse("http://example.com/a", nil), "a")

	it := cache.URLs()
	assert.ErrorIs(t, it.Remove(), ErrIllegalRemove)

	require.True(t, it.Next())
	require.NoError(t, it.Remove())
	assert.ErrorIs(t, it.Remove(), ErrIllegalRemove)

	assert.Nil(t, cache.Get(httptest.NewRequest("GET", "http://example.com/a", nil)))
}

func TestCacheEntries(t *testing.T) {
	cache := newTestCache(t)
	storeResponse(t, cache, okResponse("http://example.com/a", nil), "aaaa")

	entries := cache.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "http://example.com/a", entries[0].URL)
	assert.Equal(t, http.StatusOK, entries[0].StatusCode)
	assert.Equal(t, int64(4), entries[0].BodySize)
	assert.Equal(t, testReceivedAt.UnixMilli(), entries[0].ReceivedAt.UnixMilli())
}
