package httpcache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyIsHexDigest(t *testing.T) {
	key := Key("http://example.com/doc")

	assert.Len(t, key, 32)
	assert.NotEqual(t, key, Key("http://example.com/other"))
	assert.Equal(t, key, Key("http://example.com/doc"))
}

func TestReadEntryPlainHttp(t *testing.T) {
	metadata := strings.Join([]string{
		"http://example.com/doc",
		"GET",
		"1",
		"Accept-Language: fi",
		"HTTP/1.1 200 OK",
		"4",
		"Content-Type: text/plain",
		"Etag: \"v1\"",
		"Okhttp-Sent-Millis: 1700000000000",
		"Okhttp-Received-Millis: 1700000000500",
		"",
		"-1",
		"",
	}, "\n")

	e, err := readEntry(strings.NewReader(metadata))
	require.NoError(t, err)

	assert.Equal(t, "http://example.com/doc", e.url)
	assert.Equal(t, "GET", e.requestMethod)
	assert.Equal(t, "fi", e.varyHeaders.Get("Accept-Language"))
	assert.Equal(t, "HTTP/1.1", e.protocol)
	assert.Equal(t, 200, e.code)
	assert.Equal(t, "OK", e.message)
	assert.Equal(t, `"v1"`, e.responseHeaders.Get("Etag"))
	assert.Nil(t, e.handshake)

	// the synthetic timestamp headers are consumed, not exposed
	assert.Empty(t, e.responseHeaders.Get(sentMillisHeader))
	assert.Equal(t, int64(1700000000000), e.sentAt.UnixMilli())
	assert.Equal(t, int64(1700000000500), e.receivedAt.UnixMilli())
}

func TestReadEntryEmptyHeaderName(t *testing.T) {
	metadata := strings.Join([]string{
		"http://example.com/doc",
		"GET",
		"0",
		"HTTP/1.1 200 OK",
		"3",
		": value-with-no-name",
		"Okhttp-Sent-Millis: 1700000000000",
		"Okhttp-Received-Millis: 1700000000500",
		"",
		"-1",
		"",
	}, "\n")

	e, err := readEntry(strings.NewReader(metadata))
	require.NoError(t, err)
	assert.Equal(t, "value-with-no-name", e.responseHeaders.Get(""))
}

func TestReadEntryLegacyTlsBlockWithoutVersion(t *testing.T) {
	metadata := strings.Join([]string{
		"https://example.com/doc",
		"GET",
		"0",
		"HTTP/1.1 200 OK",
		"2",
		"Okhttp-Sent-Millis: 1700000000000",
		"Okhttp-Received-Millis: 1700000000500",
		"",
		"TLS_AES_128_GCM_SHA256",
		"0",
		"0",
		"",
	}, "\n")

	e, err := readEntry(strings.NewReader(metadata))
	require.NoError(t, err)
	require.NotNil(t, e.handshake)
	assert.Equal(t, "TLS_AES_128_GCM_SHA256", e.handshake.cipherSuite)
	assert.Empty(t, e.handshake.tlsVersion)
	assert.Empty(t, e.handshake.peerCertificates)
}

func TestReadEntryTruncated(t *testing.T) {
	_, err := readEntry(strings.NewReader("http://example.com/doc\nGET\n"))
	assert.Error(t, err)
}

func TestReadEntryBadHeaderCount(t *testing.T) {
	metadata := "http://example.com/doc\nGET\nbanana\n"
	_, err := readEntry(strings.NewReader(metadata))
	assert.Error(t, err)
}

func TestParseStatusLine(t *testing.T) {
	e := &entry{}

	require.NoError(t, e.parseStatusLine("HTTP/1.1 404 Not Found"))
	assert.Equal(t, 404, e.code)
	assert.Equal(t, "Not Found", e.message)

	require.NoError(t, e.parseStatusLine("HTTP/1.1 200"))
	assert.Equal(t, 200, e.code)

	assert.Error(t, e.parseStatusLine("HTTP/1.1"))
	assert.Error(t, e.parseStatusLine("HTTP/1.1 abc OK"))
}
