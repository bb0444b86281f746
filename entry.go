package httpcache

import (
	"bufio"
	"crypto/md5"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/square/okhttp-sub001/disklru"
	"github.com/square/okhttp-sub001/rfc7234"
)

// Indexes of the files a store entry owns.
const (
	entryMetadata   = 0
	entryBody       = 1
	entryValueCount = 2
)

// Synthetic response headers carrying the exchange timestamps through the
// metadata file.
const (
	sentMillisHeader     = "Okhttp-Sent-Millis"
	receivedMillisHeader = "Okhttp-Received-Millis"
)

// Key derives the store key for a request URL. The digest only has to be
// stable and collision-resistant enough for file naming.
func Key(url string) string {
	return fmt.Sprintf("%x", md5.Sum([]byte(url)))
}

// entry is the decoded metadata of one cache record. It holds everything
// about the stored exchange except the body, which lives in its own file.
type entry struct {
	url             string
	requestMethod   string
	varyHeaders     http.Header
	protocol        string
	code            int
	message         string
	responseHeaders http.Header
	handshake       *handshake
	sentAt          time.Time
	receivedAt      time.Time
}

// handshake is the stored summary of the TLS exchange a secure response
// arrived over.
type handshake struct {
	cipherSuite       string
	peerCertificates  []*x509.Certificate
	localCertificates []*x509.Certificate
	tlsVersion        string
}

// newEntry captures the metadata of a network response. The varying
// request headers are extracted from the response's request per its Vary
// header.
func newEntry(res *http.Response, sentAt, receivedAt time.Time) *entry {
	e := &entry{
		url:             res.Request.URL.String(),
		requestMethod:   res.Request.Method,
		varyHeaders:     rfc7234.VaryHeaders(res.Request.Header, res.Header),
		protocol:        res.Proto,
		code:            res.StatusCode,
		message:         statusMessage(res),
		responseHeaders: res.Header,
		sentAt:          sentAt,
		receivedAt:      receivedAt,
	}
	if res.TLS != nil {
		e.handshake = &handshake{
			cipherSuite:      tls.CipherSuiteName(res.TLS.CipherSuite),
			peerCertificates: res.TLS.PeerCertificates,
			tlsVersion:       tls.VersionName(res.TLS.Version),
		}
	}
	return e
}

func statusMessage(res *http.Response) string {
	if _, message, ok := strings.Cut(res.Status, " "); ok {
		return message
	}
	return http.StatusText(res.StatusCode)
}

// matches reports whether the stored exchange may answer req: same URL,
// same method, and every varying request header unchanged.
func (e *entry) matches(req *http.Request) bool {
	return e.url == req.URL.String() &&
		e.requestMethod == req.Method &&
		rfc7234.VaryMatches(e.varyHeaders, e.responseHeaders, req)
}

// response materializes the stored exchange as an http.Response whose
// body streams from the snapshot. Closing the body closes the snapshot.
func (e *entry) response(req *http.Request, snapshot *disklru.Snapshot) *http.Response {
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.code, e.message),
		StatusCode:    e.code,
		Proto:         e.protocol,
		ProtoMajor:    protoMajor(e.protocol),
		ProtoMinor:    protoMinor(e.protocol),
		Header:        e.responseHeaders,
		Body:          &snapshotBody{reader: snapshot.Reader(entryBody), snapshot: snapshot},
		ContentLength: snapshot.Length(entryBody),
		TLS:           e.handshake.connectionState(),
		Request:       req,
	}
}

func protoMajor(proto string) int {
	var major, minor int
	fmt.Sscanf(proto, "HTTP/%d.%d", &major, &minor)
	return major
}

func protoMinor(proto string) int {
	var major, minor int
	fmt.Sscanf(proto, "HTTP/%d.%d", &major, &minor)
	return minor
}

// connectionState rebuilds a minimal tls.ConnectionState from the stored
// handshake summary. Returns nil for plain-HTTP entries.
func (h *handshake) connectionState() *tls.ConnectionState {
	if h == nil {
		return nil
	}
	state := &tls.ConnectionState{
		CipherSuite:      cipherSuiteID(h.cipherSuite),
		PeerCertificates: h.peerCertificates,
		Version:          tlsVersionID(h.tlsVersion),
	}
	return state
}

func cipherSuiteID(name string) uint16 {
	for _, suite := range tls.CipherSuites() {
		if suite.Name == name {
			return suite.ID
		}
	}
	for _, suite := range tls.InsecureCipherSuites() {
		if suite.Name == name {
			return suite.ID
		}
	}
	return 0
}

func tlsVersionID(name string) uint16 {
	switch name {
	case tls.VersionName(tls.VersionTLS13):
		return tls.VersionTLS13
	case tls.VersionName(tls.VersionTLS12):
		return tls.VersionTLS12
	case tls.VersionName(tls.VersionTLS11):
		return tls.VersionTLS11
	case tls.VersionName(tls.VersionTLS10):
		return tls.VersionTLS10
	}
	return 0
}

// snapshotBody is a response body backed by a store snapshot; closing it
// releases both snapshot files.
type snapshotBody struct {
	reader   io.ReadCloser
	snapshot *disklru.Snapshot
}

func (b *snapshotBody) Read(p []byte) (int, error) {
	return b.reader.Read(p)
}

func (b *snapshotBody) Close() error {
	b.snapshot.Close()
	return nil
}

// writeTo serializes the entry metadata to the editor's metadata file.
// The format is line oriented: URL, method, the varying request headers
// behind their count, the status line, the response headers behind their
// count (the exchange timestamps ride along as synthetic headers), a
// blank separator, and finally the TLS block or a literal -1.
func (e *entry) writeTo(editor *disklru.Editor) error {
	writer, err := editor.NewWriter(entryMetadata)
	if err != nil {
		return err
	}
	buffered := bufio.NewWriter(writer)

	fmt.Fprintf(buffered, "%s\n%s\n", e.url, e.requestMethod)
	writeHeaders(buffered, e.varyHeaders, 0)

	fmt.Fprintf(buffered, "%s %d %s\n", e.protocol, e.code, e.message)
	writeHeaders(buffered, e.responseHeaders, 2)
	fmt.Fprintf(buffered, "%s: %d\n", sentMillisHeader, e.sentAt.UnixMilli())
	fmt.Fprintf(buffered, "%s: %d\n", receivedMillisHeader, e.receivedAt.UnixMilli())

	buffered.WriteString("\n")
	if e.handshake == nil {
		buffered.WriteString("-1\n")
	} else {
		fmt.Fprintf(buffered, "%s\n", e.handshake.cipherSuite)
		writeCertificates(buffered, e.handshake.localCertificates)
		writeCertificates(buffered, e.handshake.peerCertificates)
		fmt.Fprintf(buffered, "%s\n", e.handshake.tlsVersion)
	}

	if err := buffered.Flush(); err != nil {
		writer.Close()
		return err
	}
	return writer.Close()
}

func writeHeaders(w *bufio.Writer, headers http.Header, extra int) {
	count := 0
	for _, values := range headers {
		count += len(values)
	}
	fmt.Fprintf(w, "%d\n", count+extra)
	// http.Header.Write would fold duplicates onto one line; one line per
	// value keeps the count honest
	for _, name := range sortedNames(headers) {
		for _, value := range headers[name] {
			fmt.Fprintf(w, "%s: %s\n", name, value)
		}
	}
}

func sortedNames(headers http.Header) []string {
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func writeCertificates(w *bufio.Writer, certificates []*x509.Certificate) {
	fmt.Fprintf(w, "%d\n", len(certificates))
	for _, certificate := range certificates {
		fmt.Fprintf(w, "%s\n", base64.StdEncoding.EncodeToString(certificate.Raw))
	}
}

// readEntry decodes entry metadata written by writeTo. Old cache
// generations may omit the TLS version line and may contain header lines
// with an empty field name; both are tolerated.
func readEntry(r io.Reader) (*entry, error) {
	lines := bufio.NewReader(r)
	e := &entry{}

	var err error
	if e.url, err = readLine(lines); err != nil {
		return nil, err
	}
	if e.requestMethod, err = readLine(lines); err != nil {
		return nil, err
	}
	if e.varyHeaders, err = readHeaders(lines); err != nil {
		return nil, err
	}

	statusLine, err := readLine(lines)
	if err != nil {
		return nil, err
	}
	if err := e.parseStatusLine(statusLine); err != nil {
		return nil, err
	}
	if e.responseHeaders, err = readHeaders(lines); err != nil {
		return nil, err
	}
	e.sentAt = takeMillisHeader(e.responseHeaders, sentMillisHeader)
	e.receivedAt = takeMillisHeader(e.responseHeaders, receivedMillisHeader)

	blank, err := readLine(lines)
	if err != nil {
		return nil, err
	}
	if blank != "" {
		return nil, fmt.Errorf("httpcache: expected blank line, got %q", blank)
	}

	secureLine, err := readLine(lines)
	if err != nil {
		return nil, err
	}
	if secureLine != "-1" {
		h := &handshake{cipherSuite: secureLine}
		if h.localCertificates, err = readCertificates(lines); err != nil {
			return nil, err
		}
		if h.peerCertificates, err = readCertificates(lines); err != nil {
			return nil, err
		}
		// oldest format versions end right after the certificates
		if version, err := readLine(lines); err == nil {
			h.tlsVersion = version
		}
		e.handshake = h
	}
	return e, nil
}

func (e *entry) parseStatusLine(line string) error {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return fmt.Errorf("httpcache: malformed status line %q", line)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return fmt.Errorf("httpcache: malformed status line %q", line)
	}
	e.protocol = parts[0]
	e.code = code
	if len(parts) == 3 {
		e.message = parts[2]
	}
	return nil
}

func readLine(lines *bufio.Reader) (string, error) {
	line, err := lines.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(line, "\n"), nil
}

func readHeaders(lines *bufio.Reader) (http.Header, error) {
	countLine, err := readLine(lines)
	if err != nil {
		return nil, err
	}
	count, err := strconv.Atoi(countLine)
	if err != nil || count < 0 {
		return nil, fmt.Errorf("httpcache: malformed header count %q", countLine)
	}
	headers := make(http.Header, count)
	for i := 0; i < count; i++ {
		line, err := readLine(lines)
		if err != nil {
			return nil, err
		}
		// split on the first colon only; empty names occur in old
		// cache generations and are kept as-is
		name, value, _ := strings.Cut(line, ":")
		headers[http.CanonicalHeaderKey(name)] = append(headers[http.CanonicalHeaderKey(name)], strings.TrimPrefix(value, " "))
	}
	return headers, nil
}

func takeMillisHeader(headers http.Header, name string) time.Time {
	value := headers.Get(name)
	headers.Del(name)
	millis, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(millis)
}

func readCertificates(lines *bufio.Reader) ([]*x509.Certificate, error) {
	countLine, err := readLine(lines)
	if err != nil {
		return nil, err
	}
	count, err := strconv.Atoi(countLine)
	if err != nil || count < 0 {
		return nil, fmt.Errorf("httpcache: malformed certificate count %q", countLine)
	}
	certificates := make([]*x509.Certificate, 0, count)
	for i := 0; i < count; i++ {
		line, err := readLine(lines)
		if err != nil {
			return nil, err
		}
		der, err := base64.StdEncoding.DecodeString(line)
		if err != nil {
			return nil, fmt.Errorf("httpcache: malformed certificate: %w", err)
		}
		certificate, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("httpcache: malformed certificate: %w", err)
		}
		certificates = append(certificates, certificate)
	}
	return certificates, nil
}
