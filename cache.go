// Package httpcache is the client-side response cache of an HTTP client:
// it serves eligible requests from a durable on-disk store, revalidates
// stale entries with conditional requests, and keeps total disk usage
// under a configured budget by evicting the least recently used entries.
//
// The Cache type is the storage façade; Transport glues it into an
// http.Client as a RoundTripper. The caching rules themselves live in
// the rfc7234 package and the journaled file store in disklru.
package httpcache

import (
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/square/okhttp-sub001/disklru"
	"github.com/square/okhttp-sub001/rfc7234"
)

// appVersion is recorded in the journal header; bumping it invalidates
// every cache directory written by earlier releases.
const appVersion = 201105

// Config carries the cache construction parameters.
type Config struct {
	// Directory to keep the journal and entry files in. The directory
	// must be exclusive to this cache.
	Directory string
	// MaxSize is the disk budget in bytes.
	MaxSize int64
	// FileSystem to store entries on. The host filesystem is used if nil.
	FileSystem disklru.FileSystem
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// Now is the clock used for freshness arithmetic, time.Now if nil.
	Now func() time.Time
}

// Cache stores HTTP responses on disk and answers lookups against them.
// All methods are safe for concurrent use.
type Cache struct {
	store *disklru.Store
	log   zerolog.Logger
	now   func() time.Time

	mu                sync.Mutex
	requestCount      int
	networkCount      int
	hitCount          int
	writeSuccessCount int
	writeAbortCount   int
}

// CachedResponse couples a stored response with the send and receive
// times of the exchange that produced it.
type CachedResponse struct {
	Response   *http.Response
	SentAt     time.Time
	ReceivedAt time.Time
}

// CreateCache opens (or creates) the cache in config.Directory. A
// corrupt journal is recovered by discarding the store contents, so
// opening only fails for real filesystem trouble.
func CreateCache(config Config) (*Cache, error) {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	store, err := disklru.Open(disklru.Config{
		Directory:  config.Directory,
		FileSystem: config.FileSystem,
		AppVersion: appVersion,
		ValueCount: entryValueCount,
		MaxSize:    config.MaxSize,
		Logger:     &logger,
	})
	if err != nil {
		return nil, err
	}

	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &Cache{store: store, log: logger, now: now}, nil
}

// Get returns the stored response usable for req, or nil when the cache
// holds nothing for it. Corrupt entries degrade to a miss and are
// dropped. The caller owns the response body.
func (c *Cache) Get(req *http.Request) *CachedResponse {
	key := Key(req.URL.String())
	snapshot, err := c.store.Get(key)
	if err != nil {
		return nil
	}

	e, err := readEntry(snapshot.Reader(entryMetadata))
	if err != nil {
		snapshot.Close()
		c.log.Debug().Str("key", key).Err(err).Msg("Dropping undecodable cache entry")
		if _, removeErr := c.store.Remove(key); removeErr != nil {
			c.log.Debug().Str("key", key).Err(removeErr).Msg("Could not remove undecodable entry")
		}
		return nil
	}
	if !e.matches(req) {
		snapshot.Close()
		return nil
	}
	return &CachedResponse{
		Response:   e.response(req, snapshot),
		SentAt:     e.sentAt,
		ReceivedAt: e.receivedAt,
	}
}

// Put offers a network response for storage. It returns a Writer the
// caller streams the body into, or nil when the response is not
// cacheable or the entry is already being written. A response to an
// unsafe method instead invalidates the stored entry for its URL.
func (c *Cache) Put(res *http.Response, sentAt, receivedAt time.Time) *Writer {
	req := res.Request

	if invalidatesCache(req.Method) {
		if err := c.Remove(req); err != nil {
			c.log.Debug().Str("url", req.URL.String()).Err(err).Msg("Could not invalidate entry")
		}
		return nil
	}
	if !rfc7234.Storable(req, res) {
		return nil
	}

	key := Key(req.URL.String())
	editor, err := c.store.Edit(key)
	if err != nil {
		c.log.Debug().Str("key", key).Err(err).Msg("Could not begin cache write")
		return nil
	}
	if editor == nil {
		// another write for this URL is in flight; skip caching
		return nil
	}

	if err := newEntry(res, sentAt, receivedAt).writeTo(editor); err != nil {
		c.log.Debug().Str("key", key).Err(err).Msg("Could not write entry metadata")
		c.abortEdit(editor)
		return nil
	}
	body, err := editor.NewWriter(entryBody)
	if err != nil {
		c.abortEdit(editor)
		return nil
	}
	return &Writer{cache: c, editor: editor, body: body}
}

// Update rewrites a stored entry's metadata after a successful
// revalidation: the 304 response's headers freshen the stored ones and
// the entry's timestamps advance to the validation exchange, while the
// body file stays untouched. The merged response, reusing the stored
// body, is returned for serving. If the entry is mid-edit the update is
// skipped and the merged response still returned.
func (c *Cache) Update(cached *CachedResponse, network *http.Response, sentAt, receivedAt time.Time) *http.Response {
	stored := cached.Response
	merged := *stored
	merged.Header = rfc7234.CombineHeaders(stored.Header, network.Header)

	key := Key(stored.Request.URL.String())
	editor, err := c.store.Edit(key)
	if err != nil || editor == nil {
		return &merged
	}
	if err := newEntry(&merged, sentAt, receivedAt).writeTo(editor); err != nil {
		c.abortEdit(editor)
		return &merged
	}
	if err := editor.Commit(); err != nil {
		c.log.Debug().Str("key", key).Err(err).Msg("Could not commit freshened metadata")
	}
	return &merged
}

// Remove deletes the stored entry for the request's URL, if any.
func (c *Cache) Remove(req *http.Request) error {
	_, err := c.store.Remove(Key(req.URL.String()))
	return err
}

func (c *Cache) abortEdit(editor *disklru.Editor) {
	if err := editor.Abort(); err != nil {
		c.log.Debug().Err(err).Msg("Could not abort edit")
	}
}

// invalidatesCache reports whether a response to the method flushes the
// stored entry for the same URL.
func invalidatesCache(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch, "MOVE":
		return true
	}
	return false
}

// TrackResponse records the outcome of a strategy decision in the
// counters: every decision counts a request, a network request counts
// toward networkCount, and a pure cache answer toward hitCount.
func (c *Cache) TrackResponse(decision rfc7234.Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestCount++
	if decision.NetworkRequest != nil {
		c.networkCount++
	} else if decision.CacheResponse != nil {
		c.hitCount++
	}
}

// TrackConditionalCacheHit records a revalidation that came back 304.
func (c *Cache) TrackConditionalCacheHit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hitCount++
}

func (c *Cache) trackWrite(committed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if committed {
		c.writeSuccessCount++
	} else {
		c.writeAbortCount++
	}
}

// RequestCount returns the number of requests the cache decided on.
func (c *Cache) RequestCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requestCount
}

// NetworkCount returns the number of decisions that required the network.
func (c *Cache) NetworkCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.networkCount
}

// HitCount returns the number of requests answered from the cache,
// conditional 304 hits included.
func (c *Cache) HitCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hitCount
}

// WriteSuccessCount returns the number of committed cache writes.
func (c *Cache) WriteSuccessCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeSuccessCount
}

// WriteAbortCount returns the number of cache writes abandoned before
// commit, truncated body transfers included.
func (c *Cache) WriteAbortCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeAbortCount
}

// Size returns the number of bytes currently stored.
func (c *Cache) Size() int64 {
	return c.store.Size()
}

// MaxSize returns the configured disk budget in bytes.
func (c *Cache) MaxSize() int64 {
	return c.store.MaxSize()
}

// EvictAll removes every stored entry.
func (c *Cache) EvictAll() error {
	return c.store.EvictAll()
}

// Close flushes and closes the underlying store.
func (c *Cache) Close() error {
	return c.store.Close()
}

// Delete closes the cache and removes its directory contents.
func (c *Cache) Delete() error {
	return c.store.Delete()
}

// Writer streams a response body into the cache. The entry becomes
// visible only after Commit; Abort (or closing the transfer early)
// leaves the store as if the write never happened.
type Writer struct {
	cache  *Cache
	editor *disklru.Editor
	body   io.WriteCloser
	done   bool
}

func (w *Writer) Write(p []byte) (int, error) {
	return w.body.Write(p)
}

// Commit publishes the entry.
func (w *Writer) Commit() error {
	if w.done {
		return disklru.ErrEditCompleted
	}
	w.done = true
	w.body.Close()
	if err := w.editor.Commit(); err != nil {
		w.cache.trackWrite(false)
		return err
	}
	w.cache.trackWrite(true)
	return nil
}

// Abort discards everything written so far.
func (w *Writer) Abort() {
	if w.done {
		return
	}
	w.done = true
	w.body.Close()
	w.cache.abortEdit(w.editor)
	w.cache.trackWrite(false)
}
