package httpcache

import (
	"errors"
	"time"
)

// ErrIllegalRemove reports an iterator Remove without a preceding Next,
// or a second Remove for the same element. It signals caller misuse, not
// a storage failure.
var ErrIllegalRemove = errors.New("httpcache: Remove without a preceding Next")

// URLIterator walks the URLs stored in the cache. The set of keys is
// snapshotted when the iterator is created; each Next revalidates its
// candidate against the live store, so entries evicted mid-iteration are
// silently skipped. A URL already returned by Next stays valid even if
// its entry is evicted right after.
type URLIterator struct {
	cache      *Cache
	keys       []string
	index      int
	url        string
	currentKey string
	canRemove  bool
}

// URLs returns an iterator over the URLs of all stored entries.
func (c *Cache) URLs() *URLIterator {
	return &URLIterator{cache: c, keys: c.store.Keys()}
}

// Next advances to the next live entry and reports whether one exists.
func (it *URLIterator) Next() bool {
	it.canRemove = false
	for it.index < len(it.keys) {
		key := it.keys[it.index]
		it.index++

		snapshot, err := it.cache.store.Peek(key)
		if err != nil {
			// evicted or unreadable since the snapshot was taken
			continue
		}
		e, err := readEntry(snapshot.Reader(entryMetadata))
		snapshot.Close()
		if err != nil {
			continue
		}

		it.url = e.url
		it.currentKey = key
		it.canRemove = true
		return true
	}
	return false
}

// URL returns the URL of the entry Next advanced to.
func (it *URLIterator) URL() string {
	return it.url
}

// EntryInfo describes one stored entry for inspection tooling.
type EntryInfo struct {
	URL        string
	StatusCode int
	BodySize   int64
	ReceivedAt time.Time
}

// Entries lists the stored entries in least-recently-read-first order.
// Entries that vanish or fail to decode mid-listing are skipped.
func (c *Cache) Entries() []EntryInfo {
	var infos []EntryInfo
	for _, key := range c.store.Keys() {
		snapshot, err := c.store.Peek(key)
		if err != nil {
			continue
		}
		e, err := readEntry(snapshot.Reader(entryMetadata))
		bodySize := snapshot.Length(entryBody)
		snapshot.Close()
		if err != nil {
			continue
		}
		infos = append(infos, EntryInfo{
			URL:        e.url,
			StatusCode: e.code,
			BodySize:   bodySize,
			ReceivedAt: e.receivedAt,
		})
	}
	return infos
}

// Remove deletes the entry Next last returned. Removing an entry that
// was concurrently evicted is a no-op; calling Remove before Next, or
// twice for one element, returns ErrIllegalRemove.
func (it *URLIterator) Remove() error {
	if !it.canRemove {
		return ErrIllegalRemove
	}
	it.canRemove = false
	_, err := it.cache.store.Remove(it.currentKey)
	return err
}
