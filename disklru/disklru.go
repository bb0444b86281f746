// Package disklru is a journaled, size-bounded store of opaque value
// streams keyed by string. Each entry owns a fixed number of files on
// disk; an append-only journal records every edit so the store can
// recover its index after a crash. When the total size exceeds the
// configured budget, the least recently read entries are evicted.
//
// The store is a cache, not a primary copy: any corruption it cannot
// parse is resolved by dropping the affected entries (or, for an
// unreadable journal, the whole directory) instead of failing.
package disklru

import (
	"bufio"
	"container/list"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

const (
	journalFile       = "journal"
	journalFileTmp    = "journal.tmp"
	journalFileBackup = "journal.bkp"

	magic         = "libcore.io.DiskLruCache"
	formatVersion = "1"

	opClean  = "CLEAN"
	opDirty  = "DIRTY"
	opRemove = "REMOVE"
	opRead   = "READ"

	// journal rewrite threshold, amortizes compaction to O(1) per op
	redundantOpCompactThreshold = 2000
)

var (
	// ErrNotFound reports that no committed entry exists for the key.
	ErrNotFound = errors.New("disklru: entry not found")
	// ErrCorrupt reports that an entry's files could not be read back.
	// The offending entry has already been dropped from the store.
	ErrCorrupt = errors.New("disklru: entry corrupt")
	// ErrClosed reports use of a store after Close.
	ErrClosed = errors.New("disklru: store closed")
)

// Config carries the store construction parameters.
type Config struct {
	// Directory holding the journal and entry files.
	Directory string
	// FileSystem to operate on. The host filesystem is used if nil.
	FileSystem FileSystem
	// AppVersion is recorded in the journal header; a mismatch on open
	// discards the store contents.
	AppVersion int
	// ValueCount is the number of files per entry.
	ValueCount int
	// MaxSize is the total byte budget for all committed files.
	MaxSize int64
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// Store is the journaled LRU store. All methods are safe for concurrent
// use; a single mutex serializes index mutation and journal appends so
// that journal ordering stays monotonic and size accounting consistent.
type Store struct {
	fs         FileSystem
	directory  string
	appVersion int
	valueCount int
	maxSize    int64
	log        zerolog.Logger

	mu               sync.Mutex
	size             int64
	entries          map[string]*entry
	lru              *list.List // front is least recently read
	journal          *bufio.Writer
	journalCloser    io.Closer
	redundantOpCount int
	closed           bool
}

type entry struct {
	key      string
	lengths  []int64
	readable bool    // a CLEAN record has been committed
	current  *Editor // in-flight edit, at most one
	element  *list.Element
}

// Open returns a store over the journal found in config.Directory,
// replaying it to rebuild the in-memory index. An unreadable or
// mismatching journal wipes the directory and starts empty; opening
// never fails because of corrupt cache contents.
func Open(config Config) (*Store, error) {
	if config.MaxSize <= 0 {
		return nil, fmt.Errorf("disklru: max size must be positive, got %d", config.MaxSize)
	}
	if config.ValueCount <= 0 {
		return nil, fmt.Errorf("disklru: value count must be positive, got %d", config.ValueCount)
	}

	fs := config.FileSystem
	if fs == nil {
		fs = OSFileSystem{}
	}
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	logger = logger.With().Str("dir", config.Directory).Logger()

	s := &Store{
		fs:         fs,
		directory:  config.Directory,
		appVersion: config.AppVersion,
		valueCount: config.ValueCount,
		maxSize:    config.MaxSize,
		log:        logger,
		entries:    make(map[string]*entry),
		lru:        list.New(),
	}

	// prefer the backup journal if a rebuild was interrupted mid-swap
	if fs.Exists(s.path(journalFileBackup)) {
		if fs.Exists(s.path(journalFile)) {
			if err := fs.Delete(s.path(journalFileBackup)); err != nil {
				return nil, err
			}
		} else if err := fs.Rename(s.path(journalFileBackup), s.path(journalFile)); err != nil {
			return nil, err
		}
	}

	if fs.Exists(s.path(journalFile)) {
		err := s.readJournal()
		if err == nil {
			err = s.processJournal()
		}
		if err == nil {
			return s, nil
		}
		s.log.Warn().Err(err).Msg("Journal unreadable, rebuilding cache directory")
		if closeErr := s.closeJournal(); closeErr != nil {
			s.log.Debug().Err(closeErr).Msg("Could not close journal")
		}
		if err := fs.DeleteContents(s.directory); err != nil {
			return nil, err
		}
		s.entries = make(map[string]*entry)
		s.lru = list.New()
		s.size = 0
	}

	if err := fs.MkdirAll(s.directory); err != nil {
		return nil, err
	}
	if err := s.rebuildJournal(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.directory, name)
}

func (s *Store) cleanFile(key string, index int) string {
	return s.path(fmt.Sprintf("%s.%d", key, index))
}

func (s *Store) dirtyFile(key string, index int) string {
	return s.path(fmt.Sprintf("%s.%d.tmp", key, index))
}

func (s *Store) readJournal() error {
	reader, err := s.fs.Open(s.path(journalFile))
	if err != nil {
		return err
	}
	defer reader.Close()

	scanner := bufio.NewScanner(reader)
	header := []string{magic, formatVersion, strconv.Itoa(s.appVersion), strconv.Itoa(s.valueCount), ""}
	for _, expected := range header {
		if !scanner.Scan() {
			return fmt.Errorf("disklru: truncated journal header")
		}
		if line := scanner.Text(); line != expected {
			return fmt.Errorf("disklru: unexpected journal header line %q", line)
		}
	}

	lineCount := 0
	for scanner.Scan() {
		if err := s.readJournalLine(scanner.Text()); err != nil {
			return err
		}
		lineCount++
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	s.redundantOpCount = lineCount - len(s.entries)

	return s.openJournalWriter()
}

func (s *Store) readJournalLine(line string) error {
	op, rest, _ := strings.Cut(line, " ")
	key, args, _ := strings.Cut(rest, " ")
	if key == "" {
		return fmt.Errorf("disklru: unexpected journal line %q", line)
	}

	if op == opRemove && args == "" {
		s.removeFromIndex(key)
		return nil
	}

	e := s.entries[key]
	if e == nil {
		e = &entry{key: key, lengths: make([]int64, s.valueCount)}
		e.element = s.lru.PushBack(e)
		s.entries[key] = e
	}

	switch op {
	case opClean:
		lengths := strings.Fields(args)
		if len(lengths) != s.valueCount {
			return fmt.Errorf("disklru: unexpected journal line %q", line)
		}
		for i, lengthStr := range lengths {
			length, err := strconv.ParseInt(lengthStr, 10, 64)
			if err != nil {
				return fmt.Errorf("disklru: unexpected journal line %q", line)
			}
			e.lengths[i] = length
		}
		e.readable = true
		e.current = nil
		s.lru.MoveToBack(e.element)
	case opDirty:
		e.current = &Editor{store: s, entry: e}
	case opRead:
		s.lru.MoveToBack(e.element)
	default:
		return fmt.Errorf("disklru: unexpected journal line %q", line)
	}
	return nil
}

func (s *Store) removeFromIndex(key string) {
	if e, ok := s.entries[key]; ok {
		s.lru.Remove(e.element)
		delete(s.entries, key)
	}
}

// processJournal computes the initial size and deletes the garbage left
// behind by edits that never reached a terminal record.
func (s *Store) processJournal() error {
	for key, e := range s.entries {
		if e.current == nil {
			for _, length := range e.lengths {
				s.size += length
			}
			continue
		}
		// unterminated DIRTY: the edit died with the process
		e.current = nil
		for i := 0; i < s.valueCount; i++ {
			if err := s.fs.Delete(s.cleanFile(key, i)); err != nil {
				return err
			}
			if err := s.fs.Delete(s.dirtyFile(key, i)); err != nil {
				return err
			}
		}
		s.removeFromIndex(key)
	}
	return nil
}

func (s *Store) openJournalWriter() error {
	writer, err := s.fs.Append(s.path(journalFile))
	if err != nil {
		return err
	}
	s.journal = bufio.NewWriter(writer)
	s.journalCloser = writer
	return nil
}

func (s *Store) closeJournal() error {
	if s.journalCloser == nil {
		return nil
	}
	err := s.journal.Flush()
	if closeErr := s.journalCloser.Close(); err == nil {
		err = closeErr
	}
	s.journal = nil
	s.journalCloser = nil
	return err
}

// rebuildJournal writes a compact journal holding one record per entry,
// swapping it into place through the backup file so a crash at any point
// leaves a parseable journal behind. Called with the lock held (or before
// the store is shared).
func (s *Store) rebuildJournal() error {
	if err := s.closeJournal(); err != nil {
		return err
	}

	writer, err := s.fs.Create(s.path(journalFileTmp))
	if err != nil {
		return err
	}
	buffered := bufio.NewWriter(writer)
	fmt.Fprintf(buffered, "%s\n%s\n%d\n%d\n\n", magic, formatVersion, s.appVersion, s.valueCount)
	for element := s.lru.Front(); element != nil; element = element.Next() {
		e := element.Value.(*entry)
		if e.current != nil {
			fmt.Fprintf(buffered, "%s %s\n", opDirty, e.key)
		} else {
			fmt.Fprintf(buffered, "%s %s%s\n", opClean, e.key, joinLengths(e.lengths))
		}
	}
	if err := buffered.Flush(); err != nil {
		writer.Close()
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}

	if s.fs.Exists(s.path(journalFile)) {
		if err := s.fs.Rename(s.path(journalFile), s.path(journalFileBackup)); err != nil {
			return err
		}
	}
	if err := s.fs.Rename(s.path(journalFileTmp), s.path(journalFile)); err != nil {
		return err
	}
	if err := s.fs.Delete(s.path(journalFileBackup)); err != nil {
		return err
	}

	s.redundantOpCount = 0
	return s.openJournalWriter()
}

func joinLengths(lengths []int64) string {
	var b strings.Builder
	for _, length := range lengths {
		fmt.Fprintf(&b, " %d", length)
	}
	return b.String()
}

func validateKey(key string) error {
	if key == "" || strings.ContainsAny(key, " \n\r") {
		return fmt.Errorf("disklru: invalid key %q", key)
	}
	return nil
}

// Get returns a snapshot of the committed files for key. It returns
// ErrNotFound for absent or mid-first-edit keys and ErrCorrupt when the
// entry's files cannot be opened; in the latter case the entry is dropped
// so the corruption cannot recur.
func (s *Store) Get(key string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}
	e := s.entries[key]
	if e == nil || !e.readable {
		return nil, ErrNotFound
	}

	readers := make([]io.ReadCloser, s.valueCount)
	for i := 0; i < s.valueCount; i++ {
		reader, err := s.fs.Open(s.cleanFile(key, i))
		if err != nil {
			for _, opened := range readers[:i] {
				opened.Close()
			}
			s.log.Debug().Str("key", key).Err(err).Msg("Dropping unreadable cache entry")
			if removeErr := s.removeEntry(e); removeErr != nil {
				s.log.Debug().Str("key", key).Err(removeErr).Msg("Could not remove unreadable entry")
			}
			return nil, ErrCorrupt
		}
		readers[i] = reader
	}

	s.redundantOpCount++
	fmt.Fprintf(s.journal, "%s %s\n", opRead, key)
	s.journal.Flush()
	s.lru.MoveToBack(e.element)
	if s.journalRebuildRequired() {
		if err := s.rebuildJournal(); err != nil {
			s.log.Warn().Err(err).Msg("Could not rebuild journal")
		}
	}

	return &Snapshot{key: key, readers: readers, lengths: append([]int64(nil), e.lengths...)}, nil
}

// Peek is Get without the access bookkeeping: no READ record is
// journaled and the entry's recency is left alone. Iteration uses it so
// walking the store does not rescue entries from eviction.
func (s *Store) Peek(key string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	e := s.entries[key]
	if e == nil || !e.readable {
		return nil, ErrNotFound
	}
	readers := make([]io.ReadCloser, s.valueCount)
	for i := 0; i < s.valueCount; i++ {
		reader, err := s.fs.Open(s.cleanFile(key, i))
		if err != nil {
			for _, opened := range readers[:i] {
				opened.Close()
			}
			return nil, ErrCorrupt
		}
		readers[i] = reader
	}
	return &Snapshot{key: key, readers: readers, lengths: append([]int64(nil), e.lengths...)}, nil
}

// Edit begins a new edit for key. It returns nil (with no error) when
// another edit is already in flight for the same key; callers are
// expected to skip caching rather than wait.
func (s *Store) Edit(key string) (*Editor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}
	e := s.entries[key]
	if e != nil && e.current != nil {
		return nil, nil
	}
	if e == nil {
		e = &entry{key: key, lengths: make([]int64, s.valueCount)}
		e.element = s.lru.PushBack(e)
		s.entries[key] = e
	}
	editor := &Editor{store: s, entry: e, written: make([]bool, s.valueCount)}
	e.current = editor

	// journal the edit before any file is touched so recovery can tell
	// the temp files were ours
	fmt.Fprintf(s.journal, "%s %s\n", opDirty, key)
	if err := s.journal.Flush(); err != nil {
		e.current = nil
		return nil, err
	}
	return editor, nil
}

// Remove deletes the committed entry for key. It reports whether an entry
// was actually removed; a key mid-edit is left alone.
func (s *Store) Remove(key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	if err := validateKey(key); err != nil {
		return false, err
	}
	e := s.entries[key]
	if e == nil || e.current != nil {
		return false, nil
	}
	return true, s.removeEntry(e)
}

// removeEntry deletes the entry's files and journals the removal.
// Called with the lock held.
func (s *Store) removeEntry(e *entry) error {
	for i := 0; i < s.valueCount; i++ {
		if err := s.fs.Delete(s.cleanFile(e.key, i)); err != nil {
			return err
		}
		s.size -= e.lengths[i]
		e.lengths[i] = 0
	}
	s.redundantOpCount++
	fmt.Fprintf(s.journal, "%s %s\n", opRemove, e.key)
	s.journal.Flush()
	s.removeFromIndex(e.key)
	if s.journalRebuildRequired() {
		if err := s.rebuildJournal(); err != nil {
			s.log.Warn().Err(err).Msg("Could not rebuild journal")
		}
	}
	return nil
}

func (s *Store) journalRebuildRequired() bool {
	return s.redundantOpCount >= redundantOpCompactThreshold && s.redundantOpCount >= len(s.entries)
}

// trimToSize evicts least recently read entries until the size budget is
// met. Entries mid-edit are skipped. Called with the lock held.
func (s *Store) trimToSize() {
	element := s.lru.Front()
	for s.size > s.maxSize && element != nil {
		next := element.Next()
		e := element.Value.(*entry)
		if e.current == nil {
			s.log.Trace().Str("key", e.key).Int64("size", s.size).Msg("Evicting entry over size budget")
			if err := s.removeEntry(e); err != nil {
				s.log.Warn().Str("key", e.key).Err(err).Msg("Could not evict entry")
			}
		}
		element = next
	}
}

// Keys returns the committed keys in least-recently-read-first order.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.entries))
	for element := s.lru.Front(); element != nil; element = element.Next() {
		if e := element.Value.(*entry); e.readable {
			keys = append(keys, e.key)
		}
	}
	return keys
}

// Has reports whether a committed entry exists for key.
func (s *Store) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[key]
	return e != nil && e.readable
}

// Size returns the total byte size of all committed entry files.
func (s *Store) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// MaxSize returns the configured size budget.
func (s *Store) MaxSize() int64 {
	return s.maxSize
}

// EvictAll removes every entry. In-flight edits are detached: their
// commit becomes a no-op that only cleans up temp files.
func (s *Store) EvictAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, element := range s.elementsSnapshot() {
		e := element.Value.(*entry)
		if e.current != nil {
			e.current.detached = true
			e.current = nil
		}
		if err := s.removeEntry(e); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) elementsSnapshot() []*list.Element {
	elements := make([]*list.Element, 0, s.lru.Len())
	for element := s.lru.Front(); element != nil; element = element.Next() {
		elements = append(elements, element)
	}
	return elements
}

// Close aborts in-flight edits and closes the journal. The store cannot
// be used afterwards.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	for _, element := range s.elementsSnapshot() {
		if e := element.Value.(*entry); e.current != nil {
			if err := s.completeEdit(e.current, false); err != nil {
				s.log.Debug().Str("key", e.key).Err(err).Msg("Could not abort edit on close")
			}
		}
	}
	s.trimToSize()
	err := s.closeJournal()
	s.closed = true
	return err
}

// Delete closes the store and removes everything it stored, the journal
// included.
func (s *Store) Delete() error {
	if err := s.Close(); err != nil {
		return err
	}
	return s.fs.DeleteContents(s.directory)
}
