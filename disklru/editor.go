package disklru

import (
	"errors"
	"fmt"
	"io"
)

// ErrEditCompleted reports use of an editor after Commit or Abort.
var ErrEditCompleted = errors.New("disklru: edit already completed")

// ErrEditDetached reports a Commit on an edit whose entry was evicted
// while the edit was in flight; nothing was published.
var ErrEditDetached = errors.New("disklru: entry evicted during edit")

// Editor is one in-flight edit of an entry. Values are written to temp
// files and become visible atomically on Commit; Abort discards them.
// An editor belongs to a single goroutine.
type Editor struct {
	store    *Store
	entry    *entry
	written  []bool
	hasError bool
	done     bool
	// detached editors belong to entries evicted mid-edit; completing
	// them only cleans up temp files
	detached bool
}

// NewWriter opens the temp file for the value at index. An index never
// written keeps its previously committed file on Commit.
func (ed *Editor) NewWriter(index int) (io.WriteCloser, error) {
	s := ed.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if ed.done {
		return nil, ErrEditCompleted
	}
	if ed.detached {
		// the entry is gone; swallow the writes so the caller's
		// streaming copy still completes
		return nopWriteCloser{io.Discard}, nil
	}
	writer, err := s.fs.Create(s.dirtyFile(ed.entry.key, index))
	if err != nil {
		ed.hasError = true
		return nil, err
	}
	ed.written[index] = true
	return &faultHidingWriter{writer: writer, editor: ed}, nil
}

// Commit atomically publishes the written values, journals the CLEAN
// record, and triggers a size trim when the store is over budget. A
// write error observed during the edit turns Commit into an abort, and
// committing an edit detached by EvictAll publishes nothing and returns
// ErrEditDetached.
func (ed *Editor) Commit() error {
	s := ed.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if ed.hasError {
		if err := s.completeEdit(ed, false); err != nil {
			return err
		}
		return errors.New("disklru: commit failed, edit had write errors")
	}
	return s.completeEdit(ed, true)
}

// Abort discards the edit. The next journal replay (or rebuild) removes
// any garbage it left behind.
func (ed *Editor) Abort() error {
	s := ed.store
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completeEdit(ed, false)
}

// completeEdit finishes an edit either way. Called with the lock held.
func (s *Store) completeEdit(editor *Editor, success bool) error {
	if editor.done {
		return ErrEditCompleted
	}
	editor.done = true

	e := editor.entry
	if editor.detached {
		for i := 0; i < s.valueCount; i++ {
			if err := s.fs.Delete(s.dirtyFile(e.key, i)); err != nil {
				return err
			}
		}
		if success {
			return ErrEditDetached
		}
		return nil
	}
	if e.current != editor {
		return ErrEditCompleted
	}

	// the first publish of an entry must provide every value
	if success && !e.readable {
		for _, written := range editor.written {
			if !written {
				success = false
				break
			}
		}
	}

	for i := 0; i < s.valueCount; i++ {
		dirty := s.dirtyFile(e.key, i)
		if !success || !editor.written[i] {
			if err := s.fs.Delete(dirty); err != nil {
				return err
			}
			continue
		}
		clean := s.cleanFile(e.key, i)
		if err := s.fs.Rename(dirty, clean); err != nil {
			return err
		}
		length, err := s.fs.Size(clean)
		if err != nil {
			return err
		}
		s.size += length - e.lengths[i]
		e.lengths[i] = length
	}

	e.current = nil
	s.redundantOpCount++
	if success || e.readable {
		if success {
			e.readable = true
		}
		fmt.Fprintf(s.journal, "%s %s%s\n", opClean, e.key, joinLengths(e.lengths))
		s.lru.MoveToBack(e.element)
	} else {
		fmt.Fprintf(s.journal, "%s %s\n", opRemove, e.key)
		s.removeFromIndex(e.key)
	}
	if err := s.journal.Flush(); err != nil {
		return err
	}

	if s.size > s.maxSize {
		s.trimToSize()
	}
	if s.journalRebuildRequired() {
		if err := s.rebuildJournal(); err != nil {
			s.log.Warn().Err(err).Msg("Could not rebuild journal")
		}
	}
	return nil
}

type faultHidingWriter struct {
	writer io.WriteCloser
	editor *Editor
}

// Write hides downstream failures from the caller: the body copy keeps
// flowing to its real destination and the edit is aborted at commit time.
func (f *faultHidingWriter) Write(p []byte) (int, error) {
	if _, err := f.writer.Write(p); err != nil {
		f.editor.hasError = true
	}
	return len(p), nil
}

func (f *faultHidingWriter) Close() error {
	if err := f.writer.Close(); err != nil {
		f.editor.hasError = true
	}
	return nil
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
