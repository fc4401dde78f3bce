package journal

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// Editor writes the values of one entry. Exactly one of Commit or Abort must be called.
type Editor struct {
	store     *Store
	entry     *entry
	written   []bool
	files     []*os.File
	hasErrors bool
	done      bool
}

// NewWriter opens a writer for value index. Data becomes visible only after Commit.
func (ed *Editor) NewWriter(index int) (io.WriteCloser, error) {
	s := ed.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if ed.done || ed.entry.editor != ed {
		return nil, ErrStaleEditor
	}
	if index < 0 || index >= s.valueCount {
		return nil, fmt.Errorf("journal: value index %d out of range [0,%d)", index, s.valueCount)
	}

	path := ed.entry.dirtyPath(s.dir, index)
	f, err := os.Create(path)
	if errors.Is(err, os.ErrNotExist) {
		// The directory may have been removed from under us.
		if mkErr := os.MkdirAll(s.dir, 0755); mkErr == nil {
			f, err = os.Create(path)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("journal: open value %d of %s: %w", index, ed.entry.key, err)
	}

	ed.written[index] = true
	ed.files = append(ed.files, f)
	return &valueWriter{f: f, ed: ed}, nil
}

// Commit publishes the written values. A writer that failed turns the commit
// into a removal of the entry.
func (ed *Editor) Commit() error {
	s := ed.store
	ed.closeFiles()

	s.mu.Lock()
	defer s.mu.Unlock()
	if ed.done {
		return ErrStaleEditor
	}
	ed.done = true

	if ed.hasErrors {
		_ = s.completeEdit(ed, false)
		if _, err := s.removeLocked(ed.entry.key); err != nil {
			return err
		}
		return fmt.Errorf("journal: write of %s failed, entry removed", ed.entry.key)
	}
	return s.completeEdit(ed, true)
}

// Abort discards the written values. It is a no-op after Commit.
func (ed *Editor) Abort() error {
	s := ed.store
	ed.closeFiles()

	s.mu.Lock()
	defer s.mu.Unlock()
	if ed.done {
		return nil
	}
	ed.done = true
	return s.completeEdit(ed, false)
}

func (ed *Editor) closeFiles() {
	for _, f := range ed.files {
		_ = f.Close()
	}
	ed.files = nil
}

type valueWriter struct {
	f  *os.File
	ed *Editor
}

func (w *valueWriter) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	if err != nil {
		w.ed.hasErrors = true
	}
	return n, err
}

func (w *valueWriter) Close() error {
	err := w.f.Close()
	if err != nil && !errors.Is(err, os.ErrClosed) {
		w.ed.hasErrors = true
		return err
	}
	return nil
}
