// Package journal is a bounded, log-structured key to blob store on disk.
//
// Every entry owns valueCount byte streams stored as plain files named
// "<key>.<index>". A binary journal records each state change so the store can
// be rebuilt after a crash: DIRTY when an edit starts, CLEAN when it commits,
// REMOVE when an entry is dropped and READ on access, which keeps LRU order.
// A DIRTY record not followed by CLEAN or REMOVE marks a torn write whose
// files are discarded on the next open.
package journal

import (
	"bufio"
	"container/list"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
)

const (
	journalFile       = "journal"
	journalTmpFile    = "journal.tmp"
	journalBackupFile = "journal.bkp"
	lockFileName      = "journal.lock"

	magic         = "marquee.journal"
	formatVersion = 1

	// compactThreshold is the count of redundant records that makes a rebuild worthwhile.
	compactThreshold = 2000
)

const (
	opDirty  byte = 'D'
	opClean  byte = 'C'
	opRemove byte = 'R'
	opRead   byte = 'G'
)

var (
	ErrClosed         = errors.New("journal: store is closed")
	ErrInvalidKey     = errors.New("journal: keys must match [a-z0-9_-]{1,120}")
	ErrIncompleteEdit = errors.New("journal: new entry committed without every value")
	ErrStaleEditor    = errors.New("journal: editor is no longer active")
	ErrLocked         = errors.New("journal: directory is held by another store")
	errCorrupt        = errors.New("journal: corrupt header")
	errTornRecord     = errors.New("journal: torn record")
)

var keyPattern = regexp.MustCompile(`^[a-z0-9_-]{1,120}$`)

type entry struct {
	key      string
	lengths  []int64
	readable bool
	editor   *Editor
	elem     *list.Element
}

func (e *entry) cleanPath(dir string, i int) string {
	return filepath.Join(dir, e.key+"."+strconv.Itoa(i))
}

func (e *entry) dirtyPath(dir string, i int) string {
	return filepath.Join(dir, e.key+"."+strconv.Itoa(i)+".tmp")
}

// Store is safe for concurrent use. Open, Close, Flush and Delete are
// serialised with reads and writes by a single mutex.
type Store struct {
	dir        string
	appVersion int
	valueCount int

	mu        sync.Mutex
	maxSize   int64
	size      int64
	entries   map[string]*entry
	lru       *list.List
	file      *os.File
	writer    *bufio.Writer
	redundant int
	closed    bool
	lock      *os.File
}

// Open opens the store rooted at dir, creating it when missing. A journal
// written by a different appVersion or valueCount is discarded along with
// every data file in dir.
func Open(dir string, appVersion, valueCount int, maxSize int64) (*Store, error) {
	if valueCount <= 0 {
		return nil, fmt.Errorf("journal: valueCount must be positive, got %d", valueCount)
	}
	if maxSize <= 0 {
		return nil, fmt.Errorf("journal: maxSize must be positive, got %d", maxSize)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("journal: create %s: %w", dir, err)
	}

	lock, err := acquireLock(dir)
	if err != nil {
		return nil, err
	}
	s, err := open(dir, appVersion, valueCount, maxSize)
	if err != nil {
		releaseLock(lock)
		return nil, err
	}
	s.lock = lock
	return s, nil
}

// acquireLock takes an exclusive, non-blocking lock on dir so that two
// processes never replay and append to the same journal.
func acquireLock(dir string) (*os.File, error) {
	f, err := os.OpenFile(filepath.Join(dir, lockFileName), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("journal: open lock: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrLocked, dir, err)
	}
	return f, nil
}

func releaseLock(f *os.File) {
	if f == nil {
		return
	}
	_ = unlockFile(f)
	_ = f.Close()
}

// clearDir removes everything in dir except the lock file.
func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Name() == lockFileName {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func open(dir string, appVersion, valueCount int, maxSize int64) (*Store, error) {
	backup := filepath.Join(dir, journalBackupFile)
	if _, err := os.Stat(backup); err == nil {
		current := filepath.Join(dir, journalFile)
		if _, err := os.Stat(current); err == nil {
			_ = os.Remove(backup)
		} else if err := os.Rename(backup, current); err != nil {
			return nil, fmt.Errorf("journal: restore backup: %w", err)
		}
	}

	s := newStore(dir, appVersion, valueCount, maxSize)

	torn, err := s.readJournal()
	switch {
	case err == nil:
		s.processJournal()
		if torn {
			err = s.rebuildJournal()
		} else {
			err = s.openForAppend()
		}
		if err != nil {
			return nil, err
		}
	case errors.Is(err, os.ErrNotExist):
		if err := s.rebuildJournal(); err != nil {
			return nil, err
		}
	case errors.Is(err, errCorrupt):
		// Unreadable header: start over with an empty directory.
		if err := clearDir(dir); err != nil {
			return nil, fmt.Errorf("journal: discard %s: %w", dir, err)
		}
		s = newStore(dir, appVersion, valueCount, maxSize)
		if err := s.rebuildJournal(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("journal: read %s: %w", dir, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.trimToSize(); err != nil {
		return nil, err
	}
	return s, nil
}

func newStore(dir string, appVersion, valueCount int, maxSize int64) *Store {
	return &Store{
		dir:        dir,
		appVersion: appVersion,
		valueCount: valueCount,
		maxSize:    maxSize,
		entries:    make(map[string]*entry),
		lru:        list.New(),
	}
}

// readJournal replays the journal into memory. It reports torn when the
// file ends in a partial or unrecognised record.
func (s *Store) readJournal() (torn bool, err error) {
	f, err := os.Open(filepath.Join(s.dir, journalFile))
	if err != nil {
		return false, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	if err := s.readHeader(r); err != nil {
		return false, err
	}

	records := 0
	for {
		op, key, lengths, err := readRecord(r, s.valueCount)
		if err == io.EOF {
			break
		}
		if err != nil {
			torn = true
			break
		}
		s.replay(op, key, lengths)
		records++
	}

	s.redundant = records - len(s.entries)
	return torn, nil
}

func (s *Store) readHeader(r io.Reader) error {
	buf := make([]byte, len(magic)+12)
	if _, err := io.ReadFull(r, buf); err != nil {
		return errCorrupt
	}
	if string(buf[:len(magic)]) != magic {
		return errCorrupt
	}
	rest := buf[len(magic):]
	if binary.BigEndian.Uint32(rest[0:4]) != formatVersion ||
		binary.BigEndian.Uint32(rest[4:8]) != uint32(s.appVersion) ||
		binary.BigEndian.Uint32(rest[8:12]) != uint32(s.valueCount) {
		return errCorrupt
	}
	return nil
}

func (s *Store) replay(op byte, key string, lengths []int64) {
	if op == opRemove {
		if e, ok := s.entries[key]; ok {
			s.lru.Remove(e.elem)
			delete(s.entries, key)
		}
		return
	}

	e, ok := s.entries[key]
	if !ok {
		e = &entry{key: key, lengths: make([]int64, s.valueCount)}
		e.elem = s.lru.PushFront(e)
		s.entries[key] = e
	} else {
		s.lru.MoveToFront(e.elem)
	}

	switch op {
	case opClean:
		e.readable = true
		e.editor = nil
		copy(e.lengths, lengths)
	case opDirty:
		e.editor = &Editor{store: s, entry: e}
	}
}

// processJournal computes the initial size and drops entries whose last edit never finished.
func (s *Store) processJournal() {
	_ = os.Remove(filepath.Join(s.dir, journalTmpFile))
	for key, e := range s.entries {
		if e.editor == nil {
			for _, n := range e.lengths {
				s.size += n
			}
			continue
		}
		e.editor = nil
		for i := 0; i < s.valueCount; i++ {
			_ = os.Remove(e.cleanPath(s.dir, i))
			_ = os.Remove(e.dirtyPath(s.dir, i))
		}
		s.lru.Remove(e.elem)
		delete(s.entries, key)
	}
}

func (s *Store) openForAppend() error {
	f, err := os.OpenFile(filepath.Join(s.dir, journalFile), os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("journal: open for append: %w", err)
	}
	s.file = f
	s.writer = bufio.NewWriter(f)
	return nil
}

// rebuildJournal writes a compact journal holding only the live state, then
// swaps it in place of the current one.
func (s *Store) rebuildJournal() error {
	if s.writer != nil {
		_ = s.writer.Flush()
		_ = s.file.Close()
		s.file, s.writer = nil, nil
	}

	tmpPath := filepath.Join(s.dir, journalTmpFile)
	tmp, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("journal: create %s: %w", tmpPath, err)
	}

	w := bufio.NewWriter(tmp)
	writeHeader(w, s.appVersion, s.valueCount)
	for el := s.lru.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*entry)
		if e.editor != nil {
			writeRecord(w, opDirty, e.key, nil)
		} else {
			writeRecord(w, opClean, e.key, e.lengths)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("journal: write %s: %w", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("journal: sync %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	current := filepath.Join(s.dir, journalFile)
	backup := filepath.Join(s.dir, journalBackupFile)
	if _, err := os.Stat(current); err == nil {
		if err := os.Rename(current, backup); err != nil {
			return fmt.Errorf("journal: back up journal: %w", err)
		}
	}
	if err := os.Rename(tmpPath, current); err != nil {
		return fmt.Errorf("journal: install journal: %w", err)
	}
	_ = os.Remove(backup)

	s.redundant = 0
	return s.openForAppend()
}

func (s *Store) rebuildRequired() bool {
	return s.redundant >= compactThreshold && s.redundant >= len(s.entries)
}

func (s *Store) checkOpen() error {
	if s.closed {
		return ErrClosed
	}
	return nil
}

func validateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// Get returns a snapshot of the entry, or nil when it is absent or not yet
// committed. The caller must Close the snapshot.
func (s *Store) Get(key string) (*Snapshot, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	e, ok := s.entries[key]
	if !ok || !e.readable {
		return nil, nil
	}

	// Open every stream now so a later remove cannot tear the snapshot.
	files := make([]*os.File, s.valueCount)
	for i := range files {
		f, err := os.Open(e.cleanPath(s.dir, i))
		if err != nil {
			for _, opened := range files[:i] {
				opened.Close()
			}
			if errors.Is(err, os.ErrNotExist) {
				return nil, nil
			}
			return nil, err
		}
		files[i] = f
	}

	s.redundant++
	writeRecord(s.writer, opRead, key, nil)
	s.lru.MoveToFront(e.elem)
	if s.rebuildRequired() {
		if err := s.rebuildJournal(); err != nil {
			closeAll(files)
			return nil, err
		}
	}

	lengths := make([]int64, len(e.lengths))
	copy(lengths, e.lengths)
	return &Snapshot{key: key, files: files, lengths: lengths}, nil
}

// Contains reports whether a committed entry exists, without touching LRU order.
func (s *Store) Contains(key string) bool {
	if validateKey(key) != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	return ok && e.readable && !s.closed
}

// Edit starts an edit of key. It returns a nil editor when another edit of
// the same key is in progress.
func (s *Store) Edit(key string) (*Editor, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	e, ok := s.entries[key]
	if ok && e.editor != nil {
		return nil, nil
	}
	if !ok {
		e = &entry{key: key, lengths: make([]int64, s.valueCount)}
		e.elem = s.lru.PushFront(e)
		s.entries[key] = e
	}

	ed := &Editor{store: s, entry: e, written: make([]bool, s.valueCount)}
	e.editor = ed

	// Flushed eagerly so a crash mid-write never leaves orphaned data files.
	writeRecord(s.writer, opDirty, key, nil)
	if err := s.writer.Flush(); err != nil {
		e.editor = nil
		return nil, fmt.Errorf("journal: record edit of %s: %w", key, err)
	}
	return ed, nil
}

func (s *Store) completeEdit(ed *Editor, success bool) error {
	e := ed.entry
	if e.editor != ed {
		return ErrStaleEditor
	}

	if success && !e.readable {
		for i := 0; i < s.valueCount; i++ {
			if !ed.written[i] {
				s.completeEdit(ed, false)
				return fmt.Errorf("%w: index %d of %s", ErrIncompleteEdit, i, e.key)
			}
			if _, err := os.Stat(e.dirtyPath(s.dir, i)); err != nil {
				s.completeEdit(ed, false)
				return fmt.Errorf("%w: index %d of %s", ErrIncompleteEdit, i, e.key)
			}
		}
	}

	for i := 0; i < s.valueCount; i++ {
		dirty := e.dirtyPath(s.dir, i)
		if !success {
			_ = os.Remove(dirty)
			continue
		}
		info, err := os.Stat(dirty)
		if err != nil {
			continue
		}
		if err := os.Rename(dirty, e.cleanPath(s.dir, i)); err != nil {
			return fmt.Errorf("journal: commit %s: %w", e.key, err)
		}
		s.size += info.Size() - e.lengths[i]
		e.lengths[i] = info.Size()
	}

	s.redundant++
	e.editor = nil
	if e.readable || success {
		e.readable = true
		writeRecord(s.writer, opClean, e.key, e.lengths)
	} else {
		s.lru.Remove(e.elem)
		delete(s.entries, e.key)
		writeRecord(s.writer, opRemove, e.key, nil)
	}
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("journal: record commit of %s: %w", e.key, err)
	}

	if s.size > s.maxSize || s.rebuildRequired() {
		return s.cleanup()
	}
	return nil
}

func (s *Store) cleanup() error {
	if err := s.trimToSize(); err != nil {
		return err
	}
	if s.rebuildRequired() {
		return s.rebuildJournal()
	}
	return nil
}

// Remove drops the entry for key. Entries under edit cannot be removed.
func (s *Store) Remove(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return false, err
	}

	removed, err := s.removeLocked(key)
	if err != nil || !removed {
		return removed, err
	}
	if s.rebuildRequired() {
		return true, s.rebuildJournal()
	}
	return true, nil
}

func (s *Store) removeLocked(key string) (bool, error) {
	e, ok := s.entries[key]
	if !ok || e.editor != nil {
		return false, nil
	}

	for i := 0; i < s.valueCount; i++ {
		if err := os.Remove(e.cleanPath(s.dir, i)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return false, fmt.Errorf("journal: remove %s: %w", e.key, err)
		}
		s.size -= e.lengths[i]
		e.lengths[i] = 0
	}

	s.redundant++
	writeRecord(s.writer, opRemove, key, nil)
	s.lru.Remove(e.elem)
	delete(s.entries, key)
	return true, nil
}

// trimToSize evicts least recently used entries until the store fits its budget.
func (s *Store) trimToSize() error {
	el := s.lru.Back()
	for s.size > s.maxSize && el != nil {
		prev := el.Prev()
		e := el.Value.(*entry)
		if e.editor == nil {
			if _, err := s.removeLocked(e.key); err != nil {
				return err
			}
		}
		el = prev
	}
	return nil
}

// Size is the number of bytes currently occupied by committed values.
func (s *Store) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

func (s *Store) MaxSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxSize
}

// SetMaxSize changes the budget and evicts immediately if the store no longer fits.
func (s *Store) SetMaxSize(maxSize int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxSize = maxSize
	if s.closed {
		return nil
	}
	return s.trimToSize()
}

// Len is the number of entries, including those whose first edit is in progress.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Flush trims the store and forces the journal to stable storage.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.trimToSize(); err != nil {
		return err
	}
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("journal: flush: %w", err)
	}
	return s.file.Sync()
}

// Close aborts in-flight edits and releases the journal. It is idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}

	for el := s.lru.Front(); el != nil; {
		next := el.Next()
		if ed := el.Value.(*entry).editor; ed != nil {
			ed.closeFiles()
			_ = s.completeEdit(ed, false)
		}
		el = next
	}
	if err := s.trimToSize(); err != nil {
		return err
	}

	s.closed = true
	flushErr := s.writer.Flush()
	closeErr := s.file.Close()
	s.file, s.writer = nil, nil
	releaseLock(s.lock)
	s.lock = nil
	if flushErr != nil {
		return fmt.Errorf("journal: flush on close: %w", flushErr)
	}
	return closeErr
}

// Delete closes the store and removes its directory with all contents.
func (s *Store) Delete() error {
	if err := s.Close(); err != nil {
		return err
	}
	return os.RemoveAll(s.dir)
}

func writeHeader(w *bufio.Writer, appVersion, valueCount int) {
	var buf [12]byte
	binary.BigEndian.PutUint32(buf[0:4], formatVersion)
	binary.BigEndian.PutUint32(buf[4:8], uint32(appVersion))
	binary.BigEndian.PutUint32(buf[8:12], uint32(valueCount))
	w.WriteString(magic)
	w.Write(buf[:])
}

// writeRecord appends [op u8][keyLen u16][key] and, for CLEAN, one u64 length per value.
// Errors surface on the next Flush.
func writeRecord(w *bufio.Writer, op byte, key string, lengths []int64) {
	var hdr [3]byte
	hdr[0] = op
	binary.BigEndian.PutUint16(hdr[1:], uint16(len(key)))
	w.Write(hdr[:])
	w.WriteString(key)
	if op != opClean {
		return
	}
	var n [8]byte
	for _, l := range lengths {
		binary.BigEndian.PutUint64(n[:], uint64(l))
		w.Write(n[:])
	}
}

func readRecord(r *bufio.Reader, valueCount int) (byte, string, []int64, error) {
	var hdr [3]byte
	n, err := io.ReadFull(r, hdr[:])
	if err == io.EOF && n == 0 {
		return 0, "", nil, io.EOF
	}
	if err != nil {
		return 0, "", nil, errTornRecord
	}

	op := hdr[0]
	switch op {
	case opDirty, opClean, opRemove, opRead:
	default:
		return 0, "", nil, errTornRecord
	}

	keyLen := int(binary.BigEndian.Uint16(hdr[1:]))
	if keyLen == 0 {
		return 0, "", nil, errTornRecord
	}
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return 0, "", nil, errTornRecord
	}
	if !keyPattern.Match(key) {
		return 0, "", nil, errTornRecord
	}

	if op != opClean {
		return op, string(key), nil, nil
	}
	lengths := make([]int64, valueCount)
	var buf [8]byte
	for i := range lengths {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return 0, "", nil, errTornRecord
		}
		lengths[i] = int64(binary.BigEndian.Uint64(buf[:]))
	}
	return op, string(key), lengths, nil
}

func closeAll(files []*os.File) {
	for _, f := range files {
		if f != nil {
			f.Close()
		}
	}
}
