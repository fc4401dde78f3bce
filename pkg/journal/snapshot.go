package journal

import (
	"io"
	"os"
)

// Snapshot is a consistent read view of one entry's values.
type Snapshot struct {
	key     string
	files   []*os.File
	lengths []int64
}

func (s *Snapshot) Key() string {
	return s.key
}

// Reader returns the stream for value index.
func (s *Snapshot) Reader(index int) io.Reader {
	return s.files[index]
}

// Length is the byte length of value index.
func (s *Snapshot) Length(index int) int64 {
	return s.lengths[index]
}

// ReadAll reads value index fully.
func (s *Snapshot) ReadAll(index int) ([]byte, error) {
	buf := make([]byte, s.lengths[index])
	_, err := io.ReadFull(s.files[index], buf)
	return buf, err
}

func (s *Snapshot) Close() error {
	closeAll(s.files)
	return nil
}
