package metrics

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileName is the file FileSink writes inside its log directory.
const FileName = "metrics.jsonl"

// FileSink appends samples as JSON lines to <dir>/metrics.jsonl.
type FileSink struct {
	file *os.File
	buf  *bufio.Writer
	enc  *json.Encoder
	now  func() time.Time
	mu   sync.Mutex
}

type fileRecord struct {
	Time  time.Time `json:"time"`
	Name  string    `json:"name"`
	Step  int64     `json:"step"`
	Value float64   `json:"value"`
}

// NewFileSink creates dir if needed and opens its metrics file for appending.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, FileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open metrics file: %w", err)
	}
	buf := bufio.NewWriter(f)
	return &FileSink{file: f, buf: buf, enc: json.NewEncoder(buf), now: time.Now}, nil
}

func (s *FileSink) Record(step int64, name string, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.enc.Encode(fileRecord{Time: s.now(), Step: step, Name: name, Value: value})
}

// Flush pushes buffered samples to the file.
func (s *FileSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Flush()
}

// Close flushes and closes the file.
func (s *FileSink) Close() error {
	if err := s.Flush(); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}
