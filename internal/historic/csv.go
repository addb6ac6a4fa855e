package historic

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("historic log closed")

// CSV writes records as ';'-separated lines preceded by a header line.
// Records are buffered and flushed on Close.
type CSV struct {
	mu     sync.Mutex
	w      *csv.Writer
	c      io.Closer
	closed bool
}

// NewCSV writes the header to wc and returns the log.
func NewCSV(wc io.WriteCloser) (*CSV, error) {
	w := csv.NewWriter(wc)
	w.Comma = ';'
	if err := w.Write(Header); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	return &CSV{w: w, c: wc}, nil
}

// OpenCSV creates (or truncates) the file at path, creating its directory.
func OpenCSV(path string) (*CSV, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("unable to create report directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create report file: %w", err)
	}
	log, err := NewCSV(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return log, nil
}

// Append implements Log.
func (l *CSV) Append(_ context.Context, r Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	return l.w.Write(r.Fields())
}

// Close flushes buffered records and closes the underlying writer.
// It is safe to call more than once.
func (l *CSV) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true

	l.w.Flush()
	return errors.Join(l.w.Error(), l.c.Close())
}

// ReadCSV parses a log written by CSV.
func ReadCSV(r io.Reader) ([]Record, error) {
	cr := csv.NewReader(r)
	cr.Comma = ';'
	cr.FieldsPerRecord = len(Header)

	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read historic log: %w", err)
	}
	if len(rows) == 0 {
		return nil, errors.New("read historic log: missing header")
	}

	out := make([]Record, 0, len(rows)-1)
	for i, row := range rows[1:] {
		rec, err := ParseFields(row)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+2, err)
		}
		out = append(out, rec)
	}
	return out, nil
}
