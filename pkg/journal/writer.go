// Package journal is keel's only persistence mechanism: newline-delimited
// JSON records, append-only, never truncated or rewritten. One logical stream
// holds predictions, corrections, repair events, and outbox events; a second
// stream holds halts. Files are safe to concatenate across process restarts.
package journal

import (
	"fmt"
	"os"
	"sync"

	"github.com/Mindburn-Labs/keel/pkg/canonicalize"
	"github.com/Mindburn-Labs/keel/pkg/contracts"
)

// Writer appends canonical JSON lines to one journal file. A single logical
// writer owns each file; appends are serialized by the mutex.
type Writer struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// OpenWriter opens (or creates) a journal file for appending.
func OpenWriter(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	return &Writer{path: path, f: f}, nil
}

// Append serializes the record canonically and writes exactly one line.
// The full line is built before any byte is written, so a failed append
// leaves no partial record. Returns the content reference of the line.
func (w *Writer) Append(rec contracts.Record) (string, error) {
	line, err := canonicalize.JCS(rec)
	if err != nil {
		return "", fmt.Errorf("journal: serialize record: %w", err)
	}
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return "", fmt.Errorf("journal: writer for %s is closed", w.path)
	}
	if _, err := w.f.Write(buf); err != nil {
		return "", fmt.Errorf("journal: append to %s: %w", w.path, err)
	}
	return "sha256:" + canonicalize.HashBytes(line), nil
}

// Rotate closes the current file and begins a new segment at newPath.
// Returns the path of the closed segment, which is then eligible for
// archival (pkg/archive). Replay never reads archives implicitly.
func (w *Writer) Rotate(newPath string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	closed := w.path
	if w.f != nil {
		if err := w.f.Close(); err != nil {
			return "", fmt.Errorf("journal: close segment %s: %w", closed, err)
		}
	}
	f, err := os.OpenFile(newPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return "", fmt.Errorf("journal: open segment %s: %w", newPath, err)
	}
	w.f = f
	w.path = newPath
	return closed, nil
}

// Path returns the current segment path.
func (w *Writer) Path() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.path
}

// Close closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}
