// Package logsink owns the per-service log files: the launcher opens them
// for the child, the logs command reads them back.
package logsink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/loykin/stackvisor/internal/logger"
)

// Sink opens service log files under a rotation policy.
type Sink struct {
	Policy logger.FileConfig
}

// New returns a Sink rotating files according to policy.
func New(policy logger.FileConfig) *Sink { return &Sink{Policy: policy} }

// Open prepares path for a new service run and returns it opened for
// appending. The file is rotated first when it has grown past the policy's
// size limit. The returned file is meant to be inherited by the child; the
// caller closes its own copy after spawning.
func (s *Sink) Open(path string) (*os.File, error) {
	if path == "" {
		return nil, errors.New("log file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	if fi, err := os.Stat(path); err == nil && fi.Size() > s.Policy.MaxBytes() {
		rot := s.Policy.Rotator(path)
		if err := rot.Rotate(); err != nil {
			return nil, fmt.Errorf("rotate %s: %w", path, err)
		}
		_ = rot.Close()
	}
	// #nosec G304 -- path comes from the service configuration
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", path, err)
	}
	return f, nil
}

const tailChunk = 8 * 1024

// Tail writes the last n lines of path to w. A missing file writes nothing.
func Tail(path string, n int, w io.Writer) error {
	if n <= 0 {
		return nil
	}
	// #nosec G304
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer func() { _ = f.Close() }()
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	start, err := tailOffset(f, fi.Size(), n)
	if err != nil {
		return err
	}
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}

// tailOffset scans backwards in chunks and returns the offset of the first
// of the last n lines. A trailing newline does not start a new line.
func tailOffset(r io.ReaderAt, size int64, n int) (int64, error) {
	end := size
	buf := make([]byte, tailChunk)
	if end > 0 {
		last := make([]byte, 1)
		if _, err := r.ReadAt(last, end-1); err != nil {
			return 0, err
		}
		if last[0] == '\n' {
			end--
		}
	}
	seen := 0
	for pos := end; pos > 0; {
		sz := int64(len(buf))
		if pos < sz {
			sz = pos
		}
		pos -= sz
		chunk := buf[:sz]
		if _, err := r.ReadAt(chunk, pos); err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
		for i := len(chunk) - 1; i >= 0; i-- {
			if chunk[i] != '\n' {
				continue
			}
			seen++
			if seen == n {
				return pos + int64(i) + 1, nil
			}
		}
	}
	return 0, nil
}

// Follow streams data appended to path into w until ctx is done. Truncation
// or rotation restarts reading from the beginning of the new file.
func Follow(ctx context.Context, path string, w io.Writer) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()
	// Watch the directory so rotation (rename + create) is observed.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	var offset int64
	if fi, err := os.Stat(path); err == nil {
		offset = fi.Size()
	}
	drain := func() error {
		n, err := copyFrom(path, offset, w)
		if err != nil {
			return err
		}
		offset = n
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
			if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				offset = 0
				continue
			}
			if err := drain(); err != nil {
				return err
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return err
		}
	}
}

// copyFrom copies path from offset to w and returns the new offset.
func copyFrom(path string, offset int64, w io.Writer) (int64, error) {
	// #nosec G304
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return offset, err
	}
	defer func() { _ = f.Close() }()
	fi, err := f.Stat()
	if err != nil {
		return offset, err
	}
	if fi.Size() < offset {
		offset = 0 // truncated
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return offset, err
	}
	n, err := io.Copy(w, f)
	return offset + n, err
}
