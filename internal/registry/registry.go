// Package registry persists the identity of every launched service as one
// pid file per service, so a later invocation can find, probe and stop it.
//
// File format: the first line is the process identifier (pid or container
// id), the second line is JSON metadata. Files are replaced atomically via
// a temp file and rename.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/loykin/stackvisor/internal/host"
	"github.com/loykin/stackvisor/internal/service"
)

const pidExt = ".pid"

type meta struct {
	Kind       service.Kind  `json:"host"`
	StartUnix  int64         `json:"start_unix,omitempty"`
	LaunchedAt jsonTime      `json:"launched_at"`
	State      service.State `json:"state"`
}

// Registry is a directory of pid files.
type Registry struct {
	dir   string
	hosts host.Set

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New returns a Registry rooted at dir, creating it when missing.
func New(dir string, hosts host.Set) (*Registry, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: registry dir is empty", service.ErrInvalidConfig)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}
	return &Registry{dir: dir, hosts: hosts, locks: make(map[string]*sync.Mutex)}, nil
}

// Path returns the pid file path of name.
func (r *Registry) Path(name string) string { return filepath.Join(r.dir, name+pidExt) }

// Record writes rec, replacing any previous record of the same name.
func (r *Registry) Record(rec service.Record) error {
	if rec.Name == "" || strings.ContainsAny(rec.Name, `/\`) {
		return fmt.Errorf("%w: invalid record name %q", service.ErrInvalidConfig, rec.Name)
	}
	if strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("record %s: empty identifier", rec.Name)
	}
	m, err := json.Marshal(meta{Kind: rec.Kind, StartUnix: rec.StartUnix, LaunchedAt: jsonTime(rec.LaunchedAt), State: rec.State})
	if err != nil {
		return err
	}
	data := rec.ID + "\n" + string(m) + "\n"
	return writeAtomic(r.Path(rec.Name), []byte(data))
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

// Lookup returns the record of name. A missing file reports found=false.
// An unreadable or malformed file is removed and reported as
// ErrRegistryCorruption; callers treat that service as absent.
func (r *Registry) Lookup(name string) (service.Record, bool, error) {
	path := r.Path(name)
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return service.Record{}, false, nil
		}
		_ = os.Remove(path)
		return service.Record{}, false, fmt.Errorf("%w: %s: %v", service.ErrRegistryCorruption, name, err)
	}
	rec, err := parse(name, b)
	if err != nil {
		_ = os.Remove(path)
		return service.Record{}, false, fmt.Errorf("%w: %s: %v", service.ErrRegistryCorruption, name, err)
	}
	return rec, true, nil
}

func parse(name string, b []byte) (service.Record, error) {
	idLine, rest, _ := strings.Cut(strings.ReplaceAll(string(b), "\r\n", "\n"), "\n")
	id := strings.TrimSpace(idLine)
	if id == "" {
		return service.Record{}, errors.New("empty identifier")
	}
	rec := service.Record{Name: name, ID: id, Kind: service.KindNative, State: service.StateRunning}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		// bare pid file written by an older supervisor or a shell script
		if _, err := host.ParsePID(id); err != nil {
			return service.Record{}, err
		}
		return rec, nil
	}
	var m meta
	if err := json.Unmarshal([]byte(rest), &m); err != nil {
		return service.Record{}, fmt.Errorf("metadata: %w", err)
	}
	if m.Kind != "" {
		rec.Kind = m.Kind
	}
	if rec.Kind == service.KindNative {
		if _, err := host.ParsePID(id); err != nil {
			return service.Record{}, err
		}
	}
	rec.StartUnix = m.StartUnix
	rec.LaunchedAt = m.LaunchedAt.Time()
	if m.State != "" {
		rec.State = m.State
	}
	return rec, nil
}

// SetState updates the state of the record of name under its lock. It is a
// no-op when no record exists or, with a non-empty id, when the record now
// belongs to another instance.
func (r *Registry) SetState(name, id string, state service.State) error {
	unlock, err := r.Lock(name)
	if err != nil {
		return err
	}
	defer unlock()
	rec, ok, err := r.Lookup(name)
	if err != nil || !ok {
		return err
	}
	if id != "" && rec.ID != id {
		return nil
	}
	rec.State = state
	return r.Record(rec)
}

// Remove deletes the record of name. Removing a missing record is not an error.
func (r *Registry) Remove(name string) error {
	if err := os.Remove(r.Path(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// List returns every readable record sorted by name. Corrupt files are
// removed and skipped.
func (r *Registry) List() ([]service.Record, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() || strings.HasPrefix(n, ".") || !strings.HasSuffix(n, pidExt) {
			continue
		}
		names = append(names, strings.TrimSuffix(n, pidExt))
	}
	sort.Strings(names)
	out := make([]service.Record, 0, len(names))
	for _, n := range names {
		rec, ok, err := r.Lookup(n)
		if err != nil || !ok {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// IsAlive reports whether the process behind rec is still running. Any
// failure to resolve the host counts as dead.
func (r *Registry) IsAlive(ctx context.Context, rec service.Record) bool {
	h, err := r.hosts.For(rec.Kind)
	if err != nil {
		return false
	}
	return h.Alive(ctx, rec.ID, rec.StartUnix)
}
