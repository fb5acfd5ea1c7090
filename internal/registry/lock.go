package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Lock takes the exclusive lock of name and returns its release function.
// Within a process the lock is a mutex; across processes it is an advisory
// file lock on <dir>/.<name>.lock where the platform supports it. Distinct
// names never contend.
func (r *Registry) Lock(name string) (func(), error) {
	mu := r.mutex(name)
	mu.Lock()
	f, err := os.OpenFile(filepath.Join(r.dir, "."+name+".lock"), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("lock %s: %w", name, err)
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		mu.Unlock()
		return nil, fmt.Errorf("lock %s: %w", name, err)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			_ = unlockFile(f)
			_ = f.Close()
			mu.Unlock()
		})
	}, nil
}

func (r *Registry) mutex(name string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	mu, ok := r.locks[name]
	if !ok {
		mu = &sync.Mutex{}
		r.locks[name] = mu
	}
	return mu
}
