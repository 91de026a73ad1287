package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// PersistentAdapter is the environment-level capability set the lifecycle
// manager and the shell drive: physical store removal, enumeration of
// stores, background worker shutdown and local state wipes.
type PersistentAdapter interface {
	DestroyNamed(ctx context.Context, name string) error
	ListDatabases(ctx context.Context) ([]string, error)
	UnregisterBackgroundWorkers(ctx context.Context) error
	ClearAllEphemeralState(keep ...string) error
}

// WorkerRegistry is anything that owns background workers bound to a store.
type WorkerRegistry interface {
	StopAll(ctx context.Context) error
}

// FSAdapter implements PersistentAdapter on top of a data directory.
type FSAdapter struct {
	dir   string
	state *LocalState

	mu      sync.Mutex
	workers []WorkerRegistry
}

var _ PersistentAdapter = (*FSAdapter)(nil)

// NewFSAdapter returns an adapter for stores under dir. state may be nil.
func NewFSAdapter(dir string, state *LocalState) *FSAdapter {
	return &FSAdapter{dir: dir, state: state}
}

// SetWorkers registers worker owners stopped by UnregisterBackgroundWorkers.
func (a *FSAdapter) SetWorkers(w ...WorkerRegistry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.workers = append(a.workers[:0], w...)
}

// DestroyNamed removes the store file and its sidecars. A missing store is
// not an error.
func (a *FSAdapter) DestroyNamed(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if a.dir == MemoryDir || a.dir == "" {
		return nil
	}
	base := Path(a.dir, name)
	var errs []error
	for _, suffix := range []string{"", "-wal", "-shm", "-journal"} {
		if err := os.Remove(base + suffix); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("removing store %s: %w", name, err)
	}
	return nil
}

// ListDatabases returns the names of the stores present in the data directory.
func (a *FSAdapter) ListDatabases(_ context.Context) ([]string, error) {
	if a.dir == MemoryDir || a.dir == "" {
		return nil, nil
	}
	matches, err := filepath.Glob(filepath.Join(a.dir, "*.db"))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, strings.TrimSuffix(filepath.Base(m), ".db"))
	}
	sort.Strings(names)
	return names, nil
}

func (a *FSAdapter) UnregisterBackgroundWorkers(ctx context.Context) error {
	a.mu.Lock()
	workers := append([]WorkerRegistry(nil), a.workers...)
	a.mu.Unlock()

	var errs []error
	for _, w := range workers {
		if err := w.StopAll(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *FSAdapter) ClearAllEphemeralState(keep ...string) error {
	if a.state == nil {
		return nil
	}
	return a.state.Clear(keep...)
}
