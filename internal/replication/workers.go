package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/kosmoi/internal/schema"
	"github.com/kalambet/kosmoi/internal/storage"
)

// RemoteFactory returns the remote table a collection replicates with.
type RemoteFactory func(col schema.Collection) (Remote, error)

type worker struct {
	rep    *Replicator
	cancel context.CancelFunc
	done   chan struct{}
}

// Workers owns the replication loops of the live handle: one per collection.
// It is the background worker registry the persistent adapter stops during
// recovery and hard reset.
type Workers struct {
	remotes RemoteFactory
	opts    Options
	logger  *slog.Logger

	mu      sync.Mutex
	running map[string]*worker
}

var _ storage.WorkerRegistry = (*Workers)(nil)

func NewWorkers(remotes RemoteFactory, opts Options) *Workers {
	opts = opts.withDefaults()
	return &Workers{
		remotes: remotes,
		opts:    opts,
		logger:  opts.Logger.With("component", "replication"),
		running: make(map[string]*worker),
	}
}

// Start launches a loop for every collection of h. Collections that already
// have a loop are refused with ErrAlreadyRunning; the others still start.
// Fallback handles are ignored.
func (w *Workers) Start(ctx context.Context, h storage.Handle) error {
	if h == nil || h.Fallback() {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	var errs []error
	for _, name := range h.CollectionNames() {
		if _, ok := w.running[name]; ok {
			errs = append(errs, fmt.Errorf("%w: %s", ErrAlreadyRunning, name))
			continue
		}
		coll, ok := h.Collection(name)
		if !ok {
			continue
		}
		remote, err := w.remotes(coll.Schema())
		if err != nil {
			errs = append(errs, fmt.Errorf("remote for %s: %w", name, err))
			continue
		}

		rep := NewReplicator(coll, remote, w.opts)
		if w.opts.OnCorrupt != nil {
			rep.corrupt = func(err error) { w.opts.OnCorrupt(h, err) }
		}

		loopCtx, cancel := context.WithCancel(ctx)
		wk := &worker{
			rep:    rep,
			cancel: cancel,
			done:   make(chan struct{}),
		}
		w.running[name] = wk
		go func() {
			defer close(wk.done)
			wk.rep.Run(loopCtx)
		}()
		w.logger.Info("replication started", "collection", name, "table", remote.Table())
	}
	return errors.Join(errs...)
}

// StopAll cancels every loop and waits for them to exit or ctx to end.
func (w *Workers) StopAll(ctx context.Context) error {
	w.mu.Lock()
	workers := w.running
	w.running = make(map[string]*worker)
	w.mu.Unlock()

	for _, wk := range workers {
		wk.cancel()
	}
	for name, wk := range workers {
		select {
		case <-wk.done:
		case <-ctx.Done():
			return fmt.Errorf("stopping replication of %s: %w", name, ctx.Err())
		}
	}
	if len(workers) > 0 {
		w.logger.Info("replication stopped", "collections", len(workers))
	}
	return nil
}

// Trigger asks the loop of collection to run a cycle now. It reports whether
// such a loop exists.
func (w *Workers) Trigger(collection string) bool {
	w.mu.Lock()
	wk, ok := w.running[collection]
	w.mu.Unlock()
	if ok {
		wk.rep.Trigger()
	}
	return ok
}

// SyncOnce runs one cycle for every running collection, a few at a time.
func (w *Workers) SyncOnce(ctx context.Context) error {
	reps := w.replicators()
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, rep := range reps {
		rep := rep
		g.Go(func() error {
			if err := rep.SyncOnce(gCtx); err != nil {
				return fmt.Errorf("syncing %s: %w", rep.local.Name(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// ResetCheckpoint rewinds the cursor of collection.
func (w *Workers) ResetCheckpoint(ctx context.Context, collection string) error {
	w.mu.Lock()
	wk, ok := w.running[collection]
	w.mu.Unlock()
	if !ok {
		return fmt.Errorf("no replication for %q", collection)
	}
	if err := wk.rep.ResetCheckpoint(ctx); err != nil {
		return err
	}
	wk.rep.Trigger()
	return nil
}

// Status returns the state of every loop, sorted by collection.
func (w *Workers) Status() []Status {
	reps := w.replicators()
	out := make([]Status, 0, len(reps))
	for _, r := range reps {
		out = append(out, r.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Collection < out[j].Collection })
	return out
}

func (w *Workers) replicators() []*Replicator {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*Replicator, 0, len(w.running))
	for _, wk := range w.running {
		out = append(out, wk.rep)
	}
	return out
}
