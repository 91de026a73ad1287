// Package lifecycle owns the single local store handle of the process. It
// makes sure at most one creation runs at a time, recovers a corrupt or
// unresponsive store by deleting it (a bounded number of times) and
// degrades to an inert fallback handle when recovery is exhausted.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/kosmoi/internal/schema"
	"github.com/kalambet/kosmoi/internal/storage"
)

var (
	// ErrStorageCorruption marks a creation that failed on an inconsistent store.
	ErrStorageCorruption = errors.New("storage corruption")
	// ErrInitTimeout marks a creation that did not finish within CreateTimeout.
	ErrInitTimeout = errors.New("store initialization timed out")
	// ErrRecoveryExhausted is the cause carried by the fallback handle.
	ErrRecoveryExhausted = errors.New("store recovery exhausted")
)

const (
	DefaultCreateTimeout = 15 * time.Second
	DefaultDeleteTimeout = 3 * time.Second
	DefaultMaxRecoveries = 3
)

// CreateFunc creates (or opens) the physical store. attempt is 0 for the
// first try and grows by one after each recovery.
type CreateFunc func(ctx context.Context, attempt int) storage.Outcome

// Options configure a Manager. Name, Create and Adapter are required.
type Options struct {
	Name          string
	Create        CreateFunc
	Adapter       storage.PersistentAdapter
	Provisioner   *Provisioner
	CreateTimeout time.Duration
	DeleteTimeout time.Duration
	MaxRecoveries int
	// OnReady runs after a real handle is published, outside the manager lock.
	OnReady func(storage.Handle)
	Logger  *slog.Logger
}

// State is the manager's position in its lifecycle.
type State int

const (
	StateIdle State = iota
	StateInitializing
	StateRecovering
	StateLive
	StateFallback
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateRecovering:
		return "recovering"
	case StateLive:
		return "live"
	case StateFallback:
		return "fallback"
	default:
		return "unknown"
	}
}

// Status is a snapshot returned by Manager.State.
type Status struct {
	State      State
	Recoveries int
	Cause      error
}

type call struct {
	done   chan struct{}
	handle storage.Handle
	err    error
}

// Manager hands out the one live store handle.
type Manager struct {
	opts   Options
	logger *slog.Logger

	mu           sync.Mutex
	live         storage.Handle
	pending      *call
	initializing bool
	recovering   bool
	recoveries   int
	cause        error
}

func New(opts Options) *Manager {
	if opts.CreateTimeout <= 0 {
		opts.CreateTimeout = DefaultCreateTimeout
	}
	if opts.DeleteTimeout <= 0 {
		opts.DeleteTimeout = DefaultDeleteTimeout
	}
	if opts.MaxRecoveries <= 0 {
		opts.MaxRecoveries = DefaultMaxRecoveries
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Provisioner == nil {
		opts.Provisioner = NewProvisioner(schema.Default(), logger)
	}
	return &Manager{opts: opts, logger: logger.With("component", "lifecycle", "store", opts.Name)}
}

// Name returns the physical store name the manager owns.
func (m *Manager) Name() string { return m.opts.Name }

// Get returns the live handle, joining an in-flight creation when there is
// one and starting a creation otherwise. Once recovery is exhausted it keeps
// returning the fallback handle (with a nil error) until Destroy. Canceling
// ctx stops the wait, not the creation.
func (m *Manager) Get(ctx context.Context) (storage.Handle, error) {
	return m.join(ctx, func(ctx context.Context) (storage.Handle, error) {
		return m.acquire(ctx, 0)
	}, true)
}

// Recover discards the live handle and runs recovery as if attempt retry had
// just failed. Callers that hit corruption after the handle was published
// use it to rebuild the store.
func (m *Manager) Recover(ctx context.Context, retry int) (storage.Handle, error) {
	return m.join(ctx, func(ctx context.Context) (storage.Handle, error) {
		m.mu.Lock()
		h := m.live
		m.live = nil
		m.mu.Unlock()
		if h != nil && !h.Fallback() && !h.Destroyed() {
			if err := h.Destroy(ctx); err != nil {
				m.logger.Warn("closing handle before recovery", "error", err)
			}
		}
		return m.recoverFrom(ctx, retry, ErrStorageCorruption)
	}, false)
}

func (m *Manager) join(ctx context.Context, fn func(context.Context) (storage.Handle, error), fast bool) (storage.Handle, error) {
	m.mu.Lock()
	if fast && m.live != nil && !m.recovering && !m.live.Destroyed() {
		h := m.live
		m.mu.Unlock()
		return h, nil
	}
	c := m.pending
	if c == nil {
		c = &call{done: make(chan struct{})}
		m.pending = c
		m.initializing = true
		go m.run(context.WithoutCancel(ctx), c, fn)
	}
	m.mu.Unlock()

	select {
	case <-c.done:
		return c.handle, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) run(ctx context.Context, c *call, fn func(context.Context) (storage.Handle, error)) {
	defer func() {
		if r := recover(); r != nil {
			c.handle = nil
			c.err = fmt.Errorf("store initialization panicked: %v", r)
			m.logger.Error("store initialization panicked", "panic", r)
		}
		m.mu.Lock()
		m.initializing = false
		m.recovering = false
		if m.pending == c {
			m.pending = nil
		}
		m.mu.Unlock()
		close(c.done)
	}()
	c.handle, c.err = fn(ctx)
}

// acquire runs create, provision and, on corruption or timeout, recovery
// until it yields a handle, the fallback or an unclassified error.
func (m *Manager) acquire(ctx context.Context, retry int) (storage.Handle, error) {
	for {
		cause, err := m.attempt(ctx, retry)
		if err != nil {
			return nil, err
		}
		if cause == nil {
			m.mu.Lock()
			h := m.live
			m.mu.Unlock()
			return h, nil
		}
		if retry >= m.opts.MaxRecoveries {
			return m.degrade(cause), nil
		}
		m.recoverStore(ctx, retry, cause)
		retry++
	}
}

func (m *Manager) recoverFrom(ctx context.Context, retry int, cause error) (storage.Handle, error) {
	if retry >= m.opts.MaxRecoveries {
		return m.degrade(cause), nil
	}
	m.recoverStore(ctx, retry, cause)
	return m.acquire(ctx, retry+1)
}

// attempt performs one creation. A non-nil cause means the attempt failed
// in a recoverable way; a non-nil error means it must not be retried.
func (m *Manager) attempt(ctx context.Context, retry int) (cause error, err error) {
	out := m.create(ctx, retry)
	creationsTotal.WithLabelValues(out.Kind.String()).Inc()

	switch out.Kind {
	case storage.OutcomeOK:
		h := out.Handle
		if err := m.opts.Provisioner.Ensure(ctx, h); err != nil {
			if derr := h.Destroy(ctx); derr != nil {
				m.logger.Warn("closing unprovisioned handle", "error", derr)
			}
			if storage.Classify(err) == storage.OutcomeCorruption {
				return fmt.Errorf("%w: %w", ErrStorageCorruption, err), nil
			}
			return nil, fmt.Errorf("provisioning collections: %w", err)
		}
		m.publish(h)
		return nil, nil
	case storage.OutcomeCorruption:
		return fmt.Errorf("%w: %w", ErrStorageCorruption, out.Err), nil
	case storage.OutcomeTimeout:
		return fmt.Errorf("%w: %w", ErrInitTimeout, out.Err), nil
	default:
		return nil, fmt.Errorf("creating store: %w", out.Err)
	}
}

// create races the creation against CreateTimeout. A creation that loses the
// race keeps running and is handled by adoptLate.
func (m *Manager) create(ctx context.Context, retry int) storage.Outcome {
	result := make(chan storage.Outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- storage.Outcome{Kind: storage.OutcomeOther, Err: fmt.Errorf("store creation panicked: %v", r)}
			}
		}()
		result <- m.opts.Create(ctx, retry)
	}()

	timer := time.NewTimer(m.opts.CreateTimeout)
	defer timer.Stop()

	select {
	case out := <-result:
		return out
	case <-timer.C:
		m.logger.Warn("store creation timed out", "attempt", retry, "timeout", m.opts.CreateTimeout)
		go m.adoptLate(ctx, result)
		return storage.Outcome{Kind: storage.OutcomeTimeout, Err: fmt.Errorf("no result after %s", m.opts.CreateTimeout)}
	}
}

// adoptLate waits for a creation that timed out. Its handle becomes the live
// one only when nothing else is live or being created; otherwise it is closed.
func (m *Manager) adoptLate(ctx context.Context, result <-chan storage.Outcome) {
	out := <-result
	if out.Kind != storage.OutcomeOK || out.Handle == nil {
		return
	}
	h := out.Handle

	if m.canAdopt() {
		if err := m.opts.Provisioner.Ensure(ctx, h); err == nil && m.canAdopt() {
			m.logger.Info("adopting late store creation")
			m.publish(h)
			return
		}
	}
	if err := h.Destroy(ctx); err != nil {
		m.logger.Warn("closing late store creation", "error", err)
	}
}

func (m *Manager) canAdopt() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live == nil && m.pending == nil
}

func (m *Manager) publish(h storage.Handle) {
	m.mu.Lock()
	m.live = h
	m.cause = nil
	m.mu.Unlock()
	m.logger.Info("store ready", "handle", h.ID())
	if m.opts.OnReady != nil {
		m.opts.OnReady(h)
	}
}

// recoverStore deletes the physical store and stops background workers. The
// deletion is awaited for at most DeleteTimeout.
func (m *Manager) recoverStore(ctx context.Context, retry int, cause error) {
	m.mu.Lock()
	m.recovering = true
	m.recoveries++
	m.cause = cause
	m.mu.Unlock()
	recoveriesTotal.Inc()

	m.logger.Warn("recovering local store", "attempt", retry+1, "max", m.opts.MaxRecoveries, "cause", cause)

	deleted := make(chan error, 1)
	go func() { deleted <- m.opts.Adapter.DestroyNamed(ctx, m.opts.Name) }()

	if err := m.opts.Adapter.UnregisterBackgroundWorkers(ctx); err != nil {
		m.logger.Warn("unregistering background workers", "error", err)
	}

	timer := time.NewTimer(m.opts.DeleteTimeout)
	defer timer.Stop()
	select {
	case err := <-deleted:
		if err != nil {
			m.logger.Warn("deleting store", "error", err)
		}
	case <-timer.C:
		m.logger.Warn("store deletion not acknowledged, continuing", "timeout", m.opts.DeleteTimeout)
	}

	m.mu.Lock()
	m.recovering = false
	m.mu.Unlock()
}

func (m *Manager) degrade(cause error) storage.Handle {
	fallbacksTotal.Inc()
	err := fmt.Errorf("%w after %d attempts: %w", ErrRecoveryExhausted, m.opts.MaxRecoveries, cause)
	fb := NewFallback(m.opts.Name, m.opts.Provisioner.Registry(), err)

	m.mu.Lock()
	m.live = fb
	m.cause = err
	m.mu.Unlock()

	m.logger.Error("local store unavailable, using fallback", "error", err)
	return fb
}

// Destroy waits for any in-flight creation, stops background workers,
// closes the live handle and removes the physical store. The next Get starts
// from scratch.
func (m *Manager) Destroy(ctx context.Context) error {
	m.mu.Lock()
	c := m.pending
	m.mu.Unlock()
	if c != nil {
		select {
		case <-c.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := m.opts.Adapter.UnregisterBackgroundWorkers(ctx); err != nil {
		m.logger.Warn("unregistering background workers", "error", err)
	}

	m.mu.Lock()
	h := m.live
	m.live = nil
	m.recoveries = 0
	m.cause = nil
	m.mu.Unlock()

	if h != nil && !h.Destroyed() {
		if err := h.Destroy(ctx); err != nil {
			return fmt.Errorf("closing store: %w", err)
		}
	}
	if err := m.opts.Adapter.DestroyNamed(ctx, m.opts.Name); err != nil {
		return fmt.Errorf("removing store: %w", err)
	}
	m.logger.Info("store destroyed")
	return nil
}

// Close releases the live handle on shutdown. The physical store is kept.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	c := m.pending
	m.mu.Unlock()
	if c != nil {
		select {
		case <-c.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mu.Lock()
	h := m.live
	m.live = nil
	m.mu.Unlock()

	if h == nil || h.Destroyed() || h.Fallback() {
		return nil
	}
	return h.Destroy(ctx)
}

// State reports where the manager currently is.
func (m *Manager) State() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{Recoveries: m.recoveries, Cause: m.cause}
	switch {
	case m.recovering:
		st.State = StateRecovering
	case m.initializing:
		st.State = StateInitializing
	case m.live == nil || m.live.Destroyed():
		st.State = StateIdle
	case m.live.Fallback():
		st.State = StateFallback
	default:
		st.State = StateLive
	}
	return st
}
