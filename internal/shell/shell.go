// Package shell turns the store's possibly slow or failing initialization
// into three operating modes: Loading, Ready and DegradedOffline.
package shell

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/kosmoi/internal/storage"
)

// ErrWaitTimeout is reported when the store is not ready within WaitTimeout.
var ErrWaitTimeout = errors.New("local store not ready in time")

const (
	DefaultWaitTimeout  = 45 * time.Second
	DefaultFamilyPrefix = "kosmoidb"
	// RecoveryCounterKey survives hard resets; it counts resets since the
	// store was last Ready.
	RecoveryCounterKey = "kosmoi_recovery_count"
)

// Mode is the operating mode seen by the rest of the application.
type Mode int

const (
	Loading Mode = iota
	Ready
	DegradedOffline
)

func (m Mode) String() string {
	switch m {
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case DegradedOffline:
		return "degraded_offline"
	default:
		return "unknown"
	}
}

// Acquirer is the lifecycle manager as seen by the shell.
type Acquirer interface {
	Get(ctx context.Context) (storage.Handle, error)
	Recover(ctx context.Context, retry int) (storage.Handle, error)
	Destroy(ctx context.Context) error
	Name() string
}

// Options configure a Shell.
type Options struct {
	WaitTimeout time.Duration
	// LegacyNames are earlier names of the store removed by HardReset.
	LegacyNames []string
	// FamilyPrefix selects further stores removed by HardReset.
	FamilyPrefix string
	State        *storage.LocalState
	Logger       *slog.Logger
}

// View is what a caller waiting for the store gets back.
type View struct {
	Mode Mode
	// Proceed reports whether the caller may go on: always for public routes
	// and Ready, and in DegradedOffline once ContinueAnyway was chosen.
	Proceed bool
	// Handle may be nil or a fallback handle outside Ready.
	Handle     storage.Handle
	Err        error
	ResetCount int
}

type boot struct {
	start  time.Time
	done   chan struct{}
	handle storage.Handle
	err    error
}

// Shell boots the lifecycle manager once and applies the wait policy.
type Shell struct {
	mgr     Acquirer
	adapter storage.PersistentAdapter
	opts    Options
	logger  *slog.Logger

	mu        sync.Mutex
	boot      *boot
	continued bool

	resetMu sync.Mutex
}

func New(mgr Acquirer, adapter storage.PersistentAdapter, opts Options) *Shell {
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = DefaultWaitTimeout
	}
	if opts.FamilyPrefix == "" {
		opts.FamilyPrefix = DefaultFamilyPrefix
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Shell{mgr: mgr, adapter: adapter, opts: opts, logger: logger.With("component", "shell")}
}

// Boot starts acquiring the store. Only the first call per boot does work.
func (s *Shell) Boot(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.boot != nil {
		return
	}
	s.startLocked(ctx, s.mgr.Get)
}

// RecoverCorrupt rebuilds the store after stale reported corruption at
// runtime. It returns at once; callers then wait through Await as during
// boot. Reports about a handle that is no longer current are ignored, so
// concurrent reports trigger one recovery.
func (s *Shell) RecoverCorrupt(ctx context.Context, stale storage.Handle, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.boot
	if b == nil || stale == nil {
		return
	}
	select {
	case <-b.done:
	default:
		return
	}
	if b.handle == nil || b.handle.Fallback() || b.handle.ID() != stale.ID() {
		return
	}
	s.logger.Warn("local store corrupt at runtime, rebuilding", "error", cause)
	s.startLocked(ctx, func(ctx context.Context) (storage.Handle, error) {
		return s.mgr.Recover(ctx, 0)
	})
}

// startLocked begins a new boot running acquire. s.mu must be held.
func (s *Shell) startLocked(ctx context.Context, acquire func(context.Context) (storage.Handle, error)) {
	b := &boot{start: time.Now(), done: make(chan struct{})}
	s.boot = b

	go func() {
		h, err := acquire(context.WithoutCancel(ctx))
		b.handle, b.err = h, err
		close(b.done)

		switch {
		case err != nil:
			s.logger.Error("local store failed to initialize", "error", err)
		case h.Fallback():
			s.logger.Warn("local store running on fallback")
		default:
			s.logger.Info("local store ready", "took", time.Since(b.start).Round(time.Millisecond))
			if s.opts.State != nil && s.opts.State.Int(RecoveryCounterKey) != 0 {
				if err := s.opts.State.Delete(RecoveryCounterKey); err != nil {
					s.logger.Warn("clearing recovery counter", "error", err)
				}
			}
		}
	}()
}

// Await waits for the store on behalf of route. Public routes never wait.
func (s *Shell) Await(ctx context.Context, route string) View {
	if IsPublic(route) {
		v := s.Current()
		v.Proceed = true
		return v
	}

	s.Boot(ctx)
	s.mu.Lock()
	b := s.boot
	s.mu.Unlock()

	remaining := time.Until(b.start.Add(s.opts.WaitTimeout))
	if remaining < 0 {
		remaining = 0
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()

	select {
	case <-b.done:
	case <-timer.C:
	case <-ctx.Done():
		return View{Mode: Loading, Err: ctx.Err(), ResetCount: s.resetCount()}
	}
	return s.Current()
}

// Current reports the mode without waiting.
func (s *Shell) Current() View {
	s.mu.Lock()
	b := s.boot
	continued := s.continued
	s.mu.Unlock()

	v := View{Mode: Loading, ResetCount: s.resetCount()}
	if b == nil {
		return v
	}

	select {
	case <-b.done:
	default:
		if time.Since(b.start) < s.opts.WaitTimeout {
			return v
		}
		v.Mode = DegradedOffline
		v.Err = fmt.Errorf("%w after %s", ErrWaitTimeout, s.opts.WaitTimeout)
		v.Proceed = continued
		return v
	}

	v.Handle = b.handle
	switch {
	case b.err != nil:
		v.Mode = DegradedOffline
		v.Err = b.err
	case b.handle.Fallback():
		v.Mode = DegradedOffline
		v.Err = fallbackCause(b.handle)
	default:
		v.Mode = Ready
		v.Proceed = true
		return v
	}
	v.Proceed = continued
	return v
}

func fallbackCause(h storage.Handle) error {
	if c, ok := h.(interface{ Cause() error }); ok && c.Cause() != nil {
		return c.Cause()
	}
	return errors.New("local store unavailable")
}

// ContinueAnyway lets non-public routes proceed while degraded. Callers
// must cope with a nil or fallback handle.
func (s *Shell) ContinueAnyway() {
	s.mu.Lock()
	s.continued = true
	s.mu.Unlock()
	s.logger.Info("continuing without a ready local store")
}

// HardReset destroys the store and every store of its family, stops
// background workers, wipes local state except the recovery counter,
// increments that counter and boots again. Resets never overlap.
func (s *Shell) HardReset(ctx context.Context) (int, error) {
	s.resetMu.Lock()
	defer s.resetMu.Unlock()

	s.logger.Warn("hard reset requested")
	var errs []error

	if err := s.mgr.Destroy(ctx); err != nil {
		errs = append(errs, fmt.Errorf("destroying store: %w", err))
	}

	listed, err := s.adapter.ListDatabases(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("listing stores: %w", err))
	}
	for _, name := range s.family(listed) {
		if err := s.adapter.DestroyNamed(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("deleting %s: %w", name, err))
		}
	}

	if err := s.adapter.UnregisterBackgroundWorkers(ctx); err != nil {
		errs = append(errs, fmt.Errorf("unregistering workers: %w", err))
	}
	if err := s.adapter.ClearAllEphemeralState(RecoveryCounterKey); err != nil {
		errs = append(errs, fmt.Errorf("clearing local state: %w", err))
	}

	count := 0
	if s.opts.State != nil {
		n, err := s.opts.State.Incr(RecoveryCounterKey)
		if err != nil {
			errs = append(errs, fmt.Errorf("recording reset: %w", err))
		}
		count = n
	}

	s.mu.Lock()
	s.boot = nil
	s.continued = false
	s.mu.Unlock()
	s.Boot(ctx)

	if err := errors.Join(errs...); err != nil {
		s.logger.Error("hard reset finished with errors", "error", err, "resets", count)
		return count, err
	}
	s.logger.Info("hard reset complete", "resets", count)
	return count, nil
}

// family returns the current store name, the legacy names and every listed
// store sharing the family prefix, deduplicated and sorted.
func (s *Shell) family(listed []string) []string {
	seen := map[string]bool{s.mgr.Name(): true}
	for _, n := range s.opts.LegacyNames {
		seen[n] = true
	}
	for _, n := range listed {
		if strings.HasPrefix(n, s.opts.FamilyPrefix) {
			seen[n] = true
		}
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (s *Shell) resetCount() int {
	if s.opts.State == nil {
		return 0
	}
	return s.opts.State.Int(RecoveryCounterKey)
}
