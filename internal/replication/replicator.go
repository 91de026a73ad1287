package replication

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

const (
	DefaultBatchSize    = 100
	DefaultRetryBackoff = 5 * time.Second
	DefaultPollInterval = 30 * time.Second
)

// Options tune a Replicator. Zero values select the defaults.
type Options struct {
	BatchSize    int
	RetryBackoff time.Duration
	PollInterval time.Duration
	Logger       *slog.Logger
	// OnCorrupt is told when a loop of Workers finds its local store
	// corrupt. The loop exits after the call.
	OnCorrupt func(h storage.Handle, err error)
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = DefaultRetryBackoff
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Status describes one replicator.
type Status struct {
	Collection string    `json:"collection"`
	Table      string    `json:"table"`
	Running    bool      `json:"running"`
	Checkpoint string    `json:"checkpoint,omitempty"`
	LastPull   time.Time `json:"last_pull"`
	LastPush   time.Time `json:"last_push"`
	Pulled     int       `json:"pulled"`
	Pushed     int       `json:"pushed"`
	LastError  string    `json:"last_error,omitempty"`
}

// Replicator runs the pull-then-push cycle for one collection.
type Replicator struct {
	local   Local
	remote  Remote
	opts    Options
	logger  *slog.Logger
	trigger chan struct{}
	// corrupt is called before Run exits on local corruption.
	corrupt func(error)

	cycleMu sync.Mutex

	mu     sync.Mutex
	status Status
}

func NewReplicator(local Local, remote Remote, opts Options) *Replicator {
	opts = opts.withDefaults()
	return &Replicator{
		local:   local,
		remote:  remote,
		opts:    opts,
		logger:  opts.Logger.With("collection", local.Name(), "table", remote.Table()),
		trigger: make(chan struct{}, 1),
		status:  Status{Collection: local.Name(), Table: remote.Table()},
	}
}

// Run replicates until ctx is cancelled or the local store turns out to be
// corrupt. A failed cycle is retried after RetryBackoff; a successful one
// waits for a local write, a Trigger or the poll interval.
func (r *Replicator) Run(ctx context.Context) {
	r.setRunning(true)
	defer r.setRunning(false)

	for {
		if ctx.Err() != nil {
			return
		}

		if err := r.SyncOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			if storage.Classify(err) == storage.OutcomeCorruption {
				r.logger.Error("local store corrupt, stopping replication", "error", err)
				if r.corrupt != nil {
					r.corrupt(err)
				}
				return
			}
			r.logger.Warn("replication cycle failed", "error", err, "retry_in", r.opts.RetryBackoff)
			timer := time.NewTimer(r.opts.RetryBackoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			continue
		}

		timer := time.NewTimer(r.opts.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-r.local.Changes():
		case <-r.trigger:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// Trigger requests a cycle without waiting for the poll interval.
func (r *Replicator) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// SyncOnce runs one pull and one push. Cycles of the same replicator never
// overlap.
func (r *Replicator) SyncOnce(ctx context.Context) error {
	r.cycleMu.Lock()
	defer r.cycleMu.Unlock()

	if err := r.pull(ctx); err != nil {
		errorsTotal.WithLabelValues(r.local.Name(), "pull").Inc()
		r.setError(err)
		return err
	}
	if err := r.push(ctx); err != nil {
		errorsTotal.WithLabelValues(r.local.Name(), "push").Inc()
		r.setError(err)
		return err
	}
	r.setError(nil)
	return nil
}

// pull applies batches until the remote returns a short one. The checkpoint
// moves only after a batch has been applied. A full batch that does not move
// the cursor (rows without a sync timestamp) ends the pull, since asking
// again would return the same rows.
func (r *Replicator) pull(ctx context.Context) error {
	table := r.remote.Table()
	cursor, err := r.local.Checkpoint(ctx, table)
	if err != nil {
		return fmt.Errorf("reading checkpoint: %w", err)
	}

	for {
		batch, err := Pull(ctx, r.remote, Checkpoint{UpdatedAt: cursor}, r.opts.BatchSize)
		if err != nil {
			return err
		}
		if len(batch.Documents) == 0 {
			break
		}
		if err := r.local.ApplyPulled(ctx, batch.Documents); err != nil {
			return fmt.Errorf("applying pulled batch: %w", err)
		}
		next := batch.Checkpoint.UpdatedAt
		advanced := next != cursor && (cursor == "" || storage.CompareTimestamps(next, cursor) > 0)
		if advanced {
			if err := r.local.SetCheckpoint(ctx, table, next); err != nil {
				return fmt.Errorf("saving checkpoint: %w", err)
			}
			cursor = next
		}

		pulledTotal.WithLabelValues(r.local.Name()).Add(float64(len(batch.Documents)))
		r.mu.Lock()
		r.status.Pulled += len(batch.Documents)
		r.mu.Unlock()

		if len(batch.Documents) < r.opts.BatchSize {
			break
		}
		if !advanced {
			r.logger.Warn("pull cursor did not advance past a full batch, stopping pull", "cursor", cursor, "batch", len(batch.Documents))
			break
		}
	}

	r.mu.Lock()
	r.status.LastPull = time.Now().UTC()
	r.status.Checkpoint = cursor
	r.mu.Unlock()
	return nil
}

// push sends queued changes, newest version per document, and acknowledges
// them once the remote accepted the whole batch.
func (r *Replicator) push(ctx context.Context) error {
	for {
		changes, err := r.local.PendingChanges(ctx, r.opts.BatchSize)
		if err != nil {
			return fmt.Errorf("reading pending changes: %w", err)
		}
		if len(changes) == 0 {
			break
		}

		docs, upTo := latestPerDocument(changes)
		conflicts, err := Push(ctx, r.remote, docs)
		if err != nil {
			return err
		}
		for _, c := range conflicts {
			r.logger.Warn("remote rejected document", "id", c.ID(), "error", ErrConflict)
		}
		if err := r.local.AckChanges(ctx, upTo); err != nil {
			return fmt.Errorf("acknowledging pushed changes: %w", err)
		}

		pushedTotal.WithLabelValues(r.local.Name()).Add(float64(len(docs)))
		r.mu.Lock()
		r.status.Pushed += len(docs)
		r.status.LastPush = time.Now().UTC()
		r.mu.Unlock()

		if len(changes) < r.opts.BatchSize {
			break
		}
	}
	return nil
}

func latestPerDocument(changes []storage.Change) ([]schema.Document, int64) {
	var upTo int64
	last := make(map[string]int, len(changes))
	for i, c := range changes {
		last[c.DocID] = i
		if c.Seq > upTo {
			upTo = c.Seq
		}
	}
	docs := make([]schema.Document, 0, len(last))
	for i, c := range changes {
		if last[c.DocID] == i {
			docs = append(docs, c.Doc)
		}
	}
	return docs, upTo
}

// ResetCheckpoint rewinds the cursor so the next cycle pulls everything.
func (r *Replicator) ResetCheckpoint(ctx context.Context) error {
	rs, ok := r.local.(interface {
		ResetCheckpoint(ctx context.Context, table string) error
	})
	if !ok {
		return errors.New("local collection cannot reset checkpoints")
	}
	r.cycleMu.Lock()
	defer r.cycleMu.Unlock()
	if err := rs.ResetCheckpoint(ctx, r.remote.Table()); err != nil {
		return err
	}
	r.mu.Lock()
	r.status.Checkpoint = ""
	r.mu.Unlock()
	return nil
}

func (r *Replicator) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Replicator) setRunning(v bool) {
	r.mu.Lock()
	r.status.Running = v
	r.mu.Unlock()
}

func (r *Replicator) setError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		r.status.LastError = ""
		return
	}
	r.status.LastError = err.Error()
}
