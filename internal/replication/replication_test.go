package replication

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/kosmoi/internal/remote"
	"github.com/kalambet/kosmoi/internal/schema"
	"github.com/kalambet/kosmoi/internal/storage"
)

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	ctx := context.Background()
	s, err := storage.Open(ctx, storage.Options{Dir: storage.MemoryDir, Name: "kosmoidb_v6", Validator: schema.Default()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Destroy(ctx) })
	if err := s.AddCollections(ctx, schema.Default().All()); err != nil {
		t.Fatalf("AddCollections: %v", err)
	}
	return s
}

func collection(t *testing.T, s *storage.Store, name string) storage.Collection {
	t.Helper()
	c, ok := s.Collection(name)
	if !ok {
		t.Fatalf("collection %q not attached", name)
	}
	return c
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// table is a memory remote that can be made to fail and counts upserts.
type table struct {
	*remote.Memory

	mu      sync.Mutex
	failErr error
	upserts int
}

func newTable(name string, rows ...schema.Document) *table {
	return &table{Memory: remote.NewMemory(name, rows...)}
}

func (t *table) Since(ctx context.Context, cursor string, limit int) ([]schema.Document, error) {
	if err := t.failure(); err != nil {
		return nil, err
	}
	return t.Memory.Since(ctx, cursor, limit)
}

func (t *table) Upsert(ctx context.Context, doc schema.Document) error {
	if err := t.failure(); err != nil {
		return err
	}
	if err := t.Memory.Upsert(ctx, doc); err != nil {
		return err
	}
	t.mu.Lock()
	t.upserts++
	t.mu.Unlock()
	return nil
}

// put stores doc as if another client had written it.
func (t *table) put(doc schema.Document) {
	t.Memory.Upsert(context.Background(), doc)
}

func (t *table) row(id string) (schema.Document, bool) {
	rows, _ := t.Memory.Since(context.Background(), "", 0)
	for _, r := range rows {
		if r.ID() == id {
			return r, true
		}
	}
	return nil, false
}

func (t *table) upsertCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.upserts
}

func (t *table) setFailure(err error) {
	t.mu.Lock()
	t.failErr = err
	t.mu.Unlock()
}

func (t *table) failure() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failErr
}

func stageRow(id, updated string) schema.Document {
	return schema.Document{"id": id, "name": "Stage " + id, "pipeline_id": "p1", "position": 0, "updated_at": updated}
}

func scenarioTable() *table {
	return newTable("crm_stages",
		stageRow("a", "2024-01-02T00:00:00Z"),
		stageRow("b", "2024-01-03T00:00:00Z"),
		stageRow("c", "2024-01-04T00:00:00Z"),
	)
}

func TestPull_ReturnsNewerRowsAscending(t *testing.T) {
	tbl := scenarioTable()

	batch, err := Pull(context.Background(), tbl, Checkpoint{UpdatedAt: "2024-01-01T00:00:00Z"}, 10)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if len(batch.Documents) != 3 || batch.Documents[0].ID() != "a" || batch.Documents[2].ID() != "c" {
		t.Fatalf("documents = %v, want a, b, c", batch.Documents)
	}
	if want := (Checkpoint{UpdatedAt: "2024-01-04T00:00:00Z"}); batch.Checkpoint != want {
		t.Errorf("checkpoint = %+v, want %+v", batch.Checkpoint, want)
	}

	again, err := Pull(context.Background(), tbl, batch.Checkpoint, 10)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if len(again.Documents) != 0 || again.Checkpoint != batch.Checkpoint {
		t.Errorf("caught-up pull = %+v, want no documents and the same checkpoint", again)
	}
}

func TestPull_EmptyTableKeepsAbsentCheckpoint(t *testing.T) {
	batch, err := Pull(context.Background(), newTable("agent_tasks"), Checkpoint{}, 10)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if len(batch.Documents) != 0 || batch.Checkpoint != (Checkpoint{}) {
		t.Errorf("batch = %+v, want empty with absent checkpoint", batch)
	}
}

func TestPull_UsesMaxTimestamp(t *testing.T) {
	tbl := &fixedRemote{rows: []schema.Document{
		{"id": "x", "updated_at": "2024-01-05T00:00:00Z"},
		{"id": "y", "updated_at": "2024-01-04T00:00:00Z"},
	}}
	batch, err := Pull(context.Background(), tbl, Checkpoint{}, 10)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if batch.Checkpoint.UpdatedAt != "2024-01-05T00:00:00Z" {
		t.Errorf("checkpoint = %s", batch.Checkpoint.UpdatedAt)
	}
}

func TestPull_ErrorIsTransient(t *testing.T) {
	tbl := scenarioTable()
	tbl.setFailure(errors.New("connection refused"))

	cp := Checkpoint{UpdatedAt: "2024-01-01T00:00:00Z"}
	batch, err := Pull(context.Background(), tbl, cp, 10)
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("err = %v, want ErrTransient", err)
	}
	if batch.Checkpoint != cp {
		t.Errorf("checkpoint = %+v, want unchanged", batch.Checkpoint)
	}
}

func TestPush_StripsMetadata(t *testing.T) {
	tbl := newTable("crm_stages")
	doc := stageRow("s1", "2024-01-01T00:00:00Z")
	doc["_rev"] = "3-abc"
	doc["_meta"] = map[string]any{"lwt": 1}

	conflicts, err := Push(context.Background(), tbl, []schema.Document{doc})
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if len(conflicts) != 0 {
		t.Errorf("conflicts = %v", conflicts)
	}

	row, ok := tbl.row("s1")
	if !ok {
		t.Fatal("row not pushed")
	}
	if _, ok := row["_rev"]; ok {
		t.Error("_rev reached the remote")
	}
	if _, ok := row["_meta"]; ok {
		t.Error("_meta reached the remote")
	}
	if row["name"] != "Stage s1" {
		t.Errorf("name = %v", row["name"])
	}
}

func TestPush_ErrorIsTransient(t *testing.T) {
	tbl := newTable("crm_stages")
	tbl.setFailure(errors.New("503"))
	if _, err := Push(context.Background(), tbl, []schema.Document{stageRow("s1", "x")}); !errors.Is(err, ErrTransient) {
		t.Fatalf("err = %v, want ErrTransient", err)
	}
}

func TestSyncOnce_PullsAndPushes(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	local := collection(t, s, "stages")
	tbl := scenarioTable()

	if _, err := local.Upsert(ctx, stageRow("mine", "2024-02-01T00:00:00Z")); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	rep := NewReplicator(local, tbl, Options{})
	if err := rep.SyncOnce(ctx); err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}

	if n, err := local.Count(ctx); err != nil || n != 4 {
		t.Errorf("Count = %d, %v, want 4", n, err)
	}
	if _, ok := tbl.row("mine"); !ok {
		t.Error("local write must reach the remote")
	}
	if pending, err := local.PendingChanges(ctx, 10); err != nil || len(pending) != 0 {
		t.Errorf("pending = %v, %v", pending, err)
	}
	if cp, err := local.Checkpoint(ctx, "crm_stages"); err != nil || cp != "2024-01-04T00:00:00Z" {
		t.Errorf("checkpoint = %q, %v", cp, err)
	}

	st := rep.Status()
	if st.Pulled != 3 || st.Pushed != 1 || st.LastError != "" {
		t.Errorf("status = %+v, want 3 pulled, 1 pushed, no error", st)
	}
}

func TestSyncOnce_PaginatesUntilShortBatch(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	local := collection(t, s, "stages")
	tbl := newTable("crm_stages")
	for _, ts := range []string{"01", "02", "03", "04", "05"} {
		tbl.put(stageRow("s"+ts, "2024-01-"+ts+"T00:00:00Z"))
	}

	rep := NewReplicator(local, tbl, Options{BatchSize: 2})
	if err := rep.SyncOnce(ctx); err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}

	if n, _ := local.Count(ctx); n != 5 {
		t.Errorf("Count = %d, want 5", n)
	}
	if cp, _ := local.Checkpoint(ctx, "crm_stages"); cp != "2024-01-05T00:00:00Z" {
		t.Errorf("checkpoint = %q", cp)
	}
}

func TestSyncOnce_FullBatchWithoutTimestampsEnds(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	local := collection(t, s, "vendors")
	tbl := newTable("service_providers")
	for _, id := range []string{"v1", "v2", "v3"} {
		tbl.put(schema.Document{"id": id, "business_name": "Vendor " + id, "status": "active"})
	}

	rep := NewReplicator(local, tbl, Options{BatchSize: 3})
	done := make(chan error, 1)
	go func() { done <- rep.SyncOnce(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("SyncOnce: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pull kept re-reading a batch that does not move the cursor")
	}

	if n, _ := local.Count(ctx); n != 3 {
		t.Errorf("Count = %d, want 3", n)
	}
	if st := rep.Status(); st.Pulled != 3 {
		t.Errorf("pulled = %d, want 3", st.Pulled)
	}
	if cp, _ := local.Checkpoint(ctx, "service_providers"); cp != "" {
		t.Errorf("checkpoint = %q, want absent", cp)
	}
}

func TestSyncOnce_PushesLatestVersionOnce(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	local := collection(t, s, "stages")
	tbl := newTable("crm_stages")

	if _, err := local.Upsert(ctx, stageRow("s1", "2024-01-01T00:00:00Z")); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	second := stageRow("s1", "2024-01-02T00:00:00Z")
	second["name"] = "Renamed"
	if _, err := local.Upsert(ctx, second); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if err := NewReplicator(local, tbl, Options{}).SyncOnce(ctx); err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}

	if n := tbl.upsertCount(); n != 1 {
		t.Errorf("upserts = %d, want 1", n)
	}
	if row, _ := tbl.row("s1"); row["name"] != "Renamed" {
		t.Errorf("name = %v, want Renamed", row["name"])
	}
}

func TestSyncOnce_CheckpointUnchangedWhenApplyFails(t *testing.T) {
	ctx := context.Background()
	local := &fakeLocal{applyErr: errors.New("disk full"), checkpoint: "2024-01-01T00:00:00Z"}
	rep := NewReplicator(local, scenarioTable(), Options{})

	if err := rep.SyncOnce(ctx); err == nil {
		t.Fatal("expected error")
	}
	if local.checkpoint != "2024-01-01T00:00:00Z" || local.setCalls != 0 {
		t.Errorf("checkpoint = %q after %d sets, want unchanged", local.checkpoint, local.setCalls)
	}
	if rep.Status().LastError == "" {
		t.Error("LastError not recorded")
	}
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	tbl := newTable("agent_tasks")

	a := collection(t, openStore(t), "tasks")
	task := schema.Document{
		"id": "t1", "title": "Confirm booking", "description": "call at 10",
		"status": "in_progress", "priority": "high", "assigned_to": "agent-7",
		"due_date": "2024-03-01", "created_at": "2024-01-01T00:00:00Z",
		"meeting_id": "m1", "updated_at": "2024-01-05T00:00:00Z",
	}
	if _, err := a.Upsert(ctx, task); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := NewReplicator(a, tbl, Options{}).SyncOnce(ctx); err != nil {
		t.Fatalf("SyncOnce a: %v", err)
	}

	b := collection(t, openStore(t), "tasks")
	if err := NewReplicator(b, tbl, Options{}).SyncOnce(ctx); err != nil {
		t.Fatalf("SyncOnce b: %v", err)
	}

	fromA, err := a.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get a: %v", err)
	}
	fromB, err := b.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get b: %v", err)
	}
	if !reflect.DeepEqual(fromA.WithoutMeta(), fromB.WithoutMeta()) {
		t.Errorf("documents differ:\n a: %v\n b: %v", fromA.WithoutMeta(), fromB.WithoutMeta())
	}
}

func TestRun_RetriesAfterBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := openStore(t)
	local := collection(t, s, "stages")
	tbl := scenarioTable()
	tbl.setFailure(errors.New("network down"))

	rep := NewReplicator(local, tbl, Options{RetryBackoff: 20 * time.Millisecond, PollInterval: time.Hour})
	done := make(chan struct{})
	go func() {
		defer close(done)
		rep.Run(ctx)
	}()

	eventually(t, func() bool { return rep.Status().LastError != "" }, "failure never recorded")
	tbl.setFailure(nil)

	eventually(t, func() bool {
		n, _ := local.Count(ctx)
		return n == 3
	}, "rows never pulled after recovery")
	eventually(t, func() bool { return rep.Status().LastError == "" }, "error never cleared")

	cancel()
	<-done
	if rep.Status().Running {
		t.Error("still running after cancel")
	}
}

func TestRun_LocalWriteTriggersPush(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := openStore(t)
	local := collection(t, s, "stages")
	tbl := newTable("crm_stages")

	rep := NewReplicator(local, tbl, Options{PollInterval: time.Hour})
	go rep.Run(ctx)

	eventually(t, func() bool { return rep.Status().Running }, "loop never started")
	if _, err := local.Upsert(ctx, stageRow("s1", "2024-01-01T00:00:00Z")); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	eventually(t, func() bool { return tbl.upsertCount() == 1 }, "local write never pushed")
}

func TestWorkers_StartStopAndRefuseDuplicates(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	tables := map[string]*table{}
	var mu sync.Mutex
	w := NewWorkers(func(col schema.Collection) (Remote, error) {
		mu.Lock()
		defer mu.Unlock()
		m := newTable(col.RemoteTable)
		tables[col.Name] = m
		return m, nil
	}, Options{PollInterval: time.Hour})

	if err := w.Start(ctx, s); err != nil {
		t.Fatalf("Start: %v", err)
	}
	mu.Lock()
	if len(tables) != 4 {
		t.Errorf("remotes = %d, want 4", len(tables))
	}
	tasks := tables["tasks"]
	mu.Unlock()

	if err := w.Start(ctx, s); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start err = %v, want ErrAlreadyRunning", err)
	}

	eventually(t, func() bool {
		sts := w.Status()
		for _, st := range sts {
			if !st.Running {
				return false
			}
		}
		return len(sts) == 4
	}, "loops never all running")

	tasks.put(schema.Document{
		"id": "t1", "title": "x", "description": "", "status": "pending", "priority": "low",
		"assigned_to": "a", "created_at": "2024-01-01T00:00:00Z", "meeting_id": "", "updated_at": "2024-01-01T00:00:00Z",
	})
	if err := w.SyncOnce(ctx); err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}
	c, _ := s.Collection("tasks")
	if _, err := c.Get(ctx, "t1"); err != nil {
		t.Fatalf("Get: %v", err)
	}

	if !w.Trigger("tasks") {
		t.Error("Trigger(tasks) = false")
	}
	if w.Trigger("invoices") {
		t.Error("Trigger(invoices) = true")
	}

	if err := w.StopAll(ctx); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	if sts := w.Status(); len(sts) != 0 {
		t.Errorf("status after StopAll = %v", sts)
	}
	if err := w.Start(ctx, s); err != nil {
		t.Fatalf("loops can start again after StopAll: %v", err)
	}
	if err := w.StopAll(ctx); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
}

func TestWorkers_IgnoreFallback(t *testing.T) {
	w := NewWorkers(func(schema.Collection) (Remote, error) {
		t.Fatal("no remote expected for a fallback handle")
		return nil, nil
	}, Options{})
	if err := w.Start(context.Background(), fallbackHandle{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func TestWorkers_CorruptionStopsLoopAndReports(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	type report struct {
		h   storage.Handle
		err error
	}
	reports := make(chan report, 4)
	w := NewWorkers(func(col schema.Collection) (Remote, error) {
		return newTable(col.RemoteTable), nil
	}, Options{
		PollInterval: time.Hour,
		RetryBackoff: time.Hour,
		OnCorrupt:    func(h storage.Handle, err error) { reports <- report{h, err} },
	})
	if err := w.Start(ctx, corruptStore{s}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.StopAll(ctx)

	select {
	case r := <-reports:
		if r.h.ID() != s.ID() {
			t.Errorf("reported handle %s, want %s", r.h.ID(), s.ID())
		}
		if !errors.Is(r.err, storage.ErrCorrupt) {
			t.Errorf("err = %v, want ErrCorrupt", r.err)
		}
	case <-time.After(time.Second):
		t.Fatal("corruption never reported")
	}

	eventually(t, func() bool {
		for _, st := range w.Status() {
			if st.Collection == "stages" {
				return !st.Running
			}
		}
		return false
	}, "loop kept running on a corrupt store")
}

// corruptStore fails the stages checkpoint read as a damaged file would.
type corruptStore struct {
	*storage.Store
}

func (c corruptStore) Collection(name string) (storage.Collection, bool) {
	coll, ok := c.Store.Collection(name)
	if !ok || name != "stages" {
		return coll, ok
	}
	return corruptCollection{coll}, true
}

type corruptCollection struct {
	storage.Collection
}

func (corruptCollection) Checkpoint(context.Context, string) (string, error) {
	return "", fmt.Errorf("reading checkpoint row: %w", storage.ErrCorrupt)
}

type fixedRemote struct {
	rows []schema.Document
}

func (f *fixedRemote) Since(context.Context, string, int) ([]schema.Document, error) {
	return f.rows, nil
}
func (f *fixedRemote) Upsert(context.Context, schema.Document) error { return nil }
func (f *fixedRemote) Table() string                                 { return "fixed" }

type fakeLocal struct {
	applyErr   error
	checkpoint string
	setCalls   int
}

func (f *fakeLocal) Name() string { return "stages" }
func (f *fakeLocal) ApplyPulled(context.Context, []schema.Document) error {
	return f.applyErr
}
func (f *fakeLocal) PendingChanges(context.Context, int) ([]storage.Change, error) { return nil, nil }
func (f *fakeLocal) AckChanges(context.Context, int64) error                       { return nil }
func (f *fakeLocal) Checkpoint(context.Context, string) (string, error) {
	return f.checkpoint, nil
}
func (f *fakeLocal) SetCheckpoint(_ context.Context, _ string, cursor string) error {
	f.setCalls++
	f.checkpoint = cursor
	return nil
}
func (f *fakeLocal) Changes() <-chan struct{} { return nil }

type fallbackHandle struct{ storage.Handle }

func (fallbackHandle) Fallback() bool { return true }
