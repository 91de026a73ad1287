package shell

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/kosmoi/internal/lifecycle"
	"github.com/kalambet/kosmoi/internal/schema"
	"github.com/kalambet/kosmoi/internal/storage"
)

type fakeAcquirer struct {
	get     func(ctx context.Context) (storage.Handle, error)
	recover func(ctx context.Context) (storage.Handle, error)

	mu       sync.Mutex
	gets     int
	recovers int
	destroys int
}

func (f *fakeAcquirer) Get(ctx context.Context) (storage.Handle, error) {
	f.mu.Lock()
	f.gets++
	get := f.get
	f.mu.Unlock()
	return get(ctx)
}

func (f *fakeAcquirer) Recover(ctx context.Context, retry int) (storage.Handle, error) {
	f.mu.Lock()
	f.recovers++
	rec := f.recover
	f.mu.Unlock()
	return rec(ctx)
}

func (f *fakeAcquirer) setGet(get func(ctx context.Context) (storage.Handle, error)) {
	f.mu.Lock()
	f.get = get
	f.mu.Unlock()
}

func (f *fakeAcquirer) Destroy(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroys++
	return nil
}

func (f *fakeAcquirer) Name() string { return "kosmoidb_v6" }

func (f *fakeAcquirer) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets, f.destroys
}

func memoryHandle(t *testing.T) storage.Handle {
	t.Helper()
	s, err := storage.Open(context.Background(), storage.Options{Dir: storage.MemoryDir, Name: "kosmoidb_v6"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Destroy(context.Background()) })
	return s
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

func TestIsPublic(t *testing.T) {
	tests := []struct {
		route string
		want  bool
	}{
		{"/", true},
		{"/landing", true},
		{"/pricing/", true},
		{"/about?ref=ad", true},
		{"/legal/imprint", true},
		{"/legal", true},
		{"/health", true},
		{"/collections/tasks", false},
		{"/status", false},
		{"/legalese", false},
	}
	for _, tt := range tests {
		if got := IsPublic(tt.route); got != tt.want {
			t.Errorf("IsPublic(%q) = %v, want %v", tt.route, got, tt.want)
		}
	}
}

func TestAwait_PublicRouteDoesNotWait(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	mgr := &fakeAcquirer{get: func(context.Context) (storage.Handle, error) {
		<-block
		return nil, errors.New("never")
	}}
	s := New(mgr, storage.NewFSAdapter(storage.MemoryDir, nil), Options{WaitTimeout: time.Hour})
	s.Boot(context.Background())

	start := time.Now()
	v := s.Await(context.Background(), "/pricing")
	if d := time.Since(start); d >= 100*time.Millisecond {
		t.Errorf("public route waited %s", d)
	}
	if !v.Proceed || v.Mode != Loading {
		t.Errorf("view = %+v, want Loading and Proceed", v)
	}
}

func TestAwait_Ready(t *testing.T) {
	h := memoryHandle(t)
	mgr := &fakeAcquirer{get: func(context.Context) (storage.Handle, error) { return h, nil }}
	s := New(mgr, storage.NewFSAdapter(storage.MemoryDir, nil), Options{})

	v := s.Await(context.Background(), "/collections/tasks")
	if v.Mode != Ready || !v.Proceed || v.Err != nil {
		t.Fatalf("view = %+v, want Ready", v)
	}
	if v.Handle != h {
		t.Error("view carries a different handle")
	}

	s.Await(context.Background(), "/status")
	if gets, _ := mgr.counts(); gets != 1 {
		t.Errorf("gets = %d, boot happens once", gets)
	}
}

func TestAwait_TimeoutDegradesThenRecovers(t *testing.T) {
	h := memoryHandle(t)
	release := make(chan struct{})
	mgr := &fakeAcquirer{get: func(context.Context) (storage.Handle, error) {
		<-release
		return h, nil
	}}
	s := New(mgr, storage.NewFSAdapter(storage.MemoryDir, nil), Options{WaitTimeout: 30 * time.Millisecond})

	v := s.Await(context.Background(), "/collections/tasks")
	if v.Mode != DegradedOffline || v.Proceed || v.Handle != nil {
		t.Fatalf("view = %+v, want DegradedOffline without handle", v)
	}
	if !errors.Is(v.Err, ErrWaitTimeout) {
		t.Errorf("err = %v, want ErrWaitTimeout", v.Err)
	}

	s.ContinueAnyway()
	v = s.Await(context.Background(), "/collections/tasks")
	if v.Mode != DegradedOffline || !v.Proceed {
		t.Errorf("after continue view = %+v", v)
	}

	close(release)
	eventually(t, func() bool { return s.Current().Mode == Ready }, "store never became ready")
}

func TestAwait_FallbackDegrades(t *testing.T) {
	fb := lifecycle.NewFallback("kosmoidb_v6", schema.Default(), lifecycle.ErrRecoveryExhausted)
	mgr := &fakeAcquirer{get: func(context.Context) (storage.Handle, error) { return fb, nil }}
	s := New(mgr, storage.NewFSAdapter(storage.MemoryDir, nil), Options{})

	v := s.Await(context.Background(), "/collections/tasks")
	if v.Mode != DegradedOffline || v.Proceed {
		t.Fatalf("view = %+v, want DegradedOffline", v)
	}
	if !errors.Is(v.Err, lifecycle.ErrRecoveryExhausted) {
		t.Errorf("err = %v", v.Err)
	}
	if v.Handle != storage.Handle(fb) {
		t.Error("view should carry the fallback")
	}
}

func TestAwait_ErrorDegrades(t *testing.T) {
	boom := errors.New("read-only filesystem")
	mgr := &fakeAcquirer{get: func(context.Context) (storage.Handle, error) { return nil, boom }}
	s := New(mgr, storage.NewFSAdapter(storage.MemoryDir, nil), Options{})

	v := s.Await(context.Background(), "/status")
	if v.Mode != DegradedOffline || !errors.Is(v.Err, boom) {
		t.Errorf("view = %+v, want DegradedOffline with %v", v, boom)
	}
}

func TestAwait_CallerCancelled(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	mgr := &fakeAcquirer{get: func(context.Context) (storage.Handle, error) {
		<-block
		return nil, errors.New("never")
	}}
	s := New(mgr, storage.NewFSAdapter(storage.MemoryDir, nil), Options{WaitTimeout: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	v := s.Await(ctx, "/status")
	if v.Mode != Loading || !errors.Is(v.Err, context.DeadlineExceeded) {
		t.Errorf("view = %+v, want Loading with deadline", v)
	}
}

func TestRecoverCorrupt(t *testing.T) {
	h1 := memoryHandle(t)
	h2 := memoryHandle(t)
	release := make(chan struct{})
	mgr := &fakeAcquirer{
		get: func(context.Context) (storage.Handle, error) { return h1, nil },
		recover: func(context.Context) (storage.Handle, error) {
			<-release
			return h2, nil
		},
	}
	s := New(mgr, storage.NewFSAdapter(storage.MemoryDir, nil), Options{WaitTimeout: time.Hour})

	if v := s.Await(context.Background(), "/status"); v.Handle != h1 {
		t.Fatalf("view = %+v, want first handle", v)
	}

	cause := storage.ErrCorrupt
	s.RecoverCorrupt(context.Background(), h1, cause)
	s.RecoverCorrupt(context.Background(), h1, cause)
	if v := s.Current(); v.Mode != Loading {
		t.Errorf("mode during recovery = %v, want loading", v.Mode)
	}

	close(release)
	v := s.Await(context.Background(), "/status")
	if v.Mode != Ready || v.Handle != h2 {
		t.Fatalf("view = %+v, want Ready on the rebuilt store", v)
	}

	// A report about the replaced handle is stale.
	s.RecoverCorrupt(context.Background(), h1, cause)
	if v := s.Current(); v.Handle != h2 {
		t.Error("stale report restarted recovery")
	}

	mgr.mu.Lock()
	recovers := mgr.recovers
	mgr.mu.Unlock()
	if recovers != 1 {
		t.Errorf("recovers = %d, want 1", recovers)
	}
}

func TestHardReset(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"kosmoidb_v6", "kosmoidb_v5", "kosmoidb_v4", "kosmoidb_preview", "unrelated"} {
		if err := os.WriteFile(storage.Path(dir, name), []byte("x"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(storage.Path(dir, "kosmoidb_v6")+"-wal", []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	state, err := storage.OpenLocalState(filepath.Join(dir, "localstate.json"))
	if err != nil {
		t.Fatalf("OpenLocalState: %v", err)
	}
	if err := state.Set("session_token", "abc"); err != nil {
		t.Fatal(err)
	}

	h := memoryHandle(t)
	mgr := &fakeAcquirer{get: func(context.Context) (storage.Handle, error) { return nil, errors.New("corrupt") }}
	s := New(mgr, storage.NewFSAdapter(dir, state), Options{
		LegacyNames: []string{"kosmoidb_v5", "kosmoidb_v4"},
		State:       state,
	})
	s.Boot(context.Background())
	s.ContinueAnyway()

	mgr.setGet(func(context.Context) (storage.Handle, error) { return h, nil })

	n, err := s.HardReset(context.Background())
	if err != nil {
		t.Fatalf("HardReset: %v", err)
	}
	if n != 1 {
		t.Errorf("reset count = %d, want 1", n)
	}

	matches, _ := filepath.Glob(filepath.Join(dir, "*.db*"))
	sort.Strings(matches)
	if len(matches) != 1 || matches[0] != storage.Path(dir, "unrelated") {
		t.Errorf("remaining stores = %v, want only unrelated", matches)
	}

	if _, ok := state.Get("session_token"); ok {
		t.Error("session_token survived reset")
	}
	if _, destroys := mgr.counts(); destroys != 1 {
		t.Errorf("destroys = %d, want 1", destroys)
	}

	eventually(t, func() bool { return s.Current().Mode == Ready }, "store never became ready")
	eventually(t, func() bool { return state.Int(RecoveryCounterKey) == 0 }, "reaching Ready should clear the counter")
	if !s.Current().Proceed {
		t.Error("ready view should proceed")
	}
}

func TestHardResetKeepsCounterWhileFailing(t *testing.T) {
	dir := t.TempDir()
	state, err := storage.OpenLocalState(filepath.Join(dir, "localstate.json"))
	if err != nil {
		t.Fatalf("OpenLocalState: %v", err)
	}

	mgr := &fakeAcquirer{get: func(context.Context) (storage.Handle, error) { return nil, errors.New("corrupt") }}
	s := New(mgr, storage.NewFSAdapter(dir, state), Options{State: state})

	for i := 1; i <= 3; i++ {
		n, err := s.HardReset(context.Background())
		if err != nil {
			t.Fatalf("HardReset %d: %v", i, err)
		}
		if n != i {
			t.Errorf("reset %d count = %d", i, n)
		}
	}
	v := s.Await(context.Background(), "/status")
	if v.Mode != DegradedOffline || v.ResetCount != 3 {
		t.Errorf("view = %+v, want DegradedOffline with 3 resets", v)
	}
}
