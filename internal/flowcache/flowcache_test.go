package flowcache

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/mohammed-shakir/taz-flow-cache/internal/cache/matstore"
	"github.com/mohammed-shakir/taz-flow-cache/internal/core/model"
	mylog "github.com/mohammed-shakir/taz-flow-cache/internal/logger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeComputer counts invocations and can be held open with gate.
type fakeComputer struct {
	calls   atomic.Int32
	started chan struct{}
	gate    chan struct{}
	fail    atomic.Int32 // fail the next n calls
	rows    []model.FlowRow
}

func newFakeComputer() *fakeComputer {
	return &fakeComputer{
		started: make(chan struct{}, 16),
		rows: []model.FlowRow{
			{TazID: "1", TotalTrips: 5, ShapeArea: 2},
			{TazID: "2", TotalTrips: 7, ShapeArea: 0},
		},
	}
}

func (f *fakeComputer) Compute(ctx context.Context, zoneName string) ([]model.FlowRow, error) {
	f.calls.Add(1)
	f.started <- struct{}{}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fail.Load() > 0 {
		f.fail.Add(-1)
		return nil, &model.UpstreamQueryError{Key: "k", Stage: "aggregate", Err: errors.New("relation does not exist")}
	}
	return f.rows, nil
}

// countingStore wraps the in-memory store and counts publishes.
type countingStore struct {
	*matstore.Memory
	publishes atomic.Int32
}

func (s *countingStore) Publish(ctx context.Context, key model.CacheKey, zoneName string, rows []model.FlowRow) error {
	err := s.Memory.Publish(ctx, key, zoneName, rows)
	if err == nil {
		s.publishes.Add(1)
	}
	return err
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *recordingNotifier) Notify(ev Event) {
	n.mu.Lock()
	n.events = append(n.events, ev)
	n.mu.Unlock()
}

func (n *recordingNotifier) all() []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Event(nil), n.events...)
}

func newCache(t *testing.T, comp Computer, store Store, opts Options) *Cache {
	t.Helper()
	opts.Logger = mylog.Discard()
	c := New(store, comp, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := c.Close(ctx); err != nil {
			t.Errorf("close: %v", err)
		}
	})
	return c
}

func TestGet_ConcurrentCallersShareOneComputation(t *testing.T) {
	comp := newFakeComputer()
	comp.gate = make(chan struct{})
	store := &countingStore{Memory: matstore.NewMemory()}
	note := &recordingNotifier{}
	c := newCache(t, comp, store, Options{Timeout: 5 * time.Second, Notifier: note})

	const n = 50
	var wg sync.WaitGroup
	results := make([][]model.FlowRow, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Get(context.Background(), "East Side")
		}(i)
	}

	<-comp.started
	time.Sleep(20 * time.Millisecond)
	close(comp.gate)
	wg.Wait()

	if got := comp.calls.Load(); got != 1 {
		t.Fatalf("compute calls=%d want 1", got)
	}
	if got := store.publishes.Load(); got != 1 {
		t.Fatalf("publishes=%d want 1", got)
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if !reflect.DeepEqual(results[i], comp.rows) {
			t.Fatalf("caller %d rows=%+v", i, results[i])
		}
	}
	evs := note.all()
	if len(evs) != 1 || evs[0].Err != nil || evs[0].Rows != 2 || evs[0].Table != "d_east_side" {
		t.Fatalf("events=%+v", evs)
	}
}

func TestGet_ReadyKeyIsServedWithoutComputing(t *testing.T) {
	comp := newFakeComputer()
	store := &countingStore{Memory: matstore.NewMemory()}
	c := newCache(t, comp, store, Options{})

	ctx := context.Background()
	if _, err := c.Get(ctx, "East Side"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if _, err := c.Get(ctx, "East Side"); err != nil {
			t.Fatal(err)
		}
	}
	if got := comp.calls.Load(); got != 1 {
		t.Fatalf("compute calls=%d want 1", got)
	}
}

func TestGet_ReadyInStoreBeforeStartup(t *testing.T) {
	comp := newFakeComputer()
	store := &countingStore{Memory: matstore.NewMemory()}
	ctx := context.Background()
	if err := store.Memory.Publish(ctx, "east_side", "East Side", comp.rows[:1]); err != nil {
		t.Fatal(err)
	}
	c := newCache(t, comp, store, Options{})

	rows, err := c.Get(ctx, "East Side")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || comp.calls.Load() != 0 {
		t.Fatalf("rows=%d calls=%d", len(rows), comp.calls.Load())
	}
}

func TestGet_VariantSpellingsShareOneTable(t *testing.T) {
	comp := newFakeComputer()
	store := &countingStore{Memory: matstore.NewMemory()}
	c := newCache(t, comp, store, Options{})

	ctx := context.Background()
	first, err := c.Get(ctx, "Downtown Core")
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"downtown-core", "DOWNTOWN_CORE", "  downtown core "} {
		rows, err := c.Get(ctx, name)
		if err != nil {
			t.Fatalf("%q: %v", name, err)
		}
		if !reflect.DeepEqual(rows, first) {
			t.Fatalf("%q served different rows", name)
		}
	}
	if comp.calls.Load() != 1 {
		t.Fatalf("compute calls=%d want 1", comp.calls.Load())
	}
	e, ok, _ := store.Lookup(ctx, "downtown_core")
	if !ok || e.ZoneName != "Downtown Core" {
		t.Fatalf("canonical entry=%+v ok=%v", e, ok)
	}
}

func TestGet_FailureRevertsToAbsent(t *testing.T) {
	comp := newFakeComputer()
	comp.gate = make(chan struct{})
	comp.fail.Store(1)
	store := &countingStore{Memory: matstore.NewMemory()}
	note := &recordingNotifier{}
	c := newCache(t, comp, store, Options{Notifier: note})

	const n = 5
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Get(context.Background(), "West")
		}(i)
	}
	<-comp.started
	time.Sleep(20 * time.Millisecond)
	close(comp.gate)
	wg.Wait()

	for i, err := range errs {
		var ue *model.UpstreamQueryError
		if err == nil {
			// arrived after the failed attempt and started its own
			continue
		}
		if !errors.As(err, &ue) {
			t.Fatalf("caller %d err=%v want UpstreamQueryError", i, err)
		}
	}

	rows, err := c.Get(context.Background(), "West")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("retry rows=%d", len(rows))
	}
	if comp.calls.Load() < 2 {
		t.Fatalf("compute calls=%d want a fresh attempt after failure", comp.calls.Load())
	}
	if evs := note.all(); len(evs) < 2 || evs[0].Err == nil {
		t.Fatalf("first event must carry the failure: %+v", evs)
	}
}

func TestGet_TimeoutFailsWaitersAndReverts(t *testing.T) {
	comp := newFakeComputer()
	comp.gate = make(chan struct{})
	store := &countingStore{Memory: matstore.NewMemory()}
	c := newCache(t, comp, store, Options{Timeout: 30 * time.Millisecond})

	_, err := c.Get(context.Background(), "Slow Zone")
	if !errors.Is(err, model.ErrComputationTimeout) {
		t.Fatalf("err=%v want ErrComputationTimeout", err)
	}
	if _, ok, _ := store.Lookup(context.Background(), "slow_zone"); ok {
		t.Fatal("timed-out key must not be Ready")
	}

	// the group forgot the key, so the next caller starts a fresh attempt
	close(comp.gate)
	rows, err := c.Get(context.Background(), "Slow Zone")
	if err != nil {
		t.Fatalf("retry after timeout: %v", err)
	}
	if len(rows) != 2 || comp.calls.Load() != 2 {
		t.Fatalf("rows=%d calls=%d want 2 attempts", len(rows), comp.calls.Load())
	}
}

func TestClose_WaitsForRunningComputation(t *testing.T) {
	comp := newFakeComputer()
	comp.gate = make(chan struct{})
	store := &countingStore{Memory: matstore.NewMemory()}
	c := New(store, comp, Options{Logger: mylog.Discard(), Timeout: 5 * time.Second})

	if err := c.Trigger("Midtown"); err != nil {
		t.Fatal(err)
	}
	<-comp.started

	closed := make(chan error, 1)
	go func() { closed <- c.Close(context.Background()) }()

	select {
	case err := <-closed:
		t.Fatalf("close returned before the computation finished: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	if err := c.Trigger("Elsewhere"); !errors.Is(err, model.ErrClosed) {
		t.Fatalf("trigger after close err=%v want ErrClosed", err)
	}

	close(comp.gate)
	if err := <-closed; err != nil {
		t.Fatal(err)
	}
	if store.publishes.Load() != 1 {
		t.Fatalf("publishes=%d want 1", store.publishes.Load())
	}
}

func TestGet_CallerCancelDoesNotCancelComputation(t *testing.T) {
	comp := newFakeComputer()
	comp.gate = make(chan struct{})
	store := &countingStore{Memory: matstore.NewMemory()}
	c := newCache(t, comp, store, Options{Timeout: 5 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Get(ctx, "Harbor")
		errCh <- err
	}()
	<-comp.started
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v want context.Canceled", err)
	}

	close(comp.gate)
	rows, err := c.Get(context.Background(), "Harbor")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || comp.calls.Load() != 1 {
		t.Fatalf("rows=%d calls=%d", len(rows), comp.calls.Load())
	}
}

func TestTrigger_StartsWithoutWaiting(t *testing.T) {
	comp := newFakeComputer()
	comp.gate = make(chan struct{})
	store := &countingStore{Memory: matstore.NewMemory()}
	c := newCache(t, comp, store, Options{})

	if err := c.Trigger("Uptown"); err != nil {
		t.Fatal(err)
	}
	if err := c.Trigger("uptown"); err != nil {
		t.Fatal(err)
	}
	<-comp.started
	close(comp.gate)

	rows, err := c.Get(context.Background(), "Uptown")
	if err != nil || len(rows) != 2 {
		t.Fatalf("rows=%d err=%v", len(rows), err)
	}
	if comp.calls.Load() != 1 {
		t.Fatalf("compute calls=%d want 1", comp.calls.Load())
	}
}

func TestGet_EmptyNameIsValidationError(t *testing.T) {
	c := newCache(t, newFakeComputer(), matstore.NewMemory(), Options{})
	var ve *model.ValidationError
	if _, err := c.Get(context.Background(), "   "); !errors.As(err, &ve) {
		t.Fatalf("err=%v want ValidationError", err)
	}
	if err := c.Trigger(""); !errors.As(err, &ve) {
		t.Fatalf("trigger err=%v want ValidationError", err)
	}
}

func TestMaxConcurrentBoundsComputations(t *testing.T) {
	comp := newFakeComputer()
	comp.gate = make(chan struct{})
	store := &countingStore{Memory: matstore.NewMemory()}
	c := newCache(t, comp, store, Options{MaxConcurrent: 1, Timeout: 5 * time.Second})

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := c.Get(context.Background(), fmt.Sprintf("zone %d", i)); err != nil {
				t.Errorf("zone %d: %v", i, err)
			}
		}(i)
	}

	<-comp.started
	time.Sleep(20 * time.Millisecond)
	if got := comp.calls.Load(); got != 1 {
		t.Fatalf("running computations=%d want 1", got)
	}
	close(comp.gate)
	wg.Wait()
	if got := comp.calls.Load(); got != 3 {
		t.Fatalf("compute calls=%d want 3", got)
	}
}

func TestClose_RejectsNewWork(t *testing.T) {
	c := New(matstore.NewMemory(), newFakeComputer(), Options{Logger: mylog.Discard()})
	if err := c.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Get(context.Background(), "Anywhere"); !errors.Is(err, model.ErrClosed) {
		t.Fatalf("err=%v want ErrClosed", err)
	}
}
