package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"newsflow/internal/store"
	logx "newsflow/pkg/logx"
)

type fakeClock struct {
	mu  sync.Mutex
	cur time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.cur = c.cur.Add(d)
	c.mu.Unlock()
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *store.Store, *fakeClock) {
	t.Helper()
	st, err := store.Open(store.Config{
		Path:        filepath.Join(t.TempDir(), "pipeline.db"),
		BusyTimeout: 5 * time.Second,
	}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	clk := &fakeClock{cur: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	st.SetClock(clk.Now)

	e, err := New(cfg, st, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return e, st, clk
}

// drain claims and runs items for a stage until it is empty, returning how
// many items ran.
func drain(t *testing.T, e *Engine, stage string) int {
	t.Helper()
	st, ok := e.stage(stage)
	if !ok {
		t.Fatalf("stage %q not configured", stage)
	}
	ctx := context.Background()
	ran := 0
	for {
		it, err := e.st.ClaimItem(ctx, stage, e.id)
		if errors.Is(err, store.ErrNotFound) {
			return ran
		}
		if err != nil {
			t.Fatal(err)
		}
		e.runOne(ctx, st, it)
		ran++
	}
}

func TestNextStage(t *testing.T) {
	t.Parallel()
	e, _, _ := newTestEngine(t, Config{Stages: DefaultStages()})

	tests := []struct {
		stage  string
		next   string
		wantOK bool
	}{
		{stage: StageClustering, next: StageReport, wantOK: true},
		{stage: StageReport, next: StageImage, wantOK: true},
		{stage: StageImage, next: "", wantOK: true},
		{stage: "bogus", next: "", wantOK: false},
	}
	for _, tt := range tests {
		next, ok := e.NextStage(tt.stage)
		if next != tt.next || ok != tt.wantOK {
			t.Errorf("NextStage(%q) = (%q, %v), want (%q, %v)",
				tt.stage, next, ok, tt.next, tt.wantOK)
		}
	}
}

func TestRegisterStage(t *testing.T) {
	t.Parallel()
	e, _, _ := newTestEngine(t, Config{Stages: DefaultStages()})
	h := func(context.Context, int64) (string, error) { return "", nil }

	if err := e.RegisterStage(StageClustering, nil); err == nil {
		t.Error("nil handler accepted")
	}
	if err := e.RegisterStage("bogus", h); err == nil {
		t.Error("unconfigured stage accepted")
	}
	if err := e.RegisterStage(StageClustering, h); err != nil {
		t.Fatal(err)
	}
	if err := e.RegisterStage(StageClustering, h); err == nil {
		t.Error("double registration accepted")
	}
}

func TestEnqueueDefaultsAndDuplicates(t *testing.T) {
	t.Parallel()
	e, _, _ := newTestEngine(t, Config{Stages: DefaultStages()})
	ctx := context.Background()

	created, err := e.Enqueue(ctx, 1, "")
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("first enqueue suppressed")
	}
	created, err = e.Enqueue(ctx, 1, StageClustering)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("duplicate not suppressed")
	}
	if _, err := e.Enqueue(ctx, 1, "bogus"); err == nil {
		t.Fatal("unconfigured stage accepted")
	}
	if got := e.Snapshot().Duplicates; got != 1 {
		t.Fatalf("duplicates counter = %d, want 1", got)
	}
}

// A subject flows clustering -> report_generation -> image_generation, with
// the report stage failing twice before succeeding.
func TestSubjectFlowsThroughChain(t *testing.T) {
	t.Parallel()
	e, st, clk := newTestEngine(t, Config{MaxAttempts: 3, Stages: DefaultStages()})
	ctx := context.Background()

	ok := func(context.Context, int64) (string, error) { return "ok", nil }
	reportFails := 2
	if err := e.RegisterStage(StageClustering, func(context.Context, int64) (string, error) {
		return `{"clusters":2}`, nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := e.RegisterStage(StageReport, func(context.Context, int64) (string, error) {
		if reportFails > 0 {
			reportFails--
			return "", errors.New("llm unavailable")
		}
		return "report.md", nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := e.RegisterStage(StageImage, ok); err != nil {
		t.Fatal(err)
	}

	if _, err := e.Enqueue(ctx, 42, ""); err != nil {
		t.Fatal(err)
	}

	if n := drain(t, e, StageClustering); n != 1 {
		t.Fatalf("clustering ran %d items, want 1", n)
	}
	items, err := st.SubjectItems(ctx, 42)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 || items[1].Stage != StageReport || items[1].Status != store.ItemPending {
		t.Fatalf("after clustering: %+v", items)
	}
	if items[0].Result != `{"clusters":2}` {
		t.Fatalf("clustering result = %q", items[0].Result)
	}

	// Two failed attempts; each reschedules the item into the future, so the
	// clock has to move before the next claim.
	for i := 0; i < 2; i++ {
		if n := drain(t, e, StageReport); n != 1 {
			t.Fatalf("report attempt %d ran %d items", i+1, n)
		}
		clk.Advance(20 * time.Minute)
	}
	// Third attempt succeeds with attempt_count ending at 2.
	if n := drain(t, e, StageReport); n != 1 {
		t.Fatal("report retry did not run")
	}
	items, _ = st.SubjectItems(ctx, 42)
	if len(items) != 3 {
		t.Fatalf("got %d rows, want 3", len(items))
	}
	report := items[1]
	if report.Status != store.ItemDone || report.AttemptCount != 2 || report.Result != "report.md" {
		t.Fatalf("report row: %+v", report)
	}

	if n := drain(t, e, StageImage); n != 1 {
		t.Fatal("image stage did not run")
	}
	items, _ = st.SubjectItems(ctx, 42)
	for _, it := range items {
		if it.Status != store.ItemDone {
			t.Fatalf("stage %s finished as %s", it.Stage, it.Status)
		}
	}
	// Stage order held: each stage finished before the next one started.
	for i := 1; i < len(items); i++ {
		if items[i].StartedAt.Before(items[i-1].FinishedAt) {
			t.Fatalf("stage %s started before %s finished", items[i].Stage, items[i-1].Stage)
		}
	}

	snap := e.Snapshot()
	if snap.Processed != 3 || snap.Failed != 2 || snap.Terminal != 0 {
		t.Fatalf("snapshot: %+v", snap)
	}
}

func TestTerminalFailureStopsTheChain(t *testing.T) {
	t.Parallel()
	e, st, clk := newTestEngine(t, Config{MaxAttempts: 2, Stages: DefaultStages()})
	ctx := context.Background()

	if err := e.RegisterStage(StageClustering, func(context.Context, int64) (string, error) {
		return "", errors.New("no articles")
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := e.Enqueue(ctx, 9, ""); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		drain(t, e, StageClustering)
		clk.Advance(20 * time.Minute)
	}

	items, err := st.SubjectItems(ctx, 9)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("failed subject advanced: %d rows", len(items))
	}
	it := items[0]
	if it.Status != store.ItemFailed || it.AttemptCount != 3 {
		t.Fatalf("terminal row: %+v", it)
	}
	if e.Snapshot().Terminal != 1 {
		t.Fatalf("terminal counter = %d", e.Snapshot().Terminal)
	}
}

func TestUnregisteredStageFailsItems(t *testing.T) {
	t.Parallel()
	e, st, _ := newTestEngine(t, Config{MaxAttempts: 3, Stages: DefaultStages()})
	ctx := context.Background()

	if _, err := e.Enqueue(ctx, 5, ""); err != nil {
		t.Fatal(err)
	}
	if n := drain(t, e, StageClustering); n != 1 {
		t.Fatalf("ran %d items, want 1", n)
	}

	items, _ := st.SubjectItems(ctx, 5)
	it := items[0]
	if it.Status != store.ItemPending || it.AttemptCount != 1 {
		t.Fatalf("missing-handler run: %+v", it)
	}
}

func TestInvokeTimeoutAndPanic(t *testing.T) {
	t.Parallel()
	e, _, _ := newTestEngine(t, Config{Stages: DefaultStages()})
	ctx := context.Background()

	_, err := e.invoke(ctx, func(ctx context.Context, _ int64) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}, 1, 50*time.Millisecond)
	if err == nil || err.Error() != "timed out after 50ms" {
		t.Errorf("timeout err = %v", err)
	}

	_, err = e.invoke(ctx, func(context.Context, int64) (string, error) {
		panic("stage exploded")
	}, 1, time.Second)
	if err == nil || err.Error() != "handler panic: stage exploded" {
		t.Errorf("panic err = %v", err)
	}
}
