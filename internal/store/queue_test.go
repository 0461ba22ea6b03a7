package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestEnqueueIdempotent(t *testing.T) {
	t.Parallel()
	st, _ := newTestStore(t)
	ctx := context.Background()

	created, err := st.Enqueue(ctx, 42, "clustering", 3)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("first enqueue should create")
	}

	created, err = st.Enqueue(ctx, 42, "clustering", 3)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("duplicate enqueue should be suppressed")
	}

	// A different subject or stage is not a duplicate.
	if created, _ := st.Enqueue(ctx, 43, "clustering", 3); !created {
		t.Fatal("different subject suppressed")
	}
	if created, _ := st.Enqueue(ctx, 42, "report_generation", 3); !created {
		t.Fatal("different stage suppressed")
	}

	// Once the live row is terminal the pair may be enqueued again.
	it, err := st.ClaimItem(ctx, "clustering", "w")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.MarkDone(ctx, it, "", "", 0); err != nil {
		t.Fatal(err)
	}
	if created, _ := st.Enqueue(ctx, 42, "clustering", 3); !created {
		t.Fatal("re-enqueue after done suppressed")
	}
}

func TestClaimItemOldestFirstAndRipeness(t *testing.T) {
	t.Parallel()
	st, clk := newTestStore(t)
	ctx := context.Background()

	if _, err := st.Enqueue(ctx, 1, "clustering", 3); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Enqueue(ctx, 2, "clustering", 3); err != nil {
		t.Fatal(err)
	}

	it, err := st.ClaimItem(ctx, "clustering", "w1")
	if err != nil {
		t.Fatal(err)
	}
	if it.SubjectID != 1 {
		t.Fatalf("claimed subject %d, want oldest (1)", it.SubjectID)
	}
	if it.Status != ItemRunning || it.LockedBy != "w1" || it.StartedAt.IsZero() {
		t.Fatalf("claim did not mark running: %+v", it)
	}

	// Wrong stage sees nothing.
	if _, err := st.ClaimItem(ctx, "report_generation", "w1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("wrong stage err = %v, want ErrNotFound", err)
	}

	// An item with a future retry time is not ripe.
	it2, err := st.ClaimItem(ctx, "clustering", "w1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.MarkFailed(ctx, it2, "boom", st.Now().Add(5*time.Minute)); err != nil {
		t.Fatal(err)
	}
	if _, err := st.ClaimItem(ctx, "clustering", "w1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unripe item claimed: err = %v", err)
	}
	clk.Advance(6 * time.Minute)
	if _, err := st.ClaimItem(ctx, "clustering", "w1"); err != nil {
		t.Fatalf("ripe item not claimable: %v", err)
	}
}

func TestMarkDoneAdvancesToNextStage(t *testing.T) {
	t.Parallel()
	st, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := st.Enqueue(ctx, 7, "clustering", 3); err != nil {
		t.Fatal(err)
	}
	it, err := st.ClaimItem(ctx, "clustering", "w")
	if err != nil {
		t.Fatal(err)
	}

	advanced, err := st.MarkDone(ctx, it, `{"clusters":3}`, "report_generation", 4)
	if err != nil {
		t.Fatal(err)
	}
	if !advanced {
		t.Fatal("next stage row not created")
	}

	done, err := st.GetItem(ctx, it.ID)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != ItemDone || done.FinishedAt.IsZero() || done.Result != `{"clusters":3}` {
		t.Fatalf("done row: %+v", done)
	}

	items, err := st.SubjectItems(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d rows, want 2", len(items))
	}
	next := items[1]
	if next.Stage != "report_generation" || next.Status != ItemPending ||
		next.AttemptCount != 0 || next.MaxAttempts != 4 {
		t.Fatalf("next stage row: %+v", next)
	}

	// Terminal stage: no further row.
	it, err = st.ClaimItem(ctx, "report_generation", "w")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.MarkDone(ctx, it, "", "", 0); err != nil {
		t.Fatal(err)
	}
	items, _ = st.SubjectItems(ctx, 7)
	if len(items) != 2 {
		t.Fatalf("terminal stage created a row: %d", len(items))
	}
}

func TestMarkDoneSuppressesDuplicateAdvance(t *testing.T) {
	t.Parallel()
	st, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := st.Enqueue(ctx, 9, "clustering", 3); err != nil {
		t.Fatal(err)
	}
	// The pair is already live in the next stage.
	if _, err := st.Enqueue(ctx, 9, "report_generation", 3); err != nil {
		t.Fatal(err)
	}

	it, err := st.ClaimItem(ctx, "clustering", "w")
	if err != nil {
		t.Fatal(err)
	}
	advanced, err := st.MarkDone(ctx, it, "", "report_generation", 3)
	if err != nil {
		t.Fatal(err)
	}
	if advanced {
		t.Fatal("duplicate advance not suppressed")
	}
	// The current row still completed, fully unlocked.
	done, _ := st.GetItem(ctx, it.ID)
	if done.Status != ItemDone || done.LockedBy != "" || !done.LockedAt.IsZero() {
		t.Fatalf("done row: %+v", done)
	}
}

func TestMarkFailedRetriesThenTerminal(t *testing.T) {
	t.Parallel()
	st, clk := newTestStore(t)
	ctx := context.Background()

	if _, err := st.Enqueue(ctx, 5, "report_generation", 3); err != nil {
		t.Fatal(err)
	}

	// Three failures stay within the attempt budget.
	for want := 1; want <= 3; want++ {
		it, err := st.ClaimItem(ctx, "report_generation", "w")
		if err != nil {
			t.Fatalf("claim before failure %d: %v", want, err)
		}
		terminal, err := st.MarkFailed(ctx, it, "boom", st.Now().Add(time.Minute))
		if err != nil {
			t.Fatal(err)
		}
		if terminal {
			t.Fatalf("failure %d should not be terminal", want)
		}
		got, _ := st.GetItem(ctx, it.ID)
		if got.Status != ItemPending || got.AttemptCount != want {
			t.Fatalf("after failure %d: %+v", want, got)
		}
		clk.Advance(2 * time.Minute)
	}

	// The fourth failure exhausts the budget.
	it, err := st.ClaimItem(ctx, "report_generation", "w")
	if err != nil {
		t.Fatal(err)
	}
	terminal, err := st.MarkFailed(ctx, it, "boom", st.Now().Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if !terminal {
		t.Fatal("fourth failure should be terminal")
	}
	got, _ := st.GetItem(ctx, it.ID)
	if got.Status != ItemFailed || got.FinishedAt.IsZero() || got.AttemptCount != 4 {
		t.Fatalf("terminal row: %+v", got)
	}
	if got.LockedBy != "" || !got.LockedAt.IsZero() {
		t.Fatalf("terminal row still holds lock fields: %+v", got)
	}
	if _, err := st.ClaimItem(ctx, "report_generation", "w"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("terminal item claimable: err = %v", err)
	}
}

func TestSweepItemLocksChargesAttemptOnce(t *testing.T) {
	t.Parallel()
	st, clk := newTestStore(t)
	ctx := context.Background()

	if _, err := st.Enqueue(ctx, 11, "image_generation", 3); err != nil {
		t.Fatal(err)
	}
	it, err := st.ClaimItem(ctx, "image_generation", "doomed")
	if err != nil {
		t.Fatal(err)
	}

	timeout := func(string) time.Duration { return 30 * time.Minute }

	clk.Advance(10 * time.Minute)
	if n, _ := st.SweepItemLocks(ctx, timeout); n != 0 {
		t.Fatal("young lock reclaimed")
	}

	clk.Advance(25 * time.Minute)
	n, err := st.SweepItemLocks(ctx, timeout)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("stale lock not reclaimed: n = %d", n)
	}
	got, _ := st.GetItem(ctx, it.ID)
	if got.Status != ItemPending || got.AttemptCount != 1 || got.LockedBy != "" {
		t.Fatalf("after sweep: %+v", got)
	}

	if n, _ := st.SweepItemLocks(ctx, timeout); n != 0 {
		t.Fatal("second sweep reclaimed again")
	}
	got, _ = st.GetItem(ctx, it.ID)
	if got.AttemptCount != 1 {
		t.Fatalf("attempt_count = %d after second sweep, want 1", got.AttemptCount)
	}
}

func TestSweepItemLocksTerminalWhenExhausted(t *testing.T) {
	t.Parallel()
	st, clk := newTestStore(t)
	ctx := context.Background()

	if _, err := st.Enqueue(ctx, 12, "image_generation", 1); err != nil {
		t.Fatal(err)
	}
	it, err := st.ClaimItem(ctx, "image_generation", "w")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.MarkFailed(ctx, it, "boom", st.Now()); err != nil {
		t.Fatal(err)
	}

	// attempt_count is now 1 of 1; a crash on the next run must terminal-fail.
	it, err = st.ClaimItem(ctx, "image_generation", "w")
	if err != nil {
		t.Fatal(err)
	}
	clk.Advance(time.Hour)
	n, err := st.SweepItemLocks(ctx, func(string) time.Duration { return 30 * time.Minute })
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("n = %d, want 1", n)
	}
	got, _ := st.GetItem(ctx, it.ID)
	if got.Status != ItemFailed || got.AttemptCount != 2 {
		t.Fatalf("exhausted item after sweep: %+v", got)
	}
}

func TestResetStuckDoesNotChargeAttempt(t *testing.T) {
	t.Parallel()
	st, clk := newTestStore(t)
	ctx := context.Background()

	if _, err := st.Enqueue(ctx, 13, "clustering", 3); err != nil {
		t.Fatal(err)
	}
	it, err := st.ClaimItem(ctx, "clustering", "w")
	if err != nil {
		t.Fatal(err)
	}

	clk.Advance(time.Hour)
	n, err := st.ResetStuck(ctx, "", 30*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("n = %d, want 1", n)
	}
	got, _ := st.GetItem(ctx, it.ID)
	if got.Status != ItemPending || got.AttemptCount != 0 {
		t.Fatalf("after reset-stuck: %+v", got)
	}

	// Stage filter matches nothing else.
	if _, err := st.ClaimItem(ctx, "clustering", "w"); err != nil {
		t.Fatal(err)
	}
	clk.Advance(time.Hour)
	if n, _ := st.ResetStuck(ctx, "report_generation", 30*time.Minute); n != 0 {
		t.Fatalf("stage filter ignored: n = %d", n)
	}
	if n, _ := st.ResetStuck(ctx, "clustering", 30*time.Minute); n != 1 {
		t.Fatal("stage-filtered reset missed the row")
	}
}

func TestStageStatsView(t *testing.T) {
	t.Parallel()
	st, clk := newTestStore(t)
	ctx := context.Background()

	for subject := int64(1); subject <= 3; subject++ {
		if _, err := st.Enqueue(ctx, subject, "clustering", 3); err != nil {
			t.Fatal(err)
		}
	}
	it, err := st.ClaimItem(ctx, "clustering", "w")
	if err != nil {
		t.Fatal(err)
	}
	clk.Advance(4 * time.Second)
	if _, err := st.MarkDone(ctx, it, "", "", 0); err != nil {
		t.Fatal(err)
	}

	stats, err := st.StageStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	byStatus := map[string]StageStat{}
	for _, s := range stats {
		if s.Stage != "clustering" {
			t.Fatalf("unexpected stage %q", s.Stage)
		}
		byStatus[s.Status] = s
	}
	if byStatus[ItemPending].Count != 2 {
		t.Fatalf("pending count = %d, want 2", byStatus[ItemPending].Count)
	}
	if byStatus[ItemDone].Count != 1 {
		t.Fatalf("done count = %d, want 1", byStatus[ItemDone].Count)
	}
	if byStatus[ItemDone].AvgDuration != 4*time.Second {
		t.Fatalf("avg duration = %v, want 4s", byStatus[ItemDone].AvgDuration)
	}
}
