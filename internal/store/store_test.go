package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"DuchyMill/internal/computation"
	"DuchyMill/internal/protocol"
	"DuchyMill/internal/storage"
)

// testClock is a manually advanced clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// newTestStore creates a store over a temporary Pebble database.
func newTestStore(t *testing.T) (*Store, *testClock, func()) {
	t.Helper()

	dir, err := os.MkdirTemp("", "store-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	db, err := storage.New(filepath.Join(dir, "db"))
	if err != nil {
		os.RemoveAll(dir)
		t.Fatalf("failed to create storage: %v", err)
	}

	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	s := New(db, protocol.DefaultRegistry(), WithClock(clock.Now))

	cleanup := func() {
		db.Close()
		os.RemoveAll(dir)
	}

	return s, clock, cleanup
}

var ring = []string{"alpha", "bravo", "charlie"}

// createV1 creates a queued LLv1 computation on duchy bravo.
func createV1(t *testing.T, s *Store, globalID string) computation.Token {
	t.Helper()

	tok, err := s.CreateComputation(context.Background(), NewComputation{
		GlobalID: globalID,
		Protocol: computation.LiquidLegionsV1,
		Stage:    computation.V1ToAddNoise,
		Details:  computation.Details{Duchy: "bravo", Participants: ring},
		Inputs:   []string{"1/TO_ADD_NOISE/sketch/aa"},
		After:    computation.AddUnclaimedToQueue,
	})
	if err != nil {
		t.Fatalf("CreateComputation: %v", err)
	}

	return tok
}

func TestCreateAndGet(t *testing.T) {
	s, _, cleanup := newTestStore(t)
	defer cleanup()

	ctx := context.Background()
	created := createV1(t, s, "cmp-1")

	if created.Attempt != 0 || created.Owner != "" || created.Version != 1 {
		t.Errorf("created token = %+v", created)
	}

	if created.Role != computation.RoleNonPrimary {
		t.Errorf("role = %s, want NON_PRIMARY", created.Role)
	}

	got, err := s.GetToken(ctx, "cmp-1")
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}

	if got.LocalID != created.LocalID || got.Stage != computation.V1ToAddNoise {
		t.Errorf("GetToken = %+v", got)
	}

	if len(got.Blobs) != 1 || got.Blobs[0].Path != "1/TO_ADD_NOISE/sketch/aa" || got.Blobs[0].Dependency != computation.DependencyInput {
		t.Errorf("blobs = %+v", got.Blobs)
	}

	if len(got.Details.Participants) != 3 || got.Details.Participants[2] != "charlie" {
		t.Errorf("participants = %v", got.Details.Participants)
	}

	if _, err := s.GetToken(ctx, "missing"); !errors.Is(err, computation.ErrNotFound) {
		t.Errorf("GetToken(missing) error = %v, want ErrNotFound", err)
	}

	_, err = s.CreateComputation(ctx, NewComputation{
		GlobalID: "cmp-1",
		Protocol: computation.LiquidLegionsV1,
		Stage:    computation.V1ToAddNoise,
		Details:  computation.Details{Duchy: "bravo", Participants: ring},
	})
	if !errors.Is(err, computation.ErrAlreadyExists) {
		t.Errorf("duplicate create error = %v, want ErrAlreadyExists", err)
	}
}

func TestCreateRejectsOutsider(t *testing.T) {
	s, _, cleanup := newTestStore(t)
	defer cleanup()

	_, err := s.CreateComputation(context.Background(), NewComputation{
		GlobalID: "cmp-x",
		Protocol: computation.LiquidLegionsV1,
		Stage:    computation.V1ToAddNoise,
		Details:  computation.Details{Duchy: "delta", Participants: ring},
	})
	if !errors.Is(err, computation.ErrInvalidArgument) {
		t.Errorf("error = %v, want ErrInvalidArgument", err)
	}
}

func TestClaimEmptyQueue(t *testing.T) {
	s, _, cleanup := newTestStore(t)
	defer cleanup()

	_, ok, err := s.ClaimWork(context.Background(), computation.LiquidLegionsV1, "mill-a")
	if err != nil {
		t.Fatalf("ClaimWork: %v", err)
	}

	if ok {
		t.Error("empty queue should yield no work")
	}
}

func TestClaimDropsOrphanQueueEntry(t *testing.T) {
	s, clock, cleanup := newTestStore(t)
	defer cleanup()

	ctx := context.Background()
	if err := s.db.Set(makeQueueKey(computation.LiquidLegionsV1, clock.Now(), 99), nil); err != nil {
		t.Fatalf("seed queue: %v", err)
	}

	_, ok, err := s.ClaimWork(ctx, computation.LiquidLegionsV1, "mill-a")
	if err != nil || ok {
		t.Fatalf("ClaimWork = %v, %v; want no work", ok, err)
	}

	depth, err := s.QueueDepth(ctx, computation.LiquidLegionsV1)
	if err != nil || depth != 0 {
		t.Errorf("QueueDepth = %d, %v; want 0", depth, err)
	}
}

func TestClaimMutualExclusion(t *testing.T) {
	s, _, cleanup := newTestStore(t)
	defer cleanup()

	createV1(t, s, "cmp-1")

	const workers = 16

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			owner := "mill-" + string(rune('a'+i))
			tok, ok, err := s.ClaimWork(context.Background(), computation.LiquidLegionsV1, owner)
			if err != nil {
				t.Errorf("ClaimWork: %v", err)
				return
			}

			if ok {
				mu.Lock()
				winners = append(winners, tok.Owner)
				mu.Unlock()
			}
		}(i)
	}

	wg.Wait()

	if len(winners) != 1 {
		t.Fatalf("%d claims succeeded, want exactly 1", len(winners))
	}

	tok, _ := s.GetToken(context.Background(), "cmp-1")
	if tok.Owner != winners[0] || tok.Attempt != 1 {
		t.Errorf("stored owner=%s attempt=%d, want %s/1", tok.Owner, tok.Attempt, winners[0])
	}
}

func TestClaimOrder(t *testing.T) {
	s, clock, cleanup := newTestStore(t)
	defer cleanup()

	ctx := context.Background()

	first := createV1(t, s, "cmp-1")
	second := createV1(t, s, "cmp-2")
	clock.Advance(time.Second)
	third := createV1(t, s, "cmp-3")

	for _, want := range []computation.Token{first, second, third} {
		tok, ok, err := s.ClaimWork(ctx, computation.LiquidLegionsV1, "mill-a")
		if err != nil || !ok {
			t.Fatalf("ClaimWork: ok=%v err=%v", ok, err)
		}

		if tok.GlobalID != want.GlobalID {
			t.Errorf("claimed %s, want %s", tok.GlobalID, want.GlobalID)
		}
	}

	if _, ok, _ := s.ClaimWork(ctx, computation.LiquidLegionsV2, "mill-a"); ok {
		t.Error("claims are scoped to one protocol")
	}
}

func TestMonotonicAttempt(t *testing.T) {
	s, clock, cleanup := newTestStore(t)
	defer cleanup()

	ctx := context.Background()
	createV1(t, s, "cmp-1")

	var last uint32

	for i := 0; i < 4; i++ {
		tok, ok, err := s.ClaimWork(ctx, computation.LiquidLegionsV1, "mill-a")
		if err != nil || !ok {
			t.Fatalf("claim %d: ok=%v err=%v", i, ok, err)
		}

		if tok.Attempt <= last {
			t.Fatalf("attempt %d after %d, want strictly greater", tok.Attempt, last)
		}
		last = tok.Attempt

		requeued, err := s.EnqueueComputation(ctx, tok, computation.EnqueueDelay(tok.Attempt))
		if err != nil {
			t.Fatalf("EnqueueComputation: %v", err)
		}

		if requeued.Owner != "" || requeued.Attempt != tok.Attempt {
			t.Errorf("requeued owner=%q attempt=%d, want empty/%d", requeued.Owner, requeued.Attempt, tok.Attempt)
		}

		clock.Advance(computation.EnqueueDelay(tok.Attempt))
	}
}

func TestEnqueueDelay(t *testing.T) {
	s, clock, cleanup := newTestStore(t)
	defer cleanup()

	ctx := context.Background()
	createV1(t, s, "cmp-1")

	tok, _, _ := s.ClaimWork(ctx, computation.LiquidLegionsV1, "mill-a")
	if _, err := s.EnqueueComputation(ctx, tok, 10*time.Second); err != nil {
		t.Fatalf("EnqueueComputation: %v", err)
	}

	clock.Advance(9 * time.Second)
	if _, ok, _ := s.ClaimWork(ctx, computation.LiquidLegionsV1, "mill-b"); ok {
		t.Fatal("computation claimed before its delay elapsed")
	}

	if depth, _ := s.QueueDepth(ctx, computation.LiquidLegionsV1); depth != 1 {
		t.Errorf("QueueDepth = %d, want 1", depth)
	}

	clock.Advance(time.Second)
	tok, ok, err := s.ClaimWork(ctx, computation.LiquidLegionsV1, "mill-b")
	if err != nil || !ok {
		t.Fatalf("claim after delay: ok=%v err=%v", ok, err)
	}

	if tok.Owner != "mill-b" || tok.Attempt != 2 {
		t.Errorf("owner=%s attempt=%d, want mill-b/2", tok.Owner, tok.Attempt)
	}
}

func TestStaleVersion(t *testing.T) {
	s, _, cleanup := newTestStore(t)
	defer cleanup()

	ctx := context.Background()
	createV1(t, s, "cmp-1")

	claimed, _, _ := s.ClaimWork(ctx, computation.LiquidLegionsV1, "mill-a")

	if _, err := s.EnqueueComputation(ctx, claimed, 0); err != nil {
		t.Fatalf("EnqueueComputation: %v", err)
	}

	// claimed is now stale
	_, err := s.UpdateStage(ctx, claimed, StageUpdate{
		Next:        computation.V1WaitConcatenated,
		OutputSlots: 1,
		After:       computation.DoNotAddToQueue,
	})
	if !errors.Is(err, computation.ErrStaleVersion) {
		t.Fatalf("error = %v, want ErrStaleVersion", err)
	}

	if errors.Is(err, computation.ErrNotFound) {
		t.Error("stale version must be distinguishable from not found")
	}

	ghost := claimed
	ghost.LocalID = 999
	if _, err := s.EnqueueComputation(ctx, ghost, 0); !errors.Is(err, computation.ErrNotFound) {
		t.Errorf("unknown computation error = %v, want ErrNotFound", err)
	}
}

func TestUpdateStage(t *testing.T) {
	s, _, cleanup := newTestStore(t)
	defer cleanup()

	ctx := context.Background()
	createV1(t, s, "cmp-1")

	tok, _, _ := s.ClaimWork(ctx, computation.LiquidLegionsV1, "mill-a")

	next, err := s.UpdateStage(ctx, tok, StageUpdate{
		Next:        computation.V1WaitConcatenated,
		OutputSlots: 1,
		After:       computation.DoNotAddToQueue,
	})
	if err != nil {
		t.Fatalf("UpdateStage: %v", err)
	}

	if next.Stage != computation.V1WaitConcatenated || next.Owner != "" || next.Version != tok.Version+1 {
		t.Errorf("next = %+v", next)
	}

	outputs := next.BlobsOf(computation.DependencyOutput)
	if len(outputs) != 1 || outputs[0].Written() {
		t.Fatalf("outputs = %+v, want one empty slot", outputs)
	}

	if _, ok, _ := s.ClaimWork(ctx, computation.LiquidLegionsV1, "mill-b"); ok {
		t.Error("DoNotAddToQueue must not make the computation claimable")
	}

	_, err = s.UpdateStage(ctx, next, StageUpdate{Next: computation.V1ToDecryptFlagCounts, After: computation.AddUnclaimedToQueue})
	if !errors.Is(err, computation.ErrIllegalTransition) {
		t.Errorf("skip transition error = %v, want ErrIllegalTransition", err)
	}

	_, err = s.UpdateStage(ctx, next, StageUpdate{Next: computation.V1Complete, After: computation.AddUnclaimedToQueue})
	if !errors.Is(err, computation.ErrIllegalTransition) {
		t.Errorf("terminal via UpdateStage error = %v, want ErrIllegalTransition", err)
	}
}

func TestContinueWorkingKeepsOwner(t *testing.T) {
	s, _, cleanup := newTestStore(t)
	defer cleanup()

	ctx := context.Background()

	_, err := s.CreateComputation(ctx, NewComputation{
		GlobalID: "cmp-1",
		Protocol: computation.LiquidLegionsV2,
		Stage:    computation.V2SetupPhase,
		Details:  computation.Details{Duchy: "bravo", Participants: ring},
		Inputs:   []string{"sketch"},
		After:    computation.AddUnclaimedToQueue,
	})
	if err != nil {
		t.Fatalf("CreateComputation: %v", err)
	}

	tok, _, _ := s.ClaimWork(ctx, computation.LiquidLegionsV2, "mill-a")

	next, err := s.UpdateStage(ctx, tok, StageUpdate{
		Next:        computation.V2WaitExecutionPhaseOneInputs,
		OutputSlots: 1,
		After:       computation.ContinueWorking,
	})
	if err != nil {
		t.Fatalf("UpdateStage: %v", err)
	}

	if next.Owner != "mill-a" || next.Attempt != tok.Attempt {
		t.Errorf("owner=%s attempt=%d, want mill-a/%d", next.Owner, next.Attempt, tok.Attempt)
	}
}

func TestWriteOutputBlobRef(t *testing.T) {
	s, _, cleanup := newTestStore(t)
	defer cleanup()

	ctx := context.Background()
	createV1(t, s, "cmp-1")

	tok, _, _ := s.ClaimWork(ctx, computation.LiquidLegionsV1, "mill-a")
	tok, _ = s.UpdateStage(ctx, tok, StageUpdate{
		Next:        computation.V1WaitConcatenated,
		OutputSlots: 1,
		After:       computation.DoNotAddToQueue,
	})

	slot := tok.BlobsOf(computation.DependencyOutput)[0]

	written, err := s.WriteOutputBlobRef(ctx, tok, slot.ID, "1/WAIT_CONCATENATED/peer/01", "alpha")
	if err != nil {
		t.Fatalf("WriteOutputBlobRef: %v", err)
	}

	if !written.AllOutputsWritten() || written.WrittenOutputs()[0].Origin != "alpha" {
		t.Errorf("written = %+v", written.Blobs)
	}

	if tok.AllOutputsWritten() {
		t.Error("previous token must stay untouched")
	}

	again, err := s.WriteOutputBlobRef(ctx, written, slot.ID, "1/WAIT_CONCATENATED/peer/01", "alpha")
	if err != nil {
		t.Fatalf("rewrite same path: %v", err)
	}

	if again.Version != written.Version {
		t.Error("rewriting the same path should not bump the version")
	}

	if _, err := s.WriteOutputBlobRef(ctx, written, slot.ID, "other", "alpha"); !errors.Is(err, computation.ErrIllegalState) {
		t.Errorf("overwrite error = %v, want ErrIllegalState", err)
	}

	if _, err := s.WriteOutputBlobRef(ctx, written, 42, "p", ""); !errors.Is(err, computation.ErrInvalidArgument) {
		t.Errorf("unknown slot error = %v, want ErrInvalidArgument", err)
	}
}

func TestFinishAndDelete(t *testing.T) {
	s, _, cleanup := newTestStore(t)
	defer cleanup()

	ctx := context.Background()
	createV1(t, s, "cmp-1")

	tok, _, _ := s.ClaimWork(ctx, computation.LiquidLegionsV1, "mill-a")

	if err := s.DeleteComputation(ctx, tok); !errors.Is(err, computation.ErrIllegalState) {
		t.Errorf("delete running error = %v, want ErrIllegalState", err)
	}

	if _, err := s.FinishComputation(ctx, tok, computation.V1WaitSketches, computation.EndReasonFailed); !errors.Is(err, computation.ErrIllegalTransition) {
		t.Errorf("finish at non-terminal error = %v, want ErrIllegalTransition", err)
	}

	done, err := s.FinishComputation(ctx, tok, computation.V1Complete, computation.EndReasonFailed)
	if err != nil {
		t.Fatalf("FinishComputation: %v", err)
	}

	if done.Owner != "" || done.Stage != computation.V1Complete || done.EndReason != computation.EndReasonFailed {
		t.Errorf("done = %+v", done)
	}

	if _, err := s.EnqueueComputation(ctx, done, 0); !errors.Is(err, computation.ErrIllegalState) {
		t.Errorf("enqueue terminal error = %v, want ErrIllegalState", err)
	}

	if err := s.RecordStat(ctx, Stat{LocalID: done.LocalID, Attempt: 1, Stage: computation.V1ToAddNoise, Name: "stage_wall_clock_ms", Value: 12}); err != nil {
		t.Fatalf("RecordStat: %v", err)
	}

	if err := s.DeleteComputation(ctx, done); err != nil {
		t.Fatalf("DeleteComputation: %v", err)
	}

	if _, err := s.GetToken(ctx, "cmp-1"); !errors.Is(err, computation.ErrNotFound) {
		t.Errorf("GetToken after delete = %v, want ErrNotFound", err)
	}

	if stats, _ := s.Stats(ctx, done.LocalID); len(stats) != 0 {
		t.Errorf("stats survived delete: %v", stats)
	}
}

func TestStats(t *testing.T) {
	s, _, cleanup := newTestStore(t)
	defer cleanup()

	ctx := context.Background()
	tok := createV1(t, s, "cmp-1")

	stats := []Stat{
		{LocalID: tok.LocalID, Attempt: 2, Stage: computation.V1ToAddNoise, Name: "output_bytes", Value: 100},
		{LocalID: tok.LocalID, Attempt: 1, Stage: computation.V1ToAddNoise, Name: "crypto_wall_clock_ms", Value: 7},
		{LocalID: tok.LocalID, Attempt: 1, Stage: computation.V1ToAddNoise, Name: "crypto_wall_clock_ms", Value: 9},
	}

	for _, st := range stats {
		if err := s.RecordStat(ctx, st); err != nil {
			t.Fatalf("RecordStat: %v", err)
		}
	}

	got, err := s.Stats(ctx, tok.LocalID)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("got %d stats, want 2 (same name overwrites)", len(got))
	}

	if got[0].Attempt != 1 || got[0].Value != 9 {
		t.Errorf("first stat = %+v, want attempt 1 value 9", got[0])
	}

	if got[1].Name != "output_bytes" || got[1].RecordedAt.IsZero() {
		t.Errorf("second stat = %+v", got[1])
	}
}

func TestReleaseClaims(t *testing.T) {
	s, _, cleanup := newTestStore(t)
	defer cleanup()

	ctx := context.Background()
	createV1(t, s, "cmp-1")

	if _, _, err := s.ClaimWork(ctx, computation.LiquidLegionsV1, "dead-mill"); err != nil {
		t.Fatalf("ClaimWork: %v", err)
	}

	n, err := s.ReleaseClaims(ctx)
	if err != nil || n != 1 {
		t.Fatalf("ReleaseClaims = %d, %v; want 1", n, err)
	}

	tok, ok, err := s.ClaimWork(ctx, computation.LiquidLegionsV1, "mill-a")
	if err != nil || !ok {
		t.Fatalf("reclaim: ok=%v err=%v", ok, err)
	}

	if tok.Attempt != 2 {
		t.Errorf("attempt = %d, want 2", tok.Attempt)
	}
}

func TestEndedBefore(t *testing.T) {
	s, clock, cleanup := newTestStore(t)
	defer cleanup()

	ctx := context.Background()
	createV1(t, s, "cmp-old")
	createV1(t, s, "cmp-running")

	tok, _, _ := s.ClaimWork(ctx, computation.LiquidLegionsV1, "mill-a")
	if tok.GlobalID != "cmp-old" {
		t.Fatalf("claimed %s, want cmp-old", tok.GlobalID)
	}

	if _, err := s.FinishComputation(ctx, tok, computation.V1Complete, computation.EndReasonSucceeded); err != nil {
		t.Fatalf("FinishComputation: %v", err)
	}

	clock.Advance(time.Hour)

	ended, err := s.EndedBefore(ctx, clock.Now())
	if err != nil {
		t.Fatalf("EndedBefore: %v", err)
	}

	if len(ended) != 1 || ended[0].GlobalID != "cmp-old" {
		t.Errorf("ended = %+v", ended)
	}

	if ended, _ := s.EndedBefore(ctx, clock.Now().Add(-2*time.Hour)); len(ended) != 0 {
		t.Errorf("cutoff before the end should find nothing, got %d", len(ended))
	}
}
