package advance

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"DuchyMill/internal/blob"
	"DuchyMill/internal/computation"
	"DuchyMill/internal/protocol"
	"DuchyMill/internal/storage"
	"DuchyMill/internal/store"
	"DuchyMill/internal/transfer"
)

var ring = []string{"alpha", "bravo", "charlie"}

// fixture is one duchy's store, blobs and advance service.
type fixture struct {
	svc   *Service
	store *store.Store
	blobs *blob.Store
}

// newFixture creates a service over a temporary Pebble database.
func newFixture(t *testing.T) (*fixture, func()) {
	t.Helper()

	dir, err := os.MkdirTemp("", "advance-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	db, err := storage.New(filepath.Join(dir, "db"))
	if err != nil {
		os.RemoveAll(dir)
		t.Fatalf("failed to create storage: %v", err)
	}

	blobs, err := blob.New(db)
	if err != nil {
		db.Close()
		os.RemoveAll(dir)
		t.Fatalf("failed to create blob store: %v", err)
	}

	registry := protocol.DefaultRegistry()
	st := store.New(db, registry)

	f := &fixture{
		svc:   NewService(ServiceConfig{Store: st, Blobs: blobs, Registry: registry}),
		store: st,
		blobs: blobs,
	}

	cleanup := func() {
		blobs.Close()
		db.Close()
		os.RemoveAll(dir)
	}

	return f, cleanup
}

// create creates a v1 computation on duchy in the given stage.
func (f *fixture) create(t *testing.T, duchy string, stage computation.Stage, passThrough []string, slots int) computation.Token {
	t.Helper()

	tok, err := f.store.CreateComputation(context.Background(), store.NewComputation{
		GlobalID:    "cmp-1",
		Protocol:    computation.LiquidLegionsV1,
		Stage:       stage,
		Details:     computation.Details{Duchy: duchy, Participants: ring},
		PassThrough: passThrough,
		OutputSlots: slots,
		After:       computation.DoNotAddToQueue,
	})
	if err != nil {
		t.Fatalf("CreateComputation: %v", err)
	}

	return tok
}

func header(desc computation.Description, sender string) transfer.Header {
	return transfer.Header{
		GlobalID:    "cmp-1",
		Protocol:    computation.LiquidLegionsV1,
		Description: desc,
		Sender:      sender,
	}
}

// TestAcceptFillsSlotsAndAdvances collects the sketches at the primary.
func TestAcceptFillsSlotsAndAdvances(t *testing.T) {
	f, cleanup := newFixture(t)
	defer cleanup()

	ctx := context.Background()
	f.create(t, "alpha", computation.V1WaitSketches, []string{"1/TO_ADD_NOISE/noised/aa"}, 2)

	resp := f.svc.Accept(ctx, header(computation.DescSketch, "bravo"), []byte("bravo-sketch"))
	if resp.Status != transfer.StatusOK {
		t.Fatalf("first sketch: %s %s", resp.Status, resp.Message)
	}

	// Redelivery must not take the second slot.
	resp = f.svc.Accept(ctx, header(computation.DescSketch, "bravo"), []byte("bravo-sketch"))
	if resp.Status != transfer.StatusOK {
		t.Fatalf("duplicate sketch: %s %s", resp.Status, resp.Message)
	}

	tok, _ := f.store.GetToken(ctx, "cmp-1")
	if tok.Stage != computation.V1WaitSketches || len(tok.WrittenOutputs()) != 1 {
		t.Fatalf("after bravo: stage %s, %d written", tok.Stage, len(tok.WrittenOutputs()))
	}

	resp = f.svc.Accept(ctx, header(computation.DescSketch, "charlie"), []byte("charlie-sketch"))
	if resp.Status != transfer.StatusOK {
		t.Fatalf("second sketch: %s %s", resp.Status, resp.Message)
	}

	tok, _ = f.store.GetToken(ctx, "cmp-1")
	if tok.Stage != computation.V1ToBlindPositions {
		t.Fatalf("stage = %s, want TO_BLIND_POSITIONS", tok.Stage)
	}

	inputs := tok.InputPaths()
	if len(inputs) != 3 || inputs[0] != "1/TO_ADD_NOISE/noised/aa" {
		t.Fatalf("inputs = %v", inputs)
	}

	for i, want := range []string{"bravo-sketch", "charlie-sketch"} {
		got, err := f.blobs.Read(ctx, inputs[i+1])
		if err != nil || !bytes.Equal(got, []byte(want)) {
			t.Errorf("input %d = %q, %v; want %q", i+1, got, err, want)
		}
	}

	claimed, ok, err := f.store.ClaimWork(ctx, computation.LiquidLegionsV1, "mill-1")
	if err != nil || !ok || claimed.GlobalID != "cmp-1" {
		t.Errorf("advanced computation not queued: ok=%v err=%v", ok, err)
	}

	stats, _ := f.store.Stats(ctx, tok.LocalID)
	if len(stats) != 2 || stats[0].Name != statBytesReceived+"/bravo" || stats[1].Value != int64(len("charlie-sketch")) {
		t.Errorf("stats = %+v", stats)
	}
}

// TestAcceptNotReady checks transfers that arrive before the waiting stage.
func TestAcceptNotReady(t *testing.T) {
	f, cleanup := newFixture(t)
	defer cleanup()

	ctx := context.Background()

	resp := f.svc.Accept(ctx, header(computation.DescConcatenatedSketch, "alpha"), []byte("x"))
	if resp.Status != transfer.StatusNotReady {
		t.Errorf("unknown computation: %s, want NOT_READY", resp.Status)
	}

	f.create(t, "bravo", computation.V1ToAddNoise, nil, 0)

	resp = f.svc.Accept(ctx, header(computation.DescConcatenatedSketch, "alpha"), []byte("x"))
	if resp.Status != transfer.StatusNotReady {
		t.Errorf("earlier stage: %s, want NOT_READY", resp.Status)
	}

	if resp.Err() == nil || computation.IsPermanent(resp.Err()) {
		t.Errorf("NOT_READY must be a transient error, got %v", resp.Err())
	}
}

// TestAcceptLaterStage checks that a transfer already consumed is acknowledged.
func TestAcceptLaterStage(t *testing.T) {
	f, cleanup := newFixture(t)
	defer cleanup()

	f.create(t, "bravo", computation.V1WaitFlagCounts, nil, 1)

	resp := f.svc.Accept(context.Background(), header(computation.DescConcatenatedSketch, "alpha"), []byte("x"))
	if resp.Status != transfer.StatusOK {
		t.Errorf("later stage: %s %s, want OK", resp.Status, resp.Message)
	}
}

// TestAcceptRejected checks transfers that can never be accepted.
func TestAcceptRejected(t *testing.T) {
	tests := []struct {
		name  string
		duchy string
		stage computation.Stage
		h     transfer.Header
	}{
		{"not from previous duchy", "bravo", computation.V1WaitConcatenated, header(computation.DescConcatenatedSketch, "charlie")},
		{"sketch to non-primary", "bravo", computation.V1WaitConcatenated, header(computation.DescSketch, "charlie")},
		{"outsider", "bravo", computation.V1WaitConcatenated, header(computation.DescConcatenatedSketch, "zulu")},
		{"from self", "bravo", computation.V1WaitConcatenated, header(computation.DescConcatenatedSketch, "bravo")},
		{"description of other protocol", "bravo", computation.V1WaitConcatenated, header(computation.DescSetupPhaseInput, "alpha")},
		{"protocol mismatch", "alpha", computation.V1WaitSketches, transfer.Header{
			GlobalID:    "cmp-1",
			Protocol:    computation.LiquidLegionsV2,
			Description: computation.DescSetupPhaseInput,
			Sender:      "bravo",
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, cleanup := newFixture(t)
			defer cleanup()

			f.create(t, tt.duchy, tt.stage, nil, 1)

			resp := f.svc.Accept(context.Background(), tt.h, []byte("x"))
			if resp.Status != transfer.StatusRejected {
				t.Errorf("status = %s (%s), want REJECTED", resp.Status, resp.Message)
			}

			if !computation.IsPermanent(resp.Err()) {
				t.Errorf("REJECTED must be permanent, got %v", resp.Err())
			}
		})
	}
}

// TestAcceptFailedComputation rejects input for a computation that failed.
func TestAcceptFailedComputation(t *testing.T) {
	f, cleanup := newFixture(t)
	defer cleanup()

	ctx := context.Background()
	tok := f.create(t, "bravo", computation.V1WaitConcatenated, nil, 1)

	if _, err := f.store.FinishComputation(ctx, tok, computation.V1Complete, computation.EndReasonFailed); err != nil {
		t.Fatalf("FinishComputation: %v", err)
	}

	resp := f.svc.Accept(ctx, header(computation.DescConcatenatedSketch, "alpha"), []byte("x"))
	if resp.Status != transfer.StatusRejected {
		t.Errorf("status = %s, want REJECTED", resp.Status)
	}
}

// pipeOpener serves every stream with svc in-process, as peer.
type pipeOpener struct {
	svc  *Service
	peer string
}

func (o pipeOpener) OpenStream(ctx context.Context, duchyID string) (transfer.Stream, error) {
	local, remote := transfer.Pipe()

	go func() {
		o.svc.HandleStream(ctx, o.peer, remote)
		remote.Close()
	}()

	return local, nil
}

// TestClientToService pushes a payload through the client and the stream handler.
func TestClientToService(t *testing.T) {
	f, cleanup := newFixture(t)
	defer cleanup()

	ctx := context.Background()
	f.create(t, "bravo", computation.V1WaitConcatenated, nil, 1)

	sender := computation.Token{GlobalID: "cmp-1", Protocol: computation.LiquidLegionsV1}
	payload := bytes.Repeat([]byte{7}, 100000)

	client := NewClient(pipeOpener{svc: f.svc, peer: "alpha"}, "alpha", 32768)
	if err := client.Send(ctx, "bravo", sender, computation.DescConcatenatedSketch, payload); err != nil {
		t.Fatalf("Send: %v", err)
	}

	tok, _ := f.store.GetToken(ctx, "cmp-1")
	if tok.Stage != computation.V1ToBlindPositions {
		t.Fatalf("stage = %s, want TO_BLIND_POSITIONS", tok.Stage)
	}

	got, err := f.blobs.Read(ctx, tok.InputPaths()[0])
	if err != nil || !bytes.Equal(got, payload) {
		t.Errorf("stored payload differs: %v", err)
	}
}

// TestClientSenderMismatch rejects a header naming another duchy than the connection.
func TestClientSenderMismatch(t *testing.T) {
	f, cleanup := newFixture(t)
	defer cleanup()

	f.create(t, "bravo", computation.V1WaitConcatenated, nil, 1)

	sender := computation.Token{GlobalID: "cmp-1", Protocol: computation.LiquidLegionsV1}

	client := NewClient(pipeOpener{svc: f.svc, peer: "charlie"}, "alpha", 0)
	err := client.Send(context.Background(), "bravo", sender, computation.DescConcatenatedSketch, []byte("x"))
	if !computation.IsPermanent(err) {
		t.Errorf("error = %v, want permanent rejection", err)
	}
}

// trackedStream records whether the client released its input side.
type trackedStream struct {
	transfer.Stream
	canceled *atomic.Bool
}

func (s trackedStream) CancelInput() {
	s.canceled.Store(true)
	if c, ok := s.Stream.(transfer.InputCanceler); ok {
		c.CancelInput()
	}
}

type trackedOpener struct {
	pipeOpener
	canceled *atomic.Bool
}

func (o trackedOpener) OpenStream(ctx context.Context, duchyID string) (transfer.Stream, error) {
	s, err := o.pipeOpener.OpenStream(ctx, duchyID)
	if err != nil {
		return nil, err
	}

	return trackedStream{Stream: s, canceled: o.canceled}, nil
}

// TestClientReleasesStream checks the stream is released after a refused transfer.
func TestClientReleasesStream(t *testing.T) {
	f, cleanup := newFixture(t)
	defer cleanup()

	var canceled atomic.Bool
	opener := trackedOpener{pipeOpener: pipeOpener{svc: f.svc, peer: "alpha"}, canceled: &canceled}

	sender := computation.Token{GlobalID: "cmp-unknown", Protocol: computation.LiquidLegionsV1}

	client := NewClient(opener, "alpha", 0)
	err := client.Send(context.Background(), "bravo", sender, computation.DescConcatenatedSketch, []byte("x"))
	if err == nil || computation.IsPermanent(err) {
		t.Fatalf("error = %v, want transient not-ready", err)
	}

	if !canceled.Load() {
		t.Error("client did not release the stream input")
	}
}
