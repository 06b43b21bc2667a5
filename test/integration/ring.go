package integration

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"DuchyMill/internal/advance"
	"DuchyMill/internal/attest"
	"DuchyMill/internal/blob"
	"DuchyMill/internal/computation"
	"DuchyMill/internal/cryptovm"
	"DuchyMill/internal/herald"
	"DuchyMill/internal/kingdom"
	"DuchyMill/internal/mill"
	"DuchyMill/internal/protocol"
	"DuchyMill/internal/storage"
	"DuchyMill/internal/store"
	"DuchyMill/internal/transfer"
)

// simClock is the shared clock of a ring. It only moves when the driver
// advances it, so backoff delays cost no wall time.
type simClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *simClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *simClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recorder is a kingdom that keeps every report.
type recorder struct {
	mu       sync.Mutex
	statuses []kingdom.Status
	failures []kingdom.Failure
	results  []kingdom.Result
}

func (r *recorder) ReportStatus(_ context.Context, s kingdom.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.statuses = append(r.statuses, s)

	return nil
}

func (r *recorder) ReportFailure(_ context.Context, f kingdom.Failure) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.failures = append(r.failures, f)

	return nil
}

func (r *recorder) ReportResult(_ context.Context, res kingdom.Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.results = append(r.results, res)

	return nil
}

// Results returns the results reported so far.
func (r *recorder) Results() []kingdom.Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]kingdom.Result(nil), r.results...)
}

// Failures returns the failures reported so far.
func (r *recorder) Failures() []kingdom.Failure {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]kingdom.Failure(nil), r.failures...)
}

// SimDuchy is one in-process duchy of a ring.
type SimDuchy struct {
	ID      string
	Store   *store.Store
	Blobs   *blob.Store
	Herald  *herald.Herald
	Service *advance.Service
	Mills   []*mill.Mill
	Kingdom *recorder
	Attest  *attest.KeyPair

	db *storage.Storage
}

// ringOpener routes a duchy's outbound streams to the target duchy's
// advance service over in-memory pipes.
type ringOpener struct {
	ring *Ring
	self string
}

func (o ringOpener) OpenStream(ctx context.Context, duchyID string) (transfer.Stream, error) {
	target, ok := o.ring.duchies[duchyID]
	if !ok {
		return nil, fmt.Errorf("unknown duchy %s", duchyID)
	}

	local, remote := transfer.Pipe()

	go func() {
		target.Service.HandleStream(ctx, o.self, remote)
		remote.Close()
	}()

	return local, nil
}

// ringOpts holds the configuration of a Ring.
type ringOpts struct {
	millsPerDuchy int                          // millsPerDuchy is the number of mills per duchy and protocol
	chunkSize     int                          // chunkSize is the transfer chunk size
	crypto        map[string]cryptovm.Executor // crypto overrides a duchy's executor
}

// RingOption configures a Ring.
type RingOption func(*ringOpts)

// WithMills sets the number of mills per duchy and protocol.
func WithMills(n int) RingOption { return func(o *ringOpts) { o.millsPerDuchy = n } }

// WithChunkSize sets the transfer chunk size.
func WithChunkSize(n int) RingOption { return func(o *ringOpts) { o.chunkSize = n } }

// WithCrypto replaces the crypto executor of one duchy.
func WithCrypto(duchy string, e cryptovm.Executor) RingOption {
	return func(o *ringOpts) { o.crypto[duchy] = e }
}

// Ring is a set of in-process duchies sharing a clock, each with its own
// Pebble database, talking through in-memory transfer streams.
type Ring struct {
	t       *testing.T
	ids     []string
	duchies map[string]*SimDuchy
	clock   *simClock
}

// NewRing creates duchies with the given IDs, in ring order.
func NewRing(t *testing.T, ids []string, options ...RingOption) *Ring {
	t.Helper()

	opts := ringOpts{millsPerDuchy: 1, chunkSize: 1024, crypto: make(map[string]cryptovm.Executor)}
	for _, o := range options {
		o(&opts)
	}

	r := &Ring{
		t:       t,
		ids:     ids,
		duchies: make(map[string]*SimDuchy, len(ids)),
		clock:   &simClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
	}

	testDir, err := os.MkdirTemp("", "duchy_ring_*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}

	t.Cleanup(func() {
		r.close()
		os.RemoveAll(testDir)
	})

	for i, id := range ids {
		r.duchies[id] = r.newDuchy(filepath.Join(testDir, id), id, byte(i+1), opts)
	}

	return r
}

// newDuchy opens one duchy's stores and wires its mills.
func (r *Ring) newDuchy(dir, id string, seed byte, opts ringOpts) *SimDuchy {
	r.t.Helper()

	db, err := storage.New(dir)
	if err != nil {
		r.t.Fatalf("open storage for %s: %v", id, err)
	}

	blobs, err := blob.New(db)
	if err != nil {
		db.Close()
		r.t.Fatalf("open blobs for %s: %v", id, err)
	}

	registry := protocol.DefaultRegistry()
	st := store.New(db, registry, store.WithClock(r.clock.Now))

	key := ed25519.NewKeyFromSeed(bytes.Repeat([]byte{seed}, ed25519.SeedSize))

	attester, err := attest.DeriveFromED25519(key)
	if err != nil {
		r.t.Fatalf("derive attest key for %s: %v", id, err)
	}

	crypto, ok := opts.crypto[id]
	if !ok {
		crypto = referenceCrypto(registry)
	}

	d := &SimDuchy{
		ID:      id,
		Store:   st,
		Blobs:   blobs,
		Herald:  herald.New(id, st, blobs, registry),
		Service: advance.NewService(advance.ServiceConfig{Store: st, Blobs: blobs, Registry: registry}),
		Kingdom: &recorder{},
		Attest:  attester,
		db:      db,
	}

	sender := advance.NewClient(ringOpener{ring: r, self: id}, id, opts.chunkSize)

	for _, p := range []computation.Protocol{computation.LiquidLegionsV1, computation.LiquidLegionsV2} {
		for n := range opts.millsPerDuchy {
			m, err := mill.New(mill.Config{
				Owner:    fmt.Sprintf("%s-mill-%s-%d", id, p, n),
				Protocol: p,
				Store:    st,
				Blobs:    blobs,
				Crypto:   crypto,
				Sender:   sender,
				Reporter: d.Kingdom,
				Registry: registry,
				Attester: attester,
			})
			if err != nil {
				r.t.Fatalf("create mill for %s: %v", id, err)
			}

			d.Mills = append(d.Mills, m)
		}
	}

	return d
}

// referenceCrypto returns reference stand-ins for every operation.
func referenceCrypto(registry protocol.Registry) cryptovm.Executor {
	var ops []string
	for _, table := range registry {
		ops = append(ops, table.Operations()...)
	}

	return cryptovm.Reference(ops...)
}

// close closes every duchy's stores.
func (r *Ring) close() {
	for _, d := range r.duchies {
		d.Blobs.Close()
		d.db.Close()
	}
}

// Duchy returns a duchy by ID.
func (r *Ring) Duchy(id string) *SimDuchy { return r.duchies[id] }

// Primary returns the first duchy of the ring.
func (r *Ring) Primary() *SimDuchy { return r.duchies[r.ids[0]] }

// Start starts a computation at every duchy, each with its own sketch.
func (r *Ring) Start(globalID string, p computation.Protocol, sketches map[string][]byte) {
	r.t.Helper()

	for _, id := range r.ids {
		_, err := r.duchies[id].Herald.Start(context.Background(), herald.StartRequest{
			GlobalID:     globalID,
			Protocol:     p,
			Participants: r.ids,
			Sketch:       sketches[id],
		})
		if err != nil {
			r.t.Fatalf("start %s at %s: %v", globalID, id, err)
		}
	}
}

// Step runs every mill until none can claim work and returns how many
// stages were processed.
func (r *Ring) Step() int {
	r.t.Helper()

	processed := 0

	for _, id := range r.ids {
		for _, m := range r.duchies[id].Mills {
			for {
				_, ok, err := m.ProcessOnce(context.Background())
				if err != nil {
					r.t.Fatalf("%s: ProcessOnce: %v", m.Owner(), err)
				}

				if !ok {
					break
				}

				processed++
			}
		}
	}

	return processed
}

// RunUntil steps the ring until done reports true, advancing the clock past
// the longest backoff whenever a step makes no progress.
func (r *Ring) RunUntil(done func() bool, maxSteps int) {
	r.t.Helper()

	for i := 0; i < maxSteps; i++ {
		if done() {
			return
		}

		if r.Step() == 0 {
			r.clock.Advance(computation.EnqueueDelay(math.MaxUint32))
		}
	}

	if !done() {
		r.t.Fatalf("ring did not settle after %d steps:\n%s", maxSteps, r.describe())
	}
}

// Terminal reports whether a computation ended at every duchy.
func (r *Ring) Terminal(globalID string) bool {
	for _, id := range r.ids {
		tok, err := r.duchies[id].Store.GetToken(context.Background(), globalID)
		if err != nil || !tok.IsTerminal() {
			return false
		}
	}

	return true
}

// Token returns a duchy's token for a computation.
func (r *Ring) Token(id, globalID string) computation.Token {
	r.t.Helper()

	tok, err := r.duchies[id].Store.GetToken(context.Background(), globalID)
	if err != nil && !errors.Is(err, computation.ErrNotFound) {
		r.t.Fatalf("get %s at %s: %v", globalID, id, err)
	}

	return tok
}

// describe lists every computation's stage at every duchy.
func (r *Ring) describe() string {
	var buf bytes.Buffer

	for _, id := range r.ids {
		d := r.duchies[id]
		for _, p := range []computation.Protocol{computation.LiquidLegionsV1, computation.LiquidLegionsV2} {
			depth, _ := d.Store.QueueDepth(context.Background(), p)
			fmt.Fprintf(&buf, "  %s %s queue=%d\n", id, p, depth)
		}
	}

	return buf.String()
}
