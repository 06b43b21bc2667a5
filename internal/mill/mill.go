// Package mill runs the duchy's computation workers.
//
// A Mill claims one computation at a time from the store, runs the crypto
// operation of its current stage, checkpoints the output, pushes it to the
// peer duchy the protocol names and moves the computation to its next stage.
// Failures are classified: permanent ones end the computation as FAILED,
// transient ones put it back in the queue with a growing delay.
package mill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"DuchyMill/internal/attest"
	"DuchyMill/internal/blob"
	"DuchyMill/internal/computation"
	"DuchyMill/internal/cryptovm"
	"DuchyMill/internal/kingdom"
	"DuchyMill/internal/logger"
	"DuchyMill/internal/protocol"
	"DuchyMill/internal/store"
)

const (
	// defaultPollInterval is the minimum time between two claims.
	defaultPollInterval = time.Second

	// maxCASRetries bounds re-reads after a concurrent token update.
	maxCASRetries = 8
)

// errLostClaim is returned when the token changed hands during a stage.
var errLostClaim = errors.New("claim lost")

// Sender pushes a stage output to a peer duchy.
type Sender interface {
	Send(ctx context.Context, to string, tok computation.Token, desc computation.Description, payload []byte) error
}

// Config holds the configuration of a Mill.
type Config struct {
	Owner        string               // Owner identifies this mill in claims
	Protocol     computation.Protocol // Protocol is the only protocol this mill claims
	Store        *store.Store         // Store holds the computations
	Blobs        *blob.Store          // Blobs holds stage inputs and outputs
	Crypto       cryptovm.Executor    // Crypto runs the stage operations
	Sender       Sender               // Sender pushes outputs to peers
	Reporter     kingdom.Reporter     // Reporter receives status, failures and results (default: log)
	Registry     protocol.Registry    // Registry holds the stage tables (default: all protocols)
	Attester     *attest.KeyPair      // Attester signs results, nil to report them unsigned
	PollInterval time.Duration        // PollInterval is the minimum time between claims
}

// Mill is one worker claiming computations of one protocol.
type Mill struct {
	owner    string
	store    *store.Store
	blobs    *blob.Store
	crypto   cryptovm.Executor
	sender   Sender
	reporter kingdom.Reporter
	table    *protocol.Table
	attester *attest.KeyPair
	protocol computation.Protocol
	throttle *Throttler
	log      *slog.Logger

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a mill.
func New(cfg Config) (*Mill, error) {
	if cfg.Owner == "" {
		return nil, fmt.Errorf("%w: owner is required", computation.ErrInvalidArgument)
	}

	if cfg.Store == nil || cfg.Blobs == nil || cfg.Crypto == nil || cfg.Sender == nil {
		return nil, fmt.Errorf("%w: store, blobs, crypto and sender are required", computation.ErrInvalidArgument)
	}

	registry := cfg.Registry
	if registry == nil {
		registry = protocol.DefaultRegistry()
	}

	table, err := registry.Get(cfg.Protocol)
	if err != nil {
		return nil, err
	}

	reporter := cfg.Reporter
	if reporter == nil {
		reporter = kingdom.LogReporter{}
	}

	interval := cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	return &Mill{
		owner:    cfg.Owner,
		store:    cfg.Store,
		blobs:    cfg.Blobs,
		crypto:   cfg.Crypto,
		sender:   cfg.Sender,
		reporter: reporter,
		table:    table,
		attester: cfg.Attester,
		protocol: cfg.Protocol,
		throttle: NewThrottler(interval),
		log:      logger.With("mill", cfg.Owner, "protocol", cfg.Protocol),
		stop:     make(chan struct{}),
	}, nil
}

// Owner returns the mill's claim identity.
func (m *Mill) Owner() string {
	return m.owner
}

// Start begins the polling loop.
func (m *Mill) Start() {
	m.wg.Add(1)
	go m.loop()
}

// Stop ends polling and waits for the stage in flight to finish.
func (m *Mill) Stop() {
	close(m.stop)
	m.wg.Wait()
}

// loop claims and processes work until stopped. Stages run on a context
// that stopping does not cancel.
func (m *Mill) loop() {
	defer m.wg.Done()

	ctx := context.Background()

	for m.throttle.Wait(m.stop) {
		if _, _, err := m.ProcessOnce(ctx); err != nil {
			m.log.Warn("claim work", "error", err)
		}
	}
}

// ProcessOnce claims one computation and runs its current stage.
// Returns false when nothing was claimable.
func (m *Mill) ProcessOnce(ctx context.Context) (Result, bool, error) {
	tok, ok, err := m.store.ClaimWork(ctx, m.protocol, m.owner)
	if err != nil || !ok {
		return Result{}, false, err
	}

	m.log.Debug("claimed", "global", tok.GlobalID, "stage", tok.Stage, "attempt", tok.Attempt)

	return m.Process(ctx, tok), true, nil
}

// Process runs the stage of a token this mill has claimed, then settles the
// outcome: nothing more on success, FAILED on a permanent error, back in the
// queue on a transient one.
func (m *Mill) Process(ctx context.Context, tok computation.Token) Result {
	sm := newStageMetrics(tok)

	res := m.handle(ctx, tok, sm)
	sm.flush(ctx, m.store)

	m.settle(ctx, tok, res)

	return res
}

// settle applies the error handling of a failed stage.
func (m *Mill) settle(ctx context.Context, claimed computation.Token, res Result) {
	switch res.Outcome {
	case Succeeded:
		m.log.Info("stage done",
			"global", claimed.GlobalID,
			"from", claimed.Stage,
			"to", res.Token.Stage,
			"attempt", claimed.Attempt,
		)
	case Permanent:
		m.fail(ctx, claimed, res.Err)
	default:
		m.retry(ctx, claimed, res.Err)
	}
}

// fail reports a permanent error and ends the computation as FAILED.
func (m *Mill) fail(ctx context.Context, claimed computation.Token, cause error) {
	log := m.log.With("global", claimed.GlobalID, "stage", claimed.Stage, "attempt", claimed.Attempt)
	log.Error("stage failed permanently", "error", cause)

	reported := false

	for range maxCASRetries {
		latest, err := m.store.GetToken(ctx, claimed.GlobalID)
		if err != nil {
			log.Error("read token to fail", "error", err)
			return
		}

		if latest.IsTerminal() || latest.Owner != m.owner {
			return
		}

		if !reported {
			if err := m.reporter.ReportFailure(ctx, kingdom.FailureOf(latest, cause.Error())); err != nil {
				log.Warn("report failure", "error", err)
			}
			reported = true
		}

		_, err = m.store.FinishComputation(ctx, latest, m.table.Terminal(), computation.EndReasonFailed)
		if errors.Is(err, computation.ErrStaleVersion) {
			continue
		}
		if err != nil {
			log.Error("finish failed computation", "error", err)
		}

		return
	}
}

// retry reports a transient error and re-enqueues the computation after
// EnqueueDelay of its attempt.
func (m *Mill) retry(ctx context.Context, claimed computation.Token, cause error) {
	log := m.log.With("global", claimed.GlobalID, "stage", claimed.Stage, "attempt", claimed.Attempt)

	for range maxCASRetries {
		latest, err := m.store.GetToken(ctx, claimed.GlobalID)
		if err != nil {
			log.Error("read token to retry", "error", err)
			return
		}

		if latest.IsTerminal() || latest.Owner != m.owner {
			log.Debug("claim gone, not retrying", "owner", latest.Owner, "stage", latest.Stage)
			return
		}

		if err := m.reporter.ReportStatus(ctx, kingdom.StatusOf(latest, cause.Error())); err != nil {
			log.Debug("report status", "error", err)
		}

		delay := computation.EnqueueDelay(latest.Attempt)

		_, err = m.store.EnqueueComputation(ctx, latest, delay)
		if errors.Is(err, computation.ErrStaleVersion) {
			continue
		}
		if err != nil {
			log.Error("re-enqueue computation", "error", err)
			return
		}

		log.Warn("stage failed, retrying", "delay", delay, "error", cause)

		return
	}
}

// withCAS applies fn to tok, re-reading the token after a concurrent update
// as long as this mill still holds the claim on the same stage.
func (m *Mill) withCAS(ctx context.Context, tok computation.Token, fn func(computation.Token) (computation.Token, error)) (computation.Token, error) {
	for range maxCASRetries {
		next, err := fn(tok)
		if !errors.Is(err, computation.ErrStaleVersion) {
			return next, err
		}

		latest, err := m.store.GetToken(ctx, tok.GlobalID)
		if err != nil {
			return tok, err
		}

		if latest.Owner != m.owner || latest.Stage != tok.Stage {
			return latest, fmt.Errorf("%w: %s is now %s owned by %q", errLostClaim, tok.GlobalID, latest.Stage, latest.Owner)
		}

		tok = latest
	}

	return tok, fmt.Errorf("%s: too many concurrent updates", tok.GlobalID)
}
