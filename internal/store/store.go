// Package store implements the ComputationsStore: durable computation tokens,
// the per-protocol claim queue and per-stage statistics, on Pebble.
//
// Every mutation is a compare-and-swap on the token version and is applied as
// one atomic Pebble batch under the store lock. Pebble is single-process, so
// the lock is the transaction boundary shared by every mill worker of the duchy.
package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"DuchyMill/internal/computation"
	"DuchyMill/internal/logger"
	"DuchyMill/internal/protocol"
	"DuchyMill/internal/storage"
)

// StageUpdate describes a stage transition.
type StageUpdate struct {
	Next        computation.Stage           // Next is the stage to move to
	Inputs      []string                    // Inputs are blob paths read by Next
	PassThrough []string                    // PassThrough are blob paths carried into Next unchanged
	OutputSlots int                         // OutputSlots is the number of empty output refs of Next
	After       computation.AfterTransition // After says what happens to the claim
}

// NewComputation describes a computation to create in its initial stage.
type NewComputation struct {
	GlobalID    string
	Protocol    computation.Protocol
	Stage       computation.Stage
	Details     computation.Details
	Inputs      []string
	PassThrough []string
	OutputSlots int
	After       computation.AfterTransition
}

// Option configures a Store.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces the wall clock used for queue times and token timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Store is the ComputationsStore.
type Store struct {
	db       *storage.Storage  // db is the backing key-value store
	registry protocol.Registry // registry validates stage transitions
	now      func() time.Time  // now is the clock

	mu sync.Mutex // mu serializes every read-modify-write
}

// New creates a store over db.
func New(db *storage.Storage, registry protocol.Registry, opts ...Option) *Store {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	return &Store{
		db:       db,
		registry: registry,
		now:      o.now,
	}
}

// CreateComputation creates a computation in its initial stage with attempt 0
// and version 1. Returns ErrAlreadyExists when the global ID is taken.
func (s *Store) CreateComputation(ctx context.Context, nc NewComputation) (computation.Token, error) {
	if err := ctx.Err(); err != nil {
		return computation.Token{}, err
	}

	if nc.GlobalID == "" {
		return computation.Token{}, fmt.Errorf("%w: empty global id", computation.ErrInvalidArgument)
	}

	role := nc.Details.RoleOf()
	if role == computation.RoleUnknown {
		return computation.Token{}, fmt.Errorf("%w: duchy %q does not participate in %s", computation.ErrInvalidArgument, nc.Details.Duchy, nc.GlobalID)
	}

	if _, err := s.registry.Get(nc.Protocol); err != nil {
		return computation.Token{}, err
	}

	if nc.Stage.Protocol() != nc.Protocol {
		return computation.Token{}, fmt.Errorf("%w: stage %s does not belong to %s", computation.ErrInvalidArgument, nc.Stage, nc.Protocol)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	globalKey := makeGlobalKey(nc.GlobalID)

	existing, err := s.db.Get(globalKey)
	if err != nil {
		return computation.Token{}, fmt.Errorf("read global index:\n%w", err)
	}

	if existing != nil {
		return computation.Token{}, fmt.Errorf("%w: %s", computation.ErrAlreadyExists, nc.GlobalID)
	}

	localID, err := s.nextLocalIDLocked()
	if err != nil {
		return computation.Token{}, err
	}

	now := s.now()
	tok := computation.Token{
		GlobalID:   nc.GlobalID,
		LocalID:    localID,
		Protocol:   nc.Protocol,
		Stage:      nc.Stage,
		Version:    1,
		Role:       role,
		LastUpdate: now,
		Blobs:      stageBlobs(nc.Inputs, nc.PassThrough, nc.OutputSlots),
		Details:    nc.Details,
	}

	rec := record{token: tok}
	if nc.After == computation.AddUnclaimedToQueue {
		rec.queueKey = makeQueueKey(tok.Protocol, now, localID)
	}

	ops := []storage.Op{
		storage.Put(makeComputationKey(localID), encodeRecord(rec)),
		storage.Put(globalKey, encodeLocalID(localID)),
		storage.Put(keyNextLocalID, encodeLocalID(localID+1)),
	}

	if rec.queueKey != nil {
		ops = append(ops, storage.Put(rec.queueKey, nil))
	}

	if err := s.db.Write(ops...); err != nil {
		return computation.Token{}, fmt.Errorf("write computation:\n%w", err)
	}

	logger.Debug("computation created",
		"global", tok.GlobalID,
		"local", tok.LocalID,
		"stage", tok.Stage,
		"role", tok.Role,
	)

	return tok, nil
}

// ClaimWork claims the oldest available computation of protocol p for owner.
// Queue entries are ordered by available-at time then local ID; an entry is
// available once its time is not after now. The claim sets the owner,
// increments the attempt and removes the queue entry in one batch.
// Returns false when nothing is claimable.
func (s *Store) ClaimWork(ctx context.Context, p computation.Protocol, owner string) (computation.Token, bool, error) {
	if err := ctx.Err(); err != nil {
		return computation.Token{}, false, err
	}

	if owner == "" {
		return computation.Token{}, false, fmt.Errorf("%w: empty owner", computation.ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	var (
		queueKey []byte
		localID  uint64
	)

	err := s.db.IteratePrefix(makeQueuePrefix(p), func(key, _ []byte) error {
		availableAt, id, ok := parseQueueKey(key)
		if !ok || availableAt.After(now) {
			return storage.ErrStopIteration
		}

		queueKey = append([]byte{}, key...)
		localID = id

		return storage.ErrStopIteration
	})
	if err != nil {
		return computation.Token{}, false, fmt.Errorf("scan queue:\n%w", err)
	}

	if queueKey == nil {
		return computation.Token{}, false, nil
	}

	rec, err := s.loadLocked(localID)
	if errors.Is(err, computation.ErrNotFound) {
		// Orphan queue entry: drop it and report no work this round.
		if err := s.db.Delete(queueKey); err != nil {
			logger.Debug("drop orphan queue entry", "local", localID, "error", err)
		}
		return computation.Token{}, false, nil
	}
	if err != nil {
		return computation.Token{}, false, err
	}

	tok := rec.token
	tok.Owner = owner
	tok.Attempt++
	tok.Version++
	tok.LastUpdate = now

	if err := s.db.Write(
		storage.Put(makeComputationKey(localID), encodeRecord(record{token: tok})),
		storage.Del(queueKey),
	); err != nil {
		return computation.Token{}, false, fmt.Errorf("write claim:\n%w", err)
	}

	return tok, true, nil
}

// GetToken returns the latest token of a computation by global ID.
func (s *Store) GetToken(ctx context.Context, globalID string) (computation.Token, error) {
	if err := ctx.Err(); err != nil {
		return computation.Token{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	localID, err := s.lookupLocked(globalID)
	if err != nil {
		return computation.Token{}, err
	}

	rec, err := s.loadLocked(localID)
	if err != nil {
		return computation.Token{}, err
	}

	return rec.token, nil
}

// UpdateStage moves a computation to a new non-terminal stage, replacing its
// blob refs. Returns ErrStaleVersion when tok is not the latest token and
// ErrIllegalTransition when the protocol forbids the move.
func (s *Store) UpdateStage(ctx context.Context, tok computation.Token, u StageUpdate) (computation.Token, error) {
	if err := ctx.Err(); err != nil {
		return computation.Token{}, err
	}

	table, err := s.registry.Get(tok.Protocol)
	if err != nil {
		return computation.Token{}, err
	}

	if table.IsTerminal(u.Next) {
		return computation.Token{}, fmt.Errorf("%w: %s is terminal, finish the computation instead", computation.ErrIllegalTransition, u.Next)
	}

	return s.mutate(tok, func(cur *record, now time.Time) error {
		if !table.IsLegal(cur.token.Stage, u.Next) {
			return fmt.Errorf("%w: %s -> %s", computation.ErrIllegalTransition, cur.token.Stage, u.Next)
		}

		cur.token.Stage = u.Next
		cur.token.Blobs = stageBlobs(u.Inputs, u.PassThrough, u.OutputSlots)
		cur.queueKey = nil

		switch u.After {
		case computation.ContinueWorking:
		case computation.AddUnclaimedToQueue:
			cur.token.Owner = ""
			cur.queueKey = makeQueueKey(cur.token.Protocol, now, cur.token.LocalID)
		case computation.DoNotAddToQueue:
			cur.token.Owner = ""
		default:
			return fmt.Errorf("%w: after transition %d", computation.ErrInvalidArgument, u.After)
		}

		return nil
	})
}

// WriteOutputBlobRef records the path of output slot blobID.
// Slots are write-once: writing the same path again is a no-op, a different
// path is ErrIllegalState.
func (s *Store) WriteOutputBlobRef(ctx context.Context, tok computation.Token, blobID uint32, path, origin string) (computation.Token, error) {
	if err := ctx.Err(); err != nil {
		return computation.Token{}, err
	}

	if path == "" {
		return computation.Token{}, fmt.Errorf("%w: empty blob path", computation.ErrInvalidArgument)
	}

	return s.mutate(tok, func(cur *record, _ time.Time) error {
		for i, b := range cur.token.Blobs {
			if b.ID != blobID || b.Dependency != computation.DependencyOutput {
				continue
			}

			if b.Written() {
				if b.Path == path {
					return errNoChange
				}
				return fmt.Errorf("%w: output %d of %s already written", computation.ErrIllegalState, blobID, cur.token.GlobalID)
			}

			// Copy before writing so the caller's token stays untouched.
			blobs := append([]computation.BlobRef{}, cur.token.Blobs...)
			blobs[i].Path = path
			blobs[i].Origin = origin
			cur.token.Blobs = blobs

			return nil
		}

		return fmt.Errorf("%w: %s has no output slot %d", computation.ErrInvalidArgument, cur.token.GlobalID, blobID)
	})
}

// FinishComputation moves a computation to its terminal stage with the given
// reason. The owner is cleared and the computation leaves the queue.
func (s *Store) FinishComputation(ctx context.Context, tok computation.Token, ending computation.Stage, reason computation.EndReason) (computation.Token, error) {
	if err := ctx.Err(); err != nil {
		return computation.Token{}, err
	}

	table, err := s.registry.Get(tok.Protocol)
	if err != nil {
		return computation.Token{}, err
	}

	if !table.IsTerminal(ending) {
		return computation.Token{}, fmt.Errorf("%w: %s is not terminal", computation.ErrIllegalTransition, ending)
	}

	if reason == computation.EndReasonNone {
		return computation.Token{}, fmt.Errorf("%w: missing end reason", computation.ErrInvalidArgument)
	}

	return s.mutate(tok, func(cur *record, _ time.Time) error {
		if !table.IsLegal(cur.token.Stage, ending) {
			return fmt.Errorf("%w: %s -> %s", computation.ErrIllegalTransition, cur.token.Stage, ending)
		}

		cur.token.Stage = ending
		cur.token.Owner = ""
		cur.token.EndReason = reason
		cur.queueKey = nil

		return nil
	})
}

// EnqueueComputation releases the claim and makes the computation claimable
// again after delay. The attempt is unchanged until the next claim.
func (s *Store) EnqueueComputation(ctx context.Context, tok computation.Token, delay time.Duration) (computation.Token, error) {
	if err := ctx.Err(); err != nil {
		return computation.Token{}, err
	}

	if delay < 0 {
		delay = 0
	}

	return s.mutate(tok, func(cur *record, now time.Time) error {
		cur.token.Owner = ""
		cur.queueKey = makeQueueKey(cur.token.Protocol, now.Add(delay), cur.token.LocalID)

		return nil
	})
}

// DeleteComputation removes a terminal computation with its stats.
func (s *Store) DeleteComputation(ctx context.Context, tok computation.Token) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.loadLocked(tok.LocalID)
	if err != nil {
		return err
	}

	if cur.token.Version != tok.Version {
		return fmt.Errorf("%w: %s version %d, have %d", computation.ErrStaleVersion, tok.GlobalID, cur.token.Version, tok.Version)
	}

	if !cur.token.IsTerminal() {
		return fmt.Errorf("%w: %s is still running in %s", computation.ErrIllegalState, tok.GlobalID, cur.token.Stage)
	}

	ops := []storage.Op{
		storage.Del(makeComputationKey(tok.LocalID)),
		storage.Del(makeGlobalKey(cur.token.GlobalID)),
	}

	err = s.db.IteratePrefix(makeStatPrefix(tok.LocalID), func(key, _ []byte) error {
		ops = append(ops, storage.Del(append([]byte{}, key...)))
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan stats:\n%w", err)
	}

	if err := s.db.Write(ops...); err != nil {
		return fmt.Errorf("delete computation:\n%w", err)
	}

	return nil
}

// ReleaseClaims re-enqueues every claimed, non-terminal computation.
// Called at startup before any mill runs: claims held by a previous process
// have no live owner.
func (s *Store) ReleaseClaims(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	var ops []storage.Op
	err := s.db.IteratePrefix(prefixComputation, func(_, value []byte) error {
		rec := decodeRecord(value)
		if rec.token.Owner == "" || rec.token.IsTerminal() {
			return nil
		}

		rec.token.Owner = ""
		rec.token.Version++
		rec.token.LastUpdate = now
		rec.queueKey = makeQueueKey(rec.token.Protocol, now, rec.token.LocalID)

		ops = append(ops,
			storage.Put(makeComputationKey(rec.token.LocalID), encodeRecord(rec)),
			storage.Put(rec.queueKey, nil),
		)

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan computations:\n%w", err)
	}

	if len(ops) == 0 {
		return 0, nil
	}

	if err := s.db.Write(ops...); err != nil {
		return 0, fmt.Errorf("release claims:\n%w", err)
	}

	return len(ops) / 2, nil
}

// QueueDepth returns the number of queued computations of protocol p,
// including those whose retry delay has not elapsed.
func (s *Store) QueueDepth(ctx context.Context, p computation.Protocol) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var n int
	err := s.db.IteratePrefix(makeQueuePrefix(p), func(_, _ []byte) error {
		n++
		return nil
	})

	return n, err
}

// EndedBefore returns the terminal computations last updated before cutoff,
// ordered by local ID.
func (s *Store) EndedBefore(ctx context.Context, cutoff time.Time) ([]computation.Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var ended []computation.Token
	err := s.db.IteratePrefix(prefixComputation, func(_, value []byte) error {
		tok := decodeRecord(value).token
		if tok.IsTerminal() && tok.LastUpdate.Before(cutoff) {
			ended = append(ended, tok)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan computations:\n%w", err)
	}

	return ended, nil
}

// errNoChange makes mutate return the current token without writing.
var errNoChange = errors.New("no change")

// mutate applies fn to the latest record of tok under the lock after checking
// the version, then bumps the version and persists the record and its queue
// entry in one batch. fn keeps the current queue entry unless it replaces
// or clears cur.queueKey.
func (s *Store) mutate(tok computation.Token, fn func(cur *record, now time.Time) error) (computation.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.loadLocked(tok.LocalID)
	if err != nil {
		return computation.Token{}, err
	}

	if cur.token.Version != tok.Version {
		return computation.Token{}, fmt.Errorf("%w: %s version %d, have %d", computation.ErrStaleVersion, tok.GlobalID, cur.token.Version, tok.Version)
	}

	if cur.token.IsTerminal() {
		return computation.Token{}, fmt.Errorf("%w: %s already ended (%s)", computation.ErrIllegalState, tok.GlobalID, cur.token.EndReason)
	}

	oldQueueKey := cur.queueKey
	now := s.now()

	next := cur

	if err := fn(&next, now); err != nil {
		if errors.Is(err, errNoChange) {
			return cur.token, nil
		}
		return computation.Token{}, err
	}

	next.token.Version++
	next.token.LastUpdate = now

	ops := []storage.Op{storage.Put(makeComputationKey(tok.LocalID), encodeRecord(next))}

	if !bytes.Equal(oldQueueKey, next.queueKey) {
		if oldQueueKey != nil {
			ops = append(ops, storage.Del(oldQueueKey))
		}

		if next.queueKey != nil {
			ops = append(ops, storage.Put(next.queueKey, nil))
		}
	}

	if err := s.db.Write(ops...); err != nil {
		return computation.Token{}, fmt.Errorf("write computation:\n%w", err)
	}

	return next.token, nil
}

// loadLocked reads a record by local ID. Caller holds mu.
func (s *Store) loadLocked(localID uint64) (record, error) {
	data, err := s.db.Get(makeComputationKey(localID))
	if err != nil {
		return record{}, fmt.Errorf("read computation:\n%w", err)
	}

	if data == nil {
		return record{}, fmt.Errorf("%w: local id %d", computation.ErrNotFound, localID)
	}

	return decodeRecord(data), nil
}

// lookupLocked resolves a global ID to its local ID. Caller holds mu.
func (s *Store) lookupLocked(globalID string) (uint64, error) {
	data, err := s.db.Get(makeGlobalKey(globalID))
	if err != nil {
		return 0, fmt.Errorf("read global index:\n%w", err)
	}

	if len(data) != 8 {
		return 0, fmt.Errorf("%w: %s", computation.ErrNotFound, globalID)
	}

	return binary.BigEndian.Uint64(data), nil
}

// nextLocalIDLocked returns the next unused local ID. Caller holds mu and
// persists the successor in the same batch as the new record.
func (s *Store) nextLocalIDLocked() (uint64, error) {
	data, err := s.db.Get(keyNextLocalID)
	if err != nil {
		return 0, fmt.Errorf("read local id counter:\n%w", err)
	}

	if len(data) != 8 {
		return 1, nil
	}

	return binary.BigEndian.Uint64(data), nil
}

// stageBlobs builds the blob refs of a stage: inputs, then pass-throughs,
// then empty output slots, numbered from 0.
func stageBlobs(inputs, passThrough []string, outputSlots int) []computation.BlobRef {
	var blobs []computation.BlobRef
	var id uint32

	for _, p := range inputs {
		blobs = append(blobs, computation.BlobRef{ID: id, Dependency: computation.DependencyInput, Path: p})
		id++
	}

	for _, p := range passThrough {
		blobs = append(blobs, computation.BlobRef{ID: id, Dependency: computation.DependencyPassThrough, Path: p})
		id++
	}

	for i := 0; i < outputSlots; i++ {
		blobs = append(blobs, computation.BlobRef{ID: id, Dependency: computation.DependencyOutput})
		id++
	}

	return blobs
}

func encodeLocalID(id uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	return buf[:]
}
