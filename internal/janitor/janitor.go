// Package janitor purges ended computations once their retention expires.
package janitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"DuchyMill/internal/computation"
	"DuchyMill/internal/herald"
	"DuchyMill/internal/logger"
)

const (
	// defaultInterval is the default interval between sweeps.
	defaultInterval = 10 * time.Minute
)

// Deleter removes a terminal computation's metadata.
type Deleter interface {
	DeleteComputation(ctx context.Context, tok computation.Token) error
}

// Store lists and deletes ended computations.
type Store interface {
	Deleter
	EndedBefore(ctx context.Context, cutoff time.Time) ([]computation.Token, error)
}

// Blobs removes computation payloads.
type Blobs interface {
	Delete(ctx context.Context, path string) error
	DeleteComputation(ctx context.Context, localID uint64) (int, error)
}

// Purge deletes a terminal computation with its stats, stage blobs and
// sketch. Returns the number of stage blobs removed.
func Purge(ctx context.Context, store Deleter, blobs Blobs, tok computation.Token) (int, error) {
	if err := store.DeleteComputation(ctx, tok); err != nil {
		return 0, err
	}

	removed, err := blobs.DeleteComputation(ctx, tok.LocalID)
	if err != nil {
		return 0, fmt.Errorf("delete blobs of %s:\n%w", tok.GlobalID, err)
	}

	if err := blobs.Delete(ctx, herald.SketchPath(tok.GlobalID)); err != nil {
		return removed, fmt.Errorf("delete sketch of %s:\n%w", tok.GlobalID, err)
	}

	return removed, nil
}

// Config holds the janitor configuration.
type Config struct {
	Store     Store            // Store holds the computations
	Blobs     Blobs            // Blobs holds their payloads
	Retention time.Duration    // Retention is how long ended computations are kept
	Interval  time.Duration    // Interval is the time between sweeps (default 10m)
	Now       func() time.Time // Now is the clock (default time.Now)
}

// Janitor periodically purges ended computations older than the retention.
type Janitor struct {
	store     Store
	blobs     Blobs
	retention time.Duration
	interval  time.Duration
	now       func() time.Time

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a janitor.
func New(cfg Config) *Janitor {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Janitor{
		store:     cfg.Store,
		blobs:     cfg.Blobs,
		retention: cfg.Retention,
		interval:  interval,
		now:       now,
		stop:      make(chan struct{}),
	}
}

// Start begins the periodic sweep loop.
func (j *Janitor) Start() {
	j.wg.Add(1)
	go j.loop()
}

// Stop stops the janitor and waits for the current sweep to finish.
func (j *Janitor) Stop() {
	close(j.stop)
	j.wg.Wait()
}

// loop runs the periodic sweep.
func (j *Janitor) loop() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.stop:
			return
		case <-ticker.C:
			if _, err := j.Sweep(context.Background()); err != nil {
				logger.Warn("retention sweep failed", "error", err)
			}
		}
	}
}

// Sweep purges every computation that ended more than the retention ago
// and returns how many were purged. A computation deleted concurrently is
// skipped.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	ended, err := j.store.EndedBefore(ctx, j.now().Add(-j.retention))
	if err != nil {
		return 0, err
	}

	purged := 0

	for _, tok := range ended {
		blobs, err := Purge(ctx, j.store, j.blobs, tok)
		if err != nil {
			logger.Debug("purge skipped", "global", tok.GlobalID, "error", err)
			continue
		}

		purged++

		logger.Info("computation purged",
			"global", tok.GlobalID,
			"ended", tok.EndReason,
			"blobs", blobs,
		)
	}

	return purged, nil
}
