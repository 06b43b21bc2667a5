package store

import (
	"context"
	"fmt"
	"time"

	"DuchyMill/internal/computation"
)

// Stat is one named measurement of one attempt at one stage.
type Stat struct {
	LocalID    uint64
	Attempt    uint32
	Stage      computation.Stage
	Name       string
	Value      int64
	RecordedAt time.Time
}

// RecordStat persists a stage measurement.
// Stats are written outside the token CAS: they never fail a stage.
func (s *Store) RecordStat(ctx context.Context, st Stat) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if st.Name == "" {
		return fmt.Errorf("%w: empty stat name", computation.ErrInvalidArgument)
	}

	if st.RecordedAt.IsZero() {
		st.RecordedAt = s.now()
	}

	if err := s.db.Set(makeStatKey(st), encodeStat(st)); err != nil {
		return fmt.Errorf("write stat:\n%w", err)
	}

	return nil
}

// Stats returns every stat of a computation ordered by attempt, stage then name.
func (s *Store) Stats(ctx context.Context, localID uint64) ([]Stat, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var stats []Stat
	err := s.db.IteratePrefix(makeStatPrefix(localID), func(_, value []byte) error {
		stats = append(stats, decodeStat(value))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan stats:\n%w", err)
	}

	return stats, nil
}
