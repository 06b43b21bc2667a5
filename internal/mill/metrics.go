package mill

import (
	"context"
	"runtime"
	"time"

	"DuchyMill/internal/computation"
	"DuchyMill/internal/logger"
	"DuchyMill/internal/store"
)

// Stage stat names.
const (
	StatStageWallClock   = "stage_wall_clock_ms"
	StatCryptoWallClock  = "crypto_wall_clock_ms"
	StatCryptoCPUTime    = "crypto_cpu_time_ms"
	StatInputBytes       = "input_bytes"
	StatOutputBytes      = "output_bytes"
	StatBytesTransferred = "bytes_transferred"
)

// stageMetrics accumulates the stats of one stage attempt.
type stageMetrics struct {
	tok    computation.Token
	start  time.Time
	names  []string
	values map[string]int64
}

func newStageMetrics(tok computation.Token) *stageMetrics {
	return &stageMetrics{
		tok:    tok,
		start:  time.Now(),
		values: make(map[string]int64),
	}
}

// set records a value, keeping the first-set order.
func (sm *stageMetrics) set(name string, v int64) {
	if _, ok := sm.values[name]; !ok {
		sm.names = append(sm.names, name)
	}

	sm.values[name] = v
}

// flush writes the stage wall clock and every accumulated value. Failures
// are logged and never affect the computation.
func (sm *stageMetrics) flush(ctx context.Context, st *store.Store) {
	sm.set(StatStageWallClock, time.Since(sm.start).Milliseconds())

	for _, name := range sm.names {
		err := st.RecordStat(ctx, store.Stat{
			LocalID: sm.tok.LocalID,
			Attempt: sm.tok.Attempt,
			Stage:   sm.tok.Stage,
			Name:    name,
			Value:   sm.values[name],
		})
		if err != nil {
			logger.Debug("record stat", "global", sm.tok.GlobalID, "stat", name, "error", err)
		}
	}
}

// measureCrypto runs fn on a locked OS thread and returns its wall and CPU time.
// The CPU time covers that thread only; goroutines fn starts are not counted.
func measureCrypto(fn func() ([]byte, error)) ([]byte, time.Duration, time.Duration, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	startCPU := threadCPUTime()
	start := time.Now()

	out, err := fn()

	return out, time.Since(start), threadCPUTime() - startCPU, err
}
