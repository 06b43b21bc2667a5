//go:build linux

package mill

import (
	"testing"
	"time"
)

func TestMeasureCryptoCountsCallingThread(t *testing.T) {
	out, wall, cpu, err := measureCrypto(func() ([]byte, error) {
		var x uint64
		for start := time.Now(); time.Since(start) < 50*time.Millisecond; {
			x++
		}
		return []byte{byte(x)}, nil
	})
	if err != nil || len(out) != 1 {
		t.Fatalf("measureCrypto = %v, %v", out, err)
	}

	if wall < 50*time.Millisecond {
		t.Errorf("wall = %v, want at least 50ms", wall)
	}

	if cpu < 10*time.Millisecond {
		t.Errorf("cpu = %v, want the busy loop counted", cpu)
	}
}
