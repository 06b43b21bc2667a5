package integration

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

// TestE2EThreeDuchies runs both protocols across three mill processes
// talking over QUIC.
func TestE2EThreeDuchies(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}

	ids := []string{"alpha", "bravo", "charlie"}
	procs := StartProcesses(t, buildBinary(t), ids)

	for _, tc := range []struct {
		id       string
		protocol string
	}{
		{"e2e-v1", "llv1"},
		{"e2e-v2", "llv2"},
	} {
		for i, p := range procs {
			StartComputation(t, p.HTTPAddr(), tc.id, tc.protocol, ids, bytes.Repeat([]byte{byte(i + 1)}, 100000))
		}
	}

	WaitForEnd(t, procs, "e2e-v1", 90*time.Second)
	WaitForEnd(t, procs, "e2e-v2", 90*time.Second)

	for _, p := range procs {
		for _, id := range []string{"e2e-v1", "e2e-v2"} {
			c := QueryComputation(p.HTTPAddr(), id)
			if c == nil || c.EndReason != "SUCCEEDED" || c.Stage != "COMPLETE" {
				t.Errorf("%s %s: %+v", p.id, id, c)
			}
		}
	}

	if !strings.Contains(procs[0].Logs(), "result reported") {
		t.Error("primary did not report a result")
	}
}
