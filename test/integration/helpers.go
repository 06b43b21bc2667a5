package integration

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// httpClient is a shared HTTP client with timeout.
var httpClient = &http.Client{Timeout: 5 * time.Second}

// safeBuffer wraps bytes.Buffer with a mutex for concurrent read/write.
type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

// Write appends data to the buffer (implements io.Writer).
func (sb *safeBuffer) Write(p []byte) (int, error) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	return sb.buf.Write(p)
}

// String returns the buffer contents as a string.
func (sb *safeBuffer) String() string {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	return sb.buf.String()
}

// Process is a running duchy mill binary.
type Process struct {
	id       string             // id is the duchy ID
	cmd      *exec.Cmd          // cmd is the running process
	httpAddr string             // httpAddr is the admin API address
	quicAddr string             // quicAddr is the QUIC address
	dataDir  string             // dataDir is the duchy's data directory
	keyPath  string             // keyPath is the duchy's private key file
	key      ed25519.PrivateKey // key is the duchy's identity
	stdout   *safeBuffer        // stdout captures process output
	stderr   *safeBuffer        // stderr captures process errors
	cancel   context.CancelFunc // cancel stops the process
}

// HTTPAddr returns the duchy's admin API address.
func (p *Process) HTTPAddr() string { return p.httpAddr }

// Logs returns the process stdout.
func (p *Process) Logs() string { return p.stdout.String() }

// IsRunning checks that the process started and has not exited.
func (p *Process) IsRunning() bool {
	if p.cmd == nil || p.cmd.Process == nil {
		return false
	}

	if !strings.Contains(p.stdout.String(), "duchy running") {
		return false
	}

	return p.cmd.ProcessState == nil
}

// Stop terminates the process.
func (p *Process) Stop() {
	if p.cancel != nil {
		p.cancel()
	}

	if p.cmd != nil && p.cmd.Process != nil {
		p.cmd.Process.Kill()
		time.Sleep(100 * time.Millisecond)
	}
}

// StartProcesses launches one binary per duchy ID with a shared directory.
func StartProcesses(t *testing.T, binary string, ids []string) []*Process {
	t.Helper()

	testDir, err := os.MkdirTemp("", "duchy_e2e_*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(testDir) })

	procs := make([]*Process, len(ids))
	entries := make([]string, len(ids))

	for i, id := range ids {
		_, key, err := ed25519.GenerateKey(nil)
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}

		p := &Process{
			id:       id,
			httpAddr: freeTCPAddr(t),
			quicAddr: freeUDPAddr(t),
			dataDir:  filepath.Join(testDir, id),
			key:      key,
			stdout:   &safeBuffer{},
			stderr:   &safeBuffer{},
		}
		p.keyPath = filepath.Join(p.dataDir, "key")

		if err := os.MkdirAll(p.dataDir, 0755); err != nil {
			t.Fatalf("create dir for %s: %v", id, err)
		}

		if err := os.WriteFile(p.keyPath, key, 0600); err != nil {
			t.Fatalf("write key for %s: %v", id, err)
		}

		pub := key.Public().(ed25519.PublicKey)
		entries[i] = fmt.Sprintf("%s=%s@%s", id, hex.EncodeToString(pub), p.quicAddr)
		procs[i] = p
	}

	peerList := strings.Join(entries, ",")

	for _, p := range procs {
		startProcess(t, binary, p, peerList)
	}

	t.Cleanup(func() { stopAll(procs) })

	waitRunning(t, procs, 15*time.Second)

	return procs
}

// startProcess launches one duchy binary.
func startProcess(t *testing.T, binary string, p *Process, peerList string) {
	t.Helper()

	args := []string{
		"--duchy", p.id,
		"--data", p.dataDir,
		"--http", p.httpAddr,
		"--quic", p.quicAddr,
		"--key", p.keyPath,
		"--peers", peerList,
		"--crypto-dir", filepath.Join(p.dataDir, "crypto"),
		"--reference-crypto",
		"--poll", "50ms",
		"--log-level", "debug",
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.cmd = exec.CommandContext(ctx, binary, args...)
	p.cmd.Stdout = p.stdout
	p.cmd.Stderr = p.stderr

	if err := p.cmd.Start(); err != nil {
		t.Fatalf("start %s: %v", p.id, err)
	}

	go p.cmd.Wait()
}

// waitRunning waits until every process logged its startup.
func waitRunning(t *testing.T, procs []*Process, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)

	for _, p := range procs {
		for !p.IsRunning() {
			if time.Now().After(deadline) {
				t.Fatalf("%s failed to start:\nSTDOUT:\n%s\nSTDERR:\n%s", p.id, p.stdout.String(), p.stderr.String())
			}

			time.Sleep(50 * time.Millisecond)
		}
	}
}

// stopAll kills every process in parallel.
func stopAll(procs []*Process) {
	var wg sync.WaitGroup

	for _, p := range procs {
		wg.Add(1)

		go func(p *Process) {
			defer wg.Done()
			p.Stop()
		}(p)
	}

	wg.Wait()
}

// freeTCPAddr returns a loopback TCP address that was free a moment ago.
func freeTCPAddr(t *testing.T) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve tcp port: %v", err)
	}
	defer l.Close()

	return l.Addr().String()
}

// freeUDPAddr returns a loopback UDP address that was free a moment ago.
func freeUDPAddr(t *testing.T) string {
	t.Helper()

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve udp port: %v", err)
	}
	defer conn.Close()

	return conn.LocalAddr().String()
}

// computationResponse is the JSON response from GET /computations/{id}.
type computationResponse struct {
	GlobalID  string `json:"globalId"`
	Stage     string `json:"stage"`
	Role      string `json:"role"`
	EndReason string `json:"endReason"`
}

// StartComputation posts a start request to a duchy.
func StartComputation(t *testing.T, addr, globalID, protocol string, participants []string, sketch []byte) {
	t.Helper()

	body, _ := json.Marshal(map[string]any{
		"globalId":     globalID,
		"protocol":     protocol,
		"participants": participants,
		"sketch":       sketch,
	})

	resp, err := httpClient.Post("http://"+addr+"/computations", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("start %s at %s: %v", globalID, addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start %s at %s: status %d", globalID, addr, resp.StatusCode)
	}
}

// QueryComputation reads a computation from a duchy, nil if unavailable.
func QueryComputation(addr, globalID string) *computationResponse {
	resp, err := httpClient.Get("http://" + addr + "/computations/" + globalID)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil
	}

	var c computationResponse
	if err := json.NewDecoder(resp.Body).Decode(&c); err != nil {
		return nil
	}

	return &c
}

// WaitForEnd polls every duchy until the computation ended everywhere.
func WaitForEnd(t *testing.T, procs []*Process, globalID string, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		ended := 0

		for _, p := range procs {
			if c := QueryComputation(p.httpAddr, globalID); c != nil && c.EndReason != "" {
				ended++
			}
		}

		if ended == len(procs) {
			return
		}

		time.Sleep(200 * time.Millisecond)
	}

	for _, p := range procs {
		t.Logf("%s: %+v", p.id, QueryComputation(p.httpAddr, globalID))
	}

	t.Fatalf("timeout waiting for %s to end", globalID)
}

// buildBinary compiles the duchy mill binary.
func buildBinary(t *testing.T) string {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "duchy_mill_test_*")
	if err != nil {
		t.Fatalf("create temp binary file: %v", err)
	}

	binary := tmpFile.Name()
	tmpFile.Close()

	cmd := exec.Command("go", "build", "-o", binary, "./cmd/mill")
	cmd.Dir = getProjectRoot(t)

	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("build failed: %v\n%s", err, output)
	}

	t.Cleanup(func() { os.Remove(binary) })

	return binary
}

// getProjectRoot returns the project root directory (containing go.mod).
func getProjectRoot(t *testing.T) string {
	t.Helper()

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("get working dir: %v", err)
	}

	dir := wd
	for i := 0; i < 5; i++ {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		dir = filepath.Dir(dir)
	}

	t.Fatalf("could not find project root from %s", wd)

	return ""
}
