package network

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"DuchyMill/internal/computation"
	"DuchyMill/internal/peers"
	"DuchyMill/internal/transfer"
)

// generateTestKey generates a random ed25519 key pair for testing.
func generateTestKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	return priv
}

// freeAddr reserves a local UDP port and returns its address.
func freeAddr(t *testing.T) string {
	t.Helper()

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	defer conn.Close()

	return conn.LocalAddr().String()
}

// testDuchy is a started node with its identity.
type testDuchy struct {
	id   string
	key  ed25519.PrivateKey
	addr string
	node *Node
}

// startDuchies starts one node per ID, all sharing a directory of every ID.
func startDuchies(t *testing.T, ids ...string) []*testDuchy {
	t.Helper()

	duchies := make([]*testDuchy, len(ids))
	list := make([]peers.Peer, len(ids))

	for i, id := range ids {
		d := &testDuchy{id: id, key: generateTestKey(t), addr: freeAddr(t)}
		duchies[i] = d
		list[i] = peers.Peer{ID: id, Addr: d.addr, PublicKey: d.key.Public().(ed25519.PublicKey)}
	}

	dir, err := peers.New(list...)
	if err != nil {
		t.Fatalf("create directory: %v", err)
	}

	for _, d := range duchies {
		d.node = startNode(t, d.id, d.key, d.addr, dir)
	}

	return duchies
}

// startNode creates and starts a node, closing it when the test ends.
func startNode(t *testing.T, id string, key ed25519.PrivateKey, addr string, dir *peers.Directory) *Node {
	t.Helper()

	node, err := NewNode(Config{
		DuchyID:    id,
		PrivateKey: key,
		ListenAddr: addr,
		Directory:  dir,
	})
	if err != nil {
		t.Fatalf("create node %s: %v", id, err)
	}

	if err := node.Start(); err != nil {
		t.Fatalf("start node %s: %v", id, err)
	}
	t.Cleanup(func() { node.Close() })

	return node
}

// echoHandler receives a transfer, records the sender and answers OK.
func echoHandler(got chan<- []byte, from *atomic.Value) StreamHandler {
	return func(ctx context.Context, peerID string, s transfer.Stream) {
		from.Store(peerID)

		h, err := transfer.ReceiveHeader(s)
		if err != nil {
			return
		}

		payload, err := transfer.ReceivePayload(s, h, 0)
		if err != nil {
			transfer.WriteResponse(s, transfer.Response{Status: transfer.StatusRejected, Message: err.Error()})
			return
		}

		transfer.WriteResponse(s, transfer.Response{Status: transfer.StatusOK})
		got <- payload
	}
}

// sendTransfer pushes payload from node to duchy and returns the response error.
func sendTransfer(t *testing.T, node *Node, to string, payload []byte) error {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := node.OpenStream(ctx, to)
	if err != nil {
		return err
	}

	h := transfer.Header{
		GlobalID:    "cmp-1",
		Protocol:    computation.LiquidLegionsV2,
		Description: computation.DescSetupPhaseInput,
		Sender:      node.duchyID,
	}

	if err := transfer.Send(s, h, payload, 1024); err != nil {
		return err
	}

	resp, err := transfer.ReadResponse(s)
	if err != nil {
		return err
	}

	return resp.Err()
}

// TestNodeStartStop tests starting and stopping a node.
func TestNodeStartStop(t *testing.T) {
	dir, _ := peers.New()

	node, err := NewNode(Config{
		DuchyID:    "alpha",
		PrivateKey: generateTestKey(t),
		ListenAddr: "127.0.0.1:0",
		Directory:  dir,
	})
	if err != nil {
		t.Fatalf("create node: %v", err)
	}

	if err := node.Start(); err != nil {
		t.Fatalf("start node: %v", err)
	}

	if node.Addr() == "" {
		t.Error("started node has no address")
	}

	if err := node.Close(); err != nil {
		t.Fatalf("close node: %v", err)
	}
}

// TestNewNodeValidation tests required configuration.
func TestNewNodeValidation(t *testing.T) {
	dir, _ := peers.New()
	key := generateTestKey(t)

	configs := []Config{
		{ListenAddr: "127.0.0.1:0", Directory: dir},
		{PrivateKey: key, Directory: dir},
		{PrivateKey: key, ListenAddr: "127.0.0.1:0"},
	}

	for i, cfg := range configs {
		if _, err := NewNode(cfg); err == nil {
			t.Errorf("config %d: expected error", i)
		}
	}
}

// TestOpenStreamTransfer sends a chunked payload between two duchies.
func TestOpenStreamTransfer(t *testing.T) {
	duchies := startDuchies(t, "alpha", "bravo")
	alpha, bravo := duchies[0], duchies[1]

	got := make(chan []byte, 1)
	var from atomic.Value
	bravo.node.OnStream(echoHandler(got, &from))

	payload := bytes.Repeat([]byte("sketch"), 5000)

	if err := sendTransfer(t, alpha.node, "bravo", payload); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case received := <-got:
		if !bytes.Equal(received, payload) {
			t.Error("payload mismatch")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("transfer not received")
	}

	if from.Load() != "alpha" {
		t.Errorf("handler saw peer %v, want alpha", from.Load())
	}
}

// TestOpenStreamReusesConnection checks that consecutive transfers share a connection.
func TestOpenStreamReusesConnection(t *testing.T) {
	duchies := startDuchies(t, "alpha", "bravo")
	alpha, bravo := duchies[0], duchies[1]

	got := make(chan []byte, 2)
	var from atomic.Value
	bravo.node.OnStream(echoHandler(got, &from))

	for i := 0; i < 2; i++ {
		if err := sendTransfer(t, alpha.node, "bravo", []byte{byte(i)}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		<-got
	}

	if live := alpha.node.Peers(); len(live) != 1 || live[0] != "bravo" {
		t.Errorf("alpha peers = %v, want [bravo]", live)
	}
}

// TestOpenStreamUnknownDuchy tests dialing a duchy missing from the directory.
func TestOpenStreamUnknownDuchy(t *testing.T) {
	duchies := startDuchies(t, "alpha")

	if _, err := duchies[0].node.OpenStream(context.Background(), "zulu"); err == nil {
		t.Error("expected error for unknown duchy")
	}
}

// TestRejectUnknownKey checks that a key outside the directory is never served.
func TestRejectUnknownKey(t *testing.T) {
	duchies := startDuchies(t, "alpha", "bravo")
	bravo := duchies[1]

	var called atomic.Bool
	bravo.node.OnStream(func(ctx context.Context, peerID string, s transfer.Stream) {
		called.Store(true)
	})

	// mallory knows bravo but bravo does not know mallory's key
	malloryKey := generateTestKey(t)
	dir, err := peers.New(
		peers.Peer{ID: "bravo", Addr: bravo.addr, PublicKey: bravo.key.Public().(ed25519.PublicKey)},
		peers.Peer{ID: "mallory", Addr: "127.0.0.1:1", PublicKey: malloryKey.Public().(ed25519.PublicKey)},
	)
	if err != nil {
		t.Fatalf("create directory: %v", err)
	}

	mallory := startNode(t, "mallory", malloryKey, freeAddr(t), dir)

	if err := sendTransfer(t, mallory, "bravo", []byte("forged")); err == nil {
		t.Error("transfer from unknown key should fail")
	}

	time.Sleep(100 * time.Millisecond)

	if called.Load() {
		t.Error("handler called for unknown key")
	}
}

// TestCloseWaitsForHandlers checks that Close returns only after inbound
// stream handlers have finished.
func TestCloseWaitsForHandlers(t *testing.T) {
	duchies := startDuchies(t, "alpha", "bravo")
	alpha, bravo := duchies[0], duchies[1]

	started := make(chan struct{})
	var finished atomic.Bool

	bravo.node.OnStream(func(ctx context.Context, peerID string, s transfer.Stream) {
		close(started)
		time.Sleep(500 * time.Millisecond)
		finished.Store(true)
	})

	go sendTransfer(t, alpha.node, "bravo", []byte("sketch"))

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}

	if err := bravo.node.Close(); err != nil {
		t.Fatalf("close node: %v", err)
	}

	if !finished.Load() {
		t.Error("Close returned before the stream handler finished")
	}
}
