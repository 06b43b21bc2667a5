// Package network carries stage output transfers between duchies over QUIC.
//
// Every duchy presents a self-signed certificate for its ed25519 key. A
// connection is only kept when the remote key belongs to a duchy in the peer
// directory, so every stream a handler sees is attributed to a known duchy.
package network

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"DuchyMill/internal/logger"
	"DuchyMill/internal/peers"
	"DuchyMill/internal/transfer"
)

const (
	// alpnProtocol is the ALPN protocol identifier.
	alpnProtocol = "duchy-mill/1"

	// defaultRequestTimeout bounds a stream when the caller's context has no deadline.
	defaultRequestTimeout = 30 * time.Second
)

// StreamHandler serves one inbound transfer stream from the duchy peerID.
// The stream is closed when the handler returns.
type StreamHandler func(ctx context.Context, peerID string, s transfer.Stream)

// Config holds the configuration for a Node.
type Config struct {
	DuchyID    string             // DuchyID is this duchy's ID
	PrivateKey ed25519.PrivateKey // PrivateKey is the duchy's ed25519 private key
	ListenAddr string             // ListenAddr is the address to listen on (e.g., ":9000")
	Directory  *peers.Directory   // Directory lists the duchies allowed to connect
}

// Node accepts and initiates authenticated QUIC connections to peer duchies.
type Node struct {
	duchyID    string            // duchyID is this duchy's ID
	publicKey  ed25519.PublicKey // publicKey is the duchy's ed25519 public key
	listenAddr string            // listenAddr is the address to listen on
	directory  *peers.Directory  // directory authenticates remote keys
	tlsConfig  *tls.Config       // tlsConfig is the TLS configuration
	quicConfig *quic.Config      // quicConfig is the QUIC configuration

	listener *quic.Listener // listener is the QUIC listener

	peers   map[string]*Peer // peers maps duchy ID to its live connection
	peersMu sync.Mutex       // peersMu protects peers map

	dialMu sync.Mutex // dialMu serializes outbound dials

	onStream   StreamHandler // onStream serves inbound streams
	handlersMu sync.RWMutex  // handlersMu protects onStream

	ctx    context.Context    // ctx is the node's context
	cancel context.CancelFunc // cancel cancels the node's context
	wg     sync.WaitGroup     // wg waits for goroutines to finish
}

// NewNode creates a new network node.
func NewNode(cfg Config) (*Node, error) {
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}

	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("listen address is required")
	}

	if cfg.Directory == nil {
		return nil, fmt.Errorf("peer directory is required")
	}

	cert, err := generateCertificate(cfg.PrivateKey, cfg.DuchyID)
	if err != nil {
		return nil, fmt.Errorf("generate certificate:\n%w", err)
	}

	tlsConfig := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		ClientAuth:         tls.RequireAnyClientCert,
		InsecureSkipVerify: true, // keys are checked against the directory
		NextProtos:         []string{alpnProtocol},
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Node{
		duchyID:    cfg.DuchyID,
		publicKey:  cfg.PrivateKey.Public().(ed25519.PublicKey),
		listenAddr: cfg.ListenAddr,
		directory:  cfg.Directory,
		tlsConfig:  tlsConfig,
		quicConfig: quicConfig,
		peers:      make(map[string]*Peer),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// PublicKey returns the node's public key.
func (n *Node) PublicKey() ed25519.PublicKey {
	return n.publicKey
}

// Addr returns the listener's address. Returns empty string if not started.
func (n *Node) Addr() string {
	if n.listener == nil {
		return ""
	}

	return n.listener.Addr().String()
}

// Start starts the node and begins accepting connections.
func (n *Node) Start() error {
	listener, err := quic.ListenAddr(n.listenAddr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return fmt.Errorf("listen:\n%w", err)
	}

	n.listener = listener

	n.wg.Add(1)
	go n.acceptLoop()

	return nil
}

// OnStream sets the handler for inbound transfer streams.
func (n *Node) OnStream(fn StreamHandler) {
	n.handlersMu.Lock()
	n.onStream = fn
	n.handlersMu.Unlock()
}

// OpenStream opens a bidirectional stream to the duchy, dialing it first when
// no connection is live. The stream deadline follows ctx, or
// defaultRequestTimeout when ctx has none.
func (n *Node) OpenStream(ctx context.Context, duchyID string) (transfer.Stream, error) {
	peer, err := n.peer(ctx, duchyID)
	if err != nil {
		return nil, err
	}

	stream, err := peer.openStream(ctx)
	if err != nil {
		n.dropPeer(peer)
		return nil, fmt.Errorf("open stream to %s:\n%w", duchyID, err)
	}

	return quicStream{stream}, nil
}

// Peers returns the IDs of duchies with a live connection.
func (n *Node) Peers() []string {
	n.peersMu.Lock()
	defer n.peersMu.Unlock()

	ids := make([]string, 0, len(n.peers))
	for id := range n.peers {
		ids = append(ids, id)
	}

	return ids
}

// Close stops the node and closes all connections, then waits for the
// stream handlers in flight to return.
func (n *Node) Close() error {
	n.cancel()

	if n.listener != nil {
		n.listener.Close()
	}

	n.peersMu.Lock()
	for _, p := range n.peers {
		p.Close()
	}
	n.peers = make(map[string]*Peer)
	n.peersMu.Unlock()

	n.wg.Wait()

	return nil
}

// peer returns the live connection to a duchy, dialing when needed.
func (n *Node) peer(ctx context.Context, duchyID string) (*Peer, error) {
	if p := n.livePeer(duchyID); p != nil {
		return p, nil
	}

	n.dialMu.Lock()
	defer n.dialMu.Unlock()

	if p := n.livePeer(duchyID); p != nil {
		return p, nil
	}

	info, ok := n.directory.Lookup(duchyID)
	if !ok {
		return nil, fmt.Errorf("unknown duchy %s", duchyID)
	}

	conn, err := quic.DialAddr(ctx, info.Addr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial %s at %s:\n%w", duchyID, info.Addr, err)
	}

	peer, err := n.setupPeer(conn)
	if err != nil {
		conn.CloseWithError(1, "setup failed")
		return nil, err
	}

	if peer.id != duchyID {
		peer.Close()
		return nil, fmt.Errorf("address of %s answered as %s", duchyID, peer.id)
	}

	return peer, nil
}

// livePeer returns the open connection to a duchy, or nil.
func (n *Node) livePeer(duchyID string) *Peer {
	n.peersMu.Lock()
	defer n.peersMu.Unlock()

	p := n.peers[duchyID]
	if p == nil || p.closed.Load() {
		return nil
	}

	return p
}

// acceptLoop accepts incoming connections.
func (n *Node) acceptLoop() {
	defer n.wg.Done()

	for {
		conn, err := n.listener.Accept(n.ctx)
		if err != nil {
			return // Listener closed
		}

		go n.handleIncoming(conn)
	}
}

// handleIncoming authenticates an incoming connection.
func (n *Node) handleIncoming(conn *quic.Conn) {
	if _, err := n.setupPeer(conn); err != nil {
		logger.Warn("rejected connection", "remote", conn.RemoteAddr().String(), "error", err)
		conn.CloseWithError(1, "unknown duchy")
	}
}

// setupPeer identifies the remote duchy and starts serving its streams.
func (n *Node) setupPeer(conn *quic.Conn) (*Peer, error) {
	pubKey, err := extractPublicKey(conn.ConnectionState().TLS)
	if err != nil {
		return nil, fmt.Errorf("extract public key:\n%w", err)
	}

	id, ok := n.directory.Identify(pubKey)
	if !ok {
		return nil, fmt.Errorf("public key %x is not in the peer directory", pubKey[:8])
	}

	peer := &Peer{
		id:   id,
		conn: conn,
		node: n,
	}

	n.peersMu.Lock()
	n.peers[id] = peer
	n.peersMu.Unlock()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		peer.acceptStreams(n.ctx)
	}()

	logger.Debug("peer connected", "duchy", id, "remote", conn.RemoteAddr().String())

	return peer, nil
}

// dropPeer forgets a connection if it is still the current one for its duchy.
func (n *Node) dropPeer(p *Peer) {
	n.peersMu.Lock()
	if n.peers[p.id] == p {
		delete(n.peers, p.id)
	}
	n.peersMu.Unlock()

	p.Close()
}

// callOnStream calls the stream handler, or closes the stream when none is set.
func (n *Node) callOnStream(peerID string, stream *quic.Stream) {
	n.handlersMu.RLock()
	fn := n.onStream
	n.handlersMu.RUnlock()

	if fn == nil {
		stream.CancelRead(0)
		stream.Close()
		return
	}

	fn(n.ctx, peerID, quicStream{stream})
	transfer.Release(quicStream{stream})
}
