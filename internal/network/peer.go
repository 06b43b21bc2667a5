package network

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"DuchyMill/internal/logger"
)

// Peer is a live connection to a remote duchy.
type Peer struct {
	id     string      // id is the remote duchy ID
	conn   *quic.Conn  // conn is the underlying QUIC connection
	node   *Node       // node is the parent node
	closed atomic.Bool // closed indicates if the peer is closed
}

// quicStream adapts a QUIC stream to transfer.Stream.
type quicStream struct {
	*quic.Stream
}

// CancelInput stops receiving on the stream.
func (s quicStream) CancelInput() {
	s.Stream.CancelRead(0)
}

// ID returns the remote duchy ID.
func (p *Peer) ID() string {
	return p.id
}

// Close closes the peer connection.
func (p *Peer) Close() error {
	if p.closed.Swap(true) {
		return nil // Already closed
	}

	return p.conn.CloseWithError(0, "closed")
}

// openStream opens a bidirectional stream with its deadline set from ctx.
func (p *Peer) openStream(ctx context.Context) (*quic.Stream, error) {
	if p.closed.Load() {
		return nil, fmt.Errorf("peer is closed")
	}

	stream, err := p.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultRequestTimeout)
	}
	stream.SetDeadline(deadline)

	return stream, nil
}

// acceptStreams serves inbound bidirectional streams until the connection ends.
func (p *Peer) acceptStreams(ctx context.Context) {
	for {
		stream, err := p.conn.AcceptStream(ctx)
		if err != nil {
			logger.Debug("peer disconnected", "duchy", p.id, "error", err)
			p.node.dropPeer(p)
			return
		}

		stream.SetDeadline(time.Now().Add(defaultRequestTimeout))

		p.node.wg.Add(1)
		go func() {
			defer p.node.wg.Done()
			p.node.callOnStream(p.id, stream)
		}()
	}
}
