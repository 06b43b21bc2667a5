// Package advance moves stage outputs between duchies: the client pushes a
// payload to a peer, the service stores incoming payloads into the waiting
// stage of the receiving computation and advances it once every slot is full.
package advance

import (
	"context"
	"fmt"

	"DuchyMill/internal/computation"
	"DuchyMill/internal/transfer"
)

// Opener opens a transfer stream to a peer duchy.
type Opener interface {
	OpenStream(ctx context.Context, duchyID string) (transfer.Stream, error)
}

// Client sends stage outputs to peer duchies.
type Client struct {
	opener    Opener // opener dials peers
	self      string // self is this duchy's ID, sent as the header sender
	chunkSize int    // chunkSize is the payload chunk size
}

// NewClient creates an advance client. A chunkSize of 0 uses
// transfer.DefaultChunkSize.
func NewClient(opener Opener, self string, chunkSize int) *Client {
	if chunkSize <= 0 {
		chunkSize = transfer.DefaultChunkSize
	}

	return &Client{opener: opener, self: self, chunkSize: chunkSize}
}

// Send pushes payload to the duchy as input labeled desc of the token's
// computation. Transport failures and NotReady answers are transient;
// a Rejected answer is permanent.
func (c *Client) Send(ctx context.Context, to string, tok computation.Token, desc computation.Description, payload []byte) error {
	stream, err := c.opener.OpenStream(ctx, to)
	if err != nil {
		return fmt.Errorf("open stream to %s:\n%w", to, err)
	}
	defer transfer.Release(stream)

	h := transfer.Header{
		GlobalID:    tok.GlobalID,
		Protocol:    tok.Protocol,
		Description: desc,
		Sender:      c.self,
	}

	if err := transfer.Send(stream, h, payload, c.chunkSize); err != nil {
		return fmt.Errorf("send %s to %s:\n%w", desc, to, err)
	}

	resp, err := transfer.ReadResponse(stream)
	if err != nil {
		return fmt.Errorf("await %s:\n%w", to, err)
	}

	if err := resp.Err(); err != nil {
		return fmt.Errorf("%s:\n%w", to, err)
	}

	return nil
}
