// Package transfer implements the stream format used to push a stage output to
// a peer duchy.
//
// A transfer is a header frame followed by payload chunks of at most ChunkSize
// bytes, each in its own length-prefixed frame. The sender ends the payload by
// closing its write direction; the receiver concatenates chunks in arrival
// order, checks the size and blake3 digest announced in the header, and
// answers with a single response frame: [1B status][message].
package transfer

import (
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/zeebo/blake3"

	"DuchyMill/internal/computation"
)

const (
	// DefaultChunkSize is the payload chunk size used when none is configured.
	DefaultChunkSize = 32 * 1024

	// preallocChunks bounds the receive buffer reserved before any chunk arrives.
	preallocChunks = 16
)

var (
	// ErrSizeMismatch is returned when the received payload length differs from the header.
	ErrSizeMismatch = errors.New("payload size mismatch")

	// ErrDigestMismatch is returned when the received payload hash differs from the header.
	ErrDigestMismatch = errors.New("payload digest mismatch")

	// ErrChunkTooLarge is returned when a chunk exceeds the announced chunk size.
	ErrChunkTooLarge = errors.New("chunk exceeds announced size")
)

// Stream is a bidirectional byte stream. Close ends the write direction only;
// the peer's response can still be read afterwards.
type Stream interface {
	io.Reader
	io.Writer
	Close() error
}

// InputCanceler is implemented by streams that can drop unread input and
// tell the peer to stop sending.
type InputCanceler interface {
	CancelInput()
}

// Release ends both directions of a stream the caller is done with.
func Release(s Stream) {
	s.Close()

	if c, ok := s.(InputCanceler); ok {
		c.CancelInput()
	}
}

// Chunks splits payload into consecutive pieces of at most size bytes.
// An empty payload has no chunks.
func Chunks(payload []byte, size int) [][]byte {
	if size <= 0 {
		size = DefaultChunkSize
	}

	var chunks [][]byte
	for start := 0; start < len(payload); start += size {
		end := min(start+size, len(payload))
		chunks = append(chunks, payload[start:end])
	}

	return chunks
}

// Send writes the header and the payload chunks, then closes the write
// direction of s. The header's size, digest and chunk size are filled in
// from payload and chunkSize.
func Send(s Stream, h Header, payload []byte, chunkSize int) error {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	h.PayloadSize = uint64(len(payload))
	h.Digest = blake3.Sum256(payload)
	h.ChunkSize = uint32(chunkSize)

	if err := WriteFrame(s, EncodeHeader(h)); err != nil {
		return fmt.Errorf("write header:\n%w", err)
	}

	for i, chunk := range Chunks(payload, chunkSize) {
		if err := WriteFrame(s, chunk); err != nil {
			return fmt.Errorf("write chunk %d:\n%w", i, err)
		}
	}

	if err := s.Close(); err != nil {
		return fmt.Errorf("close send direction:\n%w", err)
	}

	return nil
}

// ReceiveHeader reads the header frame of a transfer.
func ReceiveHeader(r io.Reader) (Header, error) {
	data, err := ReadFrame(r)
	if err != nil {
		return Header{}, fmt.Errorf("read header:\n%w", err)
	}

	return DecodeHeader(data)
}

// ReceivePayload reads chunks until the sender closes the stream, then
// verifies the reassembled payload against the header. maxSize bounds the
// accepted payload; 0 means no bound beyond the header's size.
func ReceivePayload(r io.Reader, h Header, maxSize uint64) ([]byte, error) {
	if maxSize > 0 && h.PayloadSize > maxSize {
		return nil, fmt.Errorf("%w: payload of %d bytes exceeds %d", computation.ErrInvalidArgument, h.PayloadSize, maxSize)
	}

	if h.PayloadSize > math.MaxInt {
		return nil, fmt.Errorf("%w: payload of %d bytes", computation.ErrInvalidArgument, h.PayloadSize)
	}

	chunk := uint64(h.ChunkSize)
	if chunk == 0 {
		chunk = DefaultChunkSize
	}

	payload := make([]byte, 0, min(h.PayloadSize, chunk*preallocChunks))

	for {
		chunk, err := ReadFrame(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read chunk:\n%w", err)
		}

		if h.ChunkSize > 0 && uint32(len(chunk)) > h.ChunkSize {
			return nil, fmt.Errorf("%w: %d > %d", ErrChunkTooLarge, len(chunk), h.ChunkSize)
		}

		if uint64(len(payload)+len(chunk)) > h.PayloadSize {
			return nil, fmt.Errorf("%w: more than %d bytes", ErrSizeMismatch, h.PayloadSize)
		}

		payload = append(payload, chunk...)
	}

	if uint64(len(payload)) != h.PayloadSize {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrSizeMismatch, len(payload), h.PayloadSize)
	}

	if blake3.Sum256(payload) != h.Digest {
		return nil, ErrDigestMismatch
	}

	return payload, nil
}

// Status is the receiver's verdict on a transfer.
type Status byte

const (
	// StatusOK means the payload was stored, or had already been.
	StatusOK Status = iota

	// StatusNotReady means the computation has not reached the waiting stage yet.
	// The sender retries later.
	StatusNotReady

	// StatusRejected means the transfer can never be accepted.
	StatusRejected
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusNotReady:
		return "NOT_READY"
	case StatusRejected:
		return "REJECTED"
	default:
		return fmt.Sprintf("STATUS(%d)", byte(s))
	}
}

// Response is the receiver's answer to a transfer.
type Response struct {
	Status  Status
	Message string
}

// Err converts a response into the sender's error: nil for OK, a transient
// error for NotReady and a permanent one for Rejected.
func (r Response) Err() error {
	switch r.Status {
	case StatusOK:
		return nil
	case StatusNotReady:
		return fmt.Errorf("peer not ready: %s", r.Message)
	default:
		return computation.Permanentf("peer rejected transfer: %s", r.Message)
	}
}

// WriteResponse writes a response frame.
func WriteResponse(w io.Writer, resp Response) error {
	data := make([]byte, 0, 1+len(resp.Message))
	data = append(data, byte(resp.Status))
	data = append(data, resp.Message...)

	return WriteFrame(w, data)
}

// ReadResponse reads a response frame.
func ReadResponse(r io.Reader) (Response, error) {
	data, err := ReadFrame(r)
	if err != nil {
		return Response{}, fmt.Errorf("read response:\n%w", err)
	}

	if len(data) == 0 {
		return Response{}, fmt.Errorf("empty response frame")
	}

	return Response{Status: Status(data[0]), Message: string(data[1:])}, nil
}
