package transfer

import (
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"

	"DuchyMill/internal/computation"
	"DuchyMill/internal/types"
)

// Header is the first frame of a transfer. It names the computation and the
// payload that follows.
type Header struct {
	GlobalID    string                  // GlobalID is the target computation
	Protocol    computation.Protocol    // Protocol is the computation's protocol
	Description computation.Description // Description says which waiting stage consumes the payload
	Sender      string                  // Sender is the sending duchy ID
	PayloadSize uint64                  // PayloadSize is the total payload length
	Digest      [32]byte                // Digest is the blake3 hash of the payload
	ChunkSize   uint32                  // ChunkSize is the largest chunk the sender writes
}

// EncodeHeader serializes a header as a TransferHeader flatbuffer.
func EncodeHeader(h Header) []byte {
	builder := flatbuffers.NewBuilder(256)

	globalID := builder.CreateString(h.GlobalID)
	sender := builder.CreateString(h.Sender)
	digest := builder.CreateByteVector(h.Digest[:])

	types.TransferHeaderStart(builder)
	types.TransferHeaderAddGlobalId(builder, globalID)
	types.TransferHeaderAddProtocol(builder, byte(h.Protocol))
	types.TransferHeaderAddDescription(builder, int32(h.Description))
	types.TransferHeaderAddSender(builder, sender)
	types.TransferHeaderAddPayloadSize(builder, h.PayloadSize)
	types.TransferHeaderAddDigest(builder, digest)
	types.TransferHeaderAddChunkSize(builder, h.ChunkSize)
	builder.Finish(types.TransferHeaderEnd(builder))

	return builder.FinishedBytes()
}

// DecodeHeader parses a TransferHeader flatbuffer.
func DecodeHeader(data []byte) (h Header, err error) {
	// Malformed buffers make the generated accessors index out of range.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: malformed transfer header", computation.ErrInvalidArgument)
		}
	}()

	if len(data) < 8 {
		return Header{}, fmt.Errorf("%w: transfer header too short", computation.ErrInvalidArgument)
	}

	th := types.GetRootAsTransferHeader(data, 0)

	h = Header{
		GlobalID:    string(th.GlobalId()),
		Protocol:    computation.Protocol(th.Protocol()),
		Description: computation.Description(th.Description()),
		Sender:      string(th.Sender()),
		PayloadSize: th.PayloadSize(),
		ChunkSize:   th.ChunkSize(),
	}

	digest := th.DigestBytes()
	if len(digest) != len(h.Digest) {
		return Header{}, fmt.Errorf("%w: digest is %d bytes", computation.ErrInvalidArgument, len(digest))
	}
	copy(h.Digest[:], digest)

	if h.GlobalID == "" || h.Sender == "" {
		return Header{}, fmt.Errorf("%w: header without computation or sender", computation.ErrInvalidArgument)
	}

	return h, nil
}
