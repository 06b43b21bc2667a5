package cryptovm

import (
	flatbuffers "github.com/google/flatbuffers/go"

	"DuchyMill/internal/computation"
	"DuchyMill/internal/types"
)

// Request is one invocation of an opaque crypto operation.
type Request struct {
	Operation    string            // Operation names the crypto operation
	Stage        computation.Stage // Stage is the stage running the operation
	Participants int               // Participants is the number of duchies in the computation
	Inputs       [][]byte          // Inputs are the stage's input blobs in blob ID order
}

// InputBytes returns the total size of the inputs.
func (r Request) InputBytes() int {
	var n int
	for _, in := range r.Inputs {
		n += len(in)
	}

	return n
}

// EncodeRequest serializes a request as a CryptoRequest flatbuffer,
// the input a WASM module reads through read_input.
func EncodeRequest(r Request) []byte {
	builder := flatbuffers.NewBuilder(1024 + r.InputBytes())

	payloads := make([]flatbuffers.UOffsetT, len(r.Inputs))
	for i, in := range r.Inputs {
		data := builder.CreateByteVector(in)

		types.PayloadStart(builder)
		types.PayloadAddData(builder, data)
		payloads[i] = types.PayloadEnd(builder)
	}

	types.CryptoRequestStartInputsVector(builder, len(payloads))
	for i := len(payloads) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(payloads[i])
	}
	inputsVec := builder.EndVector(len(payloads))

	op := builder.CreateString(r.Operation)

	types.CryptoRequestStart(builder)
	types.CryptoRequestAddOperation(builder, op)
	types.CryptoRequestAddStage(builder, int32(r.Stage))
	types.CryptoRequestAddInputs(builder, inputsVec)
	types.CryptoRequestAddParticipants(builder, uint32(r.Participants))
	builder.Finish(types.CryptoRequestEnd(builder))

	return builder.FinishedBytes()
}

// DecodeRequest parses a CryptoRequest flatbuffer.
func DecodeRequest(data []byte) Request {
	req := types.GetRootAsCryptoRequest(data, 0)

	r := Request{
		Operation:    string(req.Operation()),
		Stage:        computation.Stage(req.Stage()),
		Participants: int(req.Participants()),
	}

	var p types.Payload
	for i := 0; i < req.InputsLength(); i++ {
		req.Inputs(&p, i)
		r.Inputs = append(r.Inputs, append([]byte{}, p.DataBytes()...))
	}

	return r
}
