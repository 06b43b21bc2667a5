package transfer

import (
	"bytes"
	"errors"
	"io"
	"math"
	"testing"

	"DuchyMill/internal/computation"
)

func testHeader() Header {
	return Header{
		GlobalID:    "cmp-1",
		Protocol:    computation.LiquidLegionsV1,
		Description: computation.DescConcatenatedSketch,
		Sender:      "alpha",
	}
}

func TestChunks(t *testing.T) {
	tests := []struct {
		size       int
		wantChunks int
		wantLast   int
	}{
		{0, 0, 0},
		{1, 1, 1},
		{32768, 1, 32768},
		{32769, 2, 1},
		{100000, 4, 100000 - 3*32768},
	}

	for _, tt := range tests {
		payload := make([]byte, tt.size)
		chunks := Chunks(payload, 32768)

		if len(chunks) != tt.wantChunks {
			t.Errorf("size %d: %d chunks, want %d", tt.size, len(chunks), tt.wantChunks)
			continue
		}

		if tt.wantChunks > 0 && len(chunks[len(chunks)-1]) != tt.wantLast {
			t.Errorf("size %d: last chunk %d bytes, want %d", tt.size, len(chunks[len(chunks)-1]), tt.wantLast)
		}
	}
}

// TestSendReceive checks reassembly over an in-memory stream.
func TestSendReceive(t *testing.T) {
	for _, size := range []int{0, 1, 100000} {
		payload := make([]byte, size)
		for i := range payload {
			payload[i] = byte(i * 31)
		}

		sender, receiver := Pipe()

		errc := make(chan error, 1)
		go func() {
			if err := Send(sender, testHeader(), payload, 32768); err != nil {
				errc <- err
				return
			}

			resp, err := ReadResponse(sender)
			if err == nil {
				err = resp.Err()
			}
			errc <- err
		}()

		h, err := ReceiveHeader(receiver)
		if err != nil {
			t.Fatalf("size %d: ReceiveHeader: %v", size, err)
		}

		if h.GlobalID != "cmp-1" || h.Sender != "alpha" || h.PayloadSize != uint64(size) || h.ChunkSize != 32768 {
			t.Errorf("size %d: header = %+v", size, h)
		}

		got, err := ReceivePayload(receiver, h, 0)
		if err != nil {
			t.Fatalf("size %d: ReceivePayload: %v", size, err)
		}

		if !bytes.Equal(got, payload) {
			t.Errorf("size %d: payload differs", size)
		}

		if err := WriteResponse(receiver, Response{Status: StatusOK}); err != nil {
			t.Fatalf("WriteResponse: %v", err)
		}
		receiver.Close()

		if err := <-errc; err != nil {
			t.Errorf("size %d: sender: %v", size, err)
		}
	}
}

// writeRaw writes a header claiming one payload then the given chunks.
func writeRaw(w io.WriteCloser, h Header, chunks ...[]byte) {
	WriteFrame(w, EncodeHeader(h))
	for _, c := range chunks {
		WriteFrame(w, c)
	}
	w.Close()
}

func TestReceiveDigestMismatch(t *testing.T) {
	sender, receiver := Pipe()

	h := testHeader()
	h.PayloadSize = 3
	h.ChunkSize = 32768
	go writeRaw(sender, h, []byte("abc"))

	hdr, err := ReceiveHeader(receiver)
	if err != nil {
		t.Fatalf("ReceiveHeader: %v", err)
	}

	if _, err := ReceivePayload(receiver, hdr, 0); !errors.Is(err, ErrDigestMismatch) {
		t.Errorf("error = %v, want ErrDigestMismatch", err)
	}
}

func TestReceiveSizeMismatch(t *testing.T) {
	tests := []struct {
		name   string
		size   uint64
		chunks [][]byte
	}{
		{"short", 10, [][]byte{[]byte("abc")}},
		{"long", 2, [][]byte{[]byte("abc")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender, receiver := Pipe()

			h := testHeader()
			h.PayloadSize = tt.size
			h.ChunkSize = 32768
			go writeRaw(sender, h, tt.chunks...)

			hdr, _ := ReceiveHeader(receiver)
			if _, err := ReceivePayload(receiver, hdr, 0); !errors.Is(err, ErrSizeMismatch) {
				t.Errorf("error = %v, want ErrSizeMismatch", err)
			}
		})
	}
}

func TestReceiveChunkTooLarge(t *testing.T) {
	sender, receiver := Pipe()

	h := testHeader()
	h.PayloadSize = 4
	h.ChunkSize = 2
	go writeRaw(sender, h, []byte("abcd"))

	hdr, _ := ReceiveHeader(receiver)
	if _, err := ReceivePayload(receiver, hdr, 0); !errors.Is(err, ErrChunkTooLarge) {
		t.Errorf("error = %v, want ErrChunkTooLarge", err)
	}
}

func TestReceiveMaxSize(t *testing.T) {
	h := testHeader()
	h.PayloadSize = 1 << 30

	_, err := ReceivePayload(bytes.NewReader(nil), h, 1<<20)
	if !errors.Is(err, computation.ErrInvalidArgument) {
		t.Errorf("error = %v, want ErrInvalidArgument", err)
	}
}

func TestReceiveOversizedHeader(t *testing.T) {
	h := testHeader()
	h.PayloadSize = 1 << 62

	_, err := ReceivePayload(bytes.NewReader(nil), h, 0)
	if !errors.Is(err, ErrSizeMismatch) {
		t.Errorf("error = %v, want ErrSizeMismatch", err)
	}

	h.PayloadSize = math.MaxUint64

	_, err = ReceivePayload(bytes.NewReader(nil), h, 0)
	if !errors.Is(err, computation.ErrInvalidArgument) {
		t.Errorf("error = %v, want ErrInvalidArgument", err)
	}
}

func TestReleaseStopsPeer(t *testing.T) {
	a, b := Pipe()

	Release(a)

	if _, err := b.Write([]byte("late response")); !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("write to released stream = %v, want io.ErrClosedPipe", err)
	}

	if _, err := a.Write([]byte("x")); !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("write after release = %v, want io.ErrClosedPipe", err)
	}
}

func TestDecodeHeaderMalformed(t *testing.T) {
	for _, data := range [][]byte{nil, {1, 2, 3}, bytes.Repeat([]byte{0xff}, 64)} {
		if _, err := DecodeHeader(data); err == nil {
			t.Errorf("DecodeHeader(%x) should fail", data)
		}
	}
}

func TestResponseErr(t *testing.T) {
	if (Response{Status: StatusOK}).Err() != nil {
		t.Error("OK should not be an error")
	}

	notReady := Response{Status: StatusNotReady, Message: "WAIT_SKETCHES not reached"}.Err()
	if notReady == nil || computation.IsPermanent(notReady) {
		t.Errorf("NotReady should be transient, got %v", notReady)
	}

	rejected := Response{Status: StatusRejected, Message: "unknown description"}.Err()
	if !computation.IsPermanent(rejected) {
		t.Errorf("Rejected should be permanent, got %v", rejected)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	if err := WriteFrame(&buf, []byte("hello")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if err := WriteFrame(&buf, nil); err != nil {
		t.Fatalf("WriteFrame empty: %v", err)
	}

	first, err := ReadFrame(&buf)
	if err != nil || string(first) != "hello" {
		t.Fatalf("first frame = %q, %v", first, err)
	}

	second, err := ReadFrame(&buf)
	if err != nil || len(second) != 0 {
		t.Fatalf("second frame = %q, %v", second, err)
	}

	if _, err := ReadFrame(&buf); err != io.EOF {
		t.Errorf("end of stream = %v, want io.EOF", err)
	}

	if err := WriteFrame(io.Discard, make([]byte, maxFrameSize+1)); err == nil {
		t.Error("oversized frame should be rejected")
	}
}
