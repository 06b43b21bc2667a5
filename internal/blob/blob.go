// Package blob implements the BlobStore: payloads addressed by path.
//
// Blobs share the duchy's Pebble database under the "b:" prefix. Each value is
// [1B codec][32B blake3 of the plain payload][body], the body being zstd
// compressed when that makes it smaller.
package blob

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"DuchyMill/internal/computation"
	"DuchyMill/internal/storage"
)

const (
	codecRaw  byte = 0
	codecZstd byte = 1

	// headerSize is the codec byte plus the digest.
	headerSize = 1 + 32

	// minCompressSize is the payload size below which compression is skipped.
	minCompressSize = 256
)

var (
	// ErrBlobNotFound is returned when no blob exists at a path.
	// A referenced blob that vanished is illegal state, so the error is permanent.
	ErrBlobNotFound = fmt.Errorf("%w: blob not found", computation.ErrIllegalState)

	// ErrCorruptBlob is returned when a stored blob fails its integrity check.
	ErrCorruptBlob = computation.Permanent(errors.New("corrupt blob"))
)

// prefixBlob is the storage prefix of every blob.
var prefixBlob = []byte("b:")

// Store is the BlobStore.
type Store struct {
	db      *storage.Storage
	encoder *zstd.Encoder // encoder is safe for concurrent EncodeAll
	decoder *zstd.Decoder // decoder is safe for concurrent DecodeAll
}

// New creates a blob store over db.
func New(db *storage.Storage) (*Store, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create encoder:\n%w", err)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("create decoder:\n%w", err)
	}

	return &Store{db: db, encoder: encoder, decoder: decoder}, nil
}

// Close releases the codec resources. The database is owned by the caller.
func (s *Store) Close() {
	s.encoder.Close()
	s.decoder.Close()
}

// NewPath returns a fresh path for a blob produced at the token's stage:
// {localId}/{stageName}/{purpose}/{random hex}.
func NewPath(tok computation.Token, purpose string) string {
	var suffix [8]byte
	_, _ = rand.Read(suffix[:])

	return strconv.FormatUint(tok.LocalID, 10) + "/" + tok.Stage.String() + "/" + purpose + "/" + hex.EncodeToString(suffix[:])
}

// Write stores data at path, replacing any previous content. Writing
// identical content again is a no-op.
func (s *Store) Write(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if path == "" {
		return fmt.Errorf("%w: empty blob path", computation.ErrInvalidArgument)
	}

	digest := blake3.Sum256(data)
	key := makeBlobKey(path)

	existing, err := s.db.Get(key)
	if err != nil {
		return fmt.Errorf("read blob %s:\n%w", path, err)
	}

	if len(existing) >= headerSize && bytes.Equal(existing[1:headerSize], digest[:]) {
		return nil
	}

	if err := s.db.Set(key, s.encode(data, digest)); err != nil {
		return fmt.Errorf("write blob %s:\n%w", path, err)
	}

	return nil
}

// Read returns the payload stored at path.
func (s *Store) Read(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	value, err := s.db.Get(makeBlobKey(path))
	if err != nil {
		return nil, fmt.Errorf("read blob %s:\n%w", path, err)
	}

	if value == nil {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, path)
	}

	data, err := s.decode(value)
	if err != nil {
		return nil, fmt.Errorf("decode blob %s:\n%w", path, err)
	}

	return data, nil
}

// Delete removes the blob at path. Deleting a missing blob is not an error.
func (s *Store) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Delete(makeBlobKey(path))
}

// DeleteComputation removes every blob of a computation and returns how many
// were removed.
func (s *Store) DeleteComputation(ctx context.Context, localID uint64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	prefix := makeBlobKey(strconv.FormatUint(localID, 10) + "/")

	var ops []storage.Op
	err := s.db.IteratePrefix(prefix, func(key, _ []byte) error {
		ops = append(ops, storage.Del(append([]byte{}, key...)))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan blobs:\n%w", err)
	}

	if len(ops) == 0 {
		return 0, nil
	}

	if err := s.db.Write(ops...); err != nil {
		return 0, fmt.Errorf("delete blobs:\n%w", err)
	}

	return len(ops), nil
}

// encode builds the stored value of a payload.
func (s *Store) encode(data []byte, digest [32]byte) []byte {
	codec := codecRaw
	body := data

	if len(data) >= minCompressSize {
		if compressed := s.encoder.EncodeAll(data, nil); len(compressed) < len(data) {
			codec = codecZstd
			body = compressed
		}
	}

	value := make([]byte, 0, headerSize+len(body))
	value = append(value, codec)
	value = append(value, digest[:]...)

	return append(value, body...)
}

// decode unpacks a stored value and verifies its digest.
func (s *Store) decode(value []byte) ([]byte, error) {
	if len(value) < headerSize {
		return nil, ErrCorruptBlob
	}

	body := value[headerSize:]

	var data []byte
	switch value[0] {
	case codecRaw:
		data = body
	case codecZstd:
		var err error
		if data, err = s.decoder.DecodeAll(body, nil); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptBlob, err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown codec %d", ErrCorruptBlob, value[0])
	}

	digest := blake3.Sum256(data)
	if !bytes.Equal(digest[:], value[1:headerSize]) {
		return nil, fmt.Errorf("%w: digest mismatch", ErrCorruptBlob)
	}

	return data, nil
}

// makeBlobKey creates the storage key of a blob path.
func makeBlobKey(path string) []byte {
	return append(append([]byte{}, prefixBlob...), path...)
}
