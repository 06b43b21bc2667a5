// Package attest signs computation results with the duchy's BLS key so the
// kingdom can tell which duchy produced a reported result.
package attest

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"

	blst "github.com/supranational/blst/bindings/go"
	"github.com/zeebo/blake3"
)

const (
	// PublicKeySize is the size of a BLS public key in bytes.
	PublicKeySize = 48

	// SignatureSize is the size of a BLS signature in bytes.
	SignatureSize = 96
)

// dst is the domain separation tag for BLS signatures.
var dst = []byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_NUL_")

// KeyPair holds a BLS private/public key pair.
type KeyPair struct {
	secret *blst.SecretKey // secret is the private key
	public *blst.P1Affine  // public is the public key
}

// DeriveFromED25519 derives a deterministic BLS key pair from an ED25519 private key.
// The BLS key is bound to the duchy's identity via BLAKE3("duchy-bls-keygen" || seed).
func DeriveFromED25519(privKey ed25519.PrivateKey) (*KeyPair, error) {
	seed := privKey.Seed()
	h := blake3.New()
	h.Write([]byte("duchy-bls-keygen"))
	h.Write(seed)

	var derived [32]byte
	h.Sum(derived[:0])

	return FromSeed(derived[:])
}

// FromSeed creates a BLS key pair from a deterministic seed.
// The seed must be at least 32 bytes.
func FromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) < 32 {
		return nil, fmt.Errorf("seed must be at least 32 bytes")
	}

	secret := blst.KeyGen(seed)
	if secret == nil {
		return nil, fmt.Errorf("failed to generate BLS key")
	}

	return &KeyPair{
		secret: secret,
		public: new(blst.P1Affine).From(secret),
	}, nil
}

// PublicKeyBytes returns the compressed public key bytes.
func (k *KeyPair) PublicKeyBytes() []byte {
	return k.public.Compress()
}

// Attestation binds a result to the computation that produced it.
type Attestation struct {
	GlobalID  string   // GlobalID is the computation
	Digest    [32]byte // Digest is the blake3 hash of the result
	Signature []byte   // Signature is the BLS signature over Message(GlobalID, Digest)
	PublicKey []byte   // PublicKey is the signer's compressed BLS key
}

// Message returns the signed bytes for a result digest:
// BLAKE3("duchy-result" || len(globalID) || globalID || digest).
func Message(globalID string, digest [32]byte) []byte {
	h := blake3.New()
	h.Write([]byte("duchy-result"))

	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(globalID)))
	h.Write(n[:])
	h.Write([]byte(globalID))
	h.Write(digest[:])

	return h.Sum(nil)
}

// Attest signs the result of a computation.
func (k *KeyPair) Attest(globalID string, result []byte) Attestation {
	digest := blake3.Sum256(result)
	sig := new(blst.P2Affine).Sign(k.secret, Message(globalID, digest), dst)

	return Attestation{
		GlobalID:  globalID,
		Digest:    digest,
		Signature: sig.Compress(),
		PublicKey: k.PublicKeyBytes(),
	}
}

// Verify checks an attestation against the result it claims to cover.
func Verify(a Attestation, result []byte) bool {
	if blake3.Sum256(result) != a.Digest {
		return false
	}

	return VerifySignature(a.Signature, Message(a.GlobalID, a.Digest), a.PublicKey)
}

// VerifySignature checks a BLS signature against a message and public key.
func VerifySignature(signature, message, publicKey []byte) bool {
	if len(signature) != SignatureSize || len(publicKey) != PublicKeySize {
		return false
	}

	sig := new(blst.P2Affine).Uncompress(signature)
	if sig == nil {
		return false
	}

	pk := new(blst.P1Affine).Uncompress(publicKey)
	if pk == nil {
		return false
	}

	return sig.Verify(true, pk, true, message, dst)
}
