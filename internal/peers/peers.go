// Package peers is the directory of duchies this duchy exchanges stage
// outputs with: their IDs, QUIC addresses and ed25519 identities.
package peers

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"DuchyMill/internal/computation"
)

// Peer is one duchy's network identity.
type Peer struct {
	ID        string            // ID is the duchy ID
	Addr      string            // Addr is the QUIC address (host:port)
	PublicKey ed25519.PublicKey // PublicKey authenticates the duchy's TLS certificate
}

// Directory maps duchy IDs to peers and identities back to IDs.
type Directory struct {
	byID  map[string]Peer
	byKey map[string]string // byKey maps public key hex to duchy ID
}

// New creates a directory from peers. IDs and keys must be unique.
func New(peers ...Peer) (*Directory, error) {
	d := &Directory{
		byID:  make(map[string]Peer, len(peers)),
		byKey: make(map[string]string, len(peers)),
	}

	for _, p := range peers {
		if err := d.add(p); err != nil {
			return nil, err
		}
	}

	return d, nil
}

// Parse reads a comma-separated list of "id=pubkeyhex@host:port" entries.
// An empty string yields an empty directory.
func Parse(s string) (*Directory, error) {
	var list []Peer

	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		p, err := parseEntry(entry)
		if err != nil {
			return nil, err
		}

		list = append(list, p)
	}

	return New(list...)
}

// parseEntry parses a single "id=pubkeyhex@host:port" entry.
func parseEntry(entry string) (Peer, error) {
	id, rest, ok := strings.Cut(entry, "=")
	if !ok || id == "" {
		return Peer{}, fmt.Errorf("%w: peer %q: want id=pubkey@host:port", computation.ErrInvalidArgument, entry)
	}

	keyHex, addr, ok := strings.Cut(rest, "@")
	if !ok || addr == "" {
		return Peer{}, fmt.Errorf("%w: peer %q: missing address", computation.ErrInvalidArgument, entry)
	}

	key, err := hex.DecodeString(keyHex)
	if err != nil || len(key) != ed25519.PublicKeySize {
		return Peer{}, fmt.Errorf("%w: peer %q: public key must be %d hex bytes", computation.ErrInvalidArgument, id, ed25519.PublicKeySize)
	}

	return Peer{ID: id, Addr: addr, PublicKey: ed25519.PublicKey(key)}, nil
}

// add inserts a peer, rejecting duplicates.
func (d *Directory) add(p Peer) error {
	if _, exists := d.byID[p.ID]; exists {
		return fmt.Errorf("%w: duplicate duchy %s", computation.ErrInvalidArgument, p.ID)
	}

	keyHex := hex.EncodeToString(p.PublicKey)
	if other, exists := d.byKey[keyHex]; exists {
		return fmt.Errorf("%w: duchies %s and %s share a key", computation.ErrInvalidArgument, other, p.ID)
	}

	d.byID[p.ID] = p
	d.byKey[keyHex] = p.ID

	return nil
}

// Lookup returns the peer with the given duchy ID.
func (d *Directory) Lookup(id string) (Peer, bool) {
	p, ok := d.byID[id]
	return p, ok
}

// Identify returns the duchy ID owning a public key.
func (d *Directory) Identify(key ed25519.PublicKey) (string, bool) {
	id, ok := d.byKey[hex.EncodeToString(key)]
	return id, ok
}

// IDs returns every duchy ID in sorted order.
func (d *Directory) IDs() []string {
	ids := make([]string, 0, len(d.byID))
	for id := range d.byID {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}

// Len returns the number of peers.
func (d *Directory) Len() int {
	return len(d.byID)
}
