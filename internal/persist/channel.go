package persist

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"VouchVault/internal/chunker"
	"VouchVault/internal/possession"
	"VouchVault/internal/registry"
)

// ErrNoResponse is returned when a holder cannot be reached or refuses
// to answer.
var ErrNoResponse = errors.New("no response from peer")

// PeerChannel moves chunks and challenges between peers. Implementations
// decide how bytes travel; the distribution and recovery logic only
// sees these three exchanges.
type PeerChannel interface {
	// Push hands a chunk to a holder and returns its signed receipt.
	Push(ctx context.Context, holder, owner registry.PeerID, chunk chunker.Chunk, epoch uint64) (Attestation, error)

	// Probe sends a possession challenge for a stored chunk and
	// returns the holder's response.
	Probe(ctx context.Context, holder, owner registry.PeerID, index uint32, c *possession.Challenge) (*possession.Response, error)

	// Pull fetches a stored chunk's bytes back from a holder.
	Pull(ctx context.Context, holder, owner registry.PeerID, index uint32) ([]byte, error)
}

// heldKey identifies one stored chunk on a loopback peer.
type heldKey struct {
	owner registry.PeerID
	index uint32
}

// loopbackPeer is one simulated holder.
type loopbackPeer struct {
	keys   *BLSKeyPair
	chunks map[heldKey][]byte
	down   bool
}

// Loopback is an in-process PeerChannel connecting simulated peers.
// It backs single-node operation and tests; a wire transport satisfies
// the same interface.
type Loopback struct {
	mu    sync.Mutex
	peers map[registry.PeerID]*loopbackPeer
}

// NewLoopback creates an empty loopback network.
func NewLoopback() *Loopback {
	return &Loopback{peers: make(map[registry.PeerID]*loopbackPeer)}
}

// AddPeer registers a simulated peer and returns its BLS public key.
func (l *Loopback) AddPeer(id registry.PeerID) ([]byte, error) {
	keys, err := GenerateBLSKeyFromSeed(append([]byte("loopback-peer-seed:"), id[:]...))
	if err != nil {
		return nil, fmt.Errorf("generate peer keys:\n%w", err)
	}

	l.AddPeerKeys(id, keys)

	return keys.PublicKeyBytes(), nil
}

// AddPeerKeys registers a peer that signs with the given key pair.
func (l *Loopback) AddPeerKeys(id registry.PeerID, keys *BLSKeyPair) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.peers[id] = &loopbackPeer{
		keys:   keys,
		chunks: make(map[heldKey][]byte),
	}
}

// SetDown marks a peer as unreachable. Downed peers return ErrNoResponse
// to every exchange until brought back up.
func (l *Loopback) SetDown(id registry.PeerID, down bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if p, ok := l.peers[id]; ok {
		p.down = down
	}
}

// Corrupt flips every byte of a stored chunk, simulating silent data
// rot.
func (l *Loopback) Corrupt(holder, owner registry.PeerID, index uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.peers[holder]
	if !ok {
		return
	}

	if data, ok := p.chunks[heldKey{owner: owner, index: index}]; ok {
		for i := range data {
			data[i] ^= 0xFF
		}
	}
}

// Drop removes a stored chunk from a holder.
func (l *Loopback) Drop(holder, owner registry.PeerID, index uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if p, ok := l.peers[holder]; ok {
		delete(p.chunks, heldKey{owner: owner, index: index})
	}
}

// reach returns a live peer or ErrNoResponse.
func (l *Loopback) reach(id registry.PeerID) (*loopbackPeer, error) {
	p, ok := l.peers[id]
	if !ok || p.down {
		return nil, fmt.Errorf("%w: %s", ErrNoResponse, id.Short())
	}

	return p, nil
}

// Push implements PeerChannel.
func (l *Loopback) Push(ctx context.Context, holder, owner registry.PeerID, chunk chunker.Chunk, epoch uint64) (Attestation, error) {
	if err := ctx.Err(); err != nil {
		return Attestation{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	p, err := l.reach(holder)
	if err != nil {
		return Attestation{}, err
	}

	stored := make([]byte, len(chunk.Data))
	copy(stored, chunk.Data)
	p.chunks[heldKey{owner: owner, index: chunk.Index}] = stored

	return SignAttestation(p.keys, holder, owner, chunk.Hash, epoch), nil
}

// Probe implements PeerChannel.
func (l *Loopback) Probe(ctx context.Context, holder, owner registry.PeerID, index uint32, c *possession.Challenge) (*possession.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	p, err := l.reach(holder)
	if err != nil {
		return nil, err
	}

	data, ok := p.chunks[heldKey{owner: owner, index: index}]
	if !ok {
		return nil, fmt.Errorf("%w: chunk %d not held", ErrNoResponse, index)
	}

	return possession.Respond(data, c)
}

// Pull implements PeerChannel.
func (l *Loopback) Pull(ctx context.Context, holder, owner registry.PeerID, index uint32) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	p, err := l.reach(holder)
	if err != nil {
		return nil, err
	}

	data, ok := p.chunks[heldKey{owner: owner, index: index}]
	if !ok {
		return nil, fmt.Errorf("%w: chunk %d not held", ErrNoResponse, index)
	}

	out := make([]byte, len(data))
	copy(out, data)

	return out, nil
}
