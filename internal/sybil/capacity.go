package sybil

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/zeebo/blake3"
)

// capacityContext is the domain separation prefix for buffer expansion.
const capacityContext = "vouchvault:capacity"

// expandBlock is the granularity of deterministic buffer expansion.
const expandBlock = 64 * 1024

// CapacityChallenge asks a peer to prove it can materialize a buffer of
// the claimed size. The buffer is deterministically expanded from the
// seed, so the verifier can recompute the expected hash without trusting
// the prover.
type CapacityChallenge struct {
	Seed  [32]byte // Seed derives the buffer content
	Nonce [32]byte // Nonce makes each challenge single-use
	Size  uint64   // Size is the buffer size in bytes
}

// NewCapacityChallenge creates a random challenge for the given size.
func NewCapacityChallenge(size uint64) (*CapacityChallenge, error) {
	c := &CapacityChallenge{Size: size}

	if _, err := rand.Read(c.Seed[:]); err != nil {
		return nil, fmt.Errorf("generate seed:\n%w", err)
	}

	if _, err := rand.Read(c.Nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce:\n%w", err)
	}

	return c, nil
}

// ProveCapacity materializes the challenged buffer and hashes it with
// the nonce. A prover without the memory or storage to hold the buffer
// blocks cannot shortcut the expansion.
func ProveCapacity(c *CapacityChallenge) [32]byte {
	h := blake3.New()
	h.Write(c.Nonce[:])

	block := make([]byte, expandBlock)
	remaining := c.Size

	for i := uint64(0); remaining > 0; i++ {
		expandInto(block, c.Seed, i)

		n := uint64(len(block))
		if remaining < n {
			n = remaining
		}

		h.Write(block[:n])
		remaining -= n
	}

	var proof [32]byte
	h.Sum(proof[:0])

	return proof
}

// VerifyCapacity recomputes the expected proof locally and compares.
func VerifyCapacity(c *CapacityChallenge, proof [32]byte) bool {
	return ProveCapacity(c) == proof
}

// expandInto fills block with the i-th expansion of the seed.
func expandInto(block []byte, seed [32]byte, i uint64) {
	var idx [8]byte
	binary.LittleEndian.PutUint64(idx[:], i)

	h := blake3.New()
	h.Write([]byte(capacityContext))
	h.Write(seed[:])
	h.Write(idx[:])

	d := h.Digest()
	_, _ = d.Read(block)
}
