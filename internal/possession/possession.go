// Package possession implements the challenge-response protocol proving
// a peer still holds a chunk without revealing its content. The holder
// learns only that some byte range of a given length exists at a given
// offset; the chunk itself is sealed with key material the holder never
// has.
package possession

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/zeebo/blake3"
)

var (
	// ErrStaleChallenge marks a challenge or response outside the
	// freshness window.
	ErrStaleChallenge = errors.New("stale challenge")

	// ErrBadResponse marks a response hash that does not match the
	// locally recomputed expectation: deletion, corruption, or
	// non-possession.
	ErrBadResponse = errors.New("possession response mismatch")
)

// Challenge asks a holder to hash a byte range of a chunk together with
// a single-use nonce. Challenges are ephemeral and never persisted.
type Challenge struct {
	Nonce    [32]byte  // Nonce makes the challenge single-use
	Offset   uint32    // Offset is the byte range start
	Length   uint32    // Length is the byte range length
	IssuedAt time.Time // IssuedAt anchors the freshness window
}

// Response carries the holder's proof.
type Response struct {
	Hash [32]byte // Hash is blake3(nonce || chunk[offset:offset+length])
}

// NewChallenge creates a random challenge over a chunk of the given
// size. The probed range length is capped at maxProbe bytes.
func NewChallenge(chunkSize, maxProbe uint32, now time.Time) (*Challenge, error) {
	if chunkSize == 0 {
		return nil, fmt.Errorf("cannot challenge an empty chunk")
	}

	c := &Challenge{IssuedAt: now}

	if _, err := rand.Read(c.Nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce:\n%w", err)
	}

	c.Offset = randUint32(chunkSize)

	remaining := chunkSize - c.Offset
	c.Length = remaining
	if maxProbe > 0 && c.Length > maxProbe {
		c.Length = maxProbe
	}

	return c, nil
}

// Respond computes the proof over locally held chunk bytes.
func Respond(chunk []byte, c *Challenge) (*Response, error) {
	end := uint64(c.Offset) + uint64(c.Length)
	if end > uint64(len(chunk)) {
		return nil, fmt.Errorf("challenged range [%d:%d) exceeds chunk of %d bytes",
			c.Offset, end, len(chunk))
	}

	return &Response{Hash: expectedHash(chunk, c)}, nil
}

// Verify recomputes the expected hash from independently possessed
// chunk bytes and compares it against the response. Challenges older
// than the freshness window are rejected before any comparison.
func Verify(chunk []byte, c *Challenge, r *Response, now time.Time, freshness time.Duration) error {
	age := now.Sub(c.IssuedAt)
	if age < 0 || age > freshness {
		return fmt.Errorf("%w: issued %s ago", ErrStaleChallenge, age)
	}

	end := uint64(c.Offset) + uint64(c.Length)
	if end > uint64(len(chunk)) {
		return fmt.Errorf("%w: range [%d:%d) exceeds chunk", ErrBadResponse, c.Offset, end)
	}

	if expectedHash(chunk, c) != r.Hash {
		return ErrBadResponse
	}

	return nil
}

// expectedHash computes blake3(nonce || chunk[offset:offset+length]).
func expectedHash(chunk []byte, c *Challenge) [32]byte {
	h := blake3.New()
	h.Write(c.Nonce[:])
	h.Write(chunk[c.Offset : uint64(c.Offset)+uint64(c.Length)])

	var out [32]byte
	h.Sum(out[:0])

	return out
}

// randUint32 returns a uniform random value in [0, n).
func randUint32(n uint32) uint32 {
	var buf [4]byte
	_, _ = rand.Read(buf[:])

	v := uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])

	return v % n
}
