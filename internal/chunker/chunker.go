package chunker

import (
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
)

// ErrChunkMismatch marks a chunk whose content hash fails its expected
// commitment. It signals corruption or tampering, never a format to
// silently repair.
var ErrChunkMismatch = errors.New("chunk content mismatch")

// Hash is a 32-byte blake3 content hash.
type Hash [32]byte

// Chunk is one content-addressed piece of a sealed snapshot.
type Chunk struct {
	Index uint32 // Index is the chunk's position in the snapshot
	Data  []byte // Data is the sealed snapshot slice
	Hash  Hash   // Hash is blake3(Data)
}

// Split cuts a sealed snapshot into chunkSize pieces. The final chunk
// may be shorter; no padding is added. Chunk size is a tunable trading
// distribution breadth against coordination overhead.
func Split(sealed []byte, chunkSize int) ([]Chunk, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}

	count := (len(sealed) + chunkSize - 1) / chunkSize
	chunks := make([]Chunk, 0, count)

	for i := 0; i < count; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(sealed) {
			end = len(sealed)
		}

		data := make([]byte, end-start)
		copy(data, sealed[start:end])

		chunks = append(chunks, Chunk{
			Index: uint32(i),
			Data:  data,
			Hash:  blake3.Sum256(data),
		})
	}

	return chunks, nil
}

// Join reassembles a sealed snapshot from chunks, verifying count,
// order, and every content hash against the expected commitments. Any
// mismatch aborts with ErrChunkMismatch.
func Join(chunks []Chunk, expected []Hash) ([]byte, error) {
	if len(chunks) != len(expected) {
		return nil, fmt.Errorf("%w: have %d chunks, expected %d",
			ErrChunkMismatch, len(chunks), len(expected))
	}

	size := 0
	for _, c := range chunks {
		size += len(c.Data)
	}

	out := make([]byte, 0, size)

	for i, c := range chunks {
		if c.Index != uint32(i) {
			return nil, fmt.Errorf("%w: chunk %d out of order (index %d)",
				ErrChunkMismatch, i, c.Index)
		}

		if blake3.Sum256(c.Data) != expected[i] {
			return nil, fmt.Errorf("%w: chunk %d hash differs from commitment",
				ErrChunkMismatch, i)
		}

		out = append(out, c.Data...)
	}

	return out, nil
}
