package chunker

import (
	"bytes"
	"errors"
	"testing"
)

// hashesOf extracts the content hashes from a chunk list.
func hashesOf(chunks []Chunk) []Hash {
	hashes := make([]Hash, len(chunks))
	for i, c := range chunks {
		hashes[i] = c.Hash
	}

	return hashes
}

// pattern builds a deterministic byte buffer of the given length.
func pattern(n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i * 7)
	}

	return buf
}

func TestSplitJoinRoundTrip(t *testing.T) {
	sizes := []int{0, 1, 63, 64, 65, 1000}

	for _, n := range sizes {
		buf := pattern(n)

		chunks, err := Split(buf, 64)
		if err != nil {
			t.Fatalf("split %d bytes: %v", n, err)
		}

		joined, err := Join(chunks, hashesOf(chunks))
		if err != nil {
			t.Fatalf("join %d bytes: %v", n, err)
		}

		if !bytes.Equal(joined, buf) {
			t.Errorf("round trip of %d bytes differs", n)
		}
	}
}

func TestSplitChunkCount(t *testing.T) {
	chunks, err := Split(pattern(130), 64)
	if err != nil {
		t.Fatalf("split: %v", err)
	}

	// ceil(130/64) = 3, final chunk short with no padding.
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}

	if len(chunks[2].Data) != 2 {
		t.Errorf("final chunk should be 2 bytes, got %d", len(chunks[2].Data))
	}

	for i, c := range chunks {
		if c.Index != uint32(i) {
			t.Errorf("chunk %d has index %d", i, c.Index)
		}
	}
}

func TestSplitRejectsBadChunkSize(t *testing.T) {
	if _, err := Split(pattern(10), 0); err == nil {
		t.Error("chunk size 0 should be rejected")
	}

	if _, err := Split(pattern(10), -1); err == nil {
		t.Error("negative chunk size should be rejected")
	}
}

func TestJoinRejectsCorruption(t *testing.T) {
	chunks, err := Split(pattern(200), 64)
	if err != nil {
		t.Fatalf("split: %v", err)
	}

	expected := hashesOf(chunks)
	chunks[1].Data[0] ^= 0xFF

	if _, err := Join(chunks, expected); !errors.Is(err, ErrChunkMismatch) {
		t.Errorf("expected ErrChunkMismatch, got %v", err)
	}
}

func TestJoinRejectsCountMismatch(t *testing.T) {
	chunks, err := Split(pattern(200), 64)
	if err != nil {
		t.Fatalf("split: %v", err)
	}

	expected := hashesOf(chunks)

	if _, err := Join(chunks[:len(chunks)-1], expected); !errors.Is(err, ErrChunkMismatch) {
		t.Errorf("expected ErrChunkMismatch for missing chunk, got %v", err)
	}
}

func TestJoinRejectsReordering(t *testing.T) {
	chunks, err := Split(pattern(200), 64)
	if err != nil {
		t.Fatalf("split: %v", err)
	}

	expected := hashesOf(chunks)
	chunks[0], chunks[1] = chunks[1], chunks[0]

	if _, err := Join(chunks, expected); !errors.Is(err, ErrChunkMismatch) {
		t.Errorf("expected ErrChunkMismatch for reordered chunks, got %v", err)
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, KeySize)
	plaintext := pattern(5000)

	sealed, err := Seal(plaintext, key)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	if bytes.Contains(sealed, plaintext[:64]) {
		t.Error("sealed snapshot should not contain plaintext")
	}

	opened, err := Open(sealed, key)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if !bytes.Equal(opened, plaintext) {
		t.Error("seal/open round trip differs")
	}
}

func TestOpenRejectsTampering(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, KeySize)

	sealed, err := Seal(pattern(100), key)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	sealed[len(sealed)-1] ^= 0x01

	if _, err := Open(sealed, key); err == nil {
		t.Error("tampered ciphertext should fail authentication")
	}
}

func TestOpenRejectsWrongKey(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, KeySize)
	other := bytes.Repeat([]byte{0x22}, KeySize)

	sealed, err := Seal(pattern(100), key)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	if _, err := Open(sealed, other); err == nil {
		t.Error("wrong key should fail authentication")
	}
}
