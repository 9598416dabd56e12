// Package chunker turns an encrypted trust-ledger snapshot into
// fixed-size content-addressed chunks and back. Sealing compresses and
// encrypts the serialized snapshot; holders only ever see sealed bytes.
package chunker

import (
	"crypto/rand"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the snapshot sealing key size.
const KeySize = chacha20poly1305.KeySize

// Seal compresses the plaintext with zstd and seals it with
// XChaCha20-Poly1305 under the owner's key. The random 24-byte nonce is
// prepended to the ciphertext. Key material never reaches holders.
func Seal(plaintext, key []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("sealing key must be %d bytes, got %d", KeySize, len(key))
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("create compressor:\n%w", err)
	}
	defer enc.Close()

	compressed := enc.EncodeAll(plaintext, nil)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher:\n%w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce:\n%w", err)
	}

	return aead.Seal(nonce, nonce, compressed, nil), nil
}

// Open authenticates and decrypts a sealed snapshot, then decompresses
// it. Tampered ciphertext fails authentication before any decompression.
func Open(sealed, key []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("sealing key must be %d bytes, got %d", KeySize, len(key))
	}

	if len(sealed) < chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("sealed snapshot too short: %d bytes", len(sealed))
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher:\n%w", err)
	}

	nonce := sealed[:chacha20poly1305.NonceSizeX]
	ciphertext := sealed[chacha20poly1305.NonceSizeX:]

	compressed, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open sealed snapshot:\n%w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create decompressor:\n%w", err)
	}
	defer dec.Close()

	plaintext, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress snapshot:\n%w", err)
	}

	return plaintext, nil
}
