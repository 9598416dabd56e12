// Package sybil gates registry membership and holder eligibility.
// Proof of work bounds instantaneous mass-registration, the capacity
// proof bounds storage-less impersonation, and reputation bounds
// patient attackers; none of the three layers is sufficient alone.
package sybil

import (
	"encoding/binary"

	"github.com/zeebo/blake3"

	"VouchVault/internal/registry"
)

// powContext is the domain separation prefix for registration PoW.
const powContext = "vouchvault:pow"

// CheckPoW reports whether blake3(context || pubkey || nonce) has at
// least difficulty leading zero bits. Difficulty zero accepts anything.
func CheckPoW(pubkey registry.PeerID, nonce uint64, difficulty uint8) bool {
	if difficulty == 0 {
		return true
	}

	var nonceBuf [8]byte
	binary.LittleEndian.PutUint64(nonceBuf[:], nonce)

	h := blake3.New()
	h.Write([]byte(powContext))
	h.Write(pubkey[:])
	h.Write(nonceBuf[:])

	var digest [32]byte
	h.Sum(digest[:0])

	return leadingZeroBits(digest[:]) >= int(difficulty)
}

// SolvePoW searches for a nonce satisfying the difficulty. Returns
// false only if the entire nonce space is exhausted.
func SolvePoW(pubkey registry.PeerID, difficulty uint8) (uint64, bool) {
	for nonce := uint64(0); nonce < ^uint64(0); nonce++ {
		if CheckPoW(pubkey, nonce, difficulty) {
			return nonce, true
		}
	}

	return 0, false
}

// leadingZeroBits counts the leading zero bits of a digest.
func leadingZeroBits(digest []byte) int {
	bits := 0

	for _, b := range digest {
		if b == 0 {
			bits += 8
			continue
		}

		for mask := byte(0x80); mask != 0; mask >>= 1 {
			if b&mask != 0 {
				return bits
			}
			bits++
		}
	}

	return bits
}
