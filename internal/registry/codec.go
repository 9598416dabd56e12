package registry

import (
	"encoding/binary"
	"fmt"
)

// entryVersion is the current entry wire format version.
const entryVersion = 1

// Storage key layout: "pr:" + shard byte + pubkey.
var prefixPeer = []byte("pr:")

// shardOf assigns a pubkey to a shard by its leading byte.
func shardOf(pubkey PeerID, shardCount int) int {
	return int(pubkey[0]) % shardCount
}

// shardPrefix builds the key prefix for one shard.
func shardPrefix(shard int) []byte {
	prefix := make([]byte, len(prefixPeer)+1)
	copy(prefix, prefixPeer)
	prefix[len(prefixPeer)] = byte(shard)

	return prefix
}

// entryKey builds the storage key for a peer entry.
func entryKey(pubkey PeerID, shardCount int) []byte {
	key := make([]byte, len(prefixPeer)+1+32)
	copy(key, prefixPeer)
	key[len(prefixPeer)] = byte(shardOf(pubkey, shardCount))
	copy(key[len(prefixPeer)+1:], pubkey[:])

	return key
}

// encodeEntry serializes an entry in the little-endian length-prefixed
// wire format.
func encodeEntry(e *Entry) []byte {
	buf := make([]byte, 0, 1+32+4+len(e.BLSPubkey)+4+1+8+4)

	buf = append(buf, entryVersion)
	buf = append(buf, e.Pubkey[:]...)

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(e.BLSPubkey)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, e.BLSPubkey...)

	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], e.ChunkCount)
	buf = append(buf, u32[:]...)

	buf = append(buf, e.SizeBucket)

	var u64 [8]byte
	binary.LittleEndian.PutUint64(u64[:], uint64(e.RegisteredAt))
	buf = append(buf, u64[:]...)

	binary.LittleEndian.PutUint32(u32[:], e.Failures)
	buf = append(buf, u32[:]...)

	return buf
}

// decodeEntry parses an entry from its wire format.
func decodeEntry(data []byte) (*Entry, error) {
	if len(data) < 1+32+4 {
		return nil, fmt.Errorf("entry too short: %d bytes", len(data))
	}

	if data[0] != entryVersion {
		return nil, fmt.Errorf("unsupported entry version %d", data[0])
	}

	e := &Entry{}
	rest := data[1:]

	copy(e.Pubkey[:], rest[:32])
	rest = rest[32:]

	blsLen := binary.LittleEndian.Uint32(rest[:4])
	rest = rest[4:]

	// Compare in uint64: blsLen+17 wraps uint32 for corrupt lengths.
	if uint64(len(rest)) < uint64(blsLen)+4+1+8+4 {
		return nil, fmt.Errorf("truncated entry")
	}

	e.BLSPubkey = make([]byte, blsLen)
	copy(e.BLSPubkey, rest[:blsLen])
	rest = rest[blsLen:]

	e.ChunkCount = binary.LittleEndian.Uint32(rest[:4])
	rest = rest[4:]

	e.SizeBucket = rest[0]
	rest = rest[1:]

	e.RegisteredAt = int64(binary.LittleEndian.Uint64(rest[:8]))
	rest = rest[8:]

	e.Failures = binary.LittleEndian.Uint32(rest[:4])

	return e, nil
}
