package persist

import (
	"encoding/binary"
	"errors"
	"fmt"

	"VouchVault/internal/chunker"
	"VouchVault/internal/registry"
	"VouchVault/internal/storage"
)

// manifestVersion is the current manifest encoding version.
const manifestVersion = 1

var (
	prefixManifest = []byte("mf:")
	prefixChunk    = []byte("ck:")
)

// ManifestEntry records where one chunk lives.
type ManifestEntry struct {
	Index   uint32            // Index is the chunk's position in the sealed payload
	Hash    chunker.Hash      // Hash is the chunk's content hash
	Holders []registry.PeerID // Holders are the peers that attested storage
}

// Manifest records a complete distribution: which chunks exist and who
// holds each replica. It is the only record needed to recover a payload
// (besides the encryption key, which is never stored).
type Manifest struct {
	Owner     registry.PeerID // Owner is the peer whose payload this is
	Epoch     uint64          // Epoch is the distribution epoch
	ChunkSize uint32          // ChunkSize is the split size in bytes
	Entries   []ManifestEntry // Entries lists one record per chunk
}

// encodeManifest serializes a manifest with a version byte and
// little-endian length prefixes.
func encodeManifest(m *Manifest) []byte {
	buf := make([]byte, 0, 64+len(m.Entries)*64)
	buf = append(buf, manifestVersion)
	buf = append(buf, m.Owner[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, m.Epoch)
	buf = binary.LittleEndian.AppendUint32(buf, m.ChunkSize)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(m.Entries)))

	for _, e := range m.Entries {
		buf = binary.LittleEndian.AppendUint32(buf, e.Index)
		buf = append(buf, e.Hash[:]...)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Holders)))

		for _, h := range e.Holders {
			buf = append(buf, h[:]...)
		}
	}

	return buf
}

// decodeManifest parses a serialized manifest.
func decodeManifest(data []byte) (*Manifest, error) {
	if len(data) < 1 || data[0] != manifestVersion {
		return nil, errors.New("unsupported manifest version")
	}

	r := data[1:]
	m := &Manifest{}

	if len(r) < 32+8+4+4 {
		return nil, errors.New("truncated manifest header")
	}

	copy(m.Owner[:], r[:32])
	r = r[32:]

	m.Epoch = binary.LittleEndian.Uint64(r)
	r = r[8:]

	m.ChunkSize = binary.LittleEndian.Uint32(r)
	r = r[4:]

	count := binary.LittleEndian.Uint32(r)
	r = r[4:]

	// Each entry takes at least 40 bytes; a corrupt count cannot force
	// an allocation beyond what the buffer could hold.
	if uint64(count) > uint64(len(r))/40 {
		return nil, errors.New("manifest entry count exceeds buffer")
	}

	m.Entries = make([]ManifestEntry, 0, count)

	for i := uint32(0); i < count; i++ {
		if len(r) < 4+32+4 {
			return nil, errors.New("truncated manifest entry")
		}

		var e ManifestEntry
		e.Index = binary.LittleEndian.Uint32(r)
		r = r[4:]

		copy(e.Hash[:], r[:32])
		r = r[32:]

		holders := binary.LittleEndian.Uint32(r)
		r = r[4:]

		if uint64(len(r)) < uint64(holders)*32 {
			return nil, errors.New("truncated holder list")
		}

		e.Holders = make([]registry.PeerID, holders)
		for j := range e.Holders {
			copy(e.Holders[j][:], r[:32])
			r = r[32:]
		}

		m.Entries = append(m.Entries, e)
	}

	if len(r) != 0 {
		return nil, errors.New("trailing bytes in manifest")
	}

	return m, nil
}

// ManifestStore persists manifests and the owner's local copies of its
// own sealed chunks. The local copies let the audit loop verify remote
// possession responses without re-sealing the payload.
type ManifestStore struct {
	db *storage.Storage
}

// NewManifestStore creates a manifest store on top of storage.
func NewManifestStore(db *storage.Storage) *ManifestStore {
	return &ManifestStore{db: db}
}

// manifestKey builds the storage key for an owner's manifest.
func manifestKey(owner registry.PeerID) []byte {
	key := make([]byte, 0, len(prefixManifest)+32)
	key = append(key, prefixManifest...)
	key = append(key, owner[:]...)

	return key
}

// chunkKey builds the storage key for a locally cached chunk.
func chunkKey(owner registry.PeerID, index uint32) []byte {
	key := make([]byte, 0, len(prefixChunk)+32+4)
	key = append(key, prefixChunk...)
	key = append(key, owner[:]...)
	key = binary.BigEndian.AppendUint32(key, index)

	return key
}

// Save writes a manifest, replacing any previous one for the owner.
func (s *ManifestStore) Save(m *Manifest) error {
	if err := s.db.Set(manifestKey(m.Owner), encodeManifest(m)); err != nil {
		return fmt.Errorf("save manifest:\n%w", err)
	}

	return nil
}

// Load reads an owner's manifest. Returns nil without error when no
// manifest exists.
func (s *ManifestStore) Load(owner registry.PeerID) (*Manifest, error) {
	data, err := s.db.Get(manifestKey(owner))
	if err != nil {
		return nil, fmt.Errorf("load manifest:\n%w", err)
	}

	if data == nil {
		return nil, nil
	}

	return decodeManifest(data)
}

// ForEach calls fn for every stored manifest.
func (s *ManifestStore) ForEach(fn func(m *Manifest) error) error {
	return s.db.IteratePrefix(prefixManifest, func(_, value []byte) error {
		m, err := decodeManifest(value)
		if err != nil {
			return err
		}

		return fn(m)
	})
}

// CacheChunk stores the owner's local copy of one sealed chunk.
func (s *ManifestStore) CacheChunk(owner registry.PeerID, c chunker.Chunk) error {
	if err := s.db.Set(chunkKey(owner, c.Index), c.Data); err != nil {
		return fmt.Errorf("cache chunk %d:\n%w", c.Index, err)
	}

	return nil
}

// CachedChunk loads the owner's local copy of one sealed chunk.
// Returns nil without error when the copy is gone, as happens after a
// crash with data loss.
func (s *ManifestStore) CachedChunk(owner registry.PeerID, index uint32) ([]byte, error) {
	data, err := s.db.Get(chunkKey(owner, index))
	if err != nil {
		return nil, fmt.Errorf("load cached chunk %d:\n%w", index, err)
	}

	return data, nil
}
