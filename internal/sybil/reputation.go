package sybil

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"VouchVault/internal/registry"
	"VouchVault/internal/storage"
)

// prefixReputation is the storage key prefix for reputation records.
var prefixReputation = []byte("rp:")

// Record tracks one peer's verification history. It is mutated only by
// verification outcomes, never directly by the peer.
type Record struct {
	Pubkey         registry.PeerID // Pubkey identifies the peer
	Successes      uint64          // Successes counts passed verifications
	Failures       uint64          // Failures counts failed or missing responses
	RegisteredAt   int64           // RegisteredAt is the unix registration time
	ChunksHeld     uint32          // ChunksHeld is the peer's active chunk count
	CapacityPassed bool            // CapacityPassed records a passed capacity proof
}

// Weights combines the reputation components into one score. All three
// are policy, injected as configuration.
type Weights struct {
	Success float64 // Success weights the response success rate
	Age     float64 // Age weights registration age
	Chunks  float64 // Chunks weights the active chunk count

	// AgeScale is the age at which the age component saturates.
	AgeScale time.Duration

	// ChunkScale is the chunk count at which the chunk component
	// saturates.
	ChunkScale uint32
}

// DefaultWeights returns the reputation weighting defaults.
func DefaultWeights() Weights {
	return Weights{
		Success:    0.6,
		Age:        0.25,
		Chunks:     0.15,
		AgeScale:   30 * 24 * time.Hour,
		ChunkScale: 64,
	}
}

// Score computes the weighted reputation score in [0, Success+Age+Chunks].
// A peer with no verification history scores a neutral 0.5 success rate
// so brand-new peers are neither trusted nor condemned by default.
func (r *Record) Score(w Weights, now time.Time) float64 {
	rate := 0.5
	if total := r.Successes + r.Failures; total > 0 {
		rate = float64(r.Successes) / float64(total)
	}

	age := now.Sub(time.Unix(r.RegisteredAt, 0))
	ageFactor := float64(age) / float64(w.AgeScale)
	if ageFactor > 1 {
		ageFactor = 1
	}
	if ageFactor < 0 {
		ageFactor = 0
	}

	chunkFactor := float64(r.ChunksHeld) / float64(w.ChunkScale)
	if chunkFactor > 1 {
		chunkFactor = 1
	}

	return w.Success*rate + w.Age*ageFactor + w.Chunks*chunkFactor
}

// ReputationStore persists reputation records in pebble.
type ReputationStore struct {
	mu sync.Mutex
	db *storage.Storage
}

// NewReputationStore creates a reputation store over the given storage.
func NewReputationStore(db *storage.Storage) *ReputationStore {
	return &ReputationStore{db: db}
}

// Get loads a peer's record, returning a zero record for unknown peers.
func (s *ReputationStore) Get(pubkey registry.PeerID) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.load(pubkey)
}

// Update applies fn to a peer's record and persists the result.
func (s *ReputationStore) Update(pubkey registry.PeerID, fn func(r *Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.load(pubkey)
	if err != nil {
		return err
	}

	fn(r)

	return s.db.Set(reputationKey(pubkey), encodeRecord(r))
}

// RecordSuccess counts a passed verification.
func (s *ReputationStore) RecordSuccess(pubkey registry.PeerID) error {
	return s.Update(pubkey, func(r *Record) { r.Successes++ })
}

// RecordFailure counts a failed or missing response.
func (s *ReputationStore) RecordFailure(pubkey registry.PeerID) error {
	return s.Update(pubkey, func(r *Record) { r.Failures++ })
}

// load reads a record without locking. Caller holds the mutex.
func (s *ReputationStore) load(pubkey registry.PeerID) (*Record, error) {
	value, err := s.db.Get(reputationKey(pubkey))
	if err != nil {
		return nil, fmt.Errorf("read reputation:\n%w", err)
	}

	if value == nil {
		return &Record{Pubkey: pubkey}, nil
	}

	return decodeRecord(value)
}

// reputationKey builds the storage key for a peer's record.
func reputationKey(pubkey registry.PeerID) []byte {
	key := make([]byte, len(prefixReputation)+32)
	copy(key, prefixReputation)
	copy(key[len(prefixReputation):], pubkey[:])

	return key
}

// encodeRecord serializes a record in little-endian fixed layout.
func encodeRecord(r *Record) []byte {
	buf := make([]byte, 32+8+8+8+4+1)

	copy(buf[:32], r.Pubkey[:])
	binary.LittleEndian.PutUint64(buf[32:40], r.Successes)
	binary.LittleEndian.PutUint64(buf[40:48], r.Failures)
	binary.LittleEndian.PutUint64(buf[48:56], uint64(r.RegisteredAt))
	binary.LittleEndian.PutUint32(buf[56:60], r.ChunksHeld)

	if r.CapacityPassed {
		buf[60] = 1
	}

	return buf
}

// decodeRecord parses a record from its fixed layout.
func decodeRecord(data []byte) (*Record, error) {
	if len(data) != 32+8+8+8+4+1 {
		return nil, fmt.Errorf("reputation record has %d bytes", len(data))
	}

	r := &Record{}
	copy(r.Pubkey[:], data[:32])
	r.Successes = binary.LittleEndian.Uint64(data[32:40])
	r.Failures = binary.LittleEndian.Uint64(data[40:48])
	r.RegisteredAt = int64(binary.LittleEndian.Uint64(data[48:56]))
	r.ChunksHeld = binary.LittleEndian.Uint32(data[56:60])
	r.CapacityPassed = data[60] == 1

	return r, nil
}
