// Package registry lets peers advertise and enumerate each other
// without prior trust. There is no heartbeat protocol: a registered
// peer is assumed live until a distribution or verification attempt
// against it fails, at which point it is lazily excluded.
package registry

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"VouchVault/internal/logger"
	"VouchVault/internal/storage"
)

// ErrRegistrationRejected marks a registration refused by sybil defense
// (failed proof of work or capacity proof).
var ErrRegistrationRejected = errors.New("registration rejected")

// PeerID is a peer's 32-byte public key hash.
type PeerID [32]byte

// Short returns a hex prefix of the peer id for logging.
func (p PeerID) Short() string {
	return hex.EncodeToString(p[:4])
}

// Entry is one peer's advertisement.
type Entry struct {
	Pubkey       PeerID // Pubkey identifies the peer
	BLSPubkey    []byte // BLSPubkey verifies the peer's attestations (48 bytes)
	ChunkCount   uint32 // ChunkCount is the number of chunks the peer holds
	SizeBucket   uint8  // SizeBucket is the peer's advertised capacity class
	RegisteredAt int64  // RegisteredAt is the unix registration time
	Failures     uint32 // Failures counts consecutive failed interactions
}

// Config holds the registry's operational knobs.
type Config struct {
	// ShardCount splits entries across deterministic key shards so
	// discovery can scan them in parallel.
	ShardCount int

	// FailureTolerance is the number of consecutive failures after
	// which an entry stops being offered as a holder candidate.
	FailureTolerance uint32
}

// DefaultConfig returns the registry defaults.
func DefaultConfig() Config {
	return Config{ShardCount: 4, FailureTolerance: 3}
}

// Registry is the pebble-backed peer directory. All entries are also
// cached in memory; the persistent copy survives restarts.
type Registry struct {
	mu      sync.RWMutex
	db      *storage.Storage
	cfg     Config
	entries map[PeerID]*Entry
}

// Open loads the registry from storage.
func Open(db *storage.Storage, cfg Config) (*Registry, error) {
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = 1
	}

	r := &Registry{
		db:      db,
		cfg:     cfg,
		entries: make(map[PeerID]*Entry),
	}

	loaded := 0

	for shard := 0; shard < cfg.ShardCount; shard++ {
		err := db.IteratePrefix(shardPrefix(shard), func(key, value []byte) error {
			e, err := decodeEntry(value)
			if err != nil {
				return fmt.Errorf("decode entry %x:\n%w", key, err)
			}

			r.entries[e.Pubkey] = e
			loaded++

			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("load registry shard %d:\n%w", shard, err)
		}
	}

	logger.Info("registry loaded", "peers", loaded, "shards", cfg.ShardCount)

	return r, nil
}

// Register records a peer advertisement. Re-registering overwrites the
// previous entry and resets its failure count.
func (r *Registry) Register(e Entry) error {
	if e.RegisteredAt == 0 {
		e.RegisteredAt = time.Now().Unix()
	}
	e.Failures = 0

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.persist(&e); err != nil {
		return fmt.Errorf("persist entry:\n%w", err)
	}

	stored := e
	r.entries[e.Pubkey] = &stored

	return nil
}

// Unregister removes a peer cleanly.
func (r *Registry) Unregister(pubkey PeerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[pubkey]; !ok {
		return nil
	}

	delete(r.entries, pubkey)

	if err := r.db.Delete(entryKey(pubkey, r.cfg.ShardCount)); err != nil {
		return fmt.Errorf("delete entry:\n%w", err)
	}

	return nil
}

// Discover returns all registered entries, scanning shards in parallel
// and merging the results.
func (r *Registry) Discover() []Entry {
	r.mu.RLock()
	shardCount := r.cfg.ShardCount
	r.mu.RUnlock()

	results := make([][]Entry, shardCount)

	var wg sync.WaitGroup

	for shard := 0; shard < shardCount; shard++ {
		wg.Add(1)

		go func(shard int) {
			defer wg.Done()
			results[shard] = r.discoverShard(shard)
		}(shard)
	}

	wg.Wait()

	var merged []Entry
	for _, part := range results {
		merged = append(merged, part...)
	}

	return merged
}

// discoverShard returns the cached entries belonging to one shard.
func (r *Registry) discoverShard(shard int) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Entry

	for id, e := range r.entries {
		if shardOf(id, r.cfg.ShardCount) != shard {
			continue
		}

		out = append(out, *e)
	}

	return out
}

// NetworkSize returns the number of registered peers.
func (r *Registry) NetworkSize() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.entries)
}

// Lookup returns a peer's entry.
func (r *Registry) Lookup(pubkey PeerID) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[pubkey]
	if !ok {
		return Entry{}, false
	}

	return *e, true
}

// MarkFailed records a failed interaction with a peer. Entries past the
// failure tolerance stop being offered as candidates; there is no
// explicit ban state.
func (r *Registry) MarkFailed(pubkey PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[pubkey]
	if !ok {
		return
	}

	e.Failures++
	_ = r.persist(e)

	if e.Failures == r.cfg.FailureTolerance {
		logger.Warn("peer reached failure tolerance",
			"peer", pubkey.Short(),
			"failures", e.Failures,
		)
	}
}

// MarkSuccess clears a peer's consecutive failure count.
func (r *Registry) MarkSuccess(pubkey PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[pubkey]
	if !ok || e.Failures == 0 {
		return
	}

	e.Failures = 0
	_ = r.persist(e)
}

// Candidates returns the peers still under the failure tolerance.
func (r *Registry) Candidates() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Entry

	for _, e := range r.entries {
		if e.Failures >= r.cfg.FailureTolerance {
			continue
		}

		out = append(out, *e)
	}

	return out
}

// persist writes an entry to its shard. Caller holds the write lock.
func (r *Registry) persist(e *Entry) error {
	return r.db.Set(entryKey(e.Pubkey, r.cfg.ShardCount), encodeEntry(e))
}
