package persist

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"VouchVault/internal/chunker"
	"VouchVault/internal/logger"
	"VouchVault/internal/registry"
	"VouchVault/internal/rendezvous"
	"VouchVault/internal/sybil"
)

// ErrInsufficientPeers is returned when the eligible peer set cannot
// sustain the requested replica factor.
var ErrInsufficientPeers = errors.New("not enough eligible peers")

// Config holds the distribution and recovery knobs.
type Config struct {
	// ReplicaFactor is how many holders must attest each chunk.
	ReplicaFactor int

	// ChunkSize is the split size for sealed payloads, in bytes.
	ChunkSize int

	// PushTimeout bounds a single chunk push. Zero means no limit.
	PushTimeout time.Duration

	// ProbeTimeout bounds a single liveness probe. Zero means no limit.
	ProbeTimeout time.Duration

	// PullTimeout bounds a single chunk pull. Zero means no limit.
	PullTimeout time.Duration
}

// DefaultConfig returns production distribution defaults.
func DefaultConfig() Config {
	return Config{
		ReplicaFactor: 3,
		ChunkSize:     64 * 1024,
		PushTimeout:   30 * time.Second,
		ProbeTimeout:  5 * time.Second,
		PullTimeout:   30 * time.Second,
	}
}

// withTimeout wraps ctx with a deadline unless d is zero.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d == 0 {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, d)
}

// Distributor seals a payload, splits it and places each chunk on a
// deterministic replica set of eligible peers, collecting a signed
// attestation from every holder.
type Distributor struct {
	cfg       Config
	gate      *sybil.Gate
	reg       *registry.Registry
	rep       *sybil.ReputationStore
	manifests *ManifestStore
	channel   PeerChannel
}

// NewDistributor wires a distributor.
func NewDistributor(cfg Config, gate *sybil.Gate, reg *registry.Registry, rep *sybil.ReputationStore, manifests *ManifestStore, channel PeerChannel) *Distributor {
	return &Distributor{
		cfg:       cfg,
		gate:      gate,
		reg:       reg,
		rep:       rep,
		manifests: manifests,
		channel:   channel,
	}
}

// chunkOutcome is the result of placing one chunk.
type chunkOutcome struct {
	entry    ManifestEntry
	accepted []registry.PeerID
	refused  []registry.PeerID
	err      error
}

// Distribute seals the payload with the given key, splits it into
// chunks and pushes each chunk to its replica set. The returned
// manifest records the holders that attested storage; the key itself
// never leaves the caller.
func (d *Distributor) Distribute(ctx context.Context, owner registry.PeerID, payload, key []byte, epoch uint64) (*Manifest, error) {
	sealed, err := chunker.Seal(payload, key)
	if err != nil {
		return nil, fmt.Errorf("seal payload:\n%w", err)
	}

	chunks, err := chunker.Split(sealed, d.cfg.ChunkSize)
	if err != nil {
		return nil, fmt.Errorf("split payload:\n%w", err)
	}

	candidates := d.eligibleHolders(owner)
	if len(candidates) < d.cfg.ReplicaFactor {
		return nil, fmt.Errorf("%w: need %d, have %d",
			ErrInsufficientPeers, d.cfg.ReplicaFactor, len(candidates))
	}

	start := time.Now()
	outcomes := make([]chunkOutcome, len(chunks))

	var wg sync.WaitGroup
	for i := range chunks {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()
			outcomes[i] = d.placeChunk(ctx, owner, chunks[i], epoch, candidates)
		}(i)
	}
	wg.Wait()

	m := &Manifest{
		Owner:     owner,
		Epoch:     epoch,
		ChunkSize: uint32(d.cfg.ChunkSize),
		Entries:   make([]ManifestEntry, 0, len(chunks)),
	}

	for i, out := range outcomes {
		d.applyFeedback(out)

		if out.err != nil {
			return nil, fmt.Errorf("place chunk %d:\n%w", i, out.err)
		}

		m.Entries = append(m.Entries, out.entry)
	}

	for _, c := range chunks {
		if err := d.manifests.CacheChunk(owner, c); err != nil {
			return nil, err
		}
	}

	if err := d.manifests.Save(m); err != nil {
		return nil, err
	}

	logger.Info("payload distributed",
		"owner", owner.Short(),
		"chunks", len(chunks),
		"replicas", d.cfg.ReplicaFactor,
		logger.Timed(start))

	return m, nil
}

// eligibleHolders returns the eligible candidate set minus the owner.
func (d *Distributor) eligibleHolders(owner registry.PeerID) []registry.PeerID {
	eligible := d.gate.EligibleCandidates(time.Now())

	candidates := eligible[:0]
	for _, id := range eligible {
		if id != owner {
			candidates = append(candidates, id)
		}
	}

	return candidates
}

// placeChunk pushes one chunk to its ranked replica set, falling back
// to lower-ranked candidates when a holder refuses or its attestation
// does not verify.
func (d *Distributor) placeChunk(ctx context.Context, owner registry.PeerID, c chunker.Chunk, epoch uint64, candidates []registry.PeerID) chunkOutcome {
	ranking := rendezvous.Holders([32]byte(owner), c.Index, epoch, candidates, len(candidates))

	out := chunkOutcome{
		entry: ManifestEntry{Index: c.Index, Hash: c.Hash},
	}

	for _, holder := range ranking {
		if len(out.accepted) == d.cfg.ReplicaFactor {
			break
		}

		pctx, cancel := withTimeout(ctx, d.cfg.PushTimeout)
		att, err := d.channel.Push(pctx, holder, owner, c, epoch)
		cancel()

		if err != nil {
			logger.Debug("chunk push refused",
				"holder", holder.Short(), "index", c.Index, "error", err)
			out.refused = append(out.refused, holder)

			continue
		}

		if !d.attestationValid(att, owner, c, epoch, holder) {
			logger.Warn("invalid attestation",
				"holder", holder.Short(), "index", c.Index)
			out.refused = append(out.refused, holder)

			continue
		}

		out.accepted = append(out.accepted, holder)
	}

	if len(out.accepted) < d.cfg.ReplicaFactor {
		out.err = fmt.Errorf("%w: %d of %d replicas placed",
			ErrInsufficientPeers, len(out.accepted), d.cfg.ReplicaFactor)

		return out
	}

	out.entry.Holders = out.accepted

	return out
}

// attestationValid checks a push receipt against the holder's
// registered BLS key and the pushed chunk.
func (d *Distributor) attestationValid(att Attestation, owner registry.PeerID, c chunker.Chunk, epoch uint64, holder registry.PeerID) bool {
	if att.Holder != holder || att.ChunkHash != c.Hash || att.Epoch != epoch {
		return false
	}

	entry, ok := d.reg.Lookup(holder)
	if !ok {
		return false
	}

	return VerifyAttestation(att, owner, entry.BLSPubkey)
}

// applyFeedback records the outcome of a chunk placement in the
// registry and reputation store.
func (d *Distributor) applyFeedback(out chunkOutcome) {
	for _, holder := range out.accepted {
		d.reg.MarkSuccess(holder)

		if err := d.rep.Update(holder, func(r *sybil.Record) {
			r.Successes++
			r.ChunksHeld++
		}); err != nil {
			logger.Warn("reputation update failed", "holder", holder.Short(), "error", err)
		}
	}

	for _, holder := range out.refused {
		d.reg.MarkFailed(holder)

		if err := d.rep.RecordFailure(holder); err != nil {
			logger.Warn("reputation update failed", "holder", holder.Short(), "error", err)
		}
	}
}
