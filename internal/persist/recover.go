package persist

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"VouchVault/internal/chunker"
	"VouchVault/internal/logger"
	"VouchVault/internal/possession"
	"VouchVault/internal/registry"
	"VouchVault/internal/sybil"
)

// ErrRecoveryIncomplete is returned when some chunks could not be
// retrieved from any holder.
var ErrRecoveryIncomplete = errors.New("recovery incomplete")

// IncompleteError reports which chunk indices could not be recovered.
type IncompleteError struct {
	Missing []uint32 // Missing lists the unrecoverable chunk indices
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("recovery incomplete: %d chunks missing %v", len(e.Missing), e.Missing)
}

func (e *IncompleteError) Unwrap() error {
	return ErrRecoveryIncomplete
}

// Recoverer pulls an owner's chunks back from their holders and
// reassembles the original payload. It trusts nothing a holder sends:
// every pulled chunk is checked against the manifest's content hash.
type Recoverer struct {
	cfg       Config
	reg       *registry.Registry
	rep       *sybil.ReputationStore
	manifests *ManifestStore
	channel   PeerChannel
}

// NewRecoverer wires a recoverer.
func NewRecoverer(cfg Config, reg *registry.Registry, rep *sybil.ReputationStore, manifests *ManifestStore, channel PeerChannel) *Recoverer {
	return &Recoverer{
		cfg:       cfg,
		reg:       reg,
		rep:       rep,
		manifests: manifests,
		channel:   channel,
	}
}

// pullOutcome is the result of retrieving one chunk.
type pullOutcome struct {
	chunk chunker.Chunk
	found bool
	good  []registry.PeerID
	bad   []registry.PeerID
}

// Recover rebuilds the owner's payload from the manifest and the key.
// A recovering owner may have lost everything but these two, so holders
// are only probed for liveness; the pulled bytes themselves are
// verified against the manifest.
func (r *Recoverer) Recover(ctx context.Context, owner registry.PeerID, key []byte) ([]byte, error) {
	m, err := r.manifests.Load(owner)
	if err != nil {
		return nil, err
	}

	if m == nil {
		return nil, fmt.Errorf("no manifest for owner %s", owner.Short())
	}

	start := time.Now()
	outcomes := make([]pullOutcome, len(m.Entries))

	var wg sync.WaitGroup
	for i := range m.Entries {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()
			outcomes[i] = r.pullChunk(ctx, owner, m.Entries[i])
		}(i)
	}
	wg.Wait()

	var missing []uint32
	chunks := make([]chunker.Chunk, 0, len(m.Entries))
	expected := make([]chunker.Hash, 0, len(m.Entries))

	for i, out := range outcomes {
		r.applyFeedback(out)

		if !out.found {
			missing = append(missing, m.Entries[i].Index)
			continue
		}

		chunks = append(chunks, out.chunk)
		expected = append(expected, m.Entries[i].Hash)
	}

	if len(missing) > 0 {
		return nil, &IncompleteError{Missing: missing}
	}

	sealed, err := chunker.Join(chunks, expected)
	if err != nil {
		return nil, fmt.Errorf("reassemble payload:\n%w", err)
	}

	payload, err := chunker.Open(sealed, key)
	if err != nil {
		return nil, fmt.Errorf("unseal payload:\n%w", err)
	}

	logger.Info("payload recovered",
		"owner", owner.Short(),
		"chunks", len(chunks),
		logger.Timed(start))

	return payload, nil
}

// pullChunk tries each holder in manifest order until one returns bytes
// matching the manifest hash.
func (r *Recoverer) pullChunk(ctx context.Context, owner registry.PeerID, e ManifestEntry) pullOutcome {
	out := pullOutcome{}

	for _, holder := range e.Holders {
		if !r.probe(ctx, holder, owner, e.Index) {
			out.bad = append(out.bad, holder)
			continue
		}

		pctx, cancel := withTimeout(ctx, r.cfg.PullTimeout)
		data, err := r.channel.Pull(pctx, holder, owner, e.Index)
		cancel()

		if err != nil {
			logger.Debug("chunk pull failed",
				"holder", holder.Short(), "index", e.Index, "error", err)
			out.bad = append(out.bad, holder)

			continue
		}

		if chunker.Hash(blake3.Sum256(data)) != e.Hash {
			logger.Warn("chunk content mismatch",
				"holder", holder.Short(), "index", e.Index)
			out.bad = append(out.bad, holder)

			continue
		}

		out.chunk = chunker.Chunk{Index: e.Index, Data: data, Hash: e.Hash}
		out.found = true
		out.good = append(out.good, holder)

		return out
	}

	return out
}

// probe checks that a holder is alive and claims the chunk. The
// response hash cannot be verified here, so the probe only gates the
// pull; the manifest hash check on the pulled bytes is authoritative.
func (r *Recoverer) probe(ctx context.Context, holder, owner registry.PeerID, index uint32) bool {
	c, err := possession.NewChallenge(1, 0, time.Now())
	if err != nil {
		return false
	}

	pctx, cancel := withTimeout(ctx, r.cfg.ProbeTimeout)
	defer cancel()

	resp, err := r.channel.Probe(pctx, holder, owner, index, c)

	return err == nil && resp != nil
}

// applyFeedback records holder behavior in the registry and reputation
// store.
func (r *Recoverer) applyFeedback(out pullOutcome) {
	for _, holder := range out.good {
		r.reg.MarkSuccess(holder)

		if err := r.rep.RecordSuccess(holder); err != nil {
			logger.Warn("reputation update failed", "holder", holder.Short(), "error", err)
		}
	}

	for _, holder := range out.bad {
		r.reg.MarkFailed(holder)

		if err := r.rep.RecordFailure(holder); err != nil {
			logger.Warn("reputation update failed", "holder", holder.Short(), "error", err)
		}
	}
}
