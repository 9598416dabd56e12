package sybil

import (
	"fmt"
	"time"

	"VouchVault/internal/logger"
	"VouchVault/internal/registry"
)

// Config holds the sybil defense policy knobs.
type Config struct {
	// PoWDifficulty is the leading-zero-bit requirement for
	// registration proof of work.
	PoWDifficulty uint8

	// CapacitySize is the buffer size a peer must prove it can hold.
	CapacitySize uint64

	// MinAge is the minimum registration age before a peer may hold
	// chunks.
	MinAge time.Duration

	// ReputationFloor is the minimum score for holder eligibility.
	ReputationFloor float64

	// Weights combines the reputation components.
	Weights Weights
}

// DefaultConfig returns the sybil defense defaults.
func DefaultConfig() Config {
	return Config{
		PoWDifficulty:   12,
		CapacitySize:    16 << 20,
		MinAge:          24 * time.Hour,
		ReputationFloor: 0.4,
		Weights:         DefaultWeights(),
	}
}

// Gate combines the three defense layers over a registry and a
// reputation store. Registration is gated by PoW alone; holder
// eligibility additionally requires age, a passed capacity proof, and a
// reputation score above the floor.
type Gate struct {
	cfg Config
	reg *registry.Registry
	rep *ReputationStore
}

// NewGate creates a gate over the registry and reputation store.
func NewGate(cfg Config, reg *registry.Registry, rep *ReputationStore) *Gate {
	return &Gate{cfg: cfg, reg: reg, rep: rep}
}

// Register admits a peer into the registry after checking its proof of
// work. Rejection wraps registry.ErrRegistrationRejected.
func (g *Gate) Register(e registry.Entry, powNonce uint64) error {
	if !CheckPoW(e.Pubkey, powNonce, g.cfg.PoWDifficulty) {
		return fmt.Errorf("%w: proof of work below difficulty %d",
			registry.ErrRegistrationRejected, g.cfg.PoWDifficulty)
	}

	if err := g.reg.Register(e); err != nil {
		return err
	}

	if err := g.rep.Update(e.Pubkey, func(r *Record) {
		if r.RegisteredAt == 0 {
			r.RegisteredAt = time.Now().Unix()
		}
	}); err != nil {
		return err
	}

	logger.Info("peer registered", "peer", e.Pubkey.Short())

	return nil
}

// RecordCapacityProof stores the outcome of a capacity challenge. A
// failed proof revokes eligibility until a later challenge passes;
// reassignment of the peer's chunks falls out of the next holder
// recomputation, with no explicit ban state.
func (g *Gate) RecordCapacityProof(pubkey registry.PeerID, passed bool) error {
	return g.rep.Update(pubkey, func(r *Record) {
		r.CapacityPassed = passed
	})
}

// Eligible reports whether a registered peer may hold chunks now.
func (g *Gate) Eligible(pubkey registry.PeerID, now time.Time) bool {
	entry, ok := g.reg.Lookup(pubkey)
	if !ok {
		return false
	}

	rec, err := g.rep.Get(pubkey)
	if err != nil {
		return false
	}

	if !rec.CapacityPassed {
		return false
	}

	if now.Sub(time.Unix(entry.RegisteredAt, 0)) < g.cfg.MinAge {
		return false
	}

	return rec.Score(g.cfg.Weights, now) >= g.cfg.ReputationFloor
}

// EligibleCandidates filters the registry's candidate list down to
// peers eligible to hold chunks at the given time.
func (g *Gate) EligibleCandidates(now time.Time) []registry.PeerID {
	var out []registry.PeerID

	for _, e := range g.reg.Candidates() {
		if g.Eligible(e.Pubkey, now) {
			out = append(out, e.Pubkey)
		}
	}

	return out
}
