package persist

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"VouchVault/internal/logger"
	"VouchVault/internal/possession"
	"VouchVault/internal/registry"
	"VouchVault/internal/sybil"
)

// AuditConfig holds the audit loop knobs.
type AuditConfig struct {
	// Interval is the time between audit rounds.
	Interval time.Duration

	// Sample is how many chunks to challenge per manifest per round.
	Sample int

	// ProbeSize is the maximum challenged range length in bytes.
	ProbeSize uint32

	// Freshness is how long an issued challenge stays answerable; it
	// also bounds how long a probe waits for a response.
	Freshness time.Duration
}

// DefaultAuditConfig returns production audit defaults.
func DefaultAuditConfig() AuditConfig {
	return AuditConfig{
		Interval:  1 * time.Minute,
		Sample:    4,
		ProbeSize: 4096,
		Freshness: 30 * time.Second,
	}
}

// Auditor periodically challenges holders to prove they still possess
// this node's chunks. It reads the owner's local chunk copies, so the
// check is a full possession verification, not just a liveness probe.
type Auditor struct {
	cfg       AuditConfig
	owner     registry.PeerID
	manifests *ManifestStore
	reg       *registry.Registry
	rep       *sybil.ReputationStore
	channel   PeerChannel

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewAuditor creates an auditor for the given owner's manifests.
func NewAuditor(cfg AuditConfig, owner registry.PeerID, manifests *ManifestStore, reg *registry.Registry, rep *sybil.ReputationStore, channel PeerChannel) *Auditor {
	return &Auditor{
		cfg:       cfg,
		owner:     owner,
		manifests: manifests,
		reg:       reg,
		rep:       rep,
		channel:   channel,
		stop:      make(chan struct{}),
	}
}

// Start begins the periodic audit loop.
func (a *Auditor) Start() {
	a.wg.Add(1)
	go a.loop()
}

// Stop stops the auditor and waits for it to finish.
func (a *Auditor) Stop() {
	close(a.stop)
	a.wg.Wait()
}

// loop runs the periodic audit rounds.
func (a *Auditor) loop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			a.AuditOnce(context.Background())
		}
	}
}

// AuditOnce runs a single audit round over all stored manifests,
// challenging a random sample of chunks per manifest.
func (a *Auditor) AuditOnce(ctx context.Context) {
	err := a.manifests.ForEach(func(m *Manifest) error {
		if m.Owner != a.owner {
			return nil
		}

		a.auditManifest(ctx, m)

		return nil
	})
	if err != nil {
		logger.Warn("audit round failed", "error", err)
	}
}

// auditManifest challenges a sample of one manifest's chunks.
func (a *Auditor) auditManifest(ctx context.Context, m *Manifest) {
	indices := rand.Perm(len(m.Entries))
	if len(indices) > a.cfg.Sample {
		indices = indices[:a.cfg.Sample]
	}

	var checked, failed int

	for _, i := range indices {
		entry := m.Entries[i]

		data, err := a.manifests.CachedChunk(a.owner, entry.Index)
		if err != nil || data == nil {
			continue
		}

		for _, holder := range entry.Holders {
			checked++

			if a.verifyHolder(ctx, holder, entry.Index, data) {
				a.reg.MarkSuccess(holder)

				if err := a.rep.RecordSuccess(holder); err != nil {
					logger.Warn("reputation update failed", "holder", holder.Short(), "error", err)
				}

				continue
			}

			failed++
			a.reg.MarkFailed(holder)

			if err := a.rep.RecordFailure(holder); err != nil {
				logger.Warn("reputation update failed", "holder", holder.Short(), "error", err)
			}
		}
	}

	if failed > 0 {
		logger.Warn("audit found failing holders",
			"owner", m.Owner.Short(), "checked", checked, "failed", failed)
	} else {
		logger.Debug("audit round clean",
			"owner", m.Owner.Short(), "checked", checked)
	}
}

// verifyHolder runs one possession challenge against one holder. The
// challenge's freshness window bounds the wait for a response.
func (a *Auditor) verifyHolder(ctx context.Context, holder registry.PeerID, index uint32, data []byte) bool {
	now := time.Now()

	c, err := possession.NewChallenge(uint32(len(data)), a.cfg.ProbeSize, now)
	if err != nil {
		return false
	}

	pctx, cancel := withTimeout(ctx, a.cfg.Freshness)
	defer cancel()

	resp, err := a.channel.Probe(pctx, holder, a.owner, index, c)
	if err != nil {
		return false
	}

	return possession.Verify(data, c, resp, time.Now(), a.cfg.Freshness) == nil
}
