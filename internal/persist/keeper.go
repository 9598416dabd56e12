package persist

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"VouchVault/internal/ledger"
	"VouchVault/internal/logger"
	"VouchVault/internal/registry"
)

// TrustSource provides the trust snapshot to persist. *ledger.Store
// satisfies it.
type TrustSource interface {
	// Snapshot returns the current immutable trust state.
	Snapshot() *ledger.State

	// Epoch returns the current snapshot version.
	Epoch() uint64
}

// Keeper ties the trust ledger to the persistence network: whenever the
// ledger's epoch moves past the last persisted one, the snapshot is
// encoded, sealed and distributed to its holders. Restore reverses the
// path after local data loss.
type Keeper struct {
	owner    registry.PeerID
	key      []byte
	source   TrustSource
	dist     *Distributor
	rec      *Recoverer
	interval time.Duration

	mu        sync.Mutex
	lastEpoch uint64
	persisted bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewKeeper creates a keeper that checks for new epochs on the given
// interval. The key seals the snapshot and never leaves this node.
func NewKeeper(owner registry.PeerID, key []byte, source TrustSource, dist *Distributor, rec *Recoverer, interval time.Duration) *Keeper {
	return &Keeper{
		owner:    owner,
		key:      key,
		source:   source,
		dist:     dist,
		rec:      rec,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start begins the periodic persistence loop.
func (k *Keeper) Start() {
	k.wg.Add(1)
	go k.loop()
}

// Stop stops the keeper and waits for it to finish.
func (k *Keeper) Stop() {
	close(k.stop)
	k.wg.Wait()
}

// loop watches the ledger epoch and persists on change.
func (k *Keeper) loop() {
	defer k.wg.Done()

	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-k.stop:
			return
		case <-ticker.C:
			k.persistIfChanged()
		}
	}
}

// persistIfChanged distributes the snapshot when the epoch moved.
func (k *Keeper) persistIfChanged() {
	epoch := k.source.Epoch()

	k.mu.Lock()
	skip := k.persisted && epoch == k.lastEpoch
	k.mu.Unlock()

	if skip {
		return
	}

	if _, err := k.PersistOnce(context.Background()); err != nil {
		// Too few eligible peers defers persistence to a later round.
		if errors.Is(err, ErrInsufficientPeers) {
			logger.Debug("persistence deferred", "error", err)
			return
		}

		logger.Warn("snapshot persistence failed", "epoch", epoch, "error", err)
	}
}

// PersistOnce encodes, seals and distributes the current trust
// snapshot, returning the written manifest.
func (k *Keeper) PersistOnce(ctx context.Context) (*Manifest, error) {
	snapshot := k.source.Snapshot()
	payload := ledger.EncodeState(snapshot)

	m, err := k.dist.Distribute(ctx, k.owner, payload, k.key, snapshot.Epoch)
	if err != nil {
		return nil, err
	}

	k.mu.Lock()
	k.lastEpoch = snapshot.Epoch
	k.persisted = true
	k.mu.Unlock()

	return m, nil
}

// Restore pulls this owner's chunks back from their holders and decodes
// the trust snapshot they contain. Only the manifest and the key are
// needed; local ledger state may be gone entirely.
func (k *Keeper) Restore(ctx context.Context) (*ledger.State, error) {
	payload, err := k.rec.Recover(ctx, k.owner, k.key)
	if err != nil {
		return nil, err
	}

	s, err := ledger.DecodeState(payload)
	if err != nil {
		return nil, fmt.Errorf("decode recovered snapshot:\n%w", err)
	}

	return s, nil
}
