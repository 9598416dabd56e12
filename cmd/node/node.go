package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"VouchVault/internal/cluster"
	"VouchVault/internal/ledger"
	"VouchVault/internal/logger"
	"VouchVault/internal/persist"
	"VouchVault/internal/registry"
	"VouchVault/internal/storage"
	"VouchVault/internal/sybil"
)

// Node wires the trust ledger, peer registry, sybil gate and
// persistence machinery over a single storage instance.
type Node struct {
	cfg *Config

	identity ledger.Identity
	peerID   registry.PeerID
	blsKeys  *persist.BLSKeyPair

	storage   *storage.Storage
	trust     *ledger.Store
	registry  *registry.Registry
	rep       *sybil.ReputationStore
	gate      *sybil.Gate
	manifests *persist.ManifestStore
	channel   *persist.Loopback
	dist      *persist.Distributor
	rec       *persist.Recoverer
	keeper    *persist.Keeper
	auditor   *persist.Auditor
}

// NewNode creates and wires all node components.
func NewNode(cfg *Config) (*Node, error) {
	n := &Node{cfg: cfg}

	pub := cfg.PrivateKey.Public().(ed25519.PublicKey)
	n.identity = ledger.DeriveIdentity(pub)
	n.peerID = registry.PeerID(n.identity)

	var err error
	n.blsKeys, err = persist.DeriveBLSKey(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("derive bls key:\n%w", err)
	}

	if err := n.initStorage(); err != nil {
		return nil, err
	}

	if err := n.initTrust(); err != nil {
		return nil, err
	}

	if err := n.initPeers(); err != nil {
		return nil, err
	}

	n.initPersistence()

	return n, nil
}

// initStorage opens the node's key-value store.
func (n *Node) initStorage() error {
	var err error

	n.storage, err = storage.Open(n.cfg.DataPath)
	if err != nil {
		return fmt.Errorf("open storage:\n%w", err)
	}

	return nil
}

// initTrust restores the trust ledger from the delta log, founding a
// new network in bootstrap mode.
func (n *Node) initTrust() error {
	policy := ledger.Policy{MinVouchThreshold: n.cfg.VouchThreshold}
	if n.cfg.StrictBridges {
		policy.BridgeVouch = cluster.BridgeRejected
	}

	founders, err := n.cfg.parseFounders()
	if err != nil {
		return err
	}

	if n.cfg.Bootstrap {
		founders = appendIdentity(founders, n.identity)

		if len(founders) < policy.MinVouchThreshold+1 {
			return fmt.Errorf("bootstrap needs %d founders, have %d",
				policy.MinVouchThreshold+1, len(founders))
		}
	}

	log := ledger.NewDeltaLog(n.storage)

	n.trust, err = ledger.OpenStore(policy, log, founders...)
	if err != nil {
		return fmt.Errorf("open trust ledger:\n%w", err)
	}

	logger.Info("trust ledger restored",
		"members", n.trust.Snapshot().Members(),
		"epoch", n.trust.Epoch())

	return nil
}

// initPeers opens the registry and registers this node as a holder
// candidate, solving the registration proof of work and running the
// capacity proof against itself.
func (n *Node) initPeers() error {
	var err error

	n.registry, err = registry.Open(n.storage, registry.DefaultConfig())
	if err != nil {
		return fmt.Errorf("open registry:\n%w", err)
	}

	n.rep = sybil.NewReputationStore(n.storage)

	gateCfg := sybil.DefaultConfig()
	gateCfg.PoWDifficulty = uint8(n.cfg.PoWDifficulty)
	gateCfg.MinAge = n.cfg.MinPeerAge

	n.gate = sybil.NewGate(gateCfg, n.registry, n.rep)
	n.channel = persist.NewLoopback()
	n.channel.AddPeerKeys(n.peerID, n.blsKeys)

	if _, ok := n.registry.Lookup(n.peerID); ok {
		return nil
	}

	start := time.Now()

	nonce, ok := sybil.SolvePoW(n.peerID, gateCfg.PoWDifficulty)
	if !ok {
		return fmt.Errorf("proof of work at difficulty %d not found", gateCfg.PoWDifficulty)
	}

	logger.Info("registration proof of work solved",
		"difficulty", gateCfg.PoWDifficulty,
		logger.Timed(start))

	entry := registry.Entry{
		Pubkey:    n.peerID,
		BLSPubkey: n.blsKeys.PublicKeyBytes(),
	}
	if err := n.gate.Register(entry, nonce); err != nil {
		return fmt.Errorf("register node:\n%w", err)
	}

	return n.proveCapacity(gateCfg.CapacitySize)
}

// proveCapacity runs the storage capacity proof against this node.
func (n *Node) proveCapacity(size uint64) error {
	challenge, err := sybil.NewCapacityChallenge(size)
	if err != nil {
		return fmt.Errorf("create capacity challenge:\n%w", err)
	}

	proof := sybil.ProveCapacity(challenge)

	return n.gate.RecordCapacityProof(n.peerID, sybil.VerifyCapacity(challenge, proof))
}

// initPersistence wires the distributor, recoverer, keeper and auditor.
func (n *Node) initPersistence() {
	n.manifests = persist.NewManifestStore(n.storage)

	distCfg := persist.DefaultConfig()
	distCfg.ReplicaFactor = n.cfg.ReplicaFactor
	distCfg.ChunkSize = n.cfg.ChunkSize

	n.dist = persist.NewDistributor(distCfg, n.gate, n.registry, n.rep, n.manifests, n.channel)
	n.rec = persist.NewRecoverer(distCfg, n.registry, n.rep, n.manifests, n.channel)

	key := persist.DeriveSnapshotKey(n.cfg.PrivateKey)
	n.keeper = persist.NewKeeper(n.peerID, key, n.trust, n.dist, n.rec, n.cfg.PersistInterval)

	n.auditor = persist.NewAuditor(persist.DefaultAuditConfig(), n.peerID, n.manifests, n.registry, n.rep, n.channel)
}

// Run starts the node and blocks until shutdown signal.
func (n *Node) Run() error {
	if n.cfg.Recover {
		if err := n.recoverSnapshot(); err != nil {
			return err
		}
	}

	n.keeper.Start()
	n.auditor.Start()

	return n.waitForShutdown()
}

// recoverSnapshot pulls this node's snapshot back from its holders and
// merges it into the local trust ledger.
func (n *Node) recoverSnapshot() error {
	state, err := n.keeper.Restore(context.Background())
	if err != nil {
		return fmt.Errorf("recover snapshot:\n%w", err)
	}

	merged, violations, err := n.trust.MergeState(state)
	if err != nil {
		return fmt.Errorf("merge recovered snapshot:\n%w", err)
	}

	logger.Info("snapshot recovered",
		"members", merged.Members(),
		"epoch", merged.Epoch,
		"violations", len(violations))

	return nil
}

// waitForShutdown blocks until SIGINT or SIGTERM is received.
func (n *Node) waitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	return n.Close()
}

// Close shuts down all node components gracefully.
func (n *Node) Close() error {
	if n.auditor != nil {
		n.auditor.Stop()
	}

	if n.keeper != nil {
		n.keeper.Stop()
	}

	if n.storage != nil {
		if err := n.storage.Close(); err != nil {
			return fmt.Errorf("close storage:\n%w", err)
		}
	}

	return nil
}

// appendIdentity adds id to the list unless already present.
func appendIdentity(ids []ledger.Identity, id ledger.Identity) []ledger.Identity {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}

	return append(ids, id)
}
