package persist

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"VouchVault/internal/chunker"
	"VouchVault/internal/possession"
	"VouchVault/internal/registry"
	"VouchVault/internal/storage"
	"VouchVault/internal/sybil"
)

// testEnv wires a full in-process persistence stack around a loopback
// network.
type testEnv struct {
	reg       *registry.Registry
	rep       *sybil.ReputationStore
	gate      *sybil.Gate
	manifests *ManifestStore
	net       *Loopback
	dist      *Distributor
	rec       *Recoverer
}

// newTestEnv builds an environment with the given number of eligible
// holder peers.
func newTestEnv(t *testing.T, peers int, replicas int) (*testEnv, []registry.PeerID) {
	t.Helper()

	db, err := storage.Open(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}

	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("close storage: %v", err)
		}
	})

	reg, err := registry.Open(db, registry.DefaultConfig())
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}

	rep := sybil.NewReputationStore(db)

	gateCfg := sybil.DefaultConfig()
	gateCfg.PoWDifficulty = 0
	gateCfg.MinAge = 0
	gateCfg.ReputationFloor = 0

	env := &testEnv{
		reg:       reg,
		rep:       rep,
		gate:      sybil.NewGate(gateCfg, reg, rep),
		manifests: NewManifestStore(db),
		net:       NewLoopback(),
	}

	cfg := DefaultConfig()
	cfg.ReplicaFactor = replicas
	cfg.ChunkSize = 64

	env.dist = NewDistributor(cfg, env.gate, reg, rep, env.manifests, env.net)
	env.rec = NewRecoverer(cfg, reg, rep, env.manifests, env.net)

	ids := make([]registry.PeerID, peers)
	for i := range ids {
		ids[i] = testPeerID(byte(10 + i))
		env.addHolder(t, ids[i])
	}

	return env, ids
}

// addHolder registers an eligible peer on the loopback network.
func (env *testEnv) addHolder(t *testing.T, id registry.PeerID) {
	t.Helper()

	blsPub, err := env.net.AddPeer(id)
	if err != nil {
		t.Fatalf("add peer: %v", err)
	}

	if err := env.gate.Register(registry.Entry{Pubkey: id, BLSPubkey: blsPub}, 0); err != nil {
		t.Fatalf("register peer: %v", err)
	}

	if err := env.gate.RecordCapacityProof(id, true); err != nil {
		t.Fatalf("record capacity proof: %v", err)
	}
}

// testPayload builds a deterministic payload of n bytes.
func testPayload(n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i * 31)
	}

	return buf
}

func testKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i + 100)
	}

	return key
}

func TestDistributeRecoverRoundTrip(t *testing.T) {
	env, _ := newTestEnv(t, 5, 3)
	owner := testPeerID(9)
	payload := testPayload(1000)
	key := testKey()

	m, err := env.dist.Distribute(context.Background(), owner, payload, key, 1)
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}

	if len(m.Entries) == 0 {
		t.Fatal("manifest has no entries")
	}

	for _, e := range m.Entries {
		if len(e.Holders) != 3 {
			t.Errorf("chunk %d has %d holders, want 3", e.Index, len(e.Holders))
		}
	}

	got, err := env.rec.Recover(context.Background(), owner, key)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}

	if !bytes.Equal(got, payload) {
		t.Error("recovered payload differs from original")
	}
}

func TestRecoverSurvivesDownedHolders(t *testing.T) {
	env, ids := newTestEnv(t, 5, 3)
	owner := testPeerID(9)
	payload := testPayload(500)
	key := testKey()

	if _, err := env.dist.Distribute(context.Background(), owner, payload, key, 1); err != nil {
		t.Fatalf("distribute: %v", err)
	}

	// With 3 replicas, losing any 2 peers leaves at least one holder
	// per chunk.
	env.net.SetDown(ids[0], true)
	env.net.SetDown(ids[1], true)

	got, err := env.rec.Recover(context.Background(), owner, key)
	if err != nil {
		t.Fatalf("recover with downed holders: %v", err)
	}

	if !bytes.Equal(got, payload) {
		t.Error("recovered payload differs from original")
	}
}

func TestRecoverRejectsCorruptReplica(t *testing.T) {
	env, _ := newTestEnv(t, 5, 3)
	owner := testPeerID(9)
	payload := testPayload(500)
	key := testKey()

	m, err := env.dist.Distribute(context.Background(), owner, payload, key, 1)
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}

	// Corrupt the first replica of every chunk; recovery must fall
	// back to an intact one.
	for _, e := range m.Entries {
		env.net.Corrupt(e.Holders[0], owner, e.Index)
	}

	got, err := env.rec.Recover(context.Background(), owner, key)
	if err != nil {
		t.Fatalf("recover with corrupt replicas: %v", err)
	}

	if !bytes.Equal(got, payload) {
		t.Error("recovered payload differs from original")
	}

	// The corrupt holder's record reflects the failure.
	entry, ok := env.reg.Lookup(m.Entries[0].Holders[0])
	if !ok {
		t.Fatal("corrupt holder missing from registry")
	}

	if entry.Failures == 0 {
		t.Error("corrupt holder should have a recorded failure")
	}
}

func TestRecoveryIncomplete(t *testing.T) {
	env, ids := newTestEnv(t, 4, 3)
	owner := testPeerID(9)
	payload := testPayload(300)
	key := testKey()

	m, err := env.dist.Distribute(context.Background(), owner, payload, key, 1)
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}

	for _, id := range ids {
		env.net.SetDown(id, true)
	}

	_, err = env.rec.Recover(context.Background(), owner, key)
	if !errors.Is(err, ErrRecoveryIncomplete) {
		t.Fatalf("expected ErrRecoveryIncomplete, got %v", err)
	}

	var inc *IncompleteError
	if !errors.As(err, &inc) {
		t.Fatal("expected IncompleteError")
	}

	if len(inc.Missing) != len(m.Entries) {
		t.Errorf("expected %d missing chunks, got %d", len(m.Entries), len(inc.Missing))
	}
}

func TestDistributeInsufficientPeers(t *testing.T) {
	env, _ := newTestEnv(t, 2, 3)
	owner := testPeerID(9)

	_, err := env.dist.Distribute(context.Background(), owner, testPayload(100), testKey(), 1)
	if !errors.Is(err, ErrInsufficientPeers) {
		t.Fatalf("expected ErrInsufficientPeers, got %v", err)
	}
}

func TestDistributeExcludesOwner(t *testing.T) {
	env, _ := newTestEnv(t, 4, 3)

	// The owner is itself a registered, eligible peer.
	owner := testPeerID(9)
	env.addHolder(t, owner)

	m, err := env.dist.Distribute(context.Background(), owner, testPayload(400), testKey(), 1)
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}

	for _, e := range m.Entries {
		for _, h := range e.Holders {
			if h == owner {
				t.Fatalf("chunk %d assigned to its own owner", e.Index)
			}
		}
	}
}

func TestDistributeFeedbackRewardsHolders(t *testing.T) {
	env, _ := newTestEnv(t, 3, 3)
	owner := testPeerID(9)

	m, err := env.dist.Distribute(context.Background(), owner, testPayload(200), testKey(), 1)
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}

	for _, h := range m.Entries[0].Holders {
		rec, err := env.rep.Get(h)
		if err != nil {
			t.Fatalf("get reputation: %v", err)
		}

		if rec.Successes == 0 || rec.ChunksHeld == 0 {
			t.Errorf("holder %s has no recorded successes", h.Short())
		}
	}
}

func TestAuditDetectsLostChunks(t *testing.T) {
	env, _ := newTestEnv(t, 4, 3)
	owner := testPeerID(9)

	m, err := env.dist.Distribute(context.Background(), owner, testPayload(500), testKey(), 1)
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}

	// One holder silently drops a chunk, another corrupts one.
	dropped := m.Entries[0].Holders[0]
	corrupted := m.Entries[0].Holders[1]
	env.net.Drop(dropped, owner, m.Entries[0].Index)
	env.net.Corrupt(corrupted, owner, m.Entries[0].Index)

	auditCfg := DefaultAuditConfig()
	auditCfg.Sample = len(m.Entries)

	auditor := NewAuditor(auditCfg, owner, env.manifests, env.reg, env.rep, env.net)
	auditor.AuditOnce(context.Background())

	for _, id := range []registry.PeerID{dropped, corrupted} {
		rec, err := env.rep.Get(id)
		if err != nil {
			t.Fatalf("get reputation: %v", err)
		}

		if rec.Failures == 0 {
			t.Errorf("holder %s should have a recorded audit failure", id.Short())
		}
	}

	// Honest holders come out of the audit with extra successes.
	honest := m.Entries[0].Holders[2]
	rec, err := env.rep.Get(honest)
	if err != nil {
		t.Fatalf("get reputation: %v", err)
	}

	if rec.Failures != 0 {
		t.Errorf("honest holder %s should have no failures", honest.Short())
	}
}

// deadlineChannel wraps a channel and records whether each exchange
// arrived with a context deadline.
type deadlineChannel struct {
	inner PeerChannel

	mu       sync.Mutex
	deadline map[string]bool
}

func newDeadlineChannel(inner PeerChannel) *deadlineChannel {
	return &deadlineChannel{inner: inner, deadline: make(map[string]bool)}
}

func (d *deadlineChannel) record(op string, ctx context.Context) {
	_, ok := ctx.Deadline()

	d.mu.Lock()
	defer d.mu.Unlock()

	d.deadline[op] = ok
}

func (d *deadlineChannel) Push(ctx context.Context, holder, owner registry.PeerID, chunk chunker.Chunk, epoch uint64) (Attestation, error) {
	d.record("push", ctx)
	return d.inner.Push(ctx, holder, owner, chunk, epoch)
}

func (d *deadlineChannel) Probe(ctx context.Context, holder, owner registry.PeerID, index uint32, c *possession.Challenge) (*possession.Response, error) {
	d.record("probe", ctx)
	return d.inner.Probe(ctx, holder, owner, index, c)
}

func (d *deadlineChannel) Pull(ctx context.Context, holder, owner registry.PeerID, index uint32) ([]byte, error) {
	d.record("pull", ctx)
	return d.inner.Pull(ctx, holder, owner, index)
}

func TestConfiguredTimeoutsReachChannel(t *testing.T) {
	env, _ := newTestEnv(t, 3, 3)
	owner := testPeerID(9)

	cfg := DefaultConfig()
	cfg.ReplicaFactor = 3
	cfg.ChunkSize = 64

	ch := newDeadlineChannel(env.net)
	dist := NewDistributor(cfg, env.gate, env.reg, env.rep, env.manifests, ch)
	rec := NewRecoverer(cfg, env.reg, env.rep, env.manifests, ch)

	m, err := dist.Distribute(context.Background(), owner, testPayload(200), testKey(), 1)
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}

	if _, err := rec.Recover(context.Background(), owner, testKey()); err != nil {
		t.Fatalf("recover: %v", err)
	}

	auditCfg := DefaultAuditConfig()
	auditCfg.Sample = len(m.Entries)

	auditor := NewAuditor(auditCfg, owner, env.manifests, env.reg, env.rep, ch)
	auditor.AuditOnce(context.Background())

	for _, op := range []string{"push", "probe", "pull"} {
		if !ch.deadline[op] {
			t.Errorf("%s ran without configured deadline", op)
		}
	}
}

func TestAuditorStartStop(t *testing.T) {
	env, _ := newTestEnv(t, 3, 3)
	owner := testPeerID(9)

	auditor := NewAuditor(DefaultAuditConfig(), owner, env.manifests, env.reg, env.rep, env.net)
	auditor.Start()
	auditor.Stop()
}
