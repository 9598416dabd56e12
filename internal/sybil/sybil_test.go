package sybil

import (
	"errors"
	"testing"
	"time"

	"VouchVault/internal/registry"
	"VouchVault/internal/storage"
)

// peerID creates a deterministic peer id.
func peerID(i int) registry.PeerID {
	var p registry.PeerID
	p[0] = byte(i)
	p[1] = byte(i >> 8)

	return p
}

// openStores opens a registry and reputation store over one temp pebble.
func openStores(t *testing.T) (*registry.Registry, *ReputationStore) {
	t.Helper()

	db, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	reg, err := registry.Open(db, registry.DefaultConfig())
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}

	return reg, NewReputationStore(db)
}

func TestPoWSolveCheck(t *testing.T) {
	const difficulty = 8

	nonce, ok := SolvePoW(peerID(1), difficulty)
	if !ok {
		t.Fatal("solver should find a nonce at difficulty 8")
	}

	if !CheckPoW(peerID(1), nonce, difficulty) {
		t.Error("solved nonce should check")
	}

	// A solution is bound to the pubkey.
	transfers := 0
	for i := 2; i < 10; i++ {
		if CheckPoW(peerID(i), nonce, difficulty) {
			transfers++
		}
	}

	if transfers == 8 {
		t.Error("nonce should not transfer across pubkeys")
	}
}

func TestPoWZeroDifficulty(t *testing.T) {
	if !CheckPoW(peerID(1), 0, 0) {
		t.Error("difficulty 0 should accept any nonce")
	}
}

func TestLeadingZeroBits(t *testing.T) {
	cases := []struct {
		digest []byte
		want   int
	}{
		{[]byte{0x80}, 0},
		{[]byte{0x40}, 1},
		{[]byte{0x01}, 7},
		{[]byte{0x00, 0x80}, 8},
		{[]byte{0x00, 0x00}, 16},
	}

	for _, c := range cases {
		if got := leadingZeroBits(c.digest); got != c.want {
			t.Errorf("leadingZeroBits(%x) = %d, want %d", c.digest, got, c.want)
		}
	}
}

func TestCapacityProof(t *testing.T) {
	c, err := NewCapacityChallenge(256 * 1024)
	if err != nil {
		t.Fatalf("new challenge: %v", err)
	}

	proof := ProveCapacity(c)

	if !VerifyCapacity(c, proof) {
		t.Error("honest proof should verify")
	}

	var forged [32]byte
	forged[0] = 0x01

	if VerifyCapacity(c, forged) {
		t.Error("forged proof should fail")
	}

	// A fresh challenge over the same size needs a fresh proof.
	c2, err := NewCapacityChallenge(256 * 1024)
	if err != nil {
		t.Fatalf("new challenge: %v", err)
	}

	if VerifyCapacity(c2, proof) {
		t.Error("proof must not replay across challenges")
	}
}

func TestCapacityOddSize(t *testing.T) {
	// Sizes that are not a multiple of the expansion block.
	c, err := NewCapacityChallenge(100_001)
	if err != nil {
		t.Fatalf("new challenge: %v", err)
	}

	if !VerifyCapacity(c, ProveCapacity(c)) {
		t.Error("odd-size proof should verify")
	}
}

func TestScoreWeighting(t *testing.T) {
	w := Weights{
		Success:    0.6,
		Age:        0.25,
		Chunks:     0.15,
		AgeScale:   100 * time.Hour,
		ChunkScale: 10,
	}

	now := time.Now()

	// Perfect peer: full success rate, saturated age and chunks.
	perfect := &Record{
		Successes:    100,
		RegisteredAt: now.Add(-200 * time.Hour).Unix(),
		ChunksHeld:   20,
	}

	if got := perfect.Score(w, now); got < 0.99 || got > 1.01 {
		t.Errorf("perfect peer scored %f, want ~1.0", got)
	}

	// Fresh peer: neutral success rate, zero age and chunks.
	fresh := &Record{RegisteredAt: now.Unix()}

	if got := fresh.Score(w, now); got < 0.29 || got > 0.31 {
		t.Errorf("fresh peer scored %f, want ~0.3", got)
	}

	// Failing peer scores below the fresh one.
	failing := &Record{
		Failures:     50,
		RegisteredAt: now.Unix(),
	}

	if fresh.Score(w, now) <= failing.Score(w, now) {
		t.Error("failures must lower the score")
	}
}

func TestReputationPersistence(t *testing.T) {
	_, rep := openStores(t)

	if err := rep.RecordSuccess(peerID(1)); err != nil {
		t.Fatalf("record success: %v", err)
	}

	if err := rep.RecordFailure(peerID(1)); err != nil {
		t.Fatalf("record failure: %v", err)
	}

	r, err := rep.Get(peerID(1))
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	if r.Successes != 1 || r.Failures != 1 {
		t.Errorf("record %+v, want 1 success and 1 failure", r)
	}
}

func TestGateRegistration(t *testing.T) {
	reg, rep := openStores(t)

	cfg := DefaultConfig()
	cfg.PoWDifficulty = 8

	gate := NewGate(cfg, reg, rep)

	entry := registry.Entry{Pubkey: peerID(1)}

	// Find a nonce that provably fails the difficulty.
	bad := uint64(0)
	for CheckPoW(peerID(1), bad, cfg.PoWDifficulty) {
		bad++
	}

	err := gate.Register(entry, bad)
	if !errors.Is(err, registry.ErrRegistrationRejected) {
		t.Fatalf("expected ErrRegistrationRejected, got %v", err)
	}

	nonce, ok := SolvePoW(peerID(1), cfg.PoWDifficulty)
	if !ok {
		t.Fatal("solve pow")
	}

	if err := gate.Register(entry, nonce); err != nil {
		t.Fatalf("register: %v", err)
	}

	if reg.NetworkSize() != 1 {
		t.Errorf("network size %d, want 1", reg.NetworkSize())
	}
}

func TestEligibilityLayers(t *testing.T) {
	reg, rep := openStores(t)

	cfg := Config{
		PoWDifficulty:   0,
		CapacitySize:    1024,
		MinAge:          time.Hour,
		ReputationFloor: 0.25,
		Weights:         DefaultWeights(),
	}

	gate := NewGate(cfg, reg, rep)
	now := time.Now()

	old := now.Add(-2 * time.Hour).Unix()

	// Registered, aged, capacity passed: eligible.
	if err := gate.Register(registry.Entry{Pubkey: peerID(1), RegisteredAt: old}, 0); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := rep.Update(peerID(1), func(r *Record) { r.RegisteredAt = old }); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := gate.RecordCapacityProof(peerID(1), true); err != nil {
		t.Fatalf("capacity: %v", err)
	}

	if !gate.Eligible(peerID(1), now) {
		t.Error("peer 1 should be eligible")
	}

	// Too young: ineligible despite capacity.
	if err := gate.Register(registry.Entry{Pubkey: peerID(2)}, 0); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := gate.RecordCapacityProof(peerID(2), true); err != nil {
		t.Fatalf("capacity: %v", err)
	}

	if gate.Eligible(peerID(2), now) {
		t.Error("young peer should be ineligible")
	}

	// No capacity proof: ineligible despite age.
	if err := gate.Register(registry.Entry{Pubkey: peerID(3), RegisteredAt: old}, 0); err != nil {
		t.Fatalf("register: %v", err)
	}

	if gate.Eligible(peerID(3), now) {
		t.Error("peer without capacity proof should be ineligible")
	}

	// Failed capacity proof revokes eligibility.
	if err := gate.RecordCapacityProof(peerID(1), false); err != nil {
		t.Fatalf("capacity: %v", err)
	}

	if gate.Eligible(peerID(1), now) {
		t.Error("failed capacity proof should revoke eligibility")
	}

	if err := gate.RecordCapacityProof(peerID(1), true); err != nil {
		t.Fatalf("capacity: %v", err)
	}

	// Reputation floor: a peer drowning in failures drops out.
	for i := 0; i < 50; i++ {
		if err := rep.RecordFailure(peerID(1)); err != nil {
			t.Fatalf("record failure: %v", err)
		}
	}

	if gate.Eligible(peerID(1), now) {
		t.Error("peer below the reputation floor should be ineligible")
	}
}

func TestEligibleCandidates(t *testing.T) {
	reg, rep := openStores(t)

	cfg := Config{
		MinAge:          0,
		ReputationFloor: 0,
		Weights:         DefaultWeights(),
	}

	gate := NewGate(cfg, reg, rep)
	now := time.Now()

	for i := 1; i <= 3; i++ {
		if err := gate.Register(registry.Entry{Pubkey: peerID(i)}, 0); err != nil {
			t.Fatalf("register %d: %v", i, err)
		}
	}

	// Only peers 1 and 2 pass capacity.
	_ = gate.RecordCapacityProof(peerID(1), true)
	_ = gate.RecordCapacityProof(peerID(2), true)

	eligible := gate.EligibleCandidates(now)
	if len(eligible) != 2 {
		t.Fatalf("expected 2 eligible candidates, got %d", len(eligible))
	}

	for _, p := range eligible {
		if p == peerID(3) {
			t.Error("peer 3 should not be eligible")
		}
	}
}
