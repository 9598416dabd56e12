package ledger

import (
	"errors"
	"testing"

	"VouchVault/internal/cluster"
)

// ident creates a deterministic identity for tests.
func ident(i int) Identity {
	var id Identity
	id[0] = byte(i)
	id[1] = byte(i >> 8)

	return id
}

// testPolicy is the default policy used across ledger tests.
func testPolicy() Policy {
	return Policy{MinVouchThreshold: 2, BridgeVouch: cluster.BridgeCounts}
}

// genesisABC builds the {A,B,C} founding state with threshold 2.
func genesisABC(t *testing.T) *State {
	t.Helper()

	s, err := Genesis(testPolicy(), ident(1), ident(2), ident(3))
	if err != nil {
		t.Fatalf("genesis: %v", err)
	}

	return s
}

// addDelta builds a delta admitting member m backed by the given vouchers.
func addDelta(m Identity, vouchers ...Identity) *Delta {
	d := &Delta{Adds: []Identity{m}}

	for _, v := range vouchers {
		d.Vouches = append(d.Vouches, Edge{From: v, To: m})
	}

	return d
}

func TestGenesisValid(t *testing.T) {
	s := genesisABC(t)

	if v := s.Validate(); len(v) > 0 {
		t.Fatalf("genesis state should validate, got %d violations: %v", len(v), v[0].Reason)
	}

	if s.Members() != 3 {
		t.Errorf("expected 3 members, got %d", s.Members())
	}
}

func TestGenesisTooSmall(t *testing.T) {
	if _, err := Genesis(testPolicy(), ident(1), ident(2)); err == nil {
		t.Fatal("two founders cannot satisfy threshold 2")
	}
}

func TestAddRejectedBelowThreshold(t *testing.T) {
	s := genesisABC(t)

	// D vouched only by A.
	_, err := ApplyDelta(s, addDelta(ident(4), ident(1)))
	if !errors.Is(err, ErrInvalidDelta) {
		t.Fatalf("expected ErrInvalidDelta, got %v", err)
	}
}

func TestAddAcceptedAtThreshold(t *testing.T) {
	s := genesisABC(t)

	next, err := ApplyDelta(s, addDelta(ident(4), ident(1), ident(2)))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	if !next.IsActive(ident(4)) {
		t.Error("D should be active")
	}

	if s.IsActive(ident(4)) {
		t.Error("input state must not be mutated")
	}

	if next.Epoch != s.Epoch+1 {
		t.Errorf("epoch %d, want %d", next.Epoch, s.Epoch+1)
	}
}

func TestTombstonePermanence(t *testing.T) {
	s := genesisABC(t)

	next, err := ApplyDelta(s, &Delta{Removes: []Identity{ident(3)}})
	if err != nil {
		t.Fatalf("remove: %v", err)
	}

	if !next.IsRemoved(ident(3)) || next.IsActive(ident(3)) {
		t.Fatal("C should be tombstoned")
	}

	// Re-adding a tombstoned identity is always rejected, regardless of
	// how many vouches back it.
	_, err = ApplyDelta(next, addDelta(ident(3), ident(1), ident(2)))
	if !errors.Is(err, ErrInvalidDelta) {
		t.Fatalf("expected ErrInvalidDelta for tombstone re-add, got %v", err)
	}
}

func TestAddAndRemoveBackerSameDelta(t *testing.T) {
	s := genesisABC(t)

	// Add D vouched by A and B while removing A in the same delta: D
	// ends up with one valid voucher, so the whole delta is rejected.
	d := addDelta(ident(4), ident(1), ident(2))
	d.Removes = []Identity{ident(1)}

	_, err := ApplyDelta(s, d)
	if !errors.Is(err, ErrInvalidDelta) {
		t.Fatalf("expected ErrInvalidDelta, got %v", err)
	}
}

func TestTombstoneDominatesAddInSameDelta(t *testing.T) {
	s := genesisABC(t)

	d := addDelta(ident(4), ident(1), ident(2))
	d.Removes = append(d.Removes, ident(4))

	next, err := ApplyDelta(s, d)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	if next.IsActive(ident(4)) {
		t.Error("tombstone must dominate addition of the same identity")
	}

	if !next.IsRemoved(ident(4)) {
		t.Error("identity should be tombstoned")
	}
}

func TestDeltaCommutativity(t *testing.T) {
	s := genesisABC(t)

	d1 := addDelta(ident(4), ident(1), ident(2))
	d2 := addDelta(ident(5), ident(2), ident(3))

	s12a, err := ApplyDelta(s, d1)
	if err != nil {
		t.Fatalf("apply d1: %v", err)
	}
	s12, err := ApplyDelta(s12a, d2)
	if err != nil {
		t.Fatalf("apply d2 after d1: %v", err)
	}

	s21a, err := ApplyDelta(s, d2)
	if err != nil {
		t.Fatalf("apply d2: %v", err)
	}
	s21, err := ApplyDelta(s21a, d1)
	if err != nil {
		t.Fatalf("apply d1 after d2: %v", err)
	}

	if !s12.Equal(s21) {
		t.Error("delta application order must not change the converged state")
	}
}

func TestMergeCommutativeIdempotent(t *testing.T) {
	s := genesisABC(t)

	a, err := ApplyDelta(s, addDelta(ident(4), ident(1), ident(2)))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	b, err := ApplyDelta(s, &Delta{Removes: []Identity{ident(3)}})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	ab := Merge(a, b)
	ba := Merge(b, a)

	if !ab.Equal(ba) {
		t.Error("merge must be commutative")
	}

	if !Merge(ab, ab).Equal(ab) {
		t.Error("merge must be idempotent")
	}

	// Associativity over three replicas.
	c, err := ApplyDelta(s, &Delta{Flags: []Edge{{From: ident(1), To: ident(2)}}})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	if !Merge(Merge(a, b), c).Equal(Merge(a, Merge(b, c))) {
		t.Error("merge must be associative")
	}
}

func TestMergeEpochIsMax(t *testing.T) {
	s := genesisABC(t)

	a, err := ApplyDelta(s, addDelta(ident(4), ident(1), ident(2)))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	// A pure merge keeps the highest epoch; only a committing store
	// advances it.
	if got := Merge(a, s).Epoch; got != a.Epoch {
		t.Errorf("merge epoch = %d, want %d", got, a.Epoch)
	}

	if got := Merge(s, a).Epoch; got != a.Epoch {
		t.Errorf("merge epoch = %d, want %d", got, a.Epoch)
	}

	if got := Merge(a, a).Epoch; got != a.Epoch {
		t.Errorf("self-merge epoch = %d, want %d", got, a.Epoch)
	}
}

func TestMergeTombstoneDominates(t *testing.T) {
	s := genesisABC(t)

	// One replica admits D, another tombstones D.
	withD, err := ApplyDelta(s, addDelta(ident(4), ident(1), ident(2)))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	withoutD, err := ApplyDelta(s, &Delta{Removes: []Identity{ident(4)}})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	merged := Merge(withD, withoutD)

	if merged.IsActive(ident(4)) {
		t.Error("tombstone must dominate across replicas")
	}

	if !merged.IsRemoved(ident(4)) {
		t.Error("D should stay tombstoned after merge")
	}
}

func TestFlagDiscountsVouch(t *testing.T) {
	s := genesisABC(t)

	// C flags A: A's vouch for C is discounted (mutual-exclusion rule),
	// leaving C with a single valid voucher.
	next, err := ApplyDelta(s, &Delta{Flags: []Edge{{From: ident(3), To: ident(1)}}})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	violations := next.Validate()

	if !hasViolation(violations, ident(3)) {
		t.Error("C should be in violation after discounting A's vouch")
	}
}

func TestNegativeStanding(t *testing.T) {
	p := Policy{MinVouchThreshold: 1, BridgeVouch: cluster.BridgeCounts}

	s, err := Genesis(p, ident(1), ident(2), ident(3), ident(4))
	if err != nil {
		t.Fatalf("genesis: %v", err)
	}

	// Two members flag C. C keeps 1 valid vouch (B's vouch survives,
	// the flaggers' vouches are discounted), so threshold holds but
	// standing 1-2 goes negative.
	next, err := ApplyDelta(s, &Delta{Flags: []Edge{
		{From: ident(1), To: ident(3)},
		{From: ident(4), To: ident(3)},
	}})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	if !hasViolation(next.Validate(), ident(3)) {
		t.Error("C should have negative standing")
	}
}

func TestEndToEndScenario(t *testing.T) {
	s := genesisABC(t)

	// Delta adding D vouched only by A: rejected.
	if _, err := ApplyDelta(s, addDelta(ident(4), ident(1))); !errors.Is(err, ErrInvalidDelta) {
		t.Fatalf("expected rejection, got %v", err)
	}

	// Delta adding D vouched by A and B: accepted.
	s2, err := ApplyDelta(s, addDelta(ident(4), ident(1), ident(2)))
	if err != nil {
		t.Fatalf("add D: %v", err)
	}

	// Subsequent delta removing A: accepted, and validation on the
	// merged state reports every member solely backed by A as invalid.
	s3, err := ApplyDelta(s2, &Delta{Removes: []Identity{ident(1)}})
	if err != nil {
		t.Fatalf("remove A: %v", err)
	}

	violations := s3.Validate()

	if !hasViolation(violations, ident(4)) {
		t.Fatal("D lost a backer and should be in violation")
	}

	// The caller reacts with an ejection delta.
	ejection := EjectionDelta(violations)

	s4, err := ApplyDelta(s3, ejection)
	if err != nil {
		t.Fatalf("ejection: %v", err)
	}

	if s4.IsActive(ident(4)) {
		t.Error("D should be ejected")
	}

	if !s4.IsRemoved(ident(4)) {
		t.Error("D should be tombstoned by the ejection")
	}
}

func TestBridgeVouchPolicy(t *testing.T) {
	// Two triangles with a member D between them, vouched once from
	// each side. Both of D's edges are bridges, so D is a bridge node
	// and its validity depends entirely on the configured policy.
	build := func(policy cluster.BridgePolicy) *State {
		s := NewState(Policy{MinVouchThreshold: 2, BridgeVouch: policy})

		tri := func(a, b, c Identity) {
			for _, id := range []Identity{a, b, c} {
				s.Active[id] = struct{}{}
			}
			s.addVouch(a, b)
			s.addVouch(b, a)
			s.addVouch(b, c)
			s.addVouch(c, b)
			s.addVouch(c, a)
			s.addVouch(a, c)
		}

		tri(ident(1), ident(2), ident(3))
		tri(ident(11), ident(12), ident(13))

		s.Active[ident(20)] = struct{}{}
		s.addVouch(ident(1), ident(20))
		s.addVouch(ident(11), ident(20))

		return s
	}

	counts := build(cluster.BridgeCounts).Validate()
	if hasViolation(counts, ident(20)) {
		t.Error("bridge-node vouchee should be valid under BridgeCounts")
	}

	rejected := build(cluster.BridgeRejected).Validate()
	if !hasViolation(rejected, ident(20)) {
		t.Error("bridge-node vouchee should be invalid under BridgeRejected")
	}
}

func TestCrossClusterRequiredOnceClustersSplit(t *testing.T) {
	// Same federation as above: once two tight clusters exist, members
	// backed only from within their own cluster are in violation.
	s := NewState(testPolicy())

	tri := func(a, b, c Identity) {
		for _, id := range []Identity{a, b, c} {
			s.Active[id] = struct{}{}
		}
		s.addVouch(a, b)
		s.addVouch(b, a)
		s.addVouch(b, c)
		s.addVouch(c, b)
		s.addVouch(c, a)
		s.addVouch(a, c)
	}

	tri(ident(1), ident(2), ident(3))
	tri(ident(11), ident(12), ident(13))

	s.Active[ident(20)] = struct{}{}
	s.addVouch(ident(1), ident(20))
	s.addVouch(ident(11), ident(20))

	violations := s.Validate()

	if !hasViolation(violations, ident(2)) {
		t.Error("member vouched only within its own tight cluster should be in violation")
	}
}

// hasViolation reports whether the member appears in the violation list.
func hasViolation(violations []Violation, m Identity) bool {
	for _, v := range violations {
		if v.Member == m {
			return true
		}
	}

	return false
}
