package ledger

import (
	"fmt"

	"VouchVault/internal/cluster"
)

// Policy holds the injectable trust rules. All knobs are configuration,
// never compiled-in constants.
type Policy struct {
	// MinVouchThreshold is the minimum number of valid vouches an
	// active member must hold.
	MinVouchThreshold int

	// BridgeVouch decides whether a vouch touching a bridge node
	// counts as cross-cluster.
	BridgeVouch cluster.BridgePolicy
}

// State is an immutable trust-ledger snapshot. Mutation happens only by
// deriving a new State through ApplyDelta or Merge; callers must never
// modify a State they received.
type State struct {
	// Active holds currently admitted members.
	Active map[Identity]struct{}

	// Removed holds permanent tombstones. It only ever grows, and a
	// tombstoned identity can never return to Active.
	Removed map[Identity]struct{}

	// Vouches maps voucher to the set of members it vouches for.
	Vouches map[Identity]map[Identity]struct{}

	// Flags maps flagger to the set of members it has flagged.
	Flags map[Identity]map[Identity]struct{}

	// Epoch is the snapshot version, bumped on every committed change.
	Epoch uint64

	// Policy is the trust rule set this state is validated against.
	Policy Policy
}

// NewState creates an empty state with the given policy.
func NewState(p Policy) *State {
	return &State{
		Active:  make(map[Identity]struct{}),
		Removed: make(map[Identity]struct{}),
		Vouches: make(map[Identity]map[Identity]struct{}),
		Flags:   make(map[Identity]map[Identity]struct{}),
		Policy:  p,
	}
}

// Genesis creates the founding state: every founder is active and
// vouches for every other founder. Returns an error if the founding set
// cannot satisfy the vouch threshold.
func Genesis(p Policy, founders ...Identity) (*State, error) {
	if len(founders) < p.MinVouchThreshold+1 {
		return nil, fmt.Errorf("need at least %d founders for threshold %d, got %d",
			p.MinVouchThreshold+1, p.MinVouchThreshold, len(founders))
	}

	s := NewState(p)

	for _, f := range founders {
		s.Active[f] = struct{}{}
	}

	for _, a := range founders {
		for _, b := range founders {
			if a == b {
				continue
			}
			s.addVouch(a, b)
		}
	}

	if v := s.Validate(); len(v) > 0 {
		return nil, fmt.Errorf("founding state invalid: %s", v[0].Reason)
	}

	return s, nil
}

// IsActive reports whether the identity is an admitted member.
func (s *State) IsActive(id Identity) bool {
	_, ok := s.Active[id]
	return ok
}

// IsRemoved reports whether the identity is tombstoned.
func (s *State) IsRemoved(id Identity) bool {
	_, ok := s.Removed[id]
	return ok
}

// Members returns the active member count.
func (s *State) Members() int {
	return len(s.Active)
}

// Clone returns a deep copy sharing nothing with the receiver.
func (s *State) Clone() *State {
	c := &State{
		Active:  make(map[Identity]struct{}, len(s.Active)),
		Removed: make(map[Identity]struct{}, len(s.Removed)),
		Vouches: make(map[Identity]map[Identity]struct{}, len(s.Vouches)),
		Flags:   make(map[Identity]map[Identity]struct{}, len(s.Flags)),
		Epoch:   s.Epoch,
		Policy:  s.Policy,
	}

	for id := range s.Active {
		c.Active[id] = struct{}{}
	}

	for id := range s.Removed {
		c.Removed[id] = struct{}{}
	}

	for from, tos := range s.Vouches {
		set := make(map[Identity]struct{}, len(tos))
		for to := range tos {
			set[to] = struct{}{}
		}
		c.Vouches[from] = set
	}

	for from, tos := range s.Flags {
		set := make(map[Identity]struct{}, len(tos))
		for to := range tos {
			set[to] = struct{}{}
		}
		c.Flags[from] = set
	}

	return c
}

// Equal compares membership and edge content, ignoring the epoch.
// Two replicas that merged the same deltas in different orders must
// compare equal here.
func (s *State) Equal(o *State) bool {
	if len(s.Active) != len(o.Active) || len(s.Removed) != len(o.Removed) {
		return false
	}

	for id := range s.Active {
		if !o.IsActive(id) {
			return false
		}
	}

	for id := range s.Removed {
		if !o.IsRemoved(id) {
			return false
		}
	}

	if !edgesEqual(s.Vouches, o.Vouches) || !edgesEqual(s.Flags, o.Flags) {
		return false
	}

	return true
}

// edgesEqual compares two adjacency maps.
func edgesEqual(a, b map[Identity]map[Identity]struct{}) bool {
	if countEdges(a) != countEdges(b) {
		return false
	}

	for from, tos := range a {
		bt, ok := b[from]
		if !ok && len(tos) > 0 {
			return false
		}

		for to := range tos {
			if _, ok := bt[to]; !ok {
				return false
			}
		}
	}

	return true
}

// countEdges counts the edges in an adjacency map.
func countEdges(m map[Identity]map[Identity]struct{}) int {
	n := 0
	for _, tos := range m {
		n += len(tos)
	}

	return n
}

// addVouch records a vouch edge in place. Only for use on states not
// yet visible to callers.
func (s *State) addVouch(from, to Identity) {
	if s.Vouches[from] == nil {
		s.Vouches[from] = make(map[Identity]struct{})
	}
	s.Vouches[from][to] = struct{}{}
}

// addFlag records a flag edge in place. Only for use on states not yet
// visible to callers.
func (s *State) addFlag(from, to Identity) {
	if s.Flags[from] == nil {
		s.Flags[from] = make(map[Identity]struct{})
	}
	s.Flags[from][to] = struct{}{}
}

// HasVouch reports whether from vouches for to.
func (s *State) HasVouch(from, to Identity) bool {
	_, ok := s.Vouches[from][to]
	return ok
}

// HasFlag reports whether from has flagged to.
func (s *State) HasFlag(from, to Identity) bool {
	_, ok := s.Flags[from][to]
	return ok
}
