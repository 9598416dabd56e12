package ledger

import (
	"errors"
	"fmt"
)

// ErrInvalidDelta marks a delta rejected before any state mutation.
// Callers must not retry the identical delta, only an amended one.
var ErrInvalidDelta = errors.New("invalid delta")

// ApplyDelta validates a locally authored delta against the snapshot and
// returns the successor state. The input state is never modified.
//
// Rejection happens before mutation when an addition targets a
// tombstone, when an addition ends up below the valid-vouch threshold,
// or when the hypothetically-applied state fails validation for any
// member this delta adds. The last check catches same-delta edge cases
// such as adding a member while removing one of its only backers.
// Violations of members the delta does not add are not grounds for
// rejection; they surface through Validate on the committed state and
// trigger ejection deltas.
func ApplyDelta(s *State, d *Delta) (*State, error) {
	for _, id := range d.Adds {
		if s.IsRemoved(id) {
			return nil, fmt.Errorf("%w: identity %s is tombstoned",
				ErrInvalidDelta, id.Short())
		}
	}

	next := mergeDelta(s, d)

	if err := CheckStructure(next); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDelta, err)
	}

	added := make(map[Identity]struct{}, len(d.Adds))
	for _, id := range d.Adds {
		if next.IsActive(id) {
			added[id] = struct{}{}
		}
	}

	for _, v := range next.Validate() {
		if _, ok := added[v.Member]; ok {
			return nil, fmt.Errorf("%w: added member %s: %s",
				ErrInvalidDelta, v.Member.Short(), v.Reason)
		}
	}

	next.Epoch = s.Epoch + 1

	return next, nil
}

// mergeDelta folds a delta into a clone of the state with CRDT
// semantics: additions and edges union in, tombstones union in and
// dominate additions, including additions in the same delta.
func mergeDelta(s *State, d *Delta) *State {
	next := s.Clone()

	for _, id := range d.Adds {
		next.Active[id] = struct{}{}
	}

	for _, id := range d.Removes {
		next.Removed[id] = struct{}{}
		delete(next.Active, id)
	}

	// Tombstones dominate: an identity both added and removed stays out.
	for id := range next.Removed {
		delete(next.Active, id)
	}

	for _, e := range d.Vouches {
		next.addVouch(e.From, e.To)
	}

	for _, e := range d.Flags {
		next.addFlag(e.From, e.To)
	}

	return next
}
