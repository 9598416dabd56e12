package ledger

import (
	"fmt"
	"sync"

	"VouchVault/internal/logger"
)

// Hooks is the validation interface the external shared-state network
// calls around its own merge machinery: AcceptDelta before merging a
// delta in, ValidateState after a merge completes. The Store implements
// it; the network's consistency semantics never leak past this boundary.
type Hooks interface {
	// AcceptDelta reports whether the delta is admissible against the
	// given snapshot.
	AcceptDelta(s *State, d *Delta) bool

	// ValidateState reports whether a merged state is structurally
	// sound and may be cached or propagated.
	ValidateState(s *State) bool
}

// Store is the single point of truth for the trust ledger. It
// serializes validation-and-commit per epoch; reads hand out immutable
// snapshots that are safe for concurrent use.
type Store struct {
	mu    sync.RWMutex
	state *State
	log   *DeltaLog // log is nil for purely in-memory stores
}

// NewStore creates a store over an existing state, typically from
// Genesis. The delta log may be nil.
func NewStore(s *State, log *DeltaLog) *Store {
	return &Store{state: s, log: log}
}

// OpenStore restores a store by replaying the persistent delta log over
// an empty state. If the log is empty and founders are given, the
// founding delta is built, applied, and logged.
func OpenStore(p Policy, log *DeltaLog, founders ...Identity) (*Store, error) {
	st := &Store{state: NewState(p), log: log}

	if log == nil {
		if len(founders) > 0 {
			if err := st.bootstrap(founders); err != nil {
				return nil, err
			}
		}
		return st, nil
	}

	replayed := 0

	err := log.Replay(func(seq uint64, d *Delta) error {
		st.state = mergeDelta(st.state, d)
		st.state.Epoch = seq + 1
		replayed++

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("replay delta log:\n%w", err)
	}

	if replayed == 0 && len(founders) > 0 {
		if err := st.bootstrap(founders); err != nil {
			return nil, err
		}
	}

	logger.Info("ledger restored",
		"deltas", replayed,
		"members", st.state.Members(),
		"epoch", st.state.Epoch,
	)

	return st, nil
}

// bootstrap commits the founding delta: all founders admitted with
// mutual vouches.
func (st *Store) bootstrap(founders []Identity) error {
	genesis, err := Genesis(st.state.Policy, founders...)
	if err != nil {
		return fmt.Errorf("bootstrap:\n%w", err)
	}

	d := &Delta{Adds: founders}
	for _, a := range founders {
		for _, b := range founders {
			if a != b {
				d.Vouches = append(d.Vouches, Edge{From: a, To: b})
			}
		}
	}
	d.Normalize()

	if st.log != nil {
		if err := st.log.Append(d); err != nil {
			return err
		}
	}

	genesis.Epoch = 1
	st.state = genesis

	return nil
}

// Snapshot returns the current immutable state. Cluster analysis, chunk
// splitting, and other reads may run concurrently against it.
func (st *Store) Snapshot() *State {
	st.mu.RLock()
	defer st.mu.RUnlock()

	return st.state
}

// Epoch returns the current snapshot version.
func (st *Store) Epoch() uint64 {
	st.mu.RLock()
	defer st.mu.RUnlock()

	return st.state.Epoch
}

// Apply validates and commits a locally authored delta. On success the
// new snapshot and any standing violations it exposes are returned; the
// caller reacts to violations by issuing an ejection delta.
func (st *Store) Apply(d *Delta) (*State, []Violation, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	next, err := ApplyDelta(st.state, d)
	if err != nil {
		return nil, nil, err
	}

	if err := st.commit(next, d); err != nil {
		return nil, nil, err
	}

	return next, next.Validate(), nil
}

// ApplyRemote folds in a delta delivered by the propagation channel.
// Remote deltas merge with CRDT semantics and are only rejected for
// structural breakage; standing violations are reported for ejection.
func (st *Store) ApplyRemote(d *Delta) (*State, []Violation, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	next := mergeDelta(st.state, d)

	if err := CheckStructure(next); err != nil {
		return nil, nil, err
	}

	next.Epoch = st.state.Epoch + 1

	if err := st.commit(next, d); err != nil {
		return nil, nil, err
	}

	return next, next.Validate(), nil
}

// MergeState merges a full state received from a peer. Validation runs
// synchronously before the result becomes visible to readers.
func (st *Store) MergeState(other *State) (*State, []Violation, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	next := Merge(st.state, other)

	if err := CheckStructure(next); err != nil {
		return nil, nil, err
	}

	next.Epoch++
	st.state = next

	return next, next.Validate(), nil
}

// commit makes the new snapshot current and appends the delta to the
// log. Caller holds the write lock.
func (st *Store) commit(next *State, d *Delta) error {
	if st.log != nil {
		if err := st.log.Append(d); err != nil {
			return fmt.Errorf("log delta:\n%w", err)
		}
	}

	st.state = next

	return nil
}

// AcceptDelta implements Hooks for the external shared-state network.
func (st *Store) AcceptDelta(s *State, d *Delta) bool {
	_, err := ApplyDelta(s, d)
	return err == nil
}

// ValidateState implements Hooks for the external shared-state network.
func (st *Store) ValidateState(s *State) bool {
	return CheckStructure(s) == nil
}
