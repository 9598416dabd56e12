package ledger

// Merge combines two independently evolved states: set union of
// additions composed with union of tombstones, tombstones dominate.
// The operation is commutative, associative, and idempotent, so two
// peers merging in either order converge regardless of delivery order.
//
// The result's epoch is max(a, b): a pure merge does not advance the
// epoch, or merging a state with itself would not be idempotent. The
// committing store bumps the epoch when it adopts a merged state.
//
// Merge never rejects; callers must run CheckStructure and Validate on
// the result before exposing it.
func Merge(a, b *State) *State {
	out := a.Clone()

	for id := range b.Active {
		out.Active[id] = struct{}{}
	}

	for id := range b.Removed {
		out.Removed[id] = struct{}{}
	}

	// Tombstones dominate additions from either side.
	for id := range out.Removed {
		delete(out.Active, id)
	}

	for from, tos := range b.Vouches {
		for to := range tos {
			out.addVouch(from, to)
		}
	}

	for from, tos := range b.Flags {
		for to := range tos {
			out.addFlag(from, to)
		}
	}

	if b.Epoch > out.Epoch {
		out.Epoch = b.Epoch
	}

	return out
}
