package ledger

import (
	"errors"
	"fmt"

	"VouchVault/internal/cluster"
)

// ErrInvalidState marks a state that breaks structural invariants and
// must not be cached or propagated.
var ErrInvalidState = errors.New("invalid state")

// Violation reports one active member whose standing no longer satisfies
// the trust invariants. Ejection is not a separate code path: the caller
// reacts to violations by issuing a removal delta.
type Violation struct {
	Member Identity // Member is the offending member
	Reason string   // Reason describes the failed invariant
}

// CheckStructure verifies the structural invariants that an honest merge
// can never break: the active and removed sets must be disjoint.
// A failure means the state came from a malicious or corrupted writer.
func CheckStructure(s *State) error {
	for id := range s.Active {
		if s.IsRemoved(id) {
			return fmt.Errorf("%w: member %s both active and tombstoned",
				ErrInvalidState, id.Short())
		}
	}

	return nil
}

// Validate re-checks the full membership invariant set and returns one
// Violation per offending member. It must run after every merge, before
// the result is exposed, because removing any member can silently drop
// another member's effective vouch count below threshold.
//
// A member is in good standing when it holds at least MinVouchThreshold
// valid vouches and its standing (valid vouches minus flags from active
// members) is non-negative. A vouch is valid when the voucher is active,
// neither side of the pair has flagged the other, and the vouch is
// cross-cluster under the current analysis. The cross-cluster rule only
// activates once the graph contains at least two tight clusters; a
// single-cluster group has no other cluster to source vouches from.
func (s *State) Validate() []Violation {
	analysis := s.analyzeClusters()
	crossRequired := analysis.Clusters() >= 2

	vouchersOf := s.reverseValidVouches()

	var violations []Violation

	for m := range s.Active {
		valid := 0

		for _, v := range vouchersOf[m] {
			if crossRequired && !analysis.CrossCluster(
				cluster.Node(v), cluster.Node(m), s.Policy.BridgeVouch) {
				continue
			}
			valid++
		}

		if valid < s.Policy.MinVouchThreshold {
			violations = append(violations, Violation{
				Member: m,
				Reason: fmt.Sprintf("valid vouches %d below threshold %d",
					valid, s.Policy.MinVouchThreshold),
			})
			continue
		}

		if standing := valid - s.flagsAgainst(m); standing < 0 {
			violations = append(violations, Violation{
				Member: m,
				Reason: fmt.Sprintf("standing %d below zero", standing),
			})
		}
	}

	return violations
}

// analyzeClusters builds the graph of counted vouch edges between active
// members and runs the bridge analysis over it.
func (s *State) analyzeClusters() *cluster.Analysis {
	g := cluster.NewGraph()

	for voucher, vouchees := range s.Vouches {
		if !s.IsActive(voucher) {
			continue
		}

		for vouchee := range vouchees {
			if !s.IsActive(vouchee) || s.vouchDiscounted(voucher, vouchee) {
				continue
			}

			g.AddEdge(cluster.Node(voucher), cluster.Node(vouchee))
		}
	}

	return cluster.Analyze(g)
}

// reverseValidVouches maps each vouchee to its non-discounted active
// vouchers.
func (s *State) reverseValidVouches() map[Identity][]Identity {
	out := make(map[Identity][]Identity)

	for voucher, vouchees := range s.Vouches {
		if !s.IsActive(voucher) {
			continue
		}

		for vouchee := range vouchees {
			if s.vouchDiscounted(voucher, vouchee) {
				continue
			}

			out[vouchee] = append(out[vouchee], voucher)
		}
	}

	return out
}

// vouchDiscounted applies the mutual-exclusion rule: a vouch is
// discounted when the vouchee has flagged the voucher or the voucher has
// flagged the vouchee.
func (s *State) vouchDiscounted(voucher, vouchee Identity) bool {
	return s.HasFlag(vouchee, voucher) || s.HasFlag(voucher, vouchee)
}

// flagsAgainst counts flags raised against m by active members.
func (s *State) flagsAgainst(m Identity) int {
	n := 0

	for flagger, flagged := range s.Flags {
		if !s.IsActive(flagger) {
			continue
		}

		if _, ok := flagged[m]; ok {
			n++
		}
	}

	return n
}

// EjectionDelta builds the removal delta for a set of violations.
func EjectionDelta(violations []Violation) *Delta {
	d := &Delta{}

	for _, v := range violations {
		d.Removes = append(d.Removes, v.Member)
	}

	d.Normalize()

	return d
}
