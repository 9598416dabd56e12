package ledger

// VouchClaim is the semantic payload of an admission proof that the
// external proof-verification collaborator has already verified. Raw
// proof bytes never cross into this package; there is deliberately no
// entry point that accepts them.
type VouchClaim struct {
	Voucher Identity // Voucher is the member standing behind the claim
	Vouchee Identity // Vouchee is the identity being vouched for
}

// ClaimSource yields verified claims from the proof collaborator.
type ClaimSource interface {
	// Next returns the next verified claim. ok is false when none are
	// pending.
	Next() (claim VouchClaim, ok bool)
}

// DeltaFromClaims turns verified vouch claims into a merge-ready delta.
// Vouchees not yet active are proposed as additions; whether the delta
// is admissible is decided by ApplyDelta as usual.
func DeltaFromClaims(s *State, claims []VouchClaim) *Delta {
	d := &Delta{}

	for _, c := range claims {
		d.Vouches = append(d.Vouches, Edge{From: c.Voucher, To: c.Vouchee})

		if !s.IsActive(c.Vouchee) && !s.IsRemoved(c.Vouchee) {
			d.Adds = append(d.Adds, c.Vouchee)
		}
	}

	d.Normalize()

	return d
}

// DrainClaims reads every pending claim from the source.
func DrainClaims(src ClaimSource) []VouchClaim {
	var claims []VouchClaim

	for {
		c, ok := src.Next()
		if !ok {
			return claims
		}

		claims = append(claims, c)
	}
}
