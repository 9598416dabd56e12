package ledger

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// identityContext is the domain separation prefix for identity derivation.
const identityContext = "vouchvault:identity"

// Identity is an opaque 32-byte member identifier. The underlying
// real-world identifier never enters the ledger; only its hash does.
type Identity [32]byte

// DeriveIdentity hashes an external identifier into a ledger identity.
// A removed member re-entering must present a new external identifier,
// which derives a fresh identity here.
func DeriveIdentity(externalID []byte) Identity {
	h := blake3.New()
	h.Write([]byte(identityContext))
	h.Write(externalID)

	var id Identity
	h.Sum(id[:0])

	return id
}

// Short returns a hex prefix of the identity for logging.
func (id Identity) Short() string {
	return hex.EncodeToString(id[:4])
}
