package persist

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"

	blst "github.com/supranational/blst/bindings/go"
	"github.com/zeebo/blake3"

	"VouchVault/internal/chunker"
	"VouchVault/internal/registry"
)

const (
	// BLSPublicKeySize is the size of a compressed BLS public key in bytes.
	BLSPublicKeySize = 48

	// BLSSignatureSize is the size of a compressed BLS signature in bytes.
	BLSSignatureSize = 96
)

// blsDST is the domain separation tag for BLS signatures.
var blsDST = []byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_NUL_")

// BLSKeyPair holds a BLS private/public key pair used to sign storage
// attestations.
type BLSKeyPair struct {
	secret *blst.SecretKey // secret is the private key
	public *blst.P1Affine  // public is the public key
}

// DeriveBLSKey derives a deterministic BLS key pair from an Ed25519
// private key, binding attestations to the peer's identity key.
func DeriveBLSKey(privKey ed25519.PrivateKey) (*BLSKeyPair, error) {
	seed := privKey.Seed()
	h := blake3.New()
	h.Write([]byte("vouchvault:bls-keygen"))
	h.Write(seed)

	var derived [32]byte
	h.Sum(derived[:0])

	return GenerateBLSKeyFromSeed(derived[:])
}

// DeriveSnapshotKey derives the symmetric key sealing this node's
// snapshot chunks from its Ed25519 private key. The same identity key
// always yields the same snapshot key, so a recovering node only needs
// its identity key back.
func DeriveSnapshotKey(privKey ed25519.PrivateKey) []byte {
	h := blake3.New()
	h.Write([]byte("vouchvault:snapshot-key"))
	h.Write(privKey.Seed())

	key := make([]byte, chunker.KeySize)
	h.Sum(key[:0])

	return key
}

// GenerateBLSKey creates a new BLS key pair from a random seed.
func GenerateBLSKey() (*BLSKeyPair, error) {
	var ikm [32]byte
	if _, err := rand.Read(ikm[:]); err != nil {
		return nil, fmt.Errorf("generate random seed:\n%w", err)
	}

	return GenerateBLSKeyFromSeed(ikm[:])
}

// GenerateBLSKeyFromSeed creates a BLS key pair from a deterministic seed.
// The seed must be at least 32 bytes.
func GenerateBLSKeyFromSeed(seed []byte) (*BLSKeyPair, error) {
	if len(seed) < 32 {
		return nil, fmt.Errorf("seed must be at least 32 bytes")
	}

	secret := blst.KeyGen(seed)
	if secret == nil {
		return nil, fmt.Errorf("failed to generate BLS key")
	}

	public := new(blst.P1Affine).From(secret)

	return &BLSKeyPair{
		secret: secret,
		public: public,
	}, nil
}

// PublicKeyBytes returns the compressed public key bytes.
func (k *BLSKeyPair) PublicKeyBytes() []byte {
	return k.public.Compress()
}

// Attestation is a holder's signed receipt for a chunk it accepted.
// The signed message binds the owner, chunk content and epoch but not
// the holder, so receipts from different holders of the same chunk can
// be aggregated into one signature.
type Attestation struct {
	Holder    registry.PeerID // Holder is the peer that stored the chunk
	ChunkHash chunker.Hash    // ChunkHash is the stored chunk's content hash
	Epoch     uint64          // Epoch is the distribution epoch
	Signature []byte          // Signature is the compressed BLS signature
}

// attestMessage builds the canonical signed message.
func attestMessage(owner registry.PeerID, hash chunker.Hash, epoch uint64) []byte {
	h := blake3.New()
	h.Write([]byte("vouchvault:attest"))
	h.Write(owner[:])
	h.Write(hash[:])

	var eb [8]byte
	binary.LittleEndian.PutUint64(eb[:], epoch)
	h.Write(eb[:])

	var msg [32]byte
	h.Sum(msg[:0])

	return msg[:]
}

// SignAttestation creates a holder's receipt for a stored chunk.
func SignAttestation(kp *BLSKeyPair, holder, owner registry.PeerID, hash chunker.Hash, epoch uint64) Attestation {
	msg := attestMessage(owner, hash, epoch)
	sig := new(blst.P2Affine).Sign(kp.secret, msg, blsDST)

	return Attestation{
		Holder:    holder,
		ChunkHash: hash,
		Epoch:     epoch,
		Signature: sig.Compress(),
	}
}

// VerifyAttestation checks a receipt against the holder's public key.
func VerifyAttestation(att Attestation, owner registry.PeerID, publicKey []byte) bool {
	if len(att.Signature) != BLSSignatureSize || len(publicKey) != BLSPublicKeySize {
		return false
	}

	sig := new(blst.P2Affine).Uncompress(att.Signature)
	if sig == nil {
		return false
	}

	pk := new(blst.P1Affine).Uncompress(publicKey)
	if pk == nil {
		return false
	}

	msg := attestMessage(owner, att.ChunkHash, att.Epoch)

	return sig.Verify(true, pk, true, msg, blsDST)
}

// Receipt is the aggregated proof that a replica set stored one chunk.
type Receipt struct {
	ChunkHash chunker.Hash      // ChunkHash is the stored chunk's content hash
	Epoch     uint64            // Epoch is the distribution epoch
	Holders   []registry.PeerID // Holders are the peers whose receipts were aggregated
	Signature []byte            // Signature is the aggregated BLS signature
}

// AggregateAttestations combines receipts from multiple holders of the
// same chunk into a single signature. All attestations must cover the
// same chunk hash and epoch.
func AggregateAttestations(atts []Attestation) (*Receipt, error) {
	if len(atts) == 0 {
		return nil, fmt.Errorf("no attestations to aggregate")
	}

	sigs := make([]*blst.P2Affine, len(atts))
	holders := make([]registry.PeerID, len(atts))

	for i, att := range atts {
		if att.ChunkHash != atts[0].ChunkHash || att.Epoch != atts[0].Epoch {
			return nil, fmt.Errorf("attestation %d covers a different chunk", i)
		}

		if len(att.Signature) != BLSSignatureSize {
			return nil, fmt.Errorf("invalid signature size at index %d", i)
		}

		sig := new(blst.P2Affine).Uncompress(att.Signature)
		if sig == nil {
			return nil, fmt.Errorf("invalid signature at index %d", i)
		}

		sigs[i] = sig
		holders[i] = att.Holder
	}

	agg := new(blst.P2Aggregate)
	if !agg.Aggregate(sigs, true) {
		return nil, fmt.Errorf("signature aggregation failed")
	}

	return &Receipt{
		ChunkHash: atts[0].ChunkHash,
		Epoch:     atts[0].Epoch,
		Holders:   holders,
		Signature: agg.ToAffine().Compress(),
	}, nil
}

// VerifyReceipt verifies an aggregated receipt against the holders'
// public keys, given in the same order as Receipt.Holders.
func VerifyReceipt(r *Receipt, owner registry.PeerID, publicKeys [][]byte) bool {
	if len(r.Signature) != BLSSignatureSize || len(publicKeys) == 0 {
		return false
	}

	sig := new(blst.P2Affine).Uncompress(r.Signature)
	if sig == nil {
		return false
	}

	pks := make([]*blst.P1Affine, len(publicKeys))

	for i, pkBytes := range publicKeys {
		if len(pkBytes) != BLSPublicKeySize {
			return false
		}

		pk := new(blst.P1Affine).Uncompress(pkBytes)
		if pk == nil {
			return false
		}

		pks[i] = pk
	}

	aggPk := new(blst.P1Aggregate)
	if !aggPk.Aggregate(pks, true) {
		return false
	}

	msg := attestMessage(owner, r.ChunkHash, r.Epoch)

	return sig.Verify(true, aggPk.ToAffine(), true, msg, blsDST)
}
