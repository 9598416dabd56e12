// Package rendezvous deterministically assigns chunk replicas to peers.
// Any peer can recompute a holder set from public inputs alone, so no
// per-(chunk, replica) registry is needed: registry size stays
// proportional to the peer count.
package rendezvous

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/zeebo/blake3"

	"VouchVault/internal/registry"
)

// scoredPeer pairs a candidate with its computed score.
type scoredPeer struct {
	peer  registry.PeerID // peer is the candidate's id
	score [32]byte        // score is the computed rendezvous score
}

// Holders returns the replicaFactor candidates with the highest
// rendezvous score for (owner, chunkIndex, epoch), ordered by score
// descending. Identical inputs always produce identical output; the
// owner cannot bias selection because every hash input is fixed before
// candidates are known.
func Holders(owner [32]byte, chunkIndex uint32, epoch uint64, candidates []registry.PeerID, replicaFactor int) []registry.PeerID {
	if replicaFactor <= 0 {
		return nil
	}

	if replicaFactor > len(candidates) {
		replicaFactor = len(candidates)
	}

	if replicaFactor == 0 {
		return nil
	}

	scored := make([]scoredPeer, len(candidates))

	for i, c := range candidates {
		scored[i] = scoredPeer{
			peer:  c,
			score: score(owner, chunkIndex, epoch, c),
		}
	}

	// Highest score first; ties broken by peer id so ordering stays
	// total even for adversarial inputs.
	sort.Slice(scored, func(i, j int) bool {
		if c := bytes.Compare(scored[i].score[:], scored[j].score[:]); c != 0 {
			return c > 0
		}
		return bytes.Compare(scored[i].peer[:], scored[j].peer[:]) > 0
	})

	result := make([]registry.PeerID, replicaFactor)
	for i := 0; i < replicaFactor; i++ {
		result[i] = scored[i].peer
	}

	return result
}

// score computes blake3(owner || chunkIndex || candidate || epoch).
func score(owner [32]byte, chunkIndex uint32, epoch uint64, candidate registry.PeerID) [32]byte {
	var idx [4]byte
	binary.LittleEndian.PutUint32(idx[:], chunkIndex)

	var ep [8]byte
	binary.LittleEndian.PutUint64(ep[:], epoch)

	h := blake3.New()
	h.Write(owner[:])
	h.Write(idx[:])
	h.Write(candidate[:])
	h.Write(ep[:])

	var result [32]byte
	h.Sum(result[:0])

	return result
}
