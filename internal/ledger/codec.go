package ledger

import (
	"encoding/binary"
	"fmt"

	"VouchVault/internal/cluster"
)

// stateVersion is the current snapshot wire format version.
const stateVersion = 1

// EncodeState serializes a snapshot into the canonical little-endian
// length-prefixed wire format. Sets and edges are sorted first, so two
// equal states encode to equal bytes regardless of map iteration order.
func EncodeState(s *State) []byte {
	active := setToIdentities(s.Active)
	removed := setToIdentities(s.Removed)
	vouches := adjacencyToEdges(s.Vouches)
	flags := adjacencyToEdges(s.Flags)

	size := 1 + 8 + 4 + 1 +
		4 + len(active)*32 + 4 + len(removed)*32 +
		4 + len(vouches)*64 + 4 + len(flags)*64

	buf := make([]byte, 0, size)
	buf = append(buf, stateVersion)
	buf = binary.LittleEndian.AppendUint64(buf, s.Epoch)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(s.Policy.MinVouchThreshold))
	buf = append(buf, byte(s.Policy.BridgeVouch))

	buf = appendIdentities(buf, active)
	buf = appendIdentities(buf, removed)
	buf = appendEdges(buf, vouches)
	buf = appendEdges(buf, flags)

	return buf
}

// DecodeState parses a snapshot from its wire format.
func DecodeState(data []byte) (*State, error) {
	if len(data) < 1+8+4+1 {
		return nil, fmt.Errorf("state snapshot too short")
	}

	if data[0] != stateVersion {
		return nil, fmt.Errorf("unsupported state version %d", data[0])
	}

	rest := data[1:]

	epoch := binary.LittleEndian.Uint64(rest)
	rest = rest[8:]

	p := Policy{
		MinVouchThreshold: int(binary.LittleEndian.Uint32(rest)),
		BridgeVouch:       cluster.BridgePolicy(rest[4]),
	}
	rest = rest[5:]

	s := NewState(p)
	s.Epoch = epoch

	var (
		ids   []Identity
		edges []Edge
		err   error
	)

	if ids, rest, err = readIdentities(rest); err != nil {
		return nil, fmt.Errorf("decode active set:\n%w", err)
	}
	for _, id := range ids {
		s.Active[id] = struct{}{}
	}

	if ids, rest, err = readIdentities(rest); err != nil {
		return nil, fmt.Errorf("decode removed set:\n%w", err)
	}
	for _, id := range ids {
		s.Removed[id] = struct{}{}
	}

	if edges, rest, err = readEdges(rest); err != nil {
		return nil, fmt.Errorf("decode vouches:\n%w", err)
	}
	for _, e := range edges {
		s.addVouch(e.From, e.To)
	}

	if edges, rest, err = readEdges(rest); err != nil {
		return nil, fmt.Errorf("decode flags:\n%w", err)
	}
	for _, e := range edges {
		s.addFlag(e.From, e.To)
	}

	if len(rest) != 0 {
		return nil, fmt.Errorf("trailing %d bytes after state snapshot", len(rest))
	}

	if err := CheckStructure(s); err != nil {
		return nil, err
	}

	return s, nil
}

// setToIdentities flattens a set into a sorted slice.
func setToIdentities(set map[Identity]struct{}) []Identity {
	ids := make([]Identity, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}

	return sortIdentities(ids)
}

// adjacencyToEdges flattens an adjacency map into a sorted edge list.
func adjacencyToEdges(m map[Identity]map[Identity]struct{}) []Edge {
	edges := make([]Edge, 0, countEdges(m))
	for from, tos := range m {
		for to := range tos {
			edges = append(edges, Edge{From: from, To: to})
		}
	}

	return sortEdges(edges)
}
