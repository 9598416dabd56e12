package ledger

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/zeebo/blake3"
)

// deltaVersion is the current delta wire format version.
const deltaVersion = 1

// Edge is a directed relationship: From vouches for or flags To.
type Edge struct {
	From Identity // From is the voucher or flagger
	To   Identity // To is the vouchee or flagged member
}

// Delta is a proposed set of changes against a snapshot. Deltas are the
// only way state mutates; they are logged, propagated, and merged.
type Delta struct {
	Adds    []Identity // Adds are identities to admit
	Removes []Identity // Removes are identities to tombstone
	Vouches []Edge     // Vouches are vouch edges to record
	Flags   []Edge     // Flags are flag edges to record
}

// Empty reports whether the delta changes nothing.
func (d *Delta) Empty() bool {
	return len(d.Adds) == 0 && len(d.Removes) == 0 &&
		len(d.Vouches) == 0 && len(d.Flags) == 0
}

// Normalize sorts and dedupes all entries so equal deltas encode to
// equal bytes.
func (d *Delta) Normalize() {
	d.Adds = sortIdentities(d.Adds)
	d.Removes = sortIdentities(d.Removes)
	d.Vouches = sortEdges(d.Vouches)
	d.Flags = sortEdges(d.Flags)
}

// Hash returns the blake3 hash of the canonical encoding.
func (d *Delta) Hash() [32]byte {
	return blake3.Sum256(d.Encode())
}

// Encode serializes the delta into the canonical little-endian
// length-prefixed wire format.
func (d *Delta) Encode() []byte {
	d.Normalize()

	size := 1 + 4 + len(d.Adds)*32 + 4 + len(d.Removes)*32 +
		4 + len(d.Vouches)*64 + 4 + len(d.Flags)*64

	buf := make([]byte, 0, size)
	buf = append(buf, deltaVersion)

	buf = appendIdentities(buf, d.Adds)
	buf = appendIdentities(buf, d.Removes)
	buf = appendEdges(buf, d.Vouches)
	buf = appendEdges(buf, d.Flags)

	return buf
}

// DecodeDelta parses a delta from its wire format.
func DecodeDelta(data []byte) (*Delta, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("delta too short")
	}

	if data[0] != deltaVersion {
		return nil, fmt.Errorf("unsupported delta version %d", data[0])
	}

	rest := data[1:]

	d := &Delta{}
	var err error

	if d.Adds, rest, err = readIdentities(rest); err != nil {
		return nil, fmt.Errorf("decode adds:\n%w", err)
	}

	if d.Removes, rest, err = readIdentities(rest); err != nil {
		return nil, fmt.Errorf("decode removes:\n%w", err)
	}

	if d.Vouches, rest, err = readEdges(rest); err != nil {
		return nil, fmt.Errorf("decode vouches:\n%w", err)
	}

	if d.Flags, rest, err = readEdges(rest); err != nil {
		return nil, fmt.Errorf("decode flags:\n%w", err)
	}

	if len(rest) != 0 {
		return nil, fmt.Errorf("trailing %d bytes after delta", len(rest))
	}

	return d, nil
}

// appendIdentities appends a u32 count and the identity bytes.
func appendIdentities(buf []byte, ids []Identity) []byte {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(ids)))
	buf = append(buf, lenBuf[:]...)

	for _, id := range ids {
		buf = append(buf, id[:]...)
	}

	return buf
}

// appendEdges appends a u32 count and the edge byte pairs.
func appendEdges(buf []byte, edges []Edge) []byte {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(edges)))
	buf = append(buf, lenBuf[:]...)

	for _, e := range edges {
		buf = append(buf, e.From[:]...)
		buf = append(buf, e.To[:]...)
	}

	return buf
}

// readIdentities reads a u32 count and that many identities.
func readIdentities(data []byte) ([]Identity, []byte, error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("missing count")
	}

	count := binary.LittleEndian.Uint32(data[:4])
	data = data[4:]

	// Compare in uint64: count*32 wraps uint32 for crafted counts.
	if uint64(len(data)) < uint64(count)*32 {
		return nil, nil, fmt.Errorf("truncated identity list")
	}

	ids := make([]Identity, count)
	for i := range ids {
		copy(ids[i][:], data[:32])
		data = data[32:]
	}

	return ids, data, nil
}

// readEdges reads a u32 count and that many edge pairs.
func readEdges(data []byte) ([]Edge, []byte, error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("missing count")
	}

	count := binary.LittleEndian.Uint32(data[:4])
	data = data[4:]

	// Compare in uint64: count*64 wraps uint32 for crafted counts.
	if uint64(len(data)) < uint64(count)*64 {
		return nil, nil, fmt.Errorf("truncated edge list")
	}

	edges := make([]Edge, count)
	for i := range edges {
		copy(edges[i].From[:], data[:32])
		copy(edges[i].To[:], data[32:64])
		data = data[64:]
	}

	return edges, data, nil
}

// sortIdentities returns a sorted, deduped copy.
func sortIdentities(ids []Identity) []Identity {
	out := make([]Identity, 0, len(ids))
	seen := make(map[Identity]struct{}, len(ids))

	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}

	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i][:], out[j][:]) < 0
	})

	return out
}

// sortEdges returns a sorted, deduped copy.
func sortEdges(edges []Edge) []Edge {
	out := make([]Edge, 0, len(edges))
	seen := make(map[Edge]struct{}, len(edges))

	for _, e := range edges {
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}

	sort.Slice(out, func(i, j int) bool {
		if c := bytes.Compare(out[i].From[:], out[j].From[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(out[i].To[:], out[j].To[:]) < 0
	})

	return out
}
