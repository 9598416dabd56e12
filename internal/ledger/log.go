package ledger

import (
	"encoding/binary"
	"fmt"

	"VouchVault/internal/storage"
)

// Storage key layout for the delta log.
var (
	prefixDelta = []byte("dl:") // prefixDelta + big-endian seq → encoded delta
	keyNextSeq  = []byte("dm:next")
)

// DeltaLog is the append-only persistent record of committed deltas.
// Sequence keys are big-endian so lexicographic iteration replays in
// commit order.
type DeltaLog struct {
	db *storage.Storage
}

// NewDeltaLog creates a delta log over the given storage.
func NewDeltaLog(db *storage.Storage) *DeltaLog {
	return &DeltaLog{db: db}
}

// NextSeq returns the sequence number the next append will use.
func (l *DeltaLog) NextSeq() (uint64, error) {
	value, err := l.db.Get(keyNextSeq)
	if err != nil {
		return 0, fmt.Errorf("read next seq:\n%w", err)
	}

	if len(value) != 8 {
		return 0, nil
	}

	return binary.BigEndian.Uint64(value), nil
}

// Append durably records a committed delta at the next sequence number.
func (l *DeltaLog) Append(d *Delta) error {
	seq, err := l.NextSeq()
	if err != nil {
		return err
	}

	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq+1)

	pairs := []storage.KeyValue{
		{Key: l.deltaKey(seq), Value: d.Encode()},
		{Key: keyNextSeq, Value: seqBuf[:]},
	}

	if err := l.db.SetBatch(pairs); err != nil {
		return fmt.Errorf("append delta %d:\n%w", seq, err)
	}

	return nil
}

// Replay calls fn for every logged delta in commit order.
func (l *DeltaLog) Replay(fn func(seq uint64, d *Delta) error) error {
	return l.db.IteratePrefix(prefixDelta, func(key, value []byte) error {
		if len(key) != len(prefixDelta)+8 {
			return fmt.Errorf("malformed delta key of length %d", len(key))
		}

		seq := binary.BigEndian.Uint64(key[len(prefixDelta):])

		d, err := DecodeDelta(value)
		if err != nil {
			return fmt.Errorf("decode delta %d:\n%w", seq, err)
		}

		return fn(seq, d)
	})
}

// deltaKey builds the storage key for a sequence number.
func (l *DeltaLog) deltaKey(seq uint64) []byte {
	key := make([]byte, len(prefixDelta)+8)
	copy(key, prefixDelta)
	binary.BigEndian.PutUint64(key[len(prefixDelta):], seq)

	return key
}
