package store

import (
	"encoding/binary"
	"time"

	"DuchyMill/internal/computation"
)

// Key prefixes for storage.
var (
	prefixComputation = []byte("c:") // c:<localId> -> ComputationRecord
	prefixGlobal      = []byte("g:") // g:<globalId> -> localId
	prefixQueue       = []byte("q:") // q:<protocol><availableAt><localId> -> empty
	prefixStat        = []byte("s:") // s:<localId><attempt><stage><name> -> StatRecord
	keyNextLocalID    = []byte("m:nextLocalId")
)

// makeComputationKey creates the key of a computation record.
func makeComputationKey(localID uint64) []byte {
	key := make([]byte, len(prefixComputation)+8)
	copy(key, prefixComputation)
	binary.BigEndian.PutUint64(key[len(prefixComputation):], localID)

	return key
}

// makeGlobalKey creates the key of the global ID index.
func makeGlobalKey(globalID string) []byte {
	return append(append([]byte{}, prefixGlobal...), globalID...)
}

// makeQueuePrefix creates the scan prefix of one protocol's queue.
func makeQueuePrefix(p computation.Protocol) []byte {
	return append(append([]byte{}, prefixQueue...), byte(p))
}

// makeQueueKey creates a queue entry key.
// Big-endian time then local ID so a prefix scan yields oldest-available first,
// ties broken by local ID.
func makeQueueKey(p computation.Protocol, availableAt time.Time, localID uint64) []byte {
	prefix := makeQueuePrefix(p)
	key := make([]byte, len(prefix)+16)
	copy(key, prefix)

	nanos := availableAt.UnixNano()
	if nanos < 0 {
		nanos = 0
	}

	binary.BigEndian.PutUint64(key[len(prefix):], uint64(nanos))
	binary.BigEndian.PutUint64(key[len(prefix)+8:], localID)

	return key
}

// parseQueueKey extracts the available-at time and local ID from a queue key.
func parseQueueKey(key []byte) (time.Time, uint64, bool) {
	n := len(prefixQueue) + 1
	if len(key) != n+16 {
		return time.Time{}, 0, false
	}

	availableAt := time.Unix(0, int64(binary.BigEndian.Uint64(key[n:])))
	localID := binary.BigEndian.Uint64(key[n+8:])

	return availableAt, localID, true
}

// makeStatPrefix creates the scan prefix of one computation's stats.
func makeStatPrefix(localID uint64) []byte {
	key := make([]byte, len(prefixStat)+8)
	copy(key, prefixStat)
	binary.BigEndian.PutUint64(key[len(prefixStat):], localID)

	return key
}

// makeStatKey creates a stat key. Recording the same name twice for one
// attempt of one stage overwrites the previous value.
func makeStatKey(s Stat) []byte {
	prefix := makeStatPrefix(s.LocalID)
	key := make([]byte, len(prefix)+8, len(prefix)+8+len(s.Name))
	copy(key, prefix)
	binary.BigEndian.PutUint32(key[len(prefix):], s.Attempt)
	binary.BigEndian.PutUint32(key[len(prefix)+4:], uint32(s.Stage))

	return append(key, s.Name...)
}
