package eventlog

import (
	"encoding/binary"
)

// FormatVersion is the persistence format version embedded in every key.
// Bumping it starts all stores from an empty log on next access.
const FormatVersion = 1

// Keyspace helpers for Pebble keys.
//
// Layout (byte-wise, lexicographically sortable):
// - v{F}/store/{storeId}/e/{seq_be8}
// - v{F}/ctx/{storeId}
var (
	versionPrefix = []byte("v1/")
	storeSeg      = []byte("store/")
	ctxSeg        = []byte("ctx/")
	entrySeg      = []byte("/e/")
)

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

// KeyEvent builds the event key with a big-endian sequence for ordering.
func KeyEvent(storeID string, seq uint64) []byte {
	k := make([]byte, 0, len(versionPrefix)+len(storeSeg)+len(storeID)+len(entrySeg)+8)
	k = append(k, versionPrefix...)
	k = append(k, storeSeg...)
	k = append(k, storeID...)
	k = append(k, entrySeg...)
	k = appendBE8(k, seq)
	return k
}

// KeyEventBounds returns the [low, high) iterator bounds covering every
// event key of the store.
func KeyEventBounds(storeID string) (low, high []byte) {
	low = KeyEvent(storeID, 0)
	high = KeyEvent(storeID, ^uint64(0))
	high = append(high, 0x00)
	return low, high
}

// KeyStoreContext builds the context row key for a store.
func KeyStoreContext(storeID string) []byte {
	k := make([]byte, 0, len(versionPrefix)+len(ctxSeg)+len(storeID))
	k = append(k, versionPrefix...)
	k = append(k, ctxSeg...)
	k = append(k, storeID...)
	return k
}

// SeqFromEventKey extracts the sequence number from an event key.
func SeqFromEventKey(key []byte) uint64 {
	if len(key) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(key[len(key)-8:])
}
