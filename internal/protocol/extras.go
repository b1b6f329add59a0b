package protocol

import "encoding/binary"

// NoCreateExpiration is the INCR/DECR expiration sentinel meaning "do not
// create the key if it is missing" (spec.md §4.3).
const NoCreateExpiration uint32 = 0xFFFFFFFF

// StorageExtras builds the 8-byte extras field for Set/Add/Replace:
// 4 bytes of opaque flags, 4 bytes of expiration (seconds, or an
// absolute unix time for values > 30 days — server-side convention,
// passed through unmodified by this client).
func StorageExtras(flags, expiration uint32) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], flags)
	binary.BigEndian.PutUint32(buf[4:8], expiration)
	return buf
}

// ParseStorageExtras reads flags and expiration back out of an 8-byte
// storage extras field, as returned on GetQ/GetKQ hits.
func ParseStorageExtras(extras []byte) (flags, expiration uint32) {
	if len(extras) < 8 {
		return 0, 0
	}
	return binary.BigEndian.Uint32(extras[0:4]), binary.BigEndian.Uint32(extras[4:8])
}

// IncrDecrExtras builds the 20-byte extras field for Increment/Decrement:
// 8-byte delta, 8-byte initial value, 4-byte expiration (NoCreateExpiration
// to refuse creating a missing key).
func IncrDecrExtras(delta, initial uint64, expiration uint32) []byte {
	buf := make([]byte, 20)
	binary.BigEndian.PutUint64(buf[0:8], delta)
	binary.BigEndian.PutUint64(buf[8:16], initial)
	binary.BigEndian.PutUint32(buf[16:20], expiration)
	return buf
}

// TouchExtras builds the 4-byte extras field for Touch/GAT: expiration
// only.
func TouchExtras(expiration uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, expiration)
	return buf
}
