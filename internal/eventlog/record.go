package eventlog

import (
	"encoding/binary"
	"hash/crc32"
)

// Record encoding: varint headerLen | header | payload | crc32c(header|payload)
//
// The header is fixed at 16 bytes: parentSeq be8 | createdAt ms be8. The
// payload is the opaque encoded event body.

const recordHeaderLen = 16

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// EncodeRecord serializes the parent pointer, the server-assigned creation
// time, and the opaque payload into a checksummed value.
func EncodeRecord(parentSeq uint64, createdAtMs int64, payload []byte) []byte {
	var header [recordHeaderLen]byte
	binary.BigEndian.PutUint64(header[0:8], parentSeq)
	binary.BigEndian.PutUint64(header[8:16], uint64(createdAtMs))

	out := make([]byte, 0, 10+recordHeaderLen+len(payload)+4)
	var tmp [10]byte
	n := binary.PutUvarint(tmp[:], recordHeaderLen)
	out = append(out, tmp[:n]...)
	out = append(out, header[:]...)
	out = append(out, payload...)

	crc := crc32.Update(0, castagnoli, header[:])
	crc = crc32.Update(crc, castagnoli, payload)
	var crcb [4]byte
	binary.BigEndian.PutUint32(crcb[:], crc)
	out = append(out, crcb[:]...)
	return out
}

// Decoded is the result of DecodeRecord.
type Decoded struct {
	ParentSeq   uint64
	CreatedAtMs int64
	Payload     []byte
}

// DecodeRecord parses and checksums a stored value. Returns false when the
// value is truncated or corrupt.
func DecodeRecord(b []byte) (Decoded, bool) {
	if len(b) < 1+recordHeaderLen+4 {
		return Decoded{}, false
	}
	hlen, n := binary.Uvarint(b)
	if n <= 0 || hlen != recordHeaderLen {
		return Decoded{}, false
	}
	if n+int(hlen)+4 > len(b) {
		return Decoded{}, false
	}
	header := b[n : n+int(hlen)]
	payload := b[n+int(hlen) : len(b)-4]
	expect := binary.BigEndian.Uint32(b[len(b)-4:])
	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	if crc != expect {
		return Decoded{}, false
	}
	return Decoded{
		ParentSeq:   binary.BigEndian.Uint64(header[0:8]),
		CreatedAtMs: int64(binary.BigEndian.Uint64(header[8:16])),
		Payload:     append([]byte(nil), payload...),
	}, true
}
