package linear

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// maxRecordSize bounds a single segment record; anything larger is framing
// corruption, not data.
const maxRecordSize = 1 << 24

// frameRecord prefixes a payload with the segment magic and its size.
func frameRecord(payload []byte) []byte {
	b := make([]byte, 0, recordHeaderSize+len(payload))
	b = append(b, segmentMagic[:]...)
	b = binary.BigEndian.AppendUint32(b, uint32(len(payload)))
	return append(b, payload...)
}

// regionReader fetches framed records relative to a backend's data base. Both
// backends share it; only the base offset differs.
type regionReader struct {
	region BlockRegion
	base   int64
}

func (r *regionReader) Fetch(offset uint64) ([]byte, error) {
	pos := r.base + int64(offset)
	var hdr [recordHeaderSize]byte
	if pos < 0 || pos+recordHeaderSize > r.region.Size() {
		return nil, fmt.Errorf("%w: offset %d outside data region", ErrBadRecord, offset)
	}
	if _, err := r.region.ReadAt(hdr[:], pos); err != nil {
		return nil, fmt.Errorf("linear: read record header at %d: %w", offset, err)
	}
	if !bytes.Equal(hdr[:4], segmentMagic[:]) {
		return nil, fmt.Errorf("%w: bad magic at offset %d", ErrBadRecord, offset)
	}
	size := binary.BigEndian.Uint32(hdr[4:])
	if size == 0 || size > maxRecordSize || pos+recordHeaderSize+int64(size) > r.region.Size() {
		return nil, fmt.Errorf("%w: implausible size %d at offset %d", ErrBadRecord, size, offset)
	}
	payload := make([]byte, size)
	if _, err := r.region.ReadAt(payload, pos+recordHeaderSize); err != nil {
		return nil, fmt.Errorf("linear: read record payload at %d: %w", offset, err)
	}
	return payload, nil
}
