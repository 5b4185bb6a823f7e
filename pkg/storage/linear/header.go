package linear

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/embermesh/embermesh/pkg/graph"
)

// Metadata records. The flash backend keeps a single header rewritten in
// place; the file backend keeps two alternating root records distinguished by
// a generation counter and guarded by a checksum. Both share the optional
// graph-id/head/stored-bytes core.

const (
	metaHasGraph byte = 1 << 0
	metaHasHead  byte = 1 << 1

	// maxFlashHeaderSize: magic + epoch + flags + graph id + head + stored.
	maxFlashHeaderSize = 4 + 4 + 1 + 32 + 8 + 8
	// maxRootSize: magic + generation + flags + graph id + head + stored +
	// checksum.
	maxRootSize = 4 + 8 + 1 + 32 + 8 + 8 + 8
)

// errNoHeader / errNoRoot distinguish "never written" from "written and
// damaged"; only the latter escalates to ErrCorrupt.
var (
	errNoHeader = errors.New("linear: no header present")
	errNoRoot   = errors.New("linear: no root present")
	errBadRoot  = errors.New("linear: invalid root record")
)

type storageMeta struct {
	GraphID *graph.GraphID
	Head    *graph.Location
	Stored  uint64
}

type flashHeader struct {
	Epoch uint32
	storageMeta
}

type rootRecord struct {
	Generation uint64
	storageMeta
}

func (m *storageMeta) flags() byte {
	var f byte
	if m.GraphID != nil {
		f |= metaHasGraph
	}
	if m.Head != nil {
		f |= metaHasHead
	}
	return f
}

func appendMeta(b []byte, m *storageMeta) []byte {
	b = append(b, m.flags())
	if m.GraphID != nil {
		b = append(b, m.GraphID[:]...)
	}
	if m.Head != nil {
		b = binary.BigEndian.AppendUint32(b, m.Head.Segment)
		b = binary.BigEndian.AppendUint32(b, m.Head.Command)
	}
	return binary.BigEndian.AppendUint64(b, m.Stored)
}

// parseMeta decodes the flags-guarded core and returns the number of bytes
// consumed.
func parseMeta(b []byte, m *storageMeta) (int, error) {
	if len(b) < 1 {
		return 0, errBadRoot
	}
	flags := b[0]
	n := 1
	if flags&^(metaHasGraph|metaHasHead) != 0 {
		return 0, errBadRoot
	}
	if flags&metaHasGraph != 0 {
		if len(b) < n+32 {
			return 0, errBadRoot
		}
		var id graph.GraphID
		copy(id[:], b[n:])
		m.GraphID = &id
		n += 32
	}
	if flags&metaHasHead != 0 {
		if len(b) < n+8 {
			return 0, errBadRoot
		}
		m.Head = &graph.Location{
			Segment: binary.BigEndian.Uint32(b[n:]),
			Command: binary.BigEndian.Uint32(b[n+4:]),
		}
		n += 8
	}
	if len(b) < n+8 {
		return 0, errBadRoot
	}
	m.Stored = binary.BigEndian.Uint64(b[n:])
	return n + 8, nil
}

func encodeFlashHeader(h *flashHeader) []byte {
	b := make([]byte, 0, maxFlashHeaderSize)
	b = append(b, headerMagic[:]...)
	b = binary.BigEndian.AppendUint32(b, h.Epoch)
	return appendMeta(b, &h.storageMeta)
}

func decodeFlashHeader(b []byte) (flashHeader, error) {
	var h flashHeader
	if len(b) < 8 || !bytes.Equal(b[:4], headerMagic[:]) {
		return h, errNoHeader
	}
	h.Epoch = binary.BigEndian.Uint32(b[4:])
	if _, err := parseMeta(b[8:], &h.storageMeta); err != nil {
		return h, fmt.Errorf("%w: header core: %v", ErrCorrupt, err)
	}
	return h, nil
}

// readFlashHeader loads and validates the single header at region offset 0.
func readFlashHeader(region BlockRegion) (flashHeader, error) {
	buf := make([]byte, maxFlashHeaderSize)
	if _, err := region.ReadAt(buf, 0); err != nil {
		return flashHeader{}, fmt.Errorf("linear: read header: %w", err)
	}
	return decodeFlashHeader(buf)
}

// writeFlashHeader writes the header, flushes, reads it back and compares
// byte for byte. Worn flash cells fail here rather than corrupting metadata
// silently.
func writeFlashHeader(region BlockRegion, h *flashHeader) error {
	enc := encodeFlashHeader(h)
	if _, err := region.WriteAt(enc, 0); err != nil {
		return fmt.Errorf("linear: write header: %w", err)
	}
	if err := region.Flush(); err != nil {
		return fmt.Errorf("linear: flush header: %w", err)
	}
	check := make([]byte, len(enc))
	if _, err := region.ReadAt(check, 0); err != nil {
		return fmt.Errorf("linear: verify header: %w", err)
	}
	if !bytes.Equal(enc, check) {
		return ErrWriteVerify
	}
	return nil
}

// encodeRoot serializes a root record; the trailing checksum covers every
// preceding byte including the magic.
func encodeRoot(r *rootRecord) []byte {
	b := make([]byte, 0, maxRootSize)
	b = append(b, headerMagic[:]...)
	b = binary.BigEndian.AppendUint64(b, r.Generation)
	b = appendMeta(b, &r.storageMeta)
	return binary.BigEndian.AppendUint64(b, xxhash.Sum64(b))
}

func decodeRoot(b []byte) (rootRecord, error) {
	var r rootRecord
	if len(b) < 12 || !bytes.Equal(b[:4], headerMagic[:]) {
		return r, errNoRoot
	}
	r.Generation = binary.BigEndian.Uint64(b[4:])
	n, err := parseMeta(b[12:], &r.storageMeta)
	if err != nil {
		return r, err
	}
	end := 12 + n
	if len(b) < end+8 {
		return r, errBadRoot
	}
	sum := binary.BigEndian.Uint64(b[end:])
	if sum != xxhash.Sum64(b[:end]) {
		return r, errBadRoot
	}
	return r, nil
}

func readRoot(region BlockRegion, off int64) (rootRecord, error) {
	buf := make([]byte, maxRootSize)
	if _, err := region.ReadAt(buf, off); err != nil {
		return rootRecord{}, fmt.Errorf("linear: read root at %d: %w", off, err)
	}
	return decodeRoot(buf)
}

func writeRoot(region BlockRegion, off int64, r *rootRecord) error {
	if _, err := region.WriteAt(encodeRoot(r), off); err != nil {
		return fmt.Errorf("linear: write root at %d: %w", off, err)
	}
	if err := region.Flush(); err != nil {
		return fmt.Errorf("linear: flush root at %d: %w", off, err)
	}
	return nil
}
