// Package wire implements the radio frame format: fixed-header packets
// carrying erasure-coded 64-byte chunks of a larger message, guarded by a
// CRC-16/XMODEM trailer. Anything that fails validation is silently
// discarded by receivers; lossy links make malformed frames an expected
// condition, not an event worth a log line each.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/sigurn/crc16"
)

// Magic opens every frame. Receivers drop anything not starting with it.
var Magic = [3]byte{0xF0, 0x0F, 0xF0}

const (
	// headerSize covers recipient, sender, seq, chunk_len and total_len.
	headerSize = 2 + 2 + 1 + 2 + 2
	crcSize    = 2
	// FrameOverhead is the fixed per-frame cost around the chunk bytes.
	FrameOverhead = len(Magic) + headerSize + crcSize

	// ShardSize is the erasure-code shard length carried per frame.
	ShardSize = 64
	// chunkHeaderSize prefixes each chunk with the shard index and the
	// total shard count.
	chunkHeaderSize = 4
	// MaxChunkLen bounds chunk_len to one shard plus its header.
	MaxChunkLen = chunkHeaderSize + ShardSize
	// MaxMessageLen is the largest message total_len can express.
	MaxMessageLen = 1<<16 - 1
)

// ErrDiscard is the root of every receive-side validation failure. Callers
// drop the frame and move on.
var ErrDiscard = errors.New("wire: frame discarded")

var (
	ErrBadMagic    = fmt.Errorf("%w: bad magic", ErrDiscard)
	ErrBadLength   = fmt.Errorf("%w: bad length", ErrDiscard)
	ErrBadChecksum = fmt.Errorf("%w: checksum mismatch", ErrDiscard)
)

var crcTable = crc16.MakeTable(crc16.CRC16_XMODEM)

// Packet is one decoded frame. Chunk includes the shard header.
type Packet struct {
	Recipient uint16
	Sender    uint16
	Seq       uint8
	TotalLen  uint16
	Chunk     []byte
}

// CRC computes the frame checksum over the encoded header and chunk, i.e.
// everything after the magic.
func (p *Packet) CRC() uint16 {
	return crc16.Checksum(p.encodeBody(), crcTable)
}

func (p *Packet) encodeBody() []byte {
	b := make([]byte, 0, headerSize+len(p.Chunk))
	b = binary.BigEndian.AppendUint16(b, p.Recipient)
	b = binary.BigEndian.AppendUint16(b, p.Sender)
	b = append(b, p.Seq)
	b = binary.BigEndian.AppendUint16(b, uint16(len(p.Chunk)))
	b = binary.BigEndian.AppendUint16(b, p.TotalLen)
	return append(b, p.Chunk...)
}

// Encode serializes the frame: magic, header, chunk, CRC.
func (p *Packet) Encode() []byte {
	body := p.encodeBody()
	out := make([]byte, 0, len(Magic)+len(body)+crcSize)
	out = append(out, Magic[:]...)
	out = append(out, body...)
	return binary.BigEndian.AppendUint16(out, crc16.Checksum(body, crcTable))
}

// Decode parses and validates one frame. All failures wrap ErrDiscard.
func Decode(b []byte) (Packet, error) {
	var p Packet
	if len(b) < FrameOverhead {
		return p, ErrBadLength
	}
	if b[0] != Magic[0] || b[1] != Magic[1] || b[2] != Magic[2] {
		return p, ErrBadMagic
	}
	body := b[len(Magic) : len(b)-crcSize]
	want := binary.BigEndian.Uint16(b[len(b)-crcSize:])
	if crc16.Checksum(body, crcTable) != want {
		return p, ErrBadChecksum
	}
	p.Recipient = binary.BigEndian.Uint16(body[0:])
	p.Sender = binary.BigEndian.Uint16(body[2:])
	p.Seq = body[4]
	chunkLen := binary.BigEndian.Uint16(body[5:])
	p.TotalLen = binary.BigEndian.Uint16(body[7:])
	if int(chunkLen) != len(body)-headerSize || chunkLen > MaxChunkLen {
		return p, ErrBadLength
	}
	p.Chunk = append([]byte(nil), body[headerSize:]...)
	return p, nil
}

// Send pacing constants. Broadcast frames from multiple devices collide
// unless staggered, so each frame's delay is derived from its own checksum:
// cheap, stateless and different per frame and per sender.
const (
	jitterMin    = 25 * time.Millisecond
	jitterSpread = 100
	// RetryDelay is the fixed pause after a failed radio send.
	RetryDelay = 50 * time.Millisecond
)

// JitterFor returns the pre-send delay for a frame with the given checksum.
func JitterFor(crc uint16) time.Duration {
	return jitterMin + time.Duration(crc%jitterSpread)*time.Millisecond
}
