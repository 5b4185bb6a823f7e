package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// Erasure coding over frames. A message is split into 64-byte data shards
// plus ~20% parity; the receiver rebuilds the message from any combination
// of enough shards, so individual frame loss costs nothing until the loss
// rate exceeds the parity budget.

func shardCounts(msgLen int) (data, parity int) {
	data = (msgLen + ShardSize - 1) / ShardSize
	if data == 0 {
		data = 1
	}
	parity = data / 5
	if parity == 0 {
		parity = 1
	}
	return data, parity
}

// Fragment erasure-codes msg and wraps every shard in a frame addressed from
// sender to recipient under the given sequence number.
func Fragment(msg []byte, sender, recipient uint16, seq uint8) ([]Packet, error) {
	if len(msg) == 0 {
		return nil, fmt.Errorf("wire: empty message")
	}
	if len(msg) > MaxMessageLen {
		return nil, fmt.Errorf("wire: message of %d bytes exceeds %d", len(msg), MaxMessageLen)
	}
	data, parity := shardCounts(len(msg))
	enc, err := reedsolomon.New(data, parity)
	if err != nil {
		return nil, fmt.Errorf("wire: build encoder: %w", err)
	}
	shards := make([][]byte, data+parity)
	for i := range shards {
		shards[i] = make([]byte, ShardSize)
	}
	for i := 0; i < data; i++ {
		lo := i * ShardSize
		hi := lo + ShardSize
		if hi > len(msg) {
			hi = len(msg)
		}
		copy(shards[i], msg[lo:hi])
	}
	if err := enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("wire: encode shards: %w", err)
	}
	packets := make([]Packet, len(shards))
	for i, shard := range shards {
		chunk := make([]byte, chunkHeaderSize, MaxChunkLen)
		binary.BigEndian.PutUint16(chunk[0:], uint16(i))
		binary.BigEndian.PutUint16(chunk[2:], uint16(len(shards)))
		chunk = append(chunk, shard...)
		packets[i] = Packet{
			Recipient: recipient,
			Sender:    sender,
			Seq:       seq,
			TotalLen:  uint16(len(msg)),
			Chunk:     chunk,
		}
	}
	return packets, nil
}

// Reconstructor rebuilds one message at a time from a single sender's
// frames. A frame with a new (seq, total_len) pair abandons the message in
// progress; frames for a message already delivered are ignored.
type Reconstructor struct {
	started  bool
	done     bool
	seq      uint8
	totalLen uint16
	shards   [][]byte
	have     int
}

func (r *Reconstructor) reset(seq uint8, totalLen uint16, count int) {
	r.started = true
	r.done = false
	r.seq = seq
	r.totalLen = totalLen
	r.shards = make([][]byte, count)
	r.have = 0
}

// Add feeds one frame. It returns the completed message exactly once, nil
// while more shards are needed, and an ErrDiscard-wrapped error for frames
// that cannot belong to any message.
func (r *Reconstructor) Add(p Packet) ([]byte, error) {
	if len(p.Chunk) != MaxChunkLen || p.TotalLen == 0 {
		return nil, ErrBadLength
	}
	index := int(binary.BigEndian.Uint16(p.Chunk[0:]))
	count := int(binary.BigEndian.Uint16(p.Chunk[2:]))
	data, parity := shardCounts(int(p.TotalLen))
	if count != data+parity || index >= count {
		return nil, fmt.Errorf("%w: shard %d/%d for %d-byte message", ErrDiscard, index, count, p.TotalLen)
	}
	if !r.started || p.Seq != r.seq || p.TotalLen != r.totalLen {
		r.reset(p.Seq, p.TotalLen, count)
	}
	if r.done || r.shards[index] != nil {
		return nil, nil
	}
	r.shards[index] = append([]byte(nil), p.Chunk[chunkHeaderSize:]...)
	r.have++
	if r.have < data {
		return nil, nil
	}
	dec, err := reedsolomon.New(data, parity)
	if err != nil {
		return nil, fmt.Errorf("wire: build decoder: %w", err)
	}
	if err := dec.Reconstruct(r.shards); err != nil {
		return nil, fmt.Errorf("%w: reconstruct: %v", ErrDiscard, err)
	}
	msg := make([]byte, 0, int(r.totalLen))
	for i := 0; i < data; i++ {
		msg = append(msg, r.shards[i]...)
	}
	r.done = true
	return msg[:r.totalLen], nil
}
