package graph

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Binary codec for commands and segments. All integers are big-endian and
// variable-length fields are u32 length-prefixed. Optional fields are guarded
// by a flags byte so absent fields cost one bit, not a length prefix.

var (
	// ErrTruncated indicates the input ended before the encoded value did.
	ErrTruncated = errors.New("graph: truncated encoding")
	// ErrBadEncoding indicates a structurally invalid encoding.
	ErrBadEncoding = errors.New("graph: bad encoding")
)

// Flag bits for the optional fields of CommandData.
const (
	cmdHasPolicy byte = 1 << 0
)

// Hard caps keeping a malicious or corrupt encoding from driving huge
// allocations on a small device.
const (
	maxFieldLen    = 1 << 20
	maxSegCommands = 1 << 12
	maxSkipEntries = 64
)

func putUint32(b []byte, v uint32) { binary.BigEndian.PutUint32(b, v) }

// encBuf is a minimal append-only encoder.
type encBuf struct{ b []byte }

func (e *encBuf) u8(v uint8)   { e.b = append(e.b, v) }
func (e *encBuf) u32(v uint32) { e.b = binary.BigEndian.AppendUint32(e.b, v) }
func (e *encBuf) u64(v uint64) { e.b = binary.BigEndian.AppendUint64(e.b, v) }
func (e *encBuf) raw(p []byte) { e.b = append(e.b, p...) }
func (e *encBuf) blob(p []byte) {
	e.u32(uint32(len(p)))
	e.raw(p)
}

// decBuf is the matching bounds-checked decoder.
type decBuf struct {
	b   []byte
	off int
}

func (d *decBuf) remaining() int { return len(d.b) - d.off }

func (d *decBuf) u8() (uint8, error) {
	if d.remaining() < 1 {
		return 0, ErrTruncated
	}
	v := d.b[d.off]
	d.off++
	return v, nil
}

func (d *decBuf) u32() (uint32, error) {
	if d.remaining() < 4 {
		return 0, ErrTruncated
	}
	v := binary.BigEndian.Uint32(d.b[d.off:])
	d.off += 4
	return v, nil
}

func (d *decBuf) u64() (uint64, error) {
	if d.remaining() < 8 {
		return 0, ErrTruncated
	}
	v := binary.BigEndian.Uint64(d.b[d.off:])
	d.off += 8
	return v, nil
}

func (d *decBuf) raw(n int) ([]byte, error) {
	if n < 0 || d.remaining() < n {
		return nil, ErrTruncated
	}
	v := d.b[d.off : d.off+n : d.off+n]
	d.off += n
	return v, nil
}

func (d *decBuf) blob() ([]byte, error) {
	n, err := d.u32()
	if err != nil {
		return nil, err
	}
	if n > maxFieldLen {
		return nil, fmt.Errorf("%w: field of %d bytes", ErrBadEncoding, n)
	}
	if n == 0 {
		return nil, nil
	}
	p, err := d.raw(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, p)
	return out, nil
}

func (e *encBuf) address(a Address) {
	e.raw(a.ID[:])
	e.u32(a.MaxCut)
}

func (d *decBuf) address() (Address, error) {
	var a Address
	p, err := d.raw(len(a.ID))
	if err != nil {
		return a, err
	}
	copy(a.ID[:], p)
	a.MaxCut, err = d.u32()
	return a, err
}

func (e *encBuf) location(l Location) {
	e.u32(l.Segment)
	e.u32(l.Command)
}

func (d *decBuf) location() (Location, error) {
	var l Location
	var err error
	if l.Segment, err = d.u32(); err != nil {
		return l, err
	}
	l.Command, err = d.u32()
	return l, err
}

func (e *encBuf) command(c *CommandData) {
	var flags byte
	if len(c.Policy) > 0 {
		flags |= cmdHasPolicy
	}
	e.raw(c.ID[:])
	e.u8(byte(c.Priority))
	e.u8(flags)
	e.u8(uint8(len(c.Parents)))
	for _, p := range c.Parents {
		e.address(p)
	}
	if flags&cmdHasPolicy != 0 {
		e.blob(c.Policy)
	}
	e.blob(c.Payload)
	e.u32(c.MaxCut)
}

func (d *decBuf) command() (CommandData, error) {
	var c CommandData
	p, err := d.raw(len(c.ID))
	if err != nil {
		return c, err
	}
	copy(c.ID[:], p)
	prio, err := d.u8()
	if err != nil {
		return c, err
	}
	if prio > uint8(PriorityMerge) {
		return c, fmt.Errorf("%w: priority %d", ErrBadEncoding, prio)
	}
	c.Priority = Priority(prio)
	flags, err := d.u8()
	if err != nil {
		return c, err
	}
	nparents, err := d.u8()
	if err != nil {
		return c, err
	}
	if nparents > 2 {
		return c, fmt.Errorf("%w: %d parents", ErrBadEncoding, nparents)
	}
	for i := 0; i < int(nparents); i++ {
		a, err := d.address()
		if err != nil {
			return c, err
		}
		c.Parents = append(c.Parents, a)
	}
	if flags&cmdHasPolicy != 0 {
		if c.Policy, err = d.blob(); err != nil {
			return c, err
		}
	}
	if c.Payload, err = d.blob(); err != nil {
		return c, err
	}
	c.MaxCut, err = d.u32()
	return c, err
}

// EncodeCommand serializes a single command.
func EncodeCommand(c *CommandData) []byte {
	var e encBuf
	e.command(c)
	return e.b
}

// DecodeCommand deserializes a single command, requiring the input to be
// fully consumed.
func DecodeCommand(b []byte) (CommandData, error) {
	d := decBuf{b: b}
	c, err := d.command()
	if err != nil {
		return c, err
	}
	if d.remaining() != 0 {
		return c, fmt.Errorf("%w: %d trailing bytes", ErrBadEncoding, d.remaining())
	}
	return c, nil
}

// EncodeCommands serializes a batch of commands with a count prefix.
func EncodeCommands(cmds []CommandData) []byte {
	var e encBuf
	e.u32(uint32(len(cmds)))
	for i := range cmds {
		e.command(&cmds[i])
	}
	return e.b
}

// DecodeCommands is the inverse of EncodeCommands.
func DecodeCommands(b []byte) ([]CommandData, error) {
	d := decBuf{b: b}
	n, err := d.u32()
	if err != nil {
		return nil, err
	}
	if n > maxSegCommands {
		return nil, fmt.Errorf("%w: %d commands", ErrBadEncoding, n)
	}
	cmds := make([]CommandData, 0, n)
	for i := uint32(0); i < n; i++ {
		c, err := d.command()
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, c)
	}
	if d.remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrBadEncoding, d.remaining())
	}
	return cmds, nil
}

// EncodeSegment serializes a segment for the storage layer.
func EncodeSegment(s *Segment) []byte {
	var e encBuf
	e.u64(s.Offset)
	e.u8(uint8(len(s.Prior)))
	for _, l := range s.Prior {
		e.location(l)
	}
	e.u32(s.PolicyID)
	e.u64(s.Facts)
	e.u32(uint32(len(s.Commands)))
	for i := range s.Commands {
		e.command(&s.Commands[i])
	}
	e.u32(s.MaxCut)
	e.u8(uint8(len(s.Skip)))
	for _, sk := range s.Skip {
		e.location(sk.Loc)
		e.u32(sk.MaxCut)
	}
	return e.b
}

// DecodeSegment is the inverse of EncodeSegment.
func DecodeSegment(b []byte) (*Segment, error) {
	d := decBuf{b: b}
	s := &Segment{}
	var err error
	if s.Offset, err = d.u64(); err != nil {
		return nil, err
	}
	nprior, err := d.u8()
	if err != nil {
		return nil, err
	}
	if nprior > 2 {
		return nil, fmt.Errorf("%w: %d priors", ErrBadEncoding, nprior)
	}
	for i := 0; i < int(nprior); i++ {
		l, err := d.location()
		if err != nil {
			return nil, err
		}
		s.Prior = append(s.Prior, l)
	}
	if s.PolicyID, err = d.u32(); err != nil {
		return nil, err
	}
	if s.Facts, err = d.u64(); err != nil {
		return nil, err
	}
	ncmds, err := d.u32()
	if err != nil {
		return nil, err
	}
	if ncmds == 0 || ncmds > maxSegCommands {
		return nil, fmt.Errorf("%w: %d commands in segment", ErrBadEncoding, ncmds)
	}
	s.Commands = make([]CommandData, 0, ncmds)
	for i := uint32(0); i < ncmds; i++ {
		c, err := d.command()
		if err != nil {
			return nil, err
		}
		s.Commands = append(s.Commands, c)
	}
	if s.MaxCut, err = d.u32(); err != nil {
		return nil, err
	}
	nskip, err := d.u8()
	if err != nil {
		return nil, err
	}
	if nskip > maxSkipEntries {
		return nil, fmt.Errorf("%w: %d skip entries", ErrBadEncoding, nskip)
	}
	for i := 0; i < int(nskip); i++ {
		var sk SkipEntry
		if sk.Loc, err = d.location(); err != nil {
			return nil, err
		}
		if sk.MaxCut, err = d.u32(); err != nil {
			return nil, err
		}
		s.Skip = append(s.Skip, sk)
	}
	if d.remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrBadEncoding, d.remaining())
	}
	return s, nil
}
