// Package graph defines the data model of the causal command graph: commands,
// their addresses and priorities, physical storage locations and segments.
// It carries no I/O; storage and transport layers build on these types.
package graph

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// CommandID uniquely identifies a command. It is derived from the command's
// content, so two commands with the same id are the same command.
type CommandID [32]byte

// GraphID identifies a graph. It equals the CommandID of the graph-creating
// command.
type GraphID [32]byte

func (id CommandID) String() string { return hex.EncodeToString(id[:8]) }
func (id GraphID) String() string   { return hex.EncodeToString(id[:8]) }

// IsZero reports whether the id is the all-zero value.
func (id CommandID) IsZero() bool { return id == CommandID{} }

func (id GraphID) IsZero() bool { return id == GraphID{} }

// Priority is the ordering class of a command, used to break ties
// deterministically when ordering concurrent commands.
type Priority uint8

const (
	// PriorityInit marks the graph-creating command.
	PriorityInit Priority = iota
	// PriorityBasic marks ordinary commands.
	PriorityBasic
	// PriorityMerge marks commands that join two branches.
	PriorityMerge
)

func (p Priority) String() string {
	switch p {
	case PriorityInit:
		return "init"
	case PriorityBasic:
		return "basic"
	case PriorityMerge:
		return "merge"
	default:
		return fmt.Sprintf("priority(%d)", uint8(p))
	}
}

// Address is the logical address of a command: its id plus its max-cut, the
// command's topological depth bound. Max-cut lets peers compare causal
// progress without walking the whole graph.
type Address struct {
	ID     CommandID
	MaxCut uint32
}

func (a Address) String() string { return fmt.Sprintf("%s@%d", a.ID, a.MaxCut) }

// Location is a physical storage address, distinct from the logical Address.
// Segment is the byte offset of the segment record in the data region and
// Command the index of the command within that segment. Locations are
// assigned at append time and are stable for the lifetime of the storage.
type Location struct {
	Segment uint32
	Command uint32
}

func NewLocation(segment, command uint32) Location {
	return Location{Segment: segment, Command: command}
}

func (l Location) String() string { return fmt.Sprintf("%d:%d", l.Segment, l.Command) }

// Same reports whether two locations are identical.
func (l Location) Same(other Location) bool { return l == other }

// CommandData is the storage and wire form of one command. Commands are
// write-once: they are appended and later read, never mutated.
type CommandData struct {
	ID       CommandID
	Priority Priority
	// Parents holds the addresses of the command's causal parents:
	// none for the graph-creating command, one for a basic command,
	// two for a merge.
	Parents []Address
	// Policy carries the serialized policy. Only the graph-creating
	// command has it.
	Policy []byte
	// Payload is the sealed envelope produced by the crypto layer.
	Payload []byte
	MaxCut  uint32
}

// Address returns the command's logical address.
func (c *CommandData) Address() Address {
	return Address{ID: c.ID, MaxCut: c.MaxCut}
}

// ComputeID derives the content hash that identifies a command. MaxCut is
// excluded: it is derivable from the parents and carrying it into the hash
// would let a corrupted depth change the identity.
func ComputeID(priority Priority, parents []Address, policy, payload []byte) CommandID {
	h := sha256.New()
	h.Write([]byte{byte(priority), byte(len(parents))})
	for _, p := range parents {
		h.Write(p.ID[:])
	}
	var n [8]byte
	putUint32(n[:4], uint32(len(policy)))
	h.Write(n[:4])
	h.Write(policy)
	putUint32(n[:4], uint32(len(payload)))
	h.Write(n[:4])
	h.Write(payload)
	var id CommandID
	h.Sum(id[:0])
	return id
}

// SkipEntry is one sparse-index entry in a segment's skip list: a prior
// location together with its max-cut, enabling long backward jumps during
// ancestor walks.
type SkipEntry struct {
	Loc    Location
	MaxCut uint32
}

// Segment is the storage engine's unit of write: a batch of commands forming
// an unbroken causal chain (or a single merge point), written together.
type Segment struct {
	// Offset is the segment's own byte offset in the data region. It is
	// assigned by the storage engine at append time.
	Offset uint64
	// Prior holds the locations of the commands that the first command in
	// this segment descends from. Empty for the root segment, one entry
	// for a chain, two for a merge.
	Prior []Location
	// PolicyID names the policy governing the commands in this segment.
	PolicyID uint32
	// Facts is the offset of the associated fact index, zero when none
	// has been written.
	Facts uint64
	// Commands are the commands stored in this segment, in causal order.
	Commands []CommandData
	// MaxCut is the max-cut of the segment's last command.
	MaxCut uint32
	// Skip is the sparse backward index over prior segments.
	Skip []SkipEntry
}

// First returns the address of the segment's first command.
func (s *Segment) First() Address { return s.Commands[0].Address() }

// Last returns the address of the segment's final command.
func (s *Segment) Last() Address { return s.Commands[len(s.Commands)-1].Address() }

// Contains reports whether the location indexes a command inside this
// segment.
func (s *Segment) Contains(loc Location) bool {
	return uint64(loc.Segment) == s.Offset && int(loc.Command) < len(s.Commands)
}

// CommandAt returns the command at the location, which must point into this
// segment.
func (s *Segment) CommandAt(loc Location) (*CommandData, error) {
	if !s.Contains(loc) {
		return nil, fmt.Errorf("graph: location %v not in segment at %d", loc, s.Offset)
	}
	return &s.Commands[loc.Command], nil
}

// Equal reports deep equality of two commands. Used by tests and the
// duplicate-apply checks.
func (c *CommandData) Equal(other *CommandData) bool {
	if c.ID != other.ID || c.Priority != other.Priority || c.MaxCut != other.MaxCut {
		return false
	}
	if len(c.Parents) != len(other.Parents) {
		return false
	}
	for i := range c.Parents {
		if c.Parents[i] != other.Parents[i] {
			return false
		}
	}
	return bytes.Equal(c.Policy, other.Policy) && bytes.Equal(c.Payload, other.Payload)
}
