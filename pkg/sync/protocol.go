// Package sync keeps devices' command graphs converging over a lossy
// broadcast network. Devices gossip their heads in periodic hello
// announcements; a device that hears of commands it lacks opens a session
// with that peer, who streams the missing commands in causally ordered
// batches.
package sync

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/embermesh/embermesh/pkg/graph"
)

// Message kinds on the wire; first byte of every sync message.
const (
	kindHello byte = iota
	kindRequest
	kindResponse
)

// ErrBadMessage indicates a sync message that does not parse. Receivers
// drop it.
var ErrBadMessage = errors.New("sync: malformed message")

// maxSampleLen bounds the ancestry sample a request may carry.
const maxSampleLen = 32

// Hello is the periodic announcement: which graph a device holds and where
// its head is. A device that has adopted a graph but holds no commands yet
// announces with HasHead false.
type Hello struct {
	Graph     graph.GraphID
	HasHead   bool
	Head      graph.Address
	PeerCount uint8
}

// Request opens a sync session. Sample describes the requester's state:
// its head plus progressively sparser ancestors. The responder sends
// commands it holds that the sample (and its per-peer cache) does not cover.
type Request struct {
	Session  uuid.UUID
	Graph    graph.GraphID
	Sample   []graph.Address
	MaxBytes uint32
}

// Response is one batch of a session's command stream. Batches are indexed
// so the requester can enforce in-order delivery; the final batch carries
// Done.
type Response struct {
	Session  uuid.UUID
	Index    uint32
	Done     bool
	Commands []graph.CommandData
}

func appendAddress(b []byte, a graph.Address) []byte {
	b = append(b, a.ID[:]...)
	return binary.BigEndian.AppendUint32(b, a.MaxCut)
}

func parseAddress(b []byte) (graph.Address, []byte, error) {
	var a graph.Address
	if len(b) < 36 {
		return a, nil, ErrBadMessage
	}
	copy(a.ID[:], b)
	a.MaxCut = binary.BigEndian.Uint32(b[32:])
	return a, b[36:], nil
}

// EncodeHello serializes a hello announcement.
func EncodeHello(h *Hello) []byte {
	b := make([]byte, 0, 1+32+1+36+1)
	b = append(b, kindHello)
	b = append(b, h.Graph[:]...)
	if h.HasHead {
		b = append(b, 1)
		b = appendAddress(b, h.Head)
	} else {
		b = append(b, 0)
	}
	return append(b, h.PeerCount)
}

// EncodeRequest serializes a session request.
func EncodeRequest(r *Request) []byte {
	b := make([]byte, 0, 1+16+32+4+1+36*len(r.Sample))
	b = append(b, kindRequest)
	b = append(b, r.Session[:]...)
	b = append(b, r.Graph[:]...)
	b = binary.BigEndian.AppendUint32(b, r.MaxBytes)
	b = append(b, byte(len(r.Sample)))
	for _, a := range r.Sample {
		b = appendAddress(b, a)
	}
	return b
}

// EncodeResponse serializes one response batch.
func EncodeResponse(r *Response) []byte {
	cmds := graph.EncodeCommands(r.Commands)
	b := make([]byte, 0, 1+16+4+1+len(cmds))
	b = append(b, kindResponse)
	b = append(b, r.Session[:]...)
	b = binary.BigEndian.AppendUint32(b, r.Index)
	if r.Done {
		b = append(b, 1)
	} else {
		b = append(b, 0)
	}
	return append(b, cmds...)
}

// Decode parses a sync message into one of *Hello, *Request or *Response.
func Decode(b []byte) (any, error) {
	if len(b) < 1 {
		return nil, ErrBadMessage
	}
	kind, b := b[0], b[1:]
	switch kind {
	case kindHello:
		return decodeHello(b)
	case kindRequest:
		return decodeRequest(b)
	case kindResponse:
		return decodeResponse(b)
	default:
		return nil, fmt.Errorf("%w: kind %d", ErrBadMessage, kind)
	}
}

func decodeHello(b []byte) (*Hello, error) {
	var h Hello
	if len(b) < 33 {
		return nil, ErrBadMessage
	}
	copy(h.Graph[:], b)
	flag := b[32]
	b = b[33:]
	switch flag {
	case 0:
	case 1:
		var err error
		h.HasHead = true
		h.Head, b, err = parseAddress(b)
		if err != nil {
			return nil, err
		}
	default:
		return nil, ErrBadMessage
	}
	if len(b) != 1 {
		return nil, ErrBadMessage
	}
	h.PeerCount = b[0]
	return &h, nil
}

func decodeRequest(b []byte) (*Request, error) {
	var r Request
	if len(b) < 16+32+4+1 {
		return nil, ErrBadMessage
	}
	copy(r.Session[:], b)
	copy(r.Graph[:], b[16:])
	r.MaxBytes = binary.BigEndian.Uint32(b[48:])
	n := int(b[52])
	if n > maxSampleLen {
		return nil, fmt.Errorf("%w: sample of %d", ErrBadMessage, n)
	}
	b = b[53:]
	for i := 0; i < n; i++ {
		var (
			a   graph.Address
			err error
		)
		a, b, err = parseAddress(b)
		if err != nil {
			return nil, err
		}
		r.Sample = append(r.Sample, a)
	}
	if len(b) != 0 {
		return nil, ErrBadMessage
	}
	return &r, nil
}

func decodeResponse(b []byte) (*Response, error) {
	var r Response
	if len(b) < 16+4+1 {
		return nil, ErrBadMessage
	}
	copy(r.Session[:], b)
	r.Index = binary.BigEndian.Uint32(b[16:])
	switch b[20] {
	case 0:
	case 1:
		r.Done = true
	default:
		return nil, ErrBadMessage
	}
	cmds, err := graph.DecodeCommands(b[21:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	r.Commands = cmds
	return &r, nil
}
