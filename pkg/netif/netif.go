// Package netif abstracts the lossy broadcast network the sync layer runs
// over. A PacketLink moves raw frames; the Engine turns it into a message
// interface by fragmenting outbound messages into erasure-coded frames and
// reassembling inbound ones per sender.
package netif

import (
	"context"
	"errors"
)

// Addr identifies a device on the local mesh.
type Addr uint16

// Broadcast addresses every listening device.
const Broadcast Addr = 0

// Message is one application-level datagram. Delivery is best effort; the
// layers above tolerate loss and duplication.
type Message struct {
	Sender    Addr
	Recipient Addr
	Contents  []byte
}

// Interface is what the sync layer sees: send a message, receive messages,
// know your own address.
type Interface interface {
	LocalAddr() Addr
	// Send queues a message for transmission. It blocks only while the
	// outbound queue is full.
	Send(ctx context.Context, m Message) error
	// Recv returns the inbound message stream. The channel is never
	// closed; callers select against their own cancellation.
	Recv() <-chan Message
	Close() error
}

// PacketLink is the raw frame transport under an Engine: a radio, a UDP
// socket, or an in-process hub in tests.
type PacketLink interface {
	// Send transmits one frame, best effort.
	Send(frame []byte) error
	// Recv blocks for the next inbound frame and fails once the link is
	// closed.
	Recv() ([]byte, error)
	Close() error
}

// ErrClosed indicates use of a closed interface or link.
var ErrClosed = errors.New("netif: closed")
