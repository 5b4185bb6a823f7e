// Package udp implements a PacketLink over UDP, mapping the radio model onto
// an IP network. In broadcast mode frames go to the subnet broadcast address
// and every device on the segment hears every frame; in unicast mode frames
// fan out to a discovered peer endpoint list, for networks where broadcast
// does not carry.
package udp

import (
	"fmt"
	"net"

	"github.com/embermesh/embermesh/pkg/discovery"
	"github.com/embermesh/embermesh/pkg/netif"
)

// maxFrame comfortably covers the largest wire frame.
const maxFrame = 2048

// Link is a UDP PacketLink.
type Link struct {
	conn  net.PacketConn
	peer  *net.UDPAddr
	disc  discovery.Discovery
	local string
}

var _ netif.PacketLink = (*Link)(nil)

// New opens a broadcast link listening on listenAddr (e.g. ":7421") and
// sending to sendAddr (e.g. "255.255.255.255:7421").
func New(listenAddr, sendAddr string) (*Link, error) {
	peer, err := net.ResolveUDPAddr("udp4", sendAddr)
	if err != nil {
		return nil, fmt.Errorf("udp: resolve %s: %w", sendAddr, err)
	}
	conn, err := net.ListenPacket("udp4", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("udp: listen %s: %w", listenAddr, err)
	}
	return &Link{conn: conn, peer: peer, local: conn.LocalAddr().String()}, nil
}

// NewUnicast opens a link that sends every frame to each endpoint the
// discovery currently reports. The peer set is re-queried per send, so
// file or DNS backed discovery picks up membership changes without a
// restart.
func NewUnicast(listenAddr string, disc discovery.Discovery) (*Link, error) {
	conn, err := net.ListenPacket("udp4", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("udp: listen %s: %w", listenAddr, err)
	}
	return &Link{conn: conn, disc: disc, local: conn.LocalAddr().String()}, nil
}

// Addr returns the bound socket address.
func (l *Link) Addr() string { return l.local }

func (l *Link) Send(frame []byte) error {
	if l.disc == nil {
		if _, err := l.conn.WriteTo(frame, l.peer); err != nil {
			return fmt.Errorf("udp: send: %w", err)
		}
		return nil
	}
	var firstErr error
	for _, ep := range l.disc.Peers() {
		dst, err := net.ResolveUDPAddr("udp4", ep)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("udp: resolve %s: %w", ep, err)
			}
			continue
		}
		if _, err := l.conn.WriteTo(frame, dst); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("udp: send to %s: %w", ep, err)
		}
	}
	return firstErr
}

func (l *Link) Recv() ([]byte, error) {
	buf := make([]byte, maxFrame)
	n, _, err := l.conn.ReadFrom(buf)
	if err != nil {
		return nil, fmt.Errorf("udp: receive: %w", err)
	}
	return buf[:n], nil
}

func (l *Link) Close() error { return l.conn.Close() }
