// Package channel provides an in-process PacketLink backed by Go channels:
// a shared broadcast hub with configurable random frame loss. It stands in
// for the radio in tests and simulation runs.
package channel

import (
	"math/rand"
	"sync"

	"github.com/embermesh/embermesh/pkg/netif"
)

// Hub is the shared medium. Every frame sent on one attached link is offered
// to every other link, each delivery independently subject to the loss rate.
type Hub struct {
	mu    sync.Mutex
	rng   *rand.Rand
	loss  float64
	links map[*Link]struct{}
}

// NewHub creates a hub dropping each delivery with probability loss. The
// seed makes loss patterns reproducible across runs.
func NewHub(loss float64, seed int64) *Hub {
	return &Hub{
		rng:   rand.New(rand.NewSource(seed)),
		loss:  loss,
		links: make(map[*Link]struct{}),
	}
}

// Attach adds a new link to the medium.
func (h *Hub) Attach() *Link {
	l := &Link{hub: h, in: make(chan []byte, 1024), closed: make(chan struct{})}
	h.mu.Lock()
	h.links[l] = struct{}{}
	h.mu.Unlock()
	return l
}

func (h *Hub) broadcast(from *Link, frame []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for l := range h.links {
		if l == from {
			continue
		}
		if h.loss > 0 && h.rng.Float64() < h.loss {
			continue
		}
		cp := append([]byte(nil), frame...)
		select {
		case l.in <- cp:
		default:
			// Receiver hopelessly behind; the medium drops, like a
			// real one would.
		}
	}
}

func (h *Hub) detach(l *Link) {
	h.mu.Lock()
	delete(h.links, l)
	h.mu.Unlock()
}

// Link is one attachment to the hub.
type Link struct {
	hub    *Hub
	in     chan []byte
	once   sync.Once
	closed chan struct{}
}

var _ netif.PacketLink = (*Link)(nil)

func (l *Link) Send(frame []byte) error {
	select {
	case <-l.closed:
		return netif.ErrClosed
	default:
	}
	l.hub.broadcast(l, frame)
	return nil
}

func (l *Link) Recv() ([]byte, error) {
	select {
	case <-l.closed:
		return nil, netif.ErrClosed
	case frame := <-l.in:
		return frame, nil
	}
}

func (l *Link) Close() error {
	l.once.Do(func() {
		l.hub.detach(l)
		close(l.closed)
	})
	return nil
}
