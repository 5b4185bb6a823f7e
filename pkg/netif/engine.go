package netif

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/embermesh/embermesh/pkg/internal/logutil"
	"github.com/embermesh/embermesh/pkg/observability/metrics"
	"github.com/embermesh/embermesh/pkg/wire"
)

// Options configures an Engine.
type Options struct {
	// Local is this device's address. Required; must not be Broadcast.
	Local Addr
	// Logger for engine events; nil uses the default logger.
	Logger *log.Logger
	// SendQueue and RecvQueue bound the message queues. Zero selects the
	// defaults.
	SendQueue int
	RecvQueue int
	// SendRetries is how often a failed frame send is retried before the
	// frame is given up. Zero selects the default.
	SendRetries int
	// DisablePacing skips the inter-frame jitter delay. Only simulations
	// and tests should set it; on a shared radio channel unpaced senders
	// collide.
	DisablePacing bool
}

// Validate checks the options and fills in defaults.
func (o *Options) Validate() error {
	if o.Local == Broadcast {
		return errors.New("netif: local address must not be the broadcast address")
	}
	if o.SendQueue <= 0 {
		o.SendQueue = 16
	}
	if o.RecvQueue <= 0 {
		o.RecvQueue = 64
	}
	if o.SendRetries <= 0 {
		o.SendRetries = 3
	}
	return nil
}

// Engine implements Interface on top of a PacketLink. One goroutine drains
// the send queue and paces frames onto the link; another reassembles inbound
// frames into messages. Both run for the engine's lifetime.
type Engine struct {
	link   PacketLink
	opts   Options
	sendCh chan Message
	recvCh chan Message
	closed chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewEngine starts an engine over the link.
func NewEngine(link PacketLink, opts Options) (*Engine, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		link:   link,
		opts:   opts,
		sendCh: make(chan Message, opts.SendQueue),
		recvCh: make(chan Message, opts.RecvQueue),
		closed: make(chan struct{}),
	}
	e.wg.Add(2)
	go e.sendLoop()
	go e.recvLoop()
	return e, nil
}

func (e *Engine) LocalAddr() Addr { return e.opts.Local }

func (e *Engine) Send(ctx context.Context, m Message) error {
	m.Sender = e.opts.Local
	select {
	case <-e.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case e.sendCh <- m:
		return nil
	}
}

func (e *Engine) Recv() <-chan Message { return e.recvCh }

// Close shuts the engine down. In-flight frames may be lost; the layers
// above treat that like any other loss.
func (e *Engine) Close() error {
	var err error
	e.once.Do(func() {
		close(e.closed)
		err = e.link.Close()
	})
	return err
}

func (e *Engine) sendLoop() {
	defer e.wg.Done()
	var seq uint8
	for {
		select {
		case <-e.closed:
			return
		case m := <-e.sendCh:
			e.transmit(m, seq)
			seq++
		}
	}
}

// transmit fragments one message and paces its frames onto the link. A frame
// that keeps failing is dropped rather than blocking the queue; the parity
// budget or a later retransmission covers it.
func (e *Engine) transmit(m Message, seq uint8) {
	packets, err := wire.Fragment(m.Contents, uint16(m.Sender), uint16(m.Recipient), seq)
	if err != nil {
		logutil.Errorf(e.opts.Logger, "netif: fragment %d-byte message: %v", len(m.Contents), err)
		return
	}
	for i := range packets {
		frame := packets[i].Encode()
		if !e.opts.DisablePacing {
			e.sleep(wire.JitterFor(packets[i].CRC()))
		}
		sent := false
		for attempt := 0; attempt <= e.opts.SendRetries; attempt++ {
			if attempt > 0 {
				metrics.SendRetries.Inc()
				e.sleep(wire.RetryDelay)
			}
			if err := e.link.Send(frame); err == nil {
				sent = true
				break
			}
			select {
			case <-e.closed:
				return
			default:
			}
		}
		if !sent {
			logutil.Warnf(e.opts.Logger, "netif: frame %d/%d to %d dropped after %d attempts",
				i+1, len(packets), m.Recipient, e.opts.SendRetries+1)
			continue
		}
		metrics.FramesSent.Inc()
	}
}

func (e *Engine) sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-e.closed:
	case <-t.C:
	}
}

func (e *Engine) recvLoop() {
	defer e.wg.Done()
	asm := make(map[uint16]*wire.Reconstructor)
	for {
		frame, err := e.link.Recv()
		if err != nil {
			select {
			case <-e.closed:
			default:
				logutil.Errorf(e.opts.Logger, "netif: link receive: %v", err)
			}
			return
		}
		metrics.FramesReceived.Inc()
		p, err := wire.Decode(frame)
		if err != nil {
			metrics.FramesDiscarded.WithLabelValues(discardReason(err)).Inc()
			continue
		}
		if r := Addr(p.Recipient); r != Broadcast && r != e.opts.Local {
			metrics.FramesDiscarded.WithLabelValues("recipient").Inc()
			continue
		}
		if Addr(p.Sender) == e.opts.Local {
			// Own broadcast reflected by the medium.
			continue
		}
		rec := asm[p.Sender]
		if rec == nil {
			rec = &wire.Reconstructor{}
			asm[p.Sender] = rec
		}
		msg, err := rec.Add(p)
		if err != nil {
			metrics.FramesDiscarded.WithLabelValues("shard").Inc()
			continue
		}
		if msg == nil {
			continue
		}
		out := Message{Sender: Addr(p.Sender), Recipient: Addr(p.Recipient), Contents: msg}
		select {
		case e.recvCh <- out:
		default:
			metrics.MessagesDropped.WithLabelValues("recv").Inc()
			logutil.Warnf(e.opts.Logger, "netif: inbound queue full, dropping %d-byte message from %d",
				len(msg), p.Sender)
		}
	}
}

func discardReason(err error) string {
	switch {
	case errors.Is(err, wire.ErrBadMagic):
		return "magic"
	case errors.Is(err, wire.ErrBadChecksum):
		return "crc"
	case errors.Is(err, wire.ErrBadLength):
		return "length"
	default:
		return "other"
	}
}

// String implements fmt.Stringer for log lines.
func (a Addr) String() string {
	if a == Broadcast {
		return "broadcast"
	}
	return fmt.Sprintf("%d", uint16(a))
}
