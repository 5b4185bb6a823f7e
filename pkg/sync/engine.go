package sync

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/embermesh/embermesh/pkg/client"
	"github.com/embermesh/embermesh/pkg/graph"
	"github.com/embermesh/embermesh/pkg/internal/logutil"
	"github.com/embermesh/embermesh/pkg/netif"
	"github.com/embermesh/embermesh/pkg/observability/metrics"
	"github.com/embermesh/embermesh/pkg/observability/tracing"
	"github.com/embermesh/embermesh/pkg/storage"
)

// ActionBoost is the hello boost level set after a local action: the next
// hellos go out at the base interval shifted right by the boost, so fresh
// state spreads fast and the chatter decays back to idle pace on its own.
const ActionBoost = 7

// tickInterval drives the engine's internal timers.
const tickInterval = 50 * time.Millisecond

// Options configures an Engine.
type Options struct {
	// Net is the network interface the engine runs over. Required.
	Net netif.Interface
	// State is the graph client owning storage. Required.
	State *client.State
	// Logger for engine events; nil uses the default logger.
	Logger *log.Logger
	// HelloInterval is the idle announcement period. Default 1s.
	HelloInterval time.Duration
	// SyncInterval is how often the engine considers opening a session.
	// Default 500ms.
	SyncInterval time.Duration
	// StallTimeout abandons a session with no progress, committing
	// whatever arrived. Default 8s.
	StallTimeout time.Duration
	// MaxPeers bounds the syncable set; the oldest entry is evicted
	// first. Default 8.
	MaxPeers int
	// SampleSize bounds the ancestry sample in requests. Default 16.
	SampleSize int
	// BatchBytes bounds one response batch. Default 4096.
	BatchBytes int
	// CacheLimit bounds the per-peer known-command cache. Default 256.
	CacheLimit int
	// Adopt makes the engine take on graphs it first hears about in a
	// hello, syncing them from scratch.
	Adopt bool
}

// Validate checks the options and fills in defaults.
func (o *Options) Validate() error {
	if o.Net == nil {
		return errors.New("sync: Net is required")
	}
	if o.State == nil {
		return errors.New("sync: State is required")
	}
	if o.HelloInterval <= 0 {
		o.HelloInterval = time.Second
	}
	if o.SyncInterval <= 0 {
		o.SyncInterval = 500 * time.Millisecond
	}
	if o.StallTimeout <= 0 {
		o.StallTimeout = 8 * time.Second
	}
	if o.MaxPeers <= 0 {
		o.MaxPeers = 8
	}
	if o.SampleSize <= 0 {
		o.SampleSize = 16
	}
	if o.SampleSize > maxSampleLen {
		o.SampleSize = maxSampleLen
	}
	if o.BatchBytes <= 0 {
		o.BatchBytes = 4096
	}
	return nil
}

type peerInfo struct {
	peerCount uint8
	lastHello time.Time
	// pending marks that the peer's last hello advertised a head we do
	// not hold, so a session should open soon.
	pending bool
	graph   graph.GraphID
}

type session struct {
	id      uuid.UUID
	peer    netif.Addr
	graphID graph.GraphID
	txn     *client.Transaction
	next    uint32
	added   int
	started time.Time
	last    time.Time
	finish  func()
}

// Engine is one device's sync loop over one network interface. Run drives
// everything on a single goroutine; Poke and Status are safe from others.
type Engine struct {
	opts  Options
	cache *PeerCache

	mu        sync.Mutex
	boost     uint32
	nextHello time.Time
	nextSync  time.Time
	peers     map[netif.Addr]*peerInfo
	order     []netif.Addr
	sessions  map[netif.Addr]*session
}

// New builds an engine.
func New(opts Options) (*Engine, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		opts:     opts,
		cache:    NewPeerCache(opts.CacheLimit),
		peers:    make(map[netif.Addr]*peerInfo),
		sessions: make(map[netif.Addr]*session),
	}, nil
}

// Poke boosts the hello rate, called after a local action so peers learn of
// the new head quickly.
func (e *Engine) Poke() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.boost < ActionBoost {
		e.boost = ActionBoost
	}
	e.nextHello = time.Time{}
}

func (e *Engine) bumpBoost(level uint32) {
	if e.boost < level {
		e.boost = level
	}
	e.nextHello = time.Time{}
}

// Status is a point-in-time snapshot for operators.
type Status struct {
	Peers    []netif.Addr `json:"peers"`
	Sessions int          `json:"sessions"`
	Boost    uint32       `json:"boost"`
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		Peers:    append([]netif.Addr(nil), e.order...),
		Sessions: len(e.sessions),
		Boost:    e.boost,
	}
}

// Run drives the engine until the context ends. Sessions still open at
// shutdown commit what they have.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	logutil.Infof(e.opts.Logger, "sync: engine running as %v", e.opts.Net.LocalAddr())
	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return ctx.Err()
		case m := <-e.opts.Net.Recv():
			e.handleMessage(ctx, m)
		case now := <-ticker.C:
			e.mu.Lock()
			e.tickHello(ctx, now)
			e.tickStalls(now)
			e.tickSync(ctx, now)
			e.mu.Unlock()
		}
	}
}

func (e *Engine) shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for peer, s := range e.sessions {
		e.closeSession(s, "shutdown")
		delete(e.sessions, peer)
	}
}

func (e *Engine) handleMessage(ctx context.Context, m netif.Message) {
	msg, err := Decode(m.Contents)
	if err != nil {
		logutil.Warnf(e.opts.Logger, "sync: drop message from %v: %v", m.Sender, err)
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	switch v := msg.(type) {
	case *Hello:
		e.handleHello(m.Sender, v)
	case *Request:
		e.handleRequest(ctx, m.Sender, v)
	case *Response:
		e.handleResponse(m.Sender, v)
	}
}

// tickHello broadcasts the device's heads when the (boost-shortened)
// interval has elapsed.
func (e *Engine) tickHello(ctx context.Context, now time.Time) {
	if now.Before(e.nextHello) {
		return
	}
	interval := e.opts.HelloInterval >> e.boost
	if interval < tickInterval {
		interval = tickInterval
	}
	e.nextHello = now.Add(interval)
	if e.boost > 0 {
		e.boost--
	}
	for _, gid := range e.opts.State.Graphs() {
		h := Hello{Graph: gid, PeerCount: uint8(min(len(e.order), 255))}
		if st, err := e.opts.State.Store(gid); err == nil {
			// An empty store is announced head-less, not skipped: a
			// fresh device still needs peers to find it.
			if addr, err := st.HeadAddress(); err == nil {
				h.HasHead = true
				h.Head = addr
			} else if !errors.Is(err, storage.ErrNoHead) {
				logutil.Errorf(e.opts.Logger, "sync: head of %s: %v", gid, err)
				continue
			}
		}
		if err := e.opts.Net.Send(ctx, netif.Message{Recipient: netif.Broadcast, Contents: EncodeHello(&h)}); err != nil {
			logutil.Warnf(e.opts.Logger, "sync: send hello: %v", err)
			return
		}
		metrics.HellosSent.Inc()
	}
}

func (e *Engine) handleHello(from netif.Addr, h *Hello) {
	metrics.HellosReceived.Inc()
	now := time.Now()
	info := e.peers[from]
	if info == nil {
		if len(e.order) >= e.opts.MaxPeers {
			oldest := e.order[0]
			e.order = e.order[1:]
			delete(e.peers, oldest)
			if s := e.sessions[oldest]; s != nil {
				e.closeSession(s, "peer evicted")
				delete(e.sessions, oldest)
			}
			logutil.Infof(e.opts.Logger, "sync: peer set full, evicted %v", oldest)
		}
		info = &peerInfo{}
		e.peers[from] = info
		e.order = append(e.order, from)
		metrics.SyncPeers.Set(float64(len(e.order)))
	}
	info.lastHello = now
	info.peerCount = h.PeerCount
	info.graph = h.Graph

	st, err := e.opts.State.Store(h.Graph)
	if err != nil {
		if !e.opts.Adopt {
			return
		}
		if err := e.opts.State.AdoptGraph(h.Graph); err != nil {
			logutil.Errorf(e.opts.Logger, "sync: adopt graph %s: %v", h.Graph, err)
			return
		}
		st, err = e.opts.State.Store(h.Graph)
		if err != nil {
			return
		}
	}
	if !h.HasHead {
		return
	}
	// The peer certainly holds its own head.
	e.cache.Add(from, h.Head)
	// Compare heads before touching the location index: the common case
	// on a quiet mesh is both sides already level.
	if local, err := st.HeadAddress(); err == nil && local == h.Head {
		info.pending = false
		return
	}
	if st.Contains(h.Head) {
		info.pending = false
		return
	}
	info.pending = true
}

// tickSync opens at most one new session per interval, and only with a peer
// whose last hello advertised a head we do not hold. Peers that are level
// stay quiet: hellos alone keep the pair in touch, so the narrow link is not
// spent on no-op request/response rounds.
func (e *Engine) tickSync(ctx context.Context, now time.Time) {
	if now.Before(e.nextSync) || len(e.order) == 0 {
		return
	}
	e.nextSync = now.Add(e.opts.SyncInterval)
	for _, p := range e.order {
		if e.peers[p].pending && e.sessions[p] == nil {
			e.startSession(ctx, p, e.peers[p].graph, now)
			return
		}
	}
}

func (e *Engine) startSession(ctx context.Context, peer netif.Addr, gid graph.GraphID, now time.Time) {
	st, err := e.opts.State.Store(gid)
	if err != nil {
		return
	}
	txn, err := e.opts.State.Transaction(gid)
	if err != nil {
		logutil.Errorf(e.opts.Logger, "sync: open transaction on %s: %v", gid, err)
		return
	}
	sample, err := st.AncestrySample(e.opts.SampleSize)
	if err != nil {
		logutil.Errorf(e.opts.Logger, "sync: sample %s: %v", gid, err)
		return
	}
	_, finish := tracing.StartSpan(ctx, "sync.session")
	s := &session{
		id:      uuid.New(),
		peer:    peer,
		graphID: gid,
		txn:     txn,
		started: now,
		last:    now,
		finish:  finish,
	}
	req := Request{Session: s.id, Graph: gid, Sample: sample, MaxBytes: uint32(e.opts.BatchBytes)}
	if err := e.opts.Net.Send(ctx, netif.Message{Recipient: peer, Contents: EncodeRequest(&req)}); err != nil {
		logutil.Warnf(e.opts.Logger, "sync: send request to %v: %v", peer, err)
		finish()
		return
	}
	e.sessions[peer] = s
	metrics.SyncSessions.Set(float64(len(e.sessions)))
}

// handleRequest streams every command the requester is missing, in
// causal order, in bounded batches. The responder keeps no session state;
// it answers and forgets.
func (e *Engine) handleRequest(ctx context.Context, from netif.Addr, r *Request) {
	st, err := e.opts.State.Store(r.Graph)
	if err != nil {
		return
	}
	known := e.knownClosure(st, from, r.Sample)
	maxBytes := int(r.MaxBytes)
	if maxBytes <= 0 || maxBytes > e.opts.BatchBytes {
		maxBytes = e.opts.BatchBytes
	}

	var (
		batch     []graph.CommandData
		batchSize int
		index     uint32
	)
	send := func(done bool) bool {
		resp := Response{Session: r.Session, Index: index, Done: done, Commands: batch}
		if err := e.opts.Net.Send(ctx, netif.Message{Recipient: from, Contents: EncodeResponse(&resp)}); err != nil {
			logutil.Warnf(e.opts.Logger, "sync: send response to %v: %v", from, err)
			return false
		}
		metrics.CommandsSynced.WithLabelValues("sent").Add(float64(len(batch)))
		index++
		batch = nil
		batchSize = 0
		return true
	}
	err = st.EachCommand(func(_ graph.Location, c *graph.CommandData) error {
		if known[c.ID] {
			return nil
		}
		n := len(graph.EncodeCommand(c))
		if batchSize > 0 && batchSize+n > maxBytes {
			if !send(false) {
				return errAbort
			}
		}
		batch = append(batch, *c)
		batchSize += n
		return nil
	})
	if err != nil {
		return
	}
	send(true)
	// Only the sample is evidence of what the peer holds. Streamed
	// commands are never cached here: any response can be lost on the
	// link, and an entry for an undelivered command would make every
	// later session subtract it, leaving the peer unable to catch up.
	// Delivered commands show up in the peer's next sample instead.
	e.cache.Add(from, r.Sample...)
}

var errAbort = errors.New("sync: abort stream")

// knownClosure marks every command reachable from the requester's sample
// and its cached entries: all of it is already on the peer, so none of it
// is sent.
func (e *Engine) knownClosure(st *storage.Store, peer netif.Addr, sample []graph.Address) map[graph.CommandID]bool {
	known := make(map[graph.CommandID]bool)
	var queue []graph.Location
	seed := func(addrs []graph.Address) {
		for _, a := range addrs {
			if known[a.ID] {
				continue
			}
			if loc, ok := st.LocationOf(a.ID); ok {
				known[a.ID] = true
				queue = append(queue, loc)
			}
		}
	}
	seed(sample)
	seed(e.cache.Known(peer))
	for len(queue) > 0 {
		loc := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		c, err := st.Command(loc)
		if err != nil {
			continue
		}
		for _, p := range c.Parents {
			if known[p.ID] {
				continue
			}
			known[p.ID] = true
			if ploc, ok := st.LocationOf(p.ID); ok {
				queue = append(queue, ploc)
			}
		}
	}
	return known
}

func (e *Engine) handleResponse(from netif.Addr, r *Response) {
	s := e.sessions[from]
	if s == nil {
		return
	}
	if r.Session != s.id {
		metrics.SyncSessionMismatch.Inc()
		logutil.Warnf(e.opts.Logger, "sync: stale session %s from %v, expected %s", r.Session, from, s.id)
		return
	}
	if r.Index != s.next {
		// Out of order; the stall timer recovers if the gap persists.
		return
	}
	s.next++
	s.last = time.Now()

	added, err := s.txn.AddCommands(r.Commands)
	if err != nil {
		logutil.Warnf(e.opts.Logger, "sync: session with %v failed: %v", from, err)
		e.closeSession(s, "bad batch")
		delete(e.sessions, from)
		metrics.SyncSessions.Set(float64(len(e.sessions)))
		return
	}
	s.added += added
	metrics.CommandsSynced.WithLabelValues("received").Add(float64(added))
	// The peer holds everything it sent.
	for i := range r.Commands {
		e.cache.Add(from, r.Commands[i].Address())
	}
	if !r.Done {
		return
	}
	if err := s.txn.Commit(); err != nil {
		logutil.Errorf(e.opts.Logger, "sync: commit session with %v: %v", from, err)
	} else if s.added > 0 {
		logutil.Infof(e.opts.Logger, "sync: caught up %d commands from %v in %v", s.added, from, time.Since(s.started))
		e.bumpBoost(3)
	}
	if info := e.peers[from]; info != nil {
		info.pending = false
	}
	s.finish()
	delete(e.sessions, from)
	metrics.SyncSessions.Set(float64(len(e.sessions)))
}

// tickStalls abandons sessions that stopped making progress, keeping the
// valid prefix that already arrived.
func (e *Engine) tickStalls(now time.Time) {
	for peer, s := range e.sessions {
		if now.Sub(s.last) <= e.opts.StallTimeout {
			continue
		}
		metrics.SyncStalls.Inc()
		logutil.Warnf(e.opts.Logger, "sync: session with %v stalled after %d commands", peer, s.added)
		e.closeSession(s, "stall")
		delete(e.sessions, peer)
		metrics.SyncSessions.Set(float64(len(e.sessions)))
	}
}

// closeSession commits whatever the session staged and releases it.
func (e *Engine) closeSession(s *session, reason string) {
	if s.txn.Staged() > 0 {
		if err := s.txn.Commit(); err != nil {
			logutil.Errorf(e.opts.Logger, "sync: partial commit (%s) for %v: %v", reason, s.peer, err)
		}
	}
	s.finish()
}
