// Package storage maintains the command graph on top of the linear append
// engine: segment construction and indexing, location resolution, ancestry
// queries and head management. One Store owns one graph.
package storage

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sync"

	"github.com/embermesh/embermesh/pkg/graph"
	"github.com/embermesh/embermesh/pkg/internal/logutil"
	"github.com/embermesh/embermesh/pkg/observability/metrics"
	"github.com/embermesh/embermesh/pkg/storage/linear"
)

var (
	// ErrNotFound indicates the command or segment is not in this store.
	ErrNotFound = errors.New("storage: not found")
	// ErrNoHead re-exports the engine's no-commit-yet condition.
	ErrNoHead = linear.ErrNoHead
	// ErrNoGraph re-exports the engine's empty-medium condition.
	ErrNoGraph = linear.ErrNoGraph
	// ErrEmptySegment indicates a segment write with no commands.
	ErrEmptySegment = errors.New("storage: segment must hold at least one command")
)

// Store is the graph-level view of one graph's storage. The location and
// segment indexes live in RAM and are rebuilt by scanning the data region at
// open; the medium stays the single source of truth.
type Store struct {
	mu     sync.RWMutex
	w      linear.Writer
	r      linear.Reader
	logger *log.Logger
	id     graph.GraphID

	locs  map[graph.CommandID]graph.Location
	segs  map[uint32]*graph.Segment
	order []uint32 // segment offsets in append order
}

func newStore(id graph.GraphID, w linear.Writer, logger *log.Logger) (*Store, error) {
	s := &Store{
		w:      w,
		r:      w.Readonly(),
		logger: logger,
		id:     id,
		locs:   make(map[graph.CommandID]graph.Location),
		segs:   make(map[uint32]*graph.Segment),
	}
	if err := s.scan(); err != nil {
		return nil, err
	}
	metrics.StoredBytes.Set(float64(s.w.Stored()))
	return s, nil
}

// scan rebuilds the RAM indexes from the data region. Records below the
// durable byte count are complete by the engine's append contract, so the
// walk is a straight sweep.
func (s *Store) scan() error {
	stored := s.w.Stored()
	var off uint64
	for off < stored {
		payload, err := s.r.Fetch(off)
		if err != nil {
			return fmt.Errorf("storage: scan at %d: %w", off, err)
		}
		seg, err := graph.DecodeSegment(payload)
		if err != nil {
			return fmt.Errorf("storage: scan at %d: %w", off, err)
		}
		if seg.Offset != off {
			return fmt.Errorf("storage: segment at %d claims offset %d", off, seg.Offset)
		}
		s.index(seg)
		off += linear.RecordOverhead + uint64(len(payload))
	}
	if len(s.order) > 0 {
		logutil.Infof(s.logger, "graph %s: indexed %d segments, %d commands", s.id, len(s.order), len(s.locs))
	}
	return nil
}

// index must be called with s.mu held (or before the store is shared).
func (s *Store) index(seg *graph.Segment) {
	segOff := uint32(seg.Offset)
	s.segs[segOff] = seg
	s.order = append(s.order, segOff)
	for i := range seg.Commands {
		s.locs[seg.Commands[i].ID] = graph.NewLocation(segOff, uint32(i))
	}
}

// GraphID returns the graph this store holds.
func (s *Store) GraphID() graph.GraphID { return s.id }

// Head returns the committed head location.
func (s *Store) Head() (graph.Location, error) { return s.w.Head() }

// HeadAddress resolves the committed head to its logical address.
func (s *Store) HeadAddress() (graph.Address, error) {
	loc, err := s.w.Head()
	if err != nil {
		return graph.Address{}, err
	}
	c, err := s.Command(loc)
	if err != nil {
		return graph.Address{}, err
	}
	return c.Address(), nil
}

// WriteSegment appends a new segment holding cmds, an unbroken causal chain.
// The store assigns the offset, derives the segment max-cut and builds the
// skip list; the segment is durable when WriteSegment returns. The head is
// not moved.
func (s *Store) WriteSegment(prior []graph.Location, policyID uint32, cmds []graph.CommandData) (*graph.Segment, error) {
	if len(cmds) == 0 {
		return nil, ErrEmptySegment
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	seg := &graph.Segment{
		Prior:    prior,
		PolicyID: policyID,
		Commands: cmds,
		MaxCut:   cmds[len(cmds)-1].MaxCut,
	}
	skip, err := s.buildSkip(prior)
	if err != nil {
		return nil, err
	}
	seg.Skip = skip
	if _, err := s.w.Append(func(offset uint64) ([]byte, error) {
		if offset > math.MaxUint32 {
			return nil, fmt.Errorf("storage: segment offset %d exceeds addressable range", offset)
		}
		seg.Offset = offset
		return graph.EncodeSegment(seg), nil
	}); err != nil {
		return nil, err
	}
	s.index(seg)
	metrics.StoredBytes.Set(float64(s.w.Stored()))
	return seg, nil
}

// buildSkip derives the sparse backward index for a segment whose first
// command descends from prior. Entry k points 2^k segments back along the
// first-prior chain, reusing the pointed-at segments' own skip lists.
func (s *Store) buildSkip(prior []graph.Location) ([]graph.SkipEntry, error) {
	if len(prior) == 0 {
		return nil, nil
	}
	pseg, ok := s.segs[prior[0].Segment]
	if !ok {
		return nil, fmt.Errorf("%w: prior segment at %d", ErrNotFound, prior[0].Segment)
	}
	pcmd, err := pseg.CommandAt(prior[0])
	if err != nil {
		return nil, err
	}
	skip := []graph.SkipEntry{{Loc: prior[0], MaxCut: pcmd.MaxCut}}
	for k := 1; k <= len(pseg.Skip); k++ {
		at, ok := s.segs[skip[k-1].Loc.Segment]
		if !ok || len(at.Skip) < k {
			break
		}
		skip = append(skip, at.Skip[k-1])
	}
	return skip, nil
}

// CommitHead durably moves the head to loc, which must resolve to a stored
// command.
func (s *Store) CommitHead(loc graph.Location) error {
	if _, err := s.Command(loc); err != nil {
		return err
	}
	return s.w.Commit(loc)
}

// Segment returns the segment at the given data offset.
func (s *Store) Segment(offset uint32) (*graph.Segment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seg, ok := s.segs[offset]
	if !ok {
		return nil, fmt.Errorf("%w: segment at %d", ErrNotFound, offset)
	}
	return seg, nil
}

// Command resolves a physical location to its command.
func (s *Store) Command(loc graph.Location) (*graph.CommandData, error) {
	seg, err := s.Segment(loc.Segment)
	if err != nil {
		return nil, err
	}
	return seg.CommandAt(loc)
}

// LocationOf reports where a command is stored, if it is.
func (s *Store) LocationOf(id graph.CommandID) (graph.Location, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	loc, ok := s.locs[id]
	return loc, ok
}

// Contains reports whether the address names a command held by this store.
func (s *Store) Contains(addr graph.Address) bool {
	loc, ok := s.LocationOf(addr.ID)
	if !ok {
		return false
	}
	c, err := s.Command(loc)
	return err == nil && c.MaxCut == addr.MaxCut
}

// CommandCount returns the number of stored commands.
func (s *Store) CommandCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.locs)
}

// IsAncestor reports whether anc is a causal ancestor of (or equal to) the
// command at from. The walk descends prior links with max-cut pruning: a
// branch whose depths have all fallen below anc's cannot contain it.
func (s *Store) IsAncestor(anc graph.Address, from graph.Location) (bool, error) {
	// visited records the deepest entry command seen per segment; a
	// shallower re-entry covers a subset and is skipped.
	visited := make(map[uint32]uint32)
	queue := []graph.Location{from}
	for len(queue) > 0 {
		loc := queue[0]
		queue = queue[1:]
		if v, ok := visited[loc.Segment]; ok && loc.Command <= v {
			continue
		}
		visited[loc.Segment] = loc.Command
		seg, err := s.Segment(loc.Segment)
		if err != nil {
			return false, err
		}
		entry, err := seg.CommandAt(loc)
		if err != nil {
			return false, err
		}
		if anc.MaxCut > entry.MaxCut {
			continue
		}
		// Within a segment depths ascend by one per command, so the
		// candidate index is arithmetic.
		first := seg.Commands[0].MaxCut
		if anc.MaxCut >= first {
			i := anc.MaxCut - first
			if i <= loc.Command && seg.Commands[i].ID == anc.ID {
				return true, nil
			}
			continue
		}
		queue = append(queue, seg.Prior...)
	}
	return false, nil
}

// EachCommand walks every stored command in append order, which is a
// topological order: the engine only appends segments whose priors are
// already stored.
func (s *Store) EachCommand(fn func(loc graph.Location, c *graph.CommandData) error) error {
	s.mu.RLock()
	order := append([]uint32(nil), s.order...)
	s.mu.RUnlock()
	for _, off := range order {
		seg, err := s.Segment(off)
		if err != nil {
			return err
		}
		for i := range seg.Commands {
			if err := fn(graph.NewLocation(off, uint32(i)), &seg.Commands[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

// AncestrySample collects up to max addresses describing the local graph
// state for a sync request: the head, then progressively sparser ancestors
// reached through segment skip lists. Peers use it to bound what they send;
// it is a hint, not an exact frontier.
func (s *Store) AncestrySample(max int) ([]graph.Address, error) {
	loc, err := s.w.Head()
	if err != nil {
		if errors.Is(err, linear.ErrNoHead) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]graph.Address, 0, max)
	step := 0
	for len(out) < max {
		seg, err := s.Segment(loc.Segment)
		if err != nil {
			return nil, err
		}
		c, err := seg.CommandAt(loc)
		if err != nil {
			return nil, err
		}
		out = append(out, c.Address())
		if len(seg.Skip) == 0 {
			break
		}
		// Widen the stride as the walk gets deeper.
		k := step
		if k >= len(seg.Skip) {
			k = len(seg.Skip) - 1
		}
		loc = seg.Skip[k].Loc
		step++
	}
	return out, nil
}
