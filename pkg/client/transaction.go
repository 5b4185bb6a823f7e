package client

import (
	"errors"
	"fmt"

	"github.com/embermesh/embermesh/pkg/graph"
	"github.com/embermesh/embermesh/pkg/internal/logutil"
	"github.com/embermesh/embermesh/pkg/observability/metrics"
	"github.com/embermesh/embermesh/pkg/storage"
)

// Transaction stages commands received from a peer. Nothing touches storage
// until Commit; a transaction abandoned without Commit costs nothing.
// Commit may be called repeatedly on one transaction: a sync session that
// stalls commits what it has and keeps going if the peer resumes.
type Transaction struct {
	st        *State
	id        graph.GraphID
	store     *storage.Store
	staged    []graph.CommandData
	stagedIdx map[graph.CommandID]int
	effects   []Effect
}

// Transaction opens a transaction on a graph.
func (s *State) Transaction(id graph.GraphID) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.graphs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGraph, id)
	}
	return &Transaction{
		st:        s,
		id:        id,
		store:     st,
		stagedIdx: make(map[graph.CommandID]int),
	}, nil
}

// Staged reports how many commands await commit.
func (t *Transaction) Staged() int {
	t.st.mu.Lock()
	defer t.st.mu.Unlock()
	return len(t.staged)
}

// AddCommands validates and stages a batch, in order. Commands already
// stored or already staged are skipped, which makes redelivery by an
// unreliable network harmless. It returns how many commands were newly
// staged; on error the valid prefix stays staged and remains committable.
func (t *Transaction) AddCommands(cmds []graph.CommandData) (int, error) {
	t.st.mu.Lock()
	defer t.st.mu.Unlock()
	added := 0
	for i := range cmds {
		c := cmds[i]
		if _, ok := t.store.LocationOf(c.ID); ok {
			continue
		}
		if _, ok := t.stagedIdx[c.ID]; ok {
			continue
		}
		if err := t.validate(&c); err != nil {
			return added, err
		}
		if c.Priority != graph.PriorityMerge {
			body, err := t.st.opts.Envelope.Open(c.Payload)
			if err != nil {
				return added, fmt.Errorf("%w: open payload of %s: %v", ErrBadCommand, c.ID, err)
			}
			effects, err := t.st.opts.Policy.CallRule(body, &c)
			if err != nil {
				return added, fmt.Errorf("%w: command %s: %v", ErrPolicyRejected, c.ID, err)
			}
			for _, e := range effects {
				e.Command = c.ID
				t.effects = append(t.effects, e)
			}
		}
		t.stagedIdx[c.ID] = len(t.staged)
		t.staged = append(t.staged, c)
		added++
	}
	return added, nil
}

// validate checks a command's structure against its parents. Callers hold
// the state lock.
func (t *Transaction) validate(c *graph.CommandData) error {
	switch c.Priority {
	case graph.PriorityInit:
		if len(c.Parents) != 0 {
			return fmt.Errorf("%w: init command with parents", ErrBadCommand)
		}
		if graph.GraphID(c.ID) != t.id {
			return fmt.Errorf("%w: init command for foreign graph", ErrBadCommand)
		}
	case graph.PriorityBasic:
		if len(c.Parents) != 1 {
			return fmt.Errorf("%w: basic command with %d parents", ErrBadCommand, len(c.Parents))
		}
	case graph.PriorityMerge:
		if len(c.Parents) != 2 {
			return fmt.Errorf("%w: merge command with %d parents", ErrBadCommand, len(c.Parents))
		}
	default:
		return fmt.Errorf("%w: priority %d", ErrBadCommand, c.Priority)
	}
	if graph.ComputeID(c.Priority, c.Parents, c.Policy, c.Payload) != c.ID {
		return fmt.Errorf("%w: id does not match content", ErrBadCommand)
	}
	var want uint32
	for _, p := range c.Parents {
		pm, ok := t.parentMaxCut(p.ID)
		if !ok {
			return fmt.Errorf("%w: parent %s of %s", ErrMissingParent, p.ID, c.ID)
		}
		if p.MaxCut != pm {
			return fmt.Errorf("%w: parent %s advertised at depth %d, stored at %d", ErrBadCommand, p.ID, p.MaxCut, pm)
		}
		if pm+1 > want {
			want = pm + 1
		}
	}
	if c.MaxCut != want {
		return fmt.Errorf("%w: depth %d, want %d", ErrBadCommand, c.MaxCut, want)
	}
	return nil
}

func (t *Transaction) parentMaxCut(id graph.CommandID) (uint32, bool) {
	if loc, ok := t.store.LocationOf(id); ok {
		c, err := t.store.Command(loc)
		if err != nil {
			return 0, false
		}
		return c.MaxCut, true
	}
	if i, ok := t.stagedIdx[id]; ok {
		return t.staged[i].MaxCut, true
	}
	return 0, false
}

// Commit makes the staged commands durable, advances the head (creating a
// merge command when the staged tip and the current head have diverged) and
// only then releases the staged effects to the sink. A failure before the
// head moves reaches the application as an error and a sink rollback, never
// as effects.
func (t *Transaction) Commit() error {
	t.st.mu.Lock()
	defer t.st.mu.Unlock()
	if len(t.staged) == 0 {
		return nil
	}
	var tipLoc graph.Location
	for _, run := range t.runs() {
		// A run already stored by an earlier, partially failed commit
		// is not written twice.
		if loc, ok := t.store.LocationOf(run[len(run)-1].ID); ok {
			tipLoc = loc
			continue
		}
		prior, err := t.priorLocations(&run[0])
		if err != nil {
			return err
		}
		seg, err := t.store.WriteSegment(prior, t.st.opts.Policy.ID(), run)
		if err != nil {
			return err
		}
		metrics.SegmentsWritten.Inc()
		tipLoc = graph.NewLocation(uint32(seg.Offset), uint32(len(run)-1))
	}
	tip := t.staged[len(t.staged)-1].Address()

	headLoc, err := t.store.Head()
	switch {
	case errors.Is(err, storage.ErrNoHead):
		// First commit on this graph; the staged chain starts at the
		// init command.
		err = t.store.CommitHead(tipLoc)
	case err == nil:
		err = t.advanceHead(headLoc, tip, tipLoc)
	}
	if err != nil {
		// Staged commands and effects stay put; the next Commit picks
		// them up without rewriting segments already on the medium.
		return err
	}
	metrics.HeadCommits.Inc()

	effects := t.effects
	t.staged = nil
	t.stagedIdx = make(map[graph.CommandID]int)
	t.effects = nil
	t.flush(effects)
	return nil
}

// advanceHead moves the head to the staged tip, inserting a merge command
// when the old head is not among the tip's ancestors.
func (t *Transaction) advanceHead(headLoc graph.Location, tip graph.Address, tipLoc graph.Location) error {
	head, err := t.store.HeadAddress()
	if err != nil {
		return err
	}
	if head.ID == tip.ID {
		return nil
	}
	onChain, err := t.store.IsAncestor(head, tipLoc)
	if err != nil {
		return err
	}
	if onChain {
		return t.store.CommitHead(tipLoc)
	}
	// Branches diverged: join them so the graph has a single head again.
	body, err := t.st.opts.Policy.Merge(head, tip)
	if err != nil {
		return fmt.Errorf("%w: merge: %v", ErrPolicyRejected, err)
	}
	sealed, err := t.st.opts.Envelope.Seal(body)
	if err != nil {
		return fmt.Errorf("client: seal merge: %w", err)
	}
	mc := head.MaxCut
	if tip.MaxCut > mc {
		mc = tip.MaxCut
	}
	merge := graph.CommandData{
		Priority: graph.PriorityMerge,
		Parents:  []graph.Address{head, tip},
		Payload:  sealed,
		MaxCut:   mc + 1,
	}
	merge.ID = graph.ComputeID(merge.Priority, merge.Parents, nil, merge.Payload)
	seg, err := t.store.WriteSegment([]graph.Location{headLoc, tipLoc}, t.st.opts.Policy.ID(), []graph.CommandData{merge})
	if err != nil {
		return err
	}
	metrics.SegmentsWritten.Inc()
	logutil.Infof(t.st.opts.Logger, "client: merged %s and %s on graph %s", head.ID, tip.ID, t.id)
	return t.store.CommitHead(graph.NewLocation(uint32(seg.Offset), 0))
}

// runs partitions the staged commands into unbroken chains, each becoming
// one segment. A merge, an init, or any command whose parent is not the
// previously staged command starts a new run.
func (t *Transaction) runs() [][]graph.CommandData {
	var runs [][]graph.CommandData
	for _, c := range t.staged {
		if len(runs) > 0 && c.Priority == graph.PriorityBasic {
			last := runs[len(runs)-1]
			prev := last[len(last)-1]
			if c.Parents[0].ID == prev.ID {
				runs[len(runs)-1] = append(last, c)
				continue
			}
		}
		runs = append(runs, []graph.CommandData{c})
	}
	return runs
}

// priorLocations resolves the parents of a run's first command; earlier runs
// of the same commit are already stored by the time this is called.
func (t *Transaction) priorLocations(c *graph.CommandData) ([]graph.Location, error) {
	var prior []graph.Location
	for _, p := range c.Parents {
		loc, ok := t.store.LocationOf(p.ID)
		if !ok {
			return nil, fmt.Errorf("%w: prior %s of %s", ErrMissingParent, p.ID, c.ID)
		}
		prior = append(prior, loc)
	}
	return prior, nil
}

// flush releases effects after a durable head advance. Callers hold the
// state lock.
func (t *Transaction) flush(effects []Effect) {
	if len(effects) == 0 {
		return
	}
	t.st.opts.Sink.Begin()
	for _, e := range effects {
		t.st.opts.Sink.Consume(e)
		metrics.EffectsEmitted.Inc()
	}
	t.st.opts.Sink.Commit()
}
