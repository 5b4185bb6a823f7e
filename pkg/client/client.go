// Package client is the transactional entry point to the command graph. All
// writes go through it: locally originated actions and batches of commands
// received from peers. It owns the rule that effects reach the application
// only after the commands causing them are durably committed.
package client

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/embermesh/embermesh/pkg/graph"
	"github.com/embermesh/embermesh/pkg/internal/logutil"
	"github.com/embermesh/embermesh/pkg/observability/metrics"
	"github.com/embermesh/embermesh/pkg/storage"
)

var (
	// ErrBadCommand indicates a command whose id or depth does not match
	// its content.
	ErrBadCommand = errors.New("client: malformed command")
	// ErrMissingParent indicates a command arrived before its parents.
	ErrMissingParent = errors.New("client: parent not present")
	// ErrPolicyRejected indicates the policy refused a command or action.
	ErrPolicyRejected = errors.New("client: rejected by policy")
	// ErrUnknownGraph indicates the graph is not open on this client.
	ErrUnknownGraph = errors.New("client: unknown graph")
)

// Effect is one application-visible consequence of a command, produced by
// the policy and delivered through the Sink.
type Effect struct {
	Name    string
	Data    []byte
	Command graph.CommandID
}

// Policy decides what commands are allowed and what they mean. It is pure
// with respect to storage: the client hands it everything it needs.
type Policy interface {
	// ID names the policy in segment records.
	ID() uint32
	// CallAction turns a locally originated action into a command body
	// and the effects it implies.
	CallAction(action []byte, head graph.Address) (body []byte, effects []Effect, err error)
	// CallRule validates the body of a command received from a peer and
	// returns its effects.
	CallRule(body []byte, cmd *graph.CommandData) ([]Effect, error)
	// Merge produces the body for a merge command joining two branch
	// tips.
	Merge(left, right graph.Address) ([]byte, error)
}

// Envelope seals command bodies for the wire and opens them on receipt.
type Envelope interface {
	Seal(body []byte) ([]byte, error)
	Open(payload []byte) ([]byte, error)
}

// Sink receives effects transactionally: everything between Begin and
// Commit belongs to one durable head advance. The client only opens a batch
// after the advance is already on the medium, so it never calls Rollback
// itself; the method is reserved for sinks whose Consume can fail internally
// and for future callers that stream effects before durability.
type Sink interface {
	Begin()
	Consume(e Effect)
	Rollback()
	Commit()
}

// NullEnvelope passes bodies through unchanged. It provides no
// authentication or confidentiality and is a stand-in until a real crypto
// envelope is wired.
type NullEnvelope struct{}

func (NullEnvelope) Seal(body []byte) ([]byte, error)    { return body, nil }
func (NullEnvelope) Open(payload []byte) ([]byte, error) { return payload, nil }

// Options configures a State.
type Options struct {
	Provider storage.Provider
	Policy   Policy
	Envelope Envelope
	Sink     Sink
	Logger   *log.Logger
}

// Validate checks that every collaborator is present.
func (o *Options) Validate() error {
	if o.Provider == nil {
		return errors.New("client: Provider is required")
	}
	if o.Policy == nil {
		return errors.New("client: Policy is required")
	}
	if o.Envelope == nil {
		return errors.New("client: Envelope is required")
	}
	if o.Sink == nil {
		return errors.New("client: Sink is required")
	}
	return nil
}

// State is the client. One State serves any number of graphs; writes to a
// single graph are serialized by the state lock.
type State struct {
	mu     sync.Mutex
	opts   Options
	graphs map[graph.GraphID]*storage.Store
}

// New builds a State.
func New(opts Options) (*State, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &State{opts: opts, graphs: make(map[graph.GraphID]*storage.Store)}, nil
}

// Store returns the open store for a graph, used by the sync layer for
// reads.
func (s *State) Store(id graph.GraphID) (*storage.Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.graphs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGraph, id)
	}
	return st, nil
}

// Graphs lists the graphs currently open.
func (s *State) Graphs() []graph.GraphID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]graph.GraphID, 0, len(s.graphs))
	for id := range s.graphs {
		out = append(out, id)
	}
	return out
}

// OpenGraph loads an existing graph from the provider.
func (s *State) OpenGraph(id graph.GraphID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.graphs[id]; ok {
		return nil
	}
	st, err := s.opts.Provider.Open(id)
	if err != nil {
		return err
	}
	s.graphs[id] = st
	return nil
}

// AdoptGraph prepares storage for a graph first heard about from a peer.
// The graph's commands, including its init command, arrive later through a
// transaction.
func (s *State) AdoptGraph(id graph.GraphID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.graphs[id]; ok {
		return nil
	}
	st, err := s.opts.Provider.Open(id)
	if errors.Is(err, storage.ErrNoGraph) {
		st, err = s.opts.Provider.Create(id)
	}
	if err != nil {
		return err
	}
	s.graphs[id] = st
	logutil.Infof(s.opts.Logger, "client: adopted graph %s", id)
	return nil
}

// NewGraph creates a graph. The graph id is the content hash of the
// graph-creating command, so it is known before anything touches storage.
// The init payload typically carries a nonce so distinct graphs with the
// same policy get distinct ids.
func (s *State) NewGraph(policyData, initPayload []byte) (graph.GraphID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sealed, err := s.opts.Envelope.Seal(initPayload)
	if err != nil {
		return graph.GraphID{}, fmt.Errorf("client: seal init payload: %w", err)
	}
	root := graph.CommandData{
		Priority: graph.PriorityInit,
		Policy:   policyData,
		Payload:  sealed,
	}
	root.ID = graph.ComputeID(root.Priority, nil, root.Policy, root.Payload)
	id := graph.GraphID(root.ID)

	st, err := s.opts.Provider.Create(id)
	if err != nil {
		return graph.GraphID{}, err
	}
	if _, err := st.WriteSegment(nil, s.opts.Policy.ID(), []graph.CommandData{root}); err != nil {
		return graph.GraphID{}, err
	}
	if err := st.CommitHead(graph.NewLocation(0, 0)); err != nil {
		return graph.GraphID{}, err
	}
	metrics.SegmentsWritten.Inc()
	metrics.HeadCommits.Inc()
	s.graphs[id] = st
	logutil.Infof(s.opts.Logger, "client: created graph %s", id)
	return id, nil
}

// Action originates a command locally: policy validation, sealing, append,
// durable commit, then effects. The head moves by exactly one command.
func (s *State) Action(id graph.GraphID, action []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.graphs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownGraph, id)
	}
	head, err := st.HeadAddress()
	if err != nil {
		return err
	}
	headLoc, err := st.Head()
	if err != nil {
		return err
	}
	body, effects, err := s.opts.Policy.CallAction(action, head)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPolicyRejected, err)
	}
	sealed, err := s.opts.Envelope.Seal(body)
	if err != nil {
		return fmt.Errorf("client: seal action: %w", err)
	}
	cmd := graph.CommandData{
		Priority: graph.PriorityBasic,
		Parents:  []graph.Address{head},
		Payload:  sealed,
		MaxCut:   head.MaxCut + 1,
	}
	cmd.ID = graph.ComputeID(cmd.Priority, cmd.Parents, nil, cmd.Payload)

	seg, err := st.WriteSegment([]graph.Location{headLoc}, s.opts.Policy.ID(), []graph.CommandData{cmd})
	if err != nil {
		return err
	}
	if err := st.CommitHead(graph.NewLocation(uint32(seg.Offset), 0)); err != nil {
		return err
	}
	metrics.SegmentsWritten.Inc()
	metrics.HeadCommits.Inc()
	metrics.ActionsApplied.Inc()
	s.flushEffects(cmd.ID, effects)
	return nil
}

// flushEffects runs the sink lifecycle for effects of an already-durable
// head advance.
func (s *State) flushEffects(id graph.CommandID, effects []Effect) {
	if len(effects) == 0 {
		return
	}
	s.opts.Sink.Begin()
	for _, e := range effects {
		if e.Command.IsZero() {
			e.Command = id
		}
		s.opts.Sink.Consume(e)
		metrics.EffectsEmitted.Inc()
	}
	s.opts.Sink.Commit()
}
