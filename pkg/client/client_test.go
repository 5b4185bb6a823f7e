package client

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/embermesh/embermesh/pkg/graph"
	"github.com/embermesh/embermesh/pkg/storage"
	"github.com/embermesh/embermesh/pkg/storage/linear"
)

// countPolicy accepts everything and emits one effect per command.
type countPolicy struct {
	rejectBody []byte
}

func (p *countPolicy) ID() uint32 { return 1 }

func (p *countPolicy) CallAction(action []byte, head graph.Address) ([]byte, []Effect, error) {
	if bytes.HasPrefix(action, []byte("bad")) {
		return nil, nil, errors.New("forbidden action")
	}
	return action, []Effect{{Name: "applied", Data: action}}, nil
}

func (p *countPolicy) CallRule(body []byte, cmd *graph.CommandData) ([]Effect, error) {
	if p.rejectBody != nil && bytes.Equal(body, p.rejectBody) {
		return nil, errors.New("forbidden body")
	}
	return []Effect{{Name: "applied", Data: body}}, nil
}

func (p *countPolicy) Merge(left, right graph.Address) ([]byte, error) { return nil, nil }

// recordSink records the effect stream with transaction markers.
type recordSink struct {
	log     []string
	batches int
}

func (s *recordSink) Begin()           { s.log = append(s.log, "begin") }
func (s *recordSink) Consume(e Effect) { s.log = append(s.log, "effect:"+string(e.Data)) }
func (s *recordSink) Rollback()        { s.log = append(s.log, "rollback") }
func (s *recordSink) Commit()          { s.log = append(s.log, "commit"); s.batches++ }

func newTestState(t *testing.T) (*State, *recordSink, *countPolicy) {
	t.Helper()
	sink := &recordSink{}
	policy := &countPolicy{}
	st, err := New(Options{
		Provider: storage.NewProvider(linear.NewFlashProvider(linear.NewMemoryRegion(256*1024), nil), nil),
		Policy:   policy,
		Envelope: NullEnvelope{},
		Sink:     sink,
	})
	if err != nil {
		t.Fatalf("new state: %v", err)
	}
	return st, sink, policy
}

func TestNewGraphAndAction(t *testing.T) {
	st, sink, _ := newTestState(t)
	id, err := st.NewGraph([]byte("policy-v1"), []byte("nonce-1"))
	if err != nil {
		t.Fatalf("new graph: %v", err)
	}
	store, err := st.Store(id)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	addr, err := store.HeadAddress()
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if graph.GraphID(addr.ID) != id || addr.MaxCut != 0 {
		t.Fatalf("head is not the root: %v", addr)
	}

	for i := 0; i < 3; i++ {
		if err := st.Action(id, []byte(fmt.Sprintf("act-%d", i))); err != nil {
			t.Fatalf("action %d: %v", i, err)
		}
	}
	addr, _ = store.HeadAddress()
	if addr.MaxCut != 3 {
		t.Fatalf("head depth = %d, want 3", addr.MaxCut)
	}
	if sink.batches != 3 {
		t.Fatalf("sink saw %d batches, want 3", sink.batches)
	}
}

func TestGraphIDIsContentDerived(t *testing.T) {
	stA, _, _ := newTestState(t)
	stB, _, _ := newTestState(t)
	idA, err := stA.NewGraph([]byte("p"), []byte("same-nonce"))
	if err != nil {
		t.Fatal(err)
	}
	idB, err := stB.NewGraph([]byte("p"), []byte("same-nonce"))
	if err != nil {
		t.Fatal(err)
	}
	if idA != idB {
		t.Fatal("same init content produced different graph ids")
	}
	idC, err := stA.NewGraph([]byte("p"), []byte("other-nonce"))
	if err == nil && idC == idA {
		t.Fatal("different nonce produced the same graph id")
	}
}

func TestActionRejectedByPolicy(t *testing.T) {
	st, sink, _ := newTestState(t)
	id, _ := st.NewGraph([]byte("p"), []byte("n"))
	if err := st.Action(id, []byte("bad-action")); !errors.Is(err, ErrPolicyRejected) {
		t.Fatalf("want ErrPolicyRejected, got %v", err)
	}
	store, _ := st.Store(id)
	if addr, _ := store.HeadAddress(); addr.MaxCut != 0 {
		t.Fatal("rejected action moved the head")
	}
	if sink.batches != 0 {
		t.Fatal("rejected action produced effects")
	}
}

// originate produces a command chain on one state, for replay into another.
func originate(t *testing.T, n int) (graph.GraphID, []graph.CommandData) {
	t.Helper()
	st, _, _ := newTestState(t)
	id, err := st.NewGraph([]byte("p"), []byte("n"))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < n; i++ {
		if err := st.Action(id, []byte(fmt.Sprintf("a%d", i))); err != nil {
			t.Fatal(err)
		}
	}
	store, _ := st.Store(id)
	var cmds []graph.CommandData
	if err := store.EachCommand(func(_ graph.Location, c *graph.CommandData) error {
		cmds = append(cmds, *c)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	return id, cmds
}

func TestTransactionReplay(t *testing.T) {
	id, cmds := originate(t, 4)
	st, sink, _ := newTestState(t)
	if err := st.AdoptGraph(id); err != nil {
		t.Fatalf("adopt: %v", err)
	}
	txn, err := st.Transaction(id)
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	added, err := txn.AddCommands(cmds)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if added != 5 {
		t.Fatalf("added %d commands, want 5", added)
	}
	// Effects must not appear before commit.
	if len(sink.log) != 0 {
		t.Fatalf("effects before commit: %v", sink.log)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	store, _ := st.Store(id)
	addr, err := store.HeadAddress()
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if addr.MaxCut != 4 {
		t.Fatalf("head depth = %d, want 4", addr.MaxCut)
	}
	if sink.batches != 1 {
		t.Fatalf("sink saw %d batches, want 1", sink.batches)
	}
	// 5 effects (init + 4 actions) inside one begin/commit pair.
	if sink.log[0] != "begin" || sink.log[len(sink.log)-1] != "commit" || len(sink.log) != 7 {
		t.Fatalf("sink log: %v", sink.log)
	}
}

func TestAddCommandsIdempotent(t *testing.T) {
	id, cmds := originate(t, 3)
	st, sink, _ := newTestState(t)
	st.AdoptGraph(id)
	txn, _ := st.Transaction(id)
	if added, err := txn.AddCommands(cmds); err != nil || added != 4 {
		t.Fatalf("first add: %d, %v", added, err)
	}
	// Duplicate delivery within the same transaction.
	if added, err := txn.AddCommands(cmds); err != nil || added != 0 {
		t.Fatalf("staged duplicates added: %d, %v", added, err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	// Duplicate delivery after commit, via a fresh transaction.
	txn2, _ := st.Transaction(id)
	if added, err := txn2.AddCommands(cmds); err != nil || added != 0 {
		t.Fatalf("stored duplicates added: %d, %v", added, err)
	}
	if err := txn2.Commit(); err != nil {
		t.Fatalf("empty commit: %v", err)
	}
	if sink.batches != 1 {
		t.Fatalf("duplicate delivery produced %d batches, want 1", sink.batches)
	}
}

func TestAddCommandsMissingParent(t *testing.T) {
	id, cmds := originate(t, 3)
	st, _, _ := newTestState(t)
	st.AdoptGraph(id)
	txn, _ := st.Transaction(id)
	// Deliver out of order: drop the second command.
	gapped := append([]graph.CommandData{}, cmds[0], cmds[2], cmds[3])
	added, err := txn.AddCommands(gapped)
	if !errors.Is(err, ErrMissingParent) {
		t.Fatalf("want ErrMissingParent, got %v", err)
	}
	if added != 1 {
		t.Fatalf("valid prefix of %d staged, want 1", added)
	}
	// The valid prefix is still committable.
	if err := txn.Commit(); err != nil {
		t.Fatalf("partial commit: %v", err)
	}
}

func TestAddCommandsRejectsTamper(t *testing.T) {
	id, cmds := originate(t, 2)
	st, _, _ := newTestState(t)
	st.AdoptGraph(id)
	txn, _ := st.Transaction(id)

	tampered := append([]graph.CommandData{}, cmds...)
	tampered[1].Payload = []byte("forged")
	if _, err := txn.AddCommands(tampered); !errors.Is(err, ErrBadCommand) {
		t.Fatalf("tampered payload: want ErrBadCommand, got %v", err)
	}

	wrongDepth := append([]graph.CommandData{}, cmds...)
	wrongDepth[1].MaxCut = 9
	wrongDepth[1].ID = graph.ComputeID(wrongDepth[1].Priority, wrongDepth[1].Parents, nil, wrongDepth[1].Payload)
	txn2, _ := st.Transaction(id)
	if _, err := txn2.AddCommands(wrongDepth); !errors.Is(err, ErrBadCommand) {
		t.Fatalf("wrong depth: want ErrBadCommand, got %v", err)
	}
}

func TestCommitMergesDivergedBranches(t *testing.T) {
	// Device A and device B start from the same root, then each acts on
	// its own. Replaying B's chain into A must produce a merge.
	stA, _, _ := newTestState(t)
	idA, err := stA.NewGraph([]byte("p"), []byte("n"))
	if err != nil {
		t.Fatal(err)
	}
	if err := stA.Action(idA, []byte("a-only")); err != nil {
		t.Fatal(err)
	}

	// Build B's divergent chain on a separate state seeded with the same
	// graph.
	stB, _, _ := newTestState(t)
	idB, err := stB.NewGraph([]byte("p"), []byte("n"))
	if err != nil {
		t.Fatal(err)
	}
	if idA != idB {
		t.Fatal("graphs diverged before the test began")
	}
	if err := stB.Action(idB, []byte("b-only")); err != nil {
		t.Fatal(err)
	}
	storeB, _ := stB.Store(idB)
	var bCmds []graph.CommandData
	storeB.EachCommand(func(_ graph.Location, c *graph.CommandData) error {
		bCmds = append(bCmds, *c)
		return nil
	})

	txn, err := stA.Transaction(idA)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := txn.AddCommands(bCmds); err != nil {
		t.Fatalf("add diverged chain: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	storeA, _ := stA.Store(idA)
	headLoc, _ := storeA.Head()
	headCmd, err := storeA.Command(headLoc)
	if err != nil {
		t.Fatalf("head command: %v", err)
	}
	if headCmd.Priority != graph.PriorityMerge {
		t.Fatalf("head priority = %v, want merge", headCmd.Priority)
	}
	if len(headCmd.Parents) != 2 {
		t.Fatalf("merge has %d parents", len(headCmd.Parents))
	}
	// Both branch tips must now be ancestors of the head.
	for _, p := range headCmd.Parents {
		ok, err := storeA.IsAncestor(p, headLoc)
		if err != nil || !ok {
			t.Fatalf("parent %v not ancestor of merge head: %v", p, err)
		}
	}
}

func TestOptionsValidate(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("empty options accepted")
	}
}
