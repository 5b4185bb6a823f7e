package graph

import "testing"

func TestComputeIDDeterministic(t *testing.T) {
	parents := []Address{{MaxCut: 1}}
	parents[0].ID[0] = 0xAA
	a := ComputeID(PriorityBasic, parents, nil, []byte("payload"))
	b := ComputeID(PriorityBasic, parents, nil, []byte("payload"))
	if a != b {
		t.Fatal("same content hashed to different ids")
	}
}

func TestComputeIDDistinguishesFields(t *testing.T) {
	base := ComputeID(PriorityBasic, nil, nil, []byte("x"))
	if base == ComputeID(PriorityMerge, nil, nil, []byte("x")) {
		t.Fatal("priority not hashed")
	}
	if base == ComputeID(PriorityBasic, nil, nil, []byte("y")) {
		t.Fatal("payload not hashed")
	}
	if base == ComputeID(PriorityBasic, nil, []byte("p"), []byte("x")) {
		t.Fatal("policy not hashed")
	}
	var p Address
	p.ID[0] = 1
	if base == ComputeID(PriorityBasic, []Address{p}, nil, []byte("x")) {
		t.Fatal("parents not hashed")
	}
}

func TestComputeIDBoundary(t *testing.T) {
	// policy="ab", payload="c" must differ from policy="a", payload="bc";
	// the length prefixes keep field boundaries in the hash.
	a := ComputeID(PriorityBasic, nil, []byte("ab"), []byte("c"))
	b := ComputeID(PriorityBasic, nil, []byte("a"), []byte("bc"))
	if a == b {
		t.Fatal("field boundary not hashed")
	}
}

func TestComputeIDIgnoresMaxCut(t *testing.T) {
	// MaxCut is derivable state, not identity.
	p1 := []Address{{MaxCut: 1}}
	p2 := []Address{{MaxCut: 2}}
	if ComputeID(PriorityBasic, p1, nil, nil) != ComputeID(PriorityBasic, p2, nil, nil) {
		t.Fatal("parent max-cut changed the id")
	}
}

func TestSegmentAccessors(t *testing.T) {
	s := &Segment{Offset: 64}
	for i := 0; i < 3; i++ {
		c := CommandData{MaxCut: uint32(i)}
		c.ID[0] = byte(i + 1)
		s.Commands = append(s.Commands, c)
	}
	if s.First().ID[0] != 1 || s.Last().ID[0] != 3 {
		t.Fatalf("first/last wrong: %v %v", s.First(), s.Last())
	}
	if !s.Contains(NewLocation(64, 2)) {
		t.Fatal("Contains rejected a valid location")
	}
	if s.Contains(NewLocation(64, 3)) {
		t.Fatal("Contains accepted an out-of-range command index")
	}
	if s.Contains(NewLocation(65, 0)) {
		t.Fatal("Contains accepted a foreign segment offset")
	}
	c, err := s.CommandAt(NewLocation(64, 1))
	if err != nil {
		t.Fatalf("CommandAt: %v", err)
	}
	if c.ID[0] != 2 {
		t.Fatalf("CommandAt returned wrong command: %v", c.ID)
	}
	if _, err := s.CommandAt(NewLocation(63, 0)); err == nil {
		t.Fatal("CommandAt accepted a foreign location")
	}
}

func TestPriorityString(t *testing.T) {
	cases := map[Priority]string{
		PriorityInit:  "init",
		PriorityBasic: "basic",
		PriorityMerge: "merge",
		Priority(9):   "priority(9)",
	}
	for p, want := range cases {
		if got := p.String(); got != want {
			t.Fatalf("Priority(%d).String() = %q, want %q", p, got, want)
		}
	}
}
