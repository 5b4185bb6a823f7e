//go:build integration

package integration

import (
	"testing"
	"time"

	"github.com/embermesh/embermesh/pkg/netif/channel"
)

func TestThreeDevicesConvergeOverLossyLink(t *testing.T) {
	hub := channel.NewHub(0.10, 7)
	a := mustStartDevice(t, hub, 1, false)
	b := mustStartDevice(t, hub, 2, true)
	c := mustStartDevice(t, hub, 3, true)

	id, err := a.NewGraph([]byte("notebook-v1"), []byte("lossy"))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 8; i++ {
		if err := a.Do(id, noteOf(i)); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, 30*time.Second, "all devices to hold 9 commands", func() bool {
		return commandCount(a, id) == 9 && commandCount(b, id) == 9 && commandCount(c, id) == 9
	})
	waitFor(t, 30*time.Second, "heads to agree", func() bool {
		return sameHead(id, a, b, c)
	})
}

func TestConcurrentWritersMerge(t *testing.T) {
	hub := channel.NewHub(0, 11)
	a := mustStartDevice(t, hub, 1, false)
	b := mustStartDevice(t, hub, 2, true)

	id, err := a.NewGraph([]byte("notebook-v1"), []byte("merge"))
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, 10*time.Second, "b to adopt the graph", func() bool {
		return commandCount(b, id) == 1
	})

	// Both devices write while in sync with each other; their branches
	// must join via merge commands rather than one side winning.
	if err := a.Do(id, []byte("from-a")); err != nil {
		t.Fatal(err)
	}
	if err := b.Do(id, []byte("from-b")); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 30*time.Second, "merged heads to agree", func() bool {
		return commandCount(a, id) >= 3 && commandCount(a, id) == commandCount(b, id) && sameHead(id, a, b)
	})
}

func TestLateJoinerCatchesUp(t *testing.T) {
	hub := channel.NewHub(0, 3)
	a := mustStartDevice(t, hub, 1, false)

	id, err := a.NewGraph([]byte("notebook-v1"), []byte("late"))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 12; i++ {
		if err := a.Do(id, noteOf(i)); err != nil {
			t.Fatal(err)
		}
	}

	// Joins after the graph already has history.
	b := mustStartDevice(t, hub, 2, true)
	waitFor(t, 30*time.Second, "late joiner to catch up", func() bool {
		return commandCount(b, id) == 13 && sameHead(id, a, b)
	})
}
