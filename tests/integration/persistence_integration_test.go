//go:build integration

package integration

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/embermesh/embermesh/pkg/netif/channel"
	"github.com/embermesh/embermesh/pkg/storage"
	"github.com/embermesh/embermesh/pkg/storage/linear"
)

func TestRestartRecoversGraphAndServesPeers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.dat")
	hub := channel.NewHub(0, 5)

	openProvider := func() storage.Provider {
		region, err := linear.OpenFileRegion(path, 1<<20)
		if err != nil {
			t.Fatalf("open region: %v", err)
		}
		return storage.NewProvider(linear.NewFileProvider(region, nil), nil)
	}

	a := mustStartDeviceWith(t, hub, 1, false, openProvider())
	id, err := a.NewGraph([]byte("notebook-v1"), []byte("persist"))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if err := a.Do(id, noteOf(i)); err != nil {
			t.Fatal(err)
		}
	}
	st, _ := a.State().Store(id)
	wantHead, err := st.HeadAddress()
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	// Same file, new process lifecycle.
	a2 := mustStartDeviceWith(t, hub, 1, false, openProvider())
	if err := a2.OpenGraph(id); err != nil {
		t.Fatalf("open graph after restart: %v", err)
	}
	st2, err := a2.State().Store(id)
	if err != nil {
		t.Fatal(err)
	}
	gotHead, err := st2.HeadAddress()
	if err != nil {
		t.Fatal(err)
	}
	if gotHead != wantHead {
		t.Fatalf("head after restart = %v, want %v", gotHead, wantHead)
	}
	if st2.CommandCount() != 6 {
		t.Fatalf("commands after restart = %d, want 6", st2.CommandCount())
	}

	// The restarted device keeps serving sync.
	b := mustStartDevice(t, hub, 2, true)
	waitFor(t, 30*time.Second, "peer to sync from restarted device", func() bool {
		return commandCount(b, id) == 6 && sameHead(id, a2, b)
	})
}
