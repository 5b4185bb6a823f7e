package bootstrap

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/embermesh/embermesh/pkg/client"
	"github.com/embermesh/embermesh/pkg/graph"
)

type notePolicy struct{}

func (notePolicy) ID() uint32 { return 1 }

func (notePolicy) CallAction(action []byte, head graph.Address) ([]byte, []client.Effect, error) {
	return action, []client.Effect{{Name: "note", Data: action}}, nil
}

func (notePolicy) CallRule(body []byte, cmd *graph.CommandData) ([]client.Effect, error) {
	return []client.Effect{{Name: "note", Data: body}}, nil
}

func (notePolicy) Merge(left, right graph.Address) ([]byte, error) { return nil, nil }

func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	conn.Close()
	return port
}

func TestBuildValidation(t *testing.T) {
	if _, err := Build(Config{}); err == nil {
		t.Fatal("empty config built")
	}
	if _, err := Build(Config{DeviceAddr: 1}); err == nil {
		t.Fatal("config without policy built")
	}
	if _, err := Build(Config{DeviceAddr: 1, Policy: notePolicy{}, DiscoveryKind: "zeroconf"}); err == nil {
		t.Fatal("unknown discovery kind built")
	}
}

func TestTwoDevicesOverUnicastUDP(t *testing.T) {
	portA := freeUDPPort(t)
	portB := freeUDPPort(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := Run(ctx, Config{
		DeviceAddr:    1,
		Listen:        fmt.Sprintf("127.0.0.1:%d", portA),
		DiscoveryKind: "static",
		PeersCSV:      fmt.Sprintf("127.0.0.1:%d", portB),
		Policy:        notePolicy{},
		HelloInterval: 20 * time.Millisecond,
		SyncInterval:  10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("run a: %v", err)
	}
	defer a.Stop(context.Background())

	b, err := Run(ctx, Config{
		DeviceAddr:    2,
		Listen:        fmt.Sprintf("127.0.0.1:%d", portB),
		DiscoveryKind: "static",
		PeersCSV:      fmt.Sprintf("127.0.0.1:%d", portA),
		Policy:        notePolicy{},
		HelloInterval: 20 * time.Millisecond,
		SyncInterval:  10 * time.Millisecond,
		Adopt:         true,
	})
	if err != nil {
		t.Fatalf("run b: %v", err)
	}
	defer b.Stop(context.Background())

	id, err := a.NewGraph([]byte("notebook-v1"), []byte("test"))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := a.Do(id, []byte(fmt.Sprintf("note-%d", i))); err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if st, err := b.State().Store(id); err == nil && st.CommandCount() == 4 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("device b did not converge over unicast UDP")
}
