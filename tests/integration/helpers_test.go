//go:build integration

package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/embermesh/embermesh/pkg/client"
	"github.com/embermesh/embermesh/pkg/device"
	"github.com/embermesh/embermesh/pkg/graph"
	"github.com/embermesh/embermesh/pkg/netif"
	"github.com/embermesh/embermesh/pkg/netif/channel"
	"github.com/embermesh/embermesh/pkg/storage"
	"github.com/embermesh/embermesh/pkg/storage/linear"
)

// notebookPolicy appends notes; every note is one effect.
type notebookPolicy struct{}

func (notebookPolicy) ID() uint32 { return 1 }

func (notebookPolicy) CallAction(action []byte, head graph.Address) ([]byte, []client.Effect, error) {
	return action, []client.Effect{{Name: "note", Data: action}}, nil
}

func (notebookPolicy) CallRule(body []byte, cmd *graph.CommandData) ([]client.Effect, error) {
	return []client.Effect{{Name: "note", Data: body}}, nil
}

func (notebookPolicy) Merge(left, right graph.Address) ([]byte, error) { return nil, nil }

// mustStartDevice assembles a device on the hub with in-memory storage.
func mustStartDevice(t *testing.T, hub *channel.Hub, addr netif.Addr, adopt bool) *device.Device {
	t.Helper()
	region := linear.NewMemoryRegion(1 << 20)
	return mustStartDeviceWith(t, hub, addr, adopt,
		storage.NewProvider(linear.NewFlashProvider(region, nil), nil))
}

func mustStartDeviceWith(t *testing.T, hub *channel.Hub, addr netif.Addr, adopt bool, provider storage.Provider) *device.Device {
	t.Helper()
	net, err := netif.NewEngine(hub.Attach(), netif.Options{Local: addr, DisablePacing: true})
	if err != nil {
		t.Fatalf("netif %d: %v", addr, err)
	}
	d, err := device.New(device.Options{
		Net:           net,
		Provider:      provider,
		Policy:        notebookPolicy{},
		HelloInterval: 20 * time.Millisecond,
		SyncInterval:  10 * time.Millisecond,
		StallTimeout:  2 * time.Second,
		Adopt:         adopt,
	})
	if err != nil {
		t.Fatalf("device %d: %v", addr, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		_ = d.Stop(context.Background())
		cancel()
	})
	if err := d.Start(ctx); err != nil {
		t.Fatalf("start %d: %v", addr, err)
	}
	return d
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// commandCount reports how many commands d holds for the graph, -1 when the
// graph is not open yet.
func commandCount(d *device.Device, id graph.GraphID) int {
	st, err := d.State().Store(id)
	if err != nil {
		return -1
	}
	return st.CommandCount()
}

// sameHead reports whether every device holds the same head for the graph.
func sameHead(id graph.GraphID, devs ...*device.Device) bool {
	var want graph.Address
	for i, d := range devs {
		st, err := d.State().Store(id)
		if err != nil {
			return false
		}
		head, err := st.HeadAddress()
		if err != nil {
			return false
		}
		if i == 0 {
			want = head
			continue
		}
		if head != want {
			return false
		}
	}
	return true
}

func noteOf(i int) []byte { return []byte(fmt.Sprintf("note-%d", i)) }
