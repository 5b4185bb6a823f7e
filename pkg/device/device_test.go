package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/embermesh/embermesh/pkg/client"
	"github.com/embermesh/embermesh/pkg/graph"
	"github.com/embermesh/embermesh/pkg/netif"
	"github.com/embermesh/embermesh/pkg/netif/channel"
	"github.com/embermesh/embermesh/pkg/storage"
	"github.com/embermesh/embermesh/pkg/storage/linear"
)

// echoPolicy accepts everything and echoes the body as one effect.
type echoPolicy struct{}

func (echoPolicy) ID() uint32 { return 1 }

func (echoPolicy) CallAction(action []byte, head graph.Address) ([]byte, []client.Effect, error) {
	if bytes.HasPrefix(action, []byte("bad")) {
		return nil, nil, errors.New("forbidden action")
	}
	return action, []client.Effect{{Name: "applied", Data: action}}, nil
}

func (echoPolicy) CallRule(body []byte, cmd *graph.CommandData) ([]client.Effect, error) {
	return []client.Effect{{Name: "applied", Data: body}}, nil
}

func (echoPolicy) Merge(left, right graph.Address) ([]byte, error) { return nil, nil }

func newTestDevice(t *testing.T, hub *channel.Hub, addr netif.Addr, adopt bool) *Device {
	t.Helper()
	net, err := netif.NewEngine(hub.Attach(), netif.Options{Local: addr, DisablePacing: true})
	if err != nil {
		t.Fatalf("netif: %v", err)
	}
	d, err := New(Options{
		Net:           net,
		Provider:      storage.NewProvider(linear.NewFlashProvider(linear.NewMemoryRegion(256*1024), nil), nil),
		Policy:        echoPolicy{},
		HelloInterval: 20 * time.Millisecond,
		SyncInterval:  10 * time.Millisecond,
		Adopt:         adopt,
	})
	if err != nil {
		t.Fatalf("new device: %v", err)
	}
	return d
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestOptionsValidate(t *testing.T) {
	opts := Options{}
	if err := opts.Validate(); err == nil {
		t.Fatal("empty options validated")
	}
	hub := channel.NewHub(0, 1)
	net, _ := netif.NewEngine(hub.Attach(), netif.Options{Local: 9})
	defer net.Close()
	opts = Options{
		Net:      net,
		Provider: storage.NewProvider(linear.NewFlashProvider(linear.NewMemoryRegion(64*1024), nil), nil),
		Policy:   echoPolicy{},
	}
	if err := opts.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if opts.Envelope == nil || opts.Logger == nil {
		t.Fatal("defaults not filled")
	}
}

func TestDoPublishesEffects(t *testing.T) {
	hub := channel.NewHub(0, 1)
	d := newTestDevice(t, hub, 1, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Stop(context.Background())

	events := d.Subscribe(ctx)
	id, err := d.NewGraph([]byte("p"), []byte("n"))
	if err != nil {
		t.Fatalf("new graph: %v", err)
	}
	if err := d.Do(id, []byte("hello")); err != nil {
		t.Fatalf("do: %v", err)
	}

	var effects [][]byte
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == EventEffect {
				effects = append(effects, ev.Effect.Data)
			}
			if ev.Type == EventCommitted && len(effects) > 0 {
				if string(effects[len(effects)-1]) != "hello" {
					t.Fatalf("effect = %q, want hello", effects[len(effects)-1])
				}
				return
			}
		case <-deadline:
			t.Fatal("no committed event")
		}
	}
}

func TestDoRejectedLeavesHead(t *testing.T) {
	hub := channel.NewHub(0, 1)
	d := newTestDevice(t, hub, 1, false)
	id, err := d.NewGraph([]byte("p"), []byte("n"))
	if err != nil {
		t.Fatalf("new graph: %v", err)
	}
	if err := d.Do(id, []byte("bad-action")); err == nil {
		t.Fatal("forbidden action accepted")
	}
	st, _ := d.State().Store(id)
	head, _ := st.HeadAddress()
	if head.MaxCut != 0 {
		t.Fatalf("head moved to depth %d after rejected action", head.MaxCut)
	}
	_ = d.Stop(context.Background())
}

func TestStartStopIdempotent(t *testing.T) {
	hub := channel.NewHub(0, 1)
	d := newTestDevice(t, hub, 1, false)
	ctx := context.Background()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := d.Start(ctx); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if err := d.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := d.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if err := d.Start(ctx); !errors.Is(err, ErrStopped) {
		t.Fatalf("start after stop = %v, want ErrStopped", err)
	}
}

func TestTwoDevicesConverge(t *testing.T) {
	hub := channel.NewHub(0, 42)
	a := newTestDevice(t, hub, 1, false)
	b := newTestDevice(t, hub, 2, true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := b.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer a.Stop(context.Background())
	defer b.Stop(context.Background())

	id, err := a.NewGraph([]byte("p"), []byte("shared"))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		if err := a.Do(id, []byte(fmt.Sprintf("act-%d", i))); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, "b to adopt and converge", func() bool {
		st, err := b.State().Store(id)
		if err != nil {
			return false
		}
		return st.CommandCount() == 5
	})

	headA, _ := mustStore(t, a, id).HeadAddress()
	headB, _ := mustStore(t, b, id).HeadAddress()
	if headA != headB {
		t.Fatalf("heads diverge: %v vs %v", headA, headB)
	}
}

func mustStore(t *testing.T, d *Device, id graph.GraphID) *storage.Store {
	t.Helper()
	st, err := d.State().Store(id)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	return st
}

func TestManagementEndpoint(t *testing.T) {
	hub := channel.NewHub(0, 1)
	net, err := netif.NewEngine(hub.Attach(), netif.Options{Local: 7, DisablePacing: true})
	if err != nil {
		t.Fatal(err)
	}
	d, err := New(Options{
		Net:      net,
		Provider: storage.NewProvider(linear.NewFlashProvider(linear.NewMemoryRegion(256*1024), nil), nil),
		Policy:   echoPolicy{},
		MgmtBind: "127.0.0.1:0",
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Stop(context.Background())

	if _, err := d.NewGraph([]byte("p"), []byte("n")); err != nil {
		t.Fatal(err)
	}

	base := "http://" + d.mgmt.Addr()
	resp, err := http.Get(base + "/status")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	if !bytes.Contains(body, []byte(`"graphs"`)) {
		t.Fatalf("status body missing graphs: %s", body)
	}

	resp, err = http.Get(base + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}

	resp, err = http.Get(base + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics = %d", resp.StatusCode)
	}
}
