// Package device assembles one node: storage, the graph client, the network
// interface and the sync engine, behind a small facade an application embeds.
// Applications issue actions through Do, observe state changes through
// Subscribe, and leave convergence to the background sync loop.
package device

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/embermesh/embermesh/pkg/client"
	"github.com/embermesh/embermesh/pkg/graph"
	"github.com/embermesh/embermesh/pkg/internal/logutil"
	"github.com/embermesh/embermesh/pkg/netif"
	obsmetrics "github.com/embermesh/embermesh/pkg/observability/metrics"
	"github.com/embermesh/embermesh/pkg/security/tlsconfig"
	"github.com/embermesh/embermesh/pkg/storage"
	gsync "github.com/embermesh/embermesh/pkg/sync"
)

// Facade is the high-level API for consumers.
type Facade interface {
	Start(ctx context.Context) error
	Do(graphID graph.GraphID, action []byte) error
	NewGraph(policyData, initPayload []byte) (graph.GraphID, error)
	Subscribe(ctx context.Context) <-chan Event
	Status(ctx context.Context) (*DeviceStatus, error)
	Stop(ctx context.Context) error
}

// Options carries dependency-injected components and runtime configuration
// used to assemble the device facade. Instances are typically produced from
// bootstrap.Config.
type Options struct {
	// Net is the framed network interface this device syncs over.
	Net netif.Interface
	// Provider opens graph storage. One device may hold several graphs.
	Provider storage.Provider
	// Policy interprets commands for the application.
	Policy client.Policy
	// Envelope seals command bodies. Nil means pass-through.
	Envelope client.Envelope
	// Logger is used by the device to report operational messages.
	Logger *log.Logger

	// Sync tuning, passed through to the sync engine. Zero values take the
	// engine's defaults.
	HelloInterval time.Duration
	SyncInterval  time.Duration
	StallTimeout  time.Duration
	MaxPeers      int
	// Adopt makes the device take on graphs first heard of in peer hellos.
	Adopt bool

	// MgmtBind, when non-empty, serves status/healthz/metrics over HTTP at
	// the given TCP address.
	MgmtBind string
	// TLS secures the management endpoint when enabled.
	TLS tlsconfig.Options
}

// Validate performs a minimal validation of Options. It does not start any
// network activity and is safe to call before New.
func (o *Options) Validate() error {
	if o.Net == nil {
		return errors.New("device: nil Net")
	}
	if o.Provider == nil {
		return errors.New("device: nil Provider")
	}
	if o.Policy == nil {
		return errors.New("device: nil Policy")
	}
	if o.Envelope == nil {
		o.Envelope = client.NullEnvelope{}
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
	return nil
}

var _ Facade = (*Device)(nil)

// Device is the concrete implementation of the Facade. It wires the graph
// client, sync engine and management endpoint into a single runtime.
type Device struct {
	opts   Options
	state  *client.State
	engine *gsync.Engine
	eb     eventBus
	mgmt   *Server

	mu  sync.Mutex
	run struct {
		started bool
		closed  bool
		cancel  context.CancelFunc
		done    chan struct{}
	}
}

// New constructs a Device from validated options. It opens no sockets and
// starts no goroutines; call Start to launch the node.
func New(opts Options) (*Device, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	d := &Device{opts: opts}
	st, err := client.New(client.Options{
		Provider: opts.Provider,
		Policy:   opts.Policy,
		Envelope: opts.Envelope,
		Sink:     &d.eb,
		Logger:   opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	eng, err := gsync.New(gsync.Options{
		Net:           opts.Net,
		State:         st,
		Logger:        opts.Logger,
		HelloInterval: opts.HelloInterval,
		SyncInterval:  opts.SyncInterval,
		StallTimeout:  opts.StallTimeout,
		MaxPeers:      opts.MaxPeers,
		Adopt:         opts.Adopt,
	})
	if err != nil {
		return nil, err
	}
	d.state = st
	d.engine = eng
	return d, nil
}

// State exposes the underlying graph client for advanced callers (tests,
// tooling). Most applications only need the facade methods.
func (d *Device) State() *client.State { return d.state }

// Start launches the sync loop and, when configured, the management endpoint.
func (d *Device) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.run.closed {
		return ErrStopped
	}
	if d.run.started {
		return nil
	}
	d.run.started = true
	obsmetrics.Register()

	runCtx, cancel := context.WithCancel(context.Background())
	d.run.cancel = cancel
	d.run.done = make(chan struct{})
	go func() {
		defer close(d.run.done)
		if err := d.engine.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			logutil.Errorf(d.opts.Logger, "device: sync engine exited: %v", err)
		}
	}()

	if d.opts.MgmtBind != "" {
		srv := NewServer(d.opts.MgmtBind, d.opts.Logger)
		if d.opts.TLS.Enable {
			cfg, err := d.opts.TLS.ServerHotReload()
			if err != nil {
				cancel()
				return err
			}
			srv.UseTLS(cfg)
		}
		if err := srv.Start(ctx, d.statusJSON); err != nil {
			cancel()
			return err
		}
		d.mgmt = srv
		logutil.Infof(d.opts.Logger, "device: management endpoint listening at %s (status/metrics/healthz)", srv.Addr())
	}
	logutil.Infof(d.opts.Logger, "device: started as %v", d.opts.Net.LocalAddr())
	return nil
}

// Stop gracefully shuts down the sync loop, the management server and the
// network interface. Open sync sessions commit what they have received.
func (d *Device) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.run.closed {
		return nil
	}
	d.run.closed = true
	if d.run.cancel != nil {
		d.run.cancel()
		select {
		case <-d.run.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if d.mgmt != nil {
		_ = d.mgmt.Stop(ctx)
	}
	return d.opts.Net.Close()
}

// Do applies a locally originated action to a graph. On success the head has
// advanced durably, the action's effects have been published, and the sync
// engine announces the new head at a boosted rate.
func (d *Device) Do(graphID graph.GraphID, action []byte) error {
	if err := d.state.Action(graphID, action); err != nil {
		return err
	}
	d.engine.Poke()
	return nil
}

// NewGraph creates a graph from an init command and returns its identity.
func (d *Device) NewGraph(policyData, initPayload []byte) (graph.GraphID, error) {
	id, err := d.state.NewGraph(policyData, initPayload)
	if err != nil {
		return graph.GraphID{}, err
	}
	d.engine.Poke()
	return id, nil
}

// OpenGraph opens an existing graph from storage.
func (d *Device) OpenGraph(id graph.GraphID) error { return d.state.OpenGraph(id) }

// Graphs lists the graphs open on this device.
func (d *Device) Graphs() []graph.GraphID { return d.state.Graphs() }
