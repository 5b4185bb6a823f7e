package device

import (
	"context"
	"encoding/json"

	gsync "github.com/embermesh/embermesh/pkg/sync"
)

// GraphStatus describes one open graph.
type GraphStatus struct {
	// ID is the graph identity (hex-truncated for readability).
	ID string `json:"id"`
	// Head is the head command address, empty for a headless graph.
	Head string `json:"head,omitempty"`
	// Commands is the number of commands held locally.
	Commands int `json:"commands"`
}

// DeviceStatus is a high-level, JSON-serializable snapshot of the device
// suitable for external status endpoints and tooling.
type DeviceStatus struct {
	// Addr is this device's link address.
	Addr string `json:"addr"`
	// Graphs lists the graphs open on this device.
	Graphs []GraphStatus `json:"graphs"`
	// Sync is the sync engine's view of peers and sessions.
	Sync gsync.Status `json:"sync"`
}

// Status returns a synthesized snapshot of the device: per-graph heads and
// command counts plus the sync engine's peer view.
func (d *Device) Status(ctx context.Context) (*DeviceStatus, error) {
	s := &DeviceStatus{Addr: d.opts.Net.LocalAddr().String()}
	for _, id := range d.state.Graphs() {
		gs := GraphStatus{ID: id.String()}
		st, err := d.state.Store(id)
		if err != nil {
			continue
		}
		gs.Commands = st.CommandCount()
		if head, err := st.HeadAddress(); err == nil {
			gs.Head = head.String()
		}
		s.Graphs = append(s.Graphs, gs)
	}
	s.Sync = d.engine.Status()
	return s, nil
}

func (d *Device) statusJSON(ctx context.Context) ([]byte, error) {
	st, err := d.Status(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(st)
}
