// Package bootstrap assembles a device from high-level configuration:
// storage backend, UDP link, discovery and the sync runtime, with sensible
// defaults. Applications embed a device by filling in Config and calling
// Build or Run.
package bootstrap

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/embermesh/embermesh/pkg/client"
	"github.com/embermesh/embermesh/pkg/device"
	"github.com/embermesh/embermesh/pkg/discovery"
	dDNS "github.com/embermesh/embermesh/pkg/discovery/dns"
	dFile "github.com/embermesh/embermesh/pkg/discovery/file"
	dStatic "github.com/embermesh/embermesh/pkg/discovery/static"
	"github.com/embermesh/embermesh/pkg/netif"
	"github.com/embermesh/embermesh/pkg/netif/udp"
	tlsx "github.com/embermesh/embermesh/pkg/security/tlsconfig"
	"github.com/embermesh/embermesh/pkg/storage"
	"github.com/embermesh/embermesh/pkg/storage/linear"
)

// Config defines high-level inputs to assemble a device with sensible
// defaults.
type Config struct {
	// Identity and addresses
	DeviceAddr uint16 // link address of this device (1..65535, required)
	Listen     string // UDP listen addr, e.g. ":7421"
	SendAddr   string // broadcast send addr, e.g. "255.255.255.255:7421"

	// Discovery settings. Kind "broadcast" (default) sends to SendAddr;
	// "static", "dns" and "file" fan frames out to discovered endpoints.
	DiscoveryKind string
	PeersCSV      string        // used when kind=static
	DNSNamesCSV   string        // used when kind=dns
	DNSPort       int           // used when kind=dns (A/AAAA)
	DiscRefresh   time.Duration // cache/refresh duration for discovery
	FilePath      string        // used when kind=file
	FileEnv       string        // used when kind=file

	// Persistence. Empty DataPath keeps the graph in memory.
	DataPath string
	DataSize int64 // backing region size; default 16 MiB

	// Application collaborators
	Policy   client.Policy
	Envelope client.Envelope

	// Sync tuning (zero values take engine defaults)
	HelloInterval time.Duration
	SyncInterval  time.Duration
	StallTimeout  time.Duration
	MaxPeers      int
	Adopt         bool

	// Management API (status/metrics/healthz)
	MgmtAddr string

	// TLS (optional) for the management API
	TLSEnable     bool
	TLSCA         string
	TLSCert       string
	TLSKey        string
	TLSServerName string

	// Logger (optional). If nil, log.Default() is used.
	Logger *log.Logger
}

// Build assembles a device.Device from Config without starting it.
func Build(cfg Config) (*device.Device, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.DeviceAddr == 0 {
		return nil, errors.New("bootstrap: DeviceAddr is required")
	}
	if cfg.Policy == nil {
		return nil, errors.New("bootstrap: Policy is required")
	}
	if cfg.Listen == "" {
		cfg.Listen = ":7421"
	}
	if cfg.DataSize <= 0 {
		cfg.DataSize = 16 << 20
	}

	// Storage backend
	var provider storage.Provider
	if cfg.DataPath != "" {
		region, err := linear.OpenFileRegion(cfg.DataPath, cfg.DataSize)
		if err != nil {
			return nil, err
		}
		provider = storage.NewProvider(linear.NewFileProvider(region, cfg.Logger), cfg.Logger)
	} else {
		region := linear.NewMemoryRegion(cfg.DataSize)
		provider = storage.NewProvider(linear.NewFlashProvider(region, cfg.Logger), cfg.Logger)
	}

	// Network link
	var link netif.PacketLink
	switch cfg.DiscoveryKind {
	case "", "broadcast":
		sendAddr := cfg.SendAddr
		if sendAddr == "" {
			sendAddr = "255.255.255.255:7421"
		}
		l, err := udp.New(cfg.Listen, sendAddr)
		if err != nil {
			return nil, err
		}
		link = l
	default:
		var disc discovery.Discovery
		switch cfg.DiscoveryKind {
		case "static":
			disc = dStatic.New(dStatic.Parse(cfg.PeersCSV)...)
		case "dns":
			opts := dDNS.Options{Names: dStatic.Parse(cfg.DNSNamesCSV), Port: cfg.DNSPort, Logger: cfg.Logger}
			if cfg.DiscRefresh > 0 {
				opts.Refresh = cfg.DiscRefresh
			}
			disc = dDNS.New(opts)
		case "file":
			opts := dFile.Options{Path: cfg.FilePath, Env: cfg.FileEnv}
			if cfg.DiscRefresh > 0 {
				opts.Refresh = cfg.DiscRefresh
			}
			disc = dFile.New(opts)
		default:
			return nil, errors.New("bootstrap: unknown discovery kind " + cfg.DiscoveryKind)
		}
		l, err := udp.NewUnicast(cfg.Listen, disc)
		if err != nil {
			return nil, err
		}
		link = l
	}

	net, err := netif.NewEngine(link, netif.Options{
		Local:  netif.Addr(cfg.DeviceAddr),
		Logger: cfg.Logger,
	})
	if err != nil {
		link.Close()
		return nil, err
	}

	return device.New(device.Options{
		Net:           net,
		Provider:      provider,
		Policy:        cfg.Policy,
		Envelope:      cfg.Envelope,
		Logger:        cfg.Logger,
		HelloInterval: cfg.HelloInterval,
		SyncInterval:  cfg.SyncInterval,
		StallTimeout:  cfg.StallTimeout,
		MaxPeers:      cfg.MaxPeers,
		Adopt:         cfg.Adopt,
		MgmtBind:      cfg.MgmtAddr,
		TLS: tlsx.Options{
			Enable:     cfg.TLSEnable,
			CAFile:     cfg.TLSCA,
			CertFile:   cfg.TLSCert,
			KeyFile:    cfg.TLSKey,
			ServerName: cfg.TLSServerName,
		},
	})
}

// Run builds and starts the device, returning the instance for lifecycle
// control. The caller is responsible for calling Stop when finished.
func Run(ctx context.Context, cfg Config) (*device.Device, error) {
	d, err := Build(cfg)
	if err != nil {
		return nil, err
	}
	if err := d.Start(ctx); err != nil {
		return nil, err
	}
	return d, nil
}
