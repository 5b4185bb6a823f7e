// Package cli provides cobra commands for running and inspecting a device,
// reusable by services embedding the runtime.
package cli

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/embermesh/embermesh/pkg/bootstrap"
	"github.com/embermesh/embermesh/pkg/client"
	"github.com/embermesh/embermesh/pkg/graph"
	tracing "github.com/embermesh/embermesh/pkg/observability/tracing"
	tlsx "github.com/embermesh/embermesh/pkg/security/tlsconfig"
)

// AddAll attaches device subcommands (run/status) to the provided root
// command.
func AddAll(root *cobra.Command) {
	root.AddCommand(NewRunCmd())
	root.AddCommand(NewStatusCmd())
}

// notebookPolicy is the built-in demo policy: every action appends a note,
// every note surfaces as one effect. It gives the daemon observable behavior
// without an embedding application.
type notebookPolicy struct{}

func (notebookPolicy) ID() uint32 { return 1 }

func (notebookPolicy) CallAction(action []byte, head graph.Address) ([]byte, []client.Effect, error) {
	return action, []client.Effect{{Name: "note", Data: action}}, nil
}

func (notebookPolicy) CallRule(body []byte, cmd *graph.CommandData) ([]client.Effect, error) {
	return []client.Effect{{Name: "note", Data: body}}, nil
}

func (notebookPolicy) Merge(left, right graph.Address) ([]byte, error) { return nil, nil }

// NewRunCmd returns the "run" command used to start a device.
func NewRunCmd() *cobra.Command {
	var (
		addr                                   uint16
		listen, sendAddr, discoveryKind        string
		peersCSV, dnsNames, filePath, fileEnv  string
		dnsPort                                int
		discRefresh                            time.Duration
		dataPath, mgmtAddr                     string
		create, traceEnable, tlsEnable         bool
		graphNonce                             string
		tlsCA, tlsCert, tlsKey, tlsServerName  string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a device",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == 0 {
				return fmt.Errorf("missing --addr")
			}
			ctx, cancel := signalContext()
			defer cancel()

			if traceEnable {
				shutdown, err := tracing.Setup(true)
				if err != nil {
					log.Printf("tracing setup error: %v", err)
				} else {
					defer func() { _ = shutdown(context.Background()) }()
				}
			}

			cfg := bootstrap.Config{
				DeviceAddr:    addr,
				Listen:        listen,
				SendAddr:      sendAddr,
				DiscoveryKind: discoveryKind,
				PeersCSV:      peersCSV,
				DNSNamesCSV:   dnsNames,
				DNSPort:       dnsPort,
				DiscRefresh:   discRefresh,
				FilePath:      filePath,
				FileEnv:       fileEnv,
				DataPath:      dataPath,
				MgmtAddr:      mgmtAddr,
				Policy:        notebookPolicy{},
				Adopt:         !create,
				TLSEnable:     tlsEnable,
				TLSCA:         tlsCA,
				TLSCert:       tlsCert,
				TLSKey:        tlsKey,
				TLSServerName: tlsServerName,
				Logger:        log.Default(),
			}
			d, err := bootstrap.Run(ctx, cfg)
			if err != nil {
				return err
			}
			defer d.Stop(context.Background())

			if create {
				id, err := d.NewGraph([]byte("notebook-v1"), []byte(graphNonce))
				if err != nil {
					return err
				}
				fmt.Printf("created graph %s\n", id)
			}

			events := d.Subscribe(ctx)
			go func() {
				for ev := range events {
					if ev.Effect != nil {
						fmt.Printf("effect: %s %q cmd=%s\n", ev.Effect.Name, ev.Effect.Data, ev.Effect.Command)
					}
				}
			}()

			fmt.Println("device running. Press Ctrl+C to exit.")
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().Uint16Var(&addr, "addr", 0, "device link address, 1..65535 (required)")
	cmd.Flags().StringVar(&listen, "listen", ":7421", "UDP listen addr (host:port)")
	cmd.Flags().StringVar(&sendAddr, "send", "255.255.255.255:7421", "UDP broadcast send addr — used by discovery=broadcast")
	cmd.Flags().StringVar(&discoveryKind, "discovery", "broadcast", "peer endpoint source: broadcast|static|dns|file")
	cmd.Flags().StringVar(&peersCSV, "peers", "", "comma-separated peer endpoints (host:port) — used by discovery=static")
	cmd.Flags().StringVar(&dnsNames, "dns-names", "", "comma-separated DNS names or SRV records (e.g., _embermesh._udp.example.com)")
	cmd.Flags().IntVar(&dnsPort, "dns-port", 7421, "port used for A/AAAA lookups")
	cmd.Flags().DurationVar(&discRefresh, "disc-refresh", 5*time.Second, "discovery refresh/cache duration")
	cmd.Flags().StringVar(&filePath, "file-path", "", "path or glob to a file with peer endpoints (one per line or CSV)")
	cmd.Flags().StringVar(&fileEnv, "file-env", "", "ENV var name containing CSV endpoints; overrides file when set")
	cmd.Flags().StringVar(&dataPath, "data", "", "graph storage file (empty: in-memory)")
	cmd.Flags().StringVar(&mgmtAddr, "mgmt-addr", ":17421", "management address (tcp) for status/metrics/healthz")
	cmd.Flags().BoolVar(&create, "create", false, "create a new graph at startup instead of adopting one from peers")
	cmd.Flags().StringVar(&graphNonce, "graph-nonce", "", "nonce distinguishing the created graph (with --create)")
	cmd.Flags().BoolVar(&traceEnable, "trace", false, "enable OpenTelemetry stdout tracing (dev)")
	cmd.Flags().BoolVar(&tlsEnable, "tls-enable", false, "enable TLS for the management endpoint")
	cmd.Flags().StringVar(&tlsCA, "tls-ca", "", "path to CA cert (PEM)")
	cmd.Flags().StringVar(&tlsCert, "tls-cert", "", "path to server certificate (PEM)")
	cmd.Flags().StringVar(&tlsKey, "tls-key", "", "path to server private key (PEM)")
	cmd.Flags().StringVar(&tlsServerName, "tls-server-name", "", "expected server name (for TLS validation)")
	return cmd
}

// NewStatusCmd returns the "status" command.
func NewStatusCmd() *cobra.Command {
	var (
		addr          string
		timeout       time.Duration
		tlsEnable     bool
		tlsSkip       bool
		tlsCA         string
		tlsServerName string
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Fetch device status as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			scheme := "http"
			hc := &http.Client{Timeout: timeout}
			if tlsEnable {
				topts := tlsx.Options{Enable: true, CAFile: tlsCA, InsecureSkipVerify: tlsSkip, ServerName: tlsServerName}
				cfg, err := topts.Client()
				if err != nil {
					return fmt.Errorf("tls client config: %w", err)
				}
				hc.Transport = &http.Transport{TLSClientConfig: cfg}
				scheme = "https"
			}
			resp, err := hc.Get(scheme + "://" + addr + "/status")
			if err != nil {
				return fmt.Errorf("status error: %w", err)
			}
			defer resp.Body.Close()
			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("status error: %s: %s", resp.Status, data)
			}
			os.Stdout.Write(data)
			if len(data) == 0 || data[len(data)-1] != '\n' {
				os.Stdout.Write([]byte("\n"))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:17421", "management HTTP address of a device (host:port)")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "request timeout")
	cmd.Flags().BoolVar(&tlsEnable, "tls-enable", false, "use TLS for the management request")
	cmd.Flags().BoolVar(&tlsSkip, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
	cmd.Flags().StringVar(&tlsCA, "tls-ca", "", "path to CA cert (PEM)")
	cmd.Flags().StringVar(&tlsServerName, "tls-server-name", "", "expected server name (for TLS validation)")
	return cmd
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()
	return ctx, cancel
}
