package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/majorcontext/redoubt/internal/audit"
	"github.com/majorcontext/redoubt/internal/config"
	"github.com/majorcontext/redoubt/internal/log"
	"github.com/majorcontext/redoubt/internal/metrics"
	"github.com/majorcontext/redoubt/internal/policy"
	"github.com/majorcontext/redoubt/internal/proxy"
	"github.com/majorcontext/redoubt/internal/vault"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway in the foreground",
	Long: `Run the gateway in the foreground.

SIGHUP reloads the configuration; a failed reload keeps the previous
snapshot in force. SIGINT/SIGTERM drain connections and exit 0.

Exit codes: 1 configuration error, 2 listener bind failure,
3 TLS key/certificate load failure.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	path := configPath()
	cfg, err := config.Load(path)
	if err != nil {
		return exitWith(ExitConfig, err)
	}

	snap, pol, err := cfg.Build()
	if err != nil {
		return exitWith(ExitConfig, err)
	}

	m := metrics.New()

	ca, err := loadInterceptionCA(cfg, m)
	if err != nil {
		return exitWith(ExitTLS, err)
	}

	tlsConf, err := proxy.LoadTLSConfig(proxy.TLSOptions{
		CertFile:         cfg.Listener.TLS.Cert,
		KeyFile:          cfg.Listener.TLS.Key,
		ClientCAFile:     cfg.Listener.TLS.ClientCA,
		AllowLocalHealth: cfg.Listener.AllowLocalHealth,
	}, m)
	if err != nil {
		return exitWith(ExitTLS, err)
	}

	var trail *audit.Store
	if cfg.Audit.Path != "" {
		trail, err = audit.Open(cfg.Audit.Path)
		if err != nil {
			return exitWith(ExitConfig, fmt.Errorf("opening audit trail: %w", err))
		}
		defer trail.Close()
	}

	gateway := proxy.New(proxy.Options{
		Vault:            vault.NewHandle(snap),
		Runtime:          runtimeFromConfig(cfg, pol),
		CA:               ca,
		Metrics:          m,
		Trail:            trail,
		AllowLocalHealth: cfg.Listener.AllowLocalHealth,
	})

	server := proxy.NewServer(gateway, tlsConf)
	if err := server.Listen(cfg.Listener.BindAddr); err != nil {
		return exitWith(ExitBind, err)
	}

	log.Info("redoubt starting",
		"addr", server.Addr(),
		"bindings", snap.Len(),
		"fail_mode", cfg.Policy.FailMode,
		"audit", cfg.Audit.Path != "")
	fmt.Fprintf(cmd.OutOrStdout(), "Gateway listening on %s (%d bindings, fail_mode=%s)\n",
		server.Addr(), snap.Len(), cfg.Policy.FailMode)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	var group errgroup.Group
	group.Go(server.Serve)
	group.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			case <-hup:
				reload(path, gateway)
			}
		}
	})

	if err := group.Wait(); err != nil {
		return exitWith(ExitInternal, err)
	}
	return nil
}

// reload re-reads the configuration and swaps the snapshot. Reloads are
// all-or-nothing: any failure leaves the previous snapshot serving.
func reload(path string, gateway *proxy.Gateway) {
	cfg, err := config.Load(path)
	if err != nil {
		log.Error("reload failed, keeping previous configuration", "error", err)
		return
	}
	snap, pol, err := cfg.Build()
	if err != nil {
		log.Error("reload failed, keeping previous configuration", "error", err)
		return
	}
	gateway.Reload(snap, runtimeFromConfig(cfg, pol))
}

// runtimeFromConfig translates the validated document into pipeline limits.
func runtimeFromConfig(cfg *config.Config, pol *policy.Policy) *proxy.Runtime {
	return &proxy.Runtime{
		Policy:           pol,
		MaxBodyBytes:     int64(cfg.Upstream.MaxBodyBytes),
		MaxResponseBytes: int64(cfg.Upstream.MaxResponseBytes),
		ConnectTimeout:   cfg.Upstream.ConnectTimeout.Std(),
		TotalTimeout:     cfg.Upstream.TotalTimeout.Std(),
		ScanBinary:       cfg.Upstream.ScanBinary,
	}
}

// loadInterceptionCA loads the configured MITM CA, or generates a
// development CA under the state directory when none is configured.
func loadInterceptionCA(cfg *config.Config, m *metrics.Metrics) (*proxy.CA, error) {
	var (
		ca  *proxy.CA
		err error
	)
	switch {
	case cfg.MITM.CACert != "" && cfg.MITM.CAKey != "":
		ca, err = proxy.LoadCA(cfg.MITM.CACert, cfg.MITM.CAKey)
	case cfg.MITM.Dir != "":
		ca, err = proxy.NewCA(cfg.MITM.Dir)
	default:
		dir := filepath.Join(stateDir(), "ca")
		ca, err = proxy.NewCA(dir)
		if err == nil {
			log.Info("generated development interception CA; install it in the agent trust store",
				"path", filepath.Join(dir, "ca.crt"))
		}
	}
	if err != nil {
		return nil, err
	}
	m.ObserveCertificate(ca.Subject(), ca.NotAfter())
	return ca, nil
}
