// Command sessiond runs the Session Manager (§4.E): it owns the Session
// Registry, the Backend Adapter, and every Session Hub, reconciling
// persisted state against live multiplexer sessions once at startup
// before accepting any client.
//
// Grounded on the teacher's main.go (flag parsing, graceful shutdown
// shape) and ehrlich-b-wingthing's cmd/wtd/main.go (a cobra root command
// with RunE driving an http.Server against a context cancelled by
// signal.NotifyContext).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/termfabric/sessionfabric/src/api"
	"github.com/termfabric/sessionfabric/src/backend"
	"github.com/termfabric/sessionfabric/src/config"
	"github.com/termfabric/sessionfabric/src/hub"
	"github.com/termfabric/sessionfabric/src/muxclient"
	"github.com/termfabric/sessionfabric/src/reconciler"
	"github.com/termfabric/sessionfabric/src/registry"
)

func main() {
	root := &cobra.Command{
		Use:   "sessiond",
		Short: "sessionfabric Session Manager",
		RunE:  run,
	}
	root.Flags().String("config", "", "optional YAML config file (overrides TERMFABRIC_CONFIG_FILE)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		_ = os.Setenv("TERMFABRIC_CONFIG_FILE", path)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := newLogger(cfg.LogLevel)

	reg, err := registry.Open(cfg.RegistryPath)
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	defer reg.Close()

	mux := muxclient.New(cfg.MuxBinary)
	adapter := backend.New(mux, log.WithField("component", "backend"))
	hubs := hub.NewManager(adapter, api.SpecResolver(reg, cfg), reg, log.WithField("component", "hub"), cfg.MaxScrollback)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	recon := reconciler.New(reg, mux, cfg.MuxSessionPrefix, log.WithField("component", "reconciler"))
	reconCtx, cancel := context.WithTimeout(ctx, cfg.ReconcileTimeout+time.Second)
	report, err := recon.Run(reconCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}
	log.WithFields(logrus.Fields{
		"downgraded_direct_pty": report.DowngradedDirectPTY,
		"adopted":               len(report.Adopted),
		"evicted":               len(report.Evicted),
		"renamed_legacy":        report.RenamedLegacy,
	}).Info("startup reconciliation complete")

	srv := api.NewServer(reg, hubs, mux, cfg, log.WithField("component", "api"))
	httpSrv := &http.Server{
		Addr:    cfg.SMAddr(),
		Handler: srv.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("session manager listening on %s", cfg.SMAddr())
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newLogger(level string) *logrus.Entry {
	l := logrus.New()
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	l.SetLevel(parsed)
	return logrus.NewEntry(l)
}
