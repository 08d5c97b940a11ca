// Command gatewayd runs the Gateway (§4.F/§4.G): the single
// internet-facing endpoint browsers connect to, sharing one upstream
// Session Manager connection per session across every subscribed
// Browser Channel.
//
// Grounded the same way as cmd/sessiond: a cobra root command wrapping
// an http.Server shut down on signal.NotifyContext cancellation
// (ehrlich-b-wingthing's cmd/wtd/main.go).
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

	"github.com/termfabric/sessionfabric/src/config"
	"github.com/termfabric/sessionfabric/src/gateway"
	"github.com/termfabric/sessionfabric/src/gateway/auth"
	"github.com/termfabric/sessionfabric/src/gateway/upstream"
)

func main() {
	root := &cobra.Command{
		Use:   "gatewayd",
		Short: "sessionfabric Gateway",
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
	if cfg.JWTSigningKey == "" {
		return fmt.Errorf("JWT_SIGNING_KEY is required to run gatewayd")
	}

	log := newLogger(cfg.LogLevel)

	pool := upstream.NewPool(cfg.SMBaseURL, log.WithField("component", "upstream"))
	validator := auth.NewValidator(cfg.JWTSigningKey)
	srv := gateway.NewServer(pool, validator, log.WithField("component", "gateway"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpSrv := &http.Server{
		Addr:    cfg.GatewayAddr(),
		Handler: srv.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("gateway listening on %s", cfg.GatewayAddr())
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
