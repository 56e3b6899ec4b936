package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kira210402/DepositNFT/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the local session and transaction API",
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetInt("port")
		autoConnect, _ := cmd.Flags().GetBool("connect")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, opts)
		if err != nil {
			return err
		}
		defer a.Close()

		store, err := a.replayStore(ctx)
		if err != nil {
			return err
		}
		if port == 0 {
			port = a.cfg.Service.HTTPPort
		}

		var srvOpts []server.Option
		if a.rpcHealth != nil {
			srvOpts = append(srvOpts, server.WithRPCHealth(a.rpcHealth))
		}
		srv := server.NewServer(server.Config{
			Host:              a.cfg.Service.Host,
			HTTPPort:          port,
			IdempotencyWindow: a.cfg.Idempotency.Window,
			AuthSecret:        a.cfg.Service.AuthSecret,
			AuthMaxSkew:       a.cfg.Service.AuthMaxSkew,
		}, a.session, a.flows, store, a.notes, a.metrics, a.log.Named("api"), srvOpts...)

		if autoConnect {
			if err := a.session.Connect(ctx); err != nil {
				a.log.Warn("initial connect failed", zap.Error(err))
			}
		}

		errCh := make(chan error, 1)
		go func() { errCh <- srv.Start() }()

		select {
		case <-ctx.Done():
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntP("port", "p", 0, "HTTP port (default: service.http_port)")
	serveCmd.Flags().Bool("connect", true, "connect the wallet on startup")
}
