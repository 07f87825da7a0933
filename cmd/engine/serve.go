package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"outreach-engine/internal/config"
	"outreach-engine/internal/httpapi"
	"outreach-engine/internal/scheduler"
	"outreach-engine/internal/secrets"
)

func serveCmd() *cobra.Command {
	var noDriver bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with the periodic driver, reconciliation and mailbox poller",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.serve(ctx, !noDriver)
		},
	}
	cmd.Flags().BoolVar(&noDriver, "no-driver", false, "serve the API without the periodic driver")
	return cmd
}

func (a *app) serve(ctx context.Context, withDriver bool) error {
	cfg := a.config()

	router := httpapi.NewRouter(httpapi.Deps{
		Store:    a.db,
		Engine:   a.engine,
		Admit:    a.admit,
		Stop:     a.stop,
		Governor: a.gov,
		Emails:   a.emails,
		Content:  a.content,
		Delivery: a.ingester,
		Driver:   a.runner,
		Breakers: []httpapi.BreakerProbe{a.cb},
		Hub:      a.hub,
		CfgVal:   a.cfgVal,

		UserCfgPath: a.cfgPath,
		LoadCfg:     func() (config.Config, error) { return loadConfig(a.cfgPath, a.log) },
		JWTSecret:   secrets.JWTSecret,
		Log:         a.log,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.App.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	token, err := randomToken(32)
	if err != nil {
		return err
	}
	tokPath, err := writeShutdownToken(a.dataDir, token)
	if err != nil {
		return fmt.Errorf("write shutdown token: %w", err)
	}
	defer os.Remove(tokPath)
	router.Post("/shutdown", shutdownHandler(token, srv))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	loops, cancel := context.WithCancel(ctx)
	defer cancel()
	if withDriver {
		a.runner.Start(loops, seconds(cfg.Polling.DriverSeconds), seconds(cfg.Polling.ReconcileSeconds))
	}
	if p := a.mailboxPoller(); p != nil {
		go scheduler.Every(loops, seconds(cfg.Polling.MailboxSeconds), "mailbox", a.log, func(ctx context.Context) error {
			sum, err := p.PollOnce(ctx)
			if err == nil && sum.Fetched > 0 {
				a.log.Info("mailbox polled", "fetched", sum.Fetched, "bounces", sum.Bounces, "replies", sum.Replies, "failed", sum.Failed)
			}
			return err
		})
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()
	a.log.Info("listening", "addr", "http://"+addr, "driver", withDriver, "mailbox", cfg.Mailbox.Enabled)

	select {
	case <-ctx.Done():
		shutCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		if err := srv.Shutdown(shutCtx); err != nil {
			a.log.Error("shutdown", "err", err)
		}
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}
	cancel()

	ckCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := a.db.Checkpoint(ckCtx); err != nil {
		a.log.Warn("wal checkpoint failed", "err", err)
	}
	a.log.Info("stopped")
	return nil
}
