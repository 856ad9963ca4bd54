// Command assetsworker is the long-running process: it loads configuration,
// opens the store (running migrations when configured), serves the read API,
// and drives engine ticks on the configured interval until SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/briandastous/bdx/internal/app"
	"github.com/briandastous/bdx/internal/httpapi"
	"github.com/briandastous/bdx/pkg/model"
	"github.com/briandastous/bdx/pkg/runloop"
	"github.com/briandastous/bdx/pkg/version"
)

func main() {
	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	log := a.Log.WithField("component", "assetsworker")
	log.WithField("version", version.FullVersion()).Info("starting")

	api := httpapi.New(a.Store, a.Client, a.Log.WithField("component", "httpapi"),
		a.Cfg.Webhook.Token, model.UserID(a.Cfg.Upstream.SelfUserID))
	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", a.Cfg.Server.Host, a.Cfg.Server.Port),
		Handler: api.Router(),
	}
	go func() {
		log.WithField("addr", server.Addr).Info("http api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("http api stopped")
		}
	}()

	loop := runloop.New(
		time.Duration(a.Cfg.Engine.TickIntervalMS)*time.Millisecond,
		func(ctx context.Context) error {
			_, err := a.Engine.Tick(ctx)
			return err
		},
		log,
	)
	err = loop.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	log.Info("stopped")

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
