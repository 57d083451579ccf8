package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/zeusync/livesync/internal/config"
	"github.com/zeusync/livesync/internal/core/events/bus"
	"github.com/zeusync/livesync/internal/core/observability/log"
	"github.com/zeusync/livesync/internal/core/sync/model"
	"github.com/zeusync/livesync/internal/injector"
	"github.com/zeusync/livesync/internal/transport/control"
)

const shutdownTimeout = 5 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv(config.EnvPrefix+"CONFIG"), "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload polling cadence when the configuration file changes")
	flag.Parse()
	gin.SetMode(gin.ReleaseMode)

	if err := run(*configPath, *watch); err != nil {
		fmt.Fprintln(os.Stderr, "livesyncd:", err)
		os.Exit(1)
	}
}

func run(configPath string, watch bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	app, cleanup, err := injector.InitializeApp(cfg)
	if err != nil {
		return err
	}
	defer cleanup()
	logger := app.Logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err = subscribe(app, logger); err != nil {
		return err
	}
	if err = app.Engine.Start(ctx); err != nil {
		return err
	}
	logger.Info("livesyncd running",
		log.String("actor", cfg.Actor.ID),
		log.String("base_url", cfg.Transport.BaseURL))

	g, gctx := errgroup.WithContext(ctx)
	if watch && configPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, configPath, logger, func(next config.Config) {
				app.Engine.SetIntervals(next.Polling.Intervals)
				app.Engine.SetConflictWindow(next.State.ConflictWindow)
				logger.SetLevel(next.LogLevel())
			})
		})
	}
	if cfg.Control.Addr != "" {
		srv := &http.Server{
			Addr: cfg.Control.Addr,
			Handler: control.NewRouter(app.Engine, control.Options{
				Token:        cfg.Control.Token,
				AllowOrigins: cfg.Control.AllowOrigins,
				Logger:       logger,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("Control API listening", log.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	err = g.Wait()

	logger.Info("livesyncd stopping")
	if stopErr := app.Engine.Stop(); stopErr != nil {
		logger.Error("Engine stopped with errors", log.Error(stopErr))
	}
	return err
}

// subscribe logs the engine's events.
func subscribe(app *injector.App, logger log.Log) error {
	b := app.Engine.Bus()
	if _, err := bus.Subscribe(b, model.EventUpdate, func(ev model.UpdateEvent) error {
		logger.Info("Notification update",
			log.String("type", string(ev.Type)),
			log.Int("unread", ev.UnreadCount))
		return nil
	}); err != nil {
		return err
	}
	if _, err := bus.Subscribe(b, model.EventConflictDetected, func(ev model.ConflictEvent) error {
		logger.Warn("Conflict detected",
			log.String("conflict_id", ev.Conflict.ID),
			log.String("resource", ev.Conflict.Key().String()),
			log.String("remote_actor", ev.Conflict.RemoteChange.ActorName))
		return nil
	}); err != nil {
		return err
	}
	_, err := bus.Subscribe(b, model.EventConnectionChanged, func(ev model.ConnectionEvent) error {
		logger.Info("Connection status changed",
			log.String("from", string(ev.From)),
			log.String("to", string(ev.To)))
		return nil
	})
	return err
}
