package injector

import (
	"net/http"

	"github.com/google/wire"

	"github.com/zeusync/livesync/internal/config"
	"github.com/zeusync/livesync/internal/core/observability/log"
	"github.com/zeusync/livesync/internal/core/sync/engine"
	"github.com/zeusync/livesync/internal/core/sync/push"
	"github.com/zeusync/livesync/internal/core/sync/validate"
	"github.com/zeusync/livesync/internal/transport/httpapi"
	"github.com/zeusync/livesync/internal/transport/wspush"
)

var ProviderSet = wire.NewSet(
	ProvideLogger,
	wire.Bind(new(log.Log), new(*log.Logger)),
	ProvideValidator,
	ProvideTransport,
	wire.Bind(new(engine.Transport), new(*httpapi.Client)),
	ProvidePush,
	ProvideEngine,
	wire.Struct(new(App), "*"),
)

// App is everything the daemon needs at run time.
type App struct {
	Config config.Config
	Engine *engine.Engine
	Logger *log.Logger
}

func ProvideLogger(cfg config.Config) (*log.Logger, func()) {
	logger := log.New(cfg.LogLevel())
	return logger, func() { _ = logger.Sync() }
}

func ProvideValidator() (*validate.Validator, error) {
	return validate.New()
}

func ProvideTransport(cfg config.Config, v *validate.Validator, logger log.Log) (*httpapi.Client, error) {
	return httpapi.New(httpapi.Options{
		BaseURL:    cfg.Transport.BaseURL,
		Token:      cfg.Transport.Token,
		HTTPClient: &http.Client{Timeout: cfg.Transport.Timeout},
		Validator:  v,
		Logger:     logger,
	})
}

// ProvidePush returns nil when no push endpoint is configured; the engine
// then relies on polling alone.
func ProvidePush(cfg config.Config, logger log.Log) (push.Client, error) {
	if cfg.Transport.PushURL == "" {
		return nil, nil
	}
	c, err := wspush.New(wspush.Config{
		URL:                  cfg.Transport.PushURL,
		Token:                cfg.Transport.Token,
		ReconnectInterval:    cfg.Backoff.Base,
		MaxReconnectInterval: cfg.Backoff.Max,
	}, logger)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func ProvideEngine(cfg config.Config, transport engine.Transport, client push.Client, v *validate.Validator, logger log.Log) (*engine.Engine, func(), error) {
	e, err := engine.New(engine.Options{
		Actor:            cfg.Actor,
		Transport:        transport,
		Push:             client,
		RecentCap:        cfg.State.RecentCap,
		ResolvedCap:      cfg.State.ResolvedCap,
		ConflictWindow:   cfg.State.ConflictWindow,
		DedupCapacity:    cfg.State.DedupCapacity,
		Intervals:        cfg.Polling.Intervals,
		Backoff:          cfg.BackoffPolicy(),
		OfflineThreshold: cfg.Polling.OfflineThreshold,
		Cache:            cfg.CacheOptions(logger),
		Validator:        v,
		Logger:           logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return e, func() { _ = e.Stop() }, nil
}
