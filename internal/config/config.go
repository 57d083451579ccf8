// Package config loads the client configuration from a YAML file with
// LIVESYNC_* environment overrides and watches the file for changes.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/zeusync/livesync/internal/core/observability/log"
	"github.com/zeusync/livesync/internal/core/sync/backoff"
	"github.com/zeusync/livesync/internal/core/sync/cache"
	"github.com/zeusync/livesync/internal/core/sync/conflict"
	"github.com/zeusync/livesync/internal/core/sync/dedup"
	"github.com/zeusync/livesync/internal/core/sync/model"
	"github.com/zeusync/livesync/internal/core/sync/polling"
)

const EnvPrefix = "LIVESYNC_"

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Actor     model.Actor     `yaml:"actor"`
	Log       LogConfig       `yaml:"log"`
	Transport TransportConfig `yaml:"transport"`
	Polling   PollingConfig   `yaml:"polling"`
	Backoff   BackoffConfig   `yaml:"backoff"`
	State     StateConfig     `yaml:"state"`
	Cache     CacheConfig     `yaml:"cache"`
	Control   ControlConfig   `yaml:"control"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type TransportConfig struct {
	BaseURL string        `yaml:"baseURL"`
	PushURL string        `yaml:"pushURL"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

type PollingConfig struct {
	Intervals polling.Intervals `yaml:"intervals"`
	// OfflineThreshold is the number of consecutive failed polls after which
	// the connection is reported offline.
	OfflineThreshold int `yaml:"offlineThreshold"`
}

type BackoffConfig struct {
	Base        time.Duration `yaml:"base"`
	Max         time.Duration `yaml:"max"`
	Jitter      float64       `yaml:"jitter"`
	MaxAttempts int           `yaml:"maxAttempts"`
}

type StateConfig struct {
	RecentCap      int           `yaml:"recentCap"`
	ResolvedCap    int           `yaml:"resolvedCap"`
	ConflictWindow time.Duration `yaml:"conflictWindow"`
	DedupCapacity  int           `yaml:"dedupCapacity"`
}

type CacheConfig struct {
	Shards        int           `yaml:"shards"`
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
}

// ControlConfig configures the local control API. An empty Addr disables it.
type ControlConfig struct {
	Addr         string   `yaml:"addr"`
	Token        string   `yaml:"token"`
	AllowOrigins []string `yaml:"allowOrigins"`
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	bo := backoff.DefaultPolicy()
	return Config{
		Log: LogConfig{Level: "info"},
		Transport: TransportConfig{
			BaseURL: "http://127.0.0.1:8080",
			Timeout: 15 * time.Second,
		},
		Polling: PollingConfig{
			Intervals:        polling.DefaultIntervals(),
			OfflineThreshold: 3,
		},
		Backoff: BackoffConfig{
			Base:        bo.Base,
			Max:         bo.Max,
			Jitter:      bo.Jitter,
			MaxAttempts: bo.MaxAttempts,
		},
		State: StateConfig{
			RecentCap:      model.DefaultRecentCap,
			ResolvedCap:    model.DefaultResolvedCap,
			ConflictWindow: conflict.DefaultWindow,
			DedupCapacity:  dedup.DefaultCapacity,
		},
		Cache: CacheConfig{
			Shards:        cache.DefaultShards,
			TTL:           cache.DefaultTTL,
			SweepInterval: cache.DefaultSweepInterval,
		},
	}
}

// Load reads path over the defaults and applies environment overrides. An
// empty path yields the defaults plus the environment.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer func() { _ = f.Close() }()
		if cfg, err = LoadYAML(f, cfg); err != nil {
			return Config{}, err
		}
	}
	ApplyEnv(&cfg, os.LookupEnv)
	if cfg.Actor.ID == "" {
		cfg.Actor.ID = uuid.NewString()
	}
	return cfg, cfg.Validate()
}

// LoadYAML decodes r over base. Keys missing from the document keep their
// value from base.
func LoadYAML(r io.Reader, base Config) (Config, error) {
	cfg := base
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides cfg from LIVESYNC_* variables. Unparsable values are
// ignored.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
				*dst = d
			}
		}
	}
	num := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				*dst = n
			}
		}
	}

	str("ACTOR_ID", &cfg.Actor.ID)
	str("ACTOR_NAME", &cfg.Actor.Name)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("BASE_URL", &cfg.Transport.BaseURL)
	str("PUSH_URL", &cfg.Transport.PushURL)
	str("TOKEN", &cfg.Transport.Token)
	dur("TIMEOUT", &cfg.Transport.Timeout)
	dur("POLL_LIVE", &cfg.Polling.Intervals.Live)
	dur("POLL_PASSIVE", &cfg.Polling.Intervals.Passive)
	num("OFFLINE_THRESHOLD", &cfg.Polling.OfflineThreshold)
	dur("BACKOFF_BASE", &cfg.Backoff.Base)
	dur("BACKOFF_MAX", &cfg.Backoff.Max)
	num("BACKOFF_MAX_ATTEMPTS", &cfg.Backoff.MaxAttempts)
	num("RECENT_CAP", &cfg.State.RecentCap)
	dur("CONFLICT_WINDOW", &cfg.State.ConflictWindow)
	num("DEDUP_CAPACITY", &cfg.State.DedupCapacity)
	dur("CACHE_TTL", &cfg.Cache.TTL)
	str("CONTROL_ADDR", &cfg.Control.Addr)
	str("CONTROL_TOKEN", &cfg.Control.Token)
}

func (c Config) Validate() error {
	var problems []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
		}
	}
	check(c.Transport.BaseURL != "", "transport.baseURL is required")
	check(c.Polling.Intervals.Live > 0, "polling.intervals.live must be positive")
	check(c.Polling.Intervals.Passive > 0, "polling.intervals.passive must be positive")
	check(c.Polling.Intervals.Jitter >= 0 && c.Polling.Intervals.Jitter <= 1, "polling.intervals.jitter must be within [0,1]")
	check(c.Polling.OfflineThreshold > 0, "polling.offlineThreshold must be positive")
	check(c.Backoff.Base > 0, "backoff.base must be positive")
	check(c.Backoff.Max >= c.Backoff.Base, "backoff.max must not be below backoff.base")
	check(c.Backoff.Jitter >= 0 && c.Backoff.Jitter <= 1, "backoff.jitter must be within [0,1]")
	check(c.State.RecentCap > 0, "state.recentCap must be positive")
	check(c.State.ConflictWindow > 0, "state.conflictWindow must be positive")
	check(c.State.DedupCapacity > 0, "state.dedupCapacity must be positive")
	return errors.Join(problems...)
}

func (c Config) LogLevel() log.Level {
	return log.ParseLevel(c.Log.Level)
}

func (c Config) BackoffPolicy() backoff.Policy {
	return backoff.Policy{
		Base:        c.Backoff.Base,
		Max:         c.Backoff.Max,
		Jitter:      c.Backoff.Jitter,
		MaxAttempts: c.Backoff.MaxAttempts,
	}
}

func (c Config) CacheOptions(logger log.Log) cache.Options {
	return cache.Options{
		Shards:        c.Cache.Shards,
		TTL:           c.Cache.TTL,
		SweepInterval: c.Cache.SweepInterval,
		Logger:        logger,
	}
}
