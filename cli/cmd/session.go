package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/justapithecus/framefetch/cache"
	"github.com/justapithecus/framefetch/cache/badger"
	"github.com/justapithecus/framefetch/cancellation"
	"github.com/justapithecus/framefetch/cli/config"
	"github.com/justapithecus/framefetch/events"
	"github.com/justapithecus/framefetch/events/redis"
	"github.com/justapithecus/framefetch/events/webhook"
	"github.com/justapithecus/framefetch/httploader"
	"github.com/justapithecus/framefetch/imageloader"
	"github.com/justapithecus/framefetch/loader"
	"github.com/justapithecus/framefetch/log"
	"github.com/justapithecus/framefetch/metadata"
	"github.com/justapithecus/framefetch/metrics"
	"github.com/justapithecus/framefetch/scheduler"
	"github.com/justapithecus/framefetch/store"
)

// sessionChoice is the merged config file + flag view of one session.
type sessionChoice struct {
	cfg config.Config
}

// resolveSession loads the config file if given and applies flag overrides.
// Flags win only when set explicitly, so file values survive flag defaults.
func resolveSession(c *cli.Context) (sessionChoice, error) {
	var cfg config.Config
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return sessionChoice{}, err
		}
		cfg = *loaded
	}

	override := func(name string, dst *string) {
		if c.IsSet(name) || *dst == "" {
			*dst = c.String(name)
		}
	}
	override("log-level", &cfg.LogLevel)
	override("storage-backend", &cfg.Storage.Backend)
	override("storage-path", &cfg.Storage.Path)
	override("storage-region", &cfg.Storage.Region)
	override("storage-endpoint", &cfg.Storage.Endpoint)
	override("cache-path", &cfg.Cache.PersistentPath)
	override("notify", &cfg.Notify.Type)
	override("notify-url", &cfg.Notify.URL)
	override("notify-channel", &cfg.Notify.Channel)

	if c.IsSet("storage-s3-path-style") {
		cfg.Storage.S3PathStyle = c.Bool("storage-s3-path-style")
	}
	if c.IsSet("notify-events") {
		cfg.Notify.Events = c.StringSlice("notify-events")
	}
	if c.IsSet("notify-route-by-type") {
		cfg.Notify.RouteByType = c.Bool("notify-route-by-type")
	}
	if c.IsSet("cache-in-memory") {
		cfg.Cache.InMemory = c.Bool("cache-in-memory")
	}
	if c.IsSet("http-timeout") {
		cfg.HTTP.Timeout = config.Duration{Duration: c.Duration("http-timeout")}
	}
	if c.IsSet("http-retries") {
		n := c.Int("http-retries")
		cfg.HTTP.Retries = &n
	}

	if err := cfg.Validate(); err != nil {
		return sessionChoice{}, err
	}
	return sessionChoice{cfg: cfg}, nil
}

// logger builds the session logger for commands that need no full session.
func (c sessionChoice) logger() *log.Logger {
	return log.NewLogger("", c.cfg.LogLevel)
}

// session is one wired acquisition stack.
type session struct {
	id       string
	runCtx   context.Context
	stop     context.CancelFunc
	logger   *log.Logger
	metrics  *metrics.Collector
	registry *loader.Registry
	store    *store.FrameStore
	http     *httploader.Loader
	cache    *cache.Memory
	meta     *metadata.Memory
	tier     *badger.Tier
	bus      *events.Bus
	relay    *events.Relay
	pool     *scheduler.Pool
	coord    *imageloader.Coordinator
	cancel   *cancellation.Controller
}

// openSession builds every component for choice. Close releases them.
func openSession(ctx context.Context, choice sessionChoice) (*session, error) {
	cfg := choice.cfg
	s := &session{id: uuid.NewString()}
	s.runCtx, s.stop = context.WithCancel(ctx)
	s.logger = log.NewLogger(s.id, cfg.LogLevel)
	s.metrics = metrics.NewCollector(s.id, cfg.Storage.Backend)

	var err error
	s.store, err = openStore(ctx, cfg.Storage, s.logger)
	if err != nil {
		s.stop()
		return nil, err
	}

	httpCfg := httploader.Config{
		Timeout:   cfg.HTTP.Timeout.Duration,
		UserAgent: cfg.HTTP.UserAgent,
		Logger:    s.logger,
		Retries:   httploader.DefaultRetries,
	}
	if cfg.HTTP.Retries != nil {
		httpCfg.Retries = *cfg.HTTP.Retries
	}
	s.http, err = httploader.New(httpCfg)
	if err != nil {
		s.stop()
		return nil, err
	}

	s.registry = loader.NewRegistry()
	s.store.Register(s.registry)
	s.http.Register(s.registry)

	var opts []cache.Option
	if cfg.Cache.Enabled() {
		s.tier, err = badger.Open(badger.Config{Path: cfg.Cache.PersistentPath, InMemory: cfg.Cache.InMemory})
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		opts = append(opts, cache.WithTier(s.tier))
	}
	opts = append(opts, cache.WithLogger(s.logger))
	s.cache = cache.NewMemory(opts...)

	s.meta = metadata.NewMemory()
	s.bus = events.NewBus(s.logger)
	if cfg.Notify.Type != "" {
		f, err := openForwarder(cfg.Notify)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.relay = events.NewRelay(s.bus, f, events.DefaultRelayBuffer, events.DefaultRelayTimeout, s.logger)
	}

	s.pool = scheduler.NewPool(scheduler.PoolConfig{
		MaxConcurrent: cfg.Scheduler.MaxConcurrent.Map(),
		Metrics:       s.metrics,
		Logger:        s.logger,
	})

	s.coord, err = imageloader.New(imageloader.Config{
		Registry:  s.registry,
		Cache:     s.cache,
		Metadata:  s.meta,
		Events:    s.bus,
		Scheduler: s.pool,
		Metrics:   s.metrics,
		Logger:    s.logger,
	})
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.cancel = cancellation.New(s.pool, s.coord, s.metrics, s.logger)
	return s, nil
}

func openStore(ctx context.Context, cfg config.StorageConfig, logger *log.Logger) (*store.FrameStore, error) {
	switch cfg.Backend {
	case "", "fs":
		return store.NewFS(cfg.Path, logger)
	case "memory":
		return store.NewMemory(logger)
	case "s3":
		bucket, prefix := store.ParseS3Path(cfg.Path)
		return store.NewS3(ctx, store.S3Config{
			Bucket:       bucket,
			Prefix:       prefix,
			Region:       cfg.Region,
			Endpoint:     cfg.Endpoint,
			UsePathStyle: cfg.S3PathStyle,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func openForwarder(cfg config.NotifyConfig) (events.Forwarder, error) {
	eventTypes, err := cfg.EventTypes()
	if err != nil {
		return nil, err
	}
	switch cfg.Type {
	case "redis":
		rc := redis.Config{
			URL:            cfg.URL,
			Channel:        cfg.Channel,
			ChannelPerType: cfg.RouteByType,
			Types:          eventTypes,
			Timeout:        cfg.Timeout.Duration,
			Retries:        redis.DefaultRetries,
		}
		if cfg.Retries != nil {
			rc.Retries = *cfg.Retries
		}
		return redis.New(rc)
	case "webhook":
		wc := webhook.Config{
			URL:         cfg.URL,
			PathPerType: cfg.RouteByType,
			Types:       eventTypes,
			Headers:     cfg.Headers,
			Timeout:     cfg.Timeout.Duration,
			Retries:     webhook.DefaultRetries,
		}
		if cfg.Retries != nil {
			wc.Retries = *cfg.Retries
		}
		return webhook.New(wc)
	default:
		return nil, fmt.Errorf("unknown notify type %q", cfg.Type)
	}
}

// start runs the scheduler until the session closes.
func (s *session) start() error {
	return s.pool.Start(s.runCtx)
}

// Close tears the session down: queued work is dropped, in-flight fetches
// are canceled, then forwarders and storage are released.
func (s *session) Close() error {
	var errs []error
	if s.cancel != nil {
		s.cancel.CancelAll()
	}
	s.stop()
	if s.coord != nil {
		s.coord.Close()
	}
	if s.pool != nil {
		s.pool.Wait()
	}
	if s.relay != nil {
		errs = append(errs, s.relay.Close())
	}
	if s.cache != nil {
		errs = append(errs, s.cache.Close())
	}
	if s.tier != nil {
		errs = append(errs, s.tier.Close())
	}
	if s.http != nil {
		errs = append(errs, s.http.Close())
	}
	if s.logger != nil {
		_ = s.logger.Sync()
	}
	return errors.Join(errs...)
}
