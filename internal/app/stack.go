package app

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"horse.fit/announcements/internal/cli"
	"horse.fit/announcements/internal/config"
	"horse.fit/announcements/internal/db"
	"horse.fit/announcements/internal/logging"
	"horse.fit/announcements/internal/priority"
	"horse.fit/announcements/internal/resolver"
	"horse.fit/announcements/internal/rules"
)

// stack is the wired resolution pipeline shared by the long-running and batch
// commands.
type stack struct {
	cfg         *config.Config
	logger      zerolog.Logger
	pool        *db.Pool
	rdb         *redis.Client
	cache       *rules.Cache
	priorities  *priority.Table
	resolver    *resolver.Resolver
	invalidator *rules.Invalidator
	publisher   *rules.Publisher
}

func loadConfigAndLogger(envLoader *cli.EnvLoader) (*config.Config, zerolog.Logger, error) {
	if envLoader != nil {
		if _, err := envLoader.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, logger, nil
}

func newStack(ctx context.Context, envLoader *cli.EnvLoader) (*stack, error) {
	cfg, logger, err := loadConfigAndLogger(envLoader)
	if err != nil {
		return nil, err
	}

	rt := &stack{cfg: cfg, logger: logger}
	rt.pool, err = db.NewPool(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.EventsEnabled() {
		rt.rdb, err = db.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
	}

	rt.cache, err = rules.NewCache(rt.pool, cfg.RuleCacheSize, logger)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.priorities, err = priority.LoadTable(ctx, rt.pool)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to load source priorities: %w", err)
	}

	opts, err := resolver.OptionsFromConfig(cfg)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.resolver, err = resolver.New(resolver.NewPoolStore(rt.pool), rt.cache, rt.priorities, opts, logger)
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.invalidator = rules.NewInvalidator(rt.cache, rt.priorities, logger)
	rt.publisher = rules.NewPublisher(rt.rdb, cfg.RuleEventsChannel)
	return rt, nil
}

// listen applies configuration events from other processes until ctx ends.
// It is a no-op without Redis.
func (rt *stack) listen(ctx context.Context) {
	if rt.rdb == nil {
		rt.logger.Info().Msg("REDIS_URL not set; configuration changes need a restart or an API call")
		return
	}
	listener := rules.NewListener(rt.rdb, rt.cfg.RuleEventsChannel, rt.invalidator, rt.logger)
	go func() {
		if err := listener.Run(ctx); err != nil {
			rt.logger.Error().Err(err).Msg("config event listener stopped")
		}
	}()
}

func (rt *stack) Close() {
	if rt == nil {
		return
	}
	if rt.rdb != nil {
		_ = rt.rdb.Close()
	}
	if rt.pool != nil {
		_ = rt.pool.Close()
	}
}

// publishEvents broadcasts configuration edits made by this process. Without
// Redis, running processes only notice them on their next restart.
func publishEvents(ctx context.Context, cfg *config.Config, logger zerolog.Logger, events []rules.Event) error {
	if len(events) == 0 {
		return nil
	}
	if !cfg.EventsEnabled() {
		fmt.Fprintln(os.Stderr, "Warning: REDIS_URL is not set; running processes were not notified")
		return nil
	}

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer rdb.Close()

	publisher := rules.NewPublisher(rdb, cfg.RuleEventsChannel)
	for _, ev := range events {
		if err := publisher.Publish(ctx, ev); err != nil {
			return err
		}
		logger.Info().Str("scope", string(ev.Scope)).Str("domain", ev.Domain).Msg("config event published")
	}
	return nil
}
