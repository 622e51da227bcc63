package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"horse.fit/announcements/internal/identity"
)

// Scope says which configuration an event invalidates.
type Scope string

const (
	ScopeDomain   Scope = "domain"
	ScopeAll      Scope = "all"
	ScopePriority Scope = "priority"
)

// Event announces a configuration edit.
type Event struct {
	Scope  Scope  `json:"scope"`
	Domain string `json:"domain,omitempty"`
}

func DomainEvent(domain string) Event { return Event{Scope: ScopeDomain, Domain: domain} }

func (e Event) Validate() error {
	switch e.Scope {
	case ScopeDomain:
		if identity.NormalizeDomain(e.Domain) == "" {
			return fmt.Errorf("domain event requires a domain")
		}
	case ScopeAll, ScopePriority:
	default:
		return fmt.Errorf("unknown event scope %q", e.Scope)
	}
	return nil
}

// ParseEvent decodes and validates an event payload.
func ParseEvent(payload string) (Event, error) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return Event{}, fmt.Errorf("decode config event: %w", err)
	}
	ev.Scope = Scope(strings.ToLower(strings.TrimSpace(string(ev.Scope))))
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// PriorityReloader refreshes the in-memory priority snapshot.
type PriorityReloader interface {
	Reload(ctx context.Context) error
}

// Invalidator applies configuration events to the local caches.
type Invalidator struct {
	cache      *Cache
	priorities PriorityReloader
	logger     zerolog.Logger
}

func NewInvalidator(cache *Cache, priorities PriorityReloader, logger zerolog.Logger) *Invalidator {
	return &Invalidator{cache: cache, priorities: priorities, logger: logger}
}

func (i *Invalidator) Apply(ctx context.Context, ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	switch ev.Scope {
	case ScopeDomain:
		if i.cache != nil {
			i.cache.Invalidate(ev.Domain)
		}
	case ScopeAll:
		if i.cache != nil {
			i.cache.InvalidateAll()
		}
	case ScopePriority:
		if i.priorities != nil {
			if err := i.priorities.Reload(ctx); err != nil {
				return fmt.Errorf("reload priorities: %w", err)
			}
		}
	}
	i.logger.Info().
		Str("scope", string(ev.Scope)).
		Str("domain", ev.Domain).
		Msg("configuration change applied")
	return nil
}

// resync drops everything local after events may have been missed.
func (i *Invalidator) resync(ctx context.Context) {
	if i.cache != nil {
		i.cache.InvalidateAll()
	}
	if i.priorities != nil {
		if err := i.priorities.Reload(ctx); err != nil {
			i.logger.Warn().Err(err).Msg("priority reload after resubscribe failed")
		}
	}
}

// Publisher broadcasts configuration events over Redis pub/sub. A nil client
// turns Publish into a no-op for single-process deployments.
type Publisher struct {
	rdb     *redis.Client
	channel string
}

func NewPublisher(rdb *redis.Client, channel string) *Publisher {
	return &Publisher{rdb: rdb, channel: channel}
}

// Enabled reports whether Publish reaches other processes.
func (p *Publisher) Enabled() bool {
	return p != nil && p.rdb != nil
}

func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if p == nil || p.rdb == nil {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode config event: %w", err)
	}
	if err := p.rdb.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish config event: %w", err)
	}
	return nil
}

// Listener feeds events from the Redis channel into an Invalidator.
type Listener struct {
	rdb         *redis.Client
	channel     string
	invalidator *Invalidator
	logger      zerolog.Logger
	retryDelay  time.Duration
}

func NewListener(rdb *redis.Client, channel string, invalidator *Invalidator, logger zerolog.Logger) *Listener {
	return &Listener{
		rdb:         rdb,
		channel:     channel,
		invalidator: invalidator,
		logger:      logger,
		retryDelay:  time.Second,
	}
}

// Run blocks until ctx ends. Each (re)subscription resyncs the local caches,
// since events published while disconnected are lost.
func (l *Listener) Run(ctx context.Context) error {
	if l == nil || l.rdb == nil {
		return fmt.Errorf("redis client is required for config events")
	}
	sub := l.rdb.Subscribe(ctx, l.channel)
	defer sub.Close()

	for {
		msg, err := sub.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return nil
			}
			l.logger.Warn().Err(err).Str("channel", l.channel).Msg("config event receive failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(l.retryDelay):
			}
			continue
		}

		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind == "subscribe" {
				l.logger.Info().Str("channel", m.Channel).Msg("subscribed to config events")
				l.invalidator.resync(ctx)
			}
		case *redis.Message:
			ev, err := ParseEvent(m.Payload)
			if err != nil {
				l.logger.Warn().Err(err).Str("payload", m.Payload).Msg("ignoring malformed config event")
				continue
			}
			if err := l.invalidator.Apply(ctx, ev); err != nil {
				l.logger.Error().Err(err).Str("scope", string(ev.Scope)).Msg("apply config event failed")
			}
		}
	}
}
