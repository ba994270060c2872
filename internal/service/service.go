package service

import (
	"context"
	"errors"
	"strings"
	"time"

	zlog "github.com/rs/zerolog/log"

	"gpos/backend/internal/cache"
	"gpos/backend/internal/domain"
	"gpos/backend/internal/events"
	"gpos/backend/internal/messaging"
	"gpos/backend/internal/metrics"
	"gpos/backend/internal/oauthproxy"
	"gpos/backend/internal/store"
)

// ErrCacheUnavailable marks failures of the duplicate guard cache. The HTTP
// layer reports it as "cache system error".
var ErrCacheUnavailable = errors.New("cache system error")

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Options struct {
	Cache     cache.Store
	Events    events.Publisher
	Metrics   *metrics.Metrics
	Tokens    *oauthproxy.Proxy
	Messaging messaging.Gateway
	DedupTTL  time.Duration
	OTPTTL    time.Duration
	Clock     func() time.Time
}

type Service struct {
	repo     store.Repository
	cache    cache.Store
	events   events.Publisher
	metrics  *metrics.Metrics
	tokens   *oauthproxy.Proxy
	sms      messaging.Gateway
	dedupTTL time.Duration
	otpTTL   time.Duration
	now      func() time.Time
}

func New(repo store.Repository, opts Options) *Service {
	s := &Service{
		repo:     repo,
		cache:    opts.Cache,
		events:   opts.Events,
		metrics:  opts.Metrics,
		tokens:   opts.Tokens,
		sms:      opts.Messaging,
		dedupTTL: opts.DedupTTL,
		otpTTL:   opts.OTPTTL,
		now:      opts.Clock,
	}
	if s.cache == nil {
		s.cache = cache.NewMemoryStore()
	}
	if s.events == nil {
		s.events = events.LogPublisher{}
	}
	if s.tokens == nil {
		s.tokens = oauthproxy.New("", nil)
	}
	if s.sms == nil {
		s.sms = messaging.LogGateway{}
	}
	if s.dedupTTL <= 0 {
		s.dedupTTL = 600 * time.Second
	}
	if s.otpTTL <= 0 {
		s.otpTTL = 300 * time.Second
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s
}

func invalidf(format string, args ...any) error {
	return store.Errorf(store.ErrInvalidInput, format, args...)
}

func notFoundf(format string, args ...any) error {
	return store.Errorf(store.ErrNotFound, format, args...)
}

func conflictf(format string, args ...any) error {
	return store.Errorf(store.ErrConflict, format, args...)
}

// wrapNotFound replaces a bare store.ErrNotFound with a message naming the
// missing record. Other errors pass through.
func wrapNotFound(err error, format string, args ...any) error {
	if errors.Is(err, store.ErrNotFound) {
		return notFoundf(format, args...)
	}
	return err
}

func (s *Service) publish(ctx context.Context, eventType string, key string, payload any) {
	err := s.events.Publish(ctx, domain.Event{
		Type:       eventType,
		Key:        key,
		Payload:    payload,
		OccurredAt: s.now(),
	})
	if err != nil {
		zlog.Warn().Err(err).Str("type", eventType).Str("key", key).Msg("service: failed to publish event")
	}
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}
	zlog.Info().
		Str("action", action).
		Str("entity_type", entityType).
		Str("entity_id", entityID).
		Str("actor", actor.Username).
		Str("role", actor.Role).
		Str("detail", detail).
		Msg("audit")
}

func actorName(ctx context.Context) string {
	if actor, ok := ActorFromContext(ctx); ok {
		return actor.Username
	}
	return ""
}

// normalizePaymentMode maps the client-side "cash" and "card" modes through
// the profile's offline mapping. The first matching row wins.
func normalizePaymentMode(mode string, profile *domain.POSProfile) string {
	trimmed := strings.TrimSpace(mode)
	if profile == nil {
		return trimmed
	}
	switch strings.ToLower(trimmed) {
	case "cash", "card":
	default:
		return trimmed
	}
	for _, mapping := range profile.Payments {
		if strings.EqualFold(mapping.OfflineModeOfPayment, trimmed) && mapping.ModeOfPayment != "" {
			return mapping.ModeOfPayment
		}
	}
	return trimmed
}

var dateTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	time.DateOnly,
}

// parseDateTime accepts the layouts terminals send. An empty value yields
// fallback.
func parseDateTime(field string, raw string, fallback time.Time) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	for _, layout := range dateTimeLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, invalidf("%s must be a date or date-time, got %q", field, raw)
}
