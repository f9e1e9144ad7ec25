package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.temporal.io/sdk/client"
	tlog "go.temporal.io/sdk/log"

	"github.com/ahrav/go-orchestra/internal/config"
	"github.com/ahrav/go-orchestra/internal/notify"
	"github.com/ahrav/go-orchestra/internal/store"
	"github.com/ahrav/go-orchestra/internal/store/memory"
	"github.com/ahrav/go-orchestra/internal/store/postgres"
	"github.com/ahrav/go-orchestra/pkg/events"
)

const slackTimeout = 10 * time.Second

// InitializeStore opens the configured store. Postgres schemas are migrated
// before the store is returned.
func InitializeStore(ctx context.Context, cfg config.Store) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		s, err := postgres.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to migrate postgres store: %w", err)
		}
		return s, nil
	case config.DriverMemory, "":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// InitializeNotifier builds the dispatcher with a sender per enabled
// channel. The caller owns the dispatcher and must Close it on shutdown.
func InitializeNotifier(cfg *config.Config) (*notify.Dispatcher, error) {
	n := cfg.Notification
	opts := []notify.Option{
		notify.WithRateLimit(n.RatePerSecond, n.Burst),
		notify.WithBreaker(n.FailureThreshold, n.OpenTimeout),
		notify.WithQueue(n.QueueSize, n.Workers),
		notify.WithSendTimeout(n.SendTimeout),
	}
	if cfg.Features.Email {
		email, err := notify.NewEmailSender(n.SMTP)
		if err != nil {
			return nil, err
		}
		opts = append(opts, notify.WithSender(notify.ChannelEmail, email))
	}
	if cfg.Features.Slack {
		opts = append(opts, notify.WithSender(notify.ChannelSlack, notify.NewSlackSender(n.Slack, &http.Client{Timeout: slackTimeout})))
	}
	return notify.NewDispatcher(cfg.Features, opts...), nil
}

// InitializeEventSink returns the sink lifecycle events go to: status change
// notifications, plus the Redis stream when the event_stream feature is on.
// The returned close function releases the Redis client.
func InitializeEventSink(ctx context.Context, cfg *config.Config, d *notify.Dispatcher, workers notify.WorkerLookup) (events.EventSink, func() error, error) {
	sinks := events.MultiSink{notify.NewStatusChangeNotifier(d, workers)}
	if !cfg.Features.EventStream {
		return sinks, func() error { return nil }, nil
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, nil, errors.Join(fmt.Errorf("failed to reach redis at %s: %w", cfg.Redis.Addr, err), rdb.Close())
	}
	sinks = append(sinks, events.NewRedisStreamSink(rdb, cfg.Redis.Stream, cfg.Redis.MaxLen))
	return sinks, rdb.Close, nil
}

// InitializeTemporalClient dials the Temporal frontend.
func InitializeTemporalClient(cfg config.Temporal) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
		Logger:    tlog.NewStructuredLogger(slog.Default().With("component", "temporal")),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dial temporal at %s: %w", cfg.HostPort, err)
	}
	return c, nil
}
