package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/session-scheduler/internal/application"
	"github.com/example/session-scheduler/internal/audit"
	"github.com/example/session-scheduler/internal/cache"
	"github.com/example/session-scheduler/internal/config"
	"github.com/example/session-scheduler/internal/lock"
	"github.com/example/session-scheduler/internal/logging"
	"github.com/example/session-scheduler/internal/persistence"
	"github.com/example/session-scheduler/internal/persistence/memory"
	"github.com/example/session-scheduler/internal/persistence/postgres"
	"github.com/example/session-scheduler/internal/persistence/sqlite"
	"github.com/example/session-scheduler/internal/reconcile"
	redisclient "github.com/example/session-scheduler/internal/redis"
)

type store interface {
	persistence.ScheduleRepository
	persistence.SessionRepository
	Migrate(ctx context.Context) error
	Close() error
}

type pinger interface {
	Ping(ctx context.Context) error
}

// app is the fully wired scheduler shared by every command.
type app struct {
	cfg    config.Config
	logger zerolog.Logger

	store      store
	redis      *redisclient.Client
	engine     *reconcile.Engine
	auditor    *audit.Auditor
	recurrence *application.RecurrenceService
}

func newApp(ctx context.Context, opts *RootOptions, logOutput io.Writer) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	level := cfg.LogLevel
	if opts.Verbose {
		level = "debug"
	}
	logger := logging.New(logging.Options{Level: level, Pretty: cfg.LogPretty, Output: logOutput})

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, store: st}

	var (
		locker      lock.Locker
		invalidator audit.CacheInvalidator
	)
	if cfg.RedisURL != "" {
		client, err := redisclient.NewClient(cfg.RedisURL)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		a.redis = client
		locker = lock.NewRedisLocker(client.Client, lock.WithTTL(cfg.LockTTL), lock.WithWait(cfg.LockWait))
		invalidator = cache.NewRedisInvalidator(client.Client, cfg.HorizonMonths, cfg.Location(), time.Now, logger)
		logger.Info().Msg("redis lock and session cache invalidation enabled")
	}

	a.engine = reconcile.NewEngine(st, st, reconcile.Config{
		HorizonMonths: cfg.HorizonMonths,
		Location:      cfg.Location(),
	}, logger)
	a.auditor = audit.NewAuditor(st, a.engine, locker, invalidator, audit.Config{Workers: cfg.AuditWorkers}, logger)
	a.recurrence = application.NewRecurrenceService(st, a.auditor, nil, nil, logger)
	return a, nil
}

func openStore(ctx context.Context, cfg config.Config, logger zerolog.Logger) (store, error) {
	var (
		st  store
		err error
	)
	switch cfg.Store {
	case config.StoreMemory:
		st = memory.New()
	case config.StoreSQLite:
		st, err = sqlite.Open(cfg.SQLiteDSN, logger)
	case config.StorePostgres:
		st, err = postgres.Open(cfg.DatabaseURL, logger)
	default:
		return nil, fmt.Errorf("unsupported store %q", cfg.Store)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store, err)
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate %s store: %w", cfg.Store, err)
	}
	logger.Debug().Str("store", cfg.Store).Msg("store ready")
	return st, nil
}

// health pings the store and Redis when they support it.
func (a *app) health(r *http.Request) error {
	if p, ok := a.store.(pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			return fmt.Errorf("store: %w", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Ping(r.Context()).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

func (a *app) Close() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	errs = append(errs, a.store.Close())
	return errors.Join(errs...)
}
