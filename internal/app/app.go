// Package app assembles the identity service from configuration.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/signalix/identity/internal/auth"
	"github.com/signalix/identity/internal/cache"
	"github.com/signalix/identity/internal/clock"
	"github.com/signalix/identity/internal/config"
	"github.com/signalix/identity/internal/db"
	httphandler "github.com/signalix/identity/internal/http"
	"github.com/signalix/identity/internal/http/handlers"
	"github.com/signalix/identity/internal/jobs"
	"github.com/signalix/identity/internal/metrics"
	"github.com/signalix/identity/internal/repo"
	"github.com/signalix/identity/internal/repo/memory"
	"github.com/signalix/identity/internal/transport"
)

const jobTimeout = time.Minute

// App is a fully wired service
type App struct {
	Config    *config.Config
	Service   *auth.Service
	Store     repo.Store
	Cache     cache.Store
	Scheduler *jobs.Scheduler
	Handler   http.Handler
	Registry  *prometheus.Registry

	// DB is nil for the memory store driver.
	DB      *sql.DB
	closers []func() error
}

type options struct {
	gateway transport.Gateway
	clock   clock.Clock
	migrate bool
}

// Option customizes Build
type Option func(*options)

// WithGateway replaces the configured transport
func WithGateway(g transport.Gateway) Option {
	return func(o *options) { o.gateway = g }
}

// WithClock replaces the wall clock
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithoutMigrations skips applying migrations on the postgres driver
func WithoutMigrations() Option {
	return func(o *options) { o.migrate = false }
}

// Build opens the configured backends and wires every component. Callers
// must Close the returned App.
func Build(ctx context.Context, cfg *config.Config, log *zap.Logger, opts ...Option) (_ *App, err error) {
	o := options{clock: clock.Real{}, migrate: true}
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{Config: cfg}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	health := map[string]handlers.Pinger{}

	switch cfg.Database.Driver {
	case config.DriverPostgres:
		conn, err := db.Open(ctx, cfg.Database.URL, log)
		if err != nil {
			return nil, err
		}
		a.DB = conn
		a.closers = append(a.closers, conn.Close)
		if o.migrate {
			if err := db.Migrate(ctx, conn); err != nil {
				return nil, err
			}
		}
		a.Store = repo.NewPostgresStore(conn)
		health["database"] = handlers.PingFunc(conn.PingContext)
	default:
		log.Warn("using in-memory store; data is lost on restart")
		a.Store = memory.NewStore()
	}

	switch cfg.Redis.Driver {
	case config.DriverRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, client.Close)
		rc := cache.NewRedis(client, o.clock)
		if err := rc.Ping(ctx); err != nil {
			// The cache is best-effort; start anyway and let health report it.
			log.Warn("redis unreachable at startup", zap.Error(err), zap.String("addr", cfg.Redis.Addr))
		}
		a.Cache = rc
		health["cache"] = rc
	default:
		a.Cache = cache.NewMemory(o.clock)
	}

	gateway := o.gateway
	if gateway == nil {
		switch cfg.Kafka.Driver {
		case config.DriverKafka:
			k := transport.NewKafka(transport.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.OTP.DispatchTimeout))
			a.closers = append(a.closers, k.Close)
			gateway = k
		default:
			gateway = transport.NewLog(log.Named("transport"))
		}
	}

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(a.Registry)

	a.Service = auth.NewService(auth.Deps{
		Store:   a.Store,
		Cache:   a.Cache,
		Gateway: gateway,
		Clock:   o.clock,
		Logger:  log,
		Metrics: m,
	}, auth.OptionsFromConfig(cfg))

	a.Scheduler = jobs.NewScheduler(log.Named("jobs"), jobTimeout)
	for _, job := range []jobs.Job{
		{Name: "challenges", Spec: cfg.Jobs.ChallengeCleanup, Run: a.Service.Codes.Cleanup},
		{Name: "sessions", Spec: cfg.Jobs.SessionCleanup, Run: a.Service.Sessions.CleanupExpired},
		{Name: "signups", Spec: cfg.Jobs.SignupCleanup, Run: a.Service.Signup.CleanupExpired},
	} {
		if err := a.Scheduler.Add(job); err != nil {
			return nil, err
		}
	}

	a.Handler = httphandler.NewRouter(httphandler.RouterDeps{
		Service:        a.Service,
		Users:          a.Store.Users(),
		Cache:          a.Cache,
		Logger:         log.Named("http"),
		Metrics:        m,
		Gatherer:       a.Registry,
		Health:         health,
		IPRequestLimit: cfg.HTTP.IPRequestLimit,
		IPWindow:       cfg.HTTP.IPWindow,
	})

	log.Info("identity service built",
		zap.String("store", cfg.Database.Driver),
		zap.String("cache", cfg.Redis.Driver),
		zap.String("transport", cfg.Kafka.Driver),
	)
	return a, nil
}

// Close releases backends in reverse order of opening
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("close app: %w", err)
	}
	return nil
}
