// Package runtime wires the agent's components from configuration and
// manages their lifecycle: storage, authority client, services, HTTP server
// and the rebill runner.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/atellix/token-agent/internal/app/authority"
	"github.com/atellix/token-agent/internal/app/chain"
	"github.com/atellix/token-agent/internal/app/events"
	"github.com/atellix/token-agent/internal/app/httpapi"
	"github.com/atellix/token-agent/internal/app/metrics"
	"github.com/atellix/token-agent/internal/app/services/allowances"
	"github.com/atellix/token-agent/internal/app/services/payments"
	"github.com/atellix/token-agent/internal/app/services/subscriptions"
	"github.com/atellix/token-agent/internal/app/storage"
	"github.com/atellix/token-agent/internal/app/storage/memory"
	"github.com/atellix/token-agent/internal/app/storage/postgres"
	"github.com/atellix/token-agent/internal/app/system"
	"github.com/atellix/token-agent/internal/config"
	"github.com/atellix/token-agent/internal/middleware"
	"github.com/atellix/token-agent/pkg/logger"
)

// Stores groups the persistence interfaces behind the application.
type Stores struct {
	Subscriptions storage.SubscriptionStore
	Allowances    storage.AllowanceStore
	Events        storage.EventStore
}

// Application is the assembled agent.
type Application struct {
	cfg    config.Config
	log    *logger.Logger
	stores Stores

	Subscriptions *subscriptions.Service
	Payments      *payments.Service
	Allowances    *allowances.Service
	Hub           *events.Hub
	Metrics       *metrics.Metrics

	manager  *system.Manager
	server   *http.Server
	pgStore  *postgres.Store
	redisCli *redis.Client
}

// Collaborators are the chain-side dependencies the runtime cannot build
// from configuration alone. Nil fields fall back to local in-process
// implementations, for development and tests.
type Collaborators struct {
	Ledger    chain.TokenLedger
	Swapper   chain.Swapper
	Clock     chain.Clock
	Authority authority.Client
}

// New assembles the application.
func New(cfg config.Config, collab Collaborators, log *logger.Logger) (*Application, error) {
	if log == nil {
		logCfg := logger.LoggingConfig{Level: cfg.Logging.Level, Format: cfg.Logging.Format}
		if cfg.Logging.Output == "stdout" {
			logCfg.Output = os.Stdout
		}
		log = logger.New("token-agent", logCfg)
	}

	app := &Application{cfg: cfg, log: log}

	// Storage: postgres when a DSN is configured, memory otherwise.
	if cfg.Database.DSN != "" {
		pg, err := postgres.Open(cfg.Database.DSN, postgres.Options{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		}, log.WithField("component", "postgres"))
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		app.pgStore = pg
		app.stores = Stores{Subscriptions: pg, Allowances: pg, Events: pg}
	} else {
		mem := memory.New()
		app.stores = Stores{Subscriptions: mem, Allowances: mem, Events: mem}
		log.Warn("no database configured, using in-memory storage")
	}

	clock := collab.Clock
	if clock == nil {
		clock = chain.SystemClock{}
	}
	ledger := collab.Ledger
	var memLedger *chain.MemoryLedger
	if ledger == nil {
		memLedger = chain.NewMemoryLedger()
		ledger = memLedger
		log.Warn("no ledger configured, using in-memory token ledger")
	}
	swapper := collab.Swapper
	if swapper == nil {
		// The in-memory swapper only makes sense against the in-memory
		// ledger; an external ledger needs its matching swap facility.
		if memLedger == nil {
			return nil, fmt.Errorf("swapper required when an external ledger is configured")
		}
		swapper = chain.NewMemorySwapper(memLedger, 1, 1)
	}

	deriver := chain.NewDeriver(chain.AddressFromSeed(cfg.Agent.ProgramID))
	root := chain.RootAuthority(deriver, cfg.Agent.RootNonce)
	gate := authority.NewGate(deriver)

	// Authority client: remote when configured, static otherwise; a redis
	// cache layer goes in front when an address is set.
	client := collab.Authority
	if client == nil {
		if cfg.Authority.BaseURL != "" {
			httpClient, err := authority.NewHTTPClient(&http.Client{Timeout: cfg.Authority.Timeout},
				cfg.Authority.BaseURL, cfg.Authority.APIKey, log.WithField("component", "authority"))
			if err != nil {
				return nil, fmt.Errorf("authority client: %w", err)
			}
			client = httpClient
		} else {
			client = authority.NewStaticClient()
			log.Warn("no authority endpoint configured, using static approvals")
		}
	}
	if cfg.Redis.Address != "" {
		app.redisCli = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		client = authority.NewCachedClient(client, app.redisCli, cfg.Redis.TTL,
			log.WithField("component", "authority-cache"))
	}

	app.Metrics = metrics.New()
	app.Hub = events.NewHub(app.stores.Events, log.WithField("component", "events"))

	expectedAuthority := chain.Address(cfg.Agent.ExpectedAuthority)

	app.Subscriptions = subscriptions.New(app.stores.Subscriptions, subscriptions.Deps{
		Authority:         client,
		Gate:              gate,
		Ledger:            ledger,
		Swapper:           swapper,
		Clock:             clock,
		Root:              root,
		ExpectedAuthority: expectedAuthority,
		Events:            app.Hub,
	}, log.WithField("component", "subscriptions"))

	app.Payments = payments.New(payments.Deps{
		Authority:         client,
		Gate:              gate,
		Ledger:            ledger,
		Swapper:           swapper,
		Clock:             clock,
		Root:              root,
		ExpectedAuthority: expectedAuthority,
		Events:            app.Hub,
	}, log.WithField("component", "payments"))

	app.Allowances = allowances.New(app.stores.Allowances, allowances.Deps{
		Ledger:  ledger,
		Deriver: deriver,
		Clock:   clock,
		Root:    root,
	}, log.WithField("component", "allowances"))

	app.manager = system.NewManager(log.WithField("component", "system"))
	if cfg.Agent.RunnerEnabled {
		runner := subscriptions.NewRunner(app.Subscriptions, app.stores.Subscriptions, clock,
			chain.Address(cfg.Agent.ManagerKey), cfg.Agent.RebillCron,
			log.WithField("component", "rebill-runner"))
		app.manager.Register(runner)
	}

	auth := middleware.NewAuth([]byte(cfg.Auth.JWTSecret), log.WithField("component", "auth"))
	limiter := middleware.NewRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)
	handler := httpapi.New(app.Subscriptions, app.Payments, app.Allowances, app.Hub, app.Metrics,
		log.WithField("component", "httpapi"))

	app.server = &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      handler.Router(auth, limiter),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return app, nil
}

// Stores exposes the persistence layer, for tests and tooling.
func (a *Application) Stores() Stores { return a.stores }

// Start launches the background services and the HTTP listener. It blocks
// until the listener stops.
func (a *Application) Start(ctx context.Context) error {
	if err := a.manager.StartAll(ctx); err != nil {
		return err
	}
	a.log.WithField("address", a.cfg.Server.Address).Info("http server listening")
	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server and background services, then releases
// storage connections.
func (a *Application) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, a.cfg.Server.ShutdownTimeout)
	defer cancel()

	var firstErr error
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		firstErr = err
	}
	if err := a.manager.StopAll(shutdownCtx); err != nil && firstErr == nil {
		firstErr = err
	}
	if a.redisCli != nil {
		if err := a.redisCli.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.pgStore != nil {
		if err := a.pgStore.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.log.Info("application stopped")
	return firstErr
}

// WaitTimeout is the default duration allotted to a graceful shutdown when
// the caller does not provide one.
const WaitTimeout = 30 * time.Second
