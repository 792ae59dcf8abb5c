// Package app is the composition root: it opens the store, builds the
// services and starts the HTTP API, the optional Telegram front end and the
// replenishment scheduler.
package app

import (
	"context"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"serotonyl.ru/qvote/internal/bot"
	"serotonyl.ru/qvote/internal/config"
	"serotonyl.ru/qvote/internal/features/access"
	"serotonyl.ru/qvote/internal/features/aggregation"
	"serotonyl.ru/qvote/internal/features/ledger"
	"serotonyl.ru/qvote/internal/features/privacy"
	"serotonyl.ru/qvote/internal/features/voting"
	"serotonyl.ru/qvote/internal/jobs"
	"serotonyl.ru/qvote/internal/middleware"
	"serotonyl.ru/qvote/internal/models"
	"serotonyl.ru/qvote/internal/notify"
	"serotonyl.ru/qvote/internal/server"
	"serotonyl.ru/qvote/internal/store"
	"serotonyl.ru/qvote/internal/store/postgres"
	"serotonyl.ru/qvote/internal/store/sqlite"
)

// App holds every long-lived component.
type App struct {
	cfg *config.Config

	Store       store.Store
	Bus         *notify.Bus
	Registry    *prometheus.Registry
	Ledger      *ledger.Service
	Aggregation *aggregation.Service
	Engine      *voting.Engine
	Privacy     *privacy.Service

	Server    *server.Server
	Scheduler *jobs.Scheduler
	Bot       *bot.Bot // nil unless a Telegram token is configured

	limiter        *middleware.RateLimiter
	statsRefreshed prometheus.Gauge
}

// New builds the application. Order matters: store, bus, services, then
// the front ends that use them.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	st, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	bus := notify.NewBus(reg)

	priv, err := newPrivacy(cfg)
	if err != nil {
		bus.Stop()
		_ = st.Close()
		return nil, err
	}

	led := ledger.NewService(st, bus, LedgerOptions(cfg), reg)
	agg := aggregation.NewService(st, bus)
	engine := voting.NewEngine(st, led, agg, priv, reg)

	scheduler, err := jobs.NewScheduler(led, cfg.LedgerReplenishCron, cfg.AppTimezone)
	if err != nil {
		bus.Stop()
		_ = st.Close()
		return nil, err
	}

	limiter := middleware.NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow)
	srv := server.New(cfg.HTTPAddr, server.Deps{
		Ledger:      led,
		Engine:      engine,
		Aggregation: agg,
		Bus:         bus,
		Auth:        access.NewAuthenticator(cfg.AuthJWTSecret, cfg.AuthJWTIssuer, cfg.AuthServiceTokenHash),
		Store:       st,
		Limiter:     limiter,
		Gatherer:    reg,
	})

	a := &App{
		cfg:         cfg,
		Store:       st,
		Bus:         bus,
		Registry:    reg,
		Ledger:      led,
		Aggregation: agg,
		Engine:      engine,
		Privacy:     priv,
		Server:      srv,
		Scheduler:   scheduler,
		limiter:     limiter,
	}
	a.statsRefreshed = watchStats(bus, reg)

	if cfg.TelegramEnabled() {
		botAPI, err := tgbotapi.NewBotAPI(cfg.TelegramBotToken)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to create Telegram API: %w", err)
		}
		botAPI.Debug = cfg.AppEnv == "development"
		log.Infof("Authorized as @%s", botAPI.Self.UserName)
		a.Bot = bot.New(botAPI, cfg, led, engine, agg)
	}
	return a, nil
}

// OpenStore opens the configured backend and applies its schema.
func OpenStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.StoreDriverSQLite:
		st, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return st, nil
	default:
		st, err := postgres.Open(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return st, nil
	}
}

// LedgerOptions maps configuration onto the ledger policy.
func LedgerOptions(cfg *config.Config) ledger.Options {
	return ledger.Options{
		StartingBalance: cfg.LedgerStartingBalance,
		ReplenishGrant:  cfg.LedgerReplenishGrant,
		ReplenishPeriod: cfg.LedgerReplenishPeriod,
		SweepBatch:      cfg.LedgerSweepBatch,
	}
}

func newPrivacy(cfg *config.Config) (*privacy.Service, error) {
	if !cfg.PrivacyEnabled {
		log.Info("Private voting disabled")
		return privacy.Disabled(), nil
	}
	key, err := privacy.LoadOrCreateKey(cfg.PrivacyKeyFile, cfg.PrivacyKeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to load privacy key: %w", err)
	}
	log.WithField("bits", key.N.BitLen()).Info("Private voting enabled")
	return privacy.NewService(&key.PublicKey, privacy.NewLocalDecrypter(key), cfg.PrivacyTagSecret), nil
}

// watchStats follows the global stats topic and exports when the newest
// refresh was published.
func watchStats(bus *notify.Bus, reg prometheus.Registerer) prometheus.Gauge {
	refreshed := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "qvote_stats_last_refresh_timestamp_seconds",
		Help: "publish time of the newest issue stats refresh",
	})
	reg.MustRegister(refreshed)

	// the callback runs on one goroutine
	var newest time.Time
	bus.SubscribeFunc(notify.TopicAllVotes, func(evt notify.Event) {
		if evt.Timestamp.After(newest) {
			newest = evt.Timestamp
			refreshed.Set(float64(newest.UnixNano()) / 1e9)
		}
		if stats, ok := evt.Data.(models.IssueVoteStats); ok {
			log.WithFields(log.Fields{
				"issue_id": stats.IssueID,
				"records":  stats.RecordCount,
				"urgency":  stats.UrgencyScore,
			}).Debug("Issue stats refreshed")
		}
	})
	return refreshed
}

// Run serves until ctx is done or a component fails, then stops everything.
func (a *App) Run(ctx context.Context) error {
	if err := a.Scheduler.Start(ctx); err != nil {
		return err
	}
	defer a.Scheduler.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Server.Run(gctx, a.cfg.HTTPShutdownTimeout)
	})
	if a.Bot != nil {
		g.Go(func() error {
			a.Bot.Start(gctx)
			return nil
		})
	}
	// websocket connections are hijacked and outlive http.Server.Shutdown
	g.Go(func() error {
		<-gctx.Done()
		a.Bus.Stop()
		return nil
	})

	log.Info("=== qvote is ready ===")
	return g.Wait()
}

// Close releases the store and the bus. Safe after Run.
func (a *App) Close() {
	a.Bus.Stop()
	a.limiter.Close()
	if err := a.Store.Close(); err != nil {
		log.WithError(err).Warn("Failed to close store")
	}
}
