package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"chatsync/internal/backend"
	"chatsync/internal/badges"
	"chatsync/internal/bus"
	"chatsync/internal/config"
	"chatsync/internal/conversations"
	"chatsync/internal/dedup"
	"chatsync/internal/domain"
	"chatsync/internal/events"
	"chatsync/internal/logging"
	"chatsync/internal/persistence"
	"chatsync/internal/ratelimit"
	"chatsync/internal/realtime"
)

const writerQueueCapacity = 512

// Runtime assembles the whole client: configuration, logging, local
// cache, the row API client, the realtime channel pool, the sync
// engine and the badge aggregator, all sharing one bus and one
// session.
type Runtime struct {
	mu sync.RWMutex

	Ctx    context.Context
	cancel context.CancelFunc

	Paths  Paths
	Config config.AppConfig

	LogManager *logging.Manager
	Bus        *bus.PubSubBus
	DB         *sql.DB

	NameRepo    *persistence.NameRepo
	BadgeRepo   *persistence.BadgeRepo
	WriterQueue *persistence.WriterQueue

	Backend  *backend.Client
	Realtime *realtime.Manager
	Names    *domain.NameCache
	Dedup    *dedup.Deduplicator
	Limiter  *ratelimit.Limiter
	Engine   *conversations.Engine
	Badges   *badges.Aggregator

	Session    *Session
	Foreground *ForegroundTracker
}

func Initialize(parent context.Context) (*Runtime, error) {
	paths, err := ResolvePaths()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(paths.ConfigFile)
	if err != nil {
		return nil, err
	}

	return InitializeWith(parent, paths, cfg)
}

// InitializeWith assembles a runtime from explicit paths and config,
// used directly by tests and by tools that override file locations.
func InitializeWith(parent context.Context, paths Paths, cfg config.AppConfig) (*Runtime, error) {
	ctx, cancel := context.WithCancel(parent)
	rt := &Runtime{
		Ctx:    ctx,
		cancel: cancel,
		Paths:  paths,
		Config: cfg,
	}

	logMgr := logging.NewManager()
	if err := logMgr.Configure(cfg.Logging, paths.LogFile); err != nil {
		cancel()

		return nil, fmt.Errorf("configure logging: %w", err)
	}
	rt.LogManager = logMgr
	slog.Info("starting chatsync runtime", "version", BuildVersion(), "build_date", BuildDateYMD())

	db, err := persistence.Open(ctx, paths.DBFile)
	if err != nil {
		_ = rt.Close()

		return nil, err
	}
	rt.DB = db
	rt.NameRepo = persistence.NewNameRepo(db)
	rt.BadgeRepo = persistence.NewBadgeRepo(db)

	b := bus.New(logMgr.Logger("bus"))
	rt.Bus = b

	names := domain.NewNameCache()
	if err := domain.LoadNameCacheFromRepository(ctx, names, rt.NameRepo); err != nil {
		_ = rt.Close()

		return nil, err
	}
	rt.Names = names

	writerQueue := persistence.NewWriterQueue(logMgr.Logger("persistence"), writerQueueCapacity)
	writerQueue.Start(ctx)
	rt.WriterQueue = writerQueue
	domain.StartPersistenceProjection(ctx, b, writerQueue, rt.NameRepo, rt.BadgeRepo)

	rt.Dedup = dedup.New(logMgr.Logger("dedup"))
	rt.Limiter = ratelimit.New()

	socket, err := realtime.NewSocket(realtime.SocketConfig{
		URL:               cfg.Backend.BaseURL,
		APIKey:            cfg.Backend.AnonKey,
		HeartbeatInterval: cfg.Realtime.HeartbeatInterval.Std(),
		ReconnectInitial:  cfg.Realtime.ReconnectInitial.Std(),
		ReconnectMax:      cfg.Realtime.ReconnectMax.Std(),
		Logger:            logMgr.Logger("socket"),
	})
	if err != nil {
		_ = rt.Close()

		return nil, fmt.Errorf("initialize realtime socket: %w", err)
	}
	rt.Realtime = realtime.NewManager(realtime.ManagerConfig{
		Feed:   socket,
		Bus:    b,
		Config: cfg.Realtime,
		Logger: logMgr.Logger("realtime"),
	})

	// The session is both the token source and the identity driver, so
	// the client reads it through a closure resolved per request.
	client, err := backend.NewClient(backend.ClientConfig{
		BaseURL:    cfg.Backend.BaseURL,
		AnonKey:    cfg.Backend.AnonKey,
		HTTPClient: &http.Client{Timeout: cfg.Backend.RequestTimeout.Std()},
		Tokens: backend.TokenFunc(func() string {
			if rt.Session == nil {
				return ""
			}

			return rt.Session.Token()
		}),
		Logger: logMgr.Logger("backend"),
	})
	if err != nil {
		_ = rt.Close()

		return nil, fmt.Errorf("initialize backend client: %w", err)
	}
	rt.Backend = client

	aggregator := badges.NewAggregator(badges.AggregatorConfig{
		RPC:     client,
		Limiter: rt.Limiter,
		Bus:     b,
		Repo:    rt.BadgeRepo,
		Config:  cfg.Badges,
		Logger:  logMgr.Logger("badges"),
	})
	rt.Badges = aggregator

	rt.Session = NewSession(SessionConfig{
		Realtime: rt.Realtime,
		Dedup:    rt.Dedup,
		Limiter:  rt.Limiter,
		Names:    names,
		Badges:   aggregator,
		DB:       db,
		Bus:      b,
		Logger:   logMgr.Logger("session"),
	})

	rt.Engine = conversations.NewEngine(conversations.EngineConfig{
		Rows:          client,
		Dedup:         rt.Dedup,
		Names:         names,
		Limiter:       rt.Limiter,
		Bus:           b,
		Conversations: cfg.Conversations,
		RateLimits:    cfg.RateLimits,
		Logger:        logMgr.Logger("conversations"),
	})

	rt.Foreground = NewForegroundTracker(rt.Realtime, logMgr.Logger("lifecycle"))

	rt.Realtime.Start(ctx)
	aggregator.Start(ctx)

	return rt, nil
}

// CurrentConnStatus reports the realtime pool's aggregate connectivity.
func (r *Runtime) CurrentConnStatus() (events.ConnectionStatus, bool) {
	if r.Realtime == nil {
		return events.ConnectionStatus{}, false
	}

	return r.Realtime.CurrentStatus()
}

// SaveAndApplyConfig persists new configuration and re-applies the
// parts that take effect without a restart.
func (r *Runtime) SaveAndApplyConfig(cfg config.AppConfig) error {
	cfg.FillMissingDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	prevLogging := r.Config.Logging
	if err := config.Save(r.Paths.ConfigFile, cfg); err != nil {
		r.mu.Unlock()

		return err
	}
	r.Config = cfg
	r.mu.Unlock()

	switch {
	case cfg.Logging == prevLogging:
	case levelOnlyChange(prevLogging, cfg.Logging):
		if err := r.LogManager.SetLevel(cfg.Logging.Level); err != nil {
			return err
		}
	default:
		if err := r.LogManager.Configure(cfg.Logging, r.Paths.LogFile); err != nil {
			return err
		}
	}

	return nil
}

func levelOnlyChange(prev, next config.LoggingConfig) bool {
	prev.Level = next.Level

	return prev == next
}

// CurrentConfig returns the active configuration snapshot.
func (r *Runtime) CurrentConfig() config.AppConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.Config
}

func (r *Runtime) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	if r.Bus != nil {
		r.Bus.Close()
	}
	if r.Dedup != nil {
		r.Dedup.Close()
	}
	if r.DB != nil {
		_ = r.DB.Close()
	}
	if r.LogManager != nil {
		_ = r.LogManager.Close()
	}

	return nil
}
