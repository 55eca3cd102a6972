package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/alem-hub/progression-engine/config"
	"github.com/alem-hub/progression-engine/internal/application/eventhandler"
	"github.com/alem-hub/progression-engine/internal/domain/progression"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/internal/infrastructure/cache"
	"github.com/alem-hub/progression-engine/internal/infrastructure/coursedef"
	"github.com/alem-hub/progression-engine/internal/infrastructure/messaging"
	"github.com/alem-hub/progression-engine/internal/infrastructure/observability"
	"github.com/alem-hub/progression-engine/internal/infrastructure/persistence/cached"
	"github.com/alem-hub/progression-engine/internal/infrastructure/persistence/memory"
	"github.com/alem-hub/progression-engine/internal/infrastructure/persistence/postgres"
	redisstore "github.com/alem-hub/progression-engine/internal/infrastructure/persistence/redis"
	"github.com/alem-hub/progression-engine/internal/infrastructure/persistence/sqlite"
	"github.com/alem-hub/progression-engine/internal/interface/http/handlers"
	"github.com/alem-hub/progression-engine/pkg/logger"
	"github.com/alem-hub/progression-engine/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// STORES
// ══════════════════════════════════════════════════════════════════════════════

// courseLister enumerates stored courses.
type courseLister interface {
	Courses(ctx context.Context) ([]string, error)
}

type memoryCourses struct{ s *memory.GraphStore }

func (m memoryCourses) Courses(context.Context) ([]string, error) { return m.s.Courses(), nil }

// stores is the persistence layer selected by DB_DRIVER.
type stores struct {
	driver string

	graphs   progression.GraphStore
	writer   progression.GraphWriter
	courses  courseLister
	progress progression.ProgressStore

	// pg is set for the postgres driver only.
	pg *postgres.Connection

	ping    handlers.HealthCheckFunc
	closers []func() error
}

func (s *stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

// openStores connects to the configured database. Postgres connections are
// retried, since the database often starts alongside the service.
func openStores(ctx context.Context, cfg *config.Config, log *logger.Logger) (*stores, error) {
	s := &stores{driver: cfg.Database.Driver}

	switch cfg.Database.Driver {
	case config.DriverPostgres:
		r := retry.ConnectRetrier(cfg.Database.ConnectAttempts, func(attempt int, err error, delay time.Duration) {
			log.Warn("database not reachable, retrying",
				logger.Attempt(attempt), logger.Err(err), logger.Duration("delay", delay))
		})
		var conn *postgres.Connection
		err := r.Do(ctx, func(ctx context.Context) error {
			var err error
			conn, err = postgres.Connect(ctx, postgresConfig(cfg))
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		repo := postgres.NewGraphRepository(conn)
		s.pg = conn
		s.graphs, s.writer, s.courses = repo, repo, repo
		s.progress = postgres.NewProgressRepository(conn)
		s.ping = conn.Ping
		s.closers = append(s.closers, func() error { conn.Close(); return nil })

	case config.DriverSQLite:
		db, err := sqlite.Open(cfg.Database.SQLitePath)
		if err != nil {
			return nil, err
		}
		repo := sqlite.NewGraphRepository(db)
		s.graphs, s.writer, s.courses = repo, repo, repo
		s.progress = sqlite.NewProgressRepository(db)
		s.ping = db.Ping
		s.closers = append(s.closers, db.Close)

	case config.DriverMemory:
		graphs := memory.NewGraphStore()
		s.graphs, s.writer, s.courses = graphs, graphs, memoryCourses{graphs}
		s.progress = memory.NewProgressStore()
		log.Warn("using in-memory storage; progress is lost on restart")

	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}

	return s, nil
}

// loadCourseDir imports COURSE_DIR, if set, on startup.
func (s *stores) loadCourseDir(ctx context.Context, dir string, log *logger.Logger) error {
	if dir == "" {
		return nil
	}
	n, err := importCourses(ctx, s.writer, dir, "", log)
	if err != nil {
		return err
	}
	log.Info("course definitions loaded", logger.String("dir", dir), logger.Int("courses", n))
	return nil
}

func postgresConfig(cfg *config.Config) postgres.Config {
	d := cfg.Database
	pc := postgres.DefaultConfig(d.URL)
	pc.MaxConns = int32(d.MaxConns)
	pc.MinConns = int32(d.MinConns)
	pc.MaxConnLifetime = d.ConnMaxLifetime
	pc.MaxConnIdleTime = d.ConnMaxIdleTime
	return pc
}

// migrate brings the postgres schema up to date. SQLite applies its schema
// on open and the memory driver has none.
func (s *stores) migrate(ctx context.Context, log *logger.Logger) error {
	if s.pg == nil {
		return nil
	}
	if err := postgres.NewMigrator(s.pg).Migrate(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	log.Info("database schema is up to date")
	return nil
}

// importCourses loads course definitions from a directory or a single file
// and writes them through w.
func importCourses(ctx context.Context, w progression.GraphWriter, dir, file string, log *logger.Logger) (int, error) {
	var graphs []*progression.Graph
	if file != "" {
		g, err := coursedef.Load(file)
		if err != nil {
			return 0, err
		}
		graphs = append(graphs, g)
	}
	if dir != "" {
		loaded, err := coursedef.LoadDir(dir)
		if err != nil {
			return 0, err
		}
		graphs = append(graphs, loaded...)
	}

	for _, g := range graphs {
		if err := w.ImportCourse(ctx, g); err != nil {
			return 0, fmt.Errorf("import course %s: %w", g.CourseID(), err)
		}
		log.Info("course imported", logger.CourseID(g.CourseID()), logger.Int("nodes", g.Len()))
	}
	return len(graphs), nil
}

// ══════════════════════════════════════════════════════════════════════════════
// RUNTIME
// ══════════════════════════════════════════════════════════════════════════════

// eventBus is what both bus implementations offer.
type eventBus interface {
	shared.EventBus
	Close() error
}

// runtime holds everything a long-running command needs beyond storage.
type runtime struct {
	*stores

	cfg     *config.Config
	log     *logger.Logger
	metrics *observability.Metrics
	health  *handlers.HealthChecker

	graphs *cached.GraphStore
	unlock progression.UnlockCache
	bus    eventBus
	redis  *redisstore.Cache

	shutdownTracing func(context.Context) error
}

func newRuntime(ctx context.Context, cfg *config.Config, log *logger.Logger) (*runtime, error) {
	st, err := openStores(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	rt := &runtime{
		stores:  st,
		cfg:     cfg,
		log:     log,
		metrics: observability.NewMetrics(),
		health:  handlers.NewHealthChecker(cfg.App.Version),
		graphs:  cached.NewGraphStore(st.graphs, cached.WithLoadTimeout(cfg.Engine.GraphLoadTimeout)),
	}
	if st.ping != nil {
		rt.health.AddCheck("database", st.ping)
	}

	rt.shutdownTracing = observability.InitTracing(ctx, log, observability.TracingConfig{
		Enabled:     cfg.Observability.TracingEnabled,
		ServiceName: cfg.App.Name,
		Environment: string(cfg.App.Environment),
		Version:     cfg.App.Version,
		Endpoint:    cfg.Observability.TracingEndpoint,
		Insecure:    cfg.Observability.TracingInsecure,
		SampleRatio: cfg.Observability.TracingSampleRatio,
	})

	if err := rt.migrate(ctx, log); err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}
	if err := rt.loadCourseDir(ctx, cfg.Database.CourseDir, log); err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}
	if err := rt.connectRedis(ctx); err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}
	if err := rt.buildBus(ctx); err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}
	rt.buildUnlockCache()

	if err := rt.registerHandlers(); err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) connectRedis(ctx context.Context) error {
	if !rt.cfg.Redis.Enabled() {
		return nil
	}
	rc := rt.cfg.Redis
	c, err := redisstore.NewCache(ctx, redisstore.Config{
		Host:         rc.Host,
		Port:         rc.Port,
		Password:     rc.Password,
		DB:           rc.DB,
		PoolSize:     rc.PoolSize,
		MinIdleConns: rc.MinIdleConns,
		MaxRetries:   1,
		DialTimeout:  rc.DialTimeout,
		ReadTimeout:  rc.ReadTimeout,
		WriteTimeout: rc.WriteTimeout,
		PoolTimeout:  rc.DialTimeout,
	})
	if err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	rt.redis = c
	rt.health.AddCheck("redis", c.Ping)
	rt.log.Info("Redis connection established", logger.String("addr", fmt.Sprintf("%s:%d", rc.Host, rc.Port)))
	return nil
}

func (rt *runtime) buildBus(ctx context.Context) error {
	local := messaging.InMemoryEventBusConfig{AsyncMode: true, WorkerPoolSize: 10, Logger: rt.log}

	if rt.cfg.Redis.EventBus != config.BackendRedis {
		rt.bus = messaging.NewInMemoryEventBus(local)
		return nil
	}

	instanceID := rt.cfg.App.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	bus, err := messaging.NewRedisEventBus(ctx, messaging.RedisEventBusConfig{
		Client:         rt.redis.Client(),
		Channel:        rt.cfg.Redis.EventChannel,
		InstanceID:     instanceID,
		LocalBusConfig: local,
		Logger:         rt.log,
	})
	if err != nil {
		return fmt.Errorf("start redis event bus: %w", err)
	}
	rt.bus = bus
	rt.log.Info("redis event bus started", logger.String("instance_id", instanceID))
	return nil
}

func (rt *runtime) buildUnlockCache() {
	ttl := rt.cfg.Engine.UnlockCacheTTL
	if rt.cfg.Redis.CacheBackend == config.BackendRedis {
		rt.unlock = redisstore.NewUnlockCache(rt.redis, ttl, rt.log)
		return
	}
	rt.unlock = cache.NewUnlockCache(cache.WithTTL(ttl))
}

func (rt *runtime) registerHandlers() error {
	var sink eventhandler.AuditSink = eventhandler.NewLogAuditSink(rt.log)
	if rt.redis != nil {
		sink = redisstore.NewAuditStream(rt.redis, rt.cfg.Redis.AuditStream, rt.cfg.Redis.AuditStreamMax, rt.log)
	}
	if err := eventhandler.NewOnProgressRejectedHandler(sink, rt.log).Register(rt.bus); err != nil {
		return fmt.Errorf("register audit handler: %w", err)
	}

	// A shared Redis cache is already coherent across instances; a
	// process-local one has to hear about commits made elsewhere.
	if rt.cfg.Redis.EventBus == config.BackendRedis && rt.cfg.Redis.CacheBackend != config.BackendRedis {
		h := eventhandler.NewOnProgressCommittedHandler(rt.graphs, rt.unlock, rt.log)
		if err := h.Register(rt.bus); err != nil {
			return fmt.Errorf("register cache coherence handler: %w", err)
		}
	}
	return nil
}

// Close releases everything in reverse order of acquisition.
func (rt *runtime) Close(ctx context.Context) error {
	var errs []error
	if rt.bus != nil {
		errs = append(errs, rt.bus.Close())
	}
	if rt.redis != nil {
		errs = append(errs, rt.redis.Close())
	}
	if rt.shutdownTracing != nil {
		errs = append(errs, rt.shutdownTracing(ctx))
	}
	errs = append(errs, rt.stores.Close())
	return errors.Join(errs...)
}
