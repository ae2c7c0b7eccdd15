package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"aikeyproxy/internal/admin"
	"aikeyproxy/internal/cachemeta"
	"aikeyproxy/internal/config"
	"aikeyproxy/internal/contextstore"
	"aikeyproxy/internal/dispatch"
	"aikeyproxy/internal/keypool"
	"aikeyproxy/internal/limits"
	"aikeyproxy/internal/logging"
	mw "aikeyproxy/internal/middleware"
	"aikeyproxy/internal/scheduler"
	store "aikeyproxy/internal/storage"
	"aikeyproxy/internal/tracing"
	"aikeyproxy/internal/translator"
	"aikeyproxy/internal/upstream"
	"aikeyproxy/internal/usage"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug mode")
	flag.Parse()

	cfgMgr, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	cfg := cfgMgr.Current()
	if *debug {
		cfg.Logging.Debug = true
	}
	if err := logging.Setup(cfg); err != nil {
		log.WithError(err).Fatal("failed to configure logging")
	}
	if err := cfgMgr.Watch(); err != nil {
		log.WithError(err).Warn("config: hot-reload watch failed, continuing on the loaded snapshot")
	}
	log.Infof("starting aikeyproxy (config: %s)", *configPath)

	limitsRegistry := limits.NewRegistry(cfg.LimitsFile, cfg.KeyPool.FallbackInputTokenLimit)
	if err := limitsRegistry.Watch(); err != nil {
		log.WithError(err).Warn("limits: hot-reload watch failed, continuing on the loaded table")
	}
	defer limitsRegistry.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracingShutdown, err := tracing.Init(ctx)
	if err != nil {
		log.WithError(err).Warn("tracing: failed to initialize OTLP exporter, continuing without tracing")
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := tracingShutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("tracing: shutdown did not complete cleanly")
		}
	}()

	var usageBackend store.Backend
	if cfg.Context.StorageMode == "database" && cfg.Context.DBDSN != "" {
		pb, err := store.NewPostgresBackend(cfg.Context.DBDSN)
		if err != nil {
			log.WithError(err).Fatal("failed to open usage/context postgres backend")
		}
		if err := pb.Initialize(ctx); err != nil {
			log.WithError(err).Fatal("failed to initialize usage/context postgres backend")
		}
		usageBackend = pb
		defer pb.Close()
	}

	var usageStorage usage.Storage
	if usageBackend != nil {
		usageStorage = usage.NewBackendStorage(usageBackend)
	}
	tracker := usage.NewTracker(limitsRegistry, cfg.QuotaLocation(), usageStorage)
	if err := tracker.Start(ctx); err != nil {
		log.WithError(err).Fatal("failed to start usage tracker")
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if err := tracker.Stop(stopCtx); err != nil {
			log.WithError(err).Warn("usage tracker did not stop cleanly")
		}
	}()

	keyManager := keypool.NewManager(cfg.KeyPool, tracker)
	var keyStore *keypool.Store
	if cfg.KeyPool.StorageMode == "database" && cfg.KeyPool.MongoURI != "" {
		mb, err := store.NewMongoBackend(ctx, cfg.KeyPool.MongoURI, cfg.KeyPool.MongoDatabase)
		if err != nil {
			log.WithError(err).Fatal("failed to connect to key pool mongo backend")
		}
		if err := mb.Initialize(ctx); err != nil {
			log.WithError(err).Fatal("failed to initialize key pool mongo backend")
		}
		defer mb.Close()
		keyStore = keypool.NewStore(mb)
		loaded, err := keyStore.LoadAll(ctx)
		if err != nil {
			log.WithError(err).Fatal("failed to load pooled keys from mongo")
		}
		for _, k := range loaded {
			keyManager.Add(k)
		}
		log.WithField("count", len(loaded)).Info("key pool: loaded keys from database")
	} else {
		for _, seed := range cfg.Upstream.Keys {
			keyManager.Add(keypool.NewKey(seed.ID, seed.Secret, seed.Description, seed.ContextCompletionEnabled))
		}
		log.WithField("count", len(cfg.Upstream.Keys)).Info("key pool: seeded keys from configuration")
	}

	scoreCache := keypool.NewScoreCache(keyManager, tracker, cfg.KeyPool)

	var ctxStore contextstore.Store
	switch cfg.Context.StorageMode {
	case "database":
		pg, err := contextstore.NewPostgresStore(cfg.Context.DBDSN, cfg.Context.DefaultTTLDays)
		if err != nil {
			log.WithError(err).Fatal("failed to open context store postgres backend")
		}
		defer pg.Close()
		ctxStore = pg
	default:
		ctxStore = contextstore.NewMemoryStore(cfg.Context.MemoryMaxRecords, cfg.Context.DefaultTTLDays)
	}

	provider := upstream.NewHTTPProvider(
		cfg.Upstream.BaseURL,
		time.Duration(cfg.Upstream.ConnectTimeoutSec)*time.Second,
		time.Duration(cfg.Upstream.ReadTimeoutSec)*time.Second,
	)

	var cacheIndex cachemeta.Index
	if cfg.Cache.Enabled {
		resolver := func(keyID string) (string, bool) {
			k, ok := keyManager.Get(keyID)
			if !ok {
				return "", false
			}
			return k.Secret, true
		}
		if cfg.Cache.RedisAddr != "" {
			cacheIndex = cachemeta.NewRedisIndex(cfg.Cache.RedisAddr, "", cfg.Cache.RedisDB, "aikeyproxy:cache:", provider, resolver)
		} else {
			cacheIndex = cachemeta.NewMemoryIndex(provider, resolver)
		}
	}

	pipeline := &dispatch.Pipeline{
		Config:      cfg,
		Limits:      limitsRegistry,
		Usage:       tracker,
		Keys:        keyManager,
		Context:     ctxStore,
		Cache:       cacheIndex,
		Provider:    provider,
		Translators: translator.Default(),
	}

	sched := scheduler.New(cfg, keyManager, tracker, ctxStore, cacheIndex, scoreCache)
	if err := sched.Start(); err != nil {
		log.WithError(err).Fatal("failed to start background scheduler")
	}
	defer sched.Stop()

	screeningLogger := admin.NewScreeningLogger(keyManager)
	screeningLogger.Start()
	defer screeningLogger.Stop()

	engine := buildEngine(cfg, pipeline, screeningLogger, sched)

	srv := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Port),
		Handler: engine,
	}

	go func() {
		log.Infof("aikeyproxy listening on :%d", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("http server stopped unexpectedly")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("graceful shutdown did not complete cleanly")
	}
	_ = cfgMgr.Close()
	_ = logging.Close()
	log.Info("aikeyproxy stopped")
}

// buildEngine wires the gin middleware stack and routes, grounded on the
// teacher's internal/server/engine_helpers.go applyStandardEngineSettings
// shape, generalized from two provider-specific engines to the single
// dispatch pipeline this proxy fronts.
func buildEngine(cfg *config.Config, pipeline *dispatch.Pipeline, screeningLogger *admin.ScreeningLogger, sched *scheduler.Scheduler) *gin.Engine {
	if !cfg.Logging.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	_ = engine.SetTrustedProxies(nil)

	engine.Use(mw.Recovery(), mw.RequestID(), mw.Metrics(), mw.CORS())
	if cfg.Logging.Debug {
		engine.Use(mw.RequestLogger())
	}
	if cfg.RateLimit.PerIPPerMinute > 0 || cfg.RateLimit.PerIPPerDay > 0 {
		burst := cfg.RateLimit.PerIPPerMinute / 2
		engine.Use(mw.RateLimiterAutoKey(cfg.RateLimit.PerIPPerMinute, burst, cfg.RateLimit.PerIPPerDay))
	}

	engine.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	auth := mw.MultiKeyAuth(cfg.Auth.Credentials)

	v1 := engine.Group("/v1", auth)
	v1.POST("/chat/completions", pipeline.ChatCompletions)
	v1.GET("/models", pipeline.Models)

	v2 := engine.Group("/v2", auth)
	v2.POST("/models/:modelAction", pipeline.GenerateContent)

	cachesGroup := engine.Group("/api/v1/caches", auth)
	cachesGroup.GET("", pipeline.ListCaches)
	cachesGroup.DELETE("/:id", pipeline.DeleteCache)

	adminAuth := mw.UnifiedAuth(mw.AuthConfig{
		AllowMultipleSources: true,
		CustomValidator:      config.AdminCredentialValidator(cfg),
	})
	if screeningLogger != nil {
		engine.GET("/api/v1/admin/screening/ws", adminAuth, screeningLogger.HandleWebSocket)
	}
	if sched != nil {
		engine.GET("/api/v1/admin/jobs", adminAuth, func(c *gin.Context) {
			c.JSON(http.StatusOK, sched.Stats())
		})
	}
	engine.GET("/api/v1/admin/translators", adminAuth, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"directions": pipeline.Translators.Directions()})
	})

	return engine
}
