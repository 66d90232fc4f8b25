package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/assistant/internal/config"
	"github.com/ehr/assistant/internal/domain/audit"
	"github.com/ehr/assistant/internal/domain/chat"
	"github.com/ehr/assistant/internal/domain/consent"
	"github.com/ehr/assistant/internal/domain/deid"
	"github.com/ehr/assistant/internal/domain/guard"
	"github.com/ehr/assistant/internal/domain/intent"
	"github.com/ehr/assistant/internal/domain/minimum"
	"github.com/ehr/assistant/internal/domain/prompt"
	"github.com/ehr/assistant/internal/domain/records"
	"github.com/ehr/assistant/internal/domain/scope"
	"github.com/ehr/assistant/internal/platform/auth"
	"github.com/ehr/assistant/internal/platform/db"
	"github.com/ehr/assistant/internal/platform/hipaa"
	"github.com/ehr/assistant/internal/platform/knowledge"
	"github.com/ehr/assistant/internal/platform/llm"
	"github.com/ehr/assistant/internal/platform/middleware"
	"github.com/ehr/assistant/internal/platform/sandbox"
	"github.com/ehr/assistant/internal/platform/taskbus"
	"github.com/ehr/assistant/internal/platform/telemetry"
	"github.com/ehr/assistant/internal/platform/websocket"
)

const (
	serviceName = "assistant-server"
	version     = "0.1.0"
)

// Long-lived routes are exempt from the request timeout; client disconnect
// cancels them instead.
var longLivedPrefixes = []string{"/ws/", "/api/v1/chat/stream"}

func main() {
	rootCmd := &cobra.Command{
		Use:   serviceName,
		Short: "PHI-safe clinical chat assistant",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(knowledgeCmd())
	rootCmd.AddCommand(askCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the assistant API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger(dev bool) zerolog.Logger {
	if dev {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// loadConfig loads and validates configuration for every subcommand.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// openPool connects with the default tenant's schema on the search_path.
func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewTenantPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, cfg.DefaultTenant)
}

// stores are the read-side backends of the pipeline: Postgres when a
// database is configured, seeded fixtures otherwise.
type stores struct {
	pool          *pgxpool.Pool
	fixtures      *sandbox.Fixtures
	records       records.Store
	consents      consent.Store
	relationships scope.RelationshipSource
}

func openStores(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*stores, error) {
	if cfg.InMemory() {
		fixtures := sandbox.NewFixtures()
		res, err := sandbox.NewSeeder(sandbox.DefaultSeedConfig(), time.Now()).Seed(fixtures)
		if err != nil {
			return nil, fmt.Errorf("seed fixtures: %w", err)
		}
		logger.Warn().
			Int("patients", res.Patients).
			Int("doctors", res.Doctors).
			Int("records", res.Records).
			Msg("no DATABASE_URL, serving synthetic fixture data")
		return &stores{
			fixtures:      fixtures,
			records:       fixtures.Records,
			consents:      fixtures.Consents,
			relationships: fixtures.Relationships,
		}, nil
	}

	pool, err := openPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	logger.Info().Msg("connected to database")
	return &stores{
		pool:          pool,
		records:       records.NewRecordsRepo(pool),
		consents:      consent.NewConsentRepo(pool),
		relationships: scope.NewRelationshipRepo(pool),
	}, nil
}

func (s *stores) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// openAuditSink returns the configured sink and a func releasing it.
func openAuditSink(cfg *config.Config, pool *pgxpool.Pool) (audit.Sink, func(), error) {
	switch cfg.AuditSink {
	case config.AuditSinkLevelDB:
		sink, err := audit.OpenLevelDB(cfg.AuditLevelDBPath)
		if err != nil {
			return nil, nil, err
		}
		return sink, func() { sink.Close() }, nil
	case config.AuditSinkPostgres:
		if pool == nil {
			return nil, nil, fmt.Errorf("audit sink %q needs a database", cfg.AuditSink)
		}
		return audit.NewPGSink(pool), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown audit sink %q", cfg.AuditSink)
}

// auditCipher returns nil when no key is configured. A nil *Keyring must
// not end up inside the interface.
func auditCipher(cfg *config.Config, logger zerolog.Logger) (audit.Cipher, error) {
	kr, err := hipaa.KeyringFromConfig(cfg.HIPAAEncryptionKey, cfg.HIPAAKeyVersion, cfg.HIPAAPreviousKeys, logger)
	if err != nil {
		return nil, err
	}
	if kr == nil {
		return nil, nil
	}
	return kr, nil
}

// newCanceller returns the Redis bus when REDIS_URL is set so cancellation
// reaches the instance running the request, and an in-process registry
// otherwise.
func newCanceller(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (taskbus.Canceller, *taskbus.RedisBus, error) {
	if cfg.RedisURL == "" {
		return taskbus.NewRegistry(), nil, nil
	}
	client, err := taskbus.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	bus := taskbus.NewRedisBus(client, logger)
	go bus.Run(ctx)
	logger.Info().Msg("cancellation bus connected to redis")
	return bus, bus, nil
}

func newKnowledge(cfg *config.Config, logger zerolog.Logger) knowledge.Retriever {
	corpus := knowledge.NewCorpusRetriever(knowledge.BuiltinCorpus())
	if cfg.WeaviateHost == "" {
		return corpus
	}
	w, err := knowledge.NewWeaviateRetriever(cfg.WeaviateHost, cfg.WeaviateScheme, cfg.WeaviateClass)
	if err != nil {
		logger.Warn().Err(err).Msg("weaviate unavailable, using the built-in reference corpus")
		return corpus
	}
	return knowledge.Fallback{Primary: w, Secondary: corpus}
}

func buildPipeline(cfg *config.Config, st *stores, recorder *audit.Recorder, logger zerolog.Logger) (chat.Pipeline, error) {
	rules, err := deid.LoadRules(cfg.DeidRulesFile)
	if err != nil {
		return chat.Pipeline{}, err
	}
	engine, err := deid.NewEngine(rules)
	if err != nil {
		return chat.Pipeline{}, err
	}

	client := llm.NewClient(llm.Config{
		BaseURL:         cfg.LLMBaseURL,
		APIKey:          cfg.LLMAPIKey,
		Model:           cfg.LLMModel,
		ClassifierModel: cfg.ClassifierModel,
	}, logger)

	var model intent.Model
	if cfg.LLMAPIKey != "" || cfg.LLMBaseURL != "" {
		model = client
	} else {
		logger.Warn().Msg("no LLM endpoint configured, intents come from the keyword heuristic and generation will fail")
	}

	return chat.Pipeline{
		Scope: scope.NewResolver(st.relationships, cfg.RelationshipWindow),
		Classifier: intent.NewClassifier(model, intent.Config{
			MinConfidence: cfg.ClassifierMinConfidence,
			Timeout:       cfg.ClassifierTimeout,
			TailTurns:     cfg.HistoryTailTurns,
		}, logger),
		Selector:  minimum.NewSelector(records.NewDirectory(st.records)),
		Consent:   consent.NewGate(st.consents),
		Records:   records.NewAdapter(st.records, cfg.DataAccessTimeout),
		Deid:      engine,
		Knowledge: newKnowledge(cfg, logger),
		Assembler: prompt.NewAssembler(cfg.ContextBudgetChars, cfg.HistoryTailTurns),
		Generator: llm.NewGenerator(client, cfg.GenerationTimeout, logger),
		Guard:     guard.NewGuard(engine, 0),
		Audit:     recorder,
	}, nil
}

func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	if cfg.ResolvedAuthMode() == config.AuthModeDevelopment {
		return auth.JWTMiddleware(auth.JWTConfig{
			SigningKey: devSigningKey(cfg),
			Skipper:    auth.AuthSkipper,
		})
	}
	jc := auth.JWTConfig{
		Issuer:   cfg.AuthIssuer,
		Audience: cfg.AuthAudience,
		JWKSURL:  cfg.AuthJWKSURL,
		Skipper:  auth.AuthSkipper,
	}
	if cfg.AuthSigningKey != "" {
		jc.SigningKey = []byte(cfg.AuthSigningKey)
	}
	return auth.JWTMiddleware(jc)
}

func devSigningKey(cfg *config.Config) []byte {
	if cfg.AuthSigningKey != "" {
		return []byte(cfg.AuthSigningKey)
	}
	return []byte(auth.DevSigningKey)
}

func traceWriter(cfg *config.Config) io.Writer {
	if cfg.TracingStdout {
		return os.Stdout
	}
	return nil
}

func runServer() error {
	// Config
	cfg, err := loadConfig()
	if err != nil {
		newLogger(true).Error().Err(err).Msg("failed to load config")
		return err
	}

	// Logger
	logger := newLogger(cfg.IsDev())

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Telemetry
	tel, err := telemetry.NewProvider(telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Environment:    cfg.Env,
		TracingEnabled: cfg.TracingEnabled,
		SampleRate:     cfg.TracingSampleRate,
		TraceWriter:    traceWriter(cfg),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise telemetry")
	}
	defer tel.Shutdown(context.Background())

	// Storage
	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open stores")
	}
	defer st.Close()

	cipher, err := auditCipher(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load audit encryption key")
	}
	sink, closeSink, err := openAuditSink(cfg, st.pool)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open audit sink")
	}
	defer closeSink()
	recorder := audit.NewRecorder(sink, cipher, logger)

	tasks, bus, err := newCanceller(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}

	pipeline, err := buildPipeline(cfg, st, recorder, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build pipeline")
	}
	svc := chat.NewService(pipeline, tasks, tel, logger)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(cfg.TLSEnabled))
	e.Use(middleware.BodyLimit("64K"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders:  []string{"Authorization", "Content-Type", middleware.RequestIDHeader, db.TenantHeader},
		ExposeHeaders: []string{middleware.RequestIDHeader, "X-Assistant-Request-ID"},
	}))
	e.Use(tel.TracingMiddleware())
	e.Use(tel.MetricsMiddleware())
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, longLivedPrefixes...))

	// Auth middleware
	e.Use(authMiddleware(cfg))

	// Health and metrics
	deps := []db.Dependency{}
	if st.pool != nil {
		deps = append(deps, db.Dependency{Name: "postgres", Pinger: st.pool})
	}
	if bus != nil {
		deps = append(deps, db.Dependency{Name: "redis", Pinger: bus})
	}
	e.GET("/health", db.HealthHandler())
	e.GET("/health/db", db.HealthHandler(deps...))
	e.GET("/metrics", tel.PrometheusHandler())

	// Rate limiting
	rateLimitCfg := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rateLimitCfg.RequestsPerSecond = cfg.RateLimitRPS
		rateLimitCfg.BurstSize = cfg.RateLimitBurst
	}
	limiter := middleware.RateLimit(rateLimitCfg)

	// API groups. Tenant connections are request-scoped, so the websocket
	// route, which outlives many runs, uses the pool's default tenant.
	apiV1 := e.Group("/api/v1", limiter)
	if st.pool != nil {
		apiV1.Use(db.TenantMiddleware(st.pool, cfg.DefaultTenant))
	}
	chat.NewHandler(svc, logger).RegisterRoutes(apiV1)
	if st.fixtures != nil {
		sandbox.NewUsersHandler(st.fixtures).RegisterRoutes(apiV1)
	}

	websocket.SetAllowedOrigins(cfg.CORSOrigins)
	hub := websocket.NewHub(logger)
	e.GET("/ws/chat", websocket.NewHandler(hub, svc, logger).HandleConnect, limiter)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("auth_mode", cfg.ResolvedAuthMode()).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
