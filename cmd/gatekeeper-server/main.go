package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/suhlabs/gatekeeper/internal/api"
	"github.com/suhlabs/gatekeeper/internal/audit"
	"github.com/suhlabs/gatekeeper/internal/auth"
	"github.com/suhlabs/gatekeeper/internal/cache"
	"github.com/suhlabs/gatekeeper/internal/classify"
	"github.com/suhlabs/gatekeeper/internal/config"
	"github.com/suhlabs/gatekeeper/internal/distill"
	"github.com/suhlabs/gatekeeper/internal/engine"
	"github.com/suhlabs/gatekeeper/internal/escalate"
	"github.com/suhlabs/gatekeeper/internal/events"
	"github.com/suhlabs/gatekeeper/internal/killswitch"
	"github.com/suhlabs/gatekeeper/internal/rules"
	"github.com/suhlabs/gatekeeper/internal/sanitize"
	"github.com/suhlabs/gatekeeper/internal/store"
	"github.com/suhlabs/gatekeeper/internal/token"
)

func main() {
	// Logger
	logger := mustBuildLogger(envOrDefault("GATEKEEPER_LOG_LEVEL", "info"))
	defer logger.Sync() //nolint:errcheck // best-effort flush

	// Config from env
	httpPort := envOrDefault("GATEKEEPER_HTTP_PORT", "8080")
	configPath := os.Getenv("GATEKEEPER_CONFIG")
	configHash := os.Getenv("GATEKEEPER_CONFIG_HASH")
	rulesPath := envOrDefault("GATEKEEPER_RULES", "rules.yaml")
	rulesHash := os.Getenv("GATEKEEPER_RULES_HASH")
	auditDir := envOrDefault("GATEKEEPER_AUDIT_DIR", "audit")
	haltFile := os.Getenv("GATEKEEPER_HALT_FILE")
	geminiKey := os.Getenv("GEMINI_API_KEY")
	redisURL := os.Getenv("REDIS_URL")
	postgresDSN := os.Getenv("POSTGRES_DSN")
	clickhouseDSN := os.Getenv("CLICKHOUSE_DSN")
	pubsubProject := os.Getenv("PUBSUB_PROJECT_ID")
	pubsubTopic := os.Getenv("PUBSUB_TOPIC_ID")
	tokenKey := os.Getenv("GATEKEEPER_TOKEN_KEY")
	authCacheTTL := envOrDefaultInt("GATEKEEPER_AUTH_CACHE_TTL_S", 30)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Runtime config, integrity-checked when a registry hash is supplied
	var cfg *config.Config
	if configPath != "" {
		loaded, hash, err := config.Load(configPath, configHash)
		if err != nil {
			logger.Fatal("config load failed", zap.Error(err))
		}
		cfg = loaded
		logger.Info("config loaded", zap.String("path", configPath), zap.String("hash", hash))
	} else {
		cfg = config.Default()
		logger.Info("no GATEKEEPER_CONFIG set, using defaults")
	}

	prodNamespaces := make(map[string]bool, len(cfg.Cache.ProductionNamespaces))
	for _, ns := range cfg.Cache.ProductionNamespaces {
		prodNamespaces[ns] = true
	}
	minTierByVerb := make(map[engine.ActionVerb]int, len(cfg.Tiers.MinTierByVerb))
	for verb, tier := range cfg.Tiers.MinTierByVerb {
		minTierByVerb[engine.ParseActionVerb(verb)] = tier
	}

	// Rule table, hash-verified at load; the integrity guard re-checks the
	// live hash on every request.
	snapshot, err := rules.LoadFile(rulesPath, rulesHash)
	if err != nil {
		logger.Fatal("rule table load failed", zap.Error(err))
	}
	table := rules.NewTable(snapshot)
	guard := rules.NewIntegrityGuard(table, snapshot.Hash())
	logger.Info("rule table loaded",
		zap.String("version", snapshot.Version()),
		zap.String("hash", snapshot.Hash()),
		zap.Int("rules", snapshot.Len()),
	)

	// Kill switch, optionally driven by a watched halt file
	kill := killswitch.New()
	if haltFile != "" {
		source, err := killswitch.NewFileSource(haltFile, kill, logger)
		if err != nil {
			logger.Fatal("halt file watcher failed", zap.Error(err))
		}
		go source.Run(ctx)
		logger.Info("halt file watched", zap.String("path", haltFile))
	}

	// Decision cache: Redis when configured, in-process otherwise
	var decisionCache engine.Cache
	if redisURL != "" {
		redisCache, err := cache.NewRedis(ctx, redisURL, logger)
		if err != nil {
			logger.Fatal("redis connection failed", zap.Error(err))
		}
		defer redisCache.Close() //nolint:errcheck
		decisionCache = redisCache
		logger.Info("redis decision cache connected")
	} else {
		mem := cache.NewMemory(cfg.Cache.SweepInterval.Std())
		defer mem.Close()
		decisionCache = mem
		logger.Info("using in-process decision cache")
	}

	ttlByRisk := make(map[engine.RiskLevel]time.Duration, len(cfg.Cache.TTLByRisk))
	for risk, ttl := range cfg.Cache.TTLByRisk {
		ttlByRisk[engine.ParseRiskLevel(risk)] = ttl.Std()
	}
	ttlPolicy := &cache.Policy{
		TTLByRisk:            ttlByRisk,
		ProductionNamespaces: prodNamespaces,
		ProductionCap:        cfg.Cache.ProductionCap.Std(),
	}

	// Classifier: Gemini Flash when a key is present, local derivation
	// otherwise
	var classifier engine.Classifier
	if geminiKey != "" {
		gc, err := classify.NewGemini(ctx, geminiKey, cfg.Classifier.Model, cfg.Classifier.Timeout.Std(), logger)
		if err != nil {
			logger.Fatal("classifier init failed", zap.Error(err))
		}
		defer gc.Close() //nolint:errcheck
		classifier = gc
		logger.Info("gemini classifier enabled", zap.String("model", cfg.Classifier.Model))
	} else {
		classifier = &classify.Local{
			MinTierByVerb:        minTierByVerb,
			ProductionNamespaces: prodNamespaces,
			ProductionMinTier:    cfg.Tiers.ProductionMinTier,
		}
		logger.Info("no GEMINI_API_KEY set, using local classifier")
	}

	// Escalator: without a key every escalation fails safe to DENY
	var escalator engine.Escalator
	if geminiKey != "" {
		ge, err := escalate.NewGemini(ctx, geminiKey, escalate.Options{
			Model:           cfg.Escalation.Model,
			Timeout:         cfg.Escalation.Timeout.Std(),
			MaxOutputTokens: cfg.Escalation.MaxOutputTokens,
			TokensPerMinute: cfg.Escalation.TokensPerMinute,
		}, logger)
		if err != nil {
			logger.Fatal("escalator init failed", zap.Error(err))
		}
		defer ge.Close() //nolint:errcheck
		escalator = ge
		logger.Info("gemini escalator enabled", zap.String("model", cfg.Escalation.Model))
	} else {
		escalator = unavailableEscalator{}
		logger.Warn("no GEMINI_API_KEY set, escalations will fail safe to deny")
	}

	// Audit trail: hash-chained file primary, ClickHouse mirror optional
	fileSink, err := audit.NewFileSink(auditDir)
	if err != nil {
		logger.Fatal("audit sink init failed", zap.Error(err))
	}
	defer fileSink.Close() //nolint:errcheck
	mirrors := []engine.AuditSink{}
	if clickhouseDSN != "" {
		chMirror, err := audit.NewClickHouseMirror(clickhouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse mirror connection failed, continuing without it", zap.Error(err))
		} else {
			defer chMirror.Close()
			mirrors = append(mirrors, chMirror)
			logger.Info("clickhouse audit mirror connected")
		}
	} else {
		mirrors = append(mirrors, audit.NewLogSink(logger))
	}
	auditSink := audit.NewMultiSink(fileSink, logger, mirrors...)

	// Registry DB: agent auth, halted-agent seed, candidate store
	var (
		registry      *store.Store
		authenticator auth.Authenticator
		promoSink     distill.PromotionSink
	)
	if postgresDSN != "" {
		registry, err = store.Open(ctx, postgresDSN)
		if err != nil {
			logger.Fatal("registry db connection failed", zap.Error(err))
		}
		defer registry.Close() //nolint:errcheck
		authenticator = auth.NewPostgresAuthenticator(auth.PostgresAuthConfig{
			Store:    registry,
			CacheTTL: time.Duration(authCacheTTL) * time.Second,
			Logger:   logger,
		})
		if halted, err := registry.HaltedAgents(ctx); err != nil {
			logger.Warn("loading halted agents failed", zap.Error(err))
		} else if len(halted) > 0 {
			kill.Apply(kill.Global(), halted)
			logger.Info("seeded kill switch from registry", zap.Int("agents", len(halted)))
		}
		promoSink = registry
		logger.Info("registry db connected")
	} else {
		authenticator = staticAuthFromEnv(logger)
		promoSink = &logPromotions{logger: logger}
		logger.Info("no POSTGRES_DSN set, using static auth")
	}

	// Distillation worker
	distiller := distill.NewWorker(distill.Options{
		MinOccurrences: cfg.Distillation.MinOccurrences,
		Window:         cfg.Distillation.Window.Std(),
		QueueSize:      cfg.Distillation.QueueSize,
	}, promoSink, logger)
	go distiller.Run(ctx)

	// Engine
	eng := engine.New(engine.Deps{
		Sanitizer:  sanitize.New(envOrDefaultInt("GATEKEEPER_MAX_TEXT_LEN", 10000)),
		Preflights: []engine.Preflight{kill, guard},
		Cache:      decisionCache,
		TTL:        ttlPolicy,
		Classifier: classifier,
		Rules:      table,
		Escalator:  escalator,
		Audit:      auditSink,
		Distill:    distiller,
		PolicyHash: table.Hash,
		Logger:     logger,
	}, engine.Options{
		CacheableThreshold:   cfg.Confidence.CacheableThreshold,
		DistillThreshold:     cfg.Confidence.DistillThreshold,
		MinTierByVerb:        minTierByVerb,
		ProductionNamespaces: prodNamespaces,
		ProductionMinTier:    cfg.Tiers.ProductionMinTier,
	})

	// Decision tokens
	var issuer *token.Issuer
	if tokenKey != "" {
		issuer, err = token.NewIssuer([]byte(tokenKey), "gatekeeper", 0)
		if err != nil {
			logger.Fatal("token issuer init failed", zap.Error(err))
		}
		logger.Info("decision tokens enabled")
	} else {
		logger.Info("no GATEKEEPER_TOKEN_KEY set, decision tokens disabled")
	}

	// Event emitters
	var emitter events.Emitter = events.NewLogEmitter(logger)
	if pubsubProject != "" && pubsubTopic != "" {
		ps, err := events.NewPubSubEmitter(ctx, pubsubProject, pubsubTopic, logger)
		if err != nil {
			logger.Warn("pubsub emitter init failed, events go to the log only", zap.Error(err))
		} else {
			defer ps.Close() //nolint:errcheck
			emitter = events.NewMultiEmitter(emitter, ps)
			logger.Info("pubsub emitter enabled", zap.String("topic", pubsubTopic))
		}
	}

	// HTTP server
	deps := &api.Dependencies{
		Auth:    authenticator,
		Engine:  eng,
		Rules:   table,
		Kill:    kill,
		Store:   registry,
		Tokens:  issuer,
		Emitter: emitter,
		Logger:  logger,
	}
	httpServer := &http.Server{
		Addr:         ":" + httpPort,
		Handler:      api.NewRouter(deps),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}

	logger.Info("gatekeeper server stopped")
}

// unavailableEscalator denies everything that reaches escalation. Used
// when no reasoning backend is configured.
type unavailableEscalator struct{}

func (unavailableEscalator) Escalate(context.Context, *engine.GovernanceRequest, engine.Intent) (*engine.Escalated, error) {
	return nil, fmt.Errorf("%w: no reasoning backend configured", engine.ErrEscalationUnavailable)
}

// logPromotions records promoted candidates in the log when no registry
// DB is configured.
type logPromotions struct {
	logger *zap.Logger
}

func (p *logPromotions) Promote(_ context.Context, promo *distill.Promotion) error {
	p.logger.Info("rule candidate (no registry db, not persisted)",
		zap.String("signature", promo.Signature),
		zap.String("category", promo.Record.Category),
		zap.String("subcategory", promo.Record.Subcategory),
		zap.Int("occurrences", promo.Occurrences),
	)
	return nil
}

// staticAuthFromEnv builds a fixed-key authenticator from
// GATEKEEPER_STATIC_AGENTS, formatted key:agent_id:tier,key:agent_id:tier.
func staticAuthFromEnv(logger *zap.Logger) auth.Authenticator {
	agents := make(map[string]auth.AgentContext)
	raw := os.Getenv("GATEKEEPER_STATIC_AGENTS")
	if raw != "" {
		for _, entry := range strings.Split(raw, ",") {
			entry = strings.TrimSpace(entry)
			if entry == "" {
				continue
			}
			parts := strings.Split(entry, ":")
			if len(parts) != 3 {
				logger.Warn("malformed static agent entry, skipping", zap.String("entry", entry))
				continue
			}
			tier, err := strconv.Atoi(parts[2])
			if err != nil || tier < 1 || tier > 4 {
				logger.Warn("static agent has invalid tier, skipping", zap.String("agent_id", parts[1]))
				continue
			}
			agents[parts[0]] = auth.AgentContext{AgentID: parts[1], Tier: tier}
		}
	}
	logger.Info("static auth configured", zap.Int("agents", len(agents)))
	return auth.NewStaticAuthenticator(agents)
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}
