package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"reveal/pkg/auth"
	"reveal/pkg/ceremony"
	"reveal/pkg/chain"
	"reveal/pkg/consent"
	"reveal/pkg/emoji"
	"reveal/pkg/envelope"
	"reveal/pkg/gate"
	"reveal/pkg/hardening"
	"reveal/pkg/httpx"
	"reveal/pkg/metrics"
	"reveal/pkg/ratelimit"
	"reveal/pkg/statebus"
	"reveal/pkg/store"
	"reveal/pkg/stream"
	"reveal/pkg/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
)

type Server struct {
	Ceremony            *ceremony.Orchestrator
	Chain               *chain.Chain
	Cache               store.Cache
	Metrics             *metrics.Registry
	Events              *stream.Hub
	RateLimiter         ratelimit.Limiter
	RateLimitEnabled    bool
	RateLimitPerMinute  int
	RateLimitWindow     time.Duration
	AuthMode            string
	AuthSecret          string
	RequireOpenQuorum   bool
	TrustedProxyCIDRs   []*net.IPNet
	MaxRequestBodyBytes int64
}

// fanoutAuditor appends to the hash chain first, then best-effort mirrors the
// written entry to live subscribers and the kafka bus. The chain entry is the
// source of truth; fan-out failure never changes a ceremony decision.
type fanoutAuditor struct {
	chain   *chain.Chain
	hub     *stream.Hub
	mirror  *statebus.EntryMirror
	metrics *metrics.Registry
}

func (a *fanoutAuditor) Append(ctx context.Context, actor, action string, eventCtx, payload map[string]interface{}) chain.Entry {
	e := a.chain.Append(ctx, actor, action, eventCtx, payload)
	if a.hub != nil {
		a.hub.Publish(stream.EntryEvent(e))
	}
	if a.mirror != nil {
		a.mirror.Mirror(ctx, e)
	}
	if a.metrics != nil {
		switch {
		case strings.HasPrefix(action, "approval."):
			a.metrics.IncGateEvent(strings.TrimPrefix(action, "approval."))
		case strings.HasPrefix(action, "envelope."):
			a.metrics.IncEnvelopeEvent(strings.TrimPrefix(action, "envelope."))
		}
	}
	return e
}

type gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayListenFunc func(server *http.Server) error

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runGateway(initTelemetryG, openRedisFnG, listenFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(initTelemetry gatewayInitTelemetryFunc, openRedis gatewayOpenRedisFunc, listen gatewayListenFunc) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	rateLimitWindow := time.Second * time.Duration(envInt("RATE_LIMIT_WINDOW_SEC", 60))
	if rateLimitWindow <= 0 {
		rateLimitWindow = time.Minute
	}
	maxRequestBodyBytes := int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))
	if maxRequestBodyBytes <= 0 {
		maxRequestBodyBytes = 1 << 20
	}

	s := &Server{
		Cache:               store.NewCache(ctx, redisClient),
		Metrics:             metrics.NewRegistry(),
		Events:              stream.NewHub(),
		RateLimitEnabled:    env("RATE_LIMIT_ENABLED", "true") == "true",
		RateLimitPerMinute:  envInt("RATE_LIMIT_PER_MINUTE", 240),
		RateLimitWindow:     rateLimitWindow,
		AuthMode:            env("AUTH_MODE", "hs256"),
		AuthSecret:          env("AUTH_HS256_SECRET", ""),
		RequireOpenQuorum:   env("REQUIRE_OPEN_QUORUM", "true") == "true",
		TrustedProxyCIDRs:   parseCIDRs(env("TRUSTED_PROXY_CIDRS", "")),
		MaxRequestBodyBytes: maxRequestBodyBytes,
	}

	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	if strings.EqualFold(s.AuthMode, "off") {
		if env("ALLOW_INSECURE_AUTH_OFF", "false") != "true" {
			return errors.New("AUTH_MODE=off is disabled unless ALLOW_INSECURE_AUTH_OFF=true")
		}
		if isProductionLikeEnv(runtimeEnv) {
			return errors.New("AUTH_MODE=off is forbidden in production-like environments")
		}
		if !isExplicitNonProductionEnv(runtimeEnv) && !isTestBinaryProcess() {
			return errors.New("AUTH_MODE=off requires ENVIRONMENT=development|dev|local|test")
		}
	}
	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "gateway",
		Environment:           runtimeEnv,
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    env("CORS_ALLOWED_ORIGINS", ""),
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "AUTH_HS256_SECRET", Value: s.AuthSecret},
			{Name: "CONSENT_SALT", Value: env("CONSENT_SALT", "")},
		},
	}); err != nil {
		return err
	}
	if s.RateLimitEnabled {
		if redisClient != nil {
			s.RateLimiter = ratelimit.NewRedis(redisClient, rateLimitWindow)
		} else {
			s.RateLimiter = ratelimit.NewInMemory(rateLimitWindow)
		}
	}

	hasher := consent.NewHasher(env("CONSENT_SALT", ""))
	auditChain := chain.New(chain.NewFSJournal(env("AUDIT_DIR", "audit")), hasher)
	s.Chain = auditChain

	var mirror *statebus.EntryMirror
	if brokers := env("KAFKA_BROKERS", ""); brokers != "" {
		pub, err := statebus.NewKafkaPublisher(statebus.KafkaConfig{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("KAFKA_AUDIT_TOPIC", "reveal.audit"),
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer pub.Close()
		mirror = statebus.NewEntryMirror(pub)
	}
	auditor := &fanoutAuditor{chain: auditChain, hub: s.Events, mirror: mirror, metrics: s.Metrics}

	gatekeeper, err := gate.New(gate.Config{
		ActionID:      env("GATE_ACTION_ID", ""),
		Quorum:        envInt("GATE_QUORUM", 1),
		AllowVeto:     env("GATE_ALLOW_VETO", "true") == "true",
		ExpirySeconds: envInt("GATE_EXPIRY_SEC", 0),
		Hasher:        hasher,
		Audit:         auditor,
	})
	if err != nil {
		return fmt.Errorf("gate: %w", err)
	}

	repo, err := buildEnvelopeRepository(ctx, redisClient)
	if err != nil {
		return err
	}
	envelopes := envelope.NewStore(repo, hasher, auditor)

	orch, err := ceremony.New(ceremony.Config{
		Gate:      gatekeeper,
		Envelopes: envelopes,
		Channel:   emoji.New(env("EMOJI_SALT", "")),
	})
	if err != nil {
		return err
	}
	s.Ceremony = orch

	r := s.routes()

	addr := env("ADDR", ":8080")
	log.Printf("gateway listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "gateway"})
	})

	authRouter := chi.NewRouter()
	authRouter.Use(auth.Middleware(
		s.AuthMode,
		s.AuthSecret,
		auth.WithIssuer(env("AUTH_ISSUER", "")),
		auth.WithAudience(env("AUTH_AUDIENCE", "")),
	))
	authRouter.Use(s.rateLimitMiddleware)
	authRouter.Get("/metrics", s.Metrics.Handler())
	authRouter.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	authRouter.Post("/v1/preview", s.withRoles(s.handlePreview, "operator", "guardian", "securityadmin"))
	authRouter.Post("/v1/gate/submit", s.withRoles(s.handleGateSubmit, "guardian", "securityadmin"))
	authRouter.Post("/v1/gate/revoke", s.withRoles(s.handleGateRevoke, "guardian", "securityadmin"))
	authRouter.Post("/v1/gate/reset", s.withRoles(s.handleGateReset, "securityadmin"))
	authRouter.Get("/v1/gate/status", s.withRoles(s.handleGateStatus, "operator", "guardian", "securityadmin"))
	authRouter.Post("/v1/envelopes", s.withRoles(s.handleEnvelopeCreate, "operator", "guardian", "securityadmin"))
	authRouter.Post("/v1/envelopes/purge", s.withRoles(s.handleEnvelopePurge, "securityadmin"))
	authRouter.Post("/v1/envelopes/{envelope_id}/resolve", s.withRoles(s.handleEnvelopeResolve, "operator", "guardian", "securityadmin"))
	authRouter.Get("/v1/envelopes/{envelope_id}", s.withRoles(s.handleEnvelopeStatus, "operator", "guardian", "securityadmin"))
	authRouter.Get("/v1/audit/verify", s.withRoles(s.handleAuditVerify, "auditor", "guardian", "securityadmin"))
	authRouter.Get("/v1/audit/tail", s.withRoles(s.handleAuditTail, "auditor", "guardian", "securityadmin"))
	authRouter.Get("/v1/stream", s.withRoles(s.streamEvents, "operator", "guardian", "securityadmin"))
	r.Mount("/", authRouter)
	return r
}

func buildEnvelopeRepository(ctx context.Context, redisClient *redis.Client) (envelope.Repository, error) {
	backend := strings.ToLower(strings.TrimSpace(env("ENVELOPE_BACKEND", "fs")))
	switch backend {
	case "fs", "":
		return envelope.NewFSRepository(env("STATE_DIR", "state")), nil
	case "redis":
		if redisClient == nil {
			return nil, errors.New("ENVELOPE_BACKEND=redis requires a reachable redis")
		}
		return envelope.NewRedisRepository(redisClient), nil
	case "postgres":
		pool, err := store.NewPostgresPool(ctx)
		if err != nil {
			return nil, fmt.Errorf("db: %w", err)
		}
		return &envelope.PostgresRepository{DB: pool}, nil
	default:
		return nil, fmt.Errorf("unknown ENVELOPE_BACKEND %q", backend)
	}
}
