package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"

	"mcpgw/pkg/audit"
	"mcpgw/pkg/auth"
	"mcpgw/pkg/broker"
	"mcpgw/pkg/contracts"
	"mcpgw/pkg/hardening"
	"mcpgw/pkg/httpx"
	"mcpgw/pkg/metrics"
	"mcpgw/pkg/oracle"
	"mcpgw/pkg/ratelimit"
	"mcpgw/pkg/registry"
	"mcpgw/pkg/store"
	"mcpgw/pkg/stream"
	"mcpgw/pkg/telemetry"
	"mcpgw/pkg/validator"
)

// Server carries the wired components and request-scoped settings for the
// gateway API.
type Server struct {
	Broker  *broker.Broker
	Oracle  *oracle.HTTPClient
	Audit   *audit.Writer
	Metrics *metrics.Registry
	Stream  *stream.Hub

	RateLimiter         ratelimit.Limiter
	RateLimitEnabled    bool
	RateLimitPerMinute  int
	TrustedProxyCIDRs   []*net.IPNet
	MaxRequestBodyBytes int64

	AuthMode   string
	AuthSecret string

	SweepInterval time.Duration
}

type gatewayDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type gatewayDBCloser interface {
	gatewayDB
	Close()
}

type (
	gatewayInitTelemetryFunc func(ctx context.Context, serviceName string) (func(context.Context) error, error)
	gatewayOpenDBFunc        func(ctx context.Context) (gatewayDBCloser, error)
	gatewayOpenRedisFunc     func(ctx context.Context) (*redis.Client, error)
	gatewayListenFunc        func(server *http.Server) error
	gatewayStartLoopsFunc    func(s *Server)
)

var (
	logFatalf = log.Fatalf

	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context) (gatewayDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFnG  = func(s *Server) {
		go s.sweepLoop(context.Background())
	}
)

func main() {
	if err := runGateway(initTelemetryG, openDBFnG, openRedisFnG, listenFnG, startLoopsFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
	startLoops gatewayStartLoopsFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory registry/cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)

	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	authMode := env("AUTH_MODE", "oidc_hs256")
	if strings.EqualFold(authMode, "off") {
		if env("ALLOW_INSECURE_AUTH_OFF", "false") != "true" {
			return errors.New("AUTH_MODE=off is disabled unless ALLOW_INSECURE_AUTH_OFF=true")
		}
		if isProductionLikeEnv(runtimeEnv) {
			return errors.New("AUTH_MODE=off is forbidden in production-like environments")
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
		OracleURL:             env("ORACLE_URL", ""),
	}); err != nil {
		return err
	}

	var backend registry.Backend
	if redisClient != nil {
		backend = registry.NewRedisBackend(redisClient)
	} else {
		backend = registry.NewMemoryBackend()
	}
	reg := registry.New(backend)

	contractStore := contracts.NewStore(contracts.Options{
		DefaultDuration:   time.Minute * time.Duration(envInt("CONTRACT_DEFAULT_DURATION_MIN", 60)),
		MaxDuration:       time.Minute * time.Duration(envInt("CONTRACT_MAX_DURATION_MIN", 24*60)),
		MaxViolations:     int64(envInt("CONTRACT_MAX_VIOLATIONS", 5)),
		ViolationLogCap:   envInt("CONTRACT_VIOLATION_LOG_CAP", 50),
		TransactionLogCap: envInt("CONTRACT_TRANSACTION_LOG_CAP", 100),
		GracePeriod:       time.Minute * time.Duration(envInt("CONTRACT_GRACE_PERIOD_MIN", 60)),
	}, archiverFor(pool))

	oracleClient := &oracle.HTTPClient{
		Client:             telemetry.InstrumentClient(&http.Client{Timeout: time.Millisecond * time.Duration(envInt("ORACLE_HTTP_TIMEOUT_MS", 15000))}),
		BaseURL:            strings.TrimRight(env("ORACLE_URL", "http://localhost:11434"), "/"),
		Model:              env("ORACLE_MODEL", "llama3.1:8b"),
		AuthHeader:         env("ORACLE_AUTH_HEADER", ""),
		AuthToken:          env("ORACLE_AUTH_TOKEN", ""),
		NegotiationTimeout: time.Millisecond * time.Duration(envInt("ORACLE_NEGOTIATION_TIMEOUT_MS", 10000)),
		TransactionTimeout: time.Millisecond * time.Duration(envInt("ORACLE_TRANSACTION_TIMEOUT_MS", 3000)),
		Retries:            envInt("ORACLE_RETRIES", 1),
		RetryDelay:         time.Millisecond * time.Duration(envInt("ORACLE_RETRY_DELAY_MS", 100)),
	}

	hub := stream.NewHub()
	publisher := buildPublisher(hub)

	reg2 := metrics.NewRegistry()
	v := validator.New(contractStore, oracleClient, cache)
	v.CacheTTL = time.Second * time.Duration(envInt("VERDICT_CACHE_TTL_SEC", 300))
	b := broker.New(reg, contractStore, oracleClient, v, publisher, reg2)
	b.DriftWindow = time.Minute * time.Duration(envInt("DRIFT_WINDOW_MIN", 60))

	auditSalt := env("AUDIT_HASH_SALT", "")
	auditRedact := strings.EqualFold(strings.TrimSpace(env("AUDIT_REDACT", "false")), "true")

	s := &Server{
		Broker:              b,
		Oracle:              oracleClient,
		Metrics:             reg2,
		Stream:              hub,
		RateLimitEnabled:    env("RATE_LIMIT_ENABLED", "true") == "true",
		RateLimitPerMinute:  envInt("RATE_LIMIT_PER_MINUTE", 240),
		TrustedProxyCIDRs:   parseCIDRs(env("TRUSTED_PROXY_CIDRS", "")),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
		AuthMode:            authMode,
		AuthSecret:          env("OIDC_HS256_SECRET", ""),
		SweepInterval:       envDurationSec("SWEEP_INTERVAL_SEC", 60),
	}
	s.Audit = &audit.Writer{DB: pool, HashSalt: []byte(auditSalt), Redact: auditRedact}
	if s.RateLimitEnabled {
		window := time.Second * time.Duration(envInt("RATE_LIMIT_WINDOW_SEC", 60))
		if window <= 0 {
			window = time.Minute
		}
		if redisClient != nil {
			s.RateLimiter = ratelimit.NewRedis(redisClient, window)
		} else {
			s.RateLimiter = ratelimit.NewInMemory(window)
		}
	}

	r := s.router()
	if startLoops != nil {
		startLoops(s)
	}

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

func (s *Server) router() chi.Router {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", s.handleHealth)

	authRouter := chi.NewRouter()
	authTimeout := time.Millisecond * time.Duration(envInt("AUTH_TIMEOUT_MS", 5000))
	authRouter.Use(auth.Middleware(
		s.AuthMode,
		s.AuthSecret,
		auth.WithJWKS(env("OIDC_JWKS_URL", "")),
		auth.WithIssuer(env("OIDC_ISSUER", "")),
		auth.WithAudience(env("OIDC_AUDIENCE", "")),
		auth.WithTimeout(authTimeout),
	))
	authRouter.Get("/metrics", s.Metrics.Handler())
	authRouter.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())

	authRouter.Post("/v1/intents", s.handleDeclareIntent)
	authRouter.Post("/v1/capabilities", s.handleRegisterCapability)
	authRouter.Get("/v1/capabilities", s.handleListCapabilities)
	authRouter.Post("/v1/negotiate", s.withRateLimit(s.handleNegotiate))
	authRouter.Post("/v1/transactions/validate", s.withRateLimit(s.handleValidateTransaction))
	authRouter.Post("/v1/responses/validate", s.withRateLimit(s.handleValidateResponse))
	authRouter.Get("/v1/contracts", s.handleListContracts)
	authRouter.Get("/v1/contracts/{contract_id}", s.handleGetContract)
	authRouter.Get("/v1/contracts/{contract_id}/stats", s.handleContractStats)
	authRouter.Post("/v1/contracts/{contract_id}/approve", s.withRoles(s.handleApproveContract, "operator", "securityadmin"))
	authRouter.Post("/v1/contracts/{contract_id}/terminate", s.withRoles(s.handleTerminateContract, "operator", "securityadmin"))
	authRouter.Post("/v1/contracts/{contract_id}/drift", s.withRoles(s.handleAnalyzeDrift, "operator", "securityadmin"))
	authRouter.Get("/v1/clients/{client_id}/contract", s.handleClientContract)
	authRouter.Get("/v1/stats", s.handleBrokerStats)
	authRouter.Get("/v1/audit/{transaction_id}", s.withRoles(s.handleGetAudit, "operator", "securityadmin"))
	authRouter.Get("/v1/stream", s.handleStream)
	r.Mount("/", authRouter)
	return r
}

// sweepLoop periodically expires and archives contracts.
func (s *Server) sweepLoop(ctx context.Context) {
	interval := s.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Broker.Sweep(ctx)
		}
	}
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		if s.Metrics != nil {
			s.Metrics.Observe(r.URL.Path, sw.status, time.Since(start))
			s.Metrics.ObserveLatency(r.URL.Path, time.Since(start))
		}
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withRoles(h http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			httpx.Error(w, http.StatusUnauthorized, "missing principal")
			return
		}
		if strings.EqualFold(s.AuthMode, "off") {
			h(w, r)
			return
		}
		if !auth.HasAnyRole(principal, roles...) {
			httpx.Error(w, http.StatusForbidden, "insufficient role")
			return
		}
		h(w, r)
	}
}

func (s *Server) withRateLimit(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.RateLimitEnabled || s.RateLimiter == nil {
			h(w, r)
			return
		}
		subject := "anonymous"
		if principal, ok := auth.PrincipalFromContext(r.Context()); ok && principal.Subject != "" {
			subject = principal.Subject
		}
		key := subject + ":" + s.clientIP(r)
		decision := s.RateLimiter.Allow(key, s.RateLimitPerMinute)
		if !decision.Allowed {
			retryAfter := int(time.Until(decision.ResetAt).Seconds())
			if retryAfter < 0 {
				retryAfter = 0
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			httpx.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		h(w, r)
	}
}

func (s *Server) clientIP(r *http.Request) string {
	remoteIP := parseIP(r.RemoteAddr)
	if remoteIP == "" {
		remoteIP = r.RemoteAddr
	}
	if remoteIP != "" && s.isTrustedProxy(remoteIP) {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			parts := strings.Split(xff, ",")
			if len(parts) > 0 {
				if candidate := parseIP(strings.TrimSpace(parts[0])); candidate != "" {
					return candidate
				}
			}
		}
		if realIP := parseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); realIP != "" {
			return realIP
		}
	}
	if remoteIP == "" {
		return "unknown"
	}
	return remoteIP
}

func (s *Server) isTrustedProxy(ipStr string) bool {
	if len(s.TrustedProxyCIDRs) == 0 {
		return false
	}
	ip := net.ParseIP(strings.TrimSpace(ipStr))
	if ip == nil {
		return false
	}
	for _, cidr := range s.TrustedProxyCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func parseIP(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		return host
	}
	if net.ParseIP(addr) != nil {
		return addr
	}
	return ""
}

func parseCIDRs(raw string) []*net.IPNet {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var out []*net.IPNet
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		_, cidr, err := net.ParseCIDR(part)
		if err != nil {
			log.Printf("ignoring invalid trusted proxy cidr %q: %v", part, err)
			continue
		}
		out = append(out, cidr)
	}
	return out
}

func isProductionLikeEnv(name string) bool {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "prod", "production", "staging", "stage":
		return true
	}
	return false
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
