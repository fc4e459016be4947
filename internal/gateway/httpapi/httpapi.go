// Package httpapi implements relay's admin HTTP API.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-client rate limiting via token bucket
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/relay/internal/bus"
	"github.com/jkaninda/relay/internal/gateway"
	"github.com/jkaninda/relay/internal/observability"
	"github.com/jkaninda/relay/internal/ratelimit"
	"github.com/jkaninda/relay/internal/scheduler"
	"github.com/jkaninda/relay/internal/tools"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the admin API.
type Config struct {
	ListenAddr     string
	EnableDocs     bool
	Version        string
	APIKeys        map[string]string // API key -> client name
	MaxRequestSize int64             // 0 = 1 MB

	MetricsRegistry *prometheus.Registry // nil = no /metrics endpoint
	MetricsPath     string               // Default: "/metrics"
	HealthChecker   *observability.HealthChecker
	Metrics         *observability.MetricsCollector
	Tracer          trace.Tracer
}

// Gateways reports the state of every registered channel client.
type Gateways interface {
	Statuses() []gateway.Status
}

// Scheduler manages scheduled jobs.
type Scheduler interface {
	AddJob(ctx context.Context, job *scheduler.Job) error
	Jobs(ctx context.Context) ([]scheduler.Job, error)
	Job(ctx context.Context, id string) (*scheduler.Job, error)
	RemoveJob(ctx context.Context, id string) error
	SetEnabled(ctx context.Context, id string, enabled bool) (*scheduler.Job, error)
	Trigger(ctx context.Context, id string) error
}

// Gateway is the admin HTTP API.
type Gateway struct {
	config   Config
	bus      *bus.Bus
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
	gateways Gateways        // nil = /v1/gateways disabled
	jobs     Scheduler       // nil = /v1/jobs disabled
	tools    *tools.Registry // nil = /v1/tools disabled

	routesOnce sync.Once
	server     *http.Server
	okapi      *okapi.Okapi
}

// NewGateway creates the admin API. rl may be nil for no rate limiting.
func NewGateway(cfg Config, b *bus.Bus, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Gateway{
		config:  cfg,
		bus:     b,
		limiter: rl,
		logger:  logger.With(slog.String("component", "httpapi")),
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxRequestSize)),
	}
}

// WithGateways enables GET /v1/gateways.
func (g *Gateway) WithGateways(gw Gateways) *Gateway {
	g.gateways = gw
	return g
}

// WithScheduler enables the /v1/jobs endpoints.
func (g *Gateway) WithScheduler(s Scheduler) *Gateway {
	g.jobs = s
	return g
}

// WithTools enables the /v1/tools endpoints.
func (g *Gateway) WithTools(reg *tools.Registry) *Gateway {
	g.tools = reg
	return g
}

// Handler returns the fully routed API. Routes are registered on first call.
func (g *Gateway) Handler() http.Handler {
	g.routesOnce.Do(g.routes)
	return g.okapi
}

func (g *Gateway) routes() {
	limit := g.config.MaxRequestSize
	g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	})
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	v1 := g.okapi.Group("/v1", g.authenticate)

	v1.Post("/messages", g.handleSendMessage,
		okapi.DocSummary("Send a message through a chat channel"),
		okapi.DocTags("Messages"),
		okapi.DocRequestBody(SendMessageRequest{}),
		okapi.DocResponse(http.StatusAccepted, SendMessageResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	v1.Get("/events", g.handleEvents,
		okapi.DocSummary("Stream bus traffic as server-sent events"),
		okapi.DocTags("Messages"),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)

	if g.gateways != nil {
		v1.Get("/gateways", g.handleGateways,
			okapi.DocSummary("List channel connection status"),
			okapi.DocTags("Gateways"),
			okapi.DocResponse([]gateway.Status{}),
		)
	}

	if g.jobs != nil {
		g.jobRoutes(v1)
	}
	if g.tools != nil {
		g.toolRoutes(v1)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd(http.MethodGet, path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		version := g.config.Version
		if version == "" {
			version = "dev"
		}
		g.okapi.WithOpenAPIDocs(okapi.OpenAPI{Title: "Relay", Version: version})
	}
}

// Start serves the API and blocks until the server stops.
func (g *Gateway) Start(ctx context.Context) error {
	g.Handler()

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("admin api starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("admin api stopping")
	return g.okapi.Shutdown(g.server)
}

// HealthResponse is the body of /healthz when no health checker is set.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleLiveness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(HealthResponse{Status: "ok"})
	}
	return c.OK(g.config.HealthChecker.CheckHealth())
}

// handleReadiness runs every registered check and answers 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(HealthResponse{Status: "ok"})
	}
	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// authenticate resolves the Bearer API key to a client name and applies
// the per-client rate limit.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		client := ""
		for key, name := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				client = name
			}
		}
		if client == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		if err := g.limiter.Allow(client); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
		c.Set("client", client)
		return next(c)
	}
}

func notFound(c *okapi.Context, msg string) error {
	return c.JSON(http.StatusNotFound, ErrorBody{Error: msg})
}
