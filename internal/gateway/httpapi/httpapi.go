// Package httpapi implements the HTTP management API: script inventory,
// upload, deletion, logs, autoboot, run history, and the policy report. The
// WebSocket observer endpoint and the Prometheus registry are mounted on the
// same server.
package httpapi

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pyrunner/internal/history"
	"pyrunner/internal/policy"
	"pyrunner/internal/store"
	"pyrunner/internal/supervisor"
	"pyrunner/internal/validator"
)

// maxUploadSize bounds a script upload. Device scripts are small.
const maxUploadSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP gateway.
type Config struct {
	ListenAddr string // e.g., ":5000"
	EnableDocs bool

	// MetricsRegistry, when set, is served at MetricsPath (default "/metrics").
	MetricsRegistry *prometheus.Registry
	MetricsPath     string
}

// Gateway is the HTTP management API server.
type Gateway struct {
	config    Config
	store     *store.Store
	validator *validator.Validator
	catalog   *policy.Catalog
	sup       *supervisor.Supervisor
	history   *history.Store // nil = history endpoints disabled.
	logger    *slog.Logger

	server      *http.Server
	okapi       *okapi.Okapi
	group       *okapi.Group
	extraRoutes []extraRoute
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates the HTTP gateway.
func NewGateway(cfg Config, st *store.Store, v *validator.Validator, cat *policy.Catalog, sup *supervisor.Supervisor, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:    cfg,
		store:     st,
		validator: v,
		catalog:   cat,
		sup:       sup,
		logger:    logger,
		okapi:     okapi.New(okapi.WithMaxMultipartMemory(maxUploadSize)),
	}
}

// WithHistory attaches the run history store and enables its endpoints.
func (g *Gateway) WithHistory(h *history.Store) *Gateway {
	g.history = h
	return g
}

// WithHandler mounts an additional handler on the HTTP mux at the given
// pattern. Used for the WebSocket observer endpoint.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

// WithOpenAPIDocs enables the generated OpenAPI documentation endpoint.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "PyRunner",
			Version: "v1",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	g.group = g.okapi.Group("/v1")

	g.group.Get("/scripts", g.handleScriptList,
		okapi.DocSummary("List stored scripts with validation and run state"),
		okapi.DocTags("Scripts"),
		okapi.DocResponse(ScriptListResponse{}),
	)
	g.group.Get("/scripts/{name}", g.handleScriptGet,
		okapi.DocSummary("Get a script's source and validation detail"),
		okapi.DocTags("Scripts"),
		okapi.DocPathParam("name", "string", "Script file name"),
		okapi.DocResponse(ScriptDetailResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Delete("/scripts/{name}", g.handleScriptDelete,
		okapi.DocSummary("Delete a script, its log, and its autoboot mark"),
		okapi.DocTags("Scripts"),
		okapi.DocPathParam("name", "string", "Script file name"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/scripts/{name}/log", g.handleScriptLog,
		okapi.DocSummary("Get the last execution log"),
		okapi.DocTags("Scripts"),
		okapi.DocPathParam("name", "string", "Script file name"),
		okapi.DocResponse(LogResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/scripts/{name}/autoboot", g.handleAutobootSet,
		okapi.DocSummary("Mark a script to start at boot"),
		okapi.DocTags("Scripts"),
		okapi.DocPathParam("name", "string", "Script file name"),
		okapi.DocResponse(AutobootResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Delete("/scripts/{name}/autoboot", g.handleAutobootClear,
		okapi.DocSummary("Clear a script's autoboot mark"),
		okapi.DocTags("Scripts"),
		okapi.DocPathParam("name", "string", "Script file name"),
		okapi.DocResponse(AutobootResponse{}),
	)
	g.group.Get("/policy", g.handlePolicy,
		okapi.DocSummary("Report the active validation policy"),
		okapi.DocTags("Policy"),
		okapi.DocResponse(PolicyResponse{}),
	)
	g.group.Get("/hostname", g.handleHostname,
		okapi.DocSummary("Report the device hostname"),
		okapi.DocTags("System"),
		okapi.DocResponse(HostnameResponse{}),
	)

	if g.history != nil {
		g.group.Get("/history", g.handleHistoryRecent,
			okapi.DocSummary("List recent completed runs"),
			okapi.DocTags("History"),
			okapi.DocResponse([]history.Run{}),
		)
		g.group.Get("/scripts/{name}/history", g.handleHistoryForScript,
			okapi.DocSummary("List completed runs of one script"),
			okapi.DocTags("History"),
			okapi.DocPathParam("name", "string", "Script file name"),
			okapi.DocResponse([]history.Run{}),
		)
	}

	// Multipart upload handled on the raw mux: the body is a file, not JSON.
	g.okapi.HandleStd("POST", "/v1/scripts/upload", g.handleUpload)

	// Extra handlers (the WebSocket observer endpoint).
	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleHealth)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// HealthResponse is the liveness body.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleHealth(c *okapi.Context) error {
	return c.OK(HealthResponse{Status: "ok"})
}

// HostnameResponse carries the device hostname.
type HostnameResponse struct {
	Hostname string `json:"hostname"`
}

func (g *Gateway) handleHostname(c *okapi.Context) error {
	hostname, err := os.Hostname()
	if err != nil {
		return c.AbortInternalServerError("hostname unavailable")
	}
	return c.OK(HostnameResponse{Hostname: hostname})
}
