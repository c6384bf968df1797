// Package server provides the HTTP API for ragd.
//
// Every route except the probes and /metrics requires a bearer token,
// and a "client" request header selects the settings record the call
// runs under (defaulting to "server"). Responses are JSON except the
// chat streaming endpoint, which emits raw token bytes terminated by
// the stream sentinel. The MCP protocol is mounted at /v1/mcp behind
// its own X-API-Key check.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragd/internal/chat"
	"github.com/fyrsmithlabs/ragd/internal/cloudauth"
	"github.com/fyrsmithlabs/ragd/internal/config"
	"github.com/fyrsmithlabs/ragd/internal/database"
	"github.com/fyrsmithlabs/ragd/internal/logging"
	"github.com/fyrsmithlabs/ragd/internal/model"
	"github.com/fyrsmithlabs/ragd/internal/objstore"
	"github.com/fyrsmithlabs/ragd/internal/prompt"
	"github.com/fyrsmithlabs/ragd/internal/settings"
	"github.com/fyrsmithlabs/ragd/internal/testbed"
	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
)

// clientHeader selects the settings record a request runs under.
const clientHeader = "client"

// webFetchTimeout bounds one embed/web/store download end to end.
const webFetchTimeout = 60 * time.Second

// Config holds the server's dependencies and listen parameters.
type Config struct {
	// Server carries port, API key and scratch directory.
	Server config.ServerConfig

	// Settings resolves the per-client record behind the client header.
	Settings *settings.Registry

	// Models is the model registry behind /v1/models.
	Models *model.Registry

	// Prober re-checks endpoints on model create and endpoint patch.
	Prober *model.Prober

	// Databases is the handle registry behind /v1/databases.
	Databases *database.Registry

	// Profiles is the cloud auth registry behind /v1/oci.
	Profiles *cloudauth.Registry

	// Prompts serves the catalog behind /v1/mcp/prompts.
	Prompts *prompt.Store

	// Graph runs chat turns.
	Graph *chat.Graph

	// Engine serves ingest, refresh, discovery and search.
	Engine *vectorstore.Engine

	// Runner serves the testbed routes.
	Runner *testbed.Runner

	// Objects serves bucket listings on the oci routes. Optional:
	// bucket routes answer 503 when nil.
	Objects objstore.Store

	// MCP is the streamable protocol handler mounted at /v1/mcp.
	// Optional: the mount is skipped when nil.
	MCP http.Handler

	// Logger receives request and handler logs.
	Logger *logging.Logger
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if !c.Server.APIKey.IsSet() {
		return fmt.Errorf("api key is required")
	}
	if c.Settings == nil {
		return fmt.Errorf("settings registry is required")
	}
	if c.Models == nil {
		return fmt.Errorf("model registry is required")
	}
	if c.Prober == nil {
		return fmt.Errorf("prober is required")
	}
	if c.Databases == nil {
		return fmt.Errorf("database registry is required")
	}
	if c.Profiles == nil {
		return fmt.Errorf("cloud auth registry is required")
	}
	if c.Prompts == nil {
		return fmt.Errorf("prompt store is required")
	}
	if c.Graph == nil {
		return fmt.Errorf("chat graph is required")
	}
	if c.Engine == nil {
		return fmt.Errorf("vector store engine is required")
	}
	if c.Runner == nil {
		return fmt.Errorf("testbed runner is required")
	}
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	return nil
}

// Server is the HTTP front of ragd.
type Server struct {
	echo      *echo.Echo
	cfg       config.ServerConfig
	settings  *settings.Registry
	models    *model.Registry
	prober    *model.Prober
	databases *database.Registry
	profiles  *cloudauth.Registry
	prompts   *prompt.Store
	graph     *chat.Graph
	engine    *vectorstore.Engine
	runner    *testbed.Runner
	objects   objstore.Store
	mcp       http.Handler
	logger    *logging.Logger
	metrics   *Metrics
	web       *http.Client
}

// NewServer creates the HTTP server and registers every route.
func NewServer(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:      e,
		cfg:       cfg.Server,
		settings:  cfg.Settings,
		models:    cfg.Models,
		prober:    cfg.Prober,
		databases: cfg.Databases,
		profiles:  cfg.Profiles,
		prompts:   cfg.Prompts,
		graph:     cfg.Graph,
		engine:    cfg.Engine,
		runner:    cfg.Runner,
		objects:   cfg.Objects,
		mcp:       cfg.MCP,
		logger:    cfg.Logger,
		metrics:   NewMetrics(),
		web:       &http.Client{Timeout: webFetchTimeout},
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.logRequests)

	s.registerRoutes()
	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	// Probes and metrics, unauthenticated.
	s.echo.GET("/v1/healthz", s.handleHealthz)
	s.echo.GET("/v1/liveness", s.handleLiveness)
	s.echo.GET("/v1/readiness", s.handleReadiness)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// MCP protocol mount, keyed separately from the bearer routes.
	if s.mcp != nil {
		s.echo.Any("/v1/mcp", echo.WrapHandler(s.mcp), s.requireAPIKey)
	}

	v1 := s.echo.Group("/v1", s.requireBearer, s.resolveClient)

	v1.POST("/chat/completions", s.handleChatCompletion)
	v1.POST("/chat/streams", s.handleChatStream)
	v1.GET("/chat/history", s.handleChatHistory)
	v1.DELETE("/chat/history", s.handleChatHistoryClear)

	v1.GET("/models", s.handleModelList)
	v1.GET("/models/api", s.handleModelProviders)
	v1.POST("/models", s.handleModelCreate)
	// Model identities contain a slash ("provider/id"), so the single
	// resource routes take the identity as a wildcard.
	v1.GET("/models/*", s.handleModelGet)
	v1.PATCH("/models/*", s.handleModelPatch)
	v1.DELETE("/models/*", s.handleModelDelete)

	v1.GET("/databases", s.handleDatabaseList)
	v1.GET("/databases/:name", s.handleDatabaseGet)
	v1.PATCH("/databases/:name", s.handleDatabasePatch)

	v1.GET("/settings", s.handleSettingsGet)
	v1.PATCH("/settings", s.handleSettingsPatch)
	v1.GET("/settings/clients", s.handleSettingsClients)

	v1.GET("/embed", s.handleStoreList)
	v1.POST("/embed", s.handleEmbed)
	v1.POST("/embed/", s.handleEmbed)
	v1.POST("/embed/local/store", s.handleUploadLocal)
	v1.POST("/embed/web/store", s.handleUploadWeb)
	v1.POST("/embed/sql/store", s.handleUploadSQL)
	v1.POST("/embed/refresh", s.handleRefresh)
	v1.DELETE("/embed/:vs", s.handleStoreDrop)
	v1.GET("/embed/:vs/files", s.handleStoreFiles)

	v1.GET("/oci", s.handleProfileList)
	v1.POST("/oci", s.handleProfileCreate)
	v1.GET("/oci/compartments", s.handleCompartmentList)
	v1.GET("/oci/buckets", s.handleBucketList)
	v1.GET("/oci/buckets/:bucket/objects", s.handleObjectList)
	v1.GET("/oci/:profile", s.handleProfileGet)
	v1.PATCH("/oci/:profile", s.handleProfilePatch)

	v1.GET("/mcp/prompts", s.handlePromptList)
	v1.PATCH("/mcp/prompts/:name", s.handlePromptPatch)
	v1.POST("/mcp/prompts/reset", s.handlePromptReset)

	v1.POST("/testbed/testsets", s.handleTestsetGenerate)
	v1.GET("/testbed/testsets", s.handleTestsetList)
	v1.GET("/testbed/testsets/:tid", s.handleTestsetGet)
	v1.DELETE("/testbed/testsets/:tid", s.handleTestsetDelete)
	v1.POST("/testbed/evaluate", s.handleEvaluate)
	v1.GET("/testbed/evaluations", s.handleEvaluationList)
	v1.GET("/testbed/reports/:eid", s.handleReportGet)
}

// Start runs the server and blocks until ctx is cancelled or the
// listener fails. Cancellation triggers a graceful shutdown bounded by
// the configured timeout; http.ErrServerClosed signals a clean stop.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, "starting http server", zap.String("addr", addr))
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("server start: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
		defer cancel()

		s.logger.Info(shutdownCtx, "shutting down http server")
		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return http.ErrServerClosed
	}
}

// Echo exposes the router for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// healthzResponse is the body of GET /v1/healthz.
type healthzResponse struct {
	Status             string `json:"status"`
	DatabasesConnected int    `json:"databases_connected"`
	ModelsEnabled      int    `json:"models_enabled"`
}

func (s *Server) handleHealthz(c echo.Context) error {
	connected := 0
	for _, name := range s.databases.Names() {
		if s.databases.Connected(name) {
			connected++
		}
	}
	enabled := 0
	for _, m := range s.models.List() {
		if m.Enabled {
			enabled++
		}
	}
	return c.JSON(http.StatusOK, healthzResponse{
		Status:             "ok",
		DatabasesConnected: connected,
		ModelsEnabled:      enabled,
	})
}

func (s *Server) handleLiveness(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "alive"})
}

func (s *Server) handleReadiness(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
}
