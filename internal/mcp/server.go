// Package mcp exposes the prompt catalog and retrieval tools over the
// Model Context Protocol.
//
// The server is built on the official SDK
// (github.com/modelcontextprotocol/go-sdk/mcp) and calls internal
// packages directly. Every catalog prompt is published as an MCP prompt
// whose handler re-reads the store on each resolution, so overrides
// written through the HTTP surface are visible immediately. Four tools
// cover vector store discovery, vector search, question rephrasing and
// object storage listing. One instance serves both transports: stdio
// via Run and the streamable HTTP mount via HTTPHandler.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/fyrsmithlabs/ragd/internal/chat"
	"github.com/fyrsmithlabs/ragd/internal/config"
	"github.com/fyrsmithlabs/ragd/internal/logging"
	"github.com/fyrsmithlabs/ragd/internal/objstore"
	"github.com/fyrsmithlabs/ragd/internal/prompt"
	"github.com/fyrsmithlabs/ragd/internal/settings"
	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
)

// ErrInvalidConfig indicates the server configuration is invalid.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds configuration for the MCP server.
type Config struct {
	// Name is the advertised implementation name (default: "ragd").
	Name string

	// Version is the advertised implementation version (default: "dev").
	Version string

	// Settings resolves the client records supplying search and
	// rephrase defaults.
	Settings *settings.Registry

	// Graph answers the rephrase tool.
	Graph *chat.Graph

	// Engine serves store discovery and vector search.
	Engine *vectorstore.Engine

	// Prompts is the catalog published as MCP prompts.
	Prompts *prompt.Store

	// Objects serves the storage_list tool. Optional: the tool reports
	// storage as unconfigured when nil.
	Objects objstore.Store

	// Logger receives server logs.
	Logger *logging.Logger
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.Settings == nil {
		return fmt.Errorf("%w: settings registry required", ErrInvalidConfig)
	}
	if c.Graph == nil {
		return fmt.Errorf("%w: chat graph required", ErrInvalidConfig)
	}
	if c.Engine == nil {
		return fmt.Errorf("%w: vector store engine required", ErrInvalidConfig)
	}
	if c.Prompts == nil {
		return fmt.Errorf("%w: prompt store required", ErrInvalidConfig)
	}
	if c.Logger == nil {
		return fmt.Errorf("%w: logger required", ErrInvalidConfig)
	}
	return nil
}

// Server publishes prompts and tools over MCP.
type Server struct {
	mcp      *mcp.Server
	settings *settings.Registry
	graph    *chat.Graph
	engine   *vectorstore.Engine
	prompts  *prompt.Store
	objects  objstore.Store
	logger   *logging.Logger
	metrics  *Metrics
}

// NewServer creates an MCP server with the given configuration and
// registers the prompt catalog and the tool set on it.
func NewServer(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	name := cfg.Name
	if name == "" {
		name = "ragd"
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		mcp: mcp.NewServer(
			&mcp.Implementation{Name: name, Version: version},
			nil,
		),
		settings: cfg.Settings,
		graph:    cfg.Graph,
		engine:   cfg.Engine,
		prompts:  cfg.Prompts,
		objects:  cfg.Objects,
		logger:   cfg.Logger,
		metrics:  NewMetrics(),
	}
	s.registerPrompts()
	s.registerTools()
	return s, nil
}

// Run serves the protocol on the stdio transport until ctx is cancelled
// or the peer disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info(ctx, "starting MCP server on stdio transport")
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("mcp run: %w", err)
	}
	return nil
}

// HTTPHandler returns the streamable HTTP mount for the server. All
// sessions share the one underlying MCP server.
func (s *Server) HTTPHandler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.mcp
	}, nil)
}

// clientSettings resolves the record backing a tool call. Unknown or
// empty client ids fall back to the default record, which always
// exists.
func (s *Server) clientSettings(client string) config.ClientSettings {
	if client == "" {
		client = settings.DefaultClientID
	}
	cs, err := s.settings.Get(client)
	if err != nil {
		cs, _ = s.settings.Get(settings.DefaultClientID)
	}
	return cs
}
