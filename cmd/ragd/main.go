// Ragd is a retrieval-augmented generation daemon.
//
// This binary starts the ragd HTTP server with full service
// initialization: model adapters, database pools, the chat graph, the
// vector store engine, the testbed runner and the MCP endpoints.
//
// Configuration is loaded from a JSON file plus environment variables.
// See internal/config for details.
//
// Usage:
//
//	# Start server with defaults
//	ragd
//
//	# Configure via file and environment
//	API_SERVER_PORT=9090 ragd -config /etc/ragd/config.json
//
//	# Serve the MCP protocol on stdio for a local client
//	ragd mcp-stdio
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragd/internal/chat"
	"github.com/fyrsmithlabs/ragd/internal/cloudauth"
	"github.com/fyrsmithlabs/ragd/internal/config"
	"github.com/fyrsmithlabs/ragd/internal/database"
	"github.com/fyrsmithlabs/ragd/internal/logging"
	"github.com/fyrsmithlabs/ragd/internal/mcp"
	"github.com/fyrsmithlabs/ragd/internal/model"
	"github.com/fyrsmithlabs/ragd/internal/objstore"
	"github.com/fyrsmithlabs/ragd/internal/prompt"
	"github.com/fyrsmithlabs/ragd/internal/server"
	"github.com/fyrsmithlabs/ragd/internal/settings"
	"github.com/fyrsmithlabs/ragd/internal/telemetry"
	"github.com/fyrsmithlabs/ragd/internal/testbed"
	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// telemetryShutdownTimeout bounds the final exporter flush.
const telemetryShutdownTimeout = 5 * time.Second

func main() {
	configPath := flag.String("config", "", "path to the JSON configuration file (falls back to $CONFIG_FILE)")
	flag.Parse()
	args := flag.Args()

	mode := "serve"
	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		case "mcp-stdio":
			mode = "stdio"
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  ragd             Start the ragd server\n")
			fmt.Fprintf(os.Stderr, "  ragd mcp-stdio   Serve the MCP protocol on stdio\n")
			fmt.Fprintf(os.Stderr, "  ragd version     Show version information\n")
			os.Exit(1)
		}
	}

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	var err error
	if mode == "stdio" {
		err = runStdio(ctx, *configPath)
	} else {
		err = run(ctx, *configPath)
	}
	if err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

// printVersion prints version information
func printVersion() {
	fmt.Printf("ragd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the ragd server and blocks until context is cancelled.
//
// This function initializes all dependencies and services:
//  1. Loads and validates configuration
//  2. Initializes telemetry and the structured logger
//  3. Seeds the settings, model, database and cloud auth registries
//  4. Loads the prompt catalog and applies configured overrides
//  5. Probes model endpoints and disables unreachable ones
//  6. Wires the vector store engine, chat graph and testbed runner
//  7. Mounts the MCP handler and starts the HTTP server
//  8. Performs graceful shutdown on context cancellation
func run(ctx context.Context, configPath string) error {
	bootLog, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("failed to create bootstrap logger: %w", err)
	}
	cfg, err := config.Load(configPath, bootLog)
	_ = bootLog.Sync()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	core, err := newCore(ctx, cfg, false)
	if err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}
	defer core.Close()

	core.logger.Info(ctx, "starting ragd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("scratch_dir", cfg.Server.ScratchDir),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout.Duration()))

	if cfg.Server.APIKeyGenerated {
		// The redacting encoder would swallow the key, so it goes to
		// stderr instead of the logger. Printed once, at boot.
		fmt.Fprintf(os.Stderr, "generated API key (set API_SERVER_KEY to pin one): %s\n",
			cfg.Server.APIKey.Value())
	}

	srv, err := server.NewServer(server.Config{
		Server:    cfg.Server,
		Settings:  core.settings,
		Models:    core.models,
		Prober:    core.prober,
		Databases: core.databases,
		Profiles:  core.profiles,
		Prompts:   core.prompts,
		Graph:     core.graph,
		Engine:    core.engine,
		Runner:    core.runner,
		Objects:   core.objects,
		MCP:       core.mcp.HTTPHandler(),
		Logger:    core.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	// Re-apply prompt overrides when the config file changes on disk.
	// Registries are patched at runtime through the admin API, so a
	// reload deliberately leaves them alone.
	watcher, err := config.NewWatcher(cfg, core.logger.Underlying(), func(next *config.Config) {
		core.prompts.ResetAll()
		applyPromptOverrides(ctx, core.prompts, next.PromptOverrides, core.logger)
	})
	if err != nil {
		core.logger.Warn(ctx, "config watcher unavailable", zap.Error(err))
	} else if watcher != nil {
		if err := watcher.Start(ctx); err != nil {
			core.logger.Warn(ctx, "config watcher failed to start", zap.Error(err))
		} else {
			defer watcher.Stop()
		}
	}

	core.logger.Info(ctx, "server configured",
		zap.String("health_endpoint", fmt.Sprintf("http://localhost:%d/v1/healthz", cfg.Server.Port)),
		zap.String("mcp_mount", "/v1/mcp"),
		zap.String("metrics_endpoint", "/metrics"))

	// Start server (blocks until context cancellation)
	if err := srv.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// core bundles the services both transports are built from.
type core struct {
	tel       *telemetry.Telemetry
	logger    *logging.Logger
	settings  *settings.Registry
	models    *model.Registry
	profiles  *cloudauth.Registry
	databases *database.Registry
	prompts   *prompt.Store
	prober    *model.Prober
	engine    *vectorstore.Engine
	graph     *chat.Graph
	runner    *testbed.Runner
	objects   objstore.Store
	mcp       *mcp.Server
}

// Close releases pools and flushes telemetry and logs.
func (c *core) Close() {
	c.databases.Close()
	if c.tel != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		_ = c.tel.Shutdown(shutdownCtx)
	}
	if c.logger != nil {
		_ = c.logger.Sync() // Best-effort sync
	}
}

// newCore initializes every service behind the transports. stderrLogs
// moves log output off stdout for the stdio transport, whose stdout
// carries protocol frames.
func newCore(ctx context.Context, cfg *config.Config, stderrLogs bool) (*core, error) {
	tel, err := telemetry.New(ctx, telemetryConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	logger, err := newLogger(cfg, tel, stderrLogs)
	if err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	settingsReg := settings.NewRegistry(cfg.ClientTemplate, logger)
	modelReg := model.NewRegistry(cfg.Models, logger)
	databaseReg := database.NewRegistry(cfg.Databases, logger)
	profileReg := cloudauth.NewRegistry(cfg.CloudProfiles, logger)

	prompts, err := prompt.NewStore()
	if err != nil {
		return nil, fmt.Errorf("failed to load prompt catalog: %w", err)
	}
	applyPromptOverrides(ctx, prompts, cfg.PromptOverrides, logger)

	factory := model.NewFactory(modelReg, profileReg, model.FactoryConfig{
		FastEmbedCacheDir: filepath.Join(cfg.Server.ScratchDir, "fastembed"),
	}, logger)

	prober := model.NewProber(logger)
	if err := prober.ProbeAll(ctx, modelReg); err != nil {
		return nil, fmt.Errorf("probing model endpoints: %w", err)
	}

	// Object storage is optional: without a root the bucket routes
	// answer 503 and refresh reports the store as unavailable.
	var objects objstore.Store
	if root := os.Getenv("OBJECT_STORE_ROOT"); root != "" {
		fs, err := objstore.NewFSStore(root)
		if err != nil {
			return nil, fmt.Errorf("failed to open object store: %w", err)
		}
		objects = fs
		logger.Info(ctx, "object store ready", zap.String("root", root))
	}

	engine, err := vectorstore.NewEngine(vectorstore.Config{
		Databases:  databaseReg,
		Models:     modelReg,
		Factory:    factory,
		Objects:    objects,
		ScratchDir: cfg.Server.ScratchDir,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create vector store engine: %w", err)
	}

	graph, err := chat.NewGraph(chat.Config{
		Settings:  settingsReg,
		Models:    factory,
		Retriever: engine,
		Databases: databaseReg,
		Prompts:   prompts,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create chat graph: %w", err)
	}

	runner, err := testbed.NewRunner(testbed.Config{
		Settings:    settingsReg,
		Models:      factory,
		Databases:   databaseReg,
		Graph:       graph,
		Prompts:     prompts,
		Logger:      logger,
		ScratchRoot: cfg.Server.ScratchDir,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create testbed runner: %w", err)
	}

	mcpServer, err := mcp.NewServer(mcp.Config{
		Name:     "ragd",
		Version:  version,
		Settings: settingsReg,
		Graph:    graph,
		Engine:   engine,
		Prompts:  prompts,
		Objects:  objects,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MCP server: %w", err)
	}

	return &core{
		tel:       tel,
		logger:    logger,
		settings:  settingsReg,
		models:    modelReg,
		profiles:  profileReg,
		databases: databaseReg,
		prompts:   prompts,
		prober:    prober,
		engine:    engine,
		graph:     graph,
		runner:    runner,
		objects:   objects,
		mcp:       mcpServer,
	}, nil
}

// newLogger builds the structured logger from the configured level and
// the telemetry state.
func newLogger(cfg *config.Config, tel *telemetry.Telemetry, stderrLogs bool) (*logging.Logger, error) {
	logCfg := logging.NewDefaultConfig()
	level, err := logging.ParseLevel(cfg.Server.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Server.LogLevel, err)
	}
	logCfg.Level = level
	logCfg.Output.OTEL = tel.IsEnabled()
	if stderrLogs {
		logCfg.Output.Stdout = false
		logCfg.Output.Stderr = true
	}
	return logging.NewLogger(logCfg, tel.LoggerProvider())
}

// telemetryConfig builds the exporter settings from the standard OTEL
// environment variables. Telemetry stays disabled without an endpoint.
func telemetryConfig() *telemetry.Config {
	cfg := telemetry.NewDefaultConfig()
	cfg.ServiceVersion = version
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		cfg.Enabled = true
		cfg.Endpoint = endpoint
	}
	if protocol := os.Getenv("OTEL_EXPORTER_OTLP_PROTOCOL"); protocol != "" {
		cfg.Protocol = protocol
	}
	return cfg
}

// applyPromptOverrides installs the configured override texts, warning
// on names the catalog does not know.
func applyPromptOverrides(ctx context.Context, prompts *prompt.Store, overrides map[string]string, logger *logging.Logger) {
	for name, text := range overrides {
		if err := prompts.SetOverride(name, text); err != nil {
			logger.Warn(ctx, "ignoring override for unknown prompt",
				zap.String("prompt", name), zap.Error(err))
		}
	}
}
