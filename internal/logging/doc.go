// Package logging provides structured logging for ragd.
//
// It wraps Zap with a custom Trace level (-2, below Debug), sinks for
// stdout, stderr and an OpenTelemetry bridge, automatic context
// correlation (trace_id, client.id, request.id), secret redaction, and
// level-aware sampling where errors are never sampled.
//
// Create a logger from config:
//
//	cfg := logging.NewDefaultConfig()
//	logger, err := logging.NewLogger(cfg, otelProvider)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
// Log with context:
//
//	ctx = logging.WithClientID(ctx, "server")
//	logger.Info(ctx, "chat turn complete", zap.Int("documents", n))
//
// Secrets are redacted at three layers: the config.Secret primitive,
// encoder-level field-name filtering, and encoder-level pattern
// matching. Credentials handled by the server (bearer tokens, provider
// API keys, database passwords, wallet and security-token material)
// must only ever be logged through config.Secret or the helpers in
// redact.go.
//
// Use TestLogger in tests to observe entries and assert no secrets leak.
package logging
