// Package telemetry provides OpenTelemetry instrumentation for ragd.
//
// Traces and metrics export over OTLP (gRPC by default, http/protobuf for
// HTTPS collectors). Telemetry is disabled by default and degrades to no-op
// providers on initialization failure rather than blocking startup.
//
// Create an instance at boot and hand it to the subsystems that record
// spans:
//
//	tel, err := telemetry.New(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//
//	tracer := tel.Tracer("ragd.chat")
//	ctx, span := tracer.Start(ctx, "chat.completion")
//	defer span.End()
//
// Tests use TestTelemetry, which records spans in memory:
//
//	tt := telemetry.NewTestTelemetry()
//	_, span := tt.Tracer("test").Start(ctx, "embed.batch")
//	span.End()
//	tt.AssertSpanExists(t, "embed.batch")
package telemetry
