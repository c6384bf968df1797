package logging

import "go.uber.org/zap/zapcore"

// TraceLevel sits one step below zap's Debug. It carries wire-level
// detail: model request bodies, raw stream chunks, generated SQL.
// Production configs leave it filtered; the level exists so a single
// deployment can be turned all the way up without a rebuild.
const TraceLevel = zapcore.Level(-2)

// ParseLevel resolves a configured level name, extending zap's named
// levels with "trace". Unknown names fall back to Info alongside the
// error so callers can log-and-continue.
func ParseLevel(name string) (zapcore.Level, error) {
	if name == "trace" {
		return TraceLevel, nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(name)); err != nil {
		return zapcore.InfoLevel, err
	}
	return lvl, nil
}
