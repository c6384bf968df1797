package logging

import "go.uber.org/zap/zapcore"

// newSampledCore applies volume sampling to everything below Error.
// Errors and worse always pass; an operator working an incident must
// never lose one to the sampler.
func newSampledCore(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled {
		return core
	}

	rate := cfg.Levels[zapcore.InfoLevel]
	sampled := zapcore.NewSamplerWithOptions(
		&bandCore{Core: core, lo: TraceLevel, hi: zapcore.WarnLevel},
		cfg.Tick.Duration(),
		rate.Initial,
		rate.Thereafter,
	)

	unsampled := &bandCore{Core: core, lo: zapcore.ErrorLevel, hi: zapcore.FatalLevel}
	return zapcore.NewTee(sampled, unsampled)
}

// bandCore admits entries in the closed level range [lo, hi]. Both
// bounds are always explicit; the zero zapcore.Level means Info, so a
// zero-as-unset convention would silently move the band.
type bandCore struct {
	zapcore.Core
	lo, hi zapcore.Level
}

func (c *bandCore) Enabled(lvl zapcore.Level) bool {
	return lvl >= c.lo && lvl <= c.hi && c.Core.Enabled(lvl)
}

func (c *bandCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}

func (c *bandCore) With(fields []zapcore.Field) zapcore.Core {
	return &bandCore{Core: c.Core.With(fields), lo: c.lo, hi: c.hi}
}
