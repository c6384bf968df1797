package logging

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/ragd/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// maxPatternLen bounds redaction regexes; a runaway pattern from config
// must not stall every log write.
const maxPatternLen = 200

// redactedPattern marks values suppressed by a pattern match, as
// opposed to a denylisted key.
const redactedPattern = "[REDACTED:pattern]"

// Secret renders a config.Secret as a field that reports only the
// value's length.
func Secret(key string, val config.Secret) zap.Field {
	return RedactedString(key, val.Value())
}

// RedactedString masks val, keeping its length for debugging.
func RedactedString(key, val string) zap.Field {
	return zap.String(key, fmt.Sprintf("[REDACTED:%d]", len(val)))
}

// RedactingEncoder masks configured field names and value patterns
// before an entry reaches any sink. Key matches are case-insensitive;
// value patterns run against string fields only.
type RedactingEncoder struct {
	zapcore.Encoder
	deny     map[string]struct{}
	patterns []*regexp.Regexp
}

// NewRedactingEncoder compiles cfg into an encoder wrapper around base.
// A disabled config passes base through untouched.
func NewRedactingEncoder(base zapcore.Encoder, cfg RedactionConfig) (*RedactingEncoder, error) {
	enc := &RedactingEncoder{Encoder: base}
	if !cfg.Enabled {
		return enc, nil
	}

	enc.deny = make(map[string]struct{}, len(cfg.Fields))
	for _, f := range cfg.Fields {
		enc.deny[strings.ToLower(f)] = struct{}{}
	}

	for _, p := range cfg.Patterns {
		if len(p) > maxPatternLen {
			return nil, fmt.Errorf("redaction pattern too long (%d > %d chars)", len(p), maxPatternLen)
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid redaction pattern %q: %w", p, err)
		}
		enc.patterns = append(enc.patterns, re)
	}
	return enc, nil
}

func (e *RedactingEncoder) denied(key string) bool {
	_, ok := e.deny[strings.ToLower(key)]
	return ok
}

func (e *RedactingEncoder) matchesPattern(val string) bool {
	for _, re := range e.patterns {
		if re.MatchString(val) {
			return true
		}
	}
	return false
}

func (e *RedactingEncoder) AddString(key, val string) {
	switch {
	case e.denied(key):
		e.Encoder.AddString(key, config.Redacted)
	case e.matchesPattern(val):
		e.Encoder.AddString(key, redactedPattern)
	default:
		e.Encoder.AddString(key, val)
	}
}

func (e *RedactingEncoder) AddByteString(key string, val []byte) {
	if e.denied(key) {
		e.Encoder.AddByteString(key, []byte(config.Redacted))
		return
	}
	e.Encoder.AddByteString(key, val)
}

func (e *RedactingEncoder) AddBinary(key string, val []byte) {
	if e.denied(key) {
		e.Encoder.AddBinary(key, []byte(config.Redacted))
		return
	}
	e.Encoder.AddBinary(key, val)
}

// AddReflected replaces the whole value for a denied key; reflected
// structs are not walked for nested sensitive fields.
func (e *RedactingEncoder) AddReflected(key string, val interface{}) error {
	if e.denied(key) {
		e.Encoder.AddString(key, config.Redacted)
		return nil
	}
	return e.Encoder.AddReflected(key, val)
}

func (e *RedactingEncoder) AddArray(key string, arr zapcore.ArrayMarshaler) error {
	if e.denied(key) {
		e.Encoder.AddString(key, config.Redacted)
		return nil
	}
	return e.Encoder.AddArray(key, arr)
}

func (e *RedactingEncoder) AddObject(key string, obj zapcore.ObjectMarshaler) error {
	if e.denied(key) {
		e.Encoder.AddString(key, config.Redacted)
		return nil
	}
	return e.Encoder.AddObject(key, obj)
}

func (e *RedactingEncoder) Clone() zapcore.Encoder {
	return &RedactingEncoder{
		Encoder:  e.Encoder.Clone(),
		deny:     e.deny,
		patterns: e.patterns,
	}
}
