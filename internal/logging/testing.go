package logging

import (
	"reflect"
	"regexp"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger records every entry, down to TraceLevel, for assertions.
// It writes to an in-memory observer rather than any configured sink.
type TestLogger struct {
	*Logger
	observed *observer.ObservedLogs
}

// NewTestLogger returns a logger suitable for injecting anywhere a
// *Logger is expected in tests.
func NewTestLogger() *TestLogger {
	core, observed := observer.New(TraceLevel)
	return &TestLogger{
		Logger:   &Logger{zap: zap.New(core), cfg: NewDefaultConfig()},
		observed: observed,
	}
}

// All returns every recorded entry in order.
func (t *TestLogger) All() []observer.LoggedEntry {
	return t.observed.All()
}

// FilterMessage returns the entries whose message equals msg exactly.
func (t *TestLogger) FilterMessage(msg string) *observer.ObservedLogs {
	return t.observed.FilterMessage(msg)
}

// AssertLogged fails tb unless an entry at lvl whose message contains
// snippet was recorded.
func (t *TestLogger) AssertLogged(tb testing.TB, lvl zapcore.Level, snippet string) {
	tb.Helper()
	if t.observed.FilterLevelExact(lvl).FilterMessageSnippet(snippet).Len() == 0 {
		tb.Errorf("no %v entry containing %q; recorded: %v", lvl, snippet, t.messages())
	}
}

// AssertField fails tb unless some entry with message msg carries the
// field key with the given value.
func (t *TestLogger) AssertField(tb testing.TB, msg, key string, want interface{}) {
	tb.Helper()
	for _, e := range t.observed.FilterMessage(msg).All() {
		if got, ok := e.ContextMap()[key]; ok && reflect.DeepEqual(got, want) {
			return
		}
	}
	tb.Errorf("no entry for %q carries %s=%v", msg, key, want)
}

// leakPatterns are credential shapes that must never appear raw in a
// message or a field value.
var leakPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)bearer\s+\S+`),
	regexp.MustCompile(`(?i)api[_-]?key[=:]\s*\S+`),
}

// AssertNoSecrets fails tb when a recorded entry leaks a credential:
// either a value matching a known leak pattern, or a sensitive-named
// field whose value is not a redaction marker. The observer bypasses
// the redacting encoder, so this checks what call sites hand the
// logger, not what the encoder would have masked.
func (t *TestLogger) AssertNoSecrets(tb testing.TB) {
	tb.Helper()
	sensitive := []string{
		"password", "secret", "token", "api_key",
		"authorization", "bearer", "credential", "private_key",
	}

	for _, e := range t.observed.All() {
		for _, re := range leakPatterns {
			if re.MatchString(e.Message) {
				tb.Errorf("leak pattern in message %q", e.Message)
			}
		}
		for key, val := range e.ContextMap() {
			s, ok := val.(string)
			if !ok {
				continue
			}
			for _, re := range leakPatterns {
				if re.MatchString(s) {
					tb.Errorf("leak pattern in field %q of %q", key, e.Message)
				}
			}
			if s == "" || strings.HasPrefix(s, "[REDACTED") {
				continue
			}
			lower := strings.ToLower(key)
			for _, frag := range sensitive {
				if strings.Contains(lower, frag) {
					tb.Errorf("sensitive field %q of %q not redacted: %q", key, e.Message, s)
				}
			}
		}
	}
}

func (t *TestLogger) messages() []string {
	entries := t.observed.All()
	msgs := make([]string, len(entries))
	for i, e := range entries {
		msgs[i] = e.Message
	}
	return msgs
}
