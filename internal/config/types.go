package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Redacted is what a serialized Secret renders as. Patch handlers treat
// an incoming value equal to Redacted as "keep the stored secret".
const Redacted = "[REDACTED]"

// Duration is a time.Duration that unmarshals from "90s"-style strings
// in JSON, TOML and env vars.
type Duration time.Duration

// Duration returns the wrapped time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// UnmarshalText parses a Go duration string; negatives are rejected.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	if parsed < 0 {
		return fmt.Errorf("negative duration %s", text)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText renders the duration in Go string form.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration().String()), nil
}

// MarshalJSON renders the duration as a string, not nanoseconds.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration().String())
}

// UnmarshalJSON accepts "5s" strings and bare nanosecond integers.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		return d.UnmarshalText([]byte(asString))
	}
	var asInt int64
	if err := json.Unmarshal(data, &asInt); err != nil {
		return fmt.Errorf("duration must be a string or integer: %s", data)
	}
	*d = Duration(asInt)
	return nil
}

// Secret holds a string that must never appear in logs or API
// responses. Every serialization path renders the Redacted marker;
// only Value returns the real thing.
type Secret string

// String renders the marker, or "" for an unset secret.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return Redacted
}

// GoString keeps %#v output safe.
func (s Secret) GoString() string {
	return "Secret(" + Redacted + ")"
}

// Value returns the real secret. Use sparingly.
func (s Secret) Value() string {
	return string(s)
}

// IsSet reports whether the secret is non-empty.
func (s Secret) IsSet() bool {
	return s != ""
}

// MarshalJSON renders the marker, never the value.
func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// MarshalText renders the marker, never the value.
func (s Secret) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalJSON stores the raw value. The Redacted marker is kept
// verbatim so patch handlers can detect an echoed GET response.
func (s *Secret) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = Secret(raw)
	return nil
}

// UnmarshalText stores the raw value.
func (s *Secret) UnmarshalText(text []byte) error {
	*s = Secret(text)
	return nil
}

// IsRedacted reports whether the stored value is the serialization
// marker rather than a real secret.
func (s Secret) IsRedacted() bool {
	return string(s) == Redacted
}
