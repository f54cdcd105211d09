package types

import "log/slog"

const redacted = "[redacted]"

// SecretString holds a credential loaded from the environment (Stripe keys,
// the JWT signing secret, DATABASE_URL and REDIS_URL). Every printing path
// (fmt verbs, JSON and slog) renders it as a placeholder; Unmask is the only
// way to read the value.
type SecretString string

func (s SecretString) String() string { return redacted }

// GoString covers %#v, which bypasses String.
func (s SecretString) GoString() string { return redacted }

func (s SecretString) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}

// LogValue implements slog.LogValuer.
func (s SecretString) LogValue() slog.Value { return slog.StringValue(redacted) }

// Empty reports whether no value was configured.
func (s SecretString) Empty() bool { return s == "" }

// Unmask returns the plaintext. Call it only where the value is handed to a
// client or driver.
func (s SecretString) Unmask() string { return string(s) }
