package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrInvalidStorageEngine indicates an unsupported storage engine.
	ErrInvalidStorageEngine = errors.New("invalid storage engine")

	// ErrMissingSQLitePath indicates the sqlite engine has no database path.
	ErrMissingSQLitePath = errors.New("missing sqlite path")

	// ErrInvalidBackendURL indicates the unary backend URL is unusable.
	ErrInvalidBackendURL = errors.New("invalid backend URL")

	// ErrInvalidStreamURL indicates the streaming endpoint is unusable.
	ErrInvalidStreamURL = errors.New("invalid stream URL")

	// ErrInvalidRenderPolicy indicates an unknown coalescing policy.
	ErrInvalidRenderPolicy = errors.New("invalid render policy")

	// ErrInvalidAttempts indicates an attempt bound out of range.
	ErrInvalidAttempts = errors.New("invalid attempt count")

	// ErrInvalidWindowBounds indicates window cache bounds out of range.
	ErrInvalidWindowBounds = errors.New("invalid window bounds")

	// ErrInvalidSearchWeights indicates a negative scoring weight.
	ErrInvalidSearchWeights = errors.New("invalid search weights")

	// ErrInvalidLogLevel indicates an unknown log level.
	ErrInvalidLogLevel = errors.New("invalid log level")
)

// Bounds for attempt counts; more than this is almost certainly a typo.
const maxAttemptBound = 10

// Validate fails fast on configuration that cannot work at runtime.
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	switch c.StorageEngine {
	case EngineSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			return fmt.Errorf("%w: storage_engine is %q", ErrMissingSQLitePath, EngineSQLite)
		}
	case EngineMemory:
	default:
		return fmt.Errorf("%w: %q (want %q or %q)",
			ErrInvalidStorageEngine, c.StorageEngine, EngineSQLite, EngineMemory)
	}

	if err := validateURL(c.BackendURL, "http", "https"); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidBackendURL, err)
	}
	// An empty stream URL is valid: it disables the incremental path.
	if c.StreamURL != "" {
		if err := validateURL(c.StreamURL, "ws", "wss"); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidStreamURL, err)
		}
	}

	switch c.RenderPolicy {
	case RenderAccumulate, RenderLatestWins:
	default:
		return fmt.Errorf("%w: %q (want %q or %q)",
			ErrInvalidRenderPolicy, c.RenderPolicy, RenderAccumulate, RenderLatestWins)
	}

	if c.UnaryAttempts < 1 || c.UnaryAttempts > maxAttemptBound {
		return fmt.Errorf("%w: unary_attempts = %d (want 1..%d)",
			ErrInvalidAttempts, c.UnaryAttempts, maxAttemptBound)
	}
	if c.MaxAttempts < 1 || c.MaxAttempts > maxAttemptBound {
		return fmt.Errorf("%w: max_attempts = %d (want 1..%d)",
			ErrInvalidAttempts, c.MaxAttempts, maxAttemptBound)
	}

	if c.MaxMessagesInMemory < 1 {
		return fmt.Errorf("%w: max_messages_in_memory = %d", ErrInvalidWindowBounds, c.MaxMessagesInMemory)
	}
	if c.MaxConversationsInMemory < 1 {
		return fmt.Errorf("%w: max_conversations_in_memory = %d", ErrInvalidWindowBounds, c.MaxConversationsInMemory)
	}

	for name, w := range map[string]float64{
		"exact_phrase": c.Search.ExactPhrase,
		"keyword":      c.Search.Keyword,
		"entity":       c.Search.Entity,
		"agent_name":   c.Search.AgentName,
		"recency":      c.Search.Recency,
	} {
		if w < 0 {
			return fmt.Errorf("%w: search.%s = %v", ErrInvalidSearchWeights, name, w)
		}
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.LogLevel)
	}

	return nil
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse %q: %w", raw, err)
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%q scheme %q not in %v", raw, u.Scheme, schemes)
}
