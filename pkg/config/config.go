// Package config loads the control-plane configuration from the
// environment. Database settings live in pkg/database; everything else
// the server needs is here.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Prad-v/FlowGate-sub000/pkg/token"
)

// Config is the server configuration.
type Config struct {
	// HTTPAddr is the listen address of the combined API and transport
	// server.
	HTTPAddr string

	// MaxSessions caps concurrent live agent sessions.
	MaxSessions int
	// SessionQueueDepth caps the outbound queue of one session.
	SessionQueueDepth int
	// MaxMessageBytes caps one inbound protocol message.
	MaxMessageBytes int

	// IdleTimeout closes stream connections with no inbound traffic.
	IdleTimeout time.Duration
	// WriteTimeout bounds one outbound frame write.
	WriteTimeout time.Duration
	// PollMaxBatch caps queued messages returned per poll request.
	PollMaxBatch int

	// SweepInterval is how often the registry liveness sweeper runs.
	SweepInterval time.Duration
	// InactiveAfter is how long an agent may be silent before it is
	// marked inactive.
	InactiveAfter time.Duration
	// DeadlineInterval is how often expired deployments are swept.
	DeadlineInterval time.Duration
	// ShutdownGrace bounds graceful shutdown.
	ShutdownGrace time.Duration

	// AgentTokenTTL is the lifetime of minted agent bearer tokens.
	AgentTokenTTL time.Duration
	// RegistrationTokenTTL is the default lifetime of registration
	// tokens.
	RegistrationTokenTTL time.Duration
	// SigningKeys is the JWT signing key rotation set, newest first.
	SigningKeys []token.SigningKey
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPAddr:             getEnvOrDefault("FLOWGATE_HTTP_ADDR", ":8420"),
		MaxSessions:          getEnvInt("FLOWGATE_MAX_SESSIONS", 10000),
		SessionQueueDepth:    getEnvInt("FLOWGATE_SESSION_QUEUE_DEPTH", 32),
		MaxMessageBytes:      getEnvInt("FLOWGATE_MAX_MESSAGE_BYTES", 4<<20),
		IdleTimeout:          getEnvDuration("FLOWGATE_IDLE_TIMEOUT", 90*time.Second),
		WriteTimeout:         getEnvDuration("FLOWGATE_WRITE_TIMEOUT", 10*time.Second),
		PollMaxBatch:         getEnvInt("FLOWGATE_POLL_MAX_BATCH", 8),
		SweepInterval:        getEnvDuration("FLOWGATE_SWEEP_INTERVAL", time.Minute),
		InactiveAfter:        getEnvDuration("FLOWGATE_INACTIVE_AFTER", 5*time.Minute),
		DeadlineInterval:     getEnvDuration("FLOWGATE_DEADLINE_INTERVAL", 30*time.Second),
		ShutdownGrace:        getEnvDuration("FLOWGATE_SHUTDOWN_GRACE", 15*time.Second),
		AgentTokenTTL:        getEnvDuration("FLOWGATE_AGENT_TOKEN_TTL", 24*time.Hour),
		RegistrationTokenTTL: getEnvDuration("FLOWGATE_REGISTRATION_TOKEN_TTL", time.Hour),
	}

	keys, err := parseSigningKeys(os.Getenv("FLOWGATE_SIGNING_KEYS"))
	if err != nil {
		return nil, err
	}
	cfg.SigningKeys = keys

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.SigningKeys) == 0 {
		return fmt.Errorf("FLOWGATE_SIGNING_KEYS must hold at least one key")
	}
	if c.MaxSessions < 1 {
		return fmt.Errorf("FLOWGATE_MAX_SESSIONS must be positive")
	}
	if c.SessionQueueDepth < 1 {
		return fmt.Errorf("FLOWGATE_SESSION_QUEUE_DEPTH must be positive")
	}
	if c.MaxMessageBytes < 1024 {
		return fmt.Errorf("FLOWGATE_MAX_MESSAGE_BYTES must be at least 1024")
	}
	return nil
}

// parseSigningKeys parses "kid1:secret1,kid2:secret2". The first key
// signs; all keys verify.
func parseSigningKeys(raw string) ([]token.SigningKey, error) {
	if raw == "" {
		return nil, nil
	}
	var keys []token.SigningKey
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kid, secret, ok := strings.Cut(part, ":")
		if !ok || kid == "" || secret == "" {
			return nil, fmt.Errorf("malformed signing key entry %q, want kid:secret", part)
		}
		keys = append(keys, token.SigningKey{ID: kid, Secret: []byte(secret)})
	}
	return keys, nil
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
