// Package config provides environment configuration for the API server.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DevelopmentJWTSecret is used when JWT_SECRET is unset. Tokens signed with it
// can be forged by anyone.
const DevelopmentJWTSecret = "development-secret-change-in-production"

// DevelopmentConversationSecret is used when CONVERSATION_SECRET is unset.
// It must never reach production.
const DevelopmentConversationSecret = "development-conversation-secret"

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	Env                string
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	CORSAllowedOrigins []string

	// JWT settings
	JWTSecret string

	// Conversation encryption
	ConversationSecret string

	// Conversation store
	StoreDriver   string
	MongoURI      string
	MongoDatabase string
	SQLitePath    string

	// NATS settings
	NATSEnabled  bool
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// Activity tracking
	SessionStore       string
	SessionIdleTimeout time.Duration

	// Rate limiting
	RateLimitRequests      int
	RateLimitWindow        time.Duration
	WriteRateLimitRequests int
	WriteRateLimitWindow   time.Duration
	RateLimitSweepInterval time.Duration
	RateLimitGrace         time.Duration

	// LLM settings
	AnthropicAPIKey string
	OpenAIAPIKey    string
	DefaultLLM      string
	DefaultLLMModel string

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from an optional .env file and environment variables.
func Load() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg := &Config{
		// Server
		Env:                getEnv("ENV", "production"),
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 120*time.Second),
		CORSAllowedOrigins: getListEnv("CORS_ALLOWED_ORIGINS", []string{"https://*", "http://*"}),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", DevelopmentJWTSecret),

		// Conversations
		ConversationSecret: getEnv("CONVERSATION_SECRET", DevelopmentConversationSecret),
		StoreDriver:        getEnv("STORE_DRIVER", "memory"),
		MongoURI:           getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase:      getEnv("MONGO_DATABASE", "soilscope"),
		SQLitePath:         getEnv("SQLITE_PATH", "./data/conversations.db"),

		// NATS
		NATSEnabled:  getBoolEnv("NATS_ENABLED", false),
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// Activity
		SessionStore:       getEnv("SESSION_STORE", "memory"),
		SessionIdleTimeout: getDurationEnv("SESSION_IDLE_TIMEOUT", 30*time.Minute),

		// Rate limiting
		RateLimitRequests:      getIntEnv("RATE_LIMIT_REQUESTS", 120),
		RateLimitWindow:        getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),
		WriteRateLimitRequests: getIntEnv("WRITE_RATE_LIMIT_REQUESTS", 30),
		WriteRateLimitWindow:   getDurationEnv("WRITE_RATE_LIMIT_WINDOW", 15*time.Minute),
		RateLimitSweepInterval: getDurationEnv("RATE_LIMIT_SWEEP_INTERVAL", time.Minute),
		RateLimitGrace:         getDurationEnv("RATE_LIMIT_GRACE", 5*time.Minute),

		// LLM
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		DefaultLLM:      getEnv("DEFAULT_LLM", "anthropic"),
		DefaultLLMModel: getEnv("DEFAULT_LLM_MODEL", ""),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that configuration values are usable.
func (c *Config) Validate() error {
	if c.ServerPort == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.ConversationSecret == "" {
		return fmt.Errorf("CONVERSATION_SECRET cannot be empty")
	}
	switch c.StoreDriver {
	case "memory", "mongo", "sqlite":
	default:
		return fmt.Errorf("STORE_DRIVER must be one of memory, mongo, sqlite; got %q", c.StoreDriver)
	}
	switch c.SessionStore {
	case "memory":
	case "nats":
		if !c.NATSEnabled {
			return fmt.Errorf("SESSION_STORE=nats requires NATS_ENABLED=true")
		}
	default:
		return fmt.Errorf("SESSION_STORE must be memory or nats; got %q", c.SessionStore)
	}
	if c.WriteRateLimitRequests <= 0 || c.RateLimitRequests <= 0 {
		return fmt.Errorf("rate limit request counts must be > 0")
	}
	if c.WriteRateLimitWindow <= 0 || c.RateLimitWindow <= 0 {
		return fmt.Errorf("rate limit windows must be > 0")
	}
	if c.RateLimitSweepInterval <= 0 {
		return fmt.Errorf("RATE_LIMIT_SWEEP_INTERVAL must be > 0")
	}
	return nil
}

// UsingDevelopmentSecret reports whether the conversation secret is the built-in fallback.
func (c *Config) UsingDevelopmentSecret() bool {
	return c.ConversationSecret == DevelopmentConversationSecret
}

// UsingDevelopmentJWTSecret reports whether the JWT secret is the built-in fallback.
func (c *Config) UsingDevelopmentJWTSecret() bool {
	return c.JWTSecret == DevelopmentJWTSecret
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
