package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// StoreBackend selects the session store implementation
type StoreBackend string

const (
	StoreMemory StoreBackend = "memory" // Single-node in-memory store (default)
	StoreRedis  StoreBackend = "redis"  // Redis-backed store for multi-node deployments
)

// Config holds global settings for the triage gateway
// All settings can be configured via environment variables or programmatically
type Config struct {
	// === Core Settings ===
	ListenAddr   string // HTTP listen address (default: ":8090")
	AuditLogPath string // Path to the escalation audit ledger (default: "escalations.jsonl")

	// === Session Store ===
	StoreBackend  StoreBackend  // "memory" or "redis"
	RedisAddr     string        // Redis address (env: TRIAGE_REDIS_ADDR)
	RedisPassword string        // Redis password, if any
	RedisDB       int           // Redis logical database
	SessionTTL    time.Duration // Inactivity window before a session expires (default: 30m)
	StoreTimeout  time.Duration // Per-operation store deadline; turns fail closed past it (default: 2s)

	// === Escalation Ledger ===
	PostgresDSN string // Optional Postgres DSN for the durable escalation ledger

	// === Confidence Thresholds (0.0 - 1.0) ===
	// Below Low a turn counts as an understanding failure; at High the
	// fallback machine returns to normal. High must exceed Low.
	LowConfidenceThreshold   float64 // default: 0.40
	ResetConfidenceThreshold float64 // default: 0.70

	// === Score Thresholds (0 - 100) ===
	CriticalScoreThreshold int // Score at which escalation fires (default: 90)
	HandoffScoreThreshold  int // Score forcing handoff while stress-detected (default: 75)

	// === Slot Extraction ===
	MinEntityConfidence float64 // Entities below this confidence are ignored (default: 0.5)
	FactorsFile         string  // Optional YAML file overriding the built-in risk factor tables

	// === Gateway ===
	MaxConcurrentTurns int // In-flight turn cap before shedding load (default: 256)

	// === Location Services ===
	NominatimBaseURL   string // Geocoding endpoint (default: public Nominatim)
	NominatimUserAgent string // Identifying User-Agent, required by Nominatim usage policy
	EnableGeo          bool   // Attach shelter lookups to escalations (default: true)
}

// NewDefaultConfig creates a Config with sensible defaults
// All settings can be overridden via environment variables
func NewDefaultConfig() *Config {
	cfg := &Config{
		// Core
		ListenAddr:   GetEnv("TRIAGE_LISTEN_ADDR", ":8090"),
		AuditLogPath: GetEnv("TRIAGE_AUDIT_LOG", "escalations.jsonl"),

		// Session store
		StoreBackend:  StoreBackend(GetEnv("TRIAGE_STORE", "memory")),
		RedisAddr:     GetEnv("TRIAGE_REDIS_ADDR", "localhost:6379"),
		RedisPassword: GetEnv("TRIAGE_REDIS_PASSWORD", ""),
		RedisDB:       GetEnvInt("TRIAGE_REDIS_DB", 0),
		SessionTTL:    GetEnvDuration("TRIAGE_SESSION_TTL", 30*time.Minute),
		StoreTimeout:  GetEnvDuration("TRIAGE_STORE_TIMEOUT", 2*time.Second),

		// Escalation ledger
		PostgresDSN: GetEnv("TRIAGE_POSTGRES_DSN", ""),

		// Thresholds
		LowConfidenceThreshold:   GetEnvFloat("TRIAGE_LOW_CONFIDENCE", 0.40),
		ResetConfidenceThreshold: GetEnvFloat("TRIAGE_RESET_CONFIDENCE", 0.70),
		CriticalScoreThreshold:   GetEnvInt("TRIAGE_CRITICAL_SCORE", 90),
		HandoffScoreThreshold:    GetEnvInt("TRIAGE_HANDOFF_SCORE", 75),

		// Slot extraction
		MinEntityConfidence: GetEnvFloat("TRIAGE_MIN_ENTITY_CONFIDENCE", 0.5),
		FactorsFile:         GetEnv("TRIAGE_FACTORS_FILE", ""),

		// Gateway
		MaxConcurrentTurns: clampInt(GetEnvInt("TRIAGE_MAX_CONCURRENT_TURNS", 256), 1, 65536),

		// Location services
		NominatimBaseURL:   GetEnv("TRIAGE_NOMINATIM_URL", "https://nominatim.openstreetmap.org"),
		NominatimUserAgent: GetEnv("TRIAGE_NOMINATIM_UA", "crisisdesk-triage/1.0"),
		EnableGeo:          GetEnvBool("TRIAGE_ENABLE_GEO", true),
	}

	return cfg
}

// NewStrictConfig creates a Config that escalates earlier and tolerates less
// ambiguity. Use for drills or deployments with ample responder capacity.
func NewStrictConfig() *Config {
	cfg := NewDefaultConfig()
	cfg.LowConfidenceThreshold = 0.50
	cfg.CriticalScoreThreshold = 80
	cfg.HandoffScoreThreshold = 65
	return cfg
}

// NewLenientConfig creates a Config that keeps conversations automated longer.
// Use when human responders are the scarce resource.
func NewLenientConfig() *Config {
	cfg := NewDefaultConfig()
	cfg.LowConfidenceThreshold = 0.30
	cfg.CriticalScoreThreshold = 95
	cfg.HandoffScoreThreshold = 85
	return cfg
}

// clampInt ensures a value is within bounds
func clampInt(val, min, max int) int {
	if val < min {
		return min
	}
	if val > max {
		return max
	}
	return val
}

// Validate checks the configuration for internally inconsistent settings.
func (c *Config) Validate() error {
	var problems []string

	if c.LowConfidenceThreshold < 0 || c.LowConfidenceThreshold > 1 {
		problems = append(problems, "TRIAGE_LOW_CONFIDENCE must be in [0,1]")
	}
	if c.ResetConfidenceThreshold < 0 || c.ResetConfidenceThreshold > 1 {
		problems = append(problems, "TRIAGE_RESET_CONFIDENCE must be in [0,1]")
	}
	if c.ResetConfidenceThreshold <= c.LowConfidenceThreshold {
		problems = append(problems, "TRIAGE_RESET_CONFIDENCE must be greater than TRIAGE_LOW_CONFIDENCE")
	}
	if c.CriticalScoreThreshold < 1 || c.CriticalScoreThreshold > 100 {
		problems = append(problems, "TRIAGE_CRITICAL_SCORE must be in [1,100]")
	}
	if c.HandoffScoreThreshold < 1 || c.HandoffScoreThreshold > 100 {
		problems = append(problems, "TRIAGE_HANDOFF_SCORE must be in [1,100]")
	}
	if c.MinEntityConfidence < 0 || c.MinEntityConfidence > 1 {
		problems = append(problems, "TRIAGE_MIN_ENTITY_CONFIDENCE must be in [0,1]")
	}
	if c.SessionTTL <= 0 {
		problems = append(problems, "TRIAGE_SESSION_TTL must be positive")
	}
	if c.StoreTimeout <= 0 {
		problems = append(problems, "TRIAGE_STORE_TIMEOUT must be positive")
	}

	switch c.StoreBackend {
	case StoreMemory, StoreRedis:
	default:
		problems = append(problems, fmt.Sprintf("TRIAGE_STORE must be %q or %q, got %q",
			StoreMemory, StoreRedis, c.StoreBackend))
	}
	if c.StoreBackend == StoreRedis && c.RedisAddr == "" {
		problems = append(problems, "TRIAGE_REDIS_ADDR is required when TRIAGE_STORE=redis")
	}

	if c.EnableGeo && c.NominatimUserAgent == "" {
		problems = append(problems, "TRIAGE_NOMINATIM_UA is required when geo lookups are enabled")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// MustValidate calls Validate and fatally exits if validation fails.
// Call this at startup before starting the server.
func (c *Config) MustValidate() {
	if err := c.Validate(); err != nil {
		log.Fatalf("[STARTUP] FATAL: Configuration validation failed: %v", err)
	}
	log.Println("[STARTUP] Configuration validated successfully")
}

// Helper functions for environment variable parsing
// These are exported for use by other packages

// GetEnv returns the value of an environment variable or a default value.
func GetEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// GetEnvBool returns the boolean value of an environment variable or a default value.
func GetEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

// GetEnvFloat returns the float64 value of an environment variable or a default value.
func GetEnvFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return defaultValue
}

// GetEnvInt returns the integer value of an environment variable or a default value.
func GetEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

// GetEnvDuration returns the duration value of an environment variable or a
// default value. Accepts Go duration syntax ("30m", "2s").
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return defaultValue
}
