package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr       string
	GRPCAddr       string
	InstanceID     string
	JaegerEndpoint string

	Database Database
	Redis    Redis
	Kafka    Kafka
	Escrow   Escrow

	JWTSecret       string
	AuthRequired    bool
	ProcessCacheTTL time.Duration
	// ReaperStaleAfter is the default age of a PAID process the sweep
	// endpoint cancels.
	ReaperStaleAfter time.Duration
	// WSOrigins lists the browser origins allowed to open /ws; empty allows any.
	WSOrigins []string
	// InternalToken is the shared secret callers of /internal routes send in
	// the X-Internal-Token header; empty disables those routes.
	InternalToken string
}

type Database struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
}

// DSN returns the lib/pq connection string.
func (d Database) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		d.Host, d.Port, d.User, d.Password, d.Name)
}

type Redis struct {
	Host     string
	Port     string
	Password string
}

func (r Redis) Addr() string {
	return r.Host + ":" + r.Port
}

type Kafka struct {
	Broker string
	Topic  string
}

type Escrow struct {
	Provider           string
	StripeSecretKey    string
	Currency           string
	MaxCaptureFailures int
	BreakerMaxFailures int
	BreakerReset       time.Duration
}

// Load reads the configuration from the environment. Only malformed values
// are errors; missing ones fall back to local development defaults.
func Load() (*Config, error) {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "process-service"
	}

	cfg := &Config{
		HTTPAddr:       getEnv("HTTP_ADDR", ":8085"),
		GRPCAddr:       getEnv("GRPC_ADDR", ":50055"),
		InstanceID:     getEnv("INSTANCE_ID", hostname),
		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
		Database: Database{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			Name:     getEnv("DB_NAME", "processdb"),
		},
		Redis: Redis{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
		},
		Kafka: Kafka{
			Broker: getEnv("KAFKA_BROKER", "localhost:9092"),
			Topic:  getEnv("KAFKA_TOPIC", "process_events"),
		},
		Escrow: Escrow{
			Provider:        getEnv("ESCROW_PROVIDER", "sandbox"),
			StripeSecretKey: getEnv("STRIPE_SECRET_KEY", ""),
			Currency:        getEnv("ESCROW_CURRENCY", "usd"),
		},
		JWTSecret:     getEnv("JWT_SECRET", ""),
		InternalToken: getEnv("INTERNAL_TOKEN", ""),
	}
	for _, origin := range strings.Split(getEnv("WS_ALLOWED_ORIGINS", ""), ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			cfg.WSOrigins = append(cfg.WSOrigins, origin)
		}
	}

	var err error
	if cfg.Escrow.MaxCaptureFailures, err = getInt("ESCROW_MAX_CAPTURE_FAILURES", 3); err != nil {
		return nil, err
	}
	if cfg.Escrow.BreakerMaxFailures, err = getInt("ESCROW_BREAKER_MAX_FAILURES", 5); err != nil {
		return nil, err
	}
	if cfg.Escrow.BreakerReset, err = getDuration("ESCROW_BREAKER_RESET", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.AuthRequired, err = getBool("AUTH_REQUIRED", false); err != nil {
		return nil, err
	}
	if cfg.ProcessCacheTTL, err = getDuration("PROCESS_CACHE_TTL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.ReaperStaleAfter, err = getDuration("REAPER_STALE_AFTER", 72*time.Hour); err != nil {
		return nil, err
	}

	switch cfg.Escrow.Provider {
	case "sandbox":
	case "stripe":
		if cfg.Escrow.StripeSecretKey == "" {
			return nil, fmt.Errorf("STRIPE_SECRET_KEY is required when ESCROW_PROVIDER=stripe")
		}
	default:
		return nil, fmt.Errorf("unknown ESCROW_PROVIDER %q", cfg.Escrow.Provider)
	}
	if cfg.AuthRequired && cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required when AUTH_REQUIRED is set")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getBool(key string, defaultValue bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}
