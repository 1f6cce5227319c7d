package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig holds listener and process settings.
type ServerConfig struct {
	HTTPAddr string
	GRPCAddr string
	AppEnv   string
	LogLevel string
}

// Production reports whether APP_ENV names a production deployment.
func (c ServerConfig) Production() bool {
	return strings.EqualFold(c.AppEnv, "production")
}

// GRPCConfig holds ingress rate limiting settings.
type GRPCConfig struct {
	RateLimitInterval time.Duration
	RateLimitBurst    int
}

// ObservabilityConfig holds the HTTP address for the metrics endpoint.
// An empty Addr serves metrics on the API listener only.
type ObservabilityConfig struct {
	Addr string
}

// CollaboratorConfig locates the inventory and payment services. Empty URLs
// select the in-memory collaborators.
type CollaboratorConfig struct {
	InventoryURL         string
	PaymentURL           string
	Timeout              time.Duration
	DefaultPaymentMethod string
}

// RedisConfig holds Redis connection and behavior settings.
type RedisConfig struct {
	URL                string
	DialTimeout        *time.Duration
	ReadTimeout        *time.Duration
	WriteTimeout       *time.Duration
	PoolSize           *int
	MinIdleConns       *int
	MaxRetries         *int
	HealthcheckTimeout time.Duration
	IdempotencyTTL     time.Duration
	EnableOTel         bool
	TLSConfig          *tls.Config
}

// Enabled reports whether a Redis URL was configured.
func (c RedisConfig) Enabled() bool { return c.URL != "" }

// RecoveryConfig controls the stale saga sweeper.
type RecoveryConfig struct {
	Interval   time.Duration
	StaleAfter time.Duration
}

// LoadServer reads listener and process settings from env.
func LoadServer() ServerConfig {
	return ServerConfig{
		HTTPAddr: stringOr("HTTP_ADDR", ":8080"),
		GRPCAddr: stringOr("GRPC_ADDR", ":50051"),
		AppEnv:   strings.TrimSpace(os.Getenv("APP_ENV")),
		LogLevel: strings.TrimSpace(os.Getenv("LOG_LEVEL")),
	}
}

// LoadGRPC reads gRPC ingress rate limit settings from env. Unset values
// leave ingress unlimited.
func LoadGRPC() (GRPCConfig, error) {
	interval, err := optionalDuration("GRPC_RATE_LIMIT_INTERVAL")
	if err != nil {
		return GRPCConfig{}, err
	}
	burst, err := optionalInt("GRPC_RATE_LIMIT_BURST")
	if err != nil {
		return GRPCConfig{}, err
	}
	cfg := GRPCConfig{}
	if interval != nil {
		cfg.RateLimitInterval = *interval
	}
	if burst != nil {
		cfg.RateLimitBurst = *burst
	}
	return cfg, nil
}

// LoadObservability reads the metrics HTTP server address from env.
func LoadObservability() ObservabilityConfig {
	return ObservabilityConfig{Addr: strings.TrimSpace(os.Getenv("OBS_ADDR"))}
}

// LoadCollaborators reads inventory and payment service settings from env.
func LoadCollaborators() (CollaboratorConfig, error) {
	cfg := CollaboratorConfig{
		InventoryURL:         strings.TrimRight(strings.TrimSpace(os.Getenv("INVENTORY_SERVICE_URL")), "/"),
		PaymentURL:           strings.TrimRight(strings.TrimSpace(os.Getenv("PAYMENT_SERVICE_URL")), "/"),
		Timeout:              10 * time.Second,
		DefaultPaymentMethod: strings.TrimSpace(os.Getenv("DEFAULT_PAYMENT_METHOD")),
	}
	timeout, err := optionalDuration("COLLABORATOR_TIMEOUT")
	if err != nil {
		return cfg, err
	}
	if timeout != nil {
		if *timeout == 0 {
			return cfg, errors.New("COLLABORATOR_TIMEOUT must be > 0")
		}
		cfg.Timeout = *timeout
	}
	return cfg, nil
}

// DatabaseURL returns DATABASE_URL; empty selects the in-memory store.
func DatabaseURL() string {
	return strings.TrimSpace(os.Getenv("DATABASE_URL"))
}

// LoadRedis reads Redis config from env. Without REDIS_URL the returned
// config is disabled and nothing else is parsed.
func LoadRedis() (RedisConfig, error) {
	cfg := RedisConfig{
		URL:                strings.TrimSpace(os.Getenv("REDIS_URL")),
		HealthcheckTimeout: 2 * time.Second,
		IdempotencyTTL:     24 * time.Hour,
	}
	if cfg.URL == "" {
		return cfg, nil
	}

	var err error
	if cfg.DialTimeout, err = optionalDuration("REDIS_DIAL_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.ReadTimeout, err = optionalDuration("REDIS_READ_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.WriteTimeout, err = optionalDuration("REDIS_WRITE_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.PoolSize, err = optionalInt("REDIS_POOL_SIZE"); err != nil {
		return cfg, err
	}
	if cfg.MinIdleConns, err = optionalInt("REDIS_MIN_IDLE_CONNS"); err != nil {
		return cfg, err
	}
	if cfg.MaxRetries, err = optionalInt("REDIS_MAX_RETRIES"); err != nil {
		return cfg, err
	}
	if cfg.HealthcheckTimeout, err = durationOr("REDIS_HEALTHCHECK_TIMEOUT", cfg.HealthcheckTimeout); err != nil {
		return cfg, err
	}
	if cfg.IdempotencyTTL, err = durationOr("REDIS_IDEMPOTENCY_TTL", cfg.IdempotencyTTL); err != nil {
		return cfg, err
	}
	if cfg.EnableOTel, err = optionalBool("REDIS_OTEL"); err != nil {
		return cfg, err
	}
	if cfg.TLSConfig, err = loadRedisTLSFromEnv(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// LoadRecovery reads the sweeper schedule from env. A zero interval
// disables the sweeper.
func LoadRecovery() (RecoveryConfig, error) {
	cfg := RecoveryConfig{StaleAfter: 10 * time.Minute}
	var err error
	if cfg.Interval, err = durationOr("RECOVERY_INTERVAL", 0); err != nil {
		return cfg, err
	}
	if cfg.StaleAfter, err = durationOr("RECOVERY_STALE_AFTER", cfg.StaleAfter); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadRedisTLSFromEnv() (*tls.Config, error) {
	caFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CA_FILE"))
	certFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CERT_FILE"))
	keyFile := strings.TrimSpace(os.Getenv("REDIS_TLS_KEY_FILE"))
	serverName := strings.TrimSpace(os.Getenv("REDIS_TLS_SERVER_NAME"))
	insecureStr := strings.TrimSpace(os.Getenv("REDIS_TLS_INSECURE_SKIP_VERIFY"))

	if caFile == "" && certFile == "" && keyFile == "" && serverName == "" && insecureStr == "" {
		return nil, nil
	}
	if (certFile == "") != (keyFile == "") {
		return nil, errors.New("REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set together")
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
	}

	if insecureStr != "" {
		insecure, err := strconv.ParseBool(insecureStr)
		if err != nil {
			return nil, fmt.Errorf("REDIS_TLS_INSECURE_SKIP_VERIFY: %w", err)
		}
		tlsConfig.InsecureSkipVerify = insecure
	}

	if caFile != "" {
		pemData, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read REDIS_TLS_CA_FILE: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, errors.New("REDIS_TLS_CA_FILE contains no valid certificates")
		}
		tlsConfig.RootCAs = pool
	}

	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load redis TLS keypair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

func stringOr(name, fallback string) string {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		return raw
	}
	return fallback
}

func durationOr(name string, fallback time.Duration) (time.Duration, error) {
	val, err := optionalDuration(name)
	if err != nil || val == nil {
		return fallback, err
	}
	return *val, nil
}

func optionalDuration(name string) (*time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalInt(name string) (*int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalBool(name string) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: %w", name, err)
	}
	return val, nil
}
