// Package config loads hub settings: built-in defaults, then an optional YAML
// file, then .env, then OCPIHUB_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"ocpihub.org/internal/credentials"
	"ocpihub.org/internal/ocpi"
	"ocpihub.org/internal/party"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "ocpihub"

type Config struct {
	ListenAddr string `yaml:"listenAddr" split_words:"true"`
	GRPCAddr   string `yaml:"grpcAddr"   envconfig:"GRPC_ADDR"`
	// PublicURL is the externally reachable base of the hub, used in the
	// versions and credentials endpoints handed to parties.
	PublicURL      string `yaml:"publicURL"      envconfig:"PUBLIC_URL"`
	HubCountryCode string `yaml:"hubCountryCode" split_words:"true"`
	HubPartyID     string `yaml:"hubPartyID"     envconfig:"HUB_PARTY_ID"`
	HubName        string `yaml:"hubName"        split_words:"true"`

	DatabaseURL   string `yaml:"databaseURL"   envconfig:"DATABASE_URL"`
	RedisAddr     string `yaml:"redisAddr"     split_words:"true"`
	RedisPassword string `yaml:"redisPassword" split_words:"true"`
	RedisDB       int    `yaml:"redisDB"       envconfig:"REDIS_DB"`

	GraceWindow     time.Duration `yaml:"graceWindow"     split_words:"true"`
	HandshakeWindow time.Duration `yaml:"handshakeWindow" split_words:"true"`
	ForwardTimeout  time.Duration `yaml:"forwardTimeout"  split_words:"true"`
	ForwardAttempts int           `yaml:"forwardAttempts" split_words:"true"`
	DedupeWindow    time.Duration `yaml:"dedupeWindow"    split_words:"true"`

	AdminJWTSecret string        `yaml:"adminJWTSecret" envconfig:"ADMIN_JWT_SECRET"`
	AdminTokenTTL  time.Duration `yaml:"adminTokenTTL"  envconfig:"ADMIN_TOKEN_TTL"`

	RegisterRateLimit float64  `yaml:"registerRateLimit" split_words:"true"`
	RegisterBurst     int      `yaml:"registerBurst"     split_words:"true"`
	MaxBodyBytes      int64    `yaml:"maxBodyBytes"      split_words:"true"`
	CORSOrigins       []string `yaml:"corsOrigins"       envconfig:"CORS_ORIGINS"`

	LogLevel        string        `yaml:"logLevel"        split_words:"true"`
	LogFormat       string        `yaml:"logFormat"       split_words:"true"`
	TraceExporter   string        `yaml:"traceExporter"   split_words:"true"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" split_words:"true"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		ListenAddr:        ":8080",
		GRPCAddr:          ":9090",
		PublicURL:         "http://localhost:8080",
		HubCountryCode:    "NL",
		HubPartyID:        "HUB",
		HubName:           "OCPI Hub",
		GraceWindow:       30 * time.Second,
		HandshakeWindow:   15 * time.Minute,
		ForwardTimeout:    10 * time.Second,
		ForwardAttempts:   2,
		DedupeWindow:      10 * time.Minute,
		AdminTokenTTL:     time.Hour,
		RegisterRateLimit: 1,
		RegisterBurst:     5,
		MaxBodyBytes:      1 << 20,
		CORSOrigins:       []string{"*"},
		LogLevel:          "info",
		LogFormat:         "json",
		TraceExporter:     "none",
		ShutdownTimeout:   15 * time.Second,
	}
}

// Load builds the configuration. path may be empty.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	// .env never overrides variables already set in the environment
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("process environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the hub cannot run with.
func (c Config) Validate() error {
	var errs []error
	if err := ocpi.ValidateURL(c.PublicURL); err != nil {
		errs = append(errs, fmt.Errorf("publicURL: %w", err))
	}
	if !party.ValidCountryCode(c.HubCountryCode) {
		errs = append(errs, fmt.Errorf("hubCountryCode %q is not an ISO-3166-1 alpha-2 code", c.HubCountryCode))
	}
	if !party.ValidPartyID(c.HubPartyID) {
		errs = append(errs, fmt.Errorf("hubPartyID %q must be 3 uppercase alphanumerics", c.HubPartyID))
	}
	for name, d := range map[string]time.Duration{
		"graceWindow":     c.GraceWindow,
		"handshakeWindow": c.HandshakeWindow,
		"forwardTimeout":  c.ForwardTimeout,
		"dedupeWindow":    c.DedupeWindow,
		"adminTokenTTL":   c.AdminTokenTTL,
		"shutdownTimeout": c.ShutdownTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.ForwardAttempts < 1 {
		errs = append(errs, errors.New("forwardAttempts must be at least 1"))
	}
	if c.RegisterRateLimit <= 0 || c.RegisterBurst < 1 {
		errs = append(errs, errors.New("registerRateLimit and registerBurst must be positive"))
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("maxBodyBytes must be positive"))
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logFormat %q must be json or console", c.LogFormat))
	}
	switch strings.ToLower(c.TraceExporter) {
	case "", "none", "stdout":
	default:
		errs = append(errs, fmt.Errorf("traceExporter %q must be none or stdout", c.TraceExporter))
	}
	return errors.Join(errs...)
}

// VersionsURL is the URL of the hub's versions endpoint.
func (c Config) VersionsURL() string {
	return strings.TrimRight(c.PublicURL, "/") + "/ocpi/versions"
}

// Hub describes the hub's own side of the credentials handshake.
func (c Config) Hub() credentials.Hub {
	return credentials.Hub{
		VersionsURL: c.VersionsURL(),
		Role: credentials.Role{
			Role:            "HUB",
			BusinessDetails: credentials.BusinessDetails{Name: c.HubName, Website: c.PublicURL},
			PartyID:         c.HubPartyID,
			CountryCode:     c.HubCountryCode,
		},
		Endpoints: ocpi.HubEndpoints(c.PublicURL),
	}
}
