package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"stakegate/crypto"
	"stakegate/gateway/middleware"
	"stakegate/native/staking"
)

// Environment variables that override file values.
const (
	envProgramID   = "STAKING_PROGRAM_ID"
	envMint        = "MINT_ADDRESS"
	envNetwork     = "SOLANA_NETWORK"
	envRPCURL      = "SOLANA_RPC_URL"
	envRPCToken    = "SOLANA_RPC_TOKEN"
	envStoreWallet = "ZOO_STORE_WALLET"
	envListen      = "STAKEGATE_LISTEN"
	envDSN         = "STAKEGATE_DATABASE_DSN"
	envKeypairs    = "STAKEGATE_KEYPAIR_PATH"
	envJWTSecret   = "STAKEGATE_JWT_SECRET"
	envLogLevel    = "STAKEGATE_LOG_LEVEL"
	envOrderAuth   = "STAKEGATE_REQUIRE_ORDER_AUTH"
	envOTLP        = "OTEL_EXPORTER_OTLP_ENDPOINT"
	envOTLPHeaders = "OTEL_EXPORTER_OTLP_HEADERS"
)

var defaultRPCURLs = map[string]string{
	"devnet":   "https://api.devnet.solana.com",
	"testnet":  "https://api.testnet.solana.com",
	"mainnet":  "https://api.mainnet-beta.solana.com",
	"localnet": "http://127.0.0.1:8899",
}

type ServiceConfig struct {
	Name            string        `yaml:"name" toml:"name"`
	Environment     string        `yaml:"environment" toml:"environment"`
	ListenAddress   string        `yaml:"listen" toml:"listen"`
	ReadTimeout     time.Duration `yaml:"readTimeout" toml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout" toml:"writeTimeout"`
	IdleTimeout     time.Duration `yaml:"idleTimeout" toml:"idleTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" toml:"shutdownTimeout"`
}

type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB" toml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups" toml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays" toml:"maxAgeDays"`
	Compress   bool   `yaml:"compress" toml:"compress"`
	// LogRequests emits one access log line per HTTP request.
	LogRequests bool `yaml:"logRequests" toml:"logRequests"`
}

type LedgerConfig struct {
	Network      string        `yaml:"network" toml:"network"`
	RPCURL       string        `yaml:"rpcURL" toml:"rpcURL"`
	AuthToken    string        `yaml:"authToken" toml:"authToken"`
	Commitment   string        `yaml:"commitment" toml:"commitment"`
	Timeout      time.Duration `yaml:"timeout" toml:"timeout"`
	ReadAttempts int           `yaml:"readAttempts" toml:"readAttempts"`
	ReadDelay    time.Duration `yaml:"readDelay" toml:"readDelay"`
}

type StakingConfig struct {
	ProgramID    string   `yaml:"programID" toml:"programID"`
	MintAddress  string   `yaml:"mintAddress" toml:"mintAddress"`
	StoreWallet  string   `yaml:"storeWallet" toml:"storeWallet"`
	Decimals     int32    `yaml:"decimals" toml:"decimals"`
	TokenSymbol  string   `yaml:"tokenSymbol" toml:"tokenSymbol"`
	KeypairPaths []string `yaml:"keypairPaths" toml:"keypairPaths"`
}

type PaymentsConfig struct {
	RequireOrderAuthorization bool          `yaml:"requireOrderAuthorization" toml:"requireOrderAuthorization"`
	PollAttempts              int           `yaml:"pollAttempts" toml:"pollAttempts"`
	PollInterval              time.Duration `yaml:"pollInterval" toml:"pollInterval"`
}

type DatabaseConfig struct {
	// DSN selects the driver: postgres:// or postgresql:// URLs and
	// key=value strings use Postgres, anything else is a SQLite path.
	DSN          string `yaml:"dsn" toml:"dsn"`
	MaxOpenConns int    `yaml:"maxOpenConns" toml:"maxOpenConns"`
}

// ReconConfig schedules the daily export of payment verdicts.
type ReconConfig struct {
	Enabled   bool          `yaml:"enabled" toml:"enabled"`
	OutputDir string        `yaml:"outputDir" toml:"outputDir"`
	Window    time.Duration `yaml:"window" toml:"window"`
	RunHour   int           `yaml:"runHour" toml:"runHour"`
	RunMinute int           `yaml:"runMinute" toml:"runMinute"`
	DryRun    bool          `yaml:"dryRun" toml:"dryRun"`
}

type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint" toml:"endpoint"`
	Insecure    bool    `yaml:"insecure" toml:"insecure"`
	Headers     string  `yaml:"headers" toml:"headers"`
	Traces      bool    `yaml:"traces" toml:"traces"`
	Metrics     bool    `yaml:"metrics" toml:"metrics"`
	SampleRatio float64 `yaml:"sampleRatio" toml:"sampleRatio"`
}

type Config struct {
	Service    ServiceConfig                   `yaml:"service" toml:"service"`
	Logging    LoggingConfig                   `yaml:"logging" toml:"logging"`
	Ledger     LedgerConfig                    `yaml:"ledger" toml:"ledger"`
	Staking    StakingConfig                   `yaml:"staking" toml:"staking"`
	Payments   PaymentsConfig                  `yaml:"payments" toml:"payments"`
	Database   DatabaseConfig                  `yaml:"database" toml:"database"`
	Auth       middleware.AuthConfig           `yaml:"auth" toml:"auth"`
	CORS       middleware.CORSConfig           `yaml:"cors" toml:"cors"`
	RateLimits map[string]middleware.RateLimit `yaml:"rateLimits" toml:"rateLimits"`
	Recon      ReconConfig                     `yaml:"recon" toml:"recon"`
	Telemetry  TelemetryConfig                 `yaml:"telemetry" toml:"telemetry"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		Service: ServiceConfig{
			Name:            "stakegate",
			Environment:     "development",
			ListenAddress:   ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", LogRequests: true},
		Ledger: LedgerConfig{
			Network:      "devnet",
			Commitment:   "confirmed",
			Timeout:      10 * time.Second,
			ReadAttempts: 3,
			ReadDelay:    250 * time.Millisecond,
		},
		Staking: StakingConfig{
			Decimals:    staking.DefaultDecimals,
			TokenSymbol: "ZOO",
		},
		Payments: PaymentsConfig{
			PollAttempts: 10,
			PollInterval: time.Second,
		},
		Database: DatabaseConfig{DSN: "stakegate.db"},
		Recon: ReconConfig{
			OutputDir: "stakegate-data/recon",
			Window:    24 * time.Hour,
			RunHour:   2,
		},
		RateLimits: map[string]middleware.RateLimit{
			"read":     {RequestsPerMinute: 600, Burst: 60},
			"mutate":   {RequestsPerMinute: 30, Burst: 5},
			"payments": {RequestsPerMinute: 120, Burst: 20},
		},
	}
}

// LoadDotEnv loads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	existing := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("load env files: %w", err)
	}
	return nil
}

// Load reads the YAML or TOML file at path (chosen by extension), applies
// environment overrides and validates the result. An empty path uses the
// defaults plus environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		return nil
	default:
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		return nil
	}
}

func (cfg *Config) applyEnv(lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	if v, ok := get(envProgramID); ok {
		cfg.Staking.ProgramID = v
	}
	if v, ok := get(envMint); ok {
		cfg.Staking.MintAddress = v
	}
	if v, ok := get(envStoreWallet); ok {
		cfg.Staking.StoreWallet = v
	}
	if v, ok := get(envNetwork); ok {
		cfg.Ledger.Network = v
	}
	if v, ok := get(envRPCURL); ok {
		cfg.Ledger.RPCURL = v
	}
	if v, ok := get(envRPCToken); ok {
		cfg.Ledger.AuthToken = v
	}
	if v, ok := get(envListen); ok {
		cfg.Service.ListenAddress = v
	}
	if v, ok := get(envDSN); ok {
		cfg.Database.DSN = v
	}
	if v, ok := get(envKeypairs); ok {
		cfg.Staking.KeypairPaths = splitList(v)
	}
	if v, ok := get(envJWTSecret); ok {
		cfg.Auth.HMACSecret = v
		cfg.Auth.Enabled = true
	}
	if v, ok := get(envLogLevel); ok {
		cfg.Logging.Level = v
	}
	if v, ok := get(envOTLP); ok {
		cfg.Telemetry.Endpoint = v
	}
	if v, ok := get(envOTLPHeaders); ok {
		cfg.Telemetry.Headers = v
	}
	if v, ok := get(envOrderAuth); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envOrderAuth, err)
		}
		cfg.Payments.RequireOrderAuthorization = b
	}
	return nil
}

func (cfg *Config) applyDefaults() {
	cfg.Ledger.Network = strings.ToLower(strings.TrimSpace(cfg.Ledger.Network))
	if cfg.Ledger.RPCURL == "" {
		cfg.Ledger.RPCURL = defaultRPCURLs[cfg.Ledger.Network]
	}
	if cfg.Staking.TokenSymbol == "" {
		cfg.Staking.TokenSymbol = "ZOO"
	}
	if cfg.Service.ShutdownTimeout <= 0 {
		cfg.Service.ShutdownTimeout = 10 * time.Second
	}
}

var ErrMissingRPCURL = errors.New("ledger.rpcURL required for custom networks")

// Validate checks the values the service cannot start without. A missing
// store wallet is allowed; payment routes then report a configuration error.
func (cfg *Config) Validate() error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.Service.ListenAddress) == "" {
		return fmt.Errorf("service.listen required")
	}
	if cfg.Ledger.RPCURL == "" {
		return ErrMissingRPCURL
	}
	if _, err := cfg.VaultConfig(); err != nil {
		return err
	}
	if cfg.Payments.PollAttempts < 1 {
		return fmt.Errorf("payments.pollAttempts must be at least 1")
	}
	if cfg.Payments.PollInterval < 0 {
		return fmt.Errorf("payments.pollInterval must not be negative")
	}
	if cfg.Recon.RunHour < 0 || cfg.Recon.RunHour > 23 || cfg.Recon.RunMinute < 0 || cfg.Recon.RunMinute > 59 {
		return fmt.Errorf("recon.runHour and recon.runMinute must form a valid time of day")
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sampleRatio must be within [0,1]")
	}
	for name, limit := range cfg.RateLimits {
		if limit.RequestsPerMinute <= 0 || limit.Burst <= 0 {
			return fmt.Errorf("rateLimits.%s requires positive requestsPerMinute and burst", name)
		}
	}
	return nil
}

// VaultConfig resolves the staking addresses.
func (cfg Config) VaultConfig() (staking.VaultConfig, error) {
	program, err := requiredKey("staking.programID", cfg.Staking.ProgramID)
	if err != nil {
		return staking.VaultConfig{}, err
	}
	mint, err := requiredKey("staking.mintAddress", cfg.Staking.MintAddress)
	if err != nil {
		return staking.VaultConfig{}, err
	}
	vault := staking.VaultConfig{
		ProgramID:   program,
		Mint:        mint,
		Network:     cfg.Ledger.Network,
		Decimals:    cfg.Staking.Decimals,
		TokenSymbol: cfg.Staking.TokenSymbol,
	}
	if s := strings.TrimSpace(cfg.Staking.StoreWallet); s != "" {
		store, err := crypto.PublicKeyFromBase58(s)
		if err != nil {
			return staking.VaultConfig{}, fmt.Errorf("%w: staking.storeWallet: %v", staking.ErrConfiguration, err)
		}
		vault.StoreWallet = store
	}
	if err := vault.Validate(); err != nil {
		return staking.VaultConfig{}, err
	}
	return vault, nil
}

func requiredKey(field, raw string) (crypto.PublicKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return crypto.PublicKey{}, fmt.Errorf("%w: %s required", staking.ErrConfiguration, field)
	}
	key, err := crypto.PublicKeyFromBase58(raw)
	if err != nil {
		return crypto.PublicKey{}, fmt.Errorf("%w: %s: %v", staking.ErrConfiguration, field, err)
	}
	return key, nil
}

func splitList(raw string) []string {
	parts := strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == os.PathListSeparator })
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
