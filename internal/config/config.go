// Package config loads worker settings from flags, environment and an
// optional config file through viper.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var ErrInvalidConfig = errors.New("config: invalid config")

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Environment string            `mapstructure:"environment"`
	Source      SourceConfig      `mapstructure:"source"`
	Destination DestinationConfig `mapstructure:"destination"`
	Signer      SignerConfig      `mapstructure:"signer"`
	Proof       ProofConfig       `mapstructure:"proof"`
	Submitter   SubmitterConfig   `mapstructure:"submitter"`
	Store       StoreConfig       `mapstructure:"store"`
	API         APIConfig         `mapstructure:"api"`
	Log         LogConfig         `mapstructure:"log"`
	Events      EventsConfig      `mapstructure:"events"`
	Archive     ArchiveConfig     `mapstructure:"archive"`
}

type SourceConfig struct {
	RPCURL           string        `mapstructure:"rpc_url"`
	ContractAddress  string        `mapstructure:"contract_address"`
	ChainKey         uint64        `mapstructure:"chain_key"`
	Confirmations    uint64        `mapstructure:"confirmations"`
	StartBlock       uint64        `mapstructure:"start_block"`
	MaxBlockRange    uint64        `mapstructure:"max_block_range"`
	HeadPollInterval time.Duration `mapstructure:"head_poll_interval"`
}

type DestinationConfig struct {
	RPCURL              string        `mapstructure:"rpc_url"`
	ChainID             uint64        `mapstructure:"chain_id"`
	ContractAddress     string        `mapstructure:"contract_address"`
	GasLimit            uint64        `mapstructure:"gas_limit"`
	MinTipWei           string        `mapstructure:"min_tip_wei"`
	ReceiptTimeout      time.Duration `mapstructure:"receipt_timeout"`
	ReceiptPollInterval time.Duration `mapstructure:"receipt_poll_interval"`
	AllowDemoMode       bool          `mapstructure:"allow_demo_mode"`
}

type SignerConfig struct {
	Source  string `mapstructure:"source"`
	KeyName string `mapstructure:"key_name"`
}

type ProofConfig struct {
	Driver         string        `mapstructure:"driver"`
	APIURL         string        `mapstructure:"api_url"`
	Backoff        string        `mapstructure:"backoff"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	FixturesFile   string        `mapstructure:"fixtures_file"`
}

type SubmitterConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchLimit   int           `mapstructure:"batch_limit"`
}

type StoreConfig struct {
	Driver      string `mapstructure:"driver"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type EventsConfig struct {
	Driver  string `mapstructure:"driver"`
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
	TLS     bool   `mapstructure:"tls"`
}

type ArchiveConfig struct {
	Driver string `mapstructure:"driver"`
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// New returns a viper instance with defaults and environment lookup wired:
// source.rpc_url is read from SOURCE_RPC_URL.
func New() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	SetDefaults(v)
	return v
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("environment", EnvDevelopment)

	v.SetDefault("source.rpc_url", "")
	v.SetDefault("source.contract_address", "")
	v.SetDefault("source.chain_key", 0)
	v.SetDefault("source.confirmations", 3)
	v.SetDefault("source.start_block", 0)
	v.SetDefault("source.max_block_range", 2000)
	v.SetDefault("source.head_poll_interval", "12s")

	v.SetDefault("destination.rpc_url", "")
	v.SetDefault("destination.chain_id", 102035)
	v.SetDefault("destination.contract_address", "")
	v.SetDefault("destination.gas_limit", 500000)
	v.SetDefault("destination.min_tip_wei", "1000000000")
	v.SetDefault("destination.receipt_timeout", "3m")
	v.SetDefault("destination.receipt_poll_interval", "2s")
	v.SetDefault("destination.allow_demo_mode", false)

	v.SetDefault("signer.source", "env")
	v.SetDefault("signer.key_name", "WORKER_PRIVATE_KEY")

	v.SetDefault("proof.driver", "http")
	v.SetDefault("proof.api_url", "")
	v.SetDefault("proof.backoff", "5s,10s,20s,40s,60s")
	v.SetDefault("proof.request_timeout", "30s")
	v.SetDefault("proof.fixtures_file", "")

	v.SetDefault("submitter.poll_interval", "10s")
	v.SetDefault("submitter.batch_limit", 100)

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "data/relay-jobs.db")
	v.SetDefault("store.postgres_dsn", "")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.host", "")
	v.SetDefault("api.port", 3001)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")

	v.SetDefault("events.driver", "none")
	v.SetDefault("events.brokers", "")
	v.SetDefault("events.topic", "relay.jobs.v1")
	v.SetDefault("events.tls", false)

	v.SetDefault("archive.driver", "none")
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", "")
}

// flagKeys maps command-line flag names to config keys.
var flagKeys = map[string]string{
	"environment":                       "environment",
	"source-rpc-url":                    "source.rpc_url",
	"source-contract-address":           "source.contract_address",
	"source-chain-key":                  "source.chain_key",
	"source-confirmations":              "source.confirmations",
	"source-start-block":                "source.start_block",
	"source-max-block-range":            "source.max_block_range",
	"source-head-poll-interval":         "source.head_poll_interval",
	"destination-rpc-url":               "destination.rpc_url",
	"destination-chain-id":              "destination.chain_id",
	"destination-contract-address":      "destination.contract_address",
	"destination-gas-limit":             "destination.gas_limit",
	"destination-min-tip-wei":           "destination.min_tip_wei",
	"destination-receipt-timeout":       "destination.receipt_timeout",
	"destination-receipt-poll-interval": "destination.receipt_poll_interval",
	"allow-demo-mode":                   "destination.allow_demo_mode",
	"signer-source":                     "signer.source",
	"signer-key-name":                   "signer.key_name",
	"proof-driver":                      "proof.driver",
	"proof-api-url":                     "proof.api_url",
	"proof-backoff":                     "proof.backoff",
	"proof-request-timeout":             "proof.request_timeout",
	"proof-fixtures-file":               "proof.fixtures_file",
	"submitter-poll-interval":           "submitter.poll_interval",
	"submitter-batch-limit":             "submitter.batch_limit",
	"store-driver":                      "store.driver",
	"store-sqlite-path":                 "store.sqlite_path",
	"store-postgres-dsn":                "store.postgres_dsn",
	"api-enabled":                       "api.enabled",
	"api-host":                          "api.host",
	"api-port":                          "api.port",
	"log-level":                         "log.level",
	"log-format":                        "log.format",
	"log-file":                          "log.file",
	"events-driver":                     "events.driver",
	"events-brokers":                    "events.brokers",
	"events-topic":                      "events.topic",
	"events-tls":                        "events.tls",
	"archive-driver":                    "archive.driver",
	"archive-bucket":                    "archive.bucket",
	"archive-prefix":                    "archive.prefix",
}

// RegisterFlags adds one flag per config key to fs. Flag defaults are zero
// values; only flags set on the command line override viper.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("environment", "", "deployment environment (development|production)")

	fs.String("source-rpc-url", "", "source chain JSON-RPC url")
	fs.String("source-contract-address", "", "source mining contract address")
	fs.Uint64("source-chain-key", 0, "attestation chain key of the source chain")
	fs.Uint64("source-confirmations", 0, "blocks behind head before a log is ingested")
	fs.Uint64("source-start-block", 0, "first source block to scan")
	fs.Uint64("source-max-block-range", 0, "max blocks per log query")
	fs.Duration("source-head-poll-interval", 0, "head polling interval when subscriptions are unavailable")

	fs.String("destination-rpc-url", "", "destination chain JSON-RPC url")
	fs.Uint64("destination-chain-id", 0, "destination chain id")
	fs.String("destination-contract-address", "", "destination credit contract address")
	fs.Uint64("destination-gas-limit", 0, "gas limit of record transactions")
	fs.String("destination-min-tip-wei", "", "minimum priority fee in wei")
	fs.Duration("destination-receipt-timeout", 0, "max wait for a record tx receipt")
	fs.Duration("destination-receipt-poll-interval", 0, "receipt polling interval")
	fs.Bool("allow-demo-mode", false, "submit through recordMiningDemoMode when the contract is not strict")

	fs.String("signer-source", "", "signing key source (env|aws)")
	fs.String("signer-key-name", "", "env var or secret id holding the signing key")

	fs.String("proof-driver", "", "proof provider (http|fixture)")
	fs.String("proof-api-url", "", "attestation service base url")
	fs.String("proof-backoff", "", "comma separated retry delays")
	fs.Duration("proof-request-timeout", 0, "per request timeout against the attestation service")
	fs.String("proof-fixtures-file", "", "JSON file of fixture bundles keyed by tx hash")

	fs.Duration("submitter-poll-interval", 0, "delay between submitter cycles")
	fs.Int("submitter-batch-limit", 0, "max jobs per status per cycle")

	fs.String("store-driver", "", "job store (sqlite|postgres|memory)")
	fs.String("store-sqlite-path", "", "sqlite database path")
	fs.String("store-postgres-dsn", "", "postgres connection string")

	fs.Bool("api-enabled", false, "serve the read API")
	fs.String("api-host", "", "read API listen host")
	fs.Int("api-port", 0, "read API listen port")

	fs.String("log-level", "", "log level (debug|info|warn|error)")
	fs.String("log-format", "", "log format (text|json)")
	fs.String("log-file", "", "also write logs to this rotating file")

	fs.String("events-driver", "", "job event sink (none|kafka|stdio)")
	fs.String("events-brokers", "", "comma separated kafka brokers")
	fs.String("events-topic", "", "job event topic")
	fs.Bool("events-tls", false, "use TLS for kafka")

	fs.String("archive-driver", "", "proof bundle archive (none|memory|s3)")
	fs.String("archive-bucket", "", "s3 bucket of the proof archive")
	fs.String("archive-prefix", "", "key prefix inside the archive")
}

// BindFlags binds every flag registered by RegisterFlags that is present in fs.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("config: bind flag %s: %w", name, err)
		}
	}
	return nil
}

// ReadFile merges path into v. An empty path is a no-op.
func ReadFile(v *viper.Viper, path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("%w: read config file %s: %v", ErrInvalidConfig, path, err)
	}
	return nil
}

// Load decodes v and runs Validate.
func Load(v *viper.Viper) (Config, error) {
	cfg, err := Decode(v)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Decode unmarshals v without validation. Commands that need only part of the
// settings validate that part themselves.
func Decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	cfg.normalize()
	return cfg, nil
}

func (c *Config) normalize() {
	c.Environment = strings.ToLower(strings.TrimSpace(c.Environment))
	c.Signer.Source = strings.ToLower(strings.TrimSpace(c.Signer.Source))
	c.Proof.Driver = strings.ToLower(strings.TrimSpace(c.Proof.Driver))
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	c.Events.Driver = strings.ToLower(strings.TrimSpace(c.Events.Driver))
	c.Archive.Driver = strings.ToLower(strings.TrimSpace(c.Archive.Driver))
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// Validate checks the settings needed by the run command.
func (c Config) Validate() error {
	if err := c.ValidateSource(); err != nil {
		return err
	}
	if err := c.ValidateStore(); err != nil {
		return err
	}
	if err := c.validateLog(); err != nil {
		return err
	}

	switch c.Environment {
	case EnvDevelopment, EnvProduction:
	default:
		return invalid("environment must be %s or %s, got %q", EnvDevelopment, EnvProduction, c.Environment)
	}

	d := c.Destination
	if err := requireURL("destination.rpc_url", d.RPCURL); err != nil {
		return err
	}
	if !common.IsHexAddress(d.ContractAddress) {
		return invalid("destination.contract_address is not an address: %q", d.ContractAddress)
	}
	if d.ChainID == 0 {
		return invalid("destination.chain_id must be > 0")
	}
	if d.GasLimit == 0 {
		return invalid("destination.gas_limit must be > 0")
	}
	if _, err := c.MinTip(); err != nil {
		return err
	}
	if d.ReceiptTimeout <= 0 || d.ReceiptPollInterval <= 0 {
		return invalid("destination receipt timeout and poll interval must be positive")
	}
	if d.AllowDemoMode && c.Environment == EnvProduction {
		return invalid("destination.allow_demo_mode cannot be enabled in production")
	}

	switch c.Signer.Source {
	case "env", "aws":
	default:
		return invalid("signer.source must be env or aws, got %q", c.Signer.Source)
	}
	if strings.TrimSpace(c.Signer.KeyName) == "" {
		return invalid("signer.key_name is required")
	}

	switch c.Proof.Driver {
	case "http":
		if err := requireURL("proof.api_url", c.Proof.APIURL); err != nil {
			return err
		}
		if _, err := c.ProofBackoff(); err != nil {
			return err
		}
	case "fixture":
		if c.Environment == EnvProduction {
			return invalid("proof.driver fixture cannot be used in production")
		}
	default:
		return invalid("proof.driver must be http or fixture, got %q", c.Proof.Driver)
	}
	if c.Proof.RequestTimeout < 0 {
		return invalid("proof.request_timeout must not be negative")
	}

	if c.Submitter.PollInterval <= 0 {
		return invalid("submitter.poll_interval must be positive")
	}
	if c.Submitter.BatchLimit <= 0 {
		return invalid("submitter.batch_limit must be > 0")
	}

	if c.API.Enabled && (c.API.Port <= 0 || c.API.Port > 65535) {
		return invalid("api.port must be between 1-65535 when api enabled, got %d", c.API.Port)
	}

	switch c.Events.Driver {
	case "", "none", "stdio":
	case "kafka":
		if strings.TrimSpace(c.Events.Brokers) == "" {
			return invalid("events.brokers is required for kafka")
		}
	default:
		return invalid("events.driver must be none, kafka or stdio, got %q", c.Events.Driver)
	}
	if c.EventsEnabled() && strings.TrimSpace(c.Events.Topic) == "" {
		return invalid("events.topic is required")
	}

	switch c.Archive.Driver {
	case "", "none", "memory":
	case "s3":
		if strings.TrimSpace(c.Archive.Bucket) == "" {
			return invalid("archive.bucket is required for s3")
		}
	default:
		return invalid("archive.driver must be none, memory or s3, got %q", c.Archive.Driver)
	}
	return nil
}

// ValidateSource checks the settings needed to scan the source chain.
func (c Config) ValidateSource() error {
	s := c.Source
	if err := requireURL("source.rpc_url", s.RPCURL); err != nil {
		return err
	}
	if !common.IsHexAddress(s.ContractAddress) {
		return invalid("source.contract_address is not an address: %q", s.ContractAddress)
	}
	if s.ChainKey == 0 {
		return invalid("source.chain_key must be > 0")
	}
	if s.MaxBlockRange == 0 {
		return invalid("source.max_block_range must be > 0")
	}
	if s.HeadPollInterval <= 0 {
		return invalid("source.head_poll_interval must be positive")
	}
	return nil
}

// ValidateStore checks the job store settings.
func (c Config) ValidateStore() error {
	switch c.Store.Driver {
	case "sqlite":
		if strings.TrimSpace(c.Store.SQLitePath) == "" {
			return invalid("store.sqlite_path is required for sqlite")
		}
	case "postgres":
		if strings.TrimSpace(c.Store.PostgresDSN) == "" {
			return invalid("store.postgres_dsn is required for postgres")
		}
	case "memory":
		if c.Environment == EnvProduction {
			return invalid("store.driver memory cannot be used in production")
		}
	default:
		return invalid("store.driver must be sqlite, postgres or memory, got %q", c.Store.Driver)
	}
	return nil
}

func (c Config) validateLog() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return invalid("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return invalid("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

func requireURL(key, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return invalid("%s is required", key)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return invalid("%s is not a url: %q", key, raw)
	}
	return nil
}

func (c Config) SourceContract() common.Address {
	return common.HexToAddress(c.Source.ContractAddress)
}

func (c Config) DestinationContract() common.Address {
	return common.HexToAddress(c.Destination.ContractAddress)
}

func (c Config) MinTip() (*big.Int, error) {
	raw := strings.TrimSpace(c.Destination.MinTipWei)
	if raw == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok || v.Sign() < 0 {
		return nil, invalid("destination.min_tip_wei must be a non-negative integer, got %q", raw)
	}
	return v, nil
}

func (c Config) ProofBackoff() ([]time.Duration, error) {
	return c.Proof.BackoffSchedule()
}

// BackoffSchedule parses proof.backoff. An empty value means no retries.
func (p ProofConfig) BackoffSchedule() ([]time.Duration, error) {
	out := []time.Duration{}
	for _, part := range strings.Split(p.Backoff, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := time.ParseDuration(part)
		if err != nil || d < 0 {
			return nil, invalid("proof.backoff entry %q is not a duration", part)
		}
		out = append(out, d)
	}
	return out, nil
}

func (c Config) APIAddr() string {
	return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port)
}

func (c Config) EventsEnabled() bool {
	return c.Events.Driver != "" && c.Events.Driver != "none"
}

func (c Config) ArchiveEnabled() bool {
	return c.Archive.Driver != "" && c.Archive.Driver != "none"
}
