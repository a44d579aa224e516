// Package config loads server settings. Sources apply in order: defaults,
// the YAML file, a .env file, then EXCHANGE_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/hakimelghazi/exchange-ledger/internal/models"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Fees    FeeConfig     `yaml:"fees"`
	Engine  EngineConfig  `yaml:"engine"`
	Pairs   []models.Pair `yaml:"pairs"`
	Kafka   KafkaConfig   `yaml:"kafka"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	CORSOrigins     []string      `yaml:"cors_origins"`
	AdminToken      string        `yaml:"admin_token"`
	ServiceToken    string        `yaml:"service_token"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type StoreConfig struct {
	Kind string `yaml:"kind"` // memory | postgres
	DSN  string `yaml:"dsn"`
}

type FeeConfig struct {
	TakerBps int64  `yaml:"taker_bps"`
	MakerBps int64  `yaml:"maker_bps"`
	Scale    int32  `yaml:"scale"`
	Account  string `yaml:"account"`
}

type EngineConfig struct {
	CommandBuffer int           `yaml:"command_buffer"`
	FeedBuffer    int           `yaml:"feed_buffer"`
	BookDepth     int           `yaml:"book_depth"`
	RecentTrades  int           `yaml:"recent_trades"`
	TickerWindow  time.Duration `yaml:"ticker_window"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			RequestTimeout:  3 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{Kind: StoreMemory},
		Fees: FeeConfig{
			TakerBps: 20,
			MakerBps: 10,
			Scale:    8,
			Account:  "FEE_TREASURY",
		},
		Engine: EngineConfig{
			CommandBuffer: 64,
			FeedBuffer:    1024,
			BookDepth:     50,
			RecentTrades:  50,
			TickerWindow:  24 * time.Hour,
		},
		Pairs: []models.Pair{{Symbol: "USDX-PI", Base: "USDX", Quote: "PI"}},
		Kafka: KafkaConfig{Topic: "exchange.trades"},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads path (optional) and the environment, then validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := decodeYAML(f, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	_ = godotenv.Load() // a missing .env is fine
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func decodeYAML(r io.Reader, cfg *Config) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyEnv(c *Config) error {
	c.Server.Addr = getEnvString("EXCHANGE_HTTP_ADDR", c.Server.Addr)
	c.Server.CORSOrigins = getEnvList("EXCHANGE_CORS_ORIGINS", c.Server.CORSOrigins)
	c.Server.AdminToken = getEnvString("EXCHANGE_ADMIN_TOKEN", c.Server.AdminToken)
	c.Server.ServiceToken = getEnvString("EXCHANGE_SERVICE_TOKEN", c.Server.ServiceToken)
	c.Server.RequestTimeout = getEnvDuration("EXCHANGE_REQUEST_TIMEOUT", c.Server.RequestTimeout)
	c.Server.ShutdownTimeout = getEnvDuration("EXCHANGE_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)

	c.Store.Kind = getEnvString("EXCHANGE_STORE", c.Store.Kind)
	c.Store.DSN = getEnvString("DATABASE_URL", c.Store.DSN)
	c.Store.DSN = getEnvString("EXCHANGE_DATABASE_URL", c.Store.DSN)

	c.Fees.TakerBps = int64(getEnvInt("EXCHANGE_TAKER_FEE_BPS", int(c.Fees.TakerBps)))
	c.Fees.MakerBps = int64(getEnvInt("EXCHANGE_MAKER_FEE_BPS", int(c.Fees.MakerBps)))
	c.Fees.Scale = int32(getEnvInt("EXCHANGE_FEE_SCALE", int(c.Fees.Scale)))
	c.Fees.Account = getEnvString("EXCHANGE_FEE_ACCOUNT", c.Fees.Account)

	c.Engine.CommandBuffer = getEnvInt("EXCHANGE_COMMAND_BUFFER", c.Engine.CommandBuffer)
	c.Engine.FeedBuffer = getEnvInt("EXCHANGE_FEED_BUFFER", c.Engine.FeedBuffer)
	c.Engine.BookDepth = getEnvInt("EXCHANGE_BOOK_DEPTH", c.Engine.BookDepth)
	c.Engine.RecentTrades = getEnvInt("EXCHANGE_RECENT_TRADES", c.Engine.RecentTrades)
	c.Engine.TickerWindow = getEnvDuration("EXCHANGE_TICKER_WINDOW", c.Engine.TickerWindow)

	c.Kafka.Brokers = getEnvList("EXCHANGE_KAFKA_BROKERS", c.Kafka.Brokers)
	c.Kafka.Topic = getEnvString("EXCHANGE_KAFKA_TOPIC", c.Kafka.Topic)

	c.Logging.Level = getEnvString("EXCHANGE_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnvString("EXCHANGE_LOG_FORMAT", c.Logging.Format)

	if v := os.Getenv("EXCHANGE_PAIRS"); v != "" {
		pairs, err := ParsePairs(v)
		if err != nil {
			return fmt.Errorf("EXCHANGE_PAIRS: %w", err)
		}
		c.Pairs = pairs
	}
	return nil
}

// ParsePairs reads "SYMBOL=BASE/QUOTE" entries separated by commas.
func ParsePairs(s string) ([]models.Pair, error) {
	var out []models.Pair
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		symbol, assets, ok := strings.Cut(entry, "=")
		base, quote, ok2 := strings.Cut(assets, "/")
		if !ok || !ok2 {
			return nil, fmt.Errorf("pair %q: want SYMBOL=BASE/QUOTE", entry)
		}
		out = append(out, models.Pair{
			Symbol: strings.TrimSpace(symbol),
			Base:   strings.TrimSpace(base),
			Quote:  strings.TrimSpace(quote),
		})
	}
	return out, nil
}

// Assets lists every asset traded on the configured pairs.
func (c *Config) Assets() []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range c.Pairs {
		for _, a := range []string{p.Base, p.Quote} {
			if !seen[a] {
				seen[a] = true
				out = append(out, a)
			}
		}
	}
	return out
}

func (c *Config) Validate() error {
	_, port, err := net.SplitHostPort(c.Server.Addr)
	if err != nil {
		return fmt.Errorf("invalid http addr %q: %w", c.Server.Addr, err)
	}
	if p, err := strconv.Atoi(port); err != nil || p < 0 || p > 65535 {
		return fmt.Errorf("invalid http port %q", port)
	}
	if c.Server.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}

	switch c.Store.Kind {
	case StoreMemory:
	case StorePostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("DSN required for postgres store")
		}
	default:
		return fmt.Errorf("unknown store %q", c.Store.Kind)
	}

	if c.Fees.MakerBps < 0 || c.Fees.TakerBps < c.Fees.MakerBps {
		return fmt.Errorf("taker fee (%d bps) must be >= maker fee (%d bps) >= 0", c.Fees.TakerBps, c.Fees.MakerBps)
	}
	if c.Fees.TakerBps > 10000 {
		return fmt.Errorf("taker fee %d bps exceeds 10000", c.Fees.TakerBps)
	}
	if c.Fees.Scale < 0 || c.Fees.Scale > 18 {
		return fmt.Errorf("fee scale %d out of range", c.Fees.Scale)
	}
	if c.Fees.Account == "" {
		return fmt.Errorf("fee account is required")
	}

	if len(c.Pairs) == 0 {
		return fmt.Errorf("at least one pair is required")
	}
	seen := make(map[string]bool)
	for _, p := range c.Pairs {
		if err := p.Validate(); err != nil {
			return err
		}
		if seen[p.Symbol] {
			return fmt.Errorf("duplicate pair %s", p.Symbol)
		}
		seen[p.Symbol] = true
	}

	if c.Engine.CommandBuffer <= 0 || c.Engine.FeedBuffer <= 0 {
		return fmt.Errorf("engine buffers must be positive")
	}
	if c.Engine.BookDepth <= 0 || c.Engine.RecentTrades <= 0 {
		return fmt.Errorf("book depth and recent trades must be positive")
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return fmt.Errorf("kafka topic required when brokers are set")
	}
	return nil
}

// String omits the DSN and tokens.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Server{Addr:%s}, Store{Kind:%s}, Fees{Taker:%d, Maker:%d, Account:%s}, Pairs:%d, Kafka{Brokers:%d}",
		c.Server.Addr, c.Store.Kind, c.Fees.TakerBps, c.Fees.MakerBps, c.Fees.Account,
		len(c.Pairs), len(c.Kafka.Brokers),
	)
}

// Helper functions for environment variable parsing

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
