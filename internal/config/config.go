// Package config loads process configuration from the environment, with an
// optional .env file in the working directory.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ggoodman/mcp-exchange-server/exchange"
	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// DefaultExchanges is used when SUPPORTED_EXCHANGES is unset.
var DefaultExchanges = []string{"binance", "coinbase", "kraken", "bitfinex", "bybit"}

// Transports selectable with MCP_TRANSPORT.
const (
	TransportHTTP  = "http"
	TransportStdio = "stdio"
)

// Config is the full set of process settings.
type Config struct {
	// Transport is "http" or "stdio".
	Transport string `env:"MCP_TRANSPORT,default=http"`

	Host string `env:"HOST,default=0.0.0.0"`
	Port int    `env:"PORT,default=3000"`

	RequestTimeout       time.Duration `env:"REQUEST_TIMEOUT,default=30s"`
	SessionIdleTimeout   time.Duration `env:"SESSION_IDLE_TIMEOUT,default=5m"`
	SessionSweepInterval time.Duration `env:"SESSION_SWEEP_INTERVAL,default=1m"`
	SessionCompatMode    bool          `env:"SESSION_COMPAT_MODE,default=false"`
	SessionMaxErrors     int           `env:"SESSION_MAX_ERRORS,default=5"`

	// Comma-separated lists are split after decoding.
	SupportedExchangesRaw string `env:"SUPPORTED_EXCHANGES"`
	DefaultExchange       string `env:"DEFAULT_EXCHANGE,default=binance"`

	ExchangeBridgeURL string  `env:"EXCHANGE_BRIDGE_URL,default=http://127.0.0.1:3001"`
	ExchangeRateLimit float64 `env:"EXCHANGE_RATE_LIMIT,default=10"`
	ExchangeRateBurst int     `env:"EXCHANGE_RATE_BURST,default=20"`

	CORSOriginsRaw string `env:"CORS_ORIGINS"`

	// RedisAddr selects the Redis metadata store. Empty keeps metadata in memory.
	RedisAddr         string `env:"REDIS_ADDR"`
	SessionsKeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=mcp:exchange:sessions:"`

	AuthHS256Secret  string `env:"AUTH_HS256_SECRET"`
	AuthJWKSURL      string `env:"AUTH_JWKS_URL"`
	AuthIssuer       string `env:"AUTH_ISSUER"`
	AuthAudiencesRaw string `env:"AUTH_AUDIENCES"`

	// PublicURL is the externally visible /mcp URL advertised in protected
	// resource metadata. Empty derives it from each request.
	PublicURL string `env:"MCP_PUBLIC_URL"`

	LogFormat string `env:"LOG_FORMAT,default=json"`
	LogLevel  string `env:"LOG_LEVEL,default=info"`

	SupportedExchanges []string
	CORSOrigins        []string
	AuthAudiences      []string
}

// Load reads .env when present and decodes the environment into a
// validated Config.
func Load() (*Config, error) {
	return LoadFiles(".env")
}

// LoadFiles is Load with explicit dotenv paths. Missing files are skipped.
// Variables already present in the environment win over file values.
func LoadFiles(paths ...string) (*Config, error) {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: load %s: %w", p, err)
		}
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.SupportedExchanges = splitList(c.SupportedExchangesRaw, true)
	if len(c.SupportedExchanges) == 0 {
		c.SupportedExchanges = slices.Clone(DefaultExchanges)
	}
	c.Transport = strings.ToLower(strings.TrimSpace(c.Transport))
	c.DefaultExchange = strings.ToLower(strings.TrimSpace(c.DefaultExchange))
	c.CORSOrigins = splitList(c.CORSOriginsRaw, false)
	if len(c.CORSOrigins) == 0 {
		c.CORSOrigins = []string{"*"}
	}
	c.AuthAudiences = splitList(c.AuthAudiencesRaw, false)
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT %d out of range", c.Port))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("REQUEST_TIMEOUT must be positive"))
	}
	if c.SessionIdleTimeout <= c.RequestTimeout {
		errs = append(errs, fmt.Errorf("SESSION_IDLE_TIMEOUT (%s) must exceed REQUEST_TIMEOUT (%s)", c.SessionIdleTimeout, c.RequestTimeout))
	}
	if c.SessionSweepInterval <= 0 {
		errs = append(errs, errors.New("SESSION_SWEEP_INTERVAL must be positive"))
	}
	if c.SessionMaxErrors < 1 {
		errs = append(errs, errors.New("SESSION_MAX_ERRORS must be at least 1"))
	}
	if !slices.Contains(c.SupportedExchanges, c.DefaultExchange) {
		errs = append(errs, fmt.Errorf("DEFAULT_EXCHANGE %q is not in SUPPORTED_EXCHANGES", c.DefaultExchange))
	}
	if c.ExchangeRateLimit <= 0 || c.ExchangeRateBurst < 1 {
		errs = append(errs, errors.New("EXCHANGE_RATE_LIMIT and EXCHANGE_RATE_BURST must be positive"))
	}
	switch c.Transport {
	case TransportHTTP, TransportStdio:
	default:
		errs = append(errs, fmt.Errorf("MCP_TRANSPORT %q must be http or stdio", c.Transport))
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT %q must be json or text", c.LogFormat))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// AuthEnabled reports whether any bearer token mode is configured.
func (c *Config) AuthEnabled() bool {
	return c.AuthHS256Secret != "" || c.AuthJWKSURL != "" || c.AuthIssuer != ""
}

// Credentials reads <EXCHANGE>_API_KEY, <EXCHANGE>_SECRET and
// <EXCHANGE>_PASSWORD for each supported exchange. Only complete pairs are
// kept.
func (c *Config) Credentials() exchange.StaticCredentials {
	return credentialsFrom(c.SupportedExchanges, os.Getenv)
}

func credentialsFrom(ids []string, getenv func(string) string) exchange.StaticCredentials {
	out := exchange.StaticCredentials{}
	for _, id := range ids {
		prefix := strings.ToUpper(id)
		creds := exchange.Credentials{
			APIKey:   getenv(prefix + "_API_KEY"),
			Secret:   getenv(prefix + "_SECRET"),
			Password: getenv(prefix + "_PASSWORD"),
		}
		if creds.Complete() {
			out[id] = creds
		}
	}
	return out
}

func splitList(raw string, lower bool) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if lower {
			s = strings.ToLower(s)
		}
		if s != "" && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}
