// Package config loads node configuration from YAML, .env files and PERPD_*
// environment variables.
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/luxfi/leverage/pkg/chain"
	"github.com/luxfi/leverage/pkg/fixedpoint"
	"github.com/luxfi/leverage/pkg/market"
)

const envPrefix = "PERPD_"

// Config is the full node configuration
type Config struct {
	DataDir   string `yaml:"data_dir"`
	DBEngine  string `yaml:"db_engine"`
	LogLevel  string `yaml:"log_level"`
	DevMode   bool   `yaml:"dev_mode"`
	Namespace string `yaml:"namespace"`

	RPCPort     int `yaml:"rpc_port"`
	WSPort      int `yaml:"ws_port"`
	MetricsPort int `yaml:"metrics_port"`

	NATSURL    string `yaml:"nats_url"`
	NATSPrefix string `yaml:"nats_prefix"`

	BlockTimeRaw string        `yaml:"block_time"`
	BlockTime    time.Duration `yaml:"-"`

	Owner    string `yaml:"owner"`
	Treasury string `yaml:"treasury"`

	// MaxPriceChange is the oracle circuit breaker in percent, 0 disables it
	MaxPriceChange uint64 `yaml:"max_price_change"`

	Native  NativeConfig   `yaml:"native"`
	Assets  []AssetConfig  `yaml:"assets"`
	Markets []MarketConfig `yaml:"markets"`
}

// NativeConfig describes the native currency and its wrapper token
type NativeConfig struct {
	Symbol      string            `yaml:"symbol"`
	Name        string            `yaml:"name"`
	Price       string            `yaml:"price"`
	Collateral  bool              `yaml:"collateral"`
	Allocations map[string]string `yaml:"allocations"`
}

// AssetConfig describes a token created at genesis
type AssetConfig struct {
	Name       string            `yaml:"name"`
	Symbol     string            `yaml:"symbol"`
	Decimals   uint8             `yaml:"decimals"`
	Price      string            `yaml:"price"`
	Collateral bool              `yaml:"collateral"`
	Balances   map[string]string `yaml:"balances"`
}

// MarketConfig describes a market deployed at genesis
type MarketConfig struct {
	Name                 string `yaml:"name"`
	Symbol               string `yaml:"symbol"`
	Underlying           string `yaml:"underlying"`
	LiquidationThreshold int8   `yaml:"liquidation_threshold"`
	LiquidationPenalty   uint8  `yaml:"liquidation_penalty"`
	ProtocolFee          uint8  `yaml:"protocol_fee"`
	Treasury             string `yaml:"treasury"`
	MaxLeverage          uint8  `yaml:"max_leverage"`

	MaxPriceAgeRaw string        `yaml:"max_price_age"`
	MaxPriceAge    time.Duration `yaml:"-"`
}

// Default returns a single-node development configuration without assets
func Default() *Config {
	return &Config{
		DataDir:      ".perpd",
		DBEngine:     "badgerdb",
		LogLevel:     "info",
		Namespace:    "perpd",
		RPCPort:      8080,
		WSPort:       8081,
		MetricsPort:  9090,
		NATSPrefix:   "perp",
		BlockTimeRaw: "1s",
		BlockTime:    time.Second,
		Native: NativeConfig{
			Symbol: "LUX",
			Name:   "Wrapped LUX",
		},
	}
}

// Load reads path over the defaults, then applies .env and PERPD_*
// overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	LoadDotenv()

	cfg := Default()
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		if err := cfg.decode(file); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.normalise(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a config from r over the defaults without looking
// at the environment
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(r); err != nil {
		return nil, err
	}
	if err := cfg.normalise(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotenv loads ENV_FILE, or ./.env, without overriding variables that
// are already set. NO_DOTENV=1 disables it.
func LoadDotenv() {
	if os.Getenv("NO_DOTENV") == "1" {
		return
	}
	if envFile := os.Getenv("ENV_FILE"); envFile != "" {
		_ = godotenv.Load(envFile)
		return
	}
	_ = godotenv.Load(".env")
}

func (c *Config) decode(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(name string, dst *int) error {
		v, ok := lookup(envPrefix + name)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, name, err)
		}
		*dst = n
		return nil
	}

	str("DATA_DIR", &c.DataDir)
	str("DB_ENGINE", &c.DBEngine)
	str("LOG_LEVEL", &c.LogLevel)
	str("NATS_URL", &c.NATSURL)
	str("NATS_PREFIX", &c.NATSPrefix)
	str("BLOCK_TIME", &c.BlockTimeRaw)
	str("OWNER", &c.Owner)
	str("TREASURY", &c.Treasury)
	for name, dst := range map[string]*int{"RPC_PORT": &c.RPCPort, "WS_PORT": &c.WSPort, "METRICS_PORT": &c.MetricsPort} {
		if err := num(name, dst); err != nil {
			return err
		}
	}
	if v, ok := lookup(envPrefix + "DEV_MODE"); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%sDEV_MODE: %w", envPrefix, err)
		}
		c.DevMode = b
	}
	return nil
}

func (c *Config) normalise() error {
	c.BlockTimeRaw = strings.TrimSpace(os.ExpandEnv(c.BlockTimeRaw))
	c.Owner = strings.TrimSpace(os.ExpandEnv(c.Owner))
	c.Treasury = strings.TrimSpace(os.ExpandEnv(c.Treasury))
	c.NATSURL = strings.TrimSpace(os.ExpandEnv(c.NATSURL))

	if c.BlockTimeRaw != "" {
		d, err := time.ParseDuration(c.BlockTimeRaw)
		if err != nil {
			return fmt.Errorf("config: invalid block_time %q: %w", c.BlockTimeRaw, err)
		}
		c.BlockTime = d
	}
	for i := range c.Markets {
		m := &c.Markets[i]
		if m.MaxPriceAgeRaw == "" {
			continue
		}
		d, err := time.ParseDuration(m.MaxPriceAgeRaw)
		if err != nil {
			return fmt.Errorf("config: market %s: invalid max_price_age %q: %w", m.Symbol, m.MaxPriceAgeRaw, err)
		}
		m.MaxPriceAge = d
	}
	return nil
}

// Validate reports the first invalid field
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir cannot be empty")
	}
	switch c.DBEngine {
	case "badgerdb", "memory":
	default:
		return fmt.Errorf("config: unsupported db_engine %q", c.DBEngine)
	}
	for name, port := range map[string]int{"rpc_port": c.RPCPort, "ws_port": c.WSPort, "metrics_port": c.MetricsPort} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("config: %s %d out of range", name, port)
		}
	}
	if c.BlockTime <= 0 {
		return fmt.Errorf("config: block_time must be positive, got %s", c.BlockTime)
	}
	if _, err := chain.ParseAddress(c.Owner); err != nil {
		return fmt.Errorf("config: owner: %w", err)
	}
	if c.Treasury != "" {
		if _, err := chain.ParseAddress(c.Treasury); err != nil {
			return fmt.Errorf("config: treasury: %w", err)
		}
	}

	symbols := map[string]bool{}
	if c.Native.Symbol != "" {
		symbols[strings.ToUpper(c.Native.Symbol)] = true
		if err := validateBalances("native", c.Native.Allocations, 18); err != nil {
			return err
		}
		if c.Native.Price != "" {
			if _, err := fixedpoint.ParseDecimal(c.Native.Price, fixedpoint.OracleDecimals); err != nil {
				return fmt.Errorf("config: native price: %w", err)
			}
		}
	}
	for _, a := range c.Assets {
		key := strings.ToUpper(a.Symbol)
		if key == "" {
			return fmt.Errorf("config: asset %q has no symbol", a.Name)
		}
		if symbols[key] {
			return fmt.Errorf("config: duplicate asset symbol %s", a.Symbol)
		}
		symbols[key] = true
		if a.Decimals > 36 {
			return fmt.Errorf("config: asset %s: decimals %d too large", a.Symbol, a.Decimals)
		}
		if a.Price != "" {
			if _, err := fixedpoint.ParseDecimal(a.Price, fixedpoint.OracleDecimals); err != nil {
				return fmt.Errorf("config: asset %s price: %w", a.Symbol, err)
			}
		}
		if err := validateBalances(a.Symbol, a.Balances, a.Decimals); err != nil {
			return err
		}
	}

	for _, m := range c.Markets {
		if !symbols[strings.ToUpper(m.Underlying)] {
			return fmt.Errorf("config: market %s: unknown underlying %q", m.Symbol, m.Underlying)
		}
		if m.Treasury != "" {
			if _, err := chain.ParseAddress(m.Treasury); err != nil {
				return fmt.Errorf("config: market %s treasury: %w", m.Symbol, err)
			}
		}
		mc := m.MarketConfig()
		// placeholders, both are resolved at deployment
		mc.Underlying = chain.LabelAddress(m.Underlying)
		if mc.Treasury == (common.Address{}) {
			mc.Treasury = chain.LabelAddress("treasury")
		}
		if err := mc.Validate(); err != nil {
			return fmt.Errorf("config: market %s: %w", m.Symbol, err)
		}
	}
	return nil
}

// MarketConfig converts m to a market.Config. Underlying is resolved by the
// caller.
func (m MarketConfig) MarketConfig() market.Config {
	cfg := market.Config{
		Name:                 m.Name,
		Symbol:               m.Symbol,
		LiquidationThreshold: m.LiquidationThreshold,
		LiquidationPenalty:   m.LiquidationPenalty,
		ProtocolFee:          m.ProtocolFee,
		MaxLeverage:          m.MaxLeverage,
		MaxPriceAge:          m.MaxPriceAge,
	}
	if m.Treasury != "" {
		cfg.Treasury, _ = chain.ParseAddress(m.Treasury)
	}
	return cfg
}

func validateBalances(symbol string, balances map[string]string, decimals uint8) error {
	for addr, amount := range balances {
		if _, err := chain.ParseAddress(addr); err != nil {
			return fmt.Errorf("config: %s balance holder: %w", symbol, err)
		}
		if _, err := fixedpoint.ParseDecimal(amount, decimals); err != nil {
			return fmt.Errorf("config: %s balance of %s: %w", symbol, addr, err)
		}
	}
	return nil
}
