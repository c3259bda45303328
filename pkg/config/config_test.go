package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/leverage/pkg/chain"
)

var ownerHex = chain.LabelAddress("owner").Hex()

func sampleYAML() string {
	return `
data_dir: /tmp/perpd
db_engine: memory
log_level: debug
dev_mode: true
rpc_port: 18080
block_time: 250ms
owner: ` + ownerHex + `
max_price_change: 20
native:
  symbol: LUX
  name: Wrapped LUX
  price: "12.5"
assets:
  - name: USD Coin
    symbol: USDC
    decimals: 6
    price: "1"
    collateral: true
    balances:
      ` + ownerHex + `: "1000000.5"
  - name: Ether
    symbol: ETH
    decimals: 18
    price: "2000"
markets:
  - name: Leveraged ETH
    symbol: lETH
    underlying: ETH
    liquidation_threshold: -80
    liquidation_penalty: 5
    protocol_fee: 10
    max_leverage: 50
    max_price_age: 1m
`
}

func TestLoadFromReader(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(sampleYAML()))
	require.NoError(t, err)

	assert.Equal(t, "/tmp/perpd", cfg.DataDir)
	assert.Equal(t, "memory", cfg.DBEngine)
	assert.True(t, cfg.DevMode)
	assert.Equal(t, 18080, cfg.RPCPort)
	assert.Equal(t, 8081, cfg.WSPort, "defaults survive")
	assert.Equal(t, 250*time.Millisecond, cfg.BlockTime)
	assert.Equal(t, uint64(20), cfg.MaxPriceChange)
	require.Len(t, cfg.Assets, 2)
	assert.True(t, cfg.Assets[0].Collateral)
	require.Len(t, cfg.Markets, 1)
	assert.Equal(t, time.Minute, cfg.Markets[0].MaxPriceAge)

	mc := cfg.Markets[0].MarketConfig()
	assert.Equal(t, int8(-80), mc.LiquidationThreshold)
	assert.Equal(t, uint8(50), mc.MaxLeverage)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"EmptyDataDir", func(c *Config) { c.DataDir = "" }, "data_dir"},
		{"BadEngine", func(c *Config) { c.DBEngine = "sqlite" }, "db_engine"},
		{"BadPort", func(c *Config) { c.RPCPort = 70000 }, "rpc_port"},
		{"NoBlockTime", func(c *Config) { c.BlockTime = 0 }, "block_time"},
		{"BadOwner", func(c *Config) { c.Owner = "bob" }, "owner"},
		{"BadTreasury", func(c *Config) { c.Treasury = "0x12" }, "treasury"},
		{"DuplicateSymbol", func(c *Config) { c.Assets[1].Symbol = "usdc" }, "duplicate"},
		{"BadPrice", func(c *Config) { c.Assets[0].Price = "abc" }, "price"},
		{"TooPrecise", func(c *Config) { c.Assets[0].Balances[ownerHex] = "1.0000001" }, "balance"},
		{"UnknownUnderlying", func(c *Config) { c.Markets[0].Underlying = "BTC" }, "unknown underlying"},
		{"PositiveThreshold", func(c *Config) { c.Markets[0].LiquidationThreshold = 5 }, "threshold"},
		{"PenaltyTooLarge", func(c *Config) { c.Markets[0].LiquidationPenalty = 101 }, "penalty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadFromReader(strings.NewReader(sampleYAML()))
			require.NoError(t, err)
			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	t.Run("NativeIsAValidUnderlying", func(t *testing.T) {
		cfg, err := LoadFromReader(strings.NewReader(sampleYAML()))
		require.NoError(t, err)
		cfg.Markets[0].Underlying = "lux"
		assert.NoError(t, cfg.Validate())
	})
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"PERPD_RPC_PORT":  "9999",
		"PERPD_DEV_MODE":  "false",
		"PERPD_NATS_URL":  "nats://nats:4222",
		"PERPD_LOG_LEVEL": " warn ",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg, err := LoadFromReader(strings.NewReader(sampleYAML()))
	require.NoError(t, err)
	require.NoError(t, cfg.applyEnv(lookup))
	assert.Equal(t, 9999, cfg.RPCPort)
	assert.False(t, cfg.DevMode)
	assert.Equal(t, "nats://nats:4222", cfg.NATSURL)
	assert.Equal(t, "warn", cfg.LogLevel)

	env["PERPD_WS_PORT"] = "many"
	assert.Error(t, cfg.applyEnv(lookup))
	delete(env, "PERPD_WS_PORT")
	env["PERPD_DEV_MODE"] = "perhaps"
	assert.Error(t, cfg.applyEnv(lookup))
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "perpd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML()), 0o600))

	envFile := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(envFile, []byte("PERPD_METRICS_PORT=9191\n"), 0o600))
	t.Setenv("ENV_FILE", envFile)
	t.Setenv("PERPD_WS_PORT", "18081")
	t.Cleanup(func() { os.Unsetenv("PERPD_METRICS_PORT") })

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 18080, cfg.RPCPort)
	assert.Equal(t, 18081, cfg.WSPort)
	assert.Equal(t, 9191, cfg.MetricsPort)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
