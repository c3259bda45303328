package market

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/leverage/pkg/asset"
	"github.com/luxfi/leverage/pkg/chain"
	"github.com/luxfi/leverage/pkg/vault"
)

func TestOpenPosition(t *testing.T) {
	h := newHarness(t)
	h.seedPool(t, 500_000_000)
	h.fund(t, h.usdc, trader, 100_000_000)

	pos, err := h.market.Open(trader, h.usdc.Address(), big.NewInt(100_000_000), true, 5)
	require.NoError(t, err)

	assert.Equal(t, trader, pos.Owner)
	assert.Equal(t, uint64(0), pos.ID)
	assert.Equal(t, big.NewInt(100_000_000), pos.CollateralAmount)
	assert.Equal(t, big.NewInt(100_000_000), pos.CollateralUSD)
	assert.Equal(t, big.NewInt(1_000_000), pos.EntryPrice)
	assert.Equal(t, big.NewInt(840_000), pos.LiquidationPrice)
	assert.Equal(t, uint64(100), pos.BlockOpen)
	assert.True(t, pos.IsLong)

	entry, ok := h.vault.UserCollateral(marketAddr, trader, 0)
	require.True(t, ok)
	assert.Equal(t, big.NewInt(100_000_000), entry.Balance)
	assert.Equal(t, h.usdc.Address(), entry.Asset)
	assert.Equal(t, big.NewInt(100_000_000), h.usdc.BalanceOf(h.vault.Address()))
	assert.Equal(t, 0, h.usdc.BalanceOf(marketAddr).Sign())
	assert.Equal(t, 0, h.usdc.Allowance(marketAddr, h.vault.Address()).Sign())

	stored, err := h.market.ViewPosition(trader, 0)
	require.NoError(t, err)
	assert.Equal(t, pos, stored)
}

func TestOpenValidation(t *testing.T) {
	t.Run("MissingDeposits", func(t *testing.T) {
		h := newHarness(t)
		h.fund(t, h.usdc, trader, 10)
		_, err := h.market.Open(trader, h.usdc.Address(), big.NewInt(10), true, 2)
		assert.ErrorIs(t, err, ErrMissingDeposits)
	})

	h := newHarness(t, func(c *Config) { c.MaxLeverage = 50 })
	h.seedPool(t, 1_000_000)
	h.fund(t, h.usdc, trader, 1_000_000)
	unpriced := asset.NewLedger(h.env, chain.LabelAddress("dai"), asset.Metadata{Symbol: "DAI", Decimals: 18})
	require.NoError(t, h.dir.Register(unpriced))
	anonymous := asset.NewLedger(h.env, chain.LabelAddress("anon"), asset.Metadata{Decimals: 18})
	require.NoError(t, h.dir.Register(anonymous))

	tests := []struct {
		name     string
		asset    common.Address
		amount   int64
		leverage uint8
		want     error
	}{
		{"ZeroLeverage", h.usdc.Address(), 10, 0, ErrInvalidLeverage},
		{"LeverageAboveMax", h.usdc.Address(), 10, 51, ErrInvalidLeverage},
		{"ZeroAmount", h.usdc.Address(), 0, 2, ErrAmountIsZero},
		{"UnknownCollateral", chain.LabelAddress("ghost"), 10, 2, ErrNotSupported},
		{"NoOraclePair", unpriced.Address(), 10, 2, ErrOracleFailed},
		{"NoSymbol", anonymous.Address(), 10, 2, ErrOracleFailed},
		{"NotApproved", h.tkn.Address(), 10, 2, ErrTransferFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.market.Open(trader, tt.asset, big.NewInt(tt.amount), true, tt.leverage)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, 0, h.market.PositionCount(trader))
			assert.Equal(t, uint64(0), h.market.NextID(trader))
		})
	}

	t.Run("OracleFailureIsRetryable", func(t *testing.T) {
		_, err := h.market.Open(trader, unpriced.Address(), big.NewInt(10), true, 2)
		assert.True(t, Retryable(err))
		assert.Equal(t, KindExternal, KindOf(err))
	})
}

func TestOpenAtomicOnVaultFailure(t *testing.T) {
	h := newHarness(t)
	h.seedPool(t, 1_000_000)
	h.fund(t, h.usdc, trader, 500)

	var events []chain.Event
	h.env.Subscribe(chain.SinkFunc(func(ev chain.Event) { events = append(events, ev) }))

	h.custody.failDeposit = vault.ErrAssetNotFound
	_, err := h.market.Open(trader, h.usdc.Address(), big.NewInt(500), false, 3)
	require.ErrorIs(t, err, ErrVault)
	assert.ErrorIs(t, err, vault.ErrAssetNotFound)
	assert.Equal(t, KindExternal, KindOf(err))

	assert.Equal(t, 0, h.market.PositionCount(trader))
	assert.Equal(t, uint64(0), h.market.NextID(trader))
	assert.Equal(t, big.NewInt(500), h.usdc.BalanceOf(trader))
	assert.Equal(t, big.NewInt(500), h.usdc.Allowance(trader, marketAddr))
	assert.Equal(t, 0, h.usdc.BalanceOf(marketAddr).Sign())
	assert.Empty(t, events)

	t.Run("UnregisteredMarket", func(t *testing.T) {
		h.custody.failDeposit = nil
		other, err := New(chain.LabelAddress("rogue"), h.market.Config(), Deps{Env: h.env, Vault: h.vault, Oracle: h.feed, Tokens: h.dir})
		require.NoError(t, err)
		h.fund(t, h.tkn, lp2, 100)
		require.NoError(t, h.tkn.Approve(lp2, other.Address(), big.NewInt(100)))
		_, err = other.DepositLiquidity(lp2, big.NewInt(100))
		require.NoError(t, err)
		require.NoError(t, h.usdc.Approve(trader, other.Address(), big.NewInt(500)))

		_, err = other.Open(trader, h.usdc.Address(), big.NewInt(500), true, 2)
		assert.ErrorIs(t, err, ErrVault)
		assert.ErrorIs(t, err, vault.ErrMarketNotFound)
		assert.Equal(t, big.NewInt(500), h.usdc.BalanceOf(trader))
	})
}

// A 10% move at 5x leverage pays 50% of the collateral value
func TestCloseWithProfit(t *testing.T) {
	h := newHarness(t)
	h.seedPool(t, 500_000_000)
	h.fund(t, h.tkn, trader, 100_000_000)

	pos, err := h.market.Open(trader, h.tkn.Address(), big.NewInt(100_000_000), true, 5)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(500_000_000), h.market.PoolBalance())

	h.setPrice(t, "TKN", 1_100_000)
	pnl, err := h.market.ViewPositionPnl(trader, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(50), pnl)

	s, err := h.market.Close(trader, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(50), s.PnL)
	assert.Equal(t, big.NewInt(100_000_000), s.Returned)
	// 50 USD at 1.10 USD per TKN
	assert.Equal(t, big.NewInt(45_454_545), s.Profit)
	assert.Equal(t, 0, s.Swept.Sign())

	assert.Equal(t, big.NewInt(145_454_545), h.tkn.BalanceOf(trader))
	assert.Equal(t, big.NewInt(454_545_455), h.market.PoolBalance())
	_, ok := h.vault.UserCollateral(marketAddr, trader, pos.ID)
	assert.False(t, ok)
	_, err = h.market.ViewPosition(trader, pos.ID)
	assert.ErrorIs(t, err, ErrPositionNotFound)
}

func TestCloseAtUnchangedPrice(t *testing.T) {
	for _, isLong := range []bool{true, false} {
		for _, leverage := range []uint8{1, 2, 10, 125} {
			for _, amount := range []int64{1, 123_456_789, 100_000_000} {
				h := newHarness(t)
				h.seedPool(t, 1_000_000_000)
				h.fund(t, h.usdc, trader, amount)

				pos, err := h.market.Open(trader, h.usdc.Address(), big.NewInt(amount), isLong, leverage)
				require.NoError(t, err)
				s, err := h.market.Close(trader, pos.ID)
				require.NoError(t, err)

				assert.Equal(t, int64(0), s.PnL)
				assert.Equal(t, big.NewInt(amount), s.Returned)
				assert.Equal(t, big.NewInt(amount), h.usdc.BalanceOf(trader))
				assert.Equal(t, big.NewInt(1_000_000_000), h.market.PoolBalance())
				assert.Equal(t, 0, h.market.PositionCount(trader))
				_, ok := h.vault.UserCollateral(marketAddr, trader, pos.ID)
				assert.False(t, ok)
			}
		}
	}
}

func TestCloseWithLoss(t *testing.T) {
	h := newHarness(t)
	h.seedPool(t, 500_000_000)
	h.fund(t, h.usdc, trader, 100_000_000)

	pos, err := h.market.Open(trader, h.usdc.Address(), big.NewInt(100_000_000), false, 2)
	require.NoError(t, err)

	h.setPrice(t, "TKN", 1_250_000)
	s, err := h.market.Close(trader, pos.ID)
	require.NoError(t, err)

	assert.Equal(t, int64(-50), s.PnL)
	assert.Equal(t, big.NewInt(50_000_000), s.Returned)
	assert.Equal(t, big.NewInt(50_000_000), s.Swept)
	assert.Equal(t, 0, s.Profit.Sign())

	assert.Equal(t, big.NewInt(50_000_000), h.usdc.BalanceOf(trader))
	// swept collateral lands in the market's own custody
	assert.Equal(t, big.NewInt(50_000_000), h.usdc.BalanceOf(marketAddr))
	assert.Equal(t, 0, h.usdc.BalanceOf(h.vault.Address()).Sign())
	assert.Equal(t, big.NewInt(500_000_000), h.market.PoolBalance())

	t.Run("UnderlyingCollateralGrowsPool", func(t *testing.T) {
		h := newHarness(t)
		h.seedPool(t, 500_000_000)
		h.fund(t, h.tkn, trader, 100_000_000)
		pos, err := h.market.Open(trader, h.tkn.Address(), big.NewInt(100_000_000), true, 5)
		require.NoError(t, err)

		h.setPrice(t, "TKN", 950_000)
		s, err := h.market.Close(trader, pos.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(-25), s.PnL)
		// 75 USD of value at 0.95 USD per TKN
		assert.Equal(t, big.NewInt(78_947_368), s.Returned)
		assert.Equal(t, big.NewInt(21_052_632), s.Swept)
		assert.Equal(t, big.NewInt(521_052_632), h.market.PoolBalance())
	})

	t.Run("TotalLoss", func(t *testing.T) {
		h := newHarness(t)
		h.seedPool(t, 500_000_000)
		h.fund(t, h.usdc, trader, 10_000)
		pos, err := h.market.Open(trader, h.usdc.Address(), big.NewInt(10_000), true, 10)
		require.NoError(t, err)

		h.setPrice(t, "TKN", 500_000)
		s, err := h.market.Close(trader, pos.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(-500), s.PnL)
		assert.Equal(t, 0, s.Returned.Sign())
		assert.Equal(t, big.NewInt(10_000), s.Swept)
		_, ok := h.vault.UserCollateral(marketAddr, trader, pos.ID)
		assert.False(t, ok)
	})

	t.Run("SurvivingCappedAtCollateral", func(t *testing.T) {
		h := newHarness(t)
		h.seedPool(t, 500_000_000)
		h.fund(t, h.usdc, trader, 1_000)
		pos, err := h.market.Open(trader, h.usdc.Address(), big.NewInt(1_000), true, 1)
		require.NoError(t, err)

		// collateral halves in price while the underlying dips 10%
		h.setPrice(t, "USDC", 500_000)
		h.setPrice(t, "TKN", 900_000)
		s, err := h.market.Close(trader, pos.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(-10), s.PnL)
		assert.Equal(t, big.NewInt(1_000), s.Returned)
		assert.Equal(t, 0, s.Swept.Sign())
	})
}

func TestCloseAtomicity(t *testing.T) {
	h := newHarness(t)
	h.seedPool(t, 500_000_000)
	h.fund(t, h.usdc, trader, 1_000)
	pos, err := h.market.Open(trader, h.usdc.Address(), big.NewInt(1_000), true, 2)
	require.NoError(t, err)

	t.Run("OracleDown", func(t *testing.T) {
		h.oracle.down = true
		defer func() { h.oracle.down = false }()
		_, err := h.market.Close(trader, pos.ID)
		assert.ErrorIs(t, err, ErrOracleFailed)
		assert.True(t, Retryable(err))
		assert.Equal(t, 1, h.market.PositionCount(trader))
	})

	t.Run("VaultFailure", func(t *testing.T) {
		h.custody.failWithdraw = errors.New("custody offline")
		defer func() { h.custody.failWithdraw = nil }()
		_, err := h.market.Close(trader, pos.ID)
		assert.ErrorIs(t, err, ErrVault)
		assert.Equal(t, []uint64{pos.ID}, h.market.PositionIDs(trader))
		_, err = h.market.ViewPosition(trader, pos.ID)
		assert.NoError(t, err)
	})

	t.Run("PoolCannotFundProfit", func(t *testing.T) {
		h := newHarness(t)
		h.seedPool(t, 10)
		h.fund(t, h.usdc, trader, 1_000_000)
		pos, err := h.market.Open(trader, h.usdc.Address(), big.NewInt(1_000_000), true, 10)
		require.NoError(t, err)

		h.setPrice(t, "TKN", 1_100_000)
		_, err = h.market.Close(trader, pos.ID)
		assert.ErrorIs(t, err, ErrTransferFailed)
		assert.Equal(t, 1, h.market.PositionCount(trader))
		entry, ok := h.vault.UserCollateral(marketAddr, trader, pos.ID)
		require.True(t, ok)
		assert.Equal(t, big.NewInt(1_000_000), entry.Balance)
		assert.Equal(t, 0, h.usdc.BalanceOf(trader).Sign())
	})

	t.Run("StalePrice", func(t *testing.T) {
		h := newHarness(t, func(c *Config) { c.MaxPriceAge = time.Minute })
		h.seedPool(t, 1_000)
		h.fund(t, h.usdc, trader, 100)
		pos, err := h.market.Open(trader, h.usdc.Address(), big.NewInt(100), true, 2)
		require.NoError(t, err)

		h.now = h.now.Add(2 * time.Minute)
		_, err = h.market.Close(trader, pos.ID)
		assert.ErrorIs(t, err, ErrOracleFailed)

		h.setPrice(t, "TKN", 1_000_000)
		h.setPrice(t, "USDC", 1_000_000)
		_, err = h.market.Close(trader, pos.ID)
		assert.NoError(t, err)
	})

	t.Run("UnknownPosition", func(t *testing.T) {
		_, err := h.market.Close(trader, 99)
		assert.ErrorIs(t, err, ErrPositionNotFound)
		_, err = h.market.Close(keeper, pos.ID)
		assert.ErrorIs(t, err, ErrPositionNotFound)
	})
}

func TestPositionIDs(t *testing.T) {
	h := newHarness(t)
	h.seedPool(t, 1_000_000)
	h.fund(t, h.usdc, trader, 400)

	for i := 0; i < 3; i++ {
		pos, err := h.market.Open(trader, h.usdc.Address(), big.NewInt(100), i%2 == 0, 2)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), pos.ID)
	}
	assert.Equal(t, []uint64{0, 1, 2}, h.market.PositionIDs(trader))

	_, err := h.market.Close(trader, 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{1, 2}, h.market.PositionIDs(trader))

	pos, err := h.market.Open(trader, h.usdc.Address(), big.NewInt(100), true, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), pos.ID, "ids are never reused")
	assert.ElementsMatch(t, []uint64{1, 2, 3}, h.market.PositionIDs(trader))

	for _, id := range []uint64{2, 3, 1} {
		_, err := h.market.Close(trader, id)
		require.NoError(t, err)
	}
	assert.Empty(t, h.market.PositionIDs(trader))
	assert.Equal(t, 0, h.market.OpenPositions())
	assert.Equal(t, uint64(4), h.market.NextID(trader))

	views, err := h.market.ViewAll(trader)
	require.NoError(t, err)
	assert.Empty(t, views)
}

func TestViewAll(t *testing.T) {
	h := newHarness(t)
	h.seedPool(t, 1_000_000)
	h.fund(t, h.usdc, trader, 200)

	_, err := h.market.Open(trader, h.usdc.Address(), big.NewInt(100), true, 4)
	require.NoError(t, err)
	_, err = h.market.Open(trader, h.usdc.Address(), big.NewInt(100), false, 4)
	require.NoError(t, err)

	h.setPrice(t, "TKN", 1_050_000)
	views, err := h.market.ViewAll(trader)
	require.NoError(t, err)
	require.Len(t, views, 2)
	for _, v := range views {
		assert.Equal(t, big.NewInt(1_050_000), v.Price)
		if v.Position.IsLong {
			assert.Equal(t, int64(20), v.PnL)
		} else {
			assert.Equal(t, int64(-20), v.PnL)
		}
	}

	price, err := h.market.ViewMarketPrice()
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1_050_000), price)
}

// hookToken calls back into the market from inside TransferFrom
type hookToken struct {
	*asset.Ledger
	hook func() error
	errs []error
}

func (h *hookToken) TransferFrom(caller, from, to common.Address, value *big.Int) error {
	if h.hook != nil {
		h.errs = append(h.errs, h.hook())
	}
	return h.Ledger.TransferFrom(caller, from, to, value)
}

func TestReentrancyRejected(t *testing.T) {
	h := newHarness(t)
	h.seedPool(t, 1_000_000)
	evil := &hookToken{Ledger: asset.NewLedger(h.env, chain.LabelAddress("evil"), asset.Metadata{Symbol: "USDC", Decimals: 6})}
	require.NoError(t, h.dir.Register(evil))
	require.NoError(t, h.vault.AddAsset(admin, evil.Address()))
	require.NoError(t, evil.Mint(trader, big.NewInt(1_000)))
	require.NoError(t, evil.Approve(trader, marketAddr, big.NewInt(1_000)))

	h.fund(t, h.tkn, lp2, 10)
	evil.hook = func() error {
		_, err := h.market.DepositLiquidity(lp2, big.NewInt(10))
		return err
	}

	pos, err := h.market.Open(trader, evil.Address(), big.NewInt(500), true, 2)
	require.NoError(t, err)
	require.NotEmpty(t, evil.errs)
	for _, e := range evil.errs {
		assert.ErrorIs(t, e, ErrReentrantCall)
	}
	assert.Equal(t, 0, h.market.BalanceOf(lp2).Sign())

	evil.hook = nil
	_, err = h.market.Close(trader, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1_000), evil.BalanceOf(trader))
}

func TestMarketEvents(t *testing.T) {
	h := newHarness(t)
	var topics []string
	h.env.Subscribe(chain.SinkFunc(func(ev chain.Event) {
		switch ev.(type) {
		case LiquidityDeposited, LiquidityWithdrawn, PositionOpened, PositionClosed, PositionLiquidated:
			topics = append(topics, ev.Topic())
		}
	}))

	h.seedPool(t, 1_000_000)
	h.fund(t, h.usdc, trader, 100)
	pos, err := h.market.Open(trader, h.usdc.Address(), big.NewInt(100), true, 2)
	require.NoError(t, err)
	_, err = h.market.Close(trader, pos.ID)
	require.NoError(t, err)
	_, err = h.market.WithdrawLiquidity(lp, big.NewInt(1))
	require.NoError(t, err)

	assert.Equal(t, []string{
		"market.LiquidityDeposited",
		"market.PositionOpened",
		"market.PositionClosed",
		"market.LiquidityWithdrawn",
	}, topics)
}

func TestExportImport(t *testing.T) {
	h := newHarness(t)
	h.seedPool(t, 1_000_000)
	h.fund(t, h.usdc, trader, 300)
	for i := 0; i < 3; i++ {
		_, err := h.market.Open(trader, h.usdc.Address(), big.NewInt(100), true, 3)
		require.NoError(t, err)
	}
	_, err := h.market.Close(trader, 1)
	require.NoError(t, err)

	st := h.market.Export()
	restored, err := New(marketAddr, h.market.Config(), Deps{Env: chain.NewEnv(), Vault: h.vault, Oracle: h.feed, Tokens: h.dir})
	require.NoError(t, err)
	require.NoError(t, restored.Import(st))

	assertAmount(t, h.market.TotalSupply(), restored.TotalSupply())
	assertAmount(t, h.market.BalanceOf(lp), restored.BalanceOf(lp))
	assert.ElementsMatch(t, []uint64{0, 2}, restored.PositionIDs(trader))
	assert.Equal(t, uint64(3), restored.NextID(trader))
	for _, id := range []uint64{0, 2} {
		want, _ := h.market.ViewPosition(trader, id)
		got, err := restored.ViewPosition(trader, id)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	t.Run("RejectsIDAboveCounter", func(t *testing.T) {
		bad := h.market.Export()
		bad.NextIDs[trader.Hex()] = 1
		other, err := New(marketAddr, h.market.Config(), Deps{Env: chain.NewEnv(), Vault: h.vault, Oracle: h.feed, Tokens: h.dir})
		require.NoError(t, err)
		assert.Error(t, other.Import(bad))
	})
}
