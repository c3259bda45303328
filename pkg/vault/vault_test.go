package vault

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/leverage/pkg/asset"
	"github.com/luxfi/leverage/pkg/chain"
)

var (
	admin  = chain.LabelAddress("admin")
	market = chain.LabelAddress("market")
	user   = chain.LabelAddress("user")
	other  = chain.LabelAddress("other")
)

type fixture struct {
	env   *chain.Env
	dir   *asset.Directory
	vault *Vault
	usdc  *asset.Ledger
	dai   *asset.Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	env := chain.NewEnv()
	dir := asset.NewDirectory(env)
	f := &fixture{
		env:   env,
		dir:   dir,
		vault: New(env, chain.LabelAddress("vault"), admin, dir),
		usdc:  asset.NewLedger(env, chain.LabelAddress("usdc"), asset.Metadata{Name: "USD Coin", Symbol: "USDC", Decimals: 6}),
		dai:   asset.NewLedger(env, chain.LabelAddress("dai"), asset.Metadata{Name: "Dai", Symbol: "DAI", Decimals: 18}),
	}
	level, _ := log.ToLevel("error")
	f.vault.SetLogger(log.NewTestLogger(level))
	require.NoError(t, dir.Register(f.usdc))
	require.NoError(t, dir.Register(f.dai))
	require.NoError(t, f.vault.AddAsset(admin, f.usdc.Address()))
	require.NoError(t, f.vault.AddAsset(admin, f.dai.Address()))
	require.NoError(t, f.vault.AddMarket(admin, market))

	for _, tok := range []*asset.Ledger{f.usdc, f.dai} {
		require.NoError(t, tok.Mint(market, big.NewInt(1_000_000)))
		require.NoError(t, tok.Approve(market, f.vault.Address(), big.NewInt(1_000_000)))
	}
	return f
}

func TestDepositWithdraw(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.vault.Deposit(market, user, 1, f.usdc.Address(), big.NewInt(500)))
	entry, ok := f.vault.UserCollateral(market, user, 1)
	require.True(t, ok)
	assert.Equal(t, big.NewInt(500), entry.Balance)
	assert.Equal(t, f.usdc.Address(), entry.Asset)
	assert.Equal(t, big.NewInt(500), f.usdc.BalanceOf(f.vault.Address()))

	t.Run("TopUpSameAsset", func(t *testing.T) {
		require.NoError(t, f.vault.Deposit(market, user, 1, f.usdc.Address(), big.NewInt(100)))
		entry, _ := f.vault.UserCollateral(market, user, 1)
		assert.Equal(t, big.NewInt(600), entry.Balance)
	})

	t.Run("PartialWithdraw", func(t *testing.T) {
		require.NoError(t, f.vault.Withdraw(market, user, 1, big.NewInt(200), other))
		entry, ok := f.vault.UserCollateral(market, user, 1)
		require.True(t, ok)
		assert.Equal(t, big.NewInt(400), entry.Balance)
		assert.Equal(t, big.NewInt(200), f.usdc.BalanceOf(other))
	})

	t.Run("FullWithdrawDeletesEntry", func(t *testing.T) {
		require.NoError(t, f.vault.Withdraw(market, user, 1, big.NewInt(400), user))
		_, ok := f.vault.UserCollateral(market, user, 1)
		assert.False(t, ok)
		assert.Equal(t, 0, f.usdc.BalanceOf(f.vault.Address()).Sign())
	})

	t.Run("WithdrawAfterDelete", func(t *testing.T) {
		err := f.vault.Withdraw(market, user, 1, big.NewInt(1), user)
		assert.ErrorIs(t, err, ErrCollateralNotFound)
	})
}

func TestWithdrawInsufficientBalance(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.vault.Deposit(market, user, 7, f.usdc.Address(), big.NewInt(300)))

	err := f.vault.Withdraw(market, user, 7, big.NewInt(301), user)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	entry, ok := f.vault.UserCollateral(market, user, 7)
	require.True(t, ok)
	assert.Equal(t, big.NewInt(300), entry.Balance)
	assert.Equal(t, big.NewInt(300), f.usdc.BalanceOf(f.vault.Address()))
}

func TestDifferentCollateralAsset(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.vault.Deposit(market, user, 1, f.usdc.Address(), big.NewInt(300)))

	err := f.vault.Deposit(market, user, 1, f.dai.Address(), big.NewInt(10))
	assert.ErrorIs(t, err, ErrDifferentCollateralAsset)

	entry, _ := f.vault.UserCollateral(market, user, 1)
	assert.Equal(t, big.NewInt(300), entry.Balance)
	assert.Equal(t, f.usdc.Address(), entry.Asset)
	assert.Equal(t, 0, f.dai.BalanceOf(f.vault.Address()).Sign())
}

func TestDepositValidation(t *testing.T) {
	f := newFixture(t)
	unknown := asset.NewLedger(f.env, chain.LabelAddress("unknown"), asset.Metadata{Symbol: "UNK", Decimals: 6})
	require.NoError(t, f.dir.Register(unknown))

	tests := []struct {
		name   string
		caller common.Address
		asset  common.Address
		amount int64
		want   error
	}{
		{"UnregisteredMarket", other, f.usdc.Address(), 1, ErrMarketNotFound},
		{"UnregisteredAsset", market, unknown.Address(), 1, ErrAssetNotFound},
		{"ZeroAmount", market, f.usdc.Address(), 0, ErrAmountIsZero},
		{"TransferRejected", market, f.usdc.Address(), 2_000_000, ErrTransferFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.vault.Deposit(tt.caller, user, 1, tt.asset, big.NewInt(tt.amount))
			assert.ErrorIs(t, err, tt.want)
			_, ok := f.vault.UserCollateral(tt.caller, user, 1)
			assert.False(t, ok)
		})
	}

	t.Run("TransferRejectedKeepsCause", func(t *testing.T) {
		err := f.vault.Deposit(market, user, 1, f.usdc.Address(), big.NewInt(2_000_000))
		assert.ErrorIs(t, err, asset.ErrInsufficientAllowance)
	})
}

func TestWithdrawValidation(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.vault.Deposit(market, user, 1, f.usdc.Address(), big.NewInt(10)))

	assert.ErrorIs(t, f.vault.Withdraw(other, user, 1, big.NewInt(1), user), ErrMarketNotFound)
	assert.ErrorIs(t, f.vault.Withdraw(market, other, 1, big.NewInt(1), user), ErrCollateralNotFound)
	assert.ErrorIs(t, f.vault.Withdraw(market, user, 1, big.NewInt(0), user), ErrAmountIsZero)
}

func TestRegistries(t *testing.T) {
	f := newFixture(t)

	assert.ErrorIs(t, f.vault.AddAsset(user, chain.LabelAddress("x")), ErrNotAdmin)
	assert.ErrorIs(t, f.vault.AddMarket(user, chain.LabelAddress("x")), ErrNotAdmin)
	assert.ErrorIs(t, f.vault.AddAsset(admin, f.usdc.Address()), ErrAssetAlreadyExist)
	assert.ErrorIs(t, f.vault.AddMarket(admin, market), ErrMarketAlreadyExist)

	assert.Equal(t, []common.Address{f.usdc.Address(), f.dai.Address()}, f.vault.SupportedCollateralAssets())
	assert.Equal(t, []common.Address{market}, f.vault.MarketsWithAccess())
	assert.True(t, f.vault.IsMarket(market))
	assert.False(t, f.vault.IsAsset(chain.LabelAddress("x")))
	assert.Equal(t, admin, f.vault.Admin())
}

func TestEvents(t *testing.T) {
	f := newFixture(t)
	var topics []string
	f.env.Subscribe(chain.SinkFunc(func(ev chain.Event) {
		if _, ok := ev.(asset.Transfer); ok {
			return
		}
		if _, ok := ev.(asset.Approval); ok {
			return
		}
		topics = append(topics, ev.Topic())
	}))

	require.NoError(t, f.vault.Deposit(market, user, 1, f.usdc.Address(), big.NewInt(10)))
	require.NoError(t, f.vault.Withdraw(market, user, 1, big.NewInt(10), user))
	assert.Error(t, f.vault.Withdraw(market, user, 1, big.NewInt(10), user))
	assert.Equal(t, []string{"vault.Deposited", "vault.Withdrawn"}, topics)
}

// reentrantToken calls back into the vault from inside Transfer
type reentrantToken struct {
	*asset.Ledger
	callback func() error
	err      error
}

func (r *reentrantToken) Transfer(caller, to common.Address, value *big.Int) error {
	if r.callback != nil {
		r.err = r.callback()
	}
	return r.Ledger.Transfer(caller, to, value)
}

func TestReentrancyRejected(t *testing.T) {
	f := newFixture(t)
	evil := &reentrantToken{
		Ledger: asset.NewLedger(f.env, chain.LabelAddress("evil"), asset.Metadata{Symbol: "EVIL", Decimals: 6}),
	}
	require.NoError(t, f.dir.Register(evil))
	require.NoError(t, f.vault.AddAsset(admin, evil.Address()))
	require.NoError(t, evil.Mint(market, big.NewInt(100)))
	require.NoError(t, evil.Approve(market, f.vault.Address(), big.NewInt(100)))
	require.NoError(t, f.vault.Deposit(market, user, 1, evil.Address(), big.NewInt(100)))

	evil.callback = func() error {
		return f.vault.Withdraw(market, user, 1, big.NewInt(50), other)
	}
	require.NoError(t, f.vault.Withdraw(market, user, 1, big.NewInt(50), user))
	assert.ErrorIs(t, evil.err, ErrReentrantCall)
	assert.Equal(t, big.NewInt(50), evil.BalanceOf(user))
	assert.Equal(t, 0, evil.BalanceOf(other).Sign())
}

func TestExportImport(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.vault.Deposit(market, user, 3, f.dai.Address(), big.NewInt(42)))

	restored := New(chain.NewEnv(), f.vault.Address(), common.Address{}, f.dir)
	require.NoError(t, restored.Import(f.vault.Export()))

	assert.Equal(t, admin, restored.Admin())
	assert.Equal(t, f.vault.SupportedCollateralAssets(), restored.SupportedCollateralAssets())
	assert.Equal(t, f.vault.MarketsWithAccess(), restored.MarketsWithAccess())
	entry, ok := restored.UserCollateral(market, user, 3)
	require.True(t, ok)
	assert.Equal(t, big.NewInt(42), entry.Balance)
	assert.Equal(t, big.NewInt(42), restored.TotalHeld(f.dai.Address()))
}
