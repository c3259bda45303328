// Package market implements the position engine: a liquidity pool whose
// shares are a token, and leveraged long/short positions settled against
// oracle prices with collateral held in the vault.
package market

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/log"

	"github.com/luxfi/leverage/pkg/asset"
	"github.com/luxfi/leverage/pkg/chain"
	"github.com/luxfi/leverage/pkg/fixedpoint"
	"github.com/luxfi/leverage/pkg/oracle"
	"github.com/luxfi/leverage/pkg/vault"
)

// Custody is the part of the vault a market calls into
type Custody interface {
	Address() common.Address
	Deposit(caller, user common.Address, id uint64, asset common.Address, amount *big.Int) error
	Withdraw(caller, user common.Address, id uint64, amount *big.Int, receiver common.Address) error
	UserCollateral(market, user common.Address, id uint64) (vault.Entry, bool)
}

// Resolver looks up tokens by address
type Resolver interface {
	Resolve(addr common.Address) (asset.Token, bool)
}

// Deps are the collaborators a market is wired to
type Deps struct {
	Env    *chain.Env
	Vault  Custody
	Oracle oracle.Getter
	Tokens Resolver

	// Bank and Wrapper enable the native deposit path. Either may be nil.
	Bank    *chain.NativeBank
	Wrapper *asset.Wrapper

	Logger log.Logger
}

// Position is an open leveraged position. Stored positions are never
// mutated; they are replaced or deleted.
type Position struct {
	Owner            common.Address `json:"owner"`
	ID               uint64         `json:"id"`
	CollateralAmount *big.Int       `json:"collateralAmount"`
	CollateralAsset  common.Address `json:"collateralAsset"`
	CollateralUSD    *big.Int       `json:"collateralUsd"`
	EntryPrice       *big.Int       `json:"entryPrice"`
	Leverage         uint8          `json:"leverage"`
	IsLong           bool           `json:"isLong"`
	BlockOpen        uint64         `json:"blockOpen"`
	LiquidationPrice *big.Int       `json:"liquidationPrice"`
}

func (p Position) clone() Position {
	p.CollateralAmount = new(big.Int).Set(p.CollateralAmount)
	p.CollateralUSD = new(big.Int).Set(p.CollateralUSD)
	p.EntryPrice = new(big.Int).Set(p.EntryPrice)
	p.LiquidationPrice = new(big.Int).Set(p.LiquidationPrice)
	return p
}

type positionKey struct {
	Owner common.Address
	ID    uint64
}

type slotKey struct {
	Owner common.Address
	Slot  uint64
}

// Market is a leveraged trading market over one underlying asset. The
// market is also the pool share token.
type Market struct {
	address common.Address
	shares  *asset.Ledger

	cfg        Config
	env        *chain.Env
	vault      Custody
	oracle     oracle.Getter
	tokens     Resolver
	bank       *chain.NativeBank
	wrapper    *asset.Wrapper
	underlying asset.Token
	logger     log.Logger

	positions *chain.Map[positionKey, Position]
	nextID    *chain.Map[common.Address, uint64]

	// per-owner id list: slots[owner, i] = id, slotOf[owner, id] = i
	slots  *chain.Map[slotKey, uint64]
	slotOf *chain.Map[positionKey, uint64]
	counts *chain.Map[common.Address, uint64]

	entered bool
}

// New creates a market at address
func New(address common.Address, cfg Config, deps Deps) (*Market, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Env == nil || deps.Vault == nil || deps.Oracle == nil || deps.Tokens == nil {
		return nil, fmt.Errorf("market %s: env, vault, oracle and tokens are required", cfg.Name)
	}
	underlying, ok := deps.Tokens.Resolve(cfg.Underlying)
	if !ok {
		return nil, fmt.Errorf("%w: underlying %s is not a known token", ErrNotSupported, cfg.Underlying.Hex())
	}

	logger := deps.Logger
	if logger == nil {
		logger = log.Root().New("module", "market", "market", cfg.Symbol)
	}

	env := deps.Env
	return &Market{
		address: address,
		shares: asset.NewLedger(env, address, asset.Metadata{
			Name:     cfg.Name,
			Symbol:   cfg.Symbol,
			Decimals: underlying.Decimals(),
		}),
		cfg:        cfg,
		env:        env,
		vault:      deps.Vault,
		oracle:     deps.Oracle,
		tokens:     deps.Tokens,
		bank:       deps.Bank,
		wrapper:    deps.Wrapper,
		underlying: underlying,
		logger:     logger,
		positions:  chain.NewMap[positionKey, Position](env),
		nextID:     chain.NewMap[common.Address, uint64](env),
		slots:      chain.NewMap[slotKey, uint64](env),
		slotOf:     chain.NewMap[positionKey, uint64](env),
		counts:     chain.NewMap[common.Address, uint64](env),
	}, nil
}

// Config returns the market parameters
func (m *Market) Config() Config { return m.cfg }

// Underlying returns the underlying token
func (m *Market) Underlying() asset.Token { return m.underlying }

// guard runs fn atomically and rejects reentry from a token callback
func (m *Market) guard(fn func() error) error {
	if m.entered {
		return ErrReentrantCall
	}
	m.entered = true
	defer func() { m.entered = false }()
	return m.env.Atomic(fn)
}

// PoolBalance returns the underlying held by the market
func (m *Market) PoolBalance() *big.Int {
	return m.underlying.BalanceOf(m.Address())
}

// price returns the 6-decimal USD price of token
func (m *Market) price(token asset.Token) (*big.Int, error) {
	symbol, ok := token.Symbol()
	if !ok {
		return nil, fmt.Errorf("%w: %s has no symbol", ErrOracleFailed, token.Address().Hex())
	}
	pair := oracle.PairSymbol(symbol)
	quote, ok := m.oracle.LatestPrice(pair)
	if !ok {
		return nil, fmt.Errorf("%w: no price for %s", ErrOracleFailed, pair)
	}
	if m.cfg.MaxPriceAge > 0 {
		age := m.env.Now().Unix() - int64(quote.Timestamp)
		if age > int64(m.cfg.MaxPriceAge.Seconds()) {
			return nil, fmt.Errorf("%w: %s price is %ds old", ErrOracleFailed, pair, age)
		}
	}
	price, err := fixedpoint.ScaleOraclePrice(quote.Price, oracle.Decimals, fixedpoint.USDDecimals)
	if err != nil {
		return nil, err
	}
	if price.Sign() == 0 {
		return nil, fmt.Errorf("%w: %s price rounds to zero", ErrOracleFailed, pair)
	}
	return price, nil
}

func (m *Market) resolve(addr common.Address) (asset.Token, error) {
	token, ok := m.tokens.Resolve(addr)
	if !ok {
		return nil, fmt.Errorf("%w: unknown token %s", ErrNotSupported, addr.Hex())
	}
	return token, nil
}

func (m *Market) withdrawCollateral(user common.Address, id uint64, amount *big.Int, receiver common.Address) error {
	if amount.Sign() == 0 {
		return nil
	}
	if err := m.vault.Withdraw(m.Address(), user, id, amount, receiver); err != nil {
		return fmt.Errorf("%w: %w", ErrVault, err)
	}
	return nil
}
