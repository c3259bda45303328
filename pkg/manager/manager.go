// Package manager deploys markets and wires them into the vault and the
// token directory. It is the vault's admin.
package manager

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/log"

	"github.com/luxfi/leverage/pkg/asset"
	"github.com/luxfi/leverage/pkg/chain"
	"github.com/luxfi/leverage/pkg/market"
	"github.com/luxfi/leverage/pkg/oracle"
	"github.com/luxfi/leverage/pkg/vault"
)

var (
	ErrNotOwner      = errors.New("caller is not owner")
	ErrMarketExists  = errors.New("market already registered")
	ErrUnknownToken  = errors.New("unknown token")
	ErrUnknownMarket = errors.New("unknown market")
)

// Deps are the shared components markets are deployed against
type Deps struct {
	Env     *chain.Env
	Vault   *vault.Vault
	Tokens  *asset.Directory
	Oracle  oracle.Getter
	Bank    *chain.NativeBank
	Wrapper *asset.Wrapper
}

// Manager is the owner-gated market registry
type Manager struct {
	env      *chain.Env
	address  common.Address
	owner    common.Address
	treasury common.Address
	deps     Deps
	logger   log.Logger

	nonce   *chain.Value[uint64]
	order   *chain.OrderedSet[common.Address]
	markets *chain.Map[common.Address, *market.Market]
}

// New creates a manager at address. The vault must be administered by
// address for deployments to succeed.
func New(address, owner, treasury common.Address, deps Deps) *Manager {
	return &Manager{
		env:      deps.Env,
		address:  address,
		owner:    owner,
		treasury: treasury,
		deps:     deps,
		logger:   log.Root().New("module", "manager"),
		nonce:    chain.NewValue(deps.Env, uint64(0)),
		order:    chain.NewOrderedSet[common.Address](deps.Env),
		markets:  chain.NewMap[common.Address, *market.Market](deps.Env),
	}
}

// SetLogger replaces the manager logger
func (m *Manager) SetLogger(logger log.Logger) {
	m.logger = logger
}

// Address returns the manager's account
func (m *Manager) Address() common.Address { return m.address }

// Owner returns the account allowed to deploy markets
func (m *Manager) Owner() common.Address { return m.owner }

// DeployMarket creates a market for cfg.Underlying and authorizes it in the
// vault. A zero treasury defaults to the manager's treasury.
func (m *Manager) DeployMarket(caller common.Address, cfg market.Config) (*market.Market, error) {
	var deployed *market.Market
	err := m.env.Atomic(func() error {
		if caller != m.owner {
			return ErrNotOwner
		}
		if _, ok := m.deps.Tokens.Resolve(cfg.Underlying); !ok {
			return fmt.Errorf("%w: underlying %s", ErrUnknownToken, cfg.Underlying.Hex())
		}
		if cfg.Treasury == (common.Address{}) {
			cfg.Treasury = m.treasury
		}

		nonce := m.nonce.Get()
		m.nonce.Set(nonce + 1)
		addr := chain.ContractAddress(m.address, nonce)

		mkt, err := m.build(addr, cfg)
		if err != nil {
			return err
		}
		if err := m.register(mkt); err != nil {
			return err
		}
		deployed = mkt
		m.logger.Info("Market deployed", "address", addr, "name", cfg.Name, "symbol", cfg.Symbol, "underlying", cfg.Underlying)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deployed, nil
}

// AddMarket registers a market built elsewhere
func (m *Manager) AddMarket(caller common.Address, mkt *market.Market) error {
	return m.env.Atomic(func() error {
		if caller != m.owner {
			return ErrNotOwner
		}
		if err := m.register(mkt); err != nil {
			return err
		}
		m.logger.Info("Market added", "address", mkt.Address(), "name", mkt.Name())
		return nil
	})
}

// RegisterCollateral allows assetAddr as position collateral
func (m *Manager) RegisterCollateral(caller, assetAddr common.Address) error {
	return m.env.Atomic(func() error {
		if caller != m.owner {
			return ErrNotOwner
		}
		if _, ok := m.deps.Tokens.Resolve(assetAddr); !ok {
			return fmt.Errorf("%w: %s", ErrUnknownToken, assetAddr.Hex())
		}
		return m.deps.Vault.AddAsset(m.address, assetAddr)
	})
}

func (m *Manager) build(addr common.Address, cfg market.Config) (*market.Market, error) {
	return market.New(addr, cfg, market.Deps{
		Env:     m.env,
		Vault:   m.deps.Vault,
		Oracle:  m.deps.Oracle,
		Tokens:  m.deps.Tokens,
		Bank:    m.deps.Bank,
		Wrapper: m.deps.Wrapper,
		Logger:  m.logger.New("market", cfg.Symbol),
	})
}

func (m *Manager) register(mkt *market.Market) error {
	if !m.order.Add(mkt.Address()) {
		return fmt.Errorf("%w: %s", ErrMarketExists, mkt.Address().Hex())
	}
	m.markets.Set(mkt.Address(), mkt)
	if err := m.deps.Vault.AddMarket(m.address, mkt.Address()); err != nil {
		return err
	}
	return m.deps.Tokens.Register(mkt)
}

// ViewMarkets lists market addresses in deployment order
func (m *Manager) ViewMarkets() []common.Address {
	return m.order.Values()
}

// Market returns the market at addr
func (m *Manager) Market(addr common.Address) (*market.Market, bool) {
	return m.markets.Get(addr)
}

// Markets returns every registered market in deployment order
func (m *Manager) Markets() []*market.Market {
	addrs := m.order.Values()
	out := make([]*market.Market, 0, len(addrs))
	for _, addr := range addrs {
		mkt, _ := m.markets.Get(addr)
		out = append(out, mkt)
	}
	return out
}
