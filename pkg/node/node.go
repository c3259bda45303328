// Package node assembles the engine components from configuration and moves
// their state in and out of snapshots.
package node

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/log"

	"github.com/luxfi/leverage/pkg/asset"
	"github.com/luxfi/leverage/pkg/chain"
	"github.com/luxfi/leverage/pkg/config"
	"github.com/luxfi/leverage/pkg/fixedpoint"
	"github.com/luxfi/leverage/pkg/manager"
	"github.com/luxfi/leverage/pkg/market"
	"github.com/luxfi/leverage/pkg/oracle"
	"github.com/luxfi/leverage/pkg/store"
	"github.com/luxfi/leverage/pkg/vault"
)

// Well-known component accounts
var (
	VaultAddress   = chain.LabelAddress("perp/vault")
	ManagerAddress = chain.LabelAddress("perp/manager")
	WrapperAddress = chain.LabelAddress("perp/wrapped-native")
)

// TokenAddress returns the account of the genesis token symbol
func TokenAddress(symbol string) common.Address {
	return chain.LabelAddress("perp/token/" + strings.ToUpper(symbol))
}

// Node holds every engine component sharing one environment
type Node struct {
	Config  *config.Config
	Env     *chain.Env
	Bank    *chain.NativeBank
	Tokens  *asset.Directory
	Wrapper *asset.Wrapper
	Feed    *oracle.Feed
	Vault   *vault.Vault
	Manager *manager.Manager
	Owner   common.Address

	ledgers []*asset.Ledger
	logger  log.Logger
}

// New builds the components described by cfg without any balances, prices
// or markets. Call Genesis or Restore next.
func New(cfg *config.Config, logger log.Logger, opts ...chain.Option) (*Node, error) {
	owner, err := chain.ParseAddress(cfg.Owner)
	if err != nil {
		return nil, fmt.Errorf("owner: %w", err)
	}
	treasury := owner
	if cfg.Treasury != "" {
		if treasury, err = chain.ParseAddress(cfg.Treasury); err != nil {
			return nil, fmt.Errorf("treasury: %w", err)
		}
	}

	env := chain.NewEnv(opts...)
	n := &Node{
		Config: cfg,
		Env:    env,
		Bank:   chain.NewNativeBank(env),
		Tokens: asset.NewDirectory(env),
		Feed:   oracle.NewFeed(env, oracle.WithMaxChange(cfg.MaxPriceChange)),
		Owner:  owner,
		logger: logger,
	}

	if cfg.Native.Symbol != "" {
		n.Wrapper = asset.NewWrapper(env, n.Bank, WrapperAddress, asset.Metadata{
			Name:     cfg.Native.Name,
			Symbol:   wrappedSymbol(cfg.Native.Symbol),
			Decimals: 18,
		})
		if err := n.Tokens.Register(n.Wrapper); err != nil {
			return nil, err
		}
	}
	for _, a := range cfg.Assets {
		l := asset.NewLedger(env, TokenAddress(a.Symbol), asset.Metadata{
			Name:     a.Name,
			Symbol:   strings.ToUpper(a.Symbol),
			Decimals: a.Decimals,
		})
		if err := n.Tokens.Register(l); err != nil {
			return nil, err
		}
		n.ledgers = append(n.ledgers, l)
	}

	n.Vault = vault.New(env, VaultAddress, ManagerAddress, n.Tokens)
	n.Vault.SetLogger(logger.New("module", "vault"))
	n.Manager = manager.New(ManagerAddress, owner, treasury, manager.Deps{
		Env:     env,
		Vault:   n.Vault,
		Tokens:  n.Tokens,
		Oracle:  n.Feed,
		Bank:    n.Bank,
		Wrapper: n.Wrapper,
	})
	n.Manager.SetLogger(logger.New("module", "manager"))
	return n, nil
}

func wrappedSymbol(native string) string {
	return "W" + strings.ToUpper(native)
}

// Genesis funds the configured accounts, publishes initial prices, registers
// collateral and deploys the configured markets in one transaction
func (n *Node) Genesis() error {
	cfg := n.Config
	return n.Env.Execute(func() error {
		if n.Wrapper != nil {
			for holder, amount := range cfg.Native.Allocations {
				if err := n.credit(holder, amount); err != nil {
					return err
				}
			}
			if err := n.setPrice(wrappedSymbol(cfg.Native.Symbol), cfg.Native.Price); err != nil {
				return err
			}
			if cfg.Native.Collateral {
				if err := n.Manager.RegisterCollateral(n.Owner, n.Wrapper.Address()); err != nil {
					return err
				}
			}
		}

		for i, a := range cfg.Assets {
			l := n.ledgers[i]
			for holder, amount := range a.Balances {
				to, err := chain.ParseAddress(holder)
				if err != nil {
					return err
				}
				v, err := fixedpoint.ParseDecimal(amount, a.Decimals)
				if err != nil {
					return err
				}
				if err := l.Mint(to, v); err != nil {
					return fmt.Errorf("mint %s: %w", a.Symbol, err)
				}
			}
			if err := n.setPrice(a.Symbol, a.Price); err != nil {
				return err
			}
			if a.Collateral {
				if err := n.Manager.RegisterCollateral(n.Owner, l.Address()); err != nil {
					return err
				}
			}
		}

		for _, m := range cfg.Markets {
			mc := m.MarketConfig()
			underlying, ok := n.TokenBySymbol(m.Underlying)
			if !ok {
				return fmt.Errorf("market %s: unknown underlying %s", m.Symbol, m.Underlying)
			}
			mc.Underlying = underlying.Address()
			if _, err := n.Manager.DeployMarket(n.Owner, mc); err != nil {
				return fmt.Errorf("deploy %s: %w", m.Symbol, err)
			}
		}
		n.logger.Info("Genesis applied",
			"assets", len(cfg.Assets),
			"markets", len(cfg.Markets),
			"collateral", len(n.Vault.SupportedCollateralAssets()))
		return nil
	})
}

func (n *Node) credit(holder, amount string) error {
	to, err := chain.ParseAddress(holder)
	if err != nil {
		return err
	}
	v, err := fixedpoint.ParseDecimal(amount, 18)
	if err != nil {
		return err
	}
	return n.Bank.Credit(to, v)
}

func (n *Node) setPrice(symbol, price string) error {
	if price == "" {
		return nil
	}
	v, err := fixedpoint.ParseDecimal(price, fixedpoint.OracleDecimals)
	if err != nil {
		return err
	}
	return n.Feed.SetPrice(oracle.PairSymbol(symbol), v)
}

// TokenBySymbol resolves a genesis token. The native symbol resolves to its
// wrapper.
func (n *Node) TokenBySymbol(symbol string) (asset.Token, bool) {
	symbol = strings.ToUpper(symbol)
	if n.Wrapper != nil {
		native := strings.ToUpper(n.Config.Native.Symbol)
		if symbol == native || symbol == wrappedSymbol(native) {
			return n.Wrapper, true
		}
	}
	for _, l := range n.ledgers {
		if s, _ := l.Symbol(); s == symbol {
			return l, true
		}
	}
	return nil, false
}

// Market returns the registered market at addr
func (n *Node) Market(addr common.Address) (*market.Market, bool) {
	return n.Manager.Market(addr)
}

// Prices returns the latest quote of every pair as a 6-decimal USD string
func (n *Node) Prices() map[string]string {
	out := make(map[string]string)
	for _, pair := range n.Feed.Pairs() {
		q, ok := n.Feed.LatestPrice(pair)
		if !ok {
			continue
		}
		out[pair] = fixedpoint.Format(q.Price, fixedpoint.OracleDecimals)
	}
	return out
}

// Snapshot captures the state of every component. Must not run concurrently
// with a transaction.
func (n *Node) Snapshot() *store.Snapshot {
	snap := &store.Snapshot{
		Block:   n.Env.BlockNumber(),
		SavedAt: n.Env.Now().Unix(),
		Native:  n.Bank.Export(),
		Oracle:  n.Feed.Export(),
		Vault:   n.Vault.Export(),
		Manager: n.Manager.Export(),
	}
	if n.Wrapper != nil {
		snap.Tokens = append(snap.Tokens, n.Wrapper.Export())
	}
	for _, l := range n.ledgers {
		snap.Tokens = append(snap.Tokens, l.Export())
	}
	return snap
}

// Restore loads snap into a node fresh from New. Tokens in the snapshot
// must match the configured ones.
func (n *Node) Restore(snap *store.Snapshot) error {
	if n.Env.InTransaction() {
		return fmt.Errorf("restore inside a transaction")
	}
	ledgers := make(map[string]*asset.Ledger, len(n.ledgers)+1)
	if n.Wrapper != nil {
		ledgers[n.Wrapper.Address().Hex()] = n.Wrapper.Ledger
	}
	for _, l := range n.ledgers {
		ledgers[l.Address().Hex()] = l
	}

	if err := n.Bank.Import(snap.Native); err != nil {
		return fmt.Errorf("native: %w", err)
	}
	for _, st := range snap.Tokens {
		l, ok := ledgers[st.Address]
		if !ok {
			return fmt.Errorf("snapshot token %s (%s) is not configured", st.Symbol, st.Address)
		}
		if err := l.Import(st); err != nil {
			return fmt.Errorf("token %s: %w", st.Symbol, err)
		}
	}
	if err := n.Feed.Import(snap.Oracle); err != nil {
		return fmt.Errorf("oracle: %w", err)
	}
	if err := n.Vault.Import(snap.Vault); err != nil {
		return fmt.Errorf("vault: %w", err)
	}
	if err := n.Manager.Import(snap.Manager); err != nil {
		return fmt.Errorf("manager: %w", err)
	}
	n.Env.SetBlock(snap.Block)
	n.logger.Info("State restored", "block", snap.Block, "markets", len(snap.Manager.Markets))
	return nil
}

// NativeBalance returns the native balance of account
func (n *Node) NativeBalance(account common.Address) *big.Int {
	return n.Bank.BalanceOf(account)
}
