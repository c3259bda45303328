// Package vault is the custody ledger. It holds position collateral keyed by
// (market, user, position id) and only lets registered markets move it.
package vault

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/log"

	"github.com/luxfi/leverage/pkg/asset"
	"github.com/luxfi/leverage/pkg/chain"
	"github.com/luxfi/leverage/pkg/fixedpoint"
)

// Resolver looks up tokens by address
type Resolver interface {
	Resolve(addr common.Address) (asset.Token, bool)
}

// Key identifies one collateral balance
type Key struct {
	Market common.Address
	User   common.Address
	ID     uint64
}

// Entry is the collateral held under a key
type Entry struct {
	Balance *big.Int
	Asset   common.Address
}

// Vault holds collateral on behalf of registered markets
type Vault struct {
	env     *chain.Env
	address common.Address
	admin   common.Address
	tokens  Resolver
	logger  log.Logger

	balances *chain.Map[Key, Entry]
	assets   *chain.OrderedSet[common.Address]
	markets  *chain.OrderedSet[common.Address]

	entered bool
}

// New creates a vault at address administered by admin
func New(env *chain.Env, address, admin common.Address, tokens Resolver) *Vault {
	return &Vault{
		env:      env,
		address:  address,
		admin:    admin,
		tokens:   tokens,
		logger:   log.Root().New("module", "vault"),
		balances: chain.NewMap[Key, Entry](env),
		assets:   chain.NewOrderedSet[common.Address](env),
		markets:  chain.NewOrderedSet[common.Address](env),
	}
}

// SetLogger replaces the vault logger
func (v *Vault) SetLogger(logger log.Logger) {
	v.logger = logger
}

// Address returns the vault's custody account
func (v *Vault) Address() common.Address { return v.address }

// Admin returns the account allowed to register assets and markets
func (v *Vault) Admin() common.Address { return v.admin }

// guard runs fn atomically and rejects reentry from a token callback
func (v *Vault) guard(fn func() error) error {
	if v.entered {
		return ErrReentrantCall
	}
	v.entered = true
	defer func() { v.entered = false }()
	return v.env.Atomic(fn)
}

func (v *Vault) token(addr common.Address) (asset.Token, error) {
	if !v.assets.Contains(addr) {
		return nil, fmt.Errorf("%w: %s", ErrAssetNotFound, addr.Hex())
	}
	t, ok := v.tokens.Resolve(addr)
	if !ok {
		return nil, fmt.Errorf("%w: %s not resolvable", ErrAssetNotFound, addr.Hex())
	}
	return t, nil
}

// Deposit pulls amount of asset from the calling market into custody and
// credits it to (caller, user, id). The market must have approved the vault.
func (v *Vault) Deposit(caller, user common.Address, id uint64, assetAddr common.Address, amount *big.Int) error {
	return v.guard(func() error {
		if !v.markets.Contains(caller) {
			return fmt.Errorf("%w: %s", ErrMarketNotFound, caller.Hex())
		}
		token, err := v.token(assetAddr)
		if err != nil {
			return err
		}
		if amount.Sign() == 0 {
			return ErrAmountIsZero
		}

		key := Key{Market: caller, User: user, ID: id}
		balance := new(big.Int)
		if entry, ok := v.balances.Get(key); ok {
			if entry.Asset != assetAddr {
				return fmt.Errorf("%w: key holds %s", ErrDifferentCollateralAsset, entry.Asset.Hex())
			}
			balance = entry.Balance
		}
		next, err := fixedpoint.Add("vault_deposit", balance, amount)
		if err != nil {
			return err
		}
		v.balances.Set(key, Entry{Balance: next, Asset: assetAddr})

		if err := token.TransferFrom(v.address, caller, v.address, amount); err != nil {
			return fmt.Errorf("%w: %w", ErrTransferFailed, err)
		}

		v.env.Emit(Deposited{Market: caller, User: user, ID: id, Asset: assetAddr, Amount: new(big.Int).Set(amount)})
		v.logger.Debug("Collateral deposited", "market", caller, "user", user, "id", id, "amount", amount)
		return nil
	})
}

// Withdraw sends amount of the collateral held under (caller, user, id) to
// receiver. The entry is deleted once fully consumed.
func (v *Vault) Withdraw(caller, user common.Address, id uint64, amount *big.Int, receiver common.Address) error {
	return v.guard(func() error {
		if !v.markets.Contains(caller) {
			return fmt.Errorf("%w: %s", ErrMarketNotFound, caller.Hex())
		}
		key := Key{Market: caller, User: user, ID: id}
		entry, ok := v.balances.Get(key)
		if !ok {
			return ErrCollateralNotFound
		}
		token, err := v.token(entry.Asset)
		if err != nil {
			return err
		}
		if amount.Sign() == 0 {
			return ErrAmountIsZero
		}
		if entry.Balance.Cmp(amount) < 0 {
			return fmt.Errorf("%w: holds %s, requested %s", ErrInsufficientBalance, entry.Balance, amount)
		}

		remaining := new(big.Int).Sub(entry.Balance, amount)
		if remaining.Sign() == 0 {
			v.balances.Delete(key)
		} else {
			v.balances.Set(key, Entry{Balance: remaining, Asset: entry.Asset})
		}

		if err := token.Transfer(v.address, receiver, amount); err != nil {
			return fmt.Errorf("%w: %w", ErrTransferFailed, err)
		}

		v.env.Emit(Withdrawn{Market: caller, User: user, ID: id, Asset: entry.Asset, Amount: new(big.Int).Set(amount), Receiver: receiver})
		v.logger.Debug("Collateral withdrawn", "market", caller, "user", user, "id", id, "amount", amount, "receiver", receiver)
		return nil
	})
}

// AddAsset registers a collateral asset
func (v *Vault) AddAsset(caller, assetAddr common.Address) error {
	return v.guard(func() error {
		if caller != v.admin {
			return ErrNotAdmin
		}
		if !v.assets.Add(assetAddr) {
			return fmt.Errorf("%w: %s", ErrAssetAlreadyExist, assetAddr.Hex())
		}
		v.env.Emit(AssetAdded{Asset: assetAddr})
		v.logger.Info("Collateral asset added", "asset", assetAddr)
		return nil
	})
}

// AddMarket authorizes a market to deposit and withdraw
func (v *Vault) AddMarket(caller, market common.Address) error {
	return v.guard(func() error {
		if caller != v.admin {
			return ErrNotAdmin
		}
		if !v.markets.Add(market) {
			return fmt.Errorf("%w: %s", ErrMarketAlreadyExist, market.Hex())
		}
		v.env.Emit(MarketAdded{Market: market})
		v.logger.Info("Market added", "market", market)
		return nil
	})
}

// UserCollateral returns the entry under (market, user, id)
func (v *Vault) UserCollateral(market, user common.Address, id uint64) (Entry, bool) {
	entry, ok := v.balances.Get(Key{Market: market, User: user, ID: id})
	if !ok {
		return Entry{}, false
	}
	return Entry{Balance: new(big.Int).Set(entry.Balance), Asset: entry.Asset}, true
}

// SupportedCollateralAssets lists registered assets in registration order
func (v *Vault) SupportedCollateralAssets() []common.Address {
	return v.assets.Values()
}

// MarketsWithAccess lists registered markets in registration order
func (v *Vault) MarketsWithAccess() []common.Address {
	return v.markets.Values()
}

// IsMarket reports whether market is registered
func (v *Vault) IsMarket(market common.Address) bool {
	return v.markets.Contains(market)
}

// IsAsset reports whether an asset is registered as collateral
func (v *Vault) IsAsset(assetAddr common.Address) bool {
	return v.assets.Contains(assetAddr)
}
