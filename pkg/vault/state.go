package vault

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/luxfi/leverage/pkg/chain"
	"github.com/luxfi/leverage/pkg/fixedpoint"
)

// State is the persisted form of a Vault
type State struct {
	Admin   string       `msgpack:"admin"`
	Assets  []string     `msgpack:"assets"`
	Markets []string     `msgpack:"markets"`
	Entries []EntryState `msgpack:"entries"`
}

// EntryState is one persisted balance entry
type EntryState struct {
	Market  string `msgpack:"market"`
	User    string `msgpack:"user"`
	ID      uint64 `msgpack:"id"`
	Asset   string `msgpack:"asset"`
	Balance string `msgpack:"balance"`
}

// Export snapshots the vault
func (v *Vault) Export() State {
	st := State{Admin: v.admin.Hex()}
	for _, a := range v.assets.Values() {
		st.Assets = append(st.Assets, a.Hex())
	}
	for _, m := range v.markets.Values() {
		st.Markets = append(st.Markets, m.Hex())
	}
	v.balances.Range(func(k Key, e Entry) bool {
		st.Entries = append(st.Entries, EntryState{
			Market:  k.Market.Hex(),
			User:    k.User.Hex(),
			ID:      k.ID,
			Asset:   e.Asset.Hex(),
			Balance: e.Balance.String(),
		})
		return true
	})
	return st
}

// Import replaces the vault's registries and balances
func (v *Vault) Import(st State) error {
	admin, err := chain.ParseAddress(st.Admin)
	if err != nil {
		return err
	}
	assets, err := parseSet(v.env, st.Assets)
	if err != nil {
		return err
	}
	markets, err := parseSet(v.env, st.Markets)
	if err != nil {
		return err
	}

	balances := chain.NewMap[Key, Entry](v.env)
	for _, e := range st.Entries {
		market, err := chain.ParseAddress(e.Market)
		if err != nil {
			return err
		}
		user, err := chain.ParseAddress(e.User)
		if err != nil {
			return err
		}
		assetAddr, err := chain.ParseAddress(e.Asset)
		if err != nil {
			return err
		}
		balance, err := fixedpoint.ParseAmount(e.Balance)
		if err != nil {
			return err
		}
		balances.Set(Key{Market: market, User: user, ID: e.ID}, Entry{Balance: balance, Asset: assetAddr})
	}

	v.admin = admin
	v.assets = assets
	v.markets = markets
	v.balances = balances
	return nil
}

func parseSet(env *chain.Env, values []string) (*chain.OrderedSet[common.Address], error) {
	set := chain.NewOrderedSet[common.Address](env)
	for _, s := range values {
		addr, err := chain.ParseAddress(s)
		if err != nil {
			return nil, err
		}
		set.Add(addr)
	}
	return set, nil
}

// TotalHeld sums the balances of every entry funded with assetAddr
func (v *Vault) TotalHeld(assetAddr common.Address) *big.Int {
	total := new(big.Int)
	v.balances.Range(func(_ Key, e Entry) bool {
		if e.Asset == assetAddr {
			total.Add(total, e.Balance)
		}
		return true
	})
	return total
}
