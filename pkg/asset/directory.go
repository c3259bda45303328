package asset

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/luxfi/leverage/pkg/chain"
)

// Directory resolves token addresses to Token implementations. Markets,
// the vault and the manager share one directory.
type Directory struct {
	tokens *chain.Map[common.Address, Token]
	order  *chain.OrderedSet[common.Address]
}

// NewDirectory creates an empty directory
func NewDirectory(env *chain.Env) *Directory {
	return &Directory{
		tokens: chain.NewMap[common.Address, Token](env),
		order:  chain.NewOrderedSet[common.Address](env),
	}
}

// Register adds t under its own address
func (d *Directory) Register(t Token) error {
	if !d.order.Add(t.Address()) {
		return fmt.Errorf("%w: %s", ErrTokenExists, t.Address().Hex())
	}
	d.tokens.Set(t.Address(), t)
	return nil
}

// Resolve returns the token at addr
func (d *Directory) Resolve(addr common.Address) (Token, bool) {
	return d.tokens.Get(addr)
}

// BySymbol returns the first registered token with the given symbol
func (d *Directory) BySymbol(symbol string) (Token, bool) {
	for _, addr := range d.order.Values() {
		t, _ := d.tokens.Get(addr)
		if s, ok := t.Symbol(); ok && s == symbol {
			return t, true
		}
	}
	return nil, false
}

// Addresses lists registered tokens in registration order
func (d *Directory) Addresses() []common.Address {
	return d.order.Values()
}
