package chain

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// LabelAddress derives a deterministic account address from a human label.
// Used for well-known accounts (treasury, vault, wrapper) and in tests.
func LabelAddress(label string) common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte(label)))
}

// ContractAddress returns the address of the nonce-th contract created by
// deployer
func ContractAddress(deployer common.Address, nonce uint64) common.Address {
	return crypto.CreateAddress(deployer, nonce)
}

// ParseAddress parses a hex encoded address
func ParseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}
