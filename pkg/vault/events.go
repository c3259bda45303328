package vault

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Deposited is emitted when a market moves collateral into custody
type Deposited struct {
	Market common.Address `json:"market"`
	User   common.Address `json:"user"`
	ID     uint64         `json:"id"`
	Asset  common.Address `json:"asset"`
	Amount *big.Int       `json:"amount"`
}

func (Deposited) Topic() string { return "vault.Deposited" }

// Withdrawn is emitted when collateral leaves custody
type Withdrawn struct {
	Market   common.Address `json:"market"`
	User     common.Address `json:"user"`
	ID       uint64         `json:"id"`
	Asset    common.Address `json:"asset"`
	Amount   *big.Int       `json:"amount"`
	Receiver common.Address `json:"receiver"`
}

func (Withdrawn) Topic() string { return "vault.Withdrawn" }

type AssetAdded struct {
	Asset common.Address `json:"asset"`
}

func (AssetAdded) Topic() string { return "vault.AssetAdded" }

type MarketAdded struct {
	Market common.Address `json:"market"`
}

func (MarketAdded) Topic() string { return "vault.MarketAdded" }
