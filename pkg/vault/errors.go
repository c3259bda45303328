package vault

import "errors"

var (
	ErrAmountIsZero             = errors.New("amount is zero")
	ErrAssetAlreadyExist        = errors.New("asset already exists")
	ErrAssetNotFound            = errors.New("asset not found")
	ErrCollateralNotFound       = errors.New("collateral not found")
	ErrDifferentCollateralAsset = errors.New("different collateral asset")
	ErrInsufficientBalance      = errors.New("insufficient balance")
	ErrMarketAlreadyExist       = errors.New("market already exists")
	ErrMarketNotFound           = errors.New("market not found")
	ErrNotAdmin                 = errors.New("caller is not admin")
	ErrTransferFailed           = errors.New("transfer failed")
	ErrReentrantCall            = errors.New("reentrant call")
)
