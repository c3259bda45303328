package api

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/luxfi/leverage/pkg/asset"
	"github.com/luxfi/leverage/pkg/fixedpoint"
	"github.com/luxfi/leverage/pkg/manager"
	"github.com/luxfi/leverage/pkg/market"
	"github.com/luxfi/leverage/pkg/oracle"
)

func (s *JSONRPCServer) handleMethod(method string, params json.RawMessage) (interface{}, *RPCError) {
	switch method {
	// Info methods
	case "perp_ping":
		return "pong", nil
	case "perp_info":
		return s.info()

	// Liquidity methods
	case "market_depositLiquidity":
		return s.depositLiquidity(params, false)
	case "market_depositNative":
		return s.depositLiquidity(params, true)
	case "market_withdrawLiquidity":
		return s.withdrawLiquidity(params, false)
	case "market_withdrawNative":
		return s.withdrawLiquidity(params, true)

	// Position methods
	case "market_open":
		return s.open(params)
	case "market_close":
		return s.close(params)
	case "market_liquidate":
		return s.liquidate(params)

	// Market views
	case "market_isLiquidatable":
		return s.isLiquidatable(params)
	case "market_viewPosition":
		return s.viewPosition(params)
	case "market_viewAll":
		return s.viewAll(params)
	case "market_viewPositionPnl":
		return s.viewPositionPnl(params)
	case "market_viewMarketPrice":
		return s.viewMarketPrice(params)
	case "market_viewMarketData":
		return s.viewMarketData(params)

	// Vault and registry views
	case "vault_userCollateral":
		return s.userCollateral(params)
	case "vault_supportedAssets":
		return s.addresses(s.node.Vault.SupportedCollateralAssets)
	case "vault_markets":
		return s.addresses(s.node.Vault.MarketsWithAccess)
	case "manager_viewMarkets":
		return s.addresses(s.node.Manager.ViewMarkets)

	// Tokens
	case "token_balanceOf":
		return s.balanceOf(params)
	case "token_approve":
		return s.approve(params)
	case "native_balanceOf":
		return s.nativeBalanceOf(params)

	// Dev methods
	case "oracle_setPrice":
		if !s.node.Config.DevMode {
			return nil, &RPCError{Code: MethodNotFound, Message: "Method not available outside dev mode"}
		}
		return s.setPrice(params)

	default:
		return nil, &RPCError{Code: MethodNotFound, Message: "Method not found"}
	}
}

// execute runs fn as one serialized engine transaction
func (s *JSONRPCServer) execute(fn func() error) *RPCError {
	if err := s.node.Env.Execute(fn); err != nil {
		if rpcErr, ok := err.(*RPCError); ok {
			return rpcErr
		}
		return engineError(err)
	}
	return nil
}

// addresses reads a registry list under the engine lock
func (s *JSONRPCServer) addresses(fn func() []common.Address) (interface{}, *RPCError) {
	var out []common.Address
	rpcErr := s.execute(func() error {
		out = fn()
		return nil
	})
	if rpcErr != nil {
		return nil, rpcErr
	}
	return out, nil
}

func decode(params json.RawMessage, v any) *RPCError {
	if len(params) == 0 {
		return invalidParams("missing params")
	}
	if err := json.Unmarshal(params, v); err != nil {
		return invalidParams("invalid params: %v", err)
	}
	return nil
}

func required(name string, addr common.Address) *RPCError {
	if addr == (common.Address{}) {
		return invalidParams("%s is required", name)
	}
	return nil
}

func parseAmount(name, s string) (*big.Int, *RPCError) {
	if s == "" {
		return nil, invalidParams("%s is required", name)
	}
	v, err := fixedpoint.ParseAmount(s)
	if err != nil {
		return nil, invalidParams("%s: %v", name, err)
	}
	return v, nil
}

func (s *JSONRPCServer) market(addr common.Address) (*market.Market, error) {
	m, ok := s.node.Market(addr)
	if !ok {
		return nil, fmt.Errorf("%w: %s", manager.ErrUnknownMarket, addr.Hex())
	}
	return m, nil
}

func (s *JSONRPCServer) info() (interface{}, *RPCError) {
	var res map[string]interface{}
	rpcErr := s.execute(func() error {
		res = map[string]interface{}{
			"version":    Version,
			"block":      s.node.Env.BlockNumber(),
			"timestamp":  s.node.Env.Now().Unix(),
			"devMode":    s.node.Config.DevMode,
			"owner":      s.node.Owner,
			"vault":      s.node.Vault.Address(),
			"manager":    s.node.Manager.Address(),
			"markets":    len(s.node.Manager.ViewMarkets()),
			"collateral": s.node.Vault.SupportedCollateralAssets(),
		}
		return nil
	})
	return res, rpcErr
}

type liquidityParams struct {
	Market common.Address `json:"market"`
	From   common.Address `json:"from"`
	Amount string         `json:"amount"`
}

func (p liquidityParams) check() *RPCError {
	if err := required("market", p.Market); err != nil {
		return err
	}
	return required("from", p.From)
}

func (s *JSONRPCServer) depositLiquidity(params json.RawMessage, native bool) (interface{}, *RPCError) {
	var p liquidityParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := p.check(); err != nil {
		return nil, err
	}
	amount, rpcErr := parseAmount("amount", p.Amount)
	if rpcErr != nil {
		return nil, rpcErr
	}

	var shares *big.Int
	rpcErr = s.execute(func() error {
		m, err := s.market(p.Market)
		if err != nil {
			return err
		}
		if native {
			shares, err = m.DepositNative(p.From, amount)
		} else {
			shares, err = m.DepositLiquidity(p.From, amount)
		}
		return err
	})
	if rpcErr != nil {
		return nil, rpcErr
	}
	return map[string]string{"shares": shares.String()}, nil
}

func (s *JSONRPCServer) withdrawLiquidity(params json.RawMessage, native bool) (interface{}, *RPCError) {
	var p liquidityParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := p.check(); err != nil {
		return nil, err
	}
	shares, rpcErr := parseAmount("amount", p.Amount)
	if rpcErr != nil {
		return nil, rpcErr
	}

	var amount *big.Int
	rpcErr = s.execute(func() error {
		m, err := s.market(p.Market)
		if err != nil {
			return err
		}
		if native {
			amount, err = m.WithdrawNative(p.From, shares)
		} else {
			amount, err = m.WithdrawLiquidity(p.From, shares)
		}
		return err
	})
	if rpcErr != nil {
		return nil, rpcErr
	}
	return map[string]string{"amount": amount.String()}, nil
}

type openParams struct {
	Market     common.Address `json:"market"`
	From       common.Address `json:"from"`
	Collateral common.Address `json:"collateral"`
	Amount     string         `json:"amount"`
	IsLong     bool           `json:"isLong"`
	Leverage   uint8          `json:"leverage"`
}

func (s *JSONRPCServer) open(params json.RawMessage) (interface{}, *RPCError) {
	var p openParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	for name, addr := range map[string]common.Address{"market": p.Market, "from": p.From, "collateral": p.Collateral} {
		if err := required(name, addr); err != nil {
			return nil, err
		}
	}
	amount, rpcErr := parseAmount("amount", p.Amount)
	if rpcErr != nil {
		return nil, rpcErr
	}

	var pos market.Position
	rpcErr = s.execute(func() error {
		m, err := s.market(p.Market)
		if err != nil {
			return err
		}
		pos, err = m.Open(p.From, p.Collateral, amount, p.IsLong, p.Leverage)
		return err
	})
	if rpcErr != nil {
		return nil, rpcErr
	}
	return newPositionResult(pos), nil
}

type positionParams struct {
	Market common.Address `json:"market"`
	From   common.Address `json:"from"`
	User   common.Address `json:"user"`
	ID     uint64         `json:"id"`
}

func (s *JSONRPCServer) close(params json.RawMessage) (interface{}, *RPCError) {
	var p positionParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := required("market", p.Market); err != nil {
		return nil, err
	}
	if err := required("from", p.From); err != nil {
		return nil, err
	}

	var st market.Settlement
	rpcErr := s.execute(func() error {
		m, err := s.market(p.Market)
		if err != nil {
			return err
		}
		st, err = m.Close(p.From, p.ID)
		return err
	})
	if rpcErr != nil {
		return nil, rpcErr
	}
	return newSettlementResult(st), nil
}

func (s *JSONRPCServer) liquidate(params json.RawMessage) (interface{}, *RPCError) {
	var p positionParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	for name, addr := range map[string]common.Address{"market": p.Market, "from": p.From, "user": p.User} {
		if err := required(name, addr); err != nil {
			return nil, err
		}
	}

	var l market.Liquidation
	rpcErr := s.execute(func() error {
		m, err := s.market(p.Market)
		if err != nil {
			return err
		}
		l, err = m.Liquidate(p.From, p.User, p.ID)
		return err
	})
	if rpcErr != nil {
		return nil, rpcErr
	}
	return newLiquidationResult(l), nil
}

// view decodes market+user params and runs fn under the engine lock
func (s *JSONRPCServer) view(params json.RawMessage, fn func(m *market.Market, p positionParams) error) *RPCError {
	var p positionParams
	if err := decode(params, &p); err != nil {
		return err
	}
	if err := required("market", p.Market); err != nil {
		return err
	}
	return s.execute(func() error {
		m, err := s.market(p.Market)
		if err != nil {
			return err
		}
		return fn(m, p)
	})
}

func (s *JSONRPCServer) isLiquidatable(params json.RawMessage) (interface{}, *RPCError) {
	var ok bool
	rpcErr := s.view(params, func(m *market.Market, p positionParams) (err error) {
		ok, err = m.IsLiquidatable(p.User, p.ID)
		return err
	})
	if rpcErr != nil {
		return nil, rpcErr
	}
	return ok, nil
}

func (s *JSONRPCServer) viewPosition(params json.RawMessage) (interface{}, *RPCError) {
	var pos market.Position
	rpcErr := s.view(params, func(m *market.Market, p positionParams) (err error) {
		pos, err = m.ViewPosition(p.User, p.ID)
		return err
	})
	if rpcErr != nil {
		return nil, rpcErr
	}
	return newPositionResult(pos), nil
}

func (s *JSONRPCServer) viewAll(params json.RawMessage) (interface{}, *RPCError) {
	var views []market.PositionView
	rpcErr := s.view(params, func(m *market.Market, p positionParams) (err error) {
		views, err = m.ViewAll(p.User)
		return err
	})
	if rpcErr != nil {
		return nil, rpcErr
	}
	out := make([]positionViewResult, 0, len(views))
	for _, v := range views {
		out = append(out, positionViewResult{
			Position: newPositionResult(v.Position),
			PnL:      v.PnL,
			Price:    v.Price.String(),
		})
	}
	return out, nil
}

func (s *JSONRPCServer) viewPositionPnl(params json.RawMessage) (interface{}, *RPCError) {
	var pnl int64
	rpcErr := s.view(params, func(m *market.Market, p positionParams) (err error) {
		pnl, err = m.ViewPositionPnl(p.User, p.ID)
		return err
	})
	if rpcErr != nil {
		return nil, rpcErr
	}
	return pnl, nil
}

func (s *JSONRPCServer) viewMarketPrice(params json.RawMessage) (interface{}, *RPCError) {
	var price *big.Int
	rpcErr := s.view(params, func(m *market.Market, _ positionParams) (err error) {
		price, err = m.ViewMarketPrice()
		return err
	})
	if rpcErr != nil {
		return nil, rpcErr
	}
	return map[string]string{
		"price": price.String(),
		"usd":   fixedpoint.Format(price, fixedpoint.USDDecimals),
	}, nil
}

func (s *JSONRPCServer) viewMarketData(params json.RawMessage) (interface{}, *RPCError) {
	var res marketDataResult
	rpcErr := s.view(params, func(m *market.Market, _ positionParams) error {
		data := m.ViewMarketData()
		cfg := m.Config()
		res = marketDataResult{
			Name:                 data.Name,
			Symbol:               data.Symbol,
			Decimals:             data.Decimals,
			Address:              m.Address(),
			Underlying:           cfg.Underlying,
			TotalSupply:          m.TotalSupply().String(),
			PoolBalance:          m.PoolBalance().String(),
			OpenPositions:        m.OpenPositions(),
			LiquidationThreshold: cfg.LiquidationThreshold,
			LiquidationPenalty:   cfg.LiquidationPenalty,
			ProtocolFee:          cfg.ProtocolFee,
			Treasury:             cfg.Treasury,
		}
		return nil
	})
	if rpcErr != nil {
		return nil, rpcErr
	}
	return res, nil
}

func (s *JSONRPCServer) userCollateral(params json.RawMessage) (interface{}, *RPCError) {
	var p positionParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	var res map[string]interface{}
	rpcErr := s.execute(func() error {
		entry, ok := s.node.Vault.UserCollateral(p.Market, p.User, p.ID)
		if !ok {
			res = map[string]interface{}{"found": false}
			return nil
		}
		res = map[string]interface{}{
			"found":   true,
			"asset":   entry.Asset,
			"balance": entry.Balance.String(),
		}
		return nil
	})
	return res, rpcErr
}

type tokenParams struct {
	Token   common.Address `json:"token"`
	Owner   common.Address `json:"owner"`
	From    common.Address `json:"from"`
	Spender common.Address `json:"spender"`
	Amount  string         `json:"amount"`
}

func (s *JSONRPCServer) token(addr common.Address) (asset.Token, error) {
	t, ok := s.node.Tokens.Resolve(addr)
	if !ok {
		return nil, fmt.Errorf("%w: %s", asset.ErrTokenNotFound, addr.Hex())
	}
	return t, nil
}

func (s *JSONRPCServer) balanceOf(params json.RawMessage) (interface{}, *RPCError) {
	var p tokenParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	var res map[string]interface{}
	rpcErr := s.execute(func() error {
		t, err := s.token(p.Token)
		if err != nil {
			return err
		}
		balance := t.BalanceOf(p.Owner)
		symbol, _ := t.Symbol()
		res = map[string]interface{}{
			"balance":   balance.String(),
			"formatted": fixedpoint.Format(balance, t.Decimals()),
			"symbol":    symbol,
			"decimals":  t.Decimals(),
		}
		return nil
	})
	return res, rpcErr
}

func (s *JSONRPCServer) approve(params json.RawMessage) (interface{}, *RPCError) {
	var p tokenParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	for name, addr := range map[string]common.Address{"token": p.Token, "from": p.From, "spender": p.Spender} {
		if err := required(name, addr); err != nil {
			return nil, err
		}
	}
	amount, rpcErr := parseAmount("amount", p.Amount)
	if rpcErr != nil {
		return nil, rpcErr
	}
	rpcErr = s.execute(func() error {
		t, err := s.token(p.Token)
		if err != nil {
			return err
		}
		return t.Approve(p.From, p.Spender, amount)
	})
	if rpcErr != nil {
		return nil, rpcErr
	}
	return true, nil
}

func (s *JSONRPCServer) nativeBalanceOf(params json.RawMessage) (interface{}, *RPCError) {
	var p tokenParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	var balance *big.Int
	rpcErr := s.execute(func() error {
		balance = s.node.NativeBalance(p.Owner)
		return nil
	})
	if rpcErr != nil {
		return nil, rpcErr
	}
	return map[string]string{
		"balance":   balance.String(),
		"formatted": fixedpoint.Format(balance, 18),
	}, nil
}

type priceParams struct {
	Symbol    string `json:"symbol"`
	Price     string `json:"price"`
	Timestamp uint64 `json:"timestamp"`
}

// setPrice takes a human readable USD price, e.g. "2000.5"
func (s *JSONRPCServer) setPrice(params json.RawMessage) (interface{}, *RPCError) {
	var p priceParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.Symbol == "" {
		return nil, invalidParams("symbol is required")
	}
	price, err := fixedpoint.ParseDecimal(p.Price, fixedpoint.OracleDecimals)
	if err != nil {
		return nil, invalidParams("price: %v", err)
	}
	pair := oracle.PairSymbol(p.Symbol)
	rpcErr := s.execute(func() error {
		if t, ok := s.node.TokenBySymbol(p.Symbol); ok {
			symbol, _ := t.Symbol()
			pair = oracle.PairSymbol(symbol)
		}
		ts := p.Timestamp
		if ts == 0 {
			ts = uint64(s.node.Env.Now().Unix())
		}
		return s.node.Feed.SetQuote(pair, oracle.Quote{Timestamp: ts, Price: price})
	})
	if rpcErr != nil {
		return nil, rpcErr
	}
	return map[string]string{"pair": pair, "price": price.String()}, nil
}
