package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/luxfi/log"
)

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      uint64      `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// RPCError is an error returned by perpd
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("rpc error %d: %s %s", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Client calls the perpd JSON-RPC API
type Client struct {
	baseURL string
	logger  log.Logger
	client  *http.Client
	nextID  uint64
}

func NewClient(baseURL string, logger log.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		logger:  logger,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Call invokes method and returns its raw result
func (c *Client) Call(method string, params interface{}) (json.RawMessage, error) {
	data, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      atomic.AddUint64(&c.nextID, 1),
	})
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Post(c.baseURL+"/rpc", "application/json", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body)
	}

	var out rpcResponse
	if err := json.Unmarshal(body, &out); err != nil {
		c.logger.Warn("Failed to parse response", "error", err, "body", string(body))
		return nil, fmt.Errorf("failed to parse response: %s", body)
	}
	if out.Error != nil {
		return nil, out.Error
	}
	return out.Result, nil
}

// GetMetrics fetches the prometheus exposition from url
func (c *Client) GetMetrics(url string) (string, error) {
	resp, err := c.client.Get(url)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

type options struct {
	market     string
	from       string
	user       string
	token      string
	spender    string
	collateral string
	amount     string
	leverage   uint
	long       bool
	id         uint64
	symbol     string
	price      string
}

// request maps an action to its method and params
func request(action string, o options) (string, interface{}, error) {
	switch action {
	case "ping":
		return "perp_ping", nil, nil
	case "info":
		return "perp_info", nil, nil
	case "markets":
		return "manager_viewMarkets", nil, nil
	case "collateral":
		return "vault_supportedAssets", nil, nil
	case "market":
		return "market_viewMarketData", map[string]interface{}{"market": o.market}, nil
	case "price":
		return "market_viewMarketPrice", map[string]interface{}{"market": o.market}, nil
	case "deposit", "deposit-native", "withdraw", "withdraw-native":
		method := map[string]string{
			"deposit":         "market_depositLiquidity",
			"deposit-native":  "market_depositNative",
			"withdraw":        "market_withdrawLiquidity",
			"withdraw-native": "market_withdrawNative",
		}[action]
		return method, map[string]interface{}{"market": o.market, "from": o.from, "amount": o.amount}, nil
	case "open":
		if o.leverage > 255 {
			return "", nil, fmt.Errorf("leverage %d out of range", o.leverage)
		}
		return "market_open", map[string]interface{}{
			"market":     o.market,
			"from":       o.from,
			"collateral": o.collateral,
			"amount":     o.amount,
			"isLong":     o.long,
			"leverage":   o.leverage,
		}, nil
	case "close":
		return "market_close", map[string]interface{}{"market": o.market, "from": o.from, "id": o.id}, nil
	case "liquidate":
		return "market_liquidate", map[string]interface{}{"market": o.market, "from": o.from, "user": o.user, "id": o.id}, nil
	case "liquidatable":
		return "market_isLiquidatable", map[string]interface{}{"market": o.market, "user": o.user, "id": o.id}, nil
	case "position":
		return "market_viewPosition", map[string]interface{}{"market": o.market, "user": o.user, "id": o.id}, nil
	case "positions":
		return "market_viewAll", map[string]interface{}{"market": o.market, "user": o.user}, nil
	case "approve":
		return "token_approve", map[string]interface{}{"token": o.token, "from": o.from, "spender": o.spender, "amount": o.amount}, nil
	case "balance":
		return "token_balanceOf", map[string]interface{}{"token": o.token, "owner": o.user}, nil
	case "native-balance":
		return "native_balanceOf", map[string]interface{}{"owner": o.user}, nil
	case "set-price":
		return "oracle_setPrice", map[string]interface{}{"symbol": o.symbol, "price": o.price}, nil
	default:
		return "", nil, fmt.Errorf("unknown action %q", action)
	}
}

func main() {
	var (
		o          options
		serverURL  = flag.String("server", "http://localhost:8080", "perpd JSON-RPC URL")
		metricsURL = flag.String("metrics", "http://localhost:9090/metrics", "perpd metrics URL")
		action     = flag.String("action", "info", "Action: ping, info, markets, collateral, market, price, deposit, deposit-native, withdraw, withdraw-native, open, close, liquidate, liquidatable, position, positions, approve, balance, native-balance, set-price, metrics")
	)
	flag.StringVar(&o.market, "market", "", "Market address")
	flag.StringVar(&o.from, "from", "", "Caller address")
	flag.StringVar(&o.user, "user", "", "Position owner or account address")
	flag.StringVar(&o.token, "token", "", "Token address")
	flag.StringVar(&o.spender, "spender", "", "Spender address for approve")
	flag.StringVar(&o.collateral, "collateral", "", "Collateral asset address")
	flag.StringVar(&o.amount, "amount", "", "Amount in base units")
	flag.UintVar(&o.leverage, "leverage", 1, "Leverage multiplier")
	flag.BoolVar(&o.long, "long", true, "Open a long position")
	flag.Uint64Var(&o.id, "id", 0, "Position id")
	flag.StringVar(&o.symbol, "symbol", "", "Asset symbol for set-price")
	flag.StringVar(&o.price, "price", "", "USD price for set-price, e.g. 2000.5")
	flag.Parse()

	logger := log.Root()
	client := NewClient(*serverURL, logger)

	if *action == "metrics" {
		body, err := client.GetMetrics(*metricsURL)
		if err != nil {
			logger.Error("Failed to fetch metrics", "error", err)
			os.Exit(1)
		}
		fmt.Print(body)
		return
	}

	method, params, err := request(*action, o)
	if err != nil {
		logger.Error("Invalid request", "error", err)
		os.Exit(1)
	}
	result, err := client.Call(method, params)
	if err != nil {
		logger.Error("Call failed", "method", method, "error", err)
		os.Exit(1)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, result, "", "  "); err != nil {
		fmt.Println(string(result))
		return
	}
	fmt.Println(pretty.String())
}
