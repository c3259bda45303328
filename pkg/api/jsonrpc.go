// Package api serves the engine over JSON-RPC 2.0. The from parameter names
// the caller and is not authenticated, so run it behind a trusted gateway.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/luxfi/log"

	"github.com/luxfi/leverage/pkg/asset"
	"github.com/luxfi/leverage/pkg/manager"
	"github.com/luxfi/leverage/pkg/market"
	"github.com/luxfi/leverage/pkg/node"
	"github.com/luxfi/leverage/pkg/oracle"
)

// Version is reported by perp_info
const Version = "1.0.0"

const maxBodySize = 1 << 20

// JSONRPCServer handles JSON-RPC 2.0 requests against a node
type JSONRPCServer struct {
	node   *node.Node
	logger log.Logger
}

// NewJSONRPCServer creates a new JSON-RPC server
func NewJSONRPCServer(n *node.Node, logger log.Logger) *JSONRPCServer {
	return &JSONRPCServer{
		node:   n,
		logger: logger,
	}
}

// JSONRPCRequest represents a JSON-RPC 2.0 request
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response
type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// RPCError represents a JSON-RPC error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements error interface
func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC Error %d: %s", e.Code, e.Message)
}

// ErrorData is attached to engine errors
type ErrorData struct {
	Kind      string `json:"kind"`
	Retryable bool   `json:"retryable"`
}

// Standard JSON-RPC error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603

	// EngineError is returned when the engine rejects a call
	EngineError = -32000
)

// ServeHTTP implements http.Handler
func (s *JSONRPCServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		s.sendError(w, nil, &RPCError{Code: ParseError, Message: "Parse error"})
		return
	}

	if req.JSONRPC != "2.0" || req.Method == "" {
		s.sendError(w, req.ID, &RPCError{Code: InvalidRequest, Message: "Invalid Request"})
		return
	}

	result, rpcErr := s.handleMethod(req.Method, req.Params)
	if rpcErr != nil {
		s.logger.Debug("RPC call failed", "method", req.Method, "error", rpcErr.Message)
		s.sendError(w, req.ID, rpcErr)
		return
	}

	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Result:  result,
		ID:      req.ID,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *JSONRPCServer) sendError(w http.ResponseWriter, id interface{}, rpcErr *RPCError) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Error:   rpcErr,
		ID:      id,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func invalidParams(format string, args ...any) *RPCError {
	return &RPCError{Code: InvalidParams, Message: fmt.Sprintf(format, args...)}
}

// engineError converts an engine error, tagging it with its kind
func engineError(err error) *RPCError {
	return &RPCError{
		Code:    EngineError,
		Message: err.Error(),
		Data: ErrorData{
			Kind:      KindOf(err).String(),
			Retryable: market.Retryable(err),
		},
	}
}

// KindOf classifies err, extending the market classification with the
// errors of the registry, tokens and oracle
func KindOf(err error) market.Kind {
	if kind := market.KindOf(err); kind != market.KindUnknown {
		return kind
	}
	switch {
	case errors.Is(err, manager.ErrNotOwner):
		return market.KindAuthorization
	case errors.Is(err, manager.ErrUnknownMarket),
		errors.Is(err, manager.ErrUnknownToken),
		errors.Is(err, asset.ErrAmountIsZero),
		errors.Is(err, asset.ErrTokenNotFound),
		errors.Is(err, oracle.ErrInvalidPrice):
		return market.KindValidation
	case errors.Is(err, manager.ErrMarketExists),
		errors.Is(err, asset.ErrInsufficientBalance),
		errors.Is(err, asset.ErrInsufficientAllowance),
		errors.Is(err, oracle.ErrCircuitTripped):
		return market.KindState
	}
	return market.KindUnknown
}

// StartJSONRPCServer serves the JSON-RPC API on /rpc until ctx is done
func StartJSONRPCServer(ctx context.Context, port int, n *node.Node, logger log.Logger, health http.HandlerFunc) error {
	server := NewJSONRPCServer(n, logger)

	mux := http.NewServeMux()
	mux.Handle("/rpc", server)
	if health != nil {
		mux.HandleFunc("/health", health)
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		httpServer.Shutdown(context.Background())
	}()

	logger.Info("JSON-RPC server started", "port", port, "endpoint", "/rpc")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
