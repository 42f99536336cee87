// Package api exposes the margin vault over JSON-RPC 2.0.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/luxfi/log"
	"github.com/luxfi/vault/pkg/margin"
	"github.com/shopspring/decimal"
)

// JSONRPCServer handles JSON-RPC 2.0 requests
type JSONRPCServer struct {
	vault  *margin.MarginVault
	logger log.Logger
}

// NewJSONRPCServer creates a new JSON-RPC server
func NewJSONRPCServer(vault *margin.MarginVault, logger log.Logger) *JSONRPCServer {
	return &JSONRPCServer{
		vault:  vault,
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

// Standard JSON-RPC error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// ServeHTTP implements http.Handler
func (s *JSONRPCServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, nil, ParseError, "Parse error")
		return
	}

	if req.JSONRPC != "2.0" {
		s.sendError(w, req.ID, InvalidRequest, "Invalid Request")
		return
	}

	// Route to method handler
	result, err := s.handleMethod(req.Method, req.Params)
	if err != nil {
		s.sendError(w, req.ID, err.(*RPCError).Code, err.(*RPCError).Message)
		return
	}

	// Send success response
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Result:  result,
		ID:      req.ID,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *JSONRPCServer) handleMethod(method string, params json.RawMessage) (interface{}, error) {
	switch method {
	// Account methods
	case "vault_createAccount":
		return s.createAccount(params)
	case "vault_depositMargin":
		return s.depositMargin(params)
	case "vault_withdrawMargin":
		return s.withdrawMargin(params)

	// Position methods
	case "vault_openPosition":
		return s.openPosition(params)
	case "vault_closePosition":
		return s.closePosition(params)
	case "vault_liquidatePosition":
		return s.liquidatePosition(params)

	// Admin methods
	case "vault_setAssetConfig":
		return s.setAssetConfig(params)
	case "vault_setLiquidationPenalty":
		return s.setLiquidationPenalty(params)

	// Read methods
	case "vault_getAccount":
		return s.getAccount(params)
	case "vault_getPositions":
		return s.getPositions(params)
	case "vault_getLiquidations":
		return s.getLiquidations(params)
	case "vault_getStats":
		return s.getStats(params)
	case "vault_ping":
		return "pong", nil

	default:
		return nil, &RPCError{Code: MethodNotFound, Message: "Method not found"}
	}
}

// Amounts and prices travel as decimal strings so precision never depends
// on JSON number handling.
func parseAmount(raw string) (*big.Int, error) {
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid amount"}
	}
	return value, nil
}

func parseSide(raw string) (margin.Side, error) {
	switch raw {
	case "long":
		return margin.Long, nil
	case "short":
		return margin.Short, nil
	default:
		return 0, &RPCError{Code: InvalidParams, Message: "Invalid side"}
	}
}

// Account creation
func (s *JSONRPCServer) createAccount(params json.RawMessage) (interface{}, error) {
	var p struct {
		User   string `json:"user"`
		Token  string `json:"token"`
		Amount string `json:"amount"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	amount, err := parseAmount(p.Amount)
	if err != nil {
		return nil, err
	}

	account, err := s.vault.CreateAccount(p.User, p.Token, amount)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return account, nil
}

// Margin deposit
func (s *JSONRPCServer) depositMargin(params json.RawMessage) (interface{}, error) {
	var p struct {
		User   string `json:"user"`
		Amount string `json:"amount"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	amount, err := parseAmount(p.Amount)
	if err != nil {
		return nil, err
	}

	if err := s.vault.DepositMargin(p.User, amount); err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return map[string]interface{}{
		"user":   p.User,
		"status": "deposited",
	}, nil
}

// Margin withdrawal
func (s *JSONRPCServer) withdrawMargin(params json.RawMessage) (interface{}, error) {
	var p struct {
		User   string `json:"user"`
		Amount string `json:"amount"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	amount, err := parseAmount(p.Amount)
	if err != nil {
		return nil, err
	}

	if err := s.vault.WithdrawMargin(p.User, amount); err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return map[string]interface{}{
		"user":   p.User,
		"status": "withdrawn",
	}, nil
}

// Open a leveraged position
func (s *JSONRPCServer) openPosition(params json.RawMessage) (interface{}, error) {
	var p struct {
		User       string `json:"user"`
		Asset      string `json:"asset"`
		Size       string `json:"size"`
		EntryPrice string `json:"entryPrice"`
		Leverage   int64  `json:"leverage"`
		Side       string `json:"side"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	size, err := parseAmount(p.Size)
	if err != nil {
		return nil, err
	}
	entryPrice, err := parseAmount(p.EntryPrice)
	if err != nil {
		return nil, err
	}
	side, err := parseSide(p.Side)
	if err != nil {
		return nil, err
	}

	position, err := s.vault.OpenPosition(p.User, p.Asset, size, entryPrice, p.Leverage, side)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return position, nil
}

// Close a position at a settlement price
func (s *JSONRPCServer) closePosition(params json.RawMessage) (interface{}, error) {
	var p struct {
		User      string `json:"user"`
		Index     int    `json:"index"`
		ExitPrice string `json:"exitPrice"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	exitPrice, err := parseAmount(p.ExitPrice)
	if err != nil {
		return nil, err
	}

	pnl, err := s.vault.ClosePosition(p.User, p.Index, exitPrice)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return map[string]interface{}{
		"user":   p.User,
		"index":  p.Index,
		"pnl":    pnl.Amount.String(),
		"loss":   pnl.Loss,
		"status": "closed",
	}, nil
}

// Force-liquidate an underwater position
func (s *JSONRPCServer) liquidatePosition(params json.RawMessage) (interface{}, error) {
	var p struct {
		Caller string `json:"caller"`
		User   string `json:"user"`
		Index  int    `json:"index"`
		Price  string `json:"price"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	price, err := parseAmount(p.Price)
	if err != nil {
		return nil, err
	}

	event, err := s.vault.LiquidatePosition(p.Caller, p.User, p.Index, price)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return event, nil
}

// Register or update asset risk parameters
func (s *JSONRPCServer) setAssetConfig(params json.RawMessage) (interface{}, error) {
	var p struct {
		Caller       string `json:"caller"`
		Asset        string `json:"asset"`
		Supported    bool   `json:"supported"`
		MaxLeverage  int64  `json:"maxLeverage"`
		ThresholdBps int64  `json:"thresholdBps"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	err := s.vault.SetAssetConfig(p.Caller, margin.AssetConfig{
		Asset:        p.Asset,
		Supported:    p.Supported,
		MaxLeverage:  p.MaxLeverage,
		ThresholdBps: p.ThresholdBps,
	})
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return map[string]interface{}{
		"asset":  p.Asset,
		"status": "configured",
	}, nil
}

// Update the global liquidation penalty
func (s *JSONRPCServer) setLiquidationPenalty(params json.RawMessage) (interface{}, error) {
	var p struct {
		Caller string `json:"caller"`
		Bps    int64  `json:"bps"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	if err := s.vault.SetLiquidationPenalty(p.Caller, p.Bps); err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return map[string]interface{}{
		"bps":    p.Bps,
		"status": "updated",
	}, nil
}

// Get an account snapshot
func (s *JSONRPCServer) getAccount(params json.RawMessage) (interface{}, error) {
	var p struct {
		User string `json:"user"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	account := s.vault.GetAccount(p.User)
	if account == nil {
		return nil, &RPCError{Code: InternalError, Message: margin.ErrAccountNotFound.Error()}
	}
	return account, nil
}

// Get a user's position list
func (s *JSONRPCServer) getPositions(params json.RawMessage) (interface{}, error) {
	var p struct {
		User string `json:"user"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	positions := s.vault.Positions(p.User)
	if positions == nil {
		positions = []*margin.Position{}
	}
	return positions, nil
}

// Get a page of the liquidation log
func (s *JSONRPCServer) getLiquidations(params json.RawMessage) (interface{}, error) {
	var p struct {
		Offset int `json:"offset"`
		Limit  int `json:"limit"`
	}
	p.Limit = 100
	json.Unmarshal(params, &p)

	events := s.vault.LiquidationEvents(p.Offset, p.Limit)
	if events == nil {
		events = []*margin.LiquidationEvent{}
	}
	return events, nil
}

// Get platform-wide vault statistics
func (s *JSONRPCServer) getStats(params json.RawMessage) (interface{}, error) {
	stats := s.vault.Stats()
	utilization := decimal.NewFromInt(stats.UtilizationBps).
		Div(decimal.NewFromInt(100)).StringFixed(2)

	return map[string]interface{}{
		"totalMarginDeposited": stats.TotalMarginDeposited.String(),
		"totalBorrowed":        stats.TotalBorrowed.String(),
		"utilizationBps":       stats.UtilizationBps,
		"utilizationPercent":   utilization,
		"liquidations":         stats.Liquidations,
		"accounts":             stats.Accounts,
		"penaltyBps":           s.vault.LiquidationPenaltyBps(),
		"timestamp":            time.Now().Unix(),
	}, nil
}

func (s *JSONRPCServer) sendError(w http.ResponseWriter, id interface{}, code int, message string) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Error: &RPCError{
			Code:    code,
			Message: message,
		},
		ID: id,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// StartJSONRPCServer starts the JSON-RPC server
func StartJSONRPCServer(ctx context.Context, port int, vault *margin.MarginVault, logger log.Logger) error {
	server := NewJSONRPCServer(vault, logger)

	mux := http.NewServeMux()
	mux.Handle("/", server)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		httpServer.Shutdown(context.Background())
	}()

	logger.Info("JSON-RPC server started", "port", port)
	return httpServer.ListenAndServe()
}
