package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/luxfi/log"
)

type RPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int         `json:"id"`
}

type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      int             `json:"id"`
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type VaultClient struct {
	baseURL string
	logger  log.Logger
	client  *http.Client
	nextID  int
}

func NewVaultClient(baseURL string) *VaultClient {
	level, _ := log.ToLevel("info")
	logger := log.NewTestLogger(level)
	return &VaultClient{
		baseURL: baseURL,
		logger:  logger,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *VaultClient) Call(method string, params interface{}) (json.RawMessage, error) {
	c.nextID++
	data, err := json.Marshal(RPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID,
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

	var rpcResp RPCResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %s", string(body))
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

func main() {
	var (
		serverURL = flag.String("server", "http://localhost:8080", "Vault server URL")
		action    = flag.String("action", "stats", "Action: create, deposit, withdraw, open, close, liquidate, account, positions, stats, ping")
		user      = flag.String("user", "client1", "User ID")
		caller    = flag.String("caller", "client1", "Caller for gated operations")
		token     = flag.String("token", "USDT", "Collateral token")
		asset     = flag.String("asset", "BTC-USDT", "Position asset")
		amount    = flag.String("amount", "1000", "Collateral amount")
		size      = flag.String("size", "1", "Position size")
		price     = flag.String("price", "50000", "Entry, exit or liquidation price")
		leverage  = flag.Int64("leverage", 10, "Position leverage")
		side      = flag.String("side", "long", "Position side: long or short")
		index     = flag.Int("index", 0, "Position index")
	)
	flag.Parse()

	logger := log.Root()
	logger.Info("Vault client", "server", *serverURL, "action", *action)

	client := NewVaultClient(*serverURL)

	var (
		result json.RawMessage
		err    error
	)

	switch *action {
	case "create":
		result, err = client.Call("vault_createAccount", map[string]interface{}{
			"user": *user, "token": *token, "amount": *amount,
		})

	case "deposit":
		result, err = client.Call("vault_depositMargin", map[string]interface{}{
			"user": *user, "amount": *amount,
		})

	case "withdraw":
		result, err = client.Call("vault_withdrawMargin", map[string]interface{}{
			"user": *user, "amount": *amount,
		})

	case "open":
		result, err = client.Call("vault_openPosition", map[string]interface{}{
			"user": *user, "asset": *asset, "size": *size,
			"entryPrice": *price, "leverage": *leverage, "side": *side,
		})

	case "close":
		result, err = client.Call("vault_closePosition", map[string]interface{}{
			"user": *user, "index": *index, "exitPrice": *price,
		})

	case "liquidate":
		result, err = client.Call("vault_liquidatePosition", map[string]interface{}{
			"caller": *caller, "user": *user, "index": *index, "price": *price,
		})

	case "account":
		result, err = client.Call("vault_getAccount", map[string]interface{}{
			"user": *user,
		})

	case "positions":
		result, err = client.Call("vault_getPositions", map[string]interface{}{
			"user": *user,
		})

	case "stats":
		result, err = client.Call("vault_getStats", map[string]interface{}{})

	case "ping":
		result, err = client.Call("vault_ping", map[string]interface{}{})

	default:
		logger.Error("Unknown action", "action", *action)
		os.Exit(1)
	}

	if err != nil {
		logger.Error("Request failed", "action", *action, "error", err)
		os.Exit(1)
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, result, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(result))
	}

	logger.Info("Client operation complete")
}
