package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"stakegate/native/staking"
	"stakegate/observability"
)

// RPCError is an error object returned by the ledger node.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("ledger rpc error %d: %s", e.Code, e.Message)
}

// RPCClient is a lightweight JSON-RPC client for a ledger node.
type RPCClient struct {
	baseURL   string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

// NewRPCClient constructs a new RPC client. Outbound requests are traced.
func NewRPCClient(baseURL, authToken string, timeout time.Duration) *RPCClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RPCClient{
		baseURL:   strings.TrimSpace(baseURL),
		authToken: strings.TrimSpace(authToken),
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Call invokes method and decodes the result into out. Transport failures,
// non-200 responses and server-side errors wrap staking.ErrLedgerUnavailable;
// request-level RPC errors are returned as *RPCError.
func (c *RPCClient) Call(ctx context.Context, method string, params interface{}, out interface{}) (err error) {
	start := time.Now()
	defer func() {
		observability.StakeGate().ObserveLedgerCall(method, time.Since(start), err)
	}()

	id := c.nextID.Add(1)
	bodyStruct := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	}
	buf, err := json.Marshal(bodyStruct)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", staking.ErrLedgerUnavailable, method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s failed: status=%d", staking.ErrLedgerUnavailable, method, resp.StatusCode)
	}
	var rpcResp struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  json.RawMessage `json:"result"`
		Error   *RPCError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("%w: %s: decode response: %v", staking.ErrLedgerUnavailable, method, err)
	}
	if rpcResp.Error != nil {
		if isServerError(rpcResp.Error.Code) {
			return fmt.Errorf("%w: %s: %w", staking.ErrLedgerUnavailable, method, rpcResp.Error)
		}
		return rpcResp.Error
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return fmt.Errorf("%w: %s returned empty result", staking.ErrLedgerUnavailable, method)
	}
	return json.Unmarshal(rpcResp.Result, out)
}

// isServerError reports node-side failures (node behind, internal error)
// that are worth retrying.
func isServerError(code int) bool {
	return code == -32603 || (code <= -32000 && code >= -32099)
}

func isAccountMissing(err error) bool {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	return strings.Contains(strings.ToLower(rpcErr.Message), "could not find account")
}
