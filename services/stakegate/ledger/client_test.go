package ledger

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stakegate/crypto"
	"stakegate/native/staking"
)

type rpcHandler func(params json.RawMessage) (interface{}, *RPCError)

type fakeNode struct {
	t        *testing.T
	mu       sync.Mutex
	handlers map[string]rpcHandler
	calls    map[string]int
	status   int
}

func newFakeNode(t *testing.T) (*fakeNode, *httptest.Server) {
	node := &fakeNode{t: t, handlers: map[string]rpcHandler{}, calls: map[string]int{}}
	srv := httptest.NewServer(http.HandlerFunc(node.serve))
	t.Cleanup(srv.Close)
	return node, srv
}

func (n *fakeNode) handle(method string, h rpcHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[method] = h
}

func (n *fakeNode) count(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[method]
}

func (n *fakeNode) serve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     int64           `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	require.NoError(n.t, json.NewDecoder(r.Body).Decode(&req))
	n.mu.Lock()
	n.calls[req.Method]++
	h := n.handlers[req.Method]
	status := n.status
	n.mu.Unlock()
	if status != 0 {
		w.WriteHeader(status)
		return
	}
	if h == nil {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "error": RPCError{Code: -32601, Message: "method not found"}})
		return
	}
	result, rpcErr := h(req.Params)
	resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
	if rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func newTestClient(t *testing.T, url string) (*Client, *Vault) {
	vault := testVault(t)
	fast := RetryPolicy{Attempts: 3, Delay: time.Millisecond}
	confirm := RetryPolicy{Attempts: 3, Delay: time.Millisecond, RetryIf: RetryWhilePending}
	return NewClient(NewRPCClient(url, "", time.Second), vault, WithReadPolicy(fast), WithConfirmationPolicy(confirm)), vault
}

func TestStakeAccountMissingIsNotAnError(t *testing.T) {
	node, srv := newFakeNode(t)
	node.handle("getAccountInfo", func(json.RawMessage) (interface{}, *RPCError) {
		return map[string]interface{}{"context": map[string]int{"slot": 1}, "value": nil}, nil
	})
	client, _ := newTestClient(t, srv.URL)
	user, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)

	acct, err := client.StakeAccount(context.Background(), user.PubKey())
	require.NoError(t, err)
	require.Nil(t, acct)
}

func TestStakeAccountDecodesDerivedAddress(t *testing.T) {
	node, srv := newFakeNode(t)
	client, vault := newTestClient(t, srv.URL)
	user, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	stakeAddr, err := vault.StakeAddress(user.PubKey())
	require.NoError(t, err)

	acct := &staking.StakeAccount{Owner: user.PubKey(), Amount: 600_000_000_000, StakedAt: time.Unix(1_700_000_000, 0).UTC(), Status: staking.StatusActive}
	node.handle("getAccountInfo", func(params json.RawMessage) (interface{}, *RPCError) {
		var args []json.RawMessage
		require.NoError(t, json.Unmarshal(params, &args))
		var addr string
		require.NoError(t, json.Unmarshal(args[0], &addr))
		require.Equal(t, stakeAddr.String(), addr)
		return map[string]interface{}{"value": map[string]interface{}{
			"data":  []string{base64.StdEncoding.EncodeToString(EncodeStakeAccount(acct)), "base64"},
			"owner": vault.Config.ProgramID.String(),
		}}, nil
	})

	got, err := client.StakeAccount(context.Background(), user.PubKey())
	require.NoError(t, err)
	require.Equal(t, acct, got)
}

func TestStakeAccountSurfacesOutages(t *testing.T) {
	node, srv := newFakeNode(t)
	node.status = http.StatusBadGateway
	client, _ := newTestClient(t, srv.URL)
	user, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)

	acct, err := client.StakeAccount(context.Background(), user.PubKey())
	require.ErrorIs(t, err, staking.ErrLedgerUnavailable)
	require.Nil(t, acct)
	require.Equal(t, 3, node.count("getAccountInfo"))
}

func TestStakeAccountRejectsForeignOwner(t *testing.T) {
	node, srv := newFakeNode(t)
	client, _ := newTestClient(t, srv.URL)
	user, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	acct := &staking.StakeAccount{Owner: user.PubKey(), Amount: 1, Status: staking.StatusActive}
	node.handle("getAccountInfo", func(json.RawMessage) (interface{}, *RPCError) {
		return map[string]interface{}{"value": map[string]interface{}{
			"data":  []string{base64.StdEncoding.EncodeToString(EncodeStakeAccount(acct)), "base64"},
			"owner": crypto.TokenProgramID.String(),
		}}, nil
	})
	_, err = client.StakeAccount(context.Background(), user.PubKey())
	require.ErrorIs(t, err, ErrMalformedAccount)
}

func TestTransactionLookup(t *testing.T) {
	node, srv := newFakeNode(t)
	client, _ := newTestClient(t, srv.URL)
	payer, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)

	node.handle("getTransaction", func(params json.RawMessage) (interface{}, *RPCError) {
		var args []json.RawMessage
		require.NoError(t, json.Unmarshal(params, &args))
		var sig string
		require.NoError(t, json.Unmarshal(args[0], &sig))
		if sig == "missing" {
			return nil, nil
		}
		return map[string]interface{}{
			"slot":      42,
			"blockTime": 1_700_000_000,
			"meta": map[string]interface{}{
				"err": nil,
				"preTokenBalances": []interface{}{
					map[string]interface{}{"accountIndex": 1, "mint": "M", "owner": "S", "uiTokenAmount": map[string]interface{}{"amount": "10", "decimals": 9}},
				},
				"postTokenBalances": []interface{}{
					map[string]interface{}{"accountIndex": 1, "mint": "M", "owner": "S", "uiTokenAmount": map[string]interface{}{"amount": "50", "decimals": 9}},
				},
			},
			"transaction": map[string]interface{}{
				"signatures": []string{sig},
				"message": map[string]interface{}{"accountKeys": []interface{}{
					map[string]interface{}{"pubkey": payer.PubKey().String(), "signer": true},
					map[string]interface{}{"pubkey": crypto.TokenProgramID.String(), "signer": false},
				}},
			},
		}, nil
	})

	_, err = client.Transaction(context.Background(), "missing")
	require.ErrorIs(t, err, staking.ErrNotFound)

	tx, err := client.Transaction(context.Background(), "present")
	require.NoError(t, err)
	require.False(t, tx.Failed())
	require.True(t, tx.SignedBy(payer.PubKey()))
	require.False(t, tx.SignedBy(crypto.TokenProgramID))
	require.Equal(t, uint64(50), tx.PostTokenBalances[0].Amount.Uint64())
	require.Equal(t, uint64(42), tx.Slot)
}

func TestTokenBalanceMissingAccount(t *testing.T) {
	node, srv := newFakeNode(t)
	client, _ := newTestClient(t, srv.URL)
	owner, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	node.handle("getTokenAccountBalance", func(json.RawMessage) (interface{}, *RPCError) {
		return nil, &RPCError{Code: -32602, Message: "Invalid param: could not find account"}
	})
	_, err = client.TokenBalance(context.Background(), owner.PubKey())
	require.ErrorIs(t, err, staking.ErrNotFound)
	require.Equal(t, 1, node.count("getTokenAccountBalance"))
}

func TestSubmitSignsSendsAndConfirms(t *testing.T) {
	node, srv := newFakeNode(t)
	client, vault := newTestClient(t, srv.URL)
	user, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)

	var blockhash crypto.PublicKey
	blockhash[5] = 1
	var sentWire []byte
	node.handle("getLatestBlockhash", func(json.RawMessage) (interface{}, *RPCError) {
		return map[string]interface{}{"value": map[string]interface{}{"blockhash": blockhash.String(), "lastValidBlockHeight": 100}}, nil
	})
	node.handle("sendTransaction", func(params json.RawMessage) (interface{}, *RPCError) {
		var args []json.RawMessage
		require.NoError(t, json.Unmarshal(params, &args))
		var encoded string
		require.NoError(t, json.Unmarshal(args[0], &encoded))
		raw, err := base64.StdEncoding.DecodeString(encoded)
		require.NoError(t, err)
		sentWire = raw
		return crypto.EncodeSignature(raw[1:65]), nil
	})
	polls := 0
	node.handle("getSignatureStatuses", func(json.RawMessage) (interface{}, *RPCError) {
		polls++
		if polls == 1 {
			return map[string]interface{}{"value": []interface{}{nil}}, nil
		}
		return map[string]interface{}{"value": []interface{}{map[string]interface{}{"err": nil, "confirmationStatus": "confirmed"}}}, nil
	})

	ix, err := vault.RequestUnstakeInstruction(user.PubKey())
	require.NoError(t, err)
	sig, err := client.Submit(context.Background(), ix, user)
	require.NoError(t, err)
	require.Equal(t, 2, polls)

	raw, err := crypto.DecodeSignature(sig)
	require.NoError(t, err)
	require.True(t, crypto.Verify(user.PubKey(), sentWire[65:], raw))
}

func TestSubmitMapsPreflightRejection(t *testing.T) {
	node, srv := newFakeNode(t)
	client, vault := newTestClient(t, srv.URL)
	user, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	node.handle("getLatestBlockhash", func(json.RawMessage) (interface{}, *RPCError) {
		return map[string]interface{}{"value": map[string]interface{}{"blockhash": crypto.TokenProgramID.String()}}, nil
	})
	node.handle("sendTransaction", func(json.RawMessage) (interface{}, *RPCError) {
		return nil, &RPCError{Code: -32002, Message: "Transaction simulation failed: custom program error: 0x1771"}
	})
	ix, err := vault.CompleteUnstakeInstruction(user.PubKey())
	require.NoError(t, err)
	_, err = client.Submit(context.Background(), ix, user)
	require.ErrorIs(t, err, staking.ErrInvalidState)
}
