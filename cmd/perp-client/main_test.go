package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	level, _ := log.ToLevel("error")
	return NewClient(srv.URL, log.NewTestLogger(level))
}

func TestCall(t *testing.T) {
	var got rpcRequest
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rpc", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"jsonrpc":"2.0","result":"pong","id":1}`))
	})

	result, err := client.Call("perp_ping", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"pong"`, string(result))
	assert.Equal(t, "2.0", got.JSONRPC)
	assert.Equal(t, "perp_ping", got.Method)
	assert.Equal(t, uint64(1), got.ID)
}

func TestCallErrors(t *testing.T) {
	t.Run("RPCError", func(t *testing.T) {
		client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"jsonrpc":"2.0","error":{"code":-32000,"message":"position not found","data":{"kind":"validation"}},"id":1}`))
		})
		_, err := client.Call("market_close", nil)
		var rpcErr *RPCError
		require.ErrorAs(t, err, &rpcErr)
		assert.Equal(t, -32000, rpcErr.Code)
		assert.Contains(t, err.Error(), "validation")
	})

	t.Run("Status", func(t *testing.T) {
		client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusMethodNotAllowed)
		})
		_, err := client.Call("perp_ping", nil)
		assert.ErrorContains(t, err, "405")
	})

	t.Run("Garbage", func(t *testing.T) {
		client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("<html>"))
		})
		_, err := client.Call("perp_ping", nil)
		assert.ErrorContains(t, err, "failed to parse response")
	})
}

func TestRequest(t *testing.T) {
	o := options{market: "0xm", from: "0xf", user: "0xu", amount: "10", leverage: 5, long: true, id: 2}

	method, params, err := request("open", o)
	require.NoError(t, err)
	assert.Equal(t, "market_open", method)
	assert.Equal(t, uint(5), params.(map[string]interface{})["leverage"])

	method, _, err = request("withdraw-native", o)
	require.NoError(t, err)
	assert.Equal(t, "market_withdrawNative", method)

	method, params, err = request("liquidate", o)
	require.NoError(t, err)
	assert.Equal(t, "market_liquidate", method)
	assert.Equal(t, uint64(2), params.(map[string]interface{})["id"])

	o.leverage = 300
	_, _, err = request("open", o)
	assert.Error(t, err)

	_, _, err = request("placeOrder", o)
	assert.Error(t, err)
}
