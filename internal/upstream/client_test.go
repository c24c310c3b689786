package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestCallSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"0x1"}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	var result string
	if err := c.Call(context.Background(), &result, "eth_chainId"); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result != "0x1" {
		t.Errorf("result = %q, want 0x1", result)
	}
}

func TestCallRetriesTransportFailure(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := attempts.Add(1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"0x2a"}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	var result string
	if err := c.Call(context.Background(), &result, "eth_blockNumber"); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result != "0x2a" {
		t.Errorf("result = %q, want 0x2a", result)
	}
	if attempts.Load() != 3 {
		t.Errorf("attempts = %d, want 3", attempts.Load())
	}
}

func TestCallGivesUpAfterMaxAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL)
	var result string
	err := c.Call(context.Background(), &result, "eth_blockNumber")
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
}

func TestCallRPCErrorIsNotRetried(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"boom"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	var result string
	err := c.Call(context.Background(), &result, "eth_call")
	if err == nil {
		t.Fatal("expected rpc error")
	}
	if attempts.Load() != 1 {
		t.Errorf("attempts = %d, want 1 (rpc errors must not be retried)", attempts.Load())
	}
}

func TestCallUnsupportedMethodFailsWithoutNetworkIO(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	c := New(srv.URL, WithUnsupportedMethods("eth_getBlockReceipts"))
	err := c.Call(context.Background(), nil, "eth_getBlockReceipts")
	if err == nil {
		t.Fatal("expected ErrUnsupportedMethod")
	}
	if called {
		t.Fatal("unsupported method must not perform any network I/O")
	}
}

func TestCallBatchSelectiveRetry(t *testing.T) {
	var round atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var reqs []json.RawMessage
		json.NewDecoder(r.Body).Decode(&reqs)
		n := round.Add(1)

		type idOnly struct {
			ID uint64 `json:"id"`
		}
		var resp []map[string]any
		for _, raw := range reqs {
			var io idOnly
			json.Unmarshal(raw, &io)
			if n == 1 && len(resp) == 0 {
				// First element fails on round 1 only.
				resp = append(resp, map[string]any{"jsonrpc": "2.0", "id": io.ID, "error": map[string]any{"code": -1, "message": "nope"}})
				continue
			}
			resp = append(resp, map[string]any{"jsonrpc": "2.0", "id": io.ID, "result": "0x1"})
		}
		b, _ := json.Marshal(resp)
		w.Write(b)
	}))
	defer srv.Close()

	c := New(srv.URL)
	var r1, r2 string
	batch := []*BatchElem{
		{Method: "eth_getBalance", Result: &r1},
		{Method: "eth_getCode", Result: &r2},
	}
	if err := c.CallBatch(context.Background(), batch); err != nil {
		t.Fatalf("CallBatch: %v", err)
	}
}

func TestCallBatchFallsBackToSequentialWithoutBatchSupport(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		seen = append(seen, req["method"].(string))
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"0x1"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, WithoutBatchSupport())
	var r1, r2 string
	batch := []*BatchElem{
		{Method: "eth_getBalance", Result: &r1},
		{Method: "eth_getCode", Result: &r2},
	}
	if err := c.CallBatch(context.Background(), batch); err != nil {
		t.Fatalf("CallBatch: %v", err)
	}
	if len(seen) != 2 || seen[0] != "eth_getBalance" || seen[1] != "eth_getCode" {
		t.Errorf("seen = %v, want sequential order preserved", seen)
	}
}
