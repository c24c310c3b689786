// Package upstream is a typed wrapper over the untrusted JSON-RPC endpoint
// this proxy forwards data-fetching work to. It never makes a trust
// decision itself; it only speaks the wire protocol and retries transport
// failures. Every response it returns is treated as a lie until some other
// component verifies it.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/metrics"
	"golang.org/x/sync/errgroup"
)

const maxAttempts = 5

var (
	callsCounter   = metrics.NewRegisteredCounter("upstream/calls", nil)
	retriesCounter = metrics.NewRegisteredCounter("upstream/retries", nil)
	callTimer      = metrics.NewRegisteredTimer("upstream/call_latency", nil)
)

// BatchElem is one call within a batch, modeled on go-ethereum's
// rpc.Client.BatchCall: the caller supplies Method/Args and a destination
// for Result, and reads Error after the batch returns.
type BatchElem struct {
	Method string
	Args   []any
	Result any
	Error  error
}

// Client talks JSON-RPC 2.0 over HTTP to a single upstream endpoint.
type Client struct {
	url        string
	httpClient *http.Client

	// unsupported lists method names this client will fail synchronously,
	// without any network I/O. It also grows automatically once an upstream
	// reports "method not supported" for eth_getBlockReceipts, so callers
	// using the optional-method probe in internal/logverify do not pay the
	// round trip again.
	unsupported map[string]bool

	// batchSupported is false once the upstream has signalled it does not
	// support batched JSON-RPC requests; CallBatch then falls back to
	// sequential Call invocations that preserve order.
	batchSupported bool
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithUnsupportedMethods marks method names that must fail locally without
// any network round trip.
func WithUnsupportedMethods(methods ...string) Option {
	return func(c *Client) {
		for _, m := range methods {
			c.unsupported[m] = true
		}
	}
}

// WithoutBatchSupport disables batched requests; CallBatch degrades to
// sequential per-element Call invocations.
func WithoutBatchSupport() Option {
	return func(c *Client) { c.batchSupported = false }
}

// New creates a Client against the given upstream URL. The HTTP transport
// is shared across all requests and keeps a bounded pool of idle
// connections, matching the "bounded socket count (default 10)" resource
// policy for the shared upstream connection pool.
func New(url string, opts ...Option) *Client {
	c := &Client{
		url: url,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				MaxConnsPerHost:     10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		unsupported:    make(map[string]bool),
		batchSupported: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ErrUnsupportedMethod is returned synchronously, without any network I/O,
// for method names configured via WithUnsupportedMethods or discovered at
// runtime via MarkUnsupported.
type ErrUnsupportedMethod struct{ Method string }

func (e *ErrUnsupportedMethod) Error() string {
	return fmt.Sprintf("upstream: method not supported by the provider: %s", e.Method)
}

// MarkUnsupported records that the upstream has reported method as
// unsupported, so future calls fail locally without a round trip.
func (c *Client) MarkUnsupported(method string) {
	c.unsupported[method] = true
}

// IsUnsupported reports whether method is configured or discovered as
// unsupported.
func (c *Client) IsUnsupported(method string) bool {
	return c.unsupported[method]
}

type jsonrpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Method  string          `json:"method"`
	Params  []any           `json:"params"`
}

type jsonrpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("upstream: rpc error %d: %s", e.Code, e.Message)
}

func newID() uint64 { return rand.Uint64() }

// Call performs a single JSON-RPC request, retrying transport and decoding
// failures up to maxAttempts times. A JSON-RPC error field is a terminal
// failure (it is a substantive answer from the upstream, not a transport
// glitch) and is not retried.
func (c *Client) Call(ctx context.Context, result any, method string, args ...any) error {
	if c.unsupported[method] {
		return &ErrUnsupportedMethod{Method: method}
	}
	callsCounter.Inc(1)
	defer func(start time.Time) { callTimer.UpdateSince(start) }(time.Now())

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			retriesCounter.Inc(1)
		}
		raw, err := c.doOne(ctx, method, args)
		if err == nil {
			if result != nil && len(raw) > 0 {
				return json.Unmarshal(raw, result)
			}
			return nil
		}
		if _, isRPCErr := err.(*rpcError); isRPCErr {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("upstream: call %s failed after %d attempts: %w", method, maxAttempts, lastErr)
}

func (c *Client) doOne(ctx context.Context, method string, args []any) (json.RawMessage, error) {
	req := jsonrpcRequest{JSONRPC: "2.0", ID: newID(), Method: method, Params: args}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var decoded jsonrpcResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, fmt.Errorf("upstream: decode response: %w", err)
	}
	if decoded.Error != nil {
		return nil, decoded.Error
	}
	return decoded.Result, nil
}

// CallBatch performs every element of batch, retrying up to maxAttempts
// times. Retries are selective: only the sub-requests that failed on the
// previous attempt are re-sent. If the upstream does not support batching,
// each element is issued as a sequential Call, preserving order.
func (c *Client) CallBatch(ctx context.Context, batch []*BatchElem) error {
	for _, elem := range batch {
		if c.unsupported[elem.Method] {
			elem.Error = &ErrUnsupportedMethod{Method: elem.Method}
		}
	}
	anyUnsupported := false
	for _, elem := range batch {
		if elem.Error != nil {
			anyUnsupported = true
			break
		}
	}
	if anyUnsupported {
		return fmt.Errorf("upstream: batch contains an unsupported method")
	}

	if !c.batchSupported {
		fns := make([]func(ctx context.Context) error, len(batch))
		for i, elem := range batch {
			elem := elem
			fns[i] = func(ctx context.Context) error {
				elem.Error = c.Call(ctx, elem.Result, elem.Method, elem.Args...)
				return nil
			}
		}
		return c.CallConcurrent(ctx, fns...)
	}

	pending := batch
	var lastErr error
	for attempt := 0; attempt < maxAttempts && len(pending) > 0; attempt++ {
		failed, err := c.doBatch(ctx, pending)
		if err != nil {
			lastErr = err
			continue
		}
		pending = failed
	}
	if len(pending) > 0 {
		for _, elem := range pending {
			if elem.Error == nil {
				elem.Error = fmt.Errorf("upstream: batch call %s failed after %d attempts: %w", elem.Method, maxAttempts, lastErr)
			}
		}
	}
	return nil
}

// doBatch sends one batched HTTP round trip for elems and returns the
// subset that must be retried (transport failures only; JSON-RPC error
// fields are terminal and are not retried).
func (c *Client) doBatch(ctx context.Context, elems []*BatchElem) ([]*BatchElem, error) {
	type entry struct {
		id   uint64
		elem *BatchElem
	}
	ids := make([]entry, len(elems))
	reqs := make([]jsonrpcRequest, len(elems))
	for i, elem := range elems {
		id := newID()
		ids[i] = entry{id: id, elem: elem}
		reqs[i] = jsonrpcRequest{JSONRPC: "2.0", ID: id, Method: elem.Method, Params: elem.Args}
	}

	body, err := json.Marshal(reqs)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return elems, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return elems, err
	}

	var decoded []jsonrpcResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return elems, fmt.Errorf("upstream: decode batch response: %w", err)
	}

	byID := make(map[uint64]*jsonrpcResponse, len(decoded))
	for i := range decoded {
		byID[decoded[i].ID] = &decoded[i]
	}

	var retry []*BatchElem
	for _, e := range ids {
		resp, ok := byID[e.id]
		if !ok {
			retry = append(retry, e.elem)
			continue
		}
		if resp.Error != nil {
			e.elem.Error = resp.Error
			continue
		}
		if e.elem.Result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, e.elem.Result); err != nil {
				e.elem.Error = err
				continue
			}
		}
		e.elem.Error = nil
	}
	return retry, nil
}

// CallConcurrent issues n independent single Calls concurrently, each
// retried per Call's own policy, and returns as soon as all complete or the
// context is cancelled. It exists for callers (such as the execution
// adapter) that need eth_getProof and eth_getCode fetched in parallel but
// do not need a single batched HTTP round trip.
func (c *Client) CallConcurrent(ctx context.Context, fns ...func(ctx context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, fn := range fns {
		fn := fn
		g.Go(func() error { return fn(gctx) })
	}
	return g.Wait()
}
