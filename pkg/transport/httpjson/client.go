package httpjson

import (
    "bytes"
    "context"
    "crypto/tls"
    "encoding/json"
    "fmt"
    "io"
    "net/http"
    "strings"
    "time"

    "github.com/amirimatin/go-bftstore/pkg/consensus"
    "github.com/amirimatin/go-bftstore/pkg/consensus/pbft"
    "github.com/amirimatin/go-bftstore/pkg/state/kv"
    "github.com/amirimatin/go-bftstore/pkg/transport"
)

const defaultAttempts = 3

// Client is a thin HTTP client for the management API. It supports optional
// TLS configuration and simple retry with backoff for robustness.
type Client struct {
    httpc     *http.Client
    transport *http.Transport
    isTLS     bool
    attempts  int
    backoff   time.Duration
}

// NewClient constructs a new Client with the given timeout.
func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    tr := &http.Transport{}
    return &Client{
        httpc:     &http.Client{Timeout: timeout, Transport: tr},
        transport: tr,
        attempts:  defaultAttempts,
        backoff:   100 * time.Millisecond,
    }
}

// UseTLS sets the TLS config for the underlying HTTP client and switches the
// request scheme to https.
func (c *Client) UseTLS(cfg *tls.Config) *Client {
    if c.transport != nil { c.transport.TLSClientConfig = cfg }
    c.isTLS = cfg != nil
    return c
}

// WithRetry overrides the number of attempts and the initial backoff.
func (c *Client) WithRetry(attempts int, backoff time.Duration) *Client {
    if attempts > 0 { c.attempts = attempts }
    if backoff > 0 { c.backoff = backoff }
    return c
}

// StatusError is returned for non-2xx responses. It unwraps to the sentinel
// the server mapped onto the status code, so errors.Is works across the wire.
type StatusError struct {
    Code int
    Msg  string
    body []byte
}

func (e *StatusError) Error() string { return fmt.Sprintf("status %d: %s", e.Code, e.Msg) }

func (e *StatusError) Unwrap() error {
    switch e.Code {
    case http.StatusNotFound:
        return kv.ErrNotFound
    case http.StatusGone:
        return kv.ErrCompacted
    case http.StatusConflict:
        return consensus.ErrNotLeader
    case http.StatusServiceUnavailable:
        return pbft.ErrUnavailable
    }
    return nil
}

// transient 5xx answers are retried; everything else is final.
func (e *StatusError) retryable() bool {
    return e.Code >= 500 && e.Code != http.StatusNotImplemented && e.Code != http.StatusServiceUnavailable
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
    return c.do(ctx, http.MethodGet, addr, "/status", nil, nil)
}

func (c *Client) PostJoin(ctx context.Context, addr string, req transport.JoinRequest) (transport.JoinResponse, error) {
    var out transport.JoinResponse
    _, err := c.do(ctx, http.MethodPost, addr, "/join", req, &out)
    return out, err
}

func (c *Client) PostLeave(ctx context.Context, addr string, req transport.LeaveRequest) (transport.LeaveResponse, error) {
    var out transport.LeaveResponse
    _, err := c.do(ctx, http.MethodPost, addr, "/leave", req, &out)
    return out, err
}

// PostPropose submits a batch. A follower answers with a conflict carrying
// the leader address in the response.
func (c *Client) PostPropose(ctx context.Context, addr string, req transport.ProposeRequest) (transport.ProposeResponse, error) {
    var out transport.ProposeResponse
    _, err := c.do(ctx, http.MethodPost, addr, "/propose", req, &out)
    return out, err
}

// GetLedger fetches the raw write set committed at version.
func (c *Client) GetLedger(ctx context.Context, addr string, version int64) ([]byte, error) {
    return c.do(ctx, http.MethodGet, addr, fmt.Sprintf("/ledger?version=%d", version), nil, nil)
}

func (c *Client) GetPrePrepare(ctx context.Context, addr string, version int64) (pbft.PrePrepare, error) {
    var out pbft.PrePrepare
    _, err := c.do(ctx, http.MethodGet, addr, fmt.Sprintf("/preprepare?version=%d", version), nil, &out)
    return out, err
}

func (c *Client) scheme() string {
    if c.isTLS { return "https" }
    return "http"
}

// do issues one management call, retrying transport errors and transient
// server errors with exponential backoff. The body is rebuilt per attempt.
func (c *Client) do(ctx context.Context, method, addr, path string, in, out any) ([]byte, error) {
    var body []byte
    if in != nil {
        b, err := json.Marshal(in)
        if err != nil { return nil, err }
        body = b
    }
    url := c.scheme() + "://" + addr + path
    var lastErr error
    for attempt := 0; attempt < c.attempts; attempt++ {
        if attempt > 0 {
            select {
            case <-ctx.Done():
                return nil, lastErr
            case <-time.After(c.backoff << (attempt - 1)):
            }
        }
        data, err := c.once(ctx, method, url, body)
        if err == nil {
            if out != nil {
                if err := json.Unmarshal(data, out); err != nil { return nil, fmt.Errorf("httpjson: decode %s: %w", path, err) }
            }
            return data, nil
        }
        lastErr = err
        se, ok := err.(*StatusError)
        if !ok {
            if ctx.Err() != nil { return nil, err }
            continue
        }
        if out != nil && len(se.body) > 0 { _ = json.Unmarshal(se.body, out) }
        if !se.retryable() { return nil, err }
    }
    return nil, lastErr
}

func (c *Client) once(ctx context.Context, method, url string, body []byte) ([]byte, error) {
    var r io.Reader
    if body != nil { r = bytes.NewReader(body) }
    req, err := http.NewRequestWithContext(ctx, method, url, r)
    if err != nil { return nil, err }
    if body != nil { req.Header.Set("Content-Type", "application/json") }
    resp, err := c.httpc.Do(req)
    if err != nil { return nil, err }
    defer resp.Body.Close()
    data, err := io.ReadAll(resp.Body)
    if err != nil { return nil, err }
    if resp.StatusCode/100 == 2 { return data, nil }
    return nil, &StatusError{Code: resp.StatusCode, Msg: errorText(data), body: data}
}

// errorText prefers the "error" field of a JSON body over the raw text.
func errorText(data []byte) string {
    var e struct{ Error string `json:"error"` }
    if json.Unmarshal(data, &e) == nil && e.Error != "" { return e.Error }
    return strings.TrimSpace(string(data))
}

var _ transport.RPCClient = (*Client)(nil)
