package grpc

import (
    "context"
    "crypto/tls"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/backoff"
    "google.golang.org/grpc/codes"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/credentials/insecure"
    "google.golang.org/grpc/keepalive"
    "google.golang.org/grpc/status"

    "github.com/amirimatin/go-bftstore/pkg/consensus/pbft/wire"
    obsmetrics "github.com/amirimatin/go-bftstore/pkg/observability/metrics"
    "github.com/amirimatin/go-bftstore/pkg/transport"
)

// Client sends envelopes to peers, keeping one cached connection per
// address.
type Client struct {
    timeout time.Duration
    tlsCfg  *tls.Config
    conns   *peerConns
}

func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    c := &Client{timeout: timeout}
    c.conns = newPeerConns(30*time.Second, c.dialCtx)
    return c
}

// UseTLS sets TLS config for the client.
func (c *Client) UseTLS(cfg *tls.Config) *Client { c.tlsCfg = cfg; return c }

func (c *Client) dialCtx(ctx context.Context, target string) (*grpc.ClientConn, error) {
    opts := []grpc.DialOption{
        grpc.WithDefaultCallOptions(grpc.ForceCodec(peerCodec{})),
        grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
        grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
        grpc.WithBlock(),
    }
    if c.tlsCfg != nil {
        opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(c.tlsCfg)))
    } else {
        opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
    }
    return grpc.DialContext(ctx, target, opts...)
}

// Deliver encodes m followed by body and sends it to addr.
func (c *Client) Deliver(ctx context.Context, addr string, m wire.Message, body []byte) error {
    data, err := wire.Encode(m, body)
    if err != nil { return err }
    return c.DeliverRaw(ctx, addr, data)
}

// DeliverRaw sends already-encoded envelope bytes. Used by tooling to exercise
// a peer with hand-built frames.
func (c *Client) DeliverRaw(ctx context.Context, addr string, data []byte) error {
    cctx, cancel := context.WithTimeout(ctx, c.timeout)
    defer cancel()
    cc, rel, err := c.conns.acquire(cctx, addr)
    if err != nil { return err }
    err = cc.Invoke(cctx, deliverMethod, &envelope{Data: data}, &ack{})
    rel()
    if err != nil {
        if status.Code(err) == codes.Unavailable { c.conns.drop(addr) }
        kind := "unknown"
        if h, herr := wire.PeekHeader(data); herr == nil { kind = h.Kind.String() }
        obsmetrics.PeerSendErrors.WithLabelValues(kind).Inc()
    }
    return err
}

// Close drops all cached connections.
func (c *Client) Close() { c.conns.close() }

var _ transport.PeerClient = (*Client)(nil)
