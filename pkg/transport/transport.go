package transport

import (
    "context"

    "github.com/amirimatin/go-bftstore/pkg/consensus/pbft/wire"
)

// Transport exposes the local ordering engine address that joining nodes
// advertise to the leader.
type Transport interface {
    // Addr returns the local bind/advertise address if applicable.
    Addr() string
}

// DeliverFunc receives a decoded peer envelope and the bytes following its
// fixed-size prefix.
type DeliverFunc func(ctx context.Context, m wire.Message, body []byte) error

// PeerServer accepts envelopes from other replicas.
type PeerServer interface {
    Start(ctx context.Context, deliver DeliverFunc) error
    Addr() string
    Stop(ctx context.Context) error
}

// PeerClient sends envelopes to other replicas.
type PeerClient interface {
    Deliver(ctx context.Context, addr string, m wire.Message, body []byte) error
    Close()
}
