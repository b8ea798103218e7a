package consensus

import (
    "context"
    "errors"
    "time"

    "github.com/amirimatin/go-bftstore/pkg/consensus/pbft"
    "github.com/amirimatin/go-bftstore/pkg/state/kv"
)

var (
    ErrNotStarted = errors.New("consensus: not started")
    ErrNotLeader  = errors.New("consensus: not leader")
)

// Committed describes where an agreed batch landed in the store.
type Committed struct {
    Seqno   pbft.Index `json:"seqno"`
    View    pbft.Term  `json:"view"`
    Version kv.Version `json:"version"`
    Digest  []byte     `json:"digest,omitempty"`
}

// Consensus is the minimal abstraction over an ordering engine. Every batch
// it agrees on is handed to a pbft.Store in agreed order before Propose
// returns.
type Consensus interface {
    Start(ctx context.Context) error
    Propose(reqs []pbft.Request, timeout time.Duration) (Committed, error)
    IsLeader() bool
    Leader() (id string, addr string, ok bool)
    Term() uint64
    Stop() error
}
