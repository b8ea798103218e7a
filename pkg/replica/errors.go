package replica

import (
    "errors"
    "fmt"

    "github.com/amirimatin/go-bftstore/pkg/consensus"
)

var (
    ErrClosed   = errors.New("replica: closed")
    ErrNoClient = errors.New("replica: no RPC client configured")
    // ErrNoLeader wraps consensus.ErrNotLeader for callers matching either.
    ErrNoLeader = fmt.Errorf("replica: leader management address unknown: %w", consensus.ErrNotLeader)
)
