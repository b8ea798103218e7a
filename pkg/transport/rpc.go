package transport

import (
    "context"

    "github.com/amirimatin/go-bftstore/pkg/consensus/pbft"
)

// StatusFunc returns the replica status already encoded as JSON, so this
// package does not depend on replica.
type StatusFunc func(ctx context.Context) ([]byte, error)

// JoinRequest asks the leader to make ID a voter at RaftAddr. PeerAddr is
// informational; status gossip finds peers on its own.
type JoinRequest struct {
    ID       string `json:"id"`
    RaftAddr string `json:"raftAddr"`
    PeerAddr string `json:"peerAddr,omitempty"`
}

// JoinResponse names the leader's management address when the receiver
// could not accept the join itself.
type JoinResponse struct {
    Accepted bool   `json:"accepted"`
    Leader   string `json:"leader,omitempty"`
    Error    string `json:"error,omitempty"`
}

type JoinFunc func(ctx context.Context, req JoinRequest) (JoinResponse, error)

// LeaveRequest removes ID from the replica set.
type LeaveRequest struct {
    ID string `json:"id"`
}

type LeaveResponse struct {
    Accepted bool   `json:"accepted"`
    Error    string `json:"error,omitempty"`
}

type LeaveFunc func(ctx context.Context, req LeaveRequest) (LeaveResponse, error)

// ProposeRequest carries one batch of client requests to the leader.
type ProposeRequest struct {
    Requests []pbft.Request `json:"requests"`
}

// ProposeResponse reports where the batch was committed.
type ProposeResponse struct {
    Seqno   uint64 `json:"seqno,omitempty"`
    View    uint64 `json:"view,omitempty"`
    Version int64  `json:"version,omitempty"`
    Digest  []byte `json:"digest,omitempty"`
    Leader  string `json:"leader,omitempty"`
    Error   string `json:"error,omitempty"`
}

type ProposeFunc func(ctx context.Context, req ProposeRequest) (ProposeResponse, error)

// VersionFunc serves a per-version lookup: the raw ledger entry or the
// JSON-encoded pre-prepare visible at that version.
type VersionFunc func(ctx context.Context, version int64) ([]byte, error)

// Handlers groups the callbacks an RPCServer dispatches to. Nil handlers are
// reported as not implemented.
type Handlers struct {
    Status     StatusFunc
    Join       JoinFunc
    Leave      LeaveFunc
    Propose    ProposeFunc
    Ledger     VersionFunc
    PrePrepare VersionFunc
}

// RPCServer serves the management API used by operators and by followers
// forwarding proposals.
type RPCServer interface {
    Start(ctx context.Context, h Handlers) error
    Addr() string
    Stop(ctx context.Context) error
}

// RPCClient calls another replica's management API.
type RPCClient interface {
    GetStatus(ctx context.Context, addr string) ([]byte, error)
    PostJoin(ctx context.Context, addr string, req JoinRequest) (JoinResponse, error)
    PostLeave(ctx context.Context, addr string, req LeaveRequest) (LeaveResponse, error)
    PostPropose(ctx context.Context, addr string, req ProposeRequest) (ProposeResponse, error)
    GetLedger(ctx context.Context, addr string, version int64) ([]byte, error)
    GetPrePrepare(ctx context.Context, addr string, version int64) (pbft.PrePrepare, error)
}
