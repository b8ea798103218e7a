package replica

import (
    "errors"
    "log"
    "time"

    "github.com/cespare/xxhash/v2"

    "github.com/amirimatin/go-bftstore/pkg/consensus"
    "github.com/amirimatin/go-bftstore/pkg/consensus/pbft"
    raftcons "github.com/amirimatin/go-bftstore/pkg/consensus/raft"
    "github.com/amirimatin/go-bftstore/pkg/discovery"
    "github.com/amirimatin/go-bftstore/pkg/state/kv"
    "github.com/amirimatin/go-bftstore/pkg/transport"
)

// Options carries dependency-injected components and runtime configuration used
// to assemble a replica. Instances are typically produced from
// bootstrap.Config.
type Options struct {
    // NodeID identifies this replica to the ordering engine and its peers.
    NodeID string
    // WireID is the numeric sender id stamped on peer envelopes. Zero
    // derives one from NodeID.
    WireID pbft.NodeID
    Logger *log.Logger

    // Store configures the versioned store; a DataDir makes it durable and
    // lets the ordering engine skip snapshot restore on start.
    Store kv.Options
    // Bridge tunes the commit bridge retry loop.
    Bridge pbft.Options
    // Raft configures the ordering engine. NodeID, Logger and the bridge
    // wiring are filled in by the replica.
    Raft raftcons.Options

    // Management RPC. The client forwards proposals and joins to the leader.
    RPCServer transport.RPCServer
    RPCClient transport.RPCClient
    // MgmtAdvertise overrides the management address told to peers.
    MgmtAdvertise string

    // Peer envelope transport and the addresses status is sent to.
    PeerServer    transport.PeerServer
    PeerClient    transport.PeerClient
    PeerAdvertise string
    Discovery     discovery.Discovery
    // StatusInterval is the period of the status exchange. Default 1s.
    StatusInterval time.Duration
    // PeerTTL marks a peer stale when silent that long. Default 5 intervals.
    PeerTTL time.Duration

    OnLeaderChange func(info consensus.LeaderInfo)
    OnCommit       func(c consensus.Committed)
}

// Validate performs a minimal validation of Options. It does not start any
// network activity and is safe to call before New.
func (o Options) Validate() error {
    if o.NodeID == "" {
        return errors.New("replica: empty NodeID")
    }
    if o.PeerServer != nil && o.PeerClient == nil {
        return errors.New("replica: peer server configured without a peer client")
    }
    if o.StatusInterval < 0 || o.PeerTTL < 0 {
        return errors.New("replica: negative interval")
    }
    return nil
}

func (o *Options) applyDefaults() {
    if o.Logger == nil { o.Logger = log.Default() }
    if o.WireID == 0 { o.WireID = pbft.NodeID(xxhash.Sum64String(o.NodeID)) }
    if o.StatusInterval == 0 { o.StatusInterval = time.Second }
    if o.PeerTTL == 0 { o.PeerTTL = 5 * o.StatusInterval }
    if o.Store.Logger == nil { o.Store.Logger = o.Logger }
    if o.Bridge.Logger == nil { o.Bridge.Logger = o.Logger }
    if o.Raft.NodeID == "" { o.Raft.NodeID = o.NodeID }
    if o.Raft.Logger == nil { o.Raft.Logger = o.Logger }
    if o.Store.DataDir != "" { o.Raft.DurableStore = true }
}
