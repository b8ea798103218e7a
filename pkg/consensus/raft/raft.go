package raftcons

import (
    "context"
    "errors"
    "fmt"
    "log"
    "os"
    "path/filepath"
    "strconv"
    "sync"
    "time"

    "github.com/hashicorp/go-hclog"
    "github.com/hashicorp/raft"
    raftboltdb "github.com/hashicorp/raft-boltdb"

    c "github.com/amirimatin/go-bftstore/pkg/consensus"
    "github.com/amirimatin/go-bftstore/pkg/consensus/pbft"
    "github.com/amirimatin/go-bftstore/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-bftstore/pkg/observability/metrics"
)

// Node implements consensus.Consensus using HashiCorp Raft as the ordering
// engine. Raft only orders batches; applying them is the bridge's job.
type Node struct {
    opts Options
    log  *log.Logger
    hlog hclog.Logger
    lch  chan c.LeaderInfo

    r       *raft.Raft
    addr    raft.ServerAddress
    trans   raft.Transport
    closers []func() error

    // r stays valid after shutdown and then reports a follower
    stopMu  sync.Mutex
    stopped bool
}

func New(opts Options) (*Node, error) {
    if opts.NodeID == "" { return nil, fmt.Errorf("raftcons: empty NodeID") }
    if opts.Bridge == nil || opts.Table == nil {
        return nil, fmt.Errorf("raftcons: bridge and pre-prepare table are required")
    }
    if opts.Logger == nil { opts.Logger = log.Default() }
    if opts.SnapshotsRetained <= 0 { opts.SnapshotsRetained = 2 }
    n := &Node{opts: opts, log: opts.Logger, lch: make(chan c.LeaderInfo, 16)}
    n.hlog = hclog.New(&hclog.LoggerOptions{
        Name:   "raft",
        Output: opts.Logger.Writer(),
        Level:  raftLogLevel(),
    })
    return n, nil
}

// raft's own output is kept at warn unless debug logging is on.
func raftLogLevel() hclog.Level {
    if logutil.Enabled(logutil.LevelDebug) { return hclog.Debug }
    return hclog.Warn
}

func (n *Node) raftConfig() *raft.Config {
    cfg := raft.DefaultConfig()
    cfg.LocalID = raft.ServerID(n.opts.NodeID)
    cfg.Logger = n.hlog
    if hb := n.opts.HeartbeatTimeout; hb > 0 {
        cfg.HeartbeatTimeout = hb
        // raft rejects a lease longer than the heartbeat timeout
        if cfg.LeaderLeaseTimeout > hb { cfg.LeaderLeaseTimeout = hb }
    }
    if n.opts.ElectionTimeout > 0 { cfg.ElectionTimeout = n.opts.ElectionTimeout }
    if n.opts.CommitTimeout > 0 { cfg.CommitTimeout = n.opts.CommitTimeout }
    if n.opts.SnapshotThreshold > 0 { cfg.SnapshotThreshold = n.opts.SnapshotThreshold }
    cfg.NoSnapshotRestoreOnStart = n.opts.DurableStore
    return cfg
}

// openStores returns bolt-backed log and stable stores with file snapshots
// under DataDir, or in-memory ones when DataDir is empty.
func (n *Node) openStores() (raft.LogStore, raft.StableStore, raft.SnapshotStore, error) {
    if n.opts.DataDir == "" {
        return raft.NewInmemStore(), raft.NewInmemStore(), raft.NewInmemSnapshotStore(), nil
    }
    if err := os.MkdirAll(n.opts.DataDir, 0o755); err != nil { return nil, nil, nil, err }
    bs, err := raftboltdb.NewBoltStore(filepath.Join(n.opts.DataDir, "raft.db"))
    if err != nil { return nil, nil, nil, fmt.Errorf("raftcons: open log: %w", err) }
    n.closers = append(n.closers, bs.Close)
    snaps, err := raft.NewFileSnapshotStoreWithLogger(n.opts.DataDir, n.opts.SnapshotsRetained, n.hlog.Named("snapshots"))
    if err != nil { return nil, nil, nil, fmt.Errorf("raftcons: open snapshots: %w", err) }
    return bs, bs, snaps, nil
}

// openTransport binds TCP when BindAddr is set; otherwise the node talks
// only to in-memory peers in the same process.
func (n *Node) openTransport() (raft.ServerAddress, raft.Transport, error) {
    if n.opts.BindAddr == "" {
        addr, tr := raft.NewInmemTransport(raft.ServerAddress(n.opts.NodeID))
        return addr, tr, nil
    }
    tr, err := raft.NewTCPTransportWithLogger(n.opts.BindAddr, nil, 3, time.Second, n.hlog.Named("tcp"))
    if err != nil { return "", nil, fmt.Errorf("raftcons: bind %s: %w", n.opts.BindAddr, err) }
    n.closers = append(n.closers, tr.Close)
    return tr.LocalAddr(), tr, nil
}

func (n *Node) Start(ctx context.Context) error {
    if n.r != nil { return nil }
    cfg := n.raftConfig()
    logs, stable, snaps, err := n.openStores()
    if err != nil { n.closeAll(); return err }
    addr, trans, err := n.openTransport()
    if err != nil { n.closeAll(); return err }

    r, err := raft.NewRaft(cfg, newBatchFSM(n.opts), logs, stable, snaps, trans)
    if err != nil { n.closeAll(); return err }
    n.r, n.addr, n.trans = r, addr, trans
    n.watchLeader()

    if n.opts.Bootstrap {
        boot := raft.Configuration{Servers: []raft.Server{{ID: cfg.LocalID, Address: addr}}}
        // Existing state on disk means the cluster was formed on an earlier run.
        if err := r.BootstrapCluster(boot).Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
            return err
        }
    }
    logutil.Infof(n.log, "raftcons: %s started at %s", n.opts.NodeID, addr)

    go func() {
        <-ctx.Done()
        _ = n.Stop()
    }()
    return nil
}

// watchLeader turns raft leader observations into LeaderCh updates. An
// empty ID announces that the old leader is gone.
func (n *Node) watchLeader() {
    obs := make(chan raft.Observation, 32)
    n.r.RegisterObserver(raft.NewObserver(obs, false, func(o *raft.Observation) bool {
        _, ok := o.Data.(raft.LeaderObservation)
        return ok
    }))
    publish := func() {
        id, addr, _ := n.Leader()
        if n.IsLeader() { obsmetrics.IsLeader.Set(1) } else { obsmetrics.IsLeader.Set(0) }
        logutil.Debugf(n.log, "raftcons: leader is %q (%s)", id, addr)
        n.emitLeader(c.LeaderInfo{ID: id, Addr: addr, Term: n.Term()})
    }
    go func() {
        for range obs {
            obsmetrics.LeaderChanges.Inc()
            publish()
        }
    }()
    // a restarted node may already follow a leader before any observation
    go func() {
        time.Sleep(50 * time.Millisecond)
        if _, _, ok := n.Leader(); ok { publish() }
    }()
}

// Propose submits a batch and waits until it is committed to the store.
func (n *Node) Propose(reqs []pbft.Request, timeout time.Duration) (c.Committed, error) {
    if n.r == nil { return c.Committed{}, c.ErrNotStarted }
    if n.r.State() != raft.Leader { return c.Committed{}, c.ErrNotLeader }
    data, err := encodeProposal(reqs)
    if err != nil { return c.Committed{}, err }
    if timeout <= 0 { timeout = n.opts.ApplyTimeout }

    af := n.r.Apply(data, timeout)
    if err := af.Error(); err != nil {
        if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
            return c.Committed{}, fmt.Errorf("%w: %v", c.ErrNotLeader, err)
        }
        return c.Committed{}, err
    }
    switch v := af.Response().(type) {
    case c.Committed:
        return v, nil
    case error:
        return c.Committed{}, v
    default:
        return c.Committed{}, fmt.Errorf("raftcons: unexpected apply response %T", v)
    }
}

// AppliedIndex is the last raft index handed to the bridge.
func (n *Node) AppliedIndex() uint64 {
    if n.r == nil { return 0 }
    return n.r.AppliedIndex()
}

// Snapshot forces a raft snapshot of the store.
func (n *Node) Snapshot() error {
    if n.r == nil { return c.ErrNotStarted }
    return n.r.Snapshot().Error()
}

// Addr is the local raft transport address once started.
func (n *Node) Addr() string { return string(n.addr) }

func (n *Node) IsLeader() bool { return n.r != nil && n.r.State() == raft.Leader }

func (n *Node) Leader() (id string, addr string, ok bool) {
    if n.r == nil { return "", "", false }
    a, sid := n.r.LeaderWithID()
    return string(sid), string(a), sid != ""
}

// Term reads the current term from raft's stats; zero before Start.
func (n *Node) Term() uint64 {
    if n.r == nil { return 0 }
    u, _ := strconv.ParseUint(n.r.Stats()["current_term"], 10, 64)
    return u
}

func (n *Node) Stop() error {
    n.stopMu.Lock()
    defer n.stopMu.Unlock()
    if n.r == nil || n.stopped { return nil }
    if err := n.r.Shutdown().Error(); err != nil { return err }
    n.stopped = true
    obsmetrics.IsLeader.Set(0)
    n.closeAll()
    return nil
}

func (n *Node) closeAll() {
    for _, fn := range n.closers { _ = fn() }
    n.closers = nil
}

var (
    _ c.Consensus      = (*Node)(nil)
    _ c.Reconfigurer   = (*Node)(nil)
    _ c.LeaderNotifier = (*Node)(nil)
)

// LeaderCh publishes leader changes. Updates are dropped while the buffer is
// full; readers only need the latest.
func (n *Node) LeaderCh() <-chan c.LeaderInfo { return n.lch }

func (n *Node) emitLeader(li c.LeaderInfo) {
    select {
    case n.lch <- li:
    default:
    }
}

// AddVoter makes id a voter at addr. A replica already known at addr is
// left alone; one known at another address is replaced.
func (n *Node) AddVoter(id, addr string, timeout time.Duration) error {
    if n.r == nil { return c.ErrNotStarted }
    if cur, ok := n.voterAddr(id); ok {
        if cur == addr { return nil }
        logutil.Infof(n.log, "raftcons: %s moved from %s to %s", id, cur, addr)
        if err := n.r.RemoveServer(raft.ServerID(id), 0, timeout).Error(); err != nil { return err }
    }
    return n.r.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, timeout).Error()
}

func (n *Node) voterAddr(id string) (string, bool) {
    f := n.r.GetConfiguration()
    if f.Error() != nil { return "", false }
    for _, s := range f.Configuration().Servers {
        if string(s.ID) == id { return string(s.Address), true }
    }
    return "", false
}

// RemoveServer drops id from the replica set.
func (n *Node) RemoveServer(id string, timeout time.Duration) error {
    if n.r == nil { return c.ErrNotStarted }
    return n.r.RemoveServer(raft.ServerID(id), 0, timeout).Error()
}
