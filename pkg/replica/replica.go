package replica

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "sync"
    "sync/atomic"
    "time"

    "github.com/google/uuid"
    "github.com/vmihailenco/msgpack/v5"

    "github.com/amirimatin/go-bftstore/pkg/consensus"
    "github.com/amirimatin/go-bftstore/pkg/consensus/pbft"
    raftcons "github.com/amirimatin/go-bftstore/pkg/consensus/raft"
    "github.com/amirimatin/go-bftstore/pkg/internal/lifetime"
    "github.com/amirimatin/go-bftstore/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-bftstore/pkg/observability/metrics"
    "github.com/amirimatin/go-bftstore/pkg/observability/tracing"
    "github.com/amirimatin/go-bftstore/pkg/state/kv"
    "github.com/amirimatin/go-bftstore/pkg/transport"
)

// Facade exposes the high-level replica API for embedding services.
type Facade interface {
    Start(ctx context.Context) error
    Propose(ctx context.Context, reqs []pbft.Request) (consensus.Committed, error)
    Join(ctx context.Context, seed string) error
    Status(ctx context.Context) (*Status, error)
    Stop(ctx context.Context) error
    LeaderCh() <-chan consensus.LeaderInfo
}

// Replica wires the versioned store, the commit bridge, the ordering engine,
// the management endpoint and the peer envelope transport into one process.
type Replica struct {
    opts Options
    inc  string

    store  *kv.Store
    owner  *lifetime.Owner[pbft.Engine]
    bridge *pbft.Adaptor
    table  *kv.Map
    cons   *raftcons.Node

    rpcS  transport.RPCServer
    rpcC  transport.RPCClient
    peerS transport.PeerServer
    peerC transport.PeerClient

    mu  sync.Mutex
    run struct {
        started bool
        closed  bool
        cancel  context.CancelFunc
        wg      sync.WaitGroup
    }
    lastSeqno atomic.Uint64
    peers     peerTable
    eb        eventBus
    lch       chan consensus.LeaderInfo
}

var (
    _ Facade              = (*Replica)(nil)
    _ transport.Transport = (*raftcons.Node)(nil)
)

// New opens the store and assembles the replica. It performs no network
// activity; call Start to launch the node.
func New(opts Options) (*Replica, error) {
    if err := opts.Validate(); err != nil { return nil, err }
    opts.applyDefaults()

    store, err := kv.Open(opts.Store)
    if err != nil { return nil, fmt.Errorf("replica: open store: %w", err) }
    table, err := store.Map(pbft.PrePreparesTable, kv.DomainPublic)
    if err != nil {
        _ = store.Close()
        return nil, fmt.Errorf("replica: pre-prepare table: %w", err)
    }
    owner := lifetime.New[pbft.Engine](store)
    bridge := pbft.NewAdaptor(owner.Weak(), opts.Bridge)

    r := &Replica{
        opts:   opts,
        inc:    uuid.NewString(),
        store:  store,
        owner:  owner,
        bridge: bridge,
        table:  table,
        rpcS:   opts.RPCServer,
        rpcC:   opts.RPCClient,
        peerS:  opts.PeerServer,
        peerC:  opts.PeerClient,
        lch:    make(chan consensus.LeaderInfo, 16),
    }
    if seq, err := bridge.LastSeqno(table); err == nil { r.lastSeqno.Store(uint64(seq)) }

    ropts := opts.Raft
    ropts.Bridge = bridge
    ropts.Table = table
    ropts.OnCommit = r.onCommit
    cons, err := raftcons.New(ropts)
    if err != nil {
        owner.Release()
        _ = store.Close()
        return nil, err
    }
    r.cons = cons
    return r, nil
}

// Close is a convenience alias for Stop with a background context.
func (r *Replica) Close() error { return r.Stop(context.Background()) }

// Start launches the ordering engine, the management endpoint, the peer
// server and the status exchange.
func (r *Replica) Start(ctx context.Context) error {
    r.mu.Lock()
    defer r.mu.Unlock()
    if r.run.closed { return ErrClosed }
    if r.run.started { return nil }
    r.run.started = true
    obsmetrics.Register()

    runCtx, cancel := context.WithCancel(ctx)
    r.run.cancel = cancel

    if err := r.cons.Start(runCtx); err != nil {
        cancel()
        return err
    }
    r.goLoop(func() { r.leaderLoop(runCtx) })

    if r.rpcS != nil {
        h := transport.Handlers{
            Status:     r.statusJSON,
            Join:       r.handleJoin,
            Leave:      r.handleLeave,
            Propose:    r.handlePropose,
            Ledger:     r.handleLedger,
            PrePrepare: r.handlePrePrepare,
        }
        if err := r.rpcS.Start(runCtx, h); err != nil {
            cancel()
            return err
        }
        logutil.Infof(r.opts.Logger, "management endpoint listening at %s (status/metrics/healthz)", r.rpcS.Addr())
    }
    if r.peerS != nil {
        if err := r.peerS.Start(runCtx, r.deliver); err != nil {
            cancel()
            return err
        }
        logutil.Infof(r.opts.Logger, "peer endpoint listening at %s", r.peerS.Addr())
    }
    if r.peerC != nil && r.opts.Discovery != nil {
        r.goLoop(func() { r.statusLoop(runCtx) })
    }
    logutil.Infof(r.opts.Logger, "replica %s started (incarnation %s, version %d)", r.opts.NodeID, r.inc, r.store.CurrentVersion())
    return nil
}

func (r *Replica) goLoop(fn func()) {
    r.run.wg.Add(1)
    go func() {
        defer r.run.wg.Done()
        fn()
    }()
}

// Stop shuts down the endpoints, releases the store handle held by the
// bridge, stops the ordering engine and closes the store. The handle goes
// first so a bridge spinning on a held slot gives up instead of keeping the
// engine's apply loop, and with it shutdown, waiting.
func (r *Replica) Stop(ctx context.Context) error {
    r.mu.Lock()
    defer r.mu.Unlock()
    if r.run.closed { return nil }
    r.run.closed = true
    if r.run.cancel != nil { r.run.cancel() }
    if r.rpcS != nil { _ = r.rpcS.Stop(ctx) }
    if r.peerS != nil { _ = r.peerS.Stop(ctx) }
    r.owner.Release()
    var errs []error
    if err := r.cons.Stop(); err != nil { errs = append(errs, fmt.Errorf("replica: stop consensus: %w", err)) }
    r.run.wg.Wait()
    if r.peerC != nil { r.peerC.Close() }
    if err := r.store.Close(); err != nil { errs = append(errs, fmt.Errorf("replica: close store: %w", err)) }
    logutil.Infof(r.opts.Logger, "replica %s stopped", r.opts.NodeID)
    return errors.Join(errs...)
}

func (r *Replica) isClosed() bool {
    r.mu.Lock()
    defer r.mu.Unlock()
    return r.run.closed
}

// Propose orders a batch. On a follower the batch is forwarded to the
// leader's management endpoint.
func (r *Replica) Propose(ctx context.Context, reqs []pbft.Request) (consensus.Committed, error) {
    ctx, end := tracing.StartSpan(ctx, "replica.propose", "requests", len(reqs))
    defer end()
    if r.isClosed() { return consensus.Committed{}, ErrClosed }
    if r.cons.IsLeader() {
        cm, err := r.cons.Propose(reqs, timeoutFrom(ctx))
        if !errors.Is(err, consensus.ErrNotLeader) { return cm, err }
    }
    addr := r.leaderMgmt()
    if addr == "" { return consensus.Committed{}, ErrNoLeader }
    if r.rpcC == nil { return consensus.Committed{}, ErrNoClient }
    logutil.Debugf(r.opts.Logger, "forwarding batch of %d to leader at %s", len(reqs), addr)
    resp, err := r.rpcC.PostPropose(ctx, addr, transport.ProposeRequest{Requests: reqs})
    if err != nil { return consensus.Committed{}, fmt.Errorf("replica: forward to %s: %w", addr, err) }
    return consensus.Committed{
        Seqno:   pbft.Index(resp.Seqno),
        View:    pbft.Term(resp.View),
        Version: kv.Version(resp.Version),
        Digest:  resp.Digest,
    }, nil
}

// timeoutFrom turns a context deadline into a raft apply timeout; zero
// falls back to the engine's default.
func timeoutFrom(ctx context.Context) time.Duration {
    if dl, ok := ctx.Deadline(); ok {
        if d := time.Until(dl); d > 0 { return d }
    }
    return 0
}

// Join asks the leader to add this replica as a voter. seed is the
// management address of any member; the leader is resolved through its
// status. When seed is empty the known leader is used.
func (r *Replica) Join(ctx context.Context, seed string) error {
    ctx, end := tracing.StartSpan(ctx, "replica.join", "seed", seed)
    defer end()
    if r.rpcC == nil { return ErrNoClient }
    target := seed
    if target == "" { target = r.leaderMgmt() }
    if target == "" { return ErrNoLeader }
    if data, err := r.rpcC.GetStatus(ctx, target); err == nil {
        var st Status
        if json.Unmarshal(data, &st) == nil && st.LeaderAddr != "" { target = st.LeaderAddr }
    }
    req := transport.JoinRequest{ID: r.opts.NodeID, RaftAddr: r.cons.Addr(), PeerAddr: r.peerAddr()}
    resp, err := r.rpcC.PostJoin(ctx, target, req)
    if errors.Is(err, consensus.ErrNotLeader) && resp.Leader != "" && resp.Leader != target {
        resp, err = r.rpcC.PostJoin(ctx, resp.Leader, req)
    }
    if err != nil { return fmt.Errorf("replica: join via %s: %w", target, err) }
    if !resp.Accepted {
        if resp.Error != "" { return errors.New(resp.Error) }
        return errors.New("replica: join rejected")
    }
    logutil.Infof(r.opts.Logger, "joined via %s as %s (raft %s)", target, req.ID, req.RaftAddr)
    return nil
}

// Leave removes a replica from the voter set, forwarding to the leader when
// needed.
func (r *Replica) Leave(ctx context.Context, id string) error {
    if r.cons.IsLeader() {
        _, err := r.handleLeave(ctx, transport.LeaveRequest{ID: id})
        return err
    }
    addr := r.leaderMgmt()
    if addr == "" { return ErrNoLeader }
    if r.rpcC == nil { return ErrNoClient }
    resp, err := r.rpcC.PostLeave(ctx, addr, transport.LeaveRequest{ID: id})
    if err != nil { return err }
    if !resp.Accepted { return fmt.Errorf("replica: leave rejected: %s", resp.Error) }
    return nil
}

// Status returns this replica's view: ordering engine leadership, store
// progress and the peer progress table.
func (r *Replica) Status(ctx context.Context) (*Status, error) {
    s := &Status{
        ID:           r.opts.NodeID,
        Incarnation:  r.inc,
        IsLeader:     r.cons.IsLeader(),
        Term:         r.cons.Term(),
        LastSeqno:    r.lastSeqno.Load(),
        AppliedIndex: r.cons.AppliedIndex(),
        RaftAddr:     r.cons.Addr(),
        MgmtAddr:     r.mgmtAddr(),
        PeerAddr:     r.peerAddr(),
        Peers:        r.peers.list(time.Now(), r.opts.PeerTTL),
    }
    if v := r.bridge.CurrentVersion(); v != kv.NoVersion {
        s.Version = int64(v)
        s.CompactedVersion = int64(r.store.CompactedVersion())
    } else {
        s.Warnings = append(s.Warnings, "store unavailable")
    }
    if id, _, ok := r.cons.Leader(); ok {
        s.LeaderID = id
        s.LeaderAddr = r.leaderMgmt()
        s.Healthy = len(s.Warnings) == 0
    } else {
        s.Warnings = append(s.Warnings, "no leader")
    }
    for _, p := range s.Peers {
        if p.Stale { s.Warnings = append(s.Warnings, "peer "+p.ID+" stale") }
    }
    return s, nil
}

// PrePrepareAt returns the batch visible at version v.
func (r *Replica) PrePrepareAt(v kv.Version) (pbft.PrePrepare, error) {
    return r.bridge.PrePrepareAt(r.table, v)
}

// LedgerEntry returns the encoded write set committed at version v.
func (r *Replica) LedgerEntry(v kv.Version) ([]byte, error) {
    if r.owner.Weak().Expired() { return nil, pbft.ErrUnavailable }
    return r.store.LedgerEntry(v)
}

// LeaderCh delivers leadership changes observed by the ordering engine.
func (r *Replica) LeaderCh() <-chan consensus.LeaderInfo { return r.lch }

func (r *Replica) leaderLoop(ctx context.Context) {
    src := r.cons.LeaderCh()
    for {
        select {
        case <-ctx.Done():
            return
        case li, ok := <-src:
            if !ok { return }
            if li.Known() {
                logutil.Infof(r.opts.Logger, "leader change observed: id=%s view=%d", li.ID, li.View())
            } else {
                logutil.Warnf(r.opts.Logger, "leader lost at term %d", li.Term)
            }
            liCopy := li
            r.eb.publish(Event{Type: EventLeaderChanged, At: time.Now(), Leader: &liCopy, Term: li.Term})
            if r.opts.OnLeaderChange != nil { r.opts.OnLeaderChange(liCopy) }
            select {
            case r.lch <- li:
            default:
            }
        }
    }
}

// onCommit runs on the raft apply path.
func (r *Replica) onCommit(cm consensus.Committed) {
    r.lastSeqno.Store(uint64(cm.Seqno))
    cmCopy := cm
    r.eb.publish(Event{Type: EventBatchCommitted, At: time.Now(), Commit: &cmCopy, Term: uint64(cm.View)})
    if r.opts.OnCommit != nil { r.opts.OnCommit(cm) }
}

func (r *Replica) mgmtAddr() string {
    if r.opts.MgmtAdvertise != "" { return r.opts.MgmtAdvertise }
    if r.rpcS != nil { return r.rpcS.Addr() }
    return ""
}

func (r *Replica) peerAddr() string {
    if r.opts.PeerAdvertise != "" { return r.opts.PeerAdvertise }
    if r.peerS != nil { return r.peerS.Addr() }
    return ""
}

// leaderMgmt resolves the leader's management address from the peer table.
func (r *Replica) leaderMgmt() string {
    if r.cons.IsLeader() { return r.mgmtAddr() }
    id, _, ok := r.cons.Leader()
    if !ok { return "" }
    if id == r.opts.NodeID { return r.mgmtAddr() }
    return r.peers.mgmtAddr(id)
}

func (r *Replica) statusJSON(ctx context.Context) ([]byte, error) {
    st, err := r.Status(ctx)
    if err != nil { return nil, err }
    return json.Marshal(st)
}

func (r *Replica) handleJoin(ctx context.Context, req transport.JoinRequest) (transport.JoinResponse, error) {
    ctx, end := tracing.StartSpan(ctx, "replica.handleJoin", "node", req.ID)
    defer end()
    if !r.cons.IsLeader() {
        obsmetrics.JoinRequests.WithLabelValues("rejected").Inc()
        logutil.Warnf(r.opts.Logger, "join rejected (not leader): id=%s", req.ID)
        return transport.JoinResponse{Leader: r.leaderMgmt(), Error: "not leader"}, consensus.ErrNotLeader
    }
    if req.ID == "" || req.RaftAddr == "" {
        obsmetrics.JoinRequests.WithLabelValues("invalid").Inc()
        return transport.JoinResponse{Error: "missing id or raft address"}, nil
    }
    if err := r.cons.AddVoter(req.ID, req.RaftAddr, 3*time.Second); err != nil {
        obsmetrics.JoinRequests.WithLabelValues("failed").Inc()
        logutil.Errorf(r.opts.Logger, "add voter failed: id=%s addr=%s err=%v", req.ID, req.RaftAddr, err)
        return transport.JoinResponse{Error: err.Error()}, nil
    }
    obsmetrics.JoinRequests.WithLabelValues("accepted").Inc()
    logutil.Infof(r.opts.Logger, "join accepted: id=%s raft=%s peer=%s", req.ID, req.RaftAddr, req.PeerAddr)
    return transport.JoinResponse{Accepted: true}, nil
}

func (r *Replica) handleLeave(ctx context.Context, req transport.LeaveRequest) (transport.LeaveResponse, error) {
    ctx, end := tracing.StartSpan(ctx, "replica.handleLeave", "node", req.ID)
    defer end()
    if !r.cons.IsLeader() {
        logutil.Warnf(r.opts.Logger, "leave rejected (not leader): id=%s", req.ID)
        return transport.LeaveResponse{Error: "not leader"}, consensus.ErrNotLeader
    }
    if err := r.cons.RemoveServer(req.ID, 3*time.Second); err != nil {
        logutil.Warnf(r.opts.Logger, "remove voter failed: id=%s err=%v", req.ID, err)
        return transport.LeaveResponse{Error: err.Error()}, err
    }
    r.peers.remove(req.ID)
    logutil.Infof(r.opts.Logger, "leave accepted: id=%s", req.ID)
    return transport.LeaveResponse{Accepted: true}, nil
}

// handlePropose serves forwarded batches. It never forwards again, so a
// stale leader hint cannot bounce a batch between followers.
func (r *Replica) handlePropose(ctx context.Context, req transport.ProposeRequest) (transport.ProposeResponse, error) {
    if !r.cons.IsLeader() {
        return transport.ProposeResponse{Leader: r.leaderMgmt()}, consensus.ErrNotLeader
    }
    cm, err := r.cons.Propose(req.Requests, timeoutFrom(ctx))
    if err != nil { return transport.ProposeResponse{Leader: r.leaderMgmt()}, err }
    return transport.ProposeResponse{
        Seqno:   uint64(cm.Seqno),
        View:    uint64(cm.View),
        Version: int64(cm.Version),
        Digest:  cm.Digest,
    }, nil
}

func (r *Replica) handleLedger(ctx context.Context, v int64) ([]byte, error) {
    return r.LedgerEntry(kv.Version(v))
}

func (r *Replica) handlePrePrepare(ctx context.Context, v int64) ([]byte, error) {
    pp, err := r.PrePrepareAt(kv.Version(v))
    if err != nil { return nil, err }
    return json.Marshal(pp)
}

// statusBody encodes what peers need to reach this replica.
func (r *Replica) statusBody() ([]byte, error) {
    return msgpack.Marshal(peerInfo{ID: r.opts.NodeID, Incarnation: r.inc, Mgmt: r.mgmtAddr(), Peer: r.peerAddr()})
}
