package replica

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "path/filepath"
    "sync"
    "testing"
    "time"

    "github.com/vmihailenco/msgpack/v5"

    "github.com/amirimatin/go-bftstore/pkg/consensus/pbft"
    "github.com/amirimatin/go-bftstore/pkg/consensus/pbft/wire"
    raftcons "github.com/amirimatin/go-bftstore/pkg/consensus/raft"
    "github.com/amirimatin/go-bftstore/pkg/discovery"
    "github.com/amirimatin/go-bftstore/pkg/state/kv"
    peergrpc "github.com/amirimatin/go-bftstore/pkg/transport/grpc"
    "github.com/amirimatin/go-bftstore/pkg/transport/httpjson"
)

func fastRaft(bind string, bootstrap bool) raftcons.Options {
    return raftcons.Options{
        BindAddr:         bind,
        Bootstrap:        bootstrap,
        HeartbeatTimeout: 150 * time.Millisecond,
        ElectionTimeout:  300 * time.Millisecond,
        CommitTimeout:    50 * time.Millisecond,
        ApplyTimeout:     3 * time.Second,
    }
}

func batch(tag string, n int) []pbft.Request {
    out := make([]pbft.Request, n)
    for i := range out {
        out[i] = pbft.Request{Caller: 1, ID: pbft.RequestID(i + 1), Payload: []byte(fmt.Sprintf("%s-%d", tag, i))}
    }
    return out
}

func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
    t.Helper()
    deadline := time.Now().Add(d)
    for time.Now().Before(deadline) {
        if cond() { return }
        time.Sleep(25 * time.Millisecond)
    }
    t.Fatalf("timed out waiting for %s", what)
}

func status(t *testing.T, r *Replica) *Status {
    t.Helper()
    st, err := r.Status(context.Background())
    if err != nil { t.Fatalf("status: %v", err) }
    return st
}

func TestReplica_SingleNodeProposeAndRead(t *testing.T) {
    r, err := New(Options{
        NodeID:    "n1",
        Raft:      fastRaft("", true),
        RPCServer: httpjson.NewServer("127.0.0.1:0", nil),
        RPCClient: httpjson.NewClient(2 * time.Second),
    })
    if err != nil { t.Fatalf("new: %v", err) }
    t.Cleanup(func() { _ = r.Close() })

    ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
    defer cancel()
    events := r.Subscribe(ctx)
    if err := r.Start(ctx); err != nil { t.Fatalf("start: %v", err) }
    waitFor(t, 5*time.Second, "leadership", func() bool { return status(t, r).IsLeader })

    cm, err := r.Propose(ctx, batch("a", 3))
    if err != nil { t.Fatalf("propose: %v", err) }
    if cm.Version != 1 { t.Fatalf("version = %d, want 1", cm.Version) }

    pp, err := r.PrePrepareAt(cm.Version)
    if err != nil { t.Fatalf("pre-prepare: %v", err) }
    if pp.Seqno != cm.Seqno || len(pp.Requests) != 3 { t.Fatalf("unexpected pre-prepare %+v", pp) }
    if err := pp.Verify(); err != nil { t.Fatalf("verify: %v", err) }
    if entry, err := r.LedgerEntry(cm.Version); err != nil || len(entry) == 0 {
        t.Fatalf("ledger entry: %d bytes, %v", len(entry), err)
    }

    found := false
    for !found {
        select {
        case ev := <-events:
            found = ev.Type == EventBatchCommitted && ev.Commit != nil && ev.Commit.Version == cm.Version
        case <-ctx.Done():
            t.Fatalf("no batch_committed event")
        }
    }

    st := status(t, r)
    if !st.Healthy || st.Version != 1 || st.LastSeqno != uint64(cm.Seqno) || st.LeaderID != "n1" {
        t.Fatalf("unexpected status %+v", st)
    }

    // The same view over the management endpoint.
    cl := httpjson.NewClient(2 * time.Second)
    data, err := cl.GetStatus(ctx, st.MgmtAddr)
    if err != nil { t.Fatalf("http status: %v", err) }
    var remote Status
    if err := json.Unmarshal(data, &remote); err != nil { t.Fatalf("decode status: %v", err) }
    if remote.Version != 1 || remote.ID != "n1" { t.Fatalf("remote status %+v", remote) }

    rpp, err := cl.GetPrePrepare(ctx, st.MgmtAddr, 1)
    if err != nil { t.Fatalf("http pre-prepare: %v", err) }
    if rpp.Seqno != pp.Seqno { t.Fatalf("remote seqno %d, want %d", rpp.Seqno, pp.Seqno) }

    if _, err := cl.GetPrePrepare(ctx, st.MgmtAddr, 9); !errors.Is(err, kv.ErrNotFound) {
        t.Fatalf("future version: %v, want ErrNotFound", err)
    }
}

func TestReplica_StopReleasesStore(t *testing.T) {
    r, err := New(Options{NodeID: "solo", Raft: fastRaft("", true)})
    if err != nil { t.Fatalf("new: %v", err) }
    ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
    defer cancel()
    if err := r.Start(ctx); err != nil { t.Fatalf("start: %v", err) }
    waitFor(t, 5*time.Second, "leadership", func() bool { return status(t, r).IsLeader })
    if _, err := r.Propose(ctx, batch("x", 1)); err != nil { t.Fatalf("propose: %v", err) }

    if err := r.Stop(ctx); err != nil { t.Fatalf("stop: %v", err) }
    if err := r.Stop(ctx); err != nil { t.Fatalf("second stop: %v", err) }

    if _, err := r.PrePrepareAt(1); !errors.Is(err, pbft.ErrUnavailable) {
        t.Fatalf("pre-prepare after stop: %v", err)
    }
    if _, err := r.LedgerEntry(1); !errors.Is(err, pbft.ErrUnavailable) {
        t.Fatalf("ledger after stop: %v", err)
    }
    if _, err := r.Propose(ctx, batch("y", 1)); !errors.Is(err, ErrClosed) {
        t.Fatalf("propose after stop: %v", err)
    }
    if err := r.Start(ctx); !errors.Is(err, ErrClosed) { t.Fatalf("restart: %v", err) }
    if st := status(t, r); st.Healthy { t.Fatalf("stopped replica reports healthy") }
}

func TestReplica_StopUnblocksCommitOnHeldSlot(t *testing.T) {
    r, err := New(Options{NodeID: "solo", Raft: fastRaft("", true)})
    if err != nil { t.Fatalf("new: %v", err) }
    ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
    defer cancel()
    if err := r.Start(ctx); err != nil { t.Fatalf("start: %v", err) }
    waitFor(t, 5*time.Second, "leadership", func() bool { return status(t, r).IsLeader })

    // A local transaction holds the next version, so the batch keeps
    // retrying inside the apply loop until the store goes away.
    local := r.store.BeginTx()
    if _, err := local.Hold(); err != nil { t.Fatalf("hold: %v", err) }
    defer local.Abort()

    proposed := make(chan error, 1)
    go func() {
        _, err := r.Propose(ctx, batch("held", 1))
        proposed <- err
    }()
    select {
    case err := <-proposed:
        t.Fatalf("propose finished while slot was held: %v", err)
    case <-time.After(200 * time.Millisecond):
    }

    stopped := make(chan error, 1)
    go func() { stopped <- r.Stop(ctx) }()
    select {
    case <-stopped:
    case <-time.After(5 * time.Second):
        t.Fatal("stop blocked behind the held slot")
    }
    select {
    case err := <-proposed:
        if err == nil { t.Fatal("propose succeeded after stop") }
    case <-time.After(5 * time.Second):
        t.Fatal("propose did not return after stop")
    }
}

func TestReplica_DurableRestartKeepsVersion(t *testing.T) {
    dir := t.TempDir()
    mk := func() *Replica {
        ro := fastRaft("", true)
        ro.DataDir = filepath.Join(dir, "raft")
        r, err := New(Options{NodeID: "d1", Store: kv.Options{DataDir: filepath.Join(dir, "store")}, Raft: ro})
        if err != nil { t.Fatalf("new: %v", err) }
        return r
    }
    ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
    defer cancel()

    r := mk()
    if err := r.Start(ctx); err != nil { t.Fatalf("start: %v", err) }
    waitFor(t, 5*time.Second, "leadership", func() bool { return status(t, r).IsLeader })
    first, err := r.Propose(ctx, batch("p", 2))
    if err != nil { t.Fatalf("propose: %v", err) }
    if err := r.Close(); err != nil { t.Fatalf("close: %v", err) }

    r = mk()
    t.Cleanup(func() { _ = r.Close() })
    if got := status(t, r).LastSeqno; got != uint64(first.Seqno) {
        t.Fatalf("recovered seqno %d, want %d", got, first.Seqno)
    }
    if err := r.Start(ctx); err != nil { t.Fatalf("restart: %v", err) }
    waitFor(t, 5*time.Second, "leadership", func() bool { return status(t, r).IsLeader })
    second, err := r.Propose(ctx, batch("q", 1))
    if err != nil { t.Fatalf("propose after restart: %v", err) }
    if second.Version != first.Version+1 || second.Seqno <= first.Seqno {
        t.Fatalf("after restart got %+v, first was %+v", second, first)
    }
}

type cluster struct {
    mu    sync.Mutex
    addrs []string
}

func (c *cluster) add(addr string) {
    c.mu.Lock()
    c.addrs = append(c.addrs, addr)
    c.mu.Unlock()
}

func (c *cluster) peers() []string {
    c.mu.Lock()
    defer c.mu.Unlock()
    return append([]string(nil), c.addrs...)
}

func TestReplica_ThreeNodesJoinForwardAndGossip(t *testing.T) {
    ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
    defer cancel()

    var cl cluster
    mk := func(id string, bootstrap bool) *Replica {
        r, err := New(Options{
            NodeID:         id,
            Raft:           fastRaft("127.0.0.1:0", bootstrap),
            RPCServer:      httpjson.NewServer("127.0.0.1:0", nil),
            RPCClient:      httpjson.NewClient(3 * time.Second),
            PeerServer:     peergrpc.NewServer("127.0.0.1:0", nil),
            PeerClient:     peergrpc.NewClient(2 * time.Second),
            Discovery:      discovery.Func(cl.peers),
            StatusInterval: 50 * time.Millisecond,
        })
        if err != nil { t.Fatalf("new %s: %v", id, err) }
        t.Cleanup(func() { _ = r.Close() })
        if err := r.Start(ctx); err != nil { t.Fatalf("start %s: %v", id, err) }
        cl.add(r.peerAddr())
        return r
    }

    n1 := mk("n1", true)
    waitFor(t, 5*time.Second, "n1 leadership", func() bool { return status(t, n1).IsLeader })
    n2 := mk("n2", false)
    n3 := mk("n3", false)
    seed := status(t, n1).MgmtAddr
    for _, n := range []*Replica{n2, n3} {
        if err := n.Join(ctx, seed); err != nil { t.Fatalf("join %s: %v", n.opts.NodeID, err) }
    }

    // Followers learn the leader's management address from status exchange.
    for _, n := range []*Replica{n2, n3} {
        n := n
        waitFor(t, 5*time.Second, n.opts.NodeID+" leader address", func() bool {
            return status(t, n).LeaderAddr == seed
        })
    }

    cm, err := n2.Propose(ctx, batch("fwd", 2))
    if err != nil { t.Fatalf("forwarded propose: %v", err) }
    if cm.Version != 1 { t.Fatalf("version = %d, want 1", cm.Version) }

    for _, n := range []*Replica{n1, n2, n3} {
        n := n
        waitFor(t, 5*time.Second, n.opts.NodeID+" apply", func() bool { return status(t, n).Version == 1 })
        pp, err := n.PrePrepareAt(1)
        if err != nil { t.Fatalf("%s pre-prepare: %v", n.opts.NodeID, err) }
        if pp.Seqno != cm.Seqno { t.Fatalf("%s seqno %d, want %d", n.opts.NodeID, pp.Seqno, cm.Seqno) }
    }

    waitFor(t, 5*time.Second, "peer progress on n1", func() bool {
        ps := status(t, n1).Peers
        if len(ps) != 2 { return false }
        for _, p := range ps {
            if p.Index != uint64(cm.Seqno) || p.Stale { return false }
        }
        return true
    })

    if err := n1.Leave(ctx, "n3"); err != nil { t.Fatalf("leave: %v", err) }
    if _, err := n1.Propose(ctx, batch("after-leave", 1)); err != nil { t.Fatalf("propose after leave: %v", err) }
}

func TestReplica_DeliverValidatesStatusBody(t *testing.T) {
    r, err := New(Options{NodeID: "self", Raft: fastRaft("", false)})
    if err != nil { t.Fatalf("new: %v", err) }
    t.Cleanup(func() { _ = r.Close() })

    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    events := r.Subscribe(ctx)

    if err := r.deliver(ctx, wire.NewStatus(7, 3), []byte{0xc1}); !errors.Is(err, wire.ErrBadBody) {
        t.Fatalf("garbage body: %v, want ErrBadBody", err)
    }
    empty, _ := msgpack.Marshal(peerInfo{Mgmt: "127.0.0.1:1"})
    if err := r.deliver(ctx, wire.NewStatus(7, 3), empty); !errors.Is(err, wire.ErrBadBody) {
        t.Fatalf("missing id: %v, want ErrBadBody", err)
    }
    own, _ := msgpack.Marshal(peerInfo{ID: "self"})
    if err := r.deliver(ctx, wire.NewStatus(1, 1), own); err != nil { t.Fatalf("own status: %v", err) }
    if n := len(r.peers.list(time.Now(), time.Minute)); n != 0 { t.Fatalf("own status tracked: %d peers", n) }

    body, _ := msgpack.Marshal(peerInfo{ID: "n9", Incarnation: "inc", Mgmt: "127.0.0.1:9001", Peer: "127.0.0.1:9002"})
    if err := r.deliver(ctx, wire.NewStatus(7, 3), body); err != nil { t.Fatalf("status: %v", err) }
    ps := r.peers.list(time.Now(), time.Minute)
    if len(ps) != 1 { t.Fatalf("peers = %d, want 1", len(ps)) }
    p := ps[0]
    if p.ID != "n9" || p.WireID != 7 || p.Index != 3 || p.MgmtAddr != "127.0.0.1:9001" || p.Stale {
        t.Fatalf("unexpected progress %+v", p)
    }
    select {
    case ev := <-events:
        if ev.Type != EventPeerStatus || ev.Peer == nil || ev.Peer.ID != "n9" { t.Fatalf("unexpected event %+v", ev) }
    case <-time.After(time.Second):
        t.Fatalf("no peer_status event")
    }

    if err := r.deliver(ctx, wire.NewAppendEntries(7, 4, 3), nil); err != nil { t.Fatalf("append entries: %v", err) }
    if ps := r.peers.list(time.Now().Add(time.Hour), time.Minute); !ps[0].Stale { t.Fatalf("peer not flagged stale") }
}

func TestOptions_Validate(t *testing.T) {
    if err := (Options{}).Validate(); err == nil { t.Fatalf("empty NodeID accepted") }
    if err := (Options{NodeID: "a", PeerServer: peergrpc.NewServer("127.0.0.1:0", nil)}).Validate(); err == nil {
        t.Fatalf("peer server without client accepted")
    }
    o := Options{NodeID: "a", Store: kv.Options{DataDir: t.TempDir()}}
    o.applyDefaults()
    if o.WireID == 0 || !o.Raft.DurableStore || o.PeerTTL != 5*time.Second || o.Raft.NodeID != "a" {
        t.Fatalf("defaults not applied: %+v", o)
    }
}
