package raftcons

import (
    "testing"
    "time"

    "github.com/hashicorp/raft"

    "github.com/amirimatin/go-bftstore/pkg/consensus/pbft"
    "github.com/amirimatin/go-bftstore/pkg/internal/lifetime"
    "github.com/amirimatin/go-bftstore/pkg/state/kv"
)

type testStore struct {
    kv     *kv.Store
    owner  *lifetime.Owner[pbft.Engine]
    bridge *pbft.Adaptor
    table  *kv.Map
}

func newTestStore(t *testing.T, dir string) *testStore {
    t.Helper()
    s, err := kv.Open(kv.Options{DataDir: dir})
    if err != nil { t.Fatalf("open store: %v", err) }
    table, err := s.Map(pbft.PrePreparesTable, kv.DomainPublic)
    if err != nil { t.Fatalf("table: %v", err) }
    owner := lifetime.New[pbft.Engine](s)
    ts := &testStore{kv: s, owner: owner, bridge: pbft.NewAdaptor(owner.Weak(), pbft.Options{}), table: table}
    t.Cleanup(ts.close)
    return ts
}

func (ts *testStore) close() {
    ts.owner.Release()
    _ = ts.kv.Close()
}

func (ts *testStore) with(opts Options) Options {
    opts.Bridge = ts.bridge
    opts.Table = ts.table
    return opts
}

func reqs(payload ...string) []pbft.Request {
    out := make([]pbft.Request, len(payload))
    for i, p := range payload {
        out[i] = pbft.Request{Caller: 1, ID: pbft.RequestID(i + 1), Payload: []byte(p)}
    }
    return out
}

// eventually polls cond every 25ms until it holds or d elapses.
func eventually(t *testing.T, d time.Duration, what string, cond func() bool) {
    t.Helper()
    for dl := time.Now().Add(d); time.Now().Before(dl); time.Sleep(25 * time.Millisecond) {
        if cond() { return }
    }
    t.Fatalf("timed out waiting for %s", what)
}

func awaitLeader(t *testing.T, n *Node) {
    t.Helper()
    eventually(t, 5*time.Second, n.opts.NodeID+" to lead", n.IsLeader)
}

// linkInmem connects in-process transports pairwise.
func linkInmem(t *testing.T, nodes ...*Node) {
    t.Helper()
    for i, a := range nodes {
        la, ok := a.trans.(raft.LoopbackTransport)
        if !ok { t.Fatalf("%s: not an in-memory transport", a.opts.NodeID) }
        for _, b := range nodes[i+1:] {
            lb := b.trans.(raft.LoopbackTransport)
            la.Connect(b.addr, b.trans)
            lb.Connect(a.addr, a.trans)
        }
    }
}
