package raftcons

import (
    "errors"
    "fmt"
    "io"
    "log"

    "github.com/hashicorp/raft"
    "github.com/vmihailenco/msgpack/v5"

    c "github.com/amirimatin/go-bftstore/pkg/consensus"
    "github.com/amirimatin/go-bftstore/pkg/consensus/pbft"
    "github.com/amirimatin/go-bftstore/pkg/internal/logutil"
    "github.com/amirimatin/go-bftstore/pkg/state/kv"
)

// proposal is the raft log payload: one batch of client requests.
type proposal struct {
    Requests []pbft.Request `msgpack:"requests"`
}

func encodeProposal(reqs []pbft.Request) ([]byte, error) {
    return msgpack.Marshal(&proposal{Requests: reqs})
}

// batchFSM turns each raft log entry into a pre-prepare, with the raft term
// as view and the raft index as sequence number, and commits it through the
// bridge.
type batchFSM struct {
    bridge   Bridge
    table    *kv.Map
    window   uint64
    onCommit func(c.Committed)
    log      *log.Logger
}

func newBatchFSM(opts Options) *batchFSM {
    return &batchFSM{
        bridge:   opts.Bridge,
        table:    opts.Table,
        window:   opts.HistoryWindow,
        onCommit: opts.OnCommit,
        log:      opts.Logger,
    }
}

func (f *batchFSM) Apply(l *raft.Log) interface{} {
    var p proposal
    if err := msgpack.Unmarshal(l.Data, &p); err != nil {
        return fmt.Errorf("raftcons: decode proposal at index %d: %w", l.Index, err)
    }
    pp, err := pbft.NewPrePrepare(pbft.Term(l.Term), pbft.Index(l.Index), p.Requests)
    if err != nil { return err }

    v, err := f.bridge.CommitPrePrepare(pp, f.table)
    if errors.Is(err, pbft.ErrOutOfOrder) {
        // Already in the store, typically a log replay after restart.
        logutil.Debugf(f.log, "raftcons: skipping index %d: %v", l.Index, err)
        return err
    }
    if err != nil {
        logutil.Errorf(f.log, "raftcons: commit index %d: %v", l.Index, err)
        return err
    }
    if v == kv.NoVersion { return pbft.ErrUnavailable }

    if f.window > 0 && uint64(v) > f.window {
        f.bridge.Compact(pbft.Index(uint64(v) - f.window))
    }
    res := c.Committed{Seqno: pp.Seqno, View: pp.View, Version: v, Digest: pp.Digest}
    if f.onCommit != nil { f.onCommit(res) }
    return res
}

func (f *batchFSM) Snapshot() (raft.FSMSnapshot, error) {
    blob, err := f.bridge.Snapshot()
    if err != nil { return nil, err }
    return &snapshot{blob: blob}, nil
}

func (f *batchFSM) Restore(rc io.ReadCloser) error {
    defer rc.Close()
    data, err := io.ReadAll(rc)
    if err != nil { return err }
    return f.bridge.Restore(data)
}

type snapshot struct{ blob []byte }

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
    if _, err := sink.Write(s.blob); err != nil { _ = sink.Cancel(); return err }
    return sink.Close()
}

func (s *snapshot) Release() {}

// Ensure compile-time interface compliance.
var _ raft.FSM = (*batchFSM)(nil)
var _ Bridge = (*pbft.Adaptor)(nil)
