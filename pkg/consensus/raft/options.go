package raftcons

import (
    "log"
    "time"

    c "github.com/amirimatin/go-bftstore/pkg/consensus"
    "github.com/amirimatin/go-bftstore/pkg/consensus/pbft"
    "github.com/amirimatin/go-bftstore/pkg/state/kv"
)

// Bridge is the store side of the FSM: it commits agreed batches and takes
// part in raft snapshots.
type Bridge interface {
    pbft.Store
    Snapshot() ([]byte, error)
    Restore(data []byte) error
}

// Options configure a raft-ordered replica. Zero durations keep raft's
// defaults.
type Options struct {
    NodeID string
    Logger *log.Logger

    // Bootstrap forms a one-replica cluster on first Start; later starts
    // over the same DataDir ignore it.
    Bootstrap bool

    HeartbeatTimeout time.Duration
    ElectionTimeout  time.Duration
    CommitTimeout    time.Duration
    // ApplyTimeout bounds Propose when the caller passes no timeout.
    ApplyTimeout time.Duration

    // BindAddr is the raft TCP listen address, e.g. "127.0.0.1:0". Empty
    // selects the in-process transport used by tests and embedded setups.
    BindAddr string
    // DataDir holds raft.db and snapshots. Empty keeps the log in memory.
    DataDir           string
    SnapshotsRetained int
    SnapshotThreshold uint64

    Bridge Bridge
    Table  *kv.Map
    // DurableStore is set when the store keeps its own state across
    // restarts. Raft then skips snapshot restore on start and replayed
    // batches the store already holds are skipped.
    DurableStore bool
    // HistoryWindow keeps that many versions readable behind the latest
    // commit. Zero disables compaction.
    HistoryWindow uint64
    OnCommit      func(c.Committed)
}
