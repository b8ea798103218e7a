package replica

import (
    "sort"
    "sync"
    "time"

    "github.com/amirimatin/go-bftstore/pkg/consensus/pbft"
)

// Status is a JSON-serializable snapshot of one replica suitable for the
// management /status endpoint and tooling.
type Status struct {
    ID          string `json:"id"`
    Incarnation string `json:"incarnation"`
    // Healthy means a leader is known and the store is open.
    Healthy    bool   `json:"healthy"`
    IsLeader   bool   `json:"isLeader"`
    Term       uint64 `json:"term"`
    LeaderID   string `json:"leaderId,omitempty"`
    // LeaderAddr is the management address of the leader, if known.
    LeaderAddr string `json:"leaderAddr,omitempty"`

    Version          int64  `json:"version"`
    CompactedVersion int64  `json:"compactedVersion"`
    LastSeqno        uint64 `json:"lastSeqno"`
    AppliedIndex     uint64 `json:"appliedIndex"`

    RaftAddr string         `json:"raftAddr,omitempty"`
    MgmtAddr string         `json:"mgmtAddr,omitempty"`
    PeerAddr string         `json:"peerAddr,omitempty"`
    Peers    []PeerProgress `json:"peers,omitempty"`
    Warnings []string       `json:"warnings,omitempty"`
}

// PeerProgress is the last status a peer reported.
type PeerProgress struct {
    ID          string    `json:"id"`
    WireID      uint64    `json:"wireId"`
    Incarnation string    `json:"incarnation,omitempty"`
    MgmtAddr    string    `json:"mgmtAddr,omitempty"`
    PeerAddr    string    `json:"peerAddr,omitempty"`
    Index       uint64    `json:"index"`
    LastSeen    time.Time `json:"lastSeen"`
    Stale       bool      `json:"stale,omitempty"`
}

// peerInfo is the msgpack body carried after a status envelope prefix.
type peerInfo struct {
    ID          string `msgpack:"id"`
    Incarnation string `msgpack:"inc"`
    Mgmt        string `msgpack:"mgmt"`
    Peer        string `msgpack:"peer"`
}

type peerTable struct {
    mu   sync.RWMutex
    byID map[string]PeerProgress
}

func (t *peerTable) update(info peerInfo, from pbft.NodeID, idx pbft.Index, now time.Time) PeerProgress {
    p := PeerProgress{
        ID:          info.ID,
        WireID:      uint64(from),
        Incarnation: info.Incarnation,
        MgmtAddr:    info.Mgmt,
        PeerAddr:    info.Peer,
        Index:       uint64(idx),
        LastSeen:    now,
    }
    t.mu.Lock()
    if t.byID == nil { t.byID = make(map[string]PeerProgress) }
    t.byID[info.ID] = p
    t.mu.Unlock()
    return p
}

func (t *peerTable) remove(id string) {
    t.mu.Lock()
    delete(t.byID, id)
    t.mu.Unlock()
}

func (t *peerTable) mgmtAddr(id string) string {
    t.mu.RLock()
    defer t.mu.RUnlock()
    return t.byID[id].MgmtAddr
}

// list returns peers sorted by id, flagging those silent for longer than ttl.
func (t *peerTable) list(now time.Time, ttl time.Duration) []PeerProgress {
    t.mu.RLock()
    out := make([]PeerProgress, 0, len(t.byID))
    for _, p := range t.byID {
        p.Stale = now.Sub(p.LastSeen) > ttl
        out = append(out, p)
    }
    t.mu.RUnlock()
    sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
    return out
}
