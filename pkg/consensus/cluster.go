package consensus

import (
    "time"

    "github.com/amirimatin/go-bftstore/pkg/consensus/pbft"
)

// LeaderInfo names the replica currently ordering batches. Term is the
// engine's election counter, which batches carry as their view.
type LeaderInfo struct {
    ID   string `json:"id"`
    Addr string `json:"addr,omitempty"`
    Term uint64 `json:"term"`
}

// View returns the term as the view stamped on batches ordered under it.
func (li LeaderInfo) View() pbft.Term { return pbft.Term(li.Term) }

// Known reports whether a leader has been observed at all.
func (li LeaderInfo) Known() bool { return li.ID != "" }

// LeaderNotifier is implemented by engines that publish leader changes.
// Sends never block the engine; slow readers miss intermediate updates.
type LeaderNotifier interface {
    LeaderCh() <-chan LeaderInfo
}

// Reconfigurer changes the replica set. Both calls must run on the leader
// and are idempotent: adding a known voter at the same address and removing
// an absent one succeed without a configuration change.
type Reconfigurer interface {
    AddVoter(id, addr string, timeout time.Duration) error
    RemoveServer(id string, timeout time.Duration) error
}
