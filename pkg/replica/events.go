package replica

import (
    "context"
    "sync"
    "time"

    "github.com/amirimatin/go-bftstore/pkg/consensus"
)

// EventType names what an Event reports.
type EventType string

const (
    EventLeaderChanged  EventType = "leader_changed"
    EventBatchCommitted EventType = "batch_committed"
    EventPeerStatus     EventType = "peer_status"
)

// Event reports a change observed by the replica. Leader is set for
// leader_changed, Commit for batch_committed and Peer for peer_status.
type Event struct {
    Type   EventType
    At     time.Time
    Leader *consensus.LeaderInfo
    Commit *consensus.Committed
    Peer   *PeerProgress
    Term   uint64
}

// Subscribe streams events until ctx is done, then closes the channel. A
// subscriber more than 64 events behind misses the newest ones.
func (r *Replica) Subscribe(ctx context.Context) <-chan Event {
    ch := make(chan Event, 64)
    r.eb.add(ch)
    go func() {
        <-ctx.Done()
        r.eb.remove(ch)
    }()
    return ch
}

type eventBus struct {
    mu   sync.Mutex
    subs map[chan Event]struct{}
}

func (e *eventBus) add(ch chan Event) {
    e.mu.Lock()
    if e.subs == nil { e.subs = make(map[chan Event]struct{}) }
    e.subs[ch] = struct{}{}
    e.mu.Unlock()
}

// remove closes ch under the bus lock so publish never sends on a closed
// channel.
func (e *eventBus) remove(ch chan Event) {
    e.mu.Lock()
    if _, ok := e.subs[ch]; ok {
        delete(e.subs, ch)
        close(ch)
    }
    e.mu.Unlock()
}

func (e *eventBus) publish(ev Event) {
    e.mu.Lock()
    for ch := range e.subs {
        select {
        case ch <- ev:
        default:
        }
    }
    e.mu.Unlock()
}
