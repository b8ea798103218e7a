package replica

import (
    "context"
    "fmt"
    "sync"
    "time"

    "github.com/vmihailenco/msgpack/v5"

    "github.com/amirimatin/go-bftstore/pkg/consensus/pbft"
    "github.com/amirimatin/go-bftstore/pkg/consensus/pbft/wire"
    "github.com/amirimatin/go-bftstore/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-bftstore/pkg/observability/metrics"
)

// statusLoop sends a status envelope to every discovered peer each
// StatusInterval.
func (r *Replica) statusLoop(ctx context.Context) {
    t := time.NewTicker(r.opts.StatusInterval)
    defer t.Stop()
    r.broadcastStatus(ctx)
    for {
        select {
        case <-ctx.Done():
            return
        case <-t.C:
            r.broadcastStatus(ctx)
        }
    }
}

func (r *Replica) broadcastStatus(ctx context.Context) {
    body, err := r.statusBody()
    if err != nil {
        logutil.Errorf(r.opts.Logger, "status body: %v", err)
        return
    }
    msg := wire.NewStatus(r.opts.WireID, pbft.Index(r.lastSeqno.Load()))
    self := r.peerAddr()
    var wg sync.WaitGroup
    for _, addr := range r.opts.Discovery.Peers() {
        if addr == self { continue }
        wg.Add(1)
        go func(addr string) {
            defer wg.Done()
            if err := r.peerC.Deliver(ctx, addr, msg, body); err != nil && ctx.Err() == nil {
                logutil.Debugf(r.opts.Logger, "status to %s: %v", addr, err)
            }
        }(addr)
    }
    wg.Wait()
}

// deliver handles envelopes accepted by the peer server. The prefix is
// already validated; only the body is parsed here.
func (r *Replica) deliver(ctx context.Context, m wire.Message, body []byte) error {
    switch msg := m.(type) {
    case wire.StatusMessage:
        var info peerInfo
        if err := msgpack.Unmarshal(body, &info); err != nil {
            return fmt.Errorf("%w: status from %d: %v", wire.ErrBadBody, msg.From, err)
        }
        if info.ID == "" { return fmt.Errorf("%w: status from %d carries no id", wire.ErrBadBody, msg.From) }
        if info.ID == r.opts.NodeID { return nil }
        p := r.peers.update(info, msg.From, msg.Index, time.Now())
        obsmetrics.PeerIndex.WithLabelValues(info.ID).Set(float64(msg.Index))
        r.eb.publish(Event{Type: EventPeerStatus, At: p.LastSeen, Peer: &p})
    case wire.AppendEntries:
        logutil.Debugf(r.opts.Logger, "append entries from %d: (%d, %d], %d bytes", msg.From, msg.PrevIndex, msg.Index, len(body))
    default:
        logutil.Debugf(r.opts.Logger, "%s message from %d, %d bytes", m.MessageKind(), m.Sender(), len(body))
    }
    return nil
}
