package grpc

import (
    "context"
    "sync"
    "time"

    "google.golang.org/grpc"

    obsmetrics "github.com/amirimatin/go-bftstore/pkg/observability/metrics"
)

type dialFunc func(ctx context.Context, target string) (*grpc.ClientConn, error)

// peerConns keeps one connection per peer address. Connections nobody has
// used for idle are closed by a background sweep; a connection whose call
// failed with Unavailable is dropped so the next send redials.
type peerConns struct {
    dial dialFunc
    idle time.Duration

    mu     sync.Mutex
    byAddr map[string]*peerConn
    done   chan struct{}
    stop   sync.Once
}

type peerConn struct {
    cc       *grpc.ClientConn
    inflight int
    used     time.Time
}

func newPeerConns(idle time.Duration, dial dialFunc) *peerConns {
    if idle <= 0 { idle = 30 * time.Second }
    p := &peerConns{dial: dial, idle: idle, byAddr: make(map[string]*peerConn), done: make(chan struct{})}
    go p.sweep()
    return p
}

// acquire returns the connection for addr and a func releasing it.
func (p *peerConns) acquire(ctx context.Context, addr string) (*grpc.ClientConn, func(), error) {
    if cc := p.take(addr); cc != nil {
        obsmetrics.PeerConnReuse.Inc()
        return cc, func() { p.release(addr) }, nil
    }
    cc, err := p.dial(ctx, addr)
    if err != nil { return nil, nil, err }

    p.mu.Lock()
    if pc, ok := p.byAddr[addr]; ok {
        // a concurrent send dialed first
        pc.inflight++
        pc.used = time.Now()
        p.mu.Unlock()
        _ = cc.Close()
        return pc.cc, func() { p.release(addr) }, nil
    }
    p.byAddr[addr] = &peerConn{cc: cc, inflight: 1, used: time.Now()}
    p.mu.Unlock()
    obsmetrics.PeerConnDials.Inc()
    obsmetrics.PeerConnActive.Inc()
    return cc, func() { p.release(addr) }, nil
}

func (p *peerConns) take(addr string) *grpc.ClientConn {
    p.mu.Lock()
    defer p.mu.Unlock()
    pc, ok := p.byAddr[addr]
    if !ok { return nil }
    pc.inflight++
    pc.used = time.Now()
    return pc.cc
}

func (p *peerConns) release(addr string) {
    p.mu.Lock()
    defer p.mu.Unlock()
    if pc, ok := p.byAddr[addr]; ok {
        if pc.inflight > 0 { pc.inflight-- }
        pc.used = time.Now()
    }
}

// drop forgets addr's connection. In-flight calls on it fail; that is fine
// since drop is only called after a call on it already failed.
func (p *peerConns) drop(addr string) {
    p.mu.Lock()
    pc, ok := p.byAddr[addr]
    delete(p.byAddr, addr)
    p.mu.Unlock()
    if !ok { return }
    _ = pc.cc.Close()
    obsmetrics.PeerConnActive.Dec()
}

func (p *peerConns) size() int {
    p.mu.Lock()
    defer p.mu.Unlock()
    return len(p.byAddr)
}

func (p *peerConns) close() {
    p.stop.Do(func() { close(p.done) })
    p.mu.Lock()
    all := p.byAddr
    p.byAddr = make(map[string]*peerConn)
    p.mu.Unlock()
    for _, pc := range all {
        _ = pc.cc.Close()
        obsmetrics.PeerConnActive.Dec()
    }
}

func (p *peerConns) sweep() {
    t := time.NewTicker(p.idle / 2)
    defer t.Stop()
    for {
        select {
        case <-p.done:
            return
        case now := <-t.C:
            var stale []*grpc.ClientConn
            p.mu.Lock()
            for addr, pc := range p.byAddr {
                if pc.inflight == 0 && now.Sub(pc.used) > p.idle {
                    stale = append(stale, pc.cc)
                    delete(p.byAddr, addr)
                }
            }
            p.mu.Unlock()
            for _, cc := range stale {
                _ = cc.Close()
                obsmetrics.PeerConnEvictions.Inc()
                obsmetrics.PeerConnActive.Dec()
            }
        }
    }
}
