// Package discovery supplies the peer envelope addresses a replica sends
// its periodic status to.
package discovery

// Discovery returns the current set of peer addresses (host:port). The set
// may change between calls.
type Discovery interface {
    Peers() []string
}

// Func adapts a plain function to Discovery.
type Func func() []string

func (f Func) Peers() []string { return f() }
