package static

import (
    "strings"

    "github.com/amirimatin/go-bftstore/pkg/discovery"
)

type fixed []string

func (f fixed) Peers() []string { return append([]string(nil), f...) }

// New returns a Discovery that always reports the given addresses, blank
// entries removed.
func New(addrs ...string) discovery.Discovery {
    out := make(fixed, 0, len(addrs))
    for _, a := range addrs {
        if a = strings.TrimSpace(a); a != "" { out = append(out, a) }
    }
    return out
}

// Parse splits a comma-separated address list.
func Parse(csv string) []string {
    if csv == "" { return nil }
    var out []string
    for _, p := range strings.Split(csv, ",") {
        if p = strings.TrimSpace(p); p != "" { out = append(out, p) }
    }
    return out
}
