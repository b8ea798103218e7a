package dns

import (
    "context"
    "log"
    "net"
    "sort"
    "strconv"
    "strings"
    "sync"
    "time"

    "github.com/amirimatin/go-bftstore/pkg/discovery"
    "github.com/amirimatin/go-bftstore/pkg/internal/logutil"
)

// Options configures DNS-based peer lists.
type Options struct {
    // Names are SRV records ("_peer._tcp.example.com"), hostnames resolved
    // through A/AAAA, or literal host:port entries.
    Names []string
    // Port applied to A/AAAA answers. Default 7950.
    Port int
    // Refresh bounds how long answers are cached. Default 5s.
    Refresh time.Duration
    // Timeout bounds one full resolution pass. Default 2s.
    Timeout  time.Duration
    Resolver *net.Resolver
    Logger   *log.Logger
}

type resolver struct {
    opts Options

    mu    sync.Mutex
    last  time.Time
    cache []string
}

func New(opts Options) discovery.Discovery {
    if opts.Refresh <= 0 { opts.Refresh = 5 * time.Second }
    if opts.Timeout <= 0 { opts.Timeout = 2 * time.Second }
    if opts.Port == 0 { opts.Port = 7950 }
    if opts.Resolver == nil { opts.Resolver = net.DefaultResolver }
    if opts.Logger == nil { opts.Logger = log.Default() }
    return &resolver{opts: opts}
}

func (r *resolver) Peers() []string {
    r.mu.Lock()
    defer r.mu.Unlock()
    if len(r.cache) > 0 && time.Since(r.last) < r.opts.Refresh {
        return append([]string(nil), r.cache...)
    }
    ctx, cancel := context.WithTimeout(context.Background(), r.opts.Timeout)
    defer cancel()
    r.cache = r.resolve(ctx)
    r.last = time.Now()
    return append([]string(nil), r.cache...)
}

func (r *resolver) resolve(ctx context.Context) []string {
    seen := make(map[string]struct{})
    add := func(hp string) { seen[hp] = struct{}{} }
    for _, name := range r.opts.Names {
        name = strings.TrimSpace(name)
        switch {
        case name == "":
        case strings.HasPrefix(name, "_"):
            for _, hp := range r.lookupSRV(ctx, name) { add(hp) }
        case strings.Contains(name, ":"):
            add(name)
        default:
            for _, hp := range r.lookupHost(ctx, name) { add(hp) }
        }
    }
    out := make([]string, 0, len(seen))
    for hp := range seen { out = append(out, hp) }
    sort.Strings(out)
    return out
}

func (r *resolver) lookupSRV(ctx context.Context, fqdn string) []string {
    svc, proto, domain := parseSRVName(fqdn)
    if domain == "" { return nil }
    _, addrs, err := r.opts.Resolver.LookupSRV(ctx, svc, proto, domain)
    if err != nil {
        logutil.Warnf(r.opts.Logger, "dns: srv %s: %v", fqdn, err)
        return nil
    }
    out := make([]string, 0, len(addrs))
    for _, a := range addrs {
        out = append(out, net.JoinHostPort(strings.TrimSuffix(a.Target, "."), strconv.Itoa(int(a.Port))))
    }
    return out
}

func (r *resolver) lookupHost(ctx context.Context, host string) []string {
    ips, err := r.opts.Resolver.LookupHost(ctx, host)
    if err != nil {
        logutil.Warnf(r.opts.Logger, "dns: host %s: %v", host, err)
        return nil
    }
    out := make([]string, 0, len(ips))
    for _, ip := range ips { out = append(out, net.JoinHostPort(ip, strconv.Itoa(r.opts.Port))) }
    return out
}

// parseSRVName splits "_service._proto.domain".
func parseSRVName(fqdn string) (service, proto, domain string) {
    parts := strings.SplitN(fqdn, ".", 3)
    if len(parts) < 3 || !strings.HasPrefix(parts[0], "_") || !strings.HasPrefix(parts[1], "_") { return "", "", "" }
    return parts[0][1:], parts[1][1:], parts[2]
}
