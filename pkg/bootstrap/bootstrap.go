package bootstrap

import (
    "context"
    "crypto/tls"
    "fmt"
    "log"
    "path/filepath"
    "time"

    "github.com/amirimatin/go-bftstore/pkg/consensus/pbft"
    raftcons "github.com/amirimatin/go-bftstore/pkg/consensus/raft"
    "github.com/amirimatin/go-bftstore/pkg/discovery"
    dDNS "github.com/amirimatin/go-bftstore/pkg/discovery/dns"
    dFile "github.com/amirimatin/go-bftstore/pkg/discovery/file"
    dStatic "github.com/amirimatin/go-bftstore/pkg/discovery/static"
    "github.com/amirimatin/go-bftstore/pkg/internal/logutil"
    "github.com/amirimatin/go-bftstore/pkg/replica"
    "github.com/amirimatin/go-bftstore/pkg/state/kv"
    peergrpc "github.com/amirimatin/go-bftstore/pkg/transport/grpc"
    "github.com/amirimatin/go-bftstore/pkg/transport/httpjson"
)

// Build assembles a replica from Config without starting it.
func Build(cfg Config) (*replica.Replica, error) {
    if err := cfg.Validate(); err != nil { return nil, err }
    if cfg.Logger == nil { cfg.Logger = log.Default() }
    if cfg.LogFormat == "json" { logutil.SetJSON(true) }
    if lv, err := logutil.ParseLevel(cfg.LogLevel); err == nil && cfg.LogLevel != "" { logutil.SetLevel(lv) }
    logutil.SetNode(cfg.NodeID)

    var srvTLS, cliTLS *tls.Config
    if cfg.TLS.Enable {
        // Hot-reload configs allow manual rotation by replacing files.
        var err error
        if srvTLS, err = cfg.TLS.ServerHotReload(); err != nil { return nil, fmt.Errorf("bootstrap: tls server: %w", err) }
        if cliTLS, err = cfg.TLS.ClientHotReload(); err != nil { return nil, fmt.Errorf("bootstrap: tls client: %w", err) }
    }

    opts := replica.Options{
        NodeID: cfg.NodeID,
        Logger: cfg.Logger,
        Bridge: pbft.Options{RetryBackoff: cfg.RetryBackoff, MaxRetryBackoff: cfg.MaxRetryBackoff},
        Raft: raftcons.Options{
            Bootstrap:         cfg.Bootstrap,
            BindAddr:          cfg.RaftAddr,
            ApplyTimeout:      cfg.ApplyTimeout,
            SnapshotThreshold: cfg.SnapshotThreshold,
            HistoryWindow:     cfg.HistoryWindow,
        },
        MgmtAdvertise:  cfg.MgmtAdvertise,
        PeerAdvertise:  cfg.PeerAdvertise,
        StatusInterval: cfg.StatusInterval,
        OnLeaderChange: cfg.OnLeaderChange,
        OnCommit:       cfg.OnCommit,
    }
    if cfg.DataDir != "" {
        opts.Store = kv.Options{DataDir: filepath.Join(cfg.DataDir, "store")}
        opts.Raft.DataDir = filepath.Join(cfg.DataDir, "raft")
    }

    timeout := cfg.RPCTimeout
    if timeout <= 0 { timeout = 3 * time.Second }
    if cfg.MgmtAddr != "" {
        s := httpjson.NewServer(cfg.MgmtAddr, cfg.Logger)
        if srvTLS != nil { s.UseTLS(srvTLS) }
        opts.RPCServer = s
    }
    c := httpjson.NewClient(timeout)
    if cliTLS != nil { c.UseTLS(cliTLS) }
    opts.RPCClient = c

    if cfg.PeerAddr != "" {
        ps := peergrpc.NewServer(cfg.PeerAddr, cfg.Logger)
        if srvTLS != nil { ps.UseTLS(srvTLS) }
        pc := peergrpc.NewClient(timeout)
        if cliTLS != nil { pc.UseTLS(cliTLS) }
        opts.PeerServer, opts.PeerClient = ps, pc
        opts.Discovery = newDiscovery(cfg.Discovery, cfg.Logger)
    }
    return replica.New(opts)
}

func newDiscovery(dc DiscoveryConfig, logger *log.Logger) discovery.Discovery {
    switch dc.Kind {
    case "dns":
        return dDNS.New(dDNS.Options{Names: dStatic.Parse(dc.Names), Port: dc.Port, Refresh: dc.Refresh, Logger: logger})
    case "file":
        return dFile.New(dFile.Options{Path: dc.Path, Env: dc.Env, Refresh: dc.Refresh})
    default:
        return dStatic.New(dStatic.Parse(dc.Seeds)...)
    }
}

// Run builds and starts the replica and, when cfg.Join is set, joins through
// that member. The caller is responsible for calling Close() when finished.
func Run(ctx context.Context, cfg Config) (*replica.Replica, error) {
    if cfg.Logger == nil { cfg.Logger = log.Default() }
    r, err := Build(cfg)
    if err != nil { return nil, err }
    if err := r.Start(ctx); err != nil {
        _ = r.Close()
        return nil, err
    }
    if cfg.Join != "" {
        if err := joinWithRetry(ctx, r, cfg.Join, 5, cfg.Logger); err != nil {
            _ = r.Close()
            return nil, err
        }
    }
    return r, nil
}

func joinWithRetry(ctx context.Context, r *replica.Replica, seed string, attempts int, logger *log.Logger) error {
    backoff := 500 * time.Millisecond
    var err error
    for i := 0; i < attempts; i++ {
        if err = r.Join(ctx, seed); err == nil { return nil }
        logutil.Warnf(logger, "join via %s failed (attempt %d/%d): %v", seed, i+1, attempts, err)
        select {
        case <-ctx.Done():
            return ctx.Err()
        case <-time.After(backoff):
        }
        backoff *= 2
    }
    return err
}
