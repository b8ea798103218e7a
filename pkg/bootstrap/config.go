package bootstrap

import (
    "errors"
    "fmt"
    "log"
    "os"
    "strings"
    "time"

    "github.com/spf13/viper"

    "github.com/amirimatin/go-bftstore/pkg/consensus"
    "github.com/amirimatin/go-bftstore/pkg/internal/logutil"
    tlsx "github.com/amirimatin/go-bftstore/pkg/security/tlsconfig"
)

// EnvPrefix is prepended to every environment override, e.g.
// BFTSTORE_NODE_ID or BFTSTORE_DISCOVERY_KIND.
const EnvPrefix = "BFTSTORE"

// Config defines high-level inputs to assemble a replica with sensible
// defaults. It can be loaded from a file with LoadConfig or filled in by
// flags; applications embed the replica by providing this structure and
// calling Build/Run.
type Config struct {
    // Identity and persistence
    NodeID    string `mapstructure:"node_id"`
    DataDir   string `mapstructure:"data_dir"` // empty → in-memory store and raft log
    Bootstrap bool   `mapstructure:"bootstrap"`
    // Join is the management address of a member to join through on start.
    Join string `mapstructure:"join"`

    // Addresses
    RaftAddr      string `mapstructure:"raft_addr"` // empty → in-memory raft transport
    MgmtAddr      string `mapstructure:"mgmt_addr"`
    MgmtAdvertise string `mapstructure:"mgmt_advertise"`
    PeerAddr      string `mapstructure:"peer_addr"` // empty disables the peer transport
    PeerAdvertise string `mapstructure:"peer_advertise"`

    Discovery DiscoveryConfig `mapstructure:"discovery"`
    TLS       tlsx.Options    `mapstructure:"tls"`

    // Ordering engine and store tuning
    StatusInterval    time.Duration `mapstructure:"status_interval"`
    HistoryWindow     uint64        `mapstructure:"history_window"`
    SnapshotThreshold uint64        `mapstructure:"snapshot_threshold"`
    ApplyTimeout      time.Duration `mapstructure:"apply_timeout"`
    RetryBackoff      time.Duration `mapstructure:"retry_backoff"`
    MaxRetryBackoff   time.Duration `mapstructure:"max_retry_backoff"`
    RPCTimeout        time.Duration `mapstructure:"rpc_timeout"`

    // Logging: format "text" or "json", level "info" or "debug".
    LogFormat string `mapstructure:"log_format"`
    LogLevel  string `mapstructure:"log_level"`
    Trace     bool   `mapstructure:"trace"`

    // Logger (optional). If nil, log.Default() is used.
    Logger *log.Logger `mapstructure:"-"`

    // Optional callbacks
    OnLeaderChange func(info consensus.LeaderInfo) `mapstructure:"-"`
    OnCommit       func(c consensus.Committed)     `mapstructure:"-"`
}

// DiscoveryConfig selects where peer addresses for status exchange come
// from.
type DiscoveryConfig struct {
    Kind    string        `mapstructure:"kind"`  // "static" (default), "dns" or "file"
    Seeds   string        `mapstructure:"seeds"` // CSV, kind=static
    Names   string        `mapstructure:"names"` // CSV of SRV or host names, kind=dns
    Port    int           `mapstructure:"port"`  // A/AAAA port, kind=dns
    Path    string        `mapstructure:"path"`  // kind=file
    Env     string        `mapstructure:"env"`   // kind=file
    Refresh time.Duration `mapstructure:"refresh"`
}

// DefaultConfig returns a configuration with the stock ports and timings.
func DefaultConfig() Config {
    hostname, _ := os.Hostname()
    return Config{
        NodeID:         hostname,
        RaftAddr:       ":9520",
        MgmtAddr:       ":17946",
        PeerAddr:       ":7950",
        Discovery:      DiscoveryConfig{Kind: "static", Port: 7950, Refresh: 5 * time.Second},
        StatusInterval: time.Second,
        ApplyTimeout:   5 * time.Second,
        RPCTimeout:     3 * time.Second,
        LogFormat:      "text",
        LogLevel:       "info",
    }
}

// LoadConfig reads path (YAML, TOML or JSON by extension) over the defaults
// and applies BFTSTORE_* environment overrides. An empty path loads only
// defaults and environment.
func LoadConfig(path string) (Config, error) {
    v := viper.New()
    setDefaults(v, DefaultConfig())
    v.SetEnvPrefix(EnvPrefix)
    v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
    v.AutomaticEnv()
    if path != "" {
        v.SetConfigFile(path)
        if err := v.ReadInConfig(); err != nil { return Config{}, fmt.Errorf("bootstrap: read %s: %w", path, err) }
    }
    var cfg Config
    if err := v.Unmarshal(&cfg); err != nil { return Config{}, fmt.Errorf("bootstrap: decode config: %w", err) }
    return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can resolve it during
// Unmarshal.
func setDefaults(v *viper.Viper, d Config) {
    v.SetDefault("node_id", d.NodeID)
    v.SetDefault("data_dir", d.DataDir)
    v.SetDefault("bootstrap", d.Bootstrap)
    v.SetDefault("join", d.Join)
    v.SetDefault("raft_addr", d.RaftAddr)
    v.SetDefault("mgmt_addr", d.MgmtAddr)
    v.SetDefault("mgmt_advertise", d.MgmtAdvertise)
    v.SetDefault("peer_addr", d.PeerAddr)
    v.SetDefault("peer_advertise", d.PeerAdvertise)

    v.SetDefault("discovery.kind", d.Discovery.Kind)
    v.SetDefault("discovery.seeds", d.Discovery.Seeds)
    v.SetDefault("discovery.names", d.Discovery.Names)
    v.SetDefault("discovery.port", d.Discovery.Port)
    v.SetDefault("discovery.path", d.Discovery.Path)
    v.SetDefault("discovery.env", d.Discovery.Env)
    v.SetDefault("discovery.refresh", d.Discovery.Refresh)

    v.SetDefault("tls.enable", d.TLS.Enable)
    v.SetDefault("tls.ca", d.TLS.CAFile)
    v.SetDefault("tls.cert", d.TLS.CertFile)
    v.SetDefault("tls.key", d.TLS.KeyFile)
    v.SetDefault("tls.skip_verify", d.TLS.InsecureSkipVerify)
    v.SetDefault("tls.server_name", d.TLS.ServerName)
    v.SetDefault("tls.reload_ttl", d.TLS.ReloadTTL)

    v.SetDefault("status_interval", d.StatusInterval)
    v.SetDefault("history_window", d.HistoryWindow)
    v.SetDefault("snapshot_threshold", d.SnapshotThreshold)
    v.SetDefault("apply_timeout", d.ApplyTimeout)
    v.SetDefault("retry_backoff", d.RetryBackoff)
    v.SetDefault("max_retry_backoff", d.MaxRetryBackoff)
    v.SetDefault("rpc_timeout", d.RPCTimeout)
    v.SetDefault("log_format", d.LogFormat)
    v.SetDefault("log_level", d.LogLevel)
    v.SetDefault("trace", d.Trace)
}

// Validate checks the fields Build cannot default.
func (c Config) Validate() error {
    if c.NodeID == "" { return errors.New("bootstrap: node_id required") }
    switch c.Discovery.Kind {
    case "", "static", "dns", "file":
    default:
        return fmt.Errorf("bootstrap: unknown discovery kind %q", c.Discovery.Kind)
    }
    switch c.LogFormat {
    case "", "text", "json":
    default:
        return fmt.Errorf("bootstrap: unknown log format %q", c.LogFormat)
    }
    if c.LogLevel != "" {
        if _, err := logutil.ParseLevel(c.LogLevel); err != nil { return fmt.Errorf("bootstrap: %w", err) }
    }
    if c.Bootstrap && c.Join != "" { return errors.New("bootstrap: bootstrap and join are exclusive") }
    return nil
}
