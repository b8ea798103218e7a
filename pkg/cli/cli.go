package cli

import (
    "context"
    "encoding/hex"
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "log"
    "os"
    "os/signal"
    "strings"
    "syscall"
    "time"

    "github.com/spf13/cobra"
    "github.com/spf13/pflag"

    "github.com/amirimatin/go-bftstore/pkg/bootstrap"
    "github.com/amirimatin/go-bftstore/pkg/consensus"
    "github.com/amirimatin/go-bftstore/pkg/consensus/pbft"
    "github.com/amirimatin/go-bftstore/pkg/consensus/pbft/wire"
    tracing "github.com/amirimatin/go-bftstore/pkg/observability/tracing"
    "github.com/amirimatin/go-bftstore/pkg/replica"
    tlsx "github.com/amirimatin/go-bftstore/pkg/security/tlsconfig"
    "github.com/amirimatin/go-bftstore/pkg/state/kv"
    "github.com/amirimatin/go-bftstore/pkg/transport"
    httpjson "github.com/amirimatin/go-bftstore/pkg/transport/httpjson"
)

// AddAll attaches the replica subcommands to the provided root command.
func AddAll(root *cobra.Command) {
    root.AddCommand(NewRunCmd())
    root.AddCommand(NewStatusCmd())
    root.AddCommand(NewJoinCmd())
    root.AddCommand(NewLeaveCmd())
    root.AddCommand(NewProposeCmd())
    root.AddCommand(NewLedgerCmd())
    root.AddCommand(NewPrePrepareCmd())
    root.AddCommand(NewDecodeCmd())
}

// NewRootCommand returns "bftstore" with every subcommand attached.
func NewRootCommand() *cobra.Command {
    root := &cobra.Command{
        Use:           "bftstore",
        Short:         "replicated versioned store ordered by raft",
        SilenceUsage:  true,
        SilenceErrors: true,
    }
    AddAll(root)
    return root
}

// NewRunCmd returns the "run" command used to start a replica. Flags that
// are set explicitly override values from --config and BFTSTORE_* variables.
func NewRunCmd() *cobra.Command {
    var (
        cfgPath     string
        traceEnable bool
        f           bootstrap.Config
    )
    def := bootstrap.DefaultConfig()
    cmd := &cobra.Command{
        Use:   "run",
        Short: "Run a replica",
        RunE: func(cmd *cobra.Command, args []string) error {
            cfg, err := bootstrap.LoadConfig(cfgPath)
            if err != nil { return err }
            overrideFromFlags(cmd.Flags(), &cfg, f)
            if traceEnable { cfg.Trace = true }
            cfg.Logger = log.Default()

            ctx, cancel := signalContext()
            defer cancel()
            if cfg.Trace {
                shutdown, err := tracing.Setup(tracing.Options{NodeID: cfg.NodeID})
                if err != nil {
                    log.Printf("tracing setup error: %v", err)
                } else {
                    defer func() { _ = shutdown(context.Background()) }()
                }
            }

            r, err := bootstrap.Run(ctx, cfg)
            if err != nil { return err }
            defer r.Close()

            fmt.Fprintln(cmd.OutOrStdout(), "replica running. Press Ctrl+C to exit.")
            <-ctx.Done()
            return nil
        },
    }
    fl := cmd.Flags()
    fl.StringVar(&cfgPath, "config", "", "config file (yaml, toml or json)")
    fl.StringVar(&f.NodeID, "id", def.NodeID, "node id")
    fl.StringVar(&f.DataDir, "data", "", "data dir for the store ledger and raft log (empty: in-memory)")
    fl.BoolVar(&f.Bootstrap, "bootstrap", false, "bootstrap a single-node raft cluster")
    fl.StringVar(&f.Join, "join", "", "management address of a member to join through")
    fl.StringVar(&f.RaftAddr, "raft-addr", def.RaftAddr, "raft bind addr (tcp)")
    fl.StringVar(&f.MgmtAddr, "mgmt-addr", def.MgmtAddr, "management HTTP address")
    fl.StringVar(&f.MgmtAdvertise, "mgmt-adv", "", "management address advertised to peers")
    fl.StringVar(&f.PeerAddr, "peer-addr", def.PeerAddr, "peer envelope gRPC address (empty disables)")
    fl.StringVar(&f.PeerAdvertise, "peer-adv", "", "peer address advertised to peers")
    fl.StringVar(&f.Discovery.Kind, "discovery", def.Discovery.Kind, "discovery backend: static|dns|file")
    fl.StringVar(&f.Discovery.Seeds, "peers", "", "comma-separated peer addresses, discovery=static")
    fl.StringVar(&f.Discovery.Names, "dns-names", "", "comma-separated DNS names or SRV records (e.g., _peer._tcp.example.com)")
    fl.IntVar(&f.Discovery.Port, "dns-port", def.Discovery.Port, "port used for A/AAAA lookups")
    fl.StringVar(&f.Discovery.Path, "file-path", "", "path or glob to a file with peer addresses")
    fl.StringVar(&f.Discovery.Env, "file-env", "", "ENV var name containing CSV peers; overrides file when set")
    fl.DurationVar(&f.Discovery.Refresh, "disc-refresh", def.Discovery.Refresh, "discovery refresh/cache duration")
    fl.DurationVar(&f.StatusInterval, "status-interval", def.StatusInterval, "peer status exchange period")
    fl.Uint64Var(&f.HistoryWindow, "history", 0, "versions kept readable behind the latest commit (0 keeps all)")
    fl.DurationVar(&f.RetryBackoff, "retry-backoff", 0, "first backoff between conflicting commit attempts")
    fl.StringVar(&f.LogFormat, "log-format", def.LogFormat, "log format: text|json")
    fl.StringVar(&f.LogLevel, "log-level", def.LogLevel, "log level: debug|info|warn|error")
    addTLSFlags(fl, &f.TLS)
    fl.BoolVar(&traceEnable, "trace", false, "enable OpenTelemetry stdout tracing (dev)")
    return cmd
}

// overrideFromFlags copies only the flags the user actually set.
func overrideFromFlags(fl *pflag.FlagSet, cfg *bootstrap.Config, f bootstrap.Config) {
    set := func(name string, apply func()) {
        if fl.Changed(name) { apply() }
    }
    set("id", func() { cfg.NodeID = f.NodeID })
    set("data", func() { cfg.DataDir = f.DataDir })
    set("bootstrap", func() { cfg.Bootstrap = f.Bootstrap })
    set("join", func() { cfg.Join = f.Join })
    set("raft-addr", func() { cfg.RaftAddr = f.RaftAddr })
    set("mgmt-addr", func() { cfg.MgmtAddr = f.MgmtAddr })
    set("mgmt-adv", func() { cfg.MgmtAdvertise = f.MgmtAdvertise })
    set("peer-addr", func() { cfg.PeerAddr = f.PeerAddr })
    set("peer-adv", func() { cfg.PeerAdvertise = f.PeerAdvertise })
    set("discovery", func() { cfg.Discovery.Kind = f.Discovery.Kind })
    set("peers", func() { cfg.Discovery.Seeds = f.Discovery.Seeds })
    set("dns-names", func() { cfg.Discovery.Names = f.Discovery.Names })
    set("dns-port", func() { cfg.Discovery.Port = f.Discovery.Port })
    set("file-path", func() { cfg.Discovery.Path = f.Discovery.Path })
    set("file-env", func() { cfg.Discovery.Env = f.Discovery.Env })
    set("disc-refresh", func() { cfg.Discovery.Refresh = f.Discovery.Refresh })
    set("status-interval", func() { cfg.StatusInterval = f.StatusInterval })
    set("history", func() { cfg.HistoryWindow = f.HistoryWindow })
    set("retry-backoff", func() { cfg.RetryBackoff = f.RetryBackoff })
    set("log-format", func() { cfg.LogFormat = f.LogFormat })
    set("log-level", func() { cfg.LogLevel = f.LogLevel })
    set("tls-enable", func() { cfg.TLS.Enable = f.TLS.Enable })
    set("tls-ca", func() { cfg.TLS.CAFile = f.TLS.CAFile })
    set("tls-cert", func() { cfg.TLS.CertFile = f.TLS.CertFile })
    set("tls-key", func() { cfg.TLS.KeyFile = f.TLS.KeyFile })
    set("tls-skip-verify", func() { cfg.TLS.InsecureSkipVerify = f.TLS.InsecureSkipVerify })
    set("tls-server-name", func() { cfg.TLS.ServerName = f.TLS.ServerName })
}

func addTLSFlags(fl *pflag.FlagSet, o *tlsx.Options) {
    fl.BoolVar(&o.Enable, "tls-enable", false, "enable mTLS for management and peer transports")
    fl.StringVar(&o.CAFile, "tls-ca", "", "path to CA cert (PEM)")
    fl.StringVar(&o.CertFile, "tls-cert", "", "path to certificate (PEM)")
    fl.StringVar(&o.KeyFile, "tls-key", "", "path to private key (PEM)")
    fl.BoolVar(&o.InsecureSkipVerify, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
    fl.StringVar(&o.ServerName, "tls-server-name", "", "expected server name (for TLS validation)")
}

// clientFlags are shared by the commands that talk to a running replica.
type clientFlags struct {
    addr    string
    timeout time.Duration
    tls     tlsx.Options
}

func (c *clientFlags) register(cmd *cobra.Command) {
    cmd.Flags().StringVar(&c.addr, "addr", "127.0.0.1:17946", "management HTTP address of a replica (host:port)")
    cmd.Flags().DurationVar(&c.timeout, "timeout", 3*time.Second, "request timeout")
    addTLSFlags(cmd.Flags(), &c.tls)
}

func (c *clientFlags) client() (*httpjson.Client, error) {
    cli := httpjson.NewClient(c.timeout)
    if c.tls.Enable {
        cfg, err := c.tls.Client()
        if err != nil { return nil, fmt.Errorf("tls client config: %w", err) }
        cli.UseTLS(cfg)
    }
    return cli, nil
}

func (c *clientFlags) context() (context.Context, context.CancelFunc) {
    return context.WithTimeout(context.Background(), c.timeout)
}

// NewStatusCmd returns the "status" command.
func NewStatusCmd() *cobra.Command {
    var cf clientFlags
    cmd := &cobra.Command{
        Use:   "status",
        Short: "Fetch replica status as JSON",
        RunE: func(cmd *cobra.Command, args []string) error {
            client, err := cf.client()
            if err != nil { return err }
            ctx, cancel := cf.context()
            defer cancel()
            data, err := client.GetStatus(ctx, cf.addr)
            if err != nil { return fmt.Errorf("status error: %w", err) }
            return writeRaw(cmd.OutOrStdout(), data)
        },
    }
    cf.register(cmd)
    return cmd
}

// NewJoinCmd returns the "join" command. It asks the replica at --addr to
// add a voter; a non-leader answer is retried once at the leader it names.
func NewJoinCmd() *cobra.Command {
    var (
        cf                   clientFlags
        id, raftAddr, peerAd string
    )
    cmd := &cobra.Command{
        Use:   "join",
        Short: "Request to add a replica to the voter set",
        RunE: func(cmd *cobra.Command, args []string) error {
            if id == "" || raftAddr == "" { return fmt.Errorf("missing required flags: --id and --raft-addr") }
            client, err := cf.client()
            if err != nil { return err }
            ctx, cancel := cf.context()
            defer cancel()
            req := transport.JoinRequest{ID: id, RaftAddr: raftAddr, PeerAddr: peerAd}
            resp, err := client.PostJoin(ctx, cf.addr, req)
            if errors.Is(err, consensus.ErrNotLeader) && resp.Leader != "" {
                resp, err = client.PostJoin(ctx, resp.Leader, req)
            }
            if err != nil { return fmt.Errorf("join error: %w", err) }
            return json.NewEncoder(cmd.OutOrStdout()).Encode(resp)
        },
    }
    cf.register(cmd)
    cmd.Flags().StringVar(&id, "id", "", "node id to add (required)")
    cmd.Flags().StringVar(&raftAddr, "raft-addr", "", "node raft address (host:port, required)")
    cmd.Flags().StringVar(&peerAd, "peer-addr", "", "node peer envelope address (optional)")
    return cmd
}

// NewLeaveCmd returns the "leave" command.
func NewLeaveCmd() *cobra.Command {
    var (
        cf clientFlags
        id string
    )
    cmd := &cobra.Command{
        Use:   "leave",
        Short: "Request to remove a replica from the voter set",
        RunE: func(cmd *cobra.Command, args []string) error {
            if id == "" { return fmt.Errorf("missing required flag: --id") }
            client, err := cf.client()
            if err != nil { return err }
            ctx, cancel := cf.context()
            defer cancel()
            addr, err := leaderOf(ctx, client, cf.addr)
            if err != nil { return err }
            resp, err := client.PostLeave(ctx, addr, transport.LeaveRequest{ID: id})
            if err != nil { return fmt.Errorf("leave error: %w", err) }
            return json.NewEncoder(cmd.OutOrStdout()).Encode(resp)
        },
    }
    cf.register(cmd)
    cmd.Flags().StringVar(&id, "id", "", "node id to remove (required)")
    return cmd
}

// leaderOf resolves the leader's management address through addr's status,
// falling back to addr itself.
func leaderOf(ctx context.Context, client *httpjson.Client, addr string) (string, error) {
    data, err := client.GetStatus(ctx, addr)
    if err != nil { return "", fmt.Errorf("status error: %w", err) }
    var st replica.Status
    if err := json.Unmarshal(data, &st); err != nil { return "", fmt.Errorf("decode status: %w", err) }
    if st.LeaderAddr != "" { return st.LeaderAddr, nil }
    return addr, nil
}

// NewProposeCmd returns the "propose" command. Every --payload becomes one
// request of the batch; ids count up from --first-id.
func NewProposeCmd() *cobra.Command {
    var (
        cf       clientFlags
        payloads []string
        caller   uint64
        firstID  uint64
        hexInput bool
    )
    cmd := &cobra.Command{
        Use:   "propose",
        Short: "Order a batch of requests through the leader",
        RunE: func(cmd *cobra.Command, args []string) error {
            if len(payloads) == 0 { return fmt.Errorf("at least one --payload required") }
            reqs := make([]pbft.Request, 0, len(payloads))
            for i, p := range payloads {
                b := []byte(p)
                if hexInput {
                    var err error
                    if b, err = hex.DecodeString(p); err != nil { return fmt.Errorf("payload %d: %w", i, err) }
                }
                reqs = append(reqs, pbft.Request{Caller: pbft.CallerID(caller), ID: pbft.RequestID(firstID + uint64(i)), Payload: b})
            }
            client, err := cf.client()
            if err != nil { return err }
            ctx, cancel := cf.context()
            defer cancel()
            req := transport.ProposeRequest{Requests: reqs}
            resp, err := client.PostPropose(ctx, cf.addr, req)
            if errors.Is(err, consensus.ErrNotLeader) && resp.Leader != "" {
                resp, err = client.PostPropose(ctx, resp.Leader, req)
            }
            if err != nil { return fmt.Errorf("propose error: %w", err) }
            return json.NewEncoder(cmd.OutOrStdout()).Encode(resp)
        },
    }
    cf.register(cmd)
    cmd.Flags().StringArrayVar(&payloads, "payload", nil, "request payload (repeatable)")
    cmd.Flags().Uint64Var(&caller, "caller", 1, "caller id stamped on every request")
    cmd.Flags().Uint64Var(&firstID, "first-id", 1, "request id of the first payload")
    cmd.Flags().BoolVar(&hexInput, "hex", false, "payloads are hex encoded")
    return cmd
}

// NewLedgerCmd returns the "ledger" command printing the write set
// committed at --version.
func NewLedgerCmd() *cobra.Command {
    var (
        cf      clientFlags
        version int64
        raw     bool
    )
    cmd := &cobra.Command{
        Use:   "ledger",
        Short: "Fetch the write set committed at a version",
        RunE: func(cmd *cobra.Command, args []string) error {
            client, err := cf.client()
            if err != nil { return err }
            ctx, cancel := cf.context()
            defer cancel()
            data, err := client.GetLedger(ctx, cf.addr, version)
            if err != nil { return fmt.Errorf("ledger error: %w", err) }
            if raw {
                _, err := fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(data))
                return err
            }
            ws, err := kv.DecodeWriteSet(data)
            if err != nil { return err }
            enc := json.NewEncoder(cmd.OutOrStdout())
            enc.SetIndent("", "  ")
            return enc.Encode(ws)
        },
    }
    cf.register(cmd)
    cmd.Flags().Int64Var(&version, "version", 1, "store version")
    cmd.Flags().BoolVar(&raw, "raw", false, "print the encoded write set as hex")
    return cmd
}

// NewPrePrepareCmd returns the "preprepare" command printing the batch
// visible at --version.
func NewPrePrepareCmd() *cobra.Command {
    var (
        cf      clientFlags
        version int64
        verify  bool
    )
    cmd := &cobra.Command{
        Use:   "preprepare",
        Short: "Fetch the batch visible at a version",
        RunE: func(cmd *cobra.Command, args []string) error {
            client, err := cf.client()
            if err != nil { return err }
            ctx, cancel := cf.context()
            defer cancel()
            pp, err := client.GetPrePrepare(ctx, cf.addr, version)
            if err != nil { return fmt.Errorf("preprepare error: %w", err) }
            if verify {
                if err := pp.Verify(); err != nil { return err }
            }
            enc := json.NewEncoder(cmd.OutOrStdout())
            enc.SetIndent("", "  ")
            return enc.Encode(pp)
        },
    }
    cf.register(cmd)
    cmd.Flags().Int64Var(&version, "version", 1, "store version")
    cmd.Flags().BoolVar(&verify, "verify", false, "recompute the digest and fail on mismatch")
    return cmd
}

// envelopeView is the printable form of a decoded envelope.
type envelopeView struct {
    Kind      string `json:"kind"`
    From      uint64 `json:"from"`
    Index     uint64 `json:"index,omitempty"`
    PrevIndex uint64 `json:"prevIndex,omitempty"`
    Body      string `json:"body,omitempty"`
}

// NewDecodeCmd returns the "decode" command. It parses a hex peer envelope
// and prints the prefix fields.
func NewDecodeCmd() *cobra.Command {
    return &cobra.Command{
        Use:   "decode <hex>",
        Short: "Decode a hex-encoded peer envelope",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            b, err := hex.DecodeString(strings.TrimSpace(args[0]))
            if err != nil { return fmt.Errorf("decode hex: %w", err) }
            m, body, err := wire.Decode(b)
            if err != nil { return err }
            v := envelopeView{Kind: m.MessageKind().String(), From: uint64(m.Sender()), Body: hex.EncodeToString(body)}
            switch msg := m.(type) {
            case wire.AppendEntries:
                v.Index, v.PrevIndex = uint64(msg.Index), uint64(msg.PrevIndex)
            case wire.StatusMessage:
                v.Index = uint64(msg.Index)
            }
            return json.NewEncoder(cmd.OutOrStdout()).Encode(v)
        },
    }
}

func writeRaw(w io.Writer, data []byte) error {
    if _, err := w.Write(data); err != nil { return err }
    if len(data) == 0 || data[len(data)-1] != '\n' {
        _, err := w.Write([]byte("\n"))
        return err
    }
    return nil
}

func signalContext() (context.Context, context.CancelFunc) {
    ctx, cancel := context.WithCancel(context.Background())
    go func() {
        ch := make(chan os.Signal, 1)
        signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
        <-ch
        cancel()
    }()
    return ctx, cancel
}
