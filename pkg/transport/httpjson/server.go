package httpjson

import (
    "context"
    "crypto/tls"
    "encoding/json"
    "errors"
    "fmt"
    "log"
    "net"
    "net/http"
    "strconv"
    "sync"
    "time"

    "github.com/prometheus/client_golang/prometheus/promhttp"

    "github.com/amirimatin/go-bftstore/pkg/consensus"
    "github.com/amirimatin/go-bftstore/pkg/consensus/pbft"
    "github.com/amirimatin/go-bftstore/pkg/internal/logutil"
    "github.com/amirimatin/go-bftstore/pkg/observability/tracing"
    "github.com/amirimatin/go-bftstore/pkg/state/kv"
    "github.com/amirimatin/go-bftstore/pkg/transport"
)

// Server exposes the management API over HTTP/JSON: status, health,
// metrics, membership changes, batch proposals and ledger reads.
type Server struct {
    bind   string
    logger *log.Logger
    tlsCfg *tls.Config

    mu  sync.Mutex
    srv *http.Server
    ln  net.Listener
}

// NewServer binds to the given TCP address (e.g., ":17946").
func NewServer(bind string, logger *log.Logger) *Server {
    if logger == nil { logger = log.Default() }
    return &Server{bind: bind, logger: logger}
}

// UseTLS enables TLS for the HTTP server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// Handler returns the management mux dispatching to h.
func (s *Server) Handler(h transport.Handlers) http.Handler {
    mux := http.NewServeMux()
    mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
        if !allow(w, r, http.MethodGet) { return }
        if h.Status == nil { http.Error(w, "status not supported", http.StatusNotImplemented); return }
        ctx, end := tracing.StartSpan(r.Context(), "http.status")
        defer end()
        data, err := h.Status(ctx)
        if err != nil { http.Error(w, fmt.Sprintf("status error: %v", err), statusFor(err)); return }
        w.Header().Set("Content-Type", "application/json")
        _, _ = w.Write(data)
    })
    mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
        if !allow(w, r, http.MethodGet) { return }
        w.WriteHeader(http.StatusOK)
        _, _ = w.Write([]byte("ok"))
    })
    mux.Handle("/metrics", promhttp.Handler())
    mux.HandleFunc("/join", func(w http.ResponseWriter, r *http.Request) {
        if !allow(w, r, http.MethodPost) { return }
        if h.Join == nil { http.Error(w, "join not supported", http.StatusNotImplemented); return }
        var req transport.JoinRequest
        if !decode(w, r, &req) { return }
        ctx, end := tracing.StartSpan(r.Context(), "http.join", "node", req.ID)
        defer end()
        resp, err := h.Join(ctx, req)
        if err != nil && resp.Error == "" { resp.Error = err.Error() }
        writeJSON(w, err, resp)
    })
    mux.HandleFunc("/leave", func(w http.ResponseWriter, r *http.Request) {
        if !allow(w, r, http.MethodPost) { return }
        if h.Leave == nil { http.Error(w, "leave not supported", http.StatusNotImplemented); return }
        var req transport.LeaveRequest
        if !decode(w, r, &req) { return }
        ctx, end := tracing.StartSpan(r.Context(), "http.leave", "node", req.ID)
        defer end()
        resp, err := h.Leave(ctx, req)
        if err != nil && resp.Error == "" { resp.Error = err.Error() }
        writeJSON(w, err, resp)
    })
    mux.HandleFunc("/propose", func(w http.ResponseWriter, r *http.Request) {
        if !allow(w, r, http.MethodPost) { return }
        if h.Propose == nil { http.Error(w, "propose not supported", http.StatusNotImplemented); return }
        var req transport.ProposeRequest
        if !decode(w, r, &req) { return }
        ctx, end := tracing.StartSpan(r.Context(), "http.propose", "requests", len(req.Requests))
        defer end()
        resp, err := h.Propose(ctx, req)
        if err != nil && resp.Error == "" { resp.Error = err.Error() }
        writeJSON(w, err, resp)
    })
    mux.HandleFunc("/ledger", func(w http.ResponseWriter, r *http.Request) {
        if !allow(w, r, http.MethodGet) { return }
        if h.Ledger == nil { http.Error(w, "ledger not supported", http.StatusNotImplemented); return }
        v, ok := versionParam(w, r)
        if !ok { return }
        ctx, end := tracing.StartSpan(r.Context(), "http.ledger", "version", v)
        defer end()
        data, err := h.Ledger(ctx, v)
        if err != nil { http.Error(w, err.Error(), statusFor(err)); return }
        w.Header().Set("Content-Type", "application/msgpack")
        _, _ = w.Write(data)
    })
    mux.HandleFunc("/preprepare", func(w http.ResponseWriter, r *http.Request) {
        if !allow(w, r, http.MethodGet) { return }
        if h.PrePrepare == nil { http.Error(w, "preprepare not supported", http.StatusNotImplemented); return }
        v, ok := versionParam(w, r)
        if !ok { return }
        ctx, end := tracing.StartSpan(r.Context(), "http.preprepare", "version", v)
        defer end()
        data, err := h.PrePrepare(ctx, v)
        if err != nil { http.Error(w, err.Error(), statusFor(err)); return }
        w.Header().Set("Content-Type", "application/json")
        _, _ = w.Write(data)
    })
    return mux
}

// Start launches the HTTP server and registers handlers backed by h. The
// server is shut down when the context is canceled.
func (s *Server) Start(ctx context.Context, h transport.Handlers) error {
    ln, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    if s.tlsCfg != nil { ln = tls.NewListener(ln, s.tlsCfg) }
    srv := &http.Server{Handler: s.Handler(h), ReadHeaderTimeout: 5 * time.Second}

    s.mu.Lock()
    s.srv, s.ln = srv, ln
    s.mu.Unlock()

    go func() {
        <-ctx.Done()
        _ = s.Stop(context.Background())
    }()
    go func() {
        if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
            logutil.Errorf(s.logger, "httpjson: server error: %v", err)
        }
    }()
    return nil
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.ln != nil { return s.ln.Addr().String() }
    return s.bind
}

// Stop attempts a graceful shutdown with a short timeout.
func (s *Server) Stop(ctx context.Context) error {
    s.mu.Lock()
    srv := s.srv
    s.srv = nil
    s.mu.Unlock()
    if srv == nil { return nil }
    c, cancel := context.WithTimeout(ctx, 2*time.Second)
    defer cancel()
    return srv.Shutdown(c)
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
    if r.Method == method { return true }
    http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
    return false
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
    if err := json.NewDecoder(r.Body).Decode(v); err != nil {
        http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
        return false
    }
    return true
}

func versionParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
    v, err := strconv.ParseInt(r.URL.Query().Get("version"), 10, 64)
    if err != nil || v < 1 {
        http.Error(w, "bad request: version must be a positive integer", http.StatusBadRequest)
        return 0, false
    }
    return v, true
}

func writeJSON(w http.ResponseWriter, err error, v any) {
    w.Header().Set("Content-Type", "application/json")
    if err != nil { w.WriteHeader(statusFor(err)) }
    _ = json.NewEncoder(w).Encode(v)
}

// statusFor maps handler errors onto HTTP status codes; the client maps
// them back onto the same sentinels.
func statusFor(err error) int {
    switch {
    case errors.Is(err, kv.ErrNotFound), errors.Is(err, kv.ErrFutureVersion):
        return http.StatusNotFound
    case errors.Is(err, kv.ErrCompacted):
        return http.StatusGone
    case errors.Is(err, consensus.ErrNotLeader):
        return http.StatusConflict
    case errors.Is(err, pbft.ErrUnavailable), errors.Is(err, consensus.ErrNotStarted), errors.Is(err, kv.ErrClosed):
        return http.StatusServiceUnavailable
    }
    return http.StatusInternalServerError
}

var _ transport.RPCServer = (*Server)(nil)
