package grpc

import (
    "context"
    "crypto/tls"
    "errors"
    "log"
    "net"
    "sync"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/codes"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/health"
    healthpb "google.golang.org/grpc/health/grpc_health_v1"
    "google.golang.org/grpc/keepalive"
    "google.golang.org/grpc/status"

    "github.com/amirimatin/go-bftstore/pkg/consensus/pbft"
    "github.com/amirimatin/go-bftstore/pkg/consensus/pbft/wire"
    "github.com/amirimatin/go-bftstore/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-bftstore/pkg/observability/metrics"
    "github.com/amirimatin/go-bftstore/pkg/observability/tracing"
    "github.com/amirimatin/go-bftstore/pkg/transport"
)

// Server accepts peer envelopes over gRPC.
type Server struct {
    bind   string
    logger *log.Logger
    tlsCfg *tls.Config

    mu  sync.Mutex
    lis net.Listener
    srv *grpc.Server
}

func NewServer(bind string, logger *log.Logger) *Server {
    if logger == nil { logger = log.Default() }
    return &Server{bind: bind, logger: logger}
}

// UseTLS enables TLS for the gRPC server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

type peerServer interface {
    Deliver(ctx context.Context, in *envelope) (*ack, error)
}

type peerImpl struct {
    deliver transport.DeliverFunc
    logger  *log.Logger
}

func (p *peerImpl) Deliver(ctx context.Context, in *envelope) (*ack, error) {
    if in == nil { in = &envelope{} }
    m, body, err := wire.Decode(in.Data)
    if err != nil {
        obsmetrics.PeerRejected.WithLabelValues(rejectReason(err)).Inc()
        logutil.Debugf(p.logger, "grpc: rejected envelope (%d bytes): %v", len(in.Data), err)
        return nil, status.Error(codes.InvalidArgument, err.Error())
    }
    obsmetrics.PeerMessages.WithLabelValues(m.MessageKind().String()).Inc()
    ctx, end := tracing.StartSpan(ctx, "grpc.deliver", "kind", m.MessageKind().String(), "from", uint64(m.Sender()))
    defer end()
    if p.deliver == nil { return &ack{}, nil }
    if err := p.deliver(ctx, m, body); err != nil {
        if _, ok := status.FromError(err); ok { return nil, err }
        if errors.Is(err, wire.ErrBadBody) {
            obsmetrics.PeerRejected.WithLabelValues("bad_body").Inc()
            return nil, status.Error(codes.InvalidArgument, err.Error())
        }
        if errors.Is(err, pbft.ErrUnavailable) { return nil, status.Error(codes.Unavailable, err.Error()) }
        return nil, status.Error(codes.Internal, err.Error())
    }
    return &ack{}, nil
}

func rejectReason(err error) string {
    switch {
    case errors.Is(err, wire.ErrShortBuffer):
        return "short_buffer"
    case errors.Is(err, wire.ErrUnknownKind):
        return "unknown_kind"
    case errors.Is(err, wire.ErrKindMismatch):
        return "kind_mismatch"
    case errors.Is(err, wire.ErrIndexOrder):
        return "index_order"
    }
    return "other"
}

// Service descriptor and handlers (hand-written, no codegen required)
var _Peer_serviceDesc = grpc.ServiceDesc{
    ServiceName: "bftstore.v1.Peer",
    HandlerType: (*peerServer)(nil),
    Methods: []grpc.MethodDesc{
        {MethodName: "Deliver", Handler: _Peer_Deliver_Handler},
    },
}

func _Peer_Deliver_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
    in := new(envelope)
    if err := dec(in); err != nil { return nil, err }
    if interceptor == nil { return srv.(peerServer).Deliver(ctx, in) }
    info := &grpc.UnaryServerInfo{Server: srv, FullMethod: deliverMethod}
    handler := func(ctx context.Context, req interface{}) (interface{}, error) {
        return srv.(peerServer).Deliver(ctx, req.(*envelope))
    }
    return interceptor(ctx, in, info, handler)
}

// Start listens on the bind address and serves envelopes to deliver until
// ctx is canceled or Stop is called.
func (s *Server) Start(ctx context.Context, deliver transport.DeliverFunc) error {
    lis, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    var opts []grpc.ServerOption
    opts = append(opts, grpc.ForceServerCodec(peerCodec{}))
    opts = append(opts, grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}))
    opts = append(opts, grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}))
    if s.tlsCfg != nil { opts = append(opts, grpc.Creds(credentials.NewTLS(s.tlsCfg))) }
    srv := grpc.NewServer(opts...)
    healthpb.RegisterHealthServer(srv, health.NewServer())
    srv.RegisterService(&_Peer_serviceDesc, &peerImpl{deliver: deliver, logger: s.logger})

    s.mu.Lock()
    s.lis, s.srv = lis, srv
    s.mu.Unlock()

    go func() {
        <-ctx.Done()
        c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
        defer cancel()
        _ = s.Stop(c)
    }()
    go func() {
        if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
            logutil.Errorf(s.logger, "grpc: serve error: %v", err)
        }
    }()
    return nil
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.lis != nil { return s.lis.Addr().String() }
    return s.bind
}

func (s *Server) Stop(ctx context.Context) error {
    s.mu.Lock()
    srv := s.srv
    s.srv = nil
    s.mu.Unlock()
    if srv == nil { return nil }
    ch := make(chan struct{})
    go func() { srv.GracefulStop(); close(ch) }()
    select {
    case <-ch:
    case <-ctx.Done():
        srv.Stop()
    }
    return nil
}

var _ transport.PeerServer = (*Server)(nil)
