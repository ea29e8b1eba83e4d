package grpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/maxpert/mvccoord/mvcc"
	"github.com/maxpert/mvccoord/transport"
	"github.com/rs/zerolog/log"
	"github.com/soheilhy/cmux"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
)

const maxFrameSize = 16 * 1024 * 1024

// ServerConfig holds configuration for the gRPC server
type ServerConfig struct {
	NodeID  mvcc.NodeID
	Address string
	Port    int
	Secret  string
	HTTP    http.Handler // Served on the same port, may be nil
}

// Server accepts frames from peers and hands them to the transport handler.
type Server struct {
	config   ServerConfig
	server   *grpc.Server
	http     *http.Server
	listener net.Listener
	mux      cmux.CMux

	mu      sync.RWMutex
	handler transport.Handler
}

// NewServer creates a new gRPC server
func NewServer(config ServerConfig) *Server {
	return &Server{config: config}
}

// Start listens and serves gRPC plus HTTP on one port.
func (s *Server) Start(handler transport.Handler) error {
	s.mu.Lock()
	s.handler = handler
	s.mu.Unlock()

	addr := fmt.Sprintf("%s:%d", s.config.Address, s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	s.listener = listener
	s.server = grpc.NewServer(
		grpc.MaxRecvMsgSize(maxFrameSize),
		grpc.MaxSendMsgSize(maxFrameSize),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second, // Minimum time between client pings
			PermitWithoutStream: true,
		}),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    60 * time.Second,
			Timeout: 10 * time.Second,
		}),
		grpc.ChainUnaryInterceptor(UnaryServerInterceptor(s.config.Secret)),
	)
	RegisterCoordinationServer(s.server, s)

	log.Info().
		Str("address", listener.Addr().String()).
		Uint64("node_id", uint64(s.config.NodeID)).
		Msg("Starting gRPC server")

	s.mux = cmux.New(listener)
	httpListener := s.mux.Match(cmux.HTTP1Fast())
	grpcListener := s.mux.Match(cmux.Any())

	httpMux := http.NewServeMux()
	httpMux.HandleFunc("/debug/pprof/", pprof.Index)
	httpMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	httpMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	httpMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	httpMux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	if s.config.HTTP != nil {
		httpMux.Handle("/", s.config.HTTP)
	}
	s.http = &http.Server{Handler: httpMux}

	go func() {
		if err := s.http.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, cmux.ErrListenerClosed) {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	go func() {
		if err := s.server.Serve(grpcListener); err != nil && !errors.Is(err, cmux.ErrListenerClosed) {
			log.Error().Err(err).Msg("gRPC server failed")
		}
	}()

	go func() {
		if err := s.mux.Serve(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Debug().Err(err).Msg("cmux stopped")
		}
	}()

	return nil
}

// Addr returns the bound address, nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Deliver implements CoordinationServer.
func (s *Server) Deliver(ctx context.Context, frame *Frame) (*Ack, error) {
	if frame.From == 0 || len(frame.Data) == 0 {
		return nil, status.Error(codes.InvalidArgument, "empty frame")
	}

	s.mu.RLock()
	handler := s.handler
	s.mu.RUnlock()

	if handler == nil {
		return nil, status.Error(codes.Unavailable, "transport not started")
	}
	handler(mvcc.NodeID(frame.From), frame.Data)
	return &Ack{}, nil
}

// Stop gracefully stops the gRPC server
func (s *Server) Stop() {
	if s.server != nil {
		log.Info().Msg("Stopping gRPC server")
		s.server.GracefulStop()
	}
	if s.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.http.Shutdown(ctx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
}
