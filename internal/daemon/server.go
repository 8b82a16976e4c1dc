package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/session"
	"github.com/matheus3301/convsync/internal/status"
)

// RealtimeService is the health service name that reports SERVING while
// the change feed is subscribed.
const RealtimeService = "convsync.realtime"

// Server serves the control API and the gRPC health endpoint on the
// session's Unix domain sockets.
type Server struct {
	httpServer *http.Server
	apiLn      net.Listener
	apiPath    string

	grpcServer *grpc.Server
	health     *health.Server
	healthLn   net.Listener
	healthPath string

	bus     *bus.Bus
	machine *status.Machine
	unsub   func()
	logger  *zap.Logger
}

// NewServer binds both sockets. Stale socket files are removed first.
func NewServer(p Params, logger *zap.Logger, router *gin.Engine, b *bus.Bus, machine *status.Machine) (*Server, error) {
	apiPath := p.SocketPath
	if apiPath == "" {
		apiPath = session.SocketPath(p.SessionName)
	}
	healthPath := p.HealthSocketPath
	if healthPath == "" {
		healthPath = session.HealthSocketPath(p.SessionName)
	}

	apiLn, err := listenUnix(apiPath)
	if err != nil {
		return nil, err
	}
	healthLn, err := listenUnix(healthPath)
	if err != nil {
		_ = apiLn.Close()
		return nil, err
	}

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(RealtimeService, healthpb.HealthCheckResponse_NOT_SERVING)
	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, hs)

	return &Server{
		httpServer: &http.Server{Handler: router, ReadHeaderTimeout: 10 * time.Second},
		apiLn:      apiLn,
		apiPath:    apiPath,
		grpcServer: grpcServer,
		health:     hs,
		healthLn:   healthLn,
		healthPath: healthPath,
		bus:        b,
		machine:    machine,
		logger:     logger,
	}, nil
}

func listenUnix(path string) (net.Listener, error) {
	if _, err := os.Stat(path); err == nil {
		_ = os.Remove(path)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return ln, nil
}

// Start serves both sockets in the background and tracks the feed state.
func (s *Server) Start() error {
	ch, unsub := s.bus.Subscribe(bus.KindFeedStatus, 16)
	done := make(chan struct{})
	s.unsub = func() {
		unsub()
		close(done)
	}
	s.setRealtime(s.machine.Current())
	go func() {
		for {
			select {
			case evt := <-ch:
				if sc, ok := evt.Payload.(status.StatusChange); ok {
					s.setRealtime(sc.To)
				}
			case <-done:
				return
			}
		}
	}()

	s.logger.Info("api server starting", zap.String("socket", s.apiPath))
	go func() {
		if err := s.httpServer.Serve(s.apiLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", zap.Error(err))
		}
	}()

	s.logger.Info("health server starting", zap.String("socket", s.healthPath))
	go func() {
		if err := s.grpcServer.Serve(s.healthLn); err != nil {
			s.logger.Error("health server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) setRealtime(st status.State) {
	serving := healthpb.HealthCheckResponse_NOT_SERVING
	if st == status.Subscribed {
		serving = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(RealtimeService, serving)
}

// Stop shuts both servers down and removes the socket files.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("servers stopping")
	if s.unsub != nil {
		s.unsub()
	}
	s.health.Shutdown()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("api server shutdown", zap.Error(err))
		_ = s.httpServer.Close()
	}
	s.grpcServer.GracefulStop()
	_ = os.Remove(s.apiPath)
	_ = os.Remove(s.healthPath)
}
