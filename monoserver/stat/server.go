// stat backend server for a monoblob node
package stat

import (
	"net"
	"time"

	"github.com/rarydzu/monoblob/blobfs"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name the store reports under.
const ServiceName = "monoblob.BlobStore"

// Server exposes node liveness over gRPC health and logs pool gauges
// (open handles, idle handles, live blobs) at a fixed interval.
type Server struct {
	store      *blobfs.Store
	log        *zap.SugaredLogger
	grpcServer *grpc.Server
	health     *health.Server
	interval   time.Duration
	stopChan   chan bool
}

// New is a constructor for Server
func New(store *blobfs.Store, interval time.Duration, log *zap.SugaredLogger) *Server {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Server{
		store:    store,
		log:      log,
		interval: interval,
		stopChan: make(chan bool),
	}
}

// Start serves on lis until Stop is called.
func (s *Server) Start(lis net.Listener) {
	s.grpcServer = grpc.NewServer()
	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	go s.statsLoop()
	go func() {
		if err := s.grpcServer.Serve(lis); err != nil {
			s.log.Errorf("stat server: %v", err)
		}
	}()
}

func (s *Server) statsLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			open, idle := s.store.Stats()
			s.log.Infof("pool stats: open=%d idle=%d blobs=%d", open, idle, s.store.Len())
		case <-s.stopChan:
			return
		}
	}
}

// Stop flips the health status and drains the server.
func (s *Server) Stop() {
	if s.grpcServer == nil {
		return
	}
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	close(s.stopChan)
	s.grpcServer.GracefulStop()
}
