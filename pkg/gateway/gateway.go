package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/chen-yuxuan/jina/pkg/graph"
	"github.com/chen-yuxuan/jina/pkg/log"
	"github.com/chen-yuxuan/jina/pkg/metrics"
	"github.com/chen-yuxuan/jina/pkg/rpc"
	"github.com/chen-yuxuan/jina/pkg/types"
)

// Supported client transports.
const (
	ProtocolGRPC      = "grpc"
	ProtocolHTTP      = "http"
	ProtocolWebSocket = "websocket"
)

// Config holds gateway configuration.
type Config struct {
	// GraphDescription is the topology JSON.
	GraphDescription string

	// DeploymentsAddresses maps pod names to head addresses, JSON.
	DeploymentsAddresses string

	// Protocol selects the client transport: grpc, http or websocket.
	Protocol string

	// Prefetch caps in-flight client requests; 0 disables back-pressure.
	Prefetch int

	// Retries is the per-pod retry budget. Negative = unlimited.
	Retries int
}

// Gateway terminates the client transport and drives the traversal
// engine.
type Gateway struct {
	engine   *Engine
	protocol string
	sem      *semaphore.Weighted

	grpcSrv *grpc.Server
	httpSrv *http.Server
	health  *health.Server
	logger  zerolog.Logger
}

// New validates the topology and builds the gateway. Topology errors
// (cycle, unreachable pod, missing address) are fatal here, before any
// listener opens.
func New(cfg *Config) (*Gateway, error) {
	g, err := graph.Parse(cfg.GraphDescription)
	if err != nil {
		return nil, err
	}
	addrs, err := graph.ParseAddresses(cfg.DeploymentsAddresses, g)
	if err != nil {
		return nil, err
	}

	switch cfg.Protocol {
	case "", ProtocolGRPC, ProtocolHTTP, ProtocolWebSocket:
	default:
		return nil, fmt.Errorf("unknown protocol %q", cfg.Protocol)
	}
	protocol := cfg.Protocol
	if protocol == "" {
		protocol = ProtocolGRPC
	}

	gw := &Gateway{
		engine:   NewEngine(g, addrs, cfg.Retries),
		protocol: protocol,
		health:   health.NewServer(),
		logger:   log.WithRuntime("gateway"),
	}
	if cfg.Prefetch > 0 {
		gw.sem = semaphore.NewWeighted(int64(cfg.Prefetch))
	}
	return gw, nil
}

// Start serves the configured transport on addr, blocking until Stop.
func (gw *Gateway) Start(addr string) error {
	switch gw.protocol {
	case ProtocolGRPC:
		return gw.startGRPC(addr)
	case ProtocolHTTP:
		return gw.startHTTP(addr, gw.httpHandler())
	case ProtocolWebSocket:
		return gw.startHTTP(addr, gw.websocketHandler())
	}
	return fmt.Errorf("unknown protocol %q", gw.protocol)
}

func (gw *Gateway) startGRPC(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return gw.ServeGRPC(lis)
}

// ServeGRPC serves the streaming transport on an established listener.
func (gw *Gateway) ServeGRPC(lis net.Listener) error {
	gw.grpcSrv = grpc.NewServer()
	rpc.RegisterJinaRPCServer(gw.grpcSrv, gw)
	healthpb.RegisterHealthServer(gw.grpcSrv, gw.health)
	gw.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	gw.logger.Info().Str("addr", lis.Addr().String()).Str("protocol", gw.protocol).Msg("gateway listening")
	return gw.grpcSrv.Serve(lis)
}

func (gw *Gateway) startHTTP(addr string, handler http.Handler) error {
	gw.httpSrv = &http.Server{
		Addr:        addr,
		Handler:     handler,
		IdleTimeout: 60 * time.Second,
	}
	gw.logger.Info().Str("addr", addr).Str("protocol", gw.protocol).Msg("gateway listening")
	err := gw.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully stops the gateway.
func (gw *Gateway) Stop() {
	if gw.grpcSrv != nil {
		gw.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		gw.grpcSrv.GracefulStop()
	}
	if gw.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = gw.httpSrv.Shutdown(ctx)
	}
	gw.engine.Close()
}

// grpcIterator adapts the inbound gRPC stream to the engine iterator.
type grpcIterator struct {
	stream rpc.JinaRPC_CallServer
}

func (it *grpcIterator) Next() (*types.DataRequest, error) {
	return it.stream.Recv()
}

// Call serves the bidirectional streaming surface: requests are admitted
// under the prefetch cap and traversed concurrently; every response that
// reaches end-gateway streams back to the client as it completes.
// Requests may complete out of submission order.
func (gw *Gateway) Call(stream rpc.JinaRPC_CallServer) error {
	ctx := stream.Context()
	st := NewStream(&grpcIterator{stream}, gw.sem)
	defer st.Close()

	var sendMu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)

	for {
		req, err := st.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if rpc.IsCancelled(err) || errors.Is(err, context.Canceled) {
				break
			}
			return err
		}
		g.Go(func() error {
			defer st.Done()
			return gw.process(ctx, req, func(resp *types.DataResponse) {
				sendMu.Lock()
				defer sendMu.Unlock()
				if err := stream.Send(resp); err != nil {
					gw.logger.Debug().Err(err).Msg("client send failed")
				}
			})
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) || rpc.IsCancelled(err) {
		// Client went away; outstanding tasks were abandoned.
		return nil
	}
	return err
}

// process runs one traversal and records request metrics.
func (gw *Gateway) process(ctx context.Context, req *types.DataRequest, emit func(*types.DataResponse)) error {
	timer := metrics.NewTimer()
	var mu sync.Mutex
	status := types.StatusSuccess
	err := gw.engine.Process(ctx, req, func(resp *types.DataResponse) {
		mu.Lock()
		status = types.Worst(status, resp.StatusCode())
		mu.Unlock()
		emit(resp)
	})
	timer.ObserveDurationVec(metrics.RequestDuration, "gateway")
	if err != nil {
		status = types.StatusError
	}
	metrics.RequestsTotal.WithLabelValues("gateway", req.Header.Endpoint, status.String()).Inc()
	return err
}
