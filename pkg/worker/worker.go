package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/chen-yuxuan/jina/pkg/executor"
	"github.com/chen-yuxuan/jina/pkg/log"
	"github.com/chen-yuxuan/jina/pkg/metrics"
	"github.com/chen-yuxuan/jina/pkg/rpc"
	"github.com/chen-yuxuan/jina/pkg/types"
)

// Config holds worker configuration
type Config struct {
	// Name identifies the worker in routing traces, conventionally
	// pod-name/worker/shard-index.
	Name string

	// Uses references the executor: a registered type name or a path to
	// a YAML manifest.
	Uses string

	// UsesWith, UsesMetas and UsesRequests are launch-time overrides
	// merged on top of the manifest, overrides winning.
	UsesWith     map[string]interface{}
	UsesMetas    map[string]interface{}
	UsesRequests map[string]string
}

// Worker hosts one executor behind the JinaRPC streaming surface.
type Worker struct {
	name   string
	exec   *executor.Executor
	grpc   *grpc.Server
	health *health.Server
	logger zerolog.Logger
}

// New constructs the worker and its executor. A missing executor type or
// a bad manifest is a fatal startup error.
func New(cfg *Config) (*Worker, error) {
	if cfg.Uses == "" {
		cfg.Uses = "BaseExecutor"
	}
	exec, err := executor.Resolve(cfg.Uses, executor.Options{
		Requests: cfg.UsesRequests,
		With:     cfg.UsesWith,
		Metas:    cfg.UsesMetas,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to construct executor: %w", err)
	}

	w := &Worker{
		name:   cfg.Name,
		exec:   exec,
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
		logger: log.WithRuntime("worker"),
	}
	rpc.RegisterJinaRPCServer(w.grpc, w)
	healthpb.RegisterHealthServer(w.grpc, w.health)
	return w, nil
}

// Start serves the worker on addr, blocking until Stop.
func (w *Worker) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return w.Serve(lis)
}

// Serve serves the worker on an established listener.
func (w *Worker) Serve(lis net.Listener) error {
	w.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	w.logger.Info().Str("addr", lis.Addr().String()).Str("executor", w.exec.Name()).Msg("worker listening")
	return w.grpc.Serve(lis)
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() {
	w.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	w.grpc.GracefulStop()
}

// Call serves one request per received frame: resolve the endpoint,
// apply the handler, append this worker to the routing trace, reply.
func (w *Worker) Call(stream rpc.JinaRPC_CallServer) error {
	for {
		req, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		resp := w.process(stream.Context(), req)
		if err := stream.Send(resp); err != nil {
			return err
		}
	}
}

func (w *Worker) process(ctx context.Context, req *types.DataRequest) *types.DataResponse {
	timer := metrics.NewTimer()
	endpoint := req.Header.Endpoint
	route := req.AddRoute(w.name)

	docs, handled, err := w.exec.Process(ctx, endpoint, req.Docs, req.Parameters)
	req.Docs = docs
	route.EndTime = time.Now()

	resp := types.NewResponse(req)
	if err != nil {
		// Handler failures travel forward as an ERROR status so heads
		// can still merge partial results.
		resp.Status = &types.Status{
			Code:        types.StatusError,
			Description: fmt.Sprintf("handler error on %s: %v", endpoint, err),
		}
		route.Status = resp.Status
		metrics.HandlerErrorsTotal.WithLabelValues(endpoint).Inc()
		w.logger.Error().Err(err).Str("endpoint", endpoint).Str("request_id", req.Header.RequestID).Msg("handler failed")
	} else if !handled {
		w.logger.Debug().Str("endpoint", endpoint).Msg("no handler bound, passing through")
	}

	timer.ObserveDurationVec(metrics.RequestDuration, "worker")
	metrics.RequestsTotal.WithLabelValues("worker", endpoint, resp.StatusCode().String()).Inc()
	return resp
}
