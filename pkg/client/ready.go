package client

import (
	"context"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/chen-yuxuan/jina/pkg/rpc"
)

const readyPollInterval = 100 * time.Millisecond

// WaitForReadyOrShutdown repeatedly pings the runtime at addr with a
// no-op health check until it answers SERVING or the timeout elapses.
// Returns true once the runtime is ready.
func WaitForReadyOrShutdown(ctx context.Context, addr string, timeout time.Duration) bool {
	conn, err := rpc.Dial(addr)
	if err != nil {
		return false
	}
	defer conn.Close()
	hc := healthpb.NewHealthClient(conn)

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		checkCtx, cancel := context.WithTimeout(ctx, time.Second)
		resp, err := hc.Check(checkCtx, &healthpb.HealthCheckRequest{})
		cancel()
		if err == nil && resp.Status == healthpb.HealthCheckResponse_SERVING {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(readyPollInterval):
		}
	}
	return false
}
