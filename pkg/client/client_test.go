package client

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/chen-yuxuan/jina/pkg/rpc"
	"github.com/chen-yuxuan/jina/pkg/types"
)

// countingEcho echoes requests and counts how many it saw.
type countingEcho struct {
	requests atomic.Int64
}

func (s *countingEcho) Call(stream rpc.JinaRPC_CallServer) error {
	for {
		req, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		s.requests.Add(1)
		if err := stream.Send(types.NewResponse(req)); err != nil {
			return err
		}
	}
}

func startServer(t *testing.T, serving bool) (string, *countingEcho) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	echo := &countingEcho{}
	srv := grpc.NewServer()
	rpc.RegisterJinaRPCServer(srv, echo)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	if serving {
		hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	} else {
		hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	}

	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return lis.Addr().String(), echo
}

func makeDocs(n int) []*types.Document {
	docs := make([]*types.Document, n)
	for i := range docs {
		docs[i] = &types.Document{Text: "doc"}
	}
	return docs
}

func TestPostBatchesByRequestSize(t *testing.T) {
	tests := []struct {
		name        string
		docs        int
		requestSize int
		expected    int
	}{
		{name: "exact batches", docs: 10, requestSize: 5, expected: 2},
		{name: "remainder batch", docs: 11, requestSize: 5, expected: 3},
		{name: "one per request", docs: 4, requestSize: 1, expected: 4},
		{name: "default size", docs: 3, requestSize: 0, expected: 1},
		{name: "no docs still sends one request", docs: 0, requestSize: 1, expected: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, echo := startServer(t, true)
			c, err := NewClient(addr)
			require.NoError(t, err)
			defer c.Close()

			opts := []PostOption{}
			if tt.requestSize > 0 {
				opts = append(opts, WithRequestSize(tt.requestSize))
			}
			resps, err := c.Post(context.Background(), "/index", makeDocs(tt.docs), opts...)
			require.NoError(t, err)

			assert.Len(t, resps, tt.expected)
			assert.Equal(t, int64(tt.expected), echo.requests.Load())
		})
	}
}

func TestPostCarriesEndpointAndParameters(t *testing.T) {
	addr, _ := startServer(t, true)
	c, err := NewClient(addr)
	require.NoError(t, err)
	defer c.Close()

	resps, err := c.Post(context.Background(), "/search", makeDocs(1),
		WithParameters(map[string]interface{}{"limit": float64(5)}))
	require.NoError(t, err)
	require.Len(t, resps, 1)

	assert.Equal(t, "/search", resps[0].Header.Endpoint)
	assert.NotEmpty(t, resps[0].Header.RequestID)
	assert.Equal(t, float64(5), resps[0].Parameters["limit"])
}

func TestWaitForReadyOrShutdown(t *testing.T) {
	addr, _ := startServer(t, true)
	assert.True(t, WaitForReadyOrShutdown(context.Background(), addr, 3*time.Second))
}

func TestWaitForReadyOrShutdownTimesOut(t *testing.T) {
	addr, _ := startServer(t, false)
	assert.False(t, WaitForReadyOrShutdown(context.Background(), addr, 500*time.Millisecond))
}
