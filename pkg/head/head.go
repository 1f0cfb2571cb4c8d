package head

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/chen-yuxuan/jina/pkg/log"
	"github.com/chen-yuxuan/jina/pkg/metrics"
	"github.com/chen-yuxuan/jina/pkg/rpc"
	"github.com/chen-yuxuan/jina/pkg/types"
)

// DefaultRetries bounds replica retries unless configured otherwise.
// Negative means unlimited, zero disables retries.
const DefaultRetries = 3

// Config holds head configuration, fixed at construct time.
type Config struct {
	// Name is the pod this head fronts.
	Name string

	// ConnectionList maps shard index to the replica addresses of that
	// shard. Immutable for the head's lifetime.
	ConnectionList [][]string

	// UsesBeforeAddress and UsesAfterAddress point at optional local
	// pre-processor and reducer executors.
	UsesBeforeAddress string
	UsesAfterAddress  string

	// Polling selects ANY/ALL per endpoint.
	Polling Polling

	// Retries is the replica retry budget. Negative = unlimited,
	// 0 = none.
	Retries int
}

// ParseConnectionList decodes the --connection-list JSON, e.g.
//
//	{"0": ["127.0.0.1:8081", "127.0.0.1:8082"], "1": ["127.0.0.1:8083"]}
//
// returning replica lists ordered by numeric shard index.
func ParseConnectionList(s string) ([][]string, error) {
	var raw map[string][]string
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil, fmt.Errorf("invalid connection list: %w", err)
	}
	indices := make([]int, 0, len(raw))
	for k := range raw {
		i, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("invalid shard index %q", k)
		}
		indices = append(indices, i)
	}
	sort.Ints(indices)
	out := make([][]string, 0, len(indices))
	for _, i := range indices {
		replicas := raw[strconv.Itoa(i)]
		if len(replicas) == 0 {
			return nil, fmt.Errorf("shard %d has no replicas", i)
		}
		out = append(out, replicas)
	}
	return out, nil
}

// shard tracks the replicas of one partition plus its round-robin
// cursor. The cursor is a plain atomic increment; selection takes it
// modulo the replica count.
type shard struct {
	index    int
	replicas []string
	rr       atomic.Uint64
}

func (s *shard) next() string {
	return s.replicas[int(s.rr.Add(1)-1)%len(s.replicas)]
}

// Head fronts one pod: it receives a request, fans out to shards per the
// polling policy, merges shard replies deterministically, and returns a
// single response.
type Head struct {
	name       string
	shards     []*shard
	pool       *Pool
	usesBefore string
	usesAfter  string
	polling    Polling
	retries    int
	rrShard    atomic.Uint64

	grpc   *grpc.Server
	health *health.Server
	logger zerolog.Logger
}

// New constructs a head from its connection table.
func New(cfg *Config) (*Head, error) {
	if len(cfg.ConnectionList) == 0 {
		return nil, errors.New("head has no shards")
	}
	h := &Head{
		name:       cfg.Name,
		pool:       NewPool(),
		usesBefore: cfg.UsesBeforeAddress,
		usesAfter:  cfg.UsesAfterAddress,
		polling:    cfg.Polling,
		retries:    cfg.Retries,
		grpc:       grpc.NewServer(),
		health:     health.NewServer(),
		logger:     log.WithRuntime("head").With().Str("pod", cfg.Name).Logger(),
	}
	for i, replicas := range cfg.ConnectionList {
		h.shards = append(h.shards, &shard{index: i, replicas: replicas})
	}
	rpc.RegisterJinaRPCServer(h.grpc, h)
	healthpb.RegisterHealthServer(h.grpc, h.health)
	return h, nil
}

// Start serves the head on addr, blocking until Stop.
func (h *Head) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return h.Serve(lis)
}

// Serve serves the head on an established listener.
func (h *Head) Serve(lis net.Listener) error {
	h.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	h.logger.Info().Str("addr", lis.Addr().String()).Int("shards", len(h.shards)).Msg("head listening")
	return h.grpc.Serve(lis)
}

// Stop gracefully stops the head and tears down its pool.
func (h *Head) Stop() {
	h.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	h.grpc.GracefulStop()
	h.pool.Close()
}

// Call answers one response per received request.
func (h *Head) Call(stream rpc.JinaRPC_CallServer) error {
	for {
		req, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		resp := h.Process(stream.Context(), req)
		if err := stream.Send(resp); err != nil {
			return err
		}
	}
}

// Process runs the full head algorithm for one request: uses-before,
// polling resolution, shard dispatch, merge, uses-after.
func (h *Head) Process(ctx context.Context, req *types.DataRequest) *types.DataResponse {
	timer := metrics.NewTimer()
	start := time.Now()
	working := req

	if h.usesBefore != "" {
		resp, err := h.pool.Call(ctx, h.usesBefore, working)
		if err != nil {
			return h.finish(req, h.errorResponse(req, fmt.Errorf("uses-before failed: %w", err)), start, timer)
		}
		working = resp.AsRequest()
	}

	polling := h.polling.For(working.Header.Endpoint)

	var merged *types.DataResponse
	if polling == PollingAll {
		merged = h.dispatchAll(ctx, working)
	} else {
		resp, err := h.dispatchAny(ctx, working)
		if err != nil {
			resp = h.errorResponse(req, err)
		}
		merged = resp
	}
	metrics.ShardDispatchTotal.WithLabelValues(polling.String(), merged.StatusCode().String()).Inc()

	if h.usesAfter != "" {
		resp, err := h.pool.Call(ctx, h.usesAfter, merged.AsRequest())
		if err != nil {
			merged = h.errorResponse(req, fmt.Errorf("uses-after failed: %w", err))
		} else {
			// The reducer's reply is authoritative.
			merged = resp
		}
	}

	return h.finish(req, merged, start, timer)
}

func (h *Head) finish(req *types.DataRequest, resp *types.DataResponse, start time.Time, timer *metrics.Timer) *types.DataResponse {
	resp.Routes = append(resp.Routes, &types.RouteStatus{
		Pod:       h.name,
		StartTime: start,
		EndTime:   time.Now(),
		Status:    resp.Status,
	})
	timer.ObserveDurationVec(metrics.RequestDuration, "head")
	metrics.RequestsTotal.WithLabelValues("head", req.Header.Endpoint, resp.StatusCode().String()).Inc()
	return resp
}

func (h *Head) errorResponse(req *types.DataRequest, err error) *types.DataResponse {
	return &types.DataResponse{
		Header: req.Header,
		Status: &types.Status{Code: types.StatusError, Description: err.Error()},
	}
}

// dispatchAny picks one shard round-robin for the request's life.
// callShard spends the whole retry budget on that shard's replicas and
// returns a transient error only once the budget is used up, so the
// request is not moved on to another shard.
func (h *Head) dispatchAny(ctx context.Context, req *types.DataRequest) (*types.DataResponse, error) {
	budget := h.retries
	start := int(h.rrShard.Add(1)-1) % len(h.shards)

	var lastErr error
	for i := 0; i < len(h.shards); i++ {
		s := h.shards[(start+i)%len(h.shards)]
		resp, err := h.callShard(ctx, s, req, &budget)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !errors.Is(err, ErrUnhealthy) && !rpc.IsTransient(err) {
			break
		}
		if budget == 0 || ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

// dispatchAll scatters the request to every shard concurrently and
// gathers in shard-index order. A failed shard contributes an
// error-flagged empty response so the merge stays partial instead of
// aborting.
func (h *Head) dispatchAll(ctx context.Context, req *types.DataRequest) *types.DataResponse {
	resps := make([]*types.DataResponse, len(h.shards))
	var wg sync.WaitGroup
	for i, s := range h.shards {
		wg.Add(1)
		go func(i int, s *shard) {
			defer wg.Done()
			budget := h.retries
			resp, err := h.callShard(ctx, s, req, &budget)
			if err != nil {
				h.logger.Error().Err(err).Int("shard", s.index).Msg("shard dispatch failed")
				resp = &types.DataResponse{
					Header: req.Header,
					Status: &types.Status{
						Code:        types.StatusError,
						Description: fmt.Sprintf("shard %d failed: %v", s.index, err),
					},
				}
			}
			resps[i] = resp
		}(i, s)
	}
	wg.Wait()
	return types.Merge(resps)
}

// callShard sends req to one replica of s, retrying transient failures
// on the next replica in round-robin order until the budget runs out.
// A negative budget never decrements and retries until the context
// expires.
func (h *Head) callShard(ctx context.Context, s *shard, req *types.DataRequest, budget *int) (*types.DataResponse, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		replica := s.next()
		resp, err := h.pool.Call(ctx, replica, req)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, ErrUnhealthy) && !rpc.IsTransient(err) {
			return nil, err
		}
		if *budget == 0 {
			return nil, fmt.Errorf("shard %d: retry budget exhausted: %w", s.index, err)
		}
		metrics.ReplicaRetriesTotal.Inc()
		if *budget > 0 {
			*budget--
		}
		h.logger.Debug().Str("replica", replica).Int("budget", *budget).Msg("retrying on next replica")
	}
}
