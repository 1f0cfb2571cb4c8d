package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/chen-yuxuan/jina/pkg/graph"
	"github.com/chen-yuxuan/jina/pkg/head"
	"github.com/chen-yuxuan/jina/pkg/log"
	"github.com/chen-yuxuan/jina/pkg/metrics"
	"github.com/chen-yuxuan/jina/pkg/rpc"
	"github.com/chen-yuxuan/jina/pkg/types"
)

// Engine walks the topology graph for each request. It is transport
// agnostic: the gRPC, HTTP and WebSocket adapters all feed it the same
// DataRequest type and receive responses through the emit callback.
type Engine struct {
	graph   *graph.Graph
	addrs   graph.Addresses
	pool    *head.Pool
	retries int
	rr      map[string]*atomic.Uint64
	logger  zerolog.Logger
}

// NewEngine builds the traversal engine over a validated graph and
// address table.
func NewEngine(g *graph.Graph, addrs graph.Addresses, retries int) *Engine {
	rr := make(map[string]*atomic.Uint64, len(g.Pods()))
	for _, pod := range g.Pods() {
		rr[pod] = &atomic.Uint64{}
	}
	return &Engine{
		graph:   g,
		addrs:   addrs,
		pool:    head.NewPool(),
		retries: retries,
		rr:      rr,
		logger:  log.WithRuntime("gateway"),
	}
}

// Close tears down the engine's connections to pod heads.
func (e *Engine) Close() {
	e.pool.Close()
}

type edgeKey struct {
	from, to string
}

// Process traverses the graph once for req. One concurrent task runs
// per pod: it gathers the outputs of all predecessors, merges them in
// lexicographic pod-name order, calls the pod's head, and propagates the
// result to every successor. Responses reaching end-gateway are handed
// to emit, which may be called from multiple tasks concurrently.
// Hanging pods run fire-and-forget; their failures are logged only.
//
// Process returns once every path has completed or ctx is cancelled.
// Pod-level errors do not abort the traversal; they travel forward as
// ERROR statuses.
func (e *Engine) Process(ctx context.Context, req *types.DataRequest, emit func(*types.DataResponse)) error {
	edges := make(map[edgeKey]chan *types.DataRequest)
	for _, pod := range e.graph.Pods() {
		for _, pred := range e.graph.Predecessors(pod) {
			edges[edgeKey{pred, pod}] = make(chan *types.DataRequest, 1)
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	for _, pod := range e.graph.Pods() {
		pod := pod
		g.Go(func() error {
			return e.runPod(ctx, pod, edges, emit)
		})
	}

	// Feed the roots. Each root gets its own copy so parallel branches
	// never share document state.
	roots := e.graph.Roots()
	for i, root := range roots {
		in := req
		if i > 0 {
			in = req.Clone()
		}
		select {
		case edges[edgeKey{types.GatewayStart, root}] <- in:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return g.Wait()
}

func (e *Engine) runPod(ctx context.Context, pod string, edges map[edgeKey]chan *types.DataRequest, emit func(*types.DataResponse)) error {
	preds := e.graph.Predecessors(pod)
	inputs := make([]*types.DataRequest, 0, len(preds))
	for _, pred := range preds {
		select {
		case in := <-edges[edgeKey{pred, pod}]:
			inputs = append(inputs, in)
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	merged := types.MergeRequests(inputs)
	resp, err := e.callPod(ctx, pod, merged)
	if err != nil {
		if rpc.IsCancelled(err) || errors.Is(err, context.Canceled) {
			return ctx.Err()
		}
		// The pod is unreachable; flag it and keep the traversal alive
		// so downstream pods and the client still observe the request.
		status := &types.Status{
			Code:        types.StatusError,
			Description: fmt.Sprintf("pod %s failed: %v", pod, err),
		}
		now := time.Now()
		resp = &types.DataResponse{
			Header: merged.Header,
			Docs:   merged.Docs,
			Routes: append(merged.Routes, &types.RouteStatus{
				Pod:       pod,
				StartTime: now,
				EndTime:   now,
				Status:    status,
			}),
			Status: status,
		}
	}

	if e.graph.IsHanging(pod) {
		metrics.HangingPodCalls.WithLabelValues(pod).Inc()
		if resp.StatusCode() == types.StatusError {
			e.logger.Warn().Str("pod", pod).Str("status", resp.Status.Description).Msg("hanging pod failed")
		}
		return nil
	}

	forward := resp.AsRequest()
	first := true
	for _, succ := range e.graph.Successors(pod) {
		if succ == types.GatewayEnd {
			resp.FinalizeStatus()
			emit(resp)
			continue
		}
		out := forward
		if !first {
			out = forward.Clone()
		}
		first = false
		select {
		case edges[edgeKey{pod, succ}] <- out:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// callPod sends the request to one healthy head address of pod,
// round-robin over the address list, retrying transient failures until
// the budget runs out.
func (e *Engine) callPod(ctx context.Context, pod string, req *types.DataRequest) (*types.DataResponse, error) {
	addrs := e.addrs[pod]
	budget := e.retries
	cursor := e.rr[pod]
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		addr := addrs[int(cursor.Add(1)-1)%len(addrs)]
		resp, err := e.pool.Call(ctx, addr, req)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, head.ErrUnhealthy) && !rpc.IsTransient(err) {
			return nil, err
		}
		if budget == 0 {
			return nil, fmt.Errorf("pod %s: retry budget exhausted: %w", pod, err)
		}
		if budget > 0 {
			budget--
		}
	}
}
