package head

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/chen-yuxuan/jina/pkg/rpc"
	"github.com/chen-yuxuan/jina/pkg/types"
)

// stubWorker answers every request through fn.
type stubWorker struct {
	fn func(*types.DataRequest) *types.DataResponse
}

func (s *stubWorker) Call(stream rpc.JinaRPC_CallServer) error {
	for {
		req, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := stream.Send(s.fn(req)); err != nil {
			return err
		}
	}
}

// startStub serves a stub worker on an ephemeral port.
func startStub(t *testing.T, fn func(*types.DataRequest) *types.DataResponse) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := grpc.NewServer()
	rpc.RegisterJinaRPCServer(srv, &stubWorker{fn: fn})
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return lis.Addr().String()
}

// appendingStub tags every passing request with name.
func appendingStub(t *testing.T, name string) string {
	return startStub(t, func(req *types.DataRequest) *types.DataResponse {
		req.Docs = append(req.Docs, &types.Document{Text: name})
		req.AddRoute(name)
		return types.NewResponse(req)
	})
}

// deadAddr returns an address nothing listens on.
func deadAddr(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())
	return addr
}

func docTexts(docs []*types.Document) []string {
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.Text)
	}
	return out
}

func newRequest(endpoint string) *types.DataRequest {
	return &types.DataRequest{
		Header: types.Header{RequestID: "req-1", Endpoint: endpoint},
		Docs:   []*types.Document{{Text: "client"}},
	}
}

func TestParseConnectionList(t *testing.T) {
	shards, err := ParseConnectionList(`{"1": ["b1", "b2"], "0": ["a1"], "2": ["c1"]}`)
	require.NoError(t, err)

	// Ordered by numeric shard index regardless of key order.
	require.Len(t, shards, 3)
	assert.Equal(t, []string{"a1"}, shards[0])
	assert.Equal(t, []string{"b1", "b2"}, shards[1])
	assert.Equal(t, []string{"c1"}, shards[2])
}

func TestParseConnectionListErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "not json", input: "nope"},
		{name: "bad index", input: `{"x": ["a"]}`},
		{name: "empty shard", input: `{"0": []}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConnectionList(tt.input)
			assert.Error(t, err)
		})
	}
}

func TestShardRoundRobin(t *testing.T) {
	s := &shard{index: 0, replicas: []string{"a", "b", "c"}}
	var picks []string
	for i := 0; i < 6; i++ {
		picks = append(picks, s.next())
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, picks)
}

func TestDispatchAllMergesInShardOrder(t *testing.T) {
	const shards = 4
	conns := make([][]string, shards)
	for i := 0; i < shards; i++ {
		conns[i] = []string{appendingStub(t, shardName(i))}
	}

	h, err := New(&Config{
		Name:           "pod0",
		ConnectionList: conns,
		Polling:        mustPolling(t, "ALL"),
		Retries:        DefaultRetries,
	})
	require.NoError(t, err)
	defer h.pool.Close()

	resp := h.Process(context.Background(), newRequest("/index"))
	require.Equal(t, types.StatusSuccess, resp.StatusCode())

	// One client doc per shard copy plus one appended doc per shard,
	// gathered in shard-index order.
	texts := docTexts(resp.Docs)
	require.Len(t, texts, 2*shards)
	for i := 0; i < shards; i++ {
		assert.Equal(t, "client", texts[2*i])
		assert.Equal(t, shardName(i), texts[2*i+1])
	}
}

func TestDispatchAnyRoundRobinAcrossShards(t *testing.T) {
	const shards = 4
	conns := make([][]string, shards)
	for i := 0; i < shards; i++ {
		conns[i] = []string{appendingStub(t, shardName(i))}
	}

	h, err := New(&Config{
		Name:           "pod0",
		ConnectionList: conns,
		Polling:        mustPolling(t, "ANY"),
		Retries:        DefaultRetries,
	})
	require.NoError(t, err)
	defer h.pool.Close()

	seen := make(map[string]int)
	for i := 0; i < 2*shards; i++ {
		resp := h.Process(context.Background(), newRequest("/index"))
		require.Equal(t, types.StatusSuccess, resp.StatusCode())
		texts := docTexts(resp.Docs)
		require.Len(t, texts, 2)
		seen[texts[1]]++
	}

	// Each shard served exactly twice.
	require.Len(t, seen, shards)
	for i := 0; i < shards; i++ {
		assert.Equal(t, 2, seen[shardName(i)])
	}
}

func TestRetryMovesToNextReplica(t *testing.T) {
	h, err := New(&Config{
		Name:           "pod0",
		ConnectionList: [][]string{{deadAddr(t), appendingStub(t, "replica-1")}},
		Polling:        mustPolling(t, "ANY"),
		Retries:        DefaultRetries,
	})
	require.NoError(t, err)
	defer h.pool.Close()

	resp := h.Process(context.Background(), newRequest("/index"))
	require.Equal(t, types.StatusSuccess, resp.StatusCode())
	assert.Equal(t, []string{"client", "replica-1"}, docTexts(resp.Docs))
}

func TestRetryBudgetExhausted(t *testing.T) {
	h, err := New(&Config{
		Name:           "pod0",
		ConnectionList: [][]string{{deadAddr(t)}},
		Polling:        mustPolling(t, "ANY"),
		Retries:        0,
	})
	require.NoError(t, err)
	defer h.pool.Close()

	resp := h.Process(context.Background(), newRequest("/index"))
	assert.Equal(t, types.StatusError, resp.StatusCode())
}

func TestDispatchAllPartialFailure(t *testing.T) {
	h, err := New(&Config{
		Name: "pod0",
		ConnectionList: [][]string{
			{appendingStub(t, "shard-0")},
			{deadAddr(t)},
		},
		Polling: mustPolling(t, "ALL"),
		Retries: 0,
	})
	require.NoError(t, err)
	defer h.pool.Close()

	resp := h.Process(context.Background(), newRequest("/index"))

	// The healthy shard's docs survive; the failed shard flags the merge.
	assert.Equal(t, types.StatusError, resp.StatusCode())
	assert.Equal(t, []string{"client", "shard-0"}, docTexts(resp.Docs))
	assert.Contains(t, resp.Status.Description, "shard 1")
}

func TestUsesBeforeAndAfter(t *testing.T) {
	before := startStub(t, func(req *types.DataRequest) *types.DataResponse {
		req.Docs = append([]*types.Document{{Text: "before"}}, req.Docs...)
		return types.NewResponse(req)
	})
	// The reducer's reply is authoritative.
	after := startStub(t, func(req *types.DataRequest) *types.DataResponse {
		resp := types.NewResponse(req)
		resp.Docs = []*types.Document{{Text: "reduced"}}
		return resp
	})

	h, err := New(&Config{
		Name:              "pod0",
		ConnectionList:    [][]string{{appendingStub(t, "shard-0")}, {appendingStub(t, "shard-1")}},
		UsesBeforeAddress: before,
		UsesAfterAddress:  after,
		Polling:           mustPolling(t, "ALL"),
		Retries:           DefaultRetries,
	})
	require.NoError(t, err)
	defer h.pool.Close()

	resp := h.Process(context.Background(), newRequest("/index"))
	require.Equal(t, types.StatusSuccess, resp.StatusCode())
	assert.Equal(t, []string{"reduced"}, docTexts(resp.Docs))
}

func TestPollingResolutionPerEndpoint(t *testing.T) {
	conns := [][]string{
		{appendingStub(t, "shard-0")},
		{appendingStub(t, "shard-1")},
	}

	h, err := New(&Config{
		Name:           "pod0",
		ConnectionList: conns,
		Polling:        mustPolling(t, `{"/index": "ALL", "*": "ANY"}`),
		Retries:        DefaultRetries,
	})
	require.NoError(t, err)
	defer h.pool.Close()

	all := h.Process(context.Background(), newRequest("/index"))
	require.Len(t, all.Docs, 4)

	any := h.Process(context.Background(), newRequest("/search"))
	require.Len(t, any.Docs, 2)
}

func TestHeadAppendsOwnRoute(t *testing.T) {
	h, err := New(&Config{
		Name:           "pod0",
		ConnectionList: [][]string{{appendingStub(t, "shard-0")}},
		Polling:        mustPolling(t, "ANY"),
		Retries:        DefaultRetries,
	})
	require.NoError(t, err)
	defer h.pool.Close()

	resp := h.Process(context.Background(), newRequest("/index"))
	require.NotEmpty(t, resp.Routes)
	assert.Equal(t, "pod0", resp.Routes[len(resp.Routes)-1].Pod)
}

func shardName(i int) string {
	return "shard-" + string(rune('0'+i))
}

func mustPolling(t *testing.T, s string) Polling {
	t.Helper()
	p, err := ParsePolling(s)
	require.NoError(t, err)
	return p
}
