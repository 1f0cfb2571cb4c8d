package head

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/chen-yuxuan/jina/pkg/log"
	"github.com/chen-yuxuan/jina/pkg/metrics"
	"github.com/chen-yuxuan/jina/pkg/rpc"
	"github.com/chen-yuxuan/jina/pkg/types"
)

// Reconnect backoff for unhealthy connections.
const (
	backoffBase       = 500 * time.Millisecond
	backoffCap        = 10 * time.Second
	backoffMultiplier = 2
)

// ErrUnhealthy is returned by Call while a connection is down and its
// background health check has not yet recovered it. Callers treat it
// like a transient transport failure.
var ErrUnhealthy = errors.New("connection is unhealthy")

type poolConn struct {
	addr    string
	cc      *grpc.ClientConn
	client  rpc.JinaRPCClient
	healthy bool
	probing bool
}

// Pool keeps one long-lived connection per known worker address.
// Connections are created lazily on first use and survive for the
// pool's lifetime. A connection that fails is marked unhealthy and
// skipped until a background health probe with exponential backoff
// re-opens it.
type Pool struct {
	mu     sync.Mutex
	conns  map[string]*poolConn
	closed bool
	logger zerolog.Logger
}

// NewPool creates an empty connection pool.
func NewPool() *Pool {
	return &Pool{
		conns:  make(map[string]*poolConn),
		logger: log.WithRuntime("pool"),
	}
}

func (p *Pool) get(addr string) (*poolConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.New("pool is closed")
	}
	if c, ok := p.conns[addr]; ok {
		if !c.healthy {
			return nil, fmt.Errorf("%w: %s", ErrUnhealthy, addr)
		}
		return c, nil
	}
	cc, err := rpc.Dial(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	c := &poolConn{
		addr:    addr,
		cc:      cc,
		client:  rpc.NewJinaRPCClient(cc),
		healthy: true,
	}
	p.conns[addr] = c
	metrics.ConnectionsHealthy.Inc()
	return c, nil
}

// Call sends one request to addr over a fresh stream on the pooled
// connection and waits for the single response.
func (p *Pool) Call(ctx context.Context, addr string, req *types.DataRequest) (*types.DataResponse, error) {
	c, err := p.get(addr)
	if err != nil {
		return nil, err
	}
	stream, err := c.client.Call(ctx)
	if err != nil {
		p.MarkUnhealthy(addr)
		return nil, err
	}
	if err := stream.Send(req); err != nil {
		p.MarkUnhealthy(addr)
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	resp, err := stream.Recv()
	if err != nil {
		if rpc.IsTransient(err) {
			p.MarkUnhealthy(addr)
		}
		return nil, err
	}
	return resp, nil
}

// MarkUnhealthy flags addr as down and starts a background probe that
// re-admits it once the remote health service answers again.
func (p *Pool) MarkUnhealthy(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.conns[addr]
	if !ok || !c.healthy {
		return
	}
	c.healthy = false
	metrics.ConnectionsHealthy.Dec()
	metrics.ConnectionsUnhealthy.Inc()
	if !c.probing && !p.closed {
		c.probing = true
		go p.probe(c)
	}
}

func (p *Pool) probe(c *poolConn) {
	backoff := backoffBase
	hc := healthpb.NewHealthClient(c.cc)
	for {
		time.Sleep(backoff)

		p.mu.Lock()
		if p.closed {
			c.probing = false
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), backoffCap)
		resp, err := hc.Check(ctx, &healthpb.HealthCheckRequest{})
		cancel()
		if err == nil && resp.Status == healthpb.HealthCheckResponse_SERVING {
			p.mu.Lock()
			c.healthy = true
			c.probing = false
			p.mu.Unlock()
			metrics.ConnectionsHealthy.Inc()
			metrics.ConnectionsUnhealthy.Dec()
			p.logger.Info().Str("addr", c.addr).Msg("connection recovered")
			return
		}

		backoff *= backoffMultiplier
		if backoff > backoffCap {
			backoff = backoffCap
		}
		p.logger.Debug().Str("addr", c.addr).Dur("backoff", backoff).Msg("connection still down")
	}
}

// Healthy reports whether addr currently has a usable connection. An
// address never dialed counts as healthy.
func (p *Pool) Healthy(addr string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.conns[addr]
	return !ok || c.healthy
}

// Close tears down every connection.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for _, c := range p.conns {
		_ = c.cc.Close()
	}
	p.conns = map[string]*poolConn{}
}
