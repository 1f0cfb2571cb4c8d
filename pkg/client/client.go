package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"google.golang.org/grpc"

	"github.com/chen-yuxuan/jina/pkg/rpc"
	"github.com/chen-yuxuan/jina/pkg/types"
)

// DefaultRequestSize is the number of documents batched per request.
const DefaultRequestSize = 100

// Client talks to a gateway (or directly to a head or worker) over the
// streaming gRPC surface.
type Client struct {
	conn   *grpc.ClientConn
	client rpc.JinaRPCClient
}

// NewClient connects to a runtime at addr.
func NewClient(addr string) (*Client, error) {
	conn, err := rpc.Dial(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return &Client{
		conn:   conn,
		client: rpc.NewJinaRPCClient(conn),
	}, nil
}

// Close closes the client connection.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// PostOption customizes a Post call.
type PostOption func(*postConfig)

type postConfig struct {
	requestSize int
	parameters  map[string]interface{}
}

// WithRequestSize sets the number of documents per request.
func WithRequestSize(n int) PostOption {
	return func(c *postConfig) {
		if n > 0 {
			c.requestSize = n
		}
	}
}

// WithParameters attaches a parameters map to every request.
func WithParameters(p map[string]interface{}) PostOption {
	return func(c *postConfig) {
		c.parameters = p
	}
}

// Post batches docs into requests of request-size documents, streams
// them to endpoint, and collects every response. Responses may arrive
// out of submission order.
func (c *Client) Post(ctx context.Context, endpoint string, docs []*types.Document, opts ...PostOption) ([]*types.DataResponse, error) {
	cfg := postConfig{requestSize: DefaultRequestSize}
	for _, opt := range opts {
		opt(&cfg)
	}

	var requests []*types.DataRequest
	if len(docs) == 0 {
		requests = append(requests, c.newRequest(endpoint, nil, cfg.parameters))
	}
	for start := 0; start < len(docs); start += cfg.requestSize {
		end := start + cfg.requestSize
		if end > len(docs) {
			end = len(docs)
		}
		requests = append(requests, c.newRequest(endpoint, docs[start:end], cfg.parameters))
	}

	return c.PostRequests(ctx, requests)
}

// PostRequests streams prepared requests and collects every response
// until the server closes the stream.
func (c *Client) PostRequests(ctx context.Context, requests []*types.DataRequest) ([]*types.DataResponse, error) {
	stream, err := c.client.Call(ctx)
	if err != nil {
		return nil, err
	}

	sendErr := make(chan error, 1)
	go func() {
		for _, req := range requests {
			if err := stream.Send(req); err != nil {
				sendErr <- err
				return
			}
		}
		sendErr <- stream.CloseSend()
	}()

	var responses []*types.DataResponse
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return responses, err
		}
		responses = append(responses, resp)
	}
	if err := <-sendErr; err != nil {
		return responses, err
	}
	return responses, nil
}

// Stream opens a raw bidirectional stream for callers that manage their
// own send/receive loops.
func (c *Client) Stream(ctx context.Context) (rpc.JinaRPC_CallClient, error) {
	return c.client.Call(ctx)
}

func (c *Client) newRequest(endpoint string, docs []*types.Document, parameters map[string]interface{}) *types.DataRequest {
	return &types.DataRequest{
		Header: types.Header{
			RequestID: uuid.NewString(),
			Endpoint:  endpoint,
		},
		Parameters: parameters,
		Docs:       docs,
	}
}
