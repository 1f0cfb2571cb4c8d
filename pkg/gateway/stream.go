package gateway

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/chen-yuxuan/jina/pkg/metrics"
	"github.com/chen-yuxuan/jina/pkg/types"
)

// Iterator produces client requests lazily. Next returns io.EOF at end
// of stream. Implementations may block.
type Iterator interface {
	Next() (*types.DataRequest, error)
}

// Stream pumps a possibly blocking Iterator on its own goroutine and
// gates admission on the gateway's prefetch semaphore: Next acquires a
// slot before handing out a request, Done releases it when the request
// finishes traversal. With a nil semaphore back-pressure is disabled.
type Stream struct {
	sem      *semaphore.Weighted
	ch       chan *types.DataRequest
	done     chan struct{}
	inflight atomic.Int64

	mu        sync.Mutex
	err       error
	closeOnce sync.Once
}

// NewStream starts the pump goroutine for it.
func NewStream(it Iterator, sem *semaphore.Weighted) *Stream {
	s := &Stream{
		sem:  sem,
		ch:   make(chan *types.DataRequest),
		done: make(chan struct{}),
	}
	go s.pump(it)
	return s
}

// Close releases the pump goroutine. Safe to call more than once.
func (s *Stream) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// pump reads the iterator until it is exhausted or the stream is
// closed. Running the blocking Next on a dedicated goroutine keeps slow
// client iterators from stalling the traversal tasks.
func (s *Stream) pump(it Iterator) {
	defer close(s.ch)
	for {
		req, err := it.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.mu.Lock()
				s.err = err
				s.mu.Unlock()
			}
			return
		}
		select {
		case s.ch <- req:
		case <-s.done:
			return
		}
	}
}

// Next blocks until a prefetch slot is free and the next request is
// available. Returns io.EOF when the client stream ends.
func (s *Stream) Next(ctx context.Context) (*types.DataRequest, error) {
	if s.sem != nil {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
	}
	select {
	case req, ok := <-s.ch:
		if !ok {
			if s.sem != nil {
				s.sem.Release(1)
			}
			s.mu.Lock()
			err := s.err
			s.mu.Unlock()
			if err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		s.inflight.Add(1)
		metrics.InflightRequests.Inc()
		return req, nil
	case <-ctx.Done():
		if s.sem != nil {
			s.sem.Release(1)
		}
		return nil, ctx.Err()
	}
}

// Done marks one admitted request as complete, releasing its slot.
func (s *Stream) Done() {
	s.inflight.Add(-1)
	metrics.InflightRequests.Dec()
	if s.sem != nil {
		s.sem.Release(1)
	}
}

// InFlight returns the number of admitted, unfinished requests.
func (s *Stream) InFlight() int64 {
	return s.inflight.Load()
}
