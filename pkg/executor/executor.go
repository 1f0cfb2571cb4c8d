package executor

import (
	"context"
	"fmt"

	"github.com/chen-yuxuan/jina/pkg/types"
)

// HandlerFunc processes one batch of documents. Handlers either return a
// replacement document list or mutate docs in place and return nil; the
// worker keeps in-place mutations when the return value is nil.
type HandlerFunc func(ctx context.Context, docs []*types.Document, parameters map[string]interface{}) ([]*types.Document, error)

// Spec declares an executor: its named handlers, which endpoints each
// handler serves, and which handler is the default.
type Spec struct {
	// Name is the executor type name, e.g. "BaseExecutor".
	Name string

	// Handlers maps handler name to implementation.
	Handlers map[string]HandlerFunc

	// Bindings maps handler name to the endpoints it serves. A handler
	// with no binding and not marked default is only reachable through a
	// requests override.
	Bindings map[string][]string

	// Default names the handler bound to /default, serving any endpoint
	// not otherwise bound. Empty means no default.
	Default string
}

// Options carries the launch-time configuration applied on top of a Spec.
type Options struct {
	// Requests overrides endpoint bindings: endpoint -> handler name.
	// Overrides take precedence over the Spec's own bindings.
	Requests map[string]string

	// With holds the executor init parameters (uses_with), visible to
	// handlers through InitParameters.
	With map[string]interface{}

	// Metas holds executor metadata (uses_metas); the "name" key
	// overrides the executor's display name.
	Metas map[string]interface{}
}

// Executor resolves endpoints to handlers and applies them. Constructed
// once at worker startup, invoked per request.
type Executor struct {
	name  string
	table map[string]HandlerFunc
	def   HandlerFunc
	with  map[string]interface{}
}

// New builds the endpoint table from a spec plus launch options.
func New(spec Spec, opts Options) (*Executor, error) {
	if len(spec.Handlers) == 0 {
		return nil, fmt.Errorf("executor %s declares no handlers", spec.Name)
	}

	e := &Executor{
		name:  spec.Name,
		table: make(map[string]HandlerFunc),
		with:  opts.With,
	}
	if v, ok := opts.Metas["name"].(string); ok && v != "" {
		e.name = v
	}

	for handler, endpoints := range spec.Bindings {
		fn, ok := spec.Handlers[handler]
		if !ok {
			return nil, fmt.Errorf("executor %s binds unknown handler %q", spec.Name, handler)
		}
		for _, ep := range endpoints {
			e.table[ep] = fn
		}
	}

	if spec.Default != "" {
		fn, ok := spec.Handlers[spec.Default]
		if !ok {
			return nil, fmt.Errorf("executor %s names unknown default handler %q", spec.Name, spec.Default)
		}
		e.def = fn
		e.table[types.DefaultEndpoint] = fn
	}

	// Launch overrides win over declared bindings.
	for ep, handler := range opts.Requests {
		fn, ok := spec.Handlers[handler]
		if !ok {
			return nil, fmt.Errorf("executor %s override maps %s to unknown handler %q", spec.Name, ep, handler)
		}
		e.table[ep] = fn
	}

	return e, nil
}

// Name returns the executor's display name.
func (e *Executor) Name() string {
	return e.name
}

// InitParameters returns the merged uses_with init parameters.
func (e *Executor) InitParameters() map[string]interface{} {
	return e.with
}

// Process resolves endpoint and applies the selected handler. When no
// handler matches and no default exists, docs are returned unchanged and
// handled is false.
func (e *Executor) Process(ctx context.Context, endpoint string, docs []*types.Document, parameters map[string]interface{}) (out []*types.Document, handled bool, err error) {
	fn, ok := e.table[endpoint]
	if !ok {
		fn = e.def
	}
	if fn == nil {
		return docs, false, nil
	}

	out, err = fn(ctx, docs, parameters)
	if err != nil {
		return docs, true, err
	}
	if out == nil {
		// Handler mutated in place.
		out = docs
	}
	return out, true, nil
}
