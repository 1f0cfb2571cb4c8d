package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/chen-yuxuan/jina/pkg/types"
)

// Builder constructs an executor spec from its init parameters.
type Builder func(with map[string]interface{}) (Spec, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Builder)
)

// Register makes an executor type available to the worker runtime under
// the given type name. Called from init functions of executor packages.
func Register(name string, builder Builder) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("executor type %q registered twice", name))
	}
	registry[name] = builder
}

// Build looks up a registered executor type and constructs it.
func Build(name string, with map[string]interface{}) (Spec, error) {
	registryMu.RLock()
	builder, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return Spec{}, fmt.Errorf("unknown executor type %q", name)
	}
	return builder(with)
}

func init() {
	// BaseExecutor passes documents through untouched on every endpoint.
	Register("BaseExecutor", func(map[string]interface{}) (Spec, error) {
		return Spec{
			Name: "BaseExecutor",
			Handlers: map[string]HandlerFunc{
				"identity": func(_ context.Context, docs []*types.Document, _ map[string]interface{}) ([]*types.Document, error) {
					return docs, nil
				},
			},
			Default: "identity",
		}, nil
	})
}
