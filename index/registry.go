package index

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Factory creates an index backend from a configuration map.
type Factory func(context.Context, map[string]interface{}) (Index, error)

// Registry maps index type names to factories.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
}

// NewRegistry produces an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register associates a factory with a type name.
func (r *Registry) Register(key string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[key] = f
}

// Types lists the registered type names in sorted order.
func (r *Registry) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []string
	for k := range r.factories {
		result = append(result, k)
	}
	sort.Strings(result)
	return result
}

// CreateFromConfig creates an index from a configuration map
// whose "type" parameter names the index type.
func (r *Registry) CreateFromConfig(ctx context.Context, conf map[string]interface{}) (Index, error) {
	typ, ok := conf["type"].(string)
	if !ok {
		return nil, errors.New(`missing "type" parameter`)
	}
	r.mu.Lock()
	f, ok := r.factories[typ]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("index type %s not found in registry", typ)
	}
	return f(ctx, conf)
}
