package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/bobg/notedb"
)

// Factory creates a backend from a configuration map.
type Factory func(context.Context, map[string]interface{}) (notedb.Backend, error)

// Registry maps backend type names to factories.
// Callers create one and populate it explicitly;
// there is no process-wide registry.
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

// Create creates a backend of the given type.
func (r *Registry) Create(ctx context.Context, key string, conf map[string]interface{}) (notedb.Backend, error) {
	r.mu.Lock()
	f, ok := r.factories[key]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("key %s not found in registry", key)
	}
	return f(ctx, conf)
}

// CreateFromConfig creates a backend from a configuration map
// whose "type" parameter names the backend type.
func (r *Registry) CreateFromConfig(ctx context.Context, conf map[string]interface{}) (notedb.Backend, error) {
	typ, ok := conf["type"].(string)
	if !ok {
		return nil, errors.New(`missing "type" parameter`)
	}
	return r.Create(ctx, typ, conf)
}

// CreateNested creates the backend described by the sub-map conf[param].
// Wrapping backends (lru, logging, replica) use it.
func (r *Registry) CreateNested(ctx context.Context, conf map[string]interface{}, param string) (notedb.Backend, error) {
	nested, ok := conf[param].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("missing %q parameter", param)
	}
	b, err := r.CreateFromConfig(ctx, nested)
	return b, errors.Wrapf(err, "creating %s store", param)
}

// IntParam reads an integer parameter from a configuration map,
// tolerating the numeric types produced by YAML and JSON decoders.
func IntParam(conf map[string]interface{}, key string) (int, bool) {
	switch v := conf[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case uint64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}
