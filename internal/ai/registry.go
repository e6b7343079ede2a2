package ai

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var ErrUnknownModel = errors.New("unknown model")

// Registry resolves a thread's model binding. It is owned by the process that
// builds the engine; there is no package-level registry.
type Registry struct {
	mu       sync.RWMutex
	models   map[string]Model
	aliases  map[string]string
	fallback string
}

func NewRegistry(fallback string) *Registry {
	return &Registry{
		models:   make(map[string]Model),
		aliases:  make(map[string]string),
		fallback: fallback,
	}
}

func (r *Registry) Register(name string, model Model) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[normalize(name)] = model
}

// Alias maps a short name such as "fast" to a registered model.
func (r *Registry) Alias(alias, target string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[normalize(alias)] = normalize(target)
}

// Resolve returns the model bound to name; an empty name resolves to the
// fallback model.
func (r *Registry) Resolve(name string) (Model, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key := normalize(name)
	if key == "" {
		key = normalize(r.fallback)
	}
	if target, ok := r.aliases[key]; ok {
		key = target
	}
	model, ok := r.models[key]
	if !ok {
		return nil, "", fmt.Errorf("%w %q", ErrUnknownModel, name)
	}
	return model, key, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.models))
	for name := range r.models {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
