package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/apathy-ca/sark-sub005/pkg/decision"
)

var ErrUnknownResource = errors.New("unknown resource")

// ResourceRegistry resolves a resource id to its owner and sensitivity.
type ResourceRegistry interface {
	Lookup(ctx context.Context, id string) (decision.Resource, error)
}

// StaticRegistry is an in-memory registry, typically loaded from config.
type StaticRegistry struct {
	mu        sync.RWMutex
	resources map[string]decision.Resource
}

func NewStaticRegistry(resources ...decision.Resource) *StaticRegistry {
	r := &StaticRegistry{resources: make(map[string]decision.Resource, len(resources))}
	for _, res := range resources {
		r.resources[res.ID] = res
	}
	return r
}

func (r *StaticRegistry) Lookup(_ context.Context, id string) (decision.Resource, error) {
	r.mu.RLock()
	res, ok := r.resources[id]
	r.mu.RUnlock()
	if !ok {
		return decision.Resource{}, fmt.Errorf("%w: %q", ErrUnknownResource, id)
	}
	if !res.Sensitivity.Valid() {
		return decision.Resource{}, fmt.Errorf("resource %q: invalid sensitivity %d", id, res.Sensitivity)
	}
	return res, nil
}

func (r *StaticRegistry) Put(res decision.Resource) {
	r.mu.Lock()
	r.resources[res.ID] = res
	r.mu.Unlock()
}

func (r *StaticRegistry) Remove(id string) {
	r.mu.Lock()
	delete(r.resources, id)
	r.mu.Unlock()
}

func (r *StaticRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.resources)
}
