package approval

import (
	"context"
	"fmt"
	"sync"

	"github.com/bkyalo/SmartIrrigiation-Backend/internal/apperr"
	"github.com/bkyalo/SmartIrrigiation-Backend/internal/models"
)

// ResolveFunc loads the entity with the given id.
type ResolveFunc func(ctx context.Context, id string) (any, error)

// Resolvers is the dispatch table from subject kind to loader.
type Resolvers struct {
	mu    sync.RWMutex
	table map[models.SubjectKind]ResolveFunc
}

func NewResolvers() *Resolvers {
	return &Resolvers{table: make(map[models.SubjectKind]ResolveFunc)}
}

func (r *Resolvers) Register(kind models.SubjectKind, fn ResolveFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.table[kind] = fn
}

// Resolve loads the entity ref points at.
func (r *Resolvers) Resolve(ctx context.Context, ref models.SubjectRef) (any, error) {
	r.mu.RLock()
	fn, ok := r.table[ref.Kind]
	r.mu.RUnlock()
	if !ok {
		var v apperr.ValidationError
		v.Add("subject_type", fmt.Sprintf("unsupported subject kind %q", ref.Kind))
		return nil, &v
	}
	return fn(ctx, ref.ID)
}
