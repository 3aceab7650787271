// Package refdata caches enum values. Enum rows are immutable once created so
// entries never expire; concurrent misses for the same code share one query.
package refdata

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/basket/workqueue/internal/persistence"
)

type Resolver struct {
	store *persistence.Store
	group singleflight.Group

	mu    sync.RWMutex
	cache map[string]persistence.EnumValue
}

func NewResolver(store *persistence.Store) *Resolver {
	return &Resolver{store: store, cache: make(map[string]persistence.EnumValue)}
}

func cacheKey(group, code string) string {
	return group + "\x00" + code
}

// Resolve returns the enum value for (group, code). ErrNotFound is not cached
// so a value added later resolves.
func (r *Resolver) Resolve(ctx context.Context, group, code string) (persistence.EnumValue, error) {
	key := cacheKey(group, code)
	r.mu.RLock()
	v, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return v, nil
	}

	res, err, _ := r.group.Do(key, func() (any, error) {
		ev, err := r.store.ResolveEnumValue(ctx, group, code)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.cache[key] = *ev
		r.mu.Unlock()
		return *ev, nil
	})
	if err != nil {
		return persistence.EnumValue{}, err
	}
	return res.(persistence.EnumValue), nil
}

// Status resolves a task_status code.
func (r *Resolver) Status(ctx context.Context, code string) (persistence.EnumValue, error) {
	return r.Resolve(ctx, persistence.EnumGroupTaskStatus, code)
}

// StatusIDs resolves codes to ids in order, failing on the first unknown code.
func (r *Resolver) StatusIDs(ctx context.Context, codes []string) ([]int64, error) {
	ids := make([]int64, 0, len(codes))
	for _, c := range codes {
		v, err := r.Status(ctx, c)
		if err != nil {
			return nil, err
		}
		ids = append(ids, v.ID)
	}
	return ids, nil
}

// KnownStatus reports whether code is a task_status value.
func (r *Resolver) KnownStatus(ctx context.Context, code string) bool {
	_, err := r.Status(ctx, code)
	return err == nil
}
