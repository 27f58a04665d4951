package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
)

// DefaultStaleness is how long a read of an item is trusted before a
// quantity check must re-read it. Stock may change on another terminal
const DefaultStaleness = 5 * time.Second

// Resolution is an item together with the time it was read
type Resolution struct {
	Item   *Item
	ReadAt time.Time
}

// Age returns how old the read is at now
func (r Resolution) Age(now time.Time) time.Duration {
	return now.Sub(r.ReadAt)
}

// Resolver maps decoded codes to inventory items and runs the create-item
// flow for unknown codes. Reads are cached for the staleness window
type Resolver struct {
	service    Service
	cache      *cache.Cache
	timeSource TimeSource
}

// NewResolver creates a resolver. staleness <= 0 uses DefaultStaleness
func NewResolver(service Service, staleness time.Duration) *Resolver {
	return NewResolverWithDeps(service, staleness, &defaultTimeSource{})
}

// NewResolverWithDeps creates a resolver with a custom time source for testing
func NewResolverWithDeps(service Service, staleness time.Duration, timeSrc TimeSource) *Resolver {
	if staleness <= 0 {
		staleness = DefaultStaleness
	}
	return &Resolver{
		service:    service,
		cache:      cache.New(staleness, 2*staleness),
		timeSource: timeSrc,
	}
}

// Resolve looks up code. ErrNotFound is returned, unwrapped, for unknown codes
func (r *Resolver) Resolve(ctx context.Context, code string) (Resolution, error) {
	code = strings.TrimSpace(code)
	if cached, ok := r.cache.Get(code); ok {
		res := cached.(Resolution)
		copied := *res.Item
		return Resolution{Item: &copied, ReadAt: res.ReadAt}, nil
	}
	return r.Refresh(ctx, code)
}

// Refresh re-reads code from the service, bypassing the cache
func (r *Resolver) Refresh(ctx context.Context, code string) (Resolution, error) {
	code = strings.TrimSpace(code)
	item, err := r.service.FindByCode(ctx, code)
	if err != nil {
		r.cache.Delete(code)
		if errors.Is(err, ErrNotFound) {
			return Resolution{}, ErrNotFound
		}
		return Resolution{}, fmt.Errorf("finding item by code: %w", err)
	}
	return r.remember(item), nil
}

// Fresh returns res unchanged when it is younger than maxAge, otherwise a
// new read of the same item
func (r *Resolver) Fresh(ctx context.Context, res Resolution, maxAge time.Duration) (Resolution, error) {
	if res.Age(r.timeSource.Now()) <= maxAge {
		return res, nil
	}
	return r.Refresh(ctx, res.Item.Code)
}

// Remember caches an item returned by a mutation
func (r *Resolver) Remember(item *Item) {
	r.remember(item)
}

func (r *Resolver) remember(item *Item) Resolution {
	copied := *item
	res := Resolution{Item: &copied, ReadAt: r.timeSource.Now()}
	r.cache.Set(item.Code, res, cache.DefaultExpiration)
	return Resolution{Item: item, ReadAt: res.ReadAt}
}

// Create validates the form locally, then creates the item. A
// *ValidationError means the form should be shown again
func (r *Resolver) Create(ctx context.Context, n NewItem) (*Item, error) {
	n.Code = strings.TrimSpace(n.Code)
	n.Name = strings.TrimSpace(n.Name)
	if err := n.Validate(); err != nil {
		return nil, err
	}

	item, err := r.service.CreateItem(ctx, n)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			return nil, verr
		}
		return nil, fmt.Errorf("creating item: %w", err)
	}
	r.remember(item)
	return item, nil
}
