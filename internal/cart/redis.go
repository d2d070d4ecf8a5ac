package cart

import (
	"context"
	"errors"
	"time"

	"github.com/safar/candy-planet/internal/cache"
	"github.com/safar/candy-planet/internal/models"
)

type jsonStore interface {
	GetJSON(ctx context.Context, key string, dest interface{}) error
	SetJSON(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// RedisPersister stores each owner's cart as one JSON document that expires
// after ttl of inactivity, the server-side counterpart of a device-local cart.
type RedisPersister struct {
	store jsonStore
	ttl   time.Duration
}

func NewRedisPersister(store jsonStore, ttl time.Duration) *RedisPersister {
	return &RedisPersister{store: store, ttl: ttl}
}

func cartKey(owner string) string {
	return "cart:" + owner
}

func (p *RedisPersister) Load(ctx context.Context, owner string) ([]models.CartItem, error) {
	var items []models.CartItem
	err := p.store.GetJSON(ctx, cartKey(owner), &items)
	if errors.Is(err, cache.ErrMiss) {
		return []models.CartItem{}, nil
	}
	return items, err
}

func (p *RedisPersister) Save(ctx context.Context, owner string, item models.CartItem) error {
	items, err := p.Load(ctx, owner)
	if err != nil {
		return err
	}

	replaced := false
	for i := range items {
		if items[i].ProductID == item.ProductID {
			items[i] = item
			replaced = true
		}
	}
	if !replaced {
		items = append(items, item)
	}

	return p.store.SetJSON(ctx, cartKey(owner), items, p.ttl)
}

func (p *RedisPersister) Remove(ctx context.Context, owner string, productID int64) error {
	items, err := p.Load(ctx, owner)
	if err != nil {
		return err
	}

	kept := items[:0]
	for _, item := range items {
		if item.ProductID != productID {
			kept = append(kept, item)
		}
	}

	return p.store.SetJSON(ctx, cartKey(owner), kept, p.ttl)
}

func (p *RedisPersister) Clear(ctx context.Context, owner string) error {
	return p.store.Del(ctx, cartKey(owner))
}
