package cart

import (
	"context"
	"strings"

	"github.com/safar/candy-planet/internal/models"
)

// Split persists guest carts and signed-in users' carts in different places.
// Owner keys starting with "guest:" go to Guests, everything else to Users.
type Split struct {
	Users  Persister
	Guests Persister
}

func (s Split) pick(owner string) Persister {
	if strings.HasPrefix(owner, "guest:") {
		return s.Guests
	}
	return s.Users
}

func (s Split) Load(ctx context.Context, owner string) ([]models.CartItem, error) {
	return s.pick(owner).Load(ctx, owner)
}

func (s Split) Save(ctx context.Context, owner string, item models.CartItem) error {
	return s.pick(owner).Save(ctx, owner, item)
}

func (s Split) Remove(ctx context.Context, owner string, productID int64) error {
	return s.pick(owner).Remove(ctx, owner, productID)
}

func (s Split) Clear(ctx context.Context, owner string) error {
	return s.pick(owner).Clear(ctx, owner)
}
