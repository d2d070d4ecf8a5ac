// Package cart keeps shopping carts in memory and mirrors every change to a
// Persister. The in-memory cart is authoritative: persistence errors are
// logged and otherwise ignored. Writes for one cart reach the persister in
// the order they were applied.
package cart

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/safar/candy-planet/internal/apperr"
	"github.com/safar/candy-planet/internal/models"
)

type Persister interface {
	Load(ctx context.Context, owner string) ([]models.CartItem, error)
	Save(ctx context.Context, owner string, item models.CartItem) error
	Remove(ctx context.Context, owner string, productID int64) error
	Clear(ctx context.Context, owner string) error
}

type Cart struct {
	mu        sync.Mutex
	owner     string
	items     []models.CartItem
	persister Persister
	logger    zerolog.Logger
}

func New(owner string, items []models.CartItem, persister Persister, logger zerolog.Logger) *Cart {
	c := &Cart{owner: owner, persister: persister, logger: logger}
	for _, item := range items {
		if item.Quantity >= 1 {
			c.items = append(c.items, item)
		}
	}
	return c
}

func (c *Cart) Owner() string {
	return c.owner
}

func (c *Cart) indexOf(productID int64) int {
	for i := range c.items {
		if c.items[i].ProductID == productID {
			return i
		}
	}
	return -1
}

// Add puts quantity units of item in the cart, merging with an existing line
// for the same product. The line keeps the price snapshot taken when the
// product was first added.
func (c *Cart) Add(ctx context.Context, item models.CartItem, quantity int) (models.CartItem, error) {
	if quantity <= 0 {
		return models.CartItem{}, apperr.Validation("cart.Add", "quantity must be at least 1")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var line models.CartItem
	if i := c.indexOf(item.ProductID); i >= 0 {
		c.items[i].Quantity += quantity
		line = c.items[i]
	} else {
		item.Quantity = quantity
		c.items = append(c.items, item)
		line = item
	}

	c.persist("save", c.persister.Save(ctx, c.owner, line))
	return line, nil
}

func (c *Cart) Remove(ctx context.Context, productID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if i := c.indexOf(productID); i >= 0 {
		c.items = append(c.items[:i], c.items[i+1:]...)
	}

	c.persist("remove", c.persister.Remove(ctx, c.owner, productID))
}

// UpdateQuantity sets a line's quantity, raising anything below 1 to 1.
func (c *Cart) UpdateQuantity(ctx context.Context, productID int64, quantity int) (models.CartItem, error) {
	if quantity < 1 {
		quantity = 1
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.indexOf(productID)
	if i < 0 {
		return models.CartItem{}, apperr.NotFound("cart.UpdateQuantity", "Item is not in the cart")
	}
	c.items[i].Quantity = quantity
	line := c.items[i]

	c.persist("save", c.persister.Save(ctx, c.owner, line))
	return line, nil
}

func (c *Cart) Clear(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = nil

	c.persist("clear", c.persister.Clear(ctx, c.owner))
}

// Items returns a copy of the cart's lines in insertion order.
func (c *Cart) Items() []models.CartItem {
	c.mu.Lock()
	defer c.mu.Unlock()

	items := make([]models.CartItem, len(c.items))
	copy(items, c.items)
	return items
}

func (c *Cart) Subtotal() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	var total int64
	for _, item := range c.items {
		total += item.LineTotal()
	}
	return total
}

func (c *Cart) persist(action string, err error) {
	if err != nil {
		c.logger.Error().Err(err).Str("owner", c.owner).Str("action", action).Msg("Cart persistence failed")
	}
}
