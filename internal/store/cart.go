package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/safar/candy-planet/internal/models"
)

// CartStore keeps cart rows keyed by (owner key, product id).
type CartStore struct {
	db *sql.DB
}

func NewCartStore(db *sql.DB) *CartStore {
	return &CartStore{db: db}
}

func (s *CartStore) Load(ctx context.Context, owner string) ([]models.CartItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, name, price_cents, quantity, image_url
		FROM cart_items
		WHERE owner_key = $1
		ORDER BY updated_at, product_id`, owner)
	if err != nil {
		return nil, fmt.Errorf("load cart: %w", err)
	}
	defer rows.Close()

	items := []models.CartItem{}
	for rows.Next() {
		var item models.CartItem
		if err := rows.Scan(&item.ProductID, &item.Name, &item.PriceCents, &item.Quantity, &item.ImageURL); err != nil {
			return nil, fmt.Errorf("scan cart item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}

func (s *CartStore) Save(ctx context.Context, owner string, item models.CartItem) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cart_items (owner_key, product_id, name, price_cents, quantity, image_url, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (owner_key, product_id) DO UPDATE
		SET name = EXCLUDED.name,
		    price_cents = EXCLUDED.price_cents,
		    quantity = EXCLUDED.quantity,
		    image_url = EXCLUDED.image_url,
		    updated_at = NOW()`,
		owner, item.ProductID, item.Name, item.PriceCents, item.Quantity, item.ImageURL)
	if err != nil {
		return fmt.Errorf("save cart item: %w", err)
	}
	return nil
}

func (s *CartStore) Remove(ctx context.Context, owner string, productID int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM cart_items WHERE owner_key = $1 AND product_id = $2`, owner, productID)
	if err != nil {
		return fmt.Errorf("remove cart item: %w", err)
	}
	return nil
}

func (s *CartStore) Clear(ctx context.Context, owner string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cart_items WHERE owner_key = $1`, owner)
	if err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}
	return nil
}
