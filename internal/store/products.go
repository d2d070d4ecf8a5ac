package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/lib/pq"
	"github.com/safar/candy-planet/internal/database"
	"github.com/safar/candy-planet/internal/models"
)

type ProductInput struct {
	Name        string
	Category    *string
	PriceCents  int64
	Image       string
	Description string
	Stock       int
	Featured    bool
}

type ProductStore struct {
	db *sql.DB
}

func NewProductStore(db *sql.DB) *ProductStore {
	return &ProductStore{db: db}
}

const productColumns = `id, name, category, price_cents, image, description, stock, featured, created_at, updated_at, version`

type scanner interface {
	Scan(dest ...any) error
}

func scanProduct(row scanner, product *models.Product) error {
	return row.Scan(
		&product.ID,
		&product.Name,
		&product.Category,
		&product.PriceCents,
		&product.Image,
		&product.Description,
		&product.Stock,
		&product.Featured,
		&product.CreatedAt,
		&product.UpdatedAt,
		&product.Version,
	)
}

func (s *ProductStore) Create(ctx context.Context, in ProductInput) (*models.Product, error) {
	product := &models.Product{}

	query := `
		INSERT INTO products (name, category, price_cents, image, description, stock, featured, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW(), 1)
		RETURNING ` + productColumns

	err := scanProduct(s.db.QueryRowContext(ctx, query,
		in.Name, in.Category, in.PriceCents, in.Image, in.Description, in.Stock, in.Featured), product)
	if err != nil {
		return nil, fmt.Errorf("create product: %w", err)
	}

	return product, nil
}

func (s *ProductStore) Get(ctx context.Context, id int64) (*models.Product, error) {
	product := &models.Product{}

	query := `SELECT ` + productColumns + ` FROM products WHERE id = $1`

	err := scanProduct(s.db.QueryRowContext(ctx, query, id), product)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrProductNotFound
		}
		return nil, fmt.Errorf("get product: %w", err)
	}

	return product, nil
}

// Update replaces a product's fields when version still matches the stored row.
func (s *ProductStore) Update(ctx context.Context, id int64, version int, in ProductInput) (*models.Product, error) {
	product := &models.Product{}

	query := `
		UPDATE products
		SET name = $1, category = $2, price_cents = $3, image = $4, description = $5,
		    stock = $6, featured = $7, version = version + 1, updated_at = NOW()
		WHERE id = $8 AND version = $9
		RETURNING ` + productColumns

	err := scanProduct(s.db.QueryRowContext(ctx, query,
		in.Name, in.Category, in.PriceCents, in.Image, in.Description, in.Stock, in.Featured, id, version), product)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("update product: %w", err)
		}
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, database.ErrOptimisticLockFailed
	}

	return product, nil
}

func (s *ProductStore) Delete(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete product: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return database.ErrProductNotFound
	}

	return nil
}

// List returns one page of products, featured first. An empty category lists everything.
func (s *ProductStore) List(ctx context.Context, category string, page, pageSize int) (*OffsetPage, error) {
	var total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM products WHERE ($1 = '' OR category = $1)`, category).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("count products: %w", err)
	}

	offset := (page - 1) * pageSize
	query := `
		SELECT ` + productColumns + `
		FROM products
		WHERE ($1 = '' OR category = $1)
		ORDER BY featured DESC, id ASC
		LIMIT $2 OFFSET $3`

	rows, err := s.db.QueryContext(ctx, query, category, pageSize, offset)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	products := []models.Product{}
	for rows.Next() {
		var product models.Product
		if err := scanProduct(rows, &product); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, product)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return newOffsetPage(products, total, page, pageSize), nil
}

func (s *ProductStore) Categories(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT category FROM products WHERE category IS NOT NULL AND category <> '' ORDER BY category`)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	categories := []string{}
	for rows.Next() {
		var category string
		if err := rows.Scan(&category); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		categories = append(categories, category)
	}

	return categories, rows.Err()
}

// Missing returns the ids from ids that have no product row, in ascending order.
func (s *ProductStore) Missing(ctx context.Context, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM products WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("check products exist: %w", err)
	}
	defer rows.Close()

	found := make(map[int64]bool, len(ids))
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan product id: %w", err)
		}
		found[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	var missing []int64
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if !found[id] && !seen[id] {
			missing = append(missing, id)
			seen[id] = true
		}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })

	return missing, nil
}

func (s *ProductStore) Count(ctx context.Context) (int64, error) {
	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM products`).Scan(&total); err != nil {
		return 0, fmt.Errorf("count products: %w", err)
	}
	return total, nil
}
