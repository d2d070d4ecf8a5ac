// Package catalog serves products to the storefront and the back office,
// with a read-through cache in front of single product lookups.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/safar/candy-planet/internal/apperr"
	"github.com/safar/candy-planet/internal/cache"
	"github.com/safar/candy-planet/internal/database"
	"github.com/safar/candy-planet/internal/models"
	"github.com/safar/candy-planet/internal/store"
)

type Repository interface {
	Get(ctx context.Context, id int64) (*models.Product, error)
	List(ctx context.Context, category string, page, pageSize int) (*store.OffsetPage, error)
	Categories(ctx context.Context) ([]string, error)
	Missing(ctx context.Context, ids []int64) ([]int64, error)
	Create(ctx context.Context, in store.ProductInput) (*models.Product, error)
	Update(ctx context.Context, id int64, version int, in store.ProductInput) (*models.Product, error)
	Delete(ctx context.Context, id int64) error
}

type Cache interface {
	GetJSON(ctx context.Context, key string, dest interface{}) error
	SetJSON(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

const maxPageSize = 100

type Service struct {
	repo   Repository
	cache  Cache
	ttl    time.Duration
	logger zerolog.Logger
}

func NewService(repo Repository, c Cache, ttl time.Duration, logger zerolog.Logger) *Service {
	return &Service{repo: repo, cache: c, ttl: ttl, logger: logger}
}

func productKey(id int64) string {
	return fmt.Sprintf("product:%d", id)
}

// Get returns a product, consulting the cache first. Cache errors are logged
// and the database is used instead.
func (s *Service) Get(ctx context.Context, id int64) (*models.Product, error) {
	const op = "catalog.Get"

	var cached models.Product
	err := s.cache.GetJSON(ctx, productKey(id), &cached)
	switch {
	case err == nil:
		return &cached, nil
	case !errors.Is(err, cache.ErrMiss):
		s.logger.Warn().Err(err).Int64("product_id", id).Msg("Product cache read failed")
	}

	product, err := s.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, database.ErrProductNotFound) {
			return nil, apperr.NotFound(op, "Product not found")
		}
		return nil, apperr.Wrap(apperr.KindInternal, op, err)
	}

	if err := s.cache.SetJSON(ctx, productKey(id), product, s.ttl); err != nil {
		s.logger.Warn().Err(err).Int64("product_id", id).Msg("Product cache write failed")
	}

	return product, nil
}

func (s *Service) List(ctx context.Context, category string, page, pageSize int) (*store.OffsetPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > maxPageSize {
		pageSize = 20
	}

	result, err := s.repo.List(ctx, strings.TrimSpace(category), page, pageSize)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "catalog.List", err)
	}
	return result, nil
}

func (s *Service) Categories(ctx context.Context) ([]string, error) {
	categories, err := s.repo.Categories(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "catalog.Categories", err)
	}
	return categories, nil
}

// Missing reports which of ids do not name an existing product.
func (s *Service) Missing(ctx context.Context, ids []int64) ([]int64, error) {
	missing, err := s.repo.Missing(ctx, ids)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "catalog.Missing", err)
	}
	return missing, nil
}

func validateInput(op string, in store.ProductInput) error {
	var problems []string
	if strings.TrimSpace(in.Name) == "" {
		problems = append(problems, "name is required")
	}
	if in.PriceCents < 0 {
		problems = append(problems, "price must not be negative")
	}
	if in.Stock < 0 {
		problems = append(problems, "stock must not be negative")
	}
	if len(problems) > 0 {
		return apperr.Validation(op, strings.Join(problems, "; "))
	}
	return nil
}

func (s *Service) Create(ctx context.Context, in store.ProductInput) (*models.Product, error) {
	const op = "catalog.Create"
	if err := validateInput(op, in); err != nil {
		return nil, err
	}

	product, err := s.repo.Create(ctx, in)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, op, err)
	}
	return product, nil
}

// Update applies an admin edit when version matches the stored product.
func (s *Service) Update(ctx context.Context, id int64, version int, in store.ProductInput) (*models.Product, error) {
	const op = "catalog.Update"
	if err := validateInput(op, in); err != nil {
		return nil, err
	}

	product, err := s.repo.Update(ctx, id, version, in)
	s.invalidate(ctx, id)
	if err != nil {
		switch {
		case errors.Is(err, database.ErrProductNotFound):
			return nil, apperr.NotFound(op, "Product not found")
		case errors.Is(err, database.ErrOptimisticLockFailed):
			return nil, apperr.New(apperr.KindConflict, op,
				"product was modified by someone else (expected version "+strconv.Itoa(version)+")")
		}
		return nil, apperr.Wrap(apperr.KindInternal, op, err)
	}

	return product, nil
}

func (s *Service) Delete(ctx context.Context, id int64) error {
	const op = "catalog.Delete"

	err := s.repo.Delete(ctx, id)
	s.invalidate(ctx, id)
	if err != nil {
		if errors.Is(err, database.ErrProductNotFound) {
			return apperr.NotFound(op, "Product not found")
		}
		return apperr.Wrap(apperr.KindInternal, op, err)
	}
	return nil
}

func (s *Service) invalidate(ctx context.Context, id int64) {
	if err := s.cache.Del(ctx, productKey(id)); err != nil {
		s.logger.Warn().Err(err).Int64("product_id", id).Msg("Product cache invalidation failed")
	}
}
