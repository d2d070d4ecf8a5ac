package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/safar/candy-planet/internal/database"
	"github.com/safar/candy-planet/internal/models"
)

type ProfileStore struct {
	db *sql.DB
}

func NewProfileStore(db *sql.DB) *ProfileStore {
	return &ProfileStore{db: db}
}

func scanProfile(row scanner, profile *models.Profile) error {
	return row.Scan(
		&profile.ID,
		&profile.Email,
		&profile.Role,
		&profile.CreatedAt,
		&profile.UpdatedAt,
	)
}

// Ensure creates a customer profile for id if none exists and refreshes its email otherwise.
func (s *ProfileStore) Ensure(ctx context.Context, id, email string) (*models.Profile, error) {
	profile := &models.Profile{}

	query := `
		INSERT INTO profiles (id, email, role, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE
		SET email = CASE WHEN EXCLUDED.email = '' THEN profiles.email ELSE EXCLUDED.email END,
		    updated_at = NOW()
		RETURNING id, email, role, created_at, updated_at`

	if err := scanProfile(s.db.QueryRowContext(ctx, query, id, email, models.RoleCustomer), profile); err != nil {
		return nil, fmt.Errorf("ensure profile: %w", err)
	}

	return profile, nil
}

func (s *ProfileStore) Get(ctx context.Context, id string) (*models.Profile, error) {
	profile := &models.Profile{}

	query := `
		SELECT id, email, role, created_at, updated_at
		FROM profiles
		WHERE id = $1`

	if err := scanProfile(s.db.QueryRowContext(ctx, query, id), profile); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrProfileNotFound
		}
		return nil, fmt.Errorf("get profile: %w", err)
	}

	return profile, nil
}

func (s *ProfileStore) List(ctx context.Context, page, pageSize int) (*OffsetPage, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM profiles`).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("count profiles: %w", err)
	}

	offset := (page - 1) * pageSize
	query := `
		SELECT id, email, role, created_at, updated_at
		FROM profiles
		ORDER BY created_at DESC, id
		LIMIT $1 OFFSET $2`

	rows, err := s.db.QueryContext(ctx, query, pageSize, offset)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	profiles := []models.Profile{}
	for rows.Next() {
		var profile models.Profile
		if err := scanProfile(rows, &profile); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		profiles = append(profiles, profile)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return newOffsetPage(profiles, total, page, pageSize), nil
}

func (s *ProfileStore) SetRole(ctx context.Context, id string, role models.Role) (*models.Profile, error) {
	profile := &models.Profile{}

	query := `
		UPDATE profiles
		SET role = $1, updated_at = NOW()
		WHERE id = $2
		RETURNING id, email, role, created_at, updated_at`

	if err := scanProfile(s.db.QueryRowContext(ctx, query, role, id), profile); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrProfileNotFound
		}
		return nil, fmt.Errorf("set profile role: %w", err)
	}

	return profile, nil
}
