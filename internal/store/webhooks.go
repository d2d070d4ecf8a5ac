package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/safar/candy-planet/internal/database"
	"github.com/safar/candy-planet/internal/models"
)

type WebhookEvent struct {
	Provider string
	EventID  string
	Type     string
	OrderID  uuid.UUID
	Status   models.OrderStatus
}

// ApplyEvent records a provider event and applies its status change in the
// same transaction. A previously recorded event is reported as a duplicate
// and changes nothing.
func (s *OrderStore) ApplyEvent(ctx context.Context, event WebhookEvent) (result TransitionResult, duplicate bool, err error) {
	err = database.WithRetry(ctx, s.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO webhook_events (provider, event_id, event_type, order_id, processed_at)
			 VALUES ($1, $2, $3, $4, NOW())
			 ON CONFLICT (provider, event_id) DO NOTHING`,
			event.Provider, event.EventID, event.Type, event.OrderID)
		if err != nil {
			return fmt.Errorf("record webhook event: %w", err)
		}

		inserted, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if inserted == 0 {
			duplicate = true
			result = TransitionUnchanged
			return nil
		}
		duplicate = false

		result, err = transitionStatus(ctx, tx, event.OrderID, event.Status)
		return err
	})

	return result, duplicate, err
}
