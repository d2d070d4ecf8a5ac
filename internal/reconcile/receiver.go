// Package reconcile moves orders out of pending once a payment provider has
// confirmed what happened. Provider webhooks, explicit session verification
// and the post-payment landing page all end up in Receiver.apply.
package reconcile

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/safar/candy-planet/internal/apperr"
	"github.com/safar/candy-planet/internal/audit"
	"github.com/safar/candy-planet/internal/config"
	"github.com/safar/candy-planet/internal/database"
	"github.com/safar/candy-planet/internal/events"
	"github.com/safar/candy-planet/internal/models"
	"github.com/safar/candy-planet/internal/payment"
	"github.com/safar/candy-planet/internal/store"
	"go.mongodb.org/mongo-driver/bson"
)

type Orders interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Order, error)
	GetBySession(ctx context.Context, provider, sessionID string) (*models.Order, error)
	ApplyEvent(ctx context.Context, event store.WebhookEvent) (store.TransitionResult, bool, error)
	ClaimCartClear(ctx context.Context, id uuid.UUID) (bool, error)
}

// WebhookVerifier checks a signed provider notification.
type WebhookVerifier interface {
	ParseWebhook(payload []byte, signature string) (*payment.Event, error)
}

// Verification is the provider-confirmed state of a paid session.
type Verification struct {
	OrderID       uuid.UUID `json:"orderId"`
	SessionID     string    `json:"sessionId"`
	AmountMinor   int64     `json:"amountTotal"`
	Currency      string    `json:"currency"`
	CustomerEmail string    `json:"customerEmail,omitempty"`
	PaymentStatus string    `json:"paymentStatus"`
}

type Receiver struct {
	orders    Orders
	provider  payment.Provider
	verifier  WebhookVerifier
	publisher events.Publisher
	audit     audit.Recorder
	logger    zerolog.Logger
}

// NewReceiver wires reconciliation for the active provider. verifier may be
// nil when the provider has no signed webhooks.
func NewReceiver(orders Orders, provider payment.Provider, verifier WebhookVerifier,
	publisher events.Publisher, recorder audit.Recorder, logger zerolog.Logger) *Receiver {
	return &Receiver{
		orders:    orders,
		provider:  provider,
		verifier:  verifier,
		publisher: publisher,
		audit:     recorder,
		logger:    logger,
	}
}

func statusFor(outcome payment.Outcome) models.OrderStatus {
	if outcome == payment.OutcomePaid {
		return models.OrderStatusPaid
	}
	return models.OrderStatusFailed
}

// HandleStripeWebhook verifies a Stripe event and applies it. Only a bad
// signature or missing configuration is reported back; events that cannot be
// tied to an order are acknowledged so Stripe stops redelivering them.
func (r *Receiver) HandleStripeWebhook(ctx context.Context, payload []byte, signature string) error {
	const op = "reconcile.HandleStripeWebhook"

	if r.verifier == nil {
		return apperr.Configuration(op, "Stripe webhooks are not enabled")
	}

	event, err := r.verifier.ParseWebhook(payload, signature)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Rejected Stripe webhook")
		return err
	}

	log := r.logger.With().Str("event_id", event.ID).Str("event_type", event.Type).Logger()

	if event.Outcome == payment.OutcomeIgnored {
		if event.Type == payment.EventPaymentIntentFailed {
			log.Info().Str("order_id", event.OrderID).Msg("Payment attempt declined, checkout stays open")
			return nil
		}
		log.Debug().Msg("Ignoring Stripe event")
		return nil
	}

	orderID, err := uuid.Parse(event.OrderID)
	if err != nil {
		log.Warn().Str("order_id", event.OrderID).Msg("Stripe event without a usable order id")
		return nil
	}

	_, err = r.apply(ctx, store.WebhookEvent{
		Provider: config.ProviderStripe,
		EventID:  event.ID,
		Type:     event.Type,
		OrderID:  orderID,
		Status:   statusFor(event.Outcome),
	})
	if errors.Is(err, database.ErrOrderNotFound) {
		log.Warn().Str("order_id", orderID.String()).Msg("Stripe event for unknown order")
		return nil
	}
	return err
}

// HandleSumUpNotification reconciles a SumUp checkout. SumUp notifications
// are unsigned, so the checkout is fetched again and only SumUp's answer is
// applied.
func (r *Receiver) HandleSumUpNotification(ctx context.Context, checkoutID string) error {
	const op = "reconcile.HandleSumUpNotification"

	if r.provider.Name() != config.ProviderSumUp {
		return apperr.Configuration(op, "SumUp payments are not enabled")
	}
	if strings.TrimSpace(checkoutID) == "" {
		return apperr.Validation(op, "Missing checkout id")
	}

	status, err := r.provider.RetrieveSession(ctx, checkoutID)
	if err != nil {
		return err
	}
	if status.Status == payment.StatusPending {
		r.logger.Debug().Str("checkout_id", checkoutID).Str("status", status.RawStatus).Msg("SumUp checkout still pending")
		return nil
	}

	order, err := r.orderFor(ctx, status)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			r.logger.Warn().Str("checkout_id", checkoutID).Msg("SumUp checkout for unknown order")
			return nil
		}
		return err
	}

	orderStatus := models.OrderStatusFailed
	if status.Status == payment.StatusPaid {
		orderStatus = models.OrderStatusPaid
	}

	_, err = r.apply(ctx, store.WebhookEvent{
		Provider: config.ProviderSumUp,
		EventID:  "checkout:" + checkoutID + ":" + status.RawStatus,
		Type:     "checkout." + strings.ToLower(status.RawStatus),
		OrderID:  order.ID,
		Status:   orderStatus,
	})
	return err
}

// VerifySession asks the provider about a session and marks its order paid
// when the provider says so. Any other answer leaves the order untouched and
// returns a PaymentNotCompleted error.
func (r *Receiver) VerifySession(ctx context.Context, sessionID string) (*Verification, error) {
	const op = "reconcile.VerifySession"

	if strings.TrimSpace(sessionID) == "" {
		return nil, apperr.Validation(op, "session_id is required")
	}

	status, err := r.provider.RetrieveSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	order, err := r.orderFor(ctx, status)
	if err != nil {
		return nil, err
	}

	if status.Status != payment.StatusPaid {
		r.logger.Info().Str("order_id", order.ID.String()).Str("session_id", sessionID).
			Str("payment_status", status.RawStatus).Msg("Payment not completed")
		return nil, apperr.PaymentNotCompleted(op, status.RawStatus)
	}

	_, err = r.apply(ctx, store.WebhookEvent{
		Provider: r.provider.Name(),
		EventID:  "verify:" + sessionID,
		Type:     "session.verified",
		OrderID:  order.ID,
		Status:   models.OrderStatusPaid,
	})
	if err != nil {
		return nil, err
	}

	// the order may have failed or expired before the payment went through
	current, err := r.orders.Get(ctx, order.ID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, op, err)
	}
	if current.Status != models.OrderStatusPaid {
		r.logger.Error().Str("order_id", order.ID.String()).Str("session_id", sessionID).
			Str("order_status", string(current.Status)).Msg("Paid session for an order that is no longer payable, refund required")
		return nil, apperr.New(apperr.KindConflict, op, "Order is already "+string(current.Status))
	}

	return &Verification{
		OrderID:       order.ID,
		SessionID:     status.SessionID,
		AmountMinor:   status.AmountMinor,
		Currency:      status.Currency,
		CustomerEmail: status.CustomerEmail,
		PaymentStatus: status.RawStatus,
	}, nil
}

// orderFor finds the order behind a provider session, preferring the order id
// the provider echoes back over the session id stored on the order.
func (r *Receiver) orderFor(ctx context.Context, status *payment.SessionStatus) (*models.Order, error) {
	const op = "reconcile.orderFor"

	var (
		order *models.Order
		err   error
	)
	if id, parseErr := uuid.Parse(status.OrderID); parseErr == nil {
		order, err = r.orders.Get(ctx, id)
	} else {
		order, err = r.orders.GetBySession(ctx, r.provider.Name(), status.SessionID)
	}
	if err != nil {
		if errors.Is(err, database.ErrOrderNotFound) {
			return nil, apperr.NotFound(op, "Order not found for payment session")
		}
		return nil, apperr.Wrap(apperr.KindInternal, op, err)
	}

	return order, nil
}

// apply records the event and moves the order. Side effects only follow a
// transition that actually happened.
func (r *Receiver) apply(ctx context.Context, event store.WebhookEvent) (store.TransitionResult, error) {
	log := r.logger.With().
		Str("provider", event.Provider).
		Str("event_id", event.EventID).
		Str("order_id", event.OrderID.String()).
		Str("target_status", string(event.Status)).
		Logger()

	result, duplicate, err := r.orders.ApplyEvent(ctx, event)
	if err != nil {
		if errors.Is(err, database.ErrOrderNotFound) {
			return store.TransitionRejected, err
		}
		log.Error().Err(err).Msg("Apply payment event")
		return store.TransitionRejected, apperr.Wrap(apperr.KindInternal, "reconcile.apply", err)
	}

	if duplicate {
		log.Info().Msg("Duplicate payment event")
		return result, nil
	}

	switch result {
	case store.TransitionApplied:
		log.Info().Msg("Order status updated")
	case store.TransitionUnchanged:
		log.Info().Msg("Order already in target status")
		return result, nil
	default:
		if event.Status == models.OrderStatusPaid {
			log.Error().Msg("Payment received for an order that is no longer payable, refund required")
		} else {
			log.Warn().Msg("Payment event conflicts with final order status")
		}
		return result, nil
	}

	order, err := r.orders.Get(ctx, event.OrderID)
	if err != nil {
		log.Error().Err(err).Msg("Reload order after status change")
		return result, nil
	}

	eventType := events.OrderFailed
	if event.Status == models.OrderStatusPaid {
		eventType = events.OrderPaid
	}
	r.publisher.Publish(ctx, events.FromOrder(eventType, order))
	r.audit.Record(ctx, "order."+eventType, order.ID.String(), bson.M{
		"provider":   event.Provider,
		"event_id":   event.EventID,
		"event_type": event.Type,
	})

	return result, nil
}
