package reconcile

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/safar/candy-planet/internal/apperr"
	"github.com/safar/candy-planet/internal/cart"
	"github.com/safar/candy-planet/internal/database"
	"github.com/safar/candy-planet/internal/models"
	"github.com/safar/candy-planet/internal/session"
)

type State string

const (
	StateVerifying State = "verifying"
	StateConfirmed State = "confirmed"
	StateFailed    State = "failed"
)

// LandingParams are the query parameters the provider redirect carries.
type LandingParams struct {
	SessionID         string
	CheckoutReference string
	Status            string
}

type LandingResult struct {
	State        State         `json:"state"`
	Verification *Verification `json:"verification,omitempty"`
	Error        string        `json:"error,omitempty"`
	CartCleared  bool          `json:"cartCleared"`
}

type Carts interface {
	Cart(ctx context.Context, owner string) *cart.Cart
}

type verifier interface {
	VerifySession(ctx context.Context, sessionID string) (*Verification, error)
}

// Landing drives the post-payment page from verifying to confirmed or failed.
// A failed result is final; the shopper starts over from checkout.
type Landing struct {
	verifier verifier
	orders   Orders
	carts    Carts
	logger   zerolog.Logger
}

func NewLanding(receiver *Receiver, orders Orders, carts Carts, logger zerolog.Logger) *Landing {
	return &Landing{verifier: receiver, orders: orders, carts: carts, logger: logger}
}

func failed(msg string) *LandingResult {
	return &LandingResult{State: StateFailed, Error: msg}
}

func (l *Landing) Resolve(ctx context.Context, params LandingParams) *LandingResult {
	sessionID := strings.TrimSpace(params.SessionID)
	if sessionID == "" {
		var msg string
		sessionID, msg = l.sessionForReference(ctx, params)
		if sessionID == "" {
			l.logger.Info().Str("state", string(StateFailed)).Str("checkout_reference", params.CheckoutReference).
				Str("reason", msg).Msg("Payment landing")
			return failed(msg)
		}
	}

	verification, err := l.verifier.VerifySession(ctx, sessionID)
	if err != nil {
		l.logger.Info().Err(err).Str("state", string(StateFailed)).Str("session_id", sessionID).Msg("Payment landing")
		return failed(apperr.Message(err))
	}

	result := &LandingResult{State: StateConfirmed, Verification: verification}
	result.CartCleared = l.clearCart(ctx, verification.OrderID)

	l.logger.Info().Str("state", string(StateConfirmed)).Str("order_id", verification.OrderID.String()).
		Bool("cart_cleared", result.CartCleared).Msg("Payment landing")

	return result
}

// sessionForReference resolves a SumUp style redirect to the checkout id
// stored on the order. An empty id comes with the reason for failing.
func (l *Landing) sessionForReference(ctx context.Context, params LandingParams) (string, string) {
	reference := strings.TrimSpace(params.CheckoutReference)
	if reference == "" {
		return "", "Missing payment reference"
	}

	if status := strings.ToLower(strings.TrimSpace(params.Status)); status != "" && status != "success" && status != "paid" {
		return "", "Payment was not completed"
	}

	orderID, err := uuid.Parse(reference)
	if err != nil {
		return "", "Invalid payment reference"
	}

	order, err := l.orders.Get(ctx, orderID)
	if err != nil {
		if !errors.Is(err, database.ErrOrderNotFound) {
			l.logger.Error().Err(err).Str("order_id", reference).Msg("Load order for landing")
		}
		return "", "Order not found"
	}
	if order.PaymentSessionID == nil || *order.PaymentSessionID == "" {
		return "", "Order has no payment session"
	}

	return *order.PaymentSessionID, ""
}

// clearCart empties the order owner's cart the first time the order is
// confirmed. Reloading the landing page leaves a new cart alone.
func (l *Landing) clearCart(ctx context.Context, orderID uuid.UUID) bool {
	claimed, err := l.orders.ClaimCartClear(ctx, orderID)
	if err != nil {
		l.logger.Error().Err(err).Str("order_id", orderID.String()).Msg("Claim cart clear")
		return false
	}
	if !claimed {
		return false
	}

	order, err := l.orders.Get(ctx, orderID)
	if err != nil {
		l.logger.Error().Err(err).Str("order_id", orderID.String()).Msg("Load order for cart clear")
		return false
	}

	owner := ownerOf(order)
	if owner.IsAnonymous() {
		return false
	}
	l.carts.Cart(ctx, owner.OwnerKey()).Clear(ctx)

	return true
}

func ownerOf(order *models.Order) session.Principal {
	switch {
	case order.UserID != nil:
		return session.Principal{Kind: session.User, UserID: *order.UserID}
	case order.GuestToken != nil:
		return session.Principal{Kind: session.Guest, GuestToken: *order.GuestToken}
	}
	return session.Principal{}
}
