// Package checkout turns a cart into a pending order and hands it to the
// active payment provider.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/safar/candy-planet/internal/apperr"
	"github.com/safar/candy-planet/internal/audit"
	"github.com/safar/candy-planet/internal/cart"
	"github.com/safar/candy-planet/internal/database"
	"github.com/safar/candy-planet/internal/events"
	"github.com/safar/candy-planet/internal/models"
	"github.com/safar/candy-planet/internal/money"
	"github.com/safar/candy-planet/internal/payment"
	"github.com/safar/candy-planet/internal/session"
	"github.com/safar/candy-planet/internal/store"
	"go.mongodb.org/mongo-driver/bson"
)

var ErrEmptyCart = errors.New("cart is empty")

type Orders interface {
	Create(ctx context.Context, req store.CreateOrderRequest) (*models.Order, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Order, error)
	AttachPaymentSession(ctx context.Context, id uuid.UUID, provider, sessionID string) error
}

type Catalog interface {
	Missing(ctx context.Context, ids []int64) ([]int64, error)
}

type Carts interface {
	Cart(ctx context.Context, owner string) *cart.Cart
}

type Result struct {
	OrderID       uuid.UUID `json:"orderId"`
	SubtotalCents int64     `json:"subtotalCents"`
	Provider      string    `json:"provider"`
	SessionID     string    `json:"sessionId"`
	SessionURL    string    `json:"sessionUrl"`
}

type Service struct {
	orders    Orders
	catalog   Catalog
	carts     Carts
	provider  payment.Provider
	publisher events.Publisher
	audit     audit.Recorder
	logger    zerolog.Logger
}

func NewService(orders Orders, catalog Catalog, carts Carts, provider payment.Provider,
	publisher events.Publisher, recorder audit.Recorder, logger zerolog.Logger) *Service {
	return &Service{
		orders:    orders,
		catalog:   catalog,
		carts:     carts,
		provider:  provider,
		publisher: publisher,
		audit:     recorder,
		logger:    logger,
	}
}

func (s *Service) Provider() string {
	return s.provider.Name()
}

func validateAddress(addr models.ShippingAddress) []string {
	var missing []string
	for _, f := range []struct{ name, value string }{
		{"full name", addr.FullName},
		{"address line 1", addr.Address1},
		{"city", addr.City},
		{"postal code", addr.PostalCode},
		{"country", addr.Country},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	return missing
}

// PlaceOrder validates the cart and address and writes a pending order with
// one item per cart line, all in one transaction.
func (s *Service) PlaceOrder(ctx context.Context, items []models.CartItem, addr models.ShippingAddress, owner session.Principal) (*models.Order, error) {
	const op = "checkout.PlaceOrder"

	if len(items) == 0 {
		return nil, &apperr.Error{Kind: apperr.KindValidation, Op: op, Msg: "Cart is empty", Err: ErrEmptyCart}
	}
	if owner.IsAnonymous() {
		return nil, apperr.New(apperr.KindUnauthorized, op, "Sign in or use a guest token to place an order")
	}
	if missing := validateAddress(addr); len(missing) > 0 {
		return nil, apperr.Validation(op, "Missing shipping fields: "+strings.Join(missing, ", "))
	}

	ids := make([]int64, 0, len(items))
	var subtotal int64
	for _, item := range items {
		if item.Quantity < 1 {
			return nil, apperr.Validation(op, fmt.Sprintf("Invalid quantity for product %d", item.ProductID))
		}
		if item.PriceCents < 0 {
			return nil, apperr.Validation(op, fmt.Sprintf("Invalid price for product %d", item.ProductID))
		}
		ids = append(ids, item.ProductID)
		subtotal += item.LineTotal()
	}
	if subtotal <= 0 {
		return nil, apperr.Validation(op, "Order total must be greater than zero")
	}

	unknown, err := s.catalog.Missing(ctx, ids)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, op, err)
	}
	if len(unknown) > 0 {
		parts := make([]string, len(unknown))
		for i, id := range unknown {
			parts[i] = strconv.FormatInt(id, 10)
		}
		return nil, apperr.Validation(op, "Unknown products in cart: "+strings.Join(parts, ", "))
	}

	req := store.CreateOrderRequest{Shipping: addr, Items: items}
	switch owner.Kind {
	case session.User:
		req.UserID = &owner.UserID
	case session.Guest:
		req.GuestToken = &owner.GuestToken
	}

	order, err := s.orders.Create(ctx, req)
	if err != nil {
		return nil, apperr.OrderPersistence(op, err)
	}

	s.logger.Info().
		Str("order_id", order.ID.String()).
		Str("owner", owner.OwnerKey()).
		Int64("subtotal_cents", order.SubtotalCents).
		Int("items", len(order.Items)).
		Msg("Order placed")
	s.publisher.Publish(ctx, events.FromOrder(events.OrderCreated, order))
	s.audit.Record(ctx, "order.created", order.ID.String(), bson.M{
		"owner":          owner.OwnerKey(),
		"subtotal_cents": order.SubtotalCents,
		"items":          len(order.Items),
	})

	return order, nil
}

// Checkout places an order from the principal's cart and opens a payment
// session for it. The cart is left intact until payment is confirmed.
func (s *Service) Checkout(ctx context.Context, principal session.Principal, addr models.ShippingAddress) (*Result, error) {
	if principal.IsAnonymous() {
		return nil, apperr.New(apperr.KindUnauthorized, "checkout.Checkout", "Sign in or use a guest token to check out")
	}

	items := s.carts.Cart(ctx, principal.OwnerKey()).Items()

	order, err := s.PlaceOrder(ctx, items, addr, principal)
	if err != nil {
		return nil, err
	}

	sess, err := s.openSession(ctx, order, principal.Email, "")
	if err != nil {
		return nil, err
	}

	return &Result{
		OrderID:       order.ID,
		SubtotalCents: order.SubtotalCents,
		Provider:      s.provider.Name(),
		SessionID:     sess.ID,
		SessionURL:    sess.URL,
	}, nil
}

// StartSession opens a payment session for an existing pending order owned
// by principal. A caller-supplied amount must match the order's subtotal.
func (s *Service) StartSession(ctx context.Context, principal session.Principal, provider string, orderID uuid.UUID, amountMinor *int64, productName string) (*payment.Session, error) {
	const op = "checkout.StartSession"

	if provider != s.provider.Name() {
		return nil, apperr.Configuration(op, provider+" payments are not enabled")
	}
	if principal.IsAnonymous() {
		return nil, apperr.New(apperr.KindUnauthorized, op, "Sign in or use a guest token to pay for an order")
	}

	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		if errors.Is(err, database.ErrOrderNotFound) {
			return nil, apperr.NotFound(op, "Order not found")
		}
		return nil, apperr.Wrap(apperr.KindInternal, op, err)
	}
	// someone else's order looks the same as a missing one
	if !ownedBy(order, principal) {
		return nil, apperr.NotFound(op, "Order not found")
	}
	if order.Status != models.OrderStatusPending {
		return nil, apperr.New(apperr.KindConflict, op, "Order is already "+string(order.Status))
	}
	if amountMinor != nil && *amountMinor != order.SubtotalCents {
		return nil, apperr.Validation(op, fmt.Sprintf("Amount %s does not match order total %s",
			money.Format(*amountMinor), money.Format(order.SubtotalCents)))
	}

	return s.openSession(ctx, order, principal.Email, productName)
}

func ownedBy(order *models.Order, principal session.Principal) bool {
	switch principal.Kind {
	case session.User:
		return order.UserID != nil && *order.UserID == principal.UserID
	case session.Guest:
		return order.GuestToken != nil && *order.GuestToken == principal.GuestToken
	}
	return false
}

func (s *Service) openSession(ctx context.Context, order *models.Order, email, productName string) (*payment.Session, error) {
	const op = "checkout.openSession"

	if productName == "" {
		productName = "Candy Planet order " + order.ID.String()[:8]
	}

	sess, err := s.provider.CreateSession(ctx, payment.SessionRequest{
		OrderID:       order.ID,
		AmountMinor:   order.SubtotalCents,
		Currency:      money.Currency,
		Description:   productName,
		CustomerEmail: email,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("order_id", order.ID.String()).Str("provider", s.provider.Name()).
			Msg("Create payment session")
		return nil, err
	}

	if err := s.orders.AttachPaymentSession(ctx, order.ID, s.provider.Name(), sess.ID); err != nil {
		return nil, apperr.OrderPersistence(op, err)
	}

	s.logger.Info().Str("order_id", order.ID.String()).Str("provider", s.provider.Name()).
		Str("session_id", sess.ID).Msg("Payment session created")
	s.audit.Record(ctx, "order.session_created", order.ID.String(), bson.M{
		"provider":   s.provider.Name(),
		"session_id": sess.ID,
	})

	return sess, nil
}
