package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/safar/candy-planet/internal/apperr"
	"github.com/safar/candy-planet/internal/audit"
	"github.com/safar/candy-planet/internal/cart"
	"github.com/safar/candy-planet/internal/config"
	"github.com/safar/candy-planet/internal/database"
	"github.com/safar/candy-planet/internal/events"
	"github.com/safar/candy-planet/internal/models"
	"github.com/safar/candy-planet/internal/payment"
	"github.com/safar/candy-planet/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v80/webhook"
)

const webhookSecret = "whsec_reconcile"

// memOrders mirrors the store's guarded transitions and event dedupe.
type memOrders struct {
	mu           sync.Mutex
	orders       map[uuid.UUID]*models.Order
	seen         map[string]bool
	cartsCleared map[uuid.UUID]bool
	applyErr     error
}

func newMemOrders() *memOrders {
	return &memOrders{
		orders:       map[uuid.UUID]*models.Order{},
		seen:         map[string]bool{},
		cartsCleared: map[uuid.UUID]bool{},
	}
}

func (m *memOrders) add(owner string, sessionID string) *models.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	provider := config.ProviderStripe
	order := &models.Order{
		ID:               uuid.New(),
		GuestToken:       &owner,
		Status:           models.OrderStatusPending,
		SubtotalCents:    998,
		PaymentProvider:  &provider,
		PaymentSessionID: &sessionID,
	}
	m.orders[order.ID] = order
	return order
}

func (m *memOrders) status(id uuid.UUID) models.OrderStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orders[id].Status
}

func (m *memOrders) setStatus(id uuid.UUID, status models.OrderStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[id].Status = status
}

func (m *memOrders) Get(_ context.Context, id uuid.UUID) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[id]
	if !ok {
		return nil, database.ErrOrderNotFound
	}
	cp := *order
	return &cp, nil
}

func (m *memOrders) GetBySession(_ context.Context, provider, sessionID string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, order := range m.orders {
		if order.PaymentSessionID != nil && *order.PaymentSessionID == sessionID &&
			order.PaymentProvider != nil && *order.PaymentProvider == provider {
			cp := *order
			return &cp, nil
		}
	}
	return nil, database.ErrOrderNotFound
}

func (m *memOrders) ApplyEvent(_ context.Context, event store.WebhookEvent) (store.TransitionResult, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applyErr != nil {
		return store.TransitionRejected, false, m.applyErr
	}
	key := event.Provider + "/" + event.EventID
	if m.seen[key] {
		return store.TransitionUnchanged, true, nil
	}
	order, ok := m.orders[event.OrderID]
	if !ok {
		return store.TransitionRejected, false, database.ErrOrderNotFound
	}
	m.seen[key] = true
	switch {
	case order.Status == models.OrderStatusPending:
		order.Status = event.Status
		return store.TransitionApplied, false, nil
	case order.Status == event.Status:
		return store.TransitionUnchanged, false, nil
	}
	return store.TransitionRejected, false, nil
}

func (m *memOrders) ClaimCartClear(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[id]
	if !ok || order.Status != models.OrderStatusPaid || m.cartsCleared[id] {
		return false, nil
	}
	m.cartsCleared[id] = true
	return true, nil
}

type stubProvider struct {
	name     string
	sessions map[string]*payment.SessionStatus
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) CreateSession(context.Context, payment.SessionRequest) (*payment.Session, error) {
	return nil, errors.New("not used")
}

func (p *stubProvider) RetrieveSession(_ context.Context, id string) (*payment.SessionStatus, error) {
	status, ok := p.sessions[id]
	if !ok {
		return nil, apperr.NotFound("stub.RetrieveSession", "Checkout not found")
	}
	return status, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.OrderEvent
}

func (p *recordingPublisher) Publish(_ context.Context, event events.OrderEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) Close() error { return nil }

type memPersister struct {
	mu    sync.Mutex
	carts map[string][]models.CartItem
}

func (p *memPersister) Load(_ context.Context, owner string) ([]models.CartItem, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.CartItem(nil), p.carts[owner]...), nil
}

func (p *memPersister) Save(_ context.Context, owner string, item models.CartItem) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	items := p.carts[owner]
	for i := range items {
		if items[i].ProductID == item.ProductID {
			items[i] = item
			return nil
		}
	}
	p.carts[owner] = append(items, item)
	return nil
}

func (p *memPersister) Remove(_ context.Context, owner string, productID int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	items := p.carts[owner][:0]
	for _, item := range p.carts[owner] {
		if item.ProductID != productID {
			items = append(items, item)
		}
	}
	p.carts[owner] = items
	return nil
}

func (p *memPersister) Clear(_ context.Context, owner string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.carts, owner)
	return nil
}

type harness struct {
	receiver  *Receiver
	landing   *Landing
	orders    *memOrders
	provider  *stubProvider
	publisher *recordingPublisher
	carts     *cart.Manager
}

func newHarness(t *testing.T, providerName string) *harness {
	t.Helper()
	stripeProvider, err := payment.NewStripe(config.StripeConfig{SecretKey: "sk_test", WebhookSecret: webhookSecret},
		"https://candy.example", nil)
	require.NoError(t, err)

	h := &harness{
		orders:    newMemOrders(),
		provider:  &stubProvider{name: providerName, sessions: map[string]*payment.SessionStatus{}},
		publisher: &recordingPublisher{},
		carts:     cart.NewManager(&memPersister{carts: map[string][]models.CartItem{}}, zerolog.Nop()),
	}
	h.receiver = NewReceiver(h.orders, h.provider, stripeProvider, h.publisher, audit.Nop{}, zerolog.Nop())
	h.landing = NewLanding(h.receiver, h.orders, h.carts, zerolog.Nop())
	return h
}

func signed(t *testing.T, eventID, eventType, object string) ([]byte, string) {
	t.Helper()
	payload := fmt.Sprintf(`{"id":%q,"object":"event","type":%q,"api_version":"2020-01-01","data":{"object":%s}}`,
		eventID, eventType, object)
	s := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    webhookSecret,
		Timestamp: time.Now(),
	})
	return s.Payload, s.Header
}

func completedSession(orderID uuid.UUID, paymentStatus string) string {
	return fmt.Sprintf(`{"id":"cs_1","object":"checkout.session","payment_status":%q,"metadata":{"order_id":%q}}`,
		paymentStatus, orderID)
}

func TestWebhookTamperedSignatureChangesNothing(t *testing.T) {
	h := newHarness(t, config.ProviderStripe)
	order := h.orders.add("guest-1", "cs_1")

	payload, header := signed(t, "evt_1", payment.EventCheckoutCompleted, completedSession(order.ID, "unpaid"))
	tampered := []byte(string(payload[:len(payload)-1]) + " ")

	err := h.receiver.HandleStripeWebhook(context.Background(), tampered, header)
	require.Error(t, err)
	assert.Equal(t, 400, apperr.HTTPStatus(err))

	payload, _ = signed(t, "evt_2", payment.EventCheckoutCompleted, completedSession(order.ID, "paid"))
	err = h.receiver.HandleStripeWebhook(context.Background(), payload, "")
	assert.Equal(t, 400, apperr.HTTPStatus(err))

	assert.Equal(t, models.OrderStatusPending, h.orders.status(order.ID))
	assert.Empty(t, h.publisher.events)
}

func TestWebhookCompletedIsIdempotent(t *testing.T) {
	h := newHarness(t, config.ProviderStripe)
	order := h.orders.add("guest-1", "cs_1")
	payload, header := signed(t, "evt_1", payment.EventCheckoutCompleted, completedSession(order.ID, "paid"))

	require.NoError(t, h.receiver.HandleStripeWebhook(context.Background(), payload, header))
	assert.Equal(t, models.OrderStatusPaid, h.orders.status(order.ID))

	require.NoError(t, h.receiver.HandleStripeWebhook(context.Background(), payload, header))
	assert.Equal(t, models.OrderStatusPaid, h.orders.status(order.ID))

	require.Len(t, h.publisher.events, 1)
	assert.Equal(t, events.OrderPaid, h.publisher.events[0].Type)
}

func TestWebhookCannotLeaveTerminalStatus(t *testing.T) {
	h := newHarness(t, config.ProviderStripe)
	order := h.orders.add("guest-1", "cs_1")
	ctx := context.Background()

	payload, header := signed(t, "evt_1", payment.EventCheckoutCompleted, completedSession(order.ID, "paid"))
	require.NoError(t, h.receiver.HandleStripeWebhook(ctx, payload, header))

	payload, header = signed(t, "evt_2", payment.EventCheckoutExpired, completedSession(order.ID, "unpaid"))
	require.NoError(t, h.receiver.HandleStripeWebhook(ctx, payload, header))

	assert.Equal(t, models.OrderStatusPaid, h.orders.status(order.ID))
	assert.Len(t, h.publisher.events, 1)
}

func TestDeclinedAttemptKeepsOrderPayable(t *testing.T) {
	h := newHarness(t, config.ProviderStripe)
	order := h.orders.add("guest-1", "cs_1")
	ctx := context.Background()

	payload, header := signed(t, "evt_1", payment.EventPaymentIntentFailed,
		fmt.Sprintf(`{"id":"pi_1","object":"payment_intent","metadata":{"order_id":%q}}`, order.ID))
	require.NoError(t, h.receiver.HandleStripeWebhook(ctx, payload, header))
	assert.Equal(t, models.OrderStatusPending, h.orders.status(order.ID))
	assert.Empty(t, h.publisher.events)

	payload, header = signed(t, "evt_2", payment.EventCheckoutCompleted, completedSession(order.ID, "paid"))
	require.NoError(t, h.receiver.HandleStripeWebhook(ctx, payload, header))
	assert.Equal(t, models.OrderStatusPaid, h.orders.status(order.ID))
}

func TestWebhookIgnoresUnhandledAndUnknownOrders(t *testing.T) {
	h := newHarness(t, config.ProviderStripe)
	ctx := context.Background()

	payload, header := signed(t, "evt_1", "customer.created", `{"id":"cus_1","object":"customer"}`)
	assert.NoError(t, h.receiver.HandleStripeWebhook(ctx, payload, header))

	payload, header = signed(t, "evt_2", payment.EventCheckoutCompleted, completedSession(uuid.New(), "paid"))
	assert.NoError(t, h.receiver.HandleStripeWebhook(ctx, payload, header))

	payload, header = signed(t, "evt_3", payment.EventCheckoutCompleted,
		`{"id":"cs_9","object":"checkout.session","payment_status":"paid","metadata":{"order_id":"not-a-uuid"}}`)
	assert.NoError(t, h.receiver.HandleStripeWebhook(ctx, payload, header))

	assert.Empty(t, h.publisher.events)
}

func TestWebhookStorageFailureIsInternal(t *testing.T) {
	h := newHarness(t, config.ProviderStripe)
	order := h.orders.add("guest-1", "cs_1")
	h.orders.applyErr = errors.New("connection refused")

	payload, header := signed(t, "evt_1", payment.EventCheckoutCompleted, completedSession(order.ID, "paid"))
	err := h.receiver.HandleStripeWebhook(context.Background(), payload, header)

	assert.Equal(t, 500, apperr.HTTPStatus(err))
	assert.Equal(t, models.OrderStatusPending, h.orders.status(order.ID))
}

func TestWebhookWithoutVerifier(t *testing.T) {
	h := newHarness(t, config.ProviderSumUp)
	r := NewReceiver(h.orders, h.provider, nil, h.publisher, audit.Nop{}, zerolog.Nop())

	err := r.HandleStripeWebhook(context.Background(), []byte(`{}`), "t=1,v1=x")
	assert.True(t, apperr.Is(err, apperr.KindConfiguration))
}

func TestConcurrentWebhookDeliveries(t *testing.T) {
	h := newHarness(t, config.ProviderStripe)
	order := h.orders.add("guest-1", "cs_1")
	payload, header := signed(t, "evt_1", payment.EventCheckoutCompleted, completedSession(order.ID, "paid"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.receiver.HandleStripeWebhook(context.Background(), payload, header))
		}()
	}
	wg.Wait()

	assert.Equal(t, models.OrderStatusPaid, h.orders.status(order.ID))
	assert.Len(t, h.publisher.events, 1)
}

func TestVerifySession(t *testing.T) {
	h := newHarness(t, config.ProviderStripe)
	ctx := context.Background()
	paid := h.orders.add("guest-1", "cs_paid")
	unpaid := h.orders.add("guest-2", "cs_unpaid")
	h.provider.sessions["cs_paid"] = &payment.SessionStatus{
		SessionID: "cs_paid", OrderID: paid.ID.String(), Status: payment.StatusPaid, RawStatus: "paid",
		AmountMinor: 998, Currency: "EUR", CustomerEmail: "ada@example.com",
	}
	h.provider.sessions["cs_unpaid"] = &payment.SessionStatus{
		SessionID: "cs_unpaid", Status: payment.StatusPending, RawStatus: "unpaid",
	}

	v, err := h.receiver.VerifySession(ctx, "cs_paid")
	require.NoError(t, err)
	assert.Equal(t, paid.ID, v.OrderID)
	assert.Equal(t, int64(998), v.AmountMinor)
	assert.Equal(t, "ada@example.com", v.CustomerEmail)
	assert.Equal(t, models.OrderStatusPaid, h.orders.status(paid.ID))

	_, err = h.receiver.VerifySession(ctx, "cs_unpaid")
	assert.True(t, apperr.Is(err, apperr.KindPaymentNotCompleted))
	assert.Equal(t, models.OrderStatusPending, h.orders.status(unpaid.ID))

	_, err = h.receiver.VerifySession(ctx, "")
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = h.receiver.VerifySession(ctx, "cs_missing")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestSumUpNotificationRefetchesCheckout(t *testing.T) {
	h := newHarness(t, config.ProviderSumUp)
	ctx := context.Background()
	order := h.orders.add("guest-1", "chk_1")
	h.provider.sessions["chk_1"] = &payment.SessionStatus{
		SessionID: "chk_1", OrderID: order.ID.String(), Status: payment.StatusPending, RawStatus: "PENDING",
	}

	require.NoError(t, h.receiver.HandleSumUpNotification(ctx, "chk_1"))
	assert.Equal(t, models.OrderStatusPending, h.orders.status(order.ID))

	h.provider.sessions["chk_1"].Status = payment.StatusFailed
	h.provider.sessions["chk_1"].RawStatus = "FAILED"
	require.NoError(t, h.receiver.HandleSumUpNotification(ctx, "chk_1"))
	assert.Equal(t, models.OrderStatusFailed, h.orders.status(order.ID))

	require.Len(t, h.publisher.events, 1)
	assert.Equal(t, events.OrderFailed, h.publisher.events[0].Type)

	err := h.receiver.HandleSumUpNotification(ctx, "chk_missing")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestSumUpNotificationRequiresSumUp(t *testing.T) {
	h := newHarness(t, config.ProviderStripe)

	err := h.receiver.HandleSumUpNotification(context.Background(), "chk_1")
	assert.True(t, apperr.Is(err, apperr.KindConfiguration))
}

func fillCart(t *testing.T, h *harness, owner string) {
	t.Helper()
	_, err := h.carts.Cart(context.Background(), owner).Add(context.Background(),
		models.CartItem{ProductID: 1, Name: "Gummy Bears", PriceCents: 499}, 2)
	require.NoError(t, err)
}

func TestLandingConfirmedClearsCartOnce(t *testing.T) {
	h := newHarness(t, config.ProviderStripe)
	ctx := context.Background()
	token := uuid.NewString()
	owner := "guest:" + token
	order := h.orders.add(token, "cs_1")
	h.provider.sessions["cs_1"] = &payment.SessionStatus{
		SessionID: "cs_1", OrderID: order.ID.String(), Status: payment.StatusPaid, RawStatus: "paid", AmountMinor: 998,
	}
	fillCart(t, h, owner)

	result := h.landing.Resolve(ctx, LandingParams{SessionID: "cs_1"})
	assert.Equal(t, StateConfirmed, result.State)
	assert.True(t, result.CartCleared)
	assert.Empty(t, h.carts.Cart(ctx, owner).Items())

	fillCart(t, h, owner)
	result = h.landing.Resolve(ctx, LandingParams{SessionID: "cs_1"})
	assert.Equal(t, StateConfirmed, result.State)
	assert.False(t, result.CartCleared)
	assert.Len(t, h.carts.Cart(ctx, owner).Items(), 1)
}

func TestLandingUnpaidFailsAndKeepsCart(t *testing.T) {
	h := newHarness(t, config.ProviderStripe)
	ctx := context.Background()
	token := uuid.NewString()
	owner := "guest:" + token
	order := h.orders.add(token, "cs_1")
	h.provider.sessions["cs_1"] = &payment.SessionStatus{
		SessionID: "cs_1", OrderID: order.ID.String(), Status: payment.StatusPending, RawStatus: "unpaid",
	}
	fillCart(t, h, owner)

	result := h.landing.Resolve(ctx, LandingParams{SessionID: "cs_1"})

	assert.Equal(t, StateFailed, result.State)
	assert.Contains(t, result.Error, "payment not completed")
	assert.False(t, result.CartCleared)
	assert.Len(t, h.carts.Cart(ctx, owner).Items(), 1)
	assert.Equal(t, models.OrderStatusPending, h.orders.status(order.ID))
}

func TestLandingCheckoutReference(t *testing.T) {
	h := newHarness(t, config.ProviderSumUp)
	ctx := context.Background()
	token := uuid.NewString()
	order := h.orders.add(token, "chk_1")
	h.provider.sessions["chk_1"] = &payment.SessionStatus{
		SessionID: "chk_1", OrderID: order.ID.String(), Status: payment.StatusPaid, RawStatus: "PAID", AmountMinor: 998,
	}

	result := h.landing.Resolve(ctx, LandingParams{CheckoutReference: order.ID.String(), Status: "failed"})
	assert.Equal(t, StateFailed, result.State)
	assert.Equal(t, models.OrderStatusPending, h.orders.status(order.ID))

	result = h.landing.Resolve(ctx, LandingParams{CheckoutReference: order.ID.String(), Status: "success"})
	assert.Equal(t, StateConfirmed, result.State)
	assert.Equal(t, models.OrderStatusPaid, h.orders.status(order.ID))
}

func TestLandingMissingReference(t *testing.T) {
	h := newHarness(t, config.ProviderStripe)
	ctx := context.Background()

	result := h.landing.Resolve(ctx, LandingParams{})
	assert.Equal(t, StateFailed, result.State)
	assert.Equal(t, "Missing payment reference", result.Error)

	result = h.landing.Resolve(ctx, LandingParams{CheckoutReference: "nope"})
	assert.Equal(t, StateFailed, result.State)

	result = h.landing.Resolve(ctx, LandingParams{CheckoutReference: uuid.NewString()})
	assert.Equal(t, "Order not found", result.Error)
}

func TestPaidSessionForClosedOrderIsNotConfirmed(t *testing.T) {
	closers := map[string]func(h *harness, order *models.Order){
		"expired webhook": func(h *harness, order *models.Order) {
			payload, header := signed(t, "evt_exp", payment.EventCheckoutExpired, completedSession(order.ID, "unpaid"))
			require.NoError(t, h.receiver.HandleStripeWebhook(context.Background(), payload, header))
		},
		"expiry sweep": func(h *harness, order *models.Order) {
			h.orders.setStatus(order.ID, models.OrderStatusFailed)
		},
	}

	for name, closeOrder := range closers {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, config.ProviderStripe)
			ctx := context.Background()
			token := uuid.NewString()
			owner := "guest:" + token
			order := h.orders.add(token, "cs_1")
			h.provider.sessions["cs_1"] = &payment.SessionStatus{
				SessionID: "cs_1", OrderID: order.ID.String(), Status: payment.StatusPaid, RawStatus: "paid", AmountMinor: 998,
			}
			fillCart(t, h, owner)
			closeOrder(h, order)
			require.Equal(t, models.OrderStatusFailed, h.orders.status(order.ID))

			_, err := h.receiver.VerifySession(ctx, "cs_1")
			assert.True(t, apperr.Is(err, apperr.KindConflict))
			assert.Equal(t, 409, apperr.HTTPStatus(err))

			result := h.landing.Resolve(ctx, LandingParams{SessionID: "cs_1"})
			assert.Equal(t, StateFailed, result.State)
			assert.Equal(t, "Order is already failed", result.Error)
			assert.False(t, result.CartCleared)
			assert.Len(t, h.carts.Cart(ctx, owner).Items(), 1)
			assert.Equal(t, models.OrderStatusFailed, h.orders.status(order.ID))
		})
	}
}
