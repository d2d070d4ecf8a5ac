package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/safar/candy-planet/internal/database"
	"github.com/safar/candy-planet/internal/models"
	"github.com/safar/candy-planet/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAddress() models.ShippingAddress {
	return models.ShippingAddress{
		FullName:   "Ada Lovelace",
		Address1:   "1 Sugar Lane",
		City:       "Lisbon",
		PostalCode: "1000-001",
		Country:    "PT",
	}
}

func createTestOrder(t *testing.T, ctx context.Context, orders *store.OrderStore, items ...models.CartItem) *models.Order {
	t.Helper()
	guest := uuid.NewString()
	order, err := orders.Create(ctx, store.CreateOrderRequest{
		GuestToken: &guest,
		Shipping:   testAddress(),
		Items:      items,
	})
	require.NoError(t, err)
	return order
}

func TestCreateOrder(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	orders := store.NewOrderStore(db)

	cart := []models.CartItem{
		{ProductID: 1, Name: "Gummy Bears", PriceCents: 499, Quantity: 2},
		{ProductID: 2, Name: "Sour Worms", PriceCents: 350, Quantity: 1},
	}
	order := createTestOrder(t, ctx, orders, cart...)

	assert.NotEqual(t, uuid.Nil, order.ID)
	assert.Equal(t, models.OrderStatusPending, order.Status)
	assert.Equal(t, int64(499*2+350), order.SubtotalCents)
	require.Len(t, order.Items, 2)

	loaded, err := orders.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, testAddress(), loaded.Shipping)
	require.Len(t, loaded.Items, len(cart))

	var sum int64
	for i, item := range loaded.Items {
		assert.Equal(t, cart[i].ProductID, item.ProductID)
		assert.Equal(t, cart[i].Quantity, item.Quantity)
		assert.Equal(t, cart[i].PriceCents, item.PriceCents)
		assert.Equal(t, cart[i].Name, item.ProductName)
		sum += item.PriceCents * int64(item.Quantity)
	}
	assert.Equal(t, loaded.SubtotalCents, sum)
}

func TestCreateOrderItemFailureLeavesNoOrder(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	orders := store.NewOrderStore(db)

	// quantity 0 violates the order_items check constraint
	_, err := orders.Create(ctx, store.CreateOrderRequest{
		Shipping: testAddress(),
		Items:    []models.CartItem{{ProductID: 1, Name: "Broken", PriceCents: 100, Quantity: 0}},
	})
	require.Error(t, err)

	var count int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders`).Scan(&count))
	assert.Zero(t, count)
}

func TestTransitionStatusIsMonotonic(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	orders := store.NewOrderStore(db)
	order := createTestOrder(t, ctx, orders, models.CartItem{ProductID: 1, Name: "Lolly", PriceCents: 100, Quantity: 1})

	result, err := orders.TransitionStatus(ctx, order.ID, models.OrderStatusPaid)
	require.NoError(t, err)
	assert.Equal(t, store.TransitionApplied, result)

	result, err = orders.TransitionStatus(ctx, order.ID, models.OrderStatusPaid)
	require.NoError(t, err)
	assert.Equal(t, store.TransitionUnchanged, result)

	result, err = orders.TransitionStatus(ctx, order.ID, models.OrderStatusFailed)
	require.NoError(t, err)
	assert.Equal(t, store.TransitionRejected, result)

	_, err = orders.TransitionStatus(ctx, order.ID, models.OrderStatusPending)
	assert.ErrorIs(t, err, database.ErrInvalidTransition)

	loaded, err := orders.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPaid, loaded.Status)

	_, err = orders.TransitionStatus(ctx, uuid.New(), models.OrderStatusPaid)
	assert.ErrorIs(t, err, database.ErrOrderNotFound)
}

func TestApplyEventIsIdempotent(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	orders := store.NewOrderStore(db)
	order := createTestOrder(t, ctx, orders, models.CartItem{ProductID: 1, Name: "Fudge", PriceCents: 250, Quantity: 4})

	event := store.WebhookEvent{
		Provider: "stripe",
		EventID:  "evt_1",
		Type:     "checkout.session.completed",
		OrderID:  order.ID,
		Status:   models.OrderStatusPaid,
	}

	result, duplicate, err := orders.ApplyEvent(ctx, event)
	require.NoError(t, err)
	assert.False(t, duplicate)
	assert.Equal(t, store.TransitionApplied, result)

	_, duplicate, err = orders.ApplyEvent(ctx, event)
	require.NoError(t, err)
	assert.True(t, duplicate)

	loaded, err := orders.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPaid, loaded.Status)
}

func TestConcurrentEventsApplyOnce(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	orders := store.NewOrderStore(db)
	order := createTestOrder(t, ctx, orders, models.CartItem{ProductID: 1, Name: "Toffee", PriceCents: 120, Quantity: 1})

	const deliveries = 5
	var wg sync.WaitGroup
	results := make(chan store.TransitionResult, deliveries)

	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, duplicate, err := orders.ApplyEvent(ctx, store.WebhookEvent{
				Provider: "stripe",
				EventID:  "evt_race",
				Type:     "checkout.session.completed",
				OrderID:  order.ID,
				Status:   models.OrderStatusPaid,
			})
			if err == nil && !duplicate {
				results <- result
			}
		}()
	}

	wg.Wait()
	close(results)

	applied := 0
	for result := range results {
		if result == store.TransitionApplied {
			applied++
		}
	}
	assert.Equal(t, 1, applied)
}

func TestGetBySession(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	orders := store.NewOrderStore(db)
	order := createTestOrder(t, ctx, orders, models.CartItem{ProductID: 1, Name: "Nougat", PriceCents: 300, Quantity: 1})

	require.NoError(t, orders.AttachPaymentSession(ctx, order.ID, "sumup", "chk_123"))

	found, err := orders.GetBySession(ctx, "sumup", "chk_123")
	require.NoError(t, err)
	assert.Equal(t, order.ID, found.ID)
	require.NotNil(t, found.PaymentSessionID)
	assert.Equal(t, "chk_123", *found.PaymentSessionID)

	_, err = orders.GetBySession(ctx, "stripe", "chk_123")
	assert.ErrorIs(t, err, database.ErrOrderNotFound)

	assert.ErrorIs(t, orders.AttachPaymentSession(ctx, uuid.New(), "sumup", "x"), database.ErrOrderNotFound)

	other := createTestOrder(t, ctx, orders, models.CartItem{ProductID: 2, Name: "Toffee", PriceCents: 150, Quantity: 1})
	assert.ErrorIs(t, orders.AttachPaymentSession(ctx, other.ID, "sumup", "chk_123"), database.ErrSessionTaken)
}

func TestClaimCartClearOnlyOnce(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	orders := store.NewOrderStore(db)
	order := createTestOrder(t, ctx, orders, models.CartItem{ProductID: 1, Name: "Fudge", PriceCents: 250, Quantity: 1})

	claimed, err := orders.ClaimCartClear(ctx, order.ID)
	require.NoError(t, err)
	assert.False(t, claimed, "pending orders keep their cart")

	_, err = orders.TransitionStatus(ctx, order.ID, models.OrderStatusPaid)
	require.NoError(t, err)

	claimed, err = orders.ClaimCartClear(ctx, order.ID)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = orders.ClaimCartClear(ctx, order.ID)
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestListOrdersCursor(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	orders := store.NewOrderStore(db)

	created := make([]*models.Order, 5)
	for i := range created {
		created[i] = createTestOrder(t, ctx, orders, models.CartItem{ProductID: int64(i + 1), Name: "Candy", PriceCents: 100, Quantity: 1})
	}
	_, err := orders.TransitionStatus(ctx, created[0].ID, models.OrderStatusPaid)
	require.NoError(t, err)

	seen := map[uuid.UUID]bool{}
	cursor := ""
	for {
		page, err := orders.ListCursor(ctx, "", cursor, 2)
		require.NoError(t, err)
		for _, order := range page.Items.([]models.Order) {
			assert.False(t, seen[order.ID], "order listed twice")
			assert.Len(t, order.Items, 1)
			seen[order.ID] = true
		}
		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}
	assert.Len(t, seen, 5)

	paid, err := orders.ListCursor(ctx, models.OrderStatusPaid, "", 10)
	require.NoError(t, err)
	paidOrders := paid.Items.([]models.Order)
	require.Len(t, paidOrders, 1)
	assert.Equal(t, created[0].ID, paidOrders[0].ID)
}

func TestDeleteOrderRemovesItems(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	orders := store.NewOrderStore(db)
	order := createTestOrder(t, ctx, orders,
		models.CartItem{ProductID: 1, Name: "A", PriceCents: 100, Quantity: 1},
		models.CartItem{ProductID: 2, Name: "B", PriceCents: 200, Quantity: 2},
	)

	require.NoError(t, orders.Delete(ctx, order.ID))

	_, err := orders.Get(ctx, order.ID)
	assert.ErrorIs(t, err, database.ErrOrderNotFound)

	var items int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM order_items WHERE order_id = $1`, order.ID).Scan(&items))
	assert.Zero(t, items)

	assert.ErrorIs(t, orders.Delete(ctx, order.ID), database.ErrOrderNotFound)
}

func TestExpireNextPending(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	orders := store.NewOrderStore(db)
	stale := createTestOrder(t, ctx, orders, models.CartItem{ProductID: 1, Name: "Old", PriceCents: 100, Quantity: 1})
	paid := createTestOrder(t, ctx, orders, models.CartItem{ProductID: 1, Name: "Paid", PriceCents: 100, Quantity: 1})
	_, err := orders.TransitionStatus(ctx, paid.ID, models.OrderStatusPaid)
	require.NoError(t, err)

	cutoff := time.Now().Add(time.Hour)

	expired, err := orders.ExpireNextPending(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, stale.ID, expired.ID)
	assert.Equal(t, models.OrderStatusFailed, expired.Status)

	_, err = orders.ExpireNextPending(ctx, cutoff)
	assert.ErrorIs(t, err, database.ErrOrderNotFound)

	loaded, err := orders.Get(ctx, paid.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPaid, loaded.Status)
}

func TestMetrics(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	products := store.NewProductStore(db)
	orders := store.NewOrderStore(db)

	lolly, err := products.Create(ctx, store.ProductInput{Name: "Lolly", PriceCents: 150, Stock: 10})
	require.NoError(t, err)

	paid := createTestOrder(t, ctx, orders, models.CartItem{ProductID: lolly.ID, Name: "Lolly", PriceCents: 150, Quantity: 3})
	createTestOrder(t, ctx, orders, models.CartItem{ProductID: lolly.ID, Name: "Lolly", PriceCents: 150, Quantity: 9})
	_, err = orders.TransitionStatus(ctx, paid.ID, models.OrderStatusPaid)
	require.NoError(t, err)

	metrics, err := orders.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), metrics.TotalProducts)
	assert.Equal(t, int64(2), metrics.TotalOrders)
	assert.Equal(t, int64(450), metrics.RevenueCents)
	require.NotNil(t, metrics.BestSeller)
	assert.Equal(t, lolly.ID, metrics.BestSeller.ProductID)
	assert.Equal(t, int64(3), metrics.BestSeller.Quantity)
}
