package models

import (
	"time"

	"github.com/google/uuid"
)

type Product struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Category    *string   `json:"category"`
	PriceCents  int64     `json:"price_cents"`
	Image       string    `json:"image"`
	Description string    `json:"description,omitempty"`
	Stock       int       `json:"stock"`
	Featured    bool      `json:"featured"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Version     int       `json:"version"`
}

// CartItem is a denormalized snapshot of a product taken when it was added.
type CartItem struct {
	ProductID  int64  `json:"product_id"`
	Name       string `json:"name"`
	PriceCents int64  `json:"price_cents"`
	Quantity   int    `json:"quantity"`
	ImageURL   string `json:"image_url,omitempty"`
}

func (i CartItem) LineTotal() int64 {
	return i.PriceCents * int64(i.Quantity)
}

type ShippingAddress struct {
	FullName   string `json:"full_name"`
	Address1   string `json:"address1"`
	Address2   string `json:"address2,omitempty"`
	City       string `json:"city"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

type OrderStatus string

const (
	OrderStatusPending OrderStatus = "pending"
	OrderStatusPaid    OrderStatus = "paid"
	OrderStatusFailed  OrderStatus = "failed"
)

// CanTransition reports whether an order may move from s to next.
// Re-applying the current status is allowed so status updates stay idempotent.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	if s == next {
		return true
	}
	return s == OrderStatusPending && (next == OrderStatusPaid || next == OrderStatusFailed)
}

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusPaid, OrderStatusFailed:
		return true
	}
	return false
}

type Order struct {
	ID               uuid.UUID       `json:"id"`
	UserID           *string         `json:"user_id"`
	GuestToken       *string         `json:"guest_token,omitempty"`
	Status           OrderStatus     `json:"status"`
	SubtotalCents    int64           `json:"subtotal_cents"`
	Shipping         ShippingAddress `json:"shipping_address"`
	PaymentProvider  *string         `json:"payment_provider,omitempty"`
	PaymentSessionID *string         `json:"payment_session_id,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	Items            []OrderItem     `json:"items,omitempty"`
}

type OrderItem struct {
	ID          int64     `json:"id"`
	OrderID     uuid.UUID `json:"order_id"`
	ProductID   int64     `json:"product_id"`
	ProductName string    `json:"product_name"`
	Quantity    int       `json:"quantity"`
	PriceCents  int64     `json:"price_cents"`
	CreatedAt   time.Time `json:"created_at"`
}

type Role string

const (
	RoleCustomer Role = "customer"
	RoleAdmin    Role = "admin"
)

type Profile struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Metrics struct {
	TotalProducts int64       `json:"total_products"`
	TotalOrders   int64       `json:"total_orders"`
	RevenueCents  int64       `json:"revenue_cents"`
	BestSeller    *BestSeller `json:"best_seller,omitempty"`
}

type BestSeller struct {
	ProductID int64  `json:"product_id"`
	Name      string `json:"name"`
	Quantity  int64  `json:"quantity"`
}
