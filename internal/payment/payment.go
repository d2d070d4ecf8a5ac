// Package payment talks to the hosted checkout providers. Each provider
// creates a checkout session for an order and can later be asked what became
// of it; only the provider's answer decides whether an order is paid.
package payment

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/safar/candy-planet/internal/apperr"
	"github.com/safar/candy-planet/internal/money"
)

type SessionRequest struct {
	OrderID       uuid.UUID
	AmountMinor   int64
	Currency      string
	Description   string
	CustomerEmail string
}

type Session struct {
	ID  string
	URL string
}

type Status string

const (
	StatusPaid    Status = "paid"
	StatusPending Status = "pending"
	StatusFailed  Status = "failed"
)

// SessionStatus is a provider's view of a checkout session.
type SessionStatus struct {
	SessionID     string
	OrderID       string
	Status        Status
	RawStatus     string
	AmountMinor   int64
	Currency      string
	CustomerEmail string
}

type Provider interface {
	Name() string
	CreateSession(ctx context.Context, req SessionRequest) (*Session, error)
	RetrieveSession(ctx context.Context, sessionID string) (*SessionStatus, error)
}

// Outcome is what a provider event means for its order.
type Outcome int

const (
	OutcomeIgnored Outcome = iota
	OutcomePaid
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomePaid:
		return "paid"
	case OutcomeFailed:
		return "failed"
	}
	return "ignored"
}

// Event is a verified provider notification reduced to what reconciliation needs.
type Event struct {
	Provider  string
	ID        string
	Type      string
	OrderID   string
	SessionID string
	Outcome   Outcome
}

func validateRequest(op string, req SessionRequest) error {
	var problems []string
	if req.OrderID == uuid.Nil {
		problems = append(problems, "order id is required")
	}
	if req.AmountMinor <= 0 {
		problems = append(problems, "amount must be positive")
	}
	if !money.ValidCurrency(req.Currency) {
		problems = append(problems, "currency must be "+money.Currency)
	}
	if len(problems) > 0 {
		return apperr.Validation(op, strings.Join(problems, "; "))
	}
	return nil
}

func description(req SessionRequest) string {
	if strings.TrimSpace(req.Description) != "" {
		return req.Description
	}
	return "Candy Planet order " + req.OrderID.String()
}
