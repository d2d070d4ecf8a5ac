package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/safar/candy-planet/internal/apperr"
	"github.com/safar/candy-planet/internal/config"
	"github.com/stripe/stripe-go/v80"
	"github.com/stripe/stripe-go/v80/checkout/session"
	"github.com/stripe/stripe-go/v80/webhook"
)

const (
	EventCheckoutCompleted     = "checkout.session.completed"
	EventAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
	EventAsyncPaymentFailed    = "checkout.session.async_payment_failed"
	EventCheckoutExpired       = "checkout.session.expired"
	EventPaymentIntentFailed   = "payment_intent.payment_failed"
)

const (
	orderIDMetadataKey         = "order_id"
	stripeSessionIDPlaceholder = "{CHECKOUT_SESSION_ID}"
)

var shippingCountries = []string{
	"AT", "BE", "BG", "CY", "CZ", "DE", "DK", "EE", "ES", "FI", "FR", "GR", "HR", "HU",
	"IE", "IT", "LT", "LU", "LV", "MT", "NL", "PL", "PT", "RO", "SE", "SI", "SK",
}

type Stripe struct {
	sessions      *session.Client
	webhookSecret string
	baseURL       string
}

// NewStripe builds the Stripe provider. backend may be nil to use Stripe's
// API; tests pass a backend pointed at a local server.
func NewStripe(cfg config.StripeConfig, publicBaseURL string, backend stripe.Backend) (*Stripe, error) {
	if cfg.SecretKey == "" {
		return nil, apperr.Configuration("payment.NewStripe", "STRIPE_SECRET_KEY is not set")
	}
	if backend == nil {
		backend = stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
			MaxNetworkRetries: stripe.Int64(0),
		})
	}

	return &Stripe{
		sessions:      &session.Client{B: backend, Key: cfg.SecretKey},
		webhookSecret: cfg.WebhookSecret,
		baseURL:       strings.TrimRight(publicBaseURL, "/"),
	}, nil
}

func (s *Stripe) Name() string {
	return config.ProviderStripe
}

func (s *Stripe) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	const op = "stripe.CreateSession"
	if err := validateRequest(op, req); err != nil {
		return nil, err
	}

	orderID := req.OrderID.String()
	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(strings.ToLower(req.Currency)),
					UnitAmount: stripe.Int64(req.AmountMinor),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(description(req)),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:               stripe.String(s.baseURL + "/thank-you?session_id=" + stripeSessionIDPlaceholder),
		CancelURL:                stripe.String(s.baseURL + "/cancel"),
		BillingAddressCollection: stripe.String(string(stripe.CheckoutSessionBillingAddressCollectionRequired)),
		ShippingAddressCollection: &stripe.CheckoutSessionShippingAddressCollectionParams{
			AllowedCountries: stripe.StringSlice(shippingCountries),
		},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: map[string]string{orderIDMetadataKey: orderID},
		},
		ClientReferenceID: stripe.String(orderID),
	}
	if req.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}
	params.AddMetadata(orderIDMetadataKey, orderID)
	params.Context = ctx

	cs, err := s.sessions.New(params)
	if err != nil {
		return nil, apperr.PaymentProvider(op, stripeError(err))
	}

	return &Session{ID: cs.ID, URL: cs.URL}, nil
}

func (s *Stripe) RetrieveSession(ctx context.Context, sessionID string) (*SessionStatus, error) {
	const op = "stripe.RetrieveSession"
	if strings.TrimSpace(sessionID) == "" {
		return nil, apperr.Validation(op, "Missing session_id parameter")
	}

	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx

	cs, err := s.sessions.Get(sessionID, params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == 404 {
			return nil, apperr.NotFound(op, "Session not found")
		}
		return nil, apperr.PaymentProvider(op, stripeError(err))
	}

	return sessionStatus(cs), nil
}

func sessionStatus(cs *stripe.CheckoutSession) *SessionStatus {
	status := &SessionStatus{
		SessionID:   cs.ID,
		OrderID:     cs.Metadata[orderIDMetadataKey],
		RawStatus:   string(cs.PaymentStatus),
		AmountMinor: cs.AmountTotal,
		Currency:    strings.ToUpper(string(cs.Currency)),
	}
	if cs.CustomerDetails != nil {
		status.CustomerEmail = cs.CustomerDetails.Email
	}

	switch {
	case cs.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid:
		status.Status = StatusPaid
	case cs.Status == stripe.CheckoutSessionStatusExpired:
		status.Status = StatusFailed
	default:
		status.Status = StatusPending
	}
	return status
}

// ParseWebhook verifies the Stripe-Signature header over the raw payload and
// maps the event to an outcome for its order.
func (s *Stripe) ParseWebhook(payload []byte, signature string) (*Event, error) {
	const op = "stripe.ParseWebhook"
	if s.webhookSecret == "" {
		return nil, apperr.Configuration(op, "STRIPE_WEBHOOK_SECRET is not set")
	}
	if signature == "" {
		return nil, apperr.Validation(op, "Missing stripe-signature header")
	}

	evt, err := webhook.ConstructEventWithOptions(payload, signature, s.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, &apperr.Error{Kind: apperr.KindValidation, Op: op, Msg: "Webhook signature verification failed", Err: err}
	}

	event := &Event{Provider: config.ProviderStripe, ID: evt.ID, Type: string(evt.Type)}

	switch event.Type {
	case EventCheckoutCompleted, EventAsyncPaymentSucceeded, EventAsyncPaymentFailed, EventCheckoutExpired:
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(evt.Data.Raw, &cs); err != nil {
			return nil, apperr.Validation(op, fmt.Sprintf("Malformed %s payload", event.Type))
		}
		event.SessionID = cs.ID
		event.OrderID = cs.Metadata[orderIDMetadataKey]
		if event.OrderID == "" {
			event.OrderID = cs.ClientReferenceID
		}
		switch event.Type {
		case EventCheckoutCompleted:
			if cs.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid {
				event.Outcome = OutcomePaid
			}
		case EventAsyncPaymentSucceeded:
			event.Outcome = OutcomePaid
		default:
			event.Outcome = OutcomeFailed
		}

	case EventPaymentIntentFailed:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(evt.Data.Raw, &pi); err != nil {
			return nil, apperr.Validation(op, fmt.Sprintf("Malformed %s payload", event.Type))
		}
		// a declined attempt leaves the hosted checkout open for a retry; the
		// order only fails through async_payment_failed or expired
		event.OrderID = pi.Metadata[orderIDMetadataKey]
	}

	return event, nil
}

func stripeError(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && stripeErr.Msg != "" {
		return fmt.Errorf("stripe: %s", stripeErr.Msg)
	}
	return err
}
