package api

import (
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/safar/candy-planet/internal/apperr"
	"github.com/safar/candy-planet/internal/models"
	"github.com/safar/candy-planet/internal/money"
	"github.com/safar/candy-planet/internal/reconcile"
)

const maxWebhookBody = 1 << 16

func (s *Server) Checkout(c echo.Context) error {
	const op = "api.Checkout"

	var req struct {
		Shipping models.ShippingAddress `json:"shipping"`
	}
	if err := bind(c, op, &req); err != nil {
		return err
	}

	result, err := s.Deps.Checkout.Checkout(c.Request().Context(), principalFrom(c), req.Shipping)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, map[string]interface{}{
		"success":       true,
		"orderId":       result.OrderID,
		"subtotalCents": result.SubtotalCents,
		"provider":      result.Provider,
		"sessionId":     result.SessionID,
		"sessionUrl":    result.SessionURL,
	})
}

type createSessionRequest struct {
	OrderID     string `json:"orderId"`
	Amount      *int64 `json:"amount"`
	Currency    string `json:"currency"`
	ProductName string `json:"productName"`
}

// createSession opens a provider session for an existing pending order.
func (s *Server) createSession(provider string) echo.HandlerFunc {
	return func(c echo.Context) error {
		const op = "api.createSession"

		var req createSessionRequest
		if err := bind(c, op, &req); err != nil {
			return err
		}

		orderID, err := uuid.Parse(strings.TrimSpace(req.OrderID))
		if err != nil {
			return apperr.Validation(op, "Invalid request: orderId and positive amount required")
		}
		if req.Amount != nil && *req.Amount <= 0 {
			return apperr.Validation(op, "Invalid request: orderId and positive amount required")
		}
		if req.Currency != "" && !money.ValidCurrency(req.Currency) {
			return apperr.Validation(op, "Currency must be "+money.Currency)
		}

		sess, err := s.Deps.Checkout.StartSession(c.Request().Context(), principalFrom(c), provider, orderID, req.Amount, req.ProductName)
		if err != nil {
			return err
		}

		return c.JSON(http.StatusOK, map[string]interface{}{
			"success":    true,
			"sessionUrl": sess.URL,
			"sessionId":  sess.ID,
		})
	}
}

// StripeWebhook answers 200 with a plain body once the event is handled or
// deliberately ignored.
func (s *Server) StripeWebhook(c echo.Context) error {
	payload, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody+1))
	if err != nil {
		return apperr.Validation("api.StripeWebhook", "Unreadable request body")
	}
	if len(payload) > maxWebhookBody {
		s.Logger.Warn().Int("limit_bytes", maxWebhookBody).Msg("Webhook payload too large")
		return c.JSON(http.StatusRequestEntityTooLarge, errorBody("Webhook payload too large"))
	}

	err = s.Reconciler.HandleStripeWebhook(c.Request().Context(), payload, c.Request().Header.Get(HeaderStripeSignature))
	if apperr.Is(err, apperr.KindConfiguration) {
		return c.JSON(http.StatusBadRequest, errorBody(apperr.Message(err)))
	}
	if err != nil {
		return err
	}
	return c.String(http.StatusOK, "OK")
}

// SumUpWebhook takes SumUp's checkout status notification. The body only
// names the checkout; its status is fetched from SumUp.
func (s *Server) SumUpWebhook(c echo.Context) error {
	const op = "api.SumUpWebhook"

	var req struct {
		EventType  string `json:"event_type"`
		ID         string `json:"id"`
		CheckoutID string `json:"checkout_id"`
	}
	if err := bind(c, op, &req); err != nil {
		return err
	}

	checkoutID := req.CheckoutID
	if checkoutID == "" {
		checkoutID = req.ID
	}

	if err := s.Reconciler.HandleSumUpNotification(c.Request().Context(), checkoutID); err != nil {
		return err
	}
	return c.String(http.StatusOK, "OK")
}

func (s *Server) VerifySession(c echo.Context) error {
	sessionID := c.QueryParam("session_id")
	if sessionID == "" {
		return apperr.Validation("api.VerifySession", "Missing session_id parameter")
	}

	v, err := s.Reconciler.VerifySession(c.Request().Context(), sessionID)
	if err != nil {
		if apperr.Is(err, apperr.KindPaymentNotCompleted) {
			return c.JSON(http.StatusBadRequest, errorBody("Payment not completed"))
		}
		return err
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"success": true,
		"session": map[string]interface{}{
			"id":             v.SessionID,
			"payment_status": v.PaymentStatus,
			"amount_total":   v.AmountMinor,
			"currency":       strings.ToLower(v.Currency),
			"customer_email": v.CustomerEmail,
			"order_id":       v.OrderID,
		},
	})
}

// CheckoutResult backs the post-payment landing pages.
func (s *Server) CheckoutResult(c echo.Context) error {
	result := s.Landing.Resolve(c.Request().Context(), reconcile.LandingParams{
		SessionID:         c.QueryParam("session_id"),
		CheckoutReference: c.QueryParam("checkout_reference"),
		Status:            c.QueryParam("status"),
	})
	return c.JSON(http.StatusOK, result)
}
