// Package api exposes the storefront over HTTP with echo.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/safar/candy-planet/internal/apperr"
	"github.com/safar/candy-planet/internal/audit"
	"github.com/safar/candy-planet/internal/cart"
	"github.com/safar/candy-planet/internal/checkout"
	"github.com/safar/candy-planet/internal/database"
	"github.com/safar/candy-planet/internal/models"
	"github.com/safar/candy-planet/internal/payment"
	"github.com/safar/candy-planet/internal/reconcile"
	"github.com/safar/candy-planet/internal/session"
	"github.com/safar/candy-planet/internal/store"
)

type Catalog interface {
	Get(ctx context.Context, id int64) (*models.Product, error)
	List(ctx context.Context, category string, page, pageSize int) (*store.OffsetPage, error)
	Categories(ctx context.Context) ([]string, error)
	Create(ctx context.Context, in store.ProductInput) (*models.Product, error)
	Update(ctx context.Context, id int64, version int, in store.ProductInput) (*models.Product, error)
	Delete(ctx context.Context, id int64) error
}

type Carts interface {
	Cart(ctx context.Context, owner string) *cart.Cart
}

type Checkout interface {
	Checkout(ctx context.Context, principal session.Principal, addr models.ShippingAddress) (*checkout.Result, error)
	StartSession(ctx context.Context, principal session.Principal, provider string, orderID uuid.UUID, amountMinor *int64, productName string) (*payment.Session, error)
}

type Reconciler interface {
	HandleStripeWebhook(ctx context.Context, payload []byte, signature string) error
	HandleSumUpNotification(ctx context.Context, checkoutID string) error
	VerifySession(ctx context.Context, sessionID string) (*reconcile.Verification, error)
}

type Landing interface {
	Resolve(ctx context.Context, params reconcile.LandingParams) *reconcile.LandingResult
}

type Orders interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Order, error)
	ListCursor(ctx context.Context, status models.OrderStatus, cursor string, limit int) (*store.CursorPage, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Metrics(ctx context.Context) (*models.Metrics, error)
}

type Profiles interface {
	Ensure(ctx context.Context, id, email string) (*models.Profile, error)
	Get(ctx context.Context, id string) (*models.Profile, error)
	List(ctx context.Context, page, pageSize int) (*store.OffsetPage, error)
	SetRole(ctx context.Context, id string, role models.Role) (*models.Profile, error)
}

type Deps struct {
	Catalog    Catalog
	Carts      Carts
	Checkout   Checkout
	Reconciler Reconciler
	Landing    Landing
	Orders     Orders
	Profiles   Profiles
	Audit      audit.Recorder
	Sessions   *session.Resolver
	Logger     zerolog.Logger
}

type Server struct {
	Deps
}

func NewServer(deps Deps) *Server {
	return &Server{Deps: deps}
}

// ErrorHandler renders every error as {"success": false, "error": msg}.
func (s *Server) ErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := apperr.HTTPStatus(err)
	msg := apperr.Message(err)

	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		msg = http.StatusText(he.Code)
		if m, ok := he.Message.(string); ok {
			msg = m
		}
	}

	if status >= http.StatusInternalServerError {
		s.Logger.Error().Err(err).Str("path", c.Request().URL.Path).Msg("Request failed")
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, errorBody(msg))
	}
	if err != nil {
		s.Logger.Error().Err(err).Msg("Write error response")
	}
}

func errorBody(msg string) map[string]interface{} {
	return map[string]interface{}{"success": false, "error": msg}
}

// storeError maps repository sentinels onto client-facing kinds.
func storeError(op string, err error) error {
	switch {
	case errors.Is(err, database.ErrOrderNotFound):
		return apperr.NotFound(op, "Order not found")
	case errors.Is(err, database.ErrProductNotFound):
		return apperr.NotFound(op, "Product not found")
	case errors.Is(err, database.ErrProfileNotFound):
		return apperr.NotFound(op, "User not found")
	case errors.Is(err, database.ErrOptimisticLockFailed):
		return apperr.New(apperr.KindConflict, op, "Record was modified concurrently")
	}
	return apperr.Wrap(apperr.KindInternal, op, err)
}

func bind(c echo.Context, op string, dest interface{}) error {
	if err := c.Bind(dest); err != nil {
		return apperr.Validation(op, "Invalid request body")
	}
	return nil
}

func pageParams(c echo.Context) (int, int) {
	page, _ := strconv.Atoi(c.QueryParam("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(c.QueryParam("page_size"))
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return page, pageSize
}

func int64Param(c echo.Context, op, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Validation(op, "Invalid "+name)
	}
	return id, nil
}

func uuidParam(c echo.Context, op, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, apperr.Validation(op, "Invalid "+name)
	}
	return id, nil
}
