package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/safar/candy-planet/internal/apperr"
	"github.com/safar/candy-planet/internal/models"
	"github.com/safar/candy-planet/internal/money"
	"github.com/safar/candy-planet/internal/store"
	"github.com/shopspring/decimal"
)

const (
	defaultOrderPageSize = 20
	maxOrderPageSize     = 100
)

func (s *Server) ListOrders(c echo.Context) error {
	const op = "api.ListOrders"

	cursor := c.QueryParam("cursor")
	if _, err := store.DecodeCursor(cursor); err != nil {
		return apperr.Validation(op, "Invalid cursor")
	}

	status := models.OrderStatus(c.QueryParam("status"))
	if status != "" && !status.Valid() {
		return apperr.Validation(op, "Invalid status "+strconv.Quote(string(status)))
	}

	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit < 1 || limit > maxOrderPageSize {
		limit = defaultOrderPageSize
	}

	page, err := s.Orders.ListCursor(c.Request().Context(), status, cursor, limit)
	if err != nil {
		return storeError(op, err)
	}
	return c.JSON(http.StatusOK, page)
}

func (s *Server) GetOrder(c echo.Context) error {
	const op = "api.GetOrder"
	id, err := uuidParam(c, op, "id")
	if err != nil {
		return err
	}
	order, err := s.Orders.Get(c.Request().Context(), id)
	if err != nil {
		return storeError(op, err)
	}
	return c.JSON(http.StatusOK, order)
}

// DeleteOrder removes an order together with its items.
func (s *Server) DeleteOrder(c echo.Context) error {
	const op = "api.DeleteOrder"
	id, err := uuidParam(c, op, "id")
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	if err := s.Orders.Delete(ctx, id); err != nil {
		return storeError(op, err)
	}

	principal := principalFrom(c)
	s.Logger.Info().Str("order_id", id.String()).Str("admin", principal.UserID).Msg("Order deleted")
	s.Audit.Record(ctx, "order.deleted", id.String(), map[string]interface{}{"admin": principal.UserID})

	return c.NoContent(http.StatusNoContent)
}

func (s *Server) OrderAudit(c echo.Context) error {
	const op = "api.OrderAudit"
	id, err := uuidParam(c, op, "id")
	if err != nil {
		return err
	}

	entries, err := s.Audit.History(c.Request().Context(), id.String(), 100)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, op, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"entries": entries})
}

func (s *Server) Metrics(c echo.Context) error {
	metrics, err := s.Orders.Metrics(c.Request().Context())
	if err != nil {
		return storeError("api.Metrics", err)
	}
	return c.JSON(http.StatusOK, metrics)
}

// productRequest takes the price in euros, as typed in the back office.
type productRequest struct {
	Name        string          `json:"name"`
	Category    *string         `json:"category"`
	Price       decimal.Decimal `json:"price"`
	Image       string          `json:"image"`
	Description string          `json:"description"`
	Stock       int             `json:"stock"`
	Featured    bool            `json:"featured"`
	Version     int             `json:"version"`
}

func (r productRequest) input() store.ProductInput {
	return store.ProductInput{
		Name:        r.Name,
		Category:    r.Category,
		PriceCents:  money.ToMinorUnits(r.Price),
		Image:       r.Image,
		Description: r.Description,
		Stock:       r.Stock,
		Featured:    r.Featured,
	}
}

func (s *Server) CreateProduct(c echo.Context) error {
	var req productRequest
	if err := bind(c, "api.CreateProduct", &req); err != nil {
		return err
	}
	product, err := s.Catalog.Create(c.Request().Context(), req.input())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, product)
}

func (s *Server) UpdateProduct(c echo.Context) error {
	const op = "api.UpdateProduct"
	id, err := int64Param(c, op, "id")
	if err != nil {
		return err
	}

	var req productRequest
	if err := bind(c, op, &req); err != nil {
		return err
	}
	if req.Version < 1 {
		return apperr.Validation(op, "version is required")
	}

	product, err := s.Catalog.Update(c.Request().Context(), id, req.Version, req.input())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, product)
}

func (s *Server) DeleteProduct(c echo.Context) error {
	id, err := int64Param(c, "api.DeleteProduct", "id")
	if err != nil {
		return err
	}
	if err := s.Catalog.Delete(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) ListUsers(c echo.Context) error {
	page, pageSize := pageParams(c)
	result, err := s.Profiles.List(c.Request().Context(), page, pageSize)
	if err != nil {
		return storeError("api.ListUsers", err)
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) SetUserRole(c echo.Context) error {
	const op = "api.SetUserRole"

	var req struct {
		Role models.Role `json:"role"`
	}
	if err := bind(c, op, &req); err != nil {
		return err
	}
	if req.Role != models.RoleAdmin && req.Role != models.RoleCustomer {
		return apperr.Validation(op, "role must be admin or customer")
	}

	id := c.Param("id")
	principal := principalFrom(c)
	if id == principal.UserID && req.Role != models.RoleAdmin {
		return apperr.New(apperr.KindConflict, op, "Admins cannot remove their own admin role")
	}

	ctx := c.Request().Context()
	profile, err := s.Profiles.SetRole(ctx, id, req.Role)
	if err != nil {
		return storeError(op, err)
	}

	s.Audit.Record(ctx, "profile.role_changed", id, map[string]interface{}{
		"role":  string(req.Role),
		"admin": principal.UserID,
	})
	return c.JSON(http.StatusOK, profile)
}
