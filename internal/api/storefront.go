package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/safar/candy-planet/internal/apperr"
	"github.com/safar/candy-planet/internal/cart"
	"github.com/safar/candy-planet/internal/models"
	"github.com/safar/candy-planet/internal/session"
)

func (s *Server) ListProducts(c echo.Context) error {
	page, pageSize := pageParams(c)
	result, err := s.Catalog.List(c.Request().Context(), c.QueryParam("category"), page, pageSize)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) GetProduct(c echo.Context) error {
	id, err := int64Param(c, "api.GetProduct", "id")
	if err != nil {
		return err
	}
	product, err := s.Catalog.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, product)
}

func (s *Server) ListCategories(c echo.Context) error {
	categories, err := s.Catalog.Categories(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"categories": categories})
}

func (s *Server) NewGuestToken(c echo.Context) error {
	return c.JSON(http.StatusCreated, map[string]string{"guestToken": session.NewGuestToken()})
}

// Me reports who the caller is. Signed-in users get a profile on first call.
func (s *Server) Me(c echo.Context) error {
	principal := principalFrom(c)
	body := map[string]interface{}{"kind": principal.Kind.String()}

	if principal.Kind == session.User {
		profile, err := s.Profiles.Ensure(c.Request().Context(), principal.UserID, principal.Email)
		if err != nil {
			return storeError("api.Me", err)
		}
		body["profile"] = profile
	}
	return c.JSON(http.StatusOK, body)
}

type cartView struct {
	Items         []models.CartItem `json:"items"`
	SubtotalCents int64             `json:"subtotalCents"`
}

func viewOf(c *cart.Cart) cartView {
	return cartView{Items: c.Items(), SubtotalCents: c.Subtotal()}
}

// cartFor returns the caller's cart. Anonymous callers have none.
func (s *Server) cartFor(c echo.Context, op string) (*cart.Cart, error) {
	principal := principalFrom(c)
	if principal.IsAnonymous() {
		return nil, apperr.New(apperr.KindUnauthorized, op, "Sign in or use a guest token")
	}
	return s.Carts.Cart(c.Request().Context(), principal.OwnerKey()), nil
}

func (s *Server) GetCart(c echo.Context) error {
	owned, err := s.cartFor(c, "api.GetCart")
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, viewOf(owned))
}

type addItemRequest struct {
	ProductID int64 `json:"productId"`
	Quantity  int   `json:"quantity"`
}

// AddCartItem snapshots the product's current name, price and image into the cart.
func (s *Server) AddCartItem(c echo.Context) error {
	const op = "api.AddCartItem"
	owned, err := s.cartFor(c, op)
	if err != nil {
		return err
	}

	var req addItemRequest
	if err := bind(c, op, &req); err != nil {
		return err
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}

	ctx := c.Request().Context()
	product, err := s.Catalog.Get(ctx, req.ProductID)
	if err != nil {
		return err
	}

	if _, err := owned.Add(ctx, models.CartItem{
		ProductID:  product.ID,
		Name:       product.Name,
		PriceCents: product.PriceCents,
		ImageURL:   product.Image,
	}, req.Quantity); err != nil {
		return err
	}

	return c.JSON(http.StatusOK, viewOf(owned))
}

func (s *Server) UpdateCartItem(c echo.Context) error {
	const op = "api.UpdateCartItem"
	owned, err := s.cartFor(c, op)
	if err != nil {
		return err
	}
	productID, err := int64Param(c, op, "productId")
	if err != nil {
		return err
	}

	var req struct {
		Quantity int `json:"quantity"`
	}
	if err := bind(c, op, &req); err != nil {
		return err
	}

	if _, err := owned.UpdateQuantity(c.Request().Context(), productID, req.Quantity); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, viewOf(owned))
}

func (s *Server) RemoveCartItem(c echo.Context) error {
	const op = "api.RemoveCartItem"
	owned, err := s.cartFor(c, op)
	if err != nil {
		return err
	}
	productID, err := int64Param(c, op, "productId")
	if err != nil {
		return err
	}

	owned.Remove(c.Request().Context(), productID)
	return c.JSON(http.StatusOK, viewOf(owned))
}

func (s *Server) ClearCart(c echo.Context) error {
	owned, err := s.cartFor(c, "api.ClearCart")
	if err != nil {
		return err
	}
	owned.Clear(c.Request().Context())
	return c.NoContent(http.StatusNoContent)
}
