package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/safar/candy-planet/internal/config"
)

// Register mounts every route on e. checkoutLimit guards order placement.
func (s *Server) Register(e *echo.Echo, checkoutLimit echo.MiddlewareFunc) {
	e.HTTPErrorHandler = s.ErrorHandler
	// before routing, so preflight requests for any path are answered
	e.Pre(CORS())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":  "ok",
			"service": "candy-planet",
			"time":    time.Now().Format(time.RFC3339),
		})
	})

	api := e.Group("/api", s.Session())

	api.GET("/products", s.ListProducts)
	api.GET("/products/:id", s.GetProduct)
	api.GET("/categories", s.ListCategories)
	api.POST("/guest-token", s.NewGuestToken)
	api.GET("/me", s.Me)

	api.GET("/cart", s.GetCart)
	api.DELETE("/cart", s.ClearCart)
	api.POST("/cart/items", s.AddCartItem)
	api.PUT("/cart/items/:productId", s.UpdateCartItem)
	api.DELETE("/cart/items/:productId", s.RemoveCartItem)

	api.POST("/checkout", s.Checkout, checkoutLimit)
	api.GET("/checkout/result", s.CheckoutResult)

	api.POST("/stripe/create-checkout-session", s.createSession(config.ProviderStripe))
	api.POST("/stripe/webhook", s.StripeWebhook)
	api.GET("/stripe/verify-session", s.VerifySession)
	api.POST("/sumup/checkout", s.createSession(config.ProviderSumUp))
	api.POST("/sumup/webhook", s.SumUpWebhook)

	admin := api.Group("/admin", s.RequireAdmin())
	admin.GET("/orders", s.ListOrders)
	admin.GET("/orders/:id", s.GetOrder)
	admin.DELETE("/orders/:id", s.DeleteOrder)
	admin.GET("/orders/:id/audit", s.OrderAudit)
	admin.GET("/metrics", s.Metrics)
	admin.POST("/products", s.CreateProduct)
	admin.PUT("/products/:id", s.UpdateProduct)
	admin.DELETE("/products/:id", s.DeleteProduct)
	admin.GET("/users", s.ListUsers)
	admin.PUT("/users/:id/role", s.SetUserRole)
}
