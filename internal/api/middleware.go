package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/safar/candy-planet/internal/apperr"
	"github.com/safar/candy-planet/internal/database"
	"github.com/safar/candy-planet/internal/models"
	"github.com/safar/candy-planet/internal/session"
	"golang.org/x/time/rate"
)

const (
	HeaderGuestToken      = "X-Guest-Token"
	HeaderStripeSignature = "Stripe-Signature"

	principalKey = "principal"
)

var corsAllowHeaders = strings.Join([]string{
	echo.HeaderContentType,
	echo.HeaderAuthorization,
	HeaderGuestToken,
	HeaderStripeSignature,
}, ", ")

// CORS echoes the caller's Origin, or "*" when there is none, and answers
// preflight requests itself.
func CORS() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			origin := c.Request().Header.Get(echo.HeaderOrigin)
			h := c.Response().Header()
			if origin == "" {
				h.Set(echo.HeaderAccessControlAllowOrigin, "*")
			} else {
				h.Set(echo.HeaderAccessControlAllowOrigin, origin)
				h.Set(echo.HeaderAccessControlAllowCredentials, "true")
				h.Add(echo.HeaderVary, echo.HeaderOrigin)
			}
			h.Set(echo.HeaderAccessControlAllowMethods, "GET, POST, PUT, DELETE, OPTIONS")
			h.Set(echo.HeaderAccessControlAllowHeaders, corsAllowHeaders)

			if c.Request().Method == http.MethodOptions {
				return c.NoContent(http.StatusOK)
			}
			return next(c)
		}
	}
}

// Session resolves the caller once per request. A malformed bearer or guest
// token is rejected; no credentials at all means an anonymous principal.
func (s *Server) Session() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			principal, err := s.Sessions.Resolve(req.Header.Get(echo.HeaderAuthorization), req.Header.Get(HeaderGuestToken))
			if err != nil {
				return err
			}
			c.Set(principalKey, principal)
			return next(c)
		}
	}
}

func principalFrom(c echo.Context) session.Principal {
	p, _ := c.Get(principalKey).(session.Principal)
	return p
}

// RequireAdmin lets through signed-in users whose profile has the admin role.
func (s *Server) RequireAdmin() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			const op = "api.RequireAdmin"
			principal := principalFrom(c)
			if principal.Kind != session.User {
				return apperr.New(apperr.KindUnauthorized, op, "Sign in required")
			}

			profile, err := s.Profiles.Get(c.Request().Context(), principal.UserID)
			if err != nil && !errors.Is(err, database.ErrProfileNotFound) {
				return storeError(op, err)
			}
			if err != nil || profile.Role != models.RoleAdmin {
				return apperr.New(apperr.KindForbidden, op, "Admin access required")
			}
			return next(c)
		}
	}
}

// CheckoutRateLimit throttles order placement per caller.
func CheckoutRateLimit(perSecond float64, burst int) echo.MiddlewareFunc {
	limited := func(c echo.Context) error {
		return c.JSON(http.StatusTooManyRequests, errorBody("rate limit exceeded"))
	}
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Skipper: middleware.DefaultSkipper,
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(perSecond),
			Burst:     burst,
			ExpiresIn: 3 * time.Minute,
		}),
		IdentifierExtractor: func(c echo.Context) (string, error) {
			if owner := principalFrom(c).OwnerKey(); owner != "" {
				return owner, nil
			}
			return c.RealIP(), nil
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return limited(c)
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			return limited(c)
		},
	})
}
