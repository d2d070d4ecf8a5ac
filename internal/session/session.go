// Package session resolves who is making a request: a signed-in user, a
// guest holding a device token, or nobody.
package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/safar/candy-planet/internal/apperr"
)

type Kind int

const (
	Anonymous Kind = iota
	Guest
	User
)

func (k Kind) String() string {
	switch k {
	case Guest:
		return "guest"
	case User:
		return "user"
	}
	return "anonymous"
}

type Principal struct {
	Kind       Kind
	UserID     string
	Email      string
	GuestToken string
}

// OwnerKey scopes carts and orders. Anonymous principals have none.
func (p Principal) OwnerKey() string {
	switch p.Kind {
	case User:
		return "user:" + p.UserID
	case Guest:
		return "guest:" + p.GuestToken
	}
	return ""
}

func (p Principal) IsAnonymous() bool {
	return p.Kind == Anonymous
}

type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

type Resolver struct {
	secret []byte
}

func NewResolver(secret string) *Resolver {
	return &Resolver{secret: []byte(secret)}
}

// Resolve builds the principal from the Authorization header and the guest
// token header. A bearer token that is present but invalid is an error
// rather than a silent fall back to guest.
func (r *Resolver) Resolve(authorization, guestToken string) (Principal, error) {
	const op = "session.Resolve"

	if authorization != "" {
		raw, ok := strings.CutPrefix(authorization, "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			return Principal{}, apperr.New(apperr.KindUnauthorized, op, "Malformed authorization header")
		}
		claims, err := r.parse(strings.TrimSpace(raw))
		if err != nil {
			return Principal{}, apperr.New(apperr.KindUnauthorized, op, "Invalid or expired token")
		}
		return Principal{Kind: User, UserID: claims.Subject, Email: claims.Email}, nil
	}

	if guestToken != "" {
		if !ValidGuestToken(guestToken) {
			return Principal{}, apperr.New(apperr.KindUnauthorized, op, "Invalid guest token")
		}
		return Principal{Kind: Guest, GuestToken: strings.ToLower(guestToken)}, nil
	}

	return Principal{Kind: Anonymous}, nil
}

func (r *Resolver) parse(raw string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return r.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

// Issue signs a token for userID. The auth service normally does this; it is
// kept here for tooling and tests.
func (r *Resolver) Issue(userID, email string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
}

func NewGuestToken() string {
	return uuid.NewString()
}

func ValidGuestToken(token string) bool {
	_, err := uuid.Parse(token)
	return err == nil && len(token) == 36
}
