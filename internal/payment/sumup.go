package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/safar/candy-planet/internal/apperr"
	"github.com/safar/candy-planet/internal/config"
	"github.com/safar/candy-planet/internal/money"
	"github.com/shopspring/decimal"
)

// SumUp uses hosted checkouts on the SumUp REST API. Notifications from
// SumUp are unsigned, so every status is re-read from the API.
type SumUp struct {
	cfg     config.SumUpConfig
	baseURL string
	client  *http.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
	refreshing  chan struct{}
	now         func() time.Time
}

func NewSumUp(cfg config.SumUpConfig, publicBaseURL string, client *http.Client) (*SumUp, error) {
	var missing []string
	if cfg.ClientID == "" {
		missing = append(missing, "SUMUP_CLIENT_ID")
	}
	if cfg.ClientSecret == "" {
		missing = append(missing, "SUMUP_CLIENT_SECRET")
	}
	if cfg.MerchantCode == "" {
		missing = append(missing, "SUMUP_MERCHANT_CODE")
	}
	if len(missing) > 0 {
		return nil, apperr.Configuration("payment.NewSumUp", "missing "+strings.Join(missing, ", "))
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.APIURL == "" {
		cfg.APIURL = "https://api.sumup.com"
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")

	return &SumUp{
		cfg:     cfg,
		baseURL: strings.TrimRight(publicBaseURL, "/"),
		client:  client,
		now:     time.Now,
	}, nil
}

func (s *SumUp) Name() string {
	return config.ProviderSumUp
}

type sumupToken struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

type sumupCheckoutRequest struct {
	CheckoutReference string              `json:"checkout_reference"`
	Amount            json.Number         `json:"amount"`
	Currency          string              `json:"currency"`
	MerchantCode      string              `json:"merchant_code"`
	Description       string              `json:"description,omitempty"`
	RedirectURL       string              `json:"redirect_url"`
	HostedCheckout    sumupHostedCheckout `json:"hosted_checkout"`
}

type sumupHostedCheckout struct {
	Enabled bool `json:"enabled"`
}

type sumupCheckout struct {
	ID                string          `json:"id"`
	CheckoutReference string          `json:"checkout_reference"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Status            string          `json:"status"`
	HostedCheckoutURL string          `json:"hosted_checkout_url"`
}

// accessToken returns a cached client-credentials token, fetching a new one
// shortly before the old one expires. Concurrent callers share one fetch and
// the lock is never held across the round trip.
func (s *SumUp) accessToken(ctx context.Context) (string, error) {
	for {
		s.mu.Lock()
		if s.token != "" && s.now().Before(s.tokenExpiry) {
			token := s.token
			s.mu.Unlock()
			return token, nil
		}
		if wait := s.refreshing; wait != nil {
			s.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		done := make(chan struct{})
		s.refreshing = done
		s.mu.Unlock()

		token, lifetime, err := s.fetchToken(ctx)

		s.mu.Lock()
		s.refreshing = nil
		if err == nil {
			s.token = token
			s.tokenExpiry = s.now().Add(lifetime - 30*time.Second)
		}
		s.mu.Unlock()
		close(done)
		return token, err
	}
}

func (s *SumUp) fetchToken(ctx context.Context) (string, time.Duration, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {s.cfg.ClientID},
		"client_secret": {s.cfg.ClientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.APIURL+"/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var token sumupToken
	if err := s.do(req, &token); err != nil {
		return "", 0, fmt.Errorf("get access token: %w", err)
	}
	if token.AccessToken == "" {
		return "", 0, fmt.Errorf("get access token: empty token")
	}

	lifetime := time.Duration(token.ExpiresIn) * time.Second
	if lifetime <= 0 {
		lifetime = time.Hour
	}
	return token.AccessToken, lifetime, nil
}

func (s *SumUp) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	const op = "sumup.CreateSession"
	if err := validateRequest(op, req); err != nil {
		return nil, err
	}

	token, err := s.accessToken(ctx)
	if err != nil {
		return nil, apperr.PaymentProvider(op, err)
	}

	orderID := req.OrderID.String()
	body, err := json.Marshal(sumupCheckoutRequest{
		CheckoutReference: orderID,
		Amount:            json.Number(money.FromMinorUnits(req.AmountMinor).StringFixed(2)),
		Currency:          strings.ToUpper(req.Currency),
		MerchantCode:      s.cfg.MerchantCode,
		Description:       description(req),
		RedirectURL:       s.baseURL + "/order-success?checkout_reference=" + url.QueryEscape(orderID),
		HostedCheckout:    sumupHostedCheckout{Enabled: true},
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, op, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.APIURL+"/v0.1/checkouts", bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, op, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	var checkout sumupCheckout
	if err := s.do(httpReq, &checkout); err != nil {
		return nil, apperr.PaymentProvider(op, err)
	}
	if checkout.HostedCheckoutURL == "" {
		return nil, apperr.PaymentProvider(op, fmt.Errorf("sumup: checkout %s has no hosted checkout url", checkout.ID))
	}

	return &Session{ID: checkout.ID, URL: checkout.HostedCheckoutURL}, nil
}

func (s *SumUp) RetrieveSession(ctx context.Context, sessionID string) (*SessionStatus, error) {
	const op = "sumup.RetrieveSession"
	if strings.TrimSpace(sessionID) == "" {
		return nil, apperr.Validation(op, "Missing checkout id")
	}

	token, err := s.accessToken(ctx)
	if err != nil {
		return nil, apperr.PaymentProvider(op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.cfg.APIURL+"/v0.1/checkouts/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	var checkout sumupCheckout
	if err := s.do(req, &checkout); err != nil {
		if pe, ok := err.(*providerError); ok && pe.status == http.StatusNotFound {
			return nil, apperr.NotFound(op, "Checkout not found")
		}
		return nil, apperr.PaymentProvider(op, err)
	}

	status := &SessionStatus{
		SessionID:   checkout.ID,
		OrderID:     checkout.CheckoutReference,
		RawStatus:   checkout.Status,
		AmountMinor: money.ToMinorUnits(checkout.Amount),
		Currency:    checkout.Currency,
	}
	switch strings.ToUpper(checkout.Status) {
	case "PAID":
		status.Status = StatusPaid
	case "FAILED", "EXPIRED":
		status.Status = StatusFailed
	default:
		status.Status = StatusPending
	}
	return status, nil
}

type providerError struct {
	status int
	body   string
}

func (e *providerError) Error() string {
	return fmt.Sprintf("sumup: HTTP %d: %s", e.status, e.body)
}

func (s *SumUp) do(req *http.Request, dest interface{}) error {
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &providerError{status: resp.StatusCode, body: strings.TrimSpace(string(body))}
	}

	if err := json.Unmarshal(body, dest); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
