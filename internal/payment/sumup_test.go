package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/safar/candy-planet/internal/apperr"
	"github.com/safar/candy-planet/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSumUp struct {
	tokenCalls atomic.Int32
	tokenGate  chan struct{}
	lastBody   map[string]interface{}
	checkouts  map[string]string
	failCreate bool
}

func (f *fakeSumUp) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		assert.Equal(t, "client-id", r.PostForm.Get("client_id"))
		f.tokenCalls.Add(1)
		if f.tokenGate != nil {
			<-f.tokenGate
		}
		fmt.Fprint(w, `{"access_token":"tok","token_type":"Bearer","expires_in":3600}`)
	})
	mux.HandleFunc("POST /v0.1/checkouts", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&f.lastBody))
		if f.failCreate {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error_code":"INVALID","message":"Validation error"}`)
			return
		}
		fmt.Fprintf(w, `{"id":"chk_1","checkout_reference":%q,"status":"PENDING","hosted_checkout_url":"https://checkout.sumup.com/pay/chk_1"}`,
			f.lastBody["checkout_reference"])
	})
	mux.HandleFunc("GET /v0.1/checkouts/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		status, ok := f.checkouts[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error_code":"NOT_FOUND"}`)
			return
		}
		fmt.Fprintf(w, `{"id":%q,"checkout_reference":"o-1","amount":10.99,"currency":"EUR","status":%q}`, id, status)
	})
	return mux
}

func newTestSumUp(t *testing.T, fake *fakeSumUp) *SumUp {
	t.Helper()
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)

	s, err := NewSumUp(config.SumUpConfig{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		MerchantCode: "MC123",
		APIURL:       srv.URL,
	}, "https://candy.example", srv.Client())
	require.NoError(t, err)
	return s
}

func TestSumUpCreateSession(t *testing.T) {
	fake := &fakeSumUp{}
	s := newTestSumUp(t, fake)
	orderID := uuid.New()

	session, err := s.CreateSession(context.Background(), SessionRequest{OrderID: orderID, AmountMinor: 1099, Currency: "EUR"})
	require.NoError(t, err)

	assert.Equal(t, "chk_1", session.ID)
	assert.Equal(t, "https://checkout.sumup.com/pay/chk_1", session.URL)
	assert.Equal(t, orderID.String(), fake.lastBody["checkout_reference"])
	assert.Equal(t, 10.99, fake.lastBody["amount"])
	assert.Equal(t, "EUR", fake.lastBody["currency"])
	assert.Equal(t, "MC123", fake.lastBody["merchant_code"])
	assert.Equal(t, "https://candy.example/order-success?checkout_reference="+orderID.String(), fake.lastBody["redirect_url"])
	assert.Equal(t, map[string]interface{}{"enabled": true}, fake.lastBody["hosted_checkout"])

	_, err = s.CreateSession(context.Background(), SessionRequest{OrderID: uuid.New(), AmountMinor: 500, Currency: "EUR"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), fake.tokenCalls.Load(), "token is reused until it expires")
}

func TestSumUpConcurrentCallersShareTokenFetch(t *testing.T) {
	fake := &fakeSumUp{tokenGate: make(chan struct{})}
	s := newTestSumUp(t, fake)

	results := make(chan string, 5)
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		go func() {
			token, err := s.accessToken(context.Background())
			results <- token
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return fake.tokenCalls.Load() == 1 }, time.Second, 5*time.Millisecond)

	// a caller that gives up does not wait on the fetch in flight
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.accessToken(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(fake.tokenGate)
	for i := 0; i < 5; i++ {
		assert.Equal(t, "tok", <-results)
		assert.NoError(t, <-errs)
	}
	assert.Equal(t, int32(1), fake.tokenCalls.Load())
}

func TestSumUpCreateSessionFailure(t *testing.T) {
	s := newTestSumUp(t, &fakeSumUp{failCreate: true})

	_, err := s.CreateSession(context.Background(), SessionRequest{OrderID: uuid.New(), AmountMinor: 1099, Currency: "EUR"})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindPaymentProvider))
	assert.Contains(t, apperr.Message(err), "HTTP 400")
}

func TestSumUpRetrieveSession(t *testing.T) {
	s := newTestSumUp(t, &fakeSumUp{checkouts: map[string]string{
		"chk_paid":    "PAID",
		"chk_pending": "PENDING",
		"chk_failed":  "FAILED",
	}})
	ctx := context.Background()

	paid, err := s.RetrieveSession(ctx, "chk_paid")
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, paid.Status)
	assert.Equal(t, int64(1099), paid.AmountMinor)
	assert.Equal(t, "o-1", paid.OrderID)

	pending, err := s.RetrieveSession(ctx, "chk_pending")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, pending.Status)

	failed, err := s.RetrieveSession(ctx, "chk_failed")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, failed.Status)

	_, err = s.RetrieveSession(ctx, "chk_missing")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestNewSumUpReportsMissingCredentials(t *testing.T) {
	_, err := NewSumUp(config.SumUpConfig{ClientID: "id"}, "https://candy.example", nil)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindConfiguration))
	assert.Contains(t, err.Error(), "SUMUP_CLIENT_SECRET")
	assert.Contains(t, err.Error(), "SUMUP_MERCHANT_CODE")
}
