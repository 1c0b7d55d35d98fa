package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/sportify/backend/internal/apperror"
	"github.com/sportify/backend/internal/ecpay"
	"github.com/sportify/backend/internal/metrics"
	"github.com/sportify/backend/internal/subscription"
)

type stubPayments struct {
	form         *ecpay.Form
	err          error
	outcome      subscription.Outcome
	lastUser     string
	lastRef      string
	lastValues   url.Values
	cancelNotify error
}

func (s *stubPayments) StartCheckout(_ context.Context, userID, orderNumber string) (*ecpay.Form, error) {
	s.lastUser, s.lastRef = userID, orderNumber
	return s.form, s.err
}

func (s *stubPayments) RequestCancellation(_ context.Context, userID, merchantTradeNo string) (*ecpay.Form, error) {
	s.lastUser, s.lastRef = userID, merchantTradeNo
	return s.form, s.err
}

func (s *stubPayments) HandlePaymentNotification(_ context.Context, values url.Values) (subscription.Outcome, error) {
	s.lastValues = values
	return s.outcome, s.err
}

func (s *stubPayments) HandleCancelNotification(_ context.Context, values url.Values) error {
	s.lastValues = values
	return s.cancelNotify
}

func checkoutForm() *ecpay.Form {
	return &ecpay.Form{
		ID:     "ecpay-form",
		Action: "https://payment-stage.ecpay.com.tw/Cashier/AioCheckOut/V5",
		Fields: []ecpay.Field{{Name: "MerchantTradeNo", Value: "ORD0123456789abcdef"}, {Name: "TotalAmount", Value: "299"}},
	}
}

func TestCheckoutRendersForm(t *testing.T) {
	service := &stubPayments{form: checkoutForm()}
	h := NewPaymentHandler(service, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/checkout", strings.NewReader(`{"order_number":"202501010001"}`))
	rr := httptest.NewRecorder()
	h.Checkout().ServeHTTP(rr, asPrincipal(req, testUser))

	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("unexpected content type %q", ct)
	}
	if service.lastUser != testUser.ID || service.lastRef != "202501010001" {
		t.Fatalf("unexpected call: %q %q", service.lastUser, service.lastRef)
	}
	if !strings.Contains(rr.Body.String(), `name="MerchantTradeNo" value="ORD0123456789abcdef"`) {
		t.Fatalf("form field missing: %s", rr.Body.String())
	}
}

func TestCheckoutErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{apperror.NotFound("order not found"), http.StatusNotFound},
		{apperror.Validation("order is already paid"), http.StatusBadRequest},
		{errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		h := NewPaymentHandler(&stubPayments{err: tc.err}, nil)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/checkout", strings.NewReader(`{"order_number":"202501010001"}`))
		rr := httptest.NewRecorder()
		h.Checkout().ServeHTTP(rr, asPrincipal(req, testUser))
		if rr.Code != tc.status {
			t.Fatalf("%v: expected %d got %d", tc.err, tc.status, rr.Code)
		}
	}
}

func TestCancelRendersForm(t *testing.T) {
	service := &stubPayments{form: &ecpay.Form{ID: "cancel-form", Action: "https://example.com/period", Fields: []ecpay.Field{{Name: "Action", Value: "Cancel"}}}}
	h := NewPaymentHandler(service, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/cancel", strings.NewReader(`{"merchant_trade_no":"ORD1"}`))
	rr := httptest.NewRecorder()
	h.Cancel().ServeHTTP(rr, asPrincipal(req, testUser))

	if rr.Code != http.StatusOK || service.lastRef != "ORD1" {
		t.Fatalf("unexpected result: %d %q", rr.Code, service.lastRef)
	}
	if !strings.Contains(rr.Body.String(), `id="cancel-form"`) {
		t.Fatalf("cancel form missing: %s", rr.Body.String())
	}
}

func postForm(target string, values url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestNotifyAcknowledges(t *testing.T) {
	for _, outcome := range []subscription.Outcome{subscription.OutcomeActivated, subscription.OutcomeRenewed, subscription.OutcomeDuplicate} {
		service := &stubPayments{outcome: outcome}
		m := metrics.New()
		h := NewPaymentHandler(service, m)

		rr := httptest.NewRecorder()
		h.Notify().ServeHTTP(rr, postForm("/api/v1/payments/notify", url.Values{"MerchantTradeNo": {"ORD1"}, "RtnCode": {"1"}}))

		if rr.Code != http.StatusOK || rr.Body.String() != "1|OK" {
			t.Fatalf("%s: expected 1|OK got %d %q", outcome, rr.Code, rr.Body.String())
		}
		if service.lastValues.Get("MerchantTradeNo") != "ORD1" {
			t.Fatalf("form values not passed through: %v", service.lastValues)
		}
		if got := testutil.ToFloat64(m.WebhookEvents.WithLabelValues(metrics.WebhookPayment, string(outcome))); got != 1 {
			t.Fatalf("%s: expected one webhook event, got %v", outcome, got)
		}
	}
}

func TestNotifyRejects(t *testing.T) {
	cases := []struct {
		err     error
		status  int
		outcome string
	}{
		{apperror.Authentication(ecpay.ErrInvalidCheckMac), http.StatusBadRequest, "authentication"},
		{apperror.Conflict("amount mismatch"), http.StatusConflict, "conflict"},
		{apperror.NotFound("no order"), http.StatusNotFound, "not_found"},
	}
	for _, tc := range cases {
		m := metrics.New()
		h := NewPaymentHandler(&stubPayments{err: tc.err}, m)

		rr := httptest.NewRecorder()
		h.Notify().ServeHTTP(rr, postForm("/api/v1/payments/notify", url.Values{"MerchantTradeNo": {"ORD1"}}))

		if rr.Code != tc.status || rr.Body.String() == "1|OK" {
			t.Fatalf("%v: expected %d without ack, got %d %q", tc.err, tc.status, rr.Code, rr.Body.String())
		}
		if got := testutil.ToFloat64(m.WebhookEvents.WithLabelValues(metrics.WebhookPayment, tc.outcome)); got != 1 {
			t.Fatalf("%v: expected outcome %s counted, got %v", tc.err, tc.outcome, got)
		}
	}
}

func TestCancelNotify(t *testing.T) {
	service := &stubPayments{}
	h := NewPaymentHandler(service, nil)

	rr := httptest.NewRecorder()
	h.CancelNotify().ServeHTTP(rr, postForm("/api/v1/payments/cancel-notify", url.Values{"MerchantTradeNo": {"ORD1"}, "RtnCode": {"1"}}))
	if rr.Code != http.StatusOK || rr.Body.String() != "1|OK" {
		t.Fatalf("expected 1|OK got %d %q", rr.Code, rr.Body.String())
	}

	service.cancelNotify = apperror.Validation("cancellation failed: period already stopped")
	rr = httptest.NewRecorder()
	h.CancelNotify().ServeHTTP(rr, postForm("/api/v1/payments/cancel-notify", url.Values{"MerchantTradeNo": {"ORD1"}, "RtnCode": {"0"}}))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rr.Code)
	}
	if body := decodeBody(t, rr); body.Message != "cancellation failed: period already stopped" {
		t.Fatalf("gateway message not surfaced: %q", body.Message)
	}
}
