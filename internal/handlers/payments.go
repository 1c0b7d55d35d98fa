package handlers

import (
	"context"
	"log"
	"net/http"
	"net/url"

	"github.com/sportify/backend/internal/apperror"
	"github.com/sportify/backend/internal/ecpay"
	"github.com/sportify/backend/internal/metrics"
	"github.com/sportify/backend/internal/subscription"
)

// webhookAck is the body ECPay requires before it stops retrying a notification.
const webhookAck = "1|OK"

// PaymentService drives checkout, gateway cancellation and gateway notifications.
type PaymentService interface {
	StartCheckout(ctx context.Context, userID, orderNumber string) (*ecpay.Form, error)
	RequestCancellation(ctx context.Context, userID, merchantTradeNo string) (*ecpay.Form, error)
	HandlePaymentNotification(ctx context.Context, values url.Values) (subscription.Outcome, error)
	HandleCancelNotification(ctx context.Context, values url.Values) error
}

// PaymentHandler serves checkout pages and the ECPay webhooks.
type PaymentHandler struct {
	service PaymentService
	metrics *metrics.Metrics
}

// NewPaymentHandler creates a PaymentHandler.
func NewPaymentHandler(service PaymentService, m *metrics.Metrics) *PaymentHandler {
	return &PaymentHandler{service: service, metrics: m}
}

type checkoutPayload struct {
	OrderNumber string `json:"order_number"`
}

type cancelPayload struct {
	MerchantTradeNo string `json:"merchant_trade_no"`
}

// Checkout returns the auto-submitting form that sends the caller to ECPay
// to authorize monthly billing for one of their unpaid orders.
func (h *PaymentHandler) Checkout() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := currentPrincipal(r)
		if err != nil {
			writeError(w, err)
			return
		}

		var payload checkoutPayload
		if err := decodeJSON(w, r, &payload); err != nil {
			writeError(w, err)
			return
		}

		form, err := h.service.StartCheckout(r.Context(), p.ID, payload.OrderNumber)
		if err != nil {
			writeError(w, err)
			return
		}
		writeForm(w, form)
	}
}

// Cancel returns the form that asks ECPay to stop the caller's recurring billing.
func (h *PaymentHandler) Cancel() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := currentPrincipal(r)
		if err != nil {
			writeError(w, err)
			return
		}

		var payload cancelPayload
		if err := decodeJSON(w, r, &payload); err != nil {
			writeError(w, err)
			return
		}

		form, err := h.service.RequestCancellation(r.Context(), p.ID, payload.MerchantTradeNo)
		if err != nil {
			writeError(w, err)
			return
		}
		writeForm(w, form)
	}
}

// Notify receives first-charge and periodic-charge results.
func (h *PaymentHandler) Notify() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		values, ok := h.readForm(w, r, metrics.WebhookPayment)
		if !ok {
			return
		}

		outcome, err := h.service.HandlePaymentNotification(r.Context(), values)
		if err != nil {
			h.metrics.ObserveWebhook(metrics.WebhookPayment, apperror.KindOf(err).String())
			writeError(w, err)
			return
		}
		h.metrics.ObserveWebhook(metrics.WebhookPayment, string(outcome))
		writeAck(w)
	}
}

// CancelNotify receives the result of a period cancellation.
func (h *PaymentHandler) CancelNotify() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		values, ok := h.readForm(w, r, metrics.WebhookCancel)
		if !ok {
			return
		}

		if err := h.service.HandleCancelNotification(r.Context(), values); err != nil {
			h.metrics.ObserveWebhook(metrics.WebhookCancel, apperror.KindOf(err).String())
			writeError(w, err)
			return
		}
		h.metrics.ObserveWebhook(metrics.WebhookCancel, "cancelled")
		writeAck(w)
	}
}

func (h *PaymentHandler) readForm(w http.ResponseWriter, r *http.Request, kind string) (url.Values, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		log.Printf("[webhook] %s notification: unreadable form: %v", kind, err)
		h.metrics.ObserveWebhook(kind, apperror.KindValidation.String())
		writeError(w, apperror.Validation("invalid form payload"))
		return nil, false
	}
	return r.PostForm, true
}

func writeAck(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(webhookAck))
}

func writeForm(w http.ResponseWriter, form *ecpay.Form) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := form.Render(w); err != nil {
		log.Printf("[checkout] render %s: %v", form.ID, err)
	}
}
