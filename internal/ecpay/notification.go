package ecpay

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// RtnCodeSuccess is the RtnCode ECPay reports for a successful operation.
const RtnCodeSuccess = "1"

// ErrMalformedNotification wraps field-level problems in an inbound payload.
var ErrMalformedNotification = errors.New("ecpay: malformed notification")

// PaymentNotification is the result of a first authorization or a periodic
// charge of a recurring agreement.
type PaymentNotification struct {
	MerchantTradeNo   string
	RtnCode           string
	RtnMsg            string
	TradeAmt          decimal.Decimal
	PaymentDate       time.Time
	PaymentType       string
	TotalSuccessTimes int
}

// Succeeded reports whether the charge went through.
func (n *PaymentNotification) Succeeded() bool {
	return n.RtnCode == RtnCodeSuccess
}

// IsRenewal reports whether this is the second or later charge of the agreement.
func (n *PaymentNotification) IsRenewal() bool {
	return n.TotalSuccessTimes > 1
}

// AmountEquals reports whether the billed amount is exactly price.
func (n *PaymentNotification) AmountEquals(price int) bool {
	return n.TradeAmt.Equal(decimal.NewFromInt(int64(price)))
}

// CancelNotification is ECPay's answer to a period cancellation request.
type CancelNotification struct {
	MerchantTradeNo string
	RtnCode         string
	RtnMsg          string
}

// Succeeded reports whether the cancellation was accepted.
func (n *CancelNotification) Succeeded() bool {
	return n.RtnCode == RtnCodeSuccess
}

// ParsePaymentNotification authenticates values and decodes the payment
// fields. ErrInvalidCheckMac is returned before any field is inspected.
func (g *Gateway) ParsePaymentNotification(values url.Values) (*PaymentNotification, error) {
	if err := g.signer.Verify(values); err != nil {
		return nil, err
	}

	n := &PaymentNotification{
		MerchantTradeNo: strings.TrimSpace(values.Get("MerchantTradeNo")),
		RtnCode:         strings.TrimSpace(values.Get("RtnCode")),
		RtnMsg:          values.Get("RtnMsg"),
		PaymentType:     strings.TrimSpace(values.Get("PaymentType")),
	}
	if n.MerchantTradeNo == "" {
		return nil, malformed("MerchantTradeNo is required")
	}
	if n.RtnCode == "" {
		return nil, malformed("RtnCode is required")
	}
	if !n.Succeeded() {
		// Failed charges carry no usable amount or date.
		return n, nil
	}

	amt, err := decimal.NewFromString(strings.TrimSpace(values.Get("TradeAmt")))
	if err != nil {
		return nil, malformed("TradeAmt %q is not a number", values.Get("TradeAmt"))
	}
	n.TradeAmt = amt

	paidAt, err := time.ParseInLocation(TimeLayout, strings.TrimSpace(values.Get("PaymentDate")), g.loc)
	if err != nil {
		return nil, malformed("PaymentDate %q is not in %s format", values.Get("PaymentDate"), TimeLayout)
	}
	n.PaymentDate = paidAt

	n.TotalSuccessTimes = 1
	if raw := strings.TrimSpace(values.Get("TotalSuccessTimes")); raw != "" {
		times, err := strconv.Atoi(raw)
		if err != nil || times < 1 {
			return nil, malformed("TotalSuccessTimes %q is not a positive integer", raw)
		}
		n.TotalSuccessTimes = times
	}

	return n, nil
}

// ParseCancelNotification authenticates values and decodes a cancellation result.
func (g *Gateway) ParseCancelNotification(values url.Values) (*CancelNotification, error) {
	if err := g.signer.Verify(values); err != nil {
		return nil, err
	}

	n := &CancelNotification{
		MerchantTradeNo: strings.TrimSpace(values.Get("MerchantTradeNo")),
		RtnCode:         strings.TrimSpace(values.Get("RtnCode")),
		RtnMsg:          values.Get("RtnMsg"),
	}
	if n.MerchantTradeNo == "" {
		return nil, malformed("MerchantTradeNo is required")
	}
	if n.RtnCode == "" {
		return nil, malformed("RtnCode is required")
	}
	return n, nil
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedNotification, fmt.Sprintf(format, args...))
}
