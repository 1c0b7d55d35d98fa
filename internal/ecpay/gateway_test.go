package ecpay

import (
	"bytes"
	"errors"
	"net/url"
	"regexp"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sportify/backend/internal/config"
)

var taipei = time.FixedZone("Asia/Taipei", 8*60*60)

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	g := NewGateway(config.ECPay{
		MerchantID:      "3002607",
		HashKey:         stageHashKey,
		HashIV:          stageHashIV,
		NotifyURL:       "https://api.example.com/api/v1/payments/notify",
		ReturnURL:       "https://app.example.com/subscriptions",
		CheckoutURL:     "https://payment-stage.ecpay.com.tw/Cashier/AioCheckOut/V5",
		PeriodActionURL: "https://payment-stage.ecpay.com.tw/Cashier/CreditCardPeriodAction",
		ExecTimes:       12,
		Frequency:       1,
		TradeDesc:       "sportify會員訂閱",
		MemberSuffix:    "sportify123",
	}, taipei)
	g.now = func() time.Time { return time.Date(2025, 1, 1, 4, 0, 0, 0, time.UTC) }
	return g
}

func formValues(f *Form) url.Values {
	values := url.Values{}
	for _, field := range f.Fields {
		values.Set(field.Name, field.Value)
	}
	return values
}

func signedValues(t *testing.T, params map[string]string) url.Values {
	t.Helper()
	NewSigner(stageHashKey, stageHashIV).Sign(params)
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	return values
}

func TestNewMerchantTradeNo(t *testing.T) {
	pattern := regexp.MustCompile(`^ORD[0-9a-f]{16}$`)
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		no := NewMerchantTradeNo()
		require.Regexp(t, pattern, no)
		require.False(t, seen[no], "duplicate trade number %s", no)
		seen[no] = true
	}
}

func TestPeriodicCheckoutForm(t *testing.T) {
	g := newTestGateway(t)

	form := g.PeriodicCheckoutForm(PeriodicCheckout{
		MerchantTradeNo: "ORDa1b2c3d4e5f60718",
		Amount:          299,
		ItemName:        "Wellness方案",
	})

	assert.Equal(t, "https://payment-stage.ecpay.com.tw/Cashier/AioCheckOut/V5", form.Action)
	assert.Equal(t, "2025/01/01 12:00:00", form.Value("MerchantTradeDate"))
	assert.Equal(t, "299", form.Value("TotalAmount"))
	assert.Equal(t, "299", form.Value("PeriodAmount"))
	assert.Equal(t, "M", form.Value("PeriodType"))
	assert.Equal(t, "1", form.Value("Frequency"))
	assert.Equal(t, "12", form.Value("ExecTimes"))
	assert.Equal(t, "Credit", form.Value("ChoosePayment"))
	assert.Equal(t, "1", form.Value("BindingCard"))
	assert.Equal(t, "3002607+sportify123", form.Value("MerchantMemberID"))
	assert.Equal(t, "https://api.example.com/api/v1/payments/notify", form.Value("ReturnURL"))
	assert.Equal(t, "https://api.example.com/api/v1/payments/notify", form.Value("PeriodReturnURL"))
	assert.Equal(t, "https://app.example.com/subscriptions", form.Value("ClientBackURL"))

	require.NoError(t, g.signer.Verify(formValues(form)))
}

func TestCancelPeriodicForm(t *testing.T) {
	g := newTestGateway(t)

	form := g.CancelPeriodicForm("ORDa1b2c3d4e5f60718")

	assert.Equal(t, "https://payment-stage.ecpay.com.tw/Cashier/CreditCardPeriodAction", form.Action)
	assert.Equal(t, "Cancel", form.Value("Action"))
	assert.Equal(t, "1735704000", form.Value("TimeStamp"))
	assert.Len(t, form.Fields, 5)
	require.NoError(t, g.signer.Verify(formValues(form)))
}

func TestFormRenderEscapesValues(t *testing.T) {
	form := newForm("ecpay-form", "https://gateway.example/checkout", map[string]string{
		"ItemName": `"><script>`,
		"Amount":   "100",
	})

	var buf bytes.Buffer
	require.NoError(t, form.Render(&buf))

	html := buf.String()
	assert.Contains(t, html, `action="https://gateway.example/checkout"`)
	assert.Contains(t, html, `name="Amount" value="100"`)
	assert.NotContains(t, html, `"><script>`)
	assert.Contains(t, html, `document.getElementById(`)
}

func TestParsePaymentNotification(t *testing.T) {
	g := newTestGateway(t)

	values := signedValues(t, map[string]string{
		"MerchantID":        "3002607",
		"MerchantTradeNo":   "ORDa1b2c3d4e5f60718",
		"RtnCode":           "1",
		"RtnMsg":            "交易成功",
		"TradeAmt":          "299",
		"PaymentDate":       "2025/01/01 12:00:00",
		"PaymentType":       "Credit_CreditCard",
		"TotalSuccessTimes": "2",
	})

	n, err := g.ParsePaymentNotification(values)
	require.NoError(t, err)

	assert.True(t, n.Succeeded())
	assert.True(t, n.IsRenewal())
	assert.True(t, n.AmountEquals(299))
	assert.False(t, n.AmountEquals(300))
	assert.True(t, n.TradeAmt.Equal(decimal.NewFromInt(299)))
	assert.True(t, n.PaymentDate.Equal(time.Date(2025, 1, 1, 4, 0, 0, 0, time.UTC)))
	assert.Equal(t, "Credit_CreditCard", n.PaymentType)
}

func TestParsePaymentNotificationDefaultsSuccessTimes(t *testing.T) {
	g := newTestGateway(t)

	values := signedValues(t, map[string]string{
		"MerchantTradeNo": "ORDa1b2c3d4e5f60718",
		"RtnCode":         "1",
		"TradeAmt":        "299",
		"PaymentDate":     "2025/01/01 12:00:00",
	})

	n, err := g.ParsePaymentNotification(values)
	require.NoError(t, err)
	assert.Equal(t, 1, n.TotalSuccessTimes)
	assert.False(t, n.IsRenewal())
}

func TestParsePaymentNotificationFailedCharge(t *testing.T) {
	g := newTestGateway(t)

	values := signedValues(t, map[string]string{
		"MerchantTradeNo": "ORDa1b2c3d4e5f60718",
		"RtnCode":         "10100058",
		"RtnMsg":          "card declined",
	})

	n, err := g.ParsePaymentNotification(values)
	require.NoError(t, err)
	assert.False(t, n.Succeeded())
	assert.Equal(t, "card declined", n.RtnMsg)
}

func TestParsePaymentNotificationRejects(t *testing.T) {
	g := newTestGateway(t)

	cases := []struct {
		name    string
		params  map[string]string
		wantErr error
	}{
		{
			name:    "missing trade number",
			params:  map[string]string{"RtnCode": "1", "TradeAmt": "299", "PaymentDate": "2025/01/01 12:00:00"},
			wantErr: ErrMalformedNotification,
		},
		{
			name:    "bad amount",
			params:  map[string]string{"MerchantTradeNo": "ORD1", "RtnCode": "1", "TradeAmt": "abc", "PaymentDate": "2025/01/01 12:00:00"},
			wantErr: ErrMalformedNotification,
		},
		{
			name:    "bad date",
			params:  map[string]string{"MerchantTradeNo": "ORD1", "RtnCode": "1", "TradeAmt": "299", "PaymentDate": "2025-01-01T12:00:00Z"},
			wantErr: ErrMalformedNotification,
		},
		{
			name:    "bad success count",
			params:  map[string]string{"MerchantTradeNo": "ORD1", "RtnCode": "1", "TradeAmt": "299", "PaymentDate": "2025/01/01 12:00:00", "TotalSuccessTimes": "0"},
			wantErr: ErrMalformedNotification,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := g.ParsePaymentNotification(signedValues(t, tc.params))
			assert.True(t, errors.Is(err, tc.wantErr), "got %v", err)
		})
	}
}

func TestParsePaymentNotificationRejectsTampering(t *testing.T) {
	g := newTestGateway(t)

	values := signedValues(t, map[string]string{
		"MerchantTradeNo": "ORDa1b2c3d4e5f60718",
		"RtnCode":         "1",
		"TradeAmt":        "299",
		"PaymentDate":     "2025/01/01 12:00:00",
	})
	values.Set("TradeAmt", "1")

	n, err := g.ParsePaymentNotification(values)
	assert.Nil(t, n)
	assert.ErrorIs(t, err, ErrInvalidCheckMac)
}

func TestParseCancelNotification(t *testing.T) {
	g := newTestGateway(t)

	n, err := g.ParseCancelNotification(signedValues(t, map[string]string{
		"MerchantID":      "3002607",
		"MerchantTradeNo": "ORDa1b2c3d4e5f60718",
		"RtnCode":         "1",
		"RtnMsg":          "OK",
	}))
	require.NoError(t, err)
	assert.True(t, n.Succeeded())

	n, err = g.ParseCancelNotification(signedValues(t, map[string]string{
		"MerchantTradeNo": "ORDa1b2c3d4e5f60718",
		"RtnCode":         "0",
		"RtnMsg":          "period already stopped",
	}))
	require.NoError(t, err)
	assert.False(t, n.Succeeded())
	assert.Equal(t, "period already stopped", n.RtnMsg)

	_, err = g.ParseCancelNotification(url.Values{"MerchantTradeNo": {"ORD1"}, "RtnCode": {"1"}})
	assert.ErrorIs(t, err, ErrInvalidCheckMac)
}
