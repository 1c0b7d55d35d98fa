package ecpay

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sportify/backend/internal/config"
)

// TimeLayout is the timestamp format ECPay uses for trade and payment dates.
const TimeLayout = "2006/01/02 15:04:05"

const (
	merchantTradeNoPrefix = "ORD"
	merchantTradeNoTokens = 16

	paymentTypeAIO  = "aio"
	choosePayCredit = "Credit"
	encryptSHA256   = "1"
	periodMonthly   = "M"
	bindCard        = "1"
	actionCancel    = "Cancel"
)

// Gateway builds the signed forms the browser posts to ECPay and
// authenticates ECPay's server-to-server notifications.
type Gateway struct {
	cfg    config.ECPay
	signer *Signer
	loc    *time.Location
	now    func() time.Time
}

// NewGateway creates a Gateway. loc is used to render trade timestamps and
// to interpret PaymentDate values in notifications.
func NewGateway(cfg config.ECPay, loc *time.Location) *Gateway {
	if loc == nil {
		loc = time.Local
	}
	return &Gateway{
		cfg:    cfg,
		signer: NewSigner(cfg.HashKey, cfg.HashIV),
		loc:    loc,
		now:    time.Now,
	}
}

// NewMerchantTradeNo returns a fresh merchant trade number: a fixed prefix
// followed by 16 random alphanumeric characters.
func NewMerchantTradeNo() string {
	token := strings.ReplaceAll(uuid.NewString(), "-", "")
	return merchantTradeNoPrefix + token[:merchantTradeNoTokens]
}

// PeriodicCheckout describes a recurring credit-card authorization.
type PeriodicCheckout struct {
	MerchantTradeNo string
	Amount          int
	ItemName        string
}

// PeriodicCheckoutForm returns the signed form that starts a monthly
// recurring credit-card agreement on ECPay's hosted checkout page.
func (g *Gateway) PeriodicCheckoutForm(req PeriodicCheckout) *Form {
	amount := strconv.Itoa(req.Amount)
	params := map[string]string{
		"MerchantID":        g.cfg.MerchantID,
		"MerchantTradeNo":   req.MerchantTradeNo,
		"MerchantTradeDate": g.now().In(g.loc).Format(TimeLayout),
		"PaymentType":       paymentTypeAIO,
		"TotalAmount":       amount,
		"TradeDesc":         g.cfg.TradeDesc,
		"ItemName":          req.ItemName,
		"ChoosePayment":     choosePayCredit,
		"EncryptType":       encryptSHA256,
		"PeriodAmount":      amount,
		"PeriodType":        periodMonthly,
		"Frequency":         strconv.Itoa(g.cfg.Frequency),
		"ExecTimes":         strconv.Itoa(g.cfg.ExecTimes),
		"BindingCard":       bindCard,
		"MerchantMemberID":  g.cfg.MerchantID + "+" + g.cfg.MemberSuffix,
		"ReturnURL":         g.cfg.NotifyURL,
		"PeriodReturnURL":   g.cfg.NotifyURL,
	}
	if g.cfg.ReturnURL != "" {
		params["ClientBackURL"] = g.cfg.ReturnURL
	}
	g.signer.Sign(params)

	return newForm("ecpay-form", g.cfg.CheckoutURL, params)
}

// CancelPeriodicForm returns the signed form that stops future charges of
// the recurring agreement identified by merchantTradeNo.
func (g *Gateway) CancelPeriodicForm(merchantTradeNo string) *Form {
	params := map[string]string{
		"MerchantID":      g.cfg.MerchantID,
		"MerchantTradeNo": merchantTradeNo,
		"Action":          actionCancel,
		"TimeStamp":       strconv.FormatInt(g.now().Unix(), 10),
	}
	g.signer.Sign(params)

	return newForm("cancel-form", g.cfg.PeriodActionURL, params)
}
