package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

const (
	defaultServerAddress   = ":18111"
	defaultTimezone        = "Asia/Taipei"
	defaultTrialPlanName   = "Eagerness方案-7天試用"
	defaultCheckoutURL     = "https://payment-stage.ecpay.com.tw/Cashier/AioCheckOut/V5"
	defaultPeriodActionURL = "https://payment-stage.ecpay.com.tw/Cashier/CreditCardPeriodAction"

	minExecTimes = 2
	maxExecTimes = 99
)

// Config captures runtime configuration values used by the backend service.
// It is built once by Load and handed to components at construction time.
type Config struct {
	// ServerAddress is the host:port pair the HTTP server listens on.
	ServerAddress string `env:"BACKEND_ADDR" envDefault:":18111"`

	// DatabaseURL is the Postgres DSN used by database/sql.
	DatabaseURL string `env:"DATABASE_URL,required,notEmpty"`

	// JWTSecret signs and verifies bearer tokens.
	JWTSecret string        `env:"JWT_SECRET,required,notEmpty"`
	JWTTTL    time.Duration `env:"JWT_TTL" envDefault:"720h"`

	// Timezone scopes order-number days and gateway timestamps.
	Timezone string         `env:"APP_TIMEZONE" envDefault:"Asia/Taipei"`
	Location *time.Location `env:"-"`

	// TrialPlanName is the exact name of the plan that can be used once per user.
	TrialPlanName string `env:"TRIAL_PLAN_NAME" envDefault:"Eagerness方案-7天試用"`

	ECPay ECPay `envPrefix:"ECPAY_"`
}

// ECPay holds merchant credentials and recurring-payment settings.
type ECPay struct {
	MerchantID string `env:"MERCHANT_ID,required,notEmpty"`
	HashKey    string `env:"HASH_KEY,required,notEmpty"`
	HashIV     string `env:"HASH_IV,required,notEmpty"`

	// NotifyURL receives first-authorization and periodic charge results.
	NotifyURL string `env:"NOTIFY_URL"`
	// CancelNotifyURL receives the result of a period cancellation.
	CancelNotifyURL string `env:"CANCEL_NOTIFY_URL"`
	// ReturnURL is where the customer's browser lands after checkout.
	ReturnURL string `env:"RETURN_URL"`

	CheckoutURL     string `env:"CHECKOUT_URL" envDefault:"https://payment-stage.ecpay.com.tw/Cashier/AioCheckOut/V5"`
	PeriodActionURL string `env:"PERIOD_ACTION_URL" envDefault:"https://payment-stage.ecpay.com.tw/Cashier/CreditCardPeriodAction"`

	ExecTimes    int    `env:"EXEC_TIMES" envDefault:"12"`
	Frequency    int    `env:"FREQUENCY" envDefault:"1"`
	TradeDesc    string `env:"TRADE_DESC" envDefault:"sportify會員訂閱"`
	MemberSuffix string `env:"MEMBER_SUFFIX" envDefault:"sportify123"`
}

// Load reads configuration from environment variables, applies defaults, and
// returns a Config structure. Required values return an error when missing.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	if cfg.ServerAddress == "" {
		cfg.ServerAddress = defaultServerAddress
	}
	if cfg.Timezone == "" {
		cfg.Timezone = defaultTimezone
	}
	if cfg.TrialPlanName == "" {
		cfg.TrialPlanName = defaultTrialPlanName
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return Config{}, fmt.Errorf("config: invalid APP_TIMEZONE %q: %w", cfg.Timezone, err)
	}
	cfg.Location = loc

	if err := cfg.ECPay.validate(); err != nil {
		return Config{}, err
	}
	if cfg.JWTTTL <= 0 {
		return Config{}, fmt.Errorf("config: JWT_TTL must be positive")
	}

	return cfg, nil
}

// Database is the part of the configuration needed by tools that only talk
// to Postgres.
type Database struct {
	URL string `env:"DATABASE_URL,required,notEmpty"`
}

// LoadDatabase reads only DATABASE_URL.
func LoadDatabase() (Database, error) {
	var db Database
	if err := env.Parse(&db); err != nil {
		return Database{}, fmt.Errorf("config: %w", err)
	}
	return db, nil
}

func (e *ECPay) validate() error {
	if e.CheckoutURL == "" {
		e.CheckoutURL = defaultCheckoutURL
	}
	if e.PeriodActionURL == "" {
		e.PeriodActionURL = defaultPeriodActionURL
	}
	if e.ExecTimes < minExecTimes || e.ExecTimes > maxExecTimes {
		return fmt.Errorf("config: ECPAY_EXEC_TIMES must be between %d and %d, got %d", minExecTimes, maxExecTimes, e.ExecTimes)
	}
	// Monthly periods accept a frequency of 1 to 12.
	if e.Frequency < 1 || e.Frequency > 12 {
		return fmt.Errorf("config: ECPAY_FREQUENCY must be between 1 and 12, got %d", e.Frequency)
	}
	return nil
}
