package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Mpesa    MpesaConfig    `mapstructure:"mpesa"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Business BusinessConfig `mapstructure:"business"`
}

type ServerConfig struct {
	Port         int     `mapstructure:"port"`
	Mode         string  `mapstructure:"mode"`
	RateLimitRPS float64 `mapstructure:"rate_limit_rps"`
	RateBurst    int     `mapstructure:"rate_limit_burst"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// DatabaseConfig selects the transaction store. Driver is "mysql" or "memory".
type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	AutoMigrate  bool   `mapstructure:"auto_migrate"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Enabled bool             `mapstructure:"enabled"`
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	PaymentEvents string `mapstructure:"payment_events"`
	OrderEvents   string `mapstructure:"order_events"`
	RefundEvents  string `mapstructure:"refund_events"`
}

type MpesaConfig struct {
	Environment        string        `mapstructure:"environment"`
	BaseURL            string        `mapstructure:"base_url"`
	ConsumerKey        string        `mapstructure:"consumer_key"`
	ConsumerSecret     string        `mapstructure:"consumer_secret"`
	Passkey            string        `mapstructure:"passkey"`
	ShortCode          string        `mapstructure:"shortcode"`
	InitiatorName      string        `mapstructure:"initiator_name"`
	InitiatorPassword  string        `mapstructure:"initiator_password"`
	CertificatePath    string        `mapstructure:"certificate_path"`
	CallbackBaseURL    string        `mapstructure:"callback_base_url"`
	Callbacks          CallbackURLs  `mapstructure:"callbacks"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	TokenExpirySkew    time.Duration `mapstructure:"token_expiry_skew"`
	PendingResultCodes []string      `mapstructure:"pending_result_codes"`
}

// CallbackURLs are per-callback overrides. Empty values fall back to
// CallbackBaseURL + the default path.
type CallbackURLs struct {
	STK             string `mapstructure:"stk"`
	Wallet          string `mapstructure:"wallet"`
	C2BValidation   string `mapstructure:"c2b_validation"`
	C2BConfirmation string `mapstructure:"c2b_confirmation"`
	B2CResult       string `mapstructure:"b2c_result"`
	B2CTimeout      string `mapstructure:"b2c_timeout"`
	BalanceResult   string `mapstructure:"balance_result"`
	BalanceTimeout  string `mapstructure:"balance_timeout"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type BusinessConfig struct {
	RefundWindowDays          int           `mapstructure:"refund_window_days"`
	MaxRetryCount             int           `mapstructure:"max_retry_count"`
	WebhookProcessTimeout     time.Duration `mapstructure:"webhook_process_timeout"`
	PendingReconcileAfter     time.Duration `mapstructure:"pending_reconcile_after"`
	PendingReconcileInterval  time.Duration `mapstructure:"pending_reconcile_interval"`
	RecentTransactionsLimit   int           `mapstructure:"recent_transactions_limit"`
	WalletLockTTL             time.Duration `mapstructure:"wallet_lock_ttl"`
	OutboxPollInterval        time.Duration `mapstructure:"outbox_poll_interval"`
	PendingReconcileBatchSize int           `mapstructure:"pending_reconcile_batch_size"`
	RefundLockTTL             time.Duration `mapstructure:"refund_lock_ttl"`
	PayoutStaleAfter          time.Duration `mapstructure:"payout_stale_after"`
}

const (
	CallbackPathSTK             = "/api/v1/mpesa/callback/stk"
	CallbackPathWallet          = "/api/v1/mpesa/callback/wallet"
	CallbackPathC2BValidation   = "/api/v1/mpesa/c2b/validation"
	CallbackPathC2BConfirmation = "/api/v1/mpesa/c2b/confirmation"
	CallbackPathB2CResult       = "/api/v1/mpesa/b2c/result"
	CallbackPathB2CTimeout      = "/api/v1/mpesa/b2c/timeout"
	CallbackPathBalanceResult   = "/api/v1/mpesa/balance/result"
	CallbackPathBalanceTimeout  = "/api/v1/mpesa/balance/timeout"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.rate_limit_rps", 10.0)
	v.SetDefault("server.rate_limit_burst", 20)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.host", "127.0.0.1")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.user", "root")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "mpesapay")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"127.0.0.1:9092"})
	v.SetDefault("kafka.topic.payment_events", "mpesa.payment.events")
	v.SetDefault("kafka.topic.order_events", "mpesa.order.events")
	v.SetDefault("kafka.topic.refund_events", "mpesa.refund.events")

	v.SetDefault("mpesa.environment", "sandbox")
	v.SetDefault("mpesa.base_url", "")
	v.SetDefault("mpesa.consumer_key", "")
	v.SetDefault("mpesa.consumer_secret", "")
	v.SetDefault("mpesa.passkey", "")
	v.SetDefault("mpesa.shortcode", "")
	v.SetDefault("mpesa.initiator_name", "")
	v.SetDefault("mpesa.initiator_password", "")
	v.SetDefault("mpesa.certificate_path", "")
	v.SetDefault("mpesa.callback_base_url", "")
	for _, key := range []string{"stk", "wallet", "c2b_validation", "c2b_confirmation", "b2c_result", "b2c_timeout", "balance_result", "balance_timeout"} {
		v.SetDefault("mpesa.callbacks."+key, "")
	}
	v.SetDefault("mpesa.request_timeout", 30*time.Second)
	v.SetDefault("mpesa.token_expiry_skew", time.Minute)
	v.SetDefault("mpesa.pending_result_codes", []string{"4999", "500.001.1001"})

	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("business.refund_window_days", 14)
	v.SetDefault("business.max_retry_count", 5)
	v.SetDefault("business.webhook_process_timeout", 20*time.Second)
	v.SetDefault("business.pending_reconcile_after", 5*time.Minute)
	v.SetDefault("business.pending_reconcile_interval", time.Minute)
	v.SetDefault("business.pending_reconcile_batch_size", 50)
	v.SetDefault("business.recent_transactions_limit", 10)
	v.SetDefault("business.wallet_lock_ttl", 30*time.Second)
	v.SetDefault("business.outbox_poll_interval", 500*time.Millisecond)
	v.SetDefault("business.refund_lock_ttl", 2*time.Minute)
	v.SetDefault("business.payout_stale_after", 30*time.Minute)
}

// legacyEnv maps environment names used by earlier deployments.
var legacyEnv = map[string]string{
	"mpesa.callbacks.stk":      "STK_CALLBACK_URL",
	"mpesa.callbacks.wallet":   "WALLET_CALLBACK_URL",
	"mpesa.callback_base_url":  "API_BASE_URL",
	"mpesa.certificate_path":   "MPESA_CERT_PATH",
	"mpesa.initiator_name":     "MPESA_INITIATOR_NAME",
	"mpesa.initiator_password": "MPESA_INITIATOR_PASSWORD",
}

// LoadConfig reads configPath, .env and the environment. A missing file is fine: defaults and environment
// variables still apply.
func LoadConfig(configPath string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		if err := v.BindEnv(key, strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !isNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Mpesa.resolveCallbacks()
	cfg.Business.RefundLockTTL = MinRefundLockTTL(cfg.Business.RefundLockTTL, cfg.Mpesa.RequestTimeout)

	return cfg, nil
}

// MinRefundLockTTL keeps the refund lock alive across a payout call, which
// may spend one request timeout on the token exchange and one on the payout.
func MinRefundLockTTL(ttl, requestTimeout time.Duration) time.Duration {
	floor := 2*requestTimeout + 10*time.Second
	if ttl < floor {
		return floor
	}
	return ttl
}

func isNotExist(err error) bool {
	return strings.Contains(err.Error(), "no such file or directory") ||
		strings.Contains(err.Error(), "cannot find the file")
}

func (m *MpesaConfig) resolveCallbacks() {
	base := strings.TrimRight(m.CallbackBaseURL, "/")
	fill := func(target *string, path string) {
		if *target == "" && base != "" {
			*target = base + path
		}
	}
	fill(&m.Callbacks.STK, CallbackPathSTK)
	fill(&m.Callbacks.Wallet, CallbackPathWallet)
	fill(&m.Callbacks.C2BValidation, CallbackPathC2BValidation)
	fill(&m.Callbacks.C2BConfirmation, CallbackPathC2BConfirmation)
	fill(&m.Callbacks.B2CResult, CallbackPathB2CResult)
	fill(&m.Callbacks.B2CTimeout, CallbackPathB2CTimeout)
	fill(&m.Callbacks.BalanceResult, CallbackPathBalanceResult)
	fill(&m.Callbacks.BalanceTimeout, CallbackPathBalanceTimeout)
}

// APIBaseURL returns the Daraja host for the configured environment.
func (m *MpesaConfig) APIBaseURL() string {
	if m.BaseURL != "" {
		return strings.TrimRight(m.BaseURL, "/")
	}
	if m.Environment == "production" {
		return "https://api.safaricom.co.ke"
	}
	return "https://sandbox.safaricom.co.ke"
}

// Validate checks the settings the provider client cannot run without.
func (m *MpesaConfig) Validate() error {
	var missing []string
	if m.ConsumerKey == "" {
		missing = append(missing, "mpesa.consumer_key")
	}
	if m.ConsumerSecret == "" {
		missing = append(missing, "mpesa.consumer_secret")
	}
	if m.ShortCode == "" {
		missing = append(missing, "mpesa.shortcode")
	}
	if m.Passkey == "" {
		missing = append(missing, "mpesa.passkey")
	}
	if m.Callbacks.STK == "" {
		missing = append(missing, "mpesa.callback_base_url or mpesa.callbacks.stk")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing M-Pesa configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}
