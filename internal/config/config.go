package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// AppConfig 聚合运行时配置，尽量通过环境变量注入，避免硬编码。
type AppConfig struct {
	HTTPAddr string
	LogLevel string

	// DBDriver 取值 sqlite / mysql
	DBDriver string
	DBDSN    string

	RedisAddr string
	RedisDB   int

	// Kafka 集群地址（逗号分隔）、Topic、消费者组
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string

	// Redis Stream outbox（对账/下单成功后入流，Relay 异步转 Kafka）
	PaymentEventStream   string
	PaymentEventGroup    string
	PaymentEventConsumer string

	// 下单接口限流
	CheckoutRateLimit  int
	CheckoutRateWindow time.Duration

	JWTSecret   string
	CORSOrigins []string

	Mpesa   MpesaConfig
	Pricing PricingConfig
}

// MpesaConfig 是 Daraja STK push 所需的凭据与端点。
type MpesaConfig struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	PassKey        string
	CallbackURL    string
	// Region 用于推导国家区号（KE -> 254）
	Region      string
	HTTPTimeout time.Duration
}

// PricingConfig 与前台展示报价时使用的费率保持一致。
type PricingConfig struct {
	ServiceChargeRate decimal.Decimal
	VATRate           decimal.Decimal
	DeliveryFee       int64 // 最小货币单位
	Currency          string
}

// Load 读取并校验配置，缺失时使用默认值。
// 工作目录下的 .env 会先被加载，文件不存在时忽略。
func Load() (AppConfig, error) {
	_ = godotenv.Load()

	cfg := AppConfig{
		HTTPAddr:             getEnv("HTTP_ADDR", ":8080"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		DBDriver:             getEnv("DB_DRIVER", "sqlite"),
		DBDSN:                getEnv("DB_DSN", "hotel_checkout.db"),
		RedisAddr:            getEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:              0,
		KafkaBrokers:         splitCSV(getEnv("KAFKA_BROKERS", "localhost:9092")),
		KafkaTopic:           getEnv("KAFKA_TOPIC", "hotel-payment-events"),
		KafkaGroupID:         getEnv("KAFKA_GROUP_ID", "hotel-payment-event-consumer"),
		PaymentEventStream:   getEnv("PAYMENT_EVENT_STREAM", "hotel_checkout:payment_events"),
		PaymentEventGroup:    getEnv("PAYMENT_EVENT_GROUP", "hotel-checkout-relay-group"),
		PaymentEventConsumer: getEnv("PAYMENT_EVENT_CONSUMER", "hotel-checkout-relay-1"),
		CheckoutRateLimit:    20,
		CheckoutRateWindow:   time.Minute,
		JWTSecret:            getEnv("JWT_SECRET", ""),
		CORSOrigins:          splitCSV(getEnv("CORS_ORIGINS", "*")),
		Mpesa: MpesaConfig{
			BaseURL:        strings.TrimRight(getEnv("MPESA_BASE_URL", "https://sandbox.safaricom.co.ke"), "/"),
			ConsumerKey:    getEnv("MPESA_CONSUMER_KEY", ""),
			ConsumerSecret: getEnv("MPESA_CONSUMER_SECRET", ""),
			ShortCode:      getEnv("MPESA_SHORTCODE", ""),
			PassKey:        getEnv("MPESA_PASSKEY", ""),
			CallbackURL:    getEnv("MPESA_CALLBACK_URL", ""),
			Region:         strings.ToUpper(getEnv("MPESA_REGION", "KE")),
			HTTPTimeout:    30 * time.Second,
		},
		Pricing: PricingConfig{
			ServiceChargeRate: decimal.RequireFromString("0.10"),
			VATRate:           decimal.RequireFromString("0.16"),
			DeliveryFee:       500,
			Currency:          strings.ToUpper(getEnv("CURRENCY", "KES")),
		},
	}

	if cfg.DBDriver != "sqlite" && cfg.DBDriver != "mysql" {
		return AppConfig{}, fmt.Errorf("DB_DRIVER must be sqlite or mysql, got %q", cfg.DBDriver)
	}

	redisDB, err := getEnvInt("REDIS_DB", cfg.RedisDB)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid REDIS_DB: %w", err)
	}
	cfg.RedisDB = redisDB

	rateLimit, err := getEnvInt("CHECKOUT_RATE_LIMIT", cfg.CheckoutRateLimit)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid CHECKOUT_RATE_LIMIT: %w", err)
	}
	if rateLimit <= 0 {
		return AppConfig{}, fmt.Errorf("CHECKOUT_RATE_LIMIT must be > 0")
	}
	cfg.CheckoutRateLimit = rateLimit

	rateWindowSec, err := getEnvInt("CHECKOUT_RATE_WINDOW_SEC", int(cfg.CheckoutRateWindow.Seconds()))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid CHECKOUT_RATE_WINDOW_SEC: %w", err)
	}
	if rateWindowSec <= 0 {
		return AppConfig{}, fmt.Errorf("CHECKOUT_RATE_WINDOW_SEC must be > 0")
	}
	cfg.CheckoutRateWindow = time.Duration(rateWindowSec) * time.Second

	timeoutSec, err := getEnvInt("MPESA_HTTP_TIMEOUT_SEC", int(cfg.Mpesa.HTTPTimeout.Seconds()))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid MPESA_HTTP_TIMEOUT_SEC: %w", err)
	}
	if timeoutSec <= 0 {
		return AppConfig{}, fmt.Errorf("MPESA_HTTP_TIMEOUT_SEC must be > 0")
	}
	cfg.Mpesa.HTTPTimeout = time.Duration(timeoutSec) * time.Second

	if cfg.Pricing.ServiceChargeRate, err = getEnvDecimal("SERVICE_CHARGE_RATE", cfg.Pricing.ServiceChargeRate); err != nil {
		return AppConfig{}, fmt.Errorf("invalid SERVICE_CHARGE_RATE: %w", err)
	}
	if cfg.Pricing.VATRate, err = getEnvDecimal("VAT_RATE", cfg.Pricing.VATRate); err != nil {
		return AppConfig{}, fmt.Errorf("invalid VAT_RATE: %w", err)
	}
	if cfg.Pricing.ServiceChargeRate.IsNegative() || cfg.Pricing.VATRate.IsNegative() {
		return AppConfig{}, fmt.Errorf("SERVICE_CHARGE_RATE and VAT_RATE must be >= 0")
	}

	fee, err := getEnvInt("DELIVERY_FEE", int(cfg.Pricing.DeliveryFee))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid DELIVERY_FEE: %w", err)
	}
	if fee < 0 {
		return AppConfig{}, fmt.Errorf("DELIVERY_FEE must be >= 0")
	}
	cfg.Pricing.DeliveryFee = int64(fee)

	if len(cfg.Pricing.Currency) != 3 {
		return AppConfig{}, fmt.Errorf("CURRENCY must be a 3 letter code")
	}
	if len(cfg.KafkaBrokers) == 0 {
		return AppConfig{}, fmt.Errorf("KAFKA_BROKERS must not be empty")
	}
	if cfg.KafkaTopic == "" {
		return AppConfig{}, fmt.Errorf("KAFKA_TOPIC must not be empty")
	}
	if cfg.KafkaGroupID == "" {
		return AppConfig{}, fmt.Errorf("KAFKA_GROUP_ID must not be empty")
	}
	if cfg.PaymentEventStream == "" {
		return AppConfig{}, fmt.Errorf("PAYMENT_EVENT_STREAM must not be empty")
	}
	if cfg.PaymentEventGroup == "" {
		return AppConfig{}, fmt.Errorf("PAYMENT_EVENT_GROUP must not be empty")
	}
	if cfg.PaymentEventConsumer == "" {
		return AppConfig{}, fmt.Errorf("PAYMENT_EVENT_CONSUMER must not be empty")
	}
	if err := cfg.Mpesa.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (m MpesaConfig) validate() error {
	required := []struct {
		key, value string
	}{
		{"MPESA_CONSUMER_KEY", m.ConsumerKey},
		{"MPESA_CONSUMER_SECRET", m.ConsumerSecret},
		{"MPESA_SHORTCODE", m.ShortCode},
		{"MPESA_PASSKEY", m.PassKey},
		{"MPESA_CALLBACK_URL", m.CallbackURL},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("%s must not be empty", r.key)
		}
	}
	if len(m.Region) != 2 {
		return fmt.Errorf("MPESA_REGION must be a 2 letter region code")
	}
	return nil
}

// getEnv 读取字符串环境变量，若为空则返回默认值。
func getEnv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

// getEnvInt 读取整数环境变量，若为空则返回默认值。
func getEnvInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

func getEnvDecimal(key string, fallback decimal.Decimal) (decimal.Decimal, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	return decimal.NewFromString(v)
}

// splitCSV 将逗号分隔字符串解析为字符串切片。
func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
