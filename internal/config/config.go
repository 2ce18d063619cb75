package config

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds the runtime configuration of the credit service.
type Config struct {
	DatabaseURL         string
	Port                string
	LogLevel            slog.Level
	JWTSecret           string
	StripeAPIKey        string
	StripeWebhookSecret string
	// PaymentProcessor is ProcessorStripe or ProcessorMock. The mock is never implied.
	PaymentProcessor string
	MaxCredits       int64
	MinPayoutCents   int64
	// TierRates maps an affiliate tier to its commission rate in percent.
	TierRates          map[int]decimal.Decimal
	PlanCredits        map[string]int64
	CORSAllowedOrigins []string
	RiverMaxWorkers    int
	VerifyInterval     time.Duration
}

const (
	ProcessorStripe = "stripe"
	ProcessorMock   = "mock"
)

const (
	DefaultMaxCredits     int64 = 1_000_000_000
	DefaultMinPayoutCents int64 = 5000
	DefaultTierRates            = "0:10,1:20,2:25,3:30"
)

// Load reads configuration from the environment. A .env file is loaded if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	maxCredits, err := envOrDefaultInt64("MAX_CREDITS", DefaultMaxCredits)
	if err != nil {
		return nil, err
	}
	minPayout, err := envOrDefaultInt64("MIN_PAYOUT_CENTS", DefaultMinPayoutCents)
	if err != nil {
		return nil, err
	}
	workers, err := envOrDefaultInt("RIVER_MAX_WORKERS", 10)
	if err != nil {
		return nil, err
	}
	interval, err := time.ParseDuration(envOrDefault("VERIFY_INTERVAL", "1h"))
	if err != nil {
		return nil, fmt.Errorf("VERIFY_INTERVAL must be a duration: %w", err)
	}
	rates, err := ParseTierRates(envOrDefault("COMMISSION_TIER_RATES", DefaultTierRates))
	if err != nil {
		return nil, err
	}
	plans, err := ParsePlanCredits(os.Getenv("PLAN_CREDITS"))
	if err != nil {
		return nil, err
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(envOrDefault("LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}

	cfg := &Config{
		DatabaseURL:         strings.TrimSpace(os.Getenv("DATABASE_URL")),
		Port:                envOrDefault("PORT", "8080"),
		LogLevel:            level,
		JWTSecret:           strings.TrimSpace(os.Getenv("JWT_SECRET")),
		StripeAPIKey:        strings.TrimSpace(os.Getenv("STRIPE_API_KEY")),
		StripeWebhookSecret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		PaymentProcessor:    strings.ToLower(envOrDefault("PAYMENT_PROCESSOR", ProcessorStripe)),
		MaxCredits:          maxCredits,
		MinPayoutCents:      minPayout,
		TierRates:           rates,
		PlanCredits:         plans,
		CORSAllowedOrigins:  splitList(envOrDefault("CORS_ALLOWED_ORIGINS", "http://localhost:3000")),
		RiverMaxWorkers:     workers,
		VerifyInterval:      interval,
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	if c.PaymentProcessor != ProcessorStripe && c.PaymentProcessor != ProcessorMock {
		return fmt.Errorf("PAYMENT_PROCESSOR must be %q or %q, got %q", ProcessorStripe, ProcessorMock, c.PaymentProcessor)
	}
	if c.MaxCredits <= 0 {
		return fmt.Errorf("MAX_CREDITS must be greater than 0, got %d", c.MaxCredits)
	}
	if c.MinPayoutCents < 0 {
		return fmt.Errorf("MIN_PAYOUT_CENTS must not be negative, got %d", c.MinPayoutCents)
	}
	if c.RiverMaxWorkers < 1 {
		return fmt.Errorf("RIVER_MAX_WORKERS must be at least 1, got %d", c.RiverMaxWorkers)
	}
	if c.VerifyInterval <= 0 {
		return fmt.Errorf("VERIFY_INTERVAL must be positive")
	}
	return nil
}

// ValidateProcessor checks that the selected payment processor can run. The API
// server calls it; offline tools that never reach the processor do not.
func (c *Config) ValidateProcessor() error {
	if c.PaymentProcessor == ProcessorStripe && c.StripeAPIKey == "" {
		return fmt.Errorf("STRIPE_API_KEY is required unless PAYMENT_PROCESSOR=%s", ProcessorMock)
	}
	return nil
}

// ParseTierRates parses "tier:percent" pairs such as "0:10,1:20,2:25,3:30".
// Rates must lie in [0,100] and must not decrease as the tier increases.
func ParseTierRates(s string) (map[int]decimal.Decimal, error) {
	rates := make(map[int]decimal.Decimal)
	for _, pair := range splitList(s) {
		tierStr, rateStr, ok := strings.Cut(pair, ":")
		if !ok {
			return nil, fmt.Errorf("COMMISSION_TIER_RATES: malformed pair %q", pair)
		}
		tier, err := strconv.Atoi(strings.TrimSpace(tierStr))
		if err != nil || tier < 0 {
			return nil, fmt.Errorf("COMMISSION_TIER_RATES: invalid tier %q", tierStr)
		}
		rate, err := decimal.NewFromString(strings.TrimSpace(rateStr))
		if err != nil {
			return nil, fmt.Errorf("COMMISSION_TIER_RATES: invalid rate %q: %w", rateStr, err)
		}
		if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(100)) {
			return nil, fmt.Errorf("COMMISSION_TIER_RATES: rate %s out of range", rate)
		}
		if _, dup := rates[tier]; dup {
			return nil, fmt.Errorf("COMMISSION_TIER_RATES: tier %d listed twice", tier)
		}
		rates[tier] = rate
	}
	if len(rates) == 0 {
		return nil, fmt.Errorf("COMMISSION_TIER_RATES: no tiers configured")
	}

	tiers := make([]int, 0, len(rates))
	for t := range rates {
		tiers = append(tiers, t)
	}
	sort.Ints(tiers)
	for i := 1; i < len(tiers); i++ {
		if rates[tiers[i]].LessThan(rates[tiers[i-1]]) {
			return nil, fmt.Errorf("COMMISSION_TIER_RATES: tier %d rate is lower than tier %d", tiers[i], tiers[i-1])
		}
	}
	return rates, nil
}

// ParsePlanCredits parses "price_id:credits" pairs. An empty string yields an empty map.
func ParsePlanCredits(s string) (map[string]int64, error) {
	plans := make(map[string]int64)
	for _, pair := range splitList(s) {
		id, creditsStr, ok := strings.Cut(pair, ":")
		id = strings.TrimSpace(id)
		if !ok || id == "" {
			return nil, fmt.Errorf("PLAN_CREDITS: malformed pair %q", pair)
		}
		n, err := strconv.ParseInt(strings.TrimSpace(creditsStr), 10, 64)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("PLAN_CREDITS: invalid credits for %s", id)
		}
		plans[id] = n
	}
	return plans, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultInt64(key string, fallback int64) (int64, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}
