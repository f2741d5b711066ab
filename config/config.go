package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"autotrade/internal/engine"
	"autotrade/internal/markethours"
	"autotrade/internal/model"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Listeners
	HTTPAddr    string
	MetricsAddr string

	// Storage
	StoreDriver string // sqlite | memory
	SQLitePath  string

	// Redis (empty RedisAddr = in-process price feed)
	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	PriceKeyPrefix     string
	PriceEventsChannel string
	OrderEventsChannel string

	// Engine
	OrderTTL           time.Duration
	TickInterval       time.Duration
	FeedTimeout        time.Duration
	PriceStaleAfter    time.Duration
	EvalConcurrency    int
	ChildOrderType     model.OrderType
	AutoAssignChildren bool
	OCOChildren        bool
	RequireMarketOpen  bool
	MarketTZ           string
	EventDriven        bool

	// API
	AdminTOTPSecret string
	APIRPS          float64
	APIBurst        int

	// Notification channels (empty = disabled)
	WebhookURL       string
	TelegramBotToken string
	TelegramChatID   string

	// Recommender (empty = built-in crossover)
	RecommenderURL string

	// Simulator
	SimSymbols    string
	SimStartPrice decimal.Decimal
	SimInterval   time.Duration

	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is loaded first if present.
func Load() *Config {
	if err := godotenv.Load(); err == nil {
		log.Printf("[config] loaded .env")
	}

	return &Config{
		HTTPAddr:    getEnv("HTTP_ADDR", ":8080"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),

		StoreDriver: strings.ToLower(getEnv("STORE_DRIVER", "sqlite")),
		SQLitePath:  getEnv("SQLITE_PATH", "data/orders.db"),

		RedisAddr:          getEnv("REDIS_ADDR", ""),
		RedisPassword:      getEnv("REDIS_PASSWORD", ""),
		RedisDB:            getInt("REDIS_DB", 0),
		PriceKeyPrefix:     getEnv("PRICE_KEY_PREFIX", "price:latest:"),
		PriceEventsChannel: getEnv("PRICE_EVENTS_CHANNEL", "price:updates"),
		OrderEventsChannel: getEnv("ORDER_EVENTS_CHANNEL", "orders:events"),

		OrderTTL:           getDuration("ORDER_TTL", 24*time.Hour),
		TickInterval:       getDuration("TICK_INTERVAL", 2*time.Second),
		FeedTimeout:        getDuration("FEED_TIMEOUT", 3*time.Second),
		PriceStaleAfter:    getDuration("PRICE_STALE_AFTER", 30*time.Second),
		EvalConcurrency:    getInt("EVAL_CONCURRENCY", 16),
		ChildOrderType:     model.OrderType(strings.ToUpper(getEnv("CHILD_ORDER_TYPE", string(model.OrderTypeStopLimit)))),
		AutoAssignChildren: getBool("AUTO_ASSIGN_CHILDREN", true),
		OCOChildren:        getBool("OCO_CHILDREN", false),
		RequireMarketOpen:  getBool("REQUIRE_MARKET_OPEN", false),
		MarketTZ:           getEnv("MARKET_TZ", "America/New_York"),
		EventDriven:        getBool("EVENT_DRIVEN", true),

		AdminTOTPSecret: getEnv("ADMIN_TOTP_SECRET", ""),
		APIRPS:          getFloat("API_RPS", 20),
		APIBurst:        getInt("API_BURST", 40),

		WebhookURL:       getEnv("WEBHOOK_URL", ""),
		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),

		RecommenderURL: getEnv("RECOMMENDER_URL", ""),

		SimSymbols:    getEnv("SIM_SYMBOLS", "AAPL,MSFT,GOOG"),
		SimStartPrice: getDecimal("SIM_START_PRICE", decimal.NewFromInt(100)),
		SimInterval:   getDuration("SIM_INTERVAL", time.Second),

		LogLevel: strings.ToLower(getEnv("LOG_LEVEL", "info")),
	}
}

// EngineOptions converts the engine section into engine.Options. An unknown
// MARKET_TZ falls back to UTC with a warning.
func (c *Config) EngineOptions() engine.Options {
	opts := engine.DefaultOptions()
	opts.OrderTTL = c.OrderTTL
	opts.TickInterval = c.TickInterval
	opts.FeedTimeout = c.FeedTimeout
	opts.PriceStaleAfter = c.PriceStaleAfter
	opts.EvalConcurrency = c.EvalConcurrency
	opts.AutoAssignChildren = c.AutoAssignChildren
	opts.OCOChildren = c.OCOChildren
	opts.RequireMarketOpen = c.RequireMarketOpen

	switch c.ChildOrderType {
	case model.OrderTypeStopLimit, model.OrderTypeLimit:
		opts.ChildOrderType = c.ChildOrderType
	default:
		log.Printf("[config] CHILD_ORDER_TYPE %q unsupported, using %s", c.ChildOrderType, model.OrderTypeStopLimit)
	}

	cal, err := markethours.New(c.MarketTZ)
	if err != nil {
		log.Printf("[config] MARKET_TZ %q: %v; using UTC", c.MarketTZ, err)
		cal = markethours.NewInLocation(time.UTC)
	}
	opts.Calendar = cal
	return opts
}

// Symbols parses SimSymbols into upper-case symbols.
func (c *Config) Symbols() []string {
	parts := strings.Split(c.SimSymbols, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.ToUpper(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %g", key, v, fallback)
		return fallback
	}
	return f
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %t", key, v, fallback)
		return fallback
	}
	return b
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %s", key, v, fallback)
		return fallback
	}
	return d
}

func getDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %s", key, v, fallback)
		return fallback
	}
	return d
}
