package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every runtime knob the bot recognizes. Values come from
// the environment (optionally via a .env file) with sane defaults for
// everything except credentials.
type Config struct {
	// Exchange credentials and mode
	BinanceAPIKey    string
	BinanceSecretKey string
	UseTestnet       bool
	PaperTrading     bool

	// Market
	Symbol     string
	Timeframes []string
	Lookback   int

	// Signal thresholds
	LongThreshold  int
	ShortThreshold int

	// Sizing and risk
	RiskFraction        float64
	Leverage            int
	InitialStopPercent  float64
	TrailingStepPercent float64

	// Safe entry
	SafeDistancePct float64
	ConfirmTicks    int
	MaxWait         time.Duration
	MinTickSize     float64

	// Engine cadence
	CycleInterval time.Duration

	// Notifications
	TelegramToken    string
	AuthorizedUserID int64

	// Observability and persistence
	LogLevel    string
	MetricsAddr string
	StorePath   string
}

// DefaultTimeframes covers one minute through one week, the full ladder
// the aggregator votes over.
var DefaultTimeframes = []string{"1m", "3m", "5m", "15m", "30m", "1h", "4h", "1d", "1w"}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	cfg := &Config{
		BinanceAPIKey:    os.Getenv("BINANCE_API_KEY"),
		BinanceSecretKey: os.Getenv("BINANCE_SECRET_KEY"),
		UseTestnet:       getEnvBool("USE_TESTNET", true),
		PaperTrading:     getEnvBool("PAPER_TRADING", true),

		Symbol:     getEnvString("SYMBOL", "BTCUSDT"),
		Timeframes: DefaultTimeframes,
		Lookback:   getEnvInt("LOOKBACK", 100),

		LongThreshold:  getEnvInt("LONG_THRESHOLD", 800),
		ShortThreshold: getEnvInt("SHORT_THRESHOLD", -800),

		RiskFraction:        getEnvFloat("RISK_FRACTION", 0.02),
		Leverage:            getEnvInt("LEVERAGE", 5),
		InitialStopPercent:  getEnvFloat("INITIAL_STOP_PERCENT", 0.02),
		TrailingStepPercent: getEnvFloat("TRAILING_STEP_PERCENT", 0.01),

		SafeDistancePct: getEnvFloat("SAFE_DISTANCE_PCT", 0.001),
		ConfirmTicks:    getEnvInt("CONFIRM_TICKS", 3),
		MaxWait:         time.Duration(getEnvInt("MAX_WAIT_SECONDS", 300)) * time.Second,
		MinTickSize:     getEnvFloat("MIN_TICK_SIZE", 0.1),

		CycleInterval: time.Duration(getEnvInt("CYCLE_INTERVAL_SECONDS", 60)) * time.Second,

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		LogLevel:    getEnvString("LOG_LEVEL", "info"),
		MetricsAddr: getEnvString("METRICS_ADDR", ":9099"),
		StorePath:   os.Getenv("STORE_PATH"),
	}

	if tf := os.Getenv("TIMEFRAMES"); tf != "" {
		cfg.Timeframes = splitCSV(tf)
	}

	if id := os.Getenv("AUTHORIZED_USER_ID"); id != "" {
		userID, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			log.Fatal("Invalid AUTHORIZED_USER_ID")
		}
		cfg.AuthorizedUserID = userID
	}

	return cfg
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
