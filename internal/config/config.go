package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	LogLevel    string
	HTTPAddr    string

	BaseCurrency string

	AccountingBaseURL string
	AccountingToken   string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBPath            string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int

	Tax   TaxConfig
	Sync  SyncConfig
	Rates RatesConfig
}

// TaxConfig describes the seller's tax situation. It is loaded once and
// compiled into a tax.Profile at startup.
type TaxConfig struct {
	HomeCountry           string
	SmallBusiness         bool
	OSSEnabled            bool
	OSSThreshold          decimal.Decimal
	StandardRate          decimal.Decimal
	ReducedRate           decimal.Decimal
	ReducedCategories     []string
	AccountChart          string
	YearToDateRemoteSales decimal.Decimal
}

// SyncConfig tunes the orchestrator and the ledger submission decorator.
type SyncConfig struct {
	Source           string
	BatchSize        int
	Concurrency      int
	RunInterval      time.Duration
	SubmitTimeout    time.Duration
	MaxAttempts      int
	BackoffBase      time.Duration
	CircuitThreshold uint32
	CircuitCooldown  time.Duration
	StaleReservation time.Duration
	InitialSyncStart string
}

// RatesConfig carries manually configured FX rates relative to the base
// currency, e.g. FX_MANUAL_RATES="USD=0.92,GBP=1.16".
type RatesConfig struct {
	Manual map[string]decimal.Decimal
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "booksync"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		LogLevel:    getenv("LOG_LEVEL", "info"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		BaseCurrency: strings.ToUpper(getenv("BASE_CURRENCY", "EUR")),

		AccountingBaseURL: getenv("ACCOUNTING_BASE_URL", ""),
		AccountingToken:   getenv("ACCOUNTING_API_TOKEN", ""),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "booksync"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBPath:            getenv("DATABASE_PATH", "booksync.db"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 3600),

		Tax: TaxConfig{
			HomeCountry:           strings.ToUpper(getenv("TAX_HOME_COUNTRY", "DE")),
			SmallBusiness:         getenvBool("TAX_SMALL_BUSINESS", false),
			OSSEnabled:            getenvBool("TAX_ENABLE_OSS", true),
			OSSThreshold:          getenvDecimal("TAX_OSS_THRESHOLD", "10000.00"),
			StandardRate:          getenvDecimal("TAX_RATE_STANDARD", "19"),
			ReducedRate:           getenvDecimal("TAX_RATE_REDUCED", "7"),
			ReducedCategories:     getenvList("TAX_REDUCED_CATEGORIES", "books,food"),
			AccountChart:          getenv("TAX_ACCOUNT_CHART", "SKR03"),
			YearToDateRemoteSales: getenvDecimal("TAX_YTD_REMOTE_SALES", "0"),
		},

		Sync: SyncConfig{
			Source:           getenv("SYNC_SOURCE", "etsy"),
			BatchSize:        getenvInt("SYNC_BATCH_SIZE", 100),
			Concurrency:      getenvInt("SYNC_CONCURRENCY", 4),
			RunInterval:      getenvDuration("SYNC_RUN_INTERVAL", 5*time.Minute),
			SubmitTimeout:    getenvDuration("SYNC_SUBMIT_TIMEOUT", 30*time.Second),
			MaxAttempts:      getenvInt("SYNC_MAX_ATTEMPTS", 5),
			BackoffBase:      getenvDuration("SYNC_BACKOFF_BASE", 500*time.Millisecond),
			CircuitThreshold: uint32(getenvInt("SYNC_CIRCUIT_THRESHOLD", 5)),
			CircuitCooldown:  getenvDuration("SYNC_CIRCUIT_COOLDOWN", time.Minute),
			StaleReservation: getenvDuration("SYNC_STALE_RESERVATION", 15*time.Minute),
			InitialSyncStart: getenv("SYNC_INITIAL_START_DATE", "2024-01-01"),
		},

		Rates: RatesConfig{
			Manual: parseRates(getenv("FX_MANUAL_RATES", "")),
		},
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDecimal(key, def string) decimal.Decimal {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		value = def
	}
	parsed, err := decimal.NewFromString(value)
	if err != nil {
		parsed, _ = decimal.NewFromString(def)
	}
	return parsed
}

func getenvList(key, def string) []string {
	raw := getenv(key, def)
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

// parseRates parses "USD=0.92,GBP=1.16" into a currency->rate map.
// Malformed pairs are skipped rather than failing startup.
func parseRates(raw string) map[string]decimal.Decimal {
	rates := make(map[string]decimal.Decimal)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		rate, err := decimal.NewFromString(strings.TrimSpace(kv[1]))
		if err != nil {
			continue
		}
		rates[strings.ToUpper(strings.TrimSpace(kv[0]))] = rate
	}
	return rates
}
