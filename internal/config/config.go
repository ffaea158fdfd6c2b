package config

import (
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

type Config struct {
	// Position provider
	ProviderBaseURL     string
	ProviderLoginPath   string
	ProviderHistoryPath string
	ProviderUser        string
	ProviderPass        string
	ProviderHash        string
	ProviderClientCode  string
	ProviderPageMax     int
	ProviderTimeout     time.Duration
	ProviderRetryMax    int
	ProviderRetryDelay  time.Duration

	// Postgres
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBMaxConns int32

	// Redis (live state)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Cycle
	PollInterval   time.Duration
	DefaultHorizon time.Duration
	LookbackPoints int
	StagnantGap    time.Duration
	MetricsPort    string

	// Trend detection
	StartThresholdPP      decimal.Decimal
	MinDurationToOpen     time.Duration
	StopThresholdPP       decimal.Decimal
	JumpThresholdPP       decimal.Decimal
	ReversalWindow        time.Duration
	ReversalTolerancePP   decimal.Decimal
	ExitRadiusM           float64
	StopSpeedKmh          float64
	StopDwell             time.Duration
	MaxSessionDuration    time.Duration
	StaleWindow           time.Duration
	StaleEpsilonPP        decimal.Decimal
	IdleGapReset          time.Duration
	TouchOnlyWhileStopped bool

	// Session validation
	MinSessionDuration time.Duration
	MinSessionDeltaPP  decimal.Decimal
}

func Load() *Config {
	return &Config{
		ProviderBaseURL:     getEnv("PROVIDER_BASE_URL", ""),
		ProviderLoginPath:   getEnv("PROVIDER_LOGIN_PATH", "/Login/Login"),
		ProviderHistoryPath: getEnv("PROVIDER_HISTORY_PATH", "/HistoryPosition/List"),
		ProviderUser:        getEnv("PROVIDER_USER", ""),
		ProviderPass:        getEnv("PROVIDER_PASS", ""),
		ProviderHash:        getEnv("PROVIDER_HASH", ""),
		ProviderClientCode:  getEnv("PROVIDER_CLIENT_CODE", ""),
		ProviderPageMax:     getEnvInt("PROVIDER_PAGE_MAX", 80000),
		ProviderTimeout:     getEnvDuration("PROVIDER_TIMEOUT", 120*time.Second),
		ProviderRetryMax:    getEnvInt("PROVIDER_RETRY_MAX", 3),
		ProviderRetryDelay:  getEnvDuration("PROVIDER_RETRY_DELAY", 2*time.Second),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "tank_user"),
		DBPassword: getEnv("DB_PASSWORD", "tank_password"),
		DBName:     getEnv("DB_NAME", "tank_monitor"),
		DBMaxConns: int32(getEnvInt("DB_MAX_CONNS", 10)),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		PollInterval:   getEnvDuration("POLL_INTERVAL", 5*time.Minute),
		DefaultHorizon: getEnvDuration("DEFAULT_HORIZON", 24*time.Hour),
		LookbackPoints: getEnvInt("LOOKBACK_POINTS", 10),
		StagnantGap:    getEnvDuration("STAGNANT_GAP", 30*time.Minute),
		MetricsPort:    getEnv("METRICS_PORT", "9091"),

		StartThresholdPP:      getEnvDecimal("START_THRESHOLD_PP", "10"),
		MinDurationToOpen:     getEnvDuration("MIN_DURATION_TO_OPEN", 2*time.Minute),
		StopThresholdPP:       getEnvDecimal("STOP_THRESHOLD_PP", "3"),
		JumpThresholdPP:       getEnvDecimal("JUMP_THRESHOLD_PP", "20"),
		ReversalWindow:        getEnvDuration("REVERSAL_WINDOW", 10*time.Minute),
		ReversalTolerancePP:   getEnvDecimal("REVERSAL_TOLERANCE_PP", "3"),
		ExitRadiusM:           getEnvFloat("EXIT_RADIUS_M", 150),
		StopSpeedKmh:          getEnvFloat("STOP_SPEED_KMH", 2),
		StopDwell:             getEnvDuration("STOP_DWELL", 0),
		MaxSessionDuration:    getEnvDuration("MAX_SESSION_DURATION", 2*time.Hour),
		StaleWindow:           getEnvDuration("STALE_WINDOW", 20*time.Minute),
		StaleEpsilonPP:        getEnvDecimal("STALE_EPSILON_PP", "0.5"),
		IdleGapReset:          getEnvDuration("IDLE_GAP_RESET", 30*time.Minute),
		TouchOnlyWhileStopped: getEnvBool("TOUCH_ONLY_WHILE_STOPPED", false),

		MinSessionDuration: getEnvDuration("MIN_SESSION_DURATION", 2*time.Minute),
		MinSessionDeltaPP:  getEnvDecimal("MIN_SESSION_DELTA_PP", "5"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func getEnvDecimal(key, fallback string) decimal.Decimal {
	v := os.Getenv(key)
	if v == "" {
		v = fallback
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.RequireFromString(fallback)
	}
	return d
}
