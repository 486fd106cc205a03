package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                    string
	AllowedOrigin           string
	DatabaseURL             string
	RedisAddr               string
	RedisPassword           string
	RedisDB                 int
	StockCacheTTLSeconds    int
	AuthSecret              string
	AccessTokenTTLMinutes   int
	ManagerPIN              string
	StoreTimeoutSeconds     int
	TolerateUnknownVariants bool
	TierPolicy              string
	CostPolicy              string
	DefaultAmountPerPoint   int64
	DefaultPointsPerAmount  int64
	BootstrapAdminPassword  string
}

// Load reads an optional .env file and then the process environment.
// Values already present in the environment win over the file.
func Load() Config {
	_ = godotenv.Load()

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	cacheTTL := getPositiveInt("STOCK_CACHE_TTL_SECONDS", 30)
	tokenTTL := getPositiveInt("ACCESS_TOKEN_TTL_MINUTES", 480)
	storeTimeout := getPositiveInt("STORE_TIMEOUT_SECONDS", 5)

	tolerate, err := strconv.ParseBool(getEnv("TOLERATE_UNKNOWN_VARIANTS", "true"))
	if err != nil {
		tolerate = true
	}

	tierPolicy := strings.ToLower(strings.TrimSpace(getEnv("TIER_POLICY", "recalculate")))
	if tierPolicy != "recalculate" && tierPolicy != "sticky" {
		tierPolicy = "recalculate"
	}
	costPolicy := strings.ToLower(strings.TrimSpace(getEnv("COST_POLICY", "last_cost")))
	if costPolicy != "last_cost" && costPolicy != "weighted_average" {
		costPolicy = "last_cost"
	}

	cfg := Config{
		Port:                    getEnv("PORT", "8080"),
		AllowedOrigin:           getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		RedisAddr:               os.Getenv("REDIS_ADDR"),
		RedisPassword:           os.Getenv("REDIS_PASSWORD"),
		RedisDB:                 redisDB,
		StockCacheTTLSeconds:    cacheTTL,
		AuthSecret:              strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes:   tokenTTL,
		ManagerPIN:              strings.TrimSpace(os.Getenv("MANAGER_PIN")),
		StoreTimeoutSeconds:     storeTimeout,
		TolerateUnknownVariants: tolerate,
		TierPolicy:              tierPolicy,
		CostPolicy:              costPolicy,
		DefaultAmountPerPoint:   int64(getPositiveInt("DEFAULT_AMOUNT_PER_POINT", 1000)),
		DefaultPointsPerAmount:  int64(getPositiveInt("DEFAULT_POINTS_PER_AMOUNT", 1)),
		BootstrapAdminPassword:  os.Getenv("BOOTSTRAP_ADMIN_PASSWORD"),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getPositiveInt(key string, fallback int) int {
	val, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || val < 1 {
		return fallback
	}
	return val
}
