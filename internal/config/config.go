package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultJWTSecret = "dev-secret-change-me"
	defaultSecretKey = "dev-room-key-change-me"
)

type Config struct {
	Port                  string
	Env                   string
	DatabaseDriver        string
	DatabaseDSN           string
	JWTSecret             string
	AccessTokenTTLMinutes int
	RedisURL              string
	CORSOrigins           []string

	CryptoBackend  string
	SecretKey      string
	AgeIdentity    string
	RequestTimeout time.Duration
	CryptoTimeout  time.Duration
	DecryptWorkers int

	StrictMembership bool
	ReapSchedule     string
	ListLimit        int
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

// getenvInt 解析正整数，非法或非正数时回退到默认值。
func getenvInt(key string, def int) int {
	v, err := strconv.Atoi(getenv(key, ""))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v, err := time.ParseDuration(getenv(key, ""))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func getenvBool(key string, def bool) bool {
	v, err := strconv.ParseBool(getenv(key, ""))
	if err != nil {
		return def
	}
	return v
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// LoadFile 先加载 .env 文件（不存在时忽略），再读取环境变量。
func LoadFile(path string) Config {
	if path != "" {
		_ = godotenv.Load(path)
	} else {
		_ = godotenv.Load()
	}
	return Load()
}

func Load() Config {
	driver := strings.ToLower(getenv("DATABASE_DRIVER", "postgres"))
	defDSN := "host=localhost user=postgres password=postgres dbname=k9room port=5432 sslmode=disable TimeZone=UTC"
	if driver == "sqlite" {
		defDSN = "file:k9room.db?_busy_timeout=5000"
	}
	listLimit := getenvInt("LIST_LIMIT", 100)
	if listLimit > 200 {
		listLimit = 200
	}
	return Config{
		Port:                  getenv("APP_PORT", "8080"),
		Env:                   getenv("APP_ENV", "dev"),
		DatabaseDriver:        driver,
		DatabaseDSN:           getenv("DATABASE_DSN", defDSN),
		JWTSecret:             getenv("JWT_SECRET", defaultJWTSecret),
		AccessTokenTTLMinutes: getenvInt("ACCESS_TOKEN_TTL_MINUTES", 60*24),
		RedisURL:              getenv("REDIS_URL", ""),
		CORSOrigins:           splitList(getenv("CORS_ORIGINS", "")),
		CryptoBackend:         strings.ToLower(getenv("CRYPTO_BACKEND", "secretbox")),
		SecretKey:             getenv("SECRET_KEY", defaultSecretKey),
		AgeIdentity:           getenv("AGE_IDENTITY", ""),
		RequestTimeout:        getenvDuration("REQUEST_TIMEOUT", 5*time.Second),
		CryptoTimeout:         getenvDuration("CRYPTO_TIMEOUT", 3*time.Second),
		DecryptWorkers:        getenvInt("DECRYPT_WORKERS", 4),
		StrictMembership:      getenvBool("STRICT_MEMBERSHIP", false),
		ReapSchedule:          getenv("REAP_SCHEDULE", "@every 1m"),
		ListLimit:             listLimit,
	}
}

// Validate 校验启动所需配置，非 dev 环境禁止使用默认密钥。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("APP_PORT is required")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("DATABASE_DSN is required")
	}
	switch cfg.DatabaseDriver {
	case "", "postgres", "sqlite":
	default:
		return errors.New("DATABASE_DRIVER must be postgres or sqlite")
	}
	if cfg.Env != "dev" && cfg.JWTSecret == defaultJWTSecret {
		return errors.New("JWT_SECRET must be changed outside dev")
	}
	switch cfg.CryptoBackend {
	case "", "secretbox":
		if cfg.Env != "dev" && (cfg.SecretKey == "" || cfg.SecretKey == defaultSecretKey) {
			return errors.New("SECRET_KEY must be set outside dev")
		}
	case "age":
		if cfg.AgeIdentity == "" {
			return errors.New("AGE_IDENTITY is required for the age backend")
		}
	default:
		return errors.New("CRYPTO_BACKEND must be secretbox or age")
	}
	return nil
}
