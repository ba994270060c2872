package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	AuthSecret            string
	AccessTokenTTLMinutes int
	DedupTTLSeconds       int
	OTPTTLSeconds         int
	KafkaBrokers          []string
	KafkaTopic            string
	SMSGatewayURL         string
	SMSGatewayToken       string
	OAuthTokenURL         string
	LogLevel              string
	LogFile               string
	SeedCatalog           bool
	SeedFile              string
}

func Load() Config {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ALLOWED_ORIGIN", "http://127.0.0.1:3000")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("ACCESS_TOKEN_TTL_MINUTES", 480)
	v.SetDefault("DEDUP_TTL_SECONDS", 600)
	v.SetDefault("OTP_TTL_SECONDS", 300)
	v.SetDefault("KAFKA_TOPIC", "gpos.events")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("SEED_CATALOG", false)

	tokenTTL := v.GetInt("ACCESS_TOKEN_TTL_MINUTES")
	if tokenTTL < 1 {
		tokenTTL = 480
	}
	dedupTTL := v.GetInt("DEDUP_TTL_SECONDS")
	if dedupTTL < 1 {
		dedupTTL = 600
	}
	otpTTL := v.GetInt("OTP_TTL_SECONDS")
	if otpTTL < 30 {
		otpTTL = 300
	}

	return Config{
		Port:                  v.GetString("PORT"),
		AllowedOrigin:         v.GetString("ALLOWED_ORIGIN"),
		DatabaseURL:           v.GetString("DATABASE_URL"),
		RedisAddr:             v.GetString("REDIS_ADDR"),
		RedisPassword:         v.GetString("REDIS_PASSWORD"),
		RedisDB:               v.GetInt("REDIS_DB"),
		AuthSecret:            strings.TrimSpace(v.GetString("AUTH_SECRET")),
		AccessTokenTTLMinutes: tokenTTL,
		DedupTTLSeconds:       dedupTTL,
		OTPTTLSeconds:         otpTTL,
		KafkaBrokers:          splitList(v.GetString("KAFKA_BROKERS")),
		KafkaTopic:            v.GetString("KAFKA_TOPIC"),
		SMSGatewayURL:         strings.TrimSpace(v.GetString("SMS_GATEWAY_URL")),
		SMSGatewayToken:       strings.TrimSpace(v.GetString("SMS_GATEWAY_TOKEN")),
		OAuthTokenURL:         strings.TrimSpace(v.GetString("OAUTH_TOKEN_URL")),
		LogLevel:              strings.ToLower(v.GetString("LOG_LEVEL")),
		LogFile:               strings.TrimSpace(v.GetString("LOG_FILE")),
		SeedCatalog:           v.GetBool("SEED_CATALOG"),
		SeedFile:              strings.TrimSpace(v.GetString("SEED_FILE")),
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
