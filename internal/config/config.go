package config

import (
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

var AppConfig Config

func InitConfig() {
	viper.AutomaticEnv()

	// Default config
	viper.SetDefault("HTTP_PORT", "8081")
	viper.SetDefault("DB_DIR", "/app/db")
	viper.SetDefault("DB_FILE", "walletmux.db")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("RELAY_URLS", "wss://relay.example.com")
	viper.SetDefault("UPSTREAM_URI", "ws://127.0.0.1:9735")
	viper.SetDefault("UPSTREAM_TOKEN", "")
	viper.SetDefault("UPSTREAM_TIMEOUT_INFO", "15s")
	viper.SetDefault("UPSTREAM_TIMEOUT_MAKE", "20s")
	viper.SetDefault("UPSTREAM_TIMEOUT_LOOKUP", "20s")
	viper.SetDefault("UPSTREAM_TIMEOUT_PAY", "60s")
	viper.SetDefault("SWEEP_INTERVAL", "60s")
	viper.SetDefault("ROUTER_MAX_IN_FLIGHT", 256)
	viper.SetDefault("ADMIN_JWT_SECRET", "")
	viper.SetDefault("ADMIN_ENABLED", true)

	logLevel, err := logrus.ParseLevel(strings.ToLower(viper.GetString("LOG_LEVEL")))
	if err != nil {
		logrus.Fatalf("invalid log level: %v", err)
	}

	masterKey := viper.GetString("STORAGE_MASTER_KEY")
	if masterKey == "" {
		logrus.Fatal("STORAGE_MASTER_KEY is required")
	}

	AppConfig = Config{
		HTTPPort:            viper.GetString("HTTP_PORT"),
		DbDir:               viper.GetString("DB_DIR"),
		DbFile:              viper.GetString("DB_FILE"),
		LogLevel:            logLevel,
		StorageMasterKey:    masterKey,
		RelayURLs:           splitAndTrim(viper.GetString("RELAY_URLS")),
		UpstreamURI:         viper.GetString("UPSTREAM_URI"),
		UpstreamToken:       viper.GetString("UPSTREAM_TOKEN"),
		UpstreamTimeoutInfo: viper.GetDuration("UPSTREAM_TIMEOUT_INFO"),
		UpstreamTimeoutMake: viper.GetDuration("UPSTREAM_TIMEOUT_MAKE"),
		UpstreamTimeoutLkup: viper.GetDuration("UPSTREAM_TIMEOUT_LOOKUP"),
		UpstreamTimeoutPay:  viper.GetDuration("UPSTREAM_TIMEOUT_PAY"),
		SweepInterval:       viper.GetDuration("SWEEP_INTERVAL"),
		RouterMaxInFlight:   viper.GetInt("ROUTER_MAX_IN_FLIGHT"),
		AdminJWTSecret:      viper.GetString("ADMIN_JWT_SECRET"),
		AdminEnabled:        viper.GetBool("ADMIN_ENABLED"),
	}

	logrus.Infof("init config, db=%s/%s, relays=%v, upstream=%s, sweep_interval=%v",
		AppConfig.DbDir, AppConfig.DbFile, AppConfig.RelayURLs, AppConfig.UpstreamURI, AppConfig.SweepInterval)

	logrus.SetOutput(os.Stdout)
	logrus.SetLevel(AppConfig.LogLevel)
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

type Config struct {
	HTTPPort string
	DbDir    string
	DbFile   string
	LogLevel logrus.Level

	// StorageMasterKey per §4.2: 64 lowercase hex chars, or 32-byte
	// base64, or an arbitrary passphrase hashed with SHA-256.
	StorageMasterKey string

	RelayURLs   []string
	UpstreamURI string

	UpstreamToken string

	UpstreamTimeoutInfo time.Duration
	UpstreamTimeoutMake time.Duration
	UpstreamTimeoutLkup time.Duration
	UpstreamTimeoutPay  time.Duration

	SweepInterval time.Duration

	RouterMaxInFlight int

	AdminJWTSecret string
	AdminEnabled   bool
}
