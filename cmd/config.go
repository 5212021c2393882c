// Package main provides the sensorhub command line.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"procodus.dev/sensorhub/pkg/logger"
)

// legacyEnv maps config keys to the unprefixed variable names older
// deployments still set.
var legacyEnv = map[string][]string{
	"db.url":             {"DATABASE_URL"},
	"auth.api_key":       {"API_TOKEN", "API_KEY"},
	"session.secret":     {"SECRET_KEY"},
	"dashboard.username": {"DASHBOARD_USER"},
	"dashboard.password": {"DASHBOARD_PASS"},
	"http.port":          {"PORT"},
}

// InitConfig initializes Viper configuration.
// It loads a .env file when present, then reads config files (config.yaml)
// and environment variables.
func InitConfig(cfgFile string) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env file: %w", err)
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/sensorhub/")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("SENSORHUB")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := bindLegacyEnv(); err != nil {
		return err
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFoundErr viper.ConfigFileNotFoundError
		if errors.As(err, &configNotFoundErr) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// bindLegacyEnv binds each key to its prefixed name first so the
// SENSORHUB_ variable wins over the legacy one.
func bindLegacyEnv() error {
	for key, names := range legacyEnv {
		prefixed := "SENSORHUB_" + strings.ToUpper(strings.NewReplacer(".", "_").Replace(key))
		input := append([]string{key, prefixed}, names...)
		if err := viper.BindEnv(input...); err != nil {
			return fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}
	return nil
}

// GetLogger creates a slog.Logger based on configuration.
func GetLogger() *slog.Logger {
	return logger.New(&logger.Config{
		Output: os.Stdout,
		Format: logger.ParseFormat(viper.GetString("log.format")),
		Level:  logger.ParseLevel(viper.GetString("log.level")),
	})
}
