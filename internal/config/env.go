package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

const (
	EnvTelegramToken = "DISPATCHD_TELEGRAM_TOKEN"
	EnvStorageDSN    = "DISPATCHD_STORAGE_DSN"
)

// Env holds secrets that stay out of the config file. AWS credentials are
// read by the SDK's default chain and are not captured here.
type Env struct {
	TelegramToken string
	StorageDSN    string
}

// LoadEnv loads the dotenv file at path (if it exists) into the process
// environment without overriding variables already set, then captures the
// dispatchd keys.
func LoadEnv(path string) (Env, error) {
	if path = strings.TrimSpace(path); path != "" {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Env{}, err
		}
	}
	return Env{
		TelegramToken: strings.TrimSpace(os.Getenv(EnvTelegramToken)),
		StorageDSN:    strings.TrimSpace(os.Getenv(EnvStorageDSN)),
	}, nil
}

// apply fills secrets the file left empty.
func (e Env) apply(cfg *Config) {
	if cfg.Telegram.Token == "" {
		cfg.Telegram.Token = e.TelegramToken
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = e.StorageDSN
	}
}
