// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port    string `env:"PORT" envDefault:"8080"`
	GinMode string `env:"GIN_MODE" envDefault:"debug"` // Ginの実行モード (debug, release, test)

	// セッション設定
	SessionSecret string `env:"SESSION_SECRET"`

	// CORS設定（カンマ区切り）
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:5173"`

	// Redis（アカウント・リセットトークン・ジョブ状態・Asynq）
	RedisURL string `env:"REDIS_URL" envDefault:"redis://127.0.0.1:6379/0"`

	// 名簿アップロードの上限サイズ（バイト）
	MaxRosterBytes int64 `env:"MAX_ROSTER_BYTES" envDefault:"5242880"` // 5MB

	// パスワードリセット
	ResetTokenTTL time.Duration `env:"RESET_TOKEN_TTL" envDefault:"30m"`
	AppBaseURL    string        `env:"APP_BASE_URL" envDefault:"http://localhost:5173"`

	// ジョブ設定
	JobExpireMinutes int `env:"JOB_EXPIRE_MINUTES" envDefault:"10"`
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

func (c *Config) normalize() {
	origins := c.CORSAllowedOrigins[:0]
	for _, o := range c.CORSAllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	c.CORSAllowedOrigins = origins
	c.AppBaseURL = strings.TrimRight(c.AppBaseURL, "/")
	if c.JobExpireMinutes <= 0 {
		c.JobExpireMinutes = 10
	}
}

// JobTTL はジョブ状態レコードの保持期間を返します。
func (c *Config) JobTTL() time.Duration {
	return time.Duration(c.JobExpireMinutes) * time.Minute
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT must not be empty")
	}
	if c.MaxRosterBytes <= 0 {
		return fmt.Errorf("MAX_ROSTER_BYTES must be positive")
	}
	if c.ResetTokenTTL <= 0 {
		return fmt.Errorf("RESET_TOKEN_TTL must be positive")
	}

	// ローカル開発ではセッション鍵は任意
	if c.GinMode == "release" {
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required in release mode")
		}
	}

	return nil
}
