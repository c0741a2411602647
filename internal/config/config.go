// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const redacted = "[REDACTED]"

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// X-Forwarded-For を信用するプロキシ（カンマ区切りの IP / CIDR）。空なら信用しない
	TrustedProxies []string

	// 認証情報の保存先
	DatabaseURL     string // 空の場合は APP_USERNAME / APP_PASSWORD_HASH の単一アカウントを使う
	AppUsername     string // 開発用アカウントのメールアドレス
	AppPasswordHash string // 開発用アカウントのパスワードハッシュ
	AppUserID       int64  // 開発用アカウントのユーザーID

	// パスワードハッシュ設定
	PasswordAlgorithm string // bcrypt または argon2id
	BcryptCost        int
	Argon2MemoryKB    int // Validate で uint32 の範囲を確認する
	Argon2Time        int // Validate で uint32 の範囲を確認する
	Argon2Parallelism int // Validate で uint8 の範囲を確認する

	// セッション設定
	SessionEncryptionKey []byte        // AES鍵（16/24/32バイト）
	SessionSigningKey    []byte        // HMAC鍵（32バイト以上）
	SessionMaxAge        time.Duration // セッションの絶対的な有効期限
	CookieName           string
	CookieSecure         bool
	CookieSameSite       string // strict, lax, none
	CSRFHeader           string

	// ログイン試行制限
	LookupTimeout    time.Duration // 認証情報検索のタイムアウト
	LoginMaxAttempts int
	LoginWindow      time.Duration
	LoginLock        time.Duration

	// Redis / 監査ログ設定
	RedisURL       string // 空の場合はメモリ上の試行制限のみで動作し、監査ログは無効
	AuditRetention time.Duration
	AuditMaxEvents int

	// 鍵が環境変数ではなく起動時に生成されたかどうか
	EphemeralKeys bool
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	config := &Config{
		// サーバー設定
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),
		TrustedProxies:     getEnvAsList("TRUSTED_PROXIES"),

		// 認証情報の保存先
		DatabaseURL:     getEnv("DATABASE_URL", ""),
		AppUsername:     getEnv("APP_USERNAME", ""),
		AppPasswordHash: getEnv("APP_PASSWORD_HASH", ""),
		AppUserID:       getEnvAsInt64("APP_USER_ID", 1),

		// パスワードハッシュ設定
		PasswordAlgorithm: strings.ToLower(getEnv("PASSWORD_ALGORITHM", "bcrypt")),
		BcryptCost:        getEnvAsInt("BCRYPT_COST", 12),
		Argon2MemoryKB:    getEnvAsInt("ARGON2_MEMORY_KB", 64*1024),
		Argon2Time:        getEnvAsInt("ARGON2_TIME", 3),
		Argon2Parallelism: getEnvAsInt("ARGON2_PARALLELISM", 2),

		// セッション設定
		SessionMaxAge:  time.Duration(getEnvAsInt("SESSION_MAX_AGE_MINUTES", 12*60)) * time.Minute,
		CookieName:     getEnv("COOKIE_NAME", "bs_session"),
		CookieSecure:   getEnvAsBool("COOKIE_SECURE", false),
		CookieSameSite: strings.ToLower(getEnv("COOKIE_SAMESITE", "strict")),
		CSRFHeader:     getEnv("CSRF_HEADER", "X-CSRF-Token"),

		// ログイン試行制限
		LookupTimeout:    time.Duration(getEnvAsInt("LOOKUP_TIMEOUT_MS", 3000)) * time.Millisecond,
		LoginMaxAttempts: getEnvAsInt("LOGIN_MAX_ATTEMPTS", 5),
		LoginWindow:      time.Duration(getEnvAsInt("LOGIN_WINDOW_MINUTES", 15)) * time.Minute,
		LoginLock:        time.Duration(getEnvAsInt("LOGIN_LOCK_MINUTES", 10)) * time.Minute,

		// Redis / 監査ログ設定
		RedisURL:       getEnv("REDIS_URL", ""),
		AuditRetention: time.Duration(getEnvAsInt("AUDIT_RETENTION_HOURS", 7*24)) * time.Hour,
		AuditMaxEvents: getEnvAsInt("AUDIT_MAX_EVENTS", 50),
	}

	var err error
	if config.SessionEncryptionKey, err = getEnvAsKey("SESSION_ENCRYPTION_KEY"); err != nil {
		return nil, err
	}
	if config.SessionSigningKey, err = getEnvAsKey("SESSION_SIGNING_KEY"); err != nil {
		return nil, err
	}
	// 片方だけ設定された鍵を黙って生成し直さない
	if (len(config.SessionEncryptionKey) == 0) != (len(config.SessionSigningKey) == 0) {
		return nil, fmt.Errorf("SESSION_ENCRYPTION_KEY and SESSION_SIGNING_KEY must be set together")
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	// ローカル開発では鍵を起動ごとに生成する（再起動で既存セッションは無効になる）
	if len(config.SessionEncryptionKey) == 0 || len(config.SessionSigningKey) == 0 {
		if err := config.generateKeys(); err != nil {
			return nil, err
		}
	}

	return config, nil
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

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	switch c.PasswordAlgorithm {
	case "bcrypt", "argon2id":
	default:
		return fmt.Errorf("PASSWORD_ALGORITHM must be bcrypt or argon2id: %q", c.PasswordAlgorithm)
	}
	switch c.CookieSameSite {
	case "strict", "lax", "none":
	default:
		return fmt.Errorf("COOKIE_SAMESITE must be strict, lax or none: %q", c.CookieSameSite)
	}
	if c.SessionMaxAge <= 0 {
		return fmt.Errorf("SESSION_MAX_AGE_MINUTES must be positive")
	}
	if c.LoginMaxAttempts <= 0 {
		return fmt.Errorf("LOGIN_MAX_ATTEMPTS must be positive")
	}
	if c.CSRFHeader == "" {
		return fmt.Errorf("CSRF_HEADER must not be empty")
	}
	if c.Argon2MemoryKB < 1 || int64(c.Argon2MemoryKB) > math.MaxUint32 {
		return fmt.Errorf("ARGON2_MEMORY_KB is out of range: %d", c.Argon2MemoryKB)
	}
	if c.Argon2Time < 1 || int64(c.Argon2Time) > math.MaxUint32 {
		return fmt.Errorf("ARGON2_TIME is out of range: %d", c.Argon2Time)
	}
	if c.Argon2Parallelism < 1 || c.Argon2Parallelism > math.MaxUint8 {
		return fmt.Errorf("ARGON2_PARALLELISM is out of range: %d", c.Argon2Parallelism)
	}
	// ブラウザは Secure でない SameSite=None の Cookie を受け付けない
	if c.CookieSameSite == "none" && !c.SecureCookies() {
		return fmt.Errorf("COOKIE_SAMESITE=none requires COOKIE_SECURE=true")
	}

	// ローカル開発では認証設定は任意
	// 本番環境では厳格にチェックする
	if c.GinMode == "release" {
		if c.DatabaseURL == "" && (c.AppUsername == "" || c.AppPasswordHash == "") {
			return fmt.Errorf("DATABASE_URL or APP_USERNAME/APP_PASSWORD_HASH is required in release mode")
		}
		if len(c.SessionEncryptionKey) == 0 {
			return fmt.Errorf("SESSION_ENCRYPTION_KEY is required in release mode")
		}
		if len(c.SessionSigningKey) == 0 {
			return fmt.Errorf("SESSION_SIGNING_KEY is required in release mode")
		}
	}

	return nil
}

// SecureCookies は Secure 属性を付与すべきかを返します。
func (c *Config) SecureCookies() bool {
	return c.CookieSecure || c.GinMode == "release"
}

// SameSite は COOKIE_SAMESITE を http.SameSite に変換します。
func (c *Config) SameSite() http.SameSite {
	switch c.CookieSameSite {
	case "lax":
		return http.SameSiteLaxMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteStrictMode
	}
}

// LogValues はログ出力用のキーと値の組を返します。
// 出力する項目はここで列挙したものに限られ、秘密情報は伏せ字にします。
func (c *Config) LogValues() []interface{} {
	return []interface{}{
		"port", c.Port,
		"ginMode", c.GinMode,
		"corsAllowedOrigins", c.CORSAllowedOrigins,
		"trustedProxies", c.TrustedProxies,
		"databaseURL", maskURL(c.DatabaseURL),
		"appUsername", c.AppUsername,
		"appPasswordHash", presence(c.AppPasswordHash != ""),
		"passwordAlgorithm", c.PasswordAlgorithm,
		"bcryptCost", c.BcryptCost,
		"sessionEncryptionKey", presence(len(c.SessionEncryptionKey) > 0),
		"sessionSigningKey", presence(len(c.SessionSigningKey) > 0),
		"ephemeralKeys", c.EphemeralKeys,
		"sessionMaxAge", c.SessionMaxAge.String(),
		"cookieName", c.CookieName,
		"cookieSecure", c.SecureCookies(),
		"cookieSameSite", c.CookieSameSite,
		"csrfHeader", c.CSRFHeader,
		"lookupTimeout", c.LookupTimeout.String(),
		"loginMaxAttempts", c.LoginMaxAttempts,
		"redisURL", maskURL(c.RedisURL),
	}
}

func (c *Config) generateKeys() error {
	enc := make([]byte, 32)
	sig := make([]byte, 64)
	if _, err := rand.Read(enc); err != nil {
		return fmt.Errorf("failed to generate session keys: %w", err)
	}
	if _, err := rand.Read(sig); err != nil {
		return fmt.Errorf("failed to generate session keys: %w", err)
	}
	c.SessionEncryptionKey = enc
	c.SessionSigningKey = sig
	c.EphemeralKeys = true
	return nil
}

func presence(set bool) string {
	if set {
		return "[set]"
	}
	return "[unset]"
}

// maskURL は接続文字列のパスワード部分を伏せ字にします。
func maskURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return redacted
	}
	if u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "xxxxx")
		}
	}
	return u.String()
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool は環境変数を真偽値として取得します。
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList はカンマ区切りの環境変数を空要素を除いて取得します。
func getEnvAsList(key string) []string {
	var values []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			values = append(values, v)
		}
	}
	return values
}

// getEnvAsKey は base64 でエンコードされた鍵を取得します。
// 鍵は黙ってデフォルト値に置き換えず、不正な値はエラーにします。
func getEnvAsKey(key string) ([]byte, error) {
	valueStr := strings.TrimSpace(os.Getenv(key))
	if valueStr == "" {
		return nil, nil
	}
	value, err := base64.StdEncoding.DecodeString(valueStr)
	if err != nil {
		return nil, fmt.Errorf("%s must be base64 encoded: %w", key, err)
	}
	return value, nil
}
