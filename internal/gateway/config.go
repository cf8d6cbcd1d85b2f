package gateway

import (
	"errors"
	"fmt"
	"math"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/nao1215/edgegate/pkg/pathmatch"
	"github.com/nao1215/edgegate/pkg/ratelimit"
)

// StoreKind はトークンストアの種類。
type StoreKind string

const (
	// StoreRedis は複数インスタンスで共有するRedisストア。
	StoreRedis StoreKind = "redis"
	// StoreSQLite は同一ホストの複数プロセスで共有するSQLiteストア。
	StoreSQLite StoreKind = "sqlite"
	// StoreMemory はプロセス内のストア。単一インスタンス構成と開発用。
	StoreMemory StoreKind = "memory"
)

// defaultTrustedProxies は内部ネットワークとみなすアドレス範囲の既定値。
var defaultTrustedProxies = []string{
	"127.0.0.0/8",
	"::1/128",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
}

// Config はゲートウェイの設定。起動時に一度だけ読み込み、以降は変更しない。
type Config struct {
	// Port はリッスンポート。
	Port string
	// LogLevel はログレベル。
	LogLevel string
	// JWTSecret はJWT署名用の秘密鍵。
	JWTSecret string

	// RateLimit はレート制限設定。
	RateLimit ratelimit.Config
	// RetryAfter はレート制限時にクライアントへ返す再試行までの目安。
	RetryAfter time.Duration
	// Store はトークンストアの種類。
	Store StoreKind

	// RedisAddr はRedisのアドレス。
	RedisAddr string
	// RedisPassword はRedisのパスワード。
	RedisPassword string
	// RedisDB はRedisのDB番号。
	RedisDB int
	// SQLitePath はSQLiteストアのファイルパス。
	SQLitePath string

	// PublicPaths は認証不要なパスのパターン。
	PublicPaths []string
	// AcceptedRoles は認可で許可するロール。
	AcceptedRoles []string
	// TrustedProxies はX-User-IDヘッダーを信頼する送信元アドレス範囲。
	TrustedProxies []netip.Prefix

	// UserServiceURL はユーザーサービスのURL。
	UserServiceURL string
	// BookingServiceURL は予約サービスのURL。
	BookingServiceURL string
	// NotificationServiceURL は通知サービスのURL。
	NotificationServiceURL string
	// FrontendURL はCORSで許可するフロントエンドのオリジン。
	FrontendURL string

	// StatsEnabled は判定統計をRedisに記録するかどうか。
	StatsEnabled bool
	// StatsTTL は分単位の判定統計を保持する期間。
	StatsTTL time.Duration
	// DevTokenEnabled は開発用トークン発行エンドポイントを有効にするかどうか。
	DevTokenEnabled bool
}

// LoadConfig は環境変数から設定を読み込む。
// getenvには通常 os.Getenv を渡す。不正な値があればすべてまとめてエラーとして返す。
func LoadConfig(getenv func(string) string) (Config, error) {
	env := &envReader{getenv: getenv}

	cfg := Config{
		Port:      env.str("PORT", "8080"),
		LogLevel:  env.str("LOG_LEVEL", "info"),
		JWTSecret: env.str("JWT_SECRET", "dev-secret-key"),
		RateLimit: ratelimit.Config{
			Enabled:             env.boolean("RATE_LIMIT_ENABLED", true),
			RefillRatePerSecond: env.float("RATE_LIMIT_TOKENS_PER_SECOND", 10),
			BucketCapacity:      env.integer("RATE_LIMIT_BUCKET_CAPACITY", 20),
			KeyPrefix:           env.str("RATE_LIMIT_PREFIX", "rate_limit"),
			StoreTimeout:        env.duration("RATE_LIMIT_STORE_TIMEOUT", 100*time.Millisecond),
		},
		RetryAfter:             env.duration("RATE_LIMIT_RETRY_AFTER", 60*time.Second),
		Store:                  StoreKind(strings.ToLower(env.str("RATE_LIMIT_STORE", string(StoreRedis)))),
		RedisAddr:              env.str("REDIS_ADDR", "localhost:6379"),
		RedisPassword:          env.str("REDIS_PASSWORD", ""),
		RedisDB:                env.integer("REDIS_DB", 0),
		SQLitePath:             env.str("SQLITE_PATH", "/data/ratelimit.db"),
		PublicPaths:            env.list("PUBLIC_PATHS", pathmatch.DefaultPublicPaths),
		AcceptedRoles:          env.list("ACCEPTED_ROLES", []string{"ADMIN", "USER"}),
		TrustedProxies:         env.prefixes("TRUSTED_PROXIES", defaultTrustedProxies),
		UserServiceURL:         env.str("USER_SERVICE_URL", "http://localhost:8081"),
		BookingServiceURL:      env.str("BOOKING_SERVICE_URL", "http://localhost:8082"),
		NotificationServiceURL: env.str("NOTIFICATION_SERVICE_URL", "http://localhost:8083"),
		FrontendURL:            env.str("FRONTEND_URL", "http://localhost:3000"),
		StatsEnabled:           env.boolean("STATS_ENABLED", false),
		StatsTTL:               env.duration("STATS_TTL", 24*time.Hour),
		DevTokenEnabled:        env.boolean("DEV_TOKEN_ENABLED", false),
	}

	if err := errors.Join(env.errs...); err != nil {
		return Config{}, fmt.Errorf("設定の読み込みに失敗: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("設定が不正です: %w", err)
	}
	return cfg, nil
}

// validate は値の範囲と組み合わせを検証する。
func (c Config) validate() error {
	var errs []error
	if rate := c.RateLimit.RefillRatePerSecond; !(rate > 0) || math.IsInf(rate, 0) {
		errs = append(errs, errors.New("RATE_LIMIT_TOKENS_PER_SECOND は0より大きい値が必要です"))
	}
	if c.RateLimit.BucketCapacity <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_BUCKET_CAPACITY は0より大きい値が必要です"))
	}
	if c.RateLimit.StoreTimeout < 0 {
		errs = append(errs, errors.New("RATE_LIMIT_STORE_TIMEOUT は負の値にできません"))
	}
	if c.RetryAfter <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_RETRY_AFTER は0より大きい値が必要です"))
	}
	if c.StatsTTL <= 0 {
		errs = append(errs, errors.New("STATS_TTL は0より大きい値が必要です"))
	}
	switch c.Store {
	case StoreRedis, StoreSQLite, StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("RATE_LIMIT_STORE が不正です: %q", c.Store))
	}
	if strings.TrimSpace(c.JWTSecret) == "" {
		errs = append(errs, errors.New("JWT_SECRET が空です"))
	}
	if len(c.AcceptedRoles) == 0 {
		errs = append(errs, errors.New("ACCEPTED_ROLES が空です"))
	}
	for _, p := range c.PublicPaths {
		if err := pathmatch.Validate(p); err != nil {
			errs = append(errs, fmt.Errorf("PUBLIC_PATHS: %w", err))
		}
	}
	return errors.Join(errs...)
}

// envReader は環境変数を型ごとに読み取り、解析エラーを蓄積する。
type envReader struct {
	// getenv は環境変数を取得する関数。
	getenv func(string) string
	// errs は解析エラー。
	errs []error
}

// lookup は前後の空白を除いた値を返す。
func (e *envReader) lookup(key string) (string, bool) {
	v := strings.TrimSpace(e.getenv(key))
	return v, v != ""
}

// str は環境変数を取得し、設定されていない場合はデフォルト値を返す。
func (e *envReader) str(key, def string) string {
	if v, ok := e.lookup(key); ok {
		return v
	}
	return def
}

func (e *envReader) boolean(key string, def bool) bool {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s の解析に失敗: %w", key, err))
		return def
	}
	return b
}

func (e *envReader) integer(key string, def int) int {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s の解析に失敗: %w", key, err))
		return def
	}
	return n
}

func (e *envReader) float(key string, def float64) float64 {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s の解析に失敗: %w", key, err))
		return def
	}
	return f
}

func (e *envReader) duration(key string, def time.Duration) time.Duration {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s の解析に失敗: %w", key, err))
		return def
	}
	return d
}

// list はカンマ区切りの値を空要素を除いて返す。
func (e *envReader) list(key string, def []string) []string {
	v, ok := e.lookup(key)
	if !ok {
		return append([]string(nil), def...)
	}
	var out []string
	for item := range strings.SplitSeq(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// prefixes はカンマ区切りのCIDRを解析する。
func (e *envReader) prefixes(key string, def []string) []netip.Prefix {
	items := e.list(key, def)
	out := make([]netip.Prefix, 0, len(items))
	for _, item := range items {
		p, err := netip.ParsePrefix(item)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s の解析に失敗: %w", key, err))
			continue
		}
		out = append(out, p.Masked())
	}
	return out
}
