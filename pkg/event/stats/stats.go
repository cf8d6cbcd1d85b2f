// Package stats はゲートウェイの判定イベントを集計するレコーダーを提供する。
//
// 記録はベストエフォートで行う。記録の失敗がリクエストの結果に影響することはない。
package stats

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nao1215/edgegate/pkg/event"
)

// Recorder は判定イベントを記録する。
type Recorder interface {
	// Record はイベントをひとつ記録する。
	Record(ctx context.Context, ev *event.Event) error
}

// Nop は何も記録しないRecorder。
type Nop struct{}

// Record は何もしない。
func (Nop) Record(context.Context, *event.Event) error { return nil }

// RedisRecorder はRedisのハッシュにイベント種別ごとの件数を加算する。
// 累計・分単位・ルート単位の3種類のカウンタを1回のパイプラインで更新する。
type RedisRecorder struct {
	// client はRedisクライアント。
	client redis.Cmdable
	// prefix はキーの接頭辞。
	prefix string
	// ttl は分単位カウンタの保持期間。
	ttl time.Duration
}

// RedisOption はRedisRecorderの設定を変更する関数。
type RedisOption func(*RedisRecorder)

// WithPrefix はキーの接頭辞を設定する。
func WithPrefix(prefix string) RedisOption {
	return func(r *RedisRecorder) { r.prefix = strings.Trim(prefix, ":") }
}

// WithTTL は分単位カウンタの保持期間を設定する。0以下の場合は期限を設定しない。
func WithTTL(ttl time.Duration) RedisOption {
	return func(r *RedisRecorder) { r.ttl = ttl }
}

// NewRedisRecorder は新しいRedisRecorderを生成する。
func NewRedisRecorder(client redis.Cmdable, opts ...RedisOption) *RedisRecorder {
	r := &RedisRecorder{
		client: client,
		prefix: "gateway:stats",
		ttl:    24 * time.Hour,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record はイベントをカウンタに加算する。
func (r *RedisRecorder) Record(ctx context.Context, ev *event.Event) error {
	if ev == nil {
		return nil
	}
	at := ev.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	field := string(ev.EventType)

	pipe := r.client.Pipeline()
	pipe.HIncrBy(ctx, r.prefix+":total", field, 1)

	minuteKey := fmt.Sprintf("%s:minute:%s", r.prefix, at.UTC().Format("200601021504"))
	pipe.HIncrBy(ctx, minuteKey, field, 1)
	if r.ttl > 0 {
		pipe.Expire(ctx, minuteKey, r.ttl)
	}

	if route := routeOf(ev); route != "" {
		pipe.HIncrBy(ctx, r.prefix+":route", route+":"+field, 1)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("統計の記録に失敗: %w", err)
	}
	return nil
}

// Memory はプロセス内でイベント種別ごとの件数を集計するRecorder。
type Memory struct {
	// mu はcountsを保護する。
	mu sync.Mutex
	// counts はイベント種別ごとの件数。
	counts map[event.Type]int64
	// routes は "METHOD path:種別" ごとの件数。
	routes map[string]int64
}

// NewMemory は新しいMemoryを生成する。
func NewMemory() *Memory {
	return &Memory{
		counts: make(map[event.Type]int64),
		routes: make(map[string]int64),
	}
}

// Record はイベントを集計する。
func (m *Memory) Record(_ context.Context, ev *event.Event) error {
	if ev == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.counts[ev.EventType]++
	if route := routeOf(ev); route != "" {
		m.routes[route+":"+string(ev.EventType)]++
	}
	return nil
}

// Count はイベント種別ごとの件数を返す。
func (m *Memory) Count(t event.Type) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[t]
}

// RouteCount は "METHOD path" とイベント種別ごとの件数を返す。
func (m *Memory) RouteCount(route string, t event.Type) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.routes[route+":"+string(t)]
}

// routeOf はイベントデータから "METHOD path" を取り出す。
func routeOf(ev *event.Event) string {
	data, err := event.DecodeData[event.DecisionData](ev)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(strings.TrimSpace(data.Method) + " " + strings.TrimSpace(data.Path))
}
