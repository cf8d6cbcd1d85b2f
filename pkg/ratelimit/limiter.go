package ratelimit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nao1215/edgegate/pkg/logging"
)

// Limiter はトークンバケットによるレート制限の判定器。
// 複数ゴルーチンから同時に呼び出して安全である。共有可変状態はストアのみが持つ。
type Limiter struct {
	// store はバケット状態を保持するトークンストア。
	store TokenStore
	// cfg はレート制限設定。
	cfg Config
	// logger はリクエストスコープのロガーが無い場合に使用するロガー。
	logger *zap.Logger
	// now は現在時刻を返す関数。テストで差し替える。
	now func() time.Time
}

// Option はLimiterの設定を変更する関数。
type Option func(*Limiter)

// WithLogger はLimiterが使用するロガーを設定する。
func WithLogger(logger *zap.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithClock は現在時刻を返す関数を設定する。
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New は新しいLimiterを生成する。
func New(store TokenStore, cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		store:  store,
		cfg:    cfg,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Enabled はレート制限が有効かどうかを返す。
func (l *Limiter) Enabled() bool { return l.cfg.Enabled }

// Capacity はバケット容量を返す。
func (l *Limiter) Capacity() int { return l.cfg.BucketCapacity }

// Allow は既定のトークン数（1）でCheckを呼び出す。
func (l *Limiter) Allow(ctx context.Context, key string) Decision {
	return l.Check(ctx, key, DefaultRequestedTokens)
}

// Check はキーに対してrequestedTokens個のトークン消費を試み、判定結果を返す。
//
// エラーを返すことはない。ストアの失敗（タイムアウト、接続断、不正な応答、パニック）は
// errorレベルでログに記録し、容量いっぱいの残量で許可する（フェイルオープン）。
// 無効化されている場合はストアにアクセスせずに許可する。
func (l *Limiter) Check(ctx context.Context, key string, requestedTokens int) Decision {
	failOpen := Decision{Allowed: true, RemainingTokens: float64(l.cfg.BucketCapacity)}
	if !l.cfg.Enabled {
		return failOpen
	}
	if requestedTokens <= 0 {
		requestedTokens = DefaultRequestedTokens
	}

	logger := logging.FromContext(ctx, l.logger)
	storeKey := l.storeKey(key)

	dec, err := l.take(ctx, TakeRequest{
		Key:                 storeKey,
		Capacity:            l.cfg.BucketCapacity,
		RefillRatePerSecond: l.cfg.RefillRatePerSecond,
		RequestedTokens:     requestedTokens,
		NowEpochSeconds:     l.now().Unix(),
	})
	if err != nil {
		logger.Error("レート制限スクリプトの実行に失敗したためリクエストを許可します",
			zap.String("rate_limit_key", key),
			zap.Error(err),
		)
		return failOpen
	}

	if dec.Allowed {
		logger.Debug("レート制限: 許可",
			zap.String("rate_limit_key", key),
			zap.Float64("remaining_tokens", dec.RemainingTokens),
		)
	} else {
		logger.Warn("レート制限: 超過",
			zap.String("rate_limit_key", key),
			zap.Float64("remaining_tokens", dec.RemainingTokens),
		)
	}
	return dec
}

// take はタイムアウト付きでストアを呼び出し、パニックもエラーとして回収する。
func (l *Limiter) take(ctx context.Context, req TakeRequest) (dec Decision, err error) {
	if l.store == nil {
		return Decision{}, ErrStoreUnavailable
	}
	if l.cfg.StoreTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.StoreTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrStoreUnavailable, r)
		}
	}()
	return l.store.Take(ctx, req)
}

// storeKey はプレフィックス付きのストアキーを返す。
func (l *Limiter) storeKey(key string) string {
	if l.cfg.KeyPrefix == "" {
		return key
	}
	return l.cfg.KeyPrefix + ":" + key
}
