// Package logging はzapロガーの生成とリクエストスコープのロガー受け渡しを提供する。
//
// リクエスト固有のフィールド（request_id等）を持つロガーは context.Context に格納して
// 明示的に受け渡す。ゴルーチンやワーカーに紐づく暗黙の状態は持たないため、
// リクエストが終わればそのコンテキストごと破棄され、別リクエストのログに混入しない。
package logging

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New は指定レベルのJSON形式ロガーを生成する。
// levelには "debug", "info", "warn", "error" のいずれかを指定する。空文字列はinfo扱い。
func New(level string) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if strings.TrimSpace(level) != "" {
		if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil {
			return nil, fmt.Errorf("ログレベルの解析に失敗: %w", err)
		}
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("ロガーの構築に失敗: %w", err)
	}
	return logger, nil
}

// contextKey はコンテキストキーの型。
type contextKey struct{}

// WithLogger はロガーを格納した新しいコンテキストを返す。
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// FromContext はコンテキストに格納されたロガーを返す。
// 格納されていない場合はfallbackを、fallbackもnilの場合は何も出力しないロガーを返す。
func FromContext(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(contextKey{}).(*zap.Logger); ok && logger != nil {
			return logger
		}
	}
	if fallback != nil {
		return fallback
	}
	return zap.NewNop()
}
