// Package correlation はリクエスト単位の相関ID（リクエストID・トレースID・スパンID）を扱う。
//
// 相関IDはリクエストの context.Context にのみ保持し、ゴルーチンに紐づく状態は持たない。
// リクエストが終わればコンテキストごと破棄されるため、別のリクエストに漏れることはない。
package correlation

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// HeaderRequestID はリクエストIDのヘッダー名。
	HeaderRequestID = "X-Request-ID"
	// HeaderTraceID はトレースIDのヘッダー名。
	HeaderTraceID = "X-Trace-Id"
	// HeaderSpanID はスパンIDのヘッダー名。
	HeaderSpanID = "X-Span-Id"
)

// spanIDLength はスパンIDの長さ。UUIDの先頭8文字を使う。
const spanIDLength = 8

// IDs はひとつのリクエストに紐づく相関ID。
type IDs struct {
	// RequestID はリクエストの一意識別子。
	RequestID string
	// TraceID はサービスを跨いだトレースの識別子。
	TraceID string
	// SpanID はこのゲートウェイでの処理区間の識別子。
	SpanID string
}

// NewRequestID は新しいリクエストIDを生成する。
func NewRequestID() string {
	return uuid.NewString()
}

// NewTraceID は新しいトレースIDを生成する。
func NewTraceID() string {
	return uuid.NewString()
}

// NewSpanID は新しいスパンIDを生成する。
func NewSpanID() string {
	return uuid.NewString()[:spanIDLength]
}

// Resolve はリクエストヘッダーから相関IDを読み取る。
// 値が無い、または空白のみのIDは新しく生成する。
func Resolve(h http.Header) IDs {
	return IDs{
		RequestID: headerOr(h, HeaderRequestID, NewRequestID),
		TraceID:   headerOr(h, HeaderTraceID, NewTraceID),
		SpanID:    headerOr(h, HeaderSpanID, NewSpanID),
	}
}

// Apply は3つの相関IDをヘッダーに設定する。
// 転送先へのリクエストとクライアントへのレスポンスの両方に使う。
func (ids IDs) Apply(h http.Header) {
	h.Set(HeaderRequestID, ids.RequestID)
	h.Set(HeaderTraceID, ids.TraceID)
	h.Set(HeaderSpanID, ids.SpanID)
}

// Fields は構造化ログ用のフィールドを返す。
func (ids IDs) Fields() []zap.Field {
	return []zap.Field{
		zap.String("request_id", ids.RequestID),
		zap.String("trace_id", ids.TraceID),
		zap.String("span_id", ids.SpanID),
	}
}

// contextKey はコンテキストキーの型。
type contextKey struct{}

// WithIDs はコンテキストに相関IDを設定する。
func WithIDs(ctx context.Context, ids IDs) context.Context {
	return context.WithValue(ctx, contextKey{}, ids)
}

// FromContext はコンテキストから相関IDを取り出す。
func FromContext(ctx context.Context) (IDs, bool) {
	ids, ok := ctx.Value(contextKey{}).(IDs)
	return ids, ok
}

// headerOr はヘッダー値を返す。空の場合はgenerateの結果を返す。
func headerOr(h http.Header, key string, generate func() string) string {
	if v := strings.TrimSpace(h.Get(key)); v != "" {
		return v
	}
	return generate()
}
