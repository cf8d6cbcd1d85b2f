package event

import (
	"encoding/json"
	"time"
)

// Type はゲートウェイの判定結果の種類を表す。
type Type string

const (
	// TypeForwarded はリクエストがフィルタチェーンを通過し、転送されたことを表す。
	TypeForwarded Type = "Forwarded"
	// TypeRateLimited はレート制限により拒否されたことを表す。
	TypeRateLimited Type = "RateLimited"
	// TypeUnauthenticated は認証情報が無い・不正・期限切れにより拒否されたことを表す。
	TypeUnauthenticated Type = "Unauthenticated"
	// TypeForbidden は認証済みだが許可されたロールを持たないため拒否されたことを表す。
	TypeForbidden Type = "Forbidden"
	// TypeUpstreamFailed は転送先が見つからない、または到達できなかったことを表す。
	TypeUpstreamFailed Type = "UpstreamFailed"
)

// Event はひとつのリクエストに対するゲートウェイの最終判定を表す不変のレコード。
// 統計の記録に使用し、永続化はベストエフォートで行う。
type Event struct {
	// ID はイベントの一意識別子（UUID）。
	ID string `json:"id"`
	// RequestID は判定対象リクエストのリクエストID。
	RequestID string `json:"request_id"`
	// EventType はイベントの種類。
	EventType Type `json:"event_type"`
	// Data はイベント固有のデータ（JSON形式）。
	Data json.RawMessage `json:"data"`
	// CreatedAt はイベントが作成された日時。
	CreatedAt time.Time `json:"created_at"`
}

// DecisionData は判定イベントのデータ。
type DecisionData struct {
	// Method はHTTPメソッド。
	Method string `json:"method"`
	// Path はリクエストパス。
	Path string `json:"path"`
	// Status はクライアントに返したステータスコード。
	Status int `json:"status"`
	// RateLimitKey はレート制限に使用したキー。レート制限が無効な場合は空。
	RateLimitKey string `json:"rate_limit_key,omitempty"`
	// UserID は認証済みユーザーのID。認証前に終了した場合は空。
	UserID string `json:"user_id,omitempty"`
	// Upstream は転送先サービス名。転送前に終了した場合は空。
	Upstream string `json:"upstream,omitempty"`
}
