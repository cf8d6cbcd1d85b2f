package ratelimit

import (
	"math"
	"time"
)

// DefaultRequestedTokens は1リクエストあたりの既定消費トークン数。
const DefaultRequestedTokens = 1

// Config はレート制限の設定。起動時に一度だけ読み込まれ、以後変更されない。
type Config struct {
	// RefillRatePerSecond は1秒あたりに補充されるトークン数。
	RefillRatePerSecond float64
	// BucketCapacity はバケットの最大トークン数。
	BucketCapacity int
	// KeyPrefix はストア上のキーに付与するプレフィックス。
	KeyPrefix string
	// Enabled がfalseの場合、レート制限は完全にバイパスされる。
	Enabled bool
	// StoreTimeout はストアへの1回の問い合わせのタイムアウト。0以下は無制限。
	StoreTimeout time.Duration
}

// Decision は1リクエストに対するレート制限の判定結果。保存はされない。
type Decision struct {
	// Allowed はリクエストが許可されたかどうか。
	Allowed bool
	// RemainingTokens は判定後にバケットに残っているトークン数。
	RemainingTokens float64
}

// TakeRequest はトークンストアに渡すバケット操作の入力。
type TakeRequest struct {
	// Key はプレフィックス付きのストアキー。
	Key string
	// Capacity はバケットの最大トークン数。
	Capacity int
	// RefillRatePerSecond は1秒あたりの補充トークン数。
	RefillRatePerSecond float64
	// RequestedTokens は消費を要求するトークン数。
	RequestedTokens int
	// NowEpochSeconds は判定時刻（UNIX秒）。
	NowEpochSeconds int64
}

// BucketState はトークンストアが保持するキーごとのバケット状態。
type BucketState struct {
	// Tokens は現在のトークン数。[0, capacity] に収まる。
	Tokens float64
	// LastRefillEpochSeconds は最後に補充計算を行った時刻（UNIX秒）。
	LastRefillEpochSeconds int64
}

// Take はバケット状態に対して補充と消費を計算する。
// prevがnilの場合は満杯の新しいバケットとして扱う。
// 呼び出し側はこの計算と状態の書き戻しをアトミックに行う責任を持つ。
//
// 拒否時はトークンを消費しないが、補充結果と時刻は書き戻す対象となる。
// 時刻が巻き戻った場合は経過0秒として扱い、最終補充時刻も後退させない。
func Take(prev *BucketState, req TakeRequest) (BucketState, Decision) {
	capacity := float64(req.Capacity)

	tokens := capacity
	last := req.NowEpochSeconds
	if prev != nil {
		tokens = prev.Tokens
		last = prev.LastRefillEpochSeconds
	}

	if elapsed := req.NowEpochSeconds - last; elapsed > 0 {
		tokens += float64(elapsed) * req.RefillRatePerSecond
		last = req.NowEpochSeconds
	}
	tokens = math.Max(0, math.Min(capacity, tokens))

	requested := float64(req.RequestedTokens)
	if tokens >= requested {
		tokens -= requested
		return BucketState{Tokens: tokens, LastRefillEpochSeconds: last}, Decision{Allowed: true, RemainingTokens: tokens}
	}
	return BucketState{Tokens: tokens, LastRefillEpochSeconds: last}, Decision{Allowed: false, RemainingTokens: tokens}
}

// TTLSeconds はストアがバケットを保持する秒数を返す。満杯まで補充される時間の2倍、最低60秒。
// これを過ぎたバケットは満杯の新しいバケットと区別できないため、削除してよい。
func TTLSeconds(req TakeRequest) int64 {
	if req.RefillRatePerSecond <= 0 {
		return 60
	}
	ttl := int64(math.Ceil(float64(req.Capacity)/req.RefillRatePerSecond)) * 2
	if ttl < 60 {
		return 60
	}
	return ttl
}
