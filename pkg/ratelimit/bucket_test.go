package ratelimit

import (
	"math"
	"testing"
)

// TestTake はバケット計算を検証する。
func TestTake(t *testing.T) {
	t.Parallel()

	req := func(now int64) TakeRequest {
		return TakeRequest{Key: "k", Capacity: 10, RefillRatePerSecond: 1, RequestedTokens: 1, NowEpochSeconds: now}
	}

	t.Run("新しいバケットは満杯から始まること", func(t *testing.T) {
		t.Parallel()

		state, dec := Take(nil, req(100))
		if !dec.Allowed {
			t.Fatal("新しいバケットで拒否された")
		}
		if dec.RemainingTokens != 9 {
			t.Errorf("RemainingTokens = %v, want 9", dec.RemainingTokens)
		}
		if state.LastRefillEpochSeconds != 100 {
			t.Errorf("LastRefillEpochSeconds = %d, want 100", state.LastRefillEpochSeconds)
		}
	})

	t.Run("不足時は拒否されトークンが消費されないこと", func(t *testing.T) {
		t.Parallel()

		prev := &BucketState{Tokens: 0.5, LastRefillEpochSeconds: 100}
		state, dec := Take(prev, req(100))
		if dec.Allowed {
			t.Fatal("トークン不足で許可された")
		}
		if dec.RemainingTokens != 0.5 || state.Tokens != 0.5 {
			t.Errorf("RemainingTokens = %v, Tokens = %v, want 0.5", dec.RemainingTokens, state.Tokens)
		}
	})

	t.Run("補充は線形で容量を超えないこと", func(t *testing.T) {
		t.Parallel()

		tests := []struct {
			name    string
			prev    float64
			elapsed int64
			rate    float64
			want    float64
		}{
			{name: "3秒で3トークン", prev: 2, elapsed: 3, rate: 1, want: 5},
			{name: "小数レート", prev: 0, elapsed: 3, rate: 0.5, want: 1.5},
			{name: "容量で頭打ち", prev: 8, elapsed: 100, rate: 1, want: 10},
		}
		for _, tt := range tests {
			r := TakeRequest{Key: "k", Capacity: 10, RefillRatePerSecond: tt.rate, RequestedTokens: 0, NowEpochSeconds: 100 + tt.elapsed}
			state, _ := Take(&BucketState{Tokens: tt.prev, LastRefillEpochSeconds: 100}, r)
			if math.Abs(state.Tokens-tt.want) > 1e-9 {
				t.Errorf("%s: Tokens = %v, want %v", tt.name, state.Tokens, tt.want)
			}
		}
	})

	t.Run("時刻が巻き戻っても補充せず最終補充時刻を後退させないこと", func(t *testing.T) {
		t.Parallel()

		state, dec := Take(&BucketState{Tokens: 3, LastRefillEpochSeconds: 200}, req(150))
		if !dec.Allowed || dec.RemainingTokens != 2 {
			t.Errorf("Decision = %+v, want allowed with 2 remaining", dec)
		}
		if state.LastRefillEpochSeconds != 200 {
			t.Errorf("LastRefillEpochSeconds = %d, want 200", state.LastRefillEpochSeconds)
		}
	})

	t.Run("容量を超える状態や負の状態は範囲内に収められること", func(t *testing.T) {
		t.Parallel()

		state, _ := Take(&BucketState{Tokens: 50, LastRefillEpochSeconds: 100}, req(100))
		if state.Tokens != 9 {
			t.Errorf("Tokens = %v, want 9", state.Tokens)
		}
		state, dec := Take(&BucketState{Tokens: -4, LastRefillEpochSeconds: 100}, req(100))
		if dec.Allowed || state.Tokens != 0 {
			t.Errorf("Decision = %+v, Tokens = %v, want denied with 0", dec, state.Tokens)
		}
	})
}

// TestTTLSeconds はバケット保持期間の計算を検証する。
func TestTTLSeconds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		req  TakeRequest
		want int64
	}{
		{name: "最低60秒", req: TakeRequest{Capacity: 10, RefillRatePerSecond: 1}, want: 60},
		{name: "満杯までの2倍", req: TakeRequest{Capacity: 100, RefillRatePerSecond: 1}, want: 200},
		{name: "補充なし", req: TakeRequest{Capacity: 100, RefillRatePerSecond: 0}, want: 60},
	}
	for _, tt := range tests {
		if got := TTLSeconds(tt.req); got != tt.want {
			t.Errorf("%s: TTLSeconds() = %d, want %d", tt.name, got, tt.want)
		}
	}
}
