package ratelimit

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"
)

// TestMemoryStore_Purge は期限切れバケットの削除を検証する。
func TestMemoryStore_Purge(t *testing.T) {
	t.Parallel()

	t.Run("TTLを過ぎたバケットだけが削除されること", func(t *testing.T) {
		t.Parallel()

		s := NewMemoryStore()
		ctx := context.Background()

		// 容量10・毎秒1トークンのTTLは60秒
		if _, err := s.Take(ctx, TakeRequest{Key: "old", Capacity: 10, RefillRatePerSecond: 1, RequestedTokens: 1, NowEpochSeconds: 100}); err != nil {
			t.Fatalf("Take()でエラーが発生: %v", err)
		}
		if _, err := s.Take(ctx, TakeRequest{Key: "new", Capacity: 10, RefillRatePerSecond: 1, RequestedTokens: 1, NowEpochSeconds: 1000}); err != nil {
			t.Fatalf("Take()でエラーが発生: %v", err)
		}

		n, err := s.Purge(ctx, time.Unix(500, 0))
		if err != nil {
			t.Fatalf("Purge()でエラーが発生: %v", err)
		}
		if n != 1 {
			t.Errorf("削除件数 = %d, want 1", n)
		}

		// 残ったバケットは状態を保持している
		dec, err := s.Take(ctx, TakeRequest{Key: "new", Capacity: 10, RefillRatePerSecond: 1, RequestedTokens: 1, NowEpochSeconds: 1000})
		if err != nil {
			t.Fatalf("Take()でエラーが発生: %v", err)
		}
		if dec.RemainingTokens != 8 {
			t.Errorf("new: RemainingTokens = %v, want 8", dec.RemainingTokens)
		}
	})

	t.Run("Takeのたびに有効期限が延長されること", func(t *testing.T) {
		t.Parallel()

		s := NewMemoryStore()
		ctx := context.Background()
		req := TakeRequest{Key: "k", Capacity: 10, RefillRatePerSecond: 1, RequestedTokens: 1}

		req.NowEpochSeconds = 100
		if _, err := s.Take(ctx, req); err != nil {
			t.Fatalf("Take()でエラーが発生: %v", err)
		}
		req.NowEpochSeconds = 150
		if _, err := s.Take(ctx, req); err != nil {
			t.Fatalf("Take()でエラーが発生: %v", err)
		}

		n, err := s.Purge(ctx, time.Unix(200, 0))
		if err != nil {
			t.Fatalf("Purge()でエラーが発生: %v", err)
		}
		if n != 0 {
			t.Errorf("削除件数 = %d, want 0", n)
		}
	})

	t.Run("大量のキーを作ってもPurge後に残らないこと", func(t *testing.T) {
		t.Parallel()

		s := NewMemoryStore()
		ctx := context.Background()
		for i := range 1000 {
			req := TakeRequest{Key: "ip:10.0.0." + strconv.Itoa(i), Capacity: 5, RefillRatePerSecond: 1, RequestedTokens: 1, NowEpochSeconds: 10}
			if _, err := s.Take(ctx, req); err != nil {
				t.Fatalf("Take()でエラーが発生: %v", err)
			}
		}

		n, err := s.Purge(ctx, time.Unix(10+61, 0))
		if err != nil {
			t.Fatalf("Purge()でエラーが発生: %v", err)
		}
		if n != 1000 {
			t.Errorf("削除件数 = %d, want 1000", n)
		}
		if n, _ := s.Purge(ctx, time.Unix(10+61, 0)); n != 0 {
			t.Errorf("2回目の削除件数 = %d, want 0", n)
		}
	})

	t.Run("削除と並行してもトークンを二重に払い出さないこと", func(t *testing.T) {
		t.Parallel()

		s := NewMemoryStore()
		ctx := context.Background()

		const callers = 50
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			granted int
		)
		for range callers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				dec, err := s.Take(ctx, TakeRequest{Key: "shared", Capacity: 10, RefillRatePerSecond: 1, RequestedTokens: 1, NowEpochSeconds: 100})
				if err != nil {
					t.Errorf("Take()でエラーが発生: %v", err)
					return
				}
				if dec.Allowed {
					mu.Lock()
					granted++
					mu.Unlock()
				}
			}()
			// 期限内なので削除されない
			_, _ = s.Purge(ctx, time.Unix(100, 0))
		}
		wg.Wait()

		if granted != 10 {
			t.Errorf("許可された数 = %d, want 10", granted)
		}
	})
}
