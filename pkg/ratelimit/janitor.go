package ratelimit

import (
	"context"
	"time"
)

// Purger は有効期限を過ぎたバケットを削除できるストア。
// RedisのようにTTLをストア自身が扱う場合は実装しない。
type Purger interface {
	// Purge はnow時点で期限切れのバケットを削除し、削除件数を返す。
	Purge(ctx context.Context, now time.Time) (int64, error)
}

// StartJanitor は一定間隔でPurgeを呼び出すゴルーチンを起動する。
// ctxをキャンセルすると停止する。everyが0以下なら何もしない。
func StartJanitor(ctx context.Context, p Purger, every time.Duration, onError func(error)) {
	if p == nil || every <= 0 {
		return
	}

	ticker := time.NewTicker(every)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if _, err := p.Purge(ctx, now); err != nil && onError != nil {
					onError(err)
				}
			}
		}
	}()
}
