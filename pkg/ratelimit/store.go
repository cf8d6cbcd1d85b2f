package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrStoreUnavailable はトークンストアに到達できないことを表す。
	ErrStoreUnavailable = errors.New("トークンストアが利用できません")
	// ErrUnexpectedReply はトークンストアが想定外の形式の結果を返したことを表す。
	ErrUnexpectedReply = errors.New("トークンストアの応答形式が不正です")
)

// TokenStore はバケット状態を所有する共有ストア。
// Take は読み取り・補充・消費・書き戻しを1回のアトミックな操作として実行しなければならない。
// 読み取りと書き込みを別々の往復に分ける実装は、同一キーへの同時アクセスで
// トークンを二重に払い出すため正しくない。
type TokenStore interface {
	Take(ctx context.Context, req TakeRequest) (Decision, error)
}

// MemoryStore はプロセス内でアトミックなスクリプト実行を忠実に再現するTokenStore。
// 開発環境と単一インスタンス構成、およびテストで使用する。
// キーごとにロックを持つため、異なるキーへの操作は互いにブロックしない。
// バケットはTTLSecondsの期間だけ保持され、Purgeで削除される。
type MemoryStore struct {
	// mu はbucketsマップ自体を保護する。
	mu sync.Mutex
	// buckets はキーごとのバケット。
	buckets map[string]*memoryBucket
}

// memoryBucket は1キー分のバケット状態とそのロック。
type memoryBucket struct {
	mu    sync.Mutex
	state *BucketState
	// expiresAt はバケットを削除してよくなるUNIX秒。
	expiresAt int64
	// removed はPurgeでマップから外されたことを表す。
	removed bool
}

// NewMemoryStore は空のMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]*memoryBucket)}
}

// Take はTokenStoreを実装する。
func (s *MemoryStore) Take(ctx context.Context, req TakeRequest) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}

	for {
		b := s.bucket(req.Key)
		b.mu.Lock()
		// 取得後にPurgeされたバケットは捨てて取り直す
		if b.removed {
			b.mu.Unlock()
			continue
		}
		next, dec := Take(b.state, req)
		b.state = &next
		b.expiresAt = req.NowEpochSeconds + TTLSeconds(req)
		b.mu.Unlock()
		return dec, nil
	}
}

// Purge は有効期限を過ぎたバケットを削除し、削除件数を返す。
func (s *MemoryStore) Purge(ctx context.Context, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for key, b := range s.buckets {
		b.mu.Lock()
		if b.state != nil && b.expiresAt < now.Unix() {
			b.removed = true
			delete(s.buckets, key)
			n++
		}
		b.mu.Unlock()
	}
	return n, nil
}

func (s *MemoryStore) bucket(key string) *memoryBucket {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[key]
	if !ok {
		b = &memoryBucket{}
		s.buckets[key] = b
	}
	return b
}
