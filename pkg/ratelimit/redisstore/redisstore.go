// Package redisstore はRedisをバックエンドとするトークンストアを提供する。
//
// バケットの読み取り・補充・消費・書き戻しは1本のLuaスクリプトとしてRedis上で実行され、
// 複数のゲートウェイインスタンスから同一キーへ同時にアクセスしても競合しない。
package redisstore

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/nao1215/edgegate/pkg/ratelimit"
)

// tokenBucketLua はトークンバケットを1回のアトミックな操作として計算するスクリプト。
//
// KEYS[1]: バケットキー
// ARGV[1]: 容量, ARGV[2]: 毎秒の補充数, ARGV[3]: 要求トークン数, ARGV[4]: 現在時刻（UNIX秒）
// 戻り値: {許可なら1・拒否なら0, 残りトークン数の文字列}
//
// Redisは数値の戻り値を整数に切り捨てるため、残りトークン数は文字列で返す。
const tokenBucketLua = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local requested = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])
if tokens == nil then
	tokens = capacity
end
if last_refill == nil then
	last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
	tokens = tokens + elapsed * rate
	last_refill = now
end
if tokens > capacity then
	tokens = capacity
end
if tokens < 0 then
	tokens = 0
end

local allowed = 0
if tokens >= requested then
	tokens = tokens - requested
	allowed = 1
end

redis.call("HSET", key, "tokens", tostring(tokens), "last_refill", tostring(last_refill))

local ttl = 60
if rate > 0 then
	ttl = math.max(60, math.ceil(capacity / rate) * 2)
end
redis.call("EXPIRE", key, ttl)

return {allowed, tostring(tokens)}
`

// Store はRedis上でLuaスクリプトを実行するTokenStore。
type Store struct {
	// client はRedisクライアント。単体・クラスタのどちらでもよい。
	client redis.Scripter
	// script は事前に作成したトークンバケットスクリプト。EVALSHAで実行される。
	script *redis.Script
}

// New は新しいStoreを生成する。
func New(client redis.Scripter) *Store {
	return &Store{
		client: client,
		script: redis.NewScript(tokenBucketLua),
	}
}

// Take はratelimit.TokenStoreを実装する。
// 引数はすべて文字列としてスクリプトに渡す。
func (s *Store) Take(ctx context.Context, req ratelimit.TakeRequest) (ratelimit.Decision, error) {
	res, err := s.script.Run(ctx, s.client, []string{req.Key},
		strconv.Itoa(req.Capacity),
		strconv.FormatFloat(req.RefillRatePerSecond, 'f', -1, 64),
		strconv.Itoa(req.RequestedTokens),
		strconv.FormatInt(req.NowEpochSeconds, 10),
	).Result()
	if err != nil {
		return ratelimit.Decision{}, fmt.Errorf("%w: %w", ratelimit.ErrStoreUnavailable, err)
	}
	return parseReply(res)
}

// parseReply はスクリプトの戻り値 {allowed, remaining} を判定結果に変換する。
func parseReply(res any) (ratelimit.Decision, error) {
	arr, ok := res.([]any)
	if !ok || len(arr) < 2 {
		return ratelimit.Decision{}, fmt.Errorf("%w: %v", ratelimit.ErrUnexpectedReply, res)
	}

	allowed, ok := arr[0].(int64)
	if !ok {
		return ratelimit.Decision{}, fmt.Errorf("%w: allowed=%v", ratelimit.ErrUnexpectedReply, arr[0])
	}

	var remaining float64
	switch v := arr[1].(type) {
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return ratelimit.Decision{}, fmt.Errorf("%w: remaining=%q", ratelimit.ErrUnexpectedReply, v)
		}
		remaining = f
	case int64:
		remaining = float64(v)
	default:
		return ratelimit.Decision{}, fmt.Errorf("%w: remaining=%v", ratelimit.ErrUnexpectedReply, arr[1])
	}

	return ratelimit.Decision{Allowed: allowed == 1, RemainingTokens: remaining}, nil
}
