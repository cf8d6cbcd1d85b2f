// Package ratelimit はトークンバケット方式の分散レート制限を提供する。
//
// バケット状態は共有トークンストア（Redis等）が所有し、ゲートウェイは
// TokenStore インターフェース越しに「読み取り・補充・消費・書き戻し」を
// 1回のアトミックな操作として実行する。複数のゲートウェイインスタンスが
// 同一キーに同時アクセスしても、直列化されるのはストアのアトミック境界のみで、
// プロセス内ロックは不要である。
//
// ストアが利用できない場合、Limiter はリクエストを許可する（フェイルオープン）。
// レート制限の正確性よりもゲートウェイの可用性を優先する。
package ratelimit
