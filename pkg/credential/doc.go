// Package credential はBearerトークン（HMAC署名のJWT）の検証とクレーム抽出を提供する。
//
// 署名と構造の検証、有効期限の判定、ロール（authorityオブジェクトの配列）の平坦化を行う。
// 暗号処理はすべてローカルで完結し、ネットワーク呼び出しは発生しない。
package credential
