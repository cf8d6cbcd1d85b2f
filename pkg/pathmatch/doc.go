// Package pathmatch はAntスタイルのパスパターン照合と、
// 認証が必要なパスかどうかを判定するRouteClassifierを提供する。
//
// パターンは "/" 区切りのセグメント単位で照合する。
// "*" と "?" は1セグメント内でのみマッチし、"**" は0個以上のセグメントにマッチする。
package pathmatch
