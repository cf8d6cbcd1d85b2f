package credential

import (
	"encoding/json"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims は検証済みトークンから取り出したクレーム。リクエスト終了後に破棄される。
type Claims struct {
	// Subject はユーザーの一意識別子（subクレーム）。
	Subject string
	// Username はユーザー名（usernameクレーム）。
	Username string
	// Roles はロール名の集合。重複なしで昇順に並ぶ。
	Roles []string
	// ExpiresAt はトークンの有効期限。
	ExpiresAt time.Time
}

// HasAnyRole はrolesのいずれかを持つかどうかを返す。
func (c Claims) HasAnyRole(roles ...string) bool {
	for _, r := range roles {
		if _, found := slices.BinarySearch(c.Roles, r); found {
			return true
		}
	}
	return false
}

// RolesHeader はロールをカンマ区切りで連結した文字列を返す。
func (c Claims) RolesHeader() string {
	return strings.Join(c.Roles, ",")
}

// authority はロールを表すクレーム要素。{"authority": "ADMIN"} 形式を基本とし、
// 単なる文字列 "ADMIN" も受け付ける。
type authority struct {
	Authority string `json:"authority"`
}

// UnmarshalJSON はオブジェクト形式と文字列形式の両方を読み込む。
func (a *authority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		a.Authority = s
		return nil
	}
	type plain authority
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*a = authority(p)
	return nil
}

// tokenClaims はJWTペイロードの構造。
type tokenClaims struct {
	jwt.RegisteredClaims
	// Username はユーザー名。
	Username string `json:"username,omitempty"`
	// Roles はauthorityオブジェクトの配列。
	Roles []authority `json:"roles,omitempty"`
}

// toClaims はペイロードをClaimsに変換し、ロールを集合に平坦化する。
func (tc *tokenClaims) toClaims() Claims {
	roles := make([]string, 0, len(tc.Roles))
	for _, a := range tc.Roles {
		if name := strings.TrimSpace(a.Authority); name != "" {
			roles = append(roles, name)
		}
	}
	slices.Sort(roles)
	roles = slices.Compact(roles)

	c := Claims{
		Subject:  tc.Subject,
		Username: tc.Username,
		Roles:    roles,
	}
	if tc.ExpiresAt != nil {
		c.ExpiresAt = tc.ExpiresAt.Time
	}
	return c
}
