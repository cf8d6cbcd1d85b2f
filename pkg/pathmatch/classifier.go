package pathmatch

import (
	"fmt"
	"slices"
	"strings"
)

// DefaultPublicPaths は認証不要なパスの既定の許可リスト。
// 登録・ログイン・ヘルスチェック・ドキュメント系のエンドポイントを含む。
var DefaultPublicPaths = []string{
	"/api/v1/auth/register",
	"/api/v1/auth/login",
	"/eureka",
	"/actuator/**",
	"/v3/api-docs/**",
	"/swagger-ui.html",
	"/webjars/**",
}

// Classifier はリクエストパスが認証を必要とするかどうかを判定する。
// 起動時に生成した後は変更されないため、複数ゴルーチンから同時に使用できる。
type Classifier struct {
	// publicPatterns は認証不要なパスのパターン。
	publicPatterns []string
}

// NewClassifier は許可リストからClassifierを生成する。
// 空白のみの要素は無視し、構文が不正なパターンがあればエラーを返す。
func NewClassifier(publicPatterns []string) (*Classifier, error) {
	patterns := make([]string, 0, len(publicPatterns))
	for _, p := range publicPatterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if err := Validate(p); err != nil {
			return nil, fmt.Errorf("許可リストの読み込みに失敗: %w", err)
		}
		patterns = append(patterns, p)
	}
	return &Classifier{publicPatterns: patterns}, nil
}

// RequiresAuth はpathが認証を必要とする場合にtrueを返す。
// 許可リストのいずれかのパターンにマッチすればfalseを返す。
func (c *Classifier) RequiresAuth(path string) bool {
	return !slices.ContainsFunc(c.publicPatterns, func(pattern string) bool {
		return Match(pattern, path)
	})
}

// Patterns は許可リストのコピーを返す。
func (c *Classifier) Patterns() []string {
	return slices.Clone(c.publicPatterns)
}
