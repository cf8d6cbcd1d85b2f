package pathmatch

import "testing"

// TestMatch はMatchを検証する。
func TestMatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		pattern string
		path    string
		want    bool
	}{
		{name: "完全一致", pattern: "/api/v1/auth/login", path: "/api/v1/auth/login", want: true},
		{name: "末尾が異なる", pattern: "/api/v1/auth/login", path: "/api/v1/auth/logout", want: false},
		{name: "前方一致ではない", pattern: "/api/v1/auth/login", path: "/api/v1/auth/login/extra", want: false},
		{name: "**は0セグメントにマッチ", pattern: "/actuator/**", path: "/actuator", want: true},
		{name: "**は1セグメントにマッチ", pattern: "/actuator/**", path: "/actuator/health", want: true},
		{name: "**は複数セグメントにマッチ", pattern: "/v3/api-docs/**", path: "/v3/api-docs/swagger-config/x", want: true},
		{name: "**は別の接頭辞にマッチしない", pattern: "/actuator/**", path: "/actuators/health", want: false},
		{name: "中間の**", pattern: "/api/**/login", path: "/api/v1/auth/login", want: true},
		{name: "中間の**で末尾不一致", pattern: "/api/**/login", path: "/api/v1/auth/register", want: false},
		{name: "*は1セグメント内でマッチ", pattern: "/api/v1/*/login", path: "/api/v1/auth/login", want: true},
		{name: "*はセグメントを跨がない", pattern: "/api/*/login", path: "/api/v1/auth/login", want: false},
		{name: "セグメント内の部分*", pattern: "/swagger-*.html", path: "/swagger-ui.html", want: true},
		{name: "?は1文字", pattern: "/v?/docs", path: "/v3/docs", want: true},
		{name: "?は2文字にマッチしない", pattern: "/v?/docs", path: "/v33/docs", want: false},
		{name: "連続した区切り文字は無視", pattern: "/webjars/**", path: "//webjars//a.js", want: true},
		{name: "末尾の区切り文字の有無が異なる", pattern: "/api/v1/auth/login", path: "/api/v1/auth/login/", want: false},
		{name: "末尾の区切り文字が両方にある", pattern: "/api/v1/auth/", path: "/api/v1/auth/", want: true},
		{name: "パターンだけ末尾に区切り文字がある", pattern: "/api/v1/auth/", path: "/api/v1/auth", want: false},
		{name: "末尾の*は区切り文字で終わるパスにマッチ", pattern: "/api/*", path: "/api/", want: true},
		{name: "**は末尾の区切り文字を問わない", pattern: "/actuator/**", path: "/actuator/health/", want: true},
		{name: "先頭の連続した区切り文字は無視", pattern: "/api/v1/auth/login", path: "//api/v1/auth/login", want: true},
		{name: "絶対パスと相対パスは一致しない", pattern: "/eureka", path: "eureka", want: false},
		{name: "不正なパターン", pattern: "/api/[", path: "/api/[", want: false},
		{name: "**のみ", pattern: "/**", path: "/anything/at/all", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := Match(tt.pattern, tt.path); got != tt.want {
				t.Errorf("Match(%q, %q) = %v, want %v", tt.pattern, tt.path, got, tt.want)
			}
		})
	}
}

// TestValidate はValidateを検証する。
func TestValidate(t *testing.T) {
	t.Parallel()

	if err := Validate("/api/**/*.json"); err != nil {
		t.Errorf("Validate()でエラーが発生: %v", err)
	}
	if err := Validate("/api/[a-"); err == nil {
		t.Error("不正なパターンでエラーが返らなかった")
	}
	if err := Validate(""); err == nil {
		t.Error("空のパターンでエラーが返らなかった")
	}
}
