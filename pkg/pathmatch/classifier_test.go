package pathmatch

import "testing"

// TestClassifier_RequiresAuth はRequiresAuthを検証する。
func TestClassifier_RequiresAuth(t *testing.T) {
	t.Parallel()

	c, err := NewClassifier(DefaultPublicPaths)
	if err != nil {
		t.Fatalf("NewClassifier()でエラーが発生: %v", err)
	}

	tests := []struct {
		path string
		want bool
	}{
		{path: "/api/v1/auth/login", want: false},
		{path: "/api/v1/auth/register", want: false},
		{path: "/eureka", want: false},
		{path: "/actuator/health", want: false},
		{path: "/v3/api-docs", want: false},
		{path: "/v3/api-docs/swagger-config", want: false},
		{path: "/swagger-ui.html", want: false},
		{path: "/webjars/swagger-ui/index.css", want: false},
		{path: "/api/v1/auth/refresh", want: true},
		{path: "/api/v1/bookings", want: true},
		{path: "/api/v1/users/me", want: true},
		{path: "/", want: true},
		{path: "/api/v1/auth/login/", want: true},
		{path: "/eureka/", want: true},
	}

	for _, tt := range tests {
		if got := c.RequiresAuth(tt.path); got != tt.want {
			t.Errorf("RequiresAuth(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

// TestNewClassifier はNewClassifierを検証する。
func TestNewClassifier(t *testing.T) {
	t.Parallel()

	t.Run("空白要素を無視すること", func(t *testing.T) {
		t.Parallel()

		c, err := NewClassifier([]string{" /public/** ", "", "  "})
		if err != nil {
			t.Fatalf("NewClassifier()でエラーが発生: %v", err)
		}
		if got := c.Patterns(); len(got) != 1 || got[0] != "/public/**" {
			t.Errorf("Patterns() = %v, want [/public/**]", got)
		}
		if c.RequiresAuth("/public/a") {
			t.Error("/public/a は認証不要であるべき")
		}
	})

	t.Run("許可リストが空なら全パスで認証が必要なこと", func(t *testing.T) {
		t.Parallel()

		c, err := NewClassifier(nil)
		if err != nil {
			t.Fatalf("NewClassifier()でエラーが発生: %v", err)
		}
		if !c.RequiresAuth("/api/v1/auth/login") {
			t.Error("RequiresAuth() = false, want true")
		}
	})

	t.Run("不正なパターンでエラーを返すこと", func(t *testing.T) {
		t.Parallel()

		if _, err := NewClassifier([]string{"/ok", "/bad/["}); err == nil {
			t.Error("エラーが返らなかった")
		}
	})

	t.Run("Patternsの変更が内部状態に影響しないこと", func(t *testing.T) {
		t.Parallel()

		c, _ := NewClassifier([]string{"/a"})
		c.Patterns()[0] = "/**"
		if !c.RequiresAuth("/b") {
			t.Error("内部状態が変更された")
		}
	})
}
