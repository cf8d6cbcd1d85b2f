package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/nao1215/edgegate/pkg/logging"
)

// TestRecovery はRecoveryミドルウェアを検証する。
func TestRecovery(t *testing.T) {
	t.Parallel()

	t.Run("パニックが発生した場合JSONの500が返りログが出力されること", func(t *testing.T) {
		t.Parallel()

		core, logs := observer.New(zap.ErrorLevel)
		router := gin.New()
		router.Use(Recovery(zap.New(core)))
		router.GET("/panic", func(_ *gin.Context) {
			panic("テスト用パニック")
		})

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))

		if w.Code != http.StatusInternalServerError {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusInternalServerError)
		}
		var body map[string]string
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("レスポンスボディのパースに失敗: %v", err)
		}
		if body["error"] != "internal_error" {
			t.Errorf("error = %q, want %q", body["error"], "internal_error")
		}
		if body["message"] != "内部サーバーエラーが発生しました" {
			t.Errorf("message = %q", body["message"])
		}
		entries := logs.FilterMessage("パニックから回復").All()
		if len(entries) != 1 {
			t.Fatalf("ログ件数 = %d, want 1", len(entries))
		}
		if got := entries[0].ContextMap()["path"]; got != "/panic" {
			t.Errorf("path = %v, want %q", got, "/panic")
		}
	})

	t.Run("コンテキストのロガーを優先すること", func(t *testing.T) {
		t.Parallel()

		fallbackCore, fallbackLogs := observer.New(zap.ErrorLevel)
		reqCore, reqLogs := observer.New(zap.ErrorLevel)

		router := gin.New()
		router.Use(func(c *gin.Context) {
			ctx := logging.WithLogger(c.Request.Context(), zap.New(reqCore).With(zap.String("request_id", "r-1")))
			c.Request = c.Request.WithContext(ctx)
			c.Next()
		})
		router.Use(Recovery(zap.New(fallbackCore)))
		router.GET("/panic", func(_ *gin.Context) {
			panic(errors.New("テスト用エラー"))
		})

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))

		if fallbackLogs.Len() != 0 {
			t.Errorf("fallbackのログ件数 = %d, want 0", fallbackLogs.Len())
		}
		if reqLogs.Len() != 1 {
			t.Fatalf("リクエストロガーのログ件数 = %d, want 1", reqLogs.Len())
		}
		if got := reqLogs.All()[0].ContextMap()["request_id"]; got != "r-1" {
			t.Errorf("request_id = %v, want %q", got, "r-1")
		}
	})

	t.Run("パニックが発生しない場合は正常にレスポンスが返ること", func(t *testing.T) {
		t.Parallel()

		router := gin.New()
		router.Use(Recovery(nil))
		router.GET("/ok", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))

		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
	})

	t.Run("パニック後もサーバーが次のリクエストを処理できること", func(t *testing.T) {
		t.Parallel()

		router := gin.New()
		router.Use(Recovery(nil))
		router.GET("/panic", func(_ *gin.Context) { panic(42) })
		router.GET("/ok", func(c *gin.Context) { c.Status(http.StatusNoContent) })

		w1 := httptest.NewRecorder()
		router.ServeHTTP(w1, httptest.NewRequest(http.MethodGet, "/panic", nil))
		w2 := httptest.NewRecorder()
		router.ServeHTTP(w2, httptest.NewRequest(http.MethodGet, "/ok", nil))

		if w1.Code != http.StatusInternalServerError {
			t.Errorf("1回目のステータスコード = %d, want %d", w1.Code, http.StatusInternalServerError)
		}
		if w2.Code != http.StatusNoContent {
			t.Errorf("2回目のステータスコード = %d, want %d", w2.Code, http.StatusNoContent)
		}
	})

	t.Run("書き込み済みのレスポンスは上書きしないこと", func(t *testing.T) {
		t.Parallel()

		router := gin.New()
		router.Use(Recovery(nil))
		router.GET("/partial", func(c *gin.Context) {
			c.String(http.StatusOK, "partial")
			panic("書き込み後のパニック")
		})

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/partial", nil))

		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		if w.Body.String() != "partial" {
			t.Errorf("ボディ = %q, want %q", w.Body.String(), "partial")
		}
	})
}
