package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// allowedRequestHeaders はクロスオリジンリクエストで送信を許可するヘッダー。
var allowedRequestHeaders = []string{
	"Authorization",
	"Content-Type",
	"X-Request-ID",
	"X-Trace-Id",
	"X-Span-Id",
}

// CORS は指定されたオリジンからのクロスオリジンリクエストを許可するGinミドルウェアを返す。
// exposeHeadersに指定したレスポンスヘッダー（相関IDやレート制限の残量など）は
// ブラウザのスクリプトから参照できるようにする。
func CORS(allowedOrigins []string, exposeHeaders []string) gin.HandlerFunc {
	originsSet := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			originsSet[o] = struct{}{}
		}
	}
	allowHeaders := strings.Join(allowedRequestHeaders, ", ")
	expose := strings.Join(exposeHeaders, ", ")

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if _, ok := originsSet[origin]; ok {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", allowHeaders)
			c.Header("Access-Control-Max-Age", "86400")
			c.Header("Vary", "Origin")
			if expose != "" {
				c.Header("Access-Control-Expose-Headers", expose)
			}
		}

		// プリフライトはフィルタチェーンに入れない
		if c.Request.Method == http.MethodOptions && c.GetHeader("Access-Control-Request-Method") != "" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
