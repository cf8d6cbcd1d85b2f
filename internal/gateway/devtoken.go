package gateway

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// devTokenTTL は開発用トークンの有効期間。
const devTokenTTL = 24 * time.Hour

// devTokenRequest は開発用トークン発行リクエスト。すべて省略可能。
type devTokenRequest struct {
	// Subject はユーザーID。省略時はUUIDを生成する。
	Subject string `json:"subject"`
	// Username はユーザー名。省略時は "dev-user"。
	Username string `json:"username"`
	// Roles はロール。省略時は ["USER"]。
	Roles []string `json:"roles"`
}

// handleDevToken は開発用JWTトークンを発行するハンドラを返す。
// DEV_TOKEN_ENABLED=true の場合のみ登録される。本番環境では無効にすること。
func (s *Server) handleDevToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req devTokenRequest
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": "リクエストボディが不正です"})
			return
		}
		if req.Subject == "" {
			req.Subject = uuid.New().String()
		}
		if req.Username == "" {
			req.Username = "dev-user"
		}
		if len(req.Roles) == 0 {
			req.Roles = []string{"USER"}
		}

		token, err := s.verifier.Issue(req.Subject, req.Username, req.Roles, devTokenTTL)
		if err != nil {
			s.logger.Error("JWT生成エラー", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "トークン生成に失敗しました"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"token":      token,
			"user_id":    req.Subject,
			"username":   req.Username,
			"roles":      req.Roles,
			"expires_in": int(devTokenTTL.Seconds()),
		})
	}
}
