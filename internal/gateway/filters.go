package gateway

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nao1215/edgegate/pkg/correlation"
	"github.com/nao1215/edgegate/pkg/credential"
	"github.com/nao1215/edgegate/pkg/httpclient"
	"github.com/nao1215/edgegate/pkg/logging"
	"github.com/nao1215/edgegate/pkg/pathmatch"
	"github.com/nao1215/edgegate/pkg/ratelimit"
)

const (
	// HeaderRateLimitRemaining は残りトークン数のレスポンスヘッダー。
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	// HeaderRateLimitRetryAfter は再試行までの秒数のレスポンスヘッダー。
	HeaderRateLimitRetryAfter = "X-RateLimit-Retry-After"
)

// correlationFilter は相関IDを確定し、転送リクエスト・レスポンス・ロガーに付与する。
// このフィルタはリクエストを拒否しない。
type correlationFilter struct {
	// logger はリクエストスコープのロガーの親。
	logger *zap.Logger
}

// Name はフィルタ名を返す。
func (f *correlationFilter) Name() string { return "correlation" }

// Handle は相関IDを解決してコンテキストに格納する。
// リクエスト固有のロガーはこのExchangeのコンテキストにのみ存在し、
// リクエストの終了とともに破棄される。
func (f *correlationFilter) Handle(ex *Exchange, next Handler) error {
	ids := correlation.Resolve(ex.Request.Header)
	ids.Apply(ex.Request.Header)
	ids.Apply(ex.Writer.Header())

	ctx := correlation.WithIDs(ex.Context(), ids)
	ctx = logging.WithLogger(ctx, f.logger.With(ids.Fields()...))
	ex.SetContext(ctx)
	ex.Stage = StageCorrelated
	return next(ex)
}

// Fault は相関IDを付与できなくてもリクエストを続行する。
func (f *correlationFilter) Fault(ex *Exchange, next Handler, _ error) error {
	ex.Stage = StageCorrelated
	return next(ex)
}

// rateLimitFilter はトークンバケットでリクエストを制限する。
type rateLimitFilter struct {
	// limiter はレート制限の判定器。
	limiter *ratelimit.Limiter
	// keys はレート制限キーの導出規則。
	keys *keyResolver
	// retryAfter は拒否時に返す再試行までの目安。
	retryAfter time.Duration
}

// Name はフィルタ名を返す。
func (f *rateLimitFilter) Name() string { return "rate_limit" }

// Handle はキーを導出してトークンを1つ消費する。不足していれば429で拒否する。
// 無効化されている場合はストアにアクセスせずに通過させる。
func (f *rateLimitFilter) Handle(ex *Exchange, next Handler) error {
	if !f.limiter.Enabled() {
		ex.Stage = StageRateChecked
		return next(ex)
	}

	ex.RateLimitKey = f.keys.resolve(ex.Request)
	decision := f.limiter.Allow(ex.Context(), ex.RateLimitKey)
	if !decision.Allowed {
		return rateLimitExceeded(f.retryAfter)
	}

	ex.Writer.Header().Set(HeaderRateLimitRemaining, formatRemaining(decision.RemainingTokens))
	ex.Stage = StageRateChecked
	return next(ex)
}

// Fault はストア障害と同様にフェイルオープンで通過させる。
func (f *rateLimitFilter) Fault(ex *Exchange, next Handler, _ error) error {
	ex.Writer.Header().Set(HeaderRateLimitRemaining, formatRemaining(float64(f.limiter.Capacity())))
	ex.Stage = StageRateChecked
	return next(ex)
}

// formatRemaining は残りトークン数を小数点以下2桁で整形する。
func formatRemaining(tokens float64) string {
	return fmt.Sprintf("%.2f", tokens)
}

// authFilter は認証が必要なパスでBearerトークンを検証し、ロールを確認する。
type authFilter struct {
	// verifier はトークンの検証器。
	verifier *credential.Verifier
	// classifier は認証が必要なパスかどうかの判定器。
	classifier *pathmatch.Classifier
	// acceptedRoles は許可するロール。
	acceptedRoles []string
}

// Name はフィルタ名を返す。
func (f *authFilter) Name() string { return "auth" }

// Handle はトークンを検証し、識別情報をコンテキストに格納する。
// トークンが無い・不正・期限切れ、またはsubjectかusernameが無い場合は401、
// 許可されたロールを持たない場合は403で拒否する。
func (f *authFilter) Handle(ex *Exchange, next Handler) error {
	if !f.classifier.RequiresAuth(ex.Request.URL.Path) {
		return next(ex)
	}

	token, ok := bearerToken(ex.Request.Header)
	if !ok {
		return unauthenticated(credential.ErrMissingCredential)
	}
	claims, err := f.verifier.Decode(token)
	if err != nil {
		return unauthenticated(err)
	}
	if claims.Subject == "" || claims.Username == "" {
		return unauthenticated(fmt.Errorf("%w: subjectまたはusernameがありません", credential.ErrMalformedCredential))
	}
	ex.Stage = StageAuthenticated

	if !claims.HasAnyRole(f.acceptedRoles...) {
		return forbidden()
	}
	ex.Stage = StageAuthorized
	ex.Claims = &claims

	ctx := httpclient.WithIdentity(ex.Context(), httpclient.Identity{
		UserID:   claims.Subject,
		Username: claims.Username,
		Roles:    claims.Roles,
	})
	ctx = logging.WithLogger(ctx, logging.FromContext(ctx, nil).With(zap.String("user_id", claims.Subject)))
	ex.SetContext(ctx)
	return next(ex)
}

// Fault は不正なトークンとして401で拒否する。
func (f *authFilter) Fault(_ *Exchange, _ Handler, cause error) error {
	return unauthenticated(fmt.Errorf("%w: %w", credential.ErrMalformedCredential, cause))
}

// bearerToken はAuthorizationヘッダーからBearerトークンを取り出す。
func bearerToken(h http.Header) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(h.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// keyResolver はリクエストからレート制限キーを導出する。
type keyResolver struct {
	// trusted はX-User-IDヘッダーを信頼する送信元アドレス範囲。
	trusted []netip.Prefix
	// verifier はトークンからユーザーIDを取り出す。
	verifier *credential.Verifier
	// classifier は認証が必要なパスかどうかの判定器。
	classifier *pathmatch.Classifier
}

// resolve はキーを次の優先順で導出する。
//  1. 内部ネットワークから届いたX-User-IDヘッダー → "user:<id>"
//  2. 認証が必要なパスで有効なBearerトークンのsubject → "user:<sub>"
//  3. クライアントIPアドレス → "ip:<addr>"
//
// 認証の失敗はここではリクエストを失敗させない。
func (k *keyResolver) resolve(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(httpclient.HeaderUserID)); id != "" && k.trustedPeer(r.RemoteAddr) {
		return "user:" + id
	}
	if k.classifier.RequiresAuth(r.URL.Path) {
		if token, ok := bearerToken(r.Header); ok {
			if sub := k.verifier.ExtractUserID(r.Context(), token); sub != "" {
				return "user:" + sub
			}
		}
	}
	return "ip:" + clientIP(r)
}

// trustedPeer は接続元が内部ネットワークかどうかを返す。
func (k *keyResolver) trustedPeer(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	return slices.ContainsFunc(k.trusted, func(p netip.Prefix) bool {
		return p.Contains(addr)
	})
}

// clientIP はX-Forwarded-Forの先頭、X-Real-IP、接続元アドレスの順でクライアントIPを返す。
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	if r.RemoteAddr != "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			return host
		}
		return r.RemoteAddr
	}
	return "unknown"
}
