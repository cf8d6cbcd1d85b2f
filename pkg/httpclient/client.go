package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/nao1215/edgegate/pkg/correlation"
)

const (
	// HeaderUserID は認証済みユーザーIDのヘッダー名。
	HeaderUserID = "X-User-ID"
	// HeaderUserRoles は認証済みユーザーのロール（カンマ区切り）のヘッダー名。
	HeaderUserRoles = "X-User-Roles"
	// HeaderUserName は認証済みユーザー名のヘッダー名。
	HeaderUserName = "X-User-Name"
)

// IdentityHeaders はゲートウェイだけが設定できる識別ヘッダー。
var IdentityHeaders = []string{HeaderUserID, HeaderUserRoles, HeaderUserName}

// hopByHopHeaders は転送してはならない接続単位のヘッダー。
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// ErrUpstreamUnreachable は転送先サービスとの通信に失敗したことを表す。
var ErrUpstreamUnreachable = errors.New("内部サービスとの通信に失敗しました")

// Client は内部サービスへの転送用HTTPクライアント。
type Client struct {
	// httpClient は内部で使用するHTTPクライアント。
	httpClient *http.Client
	// baseURL は接続先サービスのベースURL。
	baseURL *url.URL
}

// New は新しい転送用HTTPクライアントを生成する。
// baseURLには接続先サービスのベースURL（例: "http://booking-service:8082"）を指定する。
func New(baseURL string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("ベースURLの解析に失敗: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("ベースURLが不正です: %q", baseURL)
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			// リダイレクトはクライアントにそのまま返す
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		baseURL: u,
	}, nil
}

// BaseURL は接続先サービスのベースURLを返す。
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// Forward は受信したリクエストを接続先サービスに転送し、レスポンスを返す。
// 呼び出し側はレスポンスボディを閉じる必要がある。
// 通信に失敗した場合は ErrUpstreamUnreachable をラップしたエラーを返す。
func (c *Client) Forward(ctx context.Context, in *http.Request) (*http.Response, error) {
	target := *c.baseURL
	target.Path = joinPath(c.baseURL.Path, in.URL.Path)
	target.RawPath = ""
	target.RawQuery = in.URL.RawQuery

	req, err := http.NewRequestWithContext(ctx, in.Method, target.String(), in.Body)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗: %w", err)
	}
	req.ContentLength = in.ContentLength

	copyHeader(req.Header, in.Header)
	for _, h := range IdentityHeaders {
		req.Header.Del(h)
	}

	// コンテキストから相関IDとユーザー情報を伝播する
	if ids, ok := correlation.FromContext(ctx); ok {
		ids.Apply(req.Header)
	}
	if id, ok := IdentityFromContext(ctx); ok {
		id.apply(req.Header)
	}

	if host, _, err := net.SplitHostPort(in.RemoteAddr); err == nil {
		if prior := in.Header.Values("X-Forwarded-For"); len(prior) > 0 {
			host = strings.Join(prior, ", ") + ", " + host
		}
		req.Header.Set("X-Forwarded-For", host)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnreachable, err)
	}
	return resp, nil
}

// CopyResponseHeader はレスポンスヘッダーをhop-by-hopヘッダーを除いてdstに追加する。
func CopyResponseHeader(dst, src http.Header) {
	copyHeader(dst, src)
}

// copyHeader はhop-by-hopヘッダーを除いてヘッダーをコピーする。
func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		if slices.Contains(hopByHopHeaders, http.CanonicalHeaderKey(k)) {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// joinPath はベースURLのパスとリクエストパスを "/" ひとつで連結する。
func joinPath(base, p string) string {
	switch {
	case base == "" || base == "/":
		if p == "" {
			return "/"
		}
		return p
	case p == "" || p == "/":
		return base
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(p, "/")
}

// Identity は転送先サービスに伝播する認証済みユーザー情報。
type Identity struct {
	// UserID はユーザーの一意識別子。
	UserID string
	// Username はユーザー名。
	Username string
	// Roles はユーザーのロール。
	Roles []string
}

// apply は識別ヘッダーを設定する。
func (id Identity) apply(h http.Header) {
	h.Set(HeaderUserID, id.UserID)
	h.Set(HeaderUserRoles, strings.Join(id.Roles, ","))
	h.Set(HeaderUserName, id.Username)
}

// contextKey はコンテキストキーの型。
type contextKey string

// contextKeyIdentity はコンテキストにユーザー情報を格納するためのキー。
const contextKeyIdentity contextKey = "identity"

// WithIdentity はコンテキストに認証済みユーザー情報を設定する。
// 転送時に識別ヘッダーとして伝播するために使用する。
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKeyIdentity, id)
}

// IdentityFromContext はコンテキストから認証済みユーザー情報を取り出す。
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKeyIdentity).(Identity)
	return id, ok
}
