package gateway

import (
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/nao1215/edgegate/pkg/correlation"
	"github.com/nao1215/edgegate/pkg/httpclient"
	"github.com/nao1215/edgegate/pkg/logging"
	"github.com/nao1215/edgegate/pkg/pathmatch"
)

const (
	// headerTraceIDEnriched は転送後に付与するトレースIDのヘッダー名。
	// HTTPヘッダー名は大文字小文字を区別しないため X-Trace-Id と同じヘッダーになる。
	headerTraceIDEnriched = "X-Trace-ID"
	// headerSpanIDEnriched は転送後に付与するスパンIDのヘッダー名。
	headerSpanIDEnriched = "X-Span-ID"
)

// route は転送先サービスとそのパスパターン。
type route struct {
	// name は転送先サービス名。
	name string
	// patterns はこのサービスに転送するパスのパターン。
	patterns []string
	// client は転送用HTTPクライアント。
	client *httpclient.Client
}

// forwarder はフィルタチェーンを通過したリクエストを転送先サービスに中継する。
type forwarder struct {
	// routes は先頭から順に照合するルート表。
	routes []route
}

// newForwarder はサービスURLからルート表を組み立てる。
func newForwarder(cfg Config) (*forwarder, error) {
	table := []struct {
		name     string
		baseURL  string
		patterns []string
	}{
		{name: "user-service", baseURL: cfg.UserServiceURL, patterns: []string{"/api/v1/auth/**", "/api/v1/users/**", "/api/v1/admin/**"}},
		{name: "booking-service", baseURL: cfg.BookingServiceURL, patterns: []string{"/api/v1/bookings/**", "/api/v1/shows/**"}},
		{name: "notification-service", baseURL: cfg.NotificationServiceURL, patterns: []string{"/api/v1/notifications/**"}},
	}

	f := &forwarder{}
	for _, t := range table {
		client, err := httpclient.New(t.baseURL)
		if err != nil {
			return nil, fmt.Errorf("%sのクライアント生成に失敗: %w", t.name, err)
		}
		f.routes = append(f.routes, route{name: t.name, patterns: t.patterns, client: client})
	}
	return f, nil
}

// match はパスに一致するルートを返す。
func (f *forwarder) match(path string) (route, bool) {
	for _, rt := range f.routes {
		for _, p := range rt.patterns {
			if pathmatch.Match(p, path) {
				return rt, true
			}
		}
	}
	return route{}, false
}

// Handle はリクエストを転送し、応答をクライアントにそのまま返す。
// 一致するルートが無ければ404、転送先と通信できなければ502で拒否する。
func (f *forwarder) Handle(ex *Exchange) error {
	rt, ok := f.match(ex.Request.URL.Path)
	if !ok {
		return routeNotFound()
	}
	ex.Upstream = rt.name

	resp, err := rt.client.Forward(ex.Context(), ex.Request)
	if err != nil {
		return upstreamUnreachable(err)
	}
	defer resp.Body.Close()

	// レート制限ヘッダーはゲートウェイの判定だけを返す
	resp.Header.Del(HeaderRateLimitRemaining)
	resp.Header.Del(HeaderRateLimitRetryAfter)

	h := ex.Writer.Header()
	httpclient.CopyResponseHeader(h, resp.Header)
	if ids, ok := correlation.FromContext(ex.Context()); ok {
		enrichTracing(h, ids)
	}

	ex.Stage = StageForwarded
	ex.Writer.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(ex.Writer, resp.Body); err != nil {
		logging.FromContext(ex.Context(), nil).Warn("レスポンスの中継に失敗",
			zap.String("upstream", rt.name),
			zap.Error(err),
		)
	}
	// 本文が空でもステータスを確定させる
	if f, ok := ex.Writer.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// enrichTracing は転送後のレスポンスに相関IDを付け直す。
// 転送先が同名のヘッダーを返した場合もゲートウェイの値で上書きする。
func enrichTracing(h http.Header, ids correlation.IDs) {
	ids.Apply(h)
	h.Set(headerTraceIDEnriched, ids.TraceID)
	h.Set(headerSpanIDEnriched, ids.SpanID)
}
