package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/nao1215/edgegate/pkg/credential"
	"github.com/nao1215/edgegate/pkg/logging"
)

// Stage はフィルタチェーン内でのリクエストの状態。
type Stage string

const (
	// StageReceived はリクエストを受け付けた直後の状態。
	StageReceived Stage = "RECEIVED"
	// StageCorrelated は相関IDが確定した状態。
	StageCorrelated Stage = "CORRELATED"
	// StageRateChecked はレート制限を通過した状態。
	StageRateChecked Stage = "RATE_CHECKED"
	// StageAuthenticated はトークンの検証に成功した状態。
	StageAuthenticated Stage = "AUTHENTICATED"
	// StageAuthorized はロールの確認に成功した状態。
	StageAuthorized Stage = "AUTHORIZED"
	// StageForwarded は転送先サービスの応答を返した状態。
	StageForwarded Stage = "FORWARDED"
	// StageRejectedRateLimit はレート制限で拒否した状態（429）。
	StageRejectedRateLimit Stage = "REJECTED_RATE_LIMIT"
	// StageRejectedUnauthenticated は認証失敗で拒否した状態（401）。
	StageRejectedUnauthenticated Stage = "REJECTED_UNAUTHENTICATED"
	// StageRejectedForbidden はロール不足で拒否した状態（403）。
	StageRejectedForbidden Stage = "REJECTED_FORBIDDEN"
	// StageUpstreamFailed は転送先が見つからない、または通信に失敗した状態。
	StageUpstreamFailed Stage = "UPSTREAM_FAILED"
)

// Exchange はフィルタチェーンを流れるひとつのリクエストとその応答先。
// リクエストごとに生成し、複数のリクエストで共有しない。
type Exchange struct {
	// Request は転送するリクエスト。フィルタはヘッダーとコンテキストを書き換えてよい。
	Request *http.Request
	// Writer はクライアントへの応答先。
	Writer http.ResponseWriter
	// Stage は現在の状態。
	Stage Stage
	// RateLimitKey はレート制限に使用したキー。
	RateLimitKey string
	// Claims は認証済みのクレーム。認証不要なパスではnil。
	Claims *credential.Claims
	// Upstream は転送先サービス名。
	Upstream string
}

// Context はリクエストのコンテキストを返す。
func (ex *Exchange) Context() context.Context {
	return ex.Request.Context()
}

// SetContext はリクエストのコンテキストを置き換える。
func (ex *Exchange) SetContext(ctx context.Context) {
	ex.Request = ex.Request.WithContext(ctx)
}

// Handler はチェーンの残りを実行する関数。
type Handler func(ex *Exchange) error

// Filter はフィルタチェーンの1段。
type Filter interface {
	// Name はログに出力するフィルタ名を返す。
	Name() string
	// Handle はリクエストを処理する。通過させる場合はnextを呼び出し、その結果を返す。
	// 拒否する場合はnextを呼ばずに *Rejection を返す。
	Handle(ex *Exchange, next Handler) error
	// Fault はHandleがnextを呼ぶ前にパニックまたは拒否以外のエラーで失敗したときに呼ばれ、
	// そのフィルタとして最も近い判定（通過・フェイルオープン・拒否）を返す。
	Fault(ex *Exchange, next Handler, cause error) error
}

// Rejection はチェーンを終了させる拒否応答。
type Rejection struct {
	// Status はHTTPステータスコード。
	Status int
	// Code はレスポンスボディのerrorに入る機械可読なコード。
	Code string
	// Message はレスポンスボディのmessageに入る説明。
	Message string
	// RetryAfter は再試行までの目安。0の場合はヘッダーを付与しない。
	RetryAfter time.Duration
	// Stage は拒否した時点の状態。
	Stage Stage
	// Cause は拒否の原因となったエラー。
	Cause error
}

// Error はerrorインターフェースを実装する。
func (r *Rejection) Error() string {
	if r.Cause != nil {
		return fmt.Sprintf("%d %s: %v", r.Status, r.Code, r.Cause)
	}
	return fmt.Sprintf("%d %s", r.Status, r.Code)
}

// Unwrap は原因のエラーを返す。
func (r *Rejection) Unwrap() error {
	return r.Cause
}

// rateLimitExceeded はレート制限超過の拒否を返す。
func rateLimitExceeded(retryAfter time.Duration) *Rejection {
	return &Rejection{
		Status:     http.StatusTooManyRequests,
		Code:       "rate_limit_exceeded",
		Message:    "リクエストが多すぎます。しばらくしてから再試行してください",
		RetryAfter: retryAfter,
		Stage:      StageRejectedRateLimit,
	}
}

// unauthenticated は認証失敗の拒否を返す。メッセージは原因によって変わる。
func unauthenticated(cause error) *Rejection {
	msg := credential.ErrMalformedCredential.Error()
	switch {
	case errors.Is(cause, credential.ErrMissingCredential):
		msg = credential.ErrMissingCredential.Error()
	case errors.Is(cause, credential.ErrExpiredCredential):
		msg = credential.ErrExpiredCredential.Error()
	}
	return &Rejection{
		Status:  http.StatusUnauthorized,
		Code:    "unauthenticated",
		Message: msg,
		Stage:   StageRejectedUnauthenticated,
		Cause:   cause,
	}
}

// forbidden はロール不足の拒否を返す。
func forbidden() *Rejection {
	return &Rejection{
		Status:  http.StatusForbidden,
		Code:    "forbidden",
		Message: "この操作を行う権限がありません",
		Stage:   StageRejectedForbidden,
	}
}

// routeNotFound は転送先が見つからない場合の拒否を返す。
func routeNotFound() *Rejection {
	return &Rejection{
		Status:  http.StatusNotFound,
		Code:    "not_found",
		Message: "ルートが見つかりません",
		Stage:   StageUpstreamFailed,
	}
}

// upstreamUnreachable は転送先と通信できない場合の拒否を返す。
func upstreamUnreachable(cause error) *Rejection {
	return &Rejection{
		Status:  http.StatusBadGateway,
		Code:    "upstream_unreachable",
		Message: "内部サービスとの通信に失敗しました",
		Stage:   StageUpstreamFailed,
		Cause:   cause,
	}
}

// errFilterPanic はフィルタ内のパニックを表す。
var errFilterPanic = errors.New("フィルタ内でパニックが発生")

// Orchestrator はフィルタを固定の順序で実行し、拒否時にはチェーンを打ち切って応答を書き込む。
// フィルタの順序は生成時に決まり、以降は変更されない。
type Orchestrator struct {
	// filters は実行順のフィルタ。
	filters []Filter
	// terminal はすべてのフィルタを通過したリクエストを処理する。
	terminal Handler
	// logger はコンテキストにロガーが無い場合に使用するロガー。
	logger *zap.Logger
	// onComplete はリクエストの処理が終わった後に呼ばれる。
	onComplete func(ex *Exchange, status int, elapsed time.Duration)
}

// NewOrchestrator は新しいOrchestratorを生成する。
func NewOrchestrator(logger *zap.Logger, terminal Handler, filters ...Filter) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		filters:  filters,
		terminal: terminal,
		logger:   logger,
	}
}

// OnComplete はリクエストの処理が終わった後に呼ばれる関数を設定する。
func (o *Orchestrator) OnComplete(fn func(ex *Exchange, status int, elapsed time.Duration)) {
	o.onComplete = fn
}

// ServeHTTP はリクエストをフィルタチェーンに通す。
func (o *Orchestrator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rw := &statusWriter{ResponseWriter: w}
	ex := &Exchange{Request: r, Writer: rw, Stage: StageReceived}

	err := o.dispatch(ex, 0)
	if err != nil {
		o.fail(ex, rw, err)
	}

	status := rw.status
	if status == 0 {
		status = http.StatusOK
	}
	logging.FromContext(ex.Context(), o.logger).Info("リクエストを処理",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
		zap.String("stage", string(ex.Stage)),
		zap.String("rate_limit_key", ex.RateLimitKey),
		zap.Duration("elapsed", time.Since(start)),
	)
	if o.onComplete != nil {
		o.onComplete(ex, status, time.Since(start))
	}
}

// dispatch はi番目以降のフィルタと終端処理を実行する。
func (o *Orchestrator) dispatch(ex *Exchange, i int) error {
	if i == len(o.filters) {
		return safeCall(func() error { return o.terminal(ex) })
	}

	f := o.filters[i]
	nextCalled := false
	next := func(ex *Exchange) error {
		nextCalled = true
		return o.dispatch(ex, i+1)
	}

	err := safeCall(func() error { return f.Handle(ex, next) })
	if err == nil || isRejection(err) || nextCalled {
		return err
	}

	logging.FromContext(ex.Context(), o.logger).Error("フィルタの実行に失敗",
		zap.String("filter", f.Name()),
		zap.Error(err),
	)
	return safeCall(func() error { return f.Fault(ex, next, err) })
}

// fail は拒否応答を書き込む。拒否以外のエラーは応答前であれば500として扱う。
func (o *Orchestrator) fail(ex *Exchange, rw *statusWriter, err error) {
	logger := logging.FromContext(ex.Context(), o.logger)

	var rej *Rejection
	if !errors.As(err, &rej) {
		logger.Error("リクエストの処理に失敗", zap.Error(err))
		if rw.status != 0 {
			return
		}
		rej = &Rejection{
			Status:  http.StatusInternalServerError,
			Code:    "internal_error",
			Message: "内部サーバーエラーが発生しました",
			Stage:   ex.Stage,
			Cause:   err,
		}
	}
	if rw.status != 0 {
		logger.Warn("応答済みのため拒否を書き込めません", zap.Error(err))
		return
	}

	ex.Stage = rej.Stage
	logger.Warn("リクエストを拒否",
		zap.Int("status", rej.Status),
		zap.String("code", rej.Code),
		zap.String("stage", string(rej.Stage)),
		zap.NamedError("cause", rej.Cause),
	)
	writeRejection(rw, rej)
}

// writeRejection は拒否応答をJSONで書き込む。
func writeRejection(w http.ResponseWriter, rej *Rejection) {
	h := w.Header()
	if rej.RetryAfter > 0 {
		h.Set(HeaderRateLimitRetryAfter, strconv.FormatInt(int64((rej.RetryAfter+time.Second-1)/time.Second), 10))
	}
	h.Del(HeaderRateLimitRemaining)
	h.Set("Content-Type", "application/json")
	w.WriteHeader(rej.Status)
	_, _ = w.Write(rejectionBody(rej))
}

// rejectionPayload は拒否応答のボディ。
type rejectionPayload struct {
	// Error は機械可読なコード。
	Error string `json:"error"`
	// Message は説明。
	Message string `json:"message"`
}

// rejectionBody は拒否応答のボディをシリアライズする。
func rejectionBody(rej *Rejection) []byte {
	b, _ := json.Marshal(rejectionPayload{Error: rej.Code, Message: rej.Message})
	return b
}

// safeCall はfnを実行し、パニックをエラーに変換する。
func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errFilterPanic, r)
		}
	}()
	return fn()
}

// isRejection はerrが *Rejection かどうかを返す。
func isRejection(err error) bool {
	var rej *Rejection
	return errors.As(err, &rej)
}

// statusWriter は書き込んだステータスコードを記録する。
type statusWriter struct {
	http.ResponseWriter
	// status は書き込んだステータスコード。未書き込みなら0。
	status int
}

// WriteHeader はステータスコードを記録して書き込む。
func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

// Write は未書き込みなら200を記録して書き込む。
func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// Flush は下位のWriterがFlusherであればフラッシュする。
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap は http.ResponseController 用に下位のWriterを返す。
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
