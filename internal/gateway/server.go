package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nao1215/edgegate/pkg/correlation"
	"github.com/nao1215/edgegate/pkg/credential"
	"github.com/nao1215/edgegate/pkg/event"
	"github.com/nao1215/edgegate/pkg/event/stats"
	"github.com/nao1215/edgegate/pkg/logging"
	"github.com/nao1215/edgegate/pkg/middleware"
	"github.com/nao1215/edgegate/pkg/pathmatch"
	"github.com/nao1215/edgegate/pkg/ratelimit"
	"github.com/nao1215/edgegate/pkg/ratelimit/redisstore"
	"github.com/nao1215/edgegate/pkg/ratelimit/sqlitestore"
)

// purgeInterval は期限切れバケットを削除する間隔。
const purgeInterval = time.Minute

// exposedHeaders はブラウザのスクリプトに公開するレスポンスヘッダー。
var exposedHeaders = []string{
	correlation.HeaderRequestID,
	correlation.HeaderTraceID,
	correlation.HeaderSpanID,
	HeaderRateLimitRemaining,
	HeaderRateLimitRetryAfter,
}

// Server はゲートウェイのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// cfg はゲートウェイの設定。
	cfg Config
	// logger はアプリケーションロガー。
	logger *zap.Logger
	// verifier はトークンの検証器。開発用トークンの発行にも使う。
	verifier *credential.Verifier
	// recorder は判定統計の記録先。
	recorder stats.Recorder
	// purger は期限切れバケットを自分で削除する必要があるストア。
	purger ratelimit.Purger
	// closers はシャットダウン時に解放するリソース。
	closers []func() error
}

// serverOptions はNewServerの依存関係の差し替え。
type serverOptions struct {
	store    ratelimit.TokenStore
	recorder stats.Recorder
	now      func() time.Time
}

// ServerOption はNewServerの依存関係を差し替える関数。
type ServerOption func(*serverOptions)

// WithTokenStore は設定から生成する代わりに指定したトークンストアを使う。
func WithTokenStore(store ratelimit.TokenStore) ServerOption {
	return func(o *serverOptions) { o.store = store }
}

// WithRecorder は設定から生成する代わりに指定した統計レコーダーを使う。
func WithRecorder(rec stats.Recorder) ServerOption {
	return func(o *serverOptions) { o.recorder = rec }
}

// WithClock はレート制限とトークン検証に使う時刻関数を設定する。
func WithClock(now func() time.Time) ServerOption {
	return func(o *serverOptions) { o.now = now }
}

// NewServer は新しいGatewayサーバーを生成する。
// トークンストアと統計レコーダーは設定に従って接続する。
func NewServer(cfg Config, logger *zap.Logger, opts ...ServerOption) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := serverOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		verifier: credential.NewVerifier(cfg.JWTSecret,
			credential.WithVerifierLogger(logger),
			credential.WithVerifierClock(o.now),
		),
	}

	var redisClient *redis.Client
	store := o.store
	if store == nil && cfg.RateLimit.Enabled {
		var err error
		store, redisClient, err = s.openStore()
		if err != nil {
			_ = s.Close()
			return nil, err
		}
	}

	if p, ok := store.(ratelimit.Purger); ok {
		s.purger = p
	}

	s.recorder = o.recorder
	if s.recorder == nil {
		s.recorder = stats.Nop{}
		if cfg.StatsEnabled {
			if redisClient == nil {
				redisClient = s.newRedisClient()
			}
			s.recorder = stats.NewRedisRecorder(redisClient,
				stats.WithPrefix(cfg.RateLimit.KeyPrefix+":stats"),
				stats.WithTTL(cfg.StatsTTL),
			)
		}
	}

	classifier, err := pathmatch.NewClassifier(cfg.PublicPaths)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("許可リストの読み込みに失敗: %w", err)
	}
	fwd, err := newForwarder(cfg)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("ルート表の構築に失敗: %w", err)
	}

	logger.Debug("許可リストを読み込み", zap.Strings("public_paths", classifier.Patterns()))
	for _, rt := range fwd.routes {
		logger.Info("転送先を登録",
			zap.String("service", rt.name),
			zap.String("base_url", rt.client.BaseURL()),
			zap.Strings("patterns", rt.patterns),
		)
	}

	limiter := ratelimit.New(store, cfg.RateLimit,
		ratelimit.WithLogger(logger),
		ratelimit.WithClock(o.now),
	)
	orchestrator := NewOrchestrator(logger, fwd.Handle,
		&correlationFilter{logger: logger},
		&rateLimitFilter{
			limiter:    limiter,
			keys:       &keyResolver{trusted: cfg.TrustedProxies, verifier: s.verifier, classifier: classifier},
			retryAfter: cfg.RetryAfter,
		},
		&authFilter{verifier: s.verifier, classifier: classifier, acceptedRoles: cfg.AcceptedRoles},
	)
	orchestrator.OnComplete(s.recordDecision)

	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.CORS([]string{cfg.FrontendURL}, exposedHeaders))
	s.router = router
	s.setupRoutes(orchestrator)

	return s, nil
}

// openStore は設定に従ってトークンストアを開く。
func (s *Server) openStore() (ratelimit.TokenStore, *redis.Client, error) {
	switch s.cfg.Store {
	case StoreRedis:
		client := s.newRedisClient()
		return redisstore.New(client), client, nil
	case StoreSQLite:
		store, err := sqlitestore.Open(s.cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("SQLiteストアの初期化に失敗: %w", err)
		}
		s.closers = append(s.closers, store.Close)
		return store, nil, nil
	case StoreMemory:
		return ratelimit.NewMemoryStore(), nil, nil
	default:
		return nil, nil, fmt.Errorf("未対応のトークンストアです: %q", s.cfg.Store)
	}
}

// newRedisClient はRedisクライアントを生成し、シャットダウン時に閉じるよう登録する。
func (s *Server) newRedisClient() *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     s.cfg.RedisAddr,
		Password: s.cfg.RedisPassword,
		DB:       s.cfg.RedisDB,
	})
	s.closers = append(s.closers, client.Close)
	return client
}

// setupRoutes はルーティングを設定する。
// ヘルスチェックと開発用トークン発行以外のすべてのリクエストはフィルタチェーンを通る。
func (s *Server) setupRoutes(orchestrator *Orchestrator) {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "gateway"})
	})
	if s.cfg.DevTokenEnabled {
		s.router.POST("/gateway/dev-token", s.handleDevToken())
	}
	s.router.NoRoute(gin.WrapH(orchestrator))
}

// Handler はHTTPハンドラーを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動し、ctxがキャンセルされるとグレースフルシャットダウンする。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("シャットダウンに失敗", zap.Error(err))
		}
	}()

	if s.purger != nil {
		ratelimit.StartJanitor(ctx, s.purger, purgeInterval, func(err error) {
			s.logger.Warn("期限切れバケットの削除に失敗", zap.Error(err))
		})
	}

	s.logger.Info("Gatewayサービスを起動します",
		zap.String("addr", srv.Addr),
		zap.Bool("rate_limit_enabled", s.cfg.RateLimit.Enabled),
		zap.String("store", string(s.cfg.Store)),
		zap.Float64("tokens_per_second", s.cfg.RateLimit.RefillRatePerSecond),
		zap.Int("bucket_capacity", s.cfg.RateLimit.BucketCapacity),
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTPサーバーの実行に失敗: %w", err)
	}
	return nil
}

// Close は保持しているリソースを解放する。
func (s *Server) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// recordDecision はリクエストの最終判定を統計として記録する。
// 記録の失敗はリクエストの結果に影響しない。
func (s *Server) recordDecision(ex *Exchange, status int, _ time.Duration) {
	ctx := context.WithoutCancel(ex.Context())
	if timeout := s.cfg.RateLimit.StoreTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	requestID := ""
	if ids, ok := correlation.FromContext(ctx); ok {
		requestID = ids.RequestID
	}
	data := event.DecisionData{
		Method:       ex.Request.Method,
		Path:         ex.Request.URL.Path,
		Status:       status,
		RateLimitKey: ex.RateLimitKey,
		Upstream:     ex.Upstream,
	}
	if ex.Claims != nil {
		data.UserID = ex.Claims.Subject
	}

	ev, err := event.New(requestID, eventType(ex.Stage), data)
	if err == nil {
		err = s.recorder.Record(ctx, ev)
	}
	if err != nil {
		logging.FromContext(ctx, s.logger).Warn("判定統計の記録に失敗", zap.Error(err))
	}
}

// eventType は最終状態をイベント種別に対応付ける。
func eventType(stage Stage) event.Type {
	switch stage {
	case StageForwarded:
		return event.TypeForwarded
	case StageRejectedRateLimit:
		return event.TypeRateLimited
	case StageRejectedUnauthenticated:
		return event.TypeUnauthenticated
	case StageRejectedForbidden:
		return event.TypeForbidden
	default:
		return event.TypeUpstreamFailed
	}
}
