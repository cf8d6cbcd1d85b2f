package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/nao1215/edgegate/pkg/logging"
)

var (
	// ErrMissingCredential はAuthorizationヘッダーが無い、またはBearer形式でないことを表す。
	ErrMissingCredential = errors.New("認証トークンがありません")
	// ErrMalformedCredential は構造不正・署名不一致・必須クレーム欠落のトークンを表す。
	ErrMalformedCredential = errors.New("トークンが不正です")
	// ErrExpiredCredential は有効期限切れのトークンを表す。
	ErrExpiredCredential = errors.New("トークンの有効期限が切れています")
)

// signingMethods は受け付ける署名アルゴリズム。HMAC系のみ。
var signingMethods = []string{
	jwt.SigningMethodHS256.Alg(),
	jwt.SigningMethodHS384.Alg(),
	jwt.SigningMethodHS512.Alg(),
}

// Verifier はBearerトークンを検証してクレームを取り出す。
// 状態を持たないため複数ゴルーチンから同時に使用できる。
type Verifier struct {
	// secret はHMAC署名用の秘密鍵。
	secret []byte
	// logger はリクエストスコープのロガーが無い場合に使用するロガー。
	logger *zap.Logger
	// now は現在時刻を返す関数。
	now func() time.Time
}

// VerifierOption はVerifierの設定を変更する関数。
type VerifierOption func(*Verifier)

// WithVerifierLogger はVerifierが使用するロガーを設定する。
func WithVerifierLogger(logger *zap.Logger) VerifierOption {
	return func(v *Verifier) { v.logger = logger }
}

// WithVerifierClock は有効期限の判定に使う時刻関数を設定する。
func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier は新しいVerifierを生成する。
func NewVerifier(secret string, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		secret: []byte(secret),
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Decode はトークンを検証してクレームを返す。
// 構造不正・署名不一致・exp欠落は ErrMalformedCredential、期限切れは ErrExpiredCredential を返す。
func (v *Verifier) Decode(token string) (Claims, error) {
	tc := &tokenClaims{}
	_, err := jwt.ParseWithClaims(token, tc, func(_ *jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods(signingMethods),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, fmt.Errorf("%w: %w", ErrExpiredCredential, err)
		}
		return Claims{}, fmt.Errorf("%w: %w", ErrMalformedCredential, err)
	}
	return tc.toClaims(), nil
}

// Validate はトークンが有効かどうかを返す。署名・有効期限に加えてsubjectの存在を要求する。
// 失敗の原因はログに記録し、エラーは返さない。
func (v *Verifier) Validate(ctx context.Context, token string) bool {
	claims, err := v.Decode(token)
	if err != nil {
		logging.FromContext(ctx, v.logger).Warn("トークンの検証に失敗", zap.Error(err))
		return false
	}
	if claims.Subject == "" {
		logging.FromContext(ctx, v.logger).Warn("トークンにsubjectがありません")
		return false
	}
	return true
}

// ExtractUserID はトークンのsubjectを返す。
// トークンが空・不正・期限切れの場合はエラーにせず空文字列を返す。
// レート制限のキー導出に使用するため、認証とは無関係な理由でリクエストを失敗させない。
func (v *Verifier) ExtractUserID(ctx context.Context, token string) string {
	if token == "" {
		return ""
	}
	claims, err := v.Decode(token)
	if err != nil {
		logging.FromContext(ctx, v.logger).Debug("トークンからユーザーIDを取得できません", zap.Error(err))
		return ""
	}
	return claims.Subject
}

// Issue は署名済みトークンを発行する。開発用トークンの発行とテストで使用する。
func (v *Verifier) Issue(subject, username string, roles []string, ttl time.Duration) (string, error) {
	now := v.now()
	tc := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "edgegate",
		},
		Username: username,
	}
	for _, r := range roles {
		tc.Roles = append(tc.Roles, authority{Authority: r})
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, tc).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("トークンの署名に失敗: %w", err)
	}
	return signed, nil
}
