// Package sqlitestore はSQLiteをバックエンドとするトークンストアを提供する。
//
// 同一ホスト上の複数ゲートウェイプロセスが1つのデータベースファイルを共有する構成向け。
// バケット操作は IMMEDIATE トランザクション内で読み取りから書き戻しまでを行うため、
// 書き込みロックを取得した1トランザクションだけが同時に計算を進める。
package sqlitestore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nao1215/edgegate/pkg/migration"
	"github.com/nao1215/edgegate/pkg/ratelimit"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store はSQLiteのトランザクションでバケットを更新するTokenStore。
type Store struct {
	// db はSQLiteデータベース接続。
	db *sql.DB
}

// Open は指定パスのSQLiteファイルを開き、マイグレーションを適用したStoreを返す。
// トランザクションは常に IMMEDIATE で開始される。
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}

	s, err := New(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New は既存の接続からStoreを生成する。スキーマは自動で適用される。
func New(db *sql.DB) (*Store, error) {
	if _, err := migration.Run(context.Background(), db, migrations, "migrations"); err != nil {
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}
	return &Store{db: db}, nil
}

// Close はデータベース接続を閉じる。
func (s *Store) Close() error {
	return s.db.Close()
}

// Take はratelimit.TokenStoreを実装する。
func (s *Store) Take(ctx context.Context, req ratelimit.TakeRequest) (ratelimit.Decision, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ratelimit.Decision{}, fmt.Errorf("%w: トランザクション開始に失敗: %w", ratelimit.ErrStoreUnavailable, err)
	}
	defer tx.Rollback() //nolint:errcheck

	var prev *ratelimit.BucketState
	var state ratelimit.BucketState
	err = tx.QueryRowContext(ctx,
		"SELECT tokens, last_refill FROM token_buckets WHERE bucket_key = ?", req.Key,
	).Scan(&state.Tokens, &state.LastRefillEpochSeconds)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return ratelimit.Decision{}, fmt.Errorf("%w: バケットの取得に失敗: %w", ratelimit.ErrStoreUnavailable, err)
	default:
		prev = &state
	}

	next, dec := ratelimit.Take(prev, req)

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO token_buckets (bucket_key, tokens, last_refill, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(bucket_key) DO UPDATE SET
			tokens = excluded.tokens,
			last_refill = excluded.last_refill,
			expires_at = excluded.expires_at`,
		req.Key, next.Tokens, next.LastRefillEpochSeconds, req.NowEpochSeconds+ratelimit.TTLSeconds(req),
	); err != nil {
		return ratelimit.Decision{}, fmt.Errorf("%w: バケットの更新に失敗: %w", ratelimit.ErrStoreUnavailable, err)
	}

	if err := tx.Commit(); err != nil {
		return ratelimit.Decision{}, fmt.Errorf("%w: コミットに失敗: %w", ratelimit.ErrStoreUnavailable, err)
	}
	return dec, nil
}

// Purge は有効期限を過ぎたバケットを削除し、削除件数を返す。
func (s *Store) Purge(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM token_buckets WHERE expires_at < ?", now.Unix())
	if err != nil {
		return 0, fmt.Errorf("期限切れバケットの削除に失敗: %w", err)
	}
	return res.RowsAffected()
}
