// Package middleware はゲートウェイのHTTPサーバーで使用するGinミドルウェアを提供する。
//
// フィルタチェーンの外側で動作する、パニックリカバリとCORS設定を含む。
package middleware
