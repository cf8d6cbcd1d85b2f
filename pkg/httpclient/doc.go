// Package httpclient はゲートウェイから内部サービスへリクエストを転送するクライアントを提供する。
//
// 転送時には受信ヘッダーから hop-by-hop ヘッダーと利用者が偽装し得る識別ヘッダーを取り除き、
// コンテキストに格納された相関IDと認証済みユーザー情報だけを付与する。
// 内部サービスはこれらのヘッダーをトークンの再検証なしに信頼する。
package httpclient
