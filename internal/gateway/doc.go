// Package gateway はエッジゲートウェイの内部実装を提供する。
//
// すべての受信リクエストは固定順序のフィルタチェーンを通る。
// 相関ID（拒否しない）→ レート制限（429）→ 認証・認可（401/403）→ 転送。
// 拒否したフィルタより後ろのフィルタは実行されない。
//
// 内部サービスはゲートウェイが付与した X-User-ID / X-User-Roles / X-User-Name を
// トークンの再検証なしに信頼する。これらのヘッダーを設定できるのはゲートウェイだけであり、
// クライアントから届いた同名のヘッダーは転送前に取り除く。
package gateway
