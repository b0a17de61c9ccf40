// Package auth は認証サービスの内部実装を提供する。
//
// ゲートウェイからブローカー経由で register / login / refresh / logout コマンドを受け付け、
// パスワードの検証、アクセストークン（JWT、15分）とリフレッシュトークン（7日）の発行を行う。
// リフレッシュトークンはSHA-256ダイジェストのみを保存し、期限切れを検出したら削除する。
package auth
