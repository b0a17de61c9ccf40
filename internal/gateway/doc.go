// Package gateway はAPI Gatewayサービスの内部実装を提供する。
//
// 外部からアクセス可能な唯一のHTTP入口であり、リクエスト形式の検証と
// アクセストークンの検証を行ったうえで、認証サービスとタスクサービスへは
// ブローカー経由のコマンド呼び出しで、通知サービスへはHTTPで転送する。
// 下流のエラー応答はそのステータスのまま返し、応答がない場合は504を返す。
package gateway
