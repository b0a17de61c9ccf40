// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// アクセストークン（JWT）の発行と検証、パニックリカバリ、CORS設定、
// エラー応答の共通形式 {error, status} への変換を含む。
// トークンの検証はHTTPミドルウェアとWebSocket接続の認証で同じ ParseJWT を使う。
package middleware
