// Package httpclient はサービス間のJSON over HTTP呼び出しを提供する。
//
// Gatewayが通知サービスのAPIへ中継する際に使用する。
// 呼び出し元のアクセストークンは WithBearerToken でコンテキストに載せて引き継ぎ、
// 2xx以外の応答は StatusError として本文ごと呼び出し側に返す。
package httpclient
