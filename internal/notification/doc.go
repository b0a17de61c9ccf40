// Package notification は通知サービスの内部実装を提供する。
//
// タスクのドメインイベントを購読し、実行者を除いた通知候補ごとに通知を保存して
// 接続中のセッションへWebSocketでプッシュする。オフラインの利用者は再接続時に
// HTTP APIで通知一覧を取得する。
//
// イベントの処理は受信、デコード、宛先解決、配信、確認応答の段階を順に進む。
// デコードできないメッセージはデッドレターキューへ送り、保存に失敗したメッセージは
// 再試行回数をヘッダーに載せて再投入する。上限に達したメッセージは記録して破棄する。
package notification
