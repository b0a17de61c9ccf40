// Package task はタスクサービスの内部実装を提供する。
//
// ゲートウェイからブローカー経由でタスクとコメントのコマンドを受け付け、SQLiteに保存する。
// 状態変更をコミットした後に task.created / task.updated / task.comment.created を発行する。
// 発行に失敗しても書き込みは取り消さず、通知が届かない劣化状態としてログに残す。
package task
