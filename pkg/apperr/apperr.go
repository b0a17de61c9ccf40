// Package apperr はサービス横断で共有するエラー分類を提供する。
//
// 各サービスは番兵エラーを %w でラップして返し、境界（HTTPハンドラ、RPCサーバー）で
// Status と Message によってHTTPステータスと利用者向けメッセージに変換する。
package apperr

import (
	"errors"
	"net/http"
)

var (
	// ErrValidation はリクエスト形式が不正であることを表す。
	ErrValidation = errors.New("入力値が不正です")
	// ErrAuth は認証情報が無効または期限切れであることを表す。
	ErrAuth = errors.New("認証に失敗しました")
	// ErrForbidden は認証済みだが操作権限がないことを表す。
	ErrForbidden = errors.New("操作する権限がありません")
	// ErrNotFound は指定されたリソースが存在しないことを表す。
	ErrNotFound = errors.New("リソースが見つかりません")
	// ErrConflict は一意制約に違反する登録であることを表す。
	ErrConflict = errors.New("既に登録されています")
	// ErrBrokerUnavailable はメッセージブローカーに到達できないことを表す。
	ErrBrokerUnavailable = errors.New("メッセージブローカーに接続できません")
	// ErrStoreUnavailable は永続化層が利用できないことを表す。
	ErrStoreUnavailable = errors.New("データストアが利用できません")
	// ErrPoisonMessage はデコードできないイベントメッセージを表す。再キューしてはならない。
	ErrPoisonMessage = errors.New("処理できないメッセージです")
)

// Status はエラーを対応するHTTPステータスコードに変換する。
// 分類できないエラーは500を返す。
func Status(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation), errors.Is(err, ErrPoisonMessage):
		return http.StatusBadRequest
	case errors.Is(err, ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrBrokerUnavailable), errors.Is(err, ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Message は利用者に返してよいエラーメッセージを返す。
// 分類済みエラーはラップされた詳細を含めて返し、未分類のエラーは内部情報を隠す。
func Message(err error) string {
	if err == nil {
		return ""
	}
	if Status(err) == http.StatusInternalServerError {
		return "内部サーバーエラーが発生しました"
	}
	// 接続先や認証失敗の理由は外部に出さない
	for _, sentinel := range []error{ErrBrokerUnavailable, ErrStoreUnavailable, ErrAuth} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return err.Error()
}
