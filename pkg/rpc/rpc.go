// Package rpc はブローカーを介した同期リクエスト/リプライを提供する。
//
// クライアントは相関IDをキーにした待ち合わせ表で応答を待ち、期限切れのエントリは
// 定期スイープで ErrTimeout として失敗させる。自動リトライは行わない。
// サーバーはコマンド名でハンドラを選び、結果またはエラー応答 {error, status} を返す。
package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/nao1215/taskhub/pkg/apperr"
)

// ErrTimeout は期限内に応答が届かなかったことを表す。エラー応答とは区別される。
var ErrTimeout = errors.New("サービスからの応答がタイムアウトしました")

// Request はコマンド呼び出しのメッセージ本文。
type Request struct {
	// Command はコマンド名
	Command string `json:"command"`
	// Payload はコマンドの引数
	Payload json.RawMessage `json:"payload"`
}

// errorReply はエラー応答のメッセージ本文。
type errorReply struct {
	Error  string `json:"error"`
	Status int    `json:"status"`
}

// Error はサービスが返したエラー応答を表す。
type Error struct {
	// Message はサービスが返したメッセージ
	Message string
	// Status はHTTPステータスコード
	Status int
}

// Error はエラーメッセージを返す。
func (e *Error) Error() string {
	return fmt.Sprintf("%s (status=%d)", e.Message, e.Status)
}

// parseErrorReply は応答本文がエラー応答であれば *Error を返す。
func parseErrorReply(body []byte) *Error {
	var r errorReply
	if err := json.Unmarshal(body, &r); err != nil {
		return nil
	}
	if r.Error == "" || r.Status < 400 {
		return nil
	}
	return &Error{Message: r.Error, Status: r.Status}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// DecodePayload はペイロードをvにデコードし、構造体タグで検証する。
// 失敗は apperr.ErrValidation としてラップされる。
func DecodePayload(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: ペイロードがありません", apperr.ErrValidation)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: ペイロードの形式が不正です", apperr.ErrValidation)
	}
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s(%s)", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", apperr.ErrValidation, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", apperr.ErrValidation, err)
	}
	return nil
}
