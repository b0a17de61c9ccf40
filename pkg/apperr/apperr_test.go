package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

// TestStatus はエラー分類ごとのHTTPステータス変換を検証する。
func TestStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "nilは200", err: nil, want: http.StatusOK},
		{name: "ErrValidationは400", err: ErrValidation, want: http.StatusBadRequest},
		{name: "ラップしたErrAuthは401", err: fmt.Errorf("%w: トークン期限切れ", ErrAuth), want: http.StatusUnauthorized},
		{name: "ErrForbiddenは403", err: ErrForbidden, want: http.StatusForbidden},
		{name: "ErrNotFoundは404", err: fmt.Errorf("%w: task", ErrNotFound), want: http.StatusNotFound},
		{name: "ErrConflictは409", err: ErrConflict, want: http.StatusConflict},
		{name: "ErrBrokerUnavailableは503", err: ErrBrokerUnavailable, want: http.StatusServiceUnavailable},
		{name: "ErrStoreUnavailableは503", err: ErrStoreUnavailable, want: http.StatusServiceUnavailable},
		{name: "未分類は500", err: errors.New("boom"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Status(tt.err); got != tt.want {
				t.Errorf("Status() = %d, want %d", got, tt.want)
			}
		})
	}
}

// TestMessage は利用者向けメッセージが内部情報を漏らさないことを検証する。
func TestMessage(t *testing.T) {
	t.Parallel()

	t.Run("未分類エラーは汎用メッセージになること", func(t *testing.T) {
		t.Parallel()
		got := Message(errors.New("dial tcp 10.0.0.1:5432: connection refused"))
		if got != "内部サーバーエラーが発生しました" {
			t.Errorf("Message() = %q", got)
		}
	})

	t.Run("ストア障害は詳細を隠すこと", func(t *testing.T) {
		t.Parallel()
		got := Message(fmt.Errorf("%w: disk I/O error", ErrStoreUnavailable))
		if got != ErrStoreUnavailable.Error() {
			t.Errorf("Message() = %q, want %q", got, ErrStoreUnavailable.Error())
		}
	})

	t.Run("NotFoundは詳細を含むこと", func(t *testing.T) {
		t.Parallel()
		err := fmt.Errorf("%w: task abc", ErrNotFound)
		if got := Message(err); got != err.Error() {
			t.Errorf("Message() = %q, want %q", got, err.Error())
		}
	})
}
