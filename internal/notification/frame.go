package notification

import (
	"encoding/json"
	"fmt"
)

// WebSocketで送受信するフレームのイベント名。
const (
	FrameAuth          = "auth"
	FrameAuthenticated = "authenticated"
	FrameNotification  = "notification"
	FrameMarkAsRead    = "mark_as_read"
)

// Frame はWebSocketで送受信するメッセージ。
type Frame struct {
	// Event はイベント名。
	Event string `json:"event"`
	// Data はイベントごとのデータ。
	Data json.RawMessage `json:"data,omitempty"`
}

// authData は認証フレームのデータ。
type authData struct {
	Token string `json:"token"`
}

// markAsReadData は既読フレームのデータ。
type markAsReadData struct {
	NotificationID string `json:"notificationId"`
}

// encodeFrame はイベント名とデータからフレームを組み立てる。
func encodeFrame(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("フレームデータのエンコードに失敗: %w", err)
	}
	return json.Marshal(Frame{Event: event, Data: raw})
}
