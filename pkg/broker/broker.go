// Package broker はサービス間メッセージングの抽象化を提供する。
//
// 本番環境では AMQP（RabbitMQ）実装を、テストや単一プロセス構成では Memory 実装を使用する。
// どちらの実装もトピック交換機、永続キュー、手動ACK、デッドレター交換機を同じ意味で扱う。
package broker

import (
	"context"
	"strconv"
)

// 交換機の種別。
const (
	// KindTopic はルーティングキーのパターン（* と #）で配送先を決める交換機
	KindTopic = "topic"
	// KindDirect はルーティングキーの完全一致で配送先を決める交換機
	KindDirect = "direct"
	// KindFanout はバインドされた全キューに配送する交換機
	KindFanout = "fanout"
)

// DefaultExchange はキュー名をルーティングキーとして直接配送する既定の交換機。
const DefaultExchange = ""

// Message はブローカー上を流れる1件のメッセージ。
type Message struct {
	// RoutingKey は配送先を決めるキー
	RoutingKey string
	// MessageID はメッセージの一意識別子
	MessageID string
	// CorrelationID はリクエスト/リプライの対応付けに使う識別子
	CorrelationID string
	// ReplyTo は返信先キュー名
	ReplyTo string
	// ContentType は本文のMIMEタイプ
	ContentType string
	// Headers は任意のヘッダー
	Headers map[string]any
	// Body は本文
	Body []byte
}

// Delivery は購読者に届いたメッセージ。Ack か Nack のどちらかを必ず1回呼ぶこと。
type Delivery struct {
	Message
	// Redelivered は再配送されたメッセージかどうか
	Redelivered bool

	ack  func() error
	nack func(requeue bool) error
}

// Ack は処理完了をブローカーに通知する。
func (d Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// Nack は処理失敗をブローカーに通知する。
// requeue が false の場合、キューにデッドレター交換機が設定されていればそちらへ転送される。
func (d Delivery) Nack(requeue bool) error {
	if d.nack == nil {
		return nil
	}
	return d.nack(requeue)
}

// Binding はキューと交換機の結び付けを表す。
type Binding struct {
	// Exchange はバインド先の交換機名
	Exchange string
	// Key はルーティングキーのパターン
	Key string
}

// QueueOptions はキュー宣言の設定。
type QueueOptions struct {
	// Name はキュー名。空の場合はブローカーが名前を生成する
	Name string
	// Durable はブローカー再起動後もキューを保持するかどうか
	Durable bool
	// Exclusive は宣言した接続専用のキューかどうか
	Exclusive bool
	// AutoDelete は購読者がいなくなったら削除するかどうか
	AutoDelete bool
	// DeadLetterExchange は拒否されたメッセージの転送先交換機
	DeadLetterExchange string
	// Bindings は宣言後に作成するバインディング
	Bindings []Binding
}

// Broker はメッセージブローカーの操作を定義する。
type Broker interface {
	// DeclareExchange は交換機を宣言する。既に同じ設定で存在する場合は何もしない。
	DeclareExchange(ctx context.Context, name, kind string) error
	// DeclareQueue はキューを宣言してバインドし、確定したキュー名を返す。
	DeclareQueue(ctx context.Context, opts QueueOptions) (string, error)
	// Publish はメッセージを交換機に発行する。ブローカーが受理するまでブロックする。
	Publish(ctx context.Context, exchange string, msg Message) error
	// Consume はキューの購読を開始する。prefetch は未ACKで保持できる最大件数。
	// ctx がキャンセルされるとチャネルは閉じられる。
	Consume(ctx context.Context, queue string, prefetch int) (<-chan Delivery, error)
	// Healthy はブローカーへの接続が生きているかを返す。
	Healthy() bool
	// Close は接続を閉じる。
	Close() error
}

// HeaderInt はヘッダー値を整数として取り出す。
// AMQPを経由すると数値型が変わるため、主要な数値型と文字列を受け付ける。
func HeaderInt(headers map[string]any, key string) int {
	switch v := headers[key].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	case float32:
		return int(v)
	case float64:
		return int(v)
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

// CloneHeaders はヘッダーの浅いコピーを返す。
func CloneHeaders(headers map[string]any) map[string]any {
	out := make(map[string]any, len(headers)+1)
	for k, v := range headers {
		out[k] = v
	}
	return out
}

var (
	_ Broker = (*Memory)(nil)
	_ Broker = (*AMQP)(nil)
)
