package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/nao1215/taskhub/pkg/apperr"
	"github.com/nao1215/taskhub/pkg/broker"
)

const (
	// Exchange はタスクドメインイベントを流すトピック交換機。
	Exchange = "tasks.events"
	// DeadLetterExchange は処理できないイベントの転送先交換機。
	DeadLetterExchange = "tasks.events.dlx"
	// ContentType はイベント本文のMIMEタイプ。
	ContentType = "application/json"
	// SubscriptionKey は購読キューが交換機にバインドするルーティングキー。
	SubscriptionKey = "task.#"
)

// Publisher はドメインイベントをブローカーに発行する。
// Publish が成功した時点でブローカーはメッセージを永続化している。
type Publisher struct {
	broker    broker.Broker
	logger    *slog.Logger
	published atomic.Int64
	failed    atomic.Int64
}

// NewPublisher は新しいPublisherを生成する。
func NewPublisher(b broker.Broker, logger *slog.Logger) *Publisher {
	return &Publisher{broker: b, logger: logger.With("component", "event-publisher")}
}

// DeclareTopology はイベント用の交換機とデッドレター交換機を宣言する。
func DeclareTopology(ctx context.Context, b broker.Broker) error {
	if err := b.DeclareExchange(ctx, Exchange, broker.KindTopic); err != nil {
		return err
	}
	return b.DeclareExchange(ctx, DeadLetterExchange, broker.KindFanout)
}

// DeadLetterQueueName は購読キューに対応するデッドレターキューの名前を返す。
func DeadLetterQueueName(queue string) string {
	return queue + ".dlq"
}

// DeclareSubscription は購読キューとそのデッドレターキューを宣言してバインドする。
// 発行側と購読側の両方が呼ぶ。購読者より先に発行されたイベントもキューに残る。
// DeclareTopology を先に呼んでおくこと。
func DeclareSubscription(ctx context.Context, b broker.Broker, queue string) error {
	if _, err := b.DeclareQueue(ctx, broker.QueueOptions{
		Name:     DeadLetterQueueName(queue),
		Durable:  true,
		Bindings: []broker.Binding{{Exchange: DeadLetterExchange}},
	}); err != nil {
		return fmt.Errorf("デッドレターキュー %s の宣言に失敗: %w", DeadLetterQueueName(queue), err)
	}
	if _, err := b.DeclareQueue(ctx, broker.QueueOptions{
		Name:               queue,
		Durable:            true,
		DeadLetterExchange: DeadLetterExchange,
		Bindings:           []broker.Binding{{Exchange: Exchange, Key: SubscriptionKey}},
	}); err != nil {
		return fmt.Errorf("購読キュー %s の宣言に失敗: %w", queue, err)
	}
	return nil
}

// Publish はイベントを発行する。ルーティングキーはイベント種別。
func (p *Publisher) Publish(ctx context.Context, env *Envelope) error {
	if env == nil || !env.Type.Valid() {
		return fmt.Errorf("%w: 発行できないイベントです", apperr.ErrValidation)
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("イベントのシリアライズに失敗: %w", err)
	}

	if err := p.broker.Publish(ctx, Exchange, broker.Message{
		RoutingKey:  string(env.Type),
		MessageID:   env.ID,
		ContentType: ContentType,
		Body:        body,
	}); err != nil {
		p.failed.Add(1)
		return fmt.Errorf("イベント %s の発行に失敗: %w", env.Type, err)
	}

	p.published.Add(1)
	p.logger.Debug("イベントを発行しました", "event_id", env.ID, "type", env.Type)
	return nil
}

// Stats は発行に成功した件数と失敗した件数を返す。
func (p *Publisher) Stats() (published, failed int64) {
	return p.published.Load(), p.failed.Load()
}
