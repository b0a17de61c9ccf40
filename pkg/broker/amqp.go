package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/nao1215/taskhub/pkg/apperr"
)

// AMQP はRabbitMQを使うBroker実装。
// 発行はパブリッシャーコンファームを有効にした共有チャネルで行い、
// 購読は購読ごとに専用チャネルを開いてprefetchを設定する。
type AMQP struct {
	conn   *amqp.Connection
	logger *slog.Logger

	mu sync.Mutex
	ch *amqp.Channel
}

// DialAMQP はRabbitMQに接続する。
func DialAMQP(url string, logger *slog.Logger) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("%w: RabbitMQへの接続に失敗: %v", apperr.ErrBrokerUnavailable, err)
	}
	b := &AMQP{conn: conn, logger: logger}
	if _, err := b.channel(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	go func() {
		if cerr, ok := <-conn.NotifyClose(make(chan *amqp.Error, 1)); ok && cerr != nil {
			logger.Error("RabbitMQとの接続が切断されました", "code", cerr.Code, "reason", cerr.Reason)
		}
	}()

	logger.Info("RabbitMQに接続しました")
	return b, nil
}

// channel は発行と宣言に使う共有チャネルを返す。
// エラーでチャネルが閉じられていた場合は開き直す。呼び出し側でmuを保持すること。
func (b *AMQP) channel() (*amqp.Channel, error) {
	if b.ch != nil && !b.ch.IsClosed() {
		return b.ch, nil
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("%w: チャネルのオープンに失敗: %v", apperr.ErrBrokerUnavailable, err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("%w: コンファームモードの設定に失敗: %v", apperr.ErrBrokerUnavailable, err)
	}
	b.ch = ch
	return ch, nil
}

// DeclareExchange は永続的な交換機を宣言する。
func (b *AMQP) DeclareExchange(_ context.Context, name, kind string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, err := b.channel()
	if err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(
		name,
		kind,
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("%w: 交換機 %s の宣言に失敗: %v", apperr.ErrBrokerUnavailable, name, err)
	}
	return nil
}

// DeclareQueue はキューを宣言し、設定されたバインディングを作成する。
func (b *AMQP) DeclareQueue(_ context.Context, opts QueueOptions) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, err := b.channel()
	if err != nil {
		return "", err
	}

	args := amqp.Table{}
	if opts.DeadLetterExchange != "" {
		args["x-dead-letter-exchange"] = opts.DeadLetterExchange
	}
	q, err := ch.QueueDeclare(
		opts.Name,
		opts.Durable,
		opts.AutoDelete,
		opts.Exclusive,
		false, // no-wait
		args,
	)
	if err != nil {
		return "", fmt.Errorf("%w: キュー %s の宣言に失敗: %v", apperr.ErrBrokerUnavailable, opts.Name, err)
	}

	for _, bind := range opts.Bindings {
		if err := ch.QueueBind(q.Name, bind.Key, bind.Exchange, false, nil); err != nil {
			return "", fmt.Errorf("%w: キュー %s のバインドに失敗: %v", apperr.ErrBrokerUnavailable, q.Name, err)
		}
	}
	return q.Name, nil
}

// Publish はメッセージを永続配送で発行し、ブローカーのコンファームを待つ。
func (b *AMQP) Publish(ctx context.Context, exchange string, msg Message) error {
	b.mu.Lock()
	ch, err := b.channel()
	if err != nil {
		b.mu.Unlock()
		return err
	}
	dc, err := ch.PublishWithDeferredConfirmWithContext(
		ctx,
		exchange,
		msg.RoutingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:   msg.ContentType,
			DeliveryMode:  amqp.Persistent,
			MessageId:     msg.MessageID,
			CorrelationId: msg.CorrelationID,
			ReplyTo:       msg.ReplyTo,
			Headers:       amqp.Table(msg.Headers),
			Timestamp:     time.Now(),
			Body:          msg.Body,
		},
	)
	b.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: メッセージの発行に失敗: %v", apperr.ErrBrokerUnavailable, err)
	}

	acked, err := dc.WaitContext(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("%w: コンファームの待機に失敗: %v", apperr.ErrBrokerUnavailable, err)
	}
	if !acked {
		return fmt.Errorf("%w: ブローカーがメッセージを受理しませんでした", apperr.ErrBrokerUnavailable)
	}
	return nil
}

// Consume は専用チャネルでキューを購読する。
func (b *AMQP) Consume(ctx context.Context, queue string, prefetch int) (<-chan Delivery, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("%w: チャネルのオープンに失敗: %v", apperr.ErrBrokerUnavailable, err)
	}
	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			_ = ch.Close()
			return nil, fmt.Errorf("%w: prefetchの設定に失敗: %v", apperr.ErrBrokerUnavailable, err)
		}
	}

	msgs, err := ch.Consume(
		queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("%w: キュー %s の購読に失敗: %v", apperr.ErrBrokerUnavailable, queue, err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		defer func() { _ = ch.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-msgs:
				if !ok {
					b.logger.Warn("購読チャネルが閉じられました", "queue", queue)
					return
				}
				select {
				case out <- toDelivery(d):
				case <-ctx.Done():
					_ = d.Nack(false, true)
					return
				}
			}
		}
	}()
	return out, nil
}

// toDelivery はAMQPの配送をDeliveryに変換する。
func toDelivery(d amqp.Delivery) Delivery {
	return Delivery{
		Message: Message{
			RoutingKey:    d.RoutingKey,
			MessageID:     d.MessageId,
			CorrelationID: d.CorrelationId,
			ReplyTo:       d.ReplyTo,
			ContentType:   d.ContentType,
			Headers:       map[string]any(d.Headers),
			Body:          d.Body,
		},
		Redelivered: d.Redelivered,
		ack:         func() error { return d.Ack(false) },
		nack:        func(requeue bool) error { return d.Nack(false, requeue) },
	}
}

// Healthy は接続が閉じられていなければtrueを返す。
func (b *AMQP) Healthy() bool {
	return !b.conn.IsClosed()
}

// Close はチャネルと接続を閉じる。
func (b *AMQP) Close() error {
	b.mu.Lock()
	if b.ch != nil {
		if err := b.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			b.logger.Error("チャネルのクローズに失敗", "error", err)
		}
	}
	b.mu.Unlock()
	if err := b.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}
	b.logger.Info("RabbitMQとの接続を閉じました")
	return nil
}
