package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/nao1215/taskhub/pkg/apperr"
	"github.com/nao1215/taskhub/pkg/broker"
	"github.com/nao1215/taskhub/pkg/event"
)

// RetryCountHeader は再投入済みの回数を運ぶメッセージヘッダー。
const RetryCountHeader = "x-retry-count"

// Stage はイベントメッセージ処理の段階。
type Stage string

// イベントメッセージ処理の段階。
// 正常系は Received → Decoded → Resolved → Dispatched → Acknowledged と進む。
const (
	StageReceived     Stage = "received"
	StageDecoded      Stage = "decoded"
	StageResolved     Stage = "resolved"
	StageDispatched   Stage = "dispatched"
	StageAcknowledged Stage = "acknowledged"
	// StageRejected はデコードできないか再投入できず、デッドレターキューへ送ったことを表す。
	StageRejected Stage = "rejected"
	// StageRequeued は配信に失敗し、再試行回数を増やして再投入したことを表す。
	StageRequeued Stage = "requeued"
	// StageExhausted は再試行の上限に達し、記録して確認応答したことを表す。
	StageExhausted Stage = "exhausted"
)

// NotificationWriter は通知の保存先。
type NotificationWriter interface {
	Create(ctx context.Context, in NewNotification) (*Notification, bool, error)
}

// Emitter は接続中のセッションへのプッシュ先。
type Emitter interface {
	Emit(userID string, frame []byte) int
}

// ConsumerStats は処理結果ごとの件数。
type ConsumerStats struct {
	Acknowledged int64 `json:"acknowledged"`
	Rejected     int64 `json:"rejected"`
	Requeued     int64 `json:"requeued"`
	Exhausted    int64 `json:"exhausted"`
}

// Consumer はタスクのドメインイベントを購読し、通知の作成とプッシュを行う。
type Consumer struct {
	broker      broker.Broker
	store       NotificationWriter
	emitter     Emitter
	queue       string
	deadLetter  string
	prefetch    int
	maxAttempts int
	dedupe      bool
	logger      *slog.Logger

	acknowledged atomic.Int64
	rejected     atomic.Int64
	requeued     atomic.Int64
	exhausted    atomic.Int64
}

// NewConsumer は新しいConsumerを生成する。
func NewConsumer(b broker.Broker, store NotificationWriter, emitter Emitter, cfg Config, logger *slog.Logger) *Consumer {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Consumer{
		broker:      b,
		store:       store,
		emitter:     emitter,
		queue:       cfg.Queue,
		deadLetter:  cfg.DeadLetterQueue(),
		prefetch:    cfg.Prefetch,
		maxAttempts: maxAttempts,
		dedupe:      cfg.Deduplicate,
		logger:      logger.With("component", "event-consumer", "queue", cfg.Queue),
	}
}

// Setup は購読に必要な交換機とキューを宣言する。
// 購読キューはtask.#で束縛し、拒否したメッセージはデッドレターキューへ転送される。
func (c *Consumer) Setup(ctx context.Context) error {
	if err := event.DeclareTopology(ctx, c.broker); err != nil {
		return fmt.Errorf("イベント交換機の宣言に失敗: %w", err)
	}
	return event.DeclareSubscription(ctx, c.broker, c.queue)
}

// Run はctxがキャンセルされるまでイベントを処理する。
// メッセージは受信順に1件ずつ処理する。
func (c *Consumer) Run(ctx context.Context) error {
	deliveries, err := c.broker.Consume(ctx, c.queue, c.prefetch)
	if err != nil {
		return fmt.Errorf("購読キューの購読に失敗: %w", err)
	}
	c.logger.Info("イベントの購読を開始しました")
	for d := range deliveries {
		c.Handle(context.WithoutCancel(ctx), d)
	}
	if ctx.Err() == nil {
		return fmt.Errorf("%w: 購読が途切れました", apperr.ErrBrokerUnavailable)
	}
	c.logger.Info("イベントの購読を停止しました")
	return nil
}

// Handle は1件のメッセージを最終段階まで処理し、到達した段階を返す。
func (c *Consumer) Handle(ctx context.Context, d broker.Delivery) Stage {
	stage := StageReceived
	retries := broker.HeaderInt(d.Headers, RetryCountHeader)
	log := c.logger.With("message_id", d.MessageID, "attempt", retries+1)

	ev, err := event.Decode(d.Body)
	if err != nil {
		log.Warn("デコードできないイベントを破棄します", "stage", stage, "error", err)
		if err := d.Nack(false); err != nil {
			log.Error("メッセージの拒否に失敗", "error", err)
		}
		c.rejected.Add(1)
		return StageRejected
	}
	stage = StageDecoded
	log = log.With("event_id", ev.ID, "type", ev.Type, "task_id", ev.TaskID)

	recipients := Resolve(ev)
	stage = StageResolved
	if len(recipients) == 0 {
		log.Debug("通知先がないため確認応答します")
		return c.ack(d, log)
	}

	if err := c.dispatch(ctx, ev, recipients, log); err != nil {
		if retries+1 >= c.maxAttempts {
			log.Error("再試行の上限に達したため通知を諦めます", "stage", stage, "error", err)
			if err := d.Ack(); err != nil {
				log.Error("確認応答に失敗", "error", err)
			}
			c.exhausted.Add(1)
			return StageExhausted
		}
		log.Warn("通知の配信に失敗したため再投入します", "stage", stage, "error", err)
		if err := c.requeue(ctx, d, retries+1); err != nil {
			// 再試行回数を進められないため、差し戻さずにデッドレターキューへ送る。
			log.Error("再投入に失敗したためデッドレターキューへ送ります", "error", err)
			if err := d.Nack(false); err != nil {
				log.Error("メッセージの拒否に失敗", "error", err)
			}
			c.rejected.Add(1)
			return StageRejected
		}
		if err := d.Ack(); err != nil {
			log.Error("確認応答に失敗", "error", err)
		}
		c.requeued.Add(1)
		return StageRequeued
	}
	stage = StageDispatched
	log.Debug("通知を配信しました", "stage", stage, "recipients", len(recipients))
	return c.ack(d, log)
}

// Stats は処理結果ごとの件数を返す。
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Acknowledged: c.acknowledged.Load(),
		Rejected:     c.rejected.Load(),
		Requeued:     c.requeued.Load(),
		Exhausted:    c.exhausted.Load(),
	}
}

// Resolve は通知先を求める。通知候補から実行者と重複を除き、順序は保つ。
func Resolve(ev *event.DomainEvent) []string {
	out := make([]string, 0, len(ev.RecipientCandidates))
	seen := make(map[string]struct{}, len(ev.RecipientCandidates))
	for _, id := range ev.RecipientCandidates {
		if id == "" || id == ev.ActorID {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// dispatch は通知先ごとに通知を保存してプッシュする。
// 1人の保存に失敗しても残りの通知先は処理し、失敗をまとめて返す。
func (c *Consumer) dispatch(ctx context.Context, ev *event.DomainEvent, recipients []string, log *slog.Logger) error {
	var errs []error
	for _, userID := range recipients {
		in := NewNotification{
			Type:    typeFor(ev.Type),
			Message: renderMessage(ev),
			UserID:  userID,
			TaskID:  ev.TaskID,
		}
		if c.dedupe && ev.ID != "" {
			in.DedupeKey = ev.ID + ":" + userID
		}
		n, created, err := c.store.Create(ctx, in)
		if err != nil {
			errs = append(errs, fmt.Errorf("ユーザー %s: %w", userID, err))
			continue
		}
		if !created {
			log.Info("重複した通知の作成を省略しました", "user_id", userID, "notification_id", n.ID)
			continue
		}
		frame, err := encodeFrame(FrameNotification, n)
		if err != nil {
			log.Error("通知フレームの生成に失敗", "error", err)
			continue
		}
		delivered := c.emitter.Emit(userID, frame)
		log.Debug("通知をプッシュしました", "user_id", userID, "notification_id", n.ID, "sessions", delivered)
	}
	return errors.Join(errs...)
}

// requeue は再試行回数を更新したコピーを購読キューへ直接投入する。
func (c *Consumer) requeue(ctx context.Context, d broker.Delivery, retries int) error {
	msg := d.Message
	msg.Headers = broker.CloneHeaders(d.Headers)
	msg.Headers[RetryCountHeader] = int32(retries)
	msg.RoutingKey = c.queue
	return c.broker.Publish(ctx, broker.DefaultExchange, msg)
}

// ack は確認応答して Acknowledged を返す。
func (c *Consumer) ack(d broker.Delivery, log *slog.Logger) Stage {
	if err := d.Ack(); err != nil {
		log.Error("確認応答に失敗", "error", err)
	}
	c.acknowledged.Add(1)
	return StageAcknowledged
}
