package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nao1215/taskhub/pkg/apperr"
	"github.com/nao1215/taskhub/pkg/broker"
)

// DefaultTimeout は応答待ちの既定の上限。
const DefaultTimeout = 5 * time.Second

// Client はコマンドキューに対するリクエスト/リプライのクライアント。
type Client struct {
	broker        broker.Broker
	queue         string
	replyQueue    string
	timeout       time.Duration
	sweepInterval time.Duration
	logger        *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingCall
	// lost は返信キューの購読が途切れたことを表す。以降の呼び出しは即座に失敗する。
	lost bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// pendingCall は応答を待っている1件の呼び出し。
type pendingCall struct {
	command  string
	deadline time.Time
	done     chan callResult
}

// callResult は待ち合わせの結果。
type callResult struct {
	body []byte
	err  error
}

// ClientOption はClientの設定を変更する。
type ClientOption func(*Client)

// WithTimeout は応答待ちの上限を設定する。
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// WithSweepInterval は期限切れエントリを掃除する間隔を設定する。
func WithSweepInterval(d time.Duration) ClientOption {
	return func(c *Client) { c.sweepInterval = d }
}

// NewClient は返信用の排他キューを宣言して購読を開始し、queue宛てのクライアントを返す。
func NewClient(ctx context.Context, b broker.Broker, queue string, logger *slog.Logger, opts ...ClientOption) (*Client, error) {
	c := &Client{
		broker:  b,
		queue:   queue,
		timeout: DefaultTimeout,
		logger:  logger.With("component", "rpc-client", "queue", queue),
		pending: make(map[string]*pendingCall),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sweepInterval <= 0 {
		c.sweepInterval = min(c.timeout/4, 100*time.Millisecond)
	}
	if c.sweepInterval <= 0 {
		c.sweepInterval = 10 * time.Millisecond
	}

	replyQueue, err := b.DeclareQueue(ctx, broker.QueueOptions{Exclusive: true, AutoDelete: true})
	if err != nil {
		return nil, fmt.Errorf("返信キューの宣言に失敗: %w", err)
	}
	c.replyQueue = replyQueue

	loopCtx, cancel := context.WithCancel(context.Background())
	deliveries, err := b.Consume(loopCtx, replyQueue, 0)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("返信キューの購読に失敗: %w", err)
	}
	c.cancel = cancel

	c.wg.Add(2)
	go c.receive(loopCtx, deliveries)
	go c.sweep(loopCtx)
	return c, nil
}

// Call はコマンドを送信して応答を待ち、結果をoutにデコードする。
// エラー応答は *Error、期限切れは ErrTimeout を返す。outがnilの場合は結果を捨てる。
func (c *Client) Call(ctx context.Context, command string, payload any, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ペイロードのシリアライズに失敗: %w", err)
	}
	body, err := json.Marshal(Request{Command: command, Payload: raw})
	if err != nil {
		return fmt.Errorf("リクエストのシリアライズに失敗: %w", err)
	}

	corrID := uuid.NewString()
	call := &pendingCall{
		command:  command,
		deadline: time.Now().Add(c.timeout),
		done:     make(chan callResult, 1),
	}
	c.mu.Lock()
	if c.lost {
		c.mu.Unlock()
		return errReplyLost(command)
	}
	c.pending[corrID] = call
	c.mu.Unlock()

	if err := c.broker.Publish(ctx, broker.DefaultExchange, broker.Message{
		RoutingKey:    c.queue,
		MessageID:     corrID,
		CorrelationID: corrID,
		ReplyTo:       c.replyQueue,
		ContentType:   "application/json",
		Body:          body,
	}); err != nil {
		c.forget(corrID)
		return fmt.Errorf("コマンド %s の送信に失敗: %w", command, err)
	}

	select {
	case res := <-call.done:
		if res.err != nil {
			return res.err
		}
		if rerr := parseErrorReply(res.body); rerr != nil {
			return rerr
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(res.body, out); err != nil {
			return fmt.Errorf("応答のデコードに失敗: %w", err)
		}
		return nil
	case <-ctx.Done():
		c.forget(corrID)
		return ctx.Err()
	}
}

// Pending は応答待ちの件数を返す。
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close は購読と掃除を止め、待っている呼び出しを ErrTimeout で失敗させる。
func (c *Client) Close() {
	c.cancel()
	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, call := range c.pending {
		delete(c.pending, id)
		call.done <- callResult{err: fmt.Errorf("%w: クライアントが閉じられました", ErrTimeout)}
	}
}

// forget は待ち合わせ表からエントリを取り除く。
func (c *Client) forget(corrID string) {
	c.mu.Lock()
	delete(c.pending, corrID)
	c.mu.Unlock()
}

// receive は返信キューの応答を相関IDで待ち合わせ表に引き渡す。
// Close以外の理由で購読が終わった場合は、待っている呼び出しをブローカー障害として失敗させる。
func (c *Client) receive(ctx context.Context, deliveries <-chan broker.Delivery) {
	defer c.wg.Done()
	defer func() {
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("返信キューの購読が途切れました。以降の呼び出しは失敗します")
		c.mu.Lock()
		defer c.mu.Unlock()
		c.lost = true
		for id, call := range c.pending {
			delete(c.pending, id)
			call.done <- callResult{err: errReplyLost(call.command)}
		}
	}()
	for d := range deliveries {
		if err := d.Ack(); err != nil {
			c.logger.Warn("応答のACKに失敗", "error", err)
		}

		c.mu.Lock()
		call, ok := c.pending[d.CorrelationID]
		if ok {
			delete(c.pending, d.CorrelationID)
		}
		c.mu.Unlock()

		if !ok {
			c.logger.Warn("待ち合わせのない応答を破棄しました", "correlation_id", d.CorrelationID)
			continue
		}
		call.done <- callResult{body: d.Body}
	}
}

// sweep は期限切れのエントリを定期的に ErrTimeout で失敗させる。
func (c *Client) sweep(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.expire(now)
		}
	}
}

// expire はnow時点で期限を過ぎたエントリを失敗させる。
func (c *Client) expire(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, call := range c.pending {
		if now.Before(call.deadline) {
			continue
		}
		delete(c.pending, id)
		call.done <- callResult{err: fmt.Errorf("%w: %s", ErrTimeout, call.command)}
	}
}

// errReplyLost は返信キューを失った後の呼び出しのエラー。
func errReplyLost(command string) error {
	return fmt.Errorf("%w: 返信キューの購読が途切れたため %s を送信できません", apperr.ErrBrokerUnavailable, command)
}
