package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/nao1215/taskhub/pkg/apperr"
)

// Memory はプロセス内で完結するBroker実装。
// 交換機のルーティング、手動ACK、prefetch、デッドレター転送をAMQPと同じ意味で再現する。
type Memory struct {
	mu        sync.RWMutex
	exchanges map[string]*memExchange
	queues    map[string]*memQueue
	closed    bool
	done      chan struct{}
}

// memExchange は交換機とそのバインディング。
type memExchange struct {
	kind     string
	bindings []memBinding
}

// memBinding は交換機からキューへの結び付け。
type memBinding struct {
	key   string
	queue string
}

// memItem はキュー内の1件。
type memItem struct {
	msg         Message
	redelivered bool
}

// memQueue はメッセージを保持するキュー。
type memQueue struct {
	opts   QueueOptions
	mu     sync.Mutex
	items  []memItem
	notify chan struct{}
}

// NewMemory はプロセス内ブローカーを生成する。
func NewMemory() *Memory {
	return &Memory{
		exchanges: make(map[string]*memExchange),
		queues:    make(map[string]*memQueue),
		done:      make(chan struct{}),
	}
}

// DeclareExchange は交換機を宣言する。
func (m *Memory) DeclareExchange(_ context.Context, name, kind string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed()
	}
	if ex, ok := m.exchanges[name]; ok {
		if ex.kind != kind {
			return fmt.Errorf("%w: 交換機 %q は種別 %s で宣言済みです", apperr.ErrBrokerUnavailable, name, ex.kind)
		}
		return nil
	}
	m.exchanges[name] = &memExchange{kind: kind}
	return nil
}

// DeclareQueue はキューを宣言してバインドする。名前が空の場合は生成する。
func (m *Memory) DeclareQueue(_ context.Context, opts QueueOptions) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", errClosed()
	}
	if opts.Name == "" {
		opts.Name = "amq.gen-" + uuid.NewString()
	}
	if _, ok := m.queues[opts.Name]; !ok {
		m.queues[opts.Name] = &memQueue{opts: opts, notify: make(chan struct{}, 1)}
	}
	for _, b := range opts.Bindings {
		ex, ok := m.exchanges[b.Exchange]
		if !ok {
			return "", fmt.Errorf("%w: 交換機 %q が存在しません", apperr.ErrBrokerUnavailable, b.Exchange)
		}
		if !containsBinding(ex.bindings, b.Key, opts.Name) {
			ex.bindings = append(ex.bindings, memBinding{key: b.Key, queue: opts.Name})
		}
	}
	return opts.Name, nil
}

// Publish はメッセージを交換機のルーティング規則に従ってキューへ配置する。
// どのキューにも一致しないメッセージは破棄される。
func (m *Memory) Publish(ctx context.Context, exchange string, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errClosed()
	}
	targets, err := m.route(exchange, msg.RoutingKey)
	if err != nil {
		return err
	}
	for _, q := range targets {
		q.push(memItem{msg: cloneMessage(msg)}, false)
	}
	return nil
}

// route は配送先キューを求める。呼び出し側でRLockを保持していること。
func (m *Memory) route(exchange, key string) ([]*memQueue, error) {
	if exchange == DefaultExchange {
		if q, ok := m.queues[key]; ok {
			return []*memQueue{q}, nil
		}
		return nil, nil
	}
	ex, ok := m.exchanges[exchange]
	if !ok {
		return nil, fmt.Errorf("%w: 交換機 %q が存在しません", apperr.ErrBrokerUnavailable, exchange)
	}
	var targets []*memQueue
	seen := make(map[string]struct{})
	for _, b := range ex.bindings {
		if _, dup := seen[b.queue]; dup {
			continue
		}
		var hit bool
		switch ex.kind {
		case KindFanout:
			hit = true
		case KindDirect:
			hit = b.key == key
		default:
			hit = MatchTopic(b.key, key)
		}
		if !hit {
			continue
		}
		if q, ok := m.queues[b.queue]; ok {
			seen[b.queue] = struct{}{}
			targets = append(targets, q)
		}
	}
	return targets, nil
}

// Consume はキューの購読を開始する。prefetch が0以下の場合は無制限。
func (m *Memory) Consume(ctx context.Context, queue string, prefetch int) (<-chan Delivery, error) {
	m.mu.RLock()
	q, ok := m.queues[queue]
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, errClosed()
	}
	if !ok {
		return nil, fmt.Errorf("%w: キュー %q が存在しません", apperr.ErrBrokerUnavailable, queue)
	}

	var credit chan struct{}
	if prefetch > 0 {
		credit = make(chan struct{}, prefetch)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			if credit != nil {
				select {
				case credit <- struct{}{}:
				case <-ctx.Done():
					return
				case <-m.done:
					return
				}
			}

			item, ok := q.pop()
			if !ok {
				select {
				case <-q.notify:
					if credit != nil {
						<-credit
					}
					continue
				case <-ctx.Done():
					return
				case <-m.done:
					return
				}
			}

			d := m.newDelivery(q, item, credit)
			select {
			case out <- d:
			case <-ctx.Done():
				q.push(memItem{msg: item.msg, redelivered: item.redelivered}, true)
				return
			case <-m.done:
				return
			}
		}
	}()
	return out, nil
}

// newDelivery はACK/NACKでprefetchの枠を返却するDeliveryを生成する。
func (m *Memory) newDelivery(q *memQueue, item memItem, credit chan struct{}) Delivery {
	var once sync.Once
	settle := func(fn func()) error {
		var settled bool
		once.Do(func() {
			settled = true
			fn()
			if credit != nil {
				<-credit
			}
		})
		if !settled {
			return fmt.Errorf("%w: メッセージは既にACK/NACK済みです", apperr.ErrBrokerUnavailable)
		}
		return nil
	}

	return Delivery{
		Message:     item.msg,
		Redelivered: item.redelivered,
		ack:         func() error { return settle(func() {}) },
		nack: func(requeue bool) error {
			return settle(func() {
				if requeue {
					q.push(memItem{msg: item.msg, redelivered: true}, true)
					return
				}
				m.deadLetter(q, item.msg)
			})
		},
	}
}

// deadLetter は拒否されたメッセージをキューのデッドレター交換機へ転送する。
// 転送先が未設定の場合は破棄する。
func (m *Memory) deadLetter(q *memQueue, msg Message) {
	if q.opts.DeadLetterExchange == "" {
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	targets, err := m.route(q.opts.DeadLetterExchange, msg.RoutingKey)
	if err != nil {
		return
	}
	for _, t := range targets {
		t.push(memItem{msg: msg}, false)
	}
}

// Depth はキューに滞留している件数を返す。配送済みで未ACKのものは含まない。
func (m *Memory) Depth(queue string) int {
	m.mu.RLock()
	q, ok := m.queues[queue]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Healthy はブローカーが閉じられていなければtrueを返す。
func (m *Memory) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.closed
}

// Close はブローカーを閉じ、全ての購読を終了させる。
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.done)
	return nil
}

// push はメッセージを追加する。front がtrueの場合は先頭に戻す。
func (q *memQueue) push(item memItem, front bool) {
	q.mu.Lock()
	if front {
		q.items = append([]memItem{item}, q.items...)
	} else {
		q.items = append(q.items, item)
	}
	q.mu.Unlock()
	q.signal()
}

// pop は先頭のメッセージを取り出す。残りがあれば他の購読者を起こす。
func (q *memQueue) pop() (memItem, bool) {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return memItem{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	remaining := len(q.items)
	q.mu.Unlock()
	if remaining > 0 {
		q.signal()
	}
	return item, true
}

func (q *memQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func containsBinding(bindings []memBinding, key, queue string) bool {
	for _, b := range bindings {
		if b.key == key && b.queue == queue {
			return true
		}
	}
	return false
}

func cloneMessage(msg Message) Message {
	if msg.Headers != nil {
		msg.Headers = CloneHeaders(msg.Headers)
	}
	if msg.Body != nil {
		msg.Body = append([]byte(nil), msg.Body...)
	}
	return msg
}

func errClosed() error {
	return fmt.Errorf("%w: ブローカーは閉じられています", apperr.ErrBrokerUnavailable)
}
