package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/nao1215/taskhub/pkg/apperr"
	"github.com/nao1215/taskhub/pkg/broker"
)

// HandlerFunc は1つのコマンドを処理する。戻り値の結果はJSONにシリアライズして返信される。
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (any, error)

// Server はコマンドキューを購読してハンドラを呼び出す。
type Server struct {
	broker   broker.Broker
	queue    string
	prefetch int
	logger   *slog.Logger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewServer は新しいServerを生成する。prefetchは同時に処理する最大件数。
func NewServer(b broker.Broker, queue string, prefetch int, logger *slog.Logger) *Server {
	if prefetch <= 0 {
		prefetch = 1
	}
	return &Server{
		broker:   b,
		queue:    queue,
		prefetch: prefetch,
		logger:   logger.With("component", "rpc-server", "queue", queue),
		handlers: make(map[string]HandlerFunc),
	}
}

// Handle はコマンド名にハンドラを登録する。
func (s *Server) Handle(command string, h HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = h
}

// Serve はコマンドキューを宣言して購読し、ctxがキャンセルされるまで処理を続ける。
// キャンセル後も処理中のコマンドは最後まで実行して返信し、完了してから戻る。
func (s *Server) Serve(ctx context.Context) error {
	if _, err := s.broker.DeclareQueue(ctx, broker.QueueOptions{Name: s.queue, Durable: true}); err != nil {
		return fmt.Errorf("コマンドキューの宣言に失敗: %w", err)
	}
	deliveries, err := s.broker.Consume(ctx, s.queue, s.prefetch)
	if err != nil {
		return fmt.Errorf("コマンドキューの購読に失敗: %w", err)
	}
	s.logger.Info("コマンドの受付を開始しました")

	var wg sync.WaitGroup
	sem := make(chan struct{}, s.prefetch)
	for d := range deliveries {
		sem <- struct{}{}
		wg.Add(1)
		go func(d broker.Delivery) {
			defer wg.Done()
			defer func() { <-sem }()
			s.handle(context.WithoutCancel(ctx), d)
		}(d)
	}
	wg.Wait()
	s.logger.Info("コマンドの受付を停止しました")
	return nil
}

// handle は1件のコマンドを処理して返信する。結果にかかわらずACKする。
func (s *Server) handle(ctx context.Context, d broker.Delivery) {
	defer func() {
		if err := d.Ack(); err != nil {
			s.logger.Warn("コマンドのACKに失敗", "error", err)
		}
	}()

	var (
		req    Request
		result any
		err    error
	)
	if uerr := json.Unmarshal(d.Body, &req); uerr != nil || req.Command == "" {
		err = fmt.Errorf("%w: リクエストの形式が不正です", apperr.ErrValidation)
	} else {
		result, err = s.dispatch(ctx, req)
	}

	if d.ReplyTo == "" {
		if err != nil {
			s.logger.Warn("返信先のないコマンドが失敗しました", "command", req.Command, "error", err)
		}
		return
	}

	body, merr := s.encodeReply(req.Command, result, err)
	if merr != nil {
		s.logger.Error("応答のシリアライズに失敗", "command", req.Command, "error", merr)
		body, _ = json.Marshal(errorReply{Error: apperr.Message(merr), Status: http.StatusInternalServerError})
	}
	if perr := s.broker.Publish(ctx, broker.DefaultExchange, broker.Message{
		RoutingKey:    d.ReplyTo,
		CorrelationID: d.CorrelationID,
		ContentType:   "application/json",
		Body:          body,
	}); perr != nil {
		s.logger.Error("応答の送信に失敗", "command", req.Command, "correlation_id", d.CorrelationID, "error", perr)
	}
}

// dispatch はコマンド名に対応するハンドラを呼び出す。
func (s *Server) dispatch(ctx context.Context, req Request) (any, error) {
	s.mu.RLock()
	h, ok := s.handlers[req.Command]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: 不明なコマンド %q", apperr.ErrValidation, req.Command)
	}
	return h(ctx, req.Payload)
}

// encodeReply は結果またはエラーを応答本文に変換する。
func (s *Server) encodeReply(command string, result any, err error) ([]byte, error) {
	if err == nil {
		return json.Marshal(result)
	}
	status := apperr.Status(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("コマンドの処理に失敗", "command", command, "error", err)
	} else {
		s.logger.Info("コマンドがエラーを返しました", "command", command, "status", status, "error", err)
	}
	return json.Marshal(errorReply{Error: apperr.Message(err), Status: status})
}
