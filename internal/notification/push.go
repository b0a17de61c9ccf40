package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nao1215/taskhub/pkg/apperr"
	"github.com/nao1215/taskhub/pkg/middleware"
)

const (
	// writeWait はフレーム1件の書き込みを待つ上限。
	writeWait = 10 * time.Second
	// pongWait はpongを受け取るまでの上限。
	pongWait = 60 * time.Second
	// pingPeriod はpingの送信間隔。pongWaitより短くすること。
	pingPeriod = pongWait * 9 / 10
	// maxFrameSize はクライアントから受け付けるフレームの最大バイト数。
	maxFrameSize = 4096
)

// CloseUnauthorized は認証失敗時のクローズコード。
const CloseUnauthorized = 4401

// ConnState はWebSocket接続の状態。
type ConnState string

// WebSocket接続の状態。Connecting → Authenticating → Authenticated → Active → Closed と進む。
const (
	ConnConnecting     ConnState = "connecting"
	ConnAuthenticating ConnState = "authenticating"
	ConnAuthenticated  ConnState = "authenticated"
	ConnActive         ConnState = "active"
	ConnClosed         ConnState = "closed"
)

// ReadMarker はWebSocket経由の既読処理で使う通知の参照と更新。
type ReadMarker interface {
	Get(ctx context.Context, id string) (*Notification, error)
	MarkRead(ctx context.Context, id string) (*Notification, error)
}

// PushGateway はWebSocket接続を認証し、セッションとしてRegistryに登録する。
type PushGateway struct {
	registry    *Registry
	store       ReadMarker
	secret      string
	authTimeout time.Duration
	sendBuffer  int
	upgrader    websocket.Upgrader
	logger      *slog.Logger

	mu    sync.Mutex
	conns map[*wsConn]struct{}
}

// NewPushGateway は新しいPushGatewayを生成する。
func NewPushGateway(registry *Registry, store ReadMarker, cfg Config, logger *slog.Logger) *PushGateway {
	g := &PushGateway{
		registry:    registry,
		store:       store,
		secret:      cfg.JWTSecret,
		authTimeout: cfg.AuthTimeout,
		sendBuffer:  cfg.SendBuffer,
		logger:      logger.With("component", "push-gateway"),
		conns:       make(map[*wsConn]struct{}),
	}
	if g.authTimeout <= 0 {
		g.authTimeout = 5 * time.Second
	}
	if g.sendBuffer <= 0 {
		g.sendBuffer = 32
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return g
}

// handleWebSocket はWebSocket接続を受け付けるハンドラ。
// トークンはクエリ、Authorizationヘッダー、接続直後の認証フレームの順に探す。
func (g *PushGateway) handleWebSocket() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			token, _ = middleware.BearerToken(c.GetHeader("Authorization"))
		}

		ws, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			g.logger.Warn("WebSocketへのアップグレードに失敗", "error", err)
			return
		}
		conn := &wsConn{
			id:      uuid.NewString(),
			ws:      ws,
			send:    make(chan []byte, g.sendBuffer),
			done:    make(chan struct{}),
			gateway: g,
		}
		conn.setState(ConnConnecting)
		g.serve(c.Request.Context(), conn, token)
	}
}

// serve は接続を認証してから、切断されるまで読み書きを行う。
func (g *PushGateway) serve(ctx context.Context, conn *wsConn, token string) {
	g.track(conn)
	defer g.untrack(conn)
	defer func() { _ = conn.ws.Close() }()

	conn.setState(ConnAuthenticating)
	if token == "" {
		var err error
		if token, err = g.readAuthFrame(conn.ws); err != nil {
			g.reject(conn, err)
			return
		}
	}
	claims, err := middleware.ParseJWT(g.secret, token)
	if err != nil {
		g.reject(conn, err)
		return
	}
	conn.userID = claims.UserID()
	conn.setState(ConnAuthenticated)

	g.registry.Register(conn)
	defer g.registry.Unregister(conn)
	conn.setState(ConnActive)
	g.logger.Info("クライアントが接続しました", "session_id", conn.id, "user_id", conn.userID)

	if frame, err := encodeFrame(FrameAuthenticated, map[string]string{"userId": conn.userID}); err == nil {
		conn.Send(frame)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		conn.writePump()
	}()
	conn.readPump(context.WithoutCancel(ctx))
	conn.close()
	wg.Wait()
	conn.setState(ConnClosed)
	g.logger.Info("クライアントが切断しました", "session_id", conn.id, "user_id", conn.userID)
}

// Shutdown は全ての接続を閉じる。
func (g *PushGateway) Shutdown() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for conn := range g.conns {
		conn.close()
		_ = conn.ws.Close()
	}
}

func (g *PushGateway) track(conn *wsConn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.conns[conn] = struct{}{}
}

func (g *PushGateway) untrack(conn *wsConn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.conns, conn)
}

// readAuthFrame は最初のフレームを認証フレームとして読み、トークンを返す。
func (g *PushGateway) readAuthFrame(ws *websocket.Conn) (string, error) {
	if err := ws.SetReadDeadline(time.Now().Add(g.authTimeout)); err != nil {
		return "", err
	}
	_, data, err := ws.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("%w: 認証フレームを受信できません: %v", apperr.ErrAuth, err)
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil || f.Event != FrameAuth {
		return "", fmt.Errorf("%w: 最初のフレームが認証フレームではありません", apperr.ErrAuth)
	}
	var a authData
	if err := json.Unmarshal(f.Data, &a); err != nil || a.Token == "" {
		return "", fmt.Errorf("%w: トークンがありません", apperr.ErrAuth)
	}
	return a.Token, nil
}

// reject は認証失敗のクローズフレームを送って接続を閉じる。サーバーからは再試行しない。
func (g *PushGateway) reject(conn *wsConn, err error) {
	g.logger.Warn("WebSocket接続の認証に失敗", "session_id", conn.id, "error", err)
	msg := websocket.FormatCloseMessage(CloseUnauthorized, "unauthorized")
	_ = conn.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	conn.setState(ConnClosed)
}

// markAsRead はクライアントからの既読要求を処理する。応答は返さない。
func (g *PushGateway) markAsRead(ctx context.Context, userID string, data json.RawMessage) {
	var in markAsReadData
	if err := json.Unmarshal(data, &in); err != nil || in.NotificationID == "" {
		g.logger.Warn("既読要求の形式が不正です", "user_id", userID)
		return
	}
	n, err := g.store.Get(ctx, in.NotificationID)
	if err != nil {
		g.logger.Warn("既読要求の通知を取得できません", "user_id", userID, "notification_id", in.NotificationID, "error", err)
		return
	}
	if n.UserID != userID {
		g.logger.Warn("他のユーザーの通知への既読要求を無視しました", "user_id", userID, "notification_id", in.NotificationID)
		return
	}
	if _, err := g.store.MarkRead(ctx, n.ID); err != nil {
		g.logger.Error("既読処理に失敗", "notification_id", n.ID, "error", err)
	}
}

// wsConn は1本のWebSocket接続。Session を実装する。
type wsConn struct {
	id      string
	userID  string
	ws      *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	state   atomic.Value
	gateway *PushGateway
}

// ID はセッションIDを返す。
func (c *wsConn) ID() string { return c.id }

// UserID は認証済みのユーザーIDを返す。
func (c *wsConn) UserID() string { return c.userID }

// Send はフレームを送信待ちに積む。送信待ちが満杯か切断済みの場合は破棄してfalseを返す。
func (c *wsConn) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.gateway.logger.Warn("送信待ちが満杯のためプッシュを破棄しました", "session_id", c.id, "user_id", c.userID)
		return false
	}
}

// State は接続の状態を返す。
func (c *wsConn) State() ConnState {
	s, _ := c.state.Load().(ConnState)
	return s
}

func (c *wsConn) setState(s ConnState) {
	c.state.Store(s)
}

func (c *wsConn) close() {
	c.once.Do(func() { close(c.done) })
}

// readPump はクライアントからのフレームを読み続ける。読み込みに失敗したら戻る。
func (c *wsConn) readPump(ctx context.Context) {
	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.gateway.logger.Warn("WebSocketの読み込みに失敗", "session_id", c.id, "error", err)
			}
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.gateway.logger.Debug("解釈できないフレームを無視しました", "session_id", c.id)
			continue
		}
		switch f.Event {
		case FrameMarkAsRead:
			c.gateway.markAsRead(ctx, c.userID, f.Data)
		default:
			c.gateway.logger.Debug("未対応のイベントを無視しました", "session_id", c.id, "event", f.Event)
		}
	}
}

// writePump は送信待ちのフレームとpingを書き込む。接続を閉じるときに戻る。
func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.close()
				_ = c.ws.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				_ = c.ws.Close()
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

// originChecker は許可オリジンの一覧からWebSocketのオリジン検査関数を作る。
// "*" を含む場合とOriginヘッダーがない場合は許可する。
func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 || slices.Contains(allowed, "*") {
			return true
		}
		return slices.Contains(allowed, origin)
	}
}
