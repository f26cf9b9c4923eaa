package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"shophub/chat"
	"shophub/models"
	"shophub/services"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxFrameBytes  = 64 * 1024
	defaultSendBuf = 256
)

// wsConn 实现 chat.Conn。Send 只入队，writePump 是唯一写网络的地方。
type wsConn struct {
	id   string
	ws   *websocket.Conn
	send chan chat.Envelope
	done chan struct{}
	once sync.Once
}

func newWSConn(ws *websocket.Conn, buffer int) *wsConn {
	if buffer <= 0 {
		buffer = defaultSendBuf
	}
	return &wsConn{
		id:   uuid.New().String(),
		ws:   ws,
		send: make(chan chat.Envelope, buffer),
		done: make(chan struct{}),
	}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(env chat.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

func (c *wsConn) Close() {
	c.once.Do(func() { close(c.done) })
}

// SupportWebSocketHandler 客服聊天的 WebSocket 入口
type SupportWebSocketHandler struct {
	ctx        context.Context
	hub        *chat.Hub
	upgrader   websocket.Upgrader
	sendBuffer int
	log        *zap.Logger
}

// NewSupportWebSocketHandler ctx 结束时所有连接随之断开
func NewSupportWebSocketHandler(ctx context.Context, hub *chat.Hub, allowOrigins []string, sendBuffer int, log *zap.Logger) *SupportWebSocketHandler {
	return &SupportWebSocketHandler{
		ctx:        ctx,
		hub:        hub,
		upgrader:   websocket.Upgrader{CheckOrigin: checkOrigin(allowOrigins)},
		sendBuffer: sendBuffer,
		log:        log,
	}
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// 非浏览器客户端不带 Origin
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, o := range allowed {
			if o == "*" || o == origin {
				return true
			}
		}
		return false
	}
}

func (h *SupportWebSocketHandler) HandleWebSocket(c echo.Context) error {
	var auth *chat.Identity
	if user, ok := c.Get("user").(*models.User); ok {
		identity := services.UserIdentity(user)
		auth = &identity
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade 已经写回了错误响应
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return nil
	}

	conn := newWSConn(ws, h.sendBuffer)
	session := h.hub.NewSession(conn, auth)
	log := h.log.With(zap.String("conn_id", conn.ID()), zap.String("remote", c.RealIP()))
	log.Debug("websocket connected")

	ctx, cancel := context.WithCancel(h.ctx)
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writePump(conn, log)
	}()
	sessionDone := make(chan struct{})
	go func() {
		defer close(sessionDone)
		if err := session.Run(ctx); err != nil && ctx.Err() == nil {
			log.Debug("session ended", zap.Error(err))
		}
	}()

	h.readPump(conn, session, log)

	session.Close()
	<-sessionDone
	<-writerDone
	log.Debug("websocket disconnected")
	return nil
}

// 读取客户端帧，交给会话排队处理
func (h *SupportWebSocketHandler) readPump(conn *wsConn, session *chat.Session, log *zap.Logger) {
	ws := conn.ws
	ws.SetReadLimit(maxFrameBytes)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("websocket read error", zap.Error(err))
			}
			return
		}

		var env chat.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			session.Reject(chat.ErrInvalidPayload)
			continue
		}
		if err := session.Enqueue(env); err != nil {
			if err == chat.ErrInboundOverflow {
				log.Warn("inbound queue overflow, closing connection")
				session.Fail(err)
			}
			return
		}
	}
}

// 向客户端写入事件；连接关闭前把已排队的事件发完
func (h *SupportWebSocketHandler) writePump(conn *wsConn, log *zap.Logger) {
	ws := conn.ws
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = ws.Close()
	}()

	for {
		select {
		case env := <-conn.send:
			if err := writeEnvelope(ws, env); err != nil {
				log.Debug("websocket write error", zap.Error(err))
				conn.Close()
				return
			}

		case <-conn.done:
			for {
				select {
				case env := <-conn.send:
					if err := writeEnvelope(ws, env); err != nil {
						return
					}
				default:
					_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
					_ = ws.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}

		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}

func writeEnvelope(ws *websocket.Conn, env chat.Envelope) error {
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteJSON(env)
}
