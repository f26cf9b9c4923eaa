package chatclient

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"shophub/chat"
)

var (
	ErrNoSelection = errors.New("no conversation selected")
	ErrClosed      = errors.New("client closed")
)

const writeWait = 10 * time.Second

type Options struct {
	Token    string // 访问令牌，放在 Authorization 头
	Dialer   *websocket.Dialer
	OnUpdate func(View)
	Log      *zap.Logger
}

// Client 客户端会话控制器：把本地意图转为协议事件，把入站事件归约到视图
type Client struct {
	ws       *websocket.Conn
	onUpdate func(View)
	log      *zap.Logger
	now      func() time.Time

	mu   sync.Mutex
	view View

	writeMu sync.Mutex

	active     chan struct{}
	activeOnce sync.Once
	done       chan struct{}
	err        error
}

// Dial 建立连接并发送 identify，之后由后台读循环更新视图
func Dial(ctx context.Context, url string, identity chat.Identity, opts Options) (*Client, error) {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}
	ws, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}

	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{
		ws:       ws,
		onUpdate: opts.OnUpdate,
		log:      log,
		now:      time.Now,
		view:     View{State: StateIdentifying, Me: identity},
		active:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	if err := c.write(chat.EventIdentify, identity); err != nil {
		_ = ws.Close()
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

// WaitActive 等待服务端确认身份
func (c *Client) WaitActive(ctx context.Context) error {
	select {
	case <-c.active:
		return nil
	case <-c.done:
		if c.err != nil {
			return c.err
		}
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done 连接断开后关闭
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// View 当前视图的副本
func (c *Client) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view.clone()
}

// SendMessage 客户发给客服；客服发给当前选中的客户
func (c *Client) SendMessage(body string) error {
	body = strings.TrimSpace(body)
	if body == "" {
		return chat.ErrEmptyBody
	}
	v := c.View()
	if v.State != StateActive {
		return chat.ErrNotIdentified
	}
	if !v.Me.IsAdmin {
		return c.write(chat.EventSendMessage, chat.SendMessagePayload{Body: body})
	}

	target := v.SelectedID
	if target == "" {
		return ErrNoSelection
	}
	if err := c.write(chat.EventSendMessage, chat.SendMessagePayload{TargetID: target, Body: body}); err != nil {
		return err
	}
	sent := chat.Message{
		SenderName: v.Me.Name,
		Body:       body,
		CustomerID: target,
		FromAdmin:  true,
		Timestamp:  c.now(),
	}
	c.update(func(cur View) View { return appendSent(cur, sent, v.selections) })
	return nil
}

// SelectConversation 客服选中一个客户的会话
func (c *Client) SelectConversation(customerID string) error {
	v := c.View()
	if v.State != StateActive {
		return chat.ErrNotIdentified
	}
	if !v.Me.IsAdmin {
		return chat.ErrNotAdmin
	}
	if customerID == "" {
		return chat.ErrInvalidPayload
	}
	c.update(func(v View) View { return selectConversation(v, customerID) })
	return c.write(chat.EventSelectConversation, chat.SelectConversationPayload{CustomerID: customerID})
}

// Close 主动断开
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	err := c.ws.Close()
	<-c.done
	return err
}

func (c *Client) write(eventType string, payload interface{}) error {
	env, err := chat.NewEnvelope(eventType, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteJSON(env); err != nil {
		return errors.Join(chat.ErrTransportFailure, err)
	}
	return nil
}

func (c *Client) update(fn func(View) View) {
	c.mu.Lock()
	c.view = fn(c.view)
	snapshot := c.view.clone()
	c.mu.Unlock()

	if snapshot.State == StateActive {
		c.activeOnce.Do(func() { close(c.active) })
	}
	if c.onUpdate != nil {
		c.onUpdate(snapshot)
	}
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		var env chat.Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.err = err
				c.log.Debug("connection closed", zap.Error(err))
			}
			c.update(func(v View) View {
				v.State = StateDisconnected
				return v
			})
			return
		}
		c.update(func(v View) View { return Reduce(v, env) })
	}
}
