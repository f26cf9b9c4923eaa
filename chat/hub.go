package chat

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Options 聊天核心的可调参数
type Options struct {
	Policy           AdmitPolicy
	HistoryRetention time.Duration // 客户离线后历史保留时长
	SweepInterval    time.Duration
	MaxBodyBytes     int
	InboundQueueSize int
	IdentifyTimeout  time.Duration
	MirrorTimeout    time.Duration
}

func (o *Options) setDefaults() {
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Minute
	}
	if o.InboundQueueSize <= 0 {
		o.InboundQueueSize = 64
	}
	if o.IdentifyTimeout <= 0 {
		o.IdentifyTimeout = 10 * time.Second
	}
	if o.MirrorTimeout <= 0 {
		o.MirrorTimeout = 3 * time.Second
	}
}

type Option func(*Hub)

func WithLogger(log *zap.Logger) Option {
	return func(h *Hub) { h.log = log }
}

func WithLimiter(l Limiter) Option {
	return func(h *Hub) { h.router.limiter = l }
}

func WithSink(s MessageSink) Option {
	return func(h *Hub) { h.router.sink = s }
}

func WithLedger(l Ledger) Option {
	return func(h *Hub) { h.router.ledger = l }
}

func WithMirror(m PresenceMirror) Option {
	return func(h *Hub) { h.notifier.mirror = m }
}

func WithClock(now func() time.Time) Option {
	return func(h *Hub) {
		h.now = now
		h.router.now = now
	}
}

// Hub 组合注册表、在线通知、会话存储和路由
type Hub struct {
	opts     Options
	registry *Registry
	store    *ConversationStore
	notifier *PresenceNotifier
	router   *Router
	now      func() time.Time
	log      *zap.Logger
}

func NewHub(opts Options, options ...Option) *Hub {
	opts.setDefaults()
	registry := NewRegistry(opts.Policy)
	store := NewConversationStore()
	h := &Hub{
		opts:     opts,
		registry: registry,
		store:    store,
		notifier: NewPresenceNotifier(registry, nil, zap.NewNop()),
		now:      time.Now,
		log:      zap.NewNop(),
	}
	h.router = &Router{
		registry: registry,
		store:    store,
		notifier: h.notifier,
		locks:    newKeyedMutex(),
		maxBody:  opts.MaxBodyBytes,
		now:      time.Now,
	}
	for _, o := range options {
		o(h)
	}
	h.notifier.log = h.log
	h.router.log = h.log
	return h
}

// Run 运行后台任务（历史过期清理、在线列表镜像），直到 ctx 结束
func (h *Hub) Run(ctx context.Context) {
	go h.notifier.RunMirror(ctx, h.opts.MirrorTimeout)

	ticker := time.NewTicker(h.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := h.store.Sweep(h.now(), h.opts.HistoryRetention); n > 0 {
				h.log.Debug("discarded expired conversations", zap.Int("count", n))
			}
		}
	}
}

// NewSession 为一个新连接创建会话控制器。authenticated 为传输层已认证的用户，可为 nil。
func (h *Hub) NewSession(conn Conn, authenticated *Identity) *Session {
	return newSession(h, conn, authenticated)
}

func (h *Hub) admit(identity Identity, conn Conn) error {
	if identity.IsAdmin {
		if _, err := h.registry.Admit(identity, conn); err != nil {
			return err
		}
		connectionsGauge.WithLabelValues(roleLabel(true)).Inc()
		send(conn, mustEnvelope(EventIdentified, identity))
		h.notifier.Sync(conn)
		h.log.Info("admin connected", zap.String("user_id", identity.ID), zap.String("conn_id", conn.ID()))
		return nil
	}

	unlock := h.router.lockCustomer(identity.ID)
	superseded, err := h.registry.Admit(identity, conn)
	if err != nil {
		unlock()
		return err
	}
	h.store.Attach(identity.ID)
	send(conn, mustEnvelope(EventIdentified, identity))
	// 重连的客户先收到离线期间保留的记录
	if history := h.store.GetHistory(identity.ID); len(history) > 0 {
		send(conn, historyEnvelope(identity.ID, history))
	}
	unlock()

	if superseded != nil {
		send(superseded, errorEnvelope(ErrSessionReplaced))
		superseded.Close()
		h.log.Info("customer session replaced", zap.String("user_id", identity.ID), zap.String("old_conn_id", superseded.ID()))
	} else {
		connectionsGauge.WithLabelValues(roleLabel(false)).Inc()
	}
	h.notifier.Notify()
	h.log.Info("customer connected", zap.String("user_id", identity.ID), zap.String("conn_id", conn.ID()))
	return nil
}

func (h *Hub) disconnect(identity Identity, conn Conn) {
	if identity.IsAdmin {
		if _, ok := h.registry.Remove(conn); ok {
			connectionsGauge.WithLabelValues(roleLabel(true)).Dec()
			h.log.Info("admin disconnected", zap.String("user_id", identity.ID), zap.String("conn_id", conn.ID()))
		}
		return
	}

	unlock := h.router.lockCustomer(identity.ID)
	_, ok := h.registry.Remove(conn)
	if ok {
		h.store.Detach(identity.ID, h.now())
		if h.opts.HistoryRetention <= 0 {
			h.store.Sweep(h.now(), 0)
		}
	}
	unlock()

	if !ok {
		// 已被新连接替换
		return
	}
	connectionsGauge.WithLabelValues(roleLabel(false)).Dec()
	h.notifier.Notify()
	h.log.Info("customer disconnected", zap.String("user_id", identity.ID), zap.String("conn_id", conn.ID()))
}

// NotifyAdmins 向所有客服推送通知
func (h *Hub) NotifyAdmins(n Notice) int {
	if n.Timestamp.IsZero() {
		n.Timestamp = h.now()
	}
	env := mustEnvelope(EventNotice, n)
	delivered := 0
	for _, admin := range h.registry.Admins() {
		if send(admin, env) {
			delivered++
		}
	}
	return delivered
}

// Presence 当前在线列表
func (h *Hub) Presence() []PresenceEntry {
	return h.registry.Snapshot()
}

// History 客户会话历史
func (h *Hub) History(customerID string) []Message {
	return h.store.GetHistory(customerID)
}

// Online 客户是否在线
func (h *Hub) Online(customerID string) bool {
	_, err := h.registry.Lookup(customerID)
	return err == nil
}

// Route 供非连接方（例如 HTTP 接口）发送消息
func (h *Hub) Route(ctx context.Context, sender Identity, targetCustomerID, body string) (RouteResult, error) {
	return h.router.Route(ctx, sender, nil, targetCustomerID, body)
}

// Counts 在线客户数和客服连接数
func (h *Hub) Counts() (customers, admins int) {
	return h.registry.Counts()
}
