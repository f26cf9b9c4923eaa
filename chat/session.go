package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State 会话状态
type State int

const (
	StateDisconnected State = iota
	StateIdentifying
	StateActive
)

func (s State) String() string {
	switch s {
	case StateIdentifying:
		return "identifying"
	case StateActive:
		return "active"
	default:
		return "disconnected"
	}
}

type handlerFunc func(ctx context.Context, env Envelope) error

// Session 服务端的单连接会话控制器。入站事件按到达顺序排队，
// 由 Run 所在的 goroutine 依次分发处理。
type Session struct {
	hub  *Hub
	conn Conn
	auth *Identity

	mu       sync.RWMutex
	state    State
	identity Identity

	inbound   chan Envelope
	handlers  map[string]handlerFunc
	done      chan struct{}
	closeOnce sync.Once
	log       *zap.Logger
}

func newSession(hub *Hub, conn Conn, auth *Identity) *Session {
	s := &Session{
		hub:     hub,
		conn:    conn,
		auth:    auth,
		state:   StateIdentifying,
		inbound: make(chan Envelope, hub.opts.InboundQueueSize),
		done:    make(chan struct{}),
		log:     hub.log.With(zap.String("conn_id", conn.ID())),
	}
	s.handlers = map[string]handlerFunc{
		EventIdentify:           s.handleIdentify,
		EventSelectConversation: s.handleSelect,
		EventSendMessage:        s.handleSendMessage,
	}
	return s
}

// State 当前状态
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Identity 已绑定的身份
func (s *Session) Identity() (Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity, s.state == StateActive
}

// Enqueue 放入入站队列，不阻塞读循环
func (s *Session) Enqueue(env Envelope) error {
	select {
	case <-s.done:
		return ErrTransportFailure
	default:
	}
	select {
	case s.inbound <- env:
		return nil
	default:
		return ErrInboundOverflow
	}
}

// Close 传输层断开时调用，可重复调用
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Run 处理入站事件直到连接断开或出现致命错误，退出时总是执行断开流程
func (s *Session) Run(ctx context.Context) error {
	defer s.teardown()

	timer := time.NewTimer(s.hub.opts.IdentifyTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case <-timer.C:
			if s.State() == StateIdentifying {
				s.reject(ErrNotIdentified)
				return ErrNotIdentified
			}
		case env := <-s.inbound:
			if err := s.dispatch(ctx, env); err != nil {
				s.reject(err)
				if isFatal(err) {
					return err
				}
			}
		}
	}
}

func (s *Session) dispatch(ctx context.Context, env Envelope) error {
	h, ok := s.handlers[env.Type]
	if !ok {
		return fmt.Errorf("%q: %w", env.Type, ErrUnknownEvent)
	}
	return h(ctx, env)
}

func (s *Session) reject(err error) {
	code := ErrorCode(err)
	framesRejected.WithLabelValues(code).Inc()
	s.log.Debug("frame rejected", zap.String("code", code), zap.Error(err))
	send(s.conn, errorEnvelope(err))
}

// Reject 传输层发现坏帧时下发错误帧，会话继续
func (s *Session) Reject(err error) {
	s.reject(err)
}

// Fail 传输层遇到致命错误（如入站队列溢出）时下发错误帧并结束会话
func (s *Session) Fail(err error) {
	s.reject(err)
	s.Close()
}

func (s *Session) teardown() {
	s.Close()

	s.mu.Lock()
	prev := s.state
	identity := s.identity
	s.state = StateDisconnected
	s.mu.Unlock()

	if prev == StateActive {
		s.hub.disconnect(identity, s.conn)
	}
	s.conn.Close()
}

func (s *Session) active() (Identity, error) {
	identity, ok := s.Identity()
	if !ok {
		return Identity{}, ErrNotIdentified
	}
	return identity, nil
}

func (s *Session) handleIdentify(ctx context.Context, env Envelope) error {
	if s.State() != StateIdentifying {
		return ErrAlreadyIdentified
	}
	var identity Identity
	if err := env.Decode(&identity); err != nil {
		return err
	}
	if identity.ID == "" {
		return fmt.Errorf("identify id: %w", ErrInvalidPayload)
	}
	if s.auth != nil {
		if identity.ID != s.auth.ID || (identity.IsAdmin && !s.auth.IsAdmin) {
			return ErrUnauthorized
		}
		if identity.Name == "" {
			identity.Name = s.auth.Name
		}
	}
	if identity.Name == "" {
		identity.Name = identity.ID
	}

	// 先置为 Active，保证准入后立即到达的事件能被处理
	s.mu.Lock()
	s.identity = identity
	s.state = StateActive
	s.mu.Unlock()

	if err := s.hub.admit(identity, s.conn); err != nil {
		s.mu.Lock()
		s.identity = Identity{}
		s.state = StateIdentifying
		s.mu.Unlock()
		return err
	}
	s.log = s.log.With(zap.String("user_id", identity.ID))
	return nil
}

func (s *Session) handleSelect(ctx context.Context, env Envelope) error {
	identity, err := s.active()
	if err != nil {
		return err
	}
	if !identity.IsAdmin {
		return ErrNotAdmin
	}
	var p SelectConversationPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	_, err = s.hub.router.Select(ctx, identity, s.conn, p.CustomerID)
	return err
}

func (s *Session) handleSendMessage(ctx context.Context, env Envelope) error {
	identity, err := s.active()
	if err != nil {
		return err
	}
	var p SendMessagePayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	_, err = s.hub.router.Route(ctx, identity, s.conn, p.TargetID, p.Body)
	return err
}
