package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Limiter 发消息限流，按发送者身份计数
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// MessageSink 接收已受理的消息（Kafka），实现不得阻塞
type MessageSink interface {
	Publish(msg Message)
}

// Ledger 客服会话台账（数据库），实现不得阻塞
type Ledger interface {
	RecordMessage(customer Identity, msg Message)
	MarkRead(customerID string)
}

// Router 消息路由：校验、写入会话、扇出投递。会话和未读标记只由这里修改。
type Router struct {
	registry *Registry
	store    *ConversationStore
	notifier *PresenceNotifier
	locks    *keyedMutex
	limiter  Limiter
	sink     MessageSink
	ledger   Ledger
	maxBody  int
	now      func() time.Time
	log      *zap.Logger
}

func (r *Router) lockCustomer(customerID string) func() {
	return r.locks.Lock(customerID)
}

// Route 路由一条消息。客户发送时目标固定为自己的会话。
func (r *Router) Route(ctx context.Context, sender Identity, senderConn Conn, targetCustomerID, body string) (RouteResult, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return RouteResult{}, ErrEmptyBody
	}
	if r.maxBody > 0 && len(body) > r.maxBody {
		return RouteResult{}, ErrBodyTooLarge
	}
	if !sender.IsAdmin {
		targetCustomerID = sender.ID
	}
	if targetCustomerID == "" {
		return RouteResult{}, fmt.Errorf("target customer: %w", ErrInvalidPayload)
	}

	if r.limiter != nil {
		allowed, err := r.limiter.Allow(ctx, sender.ID)
		if err != nil {
			// 限流存储故障时放行
			r.log.Warn("rate limiter unavailable", zap.Error(err), zap.String("sender", sender.ID))
		} else if !allowed {
			return RouteResult{}, ErrRateLimited
		}
	}

	msg := Message{
		SenderName: sender.Name,
		Body:       body,
		CustomerID: targetCustomerID,
		FromAdmin:  sender.IsAdmin,
		Timestamp:  r.now(),
	}

	var res RouteResult
	if sender.IsAdmin {
		res = r.routeFromAdmin(senderConn, msg)
		messagesRouted.WithLabelValues("to_customer").Inc()
	} else {
		res = r.routeFromCustomer(senderConn, msg)
		messagesRouted.WithLabelValues("to_support").Inc()
	}

	if res.Unread {
		r.notifier.Notify()
	}
	if r.sink != nil {
		r.sink.Publish(msg)
	}
	if r.ledger != nil {
		customer := Identity{ID: targetCustomerID}
		if !sender.IsAdmin {
			customer = sender
		}
		r.ledger.RecordMessage(customer, msg)
	}
	return res, nil
}

func (r *Router) routeFromCustomer(senderConn Conn, msg Message) RouteResult {
	unlock := r.lockCustomer(msg.CustomerID)
	defer unlock()

	r.store.Append(msg.CustomerID, msg)
	env := mustEnvelope(EventMessage, msg)

	res := RouteResult{Message: msg}
	for _, admin := range r.registry.Admins() {
		if send(admin, env) {
			res.Delivered = true
		}
	}
	if senderConn != nil {
		send(senderConn, env)
	}

	if len(r.registry.SelectedBy(msg.CustomerID, "")) == 0 {
		res.Unread = r.registry.SetUnread(msg.CustomerID, true)
	}
	return res
}

func (r *Router) routeFromAdmin(senderConn Conn, msg Message) RouteResult {
	unlock := r.lockCustomer(msg.CustomerID)
	defer unlock()

	r.store.Append(msg.CustomerID, msg)
	env := mustEnvelope(EventMessage, msg)

	res := RouteResult{Message: msg}
	conn, err := r.registry.Lookup(msg.CustomerID)
	if err == nil {
		res.Delivered = send(conn, env)
	} else {
		// 客户不在线，消息留在历史里等重连
		r.store.Detach(msg.CustomerID, msg.Timestamp)
	}

	except := ""
	if senderConn != nil {
		except = senderConn.ID()
	}
	for _, admin := range r.registry.SelectedBy(msg.CustomerID, except) {
		send(admin, env)
	}
	return res
}

// Select 客服选中一个会话：记录选择、清除未读、下发历史
func (r *Router) Select(ctx context.Context, admin Identity, adminConn Conn, customerID string) ([]Message, error) {
	if !admin.IsAdmin {
		return nil, ErrNotAdmin
	}
	if customerID == "" {
		return nil, fmt.Errorf("customerId: %w", ErrInvalidPayload)
	}

	unlock := r.lockCustomer(customerID)
	if err := r.registry.SetSelected(adminConn.ID(), customerID); err != nil {
		unlock()
		return nil, err
	}
	changed := r.registry.SetUnread(customerID, false)
	history := r.store.GetHistory(customerID)
	send(adminConn, historyEnvelope(customerID, history))
	unlock()

	// 选中后总是推送一次，让客服看到最新的未读状态
	r.notifier.Notify()
	if changed && r.ledger != nil {
		r.ledger.MarkRead(customerID)
	}
	return history, nil
}
