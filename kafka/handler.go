package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"shophub/chat"
)

type OrderMessage struct {
	OrderID   string  `json:"order_id"`
	UserID    string  `json:"user_id"`
	Amount    float64 `json:"amount"`
	Timestamp int64   `json:"timestamp"`
}

// AdminNotifier 把通知推送给所有在线客服
type AdminNotifier interface {
	NotifyAdmins(n chat.Notice) int
}

// OrderHandler 把订单事件转成客服通知
type OrderHandler struct {
	notifier AdminNotifier
	log      *zap.Logger
}

func NewOrderHandler(notifier AdminNotifier, log *zap.Logger) *OrderHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &OrderHandler{notifier: notifier, log: log}
}

func (h *OrderHandler) Handle(ctx context.Context, message *sarama.ConsumerMessage) error {
	var order OrderMessage
	if err := json.Unmarshal(message.Value, &order); err != nil {
		return fmt.Errorf("unmarshal order: %w", err)
	}
	if order.OrderID == "" || order.UserID == "" {
		return errors.New("order event missing order_id or user_id")
	}

	ts := time.Now()
	if order.Timestamp > 0 {
		ts = time.Unix(order.Timestamp, 0)
	}
	n := h.notifier.NotifyAdmins(chat.Notice{
		Kind:       "order",
		CustomerID: order.UserID,
		Text:       fmt.Sprintf("order %s placed, amount %.2f", order.OrderID, order.Amount),
		Timestamp:  ts,
	})
	h.log.Debug("order notice pushed", zap.String("order", order.OrderID), zap.Int("admins", n))
	return nil
}
