package kafka

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"shophub/chat"
)

type Producer struct {
	producer sarama.SyncProducer
	log      *zap.Logger
}

func NewProducer(brokers []string, config *sarama.Config, log *zap.Logger) (*Producer, error) {
	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, err
	}
	return NewProducerFrom(producer, log), nil
}

// NewProducerFrom 包装一个已有的 SyncProducer
func NewProducerFrom(producer sarama.SyncProducer, log *zap.Logger) *Producer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Producer{producer: producer, log: log}
}

func (p *Producer) SendMessage(topic string, key string, value interface{}) error {
	// 序列化消息
	jsonValue, err := json.Marshal(value)
	if err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(jsonValue),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return err
	}

	p.log.Debug("message sent", zap.String("topic", topic), zap.Int32("partition", partition), zap.Int64("offset", offset))
	return nil
}

func (p *Producer) Close() error {
	return p.producer.Close()
}

// MessageEvent 写入消息主题的事件
type MessageEvent struct {
	CustomerID string    `json:"customerId"`
	SenderName string    `json:"senderName"`
	Body       string    `json:"body"`
	FromAdmin  bool      `json:"fromAdmin"`
	Timestamp  time.Time `json:"timestamp"`
}

// EventPublisher 异步把已投递的聊天消息写入 Kafka。
// Publish 从不阻塞，队列满时丢弃。
type EventPublisher struct {
	producer *Producer
	topic    string
	queue    chan MessageEvent
	dropped  atomic.Int64
	log      *zap.Logger
}

func NewEventPublisher(producer *Producer, topic string, queueSize int, log *zap.Logger) *EventPublisher {
	if queueSize <= 0 {
		queueSize = 1000
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &EventPublisher{
		producer: producer,
		topic:    topic,
		queue:    make(chan MessageEvent, queueSize),
		log:      log,
	}
}

func (p *EventPublisher) Publish(msg chat.Message) {
	ev := MessageEvent{
		CustomerID: msg.CustomerID,
		SenderName: msg.SenderName,
		Body:       msg.Body,
		FromAdmin:  msg.FromAdmin,
		Timestamp:  msg.Timestamp,
	}
	select {
	case p.queue <- ev:
	default:
		p.dropped.Add(1)
		p.log.Warn("message event dropped, queue full", zap.String("customer", msg.CustomerID))
	}
}

// Dropped 因队列满被丢弃的事件数
func (p *EventPublisher) Dropped() int64 {
	return p.dropped.Load()
}

// Run 发送队列中的事件直到 ctx 结束，结束前把剩余事件发完
func (p *EventPublisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.drain()
			return
		case ev := <-p.queue:
			p.send(ev)
		}
	}
}

func (p *EventPublisher) drain() {
	for {
		select {
		case ev := <-p.queue:
			p.send(ev)
		default:
			return
		}
	}
}

func (p *EventPublisher) send(ev MessageEvent) {
	if err := p.producer.SendMessage(p.topic, ev.CustomerID, ev); err != nil {
		p.log.Error("failed to publish message event", zap.String("customer", ev.CustomerID), zap.Error(err))
	}
}
