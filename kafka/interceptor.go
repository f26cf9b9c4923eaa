package kafka

import (
	"github.com/IBM/sarama"
)

const sourceHeader = "x-source"

// HeaderInterceptor 给每条发出的消息打上来源标记
type HeaderInterceptor struct {
	source string
}

func NewHeaderInterceptor(source string) *HeaderInterceptor {
	return &HeaderInterceptor{source: source}
}

func (i *HeaderInterceptor) OnSend(msg *sarama.ProducerMessage) {
	for _, h := range msg.Headers {
		if string(h.Key) == sourceHeader {
			return
		}
	}
	msg.Headers = append(msg.Headers, sarama.RecordHeader{
		Key:   []byte(sourceHeader),
		Value: []byte(i.source),
	})
}
