// Package channel implements the per-origin broadcast channel that connects
// the worker with its window and config-iframe contexts. Messages are
// delivered to every subscriber except contexts filtered out by source or
// target; request/response pairs are matched by correlation id.
package channel

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Context 标识消息的发送方/接收方。
type Context string

const (
	Window        Context = "WINDOW"
	ServiceWorker Context = "SW"
	ConfigIframe  Context = "CONFIG_IFRAME"
)

// 已知的消息动作。
const (
	ActionReloadConfig        = "RELOAD_CONFIG"
	ActionReloadConfigSuccess = "RELOAD_CONFIG_SUCCESS"
	ActionNavigate            = "NAVIGATE"
)

// Message 是通道上传递的消息。
type Message struct {
	Source        Context `json:"source"`
	Target        Context `json:"target"`
	Action        string  `json:"action"`
	CorrelationID string  `json:"correlationId,omitempty"`
	Data          any     `json:"data,omitempty"`
}

const subscriberBuffer = 16

// Bus 是同一 origin 内所有上下文共享的广播通道。
type Bus struct {
	logger *logrus.Logger

	mu   sync.Mutex
	next uint64
	subs map[uint64]*subscription
}

type subscription struct {
	match   func(Message) bool
	ch      chan Message
	handler func(Message)
}

// NewBus 创建空通道。
func NewBus(logger *logrus.Logger) *Bus {
	return &Bus{logger: logger, subs: make(map[uint64]*subscription)}
}

// PostMessage 将消息投递给所有匹配的订阅者；订阅者缓冲已满时丢弃并记录日志。
func (b *Bus) PostMessage(msg Message) {
	b.mu.Lock()
	targets := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.match(msg) {
			targets = append(targets, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range targets {
		if sub.handler != nil {
			go sub.handler(msg)
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			b.log().WithFields(logrus.Fields{
				"action":         "channel_post",
				"message_action": msg.Action,
				"target":         msg.Target,
			}).Warn("channel_subscriber_full")
		}
	}
}

// Subscribe 返回匹配 filter 的消息流，以及取消订阅函数。
func (b *Bus) Subscribe(filter func(Message) bool) (<-chan Message, func()) {
	sub := &subscription{match: filter, ch: make(chan Message, subscriberBuffer)}
	return sub.ch, b.add(sub)
}

// OnMessageFrom 为来自 source 的每条消息异步调用 fn。
func (b *Bus) OnMessageFrom(source Context, fn func(Message)) func() {
	sub := &subscription{
		match:   func(m Message) bool { return m.Source == source },
		handler: fn,
	}
	return b.add(sub)
}

// MessageAndWaitForResponse 发送消息并等待同一 correlation id 的回复。
func (b *Bus) MessageAndWaitForResponse(ctx context.Context, msg Message) (Message, error) {
	if msg.CorrelationID == "" {
		msg.CorrelationID = uuid.NewString()
	}
	replies, cancel := b.Subscribe(func(m Message) bool {
		return m.CorrelationID == msg.CorrelationID && m.Source == msg.Target
	})
	defer cancel()

	b.PostMessage(msg)
	select {
	case reply := <-replies:
		return reply, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Len 返回当前订阅者数量。
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Bus) add(sub *subscription) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

func (b *Bus) log() logrus.FieldLogger {
	if b.logger == nil {
		return logrus.StandardLogger()
	}
	return b.logger
}
