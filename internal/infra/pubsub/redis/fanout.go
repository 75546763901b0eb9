package redis

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

const defaultKeyPrefix = "race:"

// Fanout 基于 Redis PUBLISH/PSUBSCRIBE 在多个进程之间分发房间事件。
// 频道格式: {prefix}room:{code}:events
type Fanout struct {
	client *redis.Client
	prefix string
	log    *logrus.Entry

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

// NewFanout 创建 Redis Fanout
func NewFanout(client *redis.Client, keyPrefix string) *Fanout {
	if client == nil {
		panic("Redis client cannot be nil for Fanout")
	}
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &Fanout{
		client: client,
		prefix: keyPrefix,
		log:    logrus.WithFields(logrus.Fields{"component": "fanout", "backend": "redis"}),
	}
}

func (f *Fanout) channel(code string) string {
	return fmt.Sprintf("%sroom:%s:events", f.prefix, code)
}

func (f *Fanout) pattern() string {
	return f.prefix + "room:*:events"
}

// codeFromChannel 从频道名解析房间码，格式不符时返回 false
func (f *Fanout) codeFromChannel(channel string) (string, bool) {
	rest := strings.TrimPrefix(channel, f.prefix+"room:")
	if rest == channel || !strings.HasSuffix(rest, ":events") {
		return "", false
	}
	code := strings.TrimSuffix(rest, ":events")
	return code, code != ""
}

// Publish 发布房间事件
func (f *Fanout) Publish(ctx context.Context, code string, payload []byte) error {
	if err := f.client.Publish(ctx, f.channel(code), payload).Err(); err != nil {
		return fmt.Errorf("redis: failed to publish room event: %w", err)
	}
	return nil
}

// Subscribe 建立模式订阅，确认成功后在后台 goroutine 中投递
func (f *Fanout) Subscribe(ctx context.Context, deliver func(code string, payload []byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pubsub != nil {
		return fmt.Errorf("redis: fanout already subscribed")
	}

	pubsub := f.client.PSubscribe(ctx, f.pattern())
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("redis: failed to subscribe to %s: %w", f.pattern(), err)
	}
	f.pubsub = pubsub
	f.done = make(chan struct{})

	go f.consume(pubsub.Channel(), deliver, f.done)
	f.log.WithField("pattern", f.pattern()).Info("Subscribed to room events")
	return nil
}

func (f *Fanout) consume(ch <-chan *redis.Message, deliver func(code string, payload []byte), done chan struct{}) {
	defer close(done)
	for msg := range ch {
		code, ok := f.codeFromChannel(msg.Channel)
		if !ok {
			f.log.WithField("channel", msg.Channel).Warn("Ignoring message on unexpected channel")
			continue
		}
		deliver(code, []byte(msg.Payload))
	}
}

// Close 取消订阅并等待投递 goroutine 退出
func (f *Fanout) Close() error {
	f.mu.Lock()
	pubsub, done := f.pubsub, f.done
	f.pubsub, f.done = nil, nil
	f.mu.Unlock()
	if pubsub == nil {
		return nil
	}
	err := pubsub.Close()
	<-done
	if err != nil {
		return fmt.Errorf("redis: failed to close subscription: %w", err)
	}
	return nil
}
