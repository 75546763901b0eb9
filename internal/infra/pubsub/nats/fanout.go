package nats

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

const (
	subjectPrefix = "race.rooms."
	flushTimeout  = 5 * time.Second
	drainTimeout  = 5 * time.Second
	drainPoll     = 10 * time.Millisecond
)

// Fanout 基于 NATS core 主题分发房间事件，主题格式: race.rooms.{code}.events
type Fanout struct {
	conn *nats.Conn
	log  *logrus.Entry

	mu  sync.Mutex
	sub *nats.Subscription
}

// NewFanout 创建 NATS Fanout，连接的生命周期由调用方管理
func NewFanout(conn *nats.Conn) *Fanout {
	if conn == nil {
		panic("NATS connection cannot be nil for Fanout")
	}
	return &Fanout{
		conn: conn,
		log:  logrus.WithFields(logrus.Fields{"component": "fanout", "backend": "nats"}),
	}
}

func subject(code string) string {
	return subjectPrefix + code + ".events"
}

func codeFromSubject(subj string) (string, bool) {
	rest := strings.TrimPrefix(subj, subjectPrefix)
	if rest == subj || !strings.HasSuffix(rest, ".events") {
		return "", false
	}
	code := strings.TrimSuffix(rest, ".events")
	return code, code != "" && !strings.Contains(code, ".")
}

// Publish 发布房间事件
func (f *Fanout) Publish(_ context.Context, code string, payload []byte) error {
	if err := f.conn.Publish(subject(code), payload); err != nil {
		return fmt.Errorf("nats: failed to publish room event: %w", err)
	}
	return nil
}

// Subscribe 订阅所有房间的事件。Flush 确认服务器已登记订阅后返回。
func (f *Fanout) Subscribe(ctx context.Context, deliver func(code string, payload []byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sub != nil {
		return fmt.Errorf("nats: fanout already subscribed")
	}

	wildcard := subject("*")
	sub, err := f.conn.Subscribe(wildcard, func(msg *nats.Msg) {
		code, ok := codeFromSubject(msg.Subject)
		if !ok {
			f.log.WithField("subject", msg.Subject).Warn("Ignoring message on unexpected subject")
			return
		}
		deliver(code, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats: failed to subscribe to %s: %w", wildcard, err)
	}
	flushCtx, cancel := context.WithTimeout(ctx, flushTimeout)
	defer cancel()
	if err := f.conn.FlushWithContext(flushCtx); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("nats: failed to confirm subscription: %w", err)
	}
	f.sub = sub
	f.log.WithField("subject", wildcard).Info("Subscribed to room events")
	return nil
}

// Close 排空订阅并等待排空完成后返回，已收到的消息都会投递完。
// Drain 本身是异步的，调用方在 Close 返回后会取消投递用的 context。
func (f *Fanout) Close() error {
	f.mu.Lock()
	sub := f.sub
	f.sub = nil
	f.mu.Unlock()
	if sub == nil {
		return nil
	}
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats: failed to drain subscription: %w", err)
	}
	if err := waitDrained(sub.IsValid, drainTimeout, drainPoll); err != nil {
		return err
	}
	f.log.Info("Room event subscription drained")
	return nil
}

// waitDrained 轮询直到订阅失效 (排空完成后 NATS 会移除订阅)，超时返回错误
func waitDrained(isValid func() bool, timeout, poll time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for isValid() {
		select {
		case <-deadline.C:
			return fmt.Errorf("nats: subscription not drained within %s", timeout)
		case <-ticker.C:
		}
	}
	return nil
}
