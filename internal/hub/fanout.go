package hub

import (
	"context"
	"sync"
)

// Fanout 把房间事件分发到所有进程。每个进程在 Subscribe 回调里
// 把事件投递给本进程登记的成员。
type Fanout interface {
	// Publish 发布房间事件
	Publish(ctx context.Context, code string, payload []byte) error
	// Subscribe 开始接收所有房间的事件，订阅建立后返回
	Subscribe(ctx context.Context, deliver func(code string, payload []byte)) error
	// Close 停止接收
	Close() error
}

// LocalFanout 单进程部署使用: Publish 直接在调用方 goroutine 中投递
type LocalFanout struct {
	mu      sync.RWMutex
	deliver func(code string, payload []byte)
}

// NewLocalFanout 创建进程内 Fanout
func NewLocalFanout() *LocalFanout {
	return &LocalFanout{}
}

func (f *LocalFanout) Publish(_ context.Context, code string, payload []byte) error {
	f.mu.RLock()
	deliver := f.deliver
	f.mu.RUnlock()
	if deliver != nil {
		deliver(code, payload)
	}
	return nil
}

func (f *LocalFanout) Subscribe(_ context.Context, deliver func(code string, payload []byte)) error {
	f.mu.Lock()
	f.deliver = deliver
	f.mu.Unlock()
	return nil
}

func (f *LocalFanout) Close() error {
	f.mu.Lock()
	f.deliver = nil
	f.mu.Unlock()
	return nil
}
