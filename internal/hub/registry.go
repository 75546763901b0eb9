package hub

import "sync"

// Conn 是注册表中保存的可发送连接。Send 不阻塞，返回 false 表示连接已不可用。
type Conn interface {
	Send(payload []byte) bool
	Close(code int, reason string)
}

// Registry 本进程内 用户 -> 活跃连接 的映射。每个用户最多一个连接。
type Registry struct {
	mu    sync.RWMutex
	conns map[string]Conn
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]Conn)}
}

// Register 登记连接并返回被替换的旧连接 (没有则为 nil)。关闭旧连接由调用方负责。
func (r *Registry) Register(userID string, conn Conn) Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.conns[userID]
	r.conns[userID] = conn
	if prev == conn {
		return nil
	}
	return prev
}

// Unregister 只有当登记的仍是 conn 时才删除，返回是否删除。
// 被新连接替换后的旧连接调用它不会影响新连接。
func (r *Registry) Unregister(userID string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.conns[userID]; ok && cur == conn {
		delete(r.conns, userID)
		return true
	}
	return false
}

// Lookup 返回用户当前的连接
func (r *Registry) Lookup(userID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[userID]
	return conn, ok
}

// Len 当前登记的连接数
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll 关闭所有连接 (用于优雅退出)，登记项由各自会话的清理逻辑删除
func (r *Registry) CloseAll(code int, reason string) {
	r.mu.RLock()
	conns := make([]Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		c.Close(code, reason)
	}
}

// memberLocks 按用户串行化本进程内的加入和离开流程。
// 同一用户的两个会话交错执行时，索引和成员记录可能指向不同的房间。
type memberLocks struct {
	mu    sync.Mutex
	locks map[string]*memberLock
}

type memberLock struct {
	mu   sync.Mutex
	refs int
}

func newMemberLocks() *memberLocks {
	return &memberLocks{locks: make(map[string]*memberLock)}
}

// Lock 获取用户的锁，返回释放函数。没有等待者的锁在释放时删除。
func (l *memberLocks) Lock(userID string) func() {
	l.mu.Lock()
	ml, ok := l.locks[userID]
	if !ok {
		ml = &memberLock{}
		l.locks[userID] = ml
	}
	ml.refs++
	l.mu.Unlock()

	ml.mu.Lock()
	return func() {
		ml.mu.Unlock()
		l.mu.Lock()
		ml.refs--
		if ml.refs == 0 {
			delete(l.locks, userID)
		}
		l.mu.Unlock()
	}
}

func (l *memberLocks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
