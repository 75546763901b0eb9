package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"typing-race/internal/domain"
	"typing-race/internal/service"
)

// 包级别的 WebSocket 默认值
const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096

	sendBufferSize = 256
)

// Options 连接和重试参数，测试中可以调小
type Options struct {
	WriteWait            time.Duration
	PongWait             time.Duration
	PingPeriod           time.Duration
	MaxMessageSize       int64
	SendBuffer           int
	StoreRetries         uint64        // 会话内存储操作的最大重试次数
	RetryInitialInterval time.Duration // 第一次重试前的等待
	DeliveryTimeout      time.Duration // 投递时读取成员列表的超时
}

// DefaultOptions 生产环境默认值
func DefaultOptions() Options {
	return Options{
		WriteWait:            writeWait,
		PongWait:             pongWait,
		PingPeriod:           pingPeriod,
		MaxMessageSize:       maxMessageSize,
		SendBuffer:           sendBufferSize,
		StoreRetries:         3,
		RetryInitialInterval: 100 * time.Millisecond,
		DeliveryTimeout:      5 * time.Second,
	}
}

// withDefaults 用默认值填充未设置的字段
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.WriteWait <= 0 {
		o.WriteWait = d.WriteWait
	}
	if o.PongWait <= 0 {
		o.PongWait = d.PongWait
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = (o.PongWait * 9) / 10
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = d.MaxMessageSize
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = d.SendBuffer
	}
	if o.RetryInitialInterval <= 0 {
		o.RetryInitialInterval = d.RetryInitialInterval
	}
	if o.DeliveryTimeout <= 0 {
		o.DeliveryTimeout = d.DeliveryTimeout
	}
	return o
}

// RoomManager 会话和广播需要的房间操作，由 service.RoomService 实现
type RoomManager interface {
	GetRoom(ctx context.Context, code string) (*domain.Room, error)
	MemberIDs(ctx context.Context, code string) ([]string, error)
	UserRoom(ctx context.Context, userID string) (string, error)
	AddMember(ctx context.Context, code string, member domain.Member) (*domain.Room, error)
	RemoveMember(ctx context.Context, code, userID, sessionID string) (*service.Departure, error)
	UpdateProgress(ctx context.Context, code, userID string, p service.Progress) error
	ToggleReady(ctx context.Context, code, userID string) (*service.ReadyChange, error)
	PostMessage(ctx context.Context, code, userID, text string) (*domain.ChatMessage, error)
}

// RaceStarter 由 service.RaceService 实现
type RaceStarter interface {
	Start(ctx context.Context, code, userID string) (*service.RaceStart, bool, error)
}

// Hub 广播引擎: 持有本进程的连接注册表，通过 Fanout 把房间事件送到每个进程，
// 再投递给本进程内登记的房间成员。
type Hub struct {
	rooms    RoomManager
	race     RaceStarter
	fanout   Fanout
	registry *Registry
	members  *memberLocks
	validate *validator.Validate
	opts     Options
	log      *logrus.Entry

	// ctx 是所有会话存储操作的基础 context，全部会话退出后才取消
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closing  bool // 不再接受新会话
	draining bool // 正在等待清理任务，新任务同步执行
	sessions sync.WaitGroup // 活跃会话
	cleanup  sync.WaitGroup // 投递失败后的清理任务
}

// NewHub 创建 Hub 实例
func NewHub(rooms RoomManager, race RaceStarter, fanout Fanout, opts Options) *Hub {
	if rooms == nil {
		panic("RoomManager cannot be nil for Hub")
	}
	if race == nil {
		panic("RaceStarter cannot be nil for Hub")
	}
	if fanout == nil {
		fanout = NewLocalFanout()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		rooms:    rooms,
		race:     race,
		fanout:   fanout,
		registry: NewRegistry(),
		members:  newMemberLocks(),
		validate: validator.New(),
		opts:     opts.withDefaults(),
		log:      logrus.WithField("component", "hub"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start 订阅 Fanout，之后本进程开始接收房间事件
func (h *Hub) Start(ctx context.Context) error {
	if err := h.fanout.Subscribe(ctx, h.deliverLocal); err != nil {
		return fmt.Errorf("hub: failed to subscribe fanout: %w", err)
	}
	h.log.Info("Hub is running...")
	return nil
}

// Registry 返回本进程的连接注册表
func (h *Hub) Registry() *Registry {
	return h.registry
}

// BroadcastToRoom 把事件发给房间的所有成员 (包括发送者自己)
func (h *Hub) BroadcastToRoom(ctx context.Context, code string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("hub: failed to marshal event for room %s: %w", code, err)
	}
	if err := h.fanout.Publish(ctx, code, payload); err != nil {
		h.log.WithField("room_code", code).WithError(err).Error("Failed to publish room event")
		return fmt.Errorf("hub: failed to publish to room %s: %w", code, err)
	}
	return nil
}

// SendToOne 只发给一个连接，返回是否成功放入发送队列
func (h *Hub) SendToOne(conn Conn, event any) bool {
	payload, err := json.Marshal(event)
	if err != nil {
		h.log.WithError(err).Error("Failed to marshal direct event")
		return false
	}
	return conn.Send(payload)
}

// deliverLocal 两阶段投递: 先尝试发给全部本地成员，失败的连接
// 在投递结束后作为后台任务关闭。关闭连接会让其会话自行执行离开流程，
// 所以这里不会递归进入正在进行的广播。
func (h *Hub) deliverLocal(code string, payload []byte) {
	ctx, cancel := context.WithTimeout(h.ctx, h.opts.DeliveryTimeout)
	defer cancel()

	ids, err := h.rooms.MemberIDs(ctx, code)
	if err != nil {
		h.log.WithField("room_code", code).WithError(err).Warn("Failed to load members for delivery")
		return
	}

	var failed []Conn
	for _, id := range ids {
		conn, ok := h.registry.Lookup(id)
		if !ok {
			continue
		}
		if !conn.Send(payload) {
			failed = append(failed, conn)
		}
	}
	if len(failed) == 0 {
		return
	}

	h.log.WithFields(logrus.Fields{"room_code": code, "failed": len(failed)}).Warn("Delivery failed, evicting connections")
	h.track(func() {
		for _, conn := range failed {
			conn.Close(websocket.CloseGoingAway, "connection unusable")
		}
	})
}

// track 以受控方式运行后台任务，Shutdown 会等待它们结束
func (h *Hub) track(fn func()) {
	h.mu.Lock()
	if h.draining {
		h.mu.Unlock()
		fn()
		return
	}
	h.cleanup.Add(1)
	h.mu.Unlock()
	go func() {
		defer h.cleanup.Done()
		fn()
	}()
}

// acquireSession 登记一个新会话，Hub 关闭后拒绝
func (h *Hub) acquireSession() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.sessions.Add(1)
	return true
}

// Serve 在当前 goroutine 中运行一个已完成握手和身份校验的连接，直到连接结束
func (h *Hub) Serve(ws *websocket.Conn, code string, identity service.Identity) {
	if !h.acquireSession() {
		RejectConn(ws, websocket.CloseGoingAway, "server shutting down", h.opts.WriteWait)
		return
	}
	defer h.sessions.Done()
	newSession(h, ws, code, identity).run()
}

// Shutdown 关闭所有连接，等待会话离开流程和清理任务完成，然后停止 Fanout
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	h.mu.Unlock()

	h.log.Info("Hub is shutting down...")
	h.registry.CloseAll(websocket.CloseGoingAway, "server shutting down")

	err := waitGroup(ctx, &h.sessions)
	h.mu.Lock()
	h.draining = true
	h.mu.Unlock()
	if err == nil {
		err = waitGroup(ctx, &h.cleanup)
	}
	if closeErr := h.fanout.Close(); closeErr != nil {
		h.log.WithError(closeErr).Warn("Failed to close fanout")
	}
	h.cancel()
	if err != nil {
		return fmt.Errorf("hub: shutdown incomplete: %w", err)
	}
	h.log.Info("Hub stopped")
	return nil
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
