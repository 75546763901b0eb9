package hub

import (
	"encoding/json"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"typing-race/internal/domain"
	"typing-race/internal/service"
)

// SessionState 会话状态: Connecting -> Joined -> Closed
type SessionState int

const (
	StateConnecting SessionState = iota
	StateJoined
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	default:
		return "closed"
	}
}

// Session 一个连接在一个房间中的完整生命周期。
// 入站消息由 ReadLoop 在同一个 goroutine 中按顺序处理。
type Session struct {
	id       string
	hub      *Hub
	client   *Client
	identity service.Identity
	code     string
	state    SessionState
	log      *logrus.Entry

	leaveOnce sync.Once
}

func newSession(h *Hub, ws *websocket.Conn, code string, identity service.Identity) *Session {
	id := uuid.NewString()
	log := logrus.WithFields(logrus.Fields{
		"room_code":  code,
		"user_id":    identity.UserID,
		"session_id": id,
	})
	return &Session{
		id:       id,
		hub:      h,
		client:   NewClient(ws, h.opts, log),
		identity: identity,
		code:     code,
		state:    StateConnecting,
		log:      log,
	}
}

// ID 会话 ID，同时作为成员记录中的 session_id
func (s *Session) ID() string { return s.id }

// State 当前状态
func (s *Session) State() SessionState { return s.state }

func (s *Session) run() {
	go s.client.WritePump()
	defer s.client.Wait()
	defer s.client.Close(websocket.CloseNormalClosure, "")

	if !s.join() {
		return
	}
	defer s.leave()

	s.client.ReadLoop(s.dispatch)
}

// join 加入房间。任何一步失败都会用关闭码结束连接，存储错误不重试。
func (s *Session) join() bool {
	ctx := s.hub.ctx
	rooms := s.hub.rooms
	uid := s.identity.UserID

	room, err := rooms.GetRoom(ctx, s.code)
	if err != nil {
		s.failJoin(err)
		return false
	}

	unlock := s.hub.members.Lock(uid)
	defer unlock()

	// 一个用户同时只能在一个房间里
	if prev, err := rooms.UserRoom(ctx, uid); err != nil {
		s.failJoin(err)
		return false
	} else if prev != "" && prev != s.code {
		s.log.WithField("previous_room", prev).Info("User switching rooms, leaving previous room")
		s.departFrom(prev, "")
	}

	if old := s.hub.registry.Register(uid, s.client); old != nil {
		s.log.Info("Replacing existing connection for user")
		old.Close(websocket.CloseNormalClosure, "replaced by a new connection")
	}

	member := domain.Member{
		ID:        uid,
		Username:  s.identity.Username,
		JoinedAt:  time.Now().UTC(),
		IsHost:    uid == room.CreatorID,
		SessionID: s.id,
	}
	updated, err := rooms.AddMember(ctx, s.code, member)
	if err != nil {
		s.hub.registry.Unregister(uid, s.client)
		s.failJoin(err)
		return false
	}
	s.state = StateJoined
	s.log.Info("User joined room")

	if joined, ok := updated.Members[uid]; ok {
		member = joined
	}
	_ = s.hub.BroadcastToRoom(ctx, s.code, UserJoinedEvent{
		Type:      TypeUserJoined,
		User:      member,
		RoomUsers: updated.MemberList(),
	})

	// 快照在广播之后读取，至少和广播一样新
	snapshot, err := rooms.GetRoom(ctx, s.code)
	if err != nil {
		s.log.WithError(err).Warn("Failed to reload room for snapshot, using join result")
		snapshot = updated
	}
	s.hub.SendToOne(s.client, RoomJoinedEvent{Type: TypeRoomJoined, Room: snapshot, YourID: uid})
	return true
}

func (s *Session) failJoin(err error) {
	if errors.Is(err, service.ErrRoomNotFound) {
		s.log.Info("Rejecting connection: room not found")
		s.client.Close(websocket.ClosePolicyViolation, "Room not found")
		return
	}
	s.log.WithError(err).Error("Failed to join room")
	s.client.Close(websocket.CloseInternalServerErr, "Failed to join room")
}

// leave 离开流程只执行一次。成员记录的移除以 session_id 为条件，
// 所以重复信号或已被新连接接管的成员记录都不会被误删。
func (s *Session) leave() {
	s.leaveOnce.Do(func() {
		prevState := s.state
		s.state = StateClosed
		if prevState != StateJoined {
			return
		}
		// 注册表立即更新，存储上的离开流程和同一用户的加入流程串行执行
		replaced := !s.hub.registry.Unregister(s.identity.UserID, s.client)
		unlock := s.hub.members.Lock(s.identity.UserID)
		defer unlock()

		if replaced {
			// 新连接可能加入了别的房间，本会话在原房间的成员记录仍需清理
			s.log.Info("Connection was replaced, leaving own room only")
			s.departFrom(s.code, s.id)
			s.log.Info("Session closed")
			return
		}

		// 优先按索引定位房间，索引过期时退回到本会话加入的房间
		candidates := []string{s.code}
		if idx, err := s.hub.rooms.UserRoom(s.hub.ctx, s.identity.UserID); err == nil && idx != "" {
			candidates = lo.Uniq([]string{idx, s.code})
		}
		for _, code := range candidates {
			if s.departFrom(code, s.id) {
				break
			}
		}
		s.log.Info("Session closed")
	})
}

// departFrom 从房间移除当前用户并通知剩余成员，返回是否移除了成员
func (s *Session) departFrom(code, sessionID string) bool {
	ctx := s.hub.ctx
	uid := s.identity.UserID
	logCtx := s.log.WithField("departed_room", code)

	var dep *service.Departure
	err := s.retry("remove_member", func() error {
		var err error
		dep, err = s.hub.rooms.RemoveMember(ctx, code, uid, sessionID)
		return err
	})
	if err != nil {
		if !errors.Is(err, service.ErrRoomNotFound) {
			logCtx.WithError(err).Error("Failed to remove member")
		}
		return false
	}
	if !dep.Removed {
		return false
	}
	if dep.RoomDeleted || dep.Room == nil {
		logCtx.Info("Room deleted after last member left")
		return true
	}

	username := dep.Username
	if username == "" {
		username = s.identity.Username
	}
	_ = s.hub.BroadcastToRoom(ctx, code, UserLeftEvent{
		Type:      TypeUserLeft,
		UserID:    uid,
		Username:  username,
		RoomUsers: dep.Room.MemberList(),
	})
	return true
}

// dispatch 处理一条入站消息。无法解析的消息和未知类型直接丢弃。
func (s *Session) dispatch(raw []byte) {
	if s.state != StateJoined {
		return
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.log.WithError(err).Debug("Dropping malformed message")
		return
	}

	switch env.Type {
	case TypeChatMessage:
		s.handleChat(raw)
	case TypeStartRace:
		s.handleStartRace()
	case TypeTypingProgress:
		s.handleProgress(raw)
	case TypeToggleReady:
		s.handleToggleReady()
	default:
		s.log.WithField("type", env.Type).Debug("Ignoring unknown message type")
	}
}

func (s *Session) handleChat(raw []byte) {
	var payload chatPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		s.log.WithError(err).Debug("Dropping malformed chat message")
		return
	}

	var msg *domain.ChatMessage
	err := s.retry(TypeChatMessage, func() error {
		var err error
		msg, err = s.hub.rooms.PostMessage(s.hub.ctx, s.code, s.identity.UserID, payload.Message)
		return err
	})
	if err != nil {
		s.logDropped(TypeChatMessage, err)
		return
	}
	_ = s.hub.BroadcastToRoom(s.hub.ctx, s.code, ChatMessageEvent{Type: TypeChatBroadcast, Message: *msg})
}

func (s *Session) handleStartRace() {
	var (
		start   *service.RaceStart
		started bool
	)
	err := s.retry(TypeStartRace, func() error {
		var err error
		start, started, err = s.hub.race.Start(s.hub.ctx, s.code, s.identity.UserID)
		return err
	})
	if err != nil {
		s.logDropped(TypeStartRace, err)
		return
	}
	if !started {
		s.log.Debug("Race already started, ignoring start request")
		return
	}
	_ = s.hub.BroadcastToRoom(s.hub.ctx, s.code, RaceStartedEvent{
		Type:      TypeRaceStarted,
		Words:     start.Words,
		StartTime: start.StartTime,
	})
}

func (s *Session) handleProgress(raw []byte) {
	var payload progressPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		s.log.WithError(err).Debug("Dropping malformed progress message")
		return
	}
	if err := s.hub.validate.Struct(payload); err != nil {
		s.log.WithError(err).Debug("Dropping out-of-range progress message")
		return
	}

	p := service.Progress{
		Progress: int(math.Round(payload.Progress)),
		WPM:      int(math.Round(payload.WPM)),
		Accuracy: payload.Accuracy,
	}
	err := s.retry(TypeTypingProgress, func() error {
		return s.hub.rooms.UpdateProgress(s.hub.ctx, s.code, s.identity.UserID, p)
	})
	if err != nil {
		s.logDropped(TypeTypingProgress, err)
		return
	}
	_ = s.hub.BroadcastToRoom(s.hub.ctx, s.code, UserProgressEvent{
		Type:     TypeUserProgress,
		UserID:   s.identity.UserID,
		Progress: p.Progress,
		WPM:      p.WPM,
		Accuracy: p.Accuracy,
	})
}

func (s *Session) handleToggleReady() {
	var change *service.ReadyChange
	err := s.retry(TypeToggleReady, func() error {
		var err error
		change, err = s.hub.rooms.ToggleReady(s.hub.ctx, s.code, s.identity.UserID)
		return err
	})
	if err != nil {
		s.logDropped(TypeToggleReady, err)
		return
	}
	_ = s.hub.BroadcastToRoom(s.hub.ctx, s.code, UserReadyChangedEvent{
		Type:      TypeUserReadyChanged,
		UserID:    s.identity.UserID,
		Ready:     change.Ready,
		RoomUsers: change.Room.MemberList(),
	})
}

// retry 只重试存储不可用的错误，业务错误立即返回
func (s *Session) retry(op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.hub.opts.RetryInitialInterval
	b.MaxInterval = 2 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(b, s.hub.opts.StoreRetries), s.hub.ctx)

	return backoff.RetryNotify(func() error {
		err := fn()
		if err == nil || errors.Is(err, service.ErrStoreUnavailable) {
			return err
		}
		return backoff.Permanent(err)
	}, policy, func(err error, wait time.Duration) {
		s.log.WithError(err).WithFields(logrus.Fields{"op": op, "retry_in": wait}).Warn("Store operation failed, retrying")
	})
}

func (s *Session) logDropped(op string, err error) {
	logCtx := s.log.WithField("op", op).WithError(err)
	switch {
	case errors.Is(err, service.ErrInvalidInput), errors.Is(err, service.ErrNotMember),
		errors.Is(err, service.ErrRaceInProgress):
		logCtx.Debug("Dropping message")
	case errors.Is(err, service.ErrStoreUnavailable):
		logCtx.Error("Store unavailable, message dropped")
	default:
		logCtx.Warn("Message rejected")
	}
}
