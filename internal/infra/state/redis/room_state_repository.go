package redisstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"typing-race/internal/domain"
	"typing-race/internal/repository"
)

// 时间字段统一用 RFC3339Nano 存储
const timeLayout = time.RFC3339Nano

// RedisRoomStateRepository 是 RoomStateRepository 接口的 Redis 实现
type RedisRoomStateRepository struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisRoomStateRepository 创建 RedisRoomStateRepository 实例
func NewRedisRoomStateRepository(client *redis.Client, keyPrefix string) *RedisRoomStateRepository {
	if client == nil {
		panic("redis client cannot be nil for RedisRoomStateRepository")
	}
	if keyPrefix == "" {
		keyPrefix = "race:"
	}
	return &RedisRoomStateRepository{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

// --- Key Generation Helpers ---
func (r *RedisRoomStateRepository) roomKey(code string) string {
	return fmt.Sprintf("%sroom:%s", r.keyPrefix, code)
}

func (r *RedisRoomStateRepository) membersKey(code string) string {
	return r.roomKey(code) + ":members"
}

func (r *RedisRoomStateRepository) memberKey(code, userID string) string {
	return r.roomKey(code) + ":member:" + userID
}

func (r *RedisRoomStateRepository) messagesKey(code string) string {
	return r.roomKey(code) + ":messages"
}

func (r *RedisRoomStateRepository) userRoomKey(userID string) string {
	return fmt.Sprintf("%suser_room:%s", r.keyPrefix, userID)
}

// --- RoomStateRepository Interface Implementation ---

// CreateRoom 占用房间码并写入元数据
func (r *RedisRoomStateRepository) CreateRoom(ctx context.Context, room *domain.Room, ttl time.Duration) error {
	settings, err := json.Marshal(room.Settings)
	if err != nil {
		return fmt.Errorf("redis: failed to marshal settings for room %s: %w", room.Code, err)
	}
	key := r.roomKey(room.Code)
	created, err := createRoomScript.Run(ctx, r.client, []string{key},
		room.Code, room.CreatorID, string(settings), room.CreatedAt.UTC().Format(timeLayout), ttl.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("redis: failed to create room %s on key %s: %w", room.Code, key, err)
	}
	if created == 0 {
		return repository.ErrCodeTaken
	}
	return nil
}

// GetRoom 读取房间完整视图: 元数据、成员、最近消息
func (r *RedisRoomStateRepository) GetRoom(ctx context.Context, code string) (*domain.Room, error) {
	pipe := r.client.Pipeline()
	metaCmd := pipe.HGetAll(ctx, r.roomKey(code))
	idsCmd := pipe.SMembers(ctx, r.membersKey(code))
	msgsCmd := pipe.LRange(ctx, r.messagesKey(code), 0, -1)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: failed to load room %s: %w", code, err)
	}

	meta := metaCmd.Val()
	if len(meta) == 0 {
		return nil, repository.ErrRoomNotFound
	}
	room, err := parseRoomMeta(meta)
	if err != nil {
		return nil, fmt.Errorf("redis: corrupt room %s: %w", code, err)
	}

	members, err := r.loadMembers(ctx, code, idsCmd.Val())
	if err != nil {
		return nil, err
	}
	room.Members = members

	room.Messages = make([]domain.ChatMessage, 0, len(msgsCmd.Val()))
	for _, raw := range msgsCmd.Val() {
		var msg domain.ChatMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			logrus.WithField("room_code", code).WithError(err).Warn("redis: skipping undecodable chat message")
			continue
		}
		room.Messages = append(room.Messages, msg)
	}
	return room, nil
}

// loadMembers 用一次 Pipeline 读取所有成员 hash
func (r *RedisRoomStateRepository) loadMembers(ctx context.Context, code string, ids []string) (map[string]domain.Member, error) {
	members := make(map[string]domain.Member, len(ids))
	if len(ids) == 0 {
		return members, nil
	}
	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringStringMapCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, r.memberKey(code, id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: failed to load members of room %s: %w", code, err)
	}
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			// 成员在两次读取之间离开
			continue
		}
		m, err := parseMember(fields)
		if err != nil {
			return nil, fmt.Errorf("redis: corrupt member %s in room %s: %w", ids[i], code, err)
		}
		members[m.ID] = m
	}
	return members, nil
}

// RoomExists 判断房间 key 是否存在
func (r *RedisRoomStateRepository) RoomExists(ctx context.Context, code string) (bool, error) {
	n, err := r.client.Exists(ctx, r.roomKey(code)).Result()
	if err != nil {
		return false, fmt.Errorf("redis: failed to check room %s: %w", code, err)
	}
	return n == 1, nil
}

// MemberIDs 返回房间成员 ID 列表
func (r *RedisRoomStateRepository) MemberIDs(ctx context.Context, code string) ([]string, error) {
	ids, err := r.client.SMembers(ctx, r.membersKey(code)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: failed to list members of room %s: %w", code, err)
	}
	return ids, nil
}

// GetMember 读取单个成员
func (r *RedisRoomStateRepository) GetMember(ctx context.Context, code, userID string) (*domain.Member, error) {
	pipe := r.client.Pipeline()
	isMemberCmd := pipe.SIsMember(ctx, r.membersKey(code), userID)
	fieldsCmd := pipe.HGetAll(ctx, r.memberKey(code, userID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: failed to load member %s of room %s: %w", userID, code, err)
	}
	if !isMemberCmd.Val() || len(fieldsCmd.Val()) == 0 {
		return nil, repository.ErrNotFound
	}
	m, err := parseMember(fieldsCmd.Val())
	if err != nil {
		return nil, fmt.Errorf("redis: corrupt member %s in room %s: %w", userID, code, err)
	}
	return &m, nil
}

// AddMember 写入成员并设置用户->房间索引
func (r *RedisRoomStateRepository) AddMember(ctx context.Context, code string, member domain.Member, indexTTL time.Duration) error {
	keys := []string{
		r.roomKey(code),
		r.membersKey(code),
		r.memberKey(code, member.ID),
		r.userRoomKey(member.ID),
	}
	added, err := addMemberScript.Run(ctx, r.client, keys,
		member.ID, member.Username, member.JoinedAt.UTC().Format(timeLayout), boolFlag(member.IsHost),
		member.SessionID, code, indexTTL.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("redis: failed to add member %s to room %s: %w", member.ID, code, err)
	}
	if added == 0 {
		return repository.ErrRoomNotFound
	}
	return nil
}

// RemoveMember 移除成员，必要时删除房间
func (r *RedisRoomStateRepository) RemoveMember(ctx context.Context, code, userID, sessionID string) (repository.RemovalOutcome, error) {
	keys := []string{
		r.roomKey(code),
		r.membersKey(code),
		r.memberKey(code, userID),
		r.userRoomKey(userID),
		r.messagesKey(code),
	}
	res, err := removeMemberScript.Run(ctx, r.client, keys, userID, sessionID, code).Slice()
	if err != nil {
		return repository.RemovalOutcome{}, fmt.Errorf("redis: failed to remove member %s from room %s: %w", userID, code, err)
	}
	if len(res) != 2 {
		return repository.RemovalOutcome{}, fmt.Errorf("redis: unexpected remove reply for room %s: %v", code, res)
	}
	status, _ := res[0].(int64)
	username, _ := res[1].(string)
	return repository.RemovalOutcome{
		Status:   repository.RemovalStatus(status),
		Username: username,
	}, nil
}

// UpdateProgress 字段级更新比赛进度
func (r *RedisRoomStateRepository) UpdateProgress(ctx context.Context, code, userID string, progress, wpm int, accuracy float64) error {
	keys := []string{r.membersKey(code), r.memberKey(code, userID)}
	ok, err := updateProgressScript.Run(ctx, r.client, keys,
		userID, progress, wpm, strconv.FormatFloat(accuracy, 'f', -1, 64),
	).Int()
	if err != nil {
		return fmt.Errorf("redis: failed to update progress of %s in room %s: %w", userID, code, err)
	}
	if ok == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ToggleReady 翻转 ready 标志
func (r *RedisRoomStateRepository) ToggleReady(ctx context.Context, code, userID string) (bool, error) {
	keys := []string{r.roomKey(code), r.membersKey(code), r.memberKey(code, userID)}
	v, err := toggleReadyScript.Run(ctx, r.client, keys, userID).Int()
	if err != nil {
		return false, fmt.Errorf("redis: failed to toggle ready of %s in room %s: %w", userID, code, err)
	}
	switch v {
	case -1:
		return false, repository.ErrNotFound
	case -2:
		return false, repository.ErrNotInLobby
	}
	return v == 1, nil
}

// AppendMessage 追加聊天消息并裁剪到最近 limit 条
func (r *RedisRoomStateRepository) AppendMessage(ctx context.Context, code string, msg domain.ChatMessage, limit int) error {
	if limit <= 0 {
		limit = 100
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("redis: failed to marshal chat message %s: %w", msg.ID, err)
	}
	keys := []string{r.roomKey(code), r.messagesKey(code)}
	ok, err := appendMessageScript.Run(ctx, r.client, keys, string(payload), limit).Int()
	if err != nil {
		return fmt.Errorf("redis: failed to append message to room %s: %w", code, err)
	}
	if ok == 0 {
		return repository.ErrRoomNotFound
	}
	return nil
}

// StartRace lobby -> racing 的比较并设置
func (r *RedisRoomStateRepository) StartRace(ctx context.Context, code string, words []string, startTime time.Time) (bool, error) {
	wordsJSON, err := json.Marshal(words)
	if err != nil {
		return false, fmt.Errorf("redis: failed to marshal words for room %s: %w", code, err)
	}
	v, err := startRaceScript.Run(ctx, r.client, []string{r.roomKey(code)},
		startTime.UTC().Format(timeLayout), string(wordsJSON),
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis: failed to start race in room %s: %w", code, err)
	}
	switch v {
	case -1:
		return false, repository.ErrRoomNotFound
	case 1:
		return true, nil
	default:
		return false, nil
	}
}

// DeleteRoomIfEmpty 没有成员时删除房间
func (r *RedisRoomStateRepository) DeleteRoomIfEmpty(ctx context.Context, code string) (bool, error) {
	keys := []string{r.roomKey(code), r.membersKey(code), r.messagesKey(code)}
	v, err := deleteIfEmptyScript.Run(ctx, r.client, keys).Int()
	if err != nil {
		return false, fmt.Errorf("redis: failed to delete empty room %s: %w", code, err)
	}
	return v == 1, nil
}

// ListRoomCodes 用 SCAN 遍历房间 key，跳过 members/messages 等子 key
func (r *RedisRoomStateRepository) ListRoomCodes(ctx context.Context) ([]string, error) {
	prefix := r.keyPrefix + "room:"
	codes := make([]string, 0)
	iter := r.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		code := strings.TrimPrefix(iter.Val(), prefix)
		if code == "" || strings.Contains(code, ":") {
			continue
		}
		codes = append(codes, code)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis: failed to scan room keys: %w", err)
	}
	return codes, nil
}

// GetUserRoom 读取用户当前所在房间
func (r *RedisRoomStateRepository) GetUserRoom(ctx context.Context, userID string) (string, error) {
	key := r.userRoomKey(userID)
	code, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", repository.ErrNotFound
		}
		return "", fmt.Errorf("redis: failed to get user room from %s: %w", key, err)
	}
	return code, nil
}

// PruneUserIndex 删除指向已不存在房间的索引
func (r *RedisRoomStateRepository) PruneUserIndex(ctx context.Context) (int, error) {
	pruned := 0
	iter := r.client.Scan(ctx, 0, r.keyPrefix+"user_room:*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		code, err := r.client.Get(ctx, key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return pruned, fmt.Errorf("redis: failed to read index %s: %w", key, err)
		}
		exists, err := r.RoomExists(ctx, code)
		if err != nil {
			return pruned, err
		}
		if exists {
			continue
		}
		if err := r.client.Del(ctx, key).Err(); err != nil {
			return pruned, fmt.Errorf("redis: failed to delete stale index %s: %w", key, err)
		}
		pruned++
	}
	if err := iter.Err(); err != nil {
		return pruned, fmt.Errorf("redis: failed to scan user index: %w", err)
	}
	return pruned, nil
}

// CheckRateLimit 递增计数器并判断是否超限
func (r *RedisRoomStateRepository) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	fullKey := r.keyPrefix + "ratelimit:" + key
	pipe := r.client.Pipeline()
	incrCmd := pipe.Incr(ctx, fullKey)
	pipe.Expire(ctx, fullKey, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("redis: pipeline failed for rate limit check on key %s: %w", fullKey, err)
	}
	return incrCmd.Val() > int64(limit), nil
}

// --- 解析 ---

func parseRoomMeta(meta map[string]string) (*domain.Room, error) {
	room := &domain.Room{
		Code:      meta["code"],
		CreatorID: meta["creator_id"],
		RaceState: domain.RaceState(meta["race_state"]),
		Words:     []string{},
	}
	if room.RaceState == "" {
		room.RaceState = domain.RaceStateLobby
	}
	if raw := meta["settings"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &room.Settings); err != nil {
			return nil, fmt.Errorf("settings: %w", err)
		}
	}
	if raw := meta["words"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &room.Words); err != nil {
			return nil, fmt.Errorf("words: %w", err)
		}
	}
	if raw := meta["created_at"]; raw != "" {
		t, err := time.Parse(timeLayout, raw)
		if err != nil {
			return nil, fmt.Errorf("created_at: %w", err)
		}
		room.CreatedAt = t
	}
	if raw := meta["race_start_time"]; raw != "" {
		t, err := time.Parse(timeLayout, raw)
		if err != nil {
			return nil, fmt.Errorf("race_start_time: %w", err)
		}
		room.RaceStartTime = &t
	}
	return room, nil
}

func parseMember(fields map[string]string) (domain.Member, error) {
	m := domain.Member{
		ID:        fields["id"],
		Username:  fields["username"],
		IsHost:    fields["is_host"] == "1",
		Ready:     fields["ready"] == "1",
		SessionID: fields["session_id"],
	}
	var err error
	if m.JoinedAt, err = time.Parse(timeLayout, fields["joined_at"]); err != nil {
		return m, fmt.Errorf("joined_at: %w", err)
	}
	if m.Progress, err = atoiOrZero(fields["progress"]); err != nil {
		return m, fmt.Errorf("progress: %w", err)
	}
	if m.WPM, err = atoiOrZero(fields["wpm"]); err != nil {
		return m, fmt.Errorf("wpm: %w", err)
	}
	if raw := fields["accuracy"]; raw != "" {
		if m.Accuracy, err = strconv.ParseFloat(raw, 64); err != nil {
			return m, fmt.Errorf("accuracy: %w", err)
		}
	}
	return m, nil
}

func atoiOrZero(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
