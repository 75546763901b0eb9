package service_test

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"typing-race/internal/domain"
	redisstate "typing-race/internal/infra/state/redis"
	"typing-race/internal/repository"
	"typing-race/internal/service"
)

var codePattern = regexp.MustCompile(`^[0-9A-Z]{6}$`)

func newRoomService(t *testing.T) (*service.RoomService, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return service.NewRoomService(redisstate.NewRedisRoomStateRepository(client, "test:")), mr
}

func joinAs(t *testing.T, svc *service.RoomService, code, userID string) *domain.Room {
	t.Helper()
	room, err := svc.AddMember(context.Background(), code, domain.Member{
		ID:        userID,
		Username:  "user-" + userID,
		SessionID: "s-" + userID,
	})
	require.NoError(t, err)
	return room
}

// takenRepo 每次占用房间码都报告冲突
type takenRepo struct {
	repository.RoomStateRepository
	calls int
	err   error
}

func (r *takenRepo) CreateRoom(context.Context, *domain.Room, time.Duration) error {
	r.calls++
	if r.err != nil {
		return r.err
	}
	return repository.ErrCodeTaken
}

func TestRoomService_CreateRoom(t *testing.T) {
	svc, _ := newRoomService(t)
	ctx := context.Background()

	room, err := svc.CreateRoom(ctx, "1", domain.Settings{})
	require.NoError(t, err)
	assert.Regexp(t, codePattern, room.Code)
	assert.Equal(t, domain.DefaultSettings(), room.Settings)
	assert.Equal(t, domain.RaceStateLobby, room.RaceState)
	assert.Empty(t, room.Members)

	stored, err := svc.GetRoom(ctx, room.Code)
	require.NoError(t, err)
	assert.Equal(t, "1", stored.CreatorID)
}

func TestRoomService_CreateRoom_InvalidSubmode(t *testing.T) {
	svc, _ := newRoomService(t)
	_, err := svc.CreateRoom(context.Background(), "1", domain.Settings{Mode: domain.ModeWords, Value: 11})
	assert.ErrorIs(t, err, service.ErrInvalidSubmode)
}

func TestRoomService_CreateRoom_AllocationExhausted(t *testing.T) {
	repo := &takenRepo{}
	svc := service.NewRoomService(repo)

	_, err := svc.CreateRoom(context.Background(), "1", domain.DefaultSettings())

	assert.ErrorIs(t, err, service.ErrAllocationExhausted)
	assert.Equal(t, 10, repo.calls)
}

func TestRoomService_CreateRoom_StoreUnavailable(t *testing.T) {
	repo := &takenRepo{err: errors.New("connection refused")}
	svc := service.NewRoomService(repo)

	_, err := svc.CreateRoom(context.Background(), "1", domain.DefaultSettings())

	assert.ErrorIs(t, err, service.ErrStoreUnavailable)
	assert.Equal(t, 1, repo.calls)
}

func TestRoomService_CreateRoom_ConcurrentCodesAreDistinct(t *testing.T) {
	svc, _ := newRoomService(t)
	const n = 50

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		codes = make(map[string]struct{}, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			room, err := svc.CreateRoom(context.Background(), "1", domain.DefaultSettings())
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			codes[room.Code] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, codes, n)

	listed, err := svc.ListActiveRoomCodes(context.Background())
	require.NoError(t, err)
	assert.Len(t, listed, n)
}

func TestRoomService_GetRoom_NotFound(t *testing.T) {
	svc, _ := newRoomService(t)
	_, err := svc.GetRoom(context.Background(), "ZZZZZZ")
	assert.ErrorIs(t, err, service.ErrRoomNotFound)
}

func TestRoomService_AddMember_RoomMissing(t *testing.T) {
	svc, _ := newRoomService(t)
	_, err := svc.AddMember(context.Background(), "ZZZZZZ", domain.Member{ID: "1", Username: "u"})
	assert.ErrorIs(t, err, service.ErrRoomNotFound)
}

func TestRoomService_JoinAndLeave(t *testing.T) {
	svc, _ := newRoomService(t)
	ctx := context.Background()
	room, err := svc.CreateRoom(ctx, "1", domain.DefaultSettings())
	require.NoError(t, err)

	joinAs(t, svc, room.Code, "1")
	after := joinAs(t, svc, room.Code, "2")
	assert.Len(t, after.Members, 2)

	current, err := svc.UserRoom(ctx, "2")
	require.NoError(t, err)
	assert.Equal(t, room.Code, current)

	dep, err := svc.RemoveMember(ctx, room.Code, "2", "s-2")
	require.NoError(t, err)
	assert.True(t, dep.Removed)
	assert.False(t, dep.RoomDeleted)
	assert.Equal(t, "user-2", dep.Username)
	require.NotNil(t, dep.Room)
	assert.Len(t, dep.Room.Members, 1)

	// 第二次离开是无副作用的
	dep, err = svc.RemoveMember(ctx, room.Code, "2", "s-2")
	require.NoError(t, err)
	assert.False(t, dep.Removed)

	current, err = svc.UserRoom(ctx, "2")
	require.NoError(t, err)
	assert.Empty(t, current)

	dep, err = svc.RemoveMember(ctx, room.Code, "1", "s-1")
	require.NoError(t, err)
	assert.True(t, dep.RoomDeleted)
	assert.Nil(t, dep.Room)

	exists, err := svc.RoomExists(ctx, room.Code)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRoomService_PostMessage(t *testing.T) {
	svc, _ := newRoomService(t)
	ctx := context.Background()
	room, err := svc.CreateRoom(ctx, "1", domain.DefaultSettings())
	require.NoError(t, err)
	joinAs(t, svc, room.Code, "1")

	msg, err := svc.PostMessage(ctx, room.Code, "1", "  hello there  ")
	require.NoError(t, err)
	assert.Equal(t, "hello there", msg.Message)
	assert.Equal(t, "user-1", msg.Username)
	assert.NotEmpty(t, msg.ID)

	_, err = svc.PostMessage(ctx, room.Code, "1", "   ")
	assert.ErrorIs(t, err, service.ErrInvalidInput)

	_, err = svc.PostMessage(ctx, room.Code, "1", strings.Repeat("a", service.MaxChatLength+1))
	assert.ErrorIs(t, err, service.ErrInvalidInput)

	_, err = svc.PostMessage(ctx, room.Code, "stranger", "hi")
	assert.ErrorIs(t, err, service.ErrNotMember)

	stored, err := svc.GetRoom(ctx, room.Code)
	require.NoError(t, err)
	require.Len(t, stored.Messages, 1)
	assert.Equal(t, msg.ID, stored.Messages[0].ID)
}

func TestRoomService_UpdateProgress(t *testing.T) {
	svc, _ := newRoomService(t)
	ctx := context.Background()
	room, err := svc.CreateRoom(ctx, "1", domain.DefaultSettings())
	require.NoError(t, err)
	joinAs(t, svc, room.Code, "1")

	require.NoError(t, svc.UpdateProgress(ctx, room.Code, "1", service.Progress{Progress: 40, WPM: 70, Accuracy: 97.5}))

	assert.ErrorIs(t, svc.UpdateProgress(ctx, room.Code, "1", service.Progress{Progress: 101}), service.ErrInvalidInput)
	assert.ErrorIs(t, svc.UpdateProgress(ctx, room.Code, "1", service.Progress{WPM: -1}), service.ErrInvalidInput)
	assert.ErrorIs(t, svc.UpdateProgress(ctx, room.Code, "2", service.Progress{Progress: 1}), service.ErrNotMember)

	m, err := svc.Member(ctx, room.Code, "1")
	require.NoError(t, err)
	assert.Equal(t, 40, m.Progress)
	assert.Equal(t, 70, m.WPM)
	assert.Equal(t, 97.5, m.Accuracy)
}

func TestRoomService_ToggleReady(t *testing.T) {
	svc, _ := newRoomService(t)
	ctx := context.Background()
	room, err := svc.CreateRoom(ctx, "1", domain.DefaultSettings())
	require.NoError(t, err)
	joinAs(t, svc, room.Code, "1")

	change, err := svc.ToggleReady(ctx, room.Code, "1")
	require.NoError(t, err)
	assert.True(t, change.Ready)
	assert.True(t, change.Room.Members["1"].Ready)

	change, err = svc.ToggleReady(ctx, room.Code, "1")
	require.NoError(t, err)
	assert.False(t, change.Ready)

	_, err = svc.ToggleReady(ctx, room.Code, "2")
	assert.ErrorIs(t, err, service.ErrNotMember)
}

func TestRoomService_ToggleReady_OnlyInLobby(t *testing.T) {
	svc, _ := newRoomService(t)
	ctx := context.Background()
	room, err := svc.CreateRoom(ctx, "1", domain.DefaultSettings())
	require.NoError(t, err)
	joinAs(t, svc, room.Code, "1")

	started, err := svc.StartRace(ctx, room.Code, []string{"w"}, time.Now())
	require.NoError(t, err)
	require.True(t, started)

	_, err = svc.ToggleReady(ctx, room.Code, "1")
	assert.ErrorIs(t, err, service.ErrRaceInProgress)

	m, err := svc.Member(ctx, room.Code, "1")
	require.NoError(t, err)
	assert.False(t, m.Ready)
}

func TestRoomService_SweepAbandoned(t *testing.T) {
	svc, mr := newRoomService(t)
	ctx := context.Background()
	empty, err := svc.CreateRoom(ctx, "1", domain.DefaultSettings())
	require.NoError(t, err)
	busy, err := svc.CreateRoom(ctx, "2", domain.DefaultSettings())
	require.NoError(t, err)
	joinAs(t, svc, busy.Code, "2")
	require.NoError(t, mr.Set("test:user_room:99", "GONE00"))

	time.Sleep(5 * time.Millisecond)
	result, err := svc.SweepAbandoned(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.RoomsDeleted)
	assert.Equal(t, 1, result.IndexesPruned)

	exists, err := svc.RoomExists(ctx, empty.Code)
	require.NoError(t, err)
	assert.False(t, exists)
	exists, err = svc.RoomExists(ctx, busy.Code)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRoomService_SweepAbandoned_RespectsGrace(t *testing.T) {
	svc, _ := newRoomService(t)
	ctx := context.Background()
	room, err := svc.CreateRoom(ctx, "1", domain.DefaultSettings())
	require.NoError(t, err)

	result, err := svc.SweepAbandoned(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, result.RoomsDeleted)

	exists, err := svc.RoomExists(ctx, room.Code)
	require.NoError(t, err)
	assert.True(t, exists)
}
