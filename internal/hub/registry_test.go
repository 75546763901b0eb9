package hub

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn 记录收到的消息和关闭调用
type fakeConn struct {
	mu       sync.Mutex
	fail     bool
	received [][]byte
	closed   bool
	code     int
}

func (c *fakeConn) Send(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail || c.closed {
		return false
	}
	c.received = append(c.received, payload)
	return true
}

func (c *fakeConn) Close(code int, _ string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.code = code
	}
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) messages() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.received...)
}

func TestRegistry_RegisterReturnsPrevious(t *testing.T) {
	r := NewRegistry()
	first, second := &fakeConn{}, &fakeConn{}

	assert.Nil(t, r.Register("u1", first))
	assert.Equal(t, Conn(first), r.Register("u1", second))

	got, ok := r.Lookup("u1")
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_UnregisterIsOwnerChecked(t *testing.T) {
	r := NewRegistry()
	old, current := &fakeConn{}, &fakeConn{}
	r.Register("u1", old)
	r.Register("u1", current)

	assert.False(t, r.Unregister("u1", old), "replaced connection must not remove the new one")
	_, ok := r.Lookup("u1")
	assert.True(t, ok)

	assert.True(t, r.Unregister("u1", current))
	_, ok = r.Lookup("u1")
	assert.False(t, ok)

	assert.False(t, r.Unregister("u1", current))
}

func TestRegistry_CloseAll(t *testing.T) {
	r := NewRegistry()
	a, b := &fakeConn{}, &fakeConn{}
	r.Register("a", a)
	r.Register("b", b)

	r.CloseAll(1001, "bye")

	assert.True(t, a.isClosed())
	assert.True(t, b.isClosed())
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := &fakeConn{}
			id := string(rune('a' + i%5))
			r.Register(id, c)
			r.Lookup(id)
			r.Unregister(id, c)
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, r.Len(), 5)
}

func TestMemberLocks_SerializeSameUser(t *testing.T) {
	l := newMemberLocks()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock("1")
			defer unlock()
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()

			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
	assert.Zero(t, l.len(), "released locks are removed")
}

func TestMemberLocks_DifferentUsersDoNotBlock(t *testing.T) {
	l := newMemberLocks()
	unlockA := l.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := l.Lock("b")
		unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock for another user blocked")
	}
}
