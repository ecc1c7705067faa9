package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"PPChat/service/natsx"
	"PPChat/service/storage"
	"PPChat/tools/errs"
	"PPChat/tools/security"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// token 即 actorId；"bad" 视为非法
type fakeAuth struct{}

func (fakeAuth) Verify(token string) (*security.Identity, error) {
	if token == "bad" {
		return nil, errs.ErrUnauthenticated.WrapMsg("invalid token")
	}
	return &security.Identity{ActorID: token, ExpireAt: time.Now().Add(time.Hour)}, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Add(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestHub(t *testing.T, conf HubConf) (*Hub, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	if conf.Clock == nil {
		conf.Clock = clk.Now
	}
	if conf.NodeID == "" {
		conf.NodeID = "gw-test"
	}
	return NewHub(conf, NewRegistry(4), fakeAuth{}), clk
}

func authed(t *testing.T, h *Hub, actor string) *Conn {
	t.Helper()
	c := h.OnConnect("127.0.0.1")
	_, err := h.Authenticate(context.Background(), c.ID, actor)
	require.NoError(t, err)
	return c
}

func next(t *testing.T, c *Conn) *Frame {
	t.Helper()
	select {
	case b := <-c.Send():
		f, err := ParseFrame(b)
		require.NoError(t, err)
		return f
	default:
		t.Fatalf("conn %s: no frame queued", c.ID)
		return nil
	}
}

func assertEmpty(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case b := <-c.Send():
		t.Fatalf("conn %s: unexpected frame %s", c.ID, b)
	default:
	}
}

func TestBroadcastExcludesSender(t *testing.T) {
	h, _ := newTestHub(t, HubConf{})
	ctx := context.Background()
	c1 := authed(t, h, "alice")
	c2 := authed(t, h, "bob")
	require.NoError(t, h.Join(ctx, c1.ID, "thread:42"))
	require.NoError(t, h.Join(ctx, c2.ID, "thread:42"))

	ev, err := EventFrame(TypeMessageNew, "thread:42", map[string]string{"body": "hi"})
	require.NoError(t, err)
	n := h.Broadcast(ctx, "thread:42", ev, c1.ID)
	assert.Equal(t, 1, n)

	f := next(t, c2)
	assert.Equal(t, TypeMessageNew, f.Type)
	assert.Equal(t, "thread:42", f.Room)
	assertEmpty(t, c1)
	assertEmpty(t, c2)
}

func TestAuthJoinsUserRoom(t *testing.T) {
	h, _ := newTestHub(t, HubConf{})
	c := authed(t, h, "alice")
	assert.Equal(t, StateAuthenticated, c.State())
	assert.Equal(t, []string{"user:alice"}, c.Rooms())

	// 同一身份重复握手幂等
	_, err := h.Authenticate(context.Background(), c.ID, "alice")
	require.NoError(t, err)
	// 换身份拒绝
	_, err = h.Authenticate(context.Background(), c.ID, "mallory")
	assert.True(t, errs.ErrForbidden.Is(err))
	assert.Equal(t, "alice", c.ActorID())
}

func TestHandshakeRequired(t *testing.T) {
	h, _ := newTestHub(t, HubConf{})
	ctx := context.Background()
	c := h.OnConnect("")

	err := h.Join(ctx, c.ID, "thread:1")
	assert.True(t, errs.ErrUnauthenticated.Is(err))
	assert.Empty(t, h.Registry().Members("thread:1"))

	_, err = h.Authenticate(ctx, c.ID, "bad")
	assert.True(t, errs.ErrUnauthenticated.Is(err))
	assert.Equal(t, StateConnecting, c.State())

	_, err = h.Authenticate(ctx, c.ID, "")
	assert.True(t, errs.ErrUnauthenticated.Is(err))
}

func TestJoinAuthorization(t *testing.T) {
	h, _ := newTestHub(t, HubConf{})
	ctx := context.Background()
	c := authed(t, h, "alice")

	assert.True(t, errs.ErrForbidden.Is(h.Join(ctx, c.ID, "user:bob")))
	assert.True(t, errs.ErrValidation.Is(h.Join(ctx, c.ID, "lobby")))
	assert.True(t, errs.ErrValidation.Is(h.Join(ctx, c.ID, "thread:")))
	require.NoError(t, h.Join(ctx, c.ID, "thread:7"))
	require.NoError(t, h.Join(ctx, c.ID, "thread:7"))
	assert.Equal(t, 1, h.Registry().RoomSize("thread:7"))

	require.NoError(t, h.Leave(c.ID, "thread:7"))
	require.NoError(t, h.Leave(c.ID, "thread:7"))
	assert.Equal(t, 0, h.Registry().RoomSize("thread:7"))
}

func TestDisconnectRemovesMemberships(t *testing.T) {
	h, _ := newTestHub(t, HubConf{})
	ctx := context.Background()
	c1 := authed(t, h, "alice")
	c2 := authed(t, h, "bob")
	for _, r := range []string{"thread:1", "thread:2"} {
		require.NoError(t, h.Join(ctx, c1.ID, r))
		require.NoError(t, h.Join(ctx, c2.ID, r))
	}
	closed := 0
	c1.SetCloser(func() { closed++ })

	h.OnDisconnect(c1.ID)
	assert.Equal(t, StateDisconnected, c1.State())
	assert.Empty(t, c1.Rooms())
	for _, r := range []string{"thread:1", "thread:2", "user:alice"} {
		for _, m := range h.Registry().Members(r) {
			assert.NotEqual(t, c1.ID, m.ID, r)
		}
	}
	assert.Nil(t, h.Conn(c1.ID))
	assert.Empty(t, h.Registry().ByActor("alice"))

	assert.Equal(t, 1, h.Broadcast(ctx, "thread:1", []byte(`{"type":"x"}`), ""))
	assertEmpty(t, c1)
	assert.False(t, c1.Enqueue([]byte("late")))

	// 终态：重复断开无副作用，之后的操作失败
	h.OnDisconnect(c1.ID)
	assert.Equal(t, 1, closed)
	assert.True(t, errs.ErrNotFound.Is(h.Join(ctx, c1.ID, "thread:3")))
	assert.True(t, errs.ErrConnectionLost.Is(h.join(c1, "thread:3")))
	_, err := h.Authenticate(ctx, c1.ID, "alice")
	assert.Error(t, err)
}

func TestBroadcastExactlyOnceUnderChurn(t *testing.T) {
	h, _ := newTestHub(t, HubConf{SendQueue: 512})
	ctx := context.Background()
	const room = "thread:churn"
	const events = 100

	stable := make([]*Conn, 20)
	for i := range stable {
		stable[i] = authed(t, h, fmt.Sprintf("s%d", i))
		require.NoError(t, h.Join(ctx, stable[i].ID, room))
	}
	churn := make([]*Conn, 20)
	for i := range churn {
		churn[i] = authed(t, h, fmt.Sprintf("c%d", i))
	}

	var wg sync.WaitGroup
	for _, c := range churn {
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = h.Join(ctx, c.ID, room)
				_ = h.Leave(c.ID, room)
			}
			h.OnDisconnect(c.ID)
		}(c)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < events; j++ {
			h.Broadcast(ctx, room, []byte(`{"type":"tick"}`), "")
		}
	}()
	wg.Wait()

	for _, c := range stable {
		assert.Len(t, c.Send(), events, c.ID)
		assert.Zero(t, c.Dropped())
	}
	assert.Equal(t, len(stable), h.Registry().RoomSize(room))
}

func TestSlowConsumerDropsInsteadOfBlocking(t *testing.T) {
	h, _ := newTestHub(t, HubConf{SendQueue: 1})
	ctx := context.Background()
	slow := authed(t, h, "slow")
	fast := authed(t, h, "fast")
	require.NoError(t, h.Join(ctx, slow.ID, "thread:1"))
	require.NoError(t, h.Join(ctx, fast.ID, "thread:1"))

	assert.Equal(t, 2, h.Broadcast(ctx, "thread:1", []byte(`{"type":"a"}`), ""))
	<-fast.Send()
	assert.Equal(t, 1, h.Broadcast(ctx, "thread:1", []byte(`{"type":"b"}`), ""))
	assert.EqualValues(t, 1, slow.Dropped())
	assert.EqualValues(t, 0, fast.Dropped())
}

func TestMaxPerUserEvictsOldest(t *testing.T) {
	h, clk := newTestHub(t, HubConf{MaxPerUser: 2, EvictOldest: true})
	first := authed(t, h, "alice")
	clk.Add(time.Second)
	second := authed(t, h, "alice")
	clk.Add(time.Second)
	third := authed(t, h, "alice")

	assert.Equal(t, StateDisconnected, first.State())
	assert.Equal(t, TypeEvicted, next(t, first).Type)
	assert.Equal(t, StateAuthenticated, second.State())
	assert.Equal(t, StateAuthenticated, third.State())
	assert.Len(t, h.Registry().ByActor("alice"), 2)
}

func TestMaxPerUserRejects(t *testing.T) {
	h, _ := newTestHub(t, HubConf{MaxPerUser: 1})
	first := authed(t, h, "alice")
	c := h.OnConnect("")
	_, err := h.Authenticate(context.Background(), c.ID, "alice")
	assert.True(t, errs.ErrForbidden.Is(err))
	assert.Equal(t, StateConnecting, c.State())
	assert.Equal(t, StateAuthenticated, first.State())
}

func TestMaxPerUserHoldsUnderConcurrentHandshakes(t *testing.T) {
	h, _ := newTestHub(t, HubConf{MaxPerUser: 2})
	conns := make([]*Conn, 16)
	for i := range conns {
		conns[i] = h.OnConnect("")
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	start := make(chan struct{})
	for _, c := range conns {
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			<-start
			if _, err := h.Authenticate(context.Background(), c.ID, "alice"); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}(c)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 2, admitted)
	assert.Len(t, h.Registry().ByActor("alice"), 2)
}

func TestSweepUnauth(t *testing.T) {
	h, clk := newTestHub(t, HubConf{UnauthTTL: 30 * time.Second})
	idle := h.OnConnect("")
	ok := authed(t, h, "alice")

	assert.Empty(t, h.SweepUnauth(clk.Now().Add(29*time.Second)))
	swept := h.SweepUnauth(clk.Now().Add(30 * time.Second))
	assert.Equal(t, []string{idle.ID}, swept)
	assert.Equal(t, StateDisconnected, idle.State())
	assert.Equal(t, StateAuthenticated, ok.State())
}

type echoHandler struct{ public bool }

func (e echoHandler) Type() string {
	if e.public {
		return "echo_public"
	}
	return "echo"
}
func (e echoHandler) Public() bool { return e.public }
func (echoHandler) Handle(_ context.Context, _ *Context, f *Frame) (any, error) {
	if string(f.Data) == `"panic"` {
		panic("boom")
	}
	return json.RawMessage(f.Data), nil
}

func TestHandleFrame(t *testing.T) {
	h, _ := newTestHub(t, HubConf{})
	h.Dispatcher().Register(echoHandler{}, echoHandler{public: true})
	ctx := context.Background()
	c := h.OnConnect("")

	errBody := func(f *Frame) ErrorBody {
		var b ErrorBody
		require.NoError(t, json.Unmarshal(f.Data, &b))
		return b
	}

	h.HandleFrame(ctx, c, []byte(`{"type":"echo","id":"1","data":"x"}`))
	f := next(t, c)
	assert.Equal(t, TypeError, f.Type)
	assert.Equal(t, "1", f.Ref)
	assert.Equal(t, "unauthenticated", errBody(f).Code)

	h.HandleFrame(ctx, c, []byte(`{"type":"echo_public","id":"2","data":"x"}`))
	f = next(t, c)
	assert.Equal(t, TypeAck, f.Type)
	assert.JSONEq(t, `"x"`, string(f.Data))

	h.HandleFrame(ctx, c, []byte(`not json`))
	assert.Equal(t, "validation_error", errBody(next(t, c)).Code)

	h.HandleFrame(ctx, c, []byte(`{"type":"nope","id":"3"}`))
	assert.Equal(t, "validation_error", errBody(next(t, c)).Code)

	_, err := h.Authenticate(ctx, c.ID, "alice")
	require.NoError(t, err)
	h.HandleFrame(ctx, c, []byte(`{"type":"echo","id":"4","data":"y"}`))
	assert.Equal(t, TypeAck, next(t, c).Type)

	// 无 id 不回 ack
	h.HandleFrame(ctx, c, []byte(`{"type":"echo","data":"y"}`))
	assertEmpty(t, c)

	h.HandleFrame(ctx, c, []byte(`{"type":"echo","id":"5","data":"panic"}`))
	f = next(t, c)
	assert.Equal(t, "internal_error", errBody(f).Code)
	assert.Equal(t, StateAuthenticated, c.State())
}

func TestErrorFrameRetryAfter(t *testing.T) {
	b := ErrorFrame("r1", errs.ErrAdmissionDenied.WithRetryAfter(1500*time.Millisecond, "slow down"))
	f, err := ParseFrame(b)
	require.NoError(t, err)
	var body ErrorBody
	require.NoError(t, json.Unmarshal(f.Data, &body))
	assert.Equal(t, "rate_limited", body.Code)
	assert.EqualValues(t, 1500, body.RetryAfterMs)
	assert.Equal(t, "slow down", body.Message)

	back := body.AsError()
	assert.True(t, errs.ErrAdmissionDenied.Is(back))
	d, ok := errs.RetryAfterOf(back)
	assert.True(t, ok)
	assert.Equal(t, 1500*time.Millisecond, d)

	// 5xx 不外泄 detail
	b = ErrorFrame("", errs.ErrStoreUnavailable.WrapMsg("redis 10.0.0.3:6379 refused"))
	f, _ = ParseFrame(b)
	require.NoError(t, json.Unmarshal(f.Data, &body))
	assert.Equal(t, "store_unavailable", body.Code)
	assert.NotContains(t, body.Message, "10.0.0.3")
}

// memBus 进程内总线，同步回调全部订阅者
type memBus struct {
	mu   sync.Mutex
	subs []natsx.NatsxHandler
	sent []natsx.NatsxMessage
}

func (b *memBus) PublishOnce(ctx context.Context, subject string, data []byte, hdr map[string]string, msgID string) error {
	h := map[string]string{natsx.HeaderMsgID: msgID}
	for k, v := range hdr {
		h[k] = v
	}
	msg := natsx.NatsxMessage{Subject: subject, Data: data, Header: h}
	b.mu.Lock()
	b.sent = append(b.sent, msg)
	b.mu.Unlock()
	b.deliver(ctx, msg)
	return nil
}

// redeliver 模拟总线重投最后一条消息
func (b *memBus) redeliver(ctx context.Context) {
	b.mu.Lock()
	msg := b.sent[len(b.sent)-1]
	b.mu.Unlock()
	b.deliver(ctx, msg)
}

func (b *memBus) deliver(ctx context.Context, msg natsx.NatsxMessage) {
	b.mu.Lock()
	subs := append([]natsx.NatsxHandler(nil), b.subs...)
	b.mu.Unlock()
	for _, s := range subs {
		_ = s(ctx, msg)
	}
}

func (b *memBus) Subscribe(_, _ string, h natsx.NatsxHandler, mws ...natsx.NatsxMiddleware) error {
	b.mu.Lock()
	b.subs = append(b.subs, natsx.NatsxChain(h, mws...))
	b.mu.Unlock()
	return nil
}

func TestBridgeRelaysAcrossNodes(t *testing.T) {
	bus := &memBus{}
	ctx := context.Background()
	a, _ := newTestHub(t, HubConf{NodeID: "gw-a"})
	b, _ := newTestHub(t, HubConf{NodeID: "gw-b"})
	idem := storage.NewMemIdem(time.Minute, nil)
	require.NoError(t, NewBridge(a, bus, "chat.room", idem, time.Minute).Start())
	require.NoError(t, NewBridge(b, bus, "chat.room", idem, time.Minute).Start())

	c1 := authed(t, a, "alice")
	c2 := authed(t, b, "bob")
	c3 := authed(t, a, "carol")
	for _, p := range []struct {
		h *Hub
		c *Conn
	}{{a, c1}, {b, c2}, {a, c3}} {
		require.NoError(t, p.h.Join(ctx, p.c.ID, "thread:42"))
	}

	ev, _ := EventFrame(TypeMessageNew, "thread:42", map[string]string{"body": "hi"})
	a.Broadcast(ctx, "thread:42", ev, c1.ID)

	assert.Equal(t, TypeMessageNew, next(t, c2).Type)
	assert.Equal(t, TypeMessageNew, next(t, c3).Type)
	// 源节点不会从总线上重复收到
	assertEmpty(t, c1)
	assertEmpty(t, c3)
	assertEmpty(t, c2)
}

func TestBridgeSharedRedisIdemReachesEveryNode(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	shared := storage.NewRedisIdem(rdb, "ppchat")

	bus := &memBus{}
	ctx := context.Background()
	hubs := make([]*Hub, 3)
	conns := make([]*Conn, 3)
	for i, node := range []string{"gw-a", "gw-b", "gw-c"} {
		hubs[i], _ = newTestHub(t, HubConf{NodeID: node})
		require.NoError(t, NewBridge(hubs[i], bus, "chat.room", shared, time.Minute).Start())
		conns[i] = authed(t, hubs[i], fmt.Sprintf("actor-%d", i))
		require.NoError(t, hubs[i].Join(ctx, conns[i].ID, "thread:42"))
	}

	ev, _ := EventFrame(TypeMessageNew, "thread:42", map[string]string{"body": "hi"})
	hubs[0].Broadcast(ctx, "thread:42", ev, conns[0].ID)
	assert.Equal(t, TypeMessageNew, next(t, conns[1]).Type)
	assert.Equal(t, TypeMessageNew, next(t, conns[2]).Type)

	// 同一 msgID 重投，每个节点仍只投递一次
	bus.redeliver(ctx)
	for _, c := range conns {
		assertEmpty(t, c)
	}
}

func TestSubjectToken(t *testing.T) {
	br := NewBridge(nil, nil, "", nil, 0)
	assert.Equal(t, "chat.room.thread:a_b_c", br.Subject("thread:a.b*c"))
}
