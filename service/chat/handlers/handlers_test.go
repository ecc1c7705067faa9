package handlers

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"PPChat/module/message"
	"PPChat/service/chat"
	"PPChat/service/ratelimit"
	"PPChat/service/storage"
	"PPChat/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("test-secret-0123456789")

type env struct {
	url   string
	hub   *chat.Hub
	store *message.MemStore
}

func setup(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	verifier, err := security.NewVerifier(security.DefaultOptions(secret))
	require.NoError(t, err)
	hub := chat.NewHub(chat.HubConf{NodeID: "gw-1"}, chat.NewRegistry(8), verifier)

	lim := ratelimit.New(ratelimit.NewMemoryStore(), ratelimit.Options{Policies: map[ratelimit.Kind]ratelimit.Policy{
		ratelimit.KindSendMessage:  {Limit: 3, Window: time.Minute, Block: 30 * time.Second},
		ratelimit.KindJoinRoom:     {Limit: 20, Window: time.Minute, Block: time.Minute},
		ratelimit.KindTypingUpdate: {Limit: 20, Window: 10 * time.Second, Block: 10 * time.Second},
		ratelimit.KindReact:        {Limit: 20, Window: time.Minute, Block: 30 * time.Second},
	}})
	cipher, err := security.NewCipher(security.MinIterations)
	require.NoError(t, err)
	store := message.NewMemStore()
	msgs := message.NewService(cipher, storage.NewMemKeyRing(), message.StoreSink{Store: store}, store)
	Register(hub, Deps{Limiter: lim, Messages: msgs, Idem: storage.NewMemIdem(time.Hour, nil)})

	r := gin.New()
	chat.NewServer(hub, chat.ServerConf{WSPath: "/chat"}).Register(r)
	ts := httptest.NewServer(r)
	t.Cleanup(func() {
		hub.Stop()
		ts.Close()
	})
	return &env{url: "ws" + strings.TrimPrefix(ts.URL, "http") + "/chat", hub: hub, store: store}
}

func token(t *testing.T, actor string) string {
	t.Helper()
	tok, _, err := security.Generate(security.DefaultOptions(secret), actor, nil)
	require.NoError(t, err)
	return tok
}

type client struct {
	t  *testing.T
	ws *websocket.Conn
}

func (e *env) dial(t *testing.T, tok string) *client {
	t.Helper()
	u := e.url
	if tok != "" {
		u += "?token=" + tok
	}
	ws, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return &client{t: t, ws: ws}
}

func (c *client) send(typ, id, room string, data any) {
	c.t.Helper()
	f := chat.Frame{Type: typ, ID: id, Room: room}
	if data != nil {
		b, err := json.Marshal(data)
		require.NoError(c.t, err)
		f.Data = b
	}
	require.NoError(c.t, c.ws.WriteJSON(f))
}

func (c *client) read() *chat.Frame {
	c.t.Helper()
	_ = c.ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, b, err := c.ws.ReadMessage()
	require.NoError(c.t, err)
	f, err := chat.ParseFrame(b)
	require.NoError(c.t, err)
	return f
}

// silent 在 d 内没有收到任何帧
func (c *client) silent(d time.Duration) {
	c.t.Helper()
	_ = c.ws.SetReadDeadline(time.Now().Add(d))
	_, b, err := c.ws.ReadMessage()
	require.Error(c.t, err, "unexpected frame %s", b)
}

func (c *client) ack(ref string, out any) {
	c.t.Helper()
	f := c.read()
	require.Equal(c.t, chat.TypeAck, f.Type, "frame: %s", f.Data)
	require.Equal(c.t, ref, f.Ref)
	if out != nil {
		require.NoError(c.t, json.Unmarshal(f.Data, out))
	}
}

func (c *client) fail(ref string) chat.ErrorBody {
	c.t.Helper()
	f := c.read()
	require.Equal(c.t, chat.TypeError, f.Type, "frame: %s", f.Data)
	require.Equal(c.t, ref, f.Ref)
	var b chat.ErrorBody
	require.NoError(c.t, json.Unmarshal(f.Data, &b))
	return b
}

func TestSendMessageReachesPeerWithoutEcho(t *testing.T) {
	e := setup(t)
	c1 := e.dial(t, token(t, "alice"))
	c2 := e.dial(t, token(t, "bob"))

	c1.send(chat.TypeJoinRoom, "j1", "thread:42", nil)
	c1.ack("j1", nil)
	c2.send(chat.TypeJoinRoom, "j2", "", map[string]string{"room": "thread:42"})
	c2.ack("j2", nil)

	c1.send(chat.TypeSendMessage, "s1", "", map[string]string{"threadId": "42", "clientMsgId": "cm-1", "body": "hello"})
	var ack SendAck
	c1.ack("s1", &ack)
	assert.NotEmpty(t, ack.MessageID)
	assert.Equal(t, "42", ack.ThreadID)
	assert.False(t, ack.Duplicate)

	f := c2.read()
	assert.Equal(t, chat.TypeMessageNew, f.Type)
	assert.Equal(t, "thread:42", f.Room)
	var m message.Plain
	require.NoError(t, json.Unmarshal(f.Data, &m))
	assert.Equal(t, "hello", m.Body)
	assert.Equal(t, "alice", m.SenderID)
	assert.Equal(t, ack.MessageID, m.ID)

	c1.silent(200 * time.Millisecond)

	// 落库的是密文
	recs, err := e.store.Recent(context.Background(), "42", 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.NotContains(t, string(recs[0].Payload.Ciphertext), "hello")
}

func TestHandshakeGating(t *testing.T) {
	e := setup(t)
	c := e.dial(t, "")

	c.send(chat.TypeJoinRoom, "j1", "thread:1", nil)
	assert.Equal(t, "unauthenticated", c.fail("j1").Code)
	c.send(chat.TypeSendMessage, "s1", "", map[string]string{"threadId": "1", "body": "x"})
	assert.Equal(t, "unauthenticated", c.fail("s1").Code)

	c.send(chat.TypePing, "p1", "", nil)
	c.ack("p1", nil)

	c.send(chat.TypeAuth, "a1", "", map[string]string{"token": "garbage"})
	assert.Equal(t, "unauthenticated", c.fail("a1").Code)

	c.send(chat.TypeAuth, "a2", "", map[string]string{"token": token(t, "carol")})
	var ack AuthAck
	c.ack("a2", &ack)
	assert.Equal(t, "carol", ack.ActorID)
	assert.Equal(t, "gw-1", ack.NodeID)

	c.send(chat.TypeJoinRoom, "j2", "thread:1", nil)
	c.ack("j2", nil)
}

func TestBadTokenOnConnectIsRejected(t *testing.T) {
	e := setup(t)
	c := e.dial(t, "not-a-jwt")
	f := c.read()
	assert.Equal(t, chat.TypeError, f.Type)
	_ = c.ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := c.ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "err=%v", err)
}

func TestSendMessageRateLimited(t *testing.T) {
	e := setup(t)
	c := e.dial(t, token(t, "alice"))
	for i := 1; i <= 3; i++ {
		id := "s" + strconv.Itoa(i)
		c.send(chat.TypeSendMessage, id, "thread:9", map[string]string{"body": "m" + strconv.Itoa(i)})
		c.ack(id, nil)
	}
	c.send(chat.TypeSendMessage, "s4", "thread:9", map[string]string{"body": "m4"})
	body := c.fail("s4")
	assert.Equal(t, "rate_limited", body.Code)
	// 窗口剩余 ≈60s + 封禁 30s
	assert.InDelta(t, 90_000, body.RetryAfterMs, 5_000)

	// 被拒的消息不落库
	recs, _ := e.store.Recent(context.Background(), "9", 10)
	assert.Len(t, recs, 3)
}

func TestSendMessageIdempotentReplay(t *testing.T) {
	e := setup(t)
	c := e.dial(t, token(t, "alice"))
	payload := map[string]string{"threadId": "5", "clientMsgId": "cm-7", "body": "once"}

	c.send(chat.TypeSendMessage, "s1", "", payload)
	var first SendAck
	c.ack("s1", &first)
	c.send(chat.TypeSendMessage, "s2", "", payload)
	var second SendAck
	c.ack("s2", &second)
	assert.True(t, second.Duplicate)
	assert.Equal(t, "cm-7", second.ClientMsgID)

	c.send(chat.TypeHistory, "h1", "", map[string]any{"threadId": "5", "limit": 10})
	var hist HistoryAck
	c.ack("h1", &hist)
	require.Len(t, hist.Messages, 1)
	assert.Equal(t, "once", hist.Messages[0].Body)
	assert.Equal(t, first.MessageID, hist.Messages[0].ID)
}

func TestReplayDoesNotSpendSendBudget(t *testing.T) {
	e := setup(t)
	c := e.dial(t, token(t, "alice"))
	msg := func(cid string) map[string]string {
		return map[string]string{"threadId": "6", "clientMsgId": cid, "body": cid}
	}

	c.send(chat.TypeSendMessage, "s1", "", msg("cm-1"))
	c.ack("s1", nil)
	// 限额 3：重放多次仍是重复 ack，不计数
	for i := 0; i < 4; i++ {
		id := "r" + strconv.Itoa(i)
		c.send(chat.TypeSendMessage, id, "", msg("cm-1"))
		var dup SendAck
		c.ack(id, &dup)
		assert.True(t, dup.Duplicate)
	}
	c.send(chat.TypeSendMessage, "s2", "", msg("cm-2"))
	c.ack("s2", nil)
	c.send(chat.TypeSendMessage, "s3", "", msg("cm-3"))
	c.ack("s3", nil)

	c.send(chat.TypeSendMessage, "s4", "", msg("cm-4"))
	assert.Equal(t, "rate_limited", c.fail("s4").Code)
	// 被拒的消息没有留下占位，重发仍按新消息处理
	c.send(chat.TypeSendMessage, "s5", "", msg("cm-4"))
	assert.Equal(t, "rate_limited", c.fail("s5").Code)

	recs, _ := e.store.Recent(context.Background(), "6", 10)
	assert.Len(t, recs, 3)
}

func TestValidationIsolatedPerConnection(t *testing.T) {
	e := setup(t)
	c1 := e.dial(t, token(t, "alice"))
	c2 := e.dial(t, token(t, "bob"))

	c1.send(chat.TypeSendMessage, "s1", "", map[string]string{"body": "no thread"})
	assert.Equal(t, "validation_error", c1.fail("s1").Code)
	require.NoError(t, c1.ws.WriteMessage(websocket.TextMessage, []byte("{oops")))
	assert.Equal(t, "validation_error", c1.fail("").Code)
	c1.send(chat.TypeJoinRoom, "j1", "user:bob", nil)
	assert.Equal(t, "forbidden", c1.fail("j1").Code)

	c2.send(chat.TypePing, "p", "", nil)
	c2.ack("p", nil)
	c1.send(chat.TypePing, "p", "", nil)
	c1.ack("p", nil)
}

func TestTypingReactDelivered(t *testing.T) {
	e := setup(t)
	c1 := e.dial(t, token(t, "alice"))
	c2 := e.dial(t, token(t, "bob"))

	c1.send(chat.TypeTyping, "t0", "thread:3", map[string]bool{"typing": true})
	assert.Equal(t, "forbidden", c1.fail("t0").Code)

	for i, c := range []*client{c1, c2} {
		id := "j" + strconv.Itoa(i)
		c.send(chat.TypeJoinRoom, id, "thread:3", nil)
		c.ack(id, nil)
	}

	c1.send(chat.TypeTyping, "", "thread:3", map[string]bool{"typing": true})
	f := c2.read()
	assert.Equal(t, chat.TypeTyping, f.Type)
	assert.JSONEq(t, `{"room":"thread:3","actorId":"alice","typing":true}`, string(f.Data))

	c2.send(chat.TypeReact, "r1", "thread:3", map[string]string{"messageId": "m-1", "emoji": "👍"})
	c2.ack("r1", nil)
	f = c1.read()
	assert.Equal(t, chat.TypeReact, f.Type)
	assert.JSONEq(t, `{"threadId":"3","messageId":"m-1","actorId":"bob","emoji":"👍"}`, string(f.Data))

	c2.send(chat.TypeDelivered, "", "", map[string]string{"threadId": "3", "messageId": "m-1"})
	f = c1.read()
	assert.Equal(t, chat.TypeDelivered, f.Type)

	c2.send(chat.TypeReact, "r2", "thread:3", map[string]string{"messageId": "m-1", "emoji": " "})
	assert.Equal(t, "validation_error", c2.fail("r2").Code)
	c1.silent(100 * time.Millisecond)
}

func TestDisconnectCleansRooms(t *testing.T) {
	e := setup(t)
	c1 := e.dial(t, token(t, "alice"))
	c2 := e.dial(t, token(t, "bob"))
	for i, c := range []*client{c1, c2} {
		id := "j" + strconv.Itoa(i)
		c.send(chat.TypeJoinRoom, id, "thread:8", nil)
		c.ack(id, nil)
	}
	reg := e.hub.Registry()
	assert.Equal(t, 2, reg.RoomSize("thread:8"))

	_ = c2.ws.Close()
	assert.Eventually(t, func() bool { return reg.RoomSize("thread:8") == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return len(reg.ByActor("bob")) == 0 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, reg.Len())
}
