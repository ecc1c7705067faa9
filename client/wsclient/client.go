package wsclient

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"PPChat/client/offline"
	"PPChat/logger"
	"PPChat/service/chat"
	"PPChat/tools/errs"
	"PPChat/tools/ids"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type Config struct {
	URL          string
	Token        string
	AckTimeout   time.Duration // 超时视为连接丢失
	WriteWait    time.Duration
	PingInterval time.Duration
	PongWait     time.Duration
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
	EventBuffer  int
	Dialer       *websocket.Dialer
	OnState      func(online bool) // 连通性变化，通常接 offline.Syncer.SetOnline
}

func (c *Config) norm() {
	if c.AckTimeout <= 0 {
		c.AckTimeout = 10 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 5 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.PongWait <= c.PingInterval {
		c.PongWait = 3 * c.PingInterval
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = 200 * time.Millisecond
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = 30 * time.Second
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
}

type result struct {
	data json.RawMessage
	err  error
}

// session 一条物理连接；断开后整体丢弃，重连建新的
type session struct {
	ws      *websocket.Conn
	out     chan []byte
	done    chan struct{}
	once    sync.Once
	evicted atomic.Bool

	mu      sync.Mutex
	pending map[string]chan result
}

func (s *session) close() {
	s.once.Do(func() { close(s.done) })
}

func (s *session) register(id string) chan result {
	ch := make(chan result, 1)
	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()
	return ch
}

func (s *session) resolve(id string, r result) {
	s.mu.Lock()
	ch, ok := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()
	if ok {
		ch <- r
	}
}

func (s *session) forget(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// Client 聊天 websocket 客户端：请求按 id/ref 配对回执，断线自动重连。
type Client struct {
	conf   Config
	events chan chat.Frame

	mu   sync.RWMutex
	sess *session

	online atomic.Bool
	actor  atomic.Value // string
}

func New(conf Config) *Client {
	conf.norm()
	return &Client{conf: conf, events: make(chan chat.Frame, conf.EventBuffer)}
}

// Events 服务端推送（message:new、typing:update 等）；缓冲满时丢弃
func (c *Client) Events() <-chan chat.Frame { return c.events }

func (c *Client) Online() bool { return c.online.Load() }

func (c *Client) ActorID() string {
	s, _ := c.actor.Load().(string)
	return s
}

func (c *Client) current() *session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sess
}

// Connect 建立一条连接并完成 auth 握手
func (c *Client) Connect(ctx context.Context) error {
	ws, _, err := c.conf.Dialer.DialContext(ctx, c.conf.URL, nil)
	if err != nil {
		return errs.ErrConnectionLost.WrapMsg("dial", "url", c.conf.URL, "err", err)
	}
	s := &session{
		ws:      ws,
		out:     make(chan []byte, 64),
		done:    make(chan struct{}),
		pending: make(map[string]chan result),
	}
	go c.writeLoop(s)
	go c.readLoop(s)

	if c.conf.Token != "" {
		raw, err := c.request(ctx, s, chat.TypeAuth, "", map[string]string{"token": c.conf.Token})
		if err != nil {
			s.close()
			return err
		}
		var ack struct {
			ActorID string `json:"actorId"`
		}
		if err := json.Unmarshal(raw, &ack); err == nil {
			c.actor.Store(ack.ActorID)
		}
	}

	c.mu.Lock()
	old := c.sess
	c.sess = s
	c.mu.Unlock()
	if old != nil {
		old.close()
	}
	c.setOnline(true)
	return nil
}

// Run 保持连接直到 ctx 结束；令牌无效或会话被挤下线时返回错误
func (c *Client) Run(ctx context.Context) error {
	for {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = c.conf.MinBackoff
		b.MaxInterval = c.conf.MaxBackoff
		b.MaxElapsedTime = 0

		op := func() error {
			err := c.Connect(ctx)
			switch errs.Code(err) {
			case 0:
				return nil
			case errs.Unauthenticated, errs.Forbidden:
				return backoff.Permanent(err)
			}
			logger.Debug("ws reconnect failed", zap.String("url", c.conf.URL), zap.Error(err))
			return err
		}
		if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
			return err
		}

		s := c.current()
		if s == nil {
			return errs.ErrConnectionLost.WrapMsg("client closed")
		}
		select {
		case <-ctx.Done():
			c.Close()
			return ctx.Err()
		case <-s.done:
		}
		c.setOnline(false)
		if s.evicted.Load() {
			return errs.ErrForbidden.WrapMsg("session evicted by a newer connection")
		}
		logger.Info("ws disconnected, reconnecting", zap.String("url", c.conf.URL))
	}
}

func (c *Client) setOnline(v bool) {
	if c.online.Swap(v) != v && c.conf.OnState != nil {
		c.conf.OnState(v)
	}
}

func (c *Client) Close() {
	c.mu.Lock()
	s := c.sess
	c.sess = nil
	c.mu.Unlock()
	if s != nil {
		s.close()
	}
	c.setOnline(false)
}

// Request 发送一帧并等待对应回执；错误帧还原为 CodeError（限流带 RetryAfter）
func (c *Client) Request(ctx context.Context, typ, room string, data any) (json.RawMessage, error) {
	s := c.current()
	if s == nil {
		return nil, errs.ErrConnectionLost.WrapMsg("not connected")
	}
	return c.request(ctx, s, typ, room, data)
}

func (c *Client) request(ctx context.Context, s *session, typ, room string, data any) (json.RawMessage, error) {
	f := chat.Frame{Type: typ, ID: ids.NewUUID(), Room: room}
	if data != nil {
		if raw, ok := data.(json.RawMessage); ok {
			f.Data = raw
		} else {
			b, err := json.Marshal(data)
			if err != nil {
				return nil, errs.ErrValidation.WrapMsg("encode frame data", "type", typ, "err", err)
			}
			f.Data = b
		}
	}
	b, err := json.Marshal(f)
	if err != nil {
		return nil, errs.Wrap(err)
	}

	ch := s.register(f.ID)
	select {
	case s.out <- b:
	case <-s.done:
		s.forget(f.ID)
		return nil, errs.ErrConnectionLost.WrapMsg("connection closed", "type", typ)
	case <-ctx.Done():
		s.forget(f.ID)
		return nil, errs.ErrConnectionLost.WrapMsg("request cancelled", "type", typ)
	}

	t := time.NewTimer(c.conf.AckTimeout)
	defer t.Stop()
	select {
	case r := <-ch:
		return r.data, r.err
	case <-s.done:
		s.forget(f.ID)
		return nil, errs.ErrConnectionLost.WrapMsg("connection closed before ack", "type", typ)
	case <-t.C:
		s.forget(f.ID)
		// 回执超时视为连接已坏，断开后由 Run 重连并重新触发 drain
		s.close()
		return nil, errs.ErrConnectionLost.WrapMsg("ack timeout", "type", typ, "timeout", c.conf.AckTimeout)
	case <-ctx.Done():
		s.forget(f.ID)
		return nil, errs.ErrConnectionLost.WrapMsg("request cancelled", "type", typ)
	}
}

// Send 实现 offline.Sender
func (c *Client) Send(ctx context.Context, a offline.Action) error {
	_, err := c.Request(ctx, a.Kind, "", a.Data)
	return err
}

// Join 加入房间
func (c *Client) Join(ctx context.Context, room string) error {
	_, err := c.Request(ctx, chat.TypeJoinRoom, room, nil)
	return err
}

func (c *Client) readLoop(s *session) {
	defer s.close()
	_ = s.ws.SetReadDeadline(time.Now().Add(c.conf.PongWait))
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(c.conf.PongWait))
	})
	for {
		_, b, err := s.ws.ReadMessage()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				logger.Info("ws read timeout", zap.String("url", c.conf.URL))
			} else if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("ws read err", zap.Error(err))
			}
			return
		}
		_ = s.ws.SetReadDeadline(time.Now().Add(c.conf.PongWait))
		f, err := chat.ParseFrame(b)
		if err != nil {
			logger.Warn("ws bad frame from server", zap.Error(err))
			continue
		}
		switch f.Type {
		case chat.TypeAck:
			if f.Ref != "" {
				s.resolve(f.Ref, result{data: f.Data})
				continue
			}
		case chat.TypeError:
			var body chat.ErrorBody
			_ = json.Unmarshal(f.Data, &body)
			if f.Ref != "" {
				s.resolve(f.Ref, result{err: body.AsError()})
				continue
			}
			logger.Warn("ws server error", zap.String("code", body.Code), zap.String("msg", body.Message))
		case chat.TypeEvicted:
			s.evicted.Store(true)
		}
		select {
		case c.events <- *f:
		default:
			logger.Warn("ws event buffer full, dropping", zap.String("type", f.Type))
		}
	}
}

func (c *Client) writeLoop(s *session) {
	t := time.NewTicker(c.conf.PingInterval)
	defer func() {
		t.Stop()
		_ = s.ws.Close()
	}()
	for {
		select {
		case b := <-s.out:
			_ = s.ws.SetWriteDeadline(time.Now().Add(c.conf.WriteWait))
			if err := s.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				s.close()
				return
			}
		case <-t.C:
			if err := s.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.conf.WriteWait)); err != nil {
				s.close()
				return
			}
		case <-s.done:
			_ = s.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.conf.WriteWait))
			return
		}
	}
}
