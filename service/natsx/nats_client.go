package natsx

import (
	"context"
	"strings"
	"sync"
	"time"

	"PPChat/logger"
	"PPChat/tools/errs"
	"PPChat/tools/ids"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NatsxConfig 客户端配置
type NatsxConfig struct {
	Servers       []string
	Name          string
	User          string
	Pass          string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// NatsxClient core 模式的发布/订阅（无持久化）
type NatsxClient struct {
	cfg NatsxConfig
	nc  *nats.Conn

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewNatsxClient 连接 NATS
func NewNatsxClient(cfg NatsxConfig) (*NatsxClient, error) {
	if len(cfg.Servers) == 0 {
		return nil, errs.ErrValidation.WrapMsg("nats servers missing")
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Pass))
	}
	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg("nats connect failed", "servers", cfg.Servers, "err", err)
	}
	return &NatsxClient{cfg: cfg, nc: nc}, nil
}

// Close 优雅关闭
func (c *NatsxClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subs {
		_ = sub.Drain()
	}
	c.subs = nil
	if c.nc != nil {
		return c.nc.Drain()
	}
	return nil
}

func toHeader(h map[string]string) nats.Header {
	hd := nats.Header{}
	for k, v := range h {
		hd.Set(k, v)
	}
	return hd
}

func headerToMap(h nats.Header) map[string]string {
	if len(h) == 0 {
		return map[string]string{}
	}
	out := make(map[string]string, len(h))
	for k, vs := range h {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out
}

// Publish core 发布；只检查 ctx 是否已取消，发送本身写入客户端缓冲
func (c *NatsxClient) Publish(ctx context.Context, subject string, data []byte, hdr map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header = toHeader(hdr)
	if err := c.nc.PublishMsg(msg); err != nil {
		return errs.ErrStoreUnavailable.WrapMsg("nats publish failed", "subject", subject, "err", err)
	}
	return nil
}

// PublishOnce 带 Nats-Msg-Id 的发布，msgID 为空则自动生成
func (c *NatsxClient) PublishOnce(ctx context.Context, subject string, data []byte, hdr map[string]string, msgID string) error {
	h := make(map[string]string, len(hdr)+1)
	for k, v := range hdr {
		h[k] = v
	}
	if msgID == "" {
		msgID = ids.NewUUID()
	}
	h[HeaderMsgID] = msgID
	return c.Publish(ctx, subject, data, h)
}

// Subscribe 订阅；queue 非空时同组内分摊，广播则置空
func (c *NatsxClient) Subscribe(subject, queue string, h NatsxHandler, mws ...NatsxMiddleware) error {
	h = NatsxChain(h, mws...)
	cb := func(m *nats.Msg) {
		err := h(context.Background(), NatsxMessage{
			Subject: m.Subject,
			Data:    append([]byte(nil), m.Data...),
			Header:  headerToMap(m.Header),
		})
		if err != nil {
			logger.Warn("nats handler failed", zap.String("subject", m.Subject), zap.Error(err))
		}
	}
	var (
		sub *nats.Subscription
		err error
	)
	if queue == "" {
		sub, err = c.nc.Subscribe(subject, cb)
	} else {
		sub, err = c.nc.QueueSubscribe(subject, queue, cb)
	}
	if err != nil {
		return errs.ErrStoreUnavailable.WrapMsg("nats subscribe failed", "subject", subject, "err", err)
	}
	_ = sub.SetPendingLimits(1_000_000, 64*1024*1024)
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return nil
}
