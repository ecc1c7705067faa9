package chat

import (
	"context"
	"net"
	"net/http"
	"time"

	"PPChat/logger"
	"PPChat/middleware"
	midsec "PPChat/middleware/security"
	"PPChat/tools/errs"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type ServerConf struct {
	WSPath       string
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
	MaxFrame     int64
	CheckOrigin  func(r *http.Request) bool
}

func (c *ServerConf) norm() {
	if c.WSPath == "" {
		c.WSPath = "/chat"
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.PongWait <= c.PingInterval {
		c.PongWait = 3 * c.PingInterval
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 5 * time.Second
	}
	if c.MaxFrame <= 0 {
		c.MaxFrame = 64 << 10
	}
}

// Server websocket 传输层：每连接一个读循环 + 一个写协程。
type Server struct {
	hub      *Hub
	conf     ServerConf
	upgrader websocket.Upgrader
}

func NewServer(hub *Hub, conf ServerConf) *Server {
	conf.norm()
	return &Server{
		hub:  hub,
		conf: conf,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     conf.CheckOrigin,
		},
	}
}

func (s *Server) Hub() *Hub { return s.hub }

// Register 挂载 websocket 入口；令牌可选，缺省时需在首帧 auth 握手。
func (s *Server) Register(r gin.IRoutes) {
	middleware.GET(r, s.conf.WSPath, s.HandleWS, middleware.RouteOpt{IsAuth: true})
}

// HandleWS ===== WebSocket 处理 =====
func (s *Server) HandleWS(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// 常见：非 WebSocket 请求/握手失败
		logger.Info("[WS] upgrade failed", zap.Error(err))
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := s.hub.OnConnect(c.ClientIP())
	done := make(chan struct{})
	go s.writeLoop(ws, conn, done)

	if tok := c.GetString(midsec.PPCtxAuthKey); tok != "" {
		if _, err := s.hub.Authenticate(ctx, conn.ID, tok); err != nil {
			s.hub.SendTo(conn, ErrorFrame("", err))
			s.hub.OnDisconnect(conn.ID)
			<-done
			return
		}
	}

	s.readLoop(ctx, ws, conn)
	s.hub.OnDisconnect(conn.ID)
	<-done // 等写协程真正关闭 ws
}

// ---- 读循环：只读，不写；出错即退出 ----
func (s *Server) readLoop(ctx context.Context, ws *websocket.Conn, conn *Conn) {
	ws.SetReadLimit(s.conf.MaxFrame)
	_ = ws.SetReadDeadline(time.Now().Add(s.conf.PongWait))
	ws.SetPongHandler(func(string) error {
		_ = ws.SetReadDeadline(time.Now().Add(s.conf.PongWait))
		s.hub.Heartbeat(ctx, conn)
		return nil
	})
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				logger.Debug("[WS] peer closed", zap.String("conn", conn.ID))
			} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
				logger.Info("[WS] read timeout", zap.String("conn", conn.ID))
			} else {
				logger.Debug("[WS] read err", zap.String("conn", conn.ID), zap.Error(err))
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(s.conf.PongWait))
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		if !conn.AllowFrame() {
			framesTotal.WithLabelValues("flood", "dropped").Inc()
			s.hub.SendTo(conn, ErrorFrame("", errs.ErrAdmissionDenied.WithRetryAfter(time.Second, "too many frames")))
			continue
		}
		s.hub.HandleFrame(ctx, conn, data)
	}
}

// ---- 写协程：独占写；断开后尽量冲刷已入队的帧再发 Close ----
func (s *Server) writeLoop(ws *websocket.Conn, conn *Conn, done chan struct{}) {
	ticker := time.NewTicker(s.conf.PingInterval)
	defer func() {
		ticker.Stop()
		_ = ws.Close()
		close(done)
	}()

	write := func(b []byte) error {
		_ = ws.SetWriteDeadline(time.Now().Add(s.conf.WriteWait))
		return ws.WriteMessage(websocket.TextMessage, b)
	}

	for {
		select {
		case b := <-conn.Send():
			if err := write(b); err != nil {
				logger.Debug("[WS] write err", zap.String("conn", conn.ID), zap.Error(err))
				s.hub.OnDisconnect(conn.ID)
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.conf.WriteWait)); err != nil {
				s.hub.OnDisconnect(conn.ID)
				return
			}
		case <-conn.Done():
		flush:
			for {
				select {
				case b := <-conn.Send():
					if write(b) != nil {
						break flush
					}
				default:
					break flush
				}
			}
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(s.conf.WriteWait))
			return
		}
	}
}
