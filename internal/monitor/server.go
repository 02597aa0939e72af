// Package monitor 提供测试运行期间的只读HTTP监控接口。
//
// 路由: /health, /api/v1/status, /api/v1/commands, /metrics, /ws。
// 监控只观察编排器，不会发起任何交换。
package monitor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wfunc/uart-probe/internal/config"
	apperrors "github.com/wfunc/uart-probe/internal/errors"
	"github.com/wfunc/uart-probe/internal/protocol"
	"github.com/wfunc/uart-probe/internal/session"
	"go.uber.org/zap"
)

// StatusSource 编排器状态来源
type StatusSource interface {
	Snapshot() session.Status
}

// StatusFunc 函数适配StatusSource
type StatusFunc func() session.Status

// Snapshot 实现StatusSource
func (f StatusFunc) Snapshot() session.Status {
	return f()
}

// exchangeEvent 推送的交换事件
type exchangeEvent struct {
	Mode      session.Mode `json:"mode"`
	Command   string       `json:"command"`
	Outcome   string       `json:"outcome"`
	Reply     string       `json:"reply,omitempty"`
	ElapsedMS float64      `json:"elapsed_ms"`
}

// stateEvent 推送的状态变更事件
type stateEvent struct {
	From session.State `json:"from"`
	To   session.State `json:"to"`
}

// Server 监控服务器
type Server struct {
	cfg      config.MonitorConfig
	source   StatusSource
	hub      *Hub
	engine   *gin.Engine
	upgrader websocket.Upgrader
	logger   *zap.Logger
	started  time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	httpServer *http.Server
	listener   net.Listener
}

// NewServer 创建监控服务器，Hub立即开始运行
func NewServer(cfg config.MonitorConfig, source StatusSource, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}
	RegisterMetrics()

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		source:  source,
		hub:     NewHub(logger),
		engine:  gin.New(),
		logger:  logger,
		started: time.Now(),
		ctx:     ctx,
		cancel:  cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// 只读监控，允许任意来源
				return true
			},
		},
	}

	s.engine.Use(gin.Recovery())
	s.engine.Use(s.requestLogger())
	s.setupRoutes()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.hub.Run(ctx)
	}()

	return s
}

// setupRoutes 设置路由
func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.healthCheck)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.engine.GET("/ws", s.serveWS)

	v1 := s.engine.Group("/api/v1")
	{
		v1.GET("/status", s.getStatus)
		v1.GET("/commands", s.getCommands)
	}

	s.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "NOT_FOUND",
			"message": "接口不存在",
		})
	})
}

// requestLogger 请求日志中间件
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("HTTP请求",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

// Handler 返回HTTP处理器（用于测试）
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Addr 实际监听地址，未启动时为配置地址
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr()
}

// Start 开始监听，监听失败立即返回错误
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return apperrors.Wrapf(err, apperrors.ErrServiceStart, "listen %s", s.cfg.Addr())
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("监控服务异常退出", zap.Error(err))
		}
	}()

	s.logger.Info("监控服务已启动", zap.String("addr", ln.Addr().String()))
	return nil
}

// Shutdown 关闭HTTP服务和Hub
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("监控服务已关闭")
	case <-ctx.Done():
		return apperrors.New(apperrors.ErrTimeout, "monitor shutdown")
	}
	return err
}

// Observer 返回交换观察者：更新指标并推送给订阅者
func (s *Server) Observer() session.Observer {
	return func(mode session.Mode, record protocol.ExchangeRecord) {
		RecordExchange(string(mode), record.Outcome.Kind.String(), record.Elapsed)

		ev := exchangeEvent{
			Mode:      mode,
			Command:   fmt.Sprintf("0x%02X", record.Command),
			Outcome:   record.Outcome.Kind.String(),
			ElapsedMS: float64(record.Elapsed.Microseconds()) / 1000,
		}
		if record.Outcome.Kind == protocol.Unexpected {
			ev.Reply = fmt.Sprintf("0x%02X", record.Outcome.Reply)
		}
		s.hub.Broadcast(newMessage(MessageTypeExchange, ev))
	}
}

// StateListener 返回状态变更回调
func (s *Server) StateListener() func(from, to session.State) {
	return func(from, to session.State) {
		RecordTransition(string(from), string(to))
		s.hub.Broadcast(newMessage(MessageTypeState, stateEvent{From: from, To: to}))
	}
}

// healthCheck 健康检查
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "healthy",
		"uptime":      time.Since(s.started).Round(time.Second).String(),
		"subscribers": s.hub.Count(),
	})
}

// getStatus 编排器状态与统计
func (s *Server) getStatus(c *gin.Context) {
	if s.source == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":    "NO_SOURCE",
			"message": "编排器未就绪",
		})
		return
	}
	c.JSON(http.StatusOK, s.source.Snapshot())
}

// getCommands 已知命令列表
func (s *Server) getCommands(c *gin.Context) {
	type command struct {
		Value       string `json:"value"`
		Description string `json:"description"`
	}

	catalog := protocol.Catalog()
	list := make([]command, 0, len(catalog))
	for _, step := range catalog {
		list = append(list, command{
			Value:       fmt.Sprintf("0x%02X", step.Command),
			Description: step.Description,
		})
	}

	sequence := make([]string, 0, len(protocol.DefaultSequence()))
	for _, step := range protocol.DefaultSequence() {
		sequence = append(sequence, fmt.Sprintf("0x%02X", step.Command))
	}

	c.JSON(http.StatusOK, gin.H{
		"commands": list,
		"sequence": sequence,
		"ack":      fmt.Sprintf("0x%02X", protocol.AckByte),
	})
}

// serveWS 升级为WebSocket订阅
func (s *Server) serveWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("WebSocket升级失败", zap.Error(err))
		return
	}

	client := newClient(s.hub, conn)
	select {
	case s.hub.register <- client:
	case <-s.ctx.Done():
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump(s.ctx)
}
