package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	cerrors "cyclon/internal/errors"
	"cyclon/internal/events"
	"cyclon/internal/graph"
	"cyclon/internal/logging"
	"cyclon/internal/observability"
	"cyclon/internal/scheduler"
)

// Server is the wire surface of a running scheduler: message intake over
// HTTP and websocket, the operator command/query API, and prometheus
// metrics. It holds no workflow state of its own.
type Server struct {
	sched    *scheduler.Scheduler
	logger   logging.Logger
	engine   *gin.Engine
	upgrader websocket.Upgrader
	srv      *http.Server
}

// New wires the routes.
func New(sched *scheduler.Scheduler, metrics *observability.Metrics, logger logging.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		sched:  sched,
		logger: logging.OrNop(logger),
		engine: gin.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}

	s.engine.Use(gin.Recovery())
	s.engine.Use(cors.Default())

	api := s.engine.Group("/api/v1")
	api.POST("/messages", s.handleMessage)
	api.GET("/state", s.handleState)
	api.GET("/tasks", s.handleTasks)
	api.GET("/broadcast", s.handleBroadcastDump)
	api.POST("/broadcast", s.handleBroadcastPut)
	api.DELETE("/broadcast", s.handleBroadcastClear)

	commands := api.Group("/commands")
	commands.POST("/hold", s.handleHold)
	commands.POST("/release", s.handleRelease)
	commands.POST("/hold-point", s.handleSetHoldPoint)
	commands.DELETE("/hold-point", s.handleReleaseHoldPoint)
	commands.POST("/trigger", s.handleTrigger)
	commands.POST("/kill", s.handleKill)
	commands.POST("/remove", s.handleRemove)
	commands.POST("/insert", s.handleInsert)
	commands.POST("/poll", s.handlePoll)
	commands.POST("/pause", s.handlePause)
	commands.POST("/resume", s.handleResume)
	commands.POST("/reload", s.handleReload)
	commands.POST("/stop", s.handleStop)

	s.engine.GET("/ws/v1/messages", s.handleMessageStream)
	if metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(
			promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))
	}
	return s
}

// Start listens on addr; non-blocking. Returns the bound address so
// callers may pass ":0" in tests.
func (s *Server) Start(addr string) (string, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	s.srv = &http.Server{Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := s.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server: %v", err)
		}
	}()
	s.logger.Info("listening on %s", listener.Addr())
	return listener.Addr().String(), nil
}

// Shutdown stops accepting connections and drains handlers.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) handleMessage(c *gin.Context) {
	var msg events.Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if msg.TaskID == "" || msg.Text == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task_id and text are required"})
		return
	}
	if msg.EventTime.IsZero() {
		msg.EventTime = time.Now().UTC()
	}
	msg.Severity = events.ParseSeverity(string(msg.Severity))
	s.sched.Deliver(msg)
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// handleMessageStream accepts a websocket whose frames are message
// records; the connection belongs to a job wrapper or a relay.
func (s *Server) handleMessageStream(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	for {
		var msg events.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("message stream closed: %v", err)
			}
			return
		}
		if msg.TaskID == "" || msg.Text == "" {
			continue
		}
		if msg.EventTime.IsZero() {
			msg.EventTime = time.Now().UTC()
		}
		msg.Severity = events.ParseSeverity(string(msg.Severity))
		s.sched.Deliver(msg)
	}
}

func (s *Server) handleState(c *gin.Context) {
	summary, err := s.sched.Summary()
	if err != nil {
		s.replyError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) handleTasks(c *gin.Context) {
	snaps, err := s.sched.Snapshot()
	if err != nil {
		s.replyError(c, err)
		return
	}
	c.JSON(http.StatusOK, snaps)
}

// MatcherRequest is the body shared by matcher-based commands.
type MatcherRequest struct {
	Matcher string `json:"matcher"`
	NewFlow bool   `json:"new_flow,omitempty"`
}

// PointRequest carries a single cycle point.
type PointRequest struct {
	Point string `json:"point"`
}

// InsertRequest adds an instance outside the graph's own spawning.
type InsertRequest struct {
	Name  string `json:"name"`
	Point string `json:"point"`
	Flow  string `json:"flow,omitempty"`
}

// StopRequest selects a shutdown mode.
type StopRequest struct {
	Mode  string `json:"mode"` // clean | now | after
	Point string `json:"point,omitempty"`
}

// ReloadRequest names the workflow file to reload from.
type ReloadRequest struct {
	Path string `json:"path"`
}

// BroadcastRequest carries put/clear arguments.
type BroadcastRequest struct {
	Points     []string          `json:"points,omitempty"`
	Namespaces []string          `json:"namespaces,omitempty"`
	Settings   map[string]string `json:"settings,omitempty"`
	Keys       []string          `json:"keys,omitempty"`
}

func (s *Server) bindMatcher(c *gin.Context) (MatcherRequest, bool) {
	var req MatcherRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Matcher == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "matcher is required"})
		return req, false
	}
	return req, true
}

func (s *Server) handleHold(c *gin.Context) {
	if req, ok := s.bindMatcher(c); ok {
		s.replyCommand(c, s.sched.Hold(req.Matcher))
	}
}

func (s *Server) handleRelease(c *gin.Context) {
	if req, ok := s.bindMatcher(c); ok {
		s.replyCommand(c, s.sched.Release(req.Matcher))
	}
}

func (s *Server) handleSetHoldPoint(c *gin.Context) {
	var req PointRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Point == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "point is required"})
		return
	}
	s.replyCommand(c, s.sched.SetHoldPoint(req.Point))
}

func (s *Server) handleReleaseHoldPoint(c *gin.Context) {
	s.replyCommand(c, s.sched.ReleaseHoldPoint())
}

func (s *Server) handleTrigger(c *gin.Context) {
	if req, ok := s.bindMatcher(c); ok {
		s.replyCommand(c, s.sched.Trigger(req.Matcher, req.NewFlow))
	}
}

func (s *Server) handleKill(c *gin.Context) {
	if req, ok := s.bindMatcher(c); ok {
		s.replyCommand(c, s.sched.Kill(req.Matcher))
	}
}

func (s *Server) handleRemove(c *gin.Context) {
	if req, ok := s.bindMatcher(c); ok {
		s.replyCommand(c, s.sched.Remove(req.Matcher))
	}
}

func (s *Server) handleInsert(c *gin.Context) {
	var req InsertRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Name == "" || req.Point == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name and point are required"})
		return
	}
	s.replyCommand(c, s.sched.Insert(req.Name, req.Point, req.Flow))
}

func (s *Server) handlePoll(c *gin.Context) {
	if req, ok := s.bindMatcher(c); ok {
		s.replyCommand(c, s.sched.Poll(req.Matcher))
	}
}

func (s *Server) handlePause(c *gin.Context) {
	s.replyCommand(c, s.sched.Pause())
}

func (s *Server) handleResume(c *gin.Context) {
	s.replyCommand(c, s.sched.Resume())
}

func (s *Server) handleReload(c *gin.Context) {
	var req ReloadRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Path == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path is required"})
		return
	}
	wf, err := graph.Load(req.Path)
	if err != nil {
		s.replyError(c, err)
		return
	}
	s.replyCommand(c, s.sched.Reload(wf))
}

func (s *Server) handleStop(c *gin.Context) {
	var req StopRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	switch req.Mode {
	case "", "clean":
		s.replyCommand(c, s.sched.StopClean())
	case "now":
		s.replyCommand(c, s.sched.StopNow())
	case "after":
		if req.Point == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "stop after needs a point"})
			return
		}
		s.replyCommand(c, s.sched.StopAfter(req.Point))
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown stop mode " + req.Mode})
	}
}

func (s *Server) handleBroadcastDump(c *gin.Context) {
	dump, err := s.sched.BroadcastDump()
	if err != nil {
		s.replyError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": dump})
}

func (s *Server) handleBroadcastPut(c *gin.Context) {
	var req BroadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Settings) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "settings are required"})
		return
	}
	modified, bad, err := s.sched.BroadcastPut(req.Points, req.Namespaces, req.Settings)
	if err != nil {
		s.replyError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"modified": modified, "bad_options": bad})
}

func (s *Server) handleBroadcastClear(c *gin.Context) {
	var req BroadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cleared, err := s.sched.BroadcastClear(req.Points, req.Namespaces, req.Keys)
	if err != nil {
		s.replyError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": cleared})
}

func (s *Server) replyCommand(c *gin.Context, err error) {
	if err != nil {
		s.replyError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) replyError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	if cerrors.KindOf(err) == cerrors.KindInput {
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
