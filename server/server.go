package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/wfunc/roomsync/api"
	"github.com/wfunc/roomsync/broadcast"
	"github.com/wfunc/roomsync/games"
	"github.com/wfunc/roomsync/logger"
	"github.com/wfunc/roomsync/models"
	"github.com/wfunc/roomsync/monitor"
	"github.com/wfunc/roomsync/network"
	"github.com/wfunc/roomsync/persistence"
	"github.com/wfunc/roomsync/room"
	"github.com/wfunc/roomsync/session"
)

// Server is the HTTP surface of the room service: the JSON state API, the
// websocket and SSE push endpoints, and the operational endpoints.
type Server struct {
	addr           string
	rooms          *room.Service
	broadcaster    broadcast.Broadcaster
	sessionManager *session.Manager
	monitor        *monitor.Monitor
	allowedOrigins []string
	upgrader       websocket.Upgrader
	router         *gin.Engine
	httpServer     *http.Server

	// ctx outlives requests; push sessions end with it on shutdown.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Server)

// WithAllowedOrigins restricts CORS and websocket origins. "*" allows all.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) { s.allowedOrigins = origins }
}

func init() {
	// Documents are opaque; integers past 2^53 must survive the bind.
	binding.EnableDecoderUseNumber = true
}

func NewServer(addr string, rooms *room.Service, broadcaster broadcast.Broadcaster, mon *monitor.Monitor, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		addr:           addr,
		rooms:          rooms,
		broadcaster:    broadcaster,
		sessionManager: session.NewManager(),
		monitor:        mon,
		allowedOrigins: []string{"*"},
		ctx:            ctx,
		cancel:         cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.router = s.setupRouter()
	return s
}

func (s *Server) setupRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())
	// Room ids may contain escaped slashes.
	r.UseRawPath = true
	r.UnescapePathValues = true

	v := r.Group("/api")
	v.GET("/games", s.handleGames)
	v.GET("/stats", s.handleStats)
	v.GET("/rooms/:kind/:id/state", s.handleGetState)
	v.POST("/rooms/:kind/:id/state", s.handleReplaceState)
	v.POST("/rooms/:kind/:id/reset", s.handleReset)
	v.GET("/rooms/:kind/:id/events", s.handleEvents)

	r.GET("/ws/rooms/:kind/:id", s.handleWebSocket)
	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	r.GET("/metrics", gin.WrapH(s.monitor.Handler()))
	return r
}

// Handler returns the router wrapped with CORS and cleartext HTTP/2.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins: s.allowedOrigins,
		AllowedHeaders: []string{"*"},
	})
	return h2c.NewHandler(c.Handler(s.router), &http2.Server{})
}

// Sessions returns the live push sessions.
func (s *Server) Sessions() *session.Manager {
	return s.sessionManager
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Log.Infof("HTTP server listening on %s", s.addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, closes every push session and waits
// for their handlers to return.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	s.sessionManager.CloseAll()

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Log.Debugw("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
		)
	}
}

// statusOf maps service errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, games.ErrUnknownGame):
		return http.StatusNotFound
	case errors.Is(err, persistence.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, models.ErrInvalidDocument),
		errors.Is(err, models.ErrMissingRoster),
		errors.Is(err, models.ErrInvalidRoster),
		errors.Is(err, models.ErrInvalidRoomKey):
		return http.StatusBadRequest
	case errors.Is(err, persistence.ErrStoreClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func abortWithError(c *gin.Context, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		logger.Log.Errorw("request failed", "path", c.Request.URL.Path, "error", err)
	}
	c.AbortWithStatusJSON(status, api.ErrorResponse{Error: err.Error()})
}

// roomKey reads and checks the room addressed by the request path.
func (s *Server) roomKey(c *gin.Context) (models.RoomKey, bool) {
	key := models.RoomKey{RoomID: c.Param("id"), GameKind: c.Param("kind")}
	if err := key.Validate(); err != nil {
		abortWithError(c, err)
		return key, false
	}
	if _, err := s.rooms.Game(key.GameKind); err != nil {
		abortWithError(c, err)
		return key, false
	}
	return key, true
}

type gameInfo struct {
	Kind       string   `json:"kind"`
	Roles      []string `json:"roles"`
	TurnField  string   `json:"turn_field,omitempty"`
	MaxPlayers int      `json:"max_players"`
}

func (s *Server) handleGames(c *gin.Context) {
	catalog := s.rooms.Catalog()
	out := make([]gameInfo, 0)
	for _, kind := range catalog.Kinds() {
		g, err := catalog.Get(kind)
		if err != nil {
			continue
		}
		out = append(out, gameInfo{Kind: g.Kind, Roles: g.Roles, TurnField: g.TurnField, MaxPlayers: g.MaxPlayers()})
	}
	c.JSON(http.StatusOK, out)
}

type roomStat struct {
	RoomID      string `json:"room_id"`
	GameKind    string `json:"game_kind"`
	Subscribers int    `json:"subscribers"`
}

func (s *Server) handleStats(c *gin.Context) {
	counts := s.sessionManager.RoomCounts()
	rooms := make([]roomStat, 0, len(counts))
	for key, n := range counts {
		rooms = append(rooms, roomStat{RoomID: key.RoomID, GameKind: key.GameKind, Subscribers: n})
	}
	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].GameKind != rooms[j].GameKind {
			return rooms[i].GameKind < rooms[j].GameKind
		}
		return rooms[i].RoomID < rooms[j].RoomID
	})
	c.JSON(http.StatusOK, gin.H{
		"monitor":  s.monitor.Snapshot(),
		"sessions": s.sessionManager.Count(),
		"rooms":    rooms,
	})
}

func (s *Server) handleGetState(c *gin.Context) {
	key, ok := s.roomKey(c)
	if !ok {
		return
	}
	snap, err := s.rooms.Read(c.Request.Context(), key)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleReplaceState(c *gin.Context) {
	key, ok := s.roomKey(c)
	if !ok {
		return
	}
	var req api.ReplaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, api.ErrorResponse{Error: err.Error()})
		return
	}

	var (
		snap *models.Snapshot
		err  error
	)
	if req.ExpectedVersion != nil {
		snap, err = s.rooms.ReplaceIfVersion(c.Request.Context(), key, req.Document, *req.ExpectedVersion)
	} else {
		snap, err = s.rooms.Replace(c.Request.Context(), key, req.Document)
	}
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleReset(c *gin.Context) {
	key, ok := s.roomKey(c)
	if !ok {
		return
	}
	var req api.ResetRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, api.ErrorResponse{Error: err.Error()})
			return
		}
	}
	snap, err := s.rooms.Reset(c.Request.Context(), key, req.Document)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// subscribe opens the room's channel and returns the event that brings a
// new subscriber up to date, if the room exists. The subscription is opened
// first so no write between the two is missed.
func (s *Server) subscribe(ctx context.Context, key models.RoomKey) (*broadcast.Subscription, *models.Event, error) {
	sub, err := s.broadcaster.Subscribe(ctx, broadcast.ChannelName(key))
	if err != nil {
		return nil, nil, err
	}
	snap, err := s.rooms.Read(ctx, key)
	if err != nil {
		sub.Close()
		return nil, nil, err
	}
	if !snap.Exists {
		return sub, nil, nil
	}
	return sub, broadcast.NewEvent(models.EventStateUpdated, key, snap), nil
}

func (s *Server) handleWebSocket(c *gin.Context) {
	key, ok := s.roomKey(c)
	if !ok {
		return
	}
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Log.Infof("Failed to upgrade connection: %v", err)
		return
	}
	wsConn := network.NewWSConnection(conn)
	sess := session.NewSession(uuid.New().String(), key, wsConn)

	s.wg.Add(1)
	defer s.wg.Done()
	s.handleConnection(sess)
}

func (s *Server) handleConnection(sess *session.Session) {
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	sub, initial, err := s.subscribe(ctx, sess.Key)
	if err != nil {
		_ = sess.Conn.Send(network.ErrorMessage(err))
		_ = sess.Close()
		return
	}
	defer sub.Close()

	s.sessionManager.Add(sess)
	s.monitor.IncSubscribers()
	logger.Log.Infow("push session opened", "session_id", sess.GetID(), "room_id", sess.Key.RoomID, "game_kind", sess.Key.GameKind, "remote", sess.Conn.RemoteAddr().String())

	defer func() {
		s.sessionManager.Remove(sess.GetID())
		s.monitor.DecSubscribers()
		_ = sess.Close()
		logger.Log.Infow("push session closed", "session_id", sess.GetID(), "room_id", sess.Key.RoomID, "sent", sess.Sent())
	}()

	sess.Conn.SetHeartbeat(network.PongWait)
	if initial != nil {
		if err := sess.Send(initial); err != nil {
			return
		}
	}

	go func() {
		_ = sess.Drain()
		cancel()
	}()
	if err := sess.Pump(ctx, sub); err != nil && !errors.Is(err, context.Canceled) {
		logger.Log.Debugw("push session send failed", "session_id", sess.GetID(), "error", err)
	}
}

func (s *Server) handleEvents(c *gin.Context) {
	key, ok := s.roomKey(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go func() {
		select {
		case <-s.ctx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	sub, initial, err := s.subscribe(ctx, key)
	if err != nil {
		abortWithError(c, err)
		return
	}
	defer sub.Close()

	s.monitor.IncSubscribers()
	defer s.monitor.DecSubscribers()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	if initial != nil {
		c.SSEvent(string(initial.Type), initial)
	}
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return false
			}
			c.SSEvent(string(ev.Type), ev)
			return true
		case <-ctx.Done():
			return false
		}
	})
}
