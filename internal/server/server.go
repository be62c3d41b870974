// Package server exposes the daemon over HTTP: the game library, the active
// session, the headset, audio endpoints and a websocket stream of state
// messages.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/svrl/svrl/internal/audio"
	"github.com/svrl/svrl/internal/battery"
	"github.com/svrl/svrl/internal/broadcast"
	"github.com/svrl/svrl/internal/device"
	"github.com/svrl/svrl/internal/games"
	"github.com/svrl/svrl/internal/logger"
	"github.com/svrl/svrl/internal/orchestrator"
	"github.com/svrl/svrl/internal/session"
)

// Sessions is the session control surface
type Sessions interface {
	Launch(ctx context.Context, idemToken string, game games.Game) (orchestrator.Outcome, error)
	Kill(ctx context.Context) error
	Reconnect(ctx context.Context) error
	Active() (session.GameSession, bool)
}

// Library stores games
type Library interface {
	List(ctx context.Context) ([]games.Game, error)
	Get(ctx context.Context, id string) (games.Game, error)
	Upsert(ctx context.Context, g games.Game) (games.Game, error)
	Delete(ctx context.Context, id string) error
	Cover(ctx context.Context, id string) ([]byte, error)
	SetCover(ctx context.Context, id string, image []byte) error
}

// Devices reports the current headset
type Devices interface {
	Current() (device.Device, bool)
}

// Battery reports the latest headset battery reading
type Battery interface {
	Info() (battery.Info, bool)
}

// Deps are the collaborators behind the routes. Battery, Audio and Metrics
// are optional; their routes answer 404 when unset.
type Deps struct {
	Sessions Sessions
	Library  Library
	Devices  Devices
	Battery  Battery
	Audio    audio.API
	Hub      *broadcast.Hub[string]
	Metrics  http.Handler
	Log      *logger.Logger
}

const (
	maxCoverBytes   = 8 << 20
	shutdownTimeout = 5 * time.Second
)

// Server is the HTTP API
type Server struct {
	deps     Deps
	log      *logger.Logger
	router   *gin.Engine
	server   *http.Server
	upgrader websocket.Upgrader
	stop     chan struct{}
}

// New builds the API listening on addr
func New(addr string, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)

	log := deps.Log
	if log == nil {
		log = logger.Nop()
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(log))

	s := &Server{
		deps:   deps,
		log:    log,
		router: router,
		server: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		upgrader: websocket.Upgrader{
			// Clients are local companion apps on other origins
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		stop: make(chan struct{}),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	api := s.router.Group("/api")

	g := api.Group("/games")
	g.GET("", s.handleListGames)
	g.POST("", s.handleSaveGame)
	g.GET("/:id", s.handleGetGame)
	g.DELETE("/:id", s.handleDeleteGame)
	g.GET("/:id/cover", s.handleGetCover)
	g.PUT("/:id/cover", s.handleSetCover)
	g.POST("/:id/launch", s.handleLaunch)

	sess := api.Group("/session")
	sess.GET("/active", s.handleActive)
	sess.POST("/kill", s.handleKill)
	sess.POST("/reconnect", s.handleReconnect)

	api.GET("/device", s.handleDevice)
	api.GET("/device/battery", s.handleBattery)

	a := api.Group("/audio")
	a.GET("/:kind", s.handleAudioDevices)
	a.POST("/:kind/:id/default", s.handleAudioDefault)
	a.POST("/:kind/:id/volume", s.handleAudioVolume)

	api.GET("/sock", s.handleSock)

	if s.deps.Metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}
}

// Handler returns the route handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.log.Infow("http server listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown closes websocket streams and stops the listener
func (s *Server) Shutdown(ctx context.Context) error {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func requestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debugw("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
