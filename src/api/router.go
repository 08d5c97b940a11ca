// Package api implements §4.E, the Session Manager's HTTP + WebSocket
// surface: REST session lifecycle endpoints and the raw per-session
// terminal WebSocket.
//
// Grounded on the teacher's src/api/router.go (gin.Engine construction,
// CORS/NoCache/access-log middleware ordering) and
// src/handler/terminal.go (the WS upgrade + subscribe/read/write-loop
// shape), generalized from a single flat handler into a Server wired
// against the Hub Manager, Registry, Backend Adapter, and muxclient.
package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/termfabric/sessionfabric/src/config"
	"github.com/termfabric/sessionfabric/src/httplog"
	"github.com/termfabric/sessionfabric/src/hub"
	"github.com/termfabric/sessionfabric/src/metrics"
	"github.com/termfabric/sessionfabric/src/muxclient"
	"github.com/termfabric/sessionfabric/src/registry"
)

// Server holds every dependency the Session Manager's HTTP/WS surface needs.
type Server struct {
	reg  *registry.Registry
	hubs *hub.Manager
	mux  *muxclient.Client
	cfg  config.Config
	log  *logrus.Entry

	startedAt time.Time
}

// NewServer constructs a Server. mux may be nil when the multiplexer
// backend is never used.
func NewServer(reg *registry.Registry, hubs *hub.Manager, mux *muxclient.Client, cfg config.Config, log *logrus.Entry) *Server {
	return &Server{
		reg:       reg,
		hubs:      hubs,
		mux:       mux,
		cfg:       cfg,
		log:       log,
		startedAt: time.Now(),
	}
}

// Router builds the gin.Engine exposing the REST surface and the raw
// terminal WebSocket endpoint (§6.1, §6.2).
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httplog.Access(s.log))
	r.Use(httplog.NoCache())
	r.Use(metrics.GinMiddleware())

	r.GET("/metrics", metrics.Handler())

	sessions := r.Group("/api/sessions")
	{
		sessions.POST("", s.handleCreate)
		sessions.GET("", s.handleList)
		sessions.GET("/:id", s.handleGet)
		sessions.DELETE("/:id", s.handleDelete)
		sessions.PUT("/:id", s.handleRename)
		sessions.POST("/:id/reattach", s.handleReattach)
		sessions.POST("/:id/send", s.handleSend)
		sessions.GET("/:id/output", s.handleOutput)
	}
	r.GET("/api/health", s.handleHealth)
	r.GET("/ws/terminal", s.handleTerminalWS)

	return r
}
