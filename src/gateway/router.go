// Package gateway implements §4.G's HTTP/WS surface: the single
// multiplexed terminal endpoint every browser connects to, authenticated
// by a pre-issued bearer token (§6.2, §7 close code 4001).
//
// Grounded on the Session Manager's own router.go for the gin.Engine
// construction and middleware ordering, and on the teacher's
// TerminalHandler for the upgrade-then-hand-off-to-a-loop shape.
package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/termfabric/sessionfabric/src/gateway/auth"
	"github.com/termfabric/sessionfabric/src/gateway/channel"
	"github.com/termfabric/sessionfabric/src/gateway/upstream"
	"github.com/termfabric/sessionfabric/src/httplog"
	"github.com/termfabric/sessionfabric/src/metrics"
)

const (
	writeWait       = 5 * time.Second
	closeAuthFailed = 4001
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server holds the Gateway's dependencies: the shared Upstream Pool and
// the token Validator that gates every Browser Channel connection.
type Server struct {
	pool      *upstream.Pool
	validator *auth.Validator
	log       *logrus.Entry
}

// NewServer builds a Gateway Server.
func NewServer(pool *upstream.Pool, validator *auth.Validator, log *logrus.Entry) *Server {
	return &Server{pool: pool, validator: validator, log: log}
}

// Router builds the gin.Engine exposing the Gateway's WS surface (§6.2).
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httplog.Access(s.log))
	r.Use(httplog.CORS())
	r.Use(metrics.GinMiddleware())
	r.GET("/metrics", metrics.Handler())
	r.GET("/ws/terminals", s.handleTerminals)
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

// handleTerminals upgrades to the multiplexed Browser Channel endpoint,
// validating the bearer token carried in the query string (§4.G, §7):
// browsers cannot set an Authorization header on a WebSocket handshake.
func (s *Server) handleTerminals(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		s.closeWithCode(c, closeAuthFailed, "missing token")
		return
	}
	userID, err := s.validator.Validate(token)
	if err != nil {
		s.log.WithError(err).Debug("gateway token validation failed")
		s.closeWithCode(c, closeAuthFailed, "invalid token")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithError(err).Debug("websocket upgrade failed")
		return
	}

	ch := channel.New(uuid.NewString(), userID, conn, s.pool, s.log)
	ch.Run()
}

func (s *Server) closeWithCode(c *gin.Context, code int, reason string) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
