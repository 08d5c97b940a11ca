package api

import (
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/termfabric/sessionfabric/src/hub"
	"github.com/termfabric/sessionfabric/src/metrics"
	"github.com/termfabric/sessionfabric/src/wire"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleTerminalWS implements the raw per-session endpoint of §4.E/§6.2:
// /ws/terminal?sessionId=<id>&preview=<bool>. Grounded on the teacher's
// TerminalHandler.HandleTerminalWS (src/handler/terminal.go), replacing
// its single-tier Subscribe/output loop with the Hub's preview-aware
// Subscribe/Frame contract and the shared wire.Envelope codec.
func (s *Server) handleTerminalWS(c *gin.Context) {
	sessionID := c.Query("sessionId")
	if sessionID == "" {
		s.closeWithCode(c, wire.CloseMissingSessionID, "missing sessionId")
		return
	}

	if _, found, err := s.reg.Get(sessionID); err != nil || !found {
		s.closeWithCode(c, wire.CloseSessionNotFound, "session not found")
		return
	}

	preview := c.Query("preview") == "true"

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close()
	disableNagle(conn)

	h := s.hubs.GetOrCreate(sessionID)
	sub, err := h.Subscribe(c.Request.Context(), preview)
	if err != nil {
		frame, _ := wire.Marshal(wire.Error(sessionID, wire.CloseUpstreamLost, err.Error()))
		_ = conn.WriteMessage(websocket.TextMessage, frame)
		return
	}
	defer h.Unsubscribe(sub.ID)

	tier := "full"
	if preview {
		tier = "preview"
	}
	gauge := metrics.Get().SMWebSocketConnections.WithLabelValues(tier)
	gauge.Inc()
	defer gauge.Dec()

	done := make(chan struct{})
	go s.writeLoop(conn, sessionID, sub, done)
	s.readLoop(conn, sessionID, h, sub, done)
}

func (s *Server) writeLoop(conn *websocket.Conn, sessionID string, sub *hub.Subscriber, done chan struct{}) {
	for {
		select {
		case frame, ok := <-sub.Ch:
			if !ok {
				return
			}
			var env wire.Envelope
			switch frame.Kind {
			case hub.FrameResized:
				env = wire.Resized(sessionID, frame.Cols, frame.Rows)
			default:
				env = wire.Data(sessionID, frame.Data)
			}
			encoded, err := wire.Marshal(env)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, encoded); err != nil {
				return
			}
		case <-sub.Done():
			return
		case <-done:
			return
		}
	}
}

func (s *Server) readLoop(conn *websocket.Conn, sessionID string, h *hub.Hub, sub *hub.Subscriber, done chan struct{}) {
	defer close(done)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := wire.Unmarshal(raw)
		if err != nil {
			s.log.WithError(err).Debug("malformed client frame, ignoring")
			continue
		}
		switch env.Type {
		case wire.TypeInput:
			if err := h.Input([]byte(env.Data)); err != nil {
				s.log.WithError(err).Debug("failed to forward input")
			}
		case wire.TypeResize:
			if env.Cols > 0 && env.Rows > 0 {
				h.Resize(sub.ID, env.Cols, env.Rows)
			}
		}
	}
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

func disableNagle(conn *websocket.Conn) {
	if tcp, ok := conn.UnderlyingConn().(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
}
