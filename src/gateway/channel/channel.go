// Package channel implements §4.G, the Gateway's Browser Channel: one
// multiplexed WebSocket per browser, carrying subscribe/unsubscribe
// control frames plus the terminal data/input/resize frames for every
// session_id the browser has subscribed to.
//
// Grounded on the teacher's ManagedSession subscriber bookkeeping
// (src/handler/terminal/session_manager.go) for the idempotent
// subscribe/unsubscribe shape, generalized from "one session per
// connection" to "many sessions multiplexed over one connection".
package channel

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/termfabric/sessionfabric/src/gateway/upstream"
	"github.com/termfabric/sessionfabric/src/metrics"
	"github.com/termfabric/sessionfabric/src/wire"
)

// unsubscribeGrace is the deferred-unsubscribe window (§4.G): a browser
// that unsubscribes and immediately resubscribes (e.g. a UI re-render)
// must not pay for a fresh upstream dial.
const unsubscribeGrace = 200 * time.Millisecond

// Channel is one browser's multiplexed WebSocket connection.
type Channel struct {
	id     string
	userID string
	conn   *websocket.Conn
	pool   *upstream.Pool
	log    *logrus.Entry

	writeMu sync.Mutex

	mu            sync.Mutex
	subscriptions map[string]*upstream.Handle
	pendingUnsubs map[string]*time.Timer
}

// New builds a Channel for an already-authenticated browser connection.
func New(id, userID string, conn *websocket.Conn, pool *upstream.Pool, log *logrus.Entry) *Channel {
	if tcp, ok := conn.UnderlyingConn().(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	return &Channel{
		id:            id,
		userID:        userID,
		conn:          conn,
		pool:          pool,
		log:           log,
		subscriptions: make(map[string]*upstream.Handle),
		pendingUnsubs: make(map[string]*time.Timer),
	}
}

// Run reads control and data frames from the browser until the
// connection closes, then tears down every subscription.
func (ch *Channel) Run() {
	metrics.Get().GWWebSocketConnections.Inc()
	defer metrics.Get().GWWebSocketConnections.Dec()
	defer ch.closeAll()
	for {
		_, raw, err := ch.conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := wire.Unmarshal(raw)
		if err != nil {
			ch.log.WithError(err).Debug("malformed browser frame, ignoring")
			continue
		}
		ch.dispatch(env)
	}
}

func (ch *Channel) dispatch(env wire.Envelope) {
	switch env.Type {
	case wire.TypeSubscribe:
		ch.Subscribe(env.SessionID, env.Preview)
	case wire.TypeUnsubscribe:
		ch.Unsubscribe(env.SessionID)
	case wire.TypeInput:
		ch.forwardInput(env.SessionID, env.Data)
	case wire.TypeResize:
		if env.Cols > 0 && env.Rows > 0 {
			ch.forwardResize(env.SessionID, env.Cols, env.Rows)
		}
	}
}

// Subscribe attaches this channel to a session's upstream (§4.G).
// Idempotent: a session already subscribed keeps its single upstream
// ref; a pending deferred unsubscribe is cancelled instead of let to
// fire, so a quick unsubscribe/resubscribe never tears down the link.
func (ch *Channel) Subscribe(sessionID string, preview bool) {
	ch.mu.Lock()
	if timer, pending := ch.pendingUnsubs[sessionID]; pending {
		timer.Stop()
		delete(ch.pendingUnsubs, sessionID)
		ch.mu.Unlock()
		return
	}
	if _, already := ch.subscriptions[sessionID]; already {
		ch.mu.Unlock()
		return
	}
	ch.mu.Unlock()

	handle, err := ch.pool.Subscribe(context.Background(), sessionID, ch.id, preview, func(env wire.Envelope) {
		if env.Type == wire.TypeError {
			ch.purgeSubscription(sessionID)
		}
		ch.writeEnvelope(env)
	})
	if err != nil {
		ch.writeEnvelope(wire.Error(sessionID, wire.CloseUpstreamLost, err.Error()))
		return
	}

	ch.mu.Lock()
	// Another Subscribe for the same sessionID may have won the race while
	// we dialed; keep the first and drop the redundant upstream ref.
	if _, already := ch.subscriptions[sessionID]; already {
		ch.mu.Unlock()
		handle.Close()
		return
	}
	ch.subscriptions[sessionID] = handle
	ch.mu.Unlock()
}

func (ch *Channel) forwardInput(sessionID, data string) {
	ch.mu.Lock()
	h, ok := ch.subscriptions[sessionID]
	ch.mu.Unlock()
	if !ok {
		return
	}
	if err := h.Input(data); err != nil {
		ch.log.WithError(err).Debug("failed to forward input upstream")
	}
}

func (ch *Channel) forwardResize(sessionID string, cols, rows int) {
	ch.mu.Lock()
	h, ok := ch.subscriptions[sessionID]
	ch.mu.Unlock()
	if !ok {
		return
	}
	if err := h.Resize(cols, rows); err != nil {
		ch.log.WithError(err).Debug("failed to forward resize upstream")
	}
}

// Unsubscribe defers removal of sessionID by unsubscribeGrace (§4.G),
// so a near-immediate resubscribe (typical of a UI re-render) cancels
// the timer instead of paying for a fresh upstream dial.
func (ch *Channel) Unsubscribe(sessionID string) {
	ch.mu.Lock()
	if _, ok := ch.subscriptions[sessionID]; !ok {
		ch.mu.Unlock()
		return
	}
	if _, pending := ch.pendingUnsubs[sessionID]; pending {
		ch.mu.Unlock()
		return
	}
	timer := time.AfterFunc(unsubscribeGrace, func() { ch.finalizeUnsubscribe(sessionID) })
	ch.pendingUnsubs[sessionID] = timer
	ch.mu.Unlock()
}

// purgeSubscription drops sessionID's entry after its upstream has already
// torn itself down (§4.F "on upstream close"): the Handle's Pool-side entry
// is already gone by the time this runs, so unlike finalizeUnsubscribe there
// is nothing left to Close — only the Channel's own bookkeeping needs
// clearing so a later Subscribe for this session isn't refused forever.
func (ch *Channel) purgeSubscription(sessionID string) {
	ch.mu.Lock()
	if timer, pending := ch.pendingUnsubs[sessionID]; pending {
		timer.Stop()
		delete(ch.pendingUnsubs, sessionID)
	}
	delete(ch.subscriptions, sessionID)
	ch.mu.Unlock()
}

func (ch *Channel) finalizeUnsubscribe(sessionID string) {
	ch.mu.Lock()
	delete(ch.pendingUnsubs, sessionID)
	h, ok := ch.subscriptions[sessionID]
	if ok {
		delete(ch.subscriptions, sessionID)
	}
	ch.mu.Unlock()
	if ok {
		h.Close()
	}
}

func (ch *Channel) closeAll() {
	ch.mu.Lock()
	for _, timer := range ch.pendingUnsubs {
		timer.Stop()
	}
	ch.pendingUnsubs = make(map[string]*time.Timer)
	handles := make([]*upstream.Handle, 0, len(ch.subscriptions))
	for _, h := range ch.subscriptions {
		handles = append(handles, h)
	}
	ch.subscriptions = make(map[string]*upstream.Handle)
	ch.mu.Unlock()

	for _, h := range handles {
		h.Close()
	}
	_ = ch.conn.Close()
}

func (ch *Channel) writeEnvelope(env wire.Envelope) {
	encoded, err := wire.Marshal(env)
	if err != nil {
		return
	}
	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	_ = ch.conn.WriteMessage(websocket.TextMessage, encoded)
}
