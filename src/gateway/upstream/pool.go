// Package upstream implements §4.F, the Gateway-side Upstream Pool: it
// shares exactly one SM WebSocket connection per session_id across every
// Browser Channel subscribed to that session, protecting against the
// stale-close race described in §5's Shared-resource policy by
// identity-comparing the map's current entry before acting on a close.
//
// Grounded on the teacher's ManagedSession broadcast/subscriber pattern
// (src/handler/terminal/session_manager.go), replayed here one level up
// the stack: instead of fanning PTY bytes out to WS subscribers directly,
// the Pool fans SM WS frames out to registered Browser Channel listener
// callbacks.
package upstream

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/termfabric/sessionfabric/src/metrics"
	"github.com/termfabric/sessionfabric/src/wire"
)

// FrameHandler receives frames fanned out from a session's upstream.
type FrameHandler func(wire.Envelope)

type entry struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	mu        sync.Mutex
	refcount  int
	listeners map[string]FrameHandler

	// Resize arbitration mirrors the Hub's preview/full precedence rule
	// (§4.D), replayed here because every browser subscribed to this
	// session shares a single upstream connection and therefore a single
	// effective terminal size: a listener's resize only reaches SM when it
	// is non-preview, or no non-preview listener currently exists.
	previewListeners map[string]bool
	nonPreviewCount  int
	cols, rows       int
}

func (e *entry) broadcast(env wire.Envelope) {
	e.mu.Lock()
	handlers := make([]FrameHandler, 0, len(e.listeners))
	for _, h := range e.listeners {
		handlers = append(handlers, h)
	}
	e.mu.Unlock()
	for _, h := range handlers {
		h(env)
	}
}

// Pool owns the shared upstream connections, keyed by session_id (§4.F).
type Pool struct {
	smBaseURL string
	log       *logrus.Entry

	mu        sync.Mutex
	upstreams map[string]*entry
}

// NewPool builds a Pool dialing the Session Manager at smBaseURL
// (an http(s):// base URL, converted to ws(s):// per connection).
func NewPool(smBaseURL string, log *logrus.Entry) *Pool {
	return &Pool{
		smBaseURL: smBaseURL,
		log:       log,
		upstreams: make(map[string]*entry),
	}
}

// Handle is returned to a Browser Channel on Subscribe; it forwards input
// and resize requests over the shared upstream connection.
type Handle struct {
	pool       *Pool
	sessionID  string
	listenerID string
	e          *entry
}

// Input forwards input bytes over the shared upstream connection.
func (h *Handle) Input(data string) error {
	return h.send(wire.Envelope{Type: wire.TypeInput, SessionID: h.sessionID, Data: data})
}

// Resize arbitrates this listener's resize request against every other
// browser sharing the upstream (mirroring the Hub's own preview/full
// precedence, §4.D) before deciding whether to forward it upstream. A
// suppressed preview resize still gets a local resized ack reflecting the
// current effective size, matching the no-data-until-ack contract of §8.
func (h *Handle) Resize(cols, rows int) error {
	e := h.e
	e.mu.Lock()
	isPreview := e.previewListeners[h.listenerID]
	wins := !isPreview || e.nonPreviewCount == 0
	if wins {
		e.cols, e.rows = cols, rows
	}
	effectiveCols, effectiveRows := e.cols, e.rows
	onFrame := e.listeners[h.listenerID]
	e.mu.Unlock()

	if !wins {
		if onFrame != nil {
			onFrame(wire.Resized(h.sessionID, effectiveCols, effectiveRows))
		}
		return nil
	}
	return h.send(wire.Envelope{Type: wire.TypeResize, SessionID: h.sessionID, Cols: cols, Rows: rows})
}

func (h *Handle) send(env wire.Envelope) error {
	encoded, err := wire.Marshal(env)
	if err != nil {
		return err
	}
	h.e.writeMu.Lock()
	defer h.e.writeMu.Unlock()
	return h.e.conn.WriteMessage(websocket.TextMessage, encoded)
}

// Close unsubscribes this listener (§4.F unsubscribe).
func (h *Handle) Close() {
	h.pool.Unsubscribe(h.sessionID, h.listenerID)
}

// Subscribe attaches a listener to the shared upstream for sessionID,
// dialing a brand-new SM connection only if none exists yet (§4.F).
// preview marks the listener for local resize arbitration (§4.D, §4.G):
// it never affects the shared upstream dial, which always subscribes at
// SM as the non-preview tier so ring replay and resize control are
// available to every browser funneled through this one connection.
func (p *Pool) Subscribe(ctx context.Context, sessionID, listenerID string, preview bool, onFrame FrameHandler) (*Handle, error) {
	p.mu.Lock()
	if e, ok := p.upstreams[sessionID]; ok {
		registerListener(e, listenerID, preview, onFrame)
		p.mu.Unlock()
		return &Handle{pool: p, sessionID: sessionID, listenerID: listenerID, e: e}, nil
	}
	p.mu.Unlock()

	conn, err := p.dial(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("open upstream for session %s: %w", sessionID, err)
	}

	newEntry := &entry{
		conn:             conn,
		listeners:        make(map[string]FrameHandler),
		previewListeners: make(map[string]bool),
	}
	registerListener(newEntry, listenerID, preview, onFrame)

	p.mu.Lock()
	if existing, ok := p.upstreams[sessionID]; ok {
		// Lost the race: another caller already opened an upstream while we
		// were dialing. Discard ours and join theirs.
		registerListener(existing, listenerID, preview, onFrame)
		p.mu.Unlock()
		_ = conn.Close()
		return &Handle{pool: p, sessionID: sessionID, listenerID: listenerID, e: existing}, nil
	}
	p.upstreams[sessionID] = newEntry
	count := len(p.upstreams)
	p.mu.Unlock()
	metrics.Get().UpstreamsActive.Set(float64(count))

	go p.readPump(sessionID, newEntry)

	return &Handle{pool: p, sessionID: sessionID, listenerID: listenerID, e: newEntry}, nil
}

func registerListener(e *entry, listenerID string, preview bool, onFrame FrameHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[listenerID] = onFrame
	e.previewListeners[listenerID] = preview
	e.refcount++
	if !preview {
		e.nonPreviewCount++
	}
}

func (p *Pool) dial(ctx context.Context, sessionID string) (*websocket.Conn, error) {
	u, err := toWebsocketURL(p.smBaseURL, sessionID)
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func toWebsocketURL(base, sessionID string) (string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse SM base URL: %w", err)
	}
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	default:
		parsed.Scheme = "ws"
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/") + "/ws/terminal"
	q := parsed.Query()
	q.Set("sessionId", sessionID)
	q.Set("preview", "false")
	parsed.RawQuery = q.Encode()
	return parsed.String(), nil
}

// readPump relays SM frames to every listener until the connection
// closes, then tears the entry down (§4.F "on upstream close" behavior).
func (p *Pool) readPump(sessionID string, e *entry) {
	for {
		_, raw, err := e.conn.ReadMessage()
		if err != nil {
			break
		}
		env, err := wire.Unmarshal(raw)
		if err != nil {
			p.log.WithError(err).Debug("malformed upstream frame, ignoring")
			continue
		}
		e.broadcast(env)
	}
	p.handleClosed(sessionID, e)
}

// handleClosed removes e from the map only if it is still the live entry
// for sessionID (the stale-close protection required by §4.F/§5: an
// Unsubscribe that already tore e down must not have a second,
// conflicting teardown run against whatever new entry replaced it).
func (p *Pool) handleClosed(sessionID string, e *entry) {
	p.mu.Lock()
	current, ok := p.upstreams[sessionID]
	if !ok || current != e {
		p.mu.Unlock()
		return
	}
	delete(p.upstreams, sessionID)
	count := len(p.upstreams)
	p.mu.Unlock()
	metrics.Get().UpstreamsActive.Set(float64(count))

	e.broadcast(wire.Error(sessionID, wire.CloseUpstreamLost, "upstream connection lost"))
}

// Unsubscribe decrements the refcount for listenerID on sessionID's
// upstream; at zero it removes the map entry *before* closing the link,
// so the close handler's identity check (handleClosed) early-returns
// instead of clobbering a new upstream created during the teardown race
// (§4.F, §5).
func (p *Pool) Unsubscribe(sessionID, listenerID string) {
	p.mu.Lock()
	e, ok := p.upstreams[sessionID]
	if !ok {
		p.mu.Unlock()
		return
	}

	e.mu.Lock()
	if _, wasListener := e.listeners[listenerID]; !wasListener {
		e.mu.Unlock()
		p.mu.Unlock()
		return
	}
	delete(e.listeners, listenerID)
	if !e.previewListeners[listenerID] {
		e.nonPreviewCount--
	}
	delete(e.previewListeners, listenerID)
	e.refcount--
	remaining := e.refcount
	e.mu.Unlock()

	if remaining > 0 {
		p.mu.Unlock()
		return
	}

	delete(p.upstreams, sessionID)
	count := len(p.upstreams)
	p.mu.Unlock()
	metrics.Get().UpstreamsActive.Set(float64(count))

	_ = e.conn.Close()
}

// Count reports the number of live upstreams, for metrics.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.upstreams)
}
