// Package hub implements §4.D, the Session Hub: the per-session fan-out
// point that owns exactly one live Controller (§4.B) and broadcasts its
// output to every attached subscriber, arbitrating resize requests between
// "preview" and "full" viewers.
//
// Grounded on the teacher's ManagedSession/SessionManager
// (src/handler/terminal/session_manager.go): the readLoop→appendBuffer→
// broadcast pipeline, the closeOnce/markDead idempotent-death pattern, and
// the lazy-create-on-first-subscriber SessionManager are kept; the ring
// buffer is generalized from a byte budget to a chunk-count budget, and
// subscribers gain an is_preview flag driving resize arbitration and
// scrollback-replay rules that the teacher's single-tier session had no
// need for.
package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/termfabric/sessionfabric/src/backend"
	"github.com/termfabric/sessionfabric/src/metrics"
	"github.com/termfabric/sessionfabric/src/registry"
)

// ErrHubClosed is returned by Subscribe when the Hub has already reached
// a terminal state.
var ErrHubClosed = errors.New("hub: session is no longer live")

// ErrNotLive is returned by Input/Resize when there is no live Controller
// to forward to (e.g. a detached or idle session).
var ErrNotLive = errors.New("hub: no live controller")

const (
	defaultSubscriberChanSize = 64

	// activityCoalesceWindow bounds Registry.UpdateActivity writes to at
	// most one per second per session (§4.D Activity).
	activityCoalesceWindow = time.Second
)

type state int

const (
	dormant state = iota
	attaching
	live
	detached
	idleState
	terminating
	dead
)

func (s state) String() string {
	switch s {
	case dormant:
		return "dormant"
	case attaching:
		return "attaching"
	case live:
		return "live"
	case detached:
		return "detached"
	case idleState:
		return "idle"
	case terminating:
		return "terminating"
	case dead:
		return "dead"
	default:
		return "unknown"
	}
}

// FrameKind distinguishes the payload carried by a Frame delivered to a Subscriber.
type FrameKind int

const (
	FrameData FrameKind = iota
	FrameResized
)

// Frame is the Hub's internal output unit. The WS-facing layer (src/api,
// src/gateway) translates a Frame into a wire.Envelope.
type Frame struct {
	Kind FrameKind
	Data []byte
	Cols int
	Rows int
}

// Subscriber is one attached viewer of a session (§4.D).
type Subscriber struct {
	ID        string
	Ch        chan Frame
	IsPreview bool

	done      chan struct{}
	closeOnce sync.Once
}

func (s *Subscriber) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Done reports the subscriber's closed link; callers (the WS write pump)
// should stop writing once this fires.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// SpecResolver produces the backend.Spec to use when a Hub lazily acquires
// its Controller on first subscribe.
type SpecResolver func(ctx context.Context, sessionID string) (backend.Spec, error)

// Hub owns one session's live Controller and scrollback ring (§4.D).
type Hub struct {
	id       string
	adapter  *backend.Adapter
	resolve  SpecResolver
	reg      *registry.Registry
	log      *logrus.Entry
	onDead   func(id string)

	attachOnce sync.Once
	ready      chan struct{}
	attachErr  error

	mu              sync.Mutex
	state           state
	controller      backend.Controller
	ring            *ring
	subs            map[string]*Subscriber
	nonPreviewCount int
	cols, rows      int
	lastActivityAt  time.Time
	deadNotified    bool
}

func newHub(id string, adapter *backend.Adapter, resolve SpecResolver, reg *registry.Registry, log *logrus.Entry, onDead func(string), scrollback int) *Hub {
	return &Hub{
		id:      id,
		adapter: adapter,
		resolve: resolve,
		reg:     reg,
		log:     log.WithField("session_id", id),
		onDead:  onDead,
		ready:   make(chan struct{}),
		state:   dormant,
		ring:    newRing(scrollback),
		subs:    make(map[string]*Subscriber),
	}
}

// State reports the Hub's current lifecycle state as a lowercase string
// (dormant, attaching, live, detached, idle, terminating, dead).
func (h *Hub) State() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state.String()
}

// ClientCount returns the number of attached subscribers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// ensureAttached lazily acquires the Controller on first call (§4.D
// Attach-on-demand); concurrent callers block on the same attach attempt.
func (h *Hub) ensureAttached(ctx context.Context) error {
	h.attachOnce.Do(func() {
		h.mu.Lock()
		h.state = attaching
		h.mu.Unlock()

		spec, err := h.resolve(ctx, h.id)
		if err != nil {
			h.failAttach(err)
			return
		}
		ctrl, err := h.adapter.Start(ctx, spec)
		if err != nil {
			h.failAttach(err)
			return
		}

		h.mu.Lock()
		h.controller = ctrl
		h.cols, h.rows = spec.Cols, spec.Rows
		h.state = live
		h.mu.Unlock()

		close(h.ready)
		go h.pump()
	})
	<-h.ready
	return h.attachErr
}

func (h *Hub) failAttach(err error) {
	h.log.WithError(err).Error("failed to attach session controller")
	h.attachErr = err
	h.mu.Lock()
	h.state = dead
	h.mu.Unlock()
	close(h.ready)
	h.notifyDead()
}

// pump reads Controller events for the lifetime of the live Controller,
// broadcasting output and reacting to detach (§4.D Broadcast, Detach).
func (h *Hub) pump() {
	for ev := range h.controller.Events() {
		switch ev.Type {
		case backend.EventOutput:
			h.handleOutput(ev.Data)
		case backend.EventError:
			h.log.WithError(ev.Err).Warn("controller reported a transient error")
		case backend.EventDetached:
			h.handleDetached()
		}
	}
	// The Events channel is only ever closed after EventDetached has been
	// emitted (baseController.closeEvents), but guard anyway so a Hub
	// never gets stuck mid-transition.
	h.handleDetached()
}

func (h *Hub) handleOutput(data []byte) {
	h.mu.Lock()
	h.ring.push(data)
	h.mu.Unlock()

	h.broadcast(Frame{Kind: FrameData, Data: data})
	h.recordActivity()
}

func (h *Hub) recordActivity() {
	if h.reg == nil {
		return
	}
	h.mu.Lock()
	now := time.Now()
	if now.Sub(h.lastActivityAt) < activityCoalesceWindow {
		h.mu.Unlock()
		return
	}
	h.lastActivityAt = now
	h.mu.Unlock()

	if err := h.reg.UpdateActivity(h.id, now); err != nil {
		h.log.WithError(err).Debug("failed to record session activity")
	}
}

// handleDetached is idempotent: Controller exit transitions LIVE→DETACHED
// (or →TERMINATING's DEAD if the detach was requested via Kill), and drops
// straight to DEAD if no subscriber remains to replay the ring for (§4.D
// state machine).
func (h *Hub) handleDetached() {
	h.mu.Lock()
	if h.state == detached || h.state == dead {
		h.mu.Unlock()
		return
	}
	wasTerminating := h.state == terminating
	h.controller = nil

	if wasTerminating || len(h.subs) == 0 {
		h.state = dead
	} else {
		h.state = detached
	}
	becameDead := h.state == dead
	h.mu.Unlock()

	if h.reg != nil {
		if err := h.reg.UpdateStatus(h.id, registry.StatusStopped); err != nil {
			h.log.WithError(err).Warn("failed to persist stopped status")
		}
	}
	if becameDead {
		h.notifyDead()
	}
}

func (h *Hub) notifyDead() {
	h.mu.Lock()
	if h.deadNotified {
		h.mu.Unlock()
		return
	}
	h.deadNotified = true
	h.mu.Unlock()
	if h.onDead != nil {
		h.onDead(h.id)
	}
}

// broadcast sends frame to every subscriber in arrival order, evicting any
// subscriber whose channel is full rather than blocking or dropping silently
// for everyone else (§4.D Failure semantics: no slow client can stall the Hub).
func (h *Hub) broadcast(frame Frame) {
	h.mu.Lock()
	subs := make([]*Subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		if !h.trySend(s, frame) {
			h.evict(s)
		}
	}
}

// trySend attempts a non-blocking delivery; it returns false if the
// subscriber's channel is full or already closing.
func (h *Hub) trySend(s *Subscriber, frame Frame) bool {
	select {
	case s.Ch <- frame:
		return true
	case <-s.done:
		return true // closing subscriber, not a failure
	default:
		return false
	}
}

func (h *Hub) evict(s *Subscriber) {
	h.log.WithField("subscriber", s.ID).Warn("evicting slow subscriber")
	metrics.Get().SubscriberEvictions.Inc()
	h.Unsubscribe(s.ID)
}

// Subscribe attaches a new viewer (§4.D), lazily acquiring the Controller
// on the very first call. Non-preview subscribers receive a scrollback
// replay frame; preview subscribers never do. Either may first receive a
// resized frame announcing the currently effective terminal size.
func (h *Hub) Subscribe(ctx context.Context, isPreview bool) (*Subscriber, error) {
	if err := h.ensureAttached(ctx); err != nil {
		return nil, ErrHubClosed
	}

	h.mu.Lock()
	if h.state == dead || h.state == terminating {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}

	sub := &Subscriber{
		ID:        uuid.NewString(),
		Ch:        make(chan Frame, defaultSubscriberChanSize),
		IsPreview: isPreview,
		done:      make(chan struct{}),
	}
	if !isPreview {
		h.nonPreviewCount++
	}
	if h.state == idleState {
		h.state = live
	}
	cols, rows := h.cols, h.rows
	var replay []byte
	if !isPreview {
		replay = h.ring.snapshot()
	}

	// Queue the resized/replay frames and publish the subscriber into h.subs
	// atomically under h.mu: broadcast() also takes h.mu to snapshot its
	// subscriber list, so a concurrent live chunk can only be sent to this
	// subscriber after these initial frames are already queued ahead of it,
	// never interleaved before them.
	if cols > 0 && rows > 0 {
		h.trySend(sub, Frame{Kind: FrameResized, Cols: cols, Rows: rows})
	}
	if len(replay) > 0 {
		h.trySend(sub, Frame{Kind: FrameData, Data: replay})
	}
	h.subs[sub.ID] = sub
	h.mu.Unlock()

	return sub, nil
}

// Unsubscribe detaches a subscriber. Idempotent.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.subs, id)
	if !sub.IsPreview && h.nonPreviewCount > 0 {
		h.nonPreviewCount--
	}
	empty := len(h.subs) == 0
	if empty && h.state == live {
		h.state = idleState
	}
	detachedNowEmpty := empty && h.state == detached
	h.mu.Unlock()

	sub.close()

	if detachedNowEmpty {
		h.mu.Lock()
		h.state = dead
		h.mu.Unlock()
		h.notifyDead()
	}
}

// Resize applies §4.D's arbitration rule for a resize request from the
// given subscriber, then broadcasts the resulting effective size to every
// subscriber as a resized acknowledgment (this both echoes to the
// requester and, per the boundary case, informs a preview subscriber whose
// request was suppressed of the size actually in effect).
func (h *Hub) Resize(id string, cols, rows int) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if !ok {
		h.mu.Unlock()
		return
	}

	wins := !sub.IsPreview || h.nonPreviewCount == 0
	if wins {
		h.cols, h.rows = cols, rows
	}
	effCols, effRows := h.cols, h.rows
	ctrl := h.controller
	h.mu.Unlock()

	if wins && ctrl != nil {
		ctrl.Resize(effCols, effRows)
	}
	h.broadcast(Frame{Kind: FrameResized, Cols: effCols, Rows: effRows})
}

// Input forwards input bytes to the Controller, if live.
func (h *Hub) Input(data []byte) error {
	h.mu.Lock()
	ctrl := h.controller
	h.mu.Unlock()
	if ctrl == nil {
		return ErrNotLive
	}
	return ctrl.SendKeys(data)
}

// Capture returns the last n lines of rendered output, preferring the live
// Controller's capture buffer and falling back to the scrollback ring when
// detached (§6.1 GET .../output).
func (h *Hub) Capture(n int) []byte {
	h.mu.Lock()
	ctrl := h.controller
	h.mu.Unlock()
	if ctrl != nil {
		return ctrl.Capture(n)
	}

	h.mu.Lock()
	snap := h.ring.snapshot()
	h.mu.Unlock()
	return lastNLines(snap, n)
}

func lastNLines(buf []byte, n int) []byte {
	if len(buf) == 0 || n <= 0 {
		return nil
	}
	lines := splitLines(buf)
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	out := lines[0]
	for _, l := range lines[1:] {
		out = append(out, '\n')
		out = append(out, l...)
	}
	return out
}

func splitLines(buf []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range buf {
		if b == '\n' {
			lines = append(lines, buf[start:i])
			start = i + 1
		}
	}
	if start < len(buf) {
		lines = append(lines, buf[start:])
	}
	return lines
}

// Kill transitions the Hub to TERMINATING and stops the Controller
// (§6.1 DELETE .../{id}); the eventual Controller exit event drives the
// final TERMINATING→DEAD transition. Idempotent.
func (h *Hub) Kill() {
	h.mu.Lock()
	switch h.state {
	case dead, terminating:
		h.mu.Unlock()
		return
	case dormant:
		h.state = dead
		h.mu.Unlock()
		h.notifyDead()
		return
	}
	h.state = terminating
	ctrl := h.controller
	h.mu.Unlock()

	if ctrl != nil {
		ctrl.Stop()
	} else {
		h.handleDetached()
	}
}

// Reattach tears down the current Controller (if any) and re-acquires a
// fresh one (§6.1 POST .../reattach): for direct_pty this restarts the
// shell process; for muxed backends it reattaches to the (still-running)
// multiplexer session.
func (h *Hub) Reattach(ctx context.Context) error {
	h.mu.Lock()
	old := h.controller
	h.controller = nil
	h.state = dormant
	h.attachOnce = sync.Once{}
	h.ready = make(chan struct{})
	h.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	return h.ensureAttached(ctx)
}
