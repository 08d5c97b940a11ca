// Package backend implements §4.B: a uniform Controller interface over the
// two session backends (direct_pty, muxed), so the Session Hub (src/hub)
// never has to know which one it is driving.
package backend

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/termfabric/sessionfabric/src/muxclient"
	"github.com/termfabric/sessionfabric/src/ptydriver"
)

// Kind is one of the two backend flavors from §3.
type Kind string

const (
	DirectPTY Kind = "direct_pty"
	Muxed     Kind = "muxed"
)

// EventType distinguishes the three events a Controller emits (§4.B).
type EventType int

const (
	EventOutput EventType = iota
	EventDetached
	EventError
)

// Event is delivered on a Controller's Events channel.
type Event struct {
	Type EventType
	Data []byte
	Err  error
}

// Spec describes how to start or reattach a session's Controller.
type Spec struct {
	Backend Kind
	Command string
	Args    []string
	Dir     string
	Env     []string
	Cols    int
	Rows    int

	// MuxName is the multiplexer session name for Backend == Muxed.
	MuxName string
}

// Controller is the uniform handle the Hub drives regardless of backend.
type Controller interface {
	SendKeys(data []byte) error
	Resize(cols, rows int)
	Capture(nLines int) []byte
	Stop()
	Events() <-chan Event
}

const defaultCaptureBufferBytes = 64 * 1024

// Adapter starts and reattaches Controllers for both backend kinds.
type Adapter struct {
	mux *muxclient.Client
	log *logrus.Entry
}

// New builds an Adapter. mux may be nil only if no session ever uses the
// Muxed backend.
func New(mux *muxclient.Client, log *logrus.Entry) *Adapter {
	return &Adapter{mux: mux, log: log}
}

// Start creates a brand-new Controller for spec.
func (a *Adapter) Start(ctx context.Context, spec Spec) (Controller, error) {
	switch spec.Backend {
	case Muxed:
		return a.startMuxed(ctx, spec)
	default:
		return a.startDirect(spec)
	}
}

// Reattach rebinds a Controller to an existing session (POST .../reattach,
// §6.1). For direct_pty this necessarily restarts the shell (§6.1 table);
// for muxed it attaches a fresh PTY to the still-running multiplexer
// session.
func (a *Adapter) Reattach(ctx context.Context, spec Spec) (Controller, error) {
	return a.Start(ctx, spec)
}

// baseController holds the bookkeeping shared by both backend flavors:
// event fan-in from the PTY driver, a bounded capture buffer, and an
// events channel closed once the PTY process exits (whether on its own or
// after Stop).
type baseController struct {
	handle *ptydriver.Handle
	log    *logrus.Entry

	mu         sync.Mutex
	captureBuf []byte

	events    chan Event
	closeOnce sync.Once
}

func newBaseController(log *logrus.Entry) *baseController {
	return &baseController{
		log:    log,
		events: make(chan Event, 256),
	}
}

func (b *baseController) wireHandle(h *ptydriver.Handle) {
	b.handle = h
	h.OnData(func(chunk []byte) {
		b.appendCapture(chunk)
		b.emit(Event{Type: EventOutput, Data: chunk})
	})
	h.OnExit(func(ev ptydriver.ExitEvent) {
		if ev.Err != nil {
			b.emit(Event{Type: EventError, Err: ev.Err})
		}
		b.emit(Event{Type: EventDetached})
		b.closeEvents()
	})
}

func (b *baseController) appendCapture(chunk []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.captureBuf = append(b.captureBuf, chunk...)
	if len(b.captureBuf) > defaultCaptureBufferBytes {
		b.captureBuf = b.captureBuf[len(b.captureBuf)-defaultCaptureBufferBytes:]
	}
}

func (b *baseController) emit(ev Event) {
	select {
	case b.events <- ev:
	default:
		// Events channel is only ever read by one Hub goroutine which must
		// not block the PTY reader; drop rather than stall (§5).
	}
}

func (b *baseController) closeEvents() {
	b.closeOnce.Do(func() {
		close(b.events)
	})
}

func (b *baseController) Events() <-chan Event { return b.events }

func (b *baseController) SendKeys(data []byte) error {
	return b.handle.Write(data)
}

func (b *baseController) Resize(cols, rows int) {
	b.handle.Resize(cols, rows)
}

func (b *baseController) Capture(nLines int) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.captureBuf) == 0 {
		return nil
	}
	lines := splitLines(b.captureBuf)
	if nLines > 0 && nLines < len(lines) {
		lines = lines[len(lines)-nLines:]
	}
	out := make([]byte, 0, len(b.captureBuf))
	for i, l := range lines {
		if i > 0 {
			out = append(out, '\n')
		}
		out = append(out, l...)
	}
	return out
}

func splitLines(buf []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, c := range buf {
		if c == '\n' {
			lines = append(lines, buf[start:i])
			start = i + 1
		}
	}
	if start < len(buf) {
		lines = append(lines, buf[start:])
	}
	return lines
}
