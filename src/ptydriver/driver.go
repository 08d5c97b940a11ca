// Package ptydriver implements §4.A of the session fabric: spawning or
// attaching a PTY, delivering bytes in arrival order, best-effort resize,
// and exactly-once exit notification. It is the lowest-level component —
// the Backend Adapter (src/backend) is the only caller.
//
// Grounded on the teacher's src/handler/terminal/terminal.go, generalized
// so a Handle can wrap either a spawned shell (direct_pty) or a
// multiplexer attach command (muxed) — both are just "a command running
// inside a PTY" at this layer.
package ptydriver

import (
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
)

// ExitEvent is delivered to a Handle's exit callback exactly once.
type ExitEvent struct {
	// Code is the normalized exit code. Detached is false only when a
	// collected wait status shows a clean zero exit; it is true for EOF
	// with no collected wait status, a signal, or a non-zero exit status,
	// none of which is surfaced as a process error (§4.A, §9).
	Code     int
	Detached bool
	Err      error
}

// Spec describes the command to run inside a freshly allocated PTY.
type Spec struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
	Cols    int
	Rows    int
}

// Handle is a live PTY-backed process.
type Handle struct {
	ptmx *os.File
	cmd  *exec.Cmd
	log  *logrus.Entry

	mu     sync.Mutex
	closed bool

	onData func([]byte)
	onExit func(ExitEvent)

	exitOnce sync.Once
	readDone chan struct{}
}

// Spawn creates a PTY and starts the child command attached to it.
func Spawn(spec Spec, log *logrus.Entry) (*Handle, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}
	configurePlatform(cmd)

	cols, rows := spec.Cols, spec.Rows
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return nil, err
	}

	h := &Handle{
		ptmx:     ptmx,
		cmd:      cmd,
		log:      log,
		readDone: make(chan struct{}),
	}
	return h, nil
}

// AttachMux spawns the multiplexer's attach command inside a PTY. It is
// mechanically identical to Spawn — attach is just a command — but kept as
// a distinct entry point per §4.A's contract so callers don't need to know
// the difference.
func AttachMux(attachCmd string, attachArgs []string, cols, rows int, log *logrus.Entry) (*Handle, error) {
	return Spawn(Spec{Command: attachCmd, Args: attachArgs, Cols: cols, Rows: rows}, log)
}

// OnData registers the callback invoked for every chunk read from the PTY,
// in arrival order. Must be called before the read loop starts consuming
// (i.e. immediately after Spawn/AttachMux, before Start).
func (h *Handle) OnData(fn func([]byte)) { h.onData = fn }

// OnExit registers the callback invoked exactly once when the child exits
// or the PTY is closed.
func (h *Handle) OnExit(fn func(ExitEvent)) { h.onExit = fn }

// Start begins the read loop. Must be called after OnData/OnExit are set.
func (h *Handle) Start() {
	go h.readLoop()
}

func (h *Handle) readLoop() {
	defer close(h.readDone)
	buf := make([]byte, 32*1024)
	for {
		n, err := h.ptmx.Read(buf)
		if n > 0 && h.onData != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			h.onData(chunk)
		}
		if err != nil {
			h.fireExit(err)
			return
		}
	}
}

func (h *Handle) fireExit(readErr error) {
	h.exitOnce.Do(func() {
		code, detached, err := normalizeExit(h.cmd, readErr)
		if h.onExit != nil {
			h.onExit(ExitEvent{Code: code, Detached: detached, Err: err})
		}
	})
}

// Write enqueues input bytes. The PTY master fd write is already
// non-blocking past kernel buffering, so this never blocks the caller for
// more than the time to hand bytes to the kernel (§4.A).
func (h *Handle) Write(p []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return io.ErrClosedPipe
	}
	_, err := h.ptmx.Write(p)
	return err
}

// Resize is best-effort: failures are logged, never propagated (§4.A).
func (h *Handle) Resize(cols, rows int) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return
	}
	if err := pty.Setsize(h.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}); err != nil {
		h.log.WithError(err).Warn("pty resize failed")
	}
}

// Kill terminates the child and closes the PTY. Idempotent.
func (h *Handle) Kill() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()

	if h.cmd != nil && h.cmd.Process != nil {
		killProcessGroup(h.cmd)
	}
	if h.ptmx != nil {
		_ = h.ptmx.Close()
	}
	if h.cmd != nil {
		_, _ = h.cmd.Process.Wait()
	}

	// Kill may race the read loop's own EOF-triggered exit; either path
	// fires exactly once thanks to exitOnce.
	h.fireExit(nil)
}

// Wait blocks until the read loop has observed EOF or an error. Useful in
// tests; production callers should use OnExit instead.
func (h *Handle) Wait() {
	<-h.readDone
}
