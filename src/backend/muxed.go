package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/termfabric/sessionfabric/src/ptydriver"
)

// killOrderDelay is the pause between killing the multiplexer session and
// closing the PTY that was attached to it (§4.B, §6.1 "Kill-order
// safety"). Tearing the PTY down first can leave an orphaned
// console-attach error on some operating systems; killing the multiplexer
// session first and waiting lets that teardown settle before we let go of
// the PTY.
const killOrderDelay = 200 * time.Millisecond

type muxedController struct {
	*baseController
	mux     *Adapter
	muxName string
}

func (a *Adapter) startMuxed(ctx context.Context, spec Spec) (Controller, error) {
	if a.mux == nil {
		return nil, fmt.Errorf("muxed backend requested but no multiplexer client configured")
	}
	log := a.log.WithField("backend", "muxed").WithField("mux_name", spec.MuxName)

	if !a.mux.HasSession(ctx, spec.MuxName) {
		if err := a.mux.NewDetachedSession(ctx, spec.MuxName, spec.Dir, spec.Cols, spec.Rows); err != nil {
			return nil, fmt.Errorf("create mux session: %w", err)
		}
	}

	attachCmd, attachArgs := a.mux.AttachCommand(spec.MuxName)
	h, err := ptydriver.AttachMux(attachCmd, attachArgs, spec.Cols, spec.Rows, log)
	if err != nil {
		return nil, fmt.Errorf("attach to mux session %q: %w", spec.MuxName, err)
	}

	base := newBaseController(log)
	base.wireHandle(h)
	h.Start()

	return &muxedController{baseController: base, mux: a, muxName: spec.MuxName}, nil
}

// Stop kills the multiplexer session first, waits killOrderDelay, then
// closes the PTY — the ordering §4.B and §6.1 require.
func (c *muxedController) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.mux.mux.KillSession(ctx, c.muxName); err != nil {
		c.log.WithError(err).Warn("failed to kill mux session during stop")
	}
	time.Sleep(killOrderDelay)
	c.handle.Kill()
}
