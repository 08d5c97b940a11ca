package backend

import (
	"fmt"

	"github.com/termfabric/sessionfabric/src/ptydriver"
)

// directController drives a direct_pty backend: the child shell is spawned
// straight into a PTY, with no intermediate process.
type directController struct {
	*baseController
}

func (a *Adapter) startDirect(spec Spec) (Controller, error) {
	log := a.log.WithField("backend", "direct_pty")

	command := spec.Command
	args := spec.Args
	if command == "" {
		command = "/bin/sh"
	}

	h, err := ptydriver.Spawn(ptydriver.Spec{
		Command: command,
		Args:    args,
		Dir:     spec.Dir,
		Env:     spec.Env,
		Cols:    spec.Cols,
		Rows:    spec.Rows,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("spawn direct pty: %w", err)
	}

	base := newBaseController(log)
	base.wireHandle(h)
	h.Start()

	return &directController{baseController: base}, nil
}

// Stop closes the PTY and kills the shell. Direct sessions have no
// secondary process to tear down first, unlike muxed (§4.B).
func (c *directController) Stop() {
	c.handle.Kill()
}
