package api

import (
	"context"
	"fmt"

	"github.com/termfabric/sessionfabric/src/backend"
	"github.com/termfabric/sessionfabric/src/config"
	"github.com/termfabric/sessionfabric/src/registry"
)

const (
	defaultCols = 80
	defaultRows = 24
)

// SpecResolver builds a hub.SpecResolver bound to a Registry and Config:
// the Hub calls this lazily on first subscribe (§4.D Attach-on-demand), so
// it must fully reconstruct the launch command from persisted state alone.
func SpecResolver(reg *registry.Registry, cfg config.Config) func(ctx context.Context, id string) (backend.Spec, error) {
	return func(ctx context.Context, id string) (backend.Spec, error) {
		s, found, err := reg.Get(id)
		if err != nil {
			return backend.Spec{}, fmt.Errorf("resolve spec for %s: %w", id, err)
		}
		if !found {
			return backend.Spec{}, fmt.Errorf("resolve spec: session not found: %s", id)
		}

		spec := backend.Spec{
			Backend: backend.Kind(s.Backend),
			Dir:     s.WorkspacePath,
			Cols:    defaultCols,
			Rows:    defaultRows,
			MuxName: s.MuxName,
		}

		switch s.Kind {
		case registry.KindAgent:
			spec.Command = cfg.AgentCommand
			spec.Args = s.AgentArgs
			if s.SkipPermissions {
				spec.Args = append(spec.Args, "--skip-permissions")
			}
			if s.AgentResumeID != "" {
				spec.Args = append(spec.Args, "--resume", s.AgentResumeID)
			}
		default:
			spec.Command = cfg.ShellCommand
		}

		return spec, nil
	}
}
