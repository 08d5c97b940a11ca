// Package reconciler implements §4.H: the idempotent pass that runs once
// at Session Manager startup, before the listener accepts clients,
// reconciling the durable Registry against live multiplexer state.
//
// Grounded on the teacher's SessionManager.cleanup (session_manager.go),
// generalized from "prune dead in-memory sessions" to "reconcile
// persisted rows against an external process list" — the orphan-adoption
// and ghost-eviction steps have no teacher analogue and are grounded
// instead on the boot-time "list + diff + adopt" pattern commonly used
// for reconciliation loops in the wider pack (e.g.
// ehrlich-b-wingthing's store bootstrap).
package reconciler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/termfabric/sessionfabric/src/metrics"
	"github.com/termfabric/sessionfabric/src/muxclient"
	"github.com/termfabric/sessionfabric/src/registry"
)

// probeTimeout bounds multiplexer probes (§5 Reconciler timebox).
const probeTimeout = 5 * time.Second

// sessionIDNamespace is a fixed namespace UUID used to derive a stable
// registry id from a multiplexer session name (§4.H step 3: "derived id
// stable from the multiplexer name").
var sessionIDNamespace = uuid.MustParse("6f6d7c1e-6e1b-4f2e-9a3b-2a6a2fae9fd1")

// Report summarizes one reconciliation run, useful for startup logging and tests.
type Report struct {
	DowngradedDirectPTY int64
	Adopted             []string
	Evicted             []string
	RenamedLegacy       int
}

// Reconciler ties the Registry to a multiplexer client.
type Reconciler struct {
	reg *registry.Registry
	mux *muxclient.Client
	log *logrus.Entry

	// prefix is the reserved multiplexer session-name prefix (§6.3);
	// only sessions under this prefix are considered ours.
	prefix string
}

// New constructs a Reconciler. mux may be nil when the multiplexer backend
// is never used; Run then skips steps 2-4 entirely.
func New(reg *registry.Registry, mux *muxclient.Client, prefix string, log *logrus.Entry) *Reconciler {
	return &Reconciler{reg: reg, mux: mux, prefix: prefix, log: log}
}

// Run performs one full, idempotent reconciliation pass (§4.H).
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	metrics.Get().ReconcileRuns.Inc()
	var report Report

	downgraded, err := r.reg.DowngradeAllDirectPTYToStopped()
	if err != nil {
		return report, err
	}
	report.DowngradedDirectPTY = downgraded

	if r.mux != nil {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		defer cancel()

		if r.mux.Available(probeCtx) {
			live, err := r.mux.ListSessions(probeCtx, r.prefix)
			if err != nil {
				r.log.WithError(err).Warn("multiplexer probe failed, treating as empty session list")
				live = nil
			}

			adopted, err := r.adoptOrphans(probeCtx, live)
			if err != nil {
				return report, err
			}
			report.Adopted = adopted
			metrics.Get().ReconcileAdopted.Add(float64(len(adopted)))

			evicted, err := r.evictGhosts(probeCtx, live)
			if err != nil {
				return report, err
			}
			report.Evicted = evicted
			metrics.Get().ReconcileEvicted.Add(float64(len(evicted)))
		} else {
			r.log.Debug("multiplexer unavailable, skipping orphan adoption and ghost eviction")
		}
	}

	renamed, err := r.stripLegacyNames()
	if err != nil {
		return report, err
	}
	report.RenamedLegacy = renamed

	return report, nil
}

// adoptOrphans synthesizes a registry row for every live multiplexer
// session not already tracked (§4.H step 3).
func (r *Reconciler) adoptOrphans(ctx context.Context, liveNames []string) ([]string, error) {
	var adopted []string
	for _, name := range liveNames {
		_, found, err := r.reg.GetByMuxName(name)
		if err != nil {
			return adopted, err
		}
		if found {
			continue
		}

		cwd, err := r.mux.PaneCwd(ctx, name)
		if err != nil {
			r.log.WithError(err).WithField("mux_name", name).Warn("could not determine pane cwd for orphan session")
			cwd = ""
		}

		now := time.Now().UTC()
		s := registry.Session{
			ID:            DeriveSessionID(name),
			Name:          name,
			WorkspacePath: cwd,
			Kind:          registry.KindShell,
			Backend:       registry.BackendMuxed,
			MuxName:       name,
			Status:        registry.StatusRunning,
			CreatedAt:     now,
			LastActivity:  now,
		}
		if err := r.reg.Create(s); err != nil {
			return adopted, err
		}
		adopted = append(adopted, name)
		r.log.WithField("mux_name", name).Info("adopted orphan multiplexer session")
	}
	return adopted, nil
}

// evictGhosts removes every registered muxed session whose multiplexer
// session is no longer live (§4.H step 4).
func (r *Reconciler) evictGhosts(ctx context.Context, liveNames []string) ([]string, error) {
	liveSet := make(map[string]struct{}, len(liveNames))
	for _, n := range liveNames {
		liveSet[n] = struct{}{}
	}

	all, err := r.reg.List()
	if err != nil {
		return nil, err
	}

	var evicted []string
	for _, s := range all {
		if s.Backend != registry.BackendMuxed || s.MuxName == "" {
			continue
		}
		if _, ok := liveSet[s.MuxName]; ok {
			continue
		}
		if err := r.reg.Delete(s.ID); err != nil {
			return evicted, err
		}
		evicted = append(evicted, s.MuxName)
		r.log.WithField("mux_name", s.MuxName).Info("evicted ghost session row")
	}
	return evicted, nil
}

func (r *Reconciler) stripLegacyNames() (int, error) {
	before, err := r.reg.List()
	if err != nil {
		return 0, err
	}
	if err := r.reg.StripRecoveredSuffix(); err != nil {
		return 0, err
	}
	after, err := r.reg.List()
	if err != nil {
		return 0, err
	}

	count := 0
	afterByID := make(map[string]registry.Session, len(after))
	for _, s := range after {
		afterByID[s.ID] = s
	}
	for _, b := range before {
		if a, ok := afterByID[b.ID]; ok && a.Name != b.Name {
			count++
		}
	}
	return count, nil
}

// DeriveSessionID deterministically derives a registry id from a
// multiplexer session name, so re-running the Reconciler against the same
// live session always adopts it under the same id (§4.H step 3,
// idempotence per §8).
func DeriveSessionID(muxName string) string {
	return uuid.NewSHA1(sessionIDNamespace, []byte(muxName)).String()
}
