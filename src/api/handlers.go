package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/termfabric/sessionfabric/src/metrics"
	"github.com/termfabric/sessionfabric/src/registry"
)

const defaultOutputLines = 200

// recordSessionsTotal updates the registry status gauge from a full list
// snapshot. Statuses absent from counts are reset to zero so a session
// moving out of a status (e.g. stopped -> deleted) doesn't leave its last
// count stuck.
func recordSessionsTotal(counts map[registry.Status]int) {
	g := metrics.Get().SessionsTotal
	for _, status := range []registry.Status{registry.StatusRunning, registry.StatusIdle, registry.StatusStopped, registry.StatusError} {
		g.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

func (s *Server) handleCreate(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, failErr(err))
		return
	}

	kind := registry.KindShell
	if req.Kind == string(registry.KindAgent) {
		kind = registry.KindAgent
	}
	backendKind := registry.BackendDirectPTY
	if req.Backend == string(registry.BackendMuxed) {
		backendKind = registry.BackendMuxed
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	sess := registry.Session{
		ID:              id,
		Name:            req.Name,
		WorkspacePath:   req.WorkspacePath,
		Kind:            kind,
		Backend:         backendKind,
		Status:          registry.StatusRunning,
		SkipPermissions: req.SkipPermissions,
		AgentArgs:       req.AgentArgs,
		AgentResumeID:   req.AgentResumeID,
		CreatedAt:       now,
		LastActivity:    now,
	}
	if backendKind == registry.BackendMuxed {
		sess.MuxName = s.cfg.MuxSessionPrefix + id
	} else {
		sess.MuxName = id
	}

	if err := s.reg.Create(sess); err != nil {
		c.JSON(http.StatusInternalServerError, failErr(err))
		return
	}
	c.JSON(http.StatusCreated, ok(toDTO(sess)))
}

func (s *Server) handleList(c *gin.Context) {
	sessions, err := s.reg.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, failErr(err))
		return
	}
	dtos := make([]sessionDTO, 0, len(sessions))
	counts := make(map[registry.Status]int)
	for _, sess := range sessions {
		refreshed := s.refreshStatus(sess)
		counts[refreshed.Status]++
		dtos = append(dtos, toDTO(refreshed))
	}
	recordSessionsTotal(counts)
	c.JSON(http.StatusOK, ok(dtos))
}

func (s *Server) handleGet(c *gin.Context) {
	id := c.Param("id")
	sess, found, err := s.reg.Get(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, failErr(err))
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, fail("session not found"))
		return
	}
	c.JSON(http.StatusOK, ok(toDTO(s.refreshStatus(sess))))
}

// handleDelete kills a session (§6.1 DELETE .../{id}). Idempotent: killing
// an already-gone session still reports success.
func (s *Server) handleDelete(c *gin.Context) {
	id := c.Param("id")
	_, found, err := s.reg.Get(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, failErr(err))
		return
	}
	if !found {
		c.JSON(http.StatusOK, ok(nil))
		return
	}

	s.hubs.Kill(id)
	if err := s.reg.UpdateStatus(id, registry.StatusStopped); err != nil {
		s.log.WithError(err).Warn("failed to mark killed session stopped")
	}
	c.JSON(http.StatusOK, ok(nil))
}

func (s *Server) handleRename(c *gin.Context) {
	id := c.Param("id")
	var req renameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, failErr(err))
		return
	}
	if err := s.reg.Rename(id, req.Name); err != nil {
		c.JSON(http.StatusNotFound, failErr(err))
		return
	}
	sess, _, _ := s.reg.Get(id)
	c.JSON(http.StatusOK, ok(toDTO(sess)))
}

// handleReattach tears down the Hub's current Controller and spawns a
// fresh one (§6.1 POST .../reattach).
func (s *Server) handleReattach(c *gin.Context) {
	id := c.Param("id")
	_, found, err := s.reg.Get(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, failErr(err))
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, fail("session not found"))
		return
	}

	h := s.hubs.GetOrCreate(id)
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()
	if err := h.Reattach(ctx); err != nil {
		c.JSON(http.StatusInternalServerError, failErr(err))
		return
	}
	if err := s.reg.UpdateStatus(id, registry.StatusRunning); err != nil {
		s.log.WithError(err).Warn("failed to persist running status after reattach")
	}
	c.JSON(http.StatusOK, ok(nil))
}

func (s *Server) handleSend(c *gin.Context) {
	id := c.Param("id")
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, failErr(err))
		return
	}
	h, found := s.hubs.Get(id)
	if !found {
		c.JSON(http.StatusConflict, fail("session is not attached"))
		return
	}
	if err := h.Input([]byte(req.Keys)); err != nil {
		c.JSON(http.StatusConflict, failErr(err))
		return
	}
	c.JSON(http.StatusOK, ok(nil))
}

// handleOutput returns the last N lines of rendered output (§6.1 GET
// .../output), falling back to an empty string when the session has never
// had a Hub attached.
func (s *Server) handleOutput(c *gin.Context) {
	id := c.Param("id")
	lines := defaultOutputLines
	if v := c.Query("lines"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			lines = n
		}
	}

	var out []byte
	if h, found := s.hubs.Get(id); found {
		out = h.Capture(lines)
	}
	c.JSON(http.StatusOK, ok(gin.H{"output": string(out)}))
}

func (s *Server) handleHealth(c *gin.Context) {
	muxAvailable := false
	if s.mux != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		muxAvailable = s.mux.Available(ctx)
	}
	c.JSON(http.StatusOK, ok(healthResponse{
		MuxAvailable: muxAvailable,
		UptimeSecs:   time.Since(s.startedAt).Seconds(),
	}))
}

// refreshStatus reconciles a Session's persisted status against its live
// Hub state, if one exists, persisting and returning the corrected value
// (§6.1 GET /api/sessions "Refreshes status against live state").
func (s *Server) refreshStatus(sess registry.Session) registry.Session {
	h, found := s.hubs.Get(sess.ID)
	if !found {
		return sess
	}

	var mapped registry.Status
	switch h.State() {
	case "live", "attaching":
		mapped = registry.StatusRunning
	case "idle":
		mapped = registry.StatusIdle
	case "detached", "dead":
		mapped = registry.StatusStopped
	default:
		return sess
	}

	if mapped != sess.Status {
		if err := s.reg.UpdateStatus(sess.ID, mapped); err != nil {
			s.log.WithError(err).Debug("failed to persist refreshed status")
		}
		sess.Status = mapped
	}
	return sess
}
