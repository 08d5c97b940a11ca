package api

import (
	"time"

	"github.com/termfabric/sessionfabric/src/registry"
)

// envelope wraps every REST response as {ok, data?, error?} (§6.1).
type envelope struct {
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

func ok(data any) envelope       { return envelope{OK: true, Data: data} }
func fail(msg string) envelope   { return envelope{OK: false, Error: msg} }
func failErr(err error) envelope { return fail(err.Error()) }

// sessionDTO is the wire representation of a registry.Session (§3).
type sessionDTO struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	WorkspacePath   string    `json:"workspacePath"`
	Kind            string    `json:"kind"`
	Backend         string    `json:"backend"`
	MuxName         string    `json:"muxName"`
	Status          string    `json:"status"`
	SkipPermissions bool      `json:"skipPermissions"`
	AgentResumeID   string    `json:"agentResumeId,omitempty"`
	AgentArgs       []string  `json:"agentArgs,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	LastActivity    time.Time `json:"lastActivity"`
}

func toDTO(s registry.Session) sessionDTO {
	return sessionDTO{
		ID:              s.ID,
		Name:            s.Name,
		WorkspacePath:   s.WorkspacePath,
		Kind:            string(s.Kind),
		Backend:         string(s.Backend),
		MuxName:         s.MuxName,
		Status:          string(s.Status),
		SkipPermissions: s.SkipPermissions,
		AgentResumeID:   s.AgentResumeID,
		AgentArgs:       s.AgentArgs,
		CreatedAt:       s.CreatedAt,
		LastActivity:    s.LastActivity,
	}
}

// createRequest is the body of POST /api/sessions (§6.1).
type createRequest struct {
	Name            string   `json:"name" binding:"required"`
	WorkspacePath   string   `json:"workspacePath" binding:"required"`
	Kind            string   `json:"kind"`
	Backend         string   `json:"backend"`
	SkipPermissions bool     `json:"skipPermissions"`
	AgentArgs       []string `json:"agentArgs"`
	AgentResumeID   string   `json:"agentResumeId"`
}

type renameRequest struct {
	Name string `json:"name" binding:"required"`
}

type sendRequest struct {
	Keys string `json:"keys"`
}

type healthResponse struct {
	MuxAvailable bool    `json:"muxAvailable"`
	UptimeSecs   float64 `json:"uptimeSeconds"`
}
