// Package server provides embeddable HTTP handlers for the
// orchestration workflows.
package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/experimentd/internal/experiment"
	"github.com/loykin/experimentd/internal/orchestrator"
	"github.com/loykin/experimentd/internal/store"
	"github.com/loykin/experimentd/internal/trainer"
)

// Router exposes the orchestration workflows over HTTP.
// Endpoints:
//
//	POST {basePath}/experiments               start a new experiment
//	GET  {basePath}/experiments/:id           fetch one experiment
//	POST {basePath}/experiments/:id/continue  resume one experiment
//	GET  {basePath}/groups/:id                list a group's experiments
//	POST {basePath}/groups/:id/continue       resume a whole group
//	GET  {basePath}/clients                   list pool entries
//	POST {basePath}/clients                   add a pool entry
//	POST {basePath}/users                     upsert an owner
//	GET  {basePath}/models                    list registered model kinds
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	orc      *orchestrator.Orchestrator
	st       store.Store
	reg      *trainer.Registry
	basePath string
}

func NewRouter(orc *orchestrator.Orchestrator, st store.Store, reg *trainer.Registry, basePath string) *Router {
	return &Router{orc: orc, st: st, reg: reg, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted
// in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.POST("/experiments", r.handleRunNew)
	group.GET("/experiments/:id", r.handleGetExperiment)
	group.POST("/experiments/:id/continue", r.handleContinue)
	group.GET("/groups/:id", r.handleGetGroup)
	group.POST("/groups/:id/continue", r.handleContinueGroup)
	group.GET("/clients", r.handleListClients)
	group.POST("/clients", r.handleAddClient)
	group.POST("/users", r.handlePutUser)
	group.GET("/models", r.handleModels)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr, basePath string, orc *orchestrator.Orchestrator, st store.Store, reg *trainer.Registry) (*http.Server, error) {
	r := NewRouter(orc, st, reg, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type runNewReq struct {
	Model   string            `json:"model"`
	EnvID   string            `json:"env_id"`
	Owner   string            `json:"owner"`
	GroupID string            `json:"group_id"`
	Params  experiment.Params `json:"params"`
}

func (r *Router) handleRunNew(c *gin.Context) {
	var req runNewReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.Model == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "model required"})
		return
	}
	e, err := r.orc.RunNew(c.Request.Context(), req.Model, req.EnvID, req.Owner, req.Params, req.GroupID)
	if err != nil {
		writeJSON(c, errStatus(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, e)
}

func (r *Router) handleGetExperiment(c *gin.Context) {
	e, err := r.st.GetExperiment(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeJSON(c, errStatus(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, e)
}

type continueReq struct {
	Owner      string `json:"owner"`
	ExtraSteps int    `json:"extra_steps"`
}

func (r *Router) handleContinue(c *gin.Context) {
	var req continueReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	e, err := r.orc.ContinueSingle(c.Request.Context(), c.Param("id"), req.Owner, req.ExtraSteps)
	if err != nil {
		writeJSON(c, errStatus(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, e)
}

func (r *Router) handleGetGroup(c *gin.Context) {
	list, err := r.st.GetExperimentsByGroup(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeJSON(c, errStatus(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, list)
}

func (r *Router) handleContinueGroup(c *gin.Context) {
	var req continueReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	resumed, err := r.orc.ContinueGroup(c.Request.Context(), c.Param("id"), req.Owner, req.ExtraSteps)
	if err != nil && len(resumed) == 0 {
		writeJSON(c, errStatus(err), errorResp{Error: err.Error()})
		return
	}
	// partial failure still reports the members that did resume
	resp := gin.H{"resumed": resumed}
	if err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleListClients(c *gin.Context) {
	list, err := r.st.ListClients(c.Request.Context())
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, list)
}

type addClientReq struct {
	Address string `json:"address"`
}

func (r *Router) handleAddClient(c *gin.Context) {
	var req addClientReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if !isSafeAddress(req.Address) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "address must be host:port"})
		return
	}
	if err := r.st.AddClient(c.Request.Context(), req.Address); err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"ok": true})
}

func (r *Router) handlePutUser(c *gin.Context) {
	var u experiment.User
	if err := c.ShouldBindJSON(&u); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if u.ID == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "id required"})
		return
	}
	if err := r.st.PutUser(c.Request.Context(), u); err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"ok": true})
}

func (r *Router) handleModels(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.reg.Models())
}

// errStatus maps domain errors to HTTP status codes.
func errStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, trainer.ErrUnknownModel), errors.Is(err, store.ErrDuplicateKey):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
