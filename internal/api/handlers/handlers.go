// Package handlers implements the HTTP handlers for the AEX gateway: the
// OpenAI-compatible execution routes, the read surface, and the admin
// control plane.
package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/Auro-rium/aex/internal/admission"
	"github.com/Auro-rium/aex/internal/api/middleware"
	"github.com/Auro-rium/aex/internal/catalog"
	"github.com/Auro-rium/aex/internal/config"
	"github.com/Auro-rium/aex/internal/dispatch"
	"github.com/Auro-rium/aex/internal/policy"
	"github.com/Auro-rium/aex/internal/replay"
	"github.com/Auro-rium/aex/internal/store"
	"github.com/Auro-rium/aex/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Config     *config.Config
	Store      *store.Store
	Admission  *admission.Controller
	Dispatcher *dispatch.Dispatcher
	Catalog    *catalog.Catalog
	Verifier   *replay.Verifier
}

// New creates a new Handlers instance with all dependencies.
func New(cfg *config.Config, s *store.Store, adm *admission.Controller, d *dispatch.Dispatcher, cat *catalog.Catalog, v *replay.Verifier) *Handlers {
	return &Handlers{
		Config:     cfg,
		Store:      s,
		Admission:  adm,
		Dispatcher: d,
		Catalog:    cat,
		Verifier:   v,
	}
}

// ── Execution routes ─────────────────────────────────────────

func (h *Handlers) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	h.execute(w, r, models.RouteChat)
}

func (h *Handlers) Responses(w http.ResponseWriter, r *http.Request) {
	h.execute(w, r, models.RouteResponses)
}

func (h *Handlers) Embeddings(w http.ResponseWriter, r *http.Request) {
	h.execute(w, r, models.RouteEmbeddings)
}

func (h *Handlers) ToolsExecute(w http.ResponseWriter, r *http.Request) {
	h.execute(w, r, models.RouteTools)
}

// execute runs the full admission-dispatch-settle path for one request.
func (h *Handlers) execute(w http.ResponseWriter, r *http.Request, route models.Route) {
	principal := middleware.GetPrincipal(r.Context())

	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	res, err := h.Admission.Admit(r.Context(), admission.Request{
		Principal:      principal,
		Route:          route,
		Body:           body,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		StepID:         r.Header.Get("X-AEX-Step-Id"),
	})
	if err != nil {
		log.Error().Err(err).Str("route", string(route)).Msg("admission failed")
		respondError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	switch res.Outcome {
	case admission.Denied:
		if res.RetryAfterSec > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(res.RetryAfterSec))
		}
		if res.ExecutionID != "" {
			w.Header().Set("X-AEX-Execution-Id", res.ExecutionID)
		}
		w.Header().Set("X-AEX-Deny-Kind", res.DenyKind)
		respondError(w, res.StatusCode, res.Detail)
		return

	case admission.IdempotentHit:
		h.writeCached(w, res.Cached)
		return

	case admission.InFlight:
		w.Header().Set("X-AEX-Execution-Id", res.ExecutionID)
		respondJSON(w, res.StatusCode, map[string]string{"detail": res.Detail})
		return
	}

	// Admitted: dispatch and settle.
	w.Header().Set("X-AEX-Execution-Id", res.ExecutionID)
	w.Header().Set("X-AEX-Reserve-Micro", strconv.FormatInt(res.ReserveMicro, 10))
	w.Header().Set("X-AEX-Idempotent-Hit", "false")

	var passthroughKey string
	if principal.Agent.Capabilities.AllowPassthrough {
		passthroughKey = r.Header.Get("X-AEX-Provider-Key")
	}

	switch {
	case route == models.RouteTools:
		out, err := h.Dispatcher.Tool(r.Context(), res)
		h.writeUnary(w, out, err)
	case res.Stream:
		if err := h.Dispatcher.Stream(r.Context(), w, res, passthroughKey); err != nil {
			log.Error().Err(err).Str("execution_id", res.ExecutionID).Msg("stream dispatch failed")
		}
	default:
		out, err := h.Dispatcher.Unary(r.Context(), res, passthroughKey)
		h.writeUnary(w, out, err)
	}
}

func (h *Handlers) writeUnary(w http.ResponseWriter, out *dispatch.UnaryResult, err error) {
	if err != nil {
		log.Error().Err(err).Msg("dispatch failed")
		respondError(w, http.StatusBadGateway, "Upstream dispatch failed")
		return
	}
	if out.CommitMicro > 0 || out.StatusCode == http.StatusOK {
		w.Header().Set("X-AEX-Commit-Micro", strconv.FormatInt(out.CommitMicro, 10))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(out.StatusCode)
	_, _ = w.Write(out.Body)
}

// writeCached replays a terminal execution's stored response.
func (h *Handlers) writeCached(w http.ResponseWriter, exec *models.Execution) {
	w.Header().Set("X-AEX-Execution-Id", exec.ID)
	w.Header().Set("X-AEX-Idempotent-Hit", "true")
	if exec.State == models.StateCommitted {
		w.Header().Set("X-AEX-Commit-Micro", strconv.FormatInt(exec.CommitMicro, 10))
	}
	status := exec.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if len(exec.ResponseCache) > 0 {
		_, _ = w.Write(exec.ResponseCache)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{
		"detail": fmt.Sprintf("execution %s is %s", exec.ID, exec.State),
	})
}

// ── Read surface ─────────────────────────────────────────────

// GetExecution returns one execution owned by the calling agent.
func (h *Handlers) GetExecution(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	id := chi.URLParam(r, "executionID")

	exec, err := h.Store.LookupExecution(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusNotFound, "Execution not found")
		return
	}
	if exec.AgentID != principal.Agent.ID {
		respondError(w, http.StatusNotFound, "Execution not found")
		return
	}
	respondJSON(w, http.StatusOK, exec)
}

// Me returns the calling agent's own account view.
func (h *Handlers) Me(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	agent, err := h.Store.GetAgent(r.Context(), principal.Agent.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, agent)
}

// ListModels exposes the catalog the way OpenAI clients expect.
func (h *Handlers) ListModels(w http.ResponseWriter, r *http.Request) {
	snap := h.Catalog.Snapshot()
	data := make([]map[string]any, 0, len(snap.Models))
	for name := range snap.Models {
		data = append(data, map[string]any{"id": name, "object": "model", "owned_by": "aex"})
	}
	respondJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

// ── Admin surface ────────────────────────────────────────────

// Activity returns the newest ledger events.
func (h *Handlers) Activity(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	events, err := h.Store.RecentEvents(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []models.EventRecord{}
	}
	respondJSON(w, http.StatusOK, events)
}

// Replay runs a full ledger verification. A failed verification halts
// admissions until clear_integrity.
func (h *Handlers) Replay(w http.ResponseWriter, r *http.Request) {
	report, err := h.Verifier.Verify(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !report.OK() {
		h.Admission.Halt("replay verification failed")
		respondJSON(w, http.StatusConflict, report)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// ReloadConfig re-reads the catalog and recompiles the policy plugins.
func (h *Handlers) ReloadConfig(w http.ResponseWriter, r *http.Request) {
	if err := h.Catalog.Reload(); err != nil {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	pol, err := policy.New(filepath.Join(h.Config.ConfigDir, "policies"))
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	h.Admission.SwapPolicy(pol)
	log.Info().Msg("config reloaded by admin")
	respondJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

// controlActions maps the admin control verbs to lifecycle states.
var controlActions = map[string]models.LifecycleState{
	"pause_all":   models.LifecyclePaused,
	"sandbox_all": models.LifecycleSandboxed,
	"kill_all":    models.LifecycleKilled,
	"resume_all":  models.LifecycleReady,
}

// Control handles the fleet-wide lifecycle switches plus the integrity
// latch reset.
func (h *Handlers) Control(w http.ResponseWriter, r *http.Request) {
	action := chi.URLParam(r, "action")

	if action == "clear_integrity" {
		h.Admission.ClearIntegrity()
		respondJSON(w, http.StatusOK, map[string]string{"status": "integrity latch cleared"})
		return
	}

	state, ok := controlActions[action]
	if !ok {
		respondError(w, http.StatusNotFound, "Unknown control action")
		return
	}
	affected, err := h.Store.SetLifecycleAll(r.Context(), state, "admin")
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Warn().Str("action", action).Int64("agents", affected).Msg("fleet lifecycle changed")
	respondJSON(w, http.StatusOK, map[string]any{"status": string(state), "agents": affected})
}

// ── Helpers ──────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"detail": message})
}
