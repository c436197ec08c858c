// Package handlers implements the control-plane HTTP endpoints: recipe
// CRUD, health and debug snapshots, restore, reschedule, cancel/
// emergency-stop, and the manual test-firing SSE stream.
package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pushcraft/automation-engine/internal/eventlog"
	"github.com/pushcraft/automation-engine/internal/executor"
	"github.com/pushcraft/automation-engine/internal/reconciler"
	"github.com/pushcraft/automation-engine/internal/scheduler"
	"github.com/pushcraft/automation-engine/internal/store"
	"github.com/pushcraft/automation-engine/pkg/models"
)

// activeFiringsWarnThreshold is the health-degraded trigger point for
// active firing count, distinct from (and much higher than) the worker
// pool size since pool saturation itself surfaces as dropped-overload.
const activeFiringsWarnThreshold = 32

// Handlers wires every control-plane endpoint to its backing component.
type Handlers struct {
	store      store.Store
	scheduler  *scheduler.Scheduler
	reconciler *reconciler.Reconciler
	executor   *executor.Executor
	events     *eventlog.Registry
	instanceID string

	mu          sync.Mutex
	testFirings map[string]string // recipe id -> active test firing id
}

// New builds the Handlers.
func New(st store.Store, sched *scheduler.Scheduler, rec *reconciler.Reconciler, ex *executor.Executor, events *eventlog.Registry, instanceID string) *Handlers {
	return &Handlers{
		store:       st,
		scheduler:   sched,
		reconciler:  rec,
		executor:    ex,
		events:      events,
		instanceID:  instanceID,
		testFirings: make(map[string]string),
	}
}

type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
	Errors  []string    `json:"errors,omitempty"`
}

func respondData(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

func respondOK(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(envelope{Success: true, Message: message})
}

func respondErr(w http.ResponseWriter, status int, message string, errs ...string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Success: false, Message: message, Errors: errs})
}

// ListRecipes handles GET /automation/recipes.
func (h *Handlers) ListRecipes(w http.ResponseWriter, r *http.Request) {
	filter := store.ListFilter{
		Status: models.RecipeStatus(r.URL.Query().Get("status")),
		Type:   models.RecipeType(r.URL.Query().Get("type")),
	}
	recipes, err := h.store.List(r.Context(), filter)
	if err != nil {
		respondErr(w, http.StatusServiceUnavailable, fmt.Sprintf("%s: %v", models.ErrStoreUnavailable, err))
		return
	}
	respondData(w, http.StatusOK, recipes)
}

// CreateRecipe handles POST /automation/recipes.
func (h *Handlers) CreateRecipe(w http.ResponseWriter, r *http.Request) {
	var recipe models.Recipe
	if err := json.NewDecoder(r.Body).Decode(&recipe); err != nil {
		respondErr(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if recipe.ID == "" {
		recipe.ID = uuid.NewString()
	}

	if err := h.store.Save(r.Context(), &recipe); err != nil {
		respondErr(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	if !recipe.Schedulable() {
		respondData(w, http.StatusCreated, recipe)
		return
	}
	if err := h.scheduler.Schedule(&recipe); err != nil {
		log.Error().Err(err).Str("recipe_id", recipe.ID).Msg("recipe saved but scheduling failed")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMultiStatus)
		json.NewEncoder(w).Encode(envelope{Success: true, Data: recipe, Message: "saved, but scheduling failed: " + err.Error()})
		return
	}
	respondData(w, http.StatusCreated, recipe)
}

// GetRecipe handles GET /automation/recipes/{id}.
func (h *Handlers) GetRecipe(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	recipe, err := h.store.Load(r.Context(), id)
	if err != nil {
		h.respondStoreErr(w, err)
		return
	}
	respondData(w, http.StatusOK, recipe)
}

// UpdateRecipe handles PUT /automation/recipes/{id}.
func (h *Handlers) UpdateRecipe(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var recipe models.Recipe
	if err := json.NewDecoder(r.Body).Decode(&recipe); err != nil {
		respondErr(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	recipe.ID = id

	if err := h.store.Save(r.Context(), &recipe); err != nil {
		respondErr(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	if recipe.Schedulable() {
		if err := h.scheduler.Reschedule(&recipe); err != nil {
			log.Error().Err(err).Str("recipe_id", id).Msg("recipe saved but reschedule failed")
		}
	} else {
		h.scheduler.Unschedule(id)
	}

	respondData(w, http.StatusOK, recipe)
}

// DeleteRecipe handles DELETE /automation/recipes/{id}.
func (h *Handlers) DeleteRecipe(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	h.scheduler.Unschedule(id)
	if err := h.store.Delete(r.Context(), id); err != nil {
		respondErr(w, http.StatusServiceUnavailable, fmt.Sprintf("%s: %v", models.ErrStoreUnavailable, err))
		return
	}
	respondOK(w, "deleted")
}

func (h *Handlers) respondStoreErr(w http.ResponseWriter, err error) {
	if nf, ok := err.(*store.ErrNotFound); ok {
		respondErr(w, http.StatusNotFound, nf.Error())
		return
	}
	respondErr(w, http.StatusServiceUnavailable, fmt.Sprintf("%s: %v", models.ErrStoreUnavailable, err))
}

// Health handles GET /health.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	report := h.buildHealthReport()

	status := http.StatusOK
	if report.Status != models.HealthHealthy {
		status = http.StatusServiceUnavailable
	}
	respondData(w, status, report)
}

func (h *Handlers) buildHealthReport() models.HealthReport {
	last := h.reconciler.LastRecord()

	report := models.HealthReport{
		InstanceID:   h.instanceID,
		Dependencies: make(map[string]string),
	}

	if last != nil {
		report.ExpectedJobsCount = last.ExpectedCount
		report.Divergence = last.Divergence
		report.LastRestorationAttempt = &last.Timestamp
		report.RestorationSuccess = last.Divergence == 0
	}
	report.ScheduledJobsCount = h.scheduler.ScheduledCount()
	report.ActiveFiringsCount = h.executor.ActiveFirings()

	cadenceDegraded := h.executor.CadenceDegraded()
	if cadenceDegraded {
		report.Dependencies["cadence"] = "degraded"
	} else {
		report.Dependencies["cadence"] = "ok"
	}

	switch {
	case report.Divergence > 0:
		report.Status = models.HealthCritical
	case cadenceDegraded, report.ActiveFiringsCount > activeFiringsWarnThreshold:
		report.Status = models.HealthDegraded
	default:
		report.Status = models.HealthHealthy
	}
	return report
}

// Debug handles GET /automation/debug.
func (h *Handlers) Debug(w http.ResponseWriter, r *http.Request) {
	respondData(w, http.StatusOK, map[string]interface{}{
		"jobs":          h.scheduler.Snapshot(),
		"lastRestore":   h.reconciler.LastRecord(),
		"activeFirings": h.executor.ActiveFirings(),
	})
}

// Restore handles POST /automation/restore.
func (h *Handlers) Restore(w http.ResponseWriter, r *http.Request) {
	record := h.reconciler.Run(r.Context())
	respondData(w, http.StatusOK, record)
}

type rescheduleRequest struct {
	AutomationID string `json:"automationId"`
}

// Reschedule handles POST /automation/reschedule.
func (h *Handlers) Reschedule(w http.ResponseWriter, r *http.Request) {
	var req rescheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AutomationID == "" {
		respondErr(w, http.StatusBadRequest, "automationId is required")
		return
	}

	recipe, err := h.store.Load(r.Context(), req.AutomationID)
	if err != nil {
		h.respondStoreErr(w, err)
		return
	}
	if err := h.scheduler.Reschedule(recipe); err != nil {
		respondErr(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	respondOK(w, "rescheduled")
}

type controlRequest struct {
	AutomationID string `json:"automationId"`
	Action       string `json:"action"`
	Reason       string `json:"reason,omitempty"`
}

// Control handles POST /automation/control.
func (h *Handlers) Control(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErr(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	switch req.Action {
	case "cancel":
		if req.AutomationID == "" {
			respondErr(w, http.StatusBadRequest, "automationId is required for cancel")
			return
		}
		cancelled, err := h.scheduler.Cancel(req.AutomationID, req.Reason)
		if err != nil {
			respondErr(w, http.StatusNotFound, err.Error())
			return
		}
		if !cancelled {
			respondOK(w, "no firing in its cancellation window; no-op")
			return
		}
		respondOK(w, "cancelled")
	case "emergency-stop":
		h.scheduler.EmergencyStop()
		respondOK(w, "emergency stop engaged; call restore to resume scheduling")
	default:
		respondErr(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", req.Action))
	}
}

// RunTest handles GET /automation/test/{id}?mode=dry|live and streams
// structured log events over SSE until the firing reaches a terminal
// state.
func (h *Handlers) RunTest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	recipe, err := h.store.Load(r.Context(), id)
	if err != nil {
		h.respondStoreErr(w, err)
		return
	}

	dryRun := strings.EqualFold(r.URL.Query().Get("mode"), "dry")

	firing := h.executor.RunTest(r.Context(), recipe, dryRun)

	h.mu.Lock()
	h.testFirings[id] = firing.ID
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		if h.testFirings[id] == firing.ID {
			delete(h.testFirings, id)
		}
		h.mu.Unlock()
	}()

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondErr(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	buf := h.events.Get(firing.ID)
	sub := buf.Subscribe()
	defer h.events.Evict(firing.ID)
	defer buf.Unsubscribe(sub)

	for _, ev := range buf.Recent(0) {
		writeSSEEvent(w, ev)
	}
	flusher.Flush()

	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			writeSSEEvent(w, ev)
			flusher.Flush()
			if ev.Stage == models.StageComplete || ev.Stage == models.StageCancel || ev.Stage == models.StageKilled {
				writeSSEResult(w, ev)
				flusher.Flush()
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, ev models.LogEvent) {
	data, _ := json.Marshal(ev)
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func writeSSEResult(w http.ResponseWriter, ev models.LogEvent) {
	success := ev.Level != models.LogLevelError
	result := map[string]interface{}{"type": "result", "success": success, "message": ev.Message}
	if !success {
		result = map[string]interface{}{"type": "error", "message": ev.Message}
	}
	data, _ := json.Marshal(result)
	fmt.Fprintf(w, "data: %s\n\n", data)
}

// KillTest handles POST /automation/test/{id}/kill.
func (h *Handlers) KillTest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	h.mu.Lock()
	firingID, ok := h.testFirings[id]
	h.mu.Unlock()
	if !ok {
		respondData(w, http.StatusOK, map[string]bool{"success": false})
		return
	}

	killed := h.executor.Cancel(firingID)
	respondData(w, http.StatusOK, map[string]bool{"success": killed})
}
