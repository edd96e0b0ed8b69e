package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/dkoval7/AegisOps/command_center/advisory"
	"github.com/dkoval7/AegisOps/command_center/archive"
	"github.com/dkoval7/AegisOps/command_center/dispatch"
	"github.com/dkoval7/AegisOps/command_center/idempotency"
	"github.com/dkoval7/AegisOps/command_center/incident"
	"github.com/dkoval7/AegisOps/command_center/observability"
	"github.com/dkoval7/AegisOps/command_center/patrol"
	"github.com/dkoval7/AegisOps/command_center/registry"
)

type API struct {
	registry   *registry.Registry
	incidents  *incident.Store
	engine     *dispatch.Engine
	routes     *patrol.Store
	reconciler *patrol.Reconciler
	archive    *archive.Archive // nil when no Postgres configured
	advisory   *advisory.Client

	idempotency *idempotency.Store
	hub         *EventHub

	// Storm protection for alert ingestion.
	ingestLimiter  *rate.Limiter
	sourceLimiters *TokenBucketLimiter

	upgrader websocket.Upgrader
}

func NewAPI(reg *registry.Registry, incidents *incident.Store, engine *dispatch.Engine,
	routes *patrol.Store, reconciler *patrol.Reconciler, arch *archive.Archive,
	adv *advisory.Client, idem *idempotency.Store, hub *EventHub,
	ingestRate float64, ingestBurst int, sourceRate float64, sourceBurst int) *API {
	return &API{
		registry:       reg,
		incidents:      incidents,
		engine:         engine,
		routes:         routes,
		reconciler:     reconciler,
		archive:        arch,
		advisory:       adv,
		idempotency:    idem,
		hub:            hub,
		ingestLimiter:  rate.NewLimiter(rate.Limit(ingestRate), ingestBurst),
		sourceLimiters: NewTokenBucketLimiter(sourceRate, sourceBurst),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Wrapper for capturing response
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       []byte
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body = append(r.body, b...)
	return r.ResponseWriter.Write(b)
}

// withIdempotency replays cached responses for repeated operator commands.
func (a *API) withIdempotency(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Aegis-Idempotency-Key")
		if key == "" {
			next(w, r)
			return
		}

		if resp, found := a.idempotency.Get(r.Context(), key); found {
			for k, v := range resp.Headers {
				for _, val := range v {
					w.Header().Add(k, val)
				}
			}
			w.WriteHeader(resp.StatusCode)
			w.Write(resp.Body)
			return
		}

		rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next(rec, r)

		a.idempotency.Set(r.Context(), key, idempotency.Response{
			StatusCode: rec.statusCode,
			Body:       rec.body,
			Headers:    rec.Header(),
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeDomainError maps the error taxonomy to HTTP statuses. State machine
// violations are operator errors: reported, never retried server-side.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrUnknownUnit), errors.Is(err, incident.ErrUnknownIncident),
		errors.Is(err, patrol.ErrUnknownRoute):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, registry.ErrUnitBusy):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, incident.ErrTerminalState), errors.Is(err, incident.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, incident.ErrReasonRequired):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// -- Alert ingestion --

func (a *API) handleIngestAlert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !a.ingestLimiter.Allow() {
		observability.IngestRateLimited.WithLabelValues("global").Inc()
		a.writeRateLimitError(w)
		return
	}

	var alert incident.Alert
	if err := json.NewDecoder(r.Body).Decode(&alert); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if alert.ThreatType == "" {
		http.Error(w, "threat_type is required", http.StatusBadRequest)
		return
	}
	if alert.Source != "" && !a.sourceLimiters.Allow(alert.Source) {
		observability.IngestRateLimited.WithLabelValues("source").Inc()
		a.writeRateLimitError(w)
		return
	}

	inc, err := a.incidents.Ingest(alert)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	a.engine.OnNewIncident(inc.ID)

	// Return the post-dispatch view so callers see the assignment outcome.
	current, _ := a.incidents.Get(inc.ID)
	if current == nil {
		current = inc
	}
	writeJSON(w, http.StatusCreated, current)
}

// writeRateLimitError writes a 429 response with jittered Retry-After.
func (a *API) writeRateLimitError(w http.ResponseWriter) {
	retryAfter := 1000 + rand.Intn(1000)
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter/1000))
	http.Error(w, "Too Many Requests (Storm Protection Active)", http.StatusTooManyRequests)
}

// -- Unit registry --

func (a *API) handleRegisterUnit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var unit registry.Unit
	if err := json.NewDecoder(r.Body).Decode(&unit); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := a.registry.Register(&unit); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, a.registry.Get(unit.ID))
}

type heartbeatRequest struct {
	ID       string `json:"id"`
	Status   string `json:"status,omitempty"`
	Battery  int    `json:"battery,omitempty"`
	Location string `json:"location,omitempty"`
}

func (a *API) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	err := a.registry.Heartbeat(req.ID, registry.Telemetry{
		Status:   req.Status,
		Battery:  req.Battery,
		Location: req.Location,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (a *API) handleListUnits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.registry.List())
}

func (a *API) handleRetireUnit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := a.registry.Retire(req.ID); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// -- Incident queries --

func (a *API) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.incidents.ListOpen())
}

func (a *API) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/incidents/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	inc, err := a.incidents.Get(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if inc == nil {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (a *API) handleArchivedIncidents(w http.ResponseWriter, r *http.Request) {
	if a.archive == nil {
		http.Error(w, "Archive not configured", http.StatusServiceUnavailable)
		return
	}
	list, err := a.archive.List(r.Context(), 100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// -- Operator commands --

type operatorCommand struct {
	IncidentID string `json:"incident_id"`
	UnitID     string `json:"unit_id,omitempty"`
	Status     string `json:"status,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

func (a *API) handleOperatorAssign(w http.ResponseWriter, r *http.Request) {
	var cmd operatorCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := a.engine.OperatorAssign(cmd.IncidentID, cmd.UnitID); err != nil {
		writeDomainError(w, err)
		return
	}
	inc, _ := a.incidents.Get(cmd.IncidentID)
	writeJSON(w, http.StatusOK, inc)
}

func (a *API) handleOperatorTransition(w http.ResponseWriter, r *http.Request) {
	var cmd operatorCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	to := incident.Status(cmd.Status)
	if err := a.incidents.Transition(cmd.IncidentID, to, "operator", cmd.Reason); err != nil {
		writeDomainError(w, err)
		return
	}
	if to == incident.StatusResolved || to == incident.StatusClosed {
		a.engine.ReleaseIncident(cmd.IncidentID)
	}
	inc, _ := a.incidents.Get(cmd.IncidentID)
	writeJSON(w, http.StatusOK, inc)
}

// handleAckEscalation re-engages an escalated incident.
func (a *API) handleAckEscalation(w http.ResponseWriter, r *http.Request) {
	var cmd operatorCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := a.incidents.Transition(cmd.IncidentID, incident.StatusResponding, "operator", cmd.Reason); err != nil {
		writeDomainError(w, err)
		return
	}
	inc, _ := a.incidents.Get(cmd.IncidentID)
	writeJSON(w, http.StatusOK, inc)
}

// handleApproveExtension records an operator-approved response extension on a
// breached incident. The SLA deadline itself never moves; the approval
// re-engages the incident and lands in the timeline as the audit record.
func (a *API) handleApproveExtension(w http.ResponseWriter, r *http.Request) {
	var cmd operatorCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	reason := cmd.Reason
	if reason == "" {
		reason = "response extension approved"
	}
	if err := a.incidents.Transition(cmd.IncidentID, incident.StatusResponding, "operator", reason); err != nil {
		writeDomainError(w, err)
		return
	}
	inc, _ := a.incidents.Get(cmd.IncidentID)
	writeJSON(w, http.StatusOK, inc)
}

func (a *API) handleOperatorClose(w http.ResponseWriter, r *http.Request) {
	var cmd operatorCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := a.incidents.Transition(cmd.IncidentID, incident.StatusClosed, "operator", cmd.Reason); err != nil {
		writeDomainError(w, err)
		return
	}
	a.engine.ReleaseIncident(cmd.IncidentID)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// -- Patrol routes --

func (a *API) handleRoutes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, a.routes.List())
	case http.MethodPost:
		var route patrol.Route
		if err := json.NewDecoder(r.Body).Decode(&route); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		saved, err := a.routes.Upsert(&route)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, saved)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

type routeCommand struct {
	RouteID string `json:"route_id"`
	UnitID  string `json:"unit_id"`
}

func (a *API) handleRouteAssign(w http.ResponseWriter, r *http.Request) {
	var cmd routeCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := a.engine.AssignToRoute(cmd.RouteID, cmd.UnitID, dispatch.ByOperator); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.routes.Get(cmd.RouteID))
}

func (a *API) handleRouteRelease(w http.ResponseWriter, r *http.Request) {
	var cmd routeCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := a.engine.ReleaseFromRoute(cmd.RouteID, cmd.UnitID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.routes.Get(cmd.RouteID))
}

func (a *API) handleRouteReconcile(w http.ResponseWriter, r *http.Request) {
	a.reconciler.ReconcileNow(r.Context())
	writeJSON(w, http.StatusOK, a.routes.List())
}

// -- Dispatch / debug --

func (a *API) handleDispatchSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"dispatch":  a.engine.GetSnapshot(),
		"incidents": a.incidents.Snapshot(),
	})
}

func (a *API) handleAssignments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.engine.Assignments())
}

// -- Advisory --

func (a *API) handleAdvisorySuggestion(w http.ResponseWriter, r *http.Request) {
	summary := r.URL.Query().Get("context")
	if r.Method == http.MethodPost {
		var req struct {
			Context string `json:"context"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil && req.Context != "" {
			summary = req.Context
		}
	}
	if summary == "" {
		snap := a.incidents.Snapshot()
		summary = fmt.Sprintf("open incidents: %v, queued: %v, multi-incident mode: %v",
			snap["open"], snap["queued"], a.engine.MultiIncidentMode())
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	suggestion := a.advisory.GetSuggestion(ctx, summary)
	writeJSON(w, http.StatusOK, map[string]string{"suggestion": suggestion})
}

// -- Event feed --

func (a *API) handleEventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	a.hub.Register(conn)

	// Read pump: detect client disconnect.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				a.hub.Unregister(conn)
				return
			}
		}
	}()
}
