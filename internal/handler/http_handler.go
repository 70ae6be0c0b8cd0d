// Package handler exposes the approval engine over HTTP. Handlers decode
// JSON, delegate to the services, and map coded errors to status codes.
package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-wf-approvals/internal/apperr"
	"github.com/pesio-ai/be-wf-approvals/internal/repository"
	"github.com/pesio-ai/be-wf-approvals/internal/service"
)

// HTTPHandler handles HTTP requests.
type HTTPHandler struct {
	engine     *service.ApprovalEngine
	workflows  *service.WorkflowService
	dynamic    *service.DynamicWorkflowManager
	delegation *service.DelegationManager
	log        zerolog.Logger
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(
	engine *service.ApprovalEngine,
	workflows *service.WorkflowService,
	dynamic *service.DynamicWorkflowManager,
	delegation *service.DelegationManager,
	log zerolog.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		engine:     engine,
		workflows:  workflows,
		dynamic:    dynamic,
		delegation: delegation,
		log:        log,
	}
}

// Routes registers all handler routes on mux.
func (h *HTTPHandler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/workflows", h.CreateWorkflow)
	mux.HandleFunc("/api/v1/workflows/get", h.GetWorkflow)
	mux.HandleFunc("/api/v1/workflows/deactivate", h.DeactivateWorkflow)
	mux.HandleFunc("/api/v1/workflows/conditions", h.AddCondition)
	mux.HandleFunc("/api/v1/workflows/rules", h.AddModificationRule)
	mux.HandleFunc("/api/v1/workflows/steps/add", h.AddTemplateStep)
	mux.HandleFunc("/api/v1/workflows/steps/remove", h.RemoveTemplateStep)
	mux.HandleFunc("/api/v1/workflows/steps/reorder", h.ReorderSteps)
	mux.HandleFunc("/api/v1/workflows/versions", h.VersionHistory)
	mux.HandleFunc("/api/v1/workflows/versions/rollback", h.Rollback)

	mux.HandleFunc("/api/v1/requests/submit", h.Submit)
	mux.HandleFunc("/api/v1/requests/get", h.GetRequest)
	mux.HandleFunc("/api/v1/requests/history", h.GetHistory)
	mux.HandleFunc("/api/v1/requests/breakdown", h.GetBreakdown)
	mux.HandleFunc("/api/v1/requests/approvers", h.EffectiveApprovers)
	mux.HandleFunc("/api/v1/requests/pending", h.Pending)
	mux.HandleFunc("/api/v1/requests/approve", h.Approve)
	mux.HandleFunc("/api/v1/requests/reject", h.Reject)
	mux.HandleFunc("/api/v1/requests/sendback", h.SendBack)
	mux.HandleFunc("/api/v1/requests/hold", h.Hold)
	mux.HandleFunc("/api/v1/requests/resume", h.Resume)
	mux.HandleFunc("/api/v1/requests/cancel", h.Cancel)
	mux.HandleFunc("/api/v1/requests/resubmit", h.Resubmit)
	mux.HandleFunc("/api/v1/requests/archive", h.Archive)
	mux.HandleFunc("/api/v1/requests/steps/add", h.AddRequestStep)
	mux.HandleFunc("/api/v1/requests/steps/remove", h.RemoveRequestStep)
	mux.HandleFunc("/api/v1/requests/steps/skip", h.SkipRequestStep)
	mux.HandleFunc("/api/v1/requests/approvers/assign", h.AssignApprover)

	mux.HandleFunc("/api/v1/delegations", h.CreateDelegation)
	mux.HandleFunc("/api/v1/delegations/deactivate", h.DeactivateDelegation)
}

// ── Workflow templates ────────────────────────────────────────────────────────

// CreateWorkflow handles workflow template creation.
func (h *HTTPHandler) CreateWorkflow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var in service.CreateWorkflowInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	wf, err := h.workflows.CreateWorkflow(r.Context(), in)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, wf)
}

// GetWorkflow returns a workflow template.
func (h *HTTPHandler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	entityID := r.URL.Query().Get("entity_id")
	id := r.URL.Query().Get("id")
	if entityID == "" || id == "" {
		http.Error(w, "Workflow ID and Entity ID are required", http.StatusBadRequest)
		return
	}

	wf, err := h.workflows.GetWorkflow(r.Context(), entityID, id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, wf)
}

// DeactivateWorkflow soft-deletes a template.
func (h *HTTPHandler) DeactivateWorkflow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		EntityID string `json:"entity_id"`
		ID       string `json:"id"`
		ActorID  string `json:"actor_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.workflows.Deactivate(r.Context(), req.EntityID, req.ID, req.ActorID); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

// AddCondition attaches a routing condition to a workflow.
func (h *HTTPHandler) AddCondition(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var cond repository.WorkflowCondition
	if err := json.NewDecoder(r.Body).Decode(&cond); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.workflows.AddCondition(r.Context(), &cond); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, cond)
}

// AddModificationRule attaches a dynamic-modification rule to a workflow.
func (h *HTTPHandler) AddModificationRule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var rule repository.WorkflowModificationRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.workflows.AddModificationRule(r.Context(), &rule); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, rule)
}

// AddTemplateStep adds a step to the template and snapshots a new version.
func (h *HTTPHandler) AddTemplateStep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		EntityID   string                    `json:"entity_id"`
		WorkflowID string                    `json:"workflow_id"`
		Step       repository.ApprovalStep   `json:"step"`
		Approvers  []repository.ApproverSpec `json:"approvers"`
		ActorID    string                    `json:"actor_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	err := h.dynamic.AddTemplateStep(r.Context(), req.EntityID, req.WorkflowID, req.Step, req.Approvers, req.ActorID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "step_added"})
}

// RemoveTemplateStep removes a template step and snapshots a new version.
func (h *HTTPHandler) RemoveTemplateStep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		EntityID   string `json:"entity_id"`
		WorkflowID string `json:"workflow_id"`
		StepID     string `json:"step_id"`
		ActorID    string `json:"actor_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	err := h.dynamic.RemoveTemplateStep(r.Context(), req.EntityID, req.WorkflowID, req.StepID, req.ActorID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "step_removed"})
}

// ReorderSteps applies a full stepID→sequence mapping.
func (h *HTTPHandler) ReorderSteps(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		EntityID   string         `json:"entity_id"`
		WorkflowID string         `json:"workflow_id"`
		Order      map[string]int `json:"order"`
		ActorID    string         `json:"actor_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	err := h.dynamic.ReorderSteps(r.Context(), req.EntityID, req.WorkflowID, req.Order, req.ActorID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "reordered"})
}

// VersionHistory lists all version snapshots of a workflow.
func (h *HTTPHandler) VersionHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	workflowID := r.URL.Query().Get("workflow_id")
	if workflowID == "" {
		http.Error(w, "Workflow ID is required", http.StatusBadRequest)
		return
	}

	history, err := h.dynamic.GetVersionHistory(r.Context(), workflowID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"versions": history})
}

// Rollback restores a workflow's steps from a prior version snapshot.
func (h *HTTPHandler) Rollback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		EntityID   string `json:"entity_id"`
		WorkflowID string `json:"workflow_id"`
		Version    int    `json:"version"`
		ActorID    string `json:"actor_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	err := h.dynamic.RollbackToVersion(r.Context(), req.EntityID, req.WorkflowID, req.Version, req.ActorID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "rolled_back"})
}

// ── Requests ──────────────────────────────────────────────────────────────────

// Submit starts a record through a workflow.
func (h *HTTPHandler) Submit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var in service.SubmitInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	req, err := h.engine.Submit(r.Context(), in)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, req)
}

// GetRequest returns a request by id.
func (h *HTTPHandler) GetRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Request ID is required", http.StatusBadRequest)
		return
	}

	req, err := h.engine.GetRequest(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, req)
}

// GetHistory returns a request's audit trail.
func (h *HTTPHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Request ID is required", http.StatusBadRequest)
		return
	}

	actions, err := h.engine.GetHistory(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"actions": actions})
}

// GetBreakdown returns the weighted approval breakdown for a step.
func (h *HTTPHandler) GetBreakdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	requestID := r.URL.Query().Get("request_id")
	stepID := r.URL.Query().Get("step_id")
	if requestID == "" || stepID == "" {
		http.Error(w, "Request ID and Step ID are required", http.StatusBadRequest)
		return
	}

	breakdown, err := h.engine.GetBreakdown(r.Context(), requestID, stepID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, breakdown)
}

// EffectiveApprovers returns who can currently act on a step, after dynamic
// assignments and delegation.
func (h *HTTPHandler) EffectiveApprovers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	requestID := r.URL.Query().Get("request_id")
	stepID := r.URL.Query().Get("step_id")
	if requestID == "" || stepID == "" {
		http.Error(w, "Request ID and Step ID are required", http.StatusBadRequest)
		return
	}

	approvers, err := h.engine.ResolveEffectiveApprovers(r.Context(), requestID, stepID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"approvers": approvers})
}

// Pending returns requests awaiting the given user's action.
func (h *HTTPHandler) Pending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	entityID := r.URL.Query().Get("entity_id")
	userID := r.URL.Query().Get("user_id")
	if entityID == "" || userID == "" {
		http.Error(w, "Entity ID and User ID are required", http.StatusBadRequest)
		return
	}

	requests, err := h.engine.PendingForUser(r.Context(), entityID, userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"requests": requests})
}

// Approve records an approval vote.
func (h *HTTPHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, h.engine.Approve)
}

// Reject records a rejection vote.
func (h *HTTPHandler) Reject(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var in service.RejectInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	req, err := h.engine.Reject(r.Context(), in)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, req)
}

// SendBack returns a request to a prior step.
func (h *HTTPHandler) SendBack(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var in service.SendBackInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	req, err := h.engine.SendBack(r.Context(), in)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, req)
}

// Hold pauses SLA tracking on a request.
func (h *HTTPHandler) Hold(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, h.engine.Hold)
}

// Resume lifts a hold.
func (h *HTTPHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, h.engine.Resume)
}

// Cancel withdraws a request. Requester only.
func (h *HTTPHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, h.engine.Cancel)
}

// Resubmit restarts a rejected request with a fresh record snapshot.
func (h *HTTPHandler) Resubmit(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, h.engine.Resubmit)
}

// Archive moves a terminal request to archived.
func (h *HTTPHandler) Archive(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, h.engine.Archive)
}

func (h *HTTPHandler) action(
	w http.ResponseWriter,
	r *http.Request,
	fn func(ctx context.Context, in service.ActionInput) (*repository.ApprovalRequest, error),
) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var in service.ActionInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	req, err := fn(r.Context(), in)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, req)
}

// ── Dynamic modification ──────────────────────────────────────────────────────

// AddRequestStep adds a step to one in-flight request.
func (h *HTTPHandler) AddRequestStep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var in service.AddStepInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.dynamic.AddStepToRequest(r.Context(), in); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "step_added"})
}

// RemoveRequestStep removes an untouched step from one in-flight request.
func (h *HTTPHandler) RemoveRequestStep(w http.ResponseWriter, r *http.Request) {
	h.requestStepDelta(w, r, h.dynamic.RemoveStepFromRequest, "step_removed")
}

// SkipRequestStep marks a step skipped for one in-flight request.
func (h *HTTPHandler) SkipRequestStep(w http.ResponseWriter, r *http.Request) {
	h.requestStepDelta(w, r, h.dynamic.SkipStep, "step_skipped")
}

func (h *HTTPHandler) requestStepDelta(
	w http.ResponseWriter,
	r *http.Request,
	fn func(ctx context.Context, requestID, stepID string, reason *string, actorID string) error,
	status string,
) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		RequestID string  `json:"request_id"`
		StepID    string  `json:"step_id"`
		Reason    *string `json:"reason"`
		ActorID   string  `json:"actor_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := fn(r.Context(), req.RequestID, req.StepID, req.Reason, req.ActorID); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

// AssignApprover records a request-scoped approver replacement or addition.
func (h *HTTPHandler) AssignApprover(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var in service.AssignApproverInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.dynamic.AssignDynamicApprover(r.Context(), in); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "approver_assigned"})
}

// ── Delegations ───────────────────────────────────────────────────────────────

// CreateDelegation registers a delegation of approval authority.
func (h *HTTPHandler) CreateDelegation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var d repository.Delegation
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.delegation.Create(r.Context(), &d); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, d)
}

// DeactivateDelegation turns a delegation off.
func (h *HTTPHandler) DeactivateDelegation(w http.ResponseWriter, r *http.Request) {
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

	if err := h.delegation.Deactivate(r.Context(), req.ID); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

// ── response helpers ──────────────────────────────────────────────────────────

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error().Err(err).Msg("failed to encode response")
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperr.CodeOf(err) {
	case apperr.ErrCodeInvalidInput:
		status = http.StatusBadRequest
	case apperr.ErrCodeUnauthorized:
		status = http.StatusForbidden
	case apperr.ErrCodeNotFound:
		status = http.StatusNotFound
	case apperr.ErrCodeConflict, apperr.ErrCodeStuck:
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("request failed")
	}
	http.Error(w, err.Error(), status)
}
