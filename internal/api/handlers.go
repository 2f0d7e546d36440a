package api

import (
	"net/http"
	"time"

	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/pkg/schema"
)

type triggerRequest struct {
	TenantID    string             `json:"tenant_id"`
	TriggerType schema.TriggerType `json:"trigger_type"`
	Payload     map[string]any     `json:"payload"`
}

// handleTrigger accepts a business event and starts matching workflows.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var body triggerRequest
	if !decodeBody(w, r, &body, false) {
		return
	}
	if body.Payload == nil {
		body.Payload = map[string]any{}
	}

	ids, err := s.deps.Service.TriggerWorkflow(r.Context(), body.TenantID, body.TriggerType, body.Payload)
	if err != nil && len(ids) == 0 {
		writeFlowError(w, err)
		return
	}
	resp := map[string]any{"execution_ids": ids}
	if err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// handleSweep runs one sweep. The body may carry {"now": RFC3339} to sweep
// as of a given instant.
func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Now *time.Time `json:"now"`
	}
	if !decodeBody(w, r, &body, true) {
		return
	}
	now := s.deps.Now()
	if body.Now != nil {
		now = body.Now.UTC()
	}

	result, err := s.deps.Service.Sweep(r.Context(), now)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ExecutionFilter{
		TenantID:   q.Get("tenant_id"),
		WorkflowID: q.Get("workflow_id"),
		Limit:      queryInt(r, "limit", 50),
		Offset:     queryInt(r, "offset", 0),
	}
	if st := q.Get("status"); st != "" {
		status := schema.ExecutionStatus(st)
		filter.Status = &status
	}

	execs, err := s.deps.Service.ListExecutions(r.Context(), filter)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	if execs == nil {
		execs = []*store.Execution{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": execs})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Service.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleExecutionEvents lists audit events after ?since. With an
// Accept: text/event-stream header it follows the log until the execution
// reaches a terminal status.
func (s *Server) handleExecutionEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	since := int64(queryInt(r, "since", 0))

	if r.Header.Get("Accept") == "text/event-stream" {
		s.streamEvents(w, r, id, since)
		return
	}

	events, err := s.deps.Service.Events(r.Context(), id, since)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	if events == nil {
		events = []*store.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if !decodeBody(w, r, &body, true) {
		return
	}
	if body.Reason == "" {
		body.Reason = "cancelled via api"
	}

	exec, err := s.deps.Service.Cancel(r.Context(), r.PathValue("id"), body.Reason)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleDefineWorkflow(w http.ResponseWriter, r *http.Request) {
	var def schema.WorkflowDefinition
	if !decodeBody(w, r, &def, false) {
		return
	}

	stored, err := s.deps.Service.DefineWorkflow(r.Context(), &def)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.DefinitionFilter{
		TenantID:       q.Get("tenant_id"),
		TriggerType:    schema.TriggerType(q.Get("trigger_type")),
		ActiveOnly:     queryBool(r, "active"),
		IncludeDeleted: queryBool(r, "include_deleted"),
		WithSteps:      queryBool(r, "with_steps"),
		Limit:          queryInt(r, "limit", 50),
		Offset:         queryInt(r, "offset", 0),
	}

	defs, err := s.deps.Service.ListWorkflows(r.Context(), filter)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	if defs == nil {
		defs = []*schema.WorkflowDefinition{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": defs})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	def, err := s.deps.Service.GetWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) handleSetWorkflowActive(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Active *bool `json:"active"`
	}
	if !decodeBody(w, r, &body, false) {
		return
	}
	if body.Active == nil {
		writeError(w, http.StatusBadRequest, "active is required")
		return
	}

	id := r.PathValue("id")
	if err := s.deps.Service.SetWorkflowActive(r.Context(), id, *body.Active); err != nil {
		writeFlowError(w, err)
		return
	}
	def, err := s.deps.Service.GetWorkflow(r.Context(), id)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Service.DeleteWorkflow(r.Context(), r.PathValue("id")); err != nil {
		writeFlowError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		if err := s.deps.Health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
