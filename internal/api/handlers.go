package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/werdnum/family-assistant/internal/registry"
	"github.com/werdnum/family-assistant/internal/store"
	"github.com/werdnum/family-assistant/internal/worker"
)

// parseKind validates the {kind} path segment.
func parseKind(r *http.Request) (store.Kind, error) {
	switch k := store.Kind(r.PathValue("kind")); k {
	case store.KindEvent, store.KindSchedule:
		return k, nil
	default:
		return "", fmt.Errorf("%w: kind must be event or schedule", registry.ErrValidation)
	}
}

func (s *Server) handleAutomationList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kind := q.Get("automation_type")
	if kind == "" {
		kind = q.Get("kind")
	}
	f := store.ListFilter{
		ConversationID: q.Get("conversation_id"),
		Kind:           store.Kind(kind),
	}
	if v := q.Get("enabled"); v != "" {
		enabled := v == "true" || v == "1"
		f.Enabled = &enabled
	}
	f.Page, _ = strconv.Atoi(q.Get("page"))
	f.PageSize, _ = strconv.Atoi(q.Get("page_size"))

	autos, total, err := s.registry.List(r.Context(), f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if autos == nil {
		autos = []*store.Automation{}
	}

	// Echo the effective paging values, not the raw query.
	page := f.Page
	if page < 1 {
		page = 1
	}
	size := f.PageSize
	if size < 1 {
		size = store.DefaultPageSize
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"automations": autos,
		"total_count": total,
		"page":        page,
		"page_size":   size,
	})
}

func (s *Server) handleAutomationCreate(w http.ResponseWriter, r *http.Request) {
	kind, err := parseKind(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	// The shadowing pointer distinguishes an explicit "enabled": false
	// from an omitted field, which defaults to true.
	var payload struct {
		store.Automation
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", store.ErrInvalidArgument, err))
		return
	}
	a := payload.Automation
	a.Kind = kind
	a.Enabled = payload.Enabled == nil || *payload.Enabled

	created, err := s.registry.Create(r.Context(), &a)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleAutomationGet(w http.ResponseWriter, r *http.Request) {
	kind, err := parseKind(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	a, err := s.registry.Get(r.Context(), kind, r.PathValue("id"), r.URL.Query().Get("conversation_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, a)
}

// automationPatch carries a partial update; nil fields preserve the
// stored values.
type automationPatch struct {
	Name            *string         `json:"name"`
	Description     *string         `json:"description"`
	Enabled         *bool           `json:"enabled"`
	ActionType      *string         `json:"action_type"`
	ActionConfig    *map[string]any `json:"action_config"`
	InterfaceType   *string         `json:"interface_type"`
	Timezone        *string         `json:"timezone"`
	MatchConditions *map[string]any `json:"match_conditions"`
	ConditionScript *string         `json:"condition_script"`
	OneTime         *bool           `json:"one_time"`
	RecurrenceRule  *string         `json:"recurrence_rule"`
}

func (s *Server) handleAutomationPatch(w http.ResponseWriter, r *http.Request) {
	kind, err := parseKind(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	conversationID := r.URL.Query().Get("conversation_id")

	var patch automationPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", store.ErrInvalidArgument, err))
		return
	}

	current, err := s.registry.Get(r.Context(), kind, r.PathValue("id"), conversationID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	// Enabled-only patches skip full validation so a disable always
	// succeeds, even on rows that predate stricter rules.
	if patch.Enabled != nil && onlyEnabled(patch) {
		if err := s.registry.SetEnabled(r.Context(), kind, current.ID, conversationID, *patch.Enabled); err != nil {
			s.writeError(w, err)
			return
		}
		current.Enabled = *patch.Enabled
		s.writeJSON(w, http.StatusOK, current)
		return
	}

	applyPatch(current, patch)
	updated, err := s.registry.Update(r.Context(), current)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}

func onlyEnabled(p automationPatch) bool {
	return p.Name == nil && p.Description == nil && p.ActionType == nil &&
		p.ActionConfig == nil && p.InterfaceType == nil && p.Timezone == nil &&
		p.MatchConditions == nil && p.ConditionScript == nil && p.OneTime == nil &&
		p.RecurrenceRule == nil
}

func applyPatch(a *store.Automation, p automationPatch) {
	if p.Name != nil {
		a.Name = *p.Name
	}
	if p.Description != nil {
		a.Description = *p.Description
	}
	if p.Enabled != nil {
		a.Enabled = *p.Enabled
	}
	if p.ActionType != nil {
		a.ActionType = *p.ActionType
	}
	if p.ActionConfig != nil {
		a.ActionConfig = *p.ActionConfig
	}
	if p.InterfaceType != nil {
		a.InterfaceType = *p.InterfaceType
	}
	if p.Timezone != nil {
		a.Timezone = *p.Timezone
	}
	if p.MatchConditions != nil {
		a.MatchConditions = *p.MatchConditions
	}
	if p.ConditionScript != nil {
		a.ConditionScript = *p.ConditionScript
	}
	if p.OneTime != nil {
		a.OneTime = *p.OneTime
	}
	if p.RecurrenceRule != nil {
		a.RecurrenceRule = *p.RecurrenceRule
	}
}

func (s *Server) handleAutomationDelete(w http.ResponseWriter, r *http.Request) {
	kind, err := parseKind(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.registry.Delete(r.Context(), kind, r.PathValue("id"), r.URL.Query().Get("conversation_id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleAutomationStats(w http.ResponseWriter, r *http.Request) {
	kind, err := parseKind(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	stats, err := s.registry.Stats(r.Context(), kind, r.PathValue("id"), r.URL.Query().Get("conversation_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// requireWorkers guards the worker routes when no backend is
// configured.
func (s *Server) requireWorkers(w http.ResponseWriter) bool {
	if s.orchestrator == nil {
		s.writeJSON(w, http.StatusServiceUnavailable,
			map[string]string{"error": "no worker backend configured"})
		return false
	}
	return true
}

func (s *Server) handleWebhookEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := s.receiver.Accept(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":   "accepted",
		"event_id": ev.ID,
	})
}

func (s *Server) handleWorkerSpawn(w http.ResponseWriter, r *http.Request) {
	if !s.requireWorkers(w) {
		return
	}
	var req worker.SpawnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", store.ErrInvalidArgument, err))
		return
	}
	task, err := s.orchestrator.Spawn(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleWorkerStatus(w http.ResponseWriter, r *http.Request) {
	if !s.requireWorkers(w) {
		return
	}
	task, err := s.orchestrator.GetStatus(r.Context(), r.PathValue("task_id"), r.URL.Query().Get("conversation_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleWorkerCancel(w http.ResponseWriter, r *http.Request) {
	if !s.requireWorkers(w) {
		return
	}
	err := s.orchestrator.Cancel(r.Context(), r.PathValue("task_id"), r.URL.Query().Get("conversation_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleWorkerComplete(w http.ResponseWriter, r *http.Request) {
	if !s.requireWorkers(w) {
		return
	}
	var report worker.CompletionReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", store.ErrInvalidArgument, err))
		return
	}
	if err := s.orchestrator.HandleCompletion(r.Context(), r.PathValue("task_id"), report); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleConfirmationReply(w http.ResponseWriter, r *http.Request) {
	var reply struct {
		Approved bool `json:"approved"`
	}
	if err := json.NewDecoder(r.Body).Decode(&reply); err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", store.ErrInvalidArgument, err))
		return
	}

	// Unknown or late replies are discarded, not errors: the prompt
	// may have timed out a moment ago.
	delivered := s.mediator.Reply(r.PathValue("id"), reply.Approved)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"delivered": delivered,
	})
}
