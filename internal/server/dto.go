package server

import (
	"actiongate/internal/domain"
)

// Request payloads

type SubmitActionRequest struct {
	ID       *string             `json:"id,omitempty"`
	Kind     string              `json:"kind" enum:"content_post,purchase_order,ad_change,cx_reply,inventory_action"`
	Summary  string              `json:"summary"`
	Actions  []domain.ActionStep `json:"actions"`
	Evidence *domain.Evidence    `json:"evidence,omitempty"`
	Risk     *domain.Risk        `json:"risk,omitempty"`
	Rollback *domain.Rollback    `json:"rollback,omitempty"`
}

type ApproveActionRequest struct {
	Overrides map[string]any `json:"overrides,omitempty"`
	Grades    *domain.Grades `json:"grades,omitempty"`
	Version   *int64         `json:"version,omitempty"`
}

type RejectActionRequest struct {
	Reason string `json:"reason"`
}

type RequestChangesRequest struct {
	Note string `json:"note"`
}

// Response payloads

type ActionResponse struct {
	ID        string              `json:"id"`
	Kind      string              `json:"kind"`
	State     string              `json:"state" enum:"draft,pending_review,approved,rejected,applied,audited,learned"`
	Summary   string              `json:"summary"`
	CreatedBy string              `json:"created_by"`
	Evidence  *domain.Evidence    `json:"evidence,omitempty"`
	Risk      *domain.Risk        `json:"risk,omitempty"`
	Rollback  *domain.Rollback    `json:"rollback,omitempty"`
	Actions   []domain.ActionStep `json:"actions"`
	Grades    *domain.Grades      `json:"grades,omitempty"`
	Edits     *domain.Edits       `json:"edits,omitempty"`
	Receipt   *domain.Receipt     `json:"receipt,omitempty"`
	LastError string              `json:"last_error,omitempty"`
	Version   int64               `json:"version"`
	CreatedAt string              `json:"created_at" format:"date-time"`
	UpdatedAt string              `json:"updated_at" format:"date-time"`
}

type AuditRecordResponse struct {
	ID        int64  `json:"id"`
	ActionID  string `json:"action_id"`
	FromState string `json:"from_state"`
	ToState   string `json:"to_state"`
	Actor     string `json:"actor"`
	Reason    string `json:"reason,omitempty"`
	TS        string `json:"ts" format:"date-time"`
}

type LearningSignalResponse struct {
	ID           string         `json:"id"`
	ActionID     string         `json:"action_id"`
	EditDistance int            `json:"edit_distance"`
	Grading      *domain.Grades `json:"grading,omitempty"`
	Approved     bool           `json:"approved"`
	Confidence   float64        `json:"confidence"`
	GradedBy     string         `json:"graded_by,omitempty"`
	CreatedAt    string         `json:"created_at" format:"date-time"`
}

type paginatedActions struct {
	Items      []ActionResponse `json:"items"`
	NextOffset *int             `json:"next_offset,omitempty"`
}

type CreateKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

type CreateKeyResponse struct {
	ID      string `json:"id"`
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
	// Key is returned once at creation; only its hash is stored.
	Key       string `json:"key"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

func actionResponse(a domain.ProposedAction) ActionResponse {
	return ActionResponse{
		ID:        a.ID,
		Kind:      a.Kind,
		State:     a.State,
		Summary:   a.Summary,
		CreatedBy: a.CreatedBy,
		Evidence:  a.Evidence,
		Risk:      a.Risk,
		Rollback:  a.Rollback,
		Actions:   a.Actions,
		Grades:    a.Grades,
		Edits:     a.Edits,
		Receipt:   a.Receipt,
		LastError: a.LastError,
		Version:   a.Version,
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
}

func mapActions(items []domain.ProposedAction) []ActionResponse {
	res := make([]ActionResponse, 0, len(items))
	for _, a := range items {
		res = append(res, actionResponse(a))
	}
	return res
}

func auditResponse(r domain.AuditRecord) AuditRecordResponse {
	return AuditRecordResponse{
		ID:        r.ID,
		ActionID:  r.ActionID,
		FromState: r.FromState,
		ToState:   r.ToState,
		Actor:     r.Actor,
		Reason:    r.Reason,
		TS:        r.TS,
	}
}

func mapAudit(items []domain.AuditRecord) []AuditRecordResponse {
	res := make([]AuditRecordResponse, 0, len(items))
	for _, r := range items {
		res = append(res, auditResponse(r))
	}
	return res
}

func signalResponse(s domain.LearningSignal) LearningSignalResponse {
	return LearningSignalResponse{
		ID:           s.ID,
		ActionID:     s.ActionID,
		EditDistance: s.EditDistance,
		Grading:      s.Grading,
		Approved:     s.Approved,
		Confidence:   s.Confidence,
		GradedBy:     s.GradedBy,
		CreatedAt:    s.CreatedAt,
	}
}
