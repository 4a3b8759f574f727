package domain

// Action states. Transitions outside the guarded set are rejected by the engine.
const (
	StateDraft         = "draft"
	StatePendingReview = "pending_review"
	StateApproved      = "approved"
	StateRejected      = "rejected"
	StateApplied       = "applied"
	StateAudited       = "audited"
	StateLearned       = "learned"
)

// Action kinds accepted by the engine.
const (
	KindContentPost     = "content_post"
	KindPurchaseOrder   = "purchase_order"
	KindAdChange        = "ad_change"
	KindCXReply         = "cx_reply"
	KindInventoryAction = "inventory_action"
)

type Evidence struct {
	WhatChanges    string `json:"what_changes"`
	WhyNow         string `json:"why_now,omitempty"`
	ImpactForecast string `json:"impact_forecast,omitempty"`
}

type Risk struct {
	WhatCouldGoWrong string `json:"what_could_go_wrong,omitempty"`
	RecoveryTime     string `json:"recovery_time,omitempty"`
}

type Rollback struct {
	Steps            string `json:"steps"`
	ArtifactLocation string `json:"artifact_location,omitempty"`
}

// ActionStep is one executor dispatch: an endpoint plus its payload.
type ActionStep struct {
	Endpoint string         `json:"endpoint"`
	Payload  map[string]any `json:"payload"`
}

// Grades are reviewer scores on a 1-5 scale, assigned at approval time.
type Grades struct {
	Tone     *int `json:"tone,omitempty" minimum:"1" maximum:"5"`
	Accuracy *int `json:"accuracy,omitempty" minimum:"1" maximum:"5"`
	Policy   *int `json:"policy,omitempty" minimum:"1" maximum:"5"`
}

// Edits holds the machine draft and the human-approved final payload text.
type Edits struct {
	Original string `json:"original"`
	Final    string `json:"final"`
}

type ProposedAction struct {
	ID        string       `json:"id"`
	Kind      string       `json:"kind" enum:"content_post,purchase_order,ad_change,cx_reply,inventory_action"`
	State     string       `json:"state" enum:"draft,pending_review,approved,rejected,applied,audited,learned"`
	Summary   string       `json:"summary"`
	CreatedBy string       `json:"created_by"`
	Evidence  *Evidence    `json:"evidence,omitempty"`
	Risk      *Risk        `json:"risk,omitempty"`
	Rollback  *Rollback    `json:"rollback,omitempty"`
	Actions   []ActionStep `json:"actions"`
	Grades    *Grades      `json:"grades,omitempty"`
	Edits     *Edits       `json:"edits,omitempty"`
	Receipt   *Receipt     `json:"receipt,omitempty"`
	LastError string       `json:"last_error,omitempty"`
	Version   int64        `json:"version"`
	CreatedAt string       `json:"created_at" format:"date-time"`
	UpdatedAt string       `json:"updated_at" format:"date-time"`
}

// Receipt is the executor's acknowledgement of a dispatched action.
type Receipt struct {
	ID         string `json:"id"`
	JobID      string `json:"job_id,omitempty"`
	Status     string `json:"status"`
	Body       string `json:"body,omitempty"`
	ReceivedAt string `json:"received_at" format:"date-time"`
}

// AuditRecord is one immutable row of the transition history.
type AuditRecord struct {
	ID        int64  `json:"id"`
	ActionID  string `json:"action_id"`
	FromState string `json:"from_state"`
	ToState   string `json:"to_state"`
	Actor     string `json:"actor"`
	Reason    string `json:"reason,omitempty"`
	TS        string `json:"ts" format:"date-time"`
}

// LearningSignal measures how much a human changed a machine draft.
// Append-only; never mutated after creation.
type LearningSignal struct {
	ID           string   `json:"id"`
	ActionID     string   `json:"action_id"`
	DraftText    string   `json:"draft_text"`
	FinalText    string   `json:"final_text"`
	EditDistance int      `json:"edit_distance"`
	Grading      *Grades  `json:"grading,omitempty"`
	Approved     bool     `json:"approved"`
	Sources      []string `json:"sources,omitempty"`
	Confidence   float64  `json:"confidence" minimum:"0" maximum:"1"`
	GradedBy     string   `json:"graded_by,omitempty"`
	CreatedAt    string   `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// ApprovalStats summarizes review throughput for operators.
type ApprovalStats struct {
	PendingReview            int     `json:"pending_review"`
	ApprovedToday            int     `json:"approved_today"`
	RejectedToday            int     `json:"rejected_today"`
	AverageReviewTimeMinutes float64 `json:"average_review_time_minutes"`
}

// HasEvidence reports whether the action carries non-empty evidence.
func (a ProposedAction) HasEvidence() bool {
	return a.Evidence != nil && a.Evidence.WhatChanges != ""
}

// HasRollback reports whether the action carries non-empty rollback steps.
func (a ProposedAction) HasRollback() bool {
	return a.Rollback != nil && a.Rollback.Steps != ""
}

// DraftText returns the machine draft used for learning capture.
func (a ProposedAction) DraftText() string {
	if a.Edits == nil {
		return ""
	}
	return a.Edits.Original
}

// FinalText returns the human-approved counterpart of DraftText.
func (a ProposedAction) FinalText() string {
	if a.Edits == nil {
		return ""
	}
	return a.Edits.Final
}
