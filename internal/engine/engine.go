package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"actiongate/internal/audit"
	"actiongate/internal/config"
	"actiongate/internal/domain"
	"actiongate/internal/executor"
	"actiongate/internal/learning"
	"actiongate/internal/poller"
	"actiongate/internal/ratelimit"
	"actiongate/internal/repo"
)

// InvalidTransitionError reports a state-machine call that is not in the
// guarded transition set.
type InvalidTransitionError struct {
	From string
	To   string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

// ValidationError reports a missing precondition: absent evidence or
// rollback, an empty rejection reason, malformed submission fields.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

// SystemActor marks transitions driven by the engine itself rather than a
// human reviewer.
const SystemActor = "system"

var validKinds = map[string]bool{
	domain.KindContentPost:     true,
	domain.KindPurchaseOrder:   true,
	domain.KindAdChange:        true,
	domain.KindCXReply:         true,
	domain.KindInventoryAction: true,
}

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Audit     audit.Writer
	Config    *config.Config
	Limiter   *ratelimit.Limiter
	Learning  learning.Capturer
	Executors map[string]executor.Executor
	APIByKind map[string]string
	Now       func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	e := Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Audit:     audit.Writer{DB: db},
		Config:    cfg,
		Limiter:   ratelimit.New(cfg.RateLimits),
		Learning:  learning.NewCapturer(db),
		Executors: make(map[string]executor.Executor),
		APIByKind: make(map[string]string),
		Now:       time.Now,
	}
	for kind := range cfg.Executors {
		exec, api, err := executor.ForKind(cfg.Executors, kind)
		if err != nil {
			continue
		}
		e.Executors[kind] = exec
		e.APIByKind[kind] = api
	}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// SubmitOptions are the producer-supplied fields of a proposed action.
type SubmitOptions struct {
	ID       string
	Kind     string
	Summary  string
	Actions  []domain.ActionStep
	Evidence *domain.Evidence
	Risk     *domain.Risk
	Rollback *domain.Rollback
	ActorID  string
}

// Submit validates and stores a new action. Every action reaching this engine
// has already been routed for human review, so it is promoted to
// pending_review immediately after the draft insert.
func (e Engine) Submit(ctx context.Context, opts SubmitOptions) (domain.ProposedAction, error) {
	if !validKinds[opts.Kind] {
		return domain.ProposedAction{}, ValidationError{Msg: fmt.Sprintf("unknown action kind %q", opts.Kind)}
	}
	if strings.TrimSpace(opts.Summary) == "" {
		return domain.ProposedAction{}, ValidationError{Msg: "summary is required"}
	}
	if len(opts.Actions) == 0 {
		return domain.ProposedAction{}, ValidationError{Msg: "at least one action step is required"}
	}
	for i, step := range opts.Actions {
		if strings.TrimSpace(step.Endpoint) == "" {
			return domain.ProposedAction{}, ValidationError{Msg: fmt.Sprintf("action step %d missing endpoint", i)}
		}
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	actor := opts.ActorID
	if actor == "" {
		actor = "unknown"
	}
	now := e.now().UTC().Format(time.RFC3339)
	a := domain.ProposedAction{
		ID:        id,
		Kind:      opts.Kind,
		State:     domain.StateDraft,
		Summary:   opts.Summary,
		CreatedBy: actor,
		Evidence:  opts.Evidence,
		Risk:      opts.Risk,
		Rollback:  opts.Rollback,
		Actions:   opts.Actions,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertAction(ctx, tx, a); err != nil {
		return a, err
	}
	if err := e.Audit.Append(ctx, tx, a.ID, "", domain.StateDraft, actor, ""); err != nil {
		return a, err
	}
	a, err = e.transitionTx(ctx, tx, a, domain.StatePendingReview, actor, "")
	if err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

// ensureTransition rejects any pair outside the declared graph.
func ensureTransition(from, to string) error {
	switch from {
	case domain.StateDraft:
		if to == domain.StatePendingReview {
			return nil
		}
	case domain.StatePendingReview:
		if to == domain.StateApproved || to == domain.StateRejected || to == domain.StatePendingReview {
			return nil
		}
	case domain.StateApproved:
		if to == domain.StateApplied {
			return nil
		}
	case domain.StateApplied:
		if to == domain.StateAudited {
			return nil
		}
	case domain.StateAudited:
		if to == domain.StateLearned {
			return nil
		}
	}
	return InvalidTransitionError{From: from, To: to}
}

// transitionTx applies one guarded transition and its audit row inside tx.
func (e Engine) transitionTx(ctx context.Context, tx *sql.Tx, a domain.ProposedAction, to, actor, reason string) (domain.ProposedAction, error) {
	from := a.State
	if err := ensureTransition(from, to); err != nil {
		return a, err
	}
	a.State = to
	a.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	a, err := e.Repo.UpdateAction(ctx, tx, a)
	if err != nil {
		return a, err
	}
	if err := e.Audit.Append(ctx, tx, a.ID, from, to, actor, reason); err != nil {
		return a, err
	}
	return a, nil
}

// ApproveOptions carry the reviewer's disposition.
type ApproveOptions struct {
	// Overrides are merged into every action step's payload; the pre-override
	// payload is preserved in edits.original for later diffing.
	Overrides map[string]any
	Grades    *domain.Grades
	ActorID   string
	// Version, when positive, must match the stored version.
	Version int64
}

func (e Engine) Approve(ctx context.Context, id string, opts ApproveOptions) (domain.ProposedAction, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProposedAction{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetActionForUpdate(ctx, tx, id)
	if err != nil {
		return a, err
	}
	if opts.Version > 0 && opts.Version != a.Version {
		return a, repo.ErrVersionConflict
	}
	if a.State != domain.StatePendingReview {
		return a, InvalidTransitionError{From: a.State, To: domain.StateApproved}
	}
	if !a.HasEvidence() {
		return a, ValidationError{Msg: "approval requires non-empty evidence"}
	}
	if !a.HasRollback() {
		return a, ValidationError{Msg: "approval requires non-empty rollback"}
	}
	if len(opts.Overrides) > 0 {
		original, err := payloadText(a.Actions)
		if err != nil {
			return a, err
		}
		for i := range a.Actions {
			if a.Actions[i].Payload == nil {
				a.Actions[i].Payload = map[string]any{}
			}
			for k, v := range opts.Overrides {
				a.Actions[i].Payload[k] = v
			}
		}
		final, err := payloadText(a.Actions)
		if err != nil {
			return a, err
		}
		a.Edits = &domain.Edits{Original: original, Final: final}
	}
	if opts.Grades != nil {
		if err := validateGrades(opts.Grades); err != nil {
			return a, err
		}
		a.Grades = opts.Grades
	}
	a, err = e.transitionTx(ctx, tx, a, domain.StateApproved, opts.ActorID, "")
	if err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

func validateGrades(g *domain.Grades) error {
	for name, v := range map[string]*int{"tone": g.Tone, "accuracy": g.Accuracy, "policy": g.Policy} {
		if v != nil && (*v < 1 || *v > 5) {
			return ValidationError{Msg: fmt.Sprintf("grade %s must be between 1 and 5", name)}
		}
	}
	return nil
}

// payloadText renders the steps' payloads as the canonical text diffed by
// learning capture.
func payloadText(steps []domain.ActionStep) (string, error) {
	payloads := make([]map[string]any, len(steps))
	for i, s := range steps {
		payloads[i] = s.Payload
	}
	b, err := json.Marshal(payloads)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (e Engine) Reject(ctx context.Context, id, reason, actorID string) (domain.ProposedAction, error) {
	if strings.TrimSpace(reason) == "" {
		return domain.ProposedAction{}, ValidationError{Msg: "rejection reason is required"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProposedAction{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetActionForUpdate(ctx, tx, id)
	if err != nil {
		return a, err
	}
	if a.State != domain.StatePendingReview {
		return a, InvalidTransitionError{From: a.State, To: domain.StateRejected}
	}
	a, err = e.transitionTx(ctx, tx, a, domain.StateRejected, actorID, reason)
	if err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

// RequestChanges keeps the action in review and records the note on the
// audit trail.
func (e Engine) RequestChanges(ctx context.Context, id, note, actorID string) (domain.ProposedAction, error) {
	if strings.TrimSpace(note) == "" {
		return domain.ProposedAction{}, ValidationError{Msg: "change note is required"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProposedAction{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetActionForUpdate(ctx, tx, id)
	if err != nil {
		return a, err
	}
	if a.State != domain.StatePendingReview {
		return a, InvalidTransitionError{From: a.State, To: domain.StatePendingReview}
	}
	a, err = e.transitionTx(ctx, tx, a, domain.StatePendingReview, actorID, note)
	if err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

// Apply dispatches the approved action through the rate limiter, using the
// action id as idempotency key. Re-applying an already applied action is a
// no-op that returns the stored receipt; a failed dispatch leaves the action
// approved with the error attached for manual retry.
func (e Engine) Apply(ctx context.Context, id, actorID string) (domain.ProposedAction, error) {
	a, err := e.Repo.GetAction(ctx, id)
	if err != nil {
		return a, err
	}
	if a.State == domain.StateApplied || a.State == domain.StateAudited || a.State == domain.StateLearned {
		return a, nil
	}
	if a.State != domain.StateApproved {
		return a, InvalidTransitionError{From: a.State, To: domain.StateApplied}
	}
	exec, ok := e.Executors[a.Kind]
	if !ok {
		return a, ValidationError{Msg: fmt.Sprintf("no executor configured for kind %s", a.Kind)}
	}
	api := e.APIByKind[a.Kind]
	if api == "" {
		api = a.Kind
	}

	var receipt domain.Receipt
	dispatchErr := func() error {
		for i, step := range a.Actions {
			step := step
			key := a.ID
			if len(a.Actions) > 1 {
				key = fmt.Sprintf("%s:%d", a.ID, i)
			}
			err := e.Limiter.Execute(ctx, api, func(ctx context.Context) (*ratelimit.Info, error) {
				r, info, err := exec.Execute(ctx, step, key)
				if err == nil {
					receipt = r
				}
				return info, err
			})
			if err != nil {
				return err
			}
		}
		return nil
	}()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	a, err = e.Repo.GetActionForUpdate(ctx, tx, a.ID)
	if err != nil {
		return a, err
	}
	if a.State == domain.StateApplied {
		// Concurrent apply won the race; the executor already deduped on the
		// idempotency key.
		return a, nil
	}

	if dispatchErr != nil {
		a.LastError = dispatchErr.Error()
		a.UpdatedAt = e.now().UTC().Format(time.RFC3339)
		if a, err = e.Repo.UpdateAction(ctx, tx, a); err != nil {
			return a, err
		}
		if err := e.Audit.Append(ctx, tx, a.ID, domain.StateApproved, domain.StateApproved, actorID, "apply failed: "+dispatchErr.Error()); err != nil {
			return a, err
		}
		if err := tx.Commit(); err != nil {
			return a, err
		}
		return a, dispatchErr
	}

	a.Receipt = &receipt
	a.LastError = ""
	a, err = e.transitionTx(ctx, tx, a, domain.StateApplied, actorID, "")
	if err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

// RunAudit seals the applied action: the transition history count is recorded
// and the action becomes audited.
func (e Engine) RunAudit(ctx context.Context, id, actorID string) (domain.ProposedAction, error) {
	if actorID == "" {
		actorID = SystemActor
	}
	history, err := e.Repo.ListAuditByAction(ctx, id)
	if err != nil {
		return domain.ProposedAction{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProposedAction{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetActionForUpdate(ctx, tx, id)
	if err != nil {
		return a, err
	}
	if a.State != domain.StateApplied {
		return a, InvalidTransitionError{From: a.State, To: domain.StateAudited}
	}
	reason := fmt.Sprintf("history sealed: %d transitions", len(history))
	a, err = e.transitionTx(ctx, tx, a, domain.StateAudited, actorID, reason)
	if err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

// Learn captures the learning signal for audited actions with edited content
// and moves them to learned. Actions without edits stay audited: a terminal
// no-op, reported by the second return.
func (e Engine) Learn(ctx context.Context, id, actorID string) (domain.ProposedAction, bool, error) {
	if actorID == "" {
		actorID = SystemActor
	}
	a, err := e.Repo.GetAction(ctx, id)
	if err != nil {
		return a, false, err
	}
	if a.State != domain.StateAudited {
		return a, false, InvalidTransitionError{From: a.State, To: domain.StateLearned}
	}
	if a.Edits == nil || a.Edits.Original == a.Edits.Final {
		return a, false, nil
	}
	// The signal commits before the transition. A signal with no matching
	// learned state means an earlier Learn died between the two commits;
	// the retry keeps the existing row and only replays the transition.
	_, err = e.Repo.GetLearningSignal(ctx, a.ID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		_, err = e.Learning.Capture(ctx, a.ID, a.DraftText(), a.FinalText(), a.Grades, learning.Metadata{
			GradedBy:   actorID,
			Confidence: 1,
		})
		if err != nil {
			return a, false, err
		}
	case err != nil:
		return a, false, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, false, err
	}
	defer tx.Rollback()
	a, err = e.Repo.GetActionForUpdate(ctx, tx, a.ID)
	if err != nil {
		return a, false, err
	}
	a, err = e.transitionTx(ctx, tx, a, domain.StateLearned, actorID, "")
	if err != nil {
		return a, false, err
	}
	if err := tx.Commit(); err != nil {
		return a, false, err
	}
	return a, true, nil
}

// ResolveJob reacts to an asynchronous completion observed by the webhook
// queue or the poller: terminal success drives audit and learn, terminal
// failure is recorded for operator attention.
func (e Engine) ResolveJob(ctx context.Context, jobID, status, errMsg string) error {
	a, err := e.Repo.GetActionByJobID(ctx, jobID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("job %s: no matching action", jobID)
		}
		return err
	}
	switch status {
	case "completed", "complete":
		if a.State != domain.StateApplied {
			// Already resolved by an earlier delivery.
			return nil
		}
		if _, err := e.RunAudit(ctx, a.ID, SystemActor); err != nil {
			return err
		}
		if _, _, err := e.Learn(ctx, a.ID, SystemActor); err != nil {
			return err
		}
		return nil
	case "failed":
		if errMsg == "" {
			errMsg = "job failed"
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		a, err = e.Repo.GetActionForUpdate(ctx, tx, a.ID)
		if err != nil {
			return err
		}
		a.LastError = errMsg
		a.UpdatedAt = e.now().UTC().Format(time.RFC3339)
		if a, err = e.Repo.UpdateAction(ctx, tx, a); err != nil {
			return err
		}
		if err := e.Audit.Append(ctx, tx, a.ID, a.State, a.State, SystemActor, "job failed: "+errMsg); err != nil {
			return err
		}
		return tx.Commit()
	default:
		return nil
	}
}

// PollJob watches the platform job behind an applied action until it reaches
// a terminal status, then resolves the action the same way a webhook delivery
// would. It covers deliveries the platform never sent. Status fetches run
// through the same per-API rate limit bucket as dispatch.
func (e Engine) PollJob(ctx context.Context, id string, timeout, interval time.Duration) (poller.Result, error) {
	a, err := e.Repo.GetAction(ctx, id)
	if err != nil {
		return poller.Result{}, err
	}
	if a.Receipt == nil || a.Receipt.JobID == "" {
		return poller.Result{}, ValidationError{Msg: "action has no dispatch receipt to poll"}
	}
	exec, ok := e.Executors[a.Kind]
	if !ok {
		return poller.Result{}, fmt.Errorf("no executor configured for kind %s", a.Kind)
	}
	fetcher, ok := exec.(executor.StatusFetcher)
	if !ok {
		return poller.Result{}, fmt.Errorf("executor for kind %s cannot report job status", a.Kind)
	}
	api := e.APIByKind[a.Kind]

	p := poller.New(func(ctx context.Context, jobID string) (string, error) {
		var status string
		err := e.Limiter.Execute(ctx, api, func(ctx context.Context) (*ratelimit.Info, error) {
			s, info, err := fetcher.JobStatus(ctx, jobID)
			if err == nil {
				status = s
			}
			return info, err
		})
		return status, err
	})
	res, err := p.PollJobStatus(ctx, a.Receipt.JobID, timeout, interval)
	if err != nil {
		return res, err
	}
	switch res.Status {
	case poller.StatusCompleted:
		return res, e.ResolveJob(ctx, a.Receipt.JobID, "completed", "")
	case poller.StatusFailed:
		return res, e.ResolveJob(ctx, a.Receipt.JobID, "failed", "")
	}
	return res, nil
}
