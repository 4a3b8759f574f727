package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"actiongate/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict is returned when an optimistic-concurrency write
	// observes a stale version. The caller must re-read and retry.
	ErrVersionConflict = errors.New("version conflict")
)

func marshalJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalInto(data sql.NullString, v any) error {
	if !data.Valid || data.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(data.String), v)
}

// InsertAction stores a new proposed action at version 1.
func (r Repo) InsertAction(ctx context.Context, tx *sql.Tx, a domain.ProposedAction) error {
	evidence, err := marshalJSON(a.Evidence)
	if err != nil {
		return err
	}
	risk, err := marshalJSON(a.Risk)
	if err != nil {
		return err
	}
	rollback, err := marshalJSON(a.Rollback)
	if err != nil {
		return err
	}
	steps, err := json.Marshal(a.Actions)
	if err != nil {
		return err
	}
	grades, err := marshalJSON(a.Grades)
	if err != nil {
		return err
	}
	edits, err := marshalJSON(a.Edits)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO actions(id,kind,state,summary,created_by,evidence_json,risk_json,rollback_json,actions_json,grades_json,edits_json,version,created_at,updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.Kind, a.State, a.Summary, a.CreatedBy, evidence, risk, rollback, string(steps), grades, edits, a.Version, a.CreatedAt, a.UpdatedAt)
	return err
}

const actionColumns = `id,kind,state,summary,created_by,evidence_json,risk_json,rollback_json,actions_json,grades_json,edits_json,receipt_json,job_id,last_error,version,created_at,updated_at`

type actionScanner interface {
	Scan(dest ...any) error
}

func scanAction(row actionScanner) (domain.ProposedAction, error) {
	var a domain.ProposedAction
	var evidence, risk, rollback, grades, edits, receipt, jobID, lastErr sql.NullString
	var steps string
	err := row.Scan(&a.ID, &a.Kind, &a.State, &a.Summary, &a.CreatedBy,
		&evidence, &risk, &rollback, &steps, &grades, &edits, &receipt, &jobID, &lastErr,
		&a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if err := json.Unmarshal([]byte(steps), &a.Actions); err != nil {
		return a, fmt.Errorf("decode actions_json: %w", err)
	}
	if evidence.Valid && evidence.String != "" {
		a.Evidence = &domain.Evidence{}
		if err := unmarshalInto(evidence, a.Evidence); err != nil {
			return a, err
		}
	}
	if risk.Valid && risk.String != "" {
		a.Risk = &domain.Risk{}
		if err := unmarshalInto(risk, a.Risk); err != nil {
			return a, err
		}
	}
	if rollback.Valid && rollback.String != "" {
		a.Rollback = &domain.Rollback{}
		if err := unmarshalInto(rollback, a.Rollback); err != nil {
			return a, err
		}
	}
	if grades.Valid && grades.String != "" {
		a.Grades = &domain.Grades{}
		if err := unmarshalInto(grades, a.Grades); err != nil {
			return a, err
		}
	}
	if edits.Valid && edits.String != "" {
		a.Edits = &domain.Edits{}
		if err := unmarshalInto(edits, a.Edits); err != nil {
			return a, err
		}
	}
	if receipt.Valid && receipt.String != "" {
		a.Receipt = &domain.Receipt{}
		if err := unmarshalInto(receipt, a.Receipt); err != nil {
			return a, err
		}
	}
	if lastErr.Valid {
		a.LastError = lastErr.String
	}
	return a, nil
}

func (r Repo) GetAction(ctx context.Context, id string) (domain.ProposedAction, error) {
	return scanAction(r.DB.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM actions WHERE id=?`, id))
}

// GetActionForUpdate reads an action inside the caller's transaction.
func (r Repo) GetActionForUpdate(ctx context.Context, tx *sql.Tx, id string) (domain.ProposedAction, error) {
	return scanAction(tx.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM actions WHERE id=?`, id))
}

// GetActionByJobID resolves the action that owns an executor job.
func (r Repo) GetActionByJobID(ctx context.Context, jobID string) (domain.ProposedAction, error) {
	return scanAction(r.DB.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM actions WHERE job_id=? LIMIT 1`, jobID))
}

// ListActions returns actions, optionally filtered by state, newest first.
func (r Repo) ListActions(ctx context.Context, state string, limit, offset int) ([]domain.ProposedAction, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + actionColumns + ` FROM actions`
	var args []any
	if state != "" {
		query += ` WHERE state=?`
		args = append(args, state)
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProposedAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// UpdateAction writes the action guarded by its version: the UPDATE matches
// only when the stored version equals a.Version, and bumps it by one. A zero
// RowsAffected means either a stale version or a missing row; the two are
// told apart with a follow-up existence check.
func (r Repo) UpdateAction(ctx context.Context, tx *sql.Tx, a domain.ProposedAction) (domain.ProposedAction, error) {
	grades, err := marshalJSON(a.Grades)
	if err != nil {
		return a, err
	}
	edits, err := marshalJSON(a.Edits)
	if err != nil {
		return a, err
	}
	receipt, err := marshalJSON(a.Receipt)
	if err != nil {
		return a, err
	}
	steps, err := json.Marshal(a.Actions)
	if err != nil {
		return a, err
	}
	jobID := ""
	if a.Receipt != nil {
		jobID = a.Receipt.JobID
	}
	res, err := tx.ExecContext(ctx, `UPDATE actions SET state=?, actions_json=?, grades_json=?, edits_json=?, receipt_json=?, job_id=?, last_error=?, version=version+1, updated_at=?
		WHERE id=? AND version=?`,
		a.State, string(steps), grades, edits, receipt, nullable(jobID), nullable(a.LastError), a.UpdatedAt, a.ID, a.Version)
	if err != nil {
		return a, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return a, err
	}
	if affected == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM actions WHERE id=?`, a.ID).Scan(&exists); err == sql.ErrNoRows {
			return a, ErrNotFound
		} else if err != nil {
			return a, err
		}
		return a, ErrVersionConflict
	}
	a.Version++
	return a, nil
}

// ListAuditByAction returns the transition history for one action in order.
func (r Repo) ListAuditByAction(ctx context.Context, actionID string) ([]domain.AuditRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,action_id,from_state,to_state,actor,COALESCE(reason,''),ts FROM audit_trail WHERE action_id=? ORDER BY id ASC`, actionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAudit(rows)
}

// AuditAfter returns up to limit audit rows with id greater than after.
func (r Repo) AuditAfter(ctx context.Context, limit int, after int64) ([]domain.AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,action_id,from_state,to_state,actor,COALESCE(reason,''),ts FROM audit_trail WHERE id>? ORDER BY id ASC LIMIT ?`, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAudit(rows)
}

func collectAudit(rows *sql.Rows) ([]domain.AuditRecord, error) {
	var res []domain.AuditRecord
	for rows.Next() {
		var rec domain.AuditRecord
		if err := rows.Scan(&rec.ID, &rec.ActionID, &rec.FromState, &rec.ToState, &rec.Actor, &rec.Reason, &rec.TS); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// InsertLearningSignal appends a signal; the UNIQUE(action_id) constraint
// enforces at most one signal per action.
func (r Repo) InsertLearningSignal(ctx context.Context, tx *sql.Tx, s domain.LearningSignal) error {
	grading, err := marshalJSON(s.Grading)
	if err != nil {
		return err
	}
	sources, err := marshalJSON(s.Sources)
	if err != nil {
		return err
	}
	approved := 0
	if s.Approved {
		approved = 1
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO learning_signals(id,action_id,draft_text,final_text,edit_distance,grading_json,approved,sources_json,confidence,graded_by,created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.ActionID, s.DraftText, s.FinalText, s.EditDistance, grading, approved, sources, s.Confidence, nullable(s.GradedBy), s.CreatedAt)
	return err
}

func (r Repo) GetLearningSignal(ctx context.Context, actionID string) (domain.LearningSignal, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,action_id,draft_text,final_text,edit_distance,grading_json,approved,sources_json,confidence,COALESCE(graded_by,''),created_at FROM learning_signals WHERE action_id=?`, actionID)
	var s domain.LearningSignal
	var grading, sources sql.NullString
	var approved int
	err := row.Scan(&s.ID, &s.ActionID, &s.DraftText, &s.FinalText, &s.EditDistance, &grading, &approved, &sources, &s.Confidence, &s.GradedBy, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.Approved = approved != 0
	if grading.Valid && grading.String != "" {
		s.Grading = &domain.Grades{}
		if err := unmarshalInto(grading, s.Grading); err != nil {
			return s, err
		}
	}
	if err := unmarshalInto(sources, &s.Sources); err != nil {
		return s, err
	}
	return s, nil
}

// ApprovalStats aggregates review throughput. "Today" is the UTC day of now.
func (r Repo) ApprovalStats(ctx context.Context, now time.Time) (domain.ApprovalStats, error) {
	var stats domain.ApprovalStats
	dayStart := now.UTC().Truncate(24 * time.Hour).Format(time.RFC3339)

	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM actions WHERE state=?`, domain.StatePendingReview).Scan(&stats.PendingReview); err != nil {
		return stats, err
	}
	if err := r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_trail WHERE to_state=? AND ts>=?`, domain.StateApproved, dayStart).Scan(&stats.ApprovedToday); err != nil {
		return stats, err
	}
	if err := r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_trail WHERE to_state=? AND ts>=?`, domain.StateRejected, dayStart).Scan(&stats.RejectedToday); err != nil {
		return stats, err
	}

	// Average minutes from entering review to the approve/reject decision.
	// Each decision pairs with its latest preceding review entry, so
	// request-changes loops measure from the last re-entry, once.
	rows, err := r.DB.QueryContext(ctx, `
		SELECT (SELECT MAX(enter.ts) FROM audit_trail enter
			WHERE enter.action_id = decide.action_id
			  AND enter.to_state = ? AND enter.id < decide.id),
		       decide.ts
		FROM audit_trail decide
		WHERE decide.from_state=? AND decide.to_state IN (?,?)`,
		domain.StatePendingReview, domain.StatePendingReview, domain.StateApproved, domain.StateRejected)
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	var total time.Duration
	var count int
	for rows.Next() {
		var enter sql.NullString
		var decideTS string
		if err := rows.Scan(&enter, &decideTS); err != nil {
			return stats, err
		}
		if !enter.Valid {
			continue
		}
		enterTS := enter.String
		entered, err1 := time.Parse(time.RFC3339, enterTS)
		decided, err2 := time.Parse(time.RFC3339, decideTS)
		if err1 != nil || err2 != nil || decided.Before(entered) {
			continue
		}
		total += decided.Sub(entered)
		count++
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}
	if count > 0 {
		stats.AverageReviewTimeMinutes = total.Minutes() / float64(count)
	}
	return stats, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
