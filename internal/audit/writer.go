package audit

import (
	"context"
	"database/sql"
	"time"
)

// Writer appends immutable transition records. Rows are only ever inserted;
// there is no update or delete path anywhere in the package.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Append writes one audit row inside the caller's transaction so the
// transition and its history commit or roll back together.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, actionID, fromState, toState, actor, reason string) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT INTO audit_trail(action_id,from_state,to_state,actor,reason,ts) VALUES (?,?,?,?,?,?)`,
		actionID, fromState, toState, actor, nullable(reason), ts)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
