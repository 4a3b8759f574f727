// Package learning measures how much a human changed a machine draft before
// approving it. Signals are append-only: computed once, never revised.
package learning

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"actiongate/internal/domain"
	"actiongate/internal/repo"
)

// EditDistance is the classic dynamic-programming Levenshtein distance over
// the character sequences of a and b.
func EditDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min3(prev[j-1]+cost, cur[j-1]+1, prev[j]+1)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

// Metadata carries optional provenance for a signal.
type Metadata struct {
	Sources    []string
	Confidence float64
	GradedBy   string
}

type Capturer struct {
	DB   *sql.DB
	Repo repo.Repo
	Now  func() time.Time
}

func NewCapturer(db *sql.DB) Capturer {
	return Capturer{DB: db, Repo: repo.Repo{DB: db}, Now: time.Now}
}

// Capture computes the edit distance between draft and final and appends the
// signal. The signal is approved only when every grading dimension is set.
// Pure computation aside from the single insert; a second capture for the
// same action fails on the store's uniqueness constraint.
func (c Capturer) Capture(ctx context.Context, actionID, draft, final string, grading *domain.Grades, meta Metadata) (domain.LearningSignal, error) {
	now := c.Now
	if now == nil {
		now = time.Now
	}
	s := domain.LearningSignal{
		ID:           uuid.New().String(),
		ActionID:     actionID,
		DraftText:    draft,
		FinalText:    final,
		EditDistance: EditDistance(draft, final),
		Grading:      grading,
		Approved:     fullyGraded(grading),
		Sources:      meta.Sources,
		Confidence:   meta.Confidence,
		GradedBy:     meta.GradedBy,
		CreatedAt:    now().UTC().Format(time.RFC3339),
	}
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	if err := c.Repo.InsertLearningSignal(ctx, tx, s); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	return s, nil
}

func fullyGraded(g *domain.Grades) bool {
	return g != nil && g.Tone != nil && g.Accuracy != nil && g.Policy != nil
}
