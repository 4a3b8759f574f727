package learning_test

import (
	"context"
	"errors"
	"testing"

	"actiongate/internal/db"
	"actiongate/internal/domain"
	"actiongate/internal/learning"
	"actiongate/internal/migrate"
	"actiongate/internal/repo"
)

func TestEditDistance(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"", "abc", 3},
		{"abc", "", 3},
		{"kitten", "sitting", 3},
		{"Hello", "Hello there", 6},
		{"same", "same", 0},
		{"café", "cafe", 1},
	}
	for _, tc := range cases {
		if got := learning.EditDistance(tc.a, tc.b); got != tc.want {
			t.Errorf("EditDistance(%q, %q) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}

func newCapturer(t *testing.T) (learning.Capturer, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return learning.NewCapturer(conn), context.Background()
}

func intp(n int) *int { return &n }

func TestCapturePersistsSignal(t *testing.T) {
	c, ctx := newCapturer(t)
	grades := &domain.Grades{Tone: intp(5), Accuracy: intp(4), Policy: intp(3)}
	s, err := c.Capture(ctx, "act-1", "Hello", "Hello there", grades, learning.Metadata{
		GradedBy:   "reviewer",
		Confidence: 0.9,
		Sources:    []string{"review-ui"},
	})
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if s.EditDistance != 6 {
		t.Fatalf("edit distance = %d, want 6", s.EditDistance)
	}
	if !s.Approved {
		t.Fatal("fully graded signal should be approved")
	}
	stored, err := c.Repo.GetLearningSignal(ctx, "act-1")
	if err != nil {
		t.Fatalf("get signal: %v", err)
	}
	if stored.ID != s.ID || stored.EditDistance != 6 || stored.GradedBy != "reviewer" {
		t.Fatalf("stored signal mismatch: %+v", stored)
	}
}

func TestCaptureWithoutFullGradesNotApproved(t *testing.T) {
	c, ctx := newCapturer(t)
	s, err := c.Capture(ctx, "act-2", "a", "b", &domain.Grades{Tone: intp(5)}, learning.Metadata{})
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if s.Approved {
		t.Fatal("partially graded signal must not be approved")
	}
	s, err = c.Capture(ctx, "act-3", "a", "b", nil, learning.Metadata{})
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if s.Approved {
		t.Fatal("ungraded signal must not be approved")
	}
}

func TestCaptureIsAppendOnly(t *testing.T) {
	c, ctx := newCapturer(t)
	if _, err := c.Capture(ctx, "act-1", "a", "b", nil, learning.Metadata{}); err != nil {
		t.Fatalf("first capture: %v", err)
	}
	if _, err := c.Capture(ctx, "act-1", "a", "c", nil, learning.Metadata{}); err == nil {
		t.Fatal("second capture for the same action should fail")
	}
}

func TestGetLearningSignalMissing(t *testing.T) {
	c, ctx := newCapturer(t)
	if _, err := c.Repo.GetLearningSignal(ctx, "nope"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
