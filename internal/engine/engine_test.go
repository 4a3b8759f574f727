package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"actiongate/internal/config"
	"actiongate/internal/db"
	"actiongate/internal/domain"
	"actiongate/internal/engine"
	"actiongate/internal/learning"
	"actiongate/internal/migrate"
	"actiongate/internal/poller"
	"actiongate/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("proj-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	t.Cleanup(eng.Limiter.Close)
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func submitDraft(t *testing.T, env testEnv) domain.ProposedAction {
	t.Helper()
	a, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{
		Kind:    domain.KindContentPost,
		Summary: "Post the launch announcement",
		Actions: []domain.ActionStep{{
			Endpoint: "/v1/posts",
			Payload:  map[string]any{"caption": "Hello"},
		}},
		Evidence: &domain.Evidence{
			WhatChanges: "publishes one post to the main account",
			WhyNow:      "launch is today",
		},
		Rollback: &domain.Rollback{Steps: "delete the post via /v1/posts/{id}"},
		ActorID:  "proposer",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return a
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{Kind: "mystery", Summary: "x", Actions: []domain.ActionStep{{Endpoint: "/x"}}})
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("unknown kind: expected validation error, got %v", err)
	}

	_, err = env.Engine.Submit(env.Ctx, engine.SubmitOptions{Kind: domain.KindCXReply, Summary: "reply", Actions: nil})
	if !errors.As(err, &ve) {
		t.Fatalf("no steps: expected validation error, got %v", err)
	}

	_, err = env.Engine.Submit(env.Ctx, engine.SubmitOptions{Kind: domain.KindCXReply, Summary: "  ", Actions: []domain.ActionStep{{Endpoint: "/x"}}})
	if !errors.As(err, &ve) {
		t.Fatalf("blank summary: expected validation error, got %v", err)
	}
}

func TestSubmitLandsInReviewWithHistory(t *testing.T) {
	env := newTestEnv(t)
	a := submitDraft(t, env)
	if a.State != domain.StatePendingReview {
		t.Fatalf("state = %s, want pending_review", a.State)
	}
	records, err := env.Engine.Repo.ListAuditByAction(env.Ctx, a.ID)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("audit rows = %d, want 2", len(records))
	}
	if records[0].ToState != domain.StateDraft || records[1].ToState != domain.StatePendingReview {
		t.Fatalf("unexpected history: %+v", records)
	}
}

func TestApproveRequiresEvidenceAndRollback(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{
		Kind:    domain.KindAdChange,
		Summary: "raise budget",
		Actions: []domain.ActionStep{{Endpoint: "/v1/campaigns", Payload: map[string]any{"budget": 100}}},
		ActorID: "proposer",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	_, err = env.Engine.Approve(env.Ctx, a.ID, engine.ApproveOptions{ActorID: "reviewer"})
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error without evidence, got %v", err)
	}
	got, err := env.Engine.Repo.GetAction(env.Ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != domain.StatePendingReview {
		t.Fatalf("failed approve must not change state, got %s", got.State)
	}
}

func TestRejectNeedsReason(t *testing.T) {
	env := newTestEnv(t)
	a := submitDraft(t, env)
	_, err := env.Engine.Reject(env.Ctx, a.ID, "   ", "reviewer")
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error for blank reason, got %v", err)
	}
	rejected, err := env.Engine.Reject(env.Ctx, a.ID, "wrong audience", "reviewer")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.State != domain.StateRejected {
		t.Fatalf("state = %s, want rejected", rejected.State)
	}
	// rejected is terminal
	_, err = env.Engine.Apply(env.Ctx, a.ID, "operator")
	var te engine.InvalidTransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected invalid transition from rejected, got %v", err)
	}
}

func TestRequestChangesKeepsReview(t *testing.T) {
	env := newTestEnv(t)
	a := submitDraft(t, env)
	got, err := env.Engine.RequestChanges(env.Ctx, a.ID, "shorten the caption", "reviewer")
	if err != nil {
		t.Fatalf("request changes: %v", err)
	}
	if got.State != domain.StatePendingReview {
		t.Fatalf("state = %s, want pending_review", got.State)
	}
	records, _ := env.Engine.Repo.ListAuditByAction(env.Ctx, a.ID)
	last := records[len(records)-1]
	if last.Reason != "shorten the caption" {
		t.Fatalf("note not on trail: %+v", last)
	}
}

func TestApproveVersionConflict(t *testing.T) {
	env := newTestEnv(t)
	a := submitDraft(t, env)
	_, err := env.Engine.Approve(env.Ctx, a.ID, engine.ApproveOptions{ActorID: "reviewer", Version: a.Version + 10})
	if !errors.Is(err, repo.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	if _, err := env.Engine.Approve(env.Ctx, a.ID, engine.ApproveOptions{ActorID: "reviewer", Version: a.Version}); err != nil {
		t.Fatalf("approve with matching version: %v", err)
	}
}

func TestApproveOverridesRecordEdits(t *testing.T) {
	env := newTestEnv(t)
	a := submitDraft(t, env)
	approved, err := env.Engine.Approve(env.Ctx, a.ID, engine.ApproveOptions{
		Overrides: map[string]any{"caption": "Hello there"},
		ActorID:   "reviewer",
	})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Edits == nil {
		t.Fatal("edits not recorded")
	}
	if approved.Edits.Original == approved.Edits.Final {
		t.Fatalf("edits should differ: %+v", approved.Edits)
	}
	if approved.Actions[0].Payload["caption"] != "Hello there" {
		t.Fatalf("override not merged: %+v", approved.Actions[0].Payload)
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	a := submitDraft(t, env)
	if _, err := env.Engine.Approve(env.Ctx, a.ID, engine.ApproveOptions{ActorID: "reviewer"}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	first, err := env.Engine.Apply(env.Ctx, a.ID, "operator")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if first.State != domain.StateApplied {
		t.Fatalf("state = %s, want applied", first.State)
	}
	if first.Receipt == nil || first.Receipt.JobID == "" {
		t.Fatalf("no receipt recorded: %+v", first.Receipt)
	}
	second, err := env.Engine.Apply(env.Ctx, a.ID, "operator")
	if err != nil {
		t.Fatalf("re-apply: %v", err)
	}
	if second.Receipt == nil || second.Receipt.ID != first.Receipt.ID {
		t.Fatalf("re-apply must return the stored receipt: %+v vs %+v", second.Receipt, first.Receipt)
	}
}

func TestApplyRequiresApproval(t *testing.T) {
	env := newTestEnv(t)
	a := submitDraft(t, env)
	_, err := env.Engine.Apply(env.Ctx, a.ID, "operator")
	var te engine.InvalidTransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if te.From != domain.StatePendingReview || te.To != domain.StateApplied {
		t.Fatalf("unexpected transition error: %+v", te)
	}
}

func TestFullLifecycleCapturesLearningSignal(t *testing.T) {
	env := newTestEnv(t)
	a := submitDraft(t, env)
	three := 3
	five := 5
	four := 4
	if _, err := env.Engine.Approve(env.Ctx, a.ID, engine.ApproveOptions{
		Overrides: map[string]any{"caption": "Hello there"},
		Grades:    &domain.Grades{Tone: &five, Accuracy: &four, Policy: &three},
		ActorID:   "reviewer",
	}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := env.Engine.Apply(env.Ctx, a.ID, "operator"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := env.Engine.RunAudit(env.Ctx, a.ID, ""); err != nil {
		t.Fatalf("audit: %v", err)
	}
	learned, captured, err := env.Engine.Learn(env.Ctx, a.ID, "")
	if err != nil {
		t.Fatalf("learn: %v", err)
	}
	if !captured {
		t.Fatal("expected a learning signal")
	}
	if learned.State != domain.StateLearned {
		t.Fatalf("state = %s, want learned", learned.State)
	}
	signal, err := env.Engine.Repo.GetLearningSignal(env.Ctx, a.ID)
	if err != nil {
		t.Fatalf("signal: %v", err)
	}
	if signal.EditDistance <= 0 {
		t.Fatalf("edit distance = %d, want > 0", signal.EditDistance)
	}
	if !signal.Approved {
		t.Fatal("fully graded signal should be approved")
	}
}

func TestLearnWithoutEditsIsTerminalNoop(t *testing.T) {
	env := newTestEnv(t)
	a := submitDraft(t, env)
	if _, err := env.Engine.Approve(env.Ctx, a.ID, engine.ApproveOptions{ActorID: "reviewer"}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := env.Engine.Apply(env.Ctx, a.ID, "operator"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := env.Engine.RunAudit(env.Ctx, a.ID, ""); err != nil {
		t.Fatalf("audit: %v", err)
	}
	got, captured, err := env.Engine.Learn(env.Ctx, a.ID, "")
	if err != nil {
		t.Fatalf("learn: %v", err)
	}
	if captured {
		t.Fatal("no edits were made; nothing to capture")
	}
	if got.State != domain.StateAudited {
		t.Fatalf("state = %s, want audited", got.State)
	}
}

func TestResolveJobDrivesAuditAndLearn(t *testing.T) {
	env := newTestEnv(t)
	a := submitDraft(t, env)
	if _, err := env.Engine.Approve(env.Ctx, a.ID, engine.ApproveOptions{
		Overrides: map[string]any{"caption": "Hello there"},
		ActorID:   "reviewer",
	}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	applied, err := env.Engine.Apply(env.Ctx, a.ID, "operator")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := env.Engine.ResolveJob(env.Ctx, applied.Receipt.JobID, "completed", ""); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	got, err := env.Engine.Repo.GetAction(env.Ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != domain.StateLearned {
		t.Fatalf("state = %s, want learned", got.State)
	}
	// redelivery of the same completion is a no-op
	if err := env.Engine.ResolveJob(env.Ctx, applied.Receipt.JobID, "completed", ""); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
}

func TestPollJobResolvesAppliedAction(t *testing.T) {
	env := newTestEnv(t)
	a := submitDraft(t, env)
	if _, err := env.Engine.Approve(env.Ctx, a.ID, engine.ApproveOptions{
		Overrides: map[string]any{"caption": "Hello there"},
		ActorID:   "reviewer",
	}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := env.Engine.Apply(env.Ctx, a.ID, "operator"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	res, err := env.Engine.PollJob(env.Ctx, a.ID, time.Second, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if res.Status != poller.StatusCompleted {
		t.Fatalf("status = %s", res.Status)
	}
	got, err := env.Engine.Repo.GetAction(env.Ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != domain.StateLearned {
		t.Fatalf("state = %s, want learned", got.State)
	}
}

func TestPollJobNeedsReceipt(t *testing.T) {
	env := newTestEnv(t)
	a := submitDraft(t, env)
	_, err := env.Engine.PollJob(env.Ctx, a.ID, time.Second, 10*time.Millisecond)
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestLearnRetryAfterInterruptedCapture(t *testing.T) {
	env := newTestEnv(t)
	a := submitDraft(t, env)
	if _, err := env.Engine.Approve(env.Ctx, a.ID, engine.ApproveOptions{
		Overrides: map[string]any{"caption": "Hello there"},
		ActorID:   "reviewer",
	}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := env.Engine.Apply(env.Ctx, a.ID, "operator"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	audited, err := env.Engine.RunAudit(env.Ctx, a.ID, "operator")
	if err != nil {
		t.Fatalf("audit: %v", err)
	}

	// Capture the signal without the audited -> learned transition, as if a
	// crash hit between the two commits.
	if _, err := env.Engine.Learning.Capture(env.Ctx, a.ID, audited.DraftText(), audited.FinalText(), audited.Grades, learning.Metadata{
		GradedBy:   "reviewer",
		Confidence: 1,
	}); err != nil {
		t.Fatalf("seed signal: %v", err)
	}

	got, captured, err := env.Engine.Learn(env.Ctx, a.ID, "reviewer")
	if err != nil {
		t.Fatalf("retried learn: %v", err)
	}
	if !captured {
		t.Fatal("retried learn should report a captured signal")
	}
	if got.State != domain.StateLearned {
		t.Fatalf("state = %s, want learned", got.State)
	}
	if _, err := env.Engine.Repo.GetLearningSignal(env.Ctx, a.ID); err != nil {
		t.Fatalf("signal after retry: %v", err)
	}
}
