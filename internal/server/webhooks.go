package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"actiongate/internal/engine"
	"actiongate/internal/hookqueue"
)

const maxWebhookBody = 1 << 20

// registerWebhookIngress accepts completion deliveries from the publish
// platform. Authentication is an HMAC-SHA256 signature over the raw body,
// not the usual bearer/API-key middleware.
func registerWebhookIngress(router chi.Router, basePath string, cfg Config) {
	if cfg.Queue == nil {
		return
	}
	route := path.Join(basePath, "webhooks", "publish")
	router.Post(route, func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "unreadable body", nil))
			return
		}
		if cfg.WebhookSecret != "" {
			sig := strings.TrimSpace(r.Header.Get("X-Actiongate-Signature"))
			if !verifySignature(body, sig, cfg.WebhookSecret) {
				recordSignatureFailure(r.Context(), cfg.Engine, r.RemoteAddr)
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_signature", "webhook signature verification failed", nil))
				return
			}
		}
		var payload hookqueue.Payload
		if err := json.Unmarshal(body, &payload); err != nil {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "invalid payload", nil))
			return
		}
		if strings.TrimSpace(payload.JobID) == "" {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "job_id is required", nil))
			return
		}
		item := cfg.Queue.Enqueue(payload)
		status := "queued"
		if item == nil {
			// Redelivery of a processed key; acknowledged without requeueing.
			status = "duplicate"
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
	})
}

// verifySignature compares the hex HMAC-SHA256 of body in constant time.
func verifySignature(body []byte, signature, secret string) bool {
	if signature == "" {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}

func recordSignatureFailure(ctx context.Context, e engine.Engine, remote string) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	defer tx.Rollback()
	if err := e.Audit.Append(ctx, tx, "webhook:ingress", "", "", "remote:"+remote, "signature verification failed"); err != nil {
		return
	}
	_ = tx.Commit()
}

// StartCompletionConsumer drains the queue in the background, driving the
// audited and learned transitions for completed jobs.
func StartCompletionConsumer(ctx context.Context, e engine.Engine, q *hookqueue.Queue, interval time.Duration) {
	q.StartProcessor(ctx, func(ctx context.Context, item hookqueue.Item) error {
		return handleCompletion(ctx, e, item)
	}, interval)
}

func handleCompletion(ctx context.Context, e engine.Engine, item hookqueue.Item) error {
	p := item.Payload
	switch p.Status {
	case "completed", "complete", "failed":
	default:
		// Progress updates carry no state change for the action.
		return nil
	}
	return e.ResolveJob(ctx, p.JobID, p.Status, postError(p))
}

func postError(p hookqueue.Payload) string {
	for _, post := range p.Posts {
		if post.Error != "" {
			return post.Error
		}
	}
	return ""
}
