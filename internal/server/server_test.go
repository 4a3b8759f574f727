package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"actiongate/internal/config"
	"actiongate/internal/db"
	"actiongate/internal/engine"
	"actiongate/internal/hookqueue"
	"actiongate/internal/migrate"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	APIKey string
	Engine engine.Engine
	Queue  *hookqueue.Queue
	client *http.Client
}

func (s *testServer) Client() *http.Client { return s.client }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default("local"))
	t.Cleanup(e.Limiter.Close)

	key, _, err := MintAPIKey(context.Background(), e, "tester", "test key")
	if err != nil {
		t.Fatalf("mint key: %v", err)
	}
	queue := hookqueue.New(hookqueue.Options{MaxAttempts: 3})
	handler, err := New(Config{
		Engine:        e,
		Queue:         queue,
		BasePath:      "/v0",
		Auth:          AuthConfig{JWTSecret: testJWTSecret},
		WebhookSecret: "hook-secret",
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
	})
	return &testServer{
		URL:    "http://" + ln.Addr().String(),
		APIKey: key,
		Engine: e,
		Queue:  queue,
		client: &http.Client{},
	}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func (s *testServer) authed(extra map[string]string) map[string]string {
	headers := map[string]string{"X-Api-Key": s.APIKey}
	for k, v := range extra {
		headers[k] = v
	}
	return headers
}

func submitBody() map[string]any {
	return map[string]any{
		"kind":    "content_post",
		"summary": "Post the launch announcement",
		"actions": []map[string]any{{
			"endpoint": "/v1/posts",
			"payload":  map[string]any{"caption": "Hello"},
		}},
		"evidence": map[string]any{
			"what_changes": "publishes one post",
			"why_now":      "launch day",
		},
		"rollback": map[string]any{"steps": "delete the post"},
	}
}

func decodeError(t *testing.T, data []byte) (code, message string) {
	t.Helper()
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope %s: %v", string(data), err)
	}
	return envelope.Error.Code, envelope.Error.Message
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/actions", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}

	// health stays open
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
}

func TestJWTAuthAccepted(t *testing.T) {
	srv := newTestServer(t)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "reviewer",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/actions", nil, map[string]string{
		"Authorization": "Bearer " + signed,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
}

func TestSubmitApproveApplyOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/actions", submitBody(), srv.authed(nil))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var created ActionResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal action: %v", err)
	}
	if created.State != "pending_review" {
		t.Fatalf("state after submit = %s", created.State)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/actions/"+created.ID+"/approve", map[string]any{}, srv.authed(nil))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}
	var approved ActionResponse
	_ = json.Unmarshal(data, &approved)
	if approved.State != "approved" {
		t.Fatalf("state after approve = %s", approved.State)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/actions/"+created.ID+"/apply", nil, srv.authed(nil))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("apply status %d: %s", res.StatusCode, string(data))
	}
	var applied ActionResponse
	if err := json.Unmarshal(data, &applied); err != nil {
		t.Fatalf("unmarshal applied: %v", err)
	}
	if applied.State != "applied" {
		t.Fatalf("state after apply = %s", applied.State)
	}
	if applied.Receipt == nil || applied.Receipt.JobID == "" {
		t.Fatalf("apply should record a receipt: %+v", applied.Receipt)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/actions/"+created.ID+"/audit-trail", nil, srv.authed(nil))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("trail status %d: %s", res.StatusCode, string(data))
	}
	var trail []AuditRecordResponse
	if err := json.Unmarshal(data, &trail); err != nil {
		t.Fatalf("unmarshal trail: %v", err)
	}
	if len(trail) < 4 {
		t.Fatalf("expected full trail, got %d records", len(trail))
	}
}

func TestInvalidTransitionEnvelope(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/actions", submitBody(), srv.authed(nil))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var created ActionResponse
	_ = json.Unmarshal(data, &created)

	// apply without approval
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/actions/"+created.ID+"/apply", nil, srv.authed(nil))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	if code, _ := decodeError(t, data); code != "invalid_transition" {
		t.Fatalf("code = %s", code)
	}
}

func TestRejectNeedsReasonEnvelope(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/actions", submitBody(), srv.authed(nil))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var created ActionResponse
	_ = json.Unmarshal(data, &created)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/actions/"+created.ID+"/reject", map[string]any{"reason": "  "}, srv.authed(nil))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}
	if code, _ := decodeError(t, data); code != "validation_failed" {
		t.Fatalf("code = %s", code)
	}
}

func TestMissingActionNotFound(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/actions/nope", nil, srv.authed(nil))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
	if code, _ := decodeError(t, data); code != "not_found" {
		t.Fatalf("code = %s", code)
	}
}

func signWebhook(body []byte) string {
	mac := hmac.New(sha256.New, []byte("hook-secret"))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestWebhookIngress(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	body, _ := json.Marshal(hookqueue.Payload{
		Event:     "publish_complete",
		JobID:     "job-1",
		MessageID: "msg-1",
		Status:    "completed",
	})

	post := func(sig string) (*http.Response, []byte) {
		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v0/webhooks/publish", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		if sig != "" {
			req.Header.Set("X-Actiongate-Signature", sig)
		}
		res, err := client.Do(req)
		if err != nil {
			t.Fatalf("post webhook: %v", err)
		}
		defer res.Body.Close()
		data, _ := io.ReadAll(res.Body)
		return res, data
	}

	res, data := post("")
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unsigned delivery: %d %s", res.StatusCode, string(data))
	}
	if code, _ := decodeError(t, data); code != "invalid_signature" {
		t.Fatalf("code = %s", code)
	}

	res, data = post("sha256=" + signWebhook(body))
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("signed delivery: %d %s", res.StatusCode, string(data))
	}
	var ack map[string]string
	_ = json.Unmarshal(data, &ack)
	if ack["status"] != "queued" {
		t.Fatalf("ack = %v", ack)
	}

	// same message id again is absorbed
	res, data = post(signWebhook(body))
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("redelivery: %d %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &ack)
	if ack["status"] != "duplicate" {
		t.Fatalf("ack = %v", ack)
	}
}

func TestOpenAPISpecConcurrentFirstFetch(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	const fetchers = 4
	bodies := make([][]byte, fetchers)
	var wg sync.WaitGroup
	for i := 0; i < fetchers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req, err := http.NewRequest(http.MethodGet, srv.URL+"/v0/openapi.json", nil)
			if err != nil {
				return
			}
			req.Header.Set("X-Api-Key", srv.APIKey)
			res, err := client.Do(req)
			if err != nil {
				return
			}
			defer res.Body.Close()
			bodies[i], _ = io.ReadAll(res.Body)
		}(i)
	}
	wg.Wait()

	for i, b := range bodies {
		if len(b) == 0 {
			t.Fatalf("fetcher %d got an empty spec", i)
		}
		if !bytes.Equal(b, bodies[0]) {
			t.Fatalf("fetcher %d got a different spec", i)
		}
	}
}
