package httptransport_test

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"asset-job-orchestrator/internal/entity"
	"asset-job-orchestrator/internal/testutil"
	httptransport "asset-job-orchestrator/internal/transport/http"
)

func (e *env) webhook(t *testing.T, body, signature string) (int, string) {
	t.Helper()
	headers := map[string]string{}
	if signature != "" {
		headers["X-Signature"] = signature
	}
	rr := e.do(t, http.MethodPost, "/webhooks/tasks", body, headers)
	var resp struct {
		Outcome string `json:"outcome"`
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &resp)
	return rr.Code, resp.Outcome
}

func TestWebhook_AppliesSignedNotification(t *testing.T) {
	e := newEnv(t)
	e.fake.OnSubmit(testutil.SubmitResult{TaskID: "task-1"})
	id := e.createJob(t, "user-1")
	if _, err := e.orch.Advance(context.Background(), id); err != nil {
		t.Fatalf("advance: %v", err)
	}

	body := `{"externalTaskId":"task-1","status":"SUCCEEDED","result":{"modelUrl":"m.glb"}}`
	code, out := e.webhook(t, body, httptransport.Sign(testSecret, []byte(body)))
	if code != http.StatusOK || out != "applied" {
		t.Fatalf("expected 200 applied, got %d %s", code, out)
	}

	j, _ := e.store.GetJob(context.Background(), id)
	if j.State != entity.StateCompleted {
		t.Fatalf("expected COMPLETED, got %s", j.State)
	}

	// redelivery is acknowledged without effect
	code, out = e.webhook(t, body, httptransport.Sign(testSecret, []byte(body)))
	if code != http.StatusOK || out != "ignored" {
		t.Fatalf("expected 200 ignored, got %d %s", code, out)
	}
}

func TestWebhook_BareHexSignatureAccepted(t *testing.T) {
	e := newEnv(t)
	body := `{"externalTaskId":"unknown","status":"RUNNING"}`
	sig := httptransport.Sign(testSecret, []byte(body))[len("sha256="):]

	code, out := e.webhook(t, body, sig)
	if code != http.StatusAccepted || out != "deferred" {
		t.Fatalf("expected 202 deferred, got %d %s", code, out)
	}
	if len(e.queue.items) != 1 {
		t.Fatalf("expected one deferred notification, got %d", len(e.queue.items))
	}
}

func TestWebhook_RejectsBadSignature(t *testing.T) {
	e := newEnv(t)
	body := `{"externalTaskId":"task-1","status":"SUCCEEDED"}`

	if code, _ := e.webhook(t, body, ""); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without signature, got %d", code)
	}
	if code, _ := e.webhook(t, body, httptransport.Sign("other", []byte(body))); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong secret, got %d", code)
	}
	if code, _ := e.webhook(t, body, "sha256=zz"); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for non-hex signature, got %d", code)
	}
}

func TestWebhook_400OnMalformed(t *testing.T) {
	e := newEnv(t)
	for _, body := range []string{`{"externalTaskId":`, `{"status":"SUCCEEDED"}`, `{"externalTaskId":"x","status":"???"}`} {
		code, _ := e.webhook(t, body, httptransport.Sign(testSecret, []byte(body)))
		if code != http.StatusBadRequest {
			t.Fatalf("expected 400 for %s, got %d", body, code)
		}
	}
}
