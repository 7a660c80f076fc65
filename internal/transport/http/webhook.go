package httptransport

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"asset-job-orchestrator/internal/logger"
	"asset-job-orchestrator/internal/service"
)

const (
	signatureHeader = "X-Signature"
	maxWebhookBody  = 1 << 20
)

type NotificationHandler interface {
	Handle(ctx context.Context, n service.Notification) (service.Outcome, error)
}

type WebhookHandler struct {
	reconciler NotificationHandler
	secret     []byte
	log        *logger.Logger
}

// NewWebhookHandler verifies every request against secret. With an empty
// secret every request is rejected.
func NewWebhookHandler(reconciler NotificationHandler, secret string, log *logger.Logger) *WebhookHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &WebhookHandler{reconciler: reconciler, secret: []byte(secret), log: log}
}

type webhookResp struct {
	Outcome service.Outcome `json:"outcome"`
}

// TaskWebhook godoc
// @Summary Provider task notification
// @Description HMAC-SHA256 of the raw body in X-Signature ("sha256=<hex>").
// @Tags webhooks
// @Accept json
// @Produce json
// @Param X-Signature header string true "sha256=<hex hmac of body>"
// @Param request body service.Notification true "task status"
// @Success 200 {object} webhookResp
// @Success 202 {object} webhookResp
// @Failure 400 {object} apiError
// @Failure 401 {object} apiError
// @Failure 503 {object} apiError
// @Router /webhooks/tasks [post]
func (h *WebhookHandler) TaskWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if !h.verify(body, r.Header.Get(signatureHeader)) {
		h.log.Warn("webhook signature rejected", "remote", r.RemoteAddr)
		writeErr(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var n service.Notification
	if err := json.Unmarshal(body, &n); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}

	out, err := h.reconciler.Handle(r.Context(), n)
	if err != nil {
		if errors.Is(err, service.ErrInvalidRequest) {
			writeErr(w, http.StatusBadRequest, err.Error())
			return
		}
		h.log.Error("webhook reconcile failed", "task_id", n.ExternalTaskID, "error", err)
		writeErr(w, http.StatusServiceUnavailable, "temporarily unavailable, retry")
		return
	}

	status := http.StatusOK
	if out == service.OutcomeDeferred {
		status = http.StatusAccepted
	}
	h.log.Info("webhook handled", "task_id", n.ExternalTaskID, "status", n.Status, "outcome", out)
	writeJSON(w, status, webhookResp{Outcome: out})
}

func (h *WebhookHandler) verify(body []byte, header string) bool {
	if len(h.secret) == 0 {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(header), "sha256="))
	if err != nil || len(got) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign returns the X-Signature value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
