package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/veritas-os/veritas/internal/auth"
	"github.com/veritas-os/veritas/internal/ctxutil"
	"github.com/veritas-os/veritas/internal/fuji"
	"github.com/veritas-os/veritas/internal/memory"
	"github.com/veritas-os/veritas/internal/model"
	"github.com/veritas-os/veritas/internal/pipeline"
	"github.com/veritas-os/veritas/internal/trustlog"
	"github.com/veritas-os/veritas/internal/values"
)

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	Pipeline *pipeline.Pipeline
	Policy   *fuji.Manager
	TrustLog *trustlog.Log
	Memory   *memory.Store
	Values   *values.Core
	Broker   *Broker
	Minter   *auth.TokenMinter
	Manifest model.Manifest
	Version  string

	maxBodyBytes int64
	debug        bool
	started      time.Time
	logger       *slog.Logger
}

// HandleHealth reports liveness plus the capability manifest. Unauthenticated
// so load balancers can probe it.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	policy := h.Policy.Current()
	writeJSON(w, r, http.StatusOK, model.HealthResponse{
		Status:        "ok",
		Version:       h.Version,
		PolicyVersion: policy.Version,
		TrustLogBytes: h.TrustLog.Size(),
		Manifest:      h.Manifest,
		Uptime:        int64(time.Since(h.started).Seconds()),
	})
}

// HandleDecide runs the full decide pipeline. The pipeline owns its response
// shape, including errors; HTTP status is 200 for every completed run so
// clients distinguish outcomes by decision_status, not transport codes.
func (h *Handlers) HandleDecide(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		writeError(w, r, http.StatusRequestEntityTooLarge, model.ErrCodeInvalidInput, "request body too large")
		return
	}

	resp := h.Pipeline.DecideBytes(r.Context(), body)
	if resp.RequestID == "" {
		resp.RequestID = ctxutil.RequestID(r.Context())
	}

	status := http.StatusOK
	if !resp.OK && resp.DecisionStatus == model.StatusRejected {
		status = http.StatusBadRequest
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// HandleFujiValidate checks a candidate policy without persisting it.
func (h *Handlers) HandleFujiValidate(w http.ResponseWriter, r *http.Request) {
	var policy model.FujiPolicy
	if err := decodeJSON(r, &policy); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid policy JSON: "+err.Error())
		return
	}
	if err := policy.Validate(); err != nil {
		writeJSON(w, r, http.StatusUnprocessableEntity, map[string]any{
			"valid": false,
			"error": err.Error(),
		})
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"valid": true, "version": policy.Version})
}

// HandleGetPolicy returns the active policy.
func (h *Handlers) HandleGetPolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.Policy.Current())
}

// HandlePutPolicy validates, persists, and hot-swaps the policy.
func (h *Handlers) HandlePutPolicy(w http.ResponseWriter, r *http.Request) {
	var policy model.FujiPolicy
	if err := decodeJSON(r, &policy); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid policy JSON: "+err.Error())
		return
	}
	if err := h.Policy.Set(policy); err != nil {
		h.writeKindedError(w, r, err)
		return
	}
	// Governance actions chain into the audit log like decisions do. The
	// policy is already persisted; an append failure leaves an audit gap,
	// logged but not fatal to the update.
	if _, err := h.TrustLog.Append(ctxutil.RequestID(r.Context()), "governance_policy_updated", map[string]any{
		"version":    policy.Version,
		"updated_by": policy.UpdatedBy,
	}); err != nil {
		h.logger.Error("governance audit append failed", "error", err, "policy_version", policy.Version)
	}
	if h.Broker != nil {
		h.Broker.Publish("policy_updated", map[string]any{
			"version":    policy.Version,
			"updated_by": policy.UpdatedBy,
		})
	}
	writeJSON(w, r, http.StatusOK, h.Policy.Current())
}

// HandleValueDrift reports EMA drift for a user. Defaults to the caller's
// principal when user_id is absent.
func (h *Handlers) HandleValueDrift(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = ctxutil.Principal(r.Context())
	}
	report, err := h.Values.Drift(userID)
	if err != nil {
		h.writeKindedError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, report)
}

// HandleMemoryPut stores a record for the authenticated principal.
func (h *Handlers) HandleMemoryPut(w http.ResponseWriter, r *http.Request) {
	var req model.MemoryPutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	id, err := h.Memory.Put(r.Context(), ctxutil.Principal(r.Context()), model.MemoryKind(req.Kind), req.Text, req.Metadata)
	if err != nil {
		h.writeKindedError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, model.MemoryPutResponse{ID: id.String()})
}

// HandleMemoryGet fetches one record owned by the principal.
func (h *Handlers) HandleMemoryGet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid record id")
		return
	}
	record, err := h.Memory.Get(ctxutil.Principal(r.Context()), id)
	if err != nil {
		h.writeKindedError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, record)
}

// HandleMemorySearch runs a vector similarity search over the principal's
// records.
func (h *Handlers) HandleMemorySearch(w http.ResponseWriter, r *http.Request) {
	var req model.MemorySearchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if req.Query == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "query is required")
		return
	}
	records, err := h.Memory.Search(r.Context(), ctxutil.Principal(r.Context()), req.Query, req.K, req.Kinds)
	if err != nil {
		h.writeKindedError(w, r, err)
		return
	}
	if records == nil {
		records = []model.MemoryRecord{}
	}
	writeJSON(w, r, http.StatusOK, records)
}

// HandleTrustLogs pages through the audit log.
func (h *Handlers) HandleTrustLogs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid limit")
			return
		}
		limit = n
	}
	page, err := h.TrustLog.ReadPage(r.URL.Query().Get("cursor"), limit)
	if err != nil {
		h.writeKindedError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, page)
}

// HandleTrustByRequest returns all audit entries for one request ID together
// with a chain verification verdict.
func (h *Handlers) HandleTrustByRequest(w http.ResponseWriter, r *http.Request) {
	out, err := h.TrustLog.GetByRequestID(r.PathValue("request_id"))
	if err != nil {
		h.writeKindedError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, out)
}

// HandleTrustVerify re-verifies the full hash chain including archives.
func (h *Handlers) HandleTrustVerify(w http.ResponseWriter, r *http.Request) {
	res, err := h.TrustLog.VerifyChain()
	if err != nil {
		h.writeKindedError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// HandleStreamToken mints a short-lived token for SSE clients.
func (h *Handlers) HandleStreamToken(w http.ResponseWriter, r *http.Request) {
	token, expires, err := h.Minter.Mint(ctxutil.Principal(r.Context()))
	if err != nil {
		h.writeKindedError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.StreamTokenResponse{Token: token, ExpiresAt: expires})
}

// HandleEvents streams decision and governance events over SSE. Heartbeat
// comments keep intermediaries from closing the idle connection.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ch := h.Broker.Subscribe()
	defer h.Broker.Unsubscribe(ch)

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-ch:
			if !open {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": heartbeat\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
