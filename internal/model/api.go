package model

import "time"

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any         `json:"data,omitempty"`
	Meta EnvelopeMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  EnvelopeMeta `json:"meta"`
}

// EnvelopeMeta contains request metadata included in every HTTP response.
type EnvelopeMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error. Details is populated only in debug
// mode; production responses carry the generic message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// MemoryPutRequest is the body of PUT /v1/memory/put. The user is the
// authenticated principal; a user_id in the body is ignored.
type MemoryPutRequest struct {
	Kind     string         `json:"kind"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// MemoryPutResponse returns the new record ID.
type MemoryPutResponse struct {
	ID string `json:"id"`
}

// MemorySearchRequest is the body of POST /v1/memory/search.
type MemorySearchRequest struct {
	Query string   `json:"query"`
	K     int      `json:"k,omitempty"`
	Kinds []string `json:"kinds,omitempty"`
}

// TrustLogPage is a cursor-paginated slice of trust log entries.
type TrustLogPage struct {
	Entries    []TrustLogEntry `json:"entries"`
	NextCursor string          `json:"next_cursor,omitempty"`
	HasMore    bool            `json:"has_more"`
}

// TrustLogByRequest is the per-request audit view.
type TrustLogByRequest struct {
	RequestID          string          `json:"request_id"`
	Entries            []TrustLogEntry `json:"entries"`
	ChainOK            bool            `json:"chain_ok"`
	VerificationResult *VerifyResult   `json:"verification_result,omitempty"`
}

// DriftReport is the ValueCore EMA drift view for one user.
type DriftReport struct {
	UserID    string    `json:"user_id"`
	EMA       float64   `json:"ema"`
	Baseline  float64   `json:"baseline"`
	DriftPct  float64   `json:"drift_pct"`
	Samples   int       `json:"samples"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Manifest is the capability manifest declared at startup and surfaced in
// /health for operational visibility. Stages consult the manifest, never
// dynamic probing.
type Manifest struct {
	ChatCompleter bool `json:"chat_completer"`
	Embedder      bool `json:"embedder"`
	WebSearch     bool `json:"web_search"`
	SafetyHead    bool `json:"safety_head"`
	MCP           bool `json:"mcp"`
	SelfDiagnose  bool `json:"self_diagnose"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status        string   `json:"status"`
	Version       string   `json:"version"`
	PolicyVersion string   `json:"policy_version"`
	TrustLogBytes int64    `json:"trust_log_bytes"`
	Manifest      Manifest `json:"manifest"`
	Uptime        int64    `json:"uptime_seconds"`
}

// StreamTokenResponse is the response for POST /v1/auth/stream-token.
type StreamTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}
