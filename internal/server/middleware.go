// Package server implements the Veritas HTTP API.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/veritas-os/veritas/internal/auth"
	"github.com/veritas-os/veritas/internal/ctxutil"
	"github.com/veritas-os/veritas/internal/model"
	"github.com/veritas-os/veritas/internal/ratelimit"
)

// PrincipalHeader names the caller identity for memory and drift scoping.
// The shared API key authenticates the deployment, not a person; the header
// selects whose records the request touches.
const PrincipalHeader = "X-Veritas-User"

// DefaultPrincipal is used when PrincipalHeader is absent.
const DefaultPrincipal = "default"

// requestIDMiddleware assigns a unique request ID to each request.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.New().String()
		}
		ctx := ctxutil.WithRequestID(r.Context(), reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// securityHeadersMiddleware sets the response headers every endpoint carries.
// Decide responses may embed user-controlled text, so nothing is cacheable
// and nothing may be framed or sniffed.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Cache-Control", "no-store")
		h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs each request with structured fields.
func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", ctxutil.RequestID(r.Context()),
		}
		if tid := traceIDFromContext(r.Context()); tid != "" {
			attrs = append(attrs, "trace_id", tid)
		}
		if p := ctxutil.Principal(r.Context()); p != "" {
			attrs = append(attrs, "principal", p)
		}

		level := slog.LevelInfo
		if wrapped.statusCode >= 500 {
			level = slog.LevelError
		} else if wrapped.statusCode >= 400 {
			level = slog.LevelWarn
		}
		logger.Log(r.Context(), level, "http request", attrs...)
	})
}

type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush passes through so SSE handlers keep working behind the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

var (
	tracer    = otel.Tracer("github.com/veritas-os/veritas/internal/server")
	httpMeter = otel.GetMeterProvider().Meter("github.com/veritas-os/veritas/internal/server")
)

// tracingMiddleware creates an OTEL span for each HTTP request
// and records request count and duration metrics.
func tracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.url", r.URL.Path),
				attribute.String("http.request_id", ctxutil.RequestID(r.Context())),
			),
		)
		defer span.End()

		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r.WithContext(ctx))

		duration := time.Since(start)
		span.SetAttributes(attribute.Int("http.status_code", wrapped.statusCode))

		attrs := []attribute.KeyValue{
			attribute.String("http.method", r.Method),
			attribute.String("http.route", r.URL.Path),
			attribute.String("http.status_code", strconv.Itoa(wrapped.statusCode)),
		}
		if counter, err := httpMeter.Int64Counter("http.server.request_count"); err == nil {
			counter.Add(ctx, 1, otelmetric.WithAttributes(attrs...))
		}
		if hist, err := httpMeter.Float64Histogram("http.server.duration",
			otelmetric.WithUnit("ms")); err == nil {
			hist.Record(ctx, float64(duration.Milliseconds()), otelmetric.WithAttributes(attrs...))
		}
	})
}

// traceIDFromContext extracts the OTEL trace ID from the context, if any.
func traceIDFromContext(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// authenticator verifies X-API-Key headers against an Argon2id hash of the
// configured key, and stream tokens for the SSE endpoint. An empty configured
// key disables auth entirely (development mode).
type authenticator struct {
	keyHash   string // empty means auth disabled
	minter    *auth.TokenMinter
	failLimit ratelimit.Limiter // throttles failed attempts by IP
	logger    *slog.Logger
}

func newAuthenticator(apiKey string, minter *auth.TokenMinter, failLimit ratelimit.Limiter, logger *slog.Logger) (*authenticator, error) {
	a := &authenticator{minter: minter, failLimit: failLimit, logger: logger}
	if apiKey == "" {
		logger.Warn("no API key configured, authentication disabled (not for production)")
		return a, nil
	}
	hash, err := auth.HashAPIKey(apiKey)
	if err != nil {
		return nil, err
	}
	a.keyHash = hash
	return a, nil
}

// middleware enforces authentication on every route except /health.
// A valid X-API-Key authenticates any route; /v1/events additionally
// accepts a Bearer stream token. Tokens travel in headers, never query
// strings, which leak into access logs and referrers.
func (a *authenticator) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		if a.keyHash == "" {
			next.ServeHTTP(w, r.WithContext(a.withPrincipal(r, principalFromHeader(r))))
			return
		}

		if key := r.Header.Get("X-API-Key"); key != "" {
			ok, err := auth.VerifyAPIKey(key, a.keyHash)
			if err == nil && ok {
				next.ServeHTTP(w, r.WithContext(a.withPrincipal(r, principalFromHeader(r))))
				return
			}
			a.reject(w, r)
			return
		}

		if r.URL.Path == "/v1/events" {
			if token := bearerToken(r); token != "" {
				principal, err := a.minter.Verify(token)
				if err == nil {
					next.ServeHTTP(w, r.WithContext(a.withPrincipal(r, principal)))
					return
				}
				a.reject(w, r)
				return
			}
		}

		// No credential presented. Burn the same time as a real check so
		// probing cannot distinguish "no key configured" from "wrong key".
		auth.DummyVerify()
		a.throttleFailure(r)
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "missing API key")
	})
}

func (a *authenticator) reject(w http.ResponseWriter, r *http.Request) {
	a.throttleFailure(r)
	writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
}

// throttleFailure counts a failed auth attempt against the client IP.
// The limiter result is ignored here; the 401 already stops the request,
// and the consumed tokens slow down brute force on subsequent attempts.
func (a *authenticator) throttleFailure(r *http.Request) {
	if a.failLimit == nil {
		return
	}
	_, _ = a.failLimit.Allow(r.Context(), "authfail:"+ratelimit.IPKeyFunc(r))
}

func (a *authenticator) withPrincipal(r *http.Request, principal string) context.Context {
	return ctxutil.WithPrincipal(r.Context(), principal)
}

func principalFromHeader(r *http.Request) string {
	if p := r.Header.Get(PrincipalHeader); p != "" {
		return p
	}
	return DefaultPrincipal
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

// recoveryMiddleware converts panics into 500 responses.
func recoveryMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("panic in handler",
					"panic", rec,
					"path", r.URL.Path,
					"request_id", ctxutil.RequestID(r.Context()),
					"stack", string(debug.Stack()))
				writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response with the standard envelope.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(model.APIResponse{
		Data: data,
		Meta: model.EnvelopeMeta{
			RequestID: ctxutil.RequestID(r.Context()),
			Timestamp: time.Now().UTC(),
		},
	})
}

// writeError writes a JSON error response with the standard envelope.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(model.APIError{
		Error: model.ErrorDetail{Code: code, Message: message},
		Meta: model.EnvelopeMeta{
			RequestID: ctxutil.RequestID(r.Context()),
			Timestamp: time.Now().UTC(),
		},
	})
}

// writeKindedError maps a kinded error to the HTTP status and envelope code.
// Kinds the caller can act on carry the full message; kinds describing
// server-side state get a generic message unless debug mode is on.
func (h *Handlers) writeKindedError(w http.ResponseWriter, r *http.Request, err error) {
	detail := func(generic string) string {
		if h.debug {
			return err.Error()
		}
		return generic
	}
	switch model.KindOf(err) {
	case model.KindInvalidInput:
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	case model.KindUnauthorized:
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, err.Error())
	case model.KindNotFound:
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
	case model.KindPolicyError:
		writeError(w, r, http.StatusUnprocessableEntity, model.ErrCodePolicyError, err.Error())
	case model.KindChainIntegrity:
		writeError(w, r, http.StatusConflict, model.ErrCodeChainBreak, detail("trust log chain verification failed"))
	case model.KindCapabilityUnavailable:
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, detail("required capability unavailable"))
	default:
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, detail("internal server error"))
	}
}

// decodeJSON decodes a JSON request body into the target struct.
func decodeJSON(r *http.Request, target any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}
