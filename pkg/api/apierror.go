// Package api holds the HTTP plumbing shared by every route: RFC 7807 problem
// documents, per-caller rate limiting and Idempotency-Key replay.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
)

const problemTypeBase = "https://p2p-energy-trading.org/errors/"

// ProblemDetail is an RFC 7807 problem document. Code carries the
// machine-readable reason, such as SIGNATURE_EXPIRED or NO_INVENTORY, and
// TraceID echoes the X-Request-ID of the failed request.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Code     string `json:"code,omitempty"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	if p.Code != "" {
		return fmt.Sprintf("%s (%s): %s", p.Title, p.Code, p.Detail)
	}
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func writeProblem(w http.ResponseWriter, problem *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(problem.Status)
	_ = json.NewEncoder(w).Encode(problem)
}

func problemType(status int, code string) string {
	if code != "" {
		return problemTypeBase + code
	}
	return fmt.Sprintf("%s%d", problemTypeBase, status)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:   problemType(status, ""),
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// WriteCoded writes a problem document carrying a machine-readable code.
// r may be nil.
func WriteCoded(w http.ResponseWriter, r *http.Request, status int, title, code, detail string) {
	problem := &ProblemDetail{
		Type:    problemType(status, code),
		Title:   title,
		Status:  status,
		Code:    code,
		Detail:  detail,
		TraceID: w.Header().Get("X-Request-ID"),
	}
	if r != nil {
		problem.Instance = r.URL.Path
	}
	writeProblem(w, problem)
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 error response with a rejection code.
func WriteUnauthorized(w http.ResponseWriter, r *http.Request, code, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteCoded(w, r, http.StatusUnauthorized, "Unauthorized", code, detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

// WriteMethodNotAllowed writes a 405 error response.
func WriteMethodNotAllowed(w http.ResponseWriter) {
	WriteError(w, http.StatusMethodNotAllowed, "Method Not Allowed", "The HTTP method is not supported for this endpoint")
}

// WriteConflict writes a 409 error response.
func WriteConflict(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusConflict, "Conflict", detail)
}

// WriteTooManyRequests writes a 429 with Retry-After in seconds.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", strconv.Itoa(max(1, retryAfterSecs)))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests",
		fmt.Sprintf("rate limit exceeded, retry in %ds", max(1, retryAfterSecs)))
}

// WriteInternal logs err with the request it failed and answers 500. The
// error text never reaches the client since it may name storage internals.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	attrs := []any{"error", err, "request_id", w.Header().Get("X-Request-ID")}
	if r != nil {
		attrs = append(attrs, "method", r.Method, "path", r.URL.Path)
	}
	slog.Error("internal server error", attrs...)
	WriteCoded(w, r, http.StatusInternalServerError, "Internal Server Error", "INTERNAL", "an unexpected error occurred")
}
