// Package api serves the treasury over JSON HTTP. Errors use RFC 7807
// Problem Details.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Mindburn-Labs/helm-treasury/pkg/authz"
	"github.com/Mindburn-Labs/helm-treasury/pkg/custody"
	"github.com/Mindburn-Labs/helm-treasury/pkg/service"
	"github.com/Mindburn-Labs/helm-treasury/pkg/treasury"
)

const problemTypeBase = "https://helm.schemas.local/treasury/errors/"

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// All API error responses must use this format.
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Instance is a URI reference identifying the specific occurrence.
	Instance string `json:"instance,omitempty"`
	// TraceID links to the distributed trace for this request.
	TraceID string `json:"trace_id,omitempty"`
	// Kind is the treasury failure kind, when the problem is one.
	Kind string `json:"kind,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func writeProblem(w http.ResponseWriter, problem *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(problem.Status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:   fmt.Sprintf("%s%d", problemTypeBase, status),
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// WriteErrorR writes an RFC 7807 response enriched with request context
// (trace_id from X-Request-ID, instance from request URI).
func WriteErrorR(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:     fmt.Sprintf("%s%d", problemTypeBase, status),
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get("X-Request-ID"),
	})
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

// WriteConflict writes a 409 error response.
func WriteConflict(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusConflict, "Conflict", detail)
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but NEVER exposed to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

// kindStatus maps treasury failure kinds onto HTTP statuses.
var kindStatus = map[string]int{
	"InvalidThreshold":        http.StatusUnprocessableEntity,
	"InvalidSigners":          http.StatusUnprocessableEntity,
	"InvalidAmount":           http.StatusUnprocessableEntity,
	"MaxBatchSizeExceeded":    http.StatusUnprocessableEntity,
	"NotSigner":               http.StatusForbidden,
	"Unauthorized":            http.StatusForbidden,
	"AlreadySigned":           http.StatusConflict,
	"ProposalAlreadyExecuted": http.StatusConflict,
	"InsufficientSignatures":  http.StatusConflict,
	"TimeLockNotExpired":      http.StatusConflict,
	"InCooldownPeriod":        http.StatusConflict,
	"PolicyViolation":         http.StatusUnprocessableEntity,
	"NotWhitelisted":          http.StatusUnprocessableEntity,
	"SpendingLimitExceeded":   http.StatusUnprocessableEntity,
	"InsufficientBalance":     http.StatusUnprocessableEntity,
	"ProposalNotFound":        http.StatusNotFound,
}

// WriteServiceError renders err from the service layer. Treasury failures
// carry their kind; anything unclassified is an internal error.
func WriteServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, title, kind := classify(err)
	if status == http.StatusInternalServerError {
		WriteInternal(w, err)
		return
	}
	writeProblem(w, &ProblemDetail{
		Type:     problemTypeBase + kindOrStatus(kind, status),
		Title:    title,
		Status:   status,
		Detail:   err.Error(),
		Instance: r.URL.Path,
		TraceID:  w.Header().Get("X-Request-ID"),
		Kind:     kind,
	})
}

func classify(err error) (status int, title, kind string) {
	if kind := treasury.KindOf(err); kind != "" {
		status, ok := kindStatus[kind]
		if !ok {
			status = http.StatusUnprocessableEntity
		}
		return status, kind, kind
	}
	switch {
	case errors.Is(err, service.ErrTreasuryNotFound):
		return http.StatusNotFound, "Not Found", ""
	case errors.Is(err, authz.ErrInvalidCapability), errors.Is(err, authz.ErrNotAuthorized):
		return http.StatusForbidden, "Forbidden", ""
	case errors.Is(err, custody.ErrRefused):
		return http.StatusBadGateway, "Custody Refused", ""
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "Service Unavailable", ""
	default:
		return http.StatusInternalServerError, "Internal Server Error", ""
	}
}

func kindOrStatus(kind string, status int) string {
	if kind != "" {
		return kind
	}
	return fmt.Sprint(status)
}
