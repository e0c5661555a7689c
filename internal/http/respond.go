package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/branchbox/branchbox/internal/repository"
	"github.com/branchbox/branchbox/internal/runner"
	"github.com/branchbox/branchbox/internal/service/lifecycle"
	"github.com/branchbox/branchbox/internal/tunnel"
	"github.com/branchbox/branchbox/internal/vcs"
	"github.com/branchbox/branchbox/internal/workspace"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps a lifecycle failure onto a stable error kind and
// status. Captured command output and incomplete-rollback details ride along
// so callers can diagnose a failed provision without reading server logs.
func (r *Router) writeServiceError(w http.ResponseWriter, err error) {
	kind, status := classifyError(err)
	payload := map[string]any{
		"error": err.Error(),
		"kind":  kind,
	}
	var cmdErr *runner.CommandError
	if errors.As(err, &cmdErr) {
		if output := cmdErr.Output(); output != "" {
			payload["output"] = output
		}
	}
	var rbErr *lifecycle.RollbackError
	if errors.As(err, &rbErr) {
		payload["rollback_failures"] = rbErr.Failures
		r.recordRollbackFailures(len(rbErr.Failures))
	}
	if status >= http.StatusInternalServerError {
		r.logger.Error("request failed", "kind", kind, "error", err)
	}
	writeJSON(w, status, payload)
}

// classifyError resolves an error chain to its kind and HTTP status. A
// RollbackError is transparent here: the terminal cause decides the kind.
func classifyError(err error) (string, int) {
	switch {
	case errors.Is(err, lifecycle.ErrBranchRequired),
		errors.Is(err, lifecycle.ErrIDRequired),
		errors.Is(err, lifecycle.ErrServiceNotAllowed):
		return "invalid_input", http.StatusBadRequest
	case errors.Is(err, vcs.ErrBranchNotFound),
		errors.Is(err, repository.ErrNotFound):
		return "not_found", http.StatusNotFound
	case errors.Is(err, repository.ErrConflict),
		errors.Is(err, lifecycle.ErrPortInUse),
		errors.Is(err, workspace.ErrExists):
		return "conflict", http.StatusConflict
	case errors.Is(err, tunnel.ErrTunnelUnavailable):
		return "tunnel_unavailable", http.StatusBadGateway
	}
	var cmdErr *runner.CommandError
	if errors.As(err, &cmdErr) {
		return "command_failed", http.StatusInternalServerError
	}
	return "internal", http.StatusInternalServerError
}
