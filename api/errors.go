package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jmcleod/certmanager/manager"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, Response{
		Status:  statusText(status),
		Code:    status,
		Message: "Success",
		Data:    data,
	})
}

func writeError(w http.ResponseWriter, status int, ret manager.Code, msg string) {
	writeJSON(w, status, Response{
		Status:  statusText(status),
		Code:    status,
		Return:  int(ret),
		Message: msg,
		Data:    []any{},
	})
}

func statusText(status int) string {
	if status < 300 {
		return "ok"
	}
	return strings.ToLower(http.StatusText(status))
}

// mapError renders a manager failure. Internal causes are logged, never
// returned to the client.
func (a *API) mapError(w http.ResponseWriter, r *http.Request, err error) {
	var e *manager.Error
	if !errors.As(err, &e) {
		e = &manager.Error{Kind: manager.KindInternal, Code: manager.CodeInternal, Message: "internal error", Err: err}
	}

	status := http.StatusBadRequest
	switch e.Kind {
	case manager.KindNotFound:
		status = http.StatusNotFound
	case manager.KindConflict:
		status = http.StatusConflict
	case manager.KindInternal:
		status = http.StatusInternalServerError
		a.logger.ErrorContext(r.Context(), "request failed",
			slog.String("request_id", RequestIDFrom(r.Context())),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
	}
	if e.Code == manager.CodePayloadTooLarge {
		status = http.StatusRequestEntityTooLarge
	}
	writeError(w, status, e.Code, e.Message)
}
