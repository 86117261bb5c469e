package gateway

import (
	"net/http"

	"github.com/bytedance/sonic"

	"github.com/lexiqai/avatar-gateway/internal/fault"
	"github.com/lexiqai/avatar-gateway/internal/observability"
)

// Status values used in response bodies
const (
	statusSuccess = "success"
	statusError   = "error"
	statusBusy    = "busy"
	statusPartial = "partial"
)

// retryAfterSeconds is advertised to callers rejected by a switch in flight
const retryAfterSeconds = "2"

type statusBody struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Field   string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	data, err := sonic.Marshal(v)
	if err != nil {
		logger := observability.Component("gateway")
		logger.Error().Err(err).Msg("Failed to encode response")
		http.Error(w, `{"status":"error","message":"encoding failure"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(data)
}

// missingField is a 422 for a required field that was not sent
func missingField(w http.ResponseWriter, field string) {
	writeJSON(w, http.StatusUnprocessableEntity, statusBody{
		Status:  statusError,
		Message: field + " is required",
		Field:   field,
	})
}

// badRequest is a 400 for a body that could not be parsed
func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, statusBody{Status: statusError, Message: msg})
}

// faultStatus maps a fault kind to the HTTP status and body status
func faultStatus(err error) (int, string) {
	switch fault.KindOf(err) {
	case fault.KindValidation:
		return http.StatusBadRequest, statusError
	case fault.KindNotFound:
		// Unknown avatars are a domain outcome reported in the body
		return http.StatusOK, statusError
	case fault.KindBusy:
		return http.StatusConflict, statusBusy
	case fault.KindStartupFailure, fault.KindShutdownTimeout:
		return http.StatusInternalServerError, statusError
	case fault.KindUpstream:
		return http.StatusBadGateway, statusError
	default:
		return http.StatusInternalServerError, statusError
	}
}

func writeFault(w http.ResponseWriter, r *http.Request, err error) {
	code, status := faultStatus(err)
	body := statusBody{Status: status, Message: err.Error()}
	if fe, ok := fault.As(err); ok {
		body.Field = fe.Field
	}
	if code == http.StatusConflict {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}

	logger := requestLogger(r.Context())
	event := logger.Info()
	if code >= http.StatusInternalServerError {
		event = logger.Error()
		observability.RecordError(fault.KindOf(err).String(), "gateway")
	}
	event.Err(err).Str("path", r.URL.Path).Int("status", code).Msg("Request failed")

	writeJSON(w, code, body)
}
