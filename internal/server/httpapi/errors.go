package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/authcore/internal/common"
	"github.com/dmitrijs2005/authcore/internal/validation"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(kind common.Kind) int {
	switch kind {
	case common.KindValidation:
		return http.StatusBadRequest
	case common.KindAuth:
		return http.StatusUnauthorized
	case common.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as an error body. Internal failures get a generic
// message; their cause is only logged, under the returned error id.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	errorID := uuid.NewString()

	e, ok := common.AsError(err)
	if !ok || e.Kind == common.KindInternal {
		h.logger.Error(r.Context(), "request failed", "error_id", errorID, "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			ErrorID: errorID,
			Code:    common.CodeInternal,
			Message: "internal server error",
		})
		return
	}

	h.logger.Debug(r.Context(), "request rejected", "error_id", errorID, "path", r.URL.Path, "code", e.Code, "error", err)
	writeJSON(w, statusFor(e.Kind), errorResponse{
		ErrorID: errorID,
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	})
}

// decode reads and validates a JSON body, writing a 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	err := validation.DecodeAndValidate(r, dst)
	if err == nil {
		return true
	}
	var ve *validation.ValidationError
	if errors.As(err, &ve) {
		h.writeError(w, r, common.NewValidationError("invalid input", ve.Fields()))
	} else {
		h.writeError(w, r, common.NewValidationError("invalid request body", nil))
	}
	return false
}
