package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	apperror "github.com/Yulian302/lfusys-services-ingest/errors"
	"github.com/go-chi/chi/v5/middleware"
)

type APIError struct {
	Code int    `json:"code"`
	Kind string `json:"kind,omitempty"`
	Text string `json:"text"`
}

// APIEnvelope is the body of every /api/v1 response.
type APIEnvelope struct {
	Error *APIError `json:"error,omitempty"`
	Data  any       `json:"data,omitempty"`
}

func OkData(data any) APIEnvelope { return APIEnvelope{Data: data} }

func Fail(code int, kind apperror.Kind, text string) APIEnvelope {
	return APIEnvelope{Error: &APIError{Code: code, Kind: string(kind), Text: text}}
}

var kindStatus = map[apperror.Kind]int{
	apperror.KindStoreUnavailable:    http.StatusServiceUnavailable,
	apperror.KindSessionNotFound:     http.StatusNotFound,
	apperror.KindSessionClosed:       http.StatusGone,
	apperror.KindSessionInconsistent: http.StatusConflict,
	apperror.KindOutOfOrderChunk:     http.StatusConflict,
	apperror.KindInvalidChunkBounds:  http.StatusBadRequest,
	apperror.KindInvalidRequest:      http.StatusBadRequest,
	apperror.KindStoreTimeout:        http.StatusGatewayTimeout,
	apperror.KindStoreWriteFailed:    http.StatusBadGateway,
	apperror.KindMetadataWriteFailed: http.StatusBadGateway,
}

// MapError picks the HTTP status and envelope for err. Unknown errors never
// leak their text.
func MapError(err error) (int, APIEnvelope) {
	if kind := apperror.KindOf(err); kind != "" {
		status, ok := kindStatus[kind]
		if !ok {
			status = http.StatusInternalServerError
		}
		return status, Fail(status, kind, err.Error())
	}

	var maxBytes *http.MaxBytesError
	switch {
	case errors.Is(err, apperror.ErrFileNotFound):
		return http.StatusNotFound, Fail(http.StatusNotFound, "file_not_found", err.Error())
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge, Fail(http.StatusRequestEntityTooLarge, apperror.KindInvalidChunkBounds, "request body too large")
	default:
		return http.StatusInternalServerError, Fail(http.StatusInternalServerError, "", "unexpected error")
	}
}

func WriteEnvelope(w http.ResponseWriter, r *http.Request, status int, env APIEnvelope) {
	writeJSON(w, r, status, env)
}

func WriteData(w http.ResponseWriter, r *http.Request, status int, data any) {
	WriteEnvelope(w, r, status, OkData(data))
}

func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status, env := MapError(err)
	WriteEnvelope(w, r, status, env)
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	if id := middleware.GetReqID(r.Context()); id != "" {
		w.Header().Set("X-Request-ID", id)
	}
	w.WriteHeader(status)
	if r.Method == http.MethodHead {
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}
