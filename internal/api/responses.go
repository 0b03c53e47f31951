package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"bustrac/internal/logging"
	"bustrac/internal/trip"
)

const (
	apiVersion          = 1
	maxRequestBodyBytes = 64 << 10
	defaultErrorText    = "internal server error"
)

const (
	kindValidation      = trip.KindValidation
	kindNotFound        = trip.KindNotFound
	kindInternal        = trip.KindInternal
	kindUnauthenticated = "unauthenticated"
	kindPayloadTooLarge = "payload_too_large"
)

type response struct {
	Code        int    `json:"code"`
	CurrentTime int64  `json:"currentTime"`
	Text        string `json:"text"`
	Version     int    `json:"version"`
	Data        any    `json:"data,omitempty"`
}

type errorBody struct {
	Code        int    `json:"code"`
	Kind        string `json:"kind"`
	Text        string `json:"text"`
	CurrentTime int64  `json:"currentTime"`
	Version     int    `json:"version"`
}

type listData struct {
	List  []trip.View `json:"list"`
	Count int         `json:"count"`
}

func (s *Server) sendResponse(w http.ResponseWriter, r *http.Request, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	err := json.NewEncoder(w).Encode(response{
		Code:        code,
		CurrentTime: time.Now().UnixMilli(),
		Text:        http.StatusText(code),
		Version:     apiVersion,
		Data:        data,
	})
	if err != nil {
		logging.LogError(logging.FromContext(r.Context()), "failed to encode response", err)
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, r *http.Request, code int, kind, text string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	err := json.NewEncoder(w).Encode(errorBody{
		Code:        code,
		Kind:        kind,
		Text:        text,
		CurrentTime: time.Now().UnixMilli(),
		Version:     apiVersion,
	})
	if err != nil {
		logging.LogError(logging.FromContext(r.Context()), "failed to encode error response", err)
	}
}

// tripError maps lifecycle errors onto HTTP statuses. Internal errors are
// logged and replaced by a generic message.
func (s *Server) tripError(w http.ResponseWriter, r *http.Request, err error) {
	kind := trip.Kind(err)
	var code int
	switch kind {
	case trip.KindValidation:
		code = http.StatusBadRequest
	case trip.KindAuthorization:
		code = http.StatusForbidden
	case trip.KindNotFound:
		code = http.StatusNotFound
	case trip.KindInvalidTransition:
		code = http.StatusConflict
	default:
		logging.LogError(logging.FromContext(r.Context()), "request_failed", err)
		s.errorResponse(w, r, http.StatusInternalServerError, kindInternal, defaultErrorText)
		return
	}
	s.errorResponse(w, r, code, kind, err.Error())
}

// decodeJSON reads a single JSON object into dst, rejecting unknown fields.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.errorResponse(w, r, http.StatusRequestEntityTooLarge, kindPayloadTooLarge, "request body too large")
			return false
		}
		s.errorResponse(w, r, http.StatusBadRequest, kindValidation, "invalid JSON body: "+err.Error())
		return false
	}
	if dec.More() {
		s.errorResponse(w, r, http.StatusBadRequest, kindValidation, "request body must contain a single JSON object")
		return false
	}
	return true
}

func views(trips []*trip.Trip) []trip.View {
	out := make([]trip.View, len(trips))
	for i, t := range trips {
		out[i] = t.View()
	}
	return out
}
