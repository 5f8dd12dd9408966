// Package handlers provides the REST and WebSocket surface of possyncd.
package handlers

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/kimhsiao/possync/backend/internal/errors"
	"github.com/kimhsiao/possync/backend/internal/logging"
)

// Response is the envelope of every JSON reply.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorBody  `json:"error,omitempty"`
}

// ErrorBody describes a failed request.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Warn("Failed to encode response", map[string]interface{}{"error": err.Error()})
	}
}

// OK sends a 200 response.
func OK(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, Response{Success: true, Data: data})
}

// Created sends a 201 response.
func Created(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusCreated, Response{Success: true, Data: data})
}

// NoContent sends a 204 response.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// Error sends err with the status matching its code.
func Error(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	status := StatusFor(code)
	if status >= http.StatusInternalServerError {
		logging.ErrorWithCode("Request failed", string(code), err, nil)
	}
	writeJSON(w, status, Response{Error: &ErrorBody{Code: string(code), Message: err.Error()}})
}

// BadRequest sends a 400 response with an INVALID_INPUT code.
func BadRequest(w http.ResponseWriter, message string) {
	Error(w, apperrors.New(apperrors.ErrInvalid, message))
}

// StatusFor maps an error code to an HTTP status.
func StatusFor(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrInvalid:
		return http.StatusBadRequest
	case apperrors.ErrNotFound, apperrors.ErrSaleNotFound:
		return http.StatusNotFound
	case apperrors.ErrSyncInProgress:
		return http.StatusConflict
	case apperrors.ErrQueueFull:
		return http.StatusTooManyRequests
	case apperrors.ErrStorageQuotaExceeded:
		return http.StatusInsufficientStorage
	case apperrors.ErrNetworkUnavailable:
		return http.StatusServiceUnavailable
	case apperrors.ErrPartialFetchFailure, apperrors.ErrRemoteWriteRejected:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
