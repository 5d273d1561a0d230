// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package httputil provides JSON response helpers for the admin API.
package httputil

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/tombee/ratchet/pkg/errors"
)

// WriteJSON writes a JSON response with the given status code and data.
// If encoding fails, it logs the error.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to write JSON response", slog.Any("error", err))
	}
}

// WriteError writes a JSON error response with the given status code and message.
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{
		"error": message,
	})
}

// WriteDomainError maps a domain error onto an HTTP error response.
//
// Validation problems and illegal state-machine moves are the caller's
// fault (400), missing resources are 404, and anything unrecognized is
// a 500.
func WriteDomainError(w http.ResponseWriter, err error) {
	var (
		validation *errors.ValidationError
		notFound   *errors.NotFoundError
		transition *errors.InvalidTransitionError
		config     *errors.ConfigError
	)
	switch {
	case errors.As(err, &validation):
		WriteError(w, http.StatusBadRequest, validation.Error())
	case errors.As(err, &notFound):
		WriteError(w, http.StatusNotFound, notFound.Error())
	case errors.As(err, &transition):
		WriteError(w, http.StatusBadRequest, transition.Error())
	case errors.As(err, &config):
		WriteError(w, http.StatusBadRequest, config.Error())
	default:
		WriteError(w, http.StatusInternalServerError, err.Error())
	}
}
