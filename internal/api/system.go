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

package api

import (
	"net/http"

	"github.com/tombee/ratchet/internal/httputil"
)

func (r *Router) handleTaskTypes(w http.ResponseWriter, req *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"task_types": r.registry.TaskTypes(),
	})
}

func (r *Router) handleQueueStats(w http.ResponseWriter, req *http.Request) {
	stats, err := r.queue.Stats(req.Context())
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, stats)
}

// handleHealth reports overall health: 200 when both the store and the
// queue respond, 503 otherwise.
func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	dbStatus := "ok"
	if err := r.store.Ping(ctx); err != nil {
		dbStatus = "error"
	}
	queueStatus := "ok"
	if err := r.queue.HealthCheck(ctx); err != nil {
		queueStatus = "error"
	}

	status := "ok"
	code := http.StatusOK
	if dbStatus != "ok" || queueStatus != "ok" {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	httputil.WriteJSON(w, code, map[string]string{
		"status":   status,
		"database": dbStatus,
		"queue":    queueStatus,
	})
}
