package serv

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/go-chi/chi/v5"

	"github.com/dilsor/dilsor/core"
)

// writeJSON encodes data as JSON and writes it to the response.
func writeJSON(w http.ResponseWriter, data interface{}) {
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "encoding error", http.StatusInternalServerError)
	}
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeJSON(w, map[string]string{"error": message})
}

// writeEngineError maps a typed engine error onto an HTTP status and
// renders the full error value, candidates included.
func writeEngineError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(errorStatus(core.KindOf(err)))

	var e *core.Error
	if errors.As(err, &e) {
		writeJSON(w, e)
		return
	}
	writeJSON(w, map[string]string{"error": err.Error()})
}

// errorStatus maps an engine error kind to an HTTP status code.
func errorStatus(kind core.ErrorKind) int {
	switch kind {
	case core.ErrInvalidInput, core.ErrUnsafeSQL:
		return http.StatusBadRequest
	case core.ErrAmbiguousQuery, core.ErrGenerationFailed:
		return http.StatusUnprocessableEntity
	case core.ErrNotFound:
		return http.StatusNotFound
	case core.ErrSchemaUnavailable:
		return http.StatusServiceUnavailable
	case core.ErrConnectionFailed:
		return http.StatusBadGateway
	case core.ErrCancelled:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

type queryRequest struct {
	Database string `json:"database"`
	Question string `json:"question"`
}

type sqlRequest struct {
	Database string `json:"database"`
	SQL      string `json:"sql"`
	Limit    int    `json:"limit,omitempty"`
}

// queryHandler accepts a natural-language question and starts a query.
// POST /api/v1/query
func queryHandler(s1 *HttpService) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := s1.service()

		var req queryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.Database == "" || req.Question == "" {
			writeJSONError(w, http.StatusBadRequest, "database and question are required")
			return
		}

		res, err := s.dilsor.Ask(r.Context(), req.Database, req.Question)
		if err != nil {
			writeEngineError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		writeJSON(w, res)
	})
}

// sqlHandler accepts a raw statement, bypassing the language pipeline.
// POST /api/v1/query/sql
func sqlHandler(s1 *HttpService) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := s1.service()

		var req sqlRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.Database == "" || req.SQL == "" {
			writeJSONError(w, http.StatusBadRequest, "database and sql are required")
			return
		}

		id, err := s.dilsor.SubmitSQL(r.Context(), req.Database, req.SQL, req.Limit)
		if err != nil {
			writeEngineError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		writeJSON(w, map[string]string{"query_id": id})
	})
}

// statusHandler reports query state.
// GET /api/v1/query/{id}
func statusHandler(s1 *HttpService) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := s1.service()

		st, err := s.dilsor.Status(chi.URLParam(r, "id"))
		if err != nil {
			writeEngineError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, st)
	})
}

// resultsHandler returns a page of buffered rows.
// GET /api/v1/query/{id}/results?offset=&limit=
func resultsHandler(s1 *HttpService) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := s1.service()

		offset := intQuery(r, "offset", 0)
		limit := intQuery(r, "limit", 100)

		page, err := s.dilsor.Results(chi.URLParam(r, "id"), offset, limit)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, page)
	})
}

// cancelHandler stops a running query.
// POST /api/v1/query/{id}/cancel
func cancelHandler(s1 *HttpService) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := s1.service()

		if err := s.dilsor.Cancel(chi.URLParam(r, "id")); err != nil {
			writeEngineError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

// exportHandler streams the full result set in the requested format.
// GET /api/v1/query/{id}/export?format=csv
func exportHandler(s1 *HttpService) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := s1.service()

		format, err := core.ParseExportFormat(r.URL.Query().Get("format"))
		if err != nil {
			writeEngineError(w, err)
			return
		}

		data, ctype, name, err := s.dilsor.Export(chi.URLParam(r, "id"), format)
		if err != nil {
			writeEngineError(w, err)
			return
		}

		w.Header().Set("Content-Type", ctype)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
		w.Write(data) //nolint:errcheck
	})
}

type registerRequest struct {
	ID string `json:"id"`
	core.DatabaseConfig
}

// databasesHandler lists registered databases or registers a new one.
// GET|POST /api/v1/databases
func databasesHandler(s1 *HttpService) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := s1.service()

		switch r.Method {
		case http.MethodGet:
			w.Header().Set("Content-Type", "application/json")
			ids := s.dilsor.Databases()
			writeJSON(w, map[string]interface{}{"databases": ids, "count": len(ids)})

		case http.MethodPost:
			var req registerRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			if req.ID == "" {
				writeJSONError(w, http.StatusBadRequest, "id is required")
				return
			}
			if err := s.dilsor.RegisterDatabase(r.Context(), req.ID, req.DatabaseConfig); err != nil {
				writeEngineError(w, err)
				return
			}
			w.WriteHeader(http.StatusCreated)

		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
}

// databaseHandler removes one database.
// DELETE /api/v1/databases/{id}
func databaseHandler(s1 *HttpService) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := s1.service()

		if err := s.dilsor.RemoveDatabase(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeEngineError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

// refreshHandler re-runs schema discovery for one database.
// POST /api/v1/databases/{id}/refresh
func refreshHandler(s1 *HttpService) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := s1.service()

		if err := s.dilsor.RefreshSchema(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeEngineError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

// statsHandler reports graph, pool and learning state for one database.
// GET /api/v1/databases/{id}/stats
func statsHandler(s1 *HttpService) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := s1.service()

		st, err := s.dilsor.DatabaseStats(chi.URLParam(r, "id"))
		if err != nil {
			writeEngineError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, st)
	})
}

// historyHandler lists recent queries for one database.
// GET /api/v1/databases/{id}/history?limit=
func historyHandler(s1 *HttpService) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := s1.service()

		hist, err := s.dilsor.History(r.Context(), chi.URLParam(r, "id"), intQuery(r, "limit", 50))
		if err != nil {
			writeEngineError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, map[string]interface{}{"history": hist, "count": len(hist)})
	})
}

// insightsHandler lists recorded schema observations.
// GET /api/v1/databases/{id}/insights?limit=
func insightsHandler(s1 *HttpService) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := s1.service()

		ins, err := s.dilsor.Insights(r.Context(), chi.URLParam(r, "id"), intQuery(r, "limit", 50))
		if err != nil {
			writeEngineError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, map[string]interface{}{"insights": ins, "count": len(ins)})
	})
}

// healthCheckHandler reports service liveness.
// GET /health
func healthCheckHandler(s1 *HttpService) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := s1.service()

		state := "starting"
		if atomic.LoadInt32(&s.state) == servListening {
			state = "ok"
		}
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, map[string]interface{}{
			"status":    state,
			"databases": len(s.dilsor.Databases()),
		})
	})
}

func intQuery(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
