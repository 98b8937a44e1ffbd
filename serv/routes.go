package serv

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/gzhttp"
	"github.com/rs/cors"
)

const (
	routeQuery     = "/api/v1/query"
	routeDatabases = "/api/v1/databases"
	routeProgress  = "/api/v1/progress"
	healthRoute    = "/health"
)

// routesHandler wires every route and the outer middleware stack.
func routesHandler(s1 *HttpService, r chi.Router) (http.Handler, error) {
	s := s1.service()

	r.Handle(healthRoute, healthCheckHandler(s1))

	r.Route(routeQuery, func(r chi.Router) {
		r.Method(http.MethodPost, "/", apiHandler(s1, queryHandler(s1)))
		r.Method(http.MethodPost, "/sql", apiHandler(s1, sqlHandler(s1)))
		r.Method(http.MethodGet, "/{id}", apiHandler(s1, statusHandler(s1)))
		r.Method(http.MethodGet, "/{id}/results", apiHandler(s1, resultsHandler(s1)))
		r.Method(http.MethodPost, "/{id}/cancel", apiHandler(s1, cancelHandler(s1)))
		r.Method(http.MethodGet, "/{id}/export", apiHandler(s1, exportHandler(s1)))
	})

	r.Route(routeDatabases, func(r chi.Router) {
		r.Handle("/", apiHandler(s1, databasesHandler(s1)))
		r.Method(http.MethodDelete, "/{id}", apiHandler(s1, databaseHandler(s1)))
		r.Method(http.MethodPost, "/{id}/refresh", apiHandler(s1, refreshHandler(s1)))
		r.Method(http.MethodGet, "/{id}/stats", apiHandler(s1, statsHandler(s1)))
		r.Method(http.MethodGet, "/{id}/history", apiHandler(s1, historyHandler(s1)))
		r.Method(http.MethodGet, "/{id}/insights", apiHandler(s1, insightsHandler(s1)))
	})

	// the websocket endpoint skips compression and rate limiting
	r.Handle(routeProgress, progressHandler(s1))

	var h http.Handler = r
	if len(s.conf.AllowedOrigins) > 0 {
		c := cors.New(cors.Options{
			AllowedOrigins:   s.conf.AllowedOrigins,
			AllowedHeaders:   s.conf.AllowedHeaders,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowCredentials: true,
			Debug:            s.conf.DebugCORS,
		})
		h = c.Handler(h)
	}

	return setServerHeader(h), nil
}

// apiHandler applies the per-request middleware shared by the JSON API:
// rate limiting and response compression.
func apiHandler(s1 *HttpService, h http.Handler) http.Handler {
	s := s1.service()

	if s.conf.rateLimiterEnable() {
		h = rateLimiter(s1, h)
	}
	if s.conf.HTTPGZip {
		h = gzhttp.GzipHandler(h)
	}
	return h
}
