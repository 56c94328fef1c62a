// Package api serves the snapshot cache over HTTP. Handlers only read the
// cache; nothing is computed on request.
package api

import (
	"net/http"
	"os"
	"strconv"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"oventime/internal/clock"
	"oventime/internal/metrics"
	"oventime/internal/model"
)

// Deps are the collaborators of the read API. Health, WS and Metrics are
// optional.
type Deps struct {
	Reader  model.SnapshotReader
	Health  http.Handler
	WS      http.Handler
	Metrics *metrics.Metrics
	Now     clock.Func
}

// NewRouter sets up the HTTP routes.
func NewRouter(d Deps) *mux.Router {
	if d.Now == nil {
		d.Now = clock.System
	}
	h := &handler{reader: d.Reader, now: d.Now}

	r := mux.NewRouter()
	if d.Metrics != nil {
		r.Use(countRequests(d.Metrics))
	}

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/status", h.status).Methods(http.MethodGet)
	v1.HandleFunc("/diagnostic", h.diagnostic).Methods(http.MethodGet)
	v1.HandleFunc("/window", h.window).Methods(http.MethodGet)

	if d.Health != nil {
		r.Handle("/healthz", d.Health).Methods(http.MethodGet)
	}
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	if d.WS != nil {
		r.Handle("/ws", d.WS)
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	return r
}

// Wrap adds access logging, CORS and panic recovery around the router.
func Wrap(h http.Handler) http.Handler {
	h = handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)(h)
	h = handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(h)
	return handlers.LoggingHandler(os.Stdout, h)
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.code = code
	s.ResponseWriter.WriteHeader(code)
}

func countRequests(m *metrics.Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := "other"
			if cur := mux.CurrentRoute(r); cur != nil {
				if tpl, err := cur.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			// the websocket handler hijacks the connection
			if route == "/ws" {
				next.ServeHTTP(w, r)
				return
			}
			rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
			next.ServeHTTP(rec, r)
			m.APIRequests.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
		})
	}
}
