package apihttp

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"magicsaas-pipeline/internal/logging"
)

// Mounter adds routes to the router.
type Mounter interface {
	Routes(r chi.Router)
}

// Deps are the handlers served by NewRouter. Nil handlers are skipped.
type Deps struct {
	Events *EventsHandler
	Rooms  *RoomsHandler
	Voice  Mounter
	Logger zerolog.Logger
}

// NewRouter builds the operator HTTP surface.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(accessLog(deps.Logger))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	if deps.Events != nil {
		r.Get("/v1/events", deps.Events.List)
		r.Get("/v1/events/stats", deps.Events.Stats)
		r.Get("/v1/events/{aggregate}/{id}", deps.Events.Aggregate)
	}
	if deps.Rooms != nil {
		r.Get("/v1/rooms", deps.Rooms.List)
		r.Get("/v1/rooms/{tenant}/{room}", deps.Rooms.Get)
	}
	if deps.Voice != nil {
		deps.Voice.Routes(r)
	}
	return r
}

func accessLog(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := r.Context()
			if id := chimiddleware.GetReqID(ctx); id != "" {
				ctx = logging.WithCorrelationID(ctx, id)
				r = r.WithContext(ctx)
			}
			resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(resp, r)
			logging.Ctx(ctx, logger).Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", resp.status).
				Dur("duration", time.Since(start)).
				Msg("http request")
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
