package status

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"scalestack/internal/metrics"
	"scalestack/pkg/logging"
)

// NewRouter builds the status routes on top of src. The /metrics route is
// only mounted when gatherer is not nil.
func NewRouter(src Source, gatherer prometheus.Gatherer) http.Handler {
	h := newHandler(src)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Route("/health", func(r chi.Router) {
		r.Get("/", h.liveness)
		r.Get("/ready", h.readiness)
	})
	r.Get("/status", h.status)
	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(gatherer))
	}
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/health", http.StatusTemporaryRedirect)
	})
	// The profile path is a service option, so it is matched per request.
	r.Get("/*", h.profile)
	return r
}

func isHealthPath(path string) bool {
	return path == "/health" || strings.HasPrefix(path, "/health/")
}

// requestLogger logs every request once it completes. Health checks are logged at
// debug level.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		log := logging.Info
		if isHealthPath(r.URL.Path) || r.URL.Path == "/metrics" {
			log = logging.Debug
		}
		log(subsystem, "%s %s -> %d (%d bytes, %s, request %s)",
			r.Method, r.URL.Path, ww.Status(), ww.BytesWritten(),
			time.Since(start).Round(time.Microsecond), middleware.GetReqID(r.Context()))
	})
}
