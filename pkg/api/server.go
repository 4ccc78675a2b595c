package api

import (
	"net/http"

	"github.com/openfroyo/reshard/pkg/engine"
	"github.com/openfroyo/reshard/pkg/telemetry"
)

// maxBodyBytes bounds request bodies on every route.
const maxBodyBytes = 1 << 20

// Options configure a Server.
type Options struct {
	// RateLimit is the per-client request rate in requests per second.
	// Zero disables rate limiting.
	RateLimit float64
	Burst     int
}

// Server is the administrative HTTP surface of an Executor.
type Server struct {
	ex      *engine.Executor
	tel     *telemetry.Telemetry
	log     *telemetry.Logger
	limiter *RateLimiter
	handler http.Handler
}

// NewServer builds the handler tree for ex. A nil tel records nothing.
func NewServer(ex *engine.Executor, tel *telemetry.Telemetry, opts Options) *Server {
	if tel == nil {
		tel = telemetry.NewNopTelemetry()
	}
	s := &Server{
		ex:  ex,
		tel: tel,
		log: tel.Logger.NewComponentLogger("api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ping", s.handlePing)
	mux.HandleFunc("GET /phases", s.handlePhases)
	mux.HandleFunc("POST /plan", s.handleCreate)
	mux.HandleFunc("GET /plans", s.handleListPlans)
	mux.HandleFunc("GET /plans/{id}", s.handleGetPlan)
	mux.HandleFunc("POST /plan/{id}/pause", s.handlePause)
	mux.HandleFunc("POST /plan/{id}/resume", s.handleResume)
	mux.HandleFunc("POST /plan/{id}/unhold", s.handleUnhold)
	mux.HandleFunc("POST /plan/{id}/archive", s.handleArchive)
	mux.HandleFunc("GET /plan/{id}/tune", s.handleGetTuning)
	mux.HandleFunc("POST /plan/{id}/tune/{name}", s.handleTune)
	mux.HandleFunc("POST /update/{id}/{token}", s.handleUpdate)
	mux.Handle("GET /metrics", tel.Metrics.Handler())

	var h http.Handler = mux
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = NewRateLimiter(opts.RateLimit, burst)
		h = s.limiter.Middleware(h)
	}
	s.handler = s.instrument(h)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	s.handler.ServeHTTP(w, r)
}

// Close releases the rate limiter.
func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.Close()
	}
}
