package http

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/arvio/clipd/internal/adapter/http/middleware"
	"github.com/arvio/clipd/internal/infrastructure/ratelimit"
	"github.com/arvio/clipd/internal/service"
)

type Server struct {
	mux          *http.ServeMux
	handlers     *Handlers
	sseHandler   *SSEHandler
	submitLimits *ratelimit.SubmitLimiter
}

func NewServer(jobs JobService, streams *service.Broadcaster, version string) *Server {
	mux := http.NewServeMux()

	submitLimits := ratelimit.NewSubmitLimiter(
		60,
		time.Minute,
		30*time.Second,
	)

	s := &Server{
		mux:          mux,
		handlers:     NewHandlers(jobs, version),
		sseHandler:   NewSSEHandler(streams, jobs),
		submitLimits: submitLimits,
	}

	s.registerRoutes()

	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /api/jobs", s.limitSubmit(s.handlers.SubmitJob()))
	s.mux.HandleFunc("GET /api/jobs", s.handlers.ListJobs())
	s.mux.HandleFunc("GET /api/jobs/{id}", s.handlers.GetJob())
	s.mux.HandleFunc("POST /api/jobs/{id}/restart", s.handlers.RestartJob())
	s.mux.HandleFunc("POST /api/jobs/{id}/cancel", s.handlers.CancelJob())
	s.mux.HandleFunc("GET /api/jobs/{id}/events", s.sseHandler.Events())
	s.mux.HandleFunc("GET /healthz", s.handlers.Health())
}

// limitSubmit rejects submissions from clients over their window cap.
func (s *Server) limitSubmit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ok, wait := s.submitLimits.Allow(clientKey(r))
		if !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(wait.Seconds())+1))
			writeError(w, http.StatusTooManyRequests, "submission rate exceeded")
			return
		}
		next(w, r)
	}
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	middleware.SecurityHeaders(s.mux).ServeHTTP(w, r)
}
