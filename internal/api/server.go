package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/signalgrid/softswitch/internal/core"
	"github.com/signalgrid/softswitch/internal/metrics"
	"github.com/signalgrid/softswitch/internal/sip"
)

// Server is the status API: profile and gateway state, live calls and the
// metrics scrape endpoint.
type Server struct {
	router   *chi.Mux
	registry *sip.Registry
	runtime  *core.Runtime
	started  time.Time
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(registry *sip.Registry, runtime *core.Runtime, started time.Time) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		registry: registry,
		runtime:  runtime,
		started:  started,
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/profiles", s.handleProfiles)
		r.Get("/profiles/{name}", s.handleProfile)
		r.Get("/profiles/{name}/gateways", s.handleProfileGateways)
		r.Get("/gateways", s.handleGateways)
		r.Get("/calls", s.handleCalls)
		r.Post("/calls/{id}/hangup", s.handleHangup)
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewCollector(s, s, s.runtime, s.started))
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.runtime.Count(),
	})
}

// profileView is the JSON shape for one profile's status.
type profileView struct {
	Name      string   `json:"name"`
	Aliases   []string `json:"aliases,omitempty"`
	BindAddr  string   `json:"bind_addr"`
	Port      int      `json:"port"`
	Transport string   `json:"transport"`
	CallsIn   int64    `json:"calls_in"`
	CallsOut  int64    `json:"calls_out"`
	FailedIn  int64    `json:"failed_in"`
	FailedOut int64    `json:"failed_out"`
	Transfers int64    `json:"transfers"`
	Active    int      `json:"active_legs"`
}

func profileToView(p *sip.Profile) profileView {
	cfg := p.Config()
	c := p.CountersSnapshot()
	return profileView{
		Name:      p.Name(),
		Aliases:   p.Aliases(),
		BindAddr:  cfg.BindAddr,
		Port:      cfg.Port,
		Transport: cfg.Transport,
		CallsIn:   c.CallsIn,
		CallsOut:  c.CallsOut,
		FailedIn:  c.FailedIn,
		FailedOut: c.FailedOut,
		Transfers: c.Transfers,
		Active:    c.ActiveLegs,
	}
}

func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	profiles := s.registry.Profiles()
	views := make([]profileView, 0, len(profiles))
	for _, p := range profiles {
		views = append(views, profileToView(p))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	p, release := s.registry.LocateProfile(chi.URLParam(r, "name"))
	if p == nil {
		writeError(w, http.StatusNotFound, "profile not found")
		return
	}
	defer release()
	writeJSON(w, http.StatusOK, profileToView(p))
}

func (s *Server) handleProfileGateways(w http.ResponseWriter, r *http.Request) {
	p, release := s.registry.LocateProfile(chi.URLParam(r, "name"))
	if p == nil {
		writeError(w, http.StatusNotFound, "profile not found")
		return
	}
	defer release()
	writeJSON(w, http.StatusOK, p.GatewaySnapshots())
}

func (s *Server) handleGateways(w http.ResponseWriter, r *http.Request) {
	var out []sip.GatewaySnapshot
	for _, p := range s.registry.Profiles() {
		out = append(out, p.GatewaySnapshots()...)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	page, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	var out []sip.CallSnapshot
	for _, p := range s.registry.Profiles() {
		out = append(out, p.Calls()...)
	}
	total := len(out)
	lo := min(page.Offset, total)
	hi := min(lo+page.Limit, total)
	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  out[lo:hi],
		Total:  total,
		Limit:  page.Limit,
		Offset: page.Offset,
	})
}

func (s *Server) handleHangup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// An optional body picks the hangup cause; the default is the
	// manager-request cause.
	cause := core.CauseManagerRequest
	if r.ContentLength != 0 {
		var body struct {
			Cause string `json:"cause"`
		}
		if msg := readJSON(r, &body); msg != "" {
			writeError(w, http.StatusBadRequest, msg)
			return
		}
		if body.Cause != "" {
			c, ok := core.CauseFromName(body.Cause)
			if !ok {
				writeError(w, http.StatusBadRequest, "unknown cause "+strconv.Quote(body.Cause))
				return
			}
			cause = c
		}
	}

	sess, release := s.runtime.Locate(id)
	if sess == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	release()
	s.runtime.Hangup(id, cause)
	writeJSON(w, http.StatusOK, map[string]string{
		"session": id, "cause": cause.String(), "result": "hangup requested",
	})
}

// ProfileStats implements metrics.ProfileStatsProvider.
func (s *Server) ProfileStats() []metrics.ProfileStatsEntry {
	profiles := s.registry.Profiles()
	out := make([]metrics.ProfileStatsEntry, 0, len(profiles))
	for _, p := range profiles {
		c := p.CountersSnapshot()
		out = append(out, metrics.ProfileStatsEntry{
			Profile:    p.Name(),
			CallsIn:    c.CallsIn,
			CallsOut:   c.CallsOut,
			FailedIn:   c.FailedIn,
			FailedOut:  c.FailedOut,
			Transfers:  c.Transfers,
			ActiveLegs: c.ActiveLegs,
		})
	}
	return out
}

// GatewayStatuses implements metrics.GatewayStatusProvider.
func (s *Server) GatewayStatuses() []metrics.GatewayStatusEntry {
	var out []metrics.GatewayStatusEntry
	for _, p := range s.registry.Profiles() {
		for _, g := range p.GatewaySnapshots() {
			out = append(out, metrics.GatewayStatusEntry{
				Profile: g.Profile,
				Gateway: g.Name,
				State:   g.State,
				Ping:    g.Ping,
			})
		}
	}
	return out
}
