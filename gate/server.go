package gate

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/toolink/gate/escalation"
	"github.com/toolink/gate/identity"
	"github.com/toolink/gate/limiter"
)

// Deps are the components served by a Server. Engine and Rules are
// required; routes backed by a nil component are not mounted.
type Deps struct {
	Engine    Evaluator
	Rules     *limiter.Config
	Scanner   *escalation.ScanDetector
	Penalties *escalation.PenaltyLedger
	Flags     *escalation.CaptchaFlags
	Verifier  Verifier
	Gatherer  prometheus.Gatherer
}

// Server is the admission sidecar. Proxies call /gate/{policy} as an
// auth_request hook, services call the /v1 JSON API.
type Server struct {
	deps   Deps
	opts   options
	router chi.Router
	gates  map[string]http.Handler
}

// NewServer builds the router over d.
func NewServer(d Deps, opts ...Option) *Server {
	s := &Server{deps: d, opts: newOptions(opts...)}
	s.opts.identify = s.opts.headerIdentity
	s.gates = make(map[string]http.Handler)

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	for _, name := range d.Rules.PolicyNames() {
		p, _ := d.Rules.Policy(name)
		gateOpts := []Option{WithTrustProxy(s.opts.trustProxy), WithIdentityFunc(s.opts.identify)}
		h := Admit(d.Engine, p, gateOpts...)(ok)
		if d.Flags != nil && d.Verifier != nil {
			challengeOpts := gateOpts
			if d.Penalties != nil {
				challengeOpts = append(challengeOpts, WithChallengePenalties(d.Penalties))
			}
			h = Challenge(d.Flags, d.Verifier, challengeOpts...)(h)
		}
		s.gates[name] = h
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if d.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Handle("/gate/{policy}", http.HandlerFunc(s.handleGate))
	r.Route("/v1", func(r chi.Router) {
		r.Post("/evaluate", s.handleEvaluate)
		if d.Scanner != nil {
			r.Post("/scan", s.handleScan)
		}
		r.Get("/status", s.handleStatus)
	})

	s.router = r
	log.Info().Strs("policies", d.Rules.PolicyNames()).Msg("gate server routes ready")
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleGate(w http.ResponseWriter, r *http.Request) {
	h, ok := s.gates[chi.URLParam(r, "policy")]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_policy")
		return
	}
	h.ServeHTTP(w, r)
}

type evaluateRequest struct {
	Policy     string            `json:"policy"`
	IP         string            `json:"ip"`
	Account    string            `json:"account"`
	Email      string            `json:"email"`
	Attributes map[string]string `json:"attributes"`
}

type evaluateResponse struct {
	limiter.Decision
	RetryAfter int `json:"retry_after"`
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	p, ok := s.deps.Rules.Policy(req.Policy)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_policy")
		return
	}
	id := identity.Identity{IP: req.IP, Account: req.Account, Email: req.Email, Attributes: req.Attributes}

	d := s.deps.Engine.Evaluate(r.Context(), p, id)
	status := http.StatusOK
	if !d.Allowed {
		status = http.StatusTooManyRequests
		w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfterSeconds()))
	}
	writeJSON(w, status, evaluateResponse{Decision: d, RetryAfter: d.RetryAfterSeconds()})
}

type scanRequest struct {
	Kind     string `json:"kind"`
	Identity string `json:"identity"`
	Member   string `json:"member"`
}

type scanResponse struct {
	Distinct  int64 `json:"distinct"`
	Penalized bool  `json:"penalized"`
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Identity == "" || req.Member == "" {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	rule, ok := s.deps.Rules.Scan(req.Kind)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_scan_kind")
		return
	}

	n, err := s.deps.Scanner.RecordAndCheck(r.Context(), req.Identity, rule.Kind, req.Member, rule.Window, rule.Threshold)
	if err != nil {
		log.Warn().Err(err).Str("kind", rule.Kind).Str("identity", req.Identity).Msg("scan record failed, failing open")
		writeJSON(w, http.StatusOK, scanResponse{})
		return
	}
	resp := scanResponse{Distinct: n}
	if s.deps.Penalties != nil {
		resp.Penalized, err = s.deps.Penalties.IsPenalized(r.Context(), req.Identity)
		if err != nil {
			log.Warn().Err(err).Str("identity", req.Identity).Msg("penalty lookup failed")
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type statusResponse struct {
	Captcha      map[string]bool `json:"captcha"`
	Penalized    bool            `json:"penalized"`
	PenaltyUntil *time.Time      `json:"penalty_until,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id := identity.Identity{IP: q.Get("ip"), Account: q.Get("account"), Email: q.Get("email")}
	ctx := r.Context()

	resp := statusResponse{Captcha: make(map[string]bool)}
	if s.deps.Flags != nil {
		for _, dim := range challengeDimensions {
			v := id.Value(dim)
			if v == "" {
				continue
			}
			required, err := s.deps.Flags.IsRequired(ctx, dim, v)
			if err != nil {
				writeError(w, http.StatusServiceUnavailable, "store_unavailable")
				return
			}
			resp.Captcha[string(dim)] = required
		}
	}
	if _, principal := id.Principal(); principal != "" && s.deps.Penalties != nil {
		penalized, err := s.deps.Penalties.IsPenalized(ctx, principal)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "store_unavailable")
			return
		}
		if penalized {
			resp.Penalized = true
			if until, ok, err := s.deps.Penalties.Until(ctx, principal); err == nil && ok {
				resp.PenaltyUntil = &until
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
