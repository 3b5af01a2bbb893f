package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/Mindburn-Labs/helm-ops/pkg/controlplane"
	"github.com/Mindburn-Labs/helm-ops/pkg/fault"
)

// ApprovalHeader carries the approval id when replaying a governed request.
const ApprovalHeader = "X-Approval-ID"

// Options configures the HTTP surface.
type Options struct {
	// JWTSecret enables bearer-token authentication. Empty means every request
	// acts as the default local actor.
	JWTSecret      string
	RateLimitRPS   float64
	RateLimitBurst int
	// Idempotency defaults to an in-memory store.
	Idempotency IdempotencyStorer
}

// Server routes /api/v1 requests to the control plane.
type Server struct {
	svc       *controlplane.Service
	validator *Validator
	limiter   *GlobalRateLimiter
	jwt       *JWTValidator
	idem      IdempotencyStorer
	mux       *http.ServeMux
}

// endpoint returns the response body or an error to map onto a problem.
type endpoint func(w http.ResponseWriter, r *http.Request) (any, error)

// NewServer builds the router.
func NewServer(svc *controlplane.Service, opts Options) (*Server, error) {
	validator, err := NewValidator()
	if err != nil {
		return nil, err
	}
	if opts.RateLimitRPS <= 0 {
		opts.RateLimitRPS = 20
	}
	if opts.RateLimitBurst <= 0 {
		opts.RateLimitBurst = 40
	}
	if opts.Idempotency == nil {
		opts.Idempotency = NewIdempotencyStore(DefaultIdempotencyTTL)
	}
	s := &Server{
		svc:       svc,
		validator: validator,
		limiter:   NewGlobalRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst),
		jwt:       NewJWTValidator(opts.JWTSecret),
		idem:      opts.Idempotency,
		mux:       http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = IdempotencyMiddleware(s.idem)(h)
	h = AuthMiddleware(s.jwt)(h)
	h = s.limiter.Middleware(h)
	h = AccessLog(h)
	return RequestIDMiddleware(h)
}

// Close releases background resources.
func (s *Server) Close() { s.limiter.Close() }

// AuthEnabled reports whether bearer tokens are required.
func (s *Server) AuthEnabled() bool { return s.jwt != nil }

func (s *Server) route(pattern string, status int, h endpoint) {
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		if ws := r.PathValue("workspace"); ws != "" && !allowedWorkspace(r.Context(), ws) {
			WriteForbidden(w, "token is not valid for workspace "+ws)
			return
		}
		out, err := h(w, r)
		if err != nil {
			WriteFault(w, r, err)
			return
		}
		writeJSON(w, status, out)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func governed(r *http.Request) controlplane.Governed {
	return controlplane.Governed{Actor: ActorFrom(r.Context()), ApprovalID: r.Header.Get(ApprovalHeader)}
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fault.Validation("query parameter %s must be a non-negative integer", key)
	}
	return n, nil
}

func queryBool(r *http.Request, key string) (bool, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fault.Validation("query parameter %s must be a boolean", key)
	}
	return b, nil
}
