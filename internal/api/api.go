// Package api serves the JSON HTTP surface: accounts, profiles, the follow
// graph, message history and submission, and the admin panel.
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"github.com/taptext/chat/internal/apperr"
	"github.com/taptext/chat/internal/engine"
	"github.com/taptext/chat/internal/metrics"
	"github.com/taptext/chat/internal/ratelimit"
	"github.com/taptext/chat/internal/session"
)

// maxRequestBytes caps JSON request bodies.
const maxRequestBytes = 64 << 10

// Options configures the HTTP surface.
type Options struct {
	CORSOrigins   []string
	SecureCookies bool
	Limiter       *ratelimit.Limiter // nil disables rate limiting
}

// Handler holds the HTTP handlers.
type Handler struct {
	engine   *engine.Engine
	limiter  *ratelimit.Limiter
	secure   bool
	validate *validator.Validate
}

// NewRouter builds the chi router serving the API and /metrics.
func NewRouter(e *engine.Engine, opts Options) http.Handler {
	h := &Handler{
		engine:   e,
		limiter:  opts.Limiter,
		secure:   opts.SecureCookies,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Handle("/metrics", metrics.Handler())

	r.Post("/register", h.Register)
	r.Post("/login", h.Login)
	r.Post("/logout", h.Logout)

	r.Route("/me", func(r chi.Router) {
		r.Get("/", h.Me)
		r.Put("/", h.UpdateMe)
		r.Delete("/", h.DeleteMe)
	})

	r.Route("/users", func(r chi.Router) {
		r.Get("/", h.ListUsers)
		r.Get("/{username}", h.GetUser)
		r.Post("/{username}/follow", h.Follow)
		r.Delete("/{username}/follow", h.Unfollow)
	})

	r.Route("/messages", func(r chi.Router) {
		r.Get("/", h.History)
		r.Post("/", h.Send)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Get("/users", h.AdminUsers)
		r.Get("/users/{username}/warnings", h.AdminWarnings)
		r.Post("/{action}", h.Moderate)
	})

	return r
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encode response: %v", err)
	}
}

// writeError maps err onto the taxonomy's status and body. Unclassified
// errors are logged and reported as internal.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	e, ok := apperr.As(err)
	if !ok {
		log.Printf("[api] %s %s request_id=%s: %v", r.Method, r.URL.Path, middleware.GetReqID(r.Context()), err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			Error: apperr.UserMessage(err),
			Kind:  "internal",
			Code:  "internal",
		})
		return
	}
	writeJSON(w, apperr.HTTPStatus(err), errorResponse{
		Error: apperr.UserMessage(err),
		Kind:  e.Kind.String(),
		Code:  e.Code,
	})
}

// decode reads a JSON body into dst and validates its struct tags.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(dst); err != nil {
		return apperr.Validation("invalid_json")
	}
	if err := h.validate.Struct(dst); err != nil {
		return apperr.Validation("invalid_request")
	}
	return nil
}

func tooManyRequests(w http.ResponseWriter, retryAfter int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeJSON(w, http.StatusTooManyRequests, errorResponse{
		Error: "too many requests",
		Kind:  "rate_limited",
		Code:  "rate_limited",
	})
}

func token(r *http.Request) string {
	return session.FromRequest(r, false)
}
