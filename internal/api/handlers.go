package api

import (
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/taptext/chat/internal/account"
	"github.com/taptext/chat/internal/apperr"
	"github.com/taptext/chat/internal/model"
	"github.com/taptext/chat/internal/moderation"
	"github.com/taptext/chat/internal/ratelimit"
	"github.com/taptext/chat/internal/session"
)

type registerRequest struct {
	Username    string `json:"username" validate:"required"`
	DisplayName string `json:"display_name"`
	Password    string `json:"password" validate:"required"`
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type loginResponse struct {
	Token string     `json:"token"`
	User  model.User `json:"user"`
}

type profileRequest struct {
	DisplayName *string `json:"display_name"`
	Bio         *string `json:"bio"`
	Password    *string `json:"password"`
}

type sendRequest struct {
	To   string `json:"to" validate:"required"`
	Body string `json:"body"`
}

type moderationRequest struct {
	Target string `json:"target" validate:"required"`
	Reason string `json:"reason"`
}

type profileResponse struct {
	model.PublicUser
	Followers []string `json:"followers"`
	Following []string `json:"following"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	u, err := h.engine.Register(r.Context(), req.Username, req.DisplayName, req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	ip := remoteHost(r)
	if ok, _ := h.limiter.Allow(r.Context(), ip, ratelimit.RuleLogin); !ok {
		tooManyRequests(w, h.limiter.RetryAfter(r.Context(), ip, ratelimit.RuleLogin))
		return
	}

	var req loginRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	tok, u, err := h.engine.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}
	session.SetCookie(w, tok, h.secure)
	writeJSON(w, http.StatusOK, loginResponse{Token: tok, User: *u})
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Logout(r.Context(), token(r)); err != nil {
		writeError(w, r, err)
		return
	}
	session.ClearCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	u, err := h.engine.ValidateSession(r.Context(), token(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h *Handler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	u, err := h.engine.UpdateProfile(r.Context(), token(r), account.ProfileUpdate{
		DisplayName: req.DisplayName,
		Bio:         req.Bio,
		Password:    req.Password,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h *Handler) DeleteMe(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.DeleteAccount(r.Context(), token(r)); err != nil {
		writeError(w, r, err)
		return
	}
	session.ClearCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.engine.Directory(r.Context(), token(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.engine.Profile(r.Context(), token(r), chi.URLParam(r, "username"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profileResponse{
		PublicUser: u.Public(),
		Followers:  u.Followers,
		Following:  u.Following,
	})
}

func (h *Handler) Follow(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Follow(r.Context(), token(r), chi.URLParam(r, "username")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Unfollow(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Unfollow(r.Context(), token(r), chi.URLParam(r, "username")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	all, _ := strconv.ParseBool(q.Get("all"))

	msgs, err := h.engine.OnHistoryRequest(r.Context(), token(r), q.Get("with"), all)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	tok := token(r)
	u, err := h.engine.ValidateSession(r.Context(), tok)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if ok, _ := h.limiter.Allow(r.Context(), u.Username, ratelimit.RuleMessage); !ok {
		tooManyRequests(w, h.limiter.RetryAfter(r.Context(), u.Username, ratelimit.RuleMessage))
		return
	}

	var req sendRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	m, err := h.engine.OnSubmit(r.Context(), tok, req.To, req.Body, "")
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *Handler) AdminUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.engine.ListUsers(r.Context(), token(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (h *Handler) AdminWarnings(w http.ResponseWriter, r *http.Request) {
	warnings, err := h.engine.Warnings(r.Context(), token(r), chi.URLParam(r, "username"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if warnings == nil {
		warnings = []model.Warning{}
	}
	writeJSON(w, http.StatusOK, warnings)
}

func (h *Handler) Moderate(w http.ResponseWriter, r *http.Request) {
	action, ok := moderation.ParseAction(chi.URLParam(r, "action"))
	if !ok {
		writeError(w, r, apperr.NotFound("action"))
		return
	}

	var req moderationRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	u, err := h.engine.Moderate(r.Context(), token(r), action, req.Target, req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// remoteHost returns the client address; RealIP has already applied proxy
// headers to RemoteAddr.
func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
