package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/kiroproxy/kiro-proxy/internal/oauth"
	"github.com/kiroproxy/kiro-proxy/internal/store"
)

// OAuthHandler exposes the account-linking flows (social PKCE, AWS Builder
// ID, IAM Identity Center) as a small admin API fronting internal/oauth.Engine.
type OAuthHandler struct {
	engine *oauth.Engine
	logger *slog.Logger
}

// OAuthHandlerOptions configures the OAuth admin handler.
type OAuthHandlerOptions struct {
	Engine *oauth.Engine
	Logger *slog.Logger
}

// NewOAuthHandler creates a new OAuth admin handler.
func NewOAuthHandler(opts OAuthHandlerOptions) *OAuthHandler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &OAuthHandler{engine: opts.Engine, logger: logger}
}

type startSessionRequest struct {
	Method   string `json:"method"` // "social" | "builder-id" | "identity-center"
	Provider string `json:"provider,omitempty"` // "google" | "github", for method=social
	StartURL string `json:"startUrl,omitempty"`  // for method=identity-center
	Region   string `json:"region,omitempty"`
}

// sessionView is the admin-facing projection of a store.OAuthSession. It
// deliberately omits credentials, the PKCE verifier, the device code and the
// client secret: secrets never leave the process over admin responses.
type sessionView struct {
	SessionID string                   `json:"sessionId"`
	Type      store.AuthMethod         `json:"type"`
	Provider  string                   `json:"provider,omitempty"`
	Region    string                   `json:"region,omitempty"`
	Status    store.OAuthSessionStatus `json:"status"`
	Error     string                   `json:"error,omitempty"`
	ExpiresAt time.Time                `json:"expiresAt"`

	// Social flow.
	AuthURL string `json:"authUrl,omitempty"`
	State   string `json:"state,omitempty"`

	// Device flows.
	UserCode                string `json:"userCode,omitempty"`
	VerificationURI         string `json:"verificationUri,omitempty"`
	VerificationURIComplete string `json:"verificationUriComplete,omitempty"`
	PollInterval            int    `json:"pollInterval,omitempty"`
}

func toSessionView(s *store.OAuthSession) sessionView {
	view := sessionView{
		SessionID:               s.SessionID,
		Type:                    s.Type,
		Provider:                s.Provider,
		Region:                  s.Region,
		Status:                  s.Status,
		Error:                   s.Error,
		ExpiresAt:               s.ExpiresAt,
		State:                   s.State,
		UserCode:                s.UserCode,
		VerificationURI:         s.VerificationURI,
		VerificationURIComplete: s.VerificationURIComplete,
		PollInterval:            s.PollInterval,
	}
	if s.Type == store.AuthMethodSocial && s.Status == store.OAuthStatusPending {
		view.AuthURL = oauth.SocialAuthURL(s)
	}
	return view
}

// Start begins a new account-linking session per the requested method.
func (h *OAuthHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var session *store.OAuthSession
	var err error
	switch req.Method {
	case "social":
		if req.Provider != "google" && req.Provider != "github" {
			h.writeError(w, http.StatusBadRequest, "provider must be \"google\" or \"github\"")
			return
		}
		session, err = h.engine.StartSocial(r.Context(), req.Provider)
	case "builder-id":
		session, err = h.engine.StartBuilderID(r.Context())
	case "identity-center":
		session, err = h.engine.StartIdentityCenter(r.Context(), req.StartURL, req.Region)
	default:
		h.writeError(w, http.StatusBadRequest, "method must be one of: social, builder-id, identity-center")
		return
	}

	if err != nil {
		h.logger.Error("failed to start oauth session", "method", req.Method, "error", err)
		h.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	h.writeJSON(w, http.StatusAccepted, toSessionView(session))
}

// Status reports the current state of a pending or completed session.
func (h *OAuthHandler) Status(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	session, err := h.engine.Status(r.Context(), sessionID)
	if err != nil {
		h.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	h.writeJSON(w, http.StatusOK, toSessionView(session))
}

// completeTimeout bounds how long the complete endpoint blocks waiting for
// the user to finish verification.
const completeTimeout = 5 * time.Minute

// Complete blocks until the session finishes, then acknowledges the result.
// The credentials themselves are consumed server-side (the session is
// deleted); the caller only learns the outcome and auth method.
func (h *OAuthHandler) Complete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	creds, err := h.engine.WaitForAuth(r.Context(), sessionID, completeTimeout)
	if err != nil {
		if errors.Is(err, oauth.ErrSessionNotFound) {
			h.writeError(w, http.StatusNotFound, "session not found")
			return
		}
		h.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{
		"status":     string(store.OAuthStatusCompleted),
		"authMethod": string(creds.AuthMethod),
	})
}

// Cancel aborts a pending session.
func (h *OAuthHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if err := h.engine.Cancel(r.Context(), sessionID); err != nil {
		if errors.Is(err, oauth.ErrSessionNotFound) {
			h.writeError(w, http.StatusNotFound, "session not found")
			return
		}
		if errors.Is(err, oauth.ErrSessionNotPending) {
			h.writeError(w, http.StatusConflict, "session is not pending")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "failed to cancel session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *OAuthHandler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *OAuthHandler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
