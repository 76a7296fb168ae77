package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/openidx/idp"
	"github.com/openidx/idp/clientauth"
	"github.com/openidx/idp/grant"
	"github.com/openidx/idp/request"
	"github.com/openidx/idp/security"
)

// SessionCookieName carries the browser session key across interaction
// steps.
const SessionCookieName = "idp_session"

// Handler binds the server's protocol operations to HTTP. Tenant identity
// comes from the first path segment; nothing is resolved from the Host
// header.
type Handler struct {
	server *Server
	logger *slog.Logger
}

// NewHandler creates the HTTP binding for s.
func NewHandler(s *Server) *Handler {
	return &Handler{server: s, logger: s.Logger}
}

// Routes returns the endpoint mux.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{tenant}/.well-known/openid-configuration", h.handleMetadata)
	mux.HandleFunc("GET /{tenant}/jwks", h.handleJWKS)

	mux.HandleFunc("GET /{tenant}/federation/login", h.handleFederationLogin)
	mux.HandleFunc("GET /{tenant}/federation/callback", h.handleFederationCallback)

	mux.HandleFunc("GET /{tenant}/authorize", h.handleAuthorize)
	mux.HandleFunc("POST /{tenant}/authorize", h.handleAuthorize)
	mux.HandleFunc("POST /{tenant}/authorize/{id}/approve", h.handleApprove)
	mux.HandleFunc("POST /{tenant}/authorize/{id}/deny", h.handleDeny)

	mux.HandleFunc("POST /{tenant}/par", h.handlePushedAuthorization)
	mux.HandleFunc("POST /{tenant}/token", h.handleToken)
	mux.HandleFunc("POST /{tenant}/token/introspection", h.handleIntrospection)
	mux.HandleFunc("POST /{tenant}/token/revocation", h.handleRevocation)

	mux.HandleFunc("POST /{tenant}/backchannel/authentications", h.handleBackchannelAuthentication)
	mux.HandleFunc("POST /{tenant}/backchannel/authentications/{id}/complete", h.handleBackchannelComplete)

	return h.instrument(mux)
}

// instrument wraps the mux with request metrics.
func (h *Handler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		if m := h.server.metrics(); m != nil {
			m.RecordHTTPRequest(r.Context(), r.Method, r.URL.Path, sw.status,
				float64(time.Since(start).Milliseconds()))
		}
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (h *Handler) handleMetadata(w http.ResponseWriter, r *http.Request) {
	md, err := h.server.Metadata(r.Context(), r.PathValue("tenant"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, md)
}

func (h *Handler) handleJWKS(w http.ResponseWriter, r *http.Request) {
	jwks, err := h.server.JWKS(r.Context(), r.PathValue("tenant"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, jwks)
}

func (h *Handler) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, idp.BadRequest(idp.ErrorCodeInvalidRequest, "malformed request parameters"))
		return
	}

	sessionKey := h.sessionKey(w, r)
	result, err := h.server.Authorize(r.Context(), r.PathValue("tenant"), sessionKey, r.Form)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeAuthorizeResult(w, r, result)
}

// handleApprove accepts the consent outcome as form fields: scope is the
// space-delimited set of scopes the user approved (empty approves all
// requested scopes), claims the approved claim names.
func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, idp.BadRequest(idp.ErrorCodeInvalidRequest, "malformed approval body"))
		return
	}

	sessionKey := h.sessionKey(w, r)
	result, err := h.server.ApproveAuthorization(r.Context(), r.PathValue("tenant"), r.PathValue("id"), sessionKey,
		request.SplitScope(r.PostForm.Get("scope")), request.SplitScope(r.PostForm.Get("claims")))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeAuthorizeResult(w, r, result)
}

func (h *Handler) handleDeny(w http.ResponseWriter, r *http.Request) {
	result, err := h.server.DenyAuthorization(r.Context(), r.PathValue("tenant"), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeAuthorizeResult(w, r, result)
}

func (h *Handler) handleFederationLogin(w http.ResponseWriter, r *http.Request) {
	sessionKey := h.sessionKey(w, r)
	redirect, err := h.server.BeginFederation(r.Context(), r.PathValue("tenant"), sessionKey)
	if err != nil {
		h.writeError(w, err)
		return
	}
	http.Redirect(w, r, redirect, http.StatusFound)
}

func (h *Handler) handleFederationCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if upstreamErr := q.Get("error"); upstreamErr != "" {
		h.writeError(w, idp.BadRequest(idp.ErrorCodeAccessDenied, "upstream error: "+upstreamErr))
		return
	}

	sessionKey := h.sessionKey(w, r)
	err := h.server.CompleteFederation(r.Context(), r.PathValue("tenant"), sessionKey,
		q.Get("state"), q.Get("code"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "authenticated"})
}

func (h *Handler) writeAuthorizeResult(w http.ResponseWriter, r *http.Request, result *AuthorizeResult) {
	if result.InteractionRequired {
		h.writeJSON(w, http.StatusOK, map[string]string{
			"status":     "interaction_required",
			"request_id": result.RequestID,
			"stage":      result.Stage,
		})
		return
	}
	http.Redirect(w, r, result.RedirectURI, http.StatusFound)
}

func (h *Handler) handlePushedAuthorization(w http.ResponseWriter, r *http.Request) {
	rc, ok := h.requestContext(w, r)
	if !ok {
		return
	}
	resp, err := h.server.PushAuthorization(r.Context(), r.PathValue("tenant"), rc)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	rc, ok := h.requestContext(w, r)
	if !ok {
		return
	}
	if !h.allow(w, r, rc.ClientID()) {
		return
	}

	resp, err := h.server.Token(r.Context(), r.PathValue("tenant"), rc)
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleIntrospection(w http.ResponseWriter, r *http.Request) {
	rc, ok := h.requestContext(w, r)
	if !ok {
		return
	}
	resp, err := h.server.Introspect(r.Context(), r.PathValue("tenant"), rc)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleRevocation(w http.ResponseWriter, r *http.Request) {
	rc, ok := h.requestContext(w, r)
	if !ok {
		return
	}
	if err := h.server.Revoke(r.Context(), r.PathValue("tenant"), rc); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleBackchannelAuthentication(w http.ResponseWriter, r *http.Request) {
	rc, ok := h.requestContext(w, r)
	if !ok {
		return
	}
	if !h.allow(w, r, rc.ClientID()) {
		return
	}

	resp, err := h.server.BackchannelAuthenticate(r.Context(), r.PathValue("tenant"), rc)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// backchannelCompletion is the authentication-device callback body.
type backchannelCompletion struct {
	Approve bool     `json:"approve"`
	Subject string   `json:"subject"`
	Name    string   `json:"name,omitempty"`
	Email   string   `json:"email,omitempty"`
	ACR     string   `json:"acr,omitempty"`
	AMR     []string `json:"amr,omitempty"`
}

func (h *Handler) handleBackchannelComplete(w http.ResponseWriter, r *http.Request) {
	var body backchannelCompletion
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, idp.BadRequest(idp.ErrorCodeInvalidRequest, "malformed completion body"))
		return
	}
	if body.Approve && body.Subject == "" {
		h.writeError(w, idp.BadRequest(idp.ErrorCodeInvalidRequest, "subject is required on approval"))
		return
	}

	user := grant.User{Subject: body.Subject, Name: body.Name, Email: body.Email}
	authentication := grant.Authentication{Time: time.Now().UTC(), Methods: body.AMR, ACR: body.ACR}

	err := h.server.CompleteBackchannel(r.Context(), r.PathValue("tenant"), r.PathValue("id"),
		body.Approve, user, authentication)
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// requestContext decodes the client authentication material from the
// request. Writes the error response itself on failure.
func (h *Handler) requestContext(w http.ResponseWriter, r *http.Request) (*clientauth.RequestContext, bool) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, idp.BadRequest(idp.ErrorCodeInvalidRequest, "malformed request body"))
		return nil, false
	}

	rc := &clientauth.RequestContext{Form: r.PostForm}
	if user, secret, ok := r.BasicAuth(); ok {
		rc.BasicAuthUser = user
		rc.BasicAuthSecret = secret
		rc.HasBasicAuth = true
	}
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		rc.ClientCertificate = r.TLS.PeerCertificates[0]
	}
	return rc, true
}

// allow applies the per-client rate limit. Falls back to the remote
// address when the request carries no client identity.
func (h *Handler) allow(w http.ResponseWriter, r *http.Request, clientID string) bool {
	if h.server.RateLimiter == nil {
		return true
	}
	key := clientID
	if key == "" {
		key = r.RemoteAddr
	}
	if h.server.RateLimiter.Allow(key) {
		return true
	}
	if m := h.server.metrics(); m != nil {
		m.RecordRateLimitExceeded(r.Context(), r.URL.Path)
	}
	h.writeJSON(w, http.StatusTooManyRequests, &ErrorResponse{
		Error:            "slow_down",
		ErrorDescription: "too many requests",
	})
	return false
}

// sessionKey reads the browser session cookie, minting one when absent.
func (h *Handler) sessionKey(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(SessionCookieName); err == nil && c.Value != "" {
		return c.Value
	}
	key := security.GenerateToken()
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    key,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
	return key
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	oauthErr := idp.AsError(err)
	if oauthErr == nil {
		h.logger.Error("unhandled error", "error", err)
		h.writeJSON(w, http.StatusInternalServerError, &ErrorResponse{Error: idp.ErrorCodeServerError})
		return
	}

	if oauthErr.Kind == idp.KindUnauthorized {
		w.Header().Set("WWW-Authenticate", `Basic realm="token endpoint"`)
	}
	if oauthErr.Kind == idp.KindServerError {
		h.logger.Error("server error", "code", oauthErr.Code, "description", oauthErr.Description)
	}

	h.writeJSON(w, oauthErr.HTTPStatus(), &ErrorResponse{
		Error:            oauthErr.Code,
		ErrorDescription: oauthErr.Description,
	})
}
