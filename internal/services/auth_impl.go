package services

import (
	"context"
	"net/http"

	"go.uber.org/zap"
	goahttp "goa.design/goa/v3/http"

	"helmdect/internal/auth"
	"helmdect/internal/middleware"
	"helmdect/internal/session"
)

// LoginPayload is the body of POST /auth/login
type LoginPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResult carries a signed token
type LoginResult struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

// StatusResult describes the caller's authentication state
type StatusResult struct {
	Enabled       bool    `json:"enabled"`
	Authenticated bool    `json:"authenticated"`
	Username      *string `json:"username,omitempty"`
}

// AuthImplementation implements the auth service
type AuthImplementation struct {
	authenticator *auth.Authenticator
	onError       func(context.Context, http.ResponseWriter, error)

	Mounts []*MountPoint
}

// NewAuthService creates a new auth service implementation
func NewAuthService(authenticator *auth.Authenticator, logger *zap.Logger) *AuthImplementation {
	return &AuthImplementation{
		authenticator: authenticator,
		onError:       errorHandler(logger.Named("auth")),
	}
}

// Mount registers the auth routes on mux
func (a *AuthImplementation) Mount(mux goahttp.Muxer) {
	handle(mux, &a.Mounts, "Login", "POST", APIPrefix+"/auth/login", a.login)
	handle(mux, &a.Mounts, "Status", "GET", APIPrefix+"/auth/status", a.status)
}

// login authenticates a user and returns a JWT token
func (a *AuthImplementation) login(w http.ResponseWriter, r *http.Request) {
	var p LoginPayload
	if err := decode(r, &p); err != nil {
		a.onError(r.Context(), w, err)
		return
	}
	if p.Username == "" || p.Password == "" {
		a.onError(r.Context(), w, &session.ValidationError{Field: "credentials", Reason: "username and password are required"})
		return
	}

	token, expiresAt, err := a.authenticator.Authenticate(p.Username, p.Password)
	if err != nil {
		a.onError(r.Context(), w, err)
		return
	}
	_ = encode(r.Context(), w, http.StatusOK, &LoginResult{Token: token, ExpiresAt: expiresAt})
}

// status returns the current authentication status
func (a *AuthImplementation) status(w http.ResponseWriter, r *http.Request) {
	result := &StatusResult{Enabled: a.authenticator.IsEnabled()}

	// Claims are present when the auth middleware accepted a token
	if claims := middleware.GetUserFromContext(r.Context()); claims != nil {
		result.Authenticated = true
		result.Username = &claims.Username
	}
	_ = encode(r.Context(), w, http.StatusOK, result)
}
