package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	identitymodels "entralink/internal/identity/models"
	"entralink/internal/oidc/service"
	"entralink/internal/platform/middleware"
	"entralink/internal/session"
	id "entralink/pkg/domain"
	dErrors "entralink/pkg/domain-errors"
	"entralink/pkg/platform/httputil"
	"entralink/pkg/requestcontext"
)

var tracer = otel.Tracer("entralink/oidc")

// paramPattern is the character set accepted in redirect parameters.
// A parameter with any other character is rejected whole, never stripped.
var paramPattern = regexp.MustCompile(`^[A-Za-z0-9+/=_.~-]*$`)

// Flow runs the authorization-code login.
type Flow interface {
	Begin(ctx context.Context, in service.BeginInput) (string, error)
	Complete(ctx context.Context, in service.CallbackInput) (*service.CompleteResult, error)
}

// Disconnector unbinds a signed-in user's remote identity.
type Disconnector interface {
	Disconnect(ctx context.Context, in identitymodels.DisconnectInput) error
}

// SessionIssuer signs session tokens for the cookie.
type SessionIssuer interface {
	middleware.SessionValidator
	Issue(userID id.UserID, remoteID string) (string, error)
	TTL() time.Duration
}

type Handler struct {
	flow          Flow
	identity      Disconnector
	sessions      SessionIssuer
	logger        *slog.Logger
	secureCookies bool
}

func New(flow Flow, identity Disconnector, sessions SessionIssuer, logger *slog.Logger, secureCookies bool) *Handler {
	return &Handler{
		flow:          flow,
		identity:      identity,
		sessions:      sessions,
		logger:        logger,
		secureCookies: secureCookies,
	}
}

// Register mounts the login routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(middleware.OptionalSession(h.sessions, h.logger))
		r.Get("/auth/oidc/login", h.handleLogin)
		r.Get("/auth/oidc/callback", h.handleCallback)

		r.With(middleware.RequireSession(h.logger)).Post("/auth/oidc/disconnect", h.handleDisconnect)
	})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	target, err := h.flow.Begin(ctx, service.BeginInput{
		Redirect:       q.Get("redirect"),
		Connect:        q.Get("connect") == "1",
		ConnectionOnly: q.Get("connection_only") == "1",
		CurrentUserID:  requestcontext.UserID(ctx),
	})
	if err != nil {
		h.logger.WarnContext(ctx, "failed to begin login",
			"error", err,
			"request_id", requestcontext.RequestID(ctx),
		)
		httputil.WriteError(w, err)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "oidc.callback")
	defer span.End()

	in, err := callbackInput(r)
	if err == nil {
		in.CurrentUserID = requestcontext.UserID(ctx)
		err = h.complete(ctx, w, r, in)
	}
	if err == nil {
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, string(dErrors.CodeOf(err)))
	h.logger.WarnContext(ctx, "login failed",
		"code", string(dErrors.CodeOf(err)),
		"error", err,
		"request_id", requestcontext.RequestID(ctx),
		"client_ip", requestcontext.ClientIP(ctx),
	)
	if dErrors.IsIdentityConflict(err) {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusUnauthorized, map[string]string{
		"error":             "login_failed",
		"error_description": "sign-in failed, please try again",
	})
}

func (h *Handler) complete(ctx context.Context, w http.ResponseWriter, r *http.Request, in service.CallbackInput) error {
	result, err := h.flow.Complete(ctx, in)
	if err != nil {
		return err
	}
	user := result.Login.User
	remoteID := ""
	if result.Login.Link != nil {
		remoteID = result.Login.Link.RemoteID
	}
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("login.outcome", string(result.Login.Outcome)),
		attribute.String("user.id", user.ID.String()),
	)
	token, err := h.sessions.Issue(user.ID, remoteID)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to issue session")
	}
	http.SetCookie(w, &http.Cookie{
		Name:     session.CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(h.sessions.TTL().Seconds()),
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	h.logger.InfoContext(ctx, "login succeeded",
		"user_id", user.ID.String(),
		"outcome", string(result.Login.Outcome),
		"request_id", requestcontext.RequestID(ctx),
	)
	http.Redirect(w, r, result.Redirect, http.StatusFound)
	return nil
}

// callbackInput validates the redirect parameters.
func callbackInput(r *http.Request) (service.CallbackInput, error) {
	q := r.URL.Query()
	in := service.CallbackInput{
		State:            q.Get("state"),
		Code:             q.Get("code"),
		ErrorDescription: q.Get("error_description"),
	}
	for name, value := range map[string]string{
		"state":             in.State,
		"code":              in.Code,
		"error_description": in.ErrorDescription,
	} {
		if !paramPattern.MatchString(value) {
			return service.CallbackInput{}, dErrors.New(dErrors.CodeAuthorization, "invalid "+name+" parameter")
		}
	}
	return in, nil
}

type disconnectRequest struct {
	NewPassword string `json:"new_password"`
	KeepTokens  bool   `json:"keep_tokens"`
}

func (h *Handler) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req disconnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	userID := requestcontext.UserID(ctx)
	err := h.identity.Disconnect(ctx, identitymodels.DisconnectInput{
		UserID:      userID,
		NewPassword: req.NewPassword,
		KeepTokens:  req.KeepTokens,
	})
	if err != nil {
		h.logger.WarnContext(ctx, "disconnect failed",
			"user_id", userID.String(),
			"error", err,
			"request_id", requestcontext.RequestID(ctx),
		)
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
