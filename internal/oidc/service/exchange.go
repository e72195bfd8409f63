package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	tokenmodels "entralink/internal/token/models"
	dErrors "entralink/pkg/domain-errors"
	"entralink/pkg/requestcontext"
)

// defaultTokenLifetime applies when the token endpoint reports no expiry.
const defaultTokenLifetime = time.Hour

// ExchangeConfig is the client registration used against the token endpoint.
type ExchangeConfig struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RedirectURL  string
	Resource     string
	Scopes       []string
	Prompt       string
	DomainHint   string
	HTTPTimeout  time.Duration
}

// Exchanger talks to the authorization and token endpoints.
type Exchanger struct {
	oauth      oauth2.Config
	resource   string
	prompt     string
	domainHint string
	client     *http.Client
}

func NewExchanger(cfg ExchangeConfig) *Exchanger {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Exchanger{
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
			RedirectURL: cfg.RedirectURL,
			Scopes:      cfg.Scopes,
		},
		resource:   cfg.Resource,
		prompt:     cfg.Prompt,
		domainHint: cfg.DomainHint,
		client:     &http.Client{Timeout: timeout},
	}
}

// AuthURL builds the authorization redirect for a state/nonce pair.
func (e *Exchanger) AuthURL(state, nonce string) string {
	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("nonce", nonce),
		oauth2.SetAuthURLParam("response_mode", "query"),
	}
	if e.resource != "" {
		opts = append(opts, oauth2.SetAuthURLParam("resource", e.resource))
	}
	if e.prompt != "" {
		opts = append(opts, oauth2.SetAuthURLParam("prompt", e.prompt))
	}
	if e.domainHint != "" {
		opts = append(opts, oauth2.SetAuthURLParam("domain_hint", e.domainHint))
	}
	return e.oauth.AuthCodeURL(state, opts...)
}

// Exchange redeems an authorization code.
func (e *Exchanger) Exchange(ctx context.Context, code string) (*tokenmodels.Grant, error) {
	var opts []oauth2.AuthCodeOption
	if e.resource != "" {
		opts = append(opts, oauth2.SetAuthURLParam("resource", e.resource))
	}
	tok, err := e.oauth.Exchange(e.clientContext(ctx), code, opts...)
	if err != nil {
		return nil, tokenEndpointError(err, "authorization code exchange failed")
	}
	return e.grant(ctx, tok), nil
}

// Refresh runs the refresh-token grant for resource. An empty resource falls
// back to the configured one, then to the configured scopes.
func (e *Exchanger) Refresh(ctx context.Context, refreshToken, resource string) (*tokenmodels.Grant, error) {
	if resource == "" {
		resource = e.resource
	}
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {e.oauth.ClientID},
	}
	if e.oauth.ClientSecret != "" {
		form.Set("client_secret", e.oauth.ClientSecret)
	}
	switch {
	case resource != "":
		form.Set("resource", resource)
	case len(e.oauth.Scopes) > 0:
		form.Set("scope", strings.Join(e.oauth.Scopes, " "))
	}
	tok, err := e.postToken(ctx, form)
	if err != nil {
		return nil, tokenEndpointError(err, "refresh token grant failed")
	}
	return e.grant(ctx, tok), nil
}

// postToken posts form to the token endpoint. oauth2.TokenSource cannot carry
// extra grant parameters, so the refresh grant is sent directly.
func (e *Exchanger) postToken(ctx context.Context, form url.Values) (*oauth2.Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.oauth.Endpoint.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}

	var raw map[string]any
	_ = json.Unmarshal(body, &raw)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &oauth2.RetrieveError{
			Response:         resp,
			Body:             body,
			ErrorCode:        stringField(raw, "error"),
			ErrorDescription: stringField(raw, "error_description"),
		}
	}
	if raw == nil {
		return nil, errors.New("token response is not JSON")
	}
	access := stringField(raw, "access_token")
	if access == "" {
		return nil, errors.New("server response missing access_token")
	}
	tok := &oauth2.Token{
		AccessToken:  access,
		TokenType:    stringField(raw, "token_type"),
		RefreshToken: stringField(raw, "refresh_token"),
	}
	if secs, ok := seconds(raw["expires_in"]); ok {
		tok.Expiry = requestcontext.Now(ctx).Add(time.Duration(secs) * time.Second)
	}
	return tok.WithExtra(raw), nil
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func (e *Exchanger) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, e.client)
}

func (e *Exchanger) grant(ctx context.Context, tok *oauth2.Token) *tokenmodels.Grant {
	g := &tokenmodels.Grant{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		IDToken:      extraString(tok, "id_token"),
		Scope:        extraString(tok, "scope"),
		Resource:     extraString(tok, "resource"),
		ExpiresAt:    tok.Expiry,
	}
	if g.ExpiresAt.IsZero() {
		if on, ok := expiresOn(tok.Extra("expires_on")); ok {
			g.ExpiresAt = on
		} else {
			g.ExpiresAt = requestcontext.Now(ctx).Add(defaultTokenLifetime)
		}
	}
	return g
}

func extraString(tok *oauth2.Token, key string) string {
	if v, ok := tok.Extra(key).(string); ok {
		return v
	}
	return ""
}

// expiresOn reads an epoch-seconds value sent as either a JSON number or a
// string.
func expiresOn(v any) (time.Time, bool) {
	secs, ok := seconds(v)
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(secs, 0).UTC(), true
}

// seconds reads a positive count sent as either a JSON number or a string.
func seconds(v any) (int64, bool) {
	var secs int64
	switch val := v.(type) {
	case float64:
		secs = int64(val)
	case string:
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return 0, false
		}
		secs = n
	default:
		return 0, false
	}
	return secs, secs > 0
}

func tokenEndpointError(err error, msg string) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		code := re.ErrorCode
		if code == "" && re.Response != nil {
			code = strconv.Itoa(re.Response.StatusCode)
		}
		return dErrors.Wrap(err, dErrors.CodeTokenEndpoint, fmt.Sprintf("%s: %s", msg, code))
	}
	return dErrors.Wrap(err, dErrors.CodeTokenEndpoint, msg)
}
