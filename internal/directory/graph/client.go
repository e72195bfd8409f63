// Package graph is a small Microsoft Graph client for directory reads.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"entralink/internal/directory/models"
	"entralink/internal/platform/metrics"
)

const (
	defaultBaseURL  = "https://graph.microsoft.com/v1.0"
	defaultBackoff  = 2 * time.Second
	transientDelay  = 500 * time.Millisecond
	maxBackoff      = 2 * time.Minute
	defaultPageSize = 100
)

// userFields is the $select list for user listings.
var userFields = []string{
	"id", "userPrincipalName", "accountEnabled", "displayName", "givenName", "surname",
	"mail", "city", "country", "department", "jobTitle", "companyName", "officeLocation",
	"mobilePhone", "businessPhones", "preferredLanguage", "streetAddress", "postalCode",
	"state", "employeeId", "onPremisesExtensionAttributes",
}

type Client struct {
	baseURL    string
	http       *http.Client
	timeout    time.Duration
	limiter    *rate.Limiter
	pageSize   int
	maxRetries int
	retryDelay time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics

	mu      sync.Mutex
	retryAt time.Time
}

type Option func(*Client)

func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

func WithPageSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithRetryDelay sets the first backoff after a transport failure. It doubles
// on each further attempt.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) { c.retryDelay = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// New builds a client that authenticates every request through src. Each
// attempt is bounded by timeout.
func New(src oauth2.TokenSource, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		baseURL:    defaultBaseURL,
		http:       oauth2.NewClient(context.Background(), src),
		timeout:    timeout,
		limiter:    rate.NewLimiter(rate.Limit(10), 5),
		pageSize:   defaultPageSize,
		maxRetries: 3,
		retryDelay: transientDelay,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListUsers returns one page of the full user listing.
func (c *Client) ListUsers(ctx context.Context, skipToken string) (*models.Page, error) {
	q := url.Values{}
	q.Set("$select", strings.Join(userFields, ","))
	q.Set("$top", strconv.Itoa(c.pageSize))
	if skipToken != "" {
		q.Set("$skiptoken", skipToken)
	}
	return c.page(ctx, "/users", q, false)
}

// Delta returns one page of the user delta query. With neither token set it
// starts a fresh enumeration whose last page carries a delta token.
func (c *Client) Delta(ctx context.Context, skipToken, deltaToken string) (*models.Page, error) {
	q := url.Values{}
	switch {
	case skipToken != "":
		q.Set("$skiptoken", skipToken)
	case deltaToken != "":
		q.Set("$deltatoken", deltaToken)
	default:
		q.Set("$select", strings.Join(userFields, ","))
	}
	return c.page(ctx, "/users/delta", q, false)
}

// DeletedUsers returns one page of soft-deleted users. Every entry is a
// tombstone.
func (c *Client) DeletedUsers(ctx context.Context, skipToken string) (*models.Page, error) {
	q := url.Values{}
	q.Set("$select", "id,userPrincipalName,deletedDateTime")
	q.Set("$top", strconv.Itoa(c.pageSize))
	if skipToken != "" {
		q.Set("$skiptoken", skipToken)
	}
	return c.page(ctx, "/directory/deletedItems/microsoft.graph.user", q, true)
}

type listResponse struct {
	Value          []map[string]json.RawMessage `json:"value"`
	NextLink       string                       `json:"@odata.nextLink"`
	LegacyNextLink string                       `json:"odata.nextLink"`
	DeltaLink      string                       `json:"@odata.deltaLink"`
}

func (c *Client) page(ctx context.Context, path string, q url.Values, tombstones bool) (*models.Page, error) {
	var resp listResponse
	if err := c.getJSON(ctx, path+"?"+q.Encode(), &resp); err != nil {
		return nil, err
	}
	next := resp.NextLink
	if next == "" {
		next = resp.LegacyNextLink
	}
	page := &models.Page{
		SkipToken:  queryParam(next, "$skiptoken"),
		DeltaToken: queryParam(resp.DeltaLink, "$deltatoken"),
	}
	if next != "" && page.SkipToken == "" {
		return nil, fmt.Errorf("graph: next link has no $skiptoken: %s", next)
	}
	for _, raw := range resp.Value {
		u := decodeUser(raw)
		if tombstones {
			u.Deleted = true
		}
		page.Users = append(page.Users, u)
	}
	return page, nil
}

// queryParam extracts one parameter from a continuation URL.
func queryParam(link, name string) string {
	if link == "" {
		return ""
	}
	u, err := url.Parse(link)
	if err != nil {
		return ""
	}
	return u.Query().Get(name)
}

// decodeUser flattens a user object. Strings are kept as-is, booleans and
// numbers are formatted and string arrays are comma joined.
func decodeUser(raw map[string]json.RawMessage) models.RemoteUser {
	u := models.RemoteUser{Attributes: map[string]string{}, AccountEnabled: true}
	for key, value := range raw {
		switch key {
		case "@removed":
			u.Deleted = true
			continue
		case "accountEnabled":
			var enabled bool
			if json.Unmarshal(value, &enabled) == nil {
				u.AccountEnabled = enabled
			}
			continue
		case "onPremisesExtensionAttributes":
			var ext map[string]*string
			if json.Unmarshal(value, &ext) == nil {
				for k, v := range ext {
					if v != nil && *v != "" {
						u.Attributes[k] = *v
					}
				}
			}
			continue
		}
		if s, ok := scalar(value); ok && s != "" {
			u.Attributes[key] = s
		}
	}
	u.ID = u.Attributes["id"]
	u.UserPrincipalName = u.Attributes["userPrincipalName"]
	return u
}

func scalar(raw json.RawMessage) (string, bool) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", false
	}
	switch val := v.(type) {
	case string:
		return val, true
	case bool:
		return strconv.FormatBool(val), true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok && s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ","), true
	}
	return "", false
}

// Photo fetches a user's profile photo. found is false when the user has
// none.
func (c *Client) Photo(ctx context.Context, userID string) (*models.Photo, bool, error) {
	resp, err := c.do(ctx, http.MethodGet, "/users/"+url.PathEscape(userID)+"/photo/$value", nil)
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, fmt.Errorf("graph: read photo: %w", err)
	}
	return &models.Photo{ContentType: resp.Header.Get("Content-Type"), Data: data}, true, nil
}

// Timezone reads the mailbox time zone, empty when the user has no mailbox.
func (c *Client) Timezone(ctx context.Context, userID string) (string, error) {
	var resp struct {
		Value string `json:"value"`
	}
	err := c.getJSON(ctx, "/users/"+url.PathEscape(userID)+"/mailboxSettings/timeZone", &resp)
	if isNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return resp.Value, nil
}

// AppServicePrincipal looks up the service principal of an application.
// found is false when the tenant has no such principal.
func (c *Client) AppServicePrincipal(ctx context.Context, appID string) (string, bool, error) {
	q := url.Values{}
	q.Set("$filter", fmt.Sprintf("appId eq '%s'", strings.ReplaceAll(appID, "'", "''")))
	q.Set("$select", "id")
	var resp struct {
		Value []struct {
			ID string `json:"id"`
		} `json:"value"`
	}
	if err := c.getJSON(ctx, "/servicePrincipals?"+q.Encode(), &resp); err != nil {
		return "", false, err
	}
	if len(resp.Value) == 0 {
		return "", false, nil
	}
	return resp.Value[0].ID, true, nil
}

// defaultAppRole is the implicit role granted by a bare assignment.
const defaultAppRole = "00000000-0000-0000-0000-000000000000"

// AssignApp grants a user the default role of a service principal. An
// existing assignment is not an error.
func (c *Client) AssignApp(ctx context.Context, userID, principalID string) error {
	body, err := json.Marshal(map[string]string{
		"principalId": userID,
		"resourceId":  principalID,
		"appRoleId":   defaultAppRole,
	})
	if err != nil {
		return fmt.Errorf("graph: encode assignment: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, "/users/"+url.PathEscape(userID)+"/appRoleAssignments", body)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Status == http.StatusBadRequest && strings.Contains(se.Msg, "already exists") {
			return nil
		}
		return err
	}
	resp.Body.Close()
	return nil
}

// ManagerName returns the display name of the user's manager.
func (c *Client) ManagerName(ctx context.Context, userID string) (string, error) {
	var resp struct {
		DisplayName string `json:"displayName"`
	}
	err := c.getJSON(ctx, "/users/"+url.PathEscape(userID)+"/manager?$select=displayName", &resp)
	if isNotFound(err) {
		return "", nil
	}
	return resp.DisplayName, err
}

// GroupNames lists the display names of the user's groups.
func (c *Client) GroupNames(ctx context.Context, userID string) ([]string, error) {
	return c.displayNames(ctx, "/users/"+url.PathEscape(userID)+"/memberOf/microsoft.graph.group?$select=displayName")
}

// TeamNames lists the display names of the teams the user has joined.
func (c *Client) TeamNames(ctx context.Context, userID string) ([]string, error) {
	return c.displayNames(ctx, "/users/"+url.PathEscape(userID)+"/joinedTeams?$select=displayName")
}

func (c *Client) displayNames(ctx context.Context, path string) ([]string, error) {
	var names []string
	for path != "" {
		var resp struct {
			Value []struct {
				DisplayName string `json:"displayName"`
			} `json:"value"`
			NextLink string `json:"@odata.nextLink"`
		}
		if err := c.getJSON(ctx, path, &resp); err != nil {
			return nil, err
		}
		for _, v := range resp.Value {
			if v.DisplayName != "" {
				names = append(names, v.DisplayName)
			}
		}
		path = resp.NextLink
	}
	return names, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("graph: decode %s: %w", path, err)
	}
	return nil
}

// do sends a request, retrying throttled and unavailable responses after
// the server's Retry-After and transport failures with exponential backoff.
// A non-2xx response is returned as *StatusError.
func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	target := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		target = c.baseURL + path
	}
	for attempt := 0; ; attempt++ {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
		resp, err := c.send(ctx, method, target, body)
		if err != nil {
			c.metrics.IncGraphRequest("error")
			if transient(ctx, err) && attempt < c.maxRetries {
				delay := c.retryDelay << attempt
				c.logger.WarnContext(ctx, "graph request failed, retrying",
					"path", path,
					"error", err,
					"retry_after", delay,
					"attempt", attempt+1,
				)
				if err := sleep(ctx, delay); err != nil {
					return nil, err
				}
				continue
			}
			return nil, fmt.Errorf("graph: %s %s: %w", method, path, err)
		}
		c.metrics.IncGraphRequest(strconv.Itoa(resp.StatusCode))
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		statusErr := readStatusError(resp)
		if retryable(resp.StatusCode) && attempt < c.maxRetries {
			backoff := retryAfter(resp.Header.Get("Retry-After"))
			c.logger.WarnContext(ctx, "graph request throttled",
				"status", resp.StatusCode,
				"retry_after", backoff,
				"attempt", attempt+1,
			)
			c.backoff(backoff)
			continue
		}
		return nil, statusErr
	}
}

// send performs one attempt. The attempt deadline stays armed until the
// caller closes the response body.
func (c *Client) send(ctx context.Context, method, target string, body []byte) (*http.Response, error) {
	cancel := context.CancelFunc(func() {})
	if c.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("graph: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// transient reports whether a transport failure is worth another attempt.
// Cancellation of the caller's context never is.
func transient(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Client) wait(ctx context.Context) error {
	c.mu.Lock()
	retryAt := c.retryAt
	c.mu.Unlock()
	if d := time.Until(retryAt); d > 0 {
		if err := sleep(ctx, d); err != nil {
			return err
		}
	}
	return c.limiter.Wait(ctx)
}

func (c *Client) backoff(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if at := time.Now().Add(d); at.After(c.retryAt) {
		c.retryAt = at
	}
}

// retryAfter reads a Retry-After header in seconds.
func retryAfter(h string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(h))
	if err != nil || secs < 0 {
		return defaultBackoff
	}
	return min(time.Duration(secs)*time.Second, maxBackoff)
}

func readStatusError(resp *http.Response) *StatusError {
	defer resp.Body.Close()
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body)
	return &StatusError{Status: resp.StatusCode, Code: body.Error.Code, Msg: body.Error.Message}
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
