// Package storeclient talks to the dotmap API and exposes it as a mapsync document store and
// an anonymous authenticator.
package storeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/dotmap/internal/identity"
	"github.com/MarcoPoloResearchLab/dotmap/internal/mapsync"
	"go.uber.org/zap"
)

const (
	maxErrorBodyBytes = 4096
	communityQuery    = "community"
)

var (
	errMissingBaseURL = errors.New("storeclient: base url is required")
	errScopeRequired  = errors.New("storeclient: a global or community scope is required")
)

// APIError is a non-success response from the API.
type APIError struct {
	Status    int
	ErrorCode string
	Code      string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("storeclient: status %d: %s (%s)", e.Status, e.ErrorCode, e.Code)
	}
	return fmt.Sprintf("storeclient: status %d: %s", e.Status, e.ErrorCode)
}

// Config wires a Client.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *zap.Logger
	Clock      func() time.Time
	// MaxEventBytes caps one stream line; DefaultMaxEventBytes when zero.
	MaxEventBytes int
}

// Client implements mapsync.DocumentStore and identity.Authenticator over HTTP.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	logger     *zap.Logger
	clock      func() time.Time

	maxEventBytes int

	mu         sync.RWMutex
	account    identity.Account
	hasAccount bool
}

var (
	_ mapsync.DocumentStore  = (*Client)(nil)
	_ identity.Authenticator = (*Client)(nil)
)

// New validates the configuration.
func New(cfg Config) (*Client, error) {
	raw := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if raw == "" {
		return nil, errMissingBaseURL
	}
	baseURL, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("storeclient: parse base url: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	maxEventBytes := cfg.MaxEventBytes
	if maxEventBytes <= 0 {
		maxEventBytes = DefaultMaxEventBytes
	}
	return &Client{
		baseURL:       baseURL,
		httpClient:    httpClient,
		logger:        logger,
		clock:         clock,
		maxEventBytes: maxEventBytes,
	}, nil
}

type markerPayload struct {
	ID      string  `json:"id"`
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	OwnerID string  `json:"owner_id,omitempty"`
}

type markerListPayload struct {
	Markers []markerPayload `json:"markers"`
}

type communityPayload struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type communityListPayload struct {
	Communities []communityPayload `json:"communities"`
}

type authPayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	UserID      string `json:"user_id"`
}

func (p markerPayload) toMarker() mapsync.Marker {
	return mapsync.Marker{
		ID:       p.ID,
		Position: mapsync.Position{Lat: p.Lat, Lng: p.Lng},
		OwnerRef: p.OwnerID,
	}
}

func markersFrom(payloads []markerPayload) []mapsync.Marker {
	result := make([]mapsync.Marker, 0, len(payloads))
	for _, payload := range payloads {
		result = append(result, payload.toMarker())
	}
	return result
}

func communitiesFrom(payloads []communityPayload) []mapsync.Community {
	result := make([]mapsync.Community, 0, len(payloads))
	for _, payload := range payloads {
		result = append(result, mapsync.Community{ID: payload.ID, Name: payload.Name})
	}
	return result
}

// SignInAnonymously registers a new anonymous user and keeps its token for later requests.
func (c *Client) SignInAnonymously(ctx context.Context) (identity.Account, error) {
	var payload authPayload
	if err := c.do(ctx, http.MethodPost, "/auth/anonymous", nil, nil, &payload); err != nil {
		return identity.Account{}, err
	}
	account := identity.Account{
		UserID:      payload.UserID,
		AccessToken: payload.AccessToken,
		ExpiresAt:   c.clock().Add(time.Duration(payload.ExpiresIn) * time.Second),
	}
	c.RestoreSession(account)
	return account, nil
}

// CurrentAccount returns the signed-in account unless it has expired.
func (c *Client) CurrentAccount() (identity.Account, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.hasAccount {
		return identity.Account{}, false
	}
	if !c.account.ExpiresAt.IsZero() && !c.clock().Before(c.account.ExpiresAt) {
		return identity.Account{}, false
	}
	return c.account, true
}

// RestoreSession reuses a previously issued account.
func (c *Client) RestoreSession(account identity.Account) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.account = account
	c.hasAccount = account.AccessToken != ""
}

// CreateMarker appends a marker to scope. The API stamps the owner from the session token,
// so ownerRef only matters when it differs from the signed-in user, which is logged.
func (c *Client) CreateMarker(ctx context.Context, scope mapsync.Scope, position mapsync.Position, ownerRef string) (mapsync.Marker, error) {
	if scope.IsNone() {
		return mapsync.Marker{}, errScopeRequired
	}
	if ownerRef != "" {
		if account, ok := c.CurrentAccount(); !ok || account.UserID != ownerRef {
			c.logger.Warn("owner differs from session user", zap.String("owner_ref", ownerRef))
		}
	}
	request := map[string]interface{}{
		"lat":          position.Lat,
		"lng":          position.Lng,
		"community_id": scope.CommunityID(),
	}
	var response struct {
		Marker markerPayload `json:"marker"`
	}
	if err := c.do(ctx, http.MethodPost, "/markers", nil, request, &response); err != nil {
		return mapsync.Marker{}, err
	}
	return response.Marker.toMarker(), nil
}

// DeleteMarker removes a marker. Removing a missing marker succeeds.
func (c *Client) DeleteMarker(ctx context.Context, scope mapsync.Scope, markerID string) error {
	if scope.IsNone() {
		return errScopeRequired
	}
	return c.do(ctx, http.MethodDelete, "/markers/"+url.PathEscape(markerID), scopeQuery(scope), nil, nil)
}

// ListMarkers fetches the current marker set of scope once.
func (c *Client) ListMarkers(ctx context.Context, scope mapsync.Scope) ([]mapsync.Marker, error) {
	if scope.IsNone() {
		return nil, errScopeRequired
	}
	var payload markerListPayload
	if err := c.do(ctx, http.MethodGet, "/markers", scopeQuery(scope), nil, &payload); err != nil {
		return nil, err
	}
	return markersFrom(payload.Markers), nil
}

// CreateCommunity stores a new community.
func (c *Client) CreateCommunity(ctx context.Context, name string) (mapsync.Community, error) {
	var response struct {
		Community communityPayload `json:"community"`
	}
	if err := c.do(ctx, http.MethodPost, "/communities", nil, map[string]string{"name": name}, &response); err != nil {
		return mapsync.Community{}, err
	}
	return mapsync.Community{ID: response.Community.ID, Name: response.Community.Name}, nil
}

// RenameCommunity changes a community name.
func (c *Client) RenameCommunity(ctx context.Context, communityID, name string) error {
	return c.do(ctx, http.MethodPatch, "/communities/"+url.PathEscape(communityID), nil, map[string]string{"name": name}, nil)
}

// DeleteCommunity removes a community document.
func (c *Client) DeleteCommunity(ctx context.Context, communityID string) error {
	return c.do(ctx, http.MethodDelete, "/communities/"+url.PathEscape(communityID), nil, nil, nil)
}

func scopeQuery(scope mapsync.Scope) url.Values {
	query := url.Values{}
	if communityID := scope.CommunityID(); communityID != "" {
		query.Set(communityQuery, communityID)
	}
	return query
}

func (c *Client) endpoint(path string, query url.Values) string {
	target := *c.baseURL
	target.Path = strings.TrimRight(target.Path, "/") + path
	if len(query) > 0 {
		target.RawQuery = query.Encode()
	}
	return target.String()
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body interface{}) (*http.Request, error) {
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("storeclient: encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, query), reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if account, ok := c.CurrentAccount(); ok {
		request.Header.Set("Authorization", "Bearer "+account.AccessToken)
	}
	return request, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, target interface{}) error {
	request, err := c.newRequest(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("storeclient: %s %s: %w", method, path, err)
	}
	defer response.Body.Close()
	if err := checkResponse(response); err != nil {
		return err
	}
	if target == nil {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		return fmt.Errorf("storeclient: decode %s %s: %w", method, path, err)
	}
	return nil
}

func checkResponse(response *http.Response) error {
	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return nil
	}
	apiErr := &APIError{Status: response.StatusCode}
	var payload struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.NewDecoder(io.LimitReader(response.Body, maxErrorBodyBytes)).Decode(&payload); err == nil {
		apiErr.ErrorCode = payload.Error
		apiErr.Code = payload.Code
	}
	if apiErr.ErrorCode == "" {
		apiErr.ErrorCode = http.StatusText(response.StatusCode)
	}
	return apiErr
}
