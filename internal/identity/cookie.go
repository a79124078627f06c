package identity

import (
	"context"

	"github.com/MarcoPoloResearchLab/dotmap/internal/mapsync"
	"go.uber.org/zap"
)

const tokenKeyPrefix = "my_dot"

// CookieConfig describes the dependencies of a CookieIdentity.
type CookieConfig struct {
	Session    *mapsync.Session
	Tokens     KeyValueStore
	Geolocator Geolocator
	Logger     *zap.Logger
}

// CookieIdentity remembers my dot as a marker id persisted on the client, keyed by
// the selected community.
type CookieIdentity struct {
	session *mapsync.Session
	tokens  KeyValueStore
	locator Geolocator
	logger  *zap.Logger
}

// NewCookieIdentity constructs the client-token identity scheme.
func NewCookieIdentity(cfg CookieConfig) (*CookieIdentity, error) {
	if cfg.Session == nil {
		return nil, errMissingSession
	}
	if cfg.Tokens == nil {
		return nil, errMissingTokens
	}
	if cfg.Geolocator == nil {
		return nil, errMissingGeolocator
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CookieIdentity{
		session: cfg.Session,
		tokens:  cfg.Tokens,
		locator: cfg.Geolocator,
		logger:  logger,
	}, nil
}

// TokenKey returns the persisted key holding my dot for scope.
func TokenKey(scope mapsync.Scope) string {
	if communityID := scope.CommunityID(); communityID != "" {
		return tokenKeyPrefix + ":" + communityID
	}
	return tokenKeyPrefix
}

func (c *CookieIdentity) token(ctx context.Context, scope mapsync.Scope) (string, bool) {
	value, ok, err := c.tokens.Get(ctx, TokenKey(scope))
	if err != nil {
		c.logger.Warn("my dot token read failed", zap.String("scope", scope.String()), zap.Error(err))
		return "", false
	}
	return value, ok && value != ""
}

// MyDot returns the cached marker referenced by the token. A token whose marker is
// gone from the snapshot reports false.
func (c *CookieIdentity) MyDot(ctx context.Context) (mapsync.Marker, bool) {
	snapshot := c.session.Snapshot()
	if snapshot.Scope.IsNone() {
		return mapsync.Marker{}, false
	}
	markerID, ok := c.token(ctx, snapshot.Scope)
	if !ok {
		return mapsync.Marker{}, false
	}
	for _, marker := range snapshot.Markers {
		if marker.ID == markerID {
			return marker, true
		}
	}
	return mapsync.Marker{}, false
}

// IsMine reports whether marker is my dot.
func (c *CookieIdentity) IsMine(ctx context.Context, marker mapsync.Marker) bool {
	scope := c.session.Scope()
	if scope.IsNone() {
		return false
	}
	markerID, ok := c.token(ctx, scope)
	return ok && markerID == marker.ID
}

// Toggle removes my dot when a token exists, otherwise creates one at the current
// position and remembers its id. Removing a marker that is already gone still clears
// the token.
func (c *CookieIdentity) Toggle(ctx context.Context) (ToggleResult, error) {
	scope := c.session.Scope()
	if scope.IsNone() {
		return ToggleResult{}, mapsync.ErrNoScope
	}
	key := TokenKey(scope)

	markerID, ok, err := c.tokens.Get(ctx, key)
	if err != nil {
		return ToggleResult{}, err
	}
	if ok && markerID != "" {
		if err := c.session.DeleteMarker(ctx, markerID); err != nil {
			return ToggleResult{}, err
		}
		if err := c.tokens.Remove(ctx, key); err != nil {
			return ToggleResult{}, err
		}
		c.logger.Info("my dot removed", zap.String("scope", scope.String()), zap.String("marker_id", markerID))
		return ToggleResult{Removed: true, Marker: mapsync.Marker{ID: markerID}}, nil
	}

	marker, err := c.place(ctx, scope)
	if err != nil {
		return ToggleResult{}, err
	}
	return ToggleResult{Created: true, Marker: marker}, nil
}

// Move recreates my dot at the current position. Coordinates are immutable, so the
// old marker is deleted and a new one created.
func (c *CookieIdentity) Move(ctx context.Context) (mapsync.Marker, error) {
	scope := c.session.Scope()
	if scope.IsNone() {
		return mapsync.Marker{}, mapsync.ErrNoScope
	}
	position, err := c.locator.CurrentPosition(ctx)
	if err != nil {
		c.logger.Info("geolocation failed", zap.Error(err))
		return mapsync.Marker{}, err
	}
	if markerID, ok := c.token(ctx, scope); ok {
		if err := c.session.DeleteMarker(ctx, markerID); err != nil {
			return mapsync.Marker{}, err
		}
	}
	return c.create(ctx, scope, position)
}

// DeleteMarker deletes any marker in the selected scope and forgets the token when the
// marker was my dot.
func (c *CookieIdentity) DeleteMarker(ctx context.Context, markerID string) error {
	scope := c.session.Scope()
	if err := c.session.DeleteMarker(ctx, markerID); err != nil {
		return err
	}
	if current, ok := c.token(ctx, scope); ok && current == markerID {
		return c.tokens.Remove(ctx, TokenKey(scope))
	}
	return nil
}

func (c *CookieIdentity) place(ctx context.Context, scope mapsync.Scope) (mapsync.Marker, error) {
	position, err := c.locator.CurrentPosition(ctx)
	if err != nil {
		c.logger.Info("geolocation failed", zap.Error(err))
		return mapsync.Marker{}, err
	}
	return c.create(ctx, scope, position)
}

func (c *CookieIdentity) create(ctx context.Context, scope mapsync.Scope, position mapsync.Position) (mapsync.Marker, error) {
	marker, err := c.session.CreateMarker(ctx, position, "")
	if err != nil {
		return mapsync.Marker{}, err
	}
	if err := c.tokens.Set(ctx, TokenKey(scope), marker.ID); err != nil {
		return mapsync.Marker{}, err
	}
	c.logger.Info("my dot placed", zap.String("scope", scope.String()), zap.String("marker_id", marker.ID))
	return marker, nil
}
