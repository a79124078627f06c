package identity

import (
	"context"

	"github.com/MarcoPoloResearchLab/dotmap/internal/mapsync"
	"go.uber.org/zap"
)

// OwnershipConfig describes the dependencies of an OwnershipIdentity.
type OwnershipConfig struct {
	Session       *mapsync.Session
	Authenticator Authenticator
	Geolocator    Geolocator
	Logger        *zap.Logger
}

// OwnershipIdentity finds my dot by scanning the snapshot for a marker owned by the
// signed-in anonymous account. Nothing is tracked between snapshots.
type OwnershipIdentity struct {
	session *mapsync.Session
	auth    Authenticator
	locator Geolocator
	logger  *zap.Logger
}

// NewOwnershipIdentity constructs the server-side ownership identity scheme.
func NewOwnershipIdentity(cfg OwnershipConfig) (*OwnershipIdentity, error) {
	if cfg.Session == nil {
		return nil, errMissingSession
	}
	if cfg.Authenticator == nil {
		return nil, errMissingAuthenticator
	}
	if cfg.Geolocator == nil {
		return nil, errMissingGeolocator
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OwnershipIdentity{
		session: cfg.Session,
		auth:    cfg.Authenticator,
		locator: cfg.Geolocator,
		logger:  logger,
	}, nil
}

// MyDot returns the first cached marker owned by the current account. Two tabs racing
// to create can both succeed; the first in snapshot order wins.
func (o *OwnershipIdentity) MyDot(_ context.Context) (mapsync.Marker, bool) {
	account, ok := o.auth.CurrentAccount()
	if !ok || account.UserID == "" {
		return mapsync.Marker{}, false
	}
	for _, marker := range o.session.Markers() {
		if marker.OwnerRef == account.UserID {
			return marker, true
		}
	}
	return mapsync.Marker{}, false
}

// IsMine reports whether marker is my dot.
func (o *OwnershipIdentity) IsMine(ctx context.Context, marker mapsync.Marker) bool {
	dot, ok := o.MyDot(ctx)
	return ok && dot.ID == marker.ID
}

// Toggle deletes the owned marker when one exists. Otherwise it signs in if needed
// (one attempt), reads the position and creates an owned marker.
func (o *OwnershipIdentity) Toggle(ctx context.Context) (ToggleResult, error) {
	if o.session.Scope().IsNone() {
		return ToggleResult{}, mapsync.ErrNoScope
	}
	if dot, ok := o.MyDot(ctx); ok {
		if err := o.session.DeleteMarker(ctx, dot.ID); err != nil {
			return ToggleResult{}, err
		}
		o.logger.Info("my dot removed", zap.String("marker_id", dot.ID))
		return ToggleResult{Removed: true, Marker: dot}, nil
	}

	account, err := o.account(ctx)
	if err != nil {
		return ToggleResult{}, err
	}
	position, err := o.locator.CurrentPosition(ctx)
	if err != nil {
		o.logger.Info("geolocation failed", zap.Error(err))
		return ToggleResult{}, err
	}
	marker, err := o.session.CreateMarker(ctx, position, account.UserID)
	if err != nil {
		return ToggleResult{}, err
	}
	o.logger.Info("my dot placed", zap.String("marker_id", marker.ID), zap.String("owner", account.UserID))
	return ToggleResult{Created: true, Marker: marker}, nil
}

// Move recreates my dot at the current position.
func (o *OwnershipIdentity) Move(ctx context.Context) (mapsync.Marker, error) {
	if o.session.Scope().IsNone() {
		return mapsync.Marker{}, mapsync.ErrNoScope
	}
	account, err := o.account(ctx)
	if err != nil {
		return mapsync.Marker{}, err
	}
	position, err := o.locator.CurrentPosition(ctx)
	if err != nil {
		o.logger.Info("geolocation failed", zap.Error(err))
		return mapsync.Marker{}, err
	}
	if dot, ok := o.MyDot(ctx); ok {
		if err := o.session.DeleteMarker(ctx, dot.ID); err != nil {
			return mapsync.Marker{}, err
		}
	}
	return o.session.CreateMarker(ctx, position, account.UserID)
}

// DeleteMarker deletes any marker. Ownership is not checked on the client.
func (o *OwnershipIdentity) DeleteMarker(ctx context.Context, markerID string) error {
	return o.session.DeleteMarker(ctx, markerID)
}

func (o *OwnershipIdentity) account(ctx context.Context) (Account, error) {
	if account, ok := o.auth.CurrentAccount(); ok {
		return account, nil
	}
	account, err := o.auth.SignInAnonymously(ctx)
	if err != nil {
		o.logger.Info("anonymous sign-in failed", zap.Error(err))
		return Account{}, err
	}
	return account, nil
}
