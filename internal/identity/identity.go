// Package identity tracks which marker, if any, is the current client's "my dot".
package identity

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/dotmap/internal/mapsync"
)

var (
	// ErrPermissionDenied indicates the user refused a location or sign-in prompt.
	ErrPermissionDenied = errors.New("identity: permission denied")
	// ErrPositionUnavailable indicates that no position fix could be obtained.
	ErrPositionUnavailable = errors.New("identity: position unavailable")

	errMissingSession       = errors.New("identity: session is required")
	errMissingTokens        = errors.New("identity: key/value store is required")
	errMissingGeolocator    = errors.New("identity: geolocator is required")
	errMissingAuthenticator = errors.New("identity: authenticator is required")
)

// Geolocator returns a single position fix.
type Geolocator interface {
	CurrentPosition(ctx context.Context) (mapsync.Position, error)
}

// KeyValueStore persists small strings on the client across restarts.
type KeyValueStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// Account is an anonymous session issued by the identity service.
type Account struct {
	UserID      string
	AccessToken string
	ExpiresAt   time.Time
}

// Authenticator signs the client in anonymously.
type Authenticator interface {
	SignInAnonymously(ctx context.Context) (Account, error)
	CurrentAccount() (Account, bool)
}

// ToggleResult reports what a toggle did.
type ToggleResult struct {
	Created bool
	Removed bool
	Marker  mapsync.Marker
}

// Scheme is implemented by both identity designs.
type Scheme interface {
	MyDot(ctx context.Context) (mapsync.Marker, bool)
	IsMine(ctx context.Context, marker mapsync.Marker) bool
	Toggle(ctx context.Context) (ToggleResult, error)
	Move(ctx context.Context) (mapsync.Marker, error)
	DeleteMarker(ctx context.Context, markerID string) error
}

// StaticGeolocator returns a fixed position, standing in for a device location API.
type StaticGeolocator struct {
	position mapsync.Position
	known    bool
}

// NewStaticGeolocator returns a geolocator that reports position.
func NewStaticGeolocator(position mapsync.Position) *StaticGeolocator {
	return &StaticGeolocator{position: position, known: true}
}

// NewUnavailableGeolocator returns a geolocator that always fails.
func NewUnavailableGeolocator() *StaticGeolocator {
	return &StaticGeolocator{}
}

// CurrentPosition implements Geolocator.
func (g *StaticGeolocator) CurrentPosition(ctx context.Context) (mapsync.Position, error) {
	if err := ctx.Err(); err != nil {
		return mapsync.Position{}, err
	}
	if !g.known {
		return mapsync.Position{}, ErrPositionUnavailable
	}
	return g.position, nil
}
