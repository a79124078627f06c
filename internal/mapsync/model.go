package mapsync

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidPosition indicates that a coordinate pair is outside WGS 84 bounds.
	ErrInvalidPosition = errors.New("mapsync: invalid position")
	// ErrInvalidCommunityID indicates that a community identifier is empty or too long.
	ErrInvalidCommunityID = errors.New("mapsync: invalid community id")
	// ErrNoScope indicates that a write was requested while no scope is selected.
	ErrNoScope = errors.New("mapsync: no scope selected")
)

// Position is a WGS 84 coordinate pair in degrees.
type Position struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// NewPosition validates the coordinate pair.
func NewPosition(lat, lng float64) (Position, error) {
	if math.IsNaN(lat) || math.IsNaN(lng) || lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return Position{}, fmt.Errorf("%w: lat=%f lng=%f", ErrInvalidPosition, lat, lng)
	}
	return Position{Lat: lat, Lng: lng}, nil
}

// Marker is the cached copy of a store document. Coordinates never change after creation.
type Marker struct {
	ID       string   `json:"id"`
	Position Position `json:"position"`
	OwnerRef string   `json:"owner_ref,omitempty"`
}

// Community is a named grouping that scopes a marker collection.
type Community struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type scopeKind int

const (
	scopeNone scopeKind = iota
	scopeGlobal
	scopeCommunity
)

// Scope identifies the marker collection a session is subscribed to. The zero value
// selects nothing.
type Scope struct {
	kind        scopeKind
	communityID string
}

// NoScope returns the empty selection.
func NoScope() Scope {
	return Scope{}
}

// GlobalScope returns the scope of the top-level marker collection.
func GlobalScope() Scope {
	return Scope{kind: scopeGlobal}
}

// CommunityScope returns the scope of one community's marker sub-collection.
func CommunityScope(communityID string) (Scope, error) {
	trimmed := strings.TrimSpace(communityID)
	if trimmed == "" {
		return Scope{}, fmt.Errorf("%w: empty", ErrInvalidCommunityID)
	}
	if len(trimmed) > maxIdentifierLength {
		return Scope{}, fmt.Errorf("%w: exceeds %d characters", ErrInvalidCommunityID, maxIdentifierLength)
	}
	return Scope{kind: scopeCommunity, communityID: trimmed}, nil
}

// IsNone reports whether nothing is selected.
func (s Scope) IsNone() bool {
	return s.kind == scopeNone
}

// IsGlobal reports whether the scope is the top-level collection.
func (s Scope) IsGlobal() bool {
	return s.kind == scopeGlobal
}

// CommunityID returns the community identifier, or "" for non-community scopes.
func (s Scope) CommunityID() string {
	return s.communityID
}

// Key returns the stable string form used for realtime routing and token keys.
func (s Scope) Key() string {
	switch s.kind {
	case scopeGlobal:
		return "global"
	case scopeCommunity:
		return "community:" + s.communityID
	default:
		return ""
	}
}

func (s Scope) String() string {
	if s.kind == scopeNone {
		return "none"
	}
	return s.Key()
}

// Disposer stops a live subscription. After it returns no further callbacks are made.
type Disposer func()

// DocumentStore is the remote store the session mirrors. A subscription reports its
// snapshots to onSnapshot; onError is called at most once when the feed ends without
// being disposed, and no callback follows it. Callbacks must not call the disposer.
type DocumentStore interface {
	CreateMarker(ctx context.Context, scope Scope, position Position, ownerRef string) (Marker, error)
	DeleteMarker(ctx context.Context, scope Scope, markerID string) error
	SubscribeMarkers(ctx context.Context, scope Scope, onSnapshot func([]Marker), onError func(error)) (Disposer, error)

	CreateCommunity(ctx context.Context, name string) (Community, error)
	RenameCommunity(ctx context.Context, communityID, name string) error
	DeleteCommunity(ctx context.Context, communityID string) error
	SubscribeCommunities(ctx context.Context, onSnapshot func([]Community), onError func(error)) (Disposer, error)
}
