package markers

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidMarkerID indicates that a marker identifier is empty or exceeds storage bounds.
	ErrInvalidMarkerID = errors.New("markers: invalid marker id")
	// ErrInvalidCommunityID indicates that a community identifier is empty or exceeds storage bounds.
	ErrInvalidCommunityID = errors.New("markers: invalid community id")
	// ErrInvalidCoordinates indicates a latitude or longitude outside WGS 84 bounds.
	ErrInvalidCoordinates = errors.New("markers: invalid coordinates")
	// ErrCommunityNotFound indicates that the referenced community does not exist.
	ErrCommunityNotFound = errors.New("markers: community not found")
)

// MarkerID represents a validated marker identifier.
type MarkerID string

// NewMarkerID validates raw input and returns a MarkerID.
func NewMarkerID(rawInput string) (MarkerID, error) {
	trimmed, err := validateIdentifier(rawInput, ErrInvalidMarkerID)
	if err != nil {
		return "", err
	}
	return MarkerID(trimmed), nil
}

// String returns the underlying string identifier.
func (id MarkerID) String() string {
	return string(id)
}

// CommunityID represents a validated community identifier.
type CommunityID string

// NewCommunityID validates raw input and returns a CommunityID.
func NewCommunityID(rawInput string) (CommunityID, error) {
	trimmed, err := validateIdentifier(rawInput, ErrInvalidCommunityID)
	if err != nil {
		return "", err
	}
	return CommunityID(trimmed), nil
}

// String returns the underlying string identifier.
func (id CommunityID) String() string {
	return string(id)
}

func validateIdentifier(rawInput string, sentinel error) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", sentinel)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", sentinel, maxIdentifierLength)
	}
	return trimmed, nil
}

// Scope selects the global marker collection or one community's sub-collection.
type Scope struct {
	communityID CommunityID
}

// GlobalScope returns the top-level collection.
func GlobalScope() Scope {
	return Scope{}
}

// CommunityScope returns the sub-collection of communityID.
func CommunityScope(communityID CommunityID) Scope {
	return Scope{communityID: communityID}
}

// ParseScope returns the global scope for an empty value and a community scope otherwise.
func ParseScope(rawCommunityID string) (Scope, error) {
	if strings.TrimSpace(rawCommunityID) == "" {
		return GlobalScope(), nil
	}
	communityID, err := NewCommunityID(rawCommunityID)
	if err != nil {
		return Scope{}, err
	}
	return CommunityScope(communityID), nil
}

// CommunityID returns the community of the scope, empty for the global scope.
func (s Scope) CommunityID() CommunityID {
	return s.communityID
}

// Key is the realtime routing key of the scope.
func (s Scope) Key() string {
	if s.communityID == "" {
		return "global"
	}
	return "community:" + s.communityID.String()
}

// Coordinates is a validated WGS 84 position.
type Coordinates struct {
	lat float64
	lng float64
}

// NewCoordinates validates the latitude and longitude.
func NewCoordinates(lat, lng float64) (Coordinates, error) {
	if math.IsNaN(lat) || math.IsNaN(lng) || lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return Coordinates{}, fmt.Errorf("%w: lat=%f lng=%f", ErrInvalidCoordinates, lat, lng)
	}
	return Coordinates{lat: lat, lng: lng}, nil
}

// Lat returns the latitude in degrees.
func (c Coordinates) Lat() float64 {
	return c.lat
}

// Lng returns the longitude in degrees.
func (c Coordinates) Lng() float64 {
	return c.lng
}

// Marker models a persisted marker document. Coordinates are written once.
type Marker struct {
	MarkerID         string  `gorm:"column:marker_id;primaryKey;size:190;not null"`
	CommunityID      string  `gorm:"column:community_id;size:190;not null;default:'';index:idx_markers_scope,priority:1"`
	Latitude         float64 `gorm:"column:lat;not null"`
	Longitude        float64 `gorm:"column:lng;not null"`
	OwnerID          string  `gorm:"column:owner_id;size:190;not null;default:''"`
	CreatedAtSeconds int64   `gorm:"column:created_at_s;not null;index:idx_markers_scope,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Marker) TableName() string {
	return "markers"
}

// Community models a named grouping owning a marker sub-collection.
type Community struct {
	CommunityID      string `gorm:"column:community_id;primaryKey;size:190;not null"`
	Name             string `gorm:"column:name;size:320;not null;default:''"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;index"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Community) TableName() string {
	return "communities"
}

// CreateMarkerRequest describes a marker to append to a scope.
type CreateMarkerRequest struct {
	Scope       Scope
	Coordinates Coordinates
	OwnerID     string
}
