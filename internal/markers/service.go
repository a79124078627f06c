package markers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a stable operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew        = "markers.service.new"
	opCreateMarker      = "markers.create_marker"
	opDeleteMarker      = "markers.delete_marker"
	opListMarkers       = "markers.list_markers"
	opCreateCommunity   = "markers.create_community"
	opRenameCommunity   = "markers.rename_community"
	opDeleteCommunity   = "markers.delete_community"
	opListCommunities   = "markers.list_communities"
	reasonMissingDB     = "missing_database"
	reasonIDFailed      = "id_generation_failed"
	reasonInsertFailed  = "insert_failed"
	reasonDeleteFailed  = "delete_failed"
	reasonUpdateFailed  = "update_failed"
	reasonQueryFailed   = "query_failed"
	reasonNotFound      = "community_not_found"
	queryMarkerInScope  = "marker_id = ? AND community_id = ?"
	queryCommunityID    = "community_id = ?"
	orderCreatedAsc     = "created_at_s ASC"
	orderMarkerIDAsc    = "marker_id ASC"
	orderCommunityIDAsc = "community_id ASC"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig describes the dependencies of the marker store.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// IDProvider issues store-assigned document identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// Service persists markers and communities.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService validates the configuration and constructs the store.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDB, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// CreateMarker appends a marker to the requested scope and returns the stored row.
func (s *Service) CreateMarker(ctx context.Context, request CreateMarkerRequest) (Marker, error) {
	if s.db == nil {
		s.logError(opCreateMarker, reasonMissingDB, errMissingDatabase)
		return Marker{}, newServiceError(opCreateMarker, reasonMissingDB, errMissingDatabase)
	}
	communityID := request.Scope.CommunityID().String()
	if communityID != "" {
		if err := s.requireCommunity(ctx, opCreateMarker, communityID); err != nil {
			return Marker{}, err
		}
	}

	markerID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateMarker, reasonIDFailed, err)
		return Marker{}, newServiceError(opCreateMarker, reasonIDFailed, err)
	}
	marker := Marker{
		MarkerID:         markerID,
		CommunityID:      communityID,
		Latitude:         request.Coordinates.Lat(),
		Longitude:        request.Coordinates.Lng(),
		OwnerID:          strings.TrimSpace(request.OwnerID),
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&marker).Error; err != nil {
		s.logError(opCreateMarker, reasonInsertFailed, err, zap.String("scope", request.Scope.Key()))
		return Marker{}, newServiceError(opCreateMarker, reasonInsertFailed, err)
	}
	return marker, nil
}

// DeleteMarker removes a marker from the scope. Deleting a missing marker succeeds and
// reports deleted=false.
func (s *Service) DeleteMarker(ctx context.Context, scope Scope, markerID MarkerID) (bool, error) {
	if s.db == nil {
		s.logError(opDeleteMarker, reasonMissingDB, errMissingDatabase)
		return false, newServiceError(opDeleteMarker, reasonMissingDB, errMissingDatabase)
	}
	result := s.db.WithContext(ctx).
		Where(queryMarkerInScope, markerID.String(), scope.CommunityID().String()).
		Delete(&Marker{})
	if result.Error != nil {
		s.logError(opDeleteMarker, reasonDeleteFailed, result.Error,
			zap.String("scope", scope.Key()),
			zap.String("marker_id", markerID.String()))
		return false, newServiceError(opDeleteMarker, reasonDeleteFailed, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// ListMarkers returns the complete marker set of scope in creation order.
func (s *Service) ListMarkers(ctx context.Context, scope Scope) ([]Marker, error) {
	if s.db == nil {
		s.logError(opListMarkers, reasonMissingDB, errMissingDatabase)
		return nil, newServiceError(opListMarkers, reasonMissingDB, errMissingDatabase)
	}
	var markers []Marker
	if err := s.db.WithContext(ctx).
		Where(queryCommunityID, scope.CommunityID().String()).
		Order(orderCreatedAsc).
		Order(orderMarkerIDAsc).
		Find(&markers).Error; err != nil {
		s.logError(opListMarkers, reasonQueryFailed, err, zap.String("scope", scope.Key()))
		return nil, newServiceError(opListMarkers, reasonQueryFailed, err)
	}
	return markers, nil
}

// CreateCommunity stores a new community.
func (s *Service) CreateCommunity(ctx context.Context, name string) (Community, error) {
	if s.db == nil {
		s.logError(opCreateCommunity, reasonMissingDB, errMissingDatabase)
		return Community{}, newServiceError(opCreateCommunity, reasonMissingDB, errMissingDatabase)
	}
	communityID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateCommunity, reasonIDFailed, err)
		return Community{}, newServiceError(opCreateCommunity, reasonIDFailed, err)
	}
	now := s.clock().UTC().Unix()
	community := Community{
		CommunityID:      communityID,
		Name:             strings.TrimSpace(name),
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	if err := s.db.WithContext(ctx).Create(&community).Error; err != nil {
		s.logError(opCreateCommunity, reasonInsertFailed, err)
		return Community{}, newServiceError(opCreateCommunity, reasonInsertFailed, err)
	}
	return community, nil
}

// RenameCommunity updates the name of an existing community.
func (s *Service) RenameCommunity(ctx context.Context, communityID CommunityID, name string) error {
	if s.db == nil {
		s.logError(opRenameCommunity, reasonMissingDB, errMissingDatabase)
		return newServiceError(opRenameCommunity, reasonMissingDB, errMissingDatabase)
	}
	result := s.db.WithContext(ctx).
		Model(&Community{}).
		Where(queryCommunityID, communityID.String()).
		Updates(map[string]interface{}{
			"name":         strings.TrimSpace(name),
			"updated_at_s": s.clock().UTC().Unix(),
		})
	if result.Error != nil {
		s.logError(opRenameCommunity, reasonUpdateFailed, result.Error, zap.String("community_id", communityID.String()))
		return newServiceError(opRenameCommunity, reasonUpdateFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opRenameCommunity, reasonNotFound, ErrCommunityNotFound)
	}
	return nil
}

// DeleteCommunity removes the community document. Its markers are left in place.
func (s *Service) DeleteCommunity(ctx context.Context, communityID CommunityID) (bool, error) {
	if s.db == nil {
		s.logError(opDeleteCommunity, reasonMissingDB, errMissingDatabase)
		return false, newServiceError(opDeleteCommunity, reasonMissingDB, errMissingDatabase)
	}
	result := s.db.WithContext(ctx).
		Where(queryCommunityID, communityID.String()).
		Delete(&Community{})
	if result.Error != nil {
		s.logError(opDeleteCommunity, reasonDeleteFailed, result.Error, zap.String("community_id", communityID.String()))
		return false, newServiceError(opDeleteCommunity, reasonDeleteFailed, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// ListCommunities returns every community in creation order.
func (s *Service) ListCommunities(ctx context.Context) ([]Community, error) {
	if s.db == nil {
		s.logError(opListCommunities, reasonMissingDB, errMissingDatabase)
		return nil, newServiceError(opListCommunities, reasonMissingDB, errMissingDatabase)
	}
	var communities []Community
	if err := s.db.WithContext(ctx).
		Order(orderCreatedAsc).
		Order(orderCommunityIDAsc).
		Find(&communities).Error; err != nil {
		s.logError(opListCommunities, reasonQueryFailed, err)
		return nil, newServiceError(opListCommunities, reasonQueryFailed, err)
	}
	return communities, nil
}

func (s *Service) requireCommunity(ctx context.Context, operation, communityID string) error {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&Community{}).
		Where(queryCommunityID, communityID).
		Count(&count).Error; err != nil {
		s.logError(operation, reasonQueryFailed, err, zap.String("community_id", communityID))
		return newServiceError(operation, reasonQueryFailed, err)
	}
	if count == 0 {
		return newServiceError(operation, reasonNotFound, ErrCommunityNotFound)
	}
	return nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("markers service error", attrs...)
}
