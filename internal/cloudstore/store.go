// Package cloudstore mirrors markers and communities held in Cloud Firestore.
package cloudstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/MarcoPoloResearchLab/dotmap/internal/mapsync"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	markersCollection     = "markers"
	communitiesCollection = "communities"
	emulatorHostVariable  = "FIRESTORE_EMULATOR_HOST"
)

var (
	// ErrCommunityNotFound indicates a rename of a community document that does not exist.
	ErrCommunityNotFound = errors.New("cloudstore: community not found")

	errMissingProjectID = errors.New("cloudstore: project id is required")
	errMissingClient    = errors.New("cloudstore: firestore client is required")
	errScopeRequired    = errors.New("cloudstore: a global or community scope is required")
)

// Config describes how to reach Firestore.
type Config struct {
	ProjectID       string
	CredentialsFile string
	Logger          *zap.Logger
}

type markerDocument struct {
	Lat       float64   `firestore:"lat"`
	Lng       float64   `firestore:"lng"`
	OwnerRef  string    `firestore:"ownerRef,omitempty"`
	CreatedAt time.Time `firestore:"createdAt,serverTimestamp"`
}

type communityDocument struct {
	Name      string    `firestore:"name"`
	CreatedAt time.Time `firestore:"createdAt,serverTimestamp"`
}

// Store implements mapsync.DocumentStore on Firestore.
type Store struct {
	client *firestore.Client
	logger *zap.Logger
	owned  bool
}

var _ mapsync.DocumentStore = (*Store)(nil)

// Open connects to Firestore. A credentials file is used when configured; otherwise the
// emulator or application default credentials apply.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	projectID := strings.TrimSpace(cfg.ProjectID)
	if projectID == "" {
		return nil, errMissingProjectID
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var options []option.ClientOption
	credentials := strings.TrimSpace(cfg.CredentialsFile)
	switch {
	case os.Getenv(emulatorHostVariable) != "":
		logger.Info("using firestore emulator", zap.String("host", os.Getenv(emulatorHostVariable)))
	case credentials != "":
		options = append(options, option.WithCredentialsFile(credentials))
	}

	client, err := firestore.NewClient(ctx, projectID, options...)
	if err != nil {
		return nil, fmt.Errorf("cloudstore: create client: %w", err)
	}
	logger.Info("firestore client initialized", zap.String("project_id", projectID))
	store, err := New(client, logger)
	if err != nil {
		return nil, err
	}
	store.owned = true
	return store, nil
}

// New wraps an existing client.
func New(client *firestore.Client, logger *zap.Logger) (*Store, error) {
	if client == nil {
		return nil, errMissingClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{client: client, logger: logger}, nil
}

// Close releases the client when Open created it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

// MarkerCollectionPath returns the collection path holding the markers of scope.
func MarkerCollectionPath(scope mapsync.Scope) (string, error) {
	switch {
	case scope.IsGlobal():
		return markersCollection, nil
	case scope.CommunityID() != "":
		return communitiesCollection + "/" + scope.CommunityID() + "/" + markersCollection, nil
	default:
		return "", errScopeRequired
	}
}

func (s *Store) markerCollection(scope mapsync.Scope) (*firestore.CollectionRef, error) {
	path, err := MarkerCollectionPath(scope)
	if err != nil {
		return nil, err
	}
	return s.client.Collection(path), nil
}

// CreateMarker adds a marker document with a store-assigned id.
func (s *Store) CreateMarker(ctx context.Context, scope mapsync.Scope, position mapsync.Position, ownerRef string) (mapsync.Marker, error) {
	collection, err := s.markerCollection(scope)
	if err != nil {
		return mapsync.Marker{}, err
	}
	ref := collection.NewDoc()
	if _, err := ref.Create(ctx, markerDocument{Lat: position.Lat, Lng: position.Lng, OwnerRef: ownerRef}); err != nil {
		return mapsync.Marker{}, fmt.Errorf("cloudstore: create marker: %w", err)
	}
	return mapsync.Marker{ID: ref.ID, Position: position, OwnerRef: ownerRef}, nil
}

// DeleteMarker removes a marker document. A missing document is not an error.
func (s *Store) DeleteMarker(ctx context.Context, scope mapsync.Scope, markerID string) error {
	collection, err := s.markerCollection(scope)
	if err != nil {
		return err
	}
	if _, err := collection.Doc(markerID).Delete(ctx); err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("cloudstore: delete marker: %w", err)
	}
	return nil
}

// SubscribeMarkers listens to the marker collection of scope.
func (s *Store) SubscribeMarkers(ctx context.Context, scope mapsync.Scope, onSnapshot func([]mapsync.Marker), onError func(error)) (mapsync.Disposer, error) {
	collection, err := s.markerCollection(scope)
	if err != nil {
		return nil, err
	}
	return s.listen(ctx, collection.Query, scope.Key(), onError, func(documents []*firestore.DocumentSnapshot) {
		onSnapshot(markersFromDocuments(documents, s.logger))
	}), nil
}

// CreateCommunity adds a community document.
func (s *Store) CreateCommunity(ctx context.Context, name string) (mapsync.Community, error) {
	ref := s.client.Collection(communitiesCollection).NewDoc()
	if _, err := ref.Create(ctx, communityDocument{Name: name}); err != nil {
		return mapsync.Community{}, fmt.Errorf("cloudstore: create community: %w", err)
	}
	return mapsync.Community{ID: ref.ID, Name: name}, nil
}

// RenameCommunity updates the community name.
func (s *Store) RenameCommunity(ctx context.Context, communityID, name string) error {
	_, err := s.client.Collection(communitiesCollection).Doc(communityID).Update(ctx, []firestore.Update{
		{Path: "name", Value: name},
	})
	if status.Code(err) == codes.NotFound {
		return ErrCommunityNotFound
	}
	if err != nil {
		return fmt.Errorf("cloudstore: rename community: %w", err)
	}
	return nil
}

// DeleteCommunity removes the community document. Its marker sub-collection is left behind.
func (s *Store) DeleteCommunity(ctx context.Context, communityID string) error {
	if _, err := s.client.Collection(communitiesCollection).Doc(communityID).Delete(ctx); err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("cloudstore: delete community: %w", err)
	}
	return nil
}

// SubscribeCommunities listens to the community collection.
func (s *Store) SubscribeCommunities(ctx context.Context, onSnapshot func([]mapsync.Community), onError func(error)) (mapsync.Disposer, error) {
	query := s.client.Collection(communitiesCollection).Query
	return s.listen(ctx, query, communitiesCollection, onError, func(documents []*firestore.DocumentSnapshot) {
		onSnapshot(communitiesFromDocuments(documents, s.logger))
	}), nil
}

func (s *Store) listen(ctx context.Context, query firestore.Query, label string, onError func(error), deliver func([]*firestore.DocumentSnapshot)) mapsync.Disposer {
	listenCtx, cancel := context.WithCancel(ctx)
	iterator := query.Snapshots(listenCtx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			snapshot, err := iterator.Next()
			if err != nil {
				if listenCtx.Err() == nil && status.Code(err) != codes.Canceled {
					s.logger.Error("firestore listener stopped", zap.String("scope", label), zap.Error(err))
					if onError != nil {
						onError(fmt.Errorf("cloudstore: listen %s: %w", label, err))
					}
				}
				return
			}
			documents, err := snapshot.Documents.GetAll()
			if err != nil {
				s.logger.Warn("firestore snapshot read failed", zap.String("scope", label), zap.Error(err))
				continue
			}
			deliver(documents)
		}
	}()
	return func() {
		cancel()
		iterator.Stop()
		<-done
	}
}

func markersFromDocuments(documents []*firestore.DocumentSnapshot, logger *zap.Logger) []mapsync.Marker {
	markers := make([]mapsync.Marker, 0, len(documents))
	for _, document := range documents {
		var data markerDocument
		if err := document.DataTo(&data); err != nil {
			logger.Warn("skipping malformed marker", zap.String("marker_id", document.Ref.ID), zap.Error(err))
			continue
		}
		markers = append(markers, markerFromDocument(document.Ref.ID, data))
	}
	return markers
}

func markerFromDocument(id string, data markerDocument) mapsync.Marker {
	return mapsync.Marker{
		ID:       id,
		Position: mapsync.Position{Lat: data.Lat, Lng: data.Lng},
		OwnerRef: data.OwnerRef,
	}
}

func communitiesFromDocuments(documents []*firestore.DocumentSnapshot, logger *zap.Logger) []mapsync.Community {
	communities := make([]mapsync.Community, 0, len(documents))
	for _, document := range documents {
		var data communityDocument
		if err := document.DataTo(&data); err != nil {
			logger.Warn("skipping malformed community", zap.String("community_id", document.Ref.ID), zap.Error(err))
			continue
		}
		communities = append(communities, mapsync.Community{ID: document.Ref.ID, Name: data.Name})
	}
	return communities
}
