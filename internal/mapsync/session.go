package mapsync

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"
)

// DefaultDuplicateEpsilon is the per-axis distance, in degrees, under which a dropped
// marker is considered a double submission (about 111 m of latitude).
const DefaultDuplicateEpsilon = 0.001

var (
	errMissingStore = errors.New("mapsync: document store is required")
	noOpLogger      = zap.NewNop()
)

// SessionConfig describes the dependencies of a Session.
type SessionConfig struct {
	Store  DocumentStore
	Logger *zap.Logger
	// DuplicateGuard suppresses DropMarker when a cached marker is within
	// DuplicateEpsilon on both axes. The check only sees the local cache.
	DuplicateGuard   bool
	DuplicateEpsilon float64
}

// Snapshot is the full marker set of a scope as of the last notification. Err is set
// once the live feed of Scope has ended; Markers then hold the last delivered set and
// will not change until the scope is selected again.
type Snapshot struct {
	Scope   Scope
	Markers []Marker
	Err     error
}

// Session mirrors one remote marker scope. The cached list is written only by the
// active subscription and replaced wholesale on every notification.
type Session struct {
	store   DocumentStore
	logger  *zap.Logger
	guard   bool
	epsilon float64

	mu           sync.Mutex
	scope        Scope
	markers      []Marker
	feedErr      error
	generation   uint64
	dispose      Disposer
	ready        chan struct{}
	readyPending bool
	listeners    map[int]func(Snapshot)
	nextListener int

	communities        []Community
	communitiesErr     error
	communityFeed      uint64
	disposeCommunities Disposer
}

// NewSession constructs a session with nothing selected.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	epsilon := cfg.DuplicateEpsilon
	if epsilon <= 0 {
		epsilon = DefaultDuplicateEpsilon
	}
	ready := make(chan struct{})
	close(ready)
	return &Session{
		store:     cfg.Store,
		logger:    logger,
		guard:     cfg.DuplicateGuard,
		epsilon:   epsilon,
		ready:     ready,
		listeners: make(map[int]func(Snapshot)),
	}, nil
}

// Select switches the session to scope. The previous subscription is disposed before
// the new one is established and the cached list is cleared, so markers of the old
// scope are never reported for the new one. The subscription lives until the next
// Select, Close, or cancellation of ctx.
func (s *Session) Select(ctx context.Context, scope Scope) error {
	s.mu.Lock()
	previous := s.dispose
	s.dispose = nil
	s.generation++
	generation := s.generation
	s.scope = scope
	s.markers = nil
	s.feedErr = nil
	s.ready = make(chan struct{})
	s.readyPending = true
	if scope.IsNone() {
		close(s.ready)
		s.readyPending = false
	}
	snapshot, listeners := s.snapshotLocked(), s.listenersLocked()
	s.mu.Unlock()

	if previous != nil {
		previous()
	}
	notify(listeners, snapshot)

	if scope.IsNone() {
		s.logger.Debug("marker scope cleared")
		return nil
	}

	dispose, err := s.store.SubscribeMarkers(ctx, scope, func(markers []Marker) {
		s.apply(generation, markers)
	}, func(feedErr error) {
		s.fail(generation, scope, feedErr)
	})
	if err != nil {
		s.logger.Warn("marker subscription failed", zap.String("scope", scope.String()), zap.Error(err))
		return fmt.Errorf("mapsync: subscribe %s: %w", scope, err)
	}

	s.mu.Lock()
	if s.generation != generation {
		s.mu.Unlock()
		dispose()
		return nil
	}
	s.dispose = dispose
	s.mu.Unlock()

	s.logger.Info("marker scope selected", zap.String("scope", scope.String()))
	return nil
}

func (s *Session) apply(generation uint64, markers []Marker) {
	s.mu.Lock()
	if generation != s.generation {
		s.mu.Unlock()
		s.logger.Debug("stale marker snapshot dropped", zap.Uint64("generation", generation))
		return
	}
	s.markers = append([]Marker(nil), markers...)
	if s.readyPending {
		close(s.ready)
		s.readyPending = false
	}
	snapshot, listeners := s.snapshotLocked(), s.listenersLocked()
	s.mu.Unlock()

	notify(listeners, snapshot)
}

// fail records that the feed of generation ended. The disposer is kept so the next
// Select or Close still releases the subscription.
func (s *Session) fail(generation uint64, scope Scope, err error) {
	s.mu.Lock()
	if generation != s.generation {
		s.mu.Unlock()
		return
	}
	s.feedErr = fmt.Errorf("mapsync: %s feed ended: %w", scope, err)
	if s.readyPending {
		close(s.ready)
		s.readyPending = false
	}
	snapshot, listeners := s.snapshotLocked(), s.listenersLocked()
	s.mu.Unlock()

	s.logger.Warn("marker feed ended", zap.String("scope", scope.String()), zap.Error(err))
	notify(listeners, snapshot)
}

// Scope returns the selected scope.
func (s *Session) Scope() Scope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scope
}

// Markers returns a copy of the cached marker list.
func (s *Session) Markers() []Marker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Marker(nil), s.markers...)
}

// Snapshot returns the selected scope together with a copy of its cached markers.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// AwaitSnapshot blocks until the selected scope has delivered its first notification.
// It returns the feed error when the feed ended first.
func (s *Session) AwaitSnapshot(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	ready := s.ready
	s.mu.Unlock()

	select {
	case <-ready:
		snapshot := s.Snapshot()
		if snapshot.Err != nil {
			return snapshot, snapshot.Err
		}
		return snapshot, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// Watch registers fn to be called after every accepted snapshot.
func (s *Session) Watch(fn func(Snapshot)) Disposer {
	s.mu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// CreateMarker appends a marker document to the selected scope. The cached list only
// changes when the store notifies.
func (s *Session) CreateMarker(ctx context.Context, position Position, ownerRef string) (Marker, error) {
	scope := s.Scope()
	if scope.IsNone() {
		return Marker{}, ErrNoScope
	}
	marker, err := s.store.CreateMarker(ctx, scope, position, ownerRef)
	if err != nil {
		s.logger.Warn("marker create failed", zap.String("scope", scope.String()), zap.Error(err))
		return Marker{}, err
	}
	s.logger.Debug("marker created", zap.String("scope", scope.String()), zap.String("marker_id", marker.ID))
	return marker, nil
}

// DropMarker handles a map click. With the duplicate guard enabled it returns the
// nearby cached marker and created=false instead of writing.
func (s *Session) DropMarker(ctx context.Context, position Position) (Marker, bool, error) {
	if s.guard {
		if nearby, ok := s.findNearby(position); ok {
			s.logger.Debug("marker drop suppressed", zap.String("nearby_marker_id", nearby.ID))
			return nearby, false, nil
		}
	}
	marker, err := s.CreateMarker(ctx, position, "")
	if err != nil {
		return Marker{}, false, err
	}
	return marker, true, nil
}

func (s *Session) findNearby(position Position) (Marker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, marker := range s.markers {
		if math.Abs(marker.Position.Lat-position.Lat) < s.epsilon &&
			math.Abs(marker.Position.Lng-position.Lng) < s.epsilon {
			return marker, true
		}
	}
	return Marker{}, false
}

// DeleteMarker removes a marker document from the selected scope. A missing document
// is not an error.
func (s *Session) DeleteMarker(ctx context.Context, markerID string) error {
	scope := s.Scope()
	if scope.IsNone() {
		return ErrNoScope
	}
	if err := s.store.DeleteMarker(ctx, scope, markerID); err != nil {
		s.logger.Warn("marker delete failed",
			zap.String("scope", scope.String()),
			zap.String("marker_id", markerID),
			zap.Error(err))
		return err
	}
	return nil
}

// DeleteAll issues one delete per marker cached at the moment of the call and returns
// the number of requests issued. Individual failures are logged and skipped.
func (s *Session) DeleteAll(ctx context.Context) int {
	snapshot := s.Snapshot()
	if snapshot.Scope.IsNone() {
		return 0
	}
	issued := 0
	for _, marker := range snapshot.Markers {
		issued++
		if err := s.store.DeleteMarker(ctx, snapshot.Scope, marker.ID); err != nil {
			s.logger.Warn("marker delete failed",
				zap.String("scope", snapshot.Scope.String()),
				zap.String("marker_id", marker.ID),
				zap.Error(err))
		}
	}
	s.logger.Info("markers cleared", zap.String("scope", snapshot.Scope.String()), zap.Int("requests", issued))
	return issued
}

// FollowCommunities keeps the community list current until Close.
func (s *Session) FollowCommunities(ctx context.Context) error {
	s.mu.Lock()
	s.communityFeed++
	feed := s.communityFeed
	s.communitiesErr = nil
	s.mu.Unlock()

	dispose, err := s.store.SubscribeCommunities(ctx, func(communities []Community) {
		s.mu.Lock()
		if feed == s.communityFeed {
			s.communities = append([]Community(nil), communities...)
		}
		s.mu.Unlock()
	}, func(feedErr error) {
		s.mu.Lock()
		current := feed == s.communityFeed
		if current {
			s.communitiesErr = fmt.Errorf("mapsync: community feed ended: %w", feedErr)
		}
		s.mu.Unlock()
		if current {
			s.logger.Warn("community feed ended", zap.Error(feedErr))
		}
	})
	if err != nil {
		return fmt.Errorf("mapsync: subscribe communities: %w", err)
	}

	s.mu.Lock()
	previous := s.disposeCommunities
	s.disposeCommunities = dispose
	s.mu.Unlock()
	if previous != nil {
		previous()
	}
	return nil
}

// Communities returns a copy of the followed community list.
func (s *Session) Communities() []Community {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Community(nil), s.communities...)
}

// CommunitiesErr reports why the community feed ended, or nil while it is live.
func (s *Session) CommunitiesErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.communitiesErr
}

// CreateCommunity adds a community. It does not change the selection.
func (s *Session) CreateCommunity(ctx context.Context, name string) (Community, error) {
	return s.store.CreateCommunity(ctx, name)
}

// RenameCommunity updates the community name.
func (s *Session) RenameCommunity(ctx context.Context, communityID, name string) error {
	return s.store.RenameCommunity(ctx, communityID, name)
}

// DeleteCommunity removes the community document. When it is the selected community
// the session falls back to no selection; its markers are left in the store.
func (s *Session) DeleteCommunity(ctx context.Context, communityID string) error {
	if err := s.store.DeleteCommunity(ctx, communityID); err != nil {
		s.logger.Warn("community delete failed", zap.String("community_id", communityID), zap.Error(err))
		return err
	}
	if s.Scope().CommunityID() == communityID {
		return s.Select(ctx, NoScope())
	}
	return nil
}

// Close disposes every live subscription.
func (s *Session) Close() {
	s.mu.Lock()
	s.generation++
	s.communityFeed++
	dispose := s.dispose
	disposeCommunities := s.disposeCommunities
	s.dispose = nil
	s.disposeCommunities = nil
	s.mu.Unlock()

	if dispose != nil {
		dispose()
	}
	if disposeCommunities != nil {
		disposeCommunities()
	}
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		Scope:   s.scope,
		Markers: append([]Marker(nil), s.markers...),
		Err:     s.feedErr,
	}
}

func (s *Session) listenersLocked() []func(Snapshot) {
	listeners := make([]func(Snapshot), 0, len(s.listeners))
	for _, listener := range s.listeners {
		listeners = append(listeners, listener)
	}
	return listeners
}

func notify(listeners []func(Snapshot), snapshot Snapshot) {
	for _, listener := range listeners {
		listener(snapshot)
	}
}
