// Package mapsynctest provides an in-memory DocumentStore for tests.
package mapsynctest

import (
	"context"
	"fmt"
	"sync"

	"github.com/MarcoPoloResearchLab/dotmap/internal/mapsync"
)

type markerSubscriber struct {
	scopeKey string
	callback func([]mapsync.Marker)
	onError  func(error)
	disposed bool
}

// Store is an in-memory document store that notifies subscribers synchronously after
// every write, delivering the full current set of the affected scope.
type Store struct {
	mu                   sync.Mutex
	nextID               int
	markers              map[string][]mapsync.Marker
	communities          []mapsync.Community
	subscribers          []*markerSubscriber
	communitySubscribers []*communitySubscriber

	// CreateErr, when set, fails every CreateMarker call.
	CreateErr error
	// DeleteErr, when set, is consulted for every DeleteMarker call.
	DeleteErr func(markerID string) error
	// SubscribeErr, when set, fails every SubscribeMarkers call.
	SubscribeErr error

	CreateCalls int
	DeleteCalls []string
}

type communitySubscriber struct {
	callback func([]mapsync.Community)
	onError  func(error)
	disposed bool
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{markers: make(map[string][]mapsync.Marker)}
}

// Seed inserts markers without counting them as client calls.
func (s *Store) Seed(scope mapsync.Scope, positions ...mapsync.Position) []mapsync.Marker {
	s.mu.Lock()
	created := make([]mapsync.Marker, 0, len(positions))
	for _, position := range positions {
		marker := mapsync.Marker{ID: s.newIDLocked("m"), Position: position}
		s.markers[scope.Key()] = append(s.markers[scope.Key()], marker)
		created = append(created, marker)
	}
	s.mu.Unlock()
	s.notifyMarkers(scope.Key())
	return created
}

// Markers returns the stored markers of scope.
func (s *Store) Markers(scope mapsync.Scope) []mapsync.Marker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]mapsync.Marker(nil), s.markers[scope.Key()]...)
}

// ActiveSubscriptions counts undisposed marker subscriptions.
func (s *Store) ActiveSubscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, subscriber := range s.subscribers {
		if !subscriber.disposed {
			count++
		}
	}
	return count
}

// DeliverToAll calls every subscriber ever registered for scope, including disposed
// ones, simulating a notification that was already in flight.
func (s *Store) DeliverToAll(scope mapsync.Scope, markers []mapsync.Marker) {
	s.mu.Lock()
	callbacks := make([]func([]mapsync.Marker), 0)
	for _, subscriber := range s.subscribers {
		if subscriber.scopeKey == scope.Key() {
			callbacks = append(callbacks, subscriber.callback)
		}
	}
	s.mu.Unlock()
	for _, callback := range callbacks {
		callback(append([]mapsync.Marker(nil), markers...))
	}
}

// FailMarkerFeeds ends every live subscription of scope with err. Failed subscriptions
// receive no further snapshots.
func (s *Store) FailMarkerFeeds(scope mapsync.Scope, err error) {
	s.mu.Lock()
	handlers := make([]func(error), 0)
	for _, subscriber := range s.subscribers {
		if subscriber.scopeKey == scope.Key() && !subscriber.disposed {
			subscriber.disposed = true
			if subscriber.onError != nil {
				handlers = append(handlers, subscriber.onError)
			}
		}
	}
	s.mu.Unlock()
	for _, handler := range handlers {
		handler(err)
	}
}

// FailCommunityFeeds ends every live community subscription with err.
func (s *Store) FailCommunityFeeds(err error) {
	s.mu.Lock()
	handlers := make([]func(error), 0)
	for _, subscriber := range s.communitySubscribers {
		if !subscriber.disposed {
			subscriber.disposed = true
			if subscriber.onError != nil {
				handlers = append(handlers, subscriber.onError)
			}
		}
	}
	s.mu.Unlock()
	for _, handler := range handlers {
		handler(err)
	}
}

func (s *Store) CreateMarker(_ context.Context, scope mapsync.Scope, position mapsync.Position, ownerRef string) (mapsync.Marker, error) {
	s.mu.Lock()
	s.CreateCalls++
	if s.CreateErr != nil {
		s.mu.Unlock()
		return mapsync.Marker{}, s.CreateErr
	}
	marker := mapsync.Marker{ID: s.newIDLocked("m"), Position: position, OwnerRef: ownerRef}
	s.markers[scope.Key()] = append(s.markers[scope.Key()], marker)
	s.mu.Unlock()

	s.notifyMarkers(scope.Key())
	return marker, nil
}

func (s *Store) DeleteMarker(_ context.Context, scope mapsync.Scope, markerID string) error {
	s.mu.Lock()
	s.DeleteCalls = append(s.DeleteCalls, markerID)
	if s.DeleteErr != nil {
		if err := s.DeleteErr(markerID); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	existing := s.markers[scope.Key()]
	remaining := existing[:0:0]
	for _, marker := range existing {
		if marker.ID != markerID {
			remaining = append(remaining, marker)
		}
	}
	s.markers[scope.Key()] = remaining
	s.mu.Unlock()

	s.notifyMarkers(scope.Key())
	return nil
}

func (s *Store) SubscribeMarkers(_ context.Context, scope mapsync.Scope, onSnapshot func([]mapsync.Marker), onError func(error)) (mapsync.Disposer, error) {
	s.mu.Lock()
	if s.SubscribeErr != nil {
		s.mu.Unlock()
		return nil, s.SubscribeErr
	}
	subscriber := &markerSubscriber{scopeKey: scope.Key(), callback: onSnapshot, onError: onError}
	s.subscribers = append(s.subscribers, subscriber)
	current := append([]mapsync.Marker(nil), s.markers[scope.Key()]...)
	s.mu.Unlock()

	onSnapshot(current)
	return func() {
		s.mu.Lock()
		subscriber.disposed = true
		s.mu.Unlock()
	}, nil
}

func (s *Store) CreateCommunity(_ context.Context, name string) (mapsync.Community, error) {
	s.mu.Lock()
	community := mapsync.Community{ID: s.newIDLocked("c"), Name: name}
	s.communities = append(s.communities, community)
	s.mu.Unlock()
	s.notifyCommunities()
	return community, nil
}

func (s *Store) RenameCommunity(_ context.Context, communityID, name string) error {
	s.mu.Lock()
	for index := range s.communities {
		if s.communities[index].ID == communityID {
			s.communities[index].Name = name
		}
	}
	s.mu.Unlock()
	s.notifyCommunities()
	return nil
}

func (s *Store) DeleteCommunity(_ context.Context, communityID string) error {
	s.mu.Lock()
	remaining := s.communities[:0:0]
	for _, community := range s.communities {
		if community.ID != communityID {
			remaining = append(remaining, community)
		}
	}
	s.communities = remaining
	s.mu.Unlock()
	s.notifyCommunities()
	return nil
}

func (s *Store) SubscribeCommunities(_ context.Context, onSnapshot func([]mapsync.Community), onError func(error)) (mapsync.Disposer, error) {
	s.mu.Lock()
	subscriber := &communitySubscriber{callback: onSnapshot, onError: onError}
	s.communitySubscribers = append(s.communitySubscribers, subscriber)
	current := append([]mapsync.Community(nil), s.communities...)
	s.mu.Unlock()

	onSnapshot(current)
	return func() {
		s.mu.Lock()
		subscriber.disposed = true
		s.mu.Unlock()
	}, nil
}

func (s *Store) newIDLocked(prefix string) string {
	s.nextID++
	return fmt.Sprintf("%s-%d", prefix, s.nextID)
}

func (s *Store) notifyMarkers(scopeKey string) {
	s.mu.Lock()
	current := append([]mapsync.Marker(nil), s.markers[scopeKey]...)
	callbacks := make([]func([]mapsync.Marker), 0)
	for _, subscriber := range s.subscribers {
		if subscriber.scopeKey == scopeKey && !subscriber.disposed {
			callbacks = append(callbacks, subscriber.callback)
		}
	}
	s.mu.Unlock()
	for _, callback := range callbacks {
		callback(append([]mapsync.Marker(nil), current...))
	}
}

func (s *Store) notifyCommunities() {
	s.mu.Lock()
	current := append([]mapsync.Community(nil), s.communities...)
	callbacks := make([]func([]mapsync.Community), 0)
	for _, subscriber := range s.communitySubscribers {
		if !subscriber.disposed {
			callbacks = append(callbacks, subscriber.callback)
		}
	}
	s.mu.Unlock()
	for _, callback := range callbacks {
		callback(append([]mapsync.Community(nil), current...))
	}
}
