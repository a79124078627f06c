package storeclient

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/dotmap/internal/identity"
	"github.com/MarcoPoloResearchLab/dotmap/internal/mapsync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	method        string
	path          string
	query         string
	authorization string
	body          map[string]interface{}
}

// fakeAPI records requests. Text sent on events is written to the open marker stream
// by the handler that owns it.
type fakeAPI struct {
	mu       sync.Mutex
	requests []recordedRequest
	events   chan string
}

func (f *fakeAPI) record(r *http.Request) {
	entry := recordedRequest{
		method:        r.Method,
		path:          r.URL.Path,
		query:         r.URL.RawQuery,
		authorization: r.Header.Get("Authorization"),
	}
	_ = json.NewDecoder(r.Body).Decode(&entry.body)
	f.mu.Lock()
	f.requests = append(f.requests, entry)
	f.mu.Unlock()
}

func (f *fakeAPI) last() recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func newFakeAPI(t *testing.T) (*fakeAPI, *Client) {
	t.Helper()
	return newFakeAPIWithConfig(t, Config{})
}

func newFakeAPIWithConfig(t *testing.T, cfg Config) (*fakeAPI, *Client) {
	t.Helper()
	api := &fakeAPI{events: make(chan string)}
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/anonymous", func(w http.ResponseWriter, r *http.Request) {
		api.record(r)
		_, _ = fmt.Fprint(w, `{"access_token":"tok-1","token_type":"Bearer","expires_in":60,"user_id":"anonymous-1"}`)
	})
	mux.HandleFunc("/markers", func(w http.ResponseWriter, r *http.Request) {
		api.record(r)
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusCreated)
			_, _ = fmt.Fprint(w, `{"marker":{"id":"m-1","lat":1.5,"lng":2.5,"owner_id":"anonymous-1"}}`)
			return
		}
		_, _ = fmt.Fprint(w, `{"scope":"global","markers":[{"id":"m-1","lat":1.5,"lng":2.5}]}`)
	})
	mux.HandleFunc("/markers/", func(w http.ResponseWriter, r *http.Request) {
		api.record(r)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/communities/broken", func(w http.ResponseWriter, r *http.Request) {
		api.record(r)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = fmt.Fprint(w, `{"error":"rename_failed","code":"markers.rename_community.update_failed"}`)
	})
	mux.HandleFunc("/markers/stream", func(w http.ResponseWriter, r *http.Request) {
		api.record(r)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprint(w, "event:snapshot\ndata:{\"markers\":[]}\n\n")
		w.(http.Flusher).Flush()
		for {
			select {
			case event := <-api.events:
				_, _ = fmt.Fprint(w, event)
				w.(http.Flusher).Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	cfg.BaseURL = server.URL + "/"
	client, err := New(cfg)
	require.NoError(t, err)
	return api, client
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, errMissingBaseURL)
}

func TestSignInAttachesBearerToLaterRequests(t *testing.T) {
	api, client := newFakeAPI(t)
	ctx := context.Background()

	_, ok := client.CurrentAccount()
	assert.False(t, ok)

	account, err := client.SignInAnonymously(ctx)
	require.NoError(t, err)
	assert.Equal(t, "anonymous-1", account.UserID)
	assert.WithinDuration(t, time.Now().Add(time.Minute), account.ExpiresAt, 5*time.Second)

	marker, err := client.CreateMarker(ctx, mapsync.GlobalScope(), mapsync.Position{Lat: 1.5, Lng: 2.5}, account.UserID)
	require.NoError(t, err)
	assert.Equal(t, mapsync.Marker{ID: "m-1", Position: mapsync.Position{Lat: 1.5, Lng: 2.5}, OwnerRef: "anonymous-1"}, marker)

	request := api.last()
	assert.Equal(t, "Bearer tok-1", request.authorization)
	assert.Equal(t, 1.5, request.body["lat"])
	assert.Equal(t, "", request.body["community_id"])
}

func TestExpiredAccountIsNotCurrent(t *testing.T) {
	_, client := newFakeAPI(t)
	client.RestoreSession(identity.Account{UserID: "u", AccessToken: "t", ExpiresAt: time.Now().Add(-time.Second)})
	_, ok := client.CurrentAccount()
	assert.False(t, ok)
}

func TestDeleteMarkerUsesCommunityQuery(t *testing.T) {
	api, client := newFakeAPI(t)
	scope, err := mapsync.CommunityScope("c-7")
	require.NoError(t, err)

	require.NoError(t, client.DeleteMarker(context.Background(), scope, "m-9"))

	request := api.last()
	assert.Equal(t, http.MethodDelete, request.method)
	assert.Equal(t, "/markers/m-9", request.path)
	assert.Equal(t, "community=c-7", request.query)
}

func TestWritesRequireScope(t *testing.T) {
	_, client := newFakeAPI(t)
	_, err := client.CreateMarker(context.Background(), mapsync.NoScope(), mapsync.Position{}, "")
	assert.ErrorIs(t, err, errScopeRequired)
	assert.ErrorIs(t, client.DeleteMarker(context.Background(), mapsync.NoScope(), "m"), errScopeRequired)
}

func TestAPIErrorsCarryCodes(t *testing.T) {
	_, client := newFakeAPI(t)

	err := client.RenameCommunity(context.Background(), "broken", "x")

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusInternalServerError, apiErr.Status)
	assert.Equal(t, "rename_failed", apiErr.ErrorCode)
	assert.Equal(t, "markers.rename_community.update_failed", apiErr.Code)
}

func TestSubscribeMarkersDeliversSnapshotsUntilDisposed(t *testing.T) {
	api, client := newFakeAPI(t)
	snapshots := make(chan []mapsync.Marker, 4)

	feedErrors := make(chan error, 1)

	dispose, err := client.SubscribeMarkers(context.Background(), mapsync.GlobalScope(), func(markers []mapsync.Marker) {
		snapshots <- markers
	}, func(err error) {
		feedErrors <- err
	})
	require.NoError(t, err)

	select {
	case first := <-snapshots:
		assert.Empty(t, first)
	case <-time.After(2 * time.Second):
		t.Fatal("expected initial snapshot")
	}

	api.events <- "event:heartbeat\ndata:{\"ts\":1}\n\nevent:snapshot\ndata:{\"markers\":[{\"id\":\"m-2\",\"lat\":3,\"lng\":4}]}\n\n"

	select {
	case next := <-snapshots:
		require.Len(t, next, 1)
		assert.Equal(t, "m-2", next[0].ID)
	case <-time.After(2 * time.Second):
		t.Fatal("expected second snapshot")
	}

	dispose()
	select {
	case extra := <-snapshots:
		t.Fatalf("no callbacks expected after dispose, got %v", extra)
	case feedErr := <-feedErrors:
		t.Fatalf("dispose must not report a feed error, got %v", feedErr)
	default:
	}
}

func TestSubscribeMarkersReportsServerFailure(t *testing.T) {
	api, client := newFakeAPI(t)
	feedErrors := make(chan error, 1)

	dispose, err := client.SubscribeMarkers(context.Background(), mapsync.GlobalScope(), func([]mapsync.Marker) {}, func(err error) {
		feedErrors <- err
	})
	require.NoError(t, err)
	defer dispose()

	api.events <- "event:error\ndata:{\"error\":\"snapshot_failed\"}\n\n"

	select {
	case feedErr := <-feedErrors:
		assert.ErrorIs(t, feedErr, errStreamFailed)
	case <-time.After(2 * time.Second):
		t.Fatal("expected the failure to be reported")
	}
}

func TestSubscribeMarkersReportsOversizedEvent(t *testing.T) {
	api, client := newFakeAPIWithConfig(t, Config{MaxEventBytes: 256})
	snapshots := make(chan []mapsync.Marker, 4)
	feedErrors := make(chan error, 1)

	dispose, err := client.SubscribeMarkers(context.Background(), mapsync.GlobalScope(), func(markers []mapsync.Marker) {
		snapshots <- markers
	}, func(err error) {
		feedErrors <- err
	})
	require.NoError(t, err)
	defer dispose()
	<-snapshots

	var markers []string
	for index := 0; index < 20; index++ {
		markers = append(markers, fmt.Sprintf(`{"id":"m-%d","lat":1,"lng":1}`, index))
	}
	api.events <- "event:snapshot\ndata:{\"markers\":[" + strings.Join(markers, ",") + "]}\n\n"

	select {
	case feedErr := <-feedErrors:
		assert.ErrorIs(t, feedErr, bufio.ErrTooLong)
		assert.Contains(t, feedErr.Error(), "256 bytes")
	case <-time.After(2 * time.Second):
		t.Fatal("expected the oversized event to end the feed")
	}
	select {
	case extra := <-snapshots:
		t.Fatalf("no snapshot expected after the feed ended, got %v", extra)
	default:
	}
}

func TestReadEventsParsesMultiLineData(t *testing.T) {
	body := strings.NewReader(": comment\nevent: snapshot\ndata: {\"a\":\ndata: 1}\n\ndata: plain\n\n")
	var events []streamEvent

	err := readEvents(body, DefaultMaxEventBytes, func(event streamEvent) bool {
		events = append(events, event)
		return true
	})

	assert.Error(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, streamEvent{name: "snapshot", data: "{\"a\":\n1}"}, events[0])
	assert.Equal(t, streamEvent{name: "message", data: "plain"}, events[1])
}
