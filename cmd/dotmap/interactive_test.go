package main

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/dotmap/internal/clientstate"
	"github.com/MarcoPoloResearchLab/dotmap/internal/identity"
	"github.com/MarcoPoloResearchLab/dotmap/internal/mapsync"
	"github.com/MarcoPoloResearchLab/dotmap/internal/mapsync/mapsynctest"
	"github.com/MarcoPoloResearchLab/dotmap/internal/view"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestApp(t *testing.T) (*app, *mapsynctest.Store, *bytes.Buffer) {
	t.Helper()
	store := mapsynctest.NewStore()
	session, err := mapsync.NewSession(mapsync.SessionConfig{Store: store, Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(session.Close)

	state, err := clientstate.Open(fmt.Sprintf("file:dotmap_cli_%d?mode=memory&cache=shared", time.Now().UnixNano()), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = state.Close() })

	scheme, err := identity.NewCookieIdentity(identity.CookieConfig{
		Session:    session,
		Tokens:     state,
		Geolocator: identity.NewUnavailableGeolocator(),
	})
	require.NoError(t, err)

	var out bytes.Buffer
	return &app{
		logger:   zap.NewNop(),
		session:  session,
		identity: scheme,
		terminal: view.NewTerminal(&out),
		out:      &out,
	}, store, &out
}

func TestExecuteCommands(t *testing.T) {
	community, err := mapsync.CommunityScope("c-1")
	require.NoError(t, err)

	testCases := []struct {
		name      string
		setup     []string
		line      string
		wantQuit  bool
		wantError string
		check     func(t *testing.T, application *app, store *mapsynctest.Store, out string)
	}{
		{name: "blank line", line: ""},
		{name: "quit", line: "quit", wantQuit: true},
		{name: "exit", line: "exit", wantQuit: true},
		{name: "unknown command", line: "teleport", wantError: `unknown command "teleport"`},
		{name: "drop needs two coordinates", line: "drop 1", wantError: "usage: drop LAT LNG"},
		{name: "drop rejects text", line: "drop north 2", wantError: `latitude "north"`},
		{name: "drop rejects out of range", setup: []string{"use global"}, line: "drop 95 0", wantError: "invalid position"},
		{name: "drop without a map", line: "drop 1 2", wantError: mapsync.ErrNoScope.Error()},
		{name: "rm needs an id", line: "rm", wantError: "usage: rm MARKER_ID"},
		{
			name:  "help",
			line:  "help",
			check: func(t *testing.T, _ *app, _ *mapsynctest.Store, out string) {
				assert.Contains(t, out, "commands:")
			},
		},
		{
			name:  "use global",
			line:  "use global",
			check: func(t *testing.T, application *app, _ *mapsynctest.Store, _ string) {
				assert.Equal(t, mapsync.GlobalScope(), application.session.Scope())
			},
		},
		{
			name:  "use community",
			line:  "use c-1",
			check: func(t *testing.T, application *app, _ *mapsynctest.Store, _ string) {
				assert.Equal(t, community, application.session.Scope())
			},
		},
		{
			name:  "use without argument clears the map",
			setup: []string{"use global"},
			line:  "use",
			check: func(t *testing.T, application *app, _ *mapsynctest.Store, _ string) {
				assert.True(t, application.session.Scope().IsNone())
				assert.Empty(t, application.session.Markers())
			},
		},
		{
			name:  "drop writes to the selected community",
			setup: []string{"use c-1"},
			line:  "drop 1.5 2.5",
			check: func(t *testing.T, application *app, store *mapsynctest.Store, out string) {
				stored := store.Markers(community)
				require.Len(t, stored, 1)
				assert.Equal(t, mapsync.Position{Lat: 1.5, Lng: 2.5}, stored[0].Position)
				assert.Empty(t, store.Markers(mapsync.GlobalScope()))
				assert.Contains(t, out, "dropped marker "+stored[0].ID)
			},
		},
		{
			name:  "rm deletes from the store",
			setup: []string{"use global", "drop 1 1"},
			line:  "rm m-1",
			check: func(t *testing.T, _ *app, store *mapsynctest.Store, out string) {
				assert.Empty(t, store.Markers(mapsync.GlobalScope()))
				assert.Contains(t, out, "removed marker m-1")
			},
		},
		{
			name:  "clear issues one delete per marker",
			setup: []string{"use global", "drop 1 1", "drop 2 2"},
			line:  "clear",
			check: func(t *testing.T, _ *app, store *mapsynctest.Store, out string) {
				assert.Empty(t, store.Markers(mapsync.GlobalScope()))
				assert.Contains(t, out, "issued 2 deletes")
			},
		},
		{
			name:  "fit prints the view",
			setup: []string{"use global", "drop 1 2", "drop 3 4"},
			line:  "fit",
			check: func(t *testing.T, _ *app, _ *mapsynctest.Store, out string) {
				assert.Contains(t, out, "view: fit lat 1.00000..3.00000 lng 2.00000..4.00000")
			},
		},
		{name: "me without a position", setup: []string{"use global"}, line: "me", wantError: "pass --lat and --lng"},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			application, store, out := newTestApp(t)
			ctx := context.Background()
			for _, line := range testCase.setup {
				quit, err := application.execute(ctx, strings.Fields(line))
				require.NoError(t, err, line)
				require.False(t, quit, line)
			}

			quit, err := application.execute(ctx, strings.Fields(testCase.line))

			assert.Equal(t, testCase.wantQuit, quit)
			if testCase.wantError != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), testCase.wantError)
				return
			}
			require.NoError(t, err)
			if testCase.check != nil {
				testCase.check(t, application, store, out.String())
			}
		})
	}
}

func TestUseRejectsBlankCommunity(t *testing.T) {
	application, _, _ := newTestApp(t)
	require.NoError(t, application.use(context.Background(), []string{"global"}))

	err := application.use(context.Background(), []string{"   "})

	require.ErrorIs(t, err, mapsync.ErrInvalidCommunityID)
	assert.Equal(t, mapsync.GlobalScope(), application.session.Scope())
}

func TestInteractStopsAtQuit(t *testing.T) {
	application, store, out := newTestApp(t)
	input := strings.NewReader("use global\nbogus\ndrop 1 1\nquit\ndrop 2 2\n")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, application.interact(ctx, input))

	assert.Len(t, store.Markers(mapsync.GlobalScope()), 1)
	assert.Contains(t, out.String(), `error: unknown command "bogus"`)
}
