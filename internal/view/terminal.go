// Package view renders the marker map as text for the command line client.
package view

import (
	"fmt"
	"io"
	"sync"
	"text/tabwriter"

	"github.com/MarcoPoloResearchLab/dotmap/internal/mapsync"
	"github.com/MarcoPoloResearchLab/dotmap/internal/viewport"
	"github.com/paulmach/orb"
)

// Terminal is a viewport.Surface that prints what a map widget would show.
type Terminal struct {
	mu       sync.Mutex
	out      io.Writer
	center   mapsync.Position
	zoom     int
	bounds   orb.Bound
	fitted   bool
	hasFocus bool
}

var _ viewport.Surface = (*Terminal)(nil)

// NewTerminal writes to out.
func NewTerminal(out io.Writer) *Terminal {
	return &Terminal{out: out}
}

// SetCenter records a center and zoom.
func (t *Terminal) SetCenter(center mapsync.Position, zoom int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.center = center
	t.zoom = zoom
	t.fitted = false
	t.hasFocus = true
}

// FitBounds records a region to fit.
func (t *Terminal) FitBounds(bounds orb.Bound) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bounds = bounds
	t.fitted = true
	t.hasFocus = true
}

// Describe returns the current camera as one line.
func (t *Terminal) Describe() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case !t.hasFocus:
		return "view: unset"
	case t.fitted:
		return fmt.Sprintf("view: fit lat %.5f..%.5f lng %.5f..%.5f",
			t.bounds.Min.Lat(), t.bounds.Max.Lat(), t.bounds.Min.Lon(), t.bounds.Max.Lon())
	default:
		return fmt.Sprintf("view: center %.5f,%.5f zoom %d", t.center.Lat, t.center.Lng, t.zoom)
	}
}

// Render prints the snapshot, marking my dot.
func (t *Terminal) Render(snapshot mapsync.Snapshot, myDotID string) error {
	t.mu.Lock()
	out := t.out
	t.mu.Unlock()

	if _, err := fmt.Fprintf(out, "scope: %s  markers: %d  %s\n", snapshot.Scope, len(snapshot.Markers), t.Describe()); err != nil {
		return err
	}
	if snapshot.Err != nil {
		if _, err := fmt.Fprintf(out, "live updates stopped: %v\n", snapshot.Err); err != nil {
			return err
		}
	}
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, marker := range snapshot.Markers {
		mine := ""
		if myDotID != "" && marker.ID == myDotID {
			mine = "(me)"
		}
		if _, err := fmt.Fprintf(writer, "  %s\t%.6f\t%.6f\t%s\n", marker.ID, marker.Position.Lat, marker.Position.Lng, mine); err != nil {
			return err
		}
	}
	return writer.Flush()
}

// RenderCommunities prints the community list.
func RenderCommunities(out io.Writer, communities []mapsync.Community) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, community := range communities {
		if _, err := fmt.Fprintf(writer, "%s\t%s\n", community.ID, community.Name); err != nil {
			return err
		}
	}
	return writer.Flush()
}
