// Package viewport computes where the map should look for a set of markers.
package viewport

import (
	"github.com/MarcoPoloResearchLab/dotmap/internal/mapsync"
	"github.com/paulmach/orb"
)

const (
	// DefaultZoom is used when there is nothing to show.
	DefaultZoom = 4
	// SingleMarkerZoom is used when centering on exactly one marker.
	SingleMarkerZoom = 15
)

// DefaultCenter is the resting center of an empty map.
var DefaultCenter = mapsync.Position{Lat: 39, Lng: -95}

// Viewport is either a center/zoom pair or a region the surface should fit.
type Viewport struct {
	Center    mapsync.Position
	Zoom      int
	FitBounds bool
	Bounds    orb.Bound
}

// Surface is the imperative side of a map widget.
type Surface interface {
	SetCenter(center mapsync.Position, zoom int)
	FitBounds(bounds orb.Bound)
}

// Fit returns the viewport for markers: the default view for none, a close-up for one,
// and the smallest bounding region otherwise. Points are stored as [lng, lat].
func Fit(markers []mapsync.Marker) Viewport {
	switch len(markers) {
	case 0:
		return Viewport{Center: DefaultCenter, Zoom: DefaultZoom}
	case 1:
		return Viewport{Center: markers[0].Position, Zoom: SingleMarkerZoom}
	}

	points := make(orb.MultiPoint, 0, len(markers))
	for _, marker := range markers {
		points = append(points, orb.Point{marker.Position.Lng, marker.Position.Lat})
	}
	bounds := points.Bound()
	center := bounds.Center()
	return Viewport{
		Center:    mapsync.Position{Lat: center.Lat(), Lng: center.Lon()},
		FitBounds: true,
		Bounds:    bounds,
	}
}

// Apply drives surface to show viewport.
func Apply(surface Surface, viewport Viewport) {
	if viewport.FitBounds {
		surface.FitBounds(viewport.Bounds)
		return
	}
	surface.SetCenter(viewport.Center, viewport.Zoom)
}
