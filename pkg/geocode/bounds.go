package geocode

import (
	"github.com/twpayne/go-geom"

	"github.com/caremap/caremap-sync/internal/model"
)

// Bounds is a longitude/latitude box that resolved points must fall in.
// The zero value accepts every point.
type Bounds struct {
	box *geom.Bounds
}

// NewBounds builds Bounds from min/max longitude and latitude.
func NewBounds(minLng, minLat, maxLng, maxLat float64) Bounds {
	return Bounds{box: geom.NewBounds(geom.XY).Set(minLng, minLat, maxLng, maxLat)}
}

// KoreaBounds covers the Korean peninsula and Jeju.
func KoreaBounds() Bounds {
	return NewBounds(124, 33, 132, 39)
}

// Contains reports whether c lies within or on the border of b.
func (b Bounds) Contains(c model.Coordinates) bool {
	if b.box == nil {
		return true
	}
	return b.box.OverlapsPoint(geom.XY, geom.Coord{c.Longitude, c.Latitude})
}
