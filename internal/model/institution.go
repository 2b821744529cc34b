// Package model defines the institution records flowing through a
// synchronization pass and the rows they are persisted as.
package model

import (
	"encoding/json"
	"time"
)

// Coordinates is a WGS84 point.
type Coordinates struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
}

// Record is one institution as delivered in a batch. A nil Coordinates means
// the location is unknown and is stored as NULL.
type Record struct {
	Code             string       `json:"code"`
	Name             string       `json:"name"`
	ServiceType      string       `json:"type"`
	Capacity         int          `json:"capacity"`
	CurrentHeadcount int          `json:"current"`
	Address          string       `json:"address"`
	OperatingHours   string       `json:"hours"`
	Coordinates      *Coordinates `json:"-"`
}

// recordWire is the flat JSON shape with nullable lat/lng.
type recordWire struct {
	Code             string   `json:"code"`
	Name             string   `json:"name"`
	ServiceType      string   `json:"type"`
	Capacity         int      `json:"capacity"`
	CurrentHeadcount int      `json:"current"`
	Address          string   `json:"address"`
	OperatingHours   string   `json:"hours"`
	Lat              *float64 `json:"lat"`
	Lng              *float64 `json:"lng"`
}

// MarshalJSON writes lat/lng as top-level nullable fields.
func (r Record) MarshalJSON() ([]byte, error) {
	w := recordWire{
		Code:             r.Code,
		Name:             r.Name,
		ServiceType:      r.ServiceType,
		Capacity:         r.Capacity,
		CurrentHeadcount: r.CurrentHeadcount,
		Address:          r.Address,
		OperatingHours:   r.OperatingHours,
	}
	if r.Coordinates != nil {
		w.Lat = &r.Coordinates.Latitude
		w.Lng = &r.Coordinates.Longitude
	}
	return json.Marshal(w)
}

// UnmarshalJSON reads the flat wire shape. Coordinates are set only when both
// lat and lng are present.
func (r *Record) UnmarshalJSON(data []byte) error {
	var w recordWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*r = Record{
		Code:             w.Code,
		Name:             w.Name,
		ServiceType:      w.ServiceType,
		Capacity:         w.Capacity,
		CurrentHeadcount: w.CurrentHeadcount,
		Address:          w.Address,
		OperatingHours:   w.OperatingHours,
	}
	if w.Lat != nil && w.Lng != nil {
		r.Coordinates = &Coordinates{Latitude: *w.Lat, Longitude: *w.Lng}
	}
	return nil
}

// Tracked holds the fields whose divergence produces a history entry.
// Pointers are nil where the stored column is NULL.
type Tracked struct {
	Name             string  `json:"name"`
	Address          *string `json:"address"`
	Capacity         *int    `json:"capacity"`
	CurrentHeadcount *int    `json:"current_headcount"`
}

// Tracked returns the record's tracked fields.
func (r Record) Tracked() Tracked {
	addr, capacity, current := r.Address, r.Capacity, r.CurrentHeadcount
	return Tracked{
		Name:             r.Name,
		Address:          &addr,
		Capacity:         &capacity,
		CurrentHeadcount: &current,
	}
}

// Differs reports whether any tracked field of t and o disagrees. Operating
// hours, service type and coordinates are not tracked.
func (t Tracked) Differs(o Tracked) bool {
	return t.Name != o.Name ||
		!equalPtr(t.Address, o.Address) ||
		!equalPtr(t.Capacity, o.Capacity) ||
		!equalPtr(t.CurrentHeadcount, o.CurrentHeadcount)
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// Institution is the persisted current state of one institution.
type Institution struct {
	ID               int64        `json:"id"`
	Code             string       `json:"institution_code"`
	Name             string       `json:"name"`
	ServiceType      string       `json:"service_type"`
	Capacity         *int         `json:"capacity"`
	CurrentHeadcount *int         `json:"current_headcount"`
	Address          string       `json:"address"`
	OperatingHours   string       `json:"operating_hours"`
	Coordinates      *Coordinates `json:"coordinates"`
	LastUpdatedAt    time.Time    `json:"last_updated_at"`
}

// History is an immutable snapshot of an institution's tracked fields taken
// just before they were overwritten.
type History struct {
	ID            int64     `json:"id"`
	InstitutionID int64     `json:"institution_id"`
	RecordedDate  time.Time `json:"recorded_date"`
	Prior         Tracked   `json:"prior"`
}
