// Package model defines core domain types shared across the service.
package model

import (
	"encoding/json"
	"time"
)

// CacheKey is the normalized, storage-safe identity of a zone.
type CacheKey string

func (k CacheKey) String() string { return string(k) }

// FlowRow is one origin TAZ of a materialized flow table.
type FlowRow struct {
	TazID                 string
	Geometry              json.RawMessage
	TotalTrips            float64
	ShapeArea             float64
	TripDensity           *float64
	DemographicPercentage *float64
	DemographicBucket     *string
}

// column names of a materialized flow table
const (
	ColTazID                 = "tazt"
	ColGeometry              = "geometry"
	ColTotalTrips            = "total_trips"
	ColShapeArea             = "shape_area"
	ColTripDensity           = "trip_density"
	ColDemographicPercentage = "demographic_percentage"
	ColDemographicBucket     = "demographic_bucket"
)

// Record flattens the row into column -> value; nil pointers become nil.
func (r FlowRow) Record() map[string]any {
	out := map[string]any{
		ColTazID:      r.TazID,
		ColGeometry:   r.Geometry,
		ColTotalTrips: r.TotalTrips,
		ColShapeArea:  r.ShapeArea,
	}
	out[ColTripDensity] = derefFloat(r.TripDensity)
	out[ColDemographicPercentage] = derefFloat(r.DemographicPercentage)
	if r.DemographicBucket != nil {
		out[ColDemographicBucket] = *r.DemographicBucket
	} else {
		out[ColDemographicBucket] = nil
	}
	return out
}

func derefFloat(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

// Entry describes a Ready materialization in the catalog.
type Entry struct {
	Key       CacheKey
	ZoneName  string
	Table     string
	RowCount  int
	CreatedAt time.Time
}

// DemographicBucket is one group of a demographic aggregation.
type DemographicBucket struct {
	Group any     `json:"group"`
	Total float64 `json:"total"`
}

// NewZone is the registration payload.
type NewZone struct {
	ZoneName string   `json:"zone_name"`
	TazIDs   []string `json:"tazt"`
}

// OriginFlow is the per-origin aggregate read from the relational store
// before derived columns are computed.
type OriginFlow struct {
	TazID                 string
	Geometry              json.RawMessage
	TotalTrips            float64
	ShapeArea             float64
	DemographicPercentage *float64
	DemographicBucket     *string
}
