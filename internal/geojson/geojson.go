// Package geojson renders flat records as a GeoJSON FeatureCollection.
package geojson

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

const ContentType = "application/geo+json"

var ErrInvalidGeometry = errors.New("invalid geometry")

// Record is one row: column name -> value.
type Record = map[string]any

type Feature struct {
	Type       string          `json:"type"`
	Geometry   json.RawMessage `json:"geometry"`
	Properties map[string]any  `json:"properties"`
}

type FeatureCollection struct {
	Type     string    `json:"type"`
	Features []Feature `json:"features"`
}

// FromRecords turns each record into one Feature, in input order. The value
// under geometryField becomes the geometry and every other field is a
// property. Non-finite floats are emitted as null.
func FromRecords(records []Record, geometryField string) (FeatureCollection, error) {
	fc := FeatureCollection{Type: "FeatureCollection", Features: make([]Feature, 0, len(records))}
	for i, rec := range records {
		geom, err := geometry(rec[geometryField])
		if err != nil {
			return FeatureCollection{}, fmt.Errorf("record %d: %w", i, err)
		}
		props := make(map[string]any, len(rec))
		for k, v := range rec {
			if k == geometryField {
				continue
			}
			props[k] = finite(v)
		}
		fc.Features = append(fc.Features, Feature{Type: "Feature", Geometry: geom, Properties: props})
	}
	return fc, nil
}

func Marshal(fc FeatureCollection) ([]byte, error) {
	b, err := json.Marshal(fc)
	if err != nil {
		return nil, fmt.Errorf("marshal feature collection: %w", err)
	}
	return b, nil
}

// geometry accepts GeoJSON as raw bytes, a string or a decoded object.
// Missing geometry is null.
func geometry(v any) (json.RawMessage, error) {
	var raw []byte
	switch g := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		raw = g
	case []byte:
		raw = g
	case string:
		raw = []byte(g)
	case map[string]any:
		b, err := json.Marshal(g)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidGeometry, err)
		}
		raw = b
	default:
		return nil, fmt.Errorf("%w: unsupported type %T", ErrInvalidGeometry, v)
	}

	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	var head struct {
		Type string `json:"type"`
	}
	if raw[0] != '{' || json.Unmarshal(raw, &head) != nil || head.Type == "" {
		return nil, ErrInvalidGeometry
	}
	return json.RawMessage(raw), nil
}

func finite(v any) any {
	switch f := v.(type) {
	case float64:
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
	case float32:
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return nil
		}
	case *float64:
		if f == nil {
			return nil
		}
		return finite(*f)
	}
	return v
}
