package geojson

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/mohammed-shakir/taz-flow-cache/internal/core/model"
)

func TestFromRecords_OneFeaturePerRecordInOrder(t *testing.T) {
	recs := []Record{
		{"tazt": "101", "geometry": json.RawMessage(`{"type":"Point","coordinates":[1,2]}`), "total_trips": 5.0},
		{"tazt": "102", "geometry": `{"type":"Point","coordinates":[3,4]}`, "total_trips": 7.0},
		{"tazt": "103", "geometry": map[string]any{"type": "Point", "coordinates": []any{5.0, 6.0}}, "total_trips": 0.0},
	}
	fc, err := FromRecords(recs, "geometry")
	if err != nil {
		t.Fatal(err)
	}
	if fc.Type != "FeatureCollection" || len(fc.Features) != 3 {
		t.Fatalf("fc=%+v", fc)
	}
	for i, want := range []string{"101", "102", "103"} {
		f := fc.Features[i]
		if f.Type != "Feature" || f.Properties["tazt"] != want {
			t.Fatalf("feature %d=%+v", i, f)
		}
		if _, ok := f.Properties["geometry"]; ok {
			t.Fatalf("geometry leaked into properties")
		}
		if !strings.Contains(string(f.Geometry), `"Point"`) {
			t.Fatalf("feature %d geometry=%s", i, f.Geometry)
		}
	}
}

func TestFromRecords_EmptyIsEmptyArray(t *testing.T) {
	fc, err := FromRecords(nil, "geometry")
	if err != nil {
		t.Fatal(err)
	}
	b, err := Marshal(fc)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"type":"FeatureCollection","features":[]}` {
		t.Fatalf("got %s", b)
	}
}

func TestFromRecords_NonFiniteBecomesNull(t *testing.T) {
	fc, err := FromRecords([]Record{{
		"geometry": nil,
		"a":        math.NaN(),
		"b":        math.Inf(1),
		"c":        1.5,
	}}, "geometry")
	if err != nil {
		t.Fatal(err)
	}
	b, err := Marshal(fc)
	if err != nil {
		t.Fatalf("marshal must not fail on non-finite input: %v", err)
	}
	s := string(b)
	for _, want := range []string{`"a":null`, `"b":null`, `"c":1.5`, `"geometry":null`} {
		if !strings.Contains(s, want) {
			t.Fatalf("missing %s in %s", want, s)
		}
	}
}

func TestFromRecords_InvalidGeometry(t *testing.T) {
	for _, g := range []any{`not json`, `[1,2]`, `{"coordinates":[1,2]}`, 42} {
		_, err := FromRecords([]Record{{"geometry": g}}, "geometry")
		if !errors.Is(err, ErrInvalidGeometry) {
			t.Errorf("geometry %v err=%v want ErrInvalidGeometry", g, err)
		}
	}
}

func TestFromRecords_FlowRowZeroAreaHasNullDensity(t *testing.T) {
	d := 2.5
	rows := []model.FlowRow{
		{TazID: "101", Geometry: json.RawMessage(`{"type":"Point","coordinates":[0,0]}`), TotalTrips: 5, ShapeArea: 2, TripDensity: &d},
		{TazID: "102", TotalTrips: 3, ShapeArea: 0},
	}
	recs := make([]Record, len(rows))
	for i, r := range rows {
		recs[i] = r.Record()
	}
	fc, err := FromRecords(recs, model.ColGeometry)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := Marshal(fc)

	var decoded struct {
		Features []struct {
			Properties map[string]any `json:"properties"`
		} `json:"features"`
	}
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	p0, p1 := decoded.Features[0].Properties, decoded.Features[1].Properties
	if p0["trip_density"] != 2.5 || p0["tazt"] != "101" {
		t.Fatalf("p0=%v", p0)
	}
	if v, ok := p1["trip_density"]; !ok || v != nil {
		t.Fatalf("zero-area density must be null, got %v", p1)
	}
}
