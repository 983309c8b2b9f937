// Package matstore persists materialized flow tables. The catalog row for a
// key is the only definition of Ready: it is written in the same
// transaction as the table, so readers never see a partial table.
//
// Publish is reject-on-duplicate: a second Publish for a key that is
// already Ready returns model.ErrAlreadyExists and leaves the first table
// untouched.
package matstore

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/mohammed-shakir/taz-flow-cache/internal/core/model"
)

// group-by columns callers may name, with accepted aliases
var groupColumns = map[string]string{
	model.ColDemographicBucket: model.ColDemographicBucket,
	"bucket_pct_non_english":   model.ColDemographicBucket,
	model.ColTazID:             model.ColTazID,
}

// summable metric columns, with accepted aliases
var metricColumns = map[string]string{
	model.ColTotalTrips:            model.ColTotalTrips,
	"odtrips":                      model.ColTotalTrips,
	model.ColTripDensity:           model.ColTripDensity,
	model.ColShapeArea:             model.ColShapeArea,
	model.ColDemographicPercentage: model.ColDemographicPercentage,
	"pct_non_english":              model.ColDemographicPercentage,
}

// ResolveColumns maps caller-supplied column names onto the allow-list.
// Anything not listed is a *model.ValidationError.
func ResolveColumns(group, metric string) (string, string, error) {
	g, ok := groupColumns[strings.ToLower(strings.TrimSpace(group))]
	if !ok {
		return "", "", model.Invalid("demo_type", "column %q is not groupable", group)
	}
	m, ok := metricColumns[strings.ToLower(strings.TrimSpace(metric))]
	if !ok {
		return "", "", model.Invalid("metric_column", "column %q is not a metric", metric)
	}
	return g, m, nil
}

// aggregateRows is the in-process equivalent of
// SELECT g, coalesce(sum(m), 0) ... GROUP BY g ORDER BY g COLLATE "C" NULLS LAST.
func aggregateRows(rows []model.FlowRow, group, metric string) ([]model.DemographicBucket, error) {
	type acc struct {
		key   *string
		total float64
	}
	byKey := map[string]*acc{}
	var null *acc

	for _, r := range rows {
		g, err := groupValue(r, group)
		if err != nil {
			return nil, err
		}
		v, err := metricValue(r, metric)
		if err != nil {
			return nil, err
		}
		var a *acc
		if g == nil {
			if null == nil {
				null = &acc{}
			}
			a = null
		} else {
			a = byKey[*g]
			if a == nil {
				a = &acc{key: g}
				byKey[*g] = a
			}
		}
		if v != nil {
			a.total += *v
		}
	}

	out := make([]model.DemographicBucket, 0, len(byKey)+1)
	for _, a := range byKey {
		out = append(out, model.DemographicBucket{Group: *a.key, Total: a.total})
	}
	slices.SortFunc(out, func(x, y model.DemographicBucket) int {
		return cmp.Compare(x.Group.(string), y.Group.(string))
	})
	if null != nil {
		out = append(out, model.DemographicBucket{Group: nil, Total: null.total})
	}
	return out, nil
}

func groupValue(r model.FlowRow, col string) (*string, error) {
	switch col {
	case model.ColDemographicBucket:
		return r.DemographicBucket, nil
	case model.ColTazID:
		s := r.TazID
		return &s, nil
	default:
		return nil, fmt.Errorf("unsupported group column %q", col)
	}
}

func metricValue(r model.FlowRow, col string) (*float64, error) {
	switch col {
	case model.ColTotalTrips:
		v := r.TotalTrips
		return &v, nil
	case model.ColShapeArea:
		v := r.ShapeArea
		return &v, nil
	case model.ColTripDensity:
		return r.TripDensity, nil
	case model.ColDemographicPercentage:
		return r.DemographicPercentage, nil
	default:
		return nil, fmt.Errorf("unsupported metric column %q", col)
	}
}

func cloneRows(in []model.FlowRow) []model.FlowRow {
	out := make([]model.FlowRow, len(in))
	for i, r := range in {
		r.Geometry = slices.Clone(r.Geometry)
		if r.TripDensity != nil {
			v := *r.TripDensity
			r.TripDensity = &v
		}
		if r.DemographicPercentage != nil {
			v := *r.DemographicPercentage
			r.DemographicPercentage = &v
		}
		if r.DemographicBucket != nil {
			v := *r.DemographicBucket
			r.DemographicBucket = &v
		}
		out[i] = r
	}
	return out
}
