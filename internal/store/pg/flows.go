package pg

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mohammed-shakir/taz-flow-cache/internal/core/model"
)

// DirectLegIndex selects path legs without transfers.
const DirectLegIndex = "0"

// Geometry is reprojected to EPSG:4326 for output while area stays in the
// source projection's units.
const sqlOriginFlows = `
WITH trips AS (
    SELECT origzoneno, sum(odtrips)::float8 AS odtrips
    FROM existing_2019am_rr_to_dest_zone_fullpath
    WHERE destzoneno = ANY($1::int[])
      AND pathlegindex = $2
    GROUP BY origzoneno
)
SELECT
    s.tazt::text,
    ST_AsGeoJSON(ST_Transform(s.geom, 4326)),
    t.odtrips,
    ST_Area(s.geom)::float8,
    c.pct_non_english::float8,
    c.bucket_pct_non_english::text
FROM data.taz_2010 AS s
JOIN trips t ON s.tazt::int = t.origzoneno
LEFT JOIN ctpp.summary c ON s.tazt::text = c.taz_id::text
ORDER BY s.tazt`

// OriginFlows sums direct trips from every origin TAZ into dest and joins
// geometry and demographic attributes.
func (d *DB) OriginFlows(ctx context.Context, dest []int32) ([]model.OriginFlow, error) {
	var out []model.OriginFlow
	err := d.WithConn(ctx, "origin_flows", func(q Querier) error {
		rows, err := q.Query(ctx, sqlOriginFlows, dest, DirectLegIndex)
		if err != nil {
			return fmt.Errorf("query origin flows: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				f    model.OriginFlow
				geom *string
			)
			if err := rows.Scan(&f.TazID, &geom, &f.TotalTrips, &f.ShapeArea, &f.DemographicPercentage, &f.DemographicBucket); err != nil {
				return fmt.Errorf("scan origin flow: %w", err)
			}
			if geom != nil {
				f.Geometry = json.RawMessage(*geom)
			}
			out = append(out, f)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate origin flows: %w", err)
		}
		return nil
	})
	return out, err
}
