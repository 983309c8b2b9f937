package pg

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mohammed-shakir/taz-flow-cache/internal/cache/keys"
	"github.com/mohammed-shakir/taz-flow-cache/internal/core/model"
)

const (
	sqlZoneNames = `SELECT DISTINCT zone_name FROM zones ORDER BY zone_name`

	sqlZoneShapes = `SELECT zone_name, ST_AsGeoJSON(geom) AS geometry FROM zone_shapes ORDER BY zone_name`

	sqlZoneMembers = `SELECT tazt FROM zones WHERE zone_name = ANY($1)`

	sqlLockKey = `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`
)

// ZoneNames lists distinct registered zone names.
func (d *DB) ZoneNames(ctx context.Context) ([]string, error) {
	var names []string
	err := d.WithConn(ctx, "zone_names", func(q Querier) error {
		rows, err := q.Query(ctx, sqlZoneNames)
		if err != nil {
			return fmt.Errorf("query zone names: %w", err)
		}
		names, err = pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return fmt.Errorf("scan zone names: %w", err)
		}
		return nil
	})
	if names == nil {
		names = []string{}
	}
	return names, err
}

// ZoneShapes returns one record per zone with a GeoJSON geometry.
func (d *DB) ZoneShapes(ctx context.Context) ([]map[string]any, error) {
	var out []map[string]any
	err := d.WithConn(ctx, "zone_shapes", func(q Querier) error {
		rows, err := q.Query(ctx, sqlZoneShapes)
		if err != nil {
			return fmt.Errorf("query zone shapes: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var name string
			var geom *string
			if err := rows.Scan(&name, &geom); err != nil {
				return fmt.Errorf("scan zone shape: %w", err)
			}
			rec := map[string]any{"zone_name": name, "geometry": nil}
			if geom != nil {
				rec["geometry"] = json.RawMessage(*geom)
			}
			out = append(out, rec)
		}
		return rows.Err()
	})
	return out, err
}

// ZoneMembers returns the raw TAZ ids of every zone whose name normalizes
// to key. Duplicates are returned as stored.
func (d *DB) ZoneMembers(ctx context.Context, key model.CacheKey) ([]string, error) {
	var ids []string
	err := d.WithConn(ctx, "zone_members", func(q Querier) error {
		names, err := namesForKey(ctx, q, key)
		if err != nil {
			return err
		}
		if len(names) == 0 {
			return nil
		}
		rows, err := q.Query(ctx, sqlZoneMembers, names)
		if err != nil {
			return fmt.Errorf("query zone members: %w", err)
		}
		ids, err = pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return fmt.Errorf("scan zone members: %w", err)
		}
		return nil
	})
	return ids, err
}

// namesForKey lists the stored spellings whose key is key. Matching runs
// keys.Normalize in Go so SQL string functions never decide zone identity.
func namesForKey(ctx context.Context, q Querier, key model.CacheKey) ([]string, error) {
	rows, err := q.Query(ctx, sqlZoneNames)
	if err != nil {
		return nil, fmt.Errorf("query zone names: %w", err)
	}
	all, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan zone names: %w", err)
	}
	return MatchingNames(all, key), nil
}

// MatchingNames keeps the names that normalize to key, in input order.
func MatchingNames(names []string, key model.CacheKey) []string {
	var out []string
	for _, n := range names {
		if keys.Normalize(n) == key {
			out = append(out, n)
		}
	}
	return out
}

// AddZone appends one membership row per TAZ id. A name whose key is
// already owned by a different spelling is rejected with
// *model.KeyConflictError; re-registering the same spelling appends.
func (d *DB) AddZone(ctx context.Context, z model.NewZone) error {
	key := keys.Normalize(z.ZoneName)
	return d.WithTx(ctx, "add_zone", func(q Querier) error {
		if _, err := q.Exec(ctx, sqlLockKey, string(key)); err != nil {
			return fmt.Errorf("lock zone key: %w", err)
		}

		existing, err := namesForKey(ctx, q, key)
		if err != nil {
			return err
		}
		if err := CheckCanonical(key, existing, z.ZoneName); err != nil {
			return err
		}

		src := make([][]any, 0, len(z.TazIDs))
		for _, id := range z.TazIDs {
			src = append(src, []any{z.ZoneName, id})
		}
		if _, err := q.CopyFrom(ctx, pgx.Identifier{"zones"}, []string{"zone_name", "tazt"}, pgx.CopyFromRows(src)); err != nil {
			return fmt.Errorf("insert zone rows: %w", err)
		}
		return nil
	})
}

// CheckCanonical rejects requested when the key already belongs to a
// different spelling.
func CheckCanonical(key model.CacheKey, existing []string, requested string) error {
	for _, name := range existing {
		if name == requested {
			return nil
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return &model.KeyConflictError{Key: key, Requested: requested, Canonical: existing[0]}
}
