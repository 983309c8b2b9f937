package matstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mohammed-shakir/taz-flow-cache/internal/cache/keys"
	"github.com/mohammed-shakir/taz-flow-cache/internal/core/model"
	"github.com/mohammed-shakir/taz-flow-cache/internal/store/pg"
)

const catalogTable = "materializations"

// Postgres keeps one table per key in schema plus a catalog table that
// maps cache_key -> table. Existence is a primary-key lookup on the
// catalog, never a scan of pg_tables.
type Postgres struct {
	db     *pg.DB
	schema string
}

func NewPostgres(db *pg.DB, schema string) *Postgres {
	if schema == "" {
		schema = "computed"
	}
	return &Postgres{db: db, schema: schema}
}

func (p *Postgres) catalog() string {
	return pgx.Identifier{p.schema, catalogTable}.Sanitize()
}

func (p *Postgres) table(name string) string {
	return pgx.Identifier{p.schema, name}.Sanitize()
}

// Ensure creates the schema and catalog if they are missing.
func (p *Postgres) Ensure(ctx context.Context) error {
	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + pgx.Identifier{p.schema}.Sanitize(),
		`CREATE TABLE IF NOT EXISTS ` + p.catalog() + ` (
			cache_key  text PRIMARY KEY,
			zone_name  text NOT NULL,
			table_name text NOT NULL UNIQUE,
			row_count  integer NOT NULL,
			created_at timestamptz NOT NULL DEFAULT now()
		)`,
	}
	return p.db.WithConn(ctx, "ensure_schema", func(q pg.Querier) error {
		for _, s := range stmts {
			if _, err := q.Exec(ctx, s); err != nil {
				return fmt.Errorf("ensure materialization schema: %w", err)
			}
		}
		return nil
	})
}

func (p *Postgres) lookup(ctx context.Context, q pg.Querier, key model.CacheKey) (model.Entry, bool, error) {
	e := model.Entry{Key: key}
	err := q.QueryRow(ctx,
		`SELECT zone_name, table_name, row_count, created_at FROM `+p.catalog()+` WHERE cache_key = $1`,
		string(key),
	).Scan(&e.ZoneName, &e.Table, &e.RowCount, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Entry{}, false, nil
	}
	if err != nil {
		return model.Entry{}, false, fmt.Errorf("catalog lookup: %w", err)
	}
	return e, true, nil
}

func (p *Postgres) Lookup(ctx context.Context, key model.CacheKey) (model.Entry, bool, error) {
	var (
		e  model.Entry
		ok bool
	)
	err := p.db.WithConn(ctx, "mat_lookup", func(q pg.Querier) error {
		var err error
		e, ok, err = p.lookup(ctx, q, key)
		return err
	})
	if err != nil {
		return model.Entry{}, false, &model.StorageError{Op: "lookup", Key: key, Err: err}
	}
	return e, ok, nil
}

// Publish creates the table, fills it and writes the catalog row in one
// transaction.
func (p *Postgres) Publish(ctx context.Context, key model.CacheKey, zoneName string, rows []model.FlowRow) error {
	name := keys.TableName(key)
	tbl := p.table(name)

	err := p.db.WithTx(ctx, "mat_publish", func(q pg.Querier) error {
		if _, err := q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 1))`, string(key)); err != nil {
			return fmt.Errorf("lock key: %w", err)
		}
		if _, ok, err := p.lookup(ctx, q, key); err != nil {
			return err
		} else if ok {
			return model.ErrAlreadyExists
		}

		// a table without a catalog row was never Ready
		if _, err := q.Exec(ctx, `DROP TABLE IF EXISTS `+tbl); err != nil {
			return fmt.Errorf("drop orphan table: %w", err)
		}
		if _, err := q.Exec(ctx, `CREATE TABLE `+tbl+` (
			ord                    integer NOT NULL,
			tazt                   text NOT NULL,
			geometry               geometry(Geometry, 4326),
			total_trips            float8 NOT NULL,
			shape_area             float8 NOT NULL,
			trip_density           float8,
			demographic_percentage float8,
			demographic_bucket     text
		)`); err != nil {
			return fmt.Errorf("create table: %w", err)
		}

		if len(rows) > 0 {
			ins := `INSERT INTO ` + tbl + ` (ord, tazt, geometry, total_trips, shape_area, trip_density, demographic_percentage, demographic_bucket)
				VALUES ($1, $2, ST_SetSRID(ST_GeomFromGeoJSON($3), 4326), $4, $5, $6, $7, $8)`
			b := &pgx.Batch{}
			for i, r := range rows {
				b.Queue(ins, i, r.TazID, geomArg(r.Geometry), r.TotalTrips, r.ShapeArea,
					r.TripDensity, r.DemographicPercentage, r.DemographicBucket)
			}
			if err := q.SendBatch(ctx, b).Close(); err != nil {
				return fmt.Errorf("insert rows: %w", err)
			}
		}

		tag, err := q.Exec(ctx,
			`INSERT INTO `+p.catalog()+` (cache_key, zone_name, table_name, row_count) VALUES ($1, $2, $3, $4)
			ON CONFLICT (cache_key) DO NOTHING`,
			string(key), zoneName, name, len(rows),
		)
		if err != nil {
			return fmt.Errorf("catalog insert: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return model.ErrAlreadyExists
		}
		return nil
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, model.ErrAlreadyExists):
		return model.ErrAlreadyExists
	default:
		return &model.StorageError{Op: "publish", Key: key, Err: err}
	}
}

func geomArg(g json.RawMessage) any {
	if len(g) == 0 || string(g) == "null" {
		return nil
	}
	return string(g)
}

func (p *Postgres) Read(ctx context.Context, key model.CacheKey) ([]model.FlowRow, error) {
	var out []model.FlowRow
	err := p.db.WithConn(ctx, "mat_read", func(q pg.Querier) error {
		e, ok, err := p.lookup(ctx, q, key)
		if err != nil {
			return err
		}
		if !ok {
			return model.ErrNotFound
		}
		rows, err := q.Query(ctx, `SELECT tazt, ST_AsGeoJSON(geometry), total_trips, shape_area,
			trip_density, demographic_percentage, demographic_bucket
			FROM `+p.table(e.Table)+` ORDER BY ord`)
		if err != nil {
			return fmt.Errorf("read table: %w", err)
		}
		defer rows.Close()
		out = make([]model.FlowRow, 0, e.RowCount)
		for rows.Next() {
			var (
				r    model.FlowRow
				geom *string
			)
			if err := rows.Scan(&r.TazID, &geom, &r.TotalTrips, &r.ShapeArea,
				&r.TripDensity, &r.DemographicPercentage, &r.DemographicBucket); err != nil {
				return fmt.Errorf("scan row: %w", err)
			}
			if geom != nil {
				r.Geometry = json.RawMessage(*geom)
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	switch {
	case err == nil:
		return out, nil
	case errors.Is(err, model.ErrNotFound):
		return nil, model.ErrNotFound
	default:
		return nil, &model.StorageError{Op: "read", Key: key, Err: err}
	}
}

// aggregateSQL orders groups by byte value (COLLATE "C") with NULL last,
// the same order aggregateRows produces in process.
func aggregateSQL(group, metric, table string) string {
	return fmt.Sprintf(
		`SELECT %s, coalesce(sum(%s), 0)::float8 FROM %s GROUP BY %s ORDER BY %s COLLATE "C" NULLS LAST`,
		group, metric, table, group, group)
}

// Aggregate groups a Ready table by an allow-listed column and sums an
// allow-listed metric. Identifiers come only from the allow-list.
func (p *Postgres) Aggregate(ctx context.Context, key model.CacheKey, group, metric string) ([]model.DemographicBucket, error) {
	g, m, err := ResolveColumns(group, metric)
	if err != nil {
		return nil, err
	}
	gi := pgx.Identifier{g}.Sanitize()
	mi := pgx.Identifier{m}.Sanitize()

	var out []model.DemographicBucket
	err = p.db.WithConn(ctx, "mat_aggregate", func(q pg.Querier) error {
		e, ok, err := p.lookup(ctx, q, key)
		if err != nil {
			return err
		}
		if !ok {
			return model.ErrNotFound
		}
		rows, err := q.Query(ctx, aggregateSQL(gi, mi, p.table(e.Table)))
		if err != nil {
			return fmt.Errorf("aggregate: %w", err)
		}
		defer rows.Close()
		out = []model.DemographicBucket{}
		for rows.Next() {
			var (
				grp *string
				b   model.DemographicBucket
			)
			if err := rows.Scan(&grp, &b.Total); err != nil {
				return fmt.Errorf("scan bucket: %w", err)
			}
			if grp != nil {
				b.Group = *grp
			}
			out = append(out, b)
		}
		return rows.Err()
	})
	switch {
	case err == nil:
		return out, nil
	case errors.Is(err, model.ErrNotFound):
		return nil, model.ErrNotFound
	default:
		return nil, &model.StorageError{Op: "aggregate", Key: key, Err: err}
	}
}
