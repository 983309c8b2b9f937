// Package flows turns a zone's TAZ membership into materializable flow rows.
package flows

import (
	"context"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/mohammed-shakir/taz-flow-cache/internal/cache/keys"
	"github.com/mohammed-shakir/taz-flow-cache/internal/core/model"
	mylog "github.com/mohammed-shakir/taz-flow-cache/internal/logger"
)

// Source is the slice of the relational store a computation reads.
type Source interface {
	ZoneMembers(ctx context.Context, key model.CacheKey) ([]string, error)
	OriginFlows(ctx context.Context, dest []int32) ([]model.OriginFlow, error)
}

// computation stages, reported in UpstreamQueryError
const (
	StageMembership = "membership"
	StageAggregate  = "aggregate"
)

type Computer struct {
	src Source
	log *slog.Logger
}

func NewComputer(src Source, log *slog.Logger) *Computer {
	if log == nil {
		log = slog.Default()
	}
	return &Computer{src: src, log: log}
}

// Compute resolves the zone's members, sums direct trips from each origin
// into them, and derives density. A zone with no members yields an empty,
// non-nil result.
func (c *Computer) Compute(ctx context.Context, zoneName string) ([]model.FlowRow, error) {
	key := keys.Normalize(zoneName)
	ctx = mylog.WithZoneKey(ctx, string(key))

	raw, err := c.src.ZoneMembers(ctx, key)
	if err != nil {
		return nil, &model.UpstreamQueryError{Key: key, Stage: StageMembership, Err: err}
	}

	dest, skipped := DedupeTAZ(raw)
	if len(skipped) > 0 {
		c.log.WarnContext(ctx, "skipping non-integer taz ids", "ids", skipped)
	}
	if len(dest) == 0 {
		c.log.InfoContext(ctx, "zone has no members", "zone", zoneName)
		return []model.FlowRow{}, nil
	}

	flows, err := c.src.OriginFlows(ctx, dest)
	if err != nil {
		return nil, &model.UpstreamQueryError{Key: key, Stage: StageAggregate, Err: err}
	}

	rows := make([]model.FlowRow, 0, len(flows))
	for _, f := range flows {
		rows = append(rows, Derive(f))
	}
	c.log.DebugContext(ctx, "zone computed", "members", len(dest), "rows", len(rows))
	return rows, nil
}

// DedupeTAZ parses membership ids to integers, dropping duplicates while
// keeping first-seen order. Duplicate membership rows never inflate trip
// sums. Ids that are not integers are returned in skipped.
func DedupeTAZ(ids []string) (dest []int32, skipped []string) {
	seen := make(map[int32]struct{}, len(ids))
	for _, raw := range ids {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 32)
		if err != nil {
			skipped = append(skipped, raw)
			continue
		}
		v := int32(n)
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		dest = append(dest, v)
	}
	return dest, skipped
}

// Derive computes trip_density = total_trips / shape_area. Zero, negative
// or non-finite areas give a nil density instead of Inf/NaN.
func Derive(f model.OriginFlow) model.FlowRow {
	r := model.FlowRow{
		TazID:                 f.TazID,
		Geometry:              f.Geometry,
		TotalTrips:            f.TotalTrips,
		ShapeArea:             f.ShapeArea,
		DemographicPercentage: f.DemographicPercentage,
		DemographicBucket:     f.DemographicBucket,
	}
	if f.ShapeArea > 0 && !math.IsInf(f.ShapeArea, 0) {
		d := f.TotalTrips / f.ShapeArea
		if !math.IsNaN(d) && !math.IsInf(d, 0) {
			r.TripDensity = &d
		}
	}
	return r
}
