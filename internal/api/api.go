// Package api serves the zone and flow endpoints.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/taz-flow-cache/internal/cache/keys"
	"github.com/mohammed-shakir/taz-flow-cache/internal/cache/rendered"
	"github.com/mohammed-shakir/taz-flow-cache/internal/core/model"
	"github.com/mohammed-shakir/taz-flow-cache/internal/core/observability"
	"github.com/mohammed-shakir/taz-flow-cache/internal/geojson"
	mylog "github.com/mohammed-shakir/taz-flow-cache/internal/logger"
)

const maxBodyBytes = 1 << 20

// default columns for /demographic-flows
const (
	DefaultDemoType     = model.ColDemographicBucket
	DefaultMetricColumn = model.ColTotalTrips
)

// Flows is satisfied by flowcache.Cache.
type Flows interface {
	Get(ctx context.Context, zoneName string) ([]model.FlowRow, error)
	Trigger(zoneName string) error
}

// Registry is the zone side of the relational store.
type Registry interface {
	ZoneNames(ctx context.Context) ([]string, error)
	ZoneShapes(ctx context.Context) ([]map[string]any, error)
	AddZone(ctx context.Context, z model.NewZone) error
}

// Aggregator groups Ready tables; it never triggers computation.
type Aggregator interface {
	Aggregate(ctx context.Context, key model.CacheKey, group, metric string) ([]model.DemographicBucket, error)
}

type Deps struct {
	Logger     *slog.Logger
	Flows      Flows
	Registry   Registry
	Aggregator Aggregator
	Rendered   rendered.Store
	// RegisterLimit wraps POST /new-taz-group when set.
	RegisterLimit func(http.Handler) http.Handler
}

type Handler struct {
	log      *slog.Logger
	flows    Flows
	reg      Registry
	agg      Aggregator
	rendered rendered.Store
	limit    func(http.Handler) http.Handler
}

func New(d Deps) *Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Rendered == nil {
		d.Rendered = rendered.Nop{}
	}
	return &Handler{
		log:      d.Logger,
		flows:    d.Flows,
		reg:      d.Registry,
		agg:      d.Aggregator,
		rendered: d.Rendered,
		limit:    d.RegisterLimit,
	}
}

// Routes registers every endpoint, with and without a trailing slash.
func (h *Handler) Routes(r chi.Router) {
	get := func(path string, fn http.HandlerFunc) {
		hf := instrument(path, fn)
		r.Get(path, hf)
		r.Get(path+"/", hf)
	}
	get("/zone-names", h.ZoneNames)
	get("/zone-geoms", h.ZoneGeoms)
	get("/flows", h.Flows)
	get("/demographic-flows", h.DemographicFlows)

	var post http.Handler = instrument("/new-taz-group", h.NewTAZGroup)
	if h.limit != nil {
		post = h.limit(post)
	}
	r.Method(http.MethodPost, "/new-taz-group", post)
	r.Method(http.MethodPost, "/new-taz-group/", post)
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func instrument(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		fn(sw, r)
		observability.ObserveHTTP(r.Method, route, sw.code, time.Since(start).Seconds())
	}
}

func (h *Handler) ZoneNames(w http.ResponseWriter, r *http.Request) {
	names, err := h.reg.ZoneNames(r.Context())
	if err != nil {
		h.fail(w, r, &model.UpstreamQueryError{Stage: "zone_names", Err: err})
		return
	}
	writeJSON(w, http.StatusOK, names)
}

func (h *Handler) ZoneGeoms(w http.ResponseWriter, r *http.Request) {
	recs, err := h.reg.ZoneShapes(r.Context())
	if err != nil {
		h.fail(w, r, &model.UpstreamQueryError{Stage: "zone_shapes", Err: err})
		return
	}
	fc, err := geojson.FromRecords(recs, model.ColGeometry)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeFeatures(w, r, fc)
}

// Flows serves the origin flows into dest_name, computing them on first
// request. Concurrent first requests share one computation.
func (h *Handler) Flows(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := r.URL.Query().Get("dest_name")
	key := keys.Normalize(name)
	if key == "" {
		h.fail(w, r, model.Invalid("dest_name", "required"))
		return
	}
	table := keys.TableName(key)

	if body, ok := h.rendered.Get(ctx, table); ok {
		writeGeoJSON(w, body)
		return
	}

	rows, err := h.flows.Get(ctx, name)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	recs := make([]geojson.Record, len(rows))
	for i, row := range rows {
		recs[i] = row.Record()
	}
	fc, err := geojson.FromRecords(recs, model.ColGeometry)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	body, err := geojson.Marshal(fc)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.rendered.Put(context.WithoutCancel(ctx), table, body)
	writeGeoJSON(w, body)
}

// DemographicFlows groups a Ready flow table by demo_type and sums
// metric_column. It returns 404 rather than starting a computation.
func (h *Handler) DemographicFlows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key := keys.Normalize(q.Get("dest_name"))
	if key == "" {
		h.fail(w, r, model.Invalid("dest_name", "required"))
		return
	}
	group := q.Get("demo_type")
	if strings.TrimSpace(group) == "" {
		group = DefaultDemoType
	}
	metric := q.Get("metric_column")
	if strings.TrimSpace(metric) == "" {
		metric = DefaultMetricColumn
	}

	buckets, err := h.agg.Aggregate(r.Context(), key, group, metric)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, buckets)
}

type newZoneResponse struct {
	Data model.NewZone `json:"data"`
}

// newZoneRequest accepts TAZ ids as JSON strings or numbers.
type newZoneRequest struct {
	ZoneName string            `json:"zone_name"`
	TazIDs   []json.RawMessage `json:"tazt"`
}

func (req newZoneRequest) zone() (model.NewZone, error) {
	z := model.NewZone{ZoneName: req.ZoneName, TazIDs: make([]string, 0, len(req.TazIDs))}
	for i, raw := range req.TazIDs {
		var id string
		raw = bytes.TrimSpace(raw)
		if len(raw) > 0 && raw[0] == '"' {
			if err := json.Unmarshal(raw, &id); err != nil {
				return model.NewZone{}, model.Invalid("tazt", "element %d: %v", i, err)
			}
		} else {
			id = string(raw)
		}
		z.TazIDs = append(z.TazIDs, id)
	}
	return z, nil
}

// NewTAZGroup appends membership rows for a zone and starts its flow
// computation without waiting for it.
func (h *Handler) NewTAZGroup(w http.ResponseWriter, r *http.Request) {
	var req newZoneRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			h.fail(w, r, model.Invalid("body", "larger than %d bytes", mbe.Limit))
			return
		}
		h.fail(w, r, model.Invalid("body", "malformed JSON: %v", err))
		return
	}
	z, err := req.zone()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := ValidateNewZone(&z); err != nil {
		h.fail(w, r, err)
		return
	}

	if err := h.reg.AddZone(r.Context(), z); err != nil {
		var ce *model.KeyConflictError
		if !errors.As(err, &ce) {
			err = &model.UpstreamQueryError{Key: keys.Normalize(z.ZoneName), Stage: "add_zone", Err: err}
		}
		h.fail(w, r, err)
		return
	}

	if err := h.flows.Trigger(z.ZoneName); err != nil {
		// rows are committed; the next read computes
		h.log.WarnContext(r.Context(), "trigger after registration failed", "zone", z.ZoneName, "err", err)
	}
	writeJSON(w, http.StatusOK, newZoneResponse{Data: z})
}

// ValidateNewZone trims ids in place and checks that the zone name
// normalizes to a non-empty key and every TAZ id is an integer.
func ValidateNewZone(z *model.NewZone) error {
	if keys.Normalize(z.ZoneName) == "" {
		return model.Invalid("zone_name", "required")
	}
	if i := strings.IndexFunc(z.ZoneName, badNameRune); i >= 0 {
		return model.Invalid("zone_name", "contains control or non-space whitespace character at byte %d", i)
	}
	if len(z.TazIDs) == 0 {
		return model.Invalid("tazt", "at least one TAZ id is required")
	}
	for i, id := range z.TazIDs {
		id = strings.TrimSpace(id)
		if _, err := strconv.ParseInt(id, 10, 32); err != nil {
			return model.Invalid("tazt", "element %d (%q) is not an integer", i, z.TazIDs[i])
		}
		z.TazIDs[i] = id
	}
	return nil
}

// badNameRune reports characters a zone name may not contain. Plain
// spaces are the only whitespace allowed.
func badNameRune(r rune) bool {
	return unicode.IsControl(r) || (unicode.IsSpace(r) && r != ' ')
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, h.log, mylog.RequestID(r.Context()), err)
}

func (h *Handler) writeFeatures(w http.ResponseWriter, r *http.Request, fc geojson.FeatureCollection) {
	body, err := geojson.Marshal(fc)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeGeoJSON(w, body)
}

func writeGeoJSON(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", geojson.ContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
