package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mohammed-shakir/taz-flow-cache/internal/api"
	"github.com/mohammed-shakir/taz-flow-cache/internal/core/config"
	"github.com/mohammed-shakir/taz-flow-cache/internal/core/model"
	mylog "github.com/mohammed-shakir/taz-flow-cache/internal/logger"
)

type okDB struct{}

func (okDB) Ping(context.Context) error { return nil }

type staticRegistry struct{}

func (staticRegistry) ZoneNames(context.Context) ([]string, error) { return []string{"A"}, nil }
func (staticRegistry) ZoneShapes(context.Context) ([]map[string]any, error) {
	return nil, nil
}
func (staticRegistry) AddZone(context.Context, model.NewZone) error { return nil }

func newHandler(prefix string) http.Handler {
	h := api.New(api.Deps{Logger: mylog.Discard(), Registry: staticRegistry{}})
	return NewRouter(config.Config{URLPrefix: prefix}, mylog.Discard(), Deps{
		API:     h,
		DB:      okDB{},
		Metrics: http.NotFoundHandler(),
	})
}

func status(h http.Handler, path string) int {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr.Code
}

func TestRouter_URLPrefix(t *testing.T) {
	h := newHandler("/api")
	if c := status(h, "/api/zone-names"); c != http.StatusOK {
		t.Fatalf("prefixed route code=%d", c)
	}
	if c := status(h, "/api/zone-names/"); c != http.StatusOK {
		t.Fatalf("trailing slash code=%d", c)
	}
	if c := status(h, "/zone-names"); c != http.StatusNotFound {
		t.Fatalf("unprefixed route code=%d want 404", c)
	}
	if c := status(h, "/healthz"); c != http.StatusOK {
		t.Fatalf("healthz code=%d", c)
	}
	if c := status(h, "/readyz"); c != http.StatusOK {
		t.Fatalf("readyz code=%d", c)
	}
}

func TestRouter_NoPrefix(t *testing.T) {
	h := newHandler("")
	if c := status(h, "/zone-names"); c != http.StatusOK {
		t.Fatalf("code=%d", c)
	}
}
