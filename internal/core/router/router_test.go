package router

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/xyz-tile-cache/internal/cache/keys"
	"github.com/mohammed-shakir/xyz-tile-cache/internal/core/model"
	"github.com/mohammed-shakir/xyz-tile-cache/internal/engine"
	"github.com/mohammed-shakir/xyz-tile-cache/internal/task"
)

type fakeService struct {
	tiles     map[string]*model.Tile
	getErr    error
	published map[string]string
}

func newFakeService() *fakeService {
	return &fakeService{
		tiles:     map[string]*model.Tile{},
		published: map[string]string{},
	}
}

func (f *fakeService) HasVersion(v string) bool { return v == "v1" }

func (f *fakeService) GetTile(_ context.Context, ref keys.TileRef) (*model.Tile, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.tiles[ref.Key()], nil
}

func (f *fakeService) PublishTile(_ context.Context, ref keys.TileRef, data []byte, ct string) error {
	f.published[ref.Key()] = string(data)
	f.tiles[ref.Key()] = &model.Tile{Data: data, ContentType: ct, Version: ref.Version}
	return nil
}

func (f *fakeService) PublishBatch(ctx context.Context, version string, items []engine.BatchItem) []engine.BatchResult {
	out := make([]engine.BatchResult, len(items))
	for i, it := range items {
		ref := keys.TileRef{Version: version, Z: it.Z, X: it.X, Y: it.Y}
		out[i].Ref = ref
		if err := ref.Validate(); err != nil {
			out[i].Err = err
			continue
		}
		out[i].Err = f.PublishTile(ctx, ref, it.Data, it.ContentType)
	}
	return out
}

func newMux(svc TileService) *chi.Mux {
	log := slog.New(slog.DiscardHandler)
	r := chi.NewRouter()
	r.Get("/tiles/{version}/{z}/{x}/{y}", GetTile(log, svc))
	r.Put("/tiles/{version}/{z}/{x}/{y}", PublishTile(log, svc))
	r.Post("/tiles/{version}/batch", PublishBatch(log, svc))
	return r
}

func TestGetTile_ServesCachedTile(t *testing.T) {
	svc := newFakeService()
	svc.tiles["tile:v1:8:140:75"] = &model.Tile{
		Data:        []byte("pngbytes"),
		ContentType: "image/png",
		Version:     "v1",
		FetchedAt:   time.Now().UTC(),
	}
	mux := newMux(svc)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/tiles/v1/8/140/75", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d want 200: %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("content-type=%q", ct)
	}
	if rr.Header().Get("Last-Modified") == "" {
		t.Fatalf("missing Last-Modified")
	}
	if rr.Body.String() != "pngbytes" {
		t.Fatalf("body=%q", rr.Body.String())
	}
}

func TestGetTile_Statuses(t *testing.T) {
	cases := []struct {
		name   string
		path   string
		getErr error
		want   int
	}{
		{"unknown version", "/tiles/v9/8/140/75", nil, http.StatusNotFound},
		{"absent tile", "/tiles/v1/8/140/75", nil, http.StatusNotFound},
		{"coords not numbers", "/tiles/v1/a/b/c", nil, http.StatusBadRequest},
		{"coords out of range", "/tiles/v1/2/9/0", nil, http.StatusBadRequest},
		{"upstream timeout", "/tiles/v1/8/140/75", task.ErrTimeout, http.StatusGatewayTimeout},
		{"upstream connect", "/tiles/v1/8/140/75", task.ErrConnection, http.StatusBadGateway},
		{"shutting down", "/tiles/v1/8/140/75", task.ErrShutdown, http.StatusServiceUnavailable},
		{"internal", "/tiles/v1/8/140/75", task.ErrInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := newFakeService()
			svc.getErr = tc.getErr
			rr := httptest.NewRecorder()
			newMux(svc).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, tc.path, nil))
			if rr.Code != tc.want {
				t.Fatalf("status=%d want %d", rr.Code, tc.want)
			}
		})
	}
}

func TestPublishTile_StoresBody(t *testing.T) {
	svc := newFakeService()
	mux := newMux(svc)

	req := httptest.NewRequest(http.MethodPut, "/tiles/v1/3/4/5", strings.NewReader("tilebody"))
	req.Header.Set("Content-Type", "image/png")
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("status=%d want 204: %s", rr.Code, rr.Body.String())
	}
	if got := svc.published["tile:v1:3:4:5"]; got != "tilebody" {
		t.Fatalf("published=%q", got)
	}
}

func TestPublishTile_RejectsBadBodies(t *testing.T) {
	svc := newFakeService()
	mux := newMux(svc)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodPut, "/tiles/v1/3/4/5", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("empty body: status=%d want 400", rr.Code)
	}

	big := bytes.Repeat([]byte("x"), MaxTileBody+1)
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodPut, "/tiles/v1/3/4/5", bytes.NewReader(big)))
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversize body: status=%d want 413", rr.Code)
	}
}

func TestPublishBatch_AllOK(t *testing.T) {
	svc := newFakeService()
	body, _ := json.Marshal(batchRequest{Tiles: []batchTile{
		{Z: 2, X: 1, Y: 1, Data: []byte("a"), ContentType: "image/png"},
		{Z: 2, X: 3, Y: 2, Data: []byte("b"), ContentType: "image/png"},
	}})

	rr := httptest.NewRecorder()
	newMux(svc).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/tiles/v1/batch", bytes.NewReader(body)))

	if rr.Code != http.StatusNoContent {
		t.Fatalf("status=%d want 204: %s", rr.Code, rr.Body.String())
	}
	if len(svc.published) != 2 {
		t.Fatalf("published %d tiles, want 2", len(svc.published))
	}
}

func TestPublishBatch_PartialFailureIsMultiStatus(t *testing.T) {
	svc := newFakeService()
	body, _ := json.Marshal(batchRequest{Tiles: []batchTile{
		{Z: 2, X: 1, Y: 1, Data: []byte("a")},
		{Z: 2, X: 9, Y: 0, Data: []byte("b")}, // x out of range at z2
	}})

	rr := httptest.NewRecorder()
	newMux(svc).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/tiles/v1/batch", bytes.NewReader(body)))

	if rr.Code != http.StatusMultiStatus {
		t.Fatalf("status=%d want 207: %s", rr.Code, rr.Body.String())
	}
	var resp batchResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Results) != 2 || resp.Results[0].Error != "" || resp.Results[1].Error == "" {
		t.Fatalf("results = %+v", resp.Results)
	}
}

func TestPublishBatch_RejectsGarbage(t *testing.T) {
	svc := newFakeService()

	rr := httptest.NewRecorder()
	newMux(svc).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/tiles/v1/batch", strings.NewReader("{nope")))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad json: status=%d want 400", rr.Code)
	}

	rr = httptest.NewRecorder()
	newMux(svc).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/tiles/v1/batch", strings.NewReader(`{"tiles":[]}`)))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("empty batch: status=%d want 400", rr.Code)
	}
}
