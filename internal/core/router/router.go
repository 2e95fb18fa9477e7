// Package router exposes the tile cache over HTTP: tile reads,
// producer publishes and batch publishes.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/xyz-tile-cache/internal/cache/keys"
	"github.com/mohammed-shakir/xyz-tile-cache/internal/core/model"
	"github.com/mohammed-shakir/xyz-tile-cache/internal/core/observability"
	"github.com/mohammed-shakir/xyz-tile-cache/internal/engine"
	"github.com/mohammed-shakir/xyz-tile-cache/internal/task"
)

// MaxTileBody caps a published tile payload.
const MaxTileBody = 8 << 20

const tileRoute = "/tiles/{version}/{z}/{x}/{y}"

// TileService is the slice of the engine the HTTP surface needs.
type TileService interface {
	HasVersion(version string) bool
	GetTile(ctx context.Context, ref keys.TileRef) (*model.Tile, error)
	PublishTile(ctx context.Context, ref keys.TileRef, data []byte, contentType string) error
	PublishBatch(ctx context.Context, version string, items []engine.BatchItem) []engine.BatchResult
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// ParseTileRef reads the version/z/x/y path params of a chi route.
func ParseTileRef(r *http.Request) (keys.TileRef, error) {
	z, err := strconv.Atoi(chi.URLParam(r, "z"))
	if err != nil {
		return keys.TileRef{}, fmt.Errorf("z: %w", err)
	}
	x, err := strconv.Atoi(chi.URLParam(r, "x"))
	if err != nil {
		return keys.TileRef{}, fmt.Errorf("x: %w", err)
	}
	y, err := strconv.Atoi(chi.URLParam(r, "y"))
	if err != nil {
		return keys.TileRef{}, fmt.Errorf("y: %w", err)
	}
	ref := keys.TileRef{Version: chi.URLParam(r, "version"), Z: z, X: x, Y: y}
	if err := ref.Validate(); err != nil {
		return keys.TileRef{}, err
	}
	return ref, nil
}

// statusForError maps a settled tile error onto an HTTP status.
func statusForError(err error) int {
	switch task.KindOf(err) {
	case "timeout":
		return http.StatusGatewayTimeout
	case "shutdown", "cancelled":
		return http.StatusServiceUnavailable
	case "internal":
		return http.StatusInternalServerError
	default:
		// resolution, connection, network, fetch
		return http.StatusBadGateway
	}
}

// GetTile serves one tile from the cache tiers.
func GetTile(logger *slog.Logger, svc TileService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		defer func() {
			observability.ObserveHTTP(r.Method, tileRoute, sw.code, time.Since(start).Seconds())
		}()

		ref, err := ParseTileRef(r)
		if err != nil {
			http.Error(sw, err.Error(), http.StatusBadRequest)
			return
		}
		if !svc.HasVersion(ref.Version) {
			http.Error(sw, "unknown tile version", http.StatusNotFound)
			return
		}

		tile, err := svc.GetTile(r.Context(), ref)
		if err != nil {
			if r.Context().Err() != nil {
				// client gone, nothing to write
				sw.code = statusForError(err)
				return
			}
			logger.Warn("tile fetch failed", "ref", ref.String(), "err", err)
			http.Error(sw, "tile fetch failed", statusForError(err))
			return
		}
		if tile == nil {
			http.Error(sw, "no tile at this address", http.StatusNotFound)
			return
		}

		ct := tile.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		sw.Header().Set("Content-Type", ct)
		sw.Header().Set("X-Tile-Version", tile.Version)
		if !tile.FetchedAt.IsZero() {
			sw.Header().Set("Last-Modified", tile.FetchedAt.UTC().Format(http.TimeFormat))
		}
		_, _ = sw.Write(tile.Data)
	}
}

// PublishTile stores one producer-rendered tile.
func PublishTile(logger *slog.Logger, svc TileService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusNoContent}
		defer func() {
			observability.ObserveHTTP(r.Method, tileRoute, sw.code, time.Since(start).Seconds())
		}()

		ref, err := ParseTileRef(r)
		if err != nil {
			http.Error(sw, err.Error(), http.StatusBadRequest)
			return
		}
		if !svc.HasVersion(ref.Version) {
			http.Error(sw, "unknown tile version", http.StatusNotFound)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, MaxTileBody+1))
		if err != nil {
			http.Error(sw, "read body", http.StatusBadRequest)
			return
		}
		if len(body) == 0 {
			http.Error(sw, "empty tile body", http.StatusBadRequest)
			return
		}
		if len(body) > MaxTileBody {
			http.Error(sw, "tile body too large", http.StatusRequestEntityTooLarge)
			return
		}

		if err := svc.PublishTile(r.Context(), ref, body, r.Header.Get("Content-Type")); err != nil {
			logger.Warn("tile publish failed", "ref", ref.String(), "err", err)
			http.Error(sw, "tile publish failed", statusForError(err))
			return
		}
		sw.WriteHeader(http.StatusNoContent)
	}
}

type batchRequest struct {
	Tiles []batchTile `json:"tiles"`
}

type batchTile struct {
	Z           int    `json:"z"`
	X           int    `json:"x"`
	Y           int    `json:"y"`
	Data        []byte `json:"data"` // base64 in JSON
	ContentType string `json:"content_type,omitempty"`
}

type batchResponse struct {
	Results []batchResult `json:"results"`
}

type batchResult struct {
	Key   string `json:"key"`
	Error string `json:"error,omitempty"`
}

// PublishBatch stores a set of tiles under one producer lock so readers
// wait for the batch instead of racing it to the origin.
func PublishBatch(logger *slog.Logger, svc TileService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		route := "/tiles/{version}/batch"
		sw := &statusWriter{ResponseWriter: w, code: http.StatusNoContent}
		defer func() {
			observability.ObserveHTTP(r.Method, route, sw.code, time.Since(start).Seconds())
		}()

		version := chi.URLParam(r, "version")
		if !svc.HasVersion(version) {
			http.Error(sw, "unknown tile version", http.StatusNotFound)
			return
		}

		var req batchRequest
		dec := json.NewDecoder(io.LimitReader(r.Body, 4*MaxTileBody))
		if err := dec.Decode(&req); err != nil {
			http.Error(sw, "decode batch: "+err.Error(), http.StatusBadRequest)
			return
		}
		if len(req.Tiles) == 0 {
			http.Error(sw, "empty batch", http.StatusBadRequest)
			return
		}

		items := make([]engine.BatchItem, len(req.Tiles))
		for i, t := range req.Tiles {
			items[i] = engine.BatchItem{Z: t.Z, X: t.X, Y: t.Y, Data: t.Data, ContentType: t.ContentType}
		}

		results := svc.PublishBatch(r.Context(), version, items)
		failed := 0
		resp := batchResponse{Results: make([]batchResult, len(results))}
		for i, res := range results {
			resp.Results[i].Key = res.Ref.Key()
			if res.Err != nil {
				failed++
				resp.Results[i].Error = res.Err.Error()
			}
		}

		if failed == 0 {
			sw.WriteHeader(http.StatusNoContent)
			return
		}
		logger.Warn("batch publish partially failed",
			"version", version, "tiles", len(results), "failed", failed)
		sw.Header().Set("Content-Type", "application/json")
		sw.WriteHeader(http.StatusMultiStatus)
		_ = json.NewEncoder(sw).Encode(resp)
	}
}
