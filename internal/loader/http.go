package loader

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mohammed-shakir/xyz-tile-cache/internal/cache/keys"
	"github.com/mohammed-shakir/xyz-tile-cache/internal/cacher"
	"github.com/mohammed-shakir/xyz-tile-cache/internal/core/httpclient"
	"github.com/mohammed-shakir/xyz-tile-cache/internal/core/model"
	"github.com/mohammed-shakir/xyz-tile-cache/internal/task"
)

// HTTP fetches tiles from the origin server over the upstream worker
// pool. Tile URLs are {base}/{version}/{z}/{x}/{y}.
type HTTP struct {
	client   *httpclient.Client
	base     string
	versions map[string]struct{}
	log      zerolog.Logger
}

func NewHTTP(client *httpclient.Client, baseURL string, versions []string, log zerolog.Logger) *HTTP {
	vs := make(map[string]struct{}, len(versions))
	for _, v := range versions {
		if v = strings.TrimSpace(v); v != "" {
			vs[v] = struct{}{}
		}
	}
	return &HTTP{
		client:   client,
		base:     strings.TrimRight(baseURL, "/"),
		versions: vs,
		log:      log.With().Str("component", "origin").Logger(),
	}
}

func (l *HTTP) HasVersion(version string) bool {
	_, ok := l.versions[version]
	return ok
}

// Load fetches key from the origin. 200 resolves with the tile, 204 and
// 404 resolve with nil (the origin has no such tile), everything else is
// a fetch error. sink is called exactly once, on the worker goroutine
// that settled the upstream request.
func (l *HTTP) Load(_ context.Context, key string, sink cacher.RetrieveSink) {
	if l.client == nil {
		// transport not wired yet; fail fast rather than buffer
		sink.OnRetrieveError(key, fmt.Errorf("origin transport not ready: %w", task.ErrFetch))
		return
	}
	ref, err := keys.Parse(key)
	if err != nil {
		sink.OnRetrieveError(key, err)
		return
	}

	url := fmt.Sprintf("%s/%s/%d/%d/%d", l.base, ref.Version, ref.Z, ref.X, ref.Y)
	h := task.NewFunc[*httpclient.Response](func(resp *httpclient.Response, err error) {
		if err != nil {
			sink.OnRetrieveError(key, err)
			return
		}
		switch {
		case resp.StatusCode == 200:
			ct := resp.Header.Get("Content-Type")
			if ct == "" {
				ct = "application/octet-stream"
			}
			sink.OnTileRetrieved(key, &model.Tile{
				Data:        resp.Body,
				ContentType: ct,
				Version:     ref.Version,
				FetchedAt:   time.Now().UTC(),
			})
		case resp.StatusCode == 204 || resp.StatusCode == 404:
			sink.OnTileRetrieved(key, nil)
		default:
			l.log.Warn().Str("key", key).Str("status", resp.Status).Msg("origin refused tile")
			sink.OnRetrieveError(key, fmt.Errorf("origin status %s", resp.Status))
		}
	})
	l.client.Request(h, "GET", url, nil, nil)
}
