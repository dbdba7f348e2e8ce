// Package sources holds the tile-source registry: the descriptors for the
// web map services tiles are fetched from, validated once at startup and
// immutable afterwards.
package sources

import (
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"strings"

	"maptile-export/internal/tilemath"
)

// ErrUnknownSource is returned when a lookup key has no registered source.
var ErrUnknownSource = errors.New("unknown tile source")

// TiandituDefaultToken is the built-in Tianditu API key, replaceable per
// request via Registry.WithToken.
const TiandituDefaultToken = "436ce7e50d27eede2f2929307e6b33c0"

// userAgents is the pool a random agent is picked from per request, to
// spread load across what the remote server sees as distinct clients.
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
}

// domesticHosts are hosts reached directly even when a proxy is configured.
var domesticHosts = []string{"tianditu.gov.cn"}

// Source describes one tile service.
type Source struct {
	Key         string   `json:"id" mapstructure:"key"`
	Name        string   `json:"name" mapstructure:"name"`
	URLTemplate string   `json:"url" mapstructure:"url"`
	Subdomains  []string `json:"subdomains" mapstructure:"subdomains"`
	MaxZoom     int      `json:"max_zoom" mapstructure:"max_zoom"`
	Attribution string   `json:"attribution" mapstructure:"attribution"`
}

// Validate checks the descriptor for the fields the downloader relies on.
func (s Source) Validate() error {
	if s.Key == "" {
		return fmt.Errorf("source key is required")
	}
	if s.URLTemplate == "" {
		return fmt.Errorf("source %q: url template is required", s.Key)
	}
	for _, ph := range []string{"{x}", "{y}", "{z}"} {
		if !strings.Contains(s.URLTemplate, ph) {
			return fmt.Errorf("source %q: url template must contain the %s placeholder", s.Key, ph)
		}
	}
	if strings.Contains(s.URLTemplate, "{s}") && len(s.Subdomains) == 0 {
		return fmt.Errorf("source %q: url template uses {s} but no subdomains are configured", s.Key)
	}
	if s.MaxZoom < tilemath.MinZoom || s.MaxZoom > tilemath.MaxZoom {
		return fmt.Errorf("source %q: max zoom %d out of range [%d, %d]", s.Key, s.MaxZoom, tilemath.MinZoom, tilemath.MaxZoom)
	}
	return nil
}

// TileURL expands the URL template for one tile, rotating through the
// subdomain pool when the template has an {s} placeholder.
func (s Source) TileURL(t tilemath.TileCoord) string {
	url := s.URLTemplate
	if len(s.Subdomains) > 0 {
		url = strings.ReplaceAll(url, "{s}", s.Subdomains[rand.Intn(len(s.Subdomains))])
	}
	url = strings.ReplaceAll(url, "{x}", strconv.Itoa(t.X))
	url = strings.ReplaceAll(url, "{y}", strconv.Itoa(t.Y))
	url = strings.ReplaceAll(url, "{z}", strconv.Itoa(t.Z))
	return url
}

// Headers builds the request headers for a tile fetch: a random
// User-Agent from the pool plus the referer the service expects.
func (s Source) Headers() http.Header {
	h := http.Header{}
	h.Set("User-Agent", userAgents[rand.Intn(len(userAgents))])
	h.Set("Accept", "image/webp,image/apng,image/*,*/*;q=0.8")
	h.Set("Accept-Language", "en-US,en;q=0.9,zh-CN;q=0.8,zh;q=0.7")
	if strings.Contains(s.Key, "tianditu") {
		h.Set("Referer", "https://map.tianditu.gov.cn/")
	} else {
		h.Set("Referer", "https://www.google.com/maps")
	}
	return h
}

// BypassProxy reports whether requests to this source skip the configured
// proxy. Domestically hosted services are reached directly.
func (s Source) BypassProxy() bool {
	for _, host := range domesticHosts {
		if strings.Contains(s.URLTemplate, host) {
			return true
		}
	}
	return false
}

// Registry is an immutable, validated set of tile sources.
type Registry struct {
	sources map[string]Source
	order   []string
}

// NewRegistry validates every descriptor and builds a registry. A single
// malformed source fails construction; nothing is served from a partially
// valid table.
func NewRegistry(srcs ...Source) (*Registry, error) {
	r := &Registry{sources: make(map[string]Source, len(srcs))}
	for _, s := range srcs {
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.sources[s.Key]; dup {
			return nil, fmt.Errorf("duplicate source key %q", s.Key)
		}
		r.sources[s.Key] = s
		r.order = append(r.order, s.Key)
	}
	return r, nil
}

// Get looks up a source by key.
func (r *Registry) Get(key string) (Source, error) {
	s, ok := r.sources[key]
	if !ok {
		return Source{}, fmt.Errorf("%w: %q (available: %s)", ErrUnknownSource, key, strings.Join(r.order, ", "))
	}
	return s, nil
}

// Keys returns the source keys in registration order.
func (r *Registry) Keys() []string {
	keys := make([]string, len(r.order))
	copy(keys, r.order)
	return keys
}

// All returns the descriptors in registration order.
func (r *Registry) All() []Source {
	out := make([]Source, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.sources[key])
	}
	return out
}

// WithToken returns a registry view with the default Tianditu token
// replaced by the caller's. Sources without the token are unchanged; the
// receiver is not mutated.
func (r *Registry) WithToken(token string) *Registry {
	if token == "" || token == TiandituDefaultToken {
		return r
	}
	out := &Registry{sources: make(map[string]Source, len(r.sources)), order: r.order}
	for key, s := range r.sources {
		s.URLTemplate = strings.ReplaceAll(s.URLTemplate, TiandituDefaultToken, token)
		out.sources[key] = s
	}
	return out
}

// BuiltIn returns the registry of bundled tile sources.
func BuiltIn() *Registry {
	r, err := NewRegistry(
		Source{
			Key:         "google_satellite",
			Name:        "Google Satellite",
			URLTemplate: "https://mt{s}.google.com/vt/lyrs=s&x={x}&y={y}&z={z}",
			Subdomains:  []string{"0", "1", "2", "3"},
			MaxZoom:     20,
			Attribution: "© Google",
		},
		Source{
			Key:         "google_map",
			Name:        "Google Map",
			URLTemplate: "https://mt{s}.google.com/vt/lyrs=m&x={x}&y={y}&z={z}",
			Subdomains:  []string{"0", "1", "2", "3"},
			MaxZoom:     20,
			Attribution: "© Google",
		},
		Source{
			Key:         "google_hybrid",
			Name:        "Google Hybrid",
			URLTemplate: "https://mt{s}.google.com/vt/lyrs=y&x={x}&y={y}&z={z}",
			Subdomains:  []string{"0", "1", "2", "3"},
			MaxZoom:     20,
			Attribution: "© Google",
		},
		Source{
			Key:         "osm",
			Name:        "OpenStreetMap",
			URLTemplate: "https://{s}.tile.openstreetmap.org/{z}/{x}/{y}.png",
			Subdomains:  []string{"a", "b", "c"},
			MaxZoom:     19,
			Attribution: "© OpenStreetMap contributors",
		},
		Source{
			Key:         "arcgis_satellite",
			Name:        "ArcGIS Satellite",
			URLTemplate: "https://server.arcgisonline.com/ArcGIS/rest/services/World_Imagery/MapServer/tile/{z}/{y}/{x}",
			MaxZoom:     19,
			Attribution: "© Esri",
		},
		Source{
			Key:         "carto_light",
			Name:        "Carto Light",
			URLTemplate: "https://{s}.basemaps.cartocdn.com/light_all/{z}/{x}/{y}.png",
			Subdomains:  []string{"a", "b", "c", "d"},
			MaxZoom:     19,
			Attribution: "© CARTO",
		},
		Source{
			Key:         "carto_dark",
			Name:        "Carto Dark",
			URLTemplate: "https://{s}.basemaps.cartocdn.com/dark_all/{z}/{x}/{y}.png",
			Subdomains:  []string{"a", "b", "c", "d"},
			MaxZoom:     19,
			Attribution: "© CARTO",
		},
		Source{
			Key:         "tianditu_satellite",
			Name:        "Tianditu Satellite",
			URLTemplate: "https://t{s}.tianditu.gov.cn/img_w/wmts?SERVICE=WMTS&REQUEST=GetTile&VERSION=1.0.0&LAYER=img&STYLE=default&TILEMATRIXSET=w&FORMAT=tiles&TILEMATRIX={z}&TILEROW={y}&TILECOL={x}&tk=" + TiandituDefaultToken,
			Subdomains:  []string{"0", "1", "2", "3", "4", "5", "6", "7"},
			MaxZoom:     18,
			Attribution: "© Tianditu",
		},
		Source{
			Key:         "tianditu_vector",
			Name:        "Tianditu Vector",
			URLTemplate: "https://t{s}.tianditu.gov.cn/vec_w/wmts?SERVICE=WMTS&REQUEST=GetTile&VERSION=1.0.0&LAYER=vec&STYLE=default&TILEMATRIXSET=w&FORMAT=tiles&TILEMATRIX={z}&TILEROW={y}&TILECOL={x}&tk=" + TiandituDefaultToken,
			Subdomains:  []string{"0", "1", "2", "3", "4", "5", "6", "7"},
			MaxZoom:     18,
			Attribution: "© Tianditu",
		},
	)
	if err != nil {
		// The bundled table is validated by tests; a failure here is a
		// programming error.
		panic(err)
	}
	return r
}

// WithCustom returns a new registry containing the receiver's sources plus
// the given custom ones. Custom sources are validated like built-ins.
func (r *Registry) WithCustom(custom ...Source) (*Registry, error) {
	all := append(r.All(), custom...)
	return NewRegistry(all...)
}
