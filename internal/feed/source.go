package feed

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrUnknownPlugin    = errors.New("feed: unknown plugin")
	ErrResponseTooLarge = errors.New("feed: response too large")
)

// Config is the feed section of board.yaml.
type Config struct {
	URL       string        `yaml:"url" json:"url"`
	Stop      string        `yaml:"stop" json:"stop"`
	Path      string        `yaml:"path" json:"path"`
	RedisAddr string        `yaml:"redis_addr" json:"redis_addr"`
	RedisKey  string        `yaml:"redis_key" json:"redis_key"`
	Timeout   time.Duration `yaml:"-" json:"-"`
}

type Transport string

const (
	TransportHTTP  Transport = "http"
	TransportFile  Transport = "file"
	TransportRedis Transport = "redis"
)

// Query is what a Source asks the Fetcher to retrieve.
type Query struct {
	Transport Transport
	URL       string
	Path      string
	RedisAddr string
	RedisKey  string
}

// Source turns plugin configuration into a query and the raw response into
// items.
type Source interface {
	Name() string
	BuildQuery(cfg Config) (Query, error)
	Normalize(raw []byte) ([]Item, error)
}

type Registry struct {
	mu      sync.RWMutex
	sources map[string]Source
}

func NewRegistry(sources ...Source) *Registry {
	r := &Registry{sources: map[string]Source{}}
	for _, s := range sources {
		r.Register(s)
	}
	return r
}

// DefaultRegistry holds the built-in arrivals, file and redis sources.
func DefaultRegistry() *Registry {
	return NewRegistry(Arrivals{}, File{}, Redis{})
}

func (r *Registry) Register(s Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[strings.ToLower(s.Name())] = s
}

func (r *Registry) Lookup(name string) (Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sources[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlugin, name)
	}
	return s, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sources))
	for n := range r.sources {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Arrivals reads the backend's arrivals endpoint: a JSON list of items, or
// an object carrying the list under "arrivals".
type Arrivals struct{}

func (Arrivals) Name() string { return "arrivals" }

func (Arrivals) BuildQuery(cfg Config) (Query, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return Query{}, errors.New("arrivals: feed.url is required")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return Query{}, fmt.Errorf("arrivals: feed.url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Query{}, fmt.Errorf("arrivals: feed.url must be http(s), got %q", u.Scheme)
	}
	if cfg.Stop != "" {
		q := u.Query()
		q.Set("stop", cfg.Stop)
		u.RawQuery = q.Encode()
	}
	return Query{Transport: TransportHTTP, URL: u.String()}, nil
}

func (Arrivals) Normalize(raw []byte) ([]Item, error) {
	var wrapped struct {
		Arrivals []Item `json:"arrivals"`
	}
	items, err := decodeList(raw, "arrivals", &wrapped, func() []Item { return wrapped.Arrivals })
	if err != nil {
		return nil, fmt.Errorf("arrivals: %w", err)
	}
	return sortedByScheduled(items), nil
}

// File reads a JSON list of items from disk.
type File struct{}

func (File) Name() string { return "file" }

func (File) BuildQuery(cfg Config) (Query, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return Query{}, errors.New("file: feed.path is required")
	}
	return Query{Transport: TransportFile, Path: cfg.Path}, nil
}

func (File) Normalize(raw []byte) ([]Item, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, errors.New("file: expected a JSON list of items")
	}
	var items []Item
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, fmt.Errorf("file: %w", err)
	}
	return sortedByScheduled(items), nil
}

// EnvelopeVersion is the only redis envelope version understood.
const EnvelopeVersion = 1

// Envelope is what the backend poller writes under the redis key.
type Envelope struct {
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
	Items     []Item    `json:"items"`
}

// Redis reads the list the backend poller keeps under a key, either as an
// Envelope or a bare list.
type Redis struct{}

func (Redis) Name() string { return "redis" }

func (Redis) BuildQuery(cfg Config) (Query, error) {
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return Query{}, errors.New("redis: feed.redis_addr is required")
	}
	if strings.TrimSpace(cfg.RedisKey) == "" {
		return Query{}, errors.New("redis: feed.redis_key is required")
	}
	return Query{Transport: TransportRedis, RedisAddr: cfg.RedisAddr, RedisKey: cfg.RedisKey}, nil
}

func (Redis) Normalize(raw []byte) ([]Item, error) {
	var env Envelope
	items, err := decodeList(raw, "items", &env, func() []Item { return env.Items })
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	if env.Version != 0 && env.Version != EnvelopeVersion {
		return nil, fmt.Errorf("redis: unsupported envelope version %d", env.Version)
	}
	return sortedByScheduled(items), nil
}

// decodeList accepts a bare JSON array, or an object decoded into wrapper
// whose list sits under key and is returned by pick. An object without the
// key, a null list and a null body are errors.
func decodeList(raw []byte, key string, wrapper any, pick func() []Item) ([]Item, error) {
	trimmed := bytes.TrimSpace(raw)
	switch {
	case len(trimmed) == 0:
		return nil, errors.New("empty response")
	case bytes.Equal(trimmed, []byte("null")):
		return nil, errors.New("null response")
	case trimmed[0] == '[':
		var items []Item
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, err
		}
		return items, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, err
	}
	list, ok := fields[key]
	if !ok {
		return nil, fmt.Errorf("response has no %q list", key)
	}
	if bytes.Equal(bytes.TrimSpace(list), []byte("null")) {
		return nil, fmt.Errorf("response %q list is null", key)
	}
	if err := json.Unmarshal(trimmed, wrapper); err != nil {
		return nil, err
	}
	return pick(), nil
}

func sortedByScheduled(items []Item) []Item {
	if items == nil {
		items = []Item{}
	}
	Sort(items, "scheduled", Asc)
	return items
}
