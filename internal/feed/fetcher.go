package feed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	DefaultTimeout = 10 * time.Second
	maxBody        = 4 << 20
)

// FetchRecord is one fetch outcome, as kept by the fetch index.
type FetchRecord struct {
	ID         string    `json:"id"`
	Plugin     string    `json:"plugin"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
	Items      int       `json:"items"`
	Err        string    `json:"err,omitempty"`
}

type FetchRecorder interface {
	RecordFetch(rec FetchRecord)
}

// Result is handed back to the engine loop.
type Result struct {
	ID       string
	Plugin   string
	Items    []Item
	Err      error
	Duration time.Duration
}

type FetcherConfig struct {
	Plugin   string
	Feed     Config
	Registry *Registry
	HTTP     *http.Client
	Log      logrus.FieldLogger
	Recorder FetchRecorder
}

// Fetcher resolves the configured plugin and executes its query. It does not
// retry; the pager decides when to ask again.
type Fetcher struct {
	source   Source
	query    Query
	timeout  time.Duration
	http     *http.Client
	log      logrus.FieldLogger
	recorder FetchRecorder

	mu    sync.Mutex
	redis *redis.Client
}

func NewFetcher(cfg FetcherConfig) (*Fetcher, error) {
	reg := cfg.Registry
	if reg == nil {
		reg = DefaultRegistry()
	}
	src, err := reg.Lookup(cfg.Plugin)
	if err != nil {
		return nil, err
	}
	q, err := src.BuildQuery(cfg.Feed)
	if err != nil {
		return nil, err
	}
	timeout := cfg.Feed.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	hc := cfg.HTTP
	if hc == nil {
		hc = &http.Client{}
	}
	log := cfg.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Fetcher{
		source:   src,
		query:    q,
		timeout:  timeout,
		http:     hc,
		log:      log.WithField("component", "feed").WithField("plugin", src.Name()),
		recorder: cfg.Recorder,
	}, nil
}

func (f *Fetcher) Plugin() string { return f.source.Name() }

// Fetch runs one query under the fetcher timeout. Failures are reported in
// Result.Err, never retried.
func (f *Fetcher) Fetch(ctx context.Context) Result {
	res := Result{ID: uuid.NewString(), Plugin: f.source.Name()}
	start := time.Now()
	log := f.log.WithField("fetch_id", res.ID)

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	raw, err := f.read(ctx)
	if err == nil {
		res.Items, err = f.source.Normalize(raw)
	}
	res.Err = err
	res.Duration = time.Since(start)

	if err != nil {
		log.WithError(err).Warn("fetch failed")
	} else {
		log.WithField("items", len(res.Items)).WithField("duration", res.Duration).Debug("fetch ok")
	}
	if f.recorder != nil {
		rec := FetchRecord{
			ID:         res.ID,
			Plugin:     res.Plugin,
			StartedAt:  start.UTC(),
			DurationMS: res.Duration.Milliseconds(),
			Items:      len(res.Items),
		}
		if err != nil {
			rec.Err = err.Error()
		}
		f.recorder.RecordFetch(rec)
	}
	return res
}

func (f *Fetcher) read(ctx context.Context) ([]byte, error) {
	switch f.query.Transport {
	case TransportHTTP:
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.query.URL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		resp, err := f.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("GET %s: status %d", f.query.URL, resp.StatusCode)
		}
		b, err := io.ReadAll(io.LimitReader(resp.Body, maxBody+1))
		if err != nil {
			return nil, err
		}
		if len(b) > maxBody {
			return nil, fmt.Errorf("GET %s: %w (limit %d bytes)", f.query.URL, ErrResponseTooLarge, maxBody)
		}
		return b, nil
	case TransportFile:
		return os.ReadFile(f.query.Path)
	case TransportRedis:
		b, err := f.redisClient().Get(ctx, f.query.RedisKey).Bytes()
		if err == redis.Nil {
			return nil, fmt.Errorf("redis key %q not found", f.query.RedisKey)
		}
		return b, err
	default:
		return nil, fmt.Errorf("unsupported transport %q", f.query.Transport)
	}
}

func (f *Fetcher) redisClient() *redis.Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.redis == nil {
		f.redis = redis.NewClient(&redis.Options{Addr: f.query.RedisAddr})
	}
	return f.redis
}

func (f *Fetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.redis == nil {
		return nil
	}
	err := f.redis.Close()
	f.redis = nil
	return err
}
