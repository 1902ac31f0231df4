package fetch

import (
	"context"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/soma-tiles/deeptable/internal/cache"
	"github.com/soma-tiles/deeptable/internal/columnar"
)

// ErrTypeDecode is returned when retrieved bytes are not a columnar object.
const ErrTypeDecode = "object-decode-failed"

// DefaultExtension is the file extension of tile objects.
const DefaultExtension = "feather"

var objectCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fetch_object_cache_lookups",
	Help: "The number of tile object cache lookups.",
}, []string{
	"result",
})

// ObjectCache holds raw object bytes shared across datasets.
type ObjectCache interface {
	GetObject(key string) ([]byte, bool)
	SetObject(key string, data []byte) error
}

// Config describes where a dataset's objects live.
type Config struct {
	Dataset      string
	BaseLocation string
	Extension    string
	Timeout      time.Duration

	// Transport defaults to HTTP for http(s) base locations and to the local
	// filesystem otherwise.
	Transport Transport
	// Caller, when set, performs every retrieval instead of Transport.
	Caller Caller
	Cache  ObjectCache
}

// Client fetches and decodes tile objects. It implements tile.Fetcher.
type Client struct {
	cfg Config
}

// NewClient creates a client for one dataset.
func NewClient(cfg Config) *Client {
	if cfg.Extension == "" {
		cfg.Extension = DefaultExtension
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Transport == nil {
		if IsRemote(cfg.BaseLocation) {
			cfg.Transport = NewHTTPTransport(cfg.Timeout)
		} else {
			cfg.Transport = FileTransport{}
		}
	}
	return &Client{cfg: cfg}
}

// URL returns the location of a tile object.
func (c *Client) URL(key, suffix string) string {
	return ObjectURL(c.cfg.BaseLocation, key, suffix, c.cfg.Extension)
}

// Fetch retrieves and decodes the object of key with the given suffix.
func (c *Client) Fetch(ctx context.Context, key, suffix string) (*columnar.Batch, error) {
	data, err := c.bytes(ctx, key, suffix)
	if err != nil {
		return nil, err
	}

	b, err := columnar.Decode(data)
	if err != nil {
		return nil, errors.New("decoding tile object failed").
			WithType(ErrTypeDecode).
			WithTag("dataset", c.cfg.Dataset).
			WithTag("url", c.URL(key, suffix)).
			Wrap(err)
	}
	return b, nil
}

func (c *Client) bytes(ctx context.Context, key, suffix string) ([]byte, error) {
	cacheKey := cache.ObjectKey(c.cfg.Dataset, key, suffix)
	if c.cfg.Cache != nil {
		if data, ok := c.cfg.Cache.GetObject(cacheKey); ok {
			objectCacheLookups.With(prometheus.Labels{"result": "hit"}).Inc()
			return data, nil
		}
		objectCacheLookups.With(prometheus.Labels{"result": "miss"}).Inc()
	}

	url := c.URL(key, suffix)
	var data []byte
	var err error
	if c.cfg.Caller != nil {
		data, err = c.cfg.Caller.Call(ctx, url)
	} else {
		data, err = c.cfg.Transport.Get(ctx, url)
	}
	if err != nil {
		return nil, err
	}

	if c.cfg.Cache != nil {
		if err := c.cfg.Cache.SetObject(cacheKey, data); err != nil {
			logs.WithTag("dataset", c.cfg.Dataset).
				WithTag("url", url).
				WithTag("size", len(data)).
				Debug(err)
		}
	}
	return data, nil
}
