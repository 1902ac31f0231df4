package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/soma-tiles/deeptable/internal/columnar"
	"github.com/stretchr/testify/require"
)

func testObject(t *testing.T, zstd bool) []byte {
	t.Helper()

	md := arrow.NewMetadata([]string{"children"}, []string{`[]`})
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "ix", Type: arrow.PrimitiveTypes.Int64},
	}, &md)
	b, err := columnar.NewBatch(schema, []arrow.Array{columnar.Int64s([]int64{4, 5, 6})})
	require.NoError(t, err)

	var data []byte
	if zstd {
		data, err = columnar.EncodeZstd(b)
	} else {
		data, err = columnar.Encode(b)
	}
	require.NoError(t, err)
	return data
}

type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (c *mapCache) GetObject(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.data[key]
	return d, ok
}

func (c *mapCache) SetObject(key string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = data
	return nil
}

func TestObjectURL(t *testing.T) {
	require.Equal(t, "https://h/d/2/1/3.feather", ObjectURL("https://h/d/", "2/1/3", "", "feather"))
	require.Equal(t, "https://h/d/2/1/3.umap.feather", ObjectURL("https://h/d", "2/1/3", "umap", ".feather"))
}

func TestClientHTTP(t *testing.T) {
	object := testObject(t, true)
	var mu sync.Mutex
	paths := map[string]int{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths[r.URL.Path]++
		mu.Unlock()

		switch r.URL.Path {
		case "/tiles/0/0/0.feather", "/tiles/0/0/0.extra.feather":
			w.Write(object)
		case "/tiles/9/9/9.feather":
			http.Error(w, "boom", http.StatusInternalServerError)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	objects := &mapCache{data: map[string][]byte{}}
	c := NewClient(Config{
		Dataset:      "test",
		BaseLocation: srv.URL + "/tiles",
		Cache:        objects,
	})

	t.Run("primary and auxiliary objects", func(t *testing.T) {
		b, err := c.Fetch(context.Background(), "0/0/0", "")
		require.NoError(t, err)
		require.Equal(t, 3, b.NumRows())

		_, err = c.Fetch(context.Background(), "0/0/0", "extra")
		require.NoError(t, err)
	})

	t.Run("cached bytes are reused", func(t *testing.T) {
		_, err := c.Fetch(context.Background(), "0/0/0", "")
		require.NoError(t, err)

		mu.Lock()
		defer mu.Unlock()
		require.Equal(t, 1, paths["/tiles/0/0/0.feather"])
	})

	t.Run("not found", func(t *testing.T) {
		_, err := c.Fetch(context.Background(), "1/0/0", "")
		require.True(t, errors.IsType(err, ErrTypeNotFound))
	})

	t.Run("server error", func(t *testing.T) {
		_, err := c.Fetch(context.Background(), "9/9/9", "")
		require.True(t, errors.IsType(err, ErrTypeUnexpectedCode))
	})
}

func TestBearerCaller(t *testing.T) {
	object := testObject(t, false)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write(object)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseLocation: srv.URL})
	_, err := c.Fetch(context.Background(), "0/0/0", "")
	require.True(t, errors.IsType(err, ErrTypeUnexpectedCode))

	c = NewClient(Config{
		BaseLocation: srv.URL,
		Caller:       &BearerCaller{Token: "secret"},
	})
	b, err := c.Fetch(context.Background(), "0/0/0", "")
	require.NoError(t, err)
	require.Equal(t, 3, b.NumRows())
}

func TestClientFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "0", "0"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "0", "0", "0.feather"), testObject(t, false), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "0", "0", "0.bad.feather"), []byte("garbage"), 0o644))

	c := NewClient(Config{BaseLocation: dir})

	b, err := c.Fetch(context.Background(), "0/0/0", "")
	require.NoError(t, err)
	ix, ok := b.Column("ix")
	require.True(t, ok)
	require.Equal(t, 3, ix.Len())

	_, err = c.Fetch(context.Background(), "0/0/0", "bad")
	require.True(t, errors.IsType(err, ErrTypeDecode))

	_, err = c.Fetch(context.Background(), "5/0/0", "")
	require.True(t, errors.IsType(err, ErrTypeNotFound))
}
