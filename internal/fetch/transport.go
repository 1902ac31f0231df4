// Package fetch retrieves tile objects from a dataset's base location and
// decodes them into columnar batches.
package fetch

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
)

const (
	ErrTypeNotFound       = "object-not-found"
	ErrTypeUnexpectedCode = "unexpected-status-code"
	ErrTypeTransport      = "transport-failed"
)

// maxErrorBody bounds how much of a failed response is kept for the error.
const maxErrorBody = 1024

// ObjectURL returns the location of a tile object. The primary object of key K
// lives at {base}/{K}.{ext}; the auxiliary object with suffix S at
// {base}/{K}.{S}.{ext}.
func ObjectURL(base, key, suffix, ext string) string {
	base = strings.TrimRight(base, "/")
	ext = strings.TrimPrefix(ext, ".")
	if suffix == "" {
		return base + "/" + key + "." + ext
	}
	return base + "/" + key + "." + suffix + "." + ext
}

// Transport reads raw object bytes.
type Transport interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// Caller performs an authenticated retrieval on behalf of the dataset owner.
// When configured it is used instead of the plain transport.
type Caller interface {
	Call(ctx context.Context, url string) ([]byte, error)
}

// HTTPTransport reads objects with plain GET requests.
type HTTPTransport struct {
	Client *http.Client
	// Header is added to every request.
	Header http.Header
}

// NewHTTPTransport creates an HTTP transport with the given request timeout.
func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		Client: &http.Client{Timeout: timeout},
	}
}

func (t *HTTPTransport) Get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.New("creating request failed").
			WithType(ErrTypeTransport).
			WithTag("url", url).
			Wrap(err)
	}
	for k, vals := range t.Header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return nil, errors.New("requesting object failed").
			WithType(ErrTypeTransport).
			WithTag("url", url).
			Wrap(err)
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, errors.New("object not found").
			WithType(ErrTypeNotFound).
			WithTag("url", url)
	default:
		body, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return nil, errors.New("unexpected status code").
			WithType(ErrTypeUnexpectedCode).
			WithTag("url", url).
			WithTag("code", res.StatusCode).
			WithTag("body", string(body))
	}

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, errors.New("reading object body failed").
			WithType(ErrTypeTransport).
			WithTag("url", url).
			Wrap(err)
	}
	return data, nil
}

// BearerCaller is an authenticated caller sending a bearer token.
type BearerCaller struct {
	Token     string
	Transport *HTTPTransport
}

func (c *BearerCaller) Call(ctx context.Context, url string) ([]byte, error) {
	t := c.Transport
	if t == nil {
		t = &HTTPTransport{}
	}
	header := t.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set("Authorization", "Bearer "+c.Token)
	authed := &HTTPTransport{Client: t.Client, Header: header}
	return authed.Get(ctx, url)
}

// FileTransport reads objects from the local filesystem. A file:// prefix is
// accepted.
type FileTransport struct{}

func (FileTransport) Get(ctx context.Context, url string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := filepath.FromSlash(strings.TrimPrefix(url, "file://"))
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, errors.New("object not found").
			WithType(ErrTypeNotFound).
			WithTag("path", path)
	}
	if err != nil {
		return nil, errors.New("reading object file failed").
			WithType(ErrTypeTransport).
			WithTag("path", path).
			Wrap(err)
	}
	return data, nil
}

// IsRemote reports whether base names an HTTP location.
func IsRemote(base string) bool {
	return strings.HasPrefix(base, "http://") || strings.HasPrefix(base, "https://")
}
