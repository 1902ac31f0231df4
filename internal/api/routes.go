// Package api provides HTTP handlers for inspecting deeptable tile trees.
package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/encoding/json"
	"github.com/soma-tiles/deeptable/internal/fetch"
	"github.com/soma-tiles/deeptable/internal/macrotile"
	"github.com/soma-tiles/deeptable/internal/prefetch"
	"github.com/soma-tiles/deeptable/internal/service"
	"github.com/soma-tiles/deeptable/internal/tile"
)

const maxPointsLimit = 100000

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *DatasetRegistry
	CORSOrigins []string
	// AccessLog enables chi's request logger.
	AccessLog bool
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	if cfg.AccessLog {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Handle("/metrics", promhttp.Handler())

	// Global datasets endpoint (not dataset-scoped)
	r.Get("/api/datasets", datasetsHandler(cfg.Registry))

	// Dataset-scoped routes: /d/{dataset}/...
	r.Route("/d/{dataset}", func(r chi.Router) {
		r.Use(datasetMiddleware(cfg.Registry))

		// Tile keys contain slashes, so they travel in the "key" query parameter.
		r.Route("/api", func(r chi.Router) {
			r.Get("/stats", statsHandler)
			r.Get("/points", pointsHandler)
			r.Get("/tile", tileHandler)
			r.Get("/tile/columns/{name}", columnHandler)
			r.Delete("/tile/columns/{name}", deleteColumnHandler)
			r.Get("/tile/macrotile", macrotileHandler)
			r.Post("/tile/prefetch", prefetchSubmitHandler)
			r.Get("/prefetch/{job_id}", prefetchStatusHandler)
		})
	})

	return r
}

// Context key for dataset service
type ctxKey string

const datasetServiceKey ctxKey = "datasetService"

// datasetMiddleware resolves the dataset from URL and injects the tree service into context.
func datasetMiddleware(registry *DatasetRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			datasetID := chi.URLParam(r, "dataset")
			svc := registry.Get(datasetID)
			if svc == nil {
				http.Error(w, "dataset not found: "+datasetID, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), datasetServiceKey, svc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getDatasetService(r *http.Request) *service.TreeService {
	if svc, ok := r.Context().Value(datasetServiceKey).(*service.TreeService); ok {
		return svc
	}
	return nil
}

// datasetsHandler returns the list of available datasets.
func datasetsHandler(registry *DatasetRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"default":  registry.DefaultDatasetID(),
			"datasets": registry.Datasets(),
			"title":    registry.Title(),
		})
	}
}

func statsHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	stats, err := svc.Stats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func tileHandler(w http.ResponseWriter, r *http.Request) {
	key, ok := requireKey(w, r)
	if !ok {
		return
	}
	view, err := getDatasetService(r).Manifest(r.Context(), key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func columnHandler(w http.ResponseWriter, r *http.Request) {
	key, ok := requireKey(w, r)
	if !ok {
		return
	}
	sum, err := getDatasetService(r).Column(r.Context(), key, chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func deleteColumnHandler(w http.ResponseWriter, r *http.Request) {
	key, ok := requireKey(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "name")
	deleted, err := getDatasetService(r).DeleteColumn(key, name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"key":     key,
		"column":  name,
		"deleted": deleted,
	})
}

func macrotileHandler(w http.ResponseWriter, r *http.Request) {
	key, ok := requireKey(w, r)
	if !ok {
		return
	}
	view, err := getDatasetService(r).Macrotile(key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func prefetchSubmitHandler(w http.ResponseWriter, r *http.Request) {
	key, ok := requireKey(w, r)
	if !ok {
		return
	}
	job, err := getDatasetService(r).Prefetch(key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func prefetchStatusHandler(w http.ResponseWriter, r *http.Request) {
	job, ok := getDatasetService(r).PrefetchJob(chi.URLParam(r, "job_id"))
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func pointsHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	threshold := int64(-1)
	if s := strings.TrimSpace(query.Get("threshold")); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			http.Error(w, "invalid threshold parameter", http.StatusBadRequest)
			return
		}
		threshold = v
	}

	limit, _ := strconv.Atoi(query.Get("limit"))
	if limit <= 0 || limit > maxPointsLimit {
		limit = 1000
	}

	var bbox *tile.Rect
	if s := strings.TrimSpace(query.Get("bbox")); s != "" {
		b, err := parseBBox(s)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		bbox = &b
	}

	points, err := getDatasetService(r).Points(r.Context(), threshold, bbox, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"points": points,
		"count":  len(points),
	})
}

// parseBBox parses "minX,minY,maxX,maxY".
func parseBBox(s string) (tile.Rect, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return tile.Rect{}, errors.New("bbox must be minX,minY,maxX,maxY")
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return tile.Rect{}, errors.New("bbox must be minX,minY,maxX,maxY")
		}
		v[i] = f
	}
	if v[0] > v[2] || v[1] > v[3] {
		return tile.Rect{}, errors.New("bbox minimum exceeds maximum")
	}
	return tile.Rect{X: [2]float64{v[0], v[2]}, Y: [2]float64{v[1], v[3]}}, nil
}

func requireKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key := strings.Trim(strings.TrimSpace(r.URL.Query().Get("key")), "/")
	if key == "" {
		http.Error(w, "missing required query param: key", http.StatusBadRequest)
		return "", false
	}
	return key, true
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError maps typed errors to HTTP status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusCode(err)
	if code >= http.StatusInternalServerError {
		logs.WithTag("path", r.URL.Path).
			WithTag("code", code).
			Warn(err)
	}
	writeJSON(w, code, map[string]interface{}{
		"error": err.Error(),
		"type":  errors.Type(err),
	})
}

func statusCode(err error) int {
	switch errors.Type(err) {
	case tile.ErrTypeInvalidKey,
		tile.ErrTypeSortedIterationUnsupported,
		macrotile.ErrTypeInvalidGrouping:
		return http.StatusBadRequest

	case service.ErrTypeTileNotFound,
		tile.ErrTypeColumnNotFound,
		tile.ErrTypeTransformationUndefined:
		return http.StatusNotFound

	case prefetch.ErrTypeQueueFull:
		return http.StatusTooManyRequests

	case service.ErrTypePrefetchDisabled:
		return http.StatusServiceUnavailable

	case tile.ErrTypeFetchFailed,
		fetch.ErrTypeNotFound,
		fetch.ErrTypeUnexpectedCode,
		fetch.ErrTypeTransport,
		fetch.ErrTypeDecode:
		return http.StatusBadGateway

	default:
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout
		}
		return http.StatusInternalServerError
	}
}
