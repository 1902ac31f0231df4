package tile

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	objectKindLabel = "object_kind"
	resultLabel     = "result"
	sourceLabel     = "source"
)

var (
	tileFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tile_fetches",
		Help: "The number of tile object retrievals dispatched.",
	}, []string{
		objectKindLabel,
	})

	tileFetchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tile_fetch_errors",
		Help: "The number of tile object retrievals that failed.",
	}, []string{
		objectKindLabel,
	})

	tileTransformations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tile_transformations",
		Help: "The number of column transformations executed.",
	}, []string{
		resultLabel,
	})

	tileManifestResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tile_manifest_resolutions",
		Help: "The number of manifests completed, by where the structure came from.",
	}, []string{
		sourceLabel,
	})

	tileManifestCorruptions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tile_manifest_corruptions",
		Help: "The number of manifests recovered from inverted index bounds.",
	})
)

func instrumentFetch(kind string) {
	tileFetches.With(prometheus.Labels{objectKindLabel: kind}).Inc()
}

func instrumentFetchError(kind string) {
	tileFetchErrors.With(prometheus.Labels{objectKindLabel: kind}).Inc()
}

func instrumentTransformation(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	tileTransformations.With(prometheus.Labels{resultLabel: result}).Inc()
}

func instrumentManifestResolution(source string) {
	tileManifestResolutions.With(prometheus.Labels{sourceLabel: source}).Inc()
}
