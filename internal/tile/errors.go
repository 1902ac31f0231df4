package tile

import (
	"github.com/aukilabs/go-tooling/pkg/errors"
)

// Error types returned by the tile tree. Test them with errors.IsType.
const (
	ErrTypeColumnNotFound                    = "column-not-found"
	ErrTypeTransformationUndefined           = "transformation-undefined"
	ErrTypeTransformationProducedEmptyResult = "transformation-produced-empty-result"
	ErrTypeManifestAccessedBeforeReady       = "manifest-accessed-before-ready"
	ErrTypeIncompleteManifestAssigned        = "incomplete-manifest-assigned"
	ErrTypeManifestAlreadySet                = "manifest-already-set"
	ErrTypeSortedIterationUnsupported        = "sorted-iteration-unsupported"
	ErrTypeMissingIndexColumn                = "missing-index-column"
	ErrTypeMissingDeeptableReference         = "missing-deeptable-reference"
	ErrTypeMalformedMetadata                 = "malformed-metadata"
	ErrTypeFetchFailed                       = "fetch-failed"
	ErrTypeInvalidKey                        = "invalid-key"
)

func errColumnNotFound(key, column string) error {
	return errors.New("column not found").
		WithType(ErrTypeColumnNotFound).
		WithTag("tile", key).
		WithTag("column", column)
}

func errTransformationUndefined(key, name string) error {
	return errors.New("no transformation registered").
		WithType(ErrTypeTransformationUndefined).
		WithTag("tile", key).
		WithTag("transformation", name)
}

func errEmptyTransformation(key, name string) error {
	return errors.New("transformation returned no column").
		WithType(ErrTypeTransformationProducedEmptyResult).
		WithTag("tile", key).
		WithTag("transformation", name)
}

func errManifestNotReady(key string) error {
	return errors.New("manifest accessed before it was populated").
		WithType(ErrTypeManifestAccessedBeforeReady).
		WithTag("tile", key)
}

func errMissingDeeptable() error {
	return errors.New("tile node has no owning tree").
		WithType(ErrTypeMissingDeeptableReference)
}
