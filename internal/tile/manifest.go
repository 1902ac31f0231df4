package tile

import (
	"context"
	"os"
	"slices"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/segmentio/encoding/json"
)

// ManifestState is how much of a tile's structure is known.
type ManifestState int

const (
	// Unresolved: only the key is known.
	Unresolved ManifestState = iota
	// Partial: a description supplies some fields but the manifest is not set.
	Partial
	// Complete: the manifest is set and immutable.
	Complete
)

func (s ManifestState) String() string {
	switch s {
	case Partial:
		return "partial"
	case Complete:
		return "complete"
	default:
		return "unresolved"
	}
}

// Manifest is the complete structural metadata of a tile.
//
// Children must be non-nil: an empty slice marks a leaf, a nil slice means the
// children are unknown and the manifest is rejected by SetManifest.
type Manifest struct {
	Key      string   `json:"key"`
	Children []string `json:"children"`
	MinIx    int64    `json:"min_ix"`
	MaxIx    int64    `json:"max_ix"`
	Extent   *Rect    `json:"extent,omitempty"`
	NPoints  int      `json:"nPoints"`
}

// Equal reports whether two manifests describe the same tile structure.
func (m Manifest) Equal(o Manifest) bool {
	if m.Key != o.Key || m.MinIx != o.MinIx || m.MaxIx != o.MaxIx || m.NPoints != o.NPoints {
		return false
	}
	if !slices.Equal(m.Children, o.Children) {
		return false
	}
	if (m.Extent == nil) != (o.Extent == nil) {
		return false
	}
	return m.Extent == nil || *m.Extent == *o.Extent
}

func (m Manifest) clone() Manifest {
	out := m
	out.Children = slices.Clone(m.Children)
	if out.Children == nil && m.Children != nil {
		out.Children = []string{}
	}
	if m.Extent != nil {
		e := *m.Extent
		out.Extent = &e
	}
	return out
}

// Description is a partial, caller-supplied manifest. Nil fields are unknown.
type Description struct {
	Key      string   `json:"key"`
	Children []string `json:"children"`
	MinIx    *int64   `json:"min_ix,omitempty"`
	MaxIx    *int64   `json:"max_ix,omitempty"`
	Extent   *Rect    `json:"extent,omitempty"`
	NPoints  int      `json:"nPoints,omitempty"`
}

// DescriptionFromManifest turns a complete manifest back into a description
// that fully determines it.
func DescriptionFromManifest(m Manifest) Description {
	m = m.clone()
	minIx, maxIx := m.MinIx, m.MaxIx
	return Description{
		Key:      m.Key,
		Children: m.Children,
		MinIx:    &minIx,
		MaxIx:    &maxIx,
		Extent:   m.Extent,
		NPoints:  m.NPoints,
	}
}

// DescriptionSource supplies known descriptions of tiles before their objects
// are fetched.
type DescriptionSource interface {
	Describe(ctx context.Context, key string) (Description, bool, error)
}

// ManifestSink is told about every manifest a tree completes.
type ManifestSink interface {
	RecordManifest(ctx context.Context, m Manifest) error
}

// Descriptions consults each source in order and returns the first hit.
type Descriptions []DescriptionSource

func (d Descriptions) Describe(ctx context.Context, key string) (Description, bool, error) {
	for _, src := range d {
		if src == nil {
			continue
		}
		desc, ok, err := src.Describe(ctx, key)
		if err != nil {
			return Description{}, false, err
		}
		if ok {
			return desc, true, nil
		}
	}
	return Description{}, false, nil
}

// StaticDescriptions is an in-memory description source keyed by tile key.
type StaticDescriptions map[string]Description

func (s StaticDescriptions) Describe(_ context.Context, key string) (Description, bool, error) {
	d, ok := s[key]
	return d, ok, nil
}

// LoadDescriptions reads a JSON manifest file: either an array of descriptions
// or a single root description whose children may be nested descriptions.
func LoadDescriptions(path string) (StaticDescriptions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New("failed to read manifest file").
			WithTag("path", path).
			Wrap(err)
	}

	out := make(StaticDescriptions)

	var flat []Description
	if err := json.Unmarshal(data, &flat); err == nil {
		for _, d := range flat {
			out[d.Key] = d
		}
		return out, nil
	}

	var root nestedDescription
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, errors.New("failed to parse manifest file").
			WithType(ErrTypeMalformedMetadata).
			WithTag("path", path).
			Wrap(err)
	}
	root.flatten(out)
	return out, nil
}

type nestedDescription struct {
	Key      string              `json:"key"`
	Children []nestedDescription `json:"children"`
	MinIx    *int64              `json:"min_ix"`
	MaxIx    *int64              `json:"max_ix"`
	Extent   *Rect               `json:"extent"`
	NPoints  int                 `json:"nPoints"`
}

func (n nestedDescription) flatten(out StaticDescriptions) {
	d := Description{
		Key:     n.Key,
		MinIx:   n.MinIx,
		MaxIx:   n.MaxIx,
		Extent:  n.Extent,
		NPoints: n.NPoints,
	}
	if n.Children != nil {
		d.Children = make([]string, 0, len(n.Children))
		for _, c := range n.Children {
			d.Children = append(d.Children, c.Key)
			c.flatten(out)
		}
	}
	out[n.Key] = d
}
