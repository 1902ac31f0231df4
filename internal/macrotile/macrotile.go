// Package macrotile groups quadtree tile keys into coarser macrotiles used to
// batch work over neighbouring tiles.
package macrotile

import (
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/soma-tiles/deeptable/internal/tile"
	"golang.org/x/sync/singleflight"
)

// ErrTypeInvalidGrouping is returned for unusable size/parents parameters.
const ErrTypeInvalidGrouping = "invalid-macrotile-grouping"

// MaxExpansion bounds parents+size so descendant lists stay enumerable.
const MaxExpansion = 9

// Macrotile climbs from key until the depth is a multiple of size and at least
// parents levels have been climbed. Climbing stops at the root.
func Macrotile(key string, size, parents int) (string, error) {
	if err := validate(size, parents); err != nil {
		return "", err
	}
	q, err := tile.ParseKey(key)
	if err != nil {
		return "", err
	}
	return climb(q, size, parents).String(), nil
}

func climb(q tile.QuadKey, size, parents int) tile.QuadKey {
	moves := 0
	for !(q.Depth%size == 0 && moves >= parents) {
		if q.Depth == 0 {
			break
		}
		q = q.Parent()
		moves++
	}
	return q
}

// Descendants expands macrokey downward, keeping the levels parents through
// parents+size-1 below it, shallow levels first. Within a level keys follow
// child order.
func Descendants(macrokey string, size, parents int) ([]string, error) {
	if err := validate(size, parents); err != nil {
		return nil, err
	}
	q, err := tile.ParseKey(macrokey)
	if err != nil {
		return nil, err
	}

	var out []string
	level := []tile.QuadKey{q}
	for depth := 1; depth < parents+size; depth++ {
		next := make([]tile.QuadKey, 0, len(level)*4)
		for _, k := range level {
			children := k.Children()
			next = append(next, children[:]...)
		}
		level = next
		if depth >= parents {
			for _, k := range level {
				out = append(out, k.String())
			}
		}
	}
	if parents == 0 {
		out = append([]string{q.String()}, out...)
	}
	return out, nil
}

func validate(size, parents int) error {
	if size < 1 || parents < 0 || parents+size > MaxExpansion {
		return errors.New("unusable macrotile grouping").
			WithType(ErrTypeInvalidGrouping).
			WithTag("size", size).
			WithTag("parents", parents)
	}
	return nil
}

// DescendantCache memoizes descendant lists by macrotile.
type DescendantCache interface {
	Get(key string) ([]string, bool)
	Add(key string, value []string) bool
}

// Grouper applies one size/parents grouping and memoizes descendant lists.
type Grouper struct {
	size    int
	parents int
	cache   DescendantCache

	group    singleflight.Group
	computed atomic.Uint64
}

// NewGrouper creates a grouper backed by cache.
func NewGrouper(size, parents int, cache DescendantCache) (*Grouper, error) {
	if err := validate(size, parents); err != nil {
		return nil, err
	}
	if cache == nil {
		return nil, errors.New("macrotile grouper requires a descendant cache")
	}
	return &Grouper{size: size, parents: parents, cache: cache}, nil
}

// Size returns the grouping size.
func (g *Grouper) Size() int { return g.size }

// Parents returns the number of levels always climbed.
func (g *Grouper) Parents() int { return g.parents }

// Macrotile returns the macrotile key of key.
func (g *Grouper) Macrotile(key string) (string, error) {
	return Macrotile(key, g.size, g.parents)
}

// Descendants returns the memoized descendant list of macrokey.
func (g *Grouper) Descendants(macrokey string) ([]string, error) {
	cacheKey := fmt.Sprintf("%s|%d|%d", macrokey, g.size, g.parents)
	if keys, ok := g.cache.Get(cacheKey); ok {
		return slices.Clone(keys), nil
	}

	v, err, _ := g.group.Do(cacheKey, func() (interface{}, error) {
		if keys, ok := g.cache.Get(cacheKey); ok {
			return keys, nil
		}
		keys, err := Descendants(macrokey, g.size, g.parents)
		if err != nil {
			return nil, err
		}
		g.cache.Add(cacheKey, keys)
		g.computed.Add(1)
		return keys, nil
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(v.([]string)), nil
}

// Siblings returns every tile grouped with key under its macrotile.
func (g *Grouper) Siblings(key string) ([]string, error) {
	macrokey, err := g.Macrotile(key)
	if err != nil {
		return nil, err
	}
	return g.Descendants(macrokey)
}

// Computed returns how many descendant lists have been computed rather than
// served from the cache.
func (g *Grouper) Computed() uint64 {
	return g.computed.Load()
}
