package tile

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/aukilabs/go-tooling/pkg/errors"
)

// QuadKey is the depth/column/row position of a tile in a quadtree.
type QuadKey struct {
	Depth int
	X     int
	Y     int
}

// ParseKey parses a "depth/x/y" tile key.
func ParseKey(key string) (QuadKey, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 3 {
		return QuadKey{}, errors.New("tile key is not a depth/x/y triple").
			WithType(ErrTypeInvalidKey).
			WithTag("key", key)
	}

	var vals [3]int
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil || v < 0 {
			return QuadKey{}, errors.New("tile key component is not a non-negative integer").
				WithType(ErrTypeInvalidKey).
				WithTag("key", key).
				WithTag("component", p)
		}
		vals[i] = v
	}

	q := QuadKey{Depth: vals[0], X: vals[1], Y: vals[2]}
	if q.Depth < 62 && (q.X >= 1<<q.Depth || q.Y >= 1<<q.Depth) {
		return QuadKey{}, errors.New("tile coordinates out of range for depth").
			WithType(ErrTypeInvalidKey).
			WithTag("key", key)
	}
	return q, nil
}

func (q QuadKey) String() string {
	return fmt.Sprintf("%d/%d/%d", q.Depth, q.X, q.Y)
}

// Parent returns the enclosing tile one level up. The root is its own parent.
func (q QuadKey) Parent() QuadKey {
	if q.Depth == 0 {
		return q
	}
	return QuadKey{Depth: q.Depth - 1, X: q.X / 2, Y: q.Y / 2}
}

// Children returns the four tiles one level down.
func (q QuadKey) Children() [4]QuadKey {
	d, x, y := q.Depth+1, q.X*2, q.Y*2
	return [4]QuadKey{
		{Depth: d, X: x, Y: y},
		{Depth: d, X: x + 1, Y: y},
		{Depth: d, X: x, Y: y + 1},
		{Depth: d, X: x + 1, Y: y + 1},
	}
}

// Ancestors returns the keys from the root down to, but excluding, q.
func (q QuadKey) Ancestors() []QuadKey {
	out := make([]QuadKey, q.Depth)
	cur := q
	for i := q.Depth - 1; i >= 0; i-- {
		cur = cur.Parent()
		out[i] = cur
	}
	return out
}
