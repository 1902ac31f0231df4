package tile

import "math"

// Rect is an axis-aligned rectangle in data coordinates. Its JSON form is
// {"x":[min,max],"y":[min,max]}.
type Rect struct {
	X [2]float64 `json:"x"`
	Y [2]float64 `json:"y"`
}

// IsZero reports whether r is the zero rectangle.
func (r Rect) IsZero() bool {
	return r == Rect{}
}

// Intersects uses half-open interval overlap on both axes, so rectangles that
// only share an edge do not intersect.
func (r Rect) Intersects(o Rect) bool {
	return r.X[0] < o.X[1] && o.X[0] < r.X[1] &&
		r.Y[0] < o.Y[1] && o.Y[0] < r.Y[1]
}

// Contains is strict: points on the boundary are outside.
func (r Rect) Contains(x, y float64) bool {
	return x > r.X[0] && x < r.X[1] && y > r.Y[0] && y < r.Y[1]
}

// Quadrant returns the cell of r addressed by q, splitting r 2^depth times
// along each axis.
func (r Rect) Quadrant(q QuadKey) Rect {
	n := math.Exp2(float64(q.Depth))
	xstep := (r.X[1] - r.X[0]) / n
	ystep := (r.Y[1] - r.Y[0]) / n
	return Rect{
		X: [2]float64{r.X[0] + float64(q.X)*xstep, r.X[0] + float64(q.X+1)*xstep},
		Y: [2]float64{r.Y[0] + float64(q.Y)*ystep, r.Y[0] + float64(q.Y+1)*ystep},
	}
}
