/*
Copyright © 2026 the MBG authors.
This file is part of MBG.

MBG is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

MBG is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with MBG.  If not, see <http://www.gnu.org/licenses/>.
*/


package grid

import (
	"math"

	"github.com/ctessum/geom"
)

// clipper calculates the area of overlap between a polygon and
// axis-aligned rectangles, such as grid cells. Each ring is clipped to
// the rectangle separately, so edges that coincide with the rectangle
// edges are handled exactly.
type clipper struct {
	rings [][]geom.Point

	// sign is -1 for rings that are holes and 1 otherwise.
	sign []float64
}

// newClipper prepares p for clipping.
func newClipper(p geom.Polygonal) *clipper {
	c := new(clipper)
	for _, poly := range p.Polygons() {
		for i, r := range poly {
			if len(r) < 3 {
				continue
			}
			c.rings = append(c.rings, r)
			c.sign = append(c.sign, ringSign(poly, i))
		}
	}
	return c
}

// ringSign returns -1 if ring i of p is inside an odd number of the
// other rings, meaning that it is a hole, and 1 otherwise.
func ringSign(p geom.Polygon, i int) float64 {
	var n int
	for j, other := range p {
		if j == i || len(other) < 3 {
			continue
		}
		o := geom.Polygon{other}
		for _, pt := range p[i] {
			in := pt.Within(o)
			if in == geom.OnEdge {
				continue
			}
			if in == geom.Inside {
				n++
			}
			break
		}
	}
	if n%2 == 1 {
		return -1
	}
	return 1
}

// area returns the area of the overlap between the polygon and b.
func (c *clipper) area(b *geom.Bounds) float64 {
	var a float64
	for i, r := range c.rings {
		a += c.sign[i] * math.Abs(signedArea(clipRing(r, b)))
	}
	return math.Max(a, 0)
}

// clipRing clips r to b using the Sutherland-Hodgman algorithm.
func clipRing(r []geom.Point, b *geom.Bounds) []geom.Point {
	edges := []struct {
		inside func(p geom.Point) bool
		cross  func(p, q geom.Point) geom.Point
	}{
		{ // left
			inside: func(p geom.Point) bool { return p.X >= b.Min.X },
			cross:  func(p, q geom.Point) geom.Point { return atX(p, q, b.Min.X) },
		},
		{ // right
			inside: func(p geom.Point) bool { return p.X <= b.Max.X },
			cross:  func(p, q geom.Point) geom.Point { return atX(p, q, b.Max.X) },
		},
		{ // bottom
			inside: func(p geom.Point) bool { return p.Y >= b.Min.Y },
			cross:  func(p, q geom.Point) geom.Point { return atY(p, q, b.Min.Y) },
		},
		{ // top
			inside: func(p geom.Point) bool { return p.Y <= b.Max.Y },
			cross:  func(p, q geom.Point) geom.Point { return atY(p, q, b.Max.Y) },
		},
	}
	out := r
	for _, e := range edges {
		if len(out) == 0 {
			break
		}
		in := out
		out = make([]geom.Point, 0, len(in)+4)
		prev := in[len(in)-1]
		for _, p := range in {
			switch {
			case e.inside(p):
				if !e.inside(prev) {
					out = append(out, e.cross(prev, p))
				}
				out = append(out, p)
			case e.inside(prev):
				out = append(out, e.cross(prev, p))
			}
			prev = p
		}
	}
	return out
}

func atX(p, q geom.Point, x float64) geom.Point {
	return geom.Point{X: x, Y: p.Y + (q.Y-p.Y)*(x-p.X)/(q.X-p.X)}
}

func atY(p, q geom.Point, y float64) geom.Point {
	return geom.Point{X: p.X + (q.X-p.X)*(y-p.Y)/(q.Y-p.Y), Y: y}
}

// signedArea returns the shoelace area of the ring r, which may or may
// not be closed.
func signedArea(r []geom.Point) float64 {
	if len(r) < 3 {
		return 0
	}
	var a float64
	prev := r[len(r)-1]
	for _, p := range r {
		a += prev.X*p.Y - p.X*prev.Y
		prev = p
	}
	return a / 2
}
