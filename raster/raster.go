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

// Package raster holds regular gridded data: template, population and
// covariate rasters, and the ID raster that indexes cell-level posterior draws.
package raster

import (
	"errors"
	"fmt"
	"math"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/proj"
	"github.com/ctessum/sparse"
)

// ErrUndefinedSR is returned when a grid has no spatial reference.
var ErrUndefinedSR = errors.New("raster: undefined spatial reference")

// gridTolerance is the relative tolerance used when comparing grid geometry.
const gridTolerance = 1.e-9

// Grid specifies the geometry of a regular grid. Row 0 is the row with the
// smallest y coordinate and column 0 the column with the smallest x coordinate.
type Grid struct {
	Nx, Ny int
	Dx, Dy float64
	X0, Y0 float64 // lower left corner

	// Proj is the spatial reference of the grid in Proj4 or WKT format.
	Proj string
}

// SpatialRef returns the spatial reference of the grid.
func (g Grid) SpatialRef() (*proj.SR, error) {
	if g.Proj == "" {
		return nil, ErrUndefinedSR
	}
	sr, err := proj.Parse(g.Proj)
	if err != nil {
		return nil, fmt.Errorf("raster: parsing grid projection: %v", err)
	}
	return sr, nil
}

// Check makes sure the grid dimensions are usable.
func (g Grid) Check() error {
	if g.Nx <= 0 || g.Ny <= 0 {
		return fmt.Errorf("raster: grid dimensions %dx%d should be >0", g.Nx, g.Ny)
	}
	if !(g.Dx > 0) || !(g.Dy > 0) {
		return fmt.Errorf("raster: grid resolution Dx=%g, Dy=%g should be >0", g.Dx, g.Dy)
	}
	return nil
}

// Len returns the number of pixels in the grid.
func (g Grid) Len() int { return g.Nx * g.Ny }

// CellArea returns the area of a single grid cell.
func (g Grid) CellArea() float64 { return g.Dx * g.Dy }

// CellPolygon returns the geometry of the cell at (row, col).
func (g Grid) CellPolygon(row, col int) geom.Polygon {
	x := g.X0 + float64(col)*g.Dx
	y := g.Y0 + float64(row)*g.Dy
	return geom.Polygon{{
		{X: x, Y: y}, {X: x + g.Dx, Y: y},
		{X: x + g.Dx, Y: y + g.Dy}, {X: x, Y: y + g.Dy}, {X: x, Y: y}}}
}

// CellCenter returns the center point of the cell at (row, col).
func (g Grid) CellCenter(row, col int) geom.Point {
	return geom.Point{
		X: g.X0 + (float64(col)+0.5)*g.Dx,
		Y: g.Y0 + (float64(row)+0.5)*g.Dy,
	}
}

// Extent returns the outline of the whole grid.
func (g Grid) Extent() geom.Polygon {
	x1 := g.X0 + g.Dx*float64(g.Nx)
	y1 := g.Y0 + g.Dy*float64(g.Ny)
	return geom.Polygon{{{X: g.X0, Y: g.Y0}, {X: x1, Y: g.Y0},
		{X: x1, Y: y1}, {X: g.X0, Y: y1}, {X: g.X0, Y: g.Y0}}}
}

// Index returns the row and column of the cell containing p.
// ok is false if p is outside of the grid.
func (g Grid) Index(p geom.Point) (row, col int, ok bool) {
	col = int(math.Floor((p.X - g.X0) / g.Dx))
	row = int(math.Floor((p.Y - g.Y0) / g.Dy))
	if col < 0 || col >= g.Nx || row < 0 || row >= g.Ny {
		return -1, -1, false
	}
	return row, col, true
}

// IndexRange returns the range of rows and columns (inclusive) whose cells
// may intersect b. ok is false if b does not overlap the grid.
func (g Grid) IndexRange(b *geom.Bounds) (row0, row1, col0, col1 int, ok bool) {
	col0 = clampInt(int(math.Floor((b.Min.X-g.X0)/g.Dx)), 0, g.Nx-1)
	col1 = clampInt(int(math.Floor((b.Max.X-g.X0)/g.Dx)), 0, g.Nx-1)
	row0 = clampInt(int(math.Floor((b.Min.Y-g.Y0)/g.Dy)), 0, g.Ny-1)
	row1 = clampInt(int(math.Floor((b.Max.Y-g.Y0)/g.Dy)), 0, g.Ny-1)
	ok = b.Overlaps(g.Extent().Bounds())
	return
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// SameGrid returns whether g and o describe the same cells. Projections are
// compared only when both are specified.
func (g Grid) SameGrid(o Grid) bool {
	if g.Nx != o.Nx || g.Ny != o.Ny {
		return false
	}
	for _, v := range [][2]float64{{g.Dx, o.Dx}, {g.Dy, o.Dy}, {g.X0, o.X0}, {g.Y0, o.Y0}} {
		if math.Abs(v[0]-v[1]) > gridTolerance*math.Max(math.Abs(v[0]), math.Max(math.Abs(v[1]), 1)) {
			return false
		}
	}
	if g.Proj == "" || o.Proj == "" || g.Proj == o.Proj {
		return true
	}
	gsr, err := g.SpatialRef()
	if err != nil {
		return false
	}
	osr, err := o.SpatialRef()
	if err != nil {
		return false
	}
	return gsr.Equal(osr, 3)
}

// Raster is a grid of floating point values. NaN values represent
// missing data.
type Raster struct {
	Grid

	// Data holds the raster values with shape [Ny, Nx].
	Data *sparse.DenseArray
}

// New creates a new raster where all values are missing.
func New(g Grid) *Raster {
	r := &Raster{Grid: g, Data: sparse.ZerosDense(g.Ny, g.Nx)}
	for i := range r.Data.Elements {
		r.Data.Elements[i] = math.NaN()
	}
	return r
}

// Get returns the value at (row, col).
func (r *Raster) Get(row, col int) float64 { return r.Data.Get(row, col) }

// Set sets the value at (row, col).
func (r *Raster) Set(v float64, row, col int) { r.Data.Set(v, row, col) }

// Valid returns whether the value at (row, col) is not missing.
func (r *Raster) Valid(row, col int) bool { return !math.IsNaN(r.Data.Get(row, col)) }
