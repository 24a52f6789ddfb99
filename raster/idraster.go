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

package raster

import (
	"fmt"
	"math"

	"github.com/ctessum/geom"
)

// Index is the location of a cell in a grid.
type Index struct {
	Row, Col int
}

// IDRaster is a grid where each valid cell holds a unique cell ID.
// IDs are dense and contiguous, from 1 to Len(), and are assigned in
// row-major order. A value of 0 means that the cell is outside of the
// study area.
type IDRaster struct {
	Grid

	ids   []int
	cells []Index
}

// NewIDRaster creates an ID raster on grid g, assigning sequential IDs
// to the cells where include returns true.
func NewIDRaster(g Grid, include func(row, col int) bool) *IDRaster {
	r := &IDRaster{Grid: g, ids: make([]int, g.Len())}
	for row := 0; row < g.Ny; row++ {
		for col := 0; col < g.Nx; col++ {
			if include(row, col) {
				r.cells = append(r.cells, Index{Row: row, Col: col})
				r.ids[row*g.Nx+col] = len(r.cells)
			}
		}
	}
	return r
}

// IDRasterFromRaster converts a raster of cell IDs, for example one read
// from a file, into an ID raster. Missing and zero values are outside of
// the study area. It fails if the IDs are not integers or are not dense and
// contiguous in row-major order.
func IDRasterFromRaster(r *Raster) (*IDRaster, error) {
	o := &IDRaster{Grid: r.Grid, ids: make([]int, r.Len())}
	for row := 0; row < r.Ny; row++ {
		for col := 0; col < r.Nx; col++ {
			if !r.Valid(row, col) || r.Get(row, col) == 0 {
				continue
			}
			v := r.Get(row, col)
			if v != math.Trunc(v) || v < 0 {
				return nil, fmt.Errorf("raster: invalid cell ID %g at row %d, column %d", v, row, col)
			}
			id := int(v)
			if id != len(o.cells)+1 {
				return nil, fmt.Errorf("raster: cell IDs are not contiguous: got %d at row %d, column %d but expected %d",
					id, row, col, len(o.cells)+1)
			}
			o.cells = append(o.cells, Index{Row: row, Col: col})
			o.ids[row*r.Nx+col] = id
		}
	}
	return o, nil
}

// Len returns the number of valid cells.
func (r *IDRaster) Len() int { return len(r.cells) }

// ID returns the cell ID at (row, col), or 0 if the cell is not valid.
func (r *IDRaster) ID(row, col int) int { return r.ids[row*r.Nx+col] }

// Cell returns the location of the cell with the given ID.
func (r *IDRaster) Cell(id int) (Index, bool) {
	if id < 1 || id > len(r.cells) {
		return Index{}, false
	}
	return r.cells[id-1], true
}

// Polygon returns the geometry of the cell with the given ID.
func (r *IDRaster) Polygon(id int) geom.Polygon {
	c := r.cells[id-1]
	return r.CellPolygon(c.Row, c.Col)
}

// Centers returns the center points of all valid cells, ordered by ID.
func (r *IDRaster) Centers() []geom.Point {
	o := make([]geom.Point, len(r.cells))
	for i, c := range r.cells {
		o[i] = r.CellCenter(c.Row, c.Col)
	}
	return o
}

// Raster returns r as a floating point raster, with missing values for
// cells outside of the study area.
func (r *IDRaster) Raster() *Raster {
	o := New(r.Grid)
	for i, c := range r.cells {
		o.Set(float64(i+1), c.Row, c.Col)
	}
	return o
}

// Values returns the values of v for each valid cell, ordered by ID.
// v must be on the same grid as r.
func (r *IDRaster) Values(v *Raster) ([]float64, error) {
	if !r.SameGrid(v.Grid) {
		return nil, fmt.Errorf("raster: value raster grid %+v does not match ID raster grid %+v", v.Grid, r.Grid)
	}
	o := make([]float64, len(r.cells))
	for i, c := range r.cells {
		o[i] = v.Get(c.Row, c.Col)
	}
	return o, nil
}

// Fill returns a raster on the grid of r with the given per-cell values,
// which must be ordered by ID.
func (r *IDRaster) Fill(vals []float64) (*Raster, error) {
	if len(vals) != len(r.cells) {
		return nil, fmt.Errorf("raster: %d values for %d cells", len(vals), len(r.cells))
	}
	o := New(r.Grid)
	for i, c := range r.cells {
		o.Set(vals[i], c.Row, c.Col)
	}
	return o, nil
}
