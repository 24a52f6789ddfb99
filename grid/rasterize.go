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
	"fmt"
	"runtime"
	"strings"
	"sync"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/index/rtree"
	"github.com/spatialmodel/mbg/raster"
)

// Rule specifies how to decide whether a pixel is inside the study area.
type Rule int

const (
	// CellCenter includes pixels whose center is inside (or on the edge of)
	// any polygon.
	CellCenter Rule = iota

	// MajorityArea includes pixels where at least half of the pixel area is
	// covered by polygons.
	MajorityArea

	// Touches includes pixels with any positive-area overlap with a polygon.
	Touches
)

var ruleNames = map[Rule]string{
	CellCenter:   "center",
	MajorityArea: "majority",
	Touches:      "touches",
}

func (r Rule) String() string {
	if s, ok := ruleNames[r]; ok {
		return s
	}
	return fmt.Sprintf("Rule(%d)", int(r))
}

// ParseRule returns the rule with the given name.
func ParseRule(s string) (Rule, error) {
	for r, name := range ruleNames {
		if strings.EqualFold(s, name) {
			return r, nil
		}
	}
	return 0, fmt.Errorf("grid: invalid rasterization rule %q; valid options are center, majority, and touches", s)
}

// Rasterize creates an ID raster on the template grid in which every
// pixel selected by rule gets a unique sequential cell ID. The layer is
// reprojected to the template projection if necessary; Rasterize fails
// with ErrCRS if either projection is undefined or they are incompatible.
func Rasterize(layer *Layer, template raster.Grid, rule Rule) (*raster.IDRaster, error) {
	if err := template.Check(); err != nil {
		return nil, err
	}
	if _, ok := ruleNames[rule]; !ok {
		return nil, fmt.Errorf("grid: invalid rasterization rule %v", rule)
	}
	l, err := alignLayer(layer, template)
	if err != nil {
		return nil, err
	}

	index := rtree.NewTree(25, 50)
	for _, f := range l.Features {
		index.Insert(&indexedFeature{Feature: f, clip: newClipper(f.Polygonal)})
	}

	include := make([]bool, template.Len())
	nprocs := runtime.GOMAXPROCS(0)
	var wg sync.WaitGroup
	wg.Add(nprocs)
	for p := 0; p < nprocs; p++ {
		go func(p int) {
			defer wg.Done()
			for row := p; row < template.Ny; row += nprocs {
				for col := 0; col < template.Nx; col++ {
					include[row*template.Nx+col] = selected(index, template, row, col, rule)
				}
			}
		}(p)
	}
	wg.Wait()

	return raster.NewIDRaster(template, func(row, col int) bool {
		return include[row*template.Nx+col]
	}), nil
}

// indexedFeature is a polygon feature stored in a spatial index.
type indexedFeature struct {
	*Feature
	clip *clipper
}

// selected returns whether the pixel at (row, col) is inside the study area.
func selected(index *rtree.Rtree, g raster.Grid, row, col int, rule Rule) bool {
	cell := g.CellPolygon(row, col).Bounds()
	candidates := index.SearchIntersect(cell)
	switch rule {
	case CellCenter:
		c := g.CellCenter(row, col)
		for _, fI := range candidates {
			if in := c.Within(fI.(*indexedFeature).Polygonal); in == geom.Inside || in == geom.OnEdge {
				return true
			}
		}
	case MajorityArea:
		var covered float64
		for _, fI := range candidates {
			covered += fI.(*indexedFeature).clip.area(cell)
		}
		// Overlapping polygons may double count area.
		return covered >= 0.5*g.CellArea()
	case Touches:
		for _, fI := range candidates {
			if fI.(*indexedFeature).clip.area(cell) > fractionTolerance*g.CellArea() {
				return true
			}
		}
	}
	return false
}

// alignLayer returns layer in the projection of grid g.
func alignLayer(layer *Layer, g raster.Grid) (*Layer, error) {
	sr, err := g.SpatialRef()
	if err != nil {
		return nil, fmt.Errorf("grid: template raster: %v: %w", err, ErrCRS)
	}
	return layer.Reproject(sr)
}
