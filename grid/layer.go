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

// Package grid maps polygon layers onto regular grids: it rasterizes
// polygons into ID rasters and builds aggregation tables that record the
// fraction of each grid cell lying within each polygon.
package grid

import (
	"encoding/gob"
	"errors"
	"fmt"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/encoding/shp"
	"github.com/ctessum/geom/proj"
)

func init() {
	gob.Register(geom.Polygon{})
	gob.Register(geom.MultiPolygon{})
}

// Configuration errors.
var (
	// ErrCRS indicates an undefined or incompatible coordinate reference system.
	ErrCRS = errors.New("incompatible or undefined coordinate reference system")

	// ErrField indicates a missing polygon identifier or attribute field.
	ErrField = errors.New("missing field")

	// ErrDuplicateID indicates that a polygon identifier is not unique.
	ErrDuplicateID = errors.New("duplicate polygon identifier")

	// ErrEmptyPolygon indicates a polygon that does not overlap any valid cell.
	ErrEmptyPolygon = errors.New("polygon does not overlap any valid grid cell")
)

// Feature is a polygon with attributes.
type Feature struct {
	geom.Polygonal
	Attributes map[string]string
}

// Layer is a set of polygon features sharing a spatial reference.
type Layer struct {
	Features []*Feature

	// SR is the spatial reference of the features. A nil value
	// means the spatial reference is undefined.
	SR *proj.SR
}

// ReadShapefile reads the polygons in the given shapefile, along with the
// values of the specified attribute fields. If the shapefile has no
// projection (.prj) file, the spatial reference of the returned layer
// is undefined.
func ReadShapefile(path string, fields ...string) (*Layer, error) {
	d, err := shp.NewDecoder(path)
	if err != nil {
		return nil, fmt.Errorf("grid: opening shapefile: %v", err)
	}
	defer d.Close()

	l := new(Layer)
	if sr, err := d.SR(); err == nil {
		l.SR = sr
	}
	for {
		g, attrs, more := d.DecodeRowFields(fields...)
		if !more {
			break
		}
		if err := d.Error(); err != nil {
			return nil, fmt.Errorf("grid: reading shapefile %s: %v", path, err)
		}
		p, ok := g.(geom.Polygonal)
		if !ok {
			return nil, fmt.Errorf("grid: shapefile %s contains non-polygon geometry %T", path, g)
		}
		l.Features = append(l.Features, &Feature{Polygonal: p, Attributes: attrs})
	}
	if err := d.Error(); err != nil {
		return nil, fmt.Errorf("grid: reading shapefile %s: %v", path, err)
	}
	return l, nil
}

// Reproject returns a copy of l in spatial reference sr. It fails with
// ErrCRS if either spatial reference is undefined or no transform
// between them exists.
func (l *Layer) Reproject(sr *proj.SR) (*Layer, error) {
	if l.SR == nil {
		return nil, fmt.Errorf("grid: polygon layer: %w", ErrCRS)
	}
	if sr == nil {
		return nil, fmt.Errorf("grid: target grid: %w", ErrCRS)
	}
	ct, err := l.SR.NewTransform(sr)
	if err != nil {
		return nil, fmt.Errorf("grid: transforming polygons to grid projection: %v: %w", err, ErrCRS)
	}
	o := &Layer{SR: sr, Features: make([]*Feature, len(l.Features))}
	for i, f := range l.Features {
		g, err := f.Transform(ct)
		if err != nil {
			return nil, fmt.Errorf("grid: transforming polygon %d: %v: %w", i, err, ErrCRS)
		}
		p, ok := g.(geom.Polygonal)
		if !ok {
			return nil, fmt.Errorf("grid: transformed polygon %d has type %T", i, g)
		}
		o.Features[i] = &Feature{Polygonal: p, Attributes: f.Attributes}
	}
	return o, nil
}

// Values returns the values of the named attribute for every feature.
func (l *Layer) Values(field string) ([]string, error) {
	o := make([]string, len(l.Features))
	for i, f := range l.Features {
		v, ok := f.Attributes[field]
		if !ok {
			return nil, fmt.Errorf("grid: polygon %d has no field %q: %w", i, field, ErrField)
		}
		o[i] = v
	}
	return o, nil
}
