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
	"sort"

	"github.com/ctessum/cdf"
	"gonum.org/v1/gonum/mat"
)

// Global attribute names used to store grid geometry in netCDF files.
const (
	attrNx   = "nx"
	attrNy   = "ny"
	attrDx   = "dx"
	attrDy   = "dy"
	attrX0   = "x0"
	attrY0   = "y0"
	attrProj = "proj"
)

// DrawsVariable is the name of the netCDF variable holding cell draws.
const DrawsVariable = "draws"

// WriteNCF writes the given rasters, which must all be on the same grid,
// to w in netCDF format. vars maps variable names to rasters.
func WriteNCF(w cdf.ReaderWriterAt, vars map[string]*Raster) error {
	if len(vars) == 0 {
		return fmt.Errorf("raster: no variables to write")
	}
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)
	g := vars[names[0]].Grid
	for _, name := range names[1:] {
		if !g.SameGrid(vars[name].Grid) {
			return fmt.Errorf("raster: variable %s is on a different grid than variable %s", name, names[0])
		}
	}

	h := cdf.NewHeader([]string{"y", "x"}, []int{g.Ny, g.Nx})
	addGridAttributes(h, g)
	for _, name := range names {
		h.AddVariable(name, []string{"y", "x"}, []float64{0})
	}
	h.Define()
	f, err := cdf.Create(w, h)
	if err != nil {
		return fmt.Errorf("raster: creating netCDF file: %v", err)
	}
	for _, name := range names {
		if err := writeVar(f, name, vars[name].Data.Elements); err != nil {
			return err
		}
	}
	return nil
}

// ReadNCF reads all of the raster variables in a netCDF file written by
// WriteNCF.
func ReadNCF(r cdf.ReaderWriterAt) (map[string]*Raster, error) {
	f, err := cdf.Open(r)
	if err != nil {
		return nil, fmt.Errorf("raster: opening netCDF file: %v", err)
	}
	g, err := readGridAttributes(f.Header)
	if err != nil {
		return nil, err
	}
	o := make(map[string]*Raster)
	for _, v := range f.Header.Variables() {
		dims := f.Header.Lengths(v)
		if len(dims) != 2 || dims[0] != g.Ny || dims[1] != g.Nx {
			continue // not a raster variable
		}
		data, err := readVar(f, v)
		if err != nil {
			return nil, err
		}
		rr := New(g)
		copy(rr.Data.Elements, data)
		o[v] = rr
	}
	return o, nil
}

// ReadNCFVariable reads a single raster variable from a netCDF file.
func ReadNCFVariable(r cdf.ReaderWriterAt, name string) (*Raster, error) {
	vars, err := ReadNCF(r)
	if err != nil {
		return nil, err
	}
	v, ok := vars[name]
	if !ok {
		return nil, fmt.Errorf("raster: netCDF file does not contain raster variable %q", name)
	}
	return v, nil
}

// WriteDrawsNCF writes a cell draws matrix (cells × samples) to w in
// netCDF format.
func WriteDrawsNCF(w cdf.ReaderWriterAt, draws *mat.Dense) error {
	nCells, nSamples := draws.Dims()
	h := cdf.NewHeader([]string{"cell", "sample"}, []int{nCells, nSamples})
	h.AddAttribute("", "comment", "Cell-level posterior draws; row i holds cell ID i+1")
	h.AddVariable(DrawsVariable, []string{"cell", "sample"}, []float64{0})
	h.Define()
	f, err := cdf.Create(w, h)
	if err != nil {
		return fmt.Errorf("raster: creating netCDF file: %v", err)
	}
	data := make([]float64, 0, nCells*nSamples)
	for i := 0; i < nCells; i++ {
		data = append(data, draws.RawRowView(i)...)
	}
	return writeVar(f, DrawsVariable, data)
}

// ReadDrawsNCF reads a cell draws matrix written by WriteDrawsNCF.
func ReadDrawsNCF(r cdf.ReaderWriterAt) (*mat.Dense, error) {
	f, err := cdf.Open(r)
	if err != nil {
		return nil, fmt.Errorf("raster: opening netCDF file: %v", err)
	}
	dims := f.Header.Lengths(DrawsVariable)
	if len(dims) != 2 {
		return nil, fmt.Errorf("raster: netCDF variable %q should have 2 dimensions but has %d", DrawsVariable, len(dims))
	}
	data, err := readVar(f, DrawsVariable)
	if err != nil {
		return nil, err
	}
	return mat.NewDense(dims[0], dims[1], data), nil
}

func addGridAttributes(h *cdf.Header, g Grid) {
	h.AddAttribute("", attrNx, []float64{float64(g.Nx)})
	h.AddAttribute("", attrNy, []float64{float64(g.Ny)})
	h.AddAttribute("", attrDx, []float64{g.Dx})
	h.AddAttribute("", attrDy, []float64{g.Dy})
	h.AddAttribute("", attrX0, []float64{g.X0})
	h.AddAttribute("", attrY0, []float64{g.Y0})
	if g.Proj != "" {
		h.AddAttribute("", attrProj, g.Proj)
	}
}

func readGridAttributes(h *cdf.Header) (Grid, error) {
	var g Grid
	ints := map[string]*int{attrNx: &g.Nx, attrNy: &g.Ny}
	for name, dst := range ints {
		v, err := attrFloat(h, name)
		if err != nil {
			return g, err
		}
		*dst = int(v)
	}
	floats := map[string]*float64{attrDx: &g.Dx, attrDy: &g.Dy, attrX0: &g.X0, attrY0: &g.Y0}
	for name, dst := range floats {
		v, err := attrFloat(h, name)
		if err != nil {
			return g, err
		}
		*dst = v
	}
	if p, ok := h.GetAttribute("", attrProj).(string); ok {
		g.Proj = p
	}
	return g, g.Check()
}

func attrFloat(h *cdf.Header, name string) (float64, error) {
	switch v := h.GetAttribute("", name).(type) {
	case []float64:
		if len(v) == 1 {
			return v[0], nil
		}
	case []float32:
		if len(v) == 1 {
			return float64(v[0]), nil
		}
	case []int32:
		if len(v) == 1 {
			return float64(v[0]), nil
		}
	case nil:
		return 0, fmt.Errorf("raster: netCDF file is missing grid attribute %q", name)
	}
	return 0, fmt.Errorf("raster: invalid netCDF grid attribute %q", name)
}

func writeVar(f *cdf.File, name string, data []float64) error {
	end := f.Header.Lengths(name)
	start := make([]int, len(end))
	w := f.Writer(name, start, end)
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("raster: writing netCDF variable %s: %v", name, err)
	}
	return nil
}

// readVar reads a whole numeric variable, converting it to float64.
func readVar(f *cdf.File, name string) ([]float64, error) {
	n := 1
	for _, l := range f.Header.Lengths(name) {
		n *= l
	}
	buf := f.Header.ZeroValue(name, n)
	r := f.Reader(name, nil, nil)
	if _, err := r.Read(buf); err != nil {
		return nil, fmt.Errorf("raster: reading netCDF variable %s: %v", name, err)
	}
	switch v := buf.(type) {
	case []float64:
		return v, nil
	case []float32:
		o := make([]float64, len(v))
		for i, e := range v {
			o[i] = float64(e)
		}
		return o, nil
	case []int32:
		o := make([]float64, len(v))
		for i, e := range v {
			o[i] = float64(e)
		}
		return o, nil
	default:
		return nil, fmt.Errorf("raster: netCDF variable %s has unsupported type %T", name, buf)
	}
}
