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

package aggregate

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/encoding/shp"
	goshp "github.com/jonas-p/go-shp"
	"github.com/spatialmodel/mbg/grid"
	"github.com/tealeg/xlsx"
)

// Column names for aggregated output tables.
const (
	DrawColumn  = "draw"
	ValueColumn = "value"
	MeanColumn  = "mean"
	LowerColumn = "lower"
	UpperColumn = "upper"
)

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// WriteDrawsCSV writes the aggregated draws in long format: the key
// columns, the draw number (starting at 1), and the value.
func (r *Result) WriteDrawsCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	header := append(append([]string{}, r.Fields...), DrawColumn, ValueColumn)
	if err := cw.Write(header); err != nil {
		return err
	}
	_, nDraws := r.Draws.Dims()
	line := make([]string, len(header))
	for i, key := range r.Keys {
		copy(line, key)
		for j := 0; j < nDraws; j++ {
			line[len(key)] = strconv.Itoa(j + 1)
			line[len(key)+1] = formatFloat(r.Draws.At(i, j))
			if err := cw.Write(line); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteSummaryCSV writes the summary statistics: the key columns
// followed by the mean, lower, and upper columns.
func (r *Result) WriteSummaryCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	header := append(append([]string{}, r.Fields...), MeanColumn, LowerColumn, UpperColumn)
	if err := cw.Write(header); err != nil {
		return err
	}
	for i, key := range r.Keys {
		s := r.Summary[i]
		line := append(append([]string{}, key...), formatFloat(s.Mean), formatFloat(s.Lower), formatFloat(s.Upper))
		if err := cw.Write(line); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// sheetName returns a valid worksheet name for level l.
func sheetName(l Level, i int) string {
	name := l.Name
	if name == "" {
		name = fmt.Sprintf("level%d", i+1)
	}
	name = strings.NewReplacer(":", "_", "/", "_", "\\", "_", "?", "_", "*", "_", "[", "_", "]", "_").Replace(name)
	if len(name) > 31 {
		name = name[:31]
	}
	return name
}

// WriteSummaryXLSX writes the summary statistics for all of the given
// results to an Excel file, with one worksheet per level.
func WriteSummaryXLSX(filename string, results []*Result) error {
	f := xlsx.NewFile()
	for i, r := range results {
		sheet, err := f.AddSheet(sheetName(r.Level, i))
		if err != nil {
			return fmt.Errorf("aggregate: creating worksheet: %v", err)
		}
		row := sheet.AddRow()
		for _, h := range append(append([]string{}, r.Fields...), MeanColumn, LowerColumn, UpperColumn) {
			row.AddCell().SetString(h)
		}
		for j, key := range r.Keys {
			row := sheet.AddRow()
			for _, k := range key {
				row.AddCell().SetString(k)
			}
			s := r.Summary[j]
			for _, v := range []float64{s.Mean, s.Lower, s.Upper} {
				row.AddCell().SetFloat(v)
			}
		}
	}
	if err := f.Save(filename); err != nil {
		return fmt.Errorf("aggregate: saving %s: %v", filename, err)
	}
	return nil
}

// WriteSummaryShapefile writes the summary statistics to a shapefile.
// The geometry of each group is the union of its member polygons, which
// are looked up in layer by idField. If prj is not empty, it is written
// to the projection (.prj) file.
func (r *Result) WriteSummaryShapefile(filename string, layer *grid.Layer, idField, prj string) error {
	features := make(map[string]geom.Polygonal, len(layer.Features))
	for _, f := range layer.Features {
		features[f.Attributes[idField]] = f.Polygonal
	}
	fields := make([]goshp.Field, 0, len(r.Fields)+3)
	for _, f := range r.Fields {
		fields = append(fields, goshp.StringField(f, 50))
	}
	for _, f := range []string{MeanColumn, LowerColumn, UpperColumn} {
		fields = append(fields, goshp.FloatField(f, 14, 8))
	}

	fileBase := strings.TrimSuffix(filename, filepath.Ext(filename))
	e, err := shp.NewEncoderFromFields(fileBase+".shp", goshp.POLYGON, fields...)
	if err != nil {
		return fmt.Errorf("aggregate: creating output shapefile: %v", err)
	}
	defer e.Close()
	for i, key := range r.Keys {
		var g geom.Polygon
		for _, m := range r.Members[i] {
			p, ok := features[m]
			if !ok {
				return fmt.Errorf("aggregate: polygon %s=%q not found in layer: %w", idField, m, grid.ErrField)
			}
			g = g.Union(p)
		}
		vals := make([]interface{}, 0, len(fields))
		for _, k := range key {
			vals = append(vals, k)
		}
		s := r.Summary[i]
		vals = append(vals, s.Mean, s.Lower, s.Upper)
		if err := e.EncodeFields(g, vals...); err != nil {
			return fmt.Errorf("aggregate: writing output shapefile: %v", err)
		}
	}
	if prj != "" {
		if err := os.WriteFile(fileBase+".prj", []byte(prj), 0644); err != nil {
			return fmt.Errorf("aggregate: writing output prj file: %v", err)
		}
	}
	return nil
}
