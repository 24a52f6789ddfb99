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
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/spatialmodel/mbg/raster"
)

// fractionTolerance is the tolerance within which fractional areas are
// considered to be zero or one.
const fractionTolerance = 1.e-9

// EmptyPolicy specifies what to do with polygons that do not overlap any
// valid grid cell.
type EmptyPolicy int

const (
	// EmptyError causes table building to fail.
	EmptyError EmptyPolicy = iota

	// EmptyWarn keeps the polygon in the table without any rows and logs
	// a warning.
	EmptyWarn
)

// ParseEmptyPolicy returns the policy with the given name ("error" or "warn").
func ParseEmptyPolicy(s string) (EmptyPolicy, error) {
	switch strings.ToLower(s) {
	case "error":
		return EmptyError, nil
	case "warn", "warning":
		return EmptyWarn, nil
	}
	return 0, fmt.Errorf("grid: invalid empty polygon policy %q; valid options are error and warn", s)
}

// TableOptions holds the options for building an aggregation table.
type TableOptions struct {
	// IDField is the attribute uniquely identifying each polygon.
	IDField string

	// Fields are additional attributes to carry along with each polygon,
	// for example the names of the higher administrative units it
	// belongs to.
	Fields []string

	// OnEmpty specifies what to do with polygons that do not overlap
	// any valid cell.
	OnEmpty EmptyPolicy

	// Log receives warnings. The default is the standard logrus logger.
	Log logrus.FieldLogger `hash:"-"`
}

// Row is a single entry in an aggregation table: the fraction of the area
// of cell CellID that lies within polygon Polygon.
type Row struct {
	Polygon  int // index into Table.Polygons
	CellID   int
	Fraction float64
}

// PolygonKey holds the identifying attributes of a polygon.
type PolygonKey struct {
	ID     string
	Fields map[string]string
}

// Table is an aggregation table: a sparse relation between polygons and
// the grid cells they overlap. Rows are grouped by polygon and ordered by
// cell ID within each polygon.
type Table struct {
	IDField  string
	Fields   []string
	Polygons []PolygonKey
	Rows     []Row

	// Empty lists the IDs of polygons that have no rows.
	Empty []string

	start []int
}

// NewTable creates a table from its polygons and rows. Rows may be in any
// order; they are sorted by polygon and cell ID.
func NewTable(idField string, fields []string, polygons []PolygonKey, rows []Row) (*Table, error) {
	if idField == "" {
		return nil, fmt.Errorf("grid: polygon identifier field not specified: %w", ErrField)
	}
	seen := make(map[string]bool, len(polygons))
	for _, p := range polygons {
		if seen[p.ID] {
			return nil, fmt.Errorf("grid: %s=%q: %w", idField, p.ID, ErrDuplicateID)
		}
		seen[p.ID] = true
		for _, f := range fields {
			if _, ok := p.Fields[f]; !ok {
				return nil, fmt.Errorf("grid: polygon %s=%q has no field %q: %w", idField, p.ID, f, ErrField)
			}
		}
	}
	sorted := make([]Row, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Polygon != sorted[j].Polygon {
			return sorted[i].Polygon < sorted[j].Polygon
		}
		return sorted[i].CellID < sorted[j].CellID
	})
	for i, r := range sorted {
		if r.Polygon < 0 || r.Polygon >= len(polygons) {
			return nil, fmt.Errorf("grid: row %d refers to polygon index %d but there are %d polygons", i, r.Polygon, len(polygons))
		}
		if !(r.Fraction > 0 && r.Fraction <= 1) {
			return nil, fmt.Errorf("grid: polygon %s=%q, cell %d: fractional area %g should be in (0, 1]",
				idField, polygons[r.Polygon].ID, r.CellID, r.Fraction)
		}
		if r.CellID < 1 {
			return nil, fmt.Errorf("grid: polygon %s=%q: invalid cell ID %d", idField, polygons[r.Polygon].ID, r.CellID)
		}
		if i > 0 && sorted[i-1].Polygon == r.Polygon && sorted[i-1].CellID == r.CellID {
			return nil, fmt.Errorf("grid: polygon %s=%q: duplicate row for cell %d", idField, polygons[r.Polygon].ID, r.CellID)
		}
	}
	t := &Table{
		IDField:  idField,
		Fields:   fields,
		Polygons: polygons,
		Rows:     sorted,
	}
	t.index()
	return t, nil
}

// index sets up the per-polygon row index.
func (t *Table) index() {
	t.start = make([]int, len(t.Polygons)+1)
	counts := make([]int, len(t.Polygons))
	for _, r := range t.Rows {
		counts[r.Polygon]++
	}
	t.Empty = nil
	for i, c := range counts {
		t.start[i+1] = t.start[i] + c
		if c == 0 {
			t.Empty = append(t.Empty, t.Polygons[i].ID)
		}
	}
}

// PolygonRows returns the rows belonging to polygon i.
func (t *Table) PolygonRows(i int) []Row {
	return t.Rows[t.start[i]:t.start[i+1]]
}

// Value returns the value of the given field for polygon i. The
// identifier field is also accepted.
func (t *Table) Value(i int, field string) (string, error) {
	if field == t.IDField {
		return t.Polygons[i].ID, nil
	}
	v, ok := t.Polygons[i].Fields[field]
	if !ok {
		return "", fmt.Errorf("grid: aggregation table has no field %q: %w", field, ErrField)
	}
	return v, nil
}

// MaxCellID returns the largest cell ID referenced by the table.
func (t *Table) MaxCellID() int {
	var max int
	for _, r := range t.Rows {
		if r.CellID > max {
			max = r.CellID
		}
	}
	return max
}

// Validate checks that every cell referenced by the table exists in a
// draws matrix with nCells rows.
func (t *Table) Validate(nCells int) error {
	if t.MaxCellID() <= nCells {
		return nil
	}
	for _, r := range t.Rows {
		if r.CellID > nCells {
			return fmt.Errorf("grid: dimension mismatch: aggregation table references cell_id %d "+
				"(polygon %s=%q) not present in draws matrix with %d cells",
				r.CellID, t.IDField, t.Polygons[r.Polygon].ID, nCells)
		}
	}
	return nil
}

// BuildTable calculates the fraction of the area of each valid cell in
// ids that lies within each polygon in layer. Only the cells within each
// polygon's bounds are checked. Zero-area overlaps are omitted.
func BuildTable(layer *Layer, ids *raster.IDRaster, opts TableOptions) (*Table, error) {
	if opts.IDField == "" {
		return nil, fmt.Errorf("grid: polygon identifier field not specified: %w", ErrField)
	}
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	polygons, err := polygonKeys(layer, opts)
	if err != nil {
		return nil, err
	}
	l, err := alignLayer(layer, ids.Grid)
	if err != nil {
		return nil, err
	}

	results := make([][]Row, len(l.Features))
	nprocs := runtime.GOMAXPROCS(0)
	var wg sync.WaitGroup
	wg.Add(nprocs)
	for p := 0; p < nprocs; p++ {
		go func(p int) {
			defer wg.Done()
			for i := p; i < len(l.Features); i += nprocs {
				results[i] = polygonRows(i, l.Features[i], ids)
			}
		}(p)
	}
	wg.Wait()

	var rows []Row
	for i, r := range results {
		if len(r) == 0 {
			if opts.OnEmpty == EmptyError {
				return nil, fmt.Errorf("grid: polygon %s=%q: %w", opts.IDField, polygons[i].ID, ErrEmptyPolygon)
			}
			log.WithFields(logrus.Fields{
				"polygon": polygons[i].ID,
				"field":   opts.IDField,
			}).Warn("polygon does not overlap any valid grid cell")
		}
		rows = append(rows, r...)
	}
	t := &Table{
		IDField:  opts.IDField,
		Fields:   opts.Fields,
		Polygons: polygons,
		Rows:     rows,
	}
	t.index()
	log.WithFields(logrus.Fields{
		"polygons": len(polygons),
		"rows":     len(rows),
		"empty":    len(t.Empty),
	}).Info("built aggregation table")
	return t, nil
}

// polygonRows calculates the table rows for a single polygon, ordered by
// cell ID.
func polygonRows(i int, f *Feature, ids *raster.IDRaster) []Row {
	row0, row1, col0, col1, ok := ids.IndexRange(f.Bounds())
	if !ok {
		return nil
	}
	c := newClipper(f.Polygonal)
	cellArea := ids.CellArea()
	var rows []Row
	for row := row0; row <= row1; row++ {
		for col := col0; col <= col1; col++ {
			id := ids.ID(row, col)
			if id == 0 {
				continue
			}
			frac := c.area(ids.CellPolygon(row, col).Bounds()) / cellArea
			if frac <= fractionTolerance {
				continue
			}
			if frac > 1-fractionTolerance {
				frac = 1
			}
			rows = append(rows, Row{Polygon: i, CellID: id, Fraction: frac})
		}
	}
	return rows
}

// polygonKeys extracts and checks the identifying attributes of each
// polygon in l.
func polygonKeys(l *Layer, opts TableOptions) ([]PolygonKey, error) {
	ids, err := l.Values(opts.IDField)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(ids))
	o := make([]PolygonKey, len(ids))
	for i, id := range ids {
		if seen[id] {
			return nil, fmt.Errorf("grid: %s=%q: %w", opts.IDField, id, ErrDuplicateID)
		}
		seen[id] = true
		o[i] = PolygonKey{ID: id, Fields: make(map[string]string, len(opts.Fields))}
		for _, field := range opts.Fields {
			v, ok := l.Features[i].Attributes[field]
			if !ok {
				return nil, fmt.Errorf("grid: polygon %s=%q has no field %q: %w", opts.IDField, id, field, ErrField)
			}
			o[i].Fields[field] = v
		}
	}
	return o, nil
}
