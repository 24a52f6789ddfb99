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
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
)

// Column names for the cell identifier and fractional area in
// aggregation table files.
const (
	CellIDColumn   = "cell_id"
	FractionColumn = "fraction"
)

// WriteCSV writes t in CSV format. The columns are the polygon identifier
// field, the additional fields, cell_id, and fraction. Polygons without
// any rows are written with empty cell_id and fraction values so that
// they are preserved when the table is read back in.
func (t *Table) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	header := append([]string{t.IDField}, t.Fields...)
	header = append(header, CellIDColumn, FractionColumn)
	if err := cw.Write(header); err != nil {
		return err
	}
	line := make([]string, len(header))
	for i, p := range t.Polygons {
		line[0] = p.ID
		for j, f := range t.Fields {
			line[j+1] = p.Fields[f]
		}
		rows := t.PolygonRows(i)
		if len(rows) == 0 {
			line[len(line)-2], line[len(line)-1] = "", ""
			if err := cw.Write(line); err != nil {
				return err
			}
			continue
		}
		for _, r := range rows {
			line[len(line)-2] = strconv.Itoa(r.CellID)
			line[len(line)-1] = strconv.FormatFloat(r.Fraction, 'g', -1, 64)
			if err := cw.Write(line); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadTableCSV reads an aggregation table in the format written by
// WriteCSV. Polygons are ordered by first appearance.
func ReadTableCSV(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("grid: reading aggregation table header: %v", err)
	}
	n := len(header)
	if n < 3 || header[n-2] != CellIDColumn || header[n-1] != FractionColumn {
		return nil, fmt.Errorf("grid: aggregation table header %v should be: id field, "+
			"optional additional fields, %s, %s", header, CellIDColumn, FractionColumn)
	}
	cr.FieldsPerRecord = n
	idField := header[0]
	fields := header[1 : n-2]

	var (
		polygons []PolygonKey
		rows     []Row
	)
	index := make(map[string]int)
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("grid: reading aggregation table: %v", err)
		}
		i, ok := index[rec[0]]
		if !ok {
			i = len(polygons)
			index[rec[0]] = i
			p := PolygonKey{ID: rec[0], Fields: make(map[string]string, len(fields))}
			for j, f := range fields {
				p.Fields[f] = rec[j+1]
			}
			polygons = append(polygons, p)
		}
		if rec[n-2] == "" && rec[n-1] == "" {
			continue
		}
		cellID, err := strconv.Atoi(rec[n-2])
		if err != nil {
			return nil, fmt.Errorf("grid: aggregation table line %d: parsing %s: %v", line, CellIDColumn, err)
		}
		frac, err := strconv.ParseFloat(rec[n-1], 64)
		if err != nil {
			return nil, fmt.Errorf("grid: aggregation table line %d: parsing %s: %v", line, FractionColumn, err)
		}
		rows = append(rows, Row{Polygon: i, CellID: cellID, Fraction: frac})
	}
	return NewTable(idField, fields, polygons, rows)
}
