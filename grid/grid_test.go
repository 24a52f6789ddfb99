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
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/encoding/shp"
	"github.com/ctessum/geom/proj"
	goshp "github.com/jonas-p/go-shp"
	"github.com/kr/pretty"
	"github.com/spatialmodel/mbg/raster"
)

const testProj = "+proj=longlat"

func rect(x0, y0, x1, y1 float64) geom.Polygon {
	return geom.Polygon{{
		{X: x0, Y: y0}, {X: x1, Y: y0}, {X: x1, Y: y1}, {X: x0, Y: y1}, {X: x0, Y: y0},
	}}
}

func testSR(t *testing.T) *proj.SR {
	sr, err := proj.Parse(testProj)
	if err != nil {
		t.Fatal(err)
	}
	return sr
}

// testLayer returns two polygons covering a 2x2 grid of unit cells:
// polygon X covers the left column and 0.6 of the bottom right cell,
// and polygon Y covers the rest.
func testLayer(t *testing.T) *Layer {
	return &Layer{
		SR: testSR(t),
		Features: []*Feature{
			{
				Polygonal:  geom.Polygon{{{X: 0, Y: 0}, {X: 1.6, Y: 0}, {X: 1.6, Y: 1}, {X: 1, Y: 1}, {X: 1, Y: 2}, {X: 0, Y: 2}, {X: 0, Y: 0}}},
				Attributes: map[string]string{"id": "X", "region": "R1"},
			},
			{
				Polygonal:  geom.Polygon{{{X: 1.6, Y: 0}, {X: 2, Y: 0}, {X: 2, Y: 2}, {X: 1, Y: 2}, {X: 1, Y: 1}, {X: 1.6, Y: 1}, {X: 1.6, Y: 0}}},
				Attributes: map[string]string{"id": "Y", "region": "R1"},
			},
		},
	}
}

func testTemplate() raster.Grid {
	return raster.Grid{Nx: 2, Ny: 2, Dx: 1, Dy: 1, X0: 0, Y0: 0, Proj: testProj}
}

func TestRasterize(t *testing.T) {
	l := &Layer{
		SR: testSR(t),
		Features: []*Feature{
			// Covers all of cell (0,0), 0.4 of cell (0,1), and a sliver of (1,0).
			{Polygonal: geom.Polygon{{{X: 0, Y: 0}, {X: 1.4, Y: 0}, {X: 1.4, Y: 1}, {X: 0.5, Y: 1}, {X: 0.5, Y: 1.1}, {X: 0, Y: 1.1}, {X: 0, Y: 0}}}},
		},
	}
	g := raster.Grid{Nx: 3, Ny: 2, Dx: 1, Dy: 1, Proj: testProj}
	tests := []struct {
		rule Rule
		want []int // ids in row-major order
	}{
		{rule: CellCenter, want: []int{1, 0, 0, 0, 0, 0}},
		{rule: MajorityArea, want: []int{1, 0, 0, 0, 0, 0}},
		{rule: Touches, want: []int{1, 2, 0, 3, 0, 0}},
	}
	for _, test := range tests {
		t.Run(test.rule.String(), func(t *testing.T) {
			ids, err := Rasterize(l, g, test.rule)
			if err != nil {
				t.Fatal(err)
			}
			var have []int
			for row := 0; row < g.Ny; row++ {
				for col := 0; col < g.Nx; col++ {
					have = append(have, ids.ID(row, col))
				}
			}
			if !reflect.DeepEqual(have, test.want) {
				t.Errorf("have %v, want %v", have, test.want)
			}
		})
	}
}

func TestParseRule(t *testing.T) {
	for _, r := range []Rule{CellCenter, MajorityArea, Touches} {
		p, err := ParseRule(r.String())
		if err != nil {
			t.Fatal(err)
		}
		if p != r {
			t.Errorf("%v != %v", p, r)
		}
	}
	if _, err := ParseRule("nearest"); err == nil {
		t.Error("expected an error for an invalid rule")
	}
}

func TestRasterizeCRS(t *testing.T) {
	l := testLayer(t)
	noSR := &Layer{Features: l.Features}
	noProj := testTemplate()
	noProj.Proj = ""
	tests := []struct {
		name     string
		layer    *Layer
		template raster.Grid
	}{
		{name: "layer", layer: noSR, template: testTemplate()},
		{name: "template", layer: l, template: noProj},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := Rasterize(test.layer, test.template, CellCenter)
			if !errors.Is(err, ErrCRS) {
				t.Errorf("have error %v, want ErrCRS", err)
			}
			_, err = BuildTable(test.layer, raster.NewIDRaster(testTemplate(), func(int, int) bool { return true }),
				TableOptions{IDField: "id"})
			if test.name == "layer" && !errors.Is(err, ErrCRS) {
				t.Errorf("table: have error %v, want ErrCRS", err)
			}
		})
	}
}

func TestBuildTable(t *testing.T) {
	l := testLayer(t)
	ids, err := Rasterize(l, testTemplate(), CellCenter)
	if err != nil {
		t.Fatal(err)
	}
	if ids.Len() != 4 {
		t.Fatalf("have %d cells, want 4", ids.Len())
	}
	tbl, err := BuildTable(l, ids, TableOptions{IDField: "id", Fields: []string{"region"}})
	if err != nil {
		t.Fatal(err)
	}
	// Cell 1 is (0,0), 2 is (0,1), 3 is (1,0), 4 is (1,1).
	want := []Row{
		{Polygon: 0, CellID: 1, Fraction: 1},
		{Polygon: 0, CellID: 2, Fraction: 0.6},
		{Polygon: 0, CellID: 3, Fraction: 1},
		{Polygon: 1, CellID: 2, Fraction: 0.4},
		{Polygon: 1, CellID: 4, Fraction: 1},
	}
	if len(tbl.Rows) != len(want) {
		t.Fatalf("rows: %s", pretty.Diff(tbl.Rows, want))
	}
	for i, r := range tbl.Rows {
		w := want[i]
		if r.Polygon != w.Polygon || r.CellID != w.CellID || different(r.Fraction, w.Fraction, 1e-9) {
			t.Errorf("row %d: have %+v, want %+v", i, r, w)
		}
	}
	for _, r := range tbl.Rows {
		if r.Fraction == 1 {
			continue
		}
		if r.Fraction <= 0 || r.Fraction > 1 {
			t.Errorf("fraction out of range: %+v", r)
		}
	}
	if len(tbl.PolygonRows(1)) != 2 {
		t.Errorf("polygon Y rows: %v", tbl.PolygonRows(1))
	}
	if v, err := tbl.Value(1, "region"); err != nil || v != "R1" {
		t.Errorf("region: %q, %v", v, err)
	}
	if _, err := tbl.Value(1, "country"); !errors.Is(err, ErrField) {
		t.Errorf("have error %v, want ErrField", err)
	}
	if err := tbl.Validate(4); err != nil {
		t.Error(err)
	}
	if err := tbl.Validate(3); err == nil {
		t.Error("expected dimension mismatch")
	}

	// Building again gives an identical table.
	tbl2, err := BuildTable(l, ids, TableOptions{IDField: "id", Fields: []string{"region"}})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(tbl, tbl2) {
		t.Errorf("table is not deterministic: %s", pretty.Diff(tbl, tbl2))
	}
}

func TestBuildTableSharedEdges(t *testing.T) {
	g := raster.Grid{Nx: 3, Ny: 2, Dx: 1, Dy: 1, Proj: testProj}
	ids := raster.NewIDRaster(g, func(row, col int) bool { return true })
	tests := []struct {
		name string
		p    geom.Polygonal
		area float64
		want map[int]float64 // fraction by cell ID, where checked
	}{
		{
			name: "sliver",
			p:    geom.Polygon{{{X: 0, Y: 0}, {X: 1.4, Y: 0}, {X: 1.4, Y: 1}, {X: 0.5, Y: 1}, {X: 0.5, Y: 1.1}, {X: 0, Y: 1.1}, {X: 0, Y: 0}}},
			area: 1.45,
			want: map[int]float64{1: 1, 2: 0.4, 4: 0.05},
		},
		{
			name: "hole",
			p:    geom.Polygon{rect(0, 0, 3, 2)[0], rect(1, 0.5, 2, 1.5)[0]},
			area: 5,
			want: map[int]float64{1: 1, 2: 0.5, 5: 0.5},
		},
		{
			name: "multipolygon",
			p:    geom.MultiPolygon{rect(0, 0, 1, 1), rect(2, 1, 3, 2)},
			area: 2,
			want: map[int]float64{1: 1, 6: 1},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			l := &Layer{
				SR:       testSR(t),
				Features: []*Feature{{Polygonal: test.p, Attributes: map[string]string{"id": "A"}}},
			}
			tbl, err := BuildTable(l, ids, TableOptions{IDField: "id"})
			if err != nil {
				t.Fatal(err)
			}
			var sum float64
			have := make(map[int]float64)
			for _, r := range tbl.Rows {
				sum += r.Fraction * g.CellArea()
				have[r.CellID] = r.Fraction
			}
			if different(sum, test.area, 1e-9) {
				t.Errorf("overlap area: have %g, want %g", sum, test.area)
			}
			for id, w := range test.want {
				if different(have[id], w, 1e-9) {
					t.Errorf("cell %d: have %g, want %g", id, have[id], w)
				}
			}
		})
	}
}

func TestBuildTableErrors(t *testing.T) {
	ids := raster.NewIDRaster(testTemplate(), func(int, int) bool { return true })

	t.Run("missing field", func(t *testing.T) {
		_, err := BuildTable(testLayer(t), ids, TableOptions{IDField: "name"})
		if !errors.Is(err, ErrField) {
			t.Errorf("have error %v, want ErrField", err)
		}
	})
	t.Run("missing extra field", func(t *testing.T) {
		_, err := BuildTable(testLayer(t), ids, TableOptions{IDField: "id", Fields: []string{"country"}})
		if !errors.Is(err, ErrField) {
			t.Errorf("have error %v, want ErrField", err)
		}
	})
	t.Run("duplicate", func(t *testing.T) {
		l := testLayer(t)
		l.Features[1].Attributes["id"] = "X"
		_, err := BuildTable(l, ids, TableOptions{IDField: "id"})
		if !errors.Is(err, ErrDuplicateID) {
			t.Errorf("have error %v, want ErrDuplicateID", err)
		}
	})
	t.Run("empty", func(t *testing.T) {
		l := testLayer(t)
		l.Features = append(l.Features, &Feature{
			Polygonal:  rect(10, 10, 11, 11),
			Attributes: map[string]string{"id": "Z", "region": "R2"},
		})
		_, err := BuildTable(l, ids, TableOptions{IDField: "id"})
		if !errors.Is(err, ErrEmptyPolygon) {
			t.Errorf("have error %v, want ErrEmptyPolygon", err)
		}
		tbl, err := BuildTable(l, ids, TableOptions{IDField: "id", OnEmpty: EmptyWarn})
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(tbl.Empty, []string{"Z"}) {
			t.Errorf("empty polygons: %v", tbl.Empty)
		}
		if len(tbl.PolygonRows(2)) != 0 {
			t.Errorf("polygon Z has rows: %v", tbl.PolygonRows(2))
		}
	})
}

func TestParseEmptyPolicy(t *testing.T) {
	if p, err := ParseEmptyPolicy("warn"); err != nil || p != EmptyWarn {
		t.Errorf("warn: %v, %v", p, err)
	}
	if p, err := ParseEmptyPolicy("Error"); err != nil || p != EmptyError {
		t.Errorf("error: %v, %v", p, err)
	}
	if _, err := ParseEmptyPolicy("ignore"); err == nil {
		t.Error("expected an error")
	}
}

func TestTableCSV(t *testing.T) {
	rows := []Row{
		{Polygon: 1, CellID: 4, Fraction: 1},
		{Polygon: 0, CellID: 2, Fraction: 0.6000000000000001},
		{Polygon: 0, CellID: 1, Fraction: 1},
	}
	polygons := []PolygonKey{
		{ID: "X", Fields: map[string]string{"region": "R1"}},
		{ID: "Y", Fields: map[string]string{"region": "R1"}},
		{ID: "Z", Fields: map[string]string{"region": "R2"}},
	}
	tbl, err := NewTable("id", []string{"region"}, polygons, rows)
	if err != nil {
		t.Fatal(err)
	}
	var b bytes.Buffer
	if err := tbl.WriteCSV(&b); err != nil {
		t.Fatal(err)
	}
	want := `id,region,cell_id,fraction
X,R1,1,1
X,R1,2,0.6000000000000001
Y,R1,4,1
Z,R2,,
`
	if b.String() != want {
		t.Errorf("have:\n%s\nwant:\n%s", b.String(), want)
	}
	tbl2, err := ReadTableCSV(&b)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(tbl, tbl2) {
		t.Errorf("round trip: %s", pretty.Diff(tbl, tbl2))
	}
}

func TestNewTableInvalid(t *testing.T) {
	p := []PolygonKey{{ID: "X"}}
	tests := []struct {
		name string
		rows []Row
	}{
		{name: "zero fraction", rows: []Row{{CellID: 1, Fraction: 0}}},
		{name: "large fraction", rows: []Row{{CellID: 1, Fraction: 1.5}}},
		{name: "bad cell", rows: []Row{{CellID: 0, Fraction: 1}}},
		{name: "bad polygon", rows: []Row{{Polygon: 1, CellID: 1, Fraction: 1}}},
		{name: "duplicate", rows: []Row{{CellID: 1, Fraction: 0.5}, {CellID: 1, Fraction: 0.5}}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, err := NewTable("id", nil, p, test.rows); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestTableCache(t *testing.T) {
	l := testLayer(t)
	ids, err := Rasterize(l, testTemplate(), CellCenter)
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	opts := TableOptions{IDField: "id"}
	want, err := BuildTable(l, ids, opts)
	if err != nil {
		t.Fatal(err)
	}
	c := NewTableCache(2, 10, dir)
	for i := 0; i < 2; i++ {
		have, err := c.Table(context.Background(), l, ids, opts)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(have, want) {
			t.Errorf("try %d: %s", i, pretty.Diff(have, want))
		}
	}
	// A new cache reads the table from disk.
	c2 := NewTableCache(1, 10, dir)
	have, err := c2.Table(context.Background(), l, ids, opts)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(have, want) {
		t.Errorf("disk: %s", pretty.Diff(have, want))
	}
}

func TestReadShapefile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "polygons.shp")
	e, err := shp.NewEncoderFromFields(file, goshp.POLYGON,
		goshp.StringField("id", 10), goshp.StringField("region", 10))
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range testLayer(t).Features {
		if err := e.EncodeFields(f.Polygonal, f.Attributes["id"], f.Attributes["region"]); err != nil {
			t.Fatal(err)
		}
	}
	e.Close()

	l, err := ReadShapefile(file, "id", "region")
	if err != nil {
		t.Fatal(err)
	}
	if l.SR != nil {
		t.Error("shapefile without .prj file should have undefined spatial reference")
	}
	if len(l.Features) != 2 {
		t.Fatalf("have %d features, want 2", len(l.Features))
	}
	if ids, _ := l.Values("id"); !reflect.DeepEqual(ids, []string{"X", "Y"}) {
		t.Errorf("ids: %v", ids)
	}
	if a := l.Features[0].Area(); different(a, 2.6, 1e-9) {
		t.Errorf("area: %g", a)
	}

	prj := `GEOGCS["GCS_WGS_1984",DATUM["D_WGS_1984",SPHEROID["WGS_1984",6378137,298.257223563]],PRIMEM["Greenwich",0],UNIT["Degree",0.017453292519943295]]`
	if err := os.WriteFile(filepath.Join(dir, "polygons.prj"), []byte(prj), 0644); err != nil {
		t.Fatal(err)
	}
	l, err = ReadShapefile(file, "id")
	if err != nil {
		t.Fatal(err)
	}
	if l.SR == nil {
		t.Error("spatial reference should be defined")
	}
}

func different(a, b, tolerance float64) bool {
	if 2*(a-b)/(a+b) > tolerance || 2*(b-a)/(a+b) > tolerance {
		return true
	}
	return false
}
