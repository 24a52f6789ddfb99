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
	"errors"
	"math"
	"reflect"
	"testing"

	"github.com/spatialmodel/mbg/grid"
	"github.com/spatialmodel/mbg/raster"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const tolerance = 1.e-12

// scenarioDraws has 4 cells and 3 draws.
func scenarioDraws() *mat.Dense {
	return mat.NewDense(4, 3, []float64{
		0.1, 0.2, 0.3,
		0.3, 0.4, 0.5,
		0.5, 0.6, 0.7,
		0.7, 0.8, 0.9,
	})
}

func mustTable(t *testing.T, fields []string, polygons []grid.PolygonKey, rows []grid.Row) *grid.Table {
	tbl, err := grid.NewTable("id", fields, polygons, rows)
	if err != nil {
		t.Fatal(err)
	}
	return tbl
}

func keys(ids ...string) []grid.PolygonKey {
	o := make([]grid.PolygonKey, len(ids))
	for i, id := range ids {
		o[i] = grid.PolygonKey{ID: id, Fields: map[string]string{}}
	}
	return o
}

func unweighted() *Aggregator {
	c := DefaultConfig()
	c.PopulationWeighted = false
	a, err := New(c)
	if err != nil {
		panic(err)
	}
	return a
}

// checkWeights checks that the weights of every non-missing group sum to one.
func checkWeights(t *testing.T, r *Result) {
	t.Helper()
	for i, cw := range r.Weights {
		if cw == nil {
			continue
		}
		var sum float64
		for _, c := range cw {
			sum += c.Weight
		}
		if math.Abs(sum-1) > 1.e-9 {
			t.Errorf("group %v: weights sum to %g", r.Keys[i], sum)
		}
	}
}

func TestScenario(t *testing.T) {
	tbl := mustTable(t, nil, keys("X", "Y"), []grid.Row{
		{Polygon: 0, CellID: 1, Fraction: 1},
		{Polygon: 0, CellID: 2, Fraction: 1},
		{Polygon: 1, CellID: 3, Fraction: 1},
		{Polygon: 1, CellID: 4, Fraction: 1},
	})
	r, err := unweighted().Aggregate(scenarioDraws(), tbl, nil, Level{Name: "polygon"})
	if err != nil {
		t.Fatal(err)
	}
	want := mat.NewDense(2, 3, []float64{
		0.2, 0.3, 0.4,
		0.6, 0.7, 0.8,
	})
	if !mat.EqualApprox(r.Draws, want, tolerance) {
		t.Errorf("draws: have %v, want %v", mat.Formatted(r.Draws), mat.Formatted(want))
	}
	if !reflect.DeepEqual(r.Keys, [][]string{{"X"}, {"Y"}}) {
		t.Errorf("keys: %v", r.Keys)
	}
	if !reflect.DeepEqual(r.Fields, []string{"id"}) {
		t.Errorf("fields: %v", r.Fields)
	}
	checkWeights(t, r)

	s := r.Summary[0]
	if math.Abs(s.Mean-0.3) > tolerance {
		t.Errorf("mean: have %g, want 0.3", s.Mean)
	}
	if s.Lower < 0.2-tolerance || s.Upper > 0.4+tolerance {
		t.Errorf("interval [%g, %g] should be within [0.2, 0.4]", s.Lower, s.Upper)
	}
	if math.Abs(s.Lower-0.2) > tolerance || math.Abs(s.Upper-0.3925) > tolerance {
		t.Errorf("interval: have [%g, %g], want [0.2, 0.3925]", s.Lower, s.Upper)
	}
	for i, s := range r.Summary {
		if s.Lower > s.Mean || s.Mean > s.Upper {
			t.Errorf("group %d: lower=%g, mean=%g, upper=%g", i, s.Lower, s.Mean, s.Upper)
		}
	}
}

func splitTable(t *testing.T) *grid.Table {
	return mustTable(t, nil, keys("X", "Y"), []grid.Row{
		{Polygon: 0, CellID: 1, Fraction: 1},
		{Polygon: 0, CellID: 2, Fraction: 0.6},
		{Polygon: 1, CellID: 2, Fraction: 0.4},
		{Polygon: 1, CellID: 3, Fraction: 1},
	})
}

func TestSplitCell(t *testing.T) {
	draws := mat.NewDense(3, 2, []float64{
		1, 2,
		3, 4,
		5, 6,
	})
	tbl := splitTable(t)

	t.Run("unweighted", func(t *testing.T) {
		r, err := unweighted().Aggregate(draws, tbl, nil, Level{})
		if err != nil {
			t.Fatal(err)
		}
		checkWeights(t, r)
		want := [][]CellWeight{
			{{CellID: 1, Weight: 1 / 1.6}, {CellID: 2, Weight: 0.6 / 1.6}},
			{{CellID: 2, Weight: 0.4 / 1.4}, {CellID: 3, Weight: 1 / 1.4}},
		}
		for i := range want {
			for j := range want[i] {
				h, w := r.Weights[i][j], want[i][j]
				if h.CellID != w.CellID || math.Abs(h.Weight-w.Weight) > tolerance {
					t.Errorf("weight %d %d: have %+v, want %+v", i, j, h, w)
				}
			}
		}
		wantX := (1*1 + 0.6*3) / 1.6
		if d := r.Draws.At(0, 0); math.Abs(d-wantX) > tolerance {
			t.Errorf("X draw 1: have %g, want %g", d, wantX)
		}
	})
	t.Run("weighted", func(t *testing.T) {
		a, err := New(DefaultConfig())
		if err != nil {
			t.Fatal(err)
		}
		r, err := a.Aggregate(draws, tbl, []float64{1, 2, 3}, Level{})
		if err != nil {
			t.Fatal(err)
		}
		checkWeights(t, r)
		if math.Abs(r.TotalWeight[0]-2.2) > tolerance || math.Abs(r.TotalWeight[1]-3.8) > tolerance {
			t.Errorf("total weight: %v", r.TotalWeight)
		}
		wantY := (0.4*2*4 + 1*3*6) / 3.8
		if d := r.Draws.At(1, 1); math.Abs(d-wantY) > tolerance {
			t.Errorf("Y draw 2: have %g, want %g", d, wantY)
		}
	})
}

func TestZeroWeight(t *testing.T) {
	draws := mat.NewDense(3, 2, []float64{
		1, 2,
		3, 4,
		5, 6,
	})
	tbl := splitTable(t)
	pop := []float64{0, 0, 3}

	ref, err := unweighted().Aggregate(draws, tbl, nil, Level{})
	if err != nil {
		t.Fatal(err)
	}

	t.Run("uniform", func(t *testing.T) {
		a, _ := New(DefaultConfig())
		r, err := a.Aggregate(draws, tbl, pop, Level{})
		if err != nil {
			t.Fatal(err)
		}
		if !floats.Equal(r.Draws.RawRowView(0), ref.Draws.RawRowView(0)) {
			t.Errorf("fallback: have %v, want %v", r.Draws.RawRowView(0), ref.Draws.RawRowView(0))
		}
		if r.Summary[0] != ref.Summary[0] {
			t.Errorf("fallback summary: have %+v, want %+v", r.Summary[0], ref.Summary[0])
		}
		if r.TotalWeight[0] != 0 {
			t.Errorf("total weight: %g", r.TotalWeight[0])
		}
		if len(r.Missing) != 0 {
			t.Errorf("missing: %v", r.Missing)
		}
		checkWeights(t, r)
	})
	t.Run("missing", func(t *testing.T) {
		c := DefaultConfig()
		c.ZeroWeight = FallbackMissing
		a, _ := New(c)
		r, err := a.Aggregate(draws, tbl, pop, Level{})
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(r.Missing, []int{0}) {
			t.Errorf("missing: %v", r.Missing)
		}
		if !math.IsNaN(r.Draws.At(0, 0)) || !math.IsNaN(r.Summary[0].Mean) {
			t.Errorf("group X should be NaN: %v, %+v", r.Draws.RawRowView(0), r.Summary[0])
		}
		if math.IsNaN(r.Draws.At(1, 0)) {
			t.Error("group Y should not be NaN")
		}
	})
	t.Run("error", func(t *testing.T) {
		c := DefaultConfig()
		c.ZeroWeight = FallbackError
		a, _ := New(c)
		_, err := a.Aggregate(draws, tbl, pop, Level{})
		if !errors.Is(err, ErrZeroWeight) {
			t.Errorf("have error %v, want ErrZeroWeight", err)
		}
	})
}

// randomProblem creates a random table of polygons, each belonging to one
// of two regions, along with random draws and population.
func randomProblem(t *testing.T, seed uint64) (*mat.Dense, *grid.Table, []float64) {
	const (
		nSplit    = 50 // cells that may be split between polygons
		nDraws    = 40
		nPolygons = 8
		nCells    = nSplit + nPolygons
	)
	rnd := rand.New(rand.NewSource(seed))
	draws := mat.NewDense(nCells, nDraws, nil)
	for i := 0; i < nCells; i++ {
		for j := 0; j < nDraws; j++ {
			draws.Set(i, j, rnd.Float64())
		}
	}
	pop := make([]float64, nCells)
	for i := range pop {
		pop[i] = 100 * rnd.Float64()
	}
	polygons := make([]grid.PolygonKey, nPolygons)
	for i := range polygons {
		polygons[i] = grid.PolygonKey{
			ID:     string(rune('A' + i)),
			Fields: map[string]string{"region": []string{"north", "south"}[i%2]},
		}
	}
	var rows []grid.Row
	for c := 1; c <= nSplit; c++ {
		p := rnd.Intn(nPolygons)
		f := 0.2 + 0.8*rnd.Float64()
		rows = append(rows, grid.Row{Polygon: p, CellID: c, Fraction: f})
		if f < 1 {
			rows = append(rows, grid.Row{Polygon: (p + 1) % nPolygons, CellID: c, Fraction: 1 - f})
		}
	}
	// Every polygon has at least one cell of its own.
	for p := range polygons {
		rows = append(rows, grid.Row{Polygon: p, CellID: nSplit + 1 + p, Fraction: 1})
	}
	tbl, err := grid.NewTable("id", []string{"region"}, polygons, rows)
	if err != nil {
		t.Fatal(err)
	}
	return draws, tbl, pop
}

func TestProperties(t *testing.T) {
	draws, tbl, pop := randomProblem(t, 1)
	drawsCopy := mat.DenseCopyOf(draws)
	popCopy := append([]float64{}, pop...)
	a, err := New(DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	levels := []Level{{Name: "polygon"}, {Name: "region", Fields: []string{"region"}}}
	results, err := a.AggregateLevels(draws, tbl, pop, levels)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 || results[0].Level.Name != "polygon" || results[1].Level.Name != "region" {
		t.Fatalf("results are out of order")
	}

	t.Run("weights", func(t *testing.T) {
		for _, r := range results {
			checkWeights(t, r)
		}
	})

	t.Run("range", func(t *testing.T) {
		_, nDraws := draws.Dims()
		for _, r := range results {
			for i, cw := range r.Weights {
				for s := 0; s < nDraws; s++ {
					min, max := math.Inf(1), math.Inf(-1)
					for _, c := range cw {
						v := draws.At(c.CellID-1, s)
						min = math.Min(min, v)
						max = math.Max(max, v)
					}
					if v := r.Draws.At(i, s); v < min-tolerance || v > max+tolerance {
						t.Errorf("%s group %d draw %d: %g outside [%g, %g]", r.Level.Name, i, s, v, min, max)
					}
				}
			}
		}
	})

	t.Run("idempotent", func(t *testing.T) {
		again, err := a.AggregateLevels(draws, tbl, pop, levels)
		if err != nil {
			t.Fatal(err)
		}
		for i := range results {
			if !mat.Equal(results[i].Draws, again[i].Draws) {
				t.Errorf("level %s: draws differ", levels[i].Name)
			}
			if !reflect.DeepEqual(results[i].Summary, again[i].Summary) {
				t.Errorf("level %s: summaries differ", levels[i].Name)
			}
		}
	})

	t.Run("inputs unchanged", func(t *testing.T) {
		if !mat.Equal(draws, drawsCopy) {
			t.Error("draws were modified")
		}
		if !floats.Equal(pop, popCopy) {
			t.Error("population was modified")
		}
	})

	t.Run("interval", func(t *testing.T) {
		for _, r := range results {
			for i, s := range r.Summary {
				if s.Lower > s.Upper {
					t.Errorf("%s group %d: lower=%g > upper=%g", r.Level.Name, i, s.Lower, s.Upper)
				}
				if s.Lower > s.Mean || s.Mean > s.Upper {
					t.Errorf("%s group %d: mean=%g outside [%g, %g]", r.Level.Name, i, s.Mean, s.Lower, s.Upper)
				}
			}
		}
	})

	t.Run("partition", func(t *testing.T) {
		polygons, regions := results[0], results[1]
		if !reflect.DeepEqual(regions.Keys, [][]string{{"north"}, {"south"}}) {
			t.Fatalf("region keys: %v", regions.Keys)
		}
		if !reflect.DeepEqual(regions.Members[0], []string{"A", "C", "E", "G"}) {
			t.Errorf("members: %v", regions.Members[0])
		}
		for ri, key := range regions.Keys {
			var wantMean, total float64
			for pi := range polygons.Keys {
				if v, _ := tbl.Value(pi, "region"); v != key[0] {
					continue
				}
				wantMean += polygons.TotalWeight[pi] * polygons.Summary[pi].Mean
				total += polygons.TotalWeight[pi]
			}
			wantMean /= total
			if math.Abs(regions.Summary[ri].Mean-wantMean) > 1.e-9 {
				t.Errorf("region %s: have mean %g, want %g", key[0], regions.Summary[ri].Mean, wantMean)
			}
			if math.Abs(regions.TotalWeight[ri]-total) > 1.e-9 {
				t.Errorf("region %s: have total weight %g, want %g", key[0], regions.TotalWeight[ri], total)
			}
		}
	})
}

func TestAggregateErrors(t *testing.T) {
	tbl := splitTable(t)
	draws := mat.NewDense(2, 2, []float64{1, 2, 3, 4})

	t.Run("dimension", func(t *testing.T) {
		_, err := unweighted().Aggregate(draws, tbl, nil, Level{})
		if !errors.Is(err, ErrDimension) {
			t.Errorf("have error %v, want ErrDimension", err)
		}
	})
	t.Run("weights", func(t *testing.T) {
		a, _ := New(DefaultConfig())
		_, err := a.Aggregate(mat.NewDense(3, 2, nil), tbl, []float64{1, 2}, Level{})
		if !errors.Is(err, ErrDimension) {
			t.Errorf("have error %v, want ErrDimension", err)
		}
		_, err = a.Aggregate(mat.NewDense(3, 2, nil), tbl, []float64{1, -2, 1}, Level{})
		if err == nil {
			t.Error("expected an error for negative weight")
		}
	})
	t.Run("field", func(t *testing.T) {
		_, err := unweighted().Aggregate(mat.NewDense(3, 2, nil), tbl, nil, Level{Fields: []string{"region"}})
		if !errors.Is(err, grid.ErrField) {
			t.Errorf("have error %v, want grid.ErrField", err)
		}
	})
	t.Run("no cells", func(t *testing.T) {
		tbl := mustTable(t, nil, keys("X", "Z"), []grid.Row{{Polygon: 0, CellID: 1, Fraction: 1}})
		_, err := unweighted().Aggregate(mat.NewDense(1, 2, nil), tbl, nil, Level{})
		if !errors.Is(err, ErrNoCells) {
			t.Errorf("have error %v, want ErrNoCells", err)
		}
		a := unweighted()
		a.ZeroWeight = FallbackMissing
		r, err := a.Aggregate(mat.NewDense(1, 2, nil), tbl, nil, Level{})
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(r.Missing, []int{1}) {
			t.Errorf("missing: %v", r.Missing)
		}
	})
	t.Run("config", func(t *testing.T) {
		a := unweighted()
		a.LowerQuantile = 0.99
		_, err := a.Aggregate(mat.NewDense(3, 2, nil), tbl, nil, Level{})
		if err == nil {
			t.Error("expected configuration error")
		}
	})
}

func TestSkipMissing(t *testing.T) {
	tbl := mustTable(t, nil, keys("X"), []grid.Row{
		{Polygon: 0, CellID: 1, Fraction: 1},
		{Polygon: 0, CellID: 2, Fraction: 1},
	})
	draws := mat.NewDense(2, 2, []float64{
		1, 2,
		3, math.NaN(),
	})
	r, err := unweighted().Aggregate(draws, tbl, nil, Level{})
	if err != nil {
		t.Fatal(err)
	}
	if !math.IsNaN(r.Draws.At(0, 1)) || !math.IsNaN(r.Summary[0].Mean) {
		t.Errorf("NaN should propagate without SkipMissing: %v", r.Draws.RawRowView(0))
	}
	a := unweighted()
	a.SkipMissing = true
	r, err = a.Aggregate(draws, tbl, nil, Level{})
	if err != nil {
		t.Fatal(err)
	}
	if !floats.Equal(r.Draws.RawRowView(0), []float64{1, 2}) {
		t.Errorf("have %v, want [1 2]", r.Draws.RawRowView(0))
	}
	if len(r.Weights[0]) != 1 || r.Weights[0][0].CellID != 1 {
		t.Errorf("weights: %v", r.Weights[0])
	}
}

func TestSum(t *testing.T) {
	tbl := splitTable(t)
	draws := mat.NewDense(3, 1, []float64{0.1, 0.2, 0.3})
	c := DefaultConfig()
	c.Method = Sum
	a, err := New(c)
	if err != nil {
		t.Fatal(err)
	}
	r, err := a.Aggregate(draws, tbl, []float64{100, 200, 0}, Level{})
	if err != nil {
		t.Fatal(err)
	}
	wantX := 1*100*0.1 + 0.6*200*0.2
	wantY := 0.4 * 200 * 0.2
	if math.Abs(r.Draws.At(0, 0)-wantX) > tolerance || math.Abs(r.Draws.At(1, 0)-wantY) > tolerance {
		t.Errorf("have %v, want [%g %g]", r.Draws.RawMatrix().Data, wantX, wantY)
	}
}

func TestConfig(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Error(err)
	}
	tests := []struct {
		name string
		edit func(*Config)
	}{
		{name: "lower", edit: func(c *Config) { c.LowerQuantile = -0.1 }},
		{name: "upper", edit: func(c *Config) { c.UpperQuantile = 1.1 }},
		{name: "order", edit: func(c *Config) { c.LowerQuantile, c.UpperQuantile = 0.9, 0.1 }},
		{name: "policy", edit: func(c *Config) { c.ZeroWeight = 5 }},
		{name: "method", edit: func(c *Config) { c.Method = -1 }},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			c := DefaultConfig()
			test.edit(&c)
			if _, err := New(c); err == nil {
				t.Error("expected an error")
			}
		})
	}
	for _, s := range []string{"uniform", "missing", "error"} {
		p, err := ParsePolicy(s)
		if err != nil || p.String() != s {
			t.Errorf("policy %s: %v, %v", s, p, err)
		}
	}
	for _, s := range []string{"mean", "sum"} {
		m, err := ParseMethod(s)
		if err != nil || m.String() != s {
			t.Errorf("method %s: %v, %v", s, m, err)
		}
	}
	if _, err := ParsePolicy("zero"); err == nil {
		t.Error("expected an error")
	}
}

func TestPopulationWeights(t *testing.T) {
	g := raster.Grid{Nx: 2, Ny: 2, Dx: 1, Dy: 1, Proj: "+proj=longlat"}
	ids := raster.NewIDRaster(g, func(row, col int) bool { return !(row == 1 && col == 1) })
	pop := raster.New(g)
	pop.Set(10, 0, 0)
	pop.Set(20, 0, 1)
	pop.Set(30, 1, 1)
	w, err := PopulationWeights(ids, pop)
	if err != nil {
		t.Fatal(err)
	}
	if !floats.Equal(w, []float64{10, 20, 0}) {
		t.Errorf("have %v, want [10 20 0]", w)
	}

	pop.Set(-1, 0, 0)
	if _, err := PopulationWeights(ids, pop); err == nil {
		t.Error("expected an error for negative population")
	}

	other := g
	other.Nx = 3
	if _, err := PopulationWeights(ids, raster.New(other)); !errors.Is(err, ErrDimension) {
		t.Errorf("have error %v, want ErrDimension", err)
	}
}
