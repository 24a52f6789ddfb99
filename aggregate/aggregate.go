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

// Package aggregate combines cell-level posterior draws into draws and
// summary statistics for groups of polygons, such as administrative
// units. Aggregation is done separately for every draw, using weights
// that are the same for all draws, so that uncertainty in the cell-level
// field carries over to the aggregates.
package aggregate

import (
	"fmt"
	"math"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/spatialmodel/mbg/grid"
	"github.com/spatialmodel/mbg/raster"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Level is a named aggregation level, for example "admin1". Polygons in
// the aggregation table that have the same values of Fields are combined
// into a single group. If Fields is empty, each polygon is its own group.
type Level struct {
	Name   string
	Fields []string
}

// CellWeight is the weight given to a single cell when aggregating a group.
type CellWeight struct {
	CellID int
	Weight float64
}

// Summary holds summary statistics calculated across draws.
type Summary struct {
	Mean, Lower, Upper float64
}

// Result holds the aggregated draws and summary statistics for one level.
type Result struct {
	Level Level

	// Fields are the names of the key columns.
	Fields []string

	// Keys holds the values of Fields for each group.
	Keys [][]string

	// Members holds the polygon IDs in each group.
	Members [][]string

	// Draws has one row per group and one column per draw.
	Draws *mat.Dense

	Summary []Summary

	// Weights holds the weights used for each group. With the Mean
	// method they sum to one.
	Weights [][]CellWeight

	// TotalWeight is the total effective weight (fractional area times
	// population) of each group before normalization.
	TotalWeight []float64

	// Missing lists the groups that have NaN results because of the
	// FallbackMissing policy.
	Missing []int
}

// Aggregator aggregates cell-level draws. It does not modify its inputs and
// is safe for concurrent use.
type Aggregator struct {
	Config

	// Log receives warnings about fallback weighting.
	// The default is the standard logrus logger.
	Log logrus.FieldLogger
}

// New returns an aggregator with the given configuration.
func New(c Config) (*Aggregator, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &Aggregator{Config: c, Log: logrus.StandardLogger()}, nil
}

func (a *Aggregator) log() logrus.FieldLogger {
	if a.Log == nil {
		return logrus.StandardLogger()
	}
	return a.Log
}

// group is a set of polygons that are aggregated together.
type group struct {
	key     []string
	members []int
}

// AggregateLevels aggregates draws for all of the given levels. Levels are
// processed concurrently and results are returned in the same order as levels.
func (a *Aggregator) AggregateLevels(draws *mat.Dense, table *grid.Table, weights []float64, levels []Level) ([]*Result, error) {
	results := make([]*Result, len(levels))
	errs := make([]error, len(levels))
	var wg sync.WaitGroup
	wg.Add(len(levels))
	for i, l := range levels {
		go func(i int, l Level) {
			defer wg.Done()
			results[i], errs[i] = a.Aggregate(draws, table, weights, l)
		}(i, l)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}

// Aggregate aggregates draws, which has one row per cell ID (row i holds
// cell ID i+1) and one column per posterior draw, to the groups of
// polygons in the given level. weights holds the population of each
// cell; if it is nil, all cells have the same weight. weights is ignored
// if population weighting is turned off.
func (a *Aggregator) Aggregate(draws *mat.Dense, table *grid.Table, weights []float64, level Level) (*Result, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	nCells, nDraws := draws.Dims()
	if err := table.Validate(nCells); err != nil {
		return nil, fmt.Errorf("aggregate: %v: %w", err, ErrDimension)
	}
	w, err := a.cellWeights(weights, nCells)
	if err != nil {
		return nil, err
	}
	var skip []bool
	if a.SkipMissing {
		skip = missingCells(draws)
	}

	fields := level.Fields
	if len(fields) == 0 {
		fields = []string{table.IDField}
	}
	groups, err := groupPolygons(table, fields)
	if err != nil {
		return nil, fmt.Errorf("aggregate: level %q: %w", level.Name, err)
	}
	if len(groups) == 0 {
		return nil, fmt.Errorf("aggregate: level %q: aggregation table has no polygons: %w", level.Name, ErrNoCells)
	}

	r := &Result{
		Level:       level,
		Fields:      fields,
		Keys:        make([][]string, len(groups)),
		Members:     make([][]string, len(groups)),
		Draws:       mat.NewDense(len(groups), nDraws, nil),
		Summary:     make([]Summary, len(groups)),
		Weights:     make([][]CellWeight, len(groups)),
		TotalWeight: make([]float64, len(groups)),
	}
	missing := make([]bool, len(groups))
	errs := make([]error, len(groups))

	nprocs := runtime.GOMAXPROCS(0)
	var wg sync.WaitGroup
	wg.Add(nprocs)
	for p := 0; p < nprocs; p++ {
		go func(p int) {
			defer wg.Done()
			for i := p; i < len(groups); i += nprocs {
				g := groups[i]
				r.Keys[i] = g.key
				r.Members[i] = make([]string, len(g.members))
				for j, m := range g.members {
					r.Members[i][j] = table.Polygons[m].ID
				}
				cw, total, err := a.groupWeights(table, g, w, skip)
				if err != nil {
					errs[i] = fmt.Errorf("aggregate: level %q: group %s: %w", level.Name, keyString(fields, g.key), err)
					continue
				}
				r.Weights[i], r.TotalWeight[i] = cw, total
				row := r.Draws.RawRowView(i)
				if cw == nil {
					missing[i] = true
					for j := range row {
						row[j] = math.NaN()
					}
					r.Summary[i] = Summary{Mean: math.NaN(), Lower: math.NaN(), Upper: math.NaN()}
					continue
				}
				for _, c := range cw {
					floats.AddScaled(row, c.Weight, draws.RawRowView(c.CellID-1))
				}
				r.Summary[i] = a.summarize(row)
			}
		}(p)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	for i, m := range missing {
		if m {
			r.Missing = append(r.Missing, i)
		}
	}
	return r, nil
}

// cellWeights returns the population weight of each cell.
func (a *Aggregator) cellWeights(weights []float64, nCells int) ([]float64, error) {
	if !a.PopulationWeighted {
		return nil, nil
	}
	if weights == nil {
		a.log().Warn("population weighting requested but no population was given; using uniform weights")
		return nil, nil
	}
	if len(weights) != nCells {
		return nil, fmt.Errorf("aggregate: %d population weights but draws matrix has %d cells: %w",
			len(weights), nCells, ErrDimension)
	}
	for i, v := range weights {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("aggregate: invalid population weight %g for cell_id %d", v, i+1)
		}
	}
	return weights, nil
}

// missingCells returns whether each cell has a NaN value in any draw.
func missingCells(draws *mat.Dense) []bool {
	n, _ := draws.Dims()
	o := make([]bool, n)
	for i := range o {
		o[i] = floats.HasNaN(draws.RawRowView(i))
	}
	return o
}

// groupPolygons groups the polygons in table by the values of fields,
// in order of first appearance.
func groupPolygons(table *grid.Table, fields []string) ([]group, error) {
	var groups []group
	index := make(map[string]int)
	for i := range table.Polygons {
		key := make([]string, len(fields))
		for j, f := range fields {
			v, err := table.Value(i, f)
			if err != nil {
				return nil, err
			}
			key[j] = v
		}
		k := strings.Join(key, "\x00")
		gi, ok := index[k]
		if !ok {
			gi = len(groups)
			index[k] = gi
			groups = append(groups, group{key: key})
		}
		groups[gi].members = append(groups[gi].members, i)
	}
	return groups, nil
}

// groupWeights returns the weight of each cell in g, ordered by cell ID,
// along with the total effective weight. Rows for the same cell in
// different member polygons are combined. It returns nil weights if the
// group should be reported as missing.
func (a *Aggregator) groupWeights(table *grid.Table, g group, pop []float64, skip []bool) ([]CellWeight, float64, error) {
	frac := make(map[int]float64)
	for _, m := range g.members {
		for _, r := range table.PolygonRows(m) {
			if skip != nil && skip[r.CellID-1] {
				continue
			}
			frac[r.CellID] += r.Fraction
		}
	}
	if len(frac) == 0 {
		if a.ZeroWeight == FallbackMissing {
			return nil, 0, nil
		}
		return nil, 0, ErrNoCells
	}
	cw := make([]CellWeight, 0, len(frac))
	for id, f := range frac {
		cw = append(cw, CellWeight{CellID: id, Weight: f})
	}
	sort.Slice(cw, func(i, j int) bool { return cw[i].CellID < cw[j].CellID })

	var total float64
	for i, c := range cw {
		if pop != nil {
			cw[i].Weight = c.Weight * pop[c.CellID-1]
		}
		total += cw[i].Weight
	}
	if a.Method == Sum {
		return cw, total, nil
	}
	if total == 0 {
		switch a.ZeroWeight {
		case FallbackError:
			return nil, 0, ErrZeroWeight
		case FallbackMissing:
			a.log().WithFields(logrus.Fields{"members": len(g.members), "key": g.key}).
				Warn("zero total weight; reporting group as missing")
			return nil, 0, nil
		}
		a.log().WithFields(logrus.Fields{"members": len(g.members), "key": g.key}).
			Warn("zero total weight; using area-fraction weights")
		var area float64
		for i, c := range cw {
			cw[i].Weight = frac[c.CellID]
			area += cw[i].Weight
		}
		for i := range cw {
			cw[i].Weight /= area
		}
		return cw, total, nil
	}
	for i := range cw {
		cw[i].Weight /= total
	}
	return cw, total, nil
}

func (a *Aggregator) summarize(row []float64) Summary {
	return Summarize(row, a.LowerQuantile, a.UpperQuantile)
}

// Summarize calculates the mean and the lower and upper quantiles of
// draws, using linear interpolation between order statistics. If any
// draw is NaN, all of the statistics are NaN.
func Summarize(draws []float64, lower, upper float64) Summary {
	if floats.HasNaN(draws) {
		return Summary{Mean: math.NaN(), Lower: math.NaN(), Upper: math.NaN()}
	}
	sorted := make([]float64, len(draws))
	copy(sorted, draws)
	sort.Float64s(sorted)
	return Summary{
		Mean:  stat.Mean(draws, nil),
		Lower: stat.Quantile(lower, stat.LinInterp, sorted, nil),
		Upper: stat.Quantile(upper, stat.LinInterp, sorted, nil),
	}
}

func keyString(fields, key []string) string {
	s := make([]string, len(fields))
	for i, f := range fields {
		s[i] = fmt.Sprintf("%s=%q", f, key[i])
	}
	return strings.Join(s, ",")
}

// PopulationWeights returns the population of each cell in ids. Cells
// where the population is NaN get zero weight. pop must be on the same
// grid as ids.
func PopulationWeights(ids *raster.IDRaster, pop *raster.Raster) ([]float64, error) {
	v, err := ids.Values(pop)
	if err != nil {
		return nil, fmt.Errorf("aggregate: population raster: %v: %w", err, ErrDimension)
	}
	for i, p := range v {
		switch {
		case math.IsNaN(p):
			v[i] = 0
		case p < 0:
			return nil, fmt.Errorf("aggregate: negative population %g in cell_id %d", p, i+1)
		}
	}
	return v, nil
}
