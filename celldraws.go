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

package mbg

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/spatialmodel/mbg/aggregate"
	"github.com/spatialmodel/mbg/raster"
	"gonum.org/v1/gonum/mat"
)

// CellDraws returns the posterior draws on the response scale for each
// cell, with one row per cell and one column per draw. projection maps the
// parameters to the linear predictor at each cell (see
// InferenceEngine.Projection) and params holds the parameter draws, with
// one row per parameter.
func CellDraws(projection mat.Matrix, params *mat.Dense, link InverseLink) (*mat.Dense, error) {
	nCells, p := projection.Dims()
	pp, _ := params.Dims()
	if p != pp {
		return nil, fmt.Errorf("mbg: projection matrix has %d columns but there are %d parameters", p, pp)
	}
	var eta mat.Dense
	eta.Mul(projection, params)

	errs := make([]error, nCells)
	nprocs := runtime.GOMAXPROCS(0)
	var wg sync.WaitGroup
	wg.Add(nprocs)
	for pr := 0; pr < nprocs; pr++ {
		go func(pr int) {
			defer wg.Done()
			for i := pr; i < nCells; i += nprocs {
				row := eta.RawRowView(i)
				for j, x := range row {
					v, err := link(x)
					if err != nil {
						errs[i] = fmt.Errorf("mbg: cell_id %d, draw %d: %v", i+1, j+1, err)
						break
					}
					row[j] = v
				}
			}
		}(pr)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return &eta, nil
}

// CellSummary holds rasters of summary statistics of cell-level draws.
type CellSummary struct {
	Mean, Lower, Upper *raster.Raster
}

// SummarizeCells calculates the mean and lower and upper quantiles of the
// draws for each cell in ids.
func SummarizeCells(ids *raster.IDRaster, draws *mat.Dense, lower, upper float64) (*CellSummary, error) {
	n, _ := draws.Dims()
	if n != ids.Len() {
		return nil, fmt.Errorf("mbg: draws matrix has %d cells but ID raster has %d: %w", n, ids.Len(), aggregate.ErrDimension)
	}
	mean, lo, hi := make([]float64, n), make([]float64, n), make([]float64, n)
	for i := 0; i < n; i++ {
		s := aggregate.Summarize(draws.RawRowView(i), lower, upper)
		mean[i], lo[i], hi[i] = s.Mean, s.Lower, s.Upper
	}
	o := new(CellSummary)
	var err error
	if o.Mean, err = ids.Fill(mean); err != nil {
		return nil, err
	}
	if o.Lower, err = ids.Fill(lo); err != nil {
		return nil, err
	}
	if o.Upper, err = ids.Fill(hi); err != nil {
		return nil, err
	}
	return o, nil
}
