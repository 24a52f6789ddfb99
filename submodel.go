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
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/GaryBoone/GoStats/stats"
	"github.com/ctessum/atmos/evalstats"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Submodel is a machine-learning model whose predictions are used as
// covariates in the geostatistical model (stacking).
type Submodel interface {
	// Fit fits the model to the given covariates, indexed
	// [observation][covariate], and responses.
	Fit(x [][]float64, y []float64) error

	// Predict returns predictions for the given covariates.
	Predict(x [][]float64) ([]float64, error)
}

var (
	submodelsMu sync.RWMutex
	submodels   = map[string]func() Submodel{
		"linear": func() Submodel { return new(LinearModel) },
		"mean":   func() Submodel { return new(MeanModel) },
	}
)

// RegisterSubmodel makes a submodel available by name, for example to
// wrap an external machine-learning library. It replaces any existing
// submodel with the same name.
func RegisterSubmodel(name string, f func() Submodel) {
	submodelsMu.Lock()
	submodels[name] = f
	submodelsMu.Unlock()
}

// NewSubmodel returns a new, unfitted submodel with the given name.
func NewSubmodel(name string) (Submodel, error) {
	submodelsMu.RLock()
	defer submodelsMu.RUnlock()
	f, ok := submodels[name]
	if !ok {
		names := make([]string, 0, len(submodels))
		for n := range submodels {
			names = append(names, n)
		}
		sort.Strings(names)
		return nil, fmt.Errorf("mbg: unknown submodel %q; valid options are %v", name, names)
	}
	return f(), nil
}

// LinearModel is an ordinary least squares regression with an intercept.
type LinearModel struct {
	Coefficients []float64 // Intercept followed by one coefficient per covariate
}

func design(x [][]float64) *mat.Dense {
	p := 1
	if len(x) > 0 {
		p += len(x[0])
	}
	d := mat.NewDense(len(x), p, nil)
	for i, row := range x {
		d.Set(i, 0, 1)
		for j, v := range row {
			d.Set(i, j+1, v)
		}
	}
	return d
}

// Fit implements Submodel.
func (m *LinearModel) Fit(x [][]float64, y []float64) error {
	if len(x) != len(y) {
		return fmt.Errorf("mbg: linear model: %d observations but %d responses", len(x), len(y))
	}
	d := design(x)
	n, p := d.Dims()
	if n < p {
		return fmt.Errorf("mbg: linear model: %d observations is not enough to fit %d coefficients", n, p)
	}
	var beta mat.VecDense
	if err := beta.SolveVec(d, mat.NewVecDense(n, append([]float64{}, y...))); err != nil {
		return fmt.Errorf("mbg: linear model: %v", err)
	}
	m.Coefficients = make([]float64, p)
	for i := range m.Coefficients {
		m.Coefficients[i] = beta.AtVec(i)
	}
	return nil
}

// Predict implements Submodel.
func (m *LinearModel) Predict(x [][]float64) ([]float64, error) {
	if m.Coefficients == nil {
		return nil, fmt.Errorf("mbg: linear model has not been fit")
	}
	o := make([]float64, len(x))
	for i, row := range x {
		if len(row) != len(m.Coefficients)-1 {
			return nil, fmt.Errorf("mbg: linear model: observation %d has %d covariates but the model has %d",
				i, len(row), len(m.Coefficients)-1)
		}
		o[i] = m.Coefficients[0] + floats.Dot(row, m.Coefficients[1:])
	}
	return o, nil
}

// MeanModel predicts the mean of the responses it was fit to.
type MeanModel struct {
	Mean   float64
	fitted bool
}

// Fit implements Submodel.
func (m *MeanModel) Fit(x [][]float64, y []float64) error {
	if len(y) == 0 {
		return fmt.Errorf("mbg: mean model: no observations")
	}
	m.Mean = floats.Sum(y) / float64(len(y))
	m.fitted = true
	return nil
}

// Predict implements Submodel.
func (m *MeanModel) Predict(x [][]float64) ([]float64, error) {
	if !m.fitted {
		return nil, fmt.Errorf("mbg: mean model has not been fit")
	}
	o := make([]float64, len(x))
	for i := range o {
		o[i] = m.Mean
	}
	return o, nil
}

// CVDiagnostics holds cross-validation statistics for a submodel,
// comparing out-of-fold predictions with observations.
type CVDiagnostics struct {
	Name      string
	RMSE      float64 // Root mean square error
	R2        float64 // Coefficient of determination of observed on predicted
	MeanBias  float64
	MeanError float64 // Mean absolute error
}

// StackResult holds the results of fitting submodels.
type StackResult struct {
	Names []string // Submodel names

	// OutOfFold holds, for each observation, the predictions of each
	// submodel fit without the observation's fold. These are the
	// covariates used to fit the geostatistical model.
	OutOfFold [][]float64

	// Cells holds, for each cell, the predictions of each submodel
	// fit to all of the observations.
	Cells [][]float64

	Diagnostics []CVDiagnostics
}

// response returns the response used to fit submodels: the observed
// rate (Response/Trials) for binomial data, and Response otherwise.
func (d *ModelData) response() []float64 {
	y := make([]float64, len(d.Response))
	for i, r := range d.Response {
		if d.Trials != nil {
			y[i] = r / d.Trials[i]
		} else {
			y[i] = r
		}
	}
	return y
}

// Folds assigns each of n observations to one of k cross-validation
// folds at random. The assignment is deterministic for a given seed and
// fold sizes differ by at most one.
func Folds(n, k int, seed uint64) []int {
	perm := rand.New(rand.NewSource(seed)).Perm(n)
	o := make([]int, n)
	for i, p := range perm {
		o[p] = i % k
	}
	return o
}

// RunSubmodels fits the named submodels to data with k-fold cross
// validation and predicts them at nCells cells. cellCovariates holds the
// covariates at each cell, in the same order as in data; it may be nil
// if data has no covariates.
func RunSubmodels(ctx context.Context, names []string, k int, seed uint64, data *ModelData, nCells int, cellCovariates [][]float64) (*StackResult, error) {
	if err := data.Check(); err != nil {
		return nil, err
	}
	if err := checkCovariates(cellCovariates, nCells, len(data.CovariateNames)); err != nil {
		return nil, err
	}
	if cellCovariates == nil {
		cellCovariates = make([][]float64, nCells)
	}
	n := len(data.Points)
	if k < 2 || k > n {
		return nil, fmt.Errorf("mbg: %d cross-validation folds for %d observations: %w", k, n, ErrConfig)
	}
	folds := Folds(n, k, seed)
	y := data.response()

	r := &StackResult{
		Names:       names,
		OutOfFold:   make([][]float64, n),
		Cells:       make([][]float64, len(cellCovariates)),
		Diagnostics: make([]CVDiagnostics, len(names)),
	}
	for i := range r.OutOfFold {
		r.OutOfFold[i] = make([]float64, len(names))
	}
	for i := range r.Cells {
		r.Cells[i] = make([]float64, len(names))
	}

	errs := make([]error, len(names))
	var wg sync.WaitGroup
	wg.Add(len(names))
	for s, name := range names {
		go func(s int, name string) {
			defer wg.Done()
			oof, cells, err := runSubmodel(ctx, name, k, folds, data.Covariates, y, cellCovariates)
			if err != nil {
				errs[s] = err
				return
			}
			for i, v := range oof {
				r.OutOfFold[i][s] = v
			}
			for i, v := range cells {
				r.Cells[i][s] = v
			}
			r.Diagnostics[s] = diagnostics(name, y, oof)
		}(s, name)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return r, nil
}

// runSubmodel returns the out-of-fold predictions at the observations and
// the full-data predictions at the cells for one submodel.
func runSubmodel(ctx context.Context, name string, k int, folds []int, x [][]float64, y []float64, cellX [][]float64) (oof, cells []float64, err error) {
	if x == nil {
		x = make([][]float64, len(y))
	}
	oof = make([]float64, len(y))
	for f := 0; f < k; f++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		var trainX, testX [][]float64
		var trainY []float64
		var testI []int
		for i, fold := range folds {
			if fold == f {
				testX = append(testX, x[i])
				testI = append(testI, i)
			} else {
				trainX = append(trainX, x[i])
				trainY = append(trainY, y[i])
			}
		}
		m, err := NewSubmodel(name)
		if err != nil {
			return nil, nil, err
		}
		if err := m.Fit(trainX, trainY); err != nil {
			return nil, nil, fmt.Errorf("mbg: submodel %s, fold %d: %w", name, f+1, err)
		}
		p, err := m.Predict(testX)
		if err != nil {
			return nil, nil, fmt.Errorf("mbg: submodel %s, fold %d: %w", name, f+1, err)
		}
		for j, i := range testI {
			oof[i] = p[j]
		}
	}
	m, err := NewSubmodel(name)
	if err != nil {
		return nil, nil, err
	}
	if err := m.Fit(x, y); err != nil {
		return nil, nil, fmt.Errorf("mbg: submodel %s: %w", name, err)
	}
	cells, err = m.Predict(cellX)
	if err != nil {
		return nil, nil, fmt.Errorf("mbg: submodel %s: predicting cells: %w", name, err)
	}
	return oof, cells, nil
}

func diagnostics(name string, obs, pred []float64) CVDiagnostics {
	var sse float64
	for i, o := range obs {
		sse += (pred[i] - o) * (pred[i] - o)
	}
	d := CVDiagnostics{
		Name:      name,
		RMSE:      math.Sqrt(sse / float64(len(obs))),
		MeanBias:  evalstats.MB(obs, pred),
		MeanError: evalstats.ME(obs, pred),
	}
	_, _, d.R2, _, _, _ = stats.LinearRegression(pred, obs)
	return d
}
