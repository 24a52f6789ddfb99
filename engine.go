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

	"github.com/ctessum/geom"
	"gonum.org/v1/gonum/mat"
)

// ModelData holds the observations and covariates used to fit a model.
type ModelData struct {
	Points   []geom.Point // Observation locations
	Response []float64    // Observed outcome at each point, e.g. number of positive cases
	Trials   []float64    // Number of trials at each point for binomial outcomes; nil otherwise

	// CovariateNames holds the name of each covariate and Covariates holds
	// the covariate values at each point, indexed [point][covariate].
	CovariateNames []string
	Covariates     [][]float64
}

// Check checks that the dimensions of the data are consistent.
func (d *ModelData) Check() error {
	n := len(d.Points)
	if n == 0 {
		return fmt.Errorf("mbg: model data has no observations: %w", ErrConfig)
	}
	if len(d.Response) != n {
		return fmt.Errorf("mbg: %d responses for %d points: %w", len(d.Response), n, ErrConfig)
	}
	if d.Trials != nil && len(d.Trials) != n {
		return fmt.Errorf("mbg: %d trials for %d points: %w", len(d.Trials), n, ErrConfig)
	}
	return checkCovariates(d.Covariates, n, len(d.CovariateNames))
}

func checkCovariates(c [][]float64, nPoints, nCovariates int) error {
	if nCovariates == 0 && c == nil {
		return nil
	}
	if len(c) != nPoints {
		return fmt.Errorf("mbg: covariates for %d points but there are %d points: %w", len(c), nPoints, ErrConfig)
	}
	for i, row := range c {
		if len(row) != nCovariates {
			return fmt.Errorf("mbg: point %d has %d covariates but there are %d covariate names: %w",
				i, len(row), nCovariates, ErrConfig)
		}
	}
	return nil
}

// Posterior is a Gaussian approximation to the posterior distribution of
// the model parameters, which typically include fixed effects and the
// values of the latent spatial field at the mesh vertices.
type Posterior struct {
	Names     []string      // Parameter names
	Mean      []float64     // Posterior mean of each parameter
	Precision *mat.SymDense // Posterior precision (inverse covariance) matrix
}

// Check checks that the dimensions of the posterior are consistent.
func (p *Posterior) Check() error {
	n := len(p.Mean)
	if n == 0 {
		return fmt.Errorf("mbg: posterior has no parameters")
	}
	if p.Names != nil && len(p.Names) != n {
		return fmt.Errorf("mbg: posterior has %d names for %d parameters", len(p.Names), n)
	}
	if p.Precision == nil {
		return fmt.Errorf("mbg: posterior has no precision matrix")
	}
	if s := p.Precision.Symmetric(); s != n {
		return fmt.Errorf("mbg: posterior precision matrix is %dx%d but there are %d parameters", s, s, n)
	}
	return nil
}

// InferenceEngine fits a geostatistical model. Implementations wrap an
// external Bayesian inference backend, for example one that approximates
// the latent Gaussian field with a stochastic partial differential equation
// on a mesh. Errors returned by an engine are passed on to the caller
// without being retried or reinterpreted.
type InferenceEngine interface {
	// Fit fits the model to data and returns the posterior mean and
	// precision of the model parameters.
	Fit(ctx context.Context, data *ModelData) (*Posterior, error)

	// Projection returns the matrix, with one row per point and one
	// column per parameter, that maps the parameters to the linear
	// predictor at the given points. covariates holds the covariate values
	// at each point, in the same order as in the ModelData.
	Projection(ctx context.Context, post *Posterior, points []geom.Point, covariates [][]float64) (mat.Matrix, error)
}
