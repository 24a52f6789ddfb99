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
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spatialmodel/mbg/aggregate"
	"github.com/spatialmodel/mbg/grid"
	"github.com/spatialmodel/mbg/raster"
	"gonum.org/v1/gonum/mat"
)

// DefaultLevel is the aggregation level used when none are configured:
// each polygon in the aggregation table is its own group.
var DefaultLevel = aggregate.Level{Name: "polygon"}

// Inputs holds the input data for a model run.
type Inputs struct {
	Data  *ModelData       // Observations
	IDs   *raster.IDRaster // Cells to predict at
	Table *grid.Table      // Aggregation table for IDs

	// CellCovariates holds the covariate values at each cell, indexed
	// [cell_id-1][covariate], in the same order as in Data.
	CellCovariates [][]float64

	// Population holds the population of each cell, indexed by cell_id-1.
	// It is optional.
	Population []float64
}

// Output holds the results of a model run.
type Output struct {
	// Stack holds the submodel results. It is nil if stacking is
	// turned off.
	Stack *StackResult

	Posterior      *Posterior
	ParameterDraws *mat.Dense // One row per parameter, one column per draw
	CellDraws      *mat.Dense // One row per cell, one column per draw
	CellSummary    *CellSummary

	// Results holds the aggregated draws for each level.
	Results []*aggregate.Result
}

// Pipeline runs the model: submodel fitting (if stacking is enabled),
// model fitting, posterior parameter draws, cell-level draws, and
// aggregation to each configured level.
type Pipeline struct {
	Config *Config
	Engine InferenceEngine

	// Log receives progress messages. The default is the standard logrus logger.
	Log logrus.FieldLogger
}

func (p *Pipeline) log() logrus.FieldLogger {
	if p.Log == nil {
		return logrus.StandardLogger()
	}
	return p.Log
}

// check checks the inputs for consistency before any work is done.
func (in *Inputs) check() error {
	if in.Data == nil || in.IDs == nil || in.Table == nil {
		return fmt.Errorf("mbg: model data, ID raster, and aggregation table are all required: %w", ErrConfig)
	}
	if err := in.Data.Check(); err != nil {
		return err
	}
	if err := checkCovariates(in.CellCovariates, in.IDs.Len(), len(in.Data.CovariateNames)); err != nil {
		return fmt.Errorf("mbg: cell covariates: %w", err)
	}
	if in.Population != nil && len(in.Population) != in.IDs.Len() {
		return fmt.Errorf("mbg: %d population values for %d cells: %w", len(in.Population), in.IDs.Len(), aggregate.ErrDimension)
	}
	if err := in.Table.Validate(in.IDs.Len()); err != nil {
		return fmt.Errorf("mbg: %v: %w", err, aggregate.ErrDimension)
	}
	return nil
}

// pointsOutside returns the number of observations that do not fall in a
// study-area cell.
func (in *Inputs) pointsOutside() int {
	var n int
	for _, pt := range in.Data.Points {
		row, col, ok := in.IDs.Index(pt)
		if !ok || in.IDs.ID(row, col) == 0 {
			n++
		}
	}
	return n
}

// Run runs the pipeline. Errors from the inference engine are returned
// wrapped, so errors.Is and errors.As match the engine's error.
func (p *Pipeline) Run(ctx context.Context, in *Inputs) (*Output, error) {
	if p.Engine == nil {
		return nil, fmt.Errorf("mbg: no inference engine: %w", ErrConfig)
	}
	cfg := p.Config
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	aggCfg, err := cfg.AggregateConfig()
	if err != nil {
		return nil, err
	}
	link, err := ParseLink(cfg.Link)
	if err != nil {
		return nil, fmt.Errorf("mbg: %v: %w", err, ErrConfig)
	}
	if err := in.check(); err != nil {
		return nil, err
	}
	log := p.log()
	if n := in.pointsOutside(); n > 0 {
		log.WithField("points", n).Warn("observations outside of the study area")
	}
	out := new(Output)

	data, cellCov := in.Data, in.CellCovariates
	if cfg.Stacking {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start := time.Now()
		out.Stack, err = RunSubmodels(ctx, cfg.Submodels, cfg.Folds, cfg.Seed, in.Data, in.IDs.Len(), in.CellCovariates)
		if err != nil {
			return nil, err
		}
		for _, d := range out.Stack.Diagnostics {
			log.WithFields(logrus.Fields{
				"submodel":  d.Name,
				"rmse":      d.RMSE,
				"r2":        d.R2,
				"meanbias":  d.MeanBias,
				"meanerror": d.MeanError,
			}).Info("submodel cross validation")
		}
		log.WithFields(logrus.Fields{"submodels": len(cfg.Submodels), "duration": time.Since(start)}).Info("fit submodels")
		data = &ModelData{
			Points:         in.Data.Points,
			Response:       in.Data.Response,
			Trials:         in.Data.Trials,
			CovariateNames: out.Stack.Names,
			Covariates:     out.Stack.OutOfFold,
		}
		cellCov = out.Stack.Cells
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	out.Posterior, err = p.Engine.Fit(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("mbg: fitting model: %w", err)
	}
	if err := out.Posterior.Check(); err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{"parameters": len(out.Posterior.Mean), "duration": time.Since(start)}).Info("fit model")

	out.ParameterDraws, err = ParameterDraws(out.Posterior, cfg.Draws, cfg.Seed)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	projection, err := p.Engine.Projection(ctx, out.Posterior, in.IDs.Centers(), cellCov)
	if err != nil {
		return nil, fmt.Errorf("mbg: projecting to cells: %w", err)
	}
	if r, _ := projection.Dims(); r != in.IDs.Len() {
		return nil, fmt.Errorf("mbg: projection matrix has %d rows but there are %d cells: %w",
			r, in.IDs.Len(), aggregate.ErrDimension)
	}
	out.CellDraws, err = CellDraws(projection, out.ParameterDraws, link)
	if err != nil {
		return nil, err
	}
	out.CellSummary, err = SummarizeCells(in.IDs, out.CellDraws, cfg.LowerQuantile, cfg.UpperQuantile)
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{"cells": in.IDs.Len(), "draws": cfg.Draws}).Info("calculated cell draws")

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	agg, err := aggregate.New(aggCfg)
	if err != nil {
		return nil, err
	}
	agg.Log = log
	levels := cfg.Levels
	if len(levels) == 0 {
		levels = []aggregate.Level{DefaultLevel}
	}
	out.Results, err = agg.AggregateLevels(out.CellDraws, in.Table, in.Population, levels)
	if err != nil {
		return nil, err
	}
	for _, r := range out.Results {
		log.WithFields(logrus.Fields{
			"level":   r.Level.Name,
			"groups":  len(r.Keys),
			"missing": len(r.Missing),
		}).Info("aggregated draws")
	}
	return out, nil
}
